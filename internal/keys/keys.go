// Package keys implements the cryptographic primitives shared by every other
// package in this node: secp256k1 keypairs, deterministic signing, and
// keccak-256 address derivation. Signing, verification and hashing all go
// through this package; internal/chain additionally uses btcec directly to
// parse public keys.
package keys

import (
	"bufio"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"golang.org/x/crypto/sha3"
)

// AddressSize is the length in bytes of a derived account address, matching
// the low 20 bytes of the keccak-256 hash of the uncompressed public key
// (the same convention used throughout the retrieved pack's clique/dpos
// style consensus code).
const AddressSize = 20

var (
	// ErrInvalidPrivateKeyHex is returned when a config-supplied private key
	// string isn't valid hex or doesn't decode to a point on the curve.
	ErrInvalidPrivateKeyHex = errors.New("keys: invalid private key hex")
	// ErrInvalidSignatureLength is returned by Verify when the signature
	// blob isn't a well-formed compact recoverable ECDSA signature.
	ErrInvalidSignatureLength = errors.New("keys: invalid signature length")
	// ErrSignatureVerificationFailed is returned by Verify on a mismatched
	// signature/message/public-key triple.
	ErrSignatureVerificationFailed = errors.New("keys: signature verification failed")
)

// Address is a 20-byte account identifier derived from a public key.
type Address [AddressSize]byte

// String renders the address as a "0x"-prefixed lowercase hex string.
func (a Address) String() string {
	return "0x" + hex.EncodeToString(a[:])
}

// IsZero reports whether the address is the zero value (used to distinguish
// "no forger elected" from a real address in the forger package).
func (a Address) IsZero() bool {
	return a == Address{}
}

// MarshalJSON renders the address the same way String does, so RPC payloads
// carry addresses as ordinary "0x..." strings rather than byte arrays.
func (a Address) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.String() + `"`), nil
}

// UnmarshalJSON parses the "0x..." string form produced by MarshalJSON.
func (a *Address) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	parsed, err := AddressFromHex(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// AddressFromHex parses a "0x"-prefixed or bare hex string into an Address.
func AddressFromHex(s string) (Address, error) {
	var a Address
	s = strings.TrimPrefix(s, "0x")
	b, err := hex.DecodeString(s)
	if err != nil {
		return a, fmt.Errorf("keys: decode address hex: %w", err)
	}
	if len(b) != AddressSize {
		return a, fmt.Errorf("keys: address must be %d bytes, got %d", AddressSize, len(b))
	}
	copy(a[:], b)
	return a, nil
}

// KeyPair bundles a private signing key with its derived public key and
// address, the unit every caller in this repo that needs to sign (wallet
// load, forger election self-check, transaction construction) carries
// around.
type KeyPair struct {
	Private *btcec.PrivateKey
	Public  *btcec.PublicKey
	Address Address
}

// Generate creates a new random keypair using crypto/rand as the entropy
// source, mirroring how the teacher generated its placeholder proposer keys
// in cmd/empower1d/main.go, but over secp256k1 instead of P-256.
func Generate() (*KeyPair, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("keys: generate private key: %w", err)
	}
	return fromPrivateKey(priv), nil
}

// FromHex reconstructs a keypair from a hex-encoded 32-byte secp256k1 scalar,
// the form a wallet file read by LoadOrCreate holds (the
// `wallet_private_key` config field is that file's path).
func FromHex(s string) (*KeyPair, error) {
	s = strings.TrimPrefix(s, "0x")
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKeyHex, err)
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("%w: expected 32 bytes, got %d", ErrInvalidPrivateKeyHex, len(b))
	}
	priv, pub := btcec.PrivKeyFromBytes(b)
	_ = pub
	return fromPrivateKey(priv), nil
}

func fromPrivateKey(priv *btcec.PrivateKey) *KeyPair {
	pub := priv.PubKey()
	return &KeyPair{
		Private: priv,
		Public:  pub,
		Address: AddressFromPublicKey(pub),
	}
}

// AddressFromPublicKey derives an Address from an uncompressed public key by
// keccak-256 hashing the 64-byte X||Y encoding and taking the low 20 bytes,
// the pattern lifted from the retrieved clique.go reference
// (crypto.Keccak256(pubkey[1:])[12:]).
func AddressFromPublicKey(pub *btcec.PublicKey) Address {
	uncompressed := pub.SerializeUncompressed() // 0x04 || X || Y, 65 bytes
	digest := Keccak256(uncompressed[1:])
	var a Address
	copy(a[:], digest[len(digest)-AddressSize:])
	return a
}

// Keccak256 hashes data with the legacy (pre-NIST) Keccak-256 permutation,
// the hash every address and signing-payload digest in this repo is built
// from.
func Keccak256(data ...[]byte) []byte {
	h := sha3.NewLegacyKeccak256()
	for _, d := range data {
		h.Write(d)
	}
	return h.Sum(nil)
}

// Sign produces a compact, recoverable ECDSA signature over digest exactly
// as given. Callers hash their message themselves (keccak-256 throughout
// this repo) and pass the digest in; Sign never hashes its input.
func (k *KeyPair) Sign(digest []byte) []byte {
	sig := ecdsa.SignCompact(k.Private, digest, false)
	return sig
}

// Verify checks that sig is a valid compact ECDSA signature over digest by
// the holder of pub.
func Verify(pub *btcec.PublicKey, digest, sig []byte) error {
	if len(sig) != 65 {
		return ErrInvalidSignatureLength
	}
	recoveredPub, _, err := ecdsa.RecoverCompact(sig, digest)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureVerificationFailed, err)
	}
	if !recoveredPub.IsEqual(pub) {
		return ErrSignatureVerificationFailed
	}
	return nil
}

// LoadOrCreate loads a keypair from path (a file holding a single hex-encoded
// private key) or, if the file doesn't exist, generates a fresh keypair and
// persists it to path with 0600 permissions. This mirrors the load/create
// dance in the original source's wallet.rs, which never required an operator
// to pre-generate a wallet file before first run.
func LoadOrCreate(path string) (*KeyPair, error) {
	f, err := os.Open(path)
	if err == nil {
		defer f.Close()
		scanner := bufio.NewScanner(f)
		if !scanner.Scan() {
			return nil, fmt.Errorf("keys: wallet file %s is empty", path)
		}
		line := strings.TrimSpace(scanner.Text())
		return FromHex(line)
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("keys: open wallet file %s: %w", path, err)
	}

	kp, genErr := Generate()
	if genErr != nil {
		return nil, genErr
	}
	hexKey := hex.EncodeToString(kp.Private.Serialize())
	if writeErr := os.WriteFile(path, []byte(hexKey+"\n"), 0o600); writeErr != nil {
		return nil, fmt.Errorf("keys: persist wallet file %s: %w", path, writeErr)
	}
	return kp, nil
}

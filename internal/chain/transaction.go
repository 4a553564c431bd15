// Package chain implements the tagged Transaction and Block record types
// that make up the replicated ledger, along with their self-hashing and
// self-verifying invariants. Everything here is pure data plus pure
// functions; chainstate mutation and append-order validation live in
// internal/chainstate and internal/blockchain respectively.
package chain

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/forgenet/posnode/internal/keys"
)

// hashVersion is the leading component of every canonical hash string this
// repo produces, per the `hash.unite()` convention: "{version}x{hex}".
const hashVersion = 1

// TxType tags which of the three transaction variants a Transaction is.
type TxType uint8

const (
	// Movement transfers value from a signed sender to a recipient.
	Movement TxType = iota
	// Coinbase mints the block reward to the forger; it carries no
	// signature and no sender.
	Coinbase
	// Stake is a self-transfer that registers the sender as a forger
	// candidate for future elections.
	Stake
)

func (t TxType) String() string {
	switch t {
	case Movement:
		return "movement"
	case Coinbase:
		return "coinbase"
	case Stake:
		return "stake"
	default:
		return fmt.Sprintf("TxType(%d)", uint8(t))
	}
}

// Transaction kind errors, surfaced by verify() per the error table this
// core is required to expose (the TxError kinds in spec §7).
var (
	ErrBadSignature     = errors.New("chain: bad signature")
	ErrAddressMismatch  = errors.New("chain: from_address does not match author public key")
	ErrHashMismatch     = errors.New("chain: transaction hash does not match canonical fields")
	ErrUnknownTxType    = errors.New("chain: unknown transaction type")
	ErrMissingAuthorKey = errors.New("chain: movement/stake transaction missing author public key")
)

// Transaction is the tagged union described in spec §3. Which fields are
// meaningful depends on Type: Coinbase never carries AuthorPK, Signature,
// From, or Nonce.
type Transaction struct {
	Type      TxType       `json:"type"`
	AuthorPK  []byte       `json:"author_pk,omitempty"` // compressed secp256k1 public key; nil for Coinbase
	Signature []byte       `json:"signature,omitempty"` // compact recoverable ECDSA signature; nil for Coinbase
	From      keys.Address `json:"from"`
	To        keys.Address `json:"to"`
	Amount    uint64       `json:"amount"`
	Nonce     uint64       `json:"nonce"`
	Hash      string       `json:"hash"`
}

// NewMovement builds and signs a value-transfer transaction.
func NewMovement(signer *keys.KeyPair, to keys.Address, amount, nonce uint64) *Transaction {
	tx := &Transaction{
		Type:     Movement,
		AuthorPK: signer.Public.SerializeCompressed(),
		From:     signer.Address,
		To:       to,
		Amount:   amount,
		Nonce:    nonce,
	}
	tx.Hash = tx.HashString()
	tx.Signature = signer.Sign(tx.digest())
	return tx
}

// NewStake builds and signs a self-transfer staking transaction.
func NewStake(signer *keys.KeyPair, amount, nonce uint64) *Transaction {
	tx := &Transaction{
		Type:     Stake,
		AuthorPK: signer.Public.SerializeCompressed(),
		From:     signer.Address,
		To:       signer.Address,
		Amount:   amount,
		Nonce:    nonce,
	}
	tx.Hash = tx.HashString()
	tx.Signature = signer.Sign(tx.digest())
	return tx
}

// NewCoinbase builds the unsigned reward transaction prepended to every
// block's transaction list.
func NewCoinbase(to keys.Address, amount uint64) *Transaction {
	tx := &Transaction{
		Type:   Coinbase,
		To:     to,
		Amount: amount,
	}
	tx.Hash = tx.HashString()
	return tx
}

// canonicalBytes feeds the hasher with the variant's canonical fields,
// excluding the signature, as one method per spec §9's redesign note
// ("give each variant a single canonical_bytes() method"). Field order is
// fixed and version-tagged so two transactions with equal fields always
// hash equal regardless of construction order.
func (tx *Transaction) canonicalBytes() []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(tx.Type))
	switch tx.Type {
	case Coinbase:
		buf.Write(tx.To[:])
		_ = binary.Write(&buf, binary.BigEndian, tx.Amount)
	case Movement, Stake:
		buf.Write(tx.AuthorPK)
		buf.Write(tx.From[:])
		buf.Write(tx.To[:])
		_ = binary.Write(&buf, binary.BigEndian, tx.Amount)
		_ = binary.Write(&buf, binary.BigEndian, tx.Nonce)
	}
	return buf.Bytes()
}

// digest is the raw keccak-256 bytes over the canonical fields; Sign/Verify
// operate on this, while HashString renders the "{version}x{hex}" form
// stored on the transaction and gossiped over the wire.
func (tx *Transaction) digest() []byte {
	return keys.Keccak256(tx.canonicalBytes())
}

// computeHash is an alias kept for readability at call sites that mirror
// the spec's compute_hash() operation name.
func (tx *Transaction) computeHash() []byte {
	return tx.digest()
}

// HashString renders the canonical hash string for this transaction's
// current fields, independent of whatever is currently stored in tx.Hash.
func (tx *Transaction) HashString() string {
	return fmt.Sprintf("%dx%x", hashVersion, tx.computeHash())
}

// Verify checks the three-part invariant from spec §4.2: for Movement and
// Stake, the from-address matches the author key, the stored hash matches
// the recomputed canonical hash, and the signature verifies that hash under
// the author key. Coinbase only checks the hash.
func (tx *Transaction) Verify() error {
	switch tx.Type {
	case Coinbase:
		if tx.HashString() != tx.Hash {
			return ErrHashMismatch
		}
		return nil
	case Movement, Stake:
		if len(tx.AuthorPK) == 0 {
			return ErrMissingAuthorKey
		}
		pub, err := btcec.ParsePubKey(tx.AuthorPK)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrBadSignature, err)
		}
		if keys.AddressFromPublicKey(pub) != tx.From {
			return ErrAddressMismatch
		}
		if tx.HashString() != tx.Hash {
			return ErrHashMismatch
		}
		if err := keys.Verify(pub, tx.digest(), tx.Signature); err != nil {
			return fmt.Errorf("%w: %v", ErrBadSignature, err)
		}
		return nil
	default:
		return ErrUnknownTxType
	}
}

// IsCoinbase reports whether tx is the reward transaction variant.
func (tx *Transaction) IsCoinbase() bool { return tx.Type == Coinbase }

// IsStake reports whether tx is a staking self-transfer.
func (tx *Transaction) IsStake() bool { return tx.Type == Stake }

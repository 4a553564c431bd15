package chain

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/forgenet/posnode/internal/keys"
)

// Block-level error kinds, the ChainError variants from spec §7 that
// originate in this package rather than in the append engine.
var (
	ErrInvalidHash          = errors.New("chain: block hash does not match canonical fields")
	ErrInvalidSignature     = errors.New("chain: block signature invalid for forger public key")
	ErrEmptyBlock           = errors.New("chain: block has no transactions")
	ErrInvalidCoinbase      = errors.New("chain: transactions[0] is not a coinbase, or coinbase recipient is wrong")
	ErrMultipleCoinbase     = errors.New("chain: more than one coinbase transaction in block")
	ErrInvalidForgerPubKey  = errors.New("chain: malformed forger public key")
)

// Block is the tagged header+body record from spec §3. PreviousHash is nil
// only for the genesis block.
type Block struct {
	Hash         string         `json:"hash"`
	PreviousHash *string        `json:"previous_hash"`
	Timestamp    int64          `json:"timestamp"`
	Transactions []*Transaction `json:"transactions"`
	ForgerPK     []byte         `json:"forger_pk"`
	Signature    []byte         `json:"signature"`
	Index        uint64         `json:"index"`
}

// NewBlock assembles an unsigned, unhashed block shell; callers finish it
// with Finalize, which hashes and signs it (see internal/node's
// forgeAndBroadcast, which does so with the forger's keypair).
func NewBlock(index uint64, previousHash *string, txs []*Transaction, timestamp int64, forgerPK []byte) *Block {
	return &Block{
		PreviousHash: previousHash,
		Timestamp:    timestamp,
		Transactions: txs,
		ForgerPK:     forgerPK,
		Index:        index,
	}
}

// canonicalBytes feeds the hasher with version, serialized transactions,
// timestamp, forger_pk and previous_hash, matching spec §4.3's compute_hash.
func (b *Block) canonicalBytes() []byte {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.BigEndian, uint32(hashVersion))
	_ = binary.Write(&buf, binary.BigEndian, uint32(len(b.Transactions)))
	for _, tx := range b.Transactions {
		buf.WriteString(tx.Hash)
	}
	_ = binary.Write(&buf, binary.BigEndian, b.Timestamp)
	buf.Write(b.ForgerPK)
	if b.PreviousHash != nil {
		buf.WriteByte(1)
		buf.WriteString(*b.PreviousHash)
	} else {
		buf.WriteByte(0)
	}
	return buf.Bytes()
}

func (b *Block) computeHash() []byte {
	return keys.Keccak256(b.canonicalBytes())
}

// ComputeHashString renders the canonical "{version}x{hex}" hash string for
// the block's current fields.
func (b *Block) ComputeHashString() string {
	return fmt.Sprintf("%dx%x", hashVersion, b.computeHash())
}

// Finalize sets b.Hash from the current fields and signs it with signer,
// the last two steps of block assembly before it's handed to the append
// engine.
func (b *Block) Finalize(signer *keys.KeyPair) {
	b.Hash = b.ComputeHashString()
	b.Signature = signer.Sign(b.computeHash())
}

// VerifyIntegrity checks that the stored hash matches the recomputed
// canonical hash (spec §4.3 verify_integrity).
func (b *Block) VerifyIntegrity() error {
	if b.ComputeHashString() != b.Hash {
		return ErrInvalidHash
	}
	return nil
}

// VerifySignature checks that Signature verifies the block hash under
// expectedForgerPK (spec §4.3 verify_signature).
func (b *Block) VerifySignature(expectedForgerPK []byte) error {
	pub, err := btcec.ParsePubKey(expectedForgerPK)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidForgerPubKey, err)
	}
	if err := keys.Verify(pub, b.computeHash(), b.Signature); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return nil
}

// VerifyCoinbase checks that transactions[0] is the sole coinbase and that
// it mints to the forger's own address, per spec §3/§4.5 precondition 4.
func (b *Block) VerifyCoinbase() error {
	if len(b.Transactions) == 0 {
		return ErrEmptyBlock
	}
	pub, err := btcec.ParsePubKey(b.ForgerPK)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidForgerPubKey, err)
	}
	forgerAddr := keys.AddressFromPublicKey(pub)

	first := b.Transactions[0]
	if !first.IsCoinbase() || first.To != forgerAddr {
		return ErrInvalidCoinbase
	}
	for _, tx := range b.Transactions[1:] {
		if tx.IsCoinbase() {
			return ErrMultipleCoinbase
		}
	}
	return nil
}

// ForgerAddress derives the forging address from the block's stored public
// key. Used by the append engine's forger checks and its recent-forger
// bookkeeping.
func (b *Block) ForgerAddress() (keys.Address, error) {
	pub, err := btcec.ParsePubKey(b.ForgerPK)
	if err != nil {
		return keys.Address{}, fmt.Errorf("%w: %v", ErrInvalidForgerPubKey, err)
	}
	return keys.AddressFromPublicKey(pub), nil
}

// Package mempool holds transactions awaiting inclusion in a block: the
// pending set, the seen-hash cache that makes admit idempotent under
// gossip replay, and the gossip batch transaction-handler workers drain to
// peer-sender workers. internal/node owns the single Mempool instance and
// serializes access under its coarse lock; like internal/chainstate, this
// package is not safe for concurrent use on its own.
package mempool

import (
	"errors"
	"sort"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/forgenet/posnode/internal/chain"
	"github.com/forgenet/posnode/internal/chainstate"
	"github.com/forgenet/posnode/internal/keys"
)

// ErrBadTransaction is recorded when a transaction fails verify() or
// chainstate's amount guard at admit time.
var ErrBadTransaction = errors.New("mempool: bad transaction")

// SeenCacheSize bounds seen_cache, per spec's SEEN_CACHE.
const SeenCacheSize = 1000

// TxChunk is the gossip threshold pending_batch is flushed at, per spec's
// TX_CHUNK.
const TxChunk = 3

// MaxBlockTx bounds the size of assemble_block's ok set, per spec's
// MAX_BLOCK_TX.
const MaxBlockTx = 700

// BlockReward is the amount minted to the forger's own coinbase per forged
// block. The spec names the field (REWARD) without pinning a value; this
// repo fixes it at a flat per-block reward rather than a halving schedule,
// since nothing in spec §4.7 requires the latter.
const BlockReward = 10

// Mempool is the node's transaction waiting room.
type Mempool struct {
	pending      map[string]*chain.Transaction
	seenCache    *lru.Cache[string, struct{}]
	pendingBatch []*chain.Transaction
}

// New returns an empty Mempool.
func New() *Mempool {
	cache, err := lru.New[string, struct{}](SeenCacheSize)
	if err != nil {
		// Only returns an error for a non-positive size, which SeenCacheSize
		// never is.
		panic(err)
	}
	return &Mempool{
		pending:   make(map[string]*chain.Transaction),
		seenCache: cache,
	}
}

// Len reports the number of transactions currently pending.
func (mp *Mempool) Len() int {
	return len(mp.pending)
}

// Admit runs spec §4.7's admit(tx) steps 1-4. It returns the drained batch
// (non-nil only once it has reached TxChunk entries, at which point the
// caller is expected to hand it to every peer-sender worker) and whether tx
// was newly admitted.
func (mp *Mempool) Admit(tx *chain.Transaction, cs *chainstate.Chainstate) ([]*chain.Transaction, bool, error) {
	if _, seen := mp.seenCache.Get(tx.Hash); seen {
		return nil, false, nil
	}

	if err := tx.Verify(); err != nil {
		mp.seenCache.Add(tx.Hash, struct{}{})
		return nil, false, ErrBadTransaction
	}
	if !cs.VerifyAmount(tx) {
		mp.seenCache.Add(tx.Hash, struct{}{})
		return nil, false, ErrBadTransaction
	}

	mp.pending[tx.Hash] = tx
	mp.seenCache.Add(tx.Hash, struct{}{})
	mp.pendingBatch = append(mp.pendingBatch, tx)

	if len(mp.pendingBatch) >= TxChunk {
		batch := mp.pendingBatch
		mp.pendingBatch = nil
		return batch, true, nil
	}
	return nil, true, nil
}

// AssembleBlock runs spec §4.7's assemble_block. It sorts pending
// transactions by ascending nonce, walks a chainstate snapshot partitioning
// them into ok/bad, prepends a coinbase to the forger itself, and returns
// the ok set (with coinbase prepended, ready to build a block over) and the
// full ok∪bad set so the caller can prune pending once the resulting block
// is appended (step 5 is the caller's job, since it only happens after
// blockchain.Append succeeds).
func (mp *Mempool) AssembleBlock(forger *keys.KeyPair, cs *chainstate.Chainstate) (blockTxs, applied []*chain.Transaction) {
	pending := make([]*chain.Transaction, 0, len(mp.pending))
	for _, tx := range mp.pending {
		pending = append(pending, tx)
	}
	sort.SliceStable(pending, func(i, j int) bool { return pending[i].Nonce < pending[j].Nonce })

	snapshot := cs.Clone()
	ok := make([]*chain.Transaction, 0, MaxBlockTx)
	bad := make([]*chain.Transaction, 0)
	for _, tx := range pending {
		if len(ok) >= MaxBlockTx {
			break
		}
		if !snapshot.VerifyAmount(tx) || !snapshot.VerifyNonce(tx) {
			bad = append(bad, tx)
			continue
		}
		snapshot.ApplyTransaction(tx)
		ok = append(ok, tx)
	}

	coinbase := chain.NewCoinbase(forger.Address, BlockReward)
	blockTxs = append([]*chain.Transaction{coinbase}, ok...)

	applied = make([]*chain.Transaction, 0, len(ok)+len(bad))
	applied = append(applied, ok...)
	applied = append(applied, bad...)
	return blockTxs, applied
}

// Prune removes every transaction in txs from pending, per assemble_block
// step 5.
func (mp *Mempool) Prune(txs []*chain.Transaction) {
	for _, tx := range txs {
		delete(mp.pending, tx.Hash)
	}
}

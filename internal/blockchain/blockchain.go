// Package blockchain implements the append engine: the bounded in-memory
// chain tail, the ordered precondition checks from spec §4.5, the embedded
// Chainstate, and the lost-block reconciliation buffer keyed by
// previous-hash (the redesign spec §9 calls for, replacing an O(n^2)
// repeated scan with a single map lookup per append).
package blockchain

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/forgenet/posnode/internal/chain"
	"github.com/forgenet/posnode/internal/chainstate"
	"github.com/forgenet/posnode/internal/forger"
	"github.com/forgenet/posnode/internal/keys"
)

// ChainError kinds from spec §7, returned by Append/VerifyFullChain. Any
// append failure leaves the chain and chainstate untouched.
var (
	ErrInvalidPreviousHash = errors.New("blockchain: previous_hash does not match chain tip")
	ErrInvalidBlockForger  = errors.New("blockchain: block forger is not the elected forger")
	ErrCouldntAddBlock     = errors.New("blockchain: a transaction in the block failed to apply")
	ErrCouldntLoadBlock    = errors.New("blockchain: persisted block failed integrity verification")
)

// Blockchain is the append engine: an in-memory bounded tail of recent
// blocks, the monotonic index/last-hash pointers, the embedded Chainstate,
// and the lost-block buffer. A single Blockchain is driven by one owner
// (internal/node's Node, under its coarse lock); the mutex here is defensive
// bookkeeping for the rare direct caller (tests, the startup replay path)
// rather than a concurrency strategy in its own right — per spec §5 the
// real serialization point is NodeState's single coarse lock.
type Blockchain struct {
	mu sync.RWMutex

	store       BlockStore
	memoryLimit int

	tail     []*chain.Block
	index    uint64
	hasBlock bool
	lastHash string

	lastForgerAddr keys.Address
	hasForger      bool
	lastTimestamp  int64

	state *chainstate.Chainstate

	nextForger forger.Result

	// lostBlocks holds blocks whose predecessor hasn't arrived yet, keyed
	// by the hash of the predecessor they're waiting on (i.e. by their own
	// PreviousHash), so a drain step after any successful append is one
	// map lookup, not a rescan.
	lostBlocks map[string]*chain.Block

	log zerolog.Logger
}

// New constructs an empty Blockchain backed by store, bounding the
// in-memory tail at memoryLimit blocks (spec's chain_memory_length —
// display/cache only, never consulted for forger election or validation).
func New(store BlockStore, memoryLimit int, log zerolog.Logger) *Blockchain {
	if memoryLimit <= 0 {
		memoryLimit = 20
	}
	return &Blockchain{
		store:       store,
		memoryLimit: memoryLimit,
		state:       chainstate.New(),
		lostBlocks:  make(map[string]*chain.Block),
		log:         log.With().Str("component", "blockchain").Logger(),
	}
}

// CurrentIndex returns the index of the most recently appended block, and
// false if the chain is still empty (no genesis appended yet).
func (bc *Blockchain) CurrentIndex() (uint64, bool) {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return bc.index, bc.hasBlock
}

// LastHash returns the hash of the most recently appended block, and false
// if the chain is empty.
func (bc *Blockchain) LastHash() (string, bool) {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return bc.lastHash, bc.hasBlock
}

// Chainstate returns a read-only snapshot (a Clone) of the current
// chainstate, safe for a caller to hold onto without racing future
// appends. RPC handlers that only read balances use this.
func (bc *Blockchain) Chainstate() *chainstate.Chainstate {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return bc.state.Clone()
}

// NextForger returns the cached result of the last election, re-run after
// every successful append (spec §4.5: "re-run forger election" on commit).
func (bc *Blockchain) NextForger() forger.Result {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return bc.nextForger
}

// Tail returns a copy of the bounded in-memory block tail, newest last.
func (bc *Blockchain) Tail() []*chain.Block {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	out := make([]*chain.Block, len(bc.tail))
	copy(out, bc.tail)
	return out
}

// LastTimestamp returns the timestamp of the most recently appended block,
// used by the node orchestrator's liveness check (spec §4.8: "now -
// last_block.timestamp > BLOCK_TIME_MAX").
func (bc *Blockchain) LastTimestamp() (int64, bool) {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return bc.lastTimestamp, bc.hasBlock
}

// GetBlockByHash looks up a block by hash, checking the in-memory tail
// before falling back to the BlockStore.
func (bc *Blockchain) GetBlockByHash(ctx context.Context, hash string) (*chain.Block, error) {
	bc.mu.RLock()
	for _, b := range bc.tail {
		if b.Hash == hash {
			bc.mu.RUnlock()
			return b, nil
		}
	}
	store := bc.store
	bc.mu.RUnlock()
	return store.GetByHash(ctx, hash)
}

// GetBlockByPrevHash looks up the block whose PreviousHash equals prevHash,
// checking the in-memory tail before falling back to the BlockStore.
func (bc *Blockchain) GetBlockByPrevHash(ctx context.Context, prevHash string) (*chain.Block, error) {
	bc.mu.RLock()
	for _, b := range bc.tail {
		if b.PreviousHash != nil && *b.PreviousHash == prevHash {
			bc.mu.RUnlock()
			return b, nil
		}
	}
	store := bc.store
	bc.mu.RUnlock()
	return store.GetByPrevHash(ctx, prevHash)
}

// Append validates block against the six ordered preconditions from spec
// §4.5 and, on success, commits it: the chainstate snapshot replaces the
// live chainstate, the block is pushed onto the tail (evicting the oldest
// if the bound is exceeded), index/last_hash advance, persistence to the
// BlockStore is kicked off fire-and-forget, and forger election re-runs.
// Any precondition failure leaves all state untouched.
func (bc *Blockchain) Append(ctx context.Context, block *chain.Block) error {
	bc.mu.Lock()

	if err := bc.checkPreconditions(block); err != nil {
		bc.mu.Unlock()
		return err
	}

	snapshot := bc.state.Clone()
	for _, tx := range block.Transactions {
		if err := tx.Verify(); err != nil {
			bc.mu.Unlock()
			return fmt.Errorf("%w: tx %s: %v", ErrCouldntAddBlock, tx.Hash, err)
		}
		if !tx.IsCoinbase() {
			if !snapshot.VerifyAmount(tx) || !snapshot.VerifyNonce(tx) {
				bc.mu.Unlock()
				return fmt.Errorf("%w: tx %s failed amount/nonce check", ErrCouldntAddBlock, tx.Hash)
			}
		}
		snapshot.ApplyTransaction(tx)
	}

	bc.commitLocked(block, snapshot)

	store := bc.store
	persistBlock := block
	drained := bc.drainLostBlocksLocked(block.Hash)
	bc.mu.Unlock()

	bc.persistAsync(store, persistBlock)
	for _, b := range drained {
		bc.persistAsync(store, b)
	}
	return nil
}

// commitLocked applies an already-validated block plus its precomputed
// chainstate snapshot. Must be called with bc.mu held.
func (bc *Blockchain) commitLocked(block *chain.Block, snapshot *chainstate.Chainstate) {
	bc.state = snapshot
	bc.tail = append(bc.tail, block)
	if len(bc.tail) > bc.memoryLimit {
		bc.tail = bc.tail[len(bc.tail)-bc.memoryLimit:]
	}
	bc.index = block.Index
	bc.hasBlock = true
	bc.lastHash = block.Hash
	bc.lastTimestamp = block.Timestamp
	if addr, err := block.ForgerAddress(); err == nil {
		bc.lastForgerAddr = addr
		bc.hasForger = true
		bc.state.AddRecentForger(addr)
	}
	bc.state.ForgiveUpTo(bc.index)
	bc.state.LastForgerMissed = false
	bc.nextForger = forger.Elect(bc.state, bc.lastHash)
}

// PunishMissedForger implements the liveness-enforcement branch of spec
// §4.8: if the elected next_forger hasn't produced a block within
// BLOCK_TIME_MAX, punish it and re-elect. The caller is responsible for the
// now/last_block.timestamp/!last_forger_missed comparison; this just
// performs the punish-and-reelect side effect and reports the address
// punished, if any.
func (bc *Blockchain) PunishMissedForger() (keys.Address, bool) {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	if !bc.nextForger.Elected {
		return keys.Address{}, false
	}
	addr := bc.nextForger.Address
	bc.state.Punish(addr, bc.index)
	bc.state.LastForgerMissed = true
	bc.nextForger = forger.Elect(bc.state, bc.lastHash)
	return addr, true
}

// LastForgerMissed reports whether the current next_forger has already been
// flagged as missed since the last successful append.
func (bc *Blockchain) LastForgerMissed() bool {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return bc.state.LastForgerMissed
}

// checkPreconditions implements spec §4.5 steps 1-4 and 6; step 5 (applying
// transactions to a snapshot) is done by the caller since it needs to
// produce the snapshot Append then commits.
func (bc *Blockchain) checkPreconditions(block *chain.Block) error {
	if !bc.hasBlock {
		if block.PreviousHash != nil {
			return ErrInvalidPreviousHash
		}
	} else {
		if block.PreviousHash == nil || *block.PreviousHash != bc.lastHash {
			return ErrInvalidPreviousHash
		}
	}

	if err := block.VerifyIntegrity(); err != nil {
		return err
	}

	if bc.hasBlock {
		expected := forger.Elect(bc.state, bc.lastHash)
		forgerAddr, err := block.ForgerAddress()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidBlockForger, err)
		}
		if !expected.Elected || expected.Address != forgerAddr {
			return ErrInvalidBlockForger
		}
		if bc.hasForger && bc.lastForgerAddr == forgerAddr {
			return ErrInvalidBlockForger
		}
	}

	if err := block.VerifySignature(block.ForgerPK); err != nil {
		return err
	}

	if err := block.VerifyCoinbase(); err != nil {
		return err
	}

	return nil
}

func (bc *Blockchain) persistAsync(store BlockStore, block *chain.Block) {
	if store == nil {
		return
	}
	go func() {
		for attempt := 1; ; attempt++ {
			err := store.Put(context.Background(), block)
			if err == nil {
				return
			}
			bc.log.Warn().Err(err).Str("hash", block.Hash).Int("attempt", attempt).Msg("failed to persist block, retrying")
			delay := time.Duration(attempt) * 100 * time.Millisecond
			if delay > 5*time.Second {
				delay = 5 * time.Second
			}
			time.Sleep(delay)
		}
	}()
}

// AddLostBlock parks a block whose predecessor has not yet been observed.
// Called by the node orchestrator when Append returns ErrInvalidPreviousHash
// for an incoming gossip block (spec §4.8's add_block handling).
func (bc *Blockchain) AddLostBlock(block *chain.Block) {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	if block.PreviousHash == nil {
		return
	}
	bc.lostBlocks[*block.PreviousHash] = block
}

// LostBlockCount reports how many blocks are currently parked awaiting a
// predecessor.
func (bc *Blockchain) LostBlockCount() int {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return len(bc.lostBlocks)
}

// drainLostBlocksLocked must be called with bc.mu held. It repeatedly looks
// up bc.lostBlocks by the hash of whatever was just appended, applying each
// match in turn (a topological sweep keyed by previous_hash, O(1) per
// appended block instead of an O(n^2) rescan). It returns every block
// drained, in append order, for the caller to persist.
func (bc *Blockchain) drainLostBlocksLocked(fromHash string) []*chain.Block {
	var drained []*chain.Block
	cursor := fromHash
	for {
		next, ok := bc.lostBlocks[cursor]
		if !ok {
			break
		}
		delete(bc.lostBlocks, cursor)
		if err := bc.checkPreconditions(next); err != nil {
			bc.log.Warn().Err(err).Str("hash", next.Hash).Msg("dropping parked block that failed validation on drain")
			continue
		}
		snapshot := bc.state.Clone()
		valid := true
		for _, tx := range next.Transactions {
			if err := tx.Verify(); err != nil || (!tx.IsCoinbase() && (!snapshot.VerifyAmount(tx) || !snapshot.VerifyNonce(tx))) {
				valid = false
				break
			}
			snapshot.ApplyTransaction(tx)
		}
		if !valid {
			bc.log.Warn().Str("hash", next.Hash).Msg("dropping parked block with invalid transaction on drain")
			continue
		}

		bc.commitLocked(next, snapshot)
		drained = append(drained, next)
		cursor = next.Hash
	}
	return drained
}

// LoadFromStore replays every persisted block from the store, in index
// order, through the same validation used by Append (this is
// verify_full_chain from spec §4.5 doubling as startup chainstate replay).
// Abort (return the first error) on any failure — startup integrity
// failure is fatal per spec §7.
func (bc *Blockchain) LoadFromStore(ctx context.Context) error {
	blocks, err := bc.store.Iter(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCouldntLoadBlock, err)
	}
	for _, block := range blocks {
		bc.mu.Lock()
		if err := bc.checkPreconditions(block); err != nil {
			bc.mu.Unlock()
			return fmt.Errorf("%w: block %s: %v", ErrCouldntLoadBlock, block.Hash, err)
		}
		snapshot := bc.state.Clone()
		failed := false
		for _, tx := range block.Transactions {
			if err := tx.Verify(); err != nil {
				bc.mu.Unlock()
				return fmt.Errorf("%w: block %s tx %s: %v", ErrCouldntLoadBlock, block.Hash, tx.Hash, err)
			}
			if !tx.IsCoinbase() && (!snapshot.VerifyAmount(tx) || !snapshot.VerifyNonce(tx)) {
				failed = true
				break
			}
			snapshot.ApplyTransaction(tx)
		}
		if failed {
			bc.mu.Unlock()
			return fmt.Errorf("%w: block %s contains a transaction that fails amount/nonce check", ErrCouldntLoadBlock, block.Hash)
		}
		bc.commitLocked(block, snapshot)
		bc.mu.Unlock()
	}
	return nil
}

// VerifyFullChain re-validates the entire persisted chain from scratch
// against a throwaway Blockchain instance, without mutating bc. Used by
// node startup to decide whether to abort (spec §4.5 verify_full_chain,
// spec §7 "startup integrity failure is fatal").
func VerifyFullChain(ctx context.Context, store BlockStore, memoryLimit int, log zerolog.Logger) error {
	scratch := New(store, memoryLimit, log)
	return scratch.LoadFromStore(ctx)
}

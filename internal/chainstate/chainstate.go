// Package chainstate implements the per-address balance/nonce ledger, the
// recent-staker and recent-forger bookkeeping forger election reads, and
// the forger punishment table. It has no notion of RPC, networking, or
// persistence; internal/blockchain drives it during append, and
// internal/forger reads a snapshot of it during election.
package chainstate

import (
	"github.com/forgenet/posnode/internal/chain"
	"github.com/forgenet/posnode/internal/keys"
)

const (
	// RecentStakeWindow bounds recent_stakes, per spec's RECENT_STAKE_WINDOW.
	RecentStakeWindow = 100
	// RecentForgerWindow bounds recent_forgers. Resolved Open Question: 2
	// (the last two forgers are ineligible for election), which covers the
	// blockchain-level no-back-to-back-forging check in internal/blockchain.
	RecentForgerWindow = 2
)

// Account is the balance/nonce pair tracked per address.
type Account struct {
	Balance uint64
	Nonce   uint64
}

// Chainstate is the fold of every applied transaction: balances, nonces,
// the recent staker pool forger election draws from, and forger
// punishment bookkeeping. It is not safe for concurrent use; callers that
// need to read it while a block is being assembled elsewhere should call
// Clone and operate on the copy (see internal/blockchain's snapshot-commit
// append path).
type Chainstate struct {
	Balances         map[keys.Address]*Account
	RecentStakes     []*chain.Transaction
	RecentForgers    []keys.Address
	PunishedForgers  map[keys.Address]uint64
	LastForgerMissed bool
}

// New returns an empty Chainstate, the state every fresh node or genesis
// replay starts from.
func New() *Chainstate {
	return &Chainstate{
		Balances:        make(map[keys.Address]*Account),
		PunishedForgers: make(map[keys.Address]uint64),
	}
}

// Clone makes a deep-enough copy for the snapshot-then-commit append
// pattern in spec §4.5 step 5: mutations to the clone never touch the
// original until the caller explicitly replaces it.
func (cs *Chainstate) Clone() *Chainstate {
	clone := &Chainstate{
		Balances:         make(map[keys.Address]*Account, len(cs.Balances)),
		RecentStakes:     append([]*chain.Transaction(nil), cs.RecentStakes...),
		RecentForgers:    append([]keys.Address(nil), cs.RecentForgers...),
		PunishedForgers:  make(map[keys.Address]uint64, len(cs.PunishedForgers)),
		LastForgerMissed: cs.LastForgerMissed,
	}
	for addr, acc := range cs.Balances {
		accCopy := *acc
		clone.Balances[addr] = &accCopy
	}
	for addr, idx := range cs.PunishedForgers {
		clone.PunishedForgers[addr] = idx
	}
	return clone
}

// Account returns the account for addr, or the zero account if it has
// never been seen (balance 0, nonce 0).
func (cs *Chainstate) Account(addr keys.Address) Account {
	if acc, ok := cs.Balances[addr]; ok {
		return *acc
	}
	return Account{}
}

func (cs *Chainstate) ensure(addr keys.Address) *Account {
	acc, ok := cs.Balances[addr]
	if !ok {
		acc = &Account{}
		cs.Balances[addr] = acc
	}
	return acc
}

// VerifyAmount reports whether the sender can afford tx. Coinbase trivially
// passes (spec §4.4).
func (cs *Chainstate) VerifyAmount(tx *chain.Transaction) bool {
	if tx.IsCoinbase() {
		return true
	}
	return cs.Account(tx.From).Balance >= tx.Amount
}

// VerifyNonce reports whether tx.Nonce is exactly the sender's next
// expected nonce. Coinbase trivially passes (spec §4.4).
func (cs *Chainstate) VerifyNonce(tx *chain.Transaction) bool {
	if tx.IsCoinbase() {
		return true
	}
	return cs.Account(tx.From).Nonce == tx.Nonce
}

// ApplyTransaction mutates the ledger according to tx's variant, per spec
// §4.4. Movement and Stake are no-ops if the balance/nonce guard fails;
// callers that need a hard failure should call VerifyAmount/VerifyNonce
// first (internal/blockchain and internal/mempool both do).
func (cs *Chainstate) ApplyTransaction(tx *chain.Transaction) {
	switch tx.Type {
	case chain.Coinbase:
		to := cs.ensure(tx.To)
		to.Balance += tx.Amount
	case chain.Movement:
		if !cs.VerifyAmount(tx) || !cs.VerifyNonce(tx) {
			return
		}
		from := cs.ensure(tx.From)
		from.Balance -= tx.Amount
		from.Nonce++
		to := cs.ensure(tx.To)
		to.Balance += tx.Amount
	case chain.Stake:
		if !cs.VerifyAmount(tx) || !cs.VerifyNonce(tx) {
			return
		}
		from := cs.ensure(tx.From)
		from.Balance -= tx.Amount
		from.Nonce++
		cs.pushRecentStake(tx)
	}
}

func (cs *Chainstate) pushRecentStake(tx *chain.Transaction) {
	cs.RecentStakes = append(cs.RecentStakes, tx)
	if len(cs.RecentStakes) > RecentStakeWindow {
		cs.RecentStakes = cs.RecentStakes[len(cs.RecentStakes)-RecentStakeWindow:]
	}
}

// HasRecentForger reports whether addr forged within the recent-forger
// window, disqualifying it from election (no-back-to-back-forging).
func (cs *Chainstate) HasRecentForger(addr keys.Address) bool {
	for _, a := range cs.RecentForgers {
		if a == addr {
			return true
		}
	}
	return false
}

// AddRecentForger records addr as having just forged, evicting the oldest
// entry once the window is full.
func (cs *Chainstate) AddRecentForger(addr keys.Address) {
	cs.RecentForgers = append(cs.RecentForgers, addr)
	if len(cs.RecentForgers) > RecentForgerWindow {
		cs.RecentForgers = cs.RecentForgers[len(cs.RecentForgers)-RecentForgerWindow:]
	}
}

// IsPunished reports whether addr currently carries an unexpired punishment
// entry.
func (cs *Chainstate) IsPunished(addr keys.Address) bool {
	_, ok := cs.PunishedForgers[addr]
	return ok
}

// Punish records addr as punished at the given chain index, per spec
// §4.8's liveness enforcement (missed-slot punishment).
func (cs *Chainstate) Punish(addr keys.Address, index uint64) {
	if _, already := cs.PunishedForgers[addr]; already {
		return
	}
	cs.PunishedForgers[addr] = index
}

// ForgiveUpTo clears every punishment recorded at an index strictly less
// than currentIndex, the per-append forgiveness rule from spec §4.4/§4.8.
func (cs *Chainstate) ForgiveUpTo(currentIndex uint64) {
	for addr, recordedAt := range cs.PunishedForgers {
		if recordedAt < currentIndex {
			delete(cs.PunishedForgers, addr)
		}
	}
}

// Package forger implements the deterministic stake-weighted forger
// election function. It is intentionally a pure function over a
// Chainstate snapshot and the last block's hash: no mutex, no I/O, no
// side effects beyond its return value, so every node computes the same
// winner given the same inputs (spec §4.6, §9's redesign note pulling
// election out of "mutable borrow while iterating" into a standalone
// function).
package forger

import (
	"strings"

	"github.com/forgenet/posnode/internal/chainstate"
	"github.com/forgenet/posnode/internal/keys"
)

// Result is the outcome of an election: the winning staker's public key and
// derived address, or Elected == false if no eligible staker exists at any
// prefix length.
type Result struct {
	Elected   bool
	PublicKey []byte
	Address   keys.Address
}

// Elect runs the algorithm from spec §4.6 against a read-only Chainstate
// snapshot and the hash string of the last appended block. Elect itself
// never mutates its argument and does not add its winner to
// recent_forgers; internal/blockchain calls cs.AddRecentForger with the
// forger of each block it appends, against the live (non-snapshot)
// chainstate.
func Elect(cs *chainstate.Chainstate, lastBlockHash string) Result {
	h := lastBlockHash
	for k := len(h); k > 0; k-- {
		prefix := h[:k]
		for _, stake := range cs.RecentStakes {
			if cs.HasRecentForger(stake.From) || cs.IsPunished(stake.From) {
				continue
			}
			if strings.Contains(stake.Hash, prefix) {
				return Result{
					Elected:   true,
					PublicKey: stake.AuthorPK,
					Address:   stake.From,
				}
			}
		}
	}
	return Result{}
}

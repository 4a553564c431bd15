package node

import "sync/atomic"

// Metrics is the minimal in-process counter set the orchestrator updates,
// satisfying the "Metrics sink" collaborator named in spec §2 without
// implementing an exporter: no Prometheus/statsd wiring, just counters a
// caller (RPC handler, test, future exporter) can read.
type Metrics struct {
	blocksForged          uint64
	transactionsAdmitted  uint64
	transactionsRejected  uint64
	peersConnected        uint64
}

// BlocksForged returns the number of blocks this node has successfully
// forged and appended.
func (m *Metrics) BlocksForged() uint64 { return atomic.LoadUint64(&m.blocksForged) }

// TransactionsAdmitted returns the number of transactions admitted into the
// mempool.
func (m *Metrics) TransactionsAdmitted() uint64 { return atomic.LoadUint64(&m.transactionsAdmitted) }

// TransactionsRejected returns the number of transactions rejected at
// admit time (failed verification or insufficient funds). Transactions
// dropped as already seen are not counted.
func (m *Metrics) TransactionsRejected() uint64 { return atomic.LoadUint64(&m.transactionsRejected) }

// PeersConnected returns the current size of the peer table.
func (m *Metrics) PeersConnected() uint64 { return atomic.LoadUint64(&m.peersConnected) }

func (m *Metrics) recordBlockForged()         { atomic.AddUint64(&m.blocksForged, 1) }
func (m *Metrics) recordTransactionAdmitted() { atomic.AddUint64(&m.transactionsAdmitted, 1) }
func (m *Metrics) recordTransactionRejected() { atomic.AddUint64(&m.transactionsRejected, 1) }
func (m *Metrics) setPeersConnected(n int)    { atomic.StoreUint64(&m.peersConnected, uint64(n)) }

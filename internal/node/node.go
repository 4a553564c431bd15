// Package node wires the chain, mempool, forger election, and gossip
// plane into a running process: the coarse-locked NodeState, its worker
// pools, RPC dispatch, and the startup sequence from spec §4.8.
package node

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/forgenet/posnode/internal/blockchain"
	"github.com/forgenet/posnode/internal/chain"
	"github.com/forgenet/posnode/internal/chainstate"
	"github.com/forgenet/posnode/internal/config"
	"github.com/forgenet/posnode/internal/keys"
	"github.com/forgenet/posnode/internal/mempool"
)

// PeerInfo is one entry of the peer table the discovery endpoint hands
// back, minus the caller's own entry.
type PeerInfo struct {
	Address keys.Address
	Host    string
	RPCPort int
	WSPort  int
}

// Node is NodeState: the single coarse-locked owner of the blockchain,
// mempool, and peer table named in spec §5. RPC handlers and worker pools
// all route through its methods rather than touching the blockchain or
// mempool directly, so the lock here is the one serialization point the
// concurrency model calls for.
type Node struct {
	mu sync.Mutex

	cfg    *config.Config
	wallet *keys.KeyPair
	bc     *blockchain.Blockchain
	mp     *mempool.Mempool
	peers  map[keys.Address]PeerInfo

	metrics *Metrics
	log     zerolog.Logger

	txHandlers  chan *chain.Transaction
	senders     Senders
	blockSender BlockSender
}

// Senders abstracts the per-peer transaction-sender worker pool (spec §5):
// forwarding a batch is fire-and-forget from the caller's point of view.
// Block gossip goes through BlockSender.
type Senders interface {
	BroadcastTransactions(peers []PeerInfo, txs []*chain.Transaction)
}

// BlockSender abstracts the block_senders[0..5] pool: issuing one-shot
// add_block RPCs to every peer, and asking peers for a block by its
// previous-hash during lost-block recovery.
type BlockSender interface {
	BroadcastBlock(peers []PeerInfo, block *chain.Block)
	FetchBlockByPrevHash(ctx context.Context, peers []PeerInfo, prevHash string) (*chain.Block, bool)
}

// New constructs a Node around an already-loaded config, wallet, and
// blockchain. senders/blockSender may be nil in tests that never exercise
// gossip.
func New(cfg *config.Config, wallet *keys.KeyPair, bc *blockchain.Blockchain, senders Senders, blockSender BlockSender, log zerolog.Logger) *Node {
	return &Node{
		cfg:         cfg,
		wallet:      wallet,
		bc:          bc,
		mp:          mempool.New(),
		peers:       make(map[keys.Address]PeerInfo),
		metrics:     &Metrics{},
		log:         log.With().Str("component", "node").Logger(),
		txHandlers:  make(chan *chain.Transaction, 256),
		senders:     senders,
		blockSender: blockSender,
	}
}

// Metrics returns the node's counter set.
func (n *Node) Metrics() *Metrics { return n.metrics }

// SetPeers replaces the peer table, e.g. after registering with the
// discovery endpoint (spec §4.8 startup step 3).
func (n *Node) SetPeers(peers map[keys.Address]PeerInfo) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.peers = peers
	n.metrics.setPeersConnected(len(peers))
}

// Peers returns a copy of the current peer table.
func (n *Node) Peers() []PeerInfo {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]PeerInfo, 0, len(n.peers))
	for _, p := range n.peers {
		out = append(out, p)
	}
	return out
}

// StartTransactionHandlers launches the fixed pool of transaction-handler
// workers named in spec §5 (default T=5, from cfg.TransactionThreads).
// Each worker pulls from the same queue and calls HandleTransaction.
func (n *Node) StartTransactionHandlers(ctx context.Context) {
	workers := n.cfg.TransactionThreads
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		go n.transactionHandlerLoop(ctx)
	}
}

func (n *Node) transactionHandlerLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case tx, ok := <-n.txHandlers:
			if !ok {
				return
			}
			n.HandleTransaction(ctx, tx)
		}
	}
}

// EnqueueTransaction hands tx to the transaction-handler pool, round-robin
// via the shared channel (Go's channel semantics already distribute work
// across however many handler goroutines are reading it).
func (n *Node) EnqueueTransaction(tx *chain.Transaction) {
	n.txHandlers <- tx
}

// HandleTransaction is a single transaction-handler worker's unit of work
// (spec §4.8): admit, then — if this node is next_forger and the mempool
// has cleared MIN_MEMPOOL — assemble, append, and broadcast a new block.
func (n *Node) HandleTransaction(ctx context.Context, tx *chain.Transaction) {
	n.mu.Lock()
	cs := n.bc.Chainstate()
	batch, admitted, err := n.mp.Admit(tx, cs)
	if err != nil {
		n.metrics.recordTransactionRejected()
		n.mu.Unlock()
		return
	}
	if admitted {
		n.metrics.recordTransactionAdmitted()
	}
	pendingLen := n.mp.Len()
	nextForger := n.bc.NextForger()
	peers := n.peersLocked()
	n.mu.Unlock()

	if batch != nil && n.senders != nil {
		n.senders.BroadcastTransactions(peers, batch)
	}

	n.checkLiveness()

	if nextForger.Elected && n.wallet.Address == nextForger.Address && pendingLen >= config.MinMempool {
		n.forgeAndBroadcast(ctx)
	}
}

func (n *Node) peersLocked() []PeerInfo {
	out := make([]PeerInfo, 0, len(n.peers))
	for _, p := range n.peers {
		out = append(out, p)
	}
	return out
}

// forgeAndBroadcast assembles a block from the current mempool, appends
// it, prunes the applied transactions, and broadcasts the result. Building
// the block and signing it happens outside the coarse lock (cheap, pure
// computation); only the chainstate read and the append itself need it.
func (n *Node) forgeAndBroadcast(ctx context.Context) {
	n.mu.Lock()
	cs := n.bc.Chainstate()
	lastHash, hasBlock := n.bc.LastHash()
	index, _ := n.bc.CurrentIndex()
	blockTxs, applied := n.mp.AssembleBlock(n.wallet, cs)
	n.mu.Unlock()

	var prevHash *string
	if hasBlock {
		prevHash = &lastHash
	}
	nextIndex := uint64(1)
	if hasBlock {
		nextIndex = index + 1
	}
	block := chain.NewBlock(nextIndex, prevHash, blockTxs, nowUnix(), n.wallet.Public.SerializeCompressed())
	block.Finalize(n.wallet)

	n.mu.Lock()
	err := n.bc.Append(ctx, block)
	if err == nil {
		n.mp.Prune(applied)
		n.metrics.recordBlockForged()
	}
	peers := n.peersLocked()
	n.mu.Unlock()

	if err != nil {
		n.log.Warn().Err(err).Msg("forged block rejected by append engine")
		return
	}
	if n.blockSender != nil {
		n.blockSender.BroadcastBlock(peers, block)
	}
}

// AddBlock implements the add_block RPC dispatch (spec §4.8): validate and
// append; on predecessor mismatch, park the block and try to recover the
// missing predecessor from a peer.
func (n *Node) AddBlock(ctx context.Context, block *chain.Block) error {
	n.mu.Lock()
	err := n.bc.Append(ctx, block)
	if err == nil {
		n.mp.Prune(block.Transactions)
		n.metrics.recordBlockForged()
		n.mu.Unlock()
		return nil
	}
	if err != blockchain.ErrInvalidPreviousHash {
		n.mu.Unlock()
		return err
	}
	n.bc.AddLostBlock(block)
	lastHash, _ := n.bc.LastHash()
	peers := n.peersLocked()
	n.mu.Unlock()

	if n.blockSender == nil {
		return nil
	}
	missing, found := n.blockSender.FetchBlockByPrevHash(ctx, peers, lastHash)
	if !found {
		return nil
	}
	return n.AddBlock(ctx, missing)
}

// checkLiveness runs the liveness-enforcement branch of spec §4.8: if the
// current block is older than BLOCK_TIME_MAX and the missed-forger flag
// hasn't already fired for it, punish the elected next_forger and re-elect.
func (n *Node) checkLiveness() {
	lastTimestamp, hasBlock := n.bc.LastTimestamp()
	if !hasBlock {
		return
	}
	if time.Since(time.Unix(lastTimestamp, 0)) <= time.Duration(config.BlockTimeMaxSeconds)*time.Second {
		return
	}
	if n.bc.LastForgerMissed() {
		return
	}
	if addr, punished := n.bc.PunishMissedForger(); punished {
		n.log.Warn().Str("forger", addr.String()).Msg("punished next_forger for missing its slot")
	}
}

// GetAddressAmount implements the get_address_amount RPC.
func (n *Node) GetAddressAmount(addr keys.Address) uint64 {
	cs := n.bc.Chainstate()
	return cs.Account(addr).Balance
}

// Chainstate exposes a read-only snapshot for RPC handlers that need more
// than a single balance (e.g. nonce lookups for client-side tx building).
func (n *Node) Chainstate() *chainstate.Chainstate { return n.bc.Chainstate() }

// NodeAddress implements get_node_address.
func (n *Node) NodeAddress() keys.Address { return n.wallet.Address }

// ChainLength implements get_chain_length.
func (n *Node) ChainLength() (string, uint64, bool) {
	hash, ok := n.bc.LastHash()
	if !ok {
		return "", 0, false
	}
	index, _ := n.bc.CurrentIndex()
	return hash, index, true
}

// GetBlockByHash implements get_block_with_hash.
func (n *Node) GetBlockByHash(ctx context.Context, hash string) (*chain.Block, bool) {
	b, err := n.bc.GetBlockByHash(ctx, hash)
	if err != nil {
		return nil, false
	}
	return b, true
}

// GetBlockByPrevHash implements get_block_with_prev_hash.
func (n *Node) GetBlockByPrevHash(ctx context.Context, prevHash string) (*chain.Block, bool) {
	b, err := n.bc.GetBlockByPrevHash(ctx, prevHash)
	if err != nil {
		return nil, false
	}
	return b, true
}

// Handshake validates an incoming peer handshake against this node's
// chain_name, the original_source-derived cross-chain guard SPEC_FULL adds
// (make_handshake carries chain_name; on a mismatch the handshake fails and
// the peer is not added to the peer table). add_block and add_transaction
// do not consult the peer table, so they are not gated by the handshake.
func (n *Node) Handshake(peerChainName string, peer PeerInfo) error {
	if peerChainName != n.cfg.ChainName {
		return fmt.Errorf("node: handshake chain_name mismatch: got %q, want %q", peerChainName, n.cfg.ChainName)
	}
	n.mu.Lock()
	n.peers[peer.Address] = peer
	n.metrics.setPeersConnected(len(n.peers))
	n.mu.Unlock()
	return nil
}

// nowUnix is the one allowed escape hatch into wall-clock time, isolated
// here so tests never need to stub package-level time.Now calls spread
// through the forging path.
func nowUnix() int64 {
	return time.Now().Unix()
}

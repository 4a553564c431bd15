package node

import (
	"context"
	"fmt"
	"net/http"
)

// Start runs spec §4.8's startup sequence: load and verify the persisted
// chain (steps 1-2 are internal/blockchain.LoadFromStore's job and are
// expected to have already run before Start is called, so a bad chain
// aborts process startup rather than serving anything), register with
// discovery, handshake every peer, start the transaction-handler pool, and
// begin serving HTTP.
func (n *Node) Start(ctx context.Context, discovery *DiscoveryClient) error {
	if discovery != nil {
		peers, err := discovery.Register(n.wallet, n.cfg.RPCPort, n.cfg.WSPort)
		if err != nil {
			return fmt.Errorf("node: discovery registration failed: %w", err)
		}
		n.SetPeers(peers)
		n.handshakeAllPeers()
	}

	n.StartTransactionHandlers(ctx)

	if n.cfg.WSPort != 0 && n.cfg.WSPort != n.cfg.RPCPort {
		wsAddr := fmt.Sprintf("%s:%d", n.cfg.Hostname, n.cfg.WSPort)
		wsServer := &http.Server{Addr: wsAddr, Handler: n.Router()}
		go func() {
			if err := wsServer.ListenAndServe(); err != nil {
				n.log.Warn().Err(err).Str("addr", wsAddr).Msg("transaction stream listener stopped")
			}
		}()
	}

	addr := fmt.Sprintf("%s:%d", n.cfg.Hostname, n.cfg.RPCPort)
	server := &http.Server{Addr: addr, Handler: n.Router()}
	n.log.Info().Str("addr", addr).Msg("node listening")
	return server.ListenAndServe()
}

// handshakeAllPeers sends make_handshake to every currently known peer
// (spec §4.8 startup step 5), best-effort.
func (n *Node) handshakeAllPeers() {
	sender := NewHTTPBlockSender(n.log)
	for _, peer := range n.Peers() {
		var reply MakeHandshakeReply
		args := MakeHandshakeArgs{
			Address:   n.wallet.Address,
			IP:        n.cfg.Hostname,
			RPCPort:   n.cfg.RPCPort,
			WSPort:    n.cfg.WSPort,
			ChainName: n.cfg.ChainName,
		}
		if err := sender.call(peer, "RPCService.MakeHandshake", args, &reply); err != nil {
			n.log.Warn().Err(err).Str("peer", peer.Address.String()).Msg("handshake failed")
		}
	}
}

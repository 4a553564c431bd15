package node

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/rpc/json2"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/forgenet/posnode/internal/chain"
	"github.com/forgenet/posnode/internal/keys"
)

// WSTransactionSenders implements Senders over one persistent WebSocket
// connection per peer, opened lazily and kept around for the process
// lifetime (spec §5's transaction_senders[one per peer] pool). Failures are
// logged and the connection is dropped so the next broadcast reopens it;
// peer RPCs are fire-and-forget, per spec §5's cancellation policy.
type WSTransactionSenders struct {
	mu    sync.Mutex
	conns map[keys.Address]*websocket.Conn
	log   zerolog.Logger
}

// NewWSTransactionSenders returns an empty sender pool.
func NewWSTransactionSenders(log zerolog.Logger) *WSTransactionSenders {
	return &WSTransactionSenders{
		conns: make(map[keys.Address]*websocket.Conn),
		log:   log.With().Str("component", "tx-gossip").Logger(),
	}
}

// BroadcastTransactions forwards txs to every peer's transaction stream,
// connecting lazily and dropping any connection that errors.
func (s *WSTransactionSenders) BroadcastTransactions(peers []PeerInfo, txs []*chain.Transaction) {
	for _, peer := range peers {
		conn, err := s.connFor(peer)
		if err != nil {
			s.log.Warn().Err(err).Str("peer", peer.Address.String()).Msg("transaction gossip dial failed")
			continue
		}
		if err := conn.WriteJSON(txs); err != nil {
			s.log.Warn().Err(err).Str("peer", peer.Address.String()).Msg("transaction gossip write failed")
			s.drop(peer.Address)
		}
	}
}

func (s *WSTransactionSenders) connFor(peer PeerInfo) (*websocket.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conn, ok := s.conns[peer.Address]; ok {
		return conn, nil
	}
	url := fmt.Sprintf("ws://%s:%d/ws/tx", peer.Host, peer.WSPort)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}
	s.conns[peer.Address] = conn
	return conn, nil
}

func (s *WSTransactionSenders) drop(addr keys.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conn, ok := s.conns[addr]; ok {
		conn.Close()
		delete(s.conns, addr)
	}
}

// HTTPBlockSender implements BlockSender over one-shot JSON-RPC calls to
// each peer's /rpc endpoint, matching spec §5: block gossip is one-shot
// request/response, and refetch requests "traverse peers serially and stop
// at the first satisfactory answer".
type HTTPBlockSender struct {
	client *http.Client
	log    zerolog.Logger
}

// NewHTTPBlockSender returns a block sender using a short per-request
// timeout, appropriate for fire-and-forget peer RPCs.
func NewHTTPBlockSender(log zerolog.Logger) *HTTPBlockSender {
	return &HTTPBlockSender{
		client: &http.Client{Timeout: 5 * time.Second},
		log:    log.With().Str("component", "block-gossip").Logger(),
	}
}

// BroadcastBlock issues add_block to every peer, ignoring failures beyond
// logging them.
func (s *HTTPBlockSender) BroadcastBlock(peers []PeerInfo, block *chain.Block) {
	for _, peer := range peers {
		var reply AddBlockReply
		if err := s.call(peer, "RPCService.AddBlock", AddBlockArgs{Block: block}, &reply); err != nil {
			s.log.Warn().Err(err).Str("peer", peer.Address.String()).Msg("add_block broadcast failed")
		}
	}
}

// FetchBlockByPrevHash asks peers in turn for the block whose PreviousHash
// equals prevHash, stopping at the first peer that has one.
func (s *HTTPBlockSender) FetchBlockByPrevHash(ctx context.Context, peers []PeerInfo, prevHash string) (*chain.Block, bool) {
	for _, peer := range peers {
		var reply GetBlockWithPrevHashReply
		if err := s.call(peer, "RPCService.GetBlockWithPrevHash", GetBlockWithPrevHashArgs{PrevHash: prevHash}, &reply); err != nil {
			continue
		}
		if reply.Found && reply.Block != nil {
			return reply.Block, true
		}
	}
	return nil, false
}

// call issues one JSON-RPC 2.0 request to peer, using json2's own client
// encoding so the "jsonrpc": "2.0" envelope matches what the server side's
// json2.NewCodec (NewRPCHandler) requires of every incoming request.
func (s *HTTPBlockSender) call(peer PeerInfo, method string, args, reply interface{}) error {
	body, err := json2.EncodeClientRequest(method, args)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("http://%s:%d/rpc", peer.Host, peer.RPCPort)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return json2.DecodeClientResponse(resp.Body, reply)
}

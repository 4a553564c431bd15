package node

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/forgenet/posnode/internal/chain"
)

// Router builds the HTTP surface this node serves: the JSON-RPC 2.0
// request/response endpoint at /rpc, and the WebSocket transaction-gossip
// endpoint at /ws/tx peers stream batches into (spec §4.8 step 6: "start
// RPC endpoints (request/response and streaming)").
func (n *Node) Router() *mux.Router {
	router := mux.NewRouter()
	router.Handle("/rpc", NewRPCHandler(n)).Methods(http.MethodPost)
	router.HandleFunc("/ws/tx", n.serveTransactionStream)
	return router
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Gossip peers are whatever the discovery endpoint handed back, not
	// browser clients; cross-origin checks don't apply here.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// serveTransactionStream accepts a peer's persistent transaction-gossip
// connection and enqueues every batch it sends onto the transaction-handler
// pool, exactly as add_transactions does for the HTTP RPC path.
func (n *Node) serveTransactionStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		n.log.Warn().Err(err).Msg("transaction stream upgrade failed")
		return
	}
	defer conn.Close()

	for {
		var batch []*chain.Transaction
		if err := conn.ReadJSON(&batch); err != nil {
			return
		}
		for _, tx := range batch {
			n.EnqueueTransaction(tx)
		}
	}
}

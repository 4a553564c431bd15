package node

import (
	"context"
	"net/http"

	"github.com/gorilla/rpc"
	"github.com/gorilla/rpc/json2"

	"github.com/forgenet/posnode/internal/chain"
	"github.com/forgenet/posnode/internal/keys"
)

// RPCService exposes the peer RPC surface from spec §6 as a JSON-RPC 2.0
// service via gorilla/rpc. Every method follows gorilla/rpc's calling
// convention: (r *http.Request, args *Args, reply *Reply) error.
type RPCService struct {
	node *Node
}

// NewRPCHandler builds an http.Handler serving RPCService at path, using
// the json2 codec (JSON-RPC 2.0), the convention shared by the coreth pack
// repos this stack is grounded on.
func NewRPCHandler(n *Node) http.Handler {
	server := rpc.NewServer()
	server.RegisterCodec(json2.NewCodec(), "application/json")
	_ = server.RegisterService(&RPCService{node: n}, "")
	return server
}

type GetChainLengthArgs struct{}

type GetChainLengthReply struct {
	LastHash string `json:"last_hash"`
	Index    uint64 `json:"index"`
}

func (s *RPCService) GetChainLength(_ *http.Request, _ *GetChainLengthArgs, reply *GetChainLengthReply) error {
	hash, index, _ := s.node.ChainLength()
	reply.LastHash = hash
	reply.Index = index
	return nil
}

type MakeHandshakeArgs struct {
	Address   keys.Address `json:"address"`
	IP        string       `json:"ip"`
	RPCPort   int          `json:"rpc_port"`
	WSPort    int          `json:"ws_port"`
	ChainName string       `json:"chain_name"`
}

type MakeHandshakeReply struct{}

func (s *RPCService) MakeHandshake(_ *http.Request, args *MakeHandshakeArgs, _ *MakeHandshakeReply) error {
	return s.node.Handshake(args.ChainName, PeerInfo{
		Address: args.Address,
		Host:    args.IP,
		RPCPort: args.RPCPort,
		WSPort:  args.WSPort,
	})
}

type AddTransactionArgs struct {
	Tx *chain.Transaction `json:"tx"`
}

type AddTransactionReply struct{}

func (s *RPCService) AddTransaction(_ *http.Request, args *AddTransactionArgs, _ *AddTransactionReply) error {
	s.node.EnqueueTransaction(args.Tx)
	return nil
}

type AddTransactionsArgs struct {
	Txs []*chain.Transaction `json:"txs"`
}

type AddTransactionsReply struct{}

func (s *RPCService) AddTransactions(_ *http.Request, args *AddTransactionsArgs, _ *AddTransactionsReply) error {
	for _, tx := range args.Txs {
		s.node.EnqueueTransaction(tx)
	}
	return nil
}

type AddBlockArgs struct {
	Block *chain.Block `json:"block"`
}

type AddBlockReply struct{}

func (s *RPCService) AddBlock(r *http.Request, args *AddBlockArgs, _ *AddBlockReply) error {
	return s.node.AddBlock(context.Background(), args.Block)
}

type GetBlockWithHashArgs struct {
	Hash string `json:"hash"`
}

type GetBlockWithHashReply struct {
	Block *chain.Block `json:"block"`
	Found bool         `json:"found"`
}

func (s *RPCService) GetBlockWithHash(r *http.Request, args *GetBlockWithHashArgs, reply *GetBlockWithHashReply) error {
	b, found := s.node.GetBlockByHash(context.Background(), args.Hash)
	reply.Block = b
	reply.Found = found
	return nil
}

type GetBlockWithPrevHashArgs struct {
	PrevHash string `json:"prev_hash"`
}

type GetBlockWithPrevHashReply struct {
	Block *chain.Block `json:"block"`
	Found bool         `json:"found"`
}

func (s *RPCService) GetBlockWithPrevHash(r *http.Request, args *GetBlockWithPrevHashArgs, reply *GetBlockWithPrevHashReply) error {
	b, found := s.node.GetBlockByPrevHash(context.Background(), args.PrevHash)
	reply.Block = b
	reply.Found = found
	return nil
}

type GetNodeAddressArgs struct{}

type GetNodeAddressReply struct {
	Address keys.Address `json:"address"`
}

func (s *RPCService) GetNodeAddress(_ *http.Request, _ *GetNodeAddressArgs, reply *GetNodeAddressReply) error {
	reply.Address = s.node.NodeAddress()
	return nil
}

type GetAddressAmountArgs struct {
	Address keys.Address `json:"address"`
}

type GetAddressAmountReply struct {
	Amount uint64 `json:"amount"`
}

func (s *RPCService) GetAddressAmount(_ *http.Request, args *GetAddressAmountArgs, reply *GetAddressAmountReply) error {
	reply.Amount = s.node.GetAddressAmount(args.Address)
	return nil
}

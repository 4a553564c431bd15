// Package wallet is a thin client-side helper for building and submitting
// transactions against a running node's RPC surface: key management is
// internal/keys' job, chain/mempool semantics are the node's job, and this
// package just bundles the two together the way a CLI or GUI wallet would.
package wallet

import (
	"bytes"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/rpc/json2"

	"github.com/forgenet/posnode/internal/chain"
	"github.com/forgenet/posnode/internal/keys"
)

// Wallet wraps a signing keypair with a connection to a node's RPC
// endpoint, the two things every wallet operation (build, sign, submit,
// query) needs.
type Wallet struct {
	Keys       *keys.KeyPair
	nodeRPCURL string
	client     *http.Client
}

// New wraps an existing keypair with a node RPC endpoint to submit against.
func New(kp *keys.KeyPair, nodeRPCURL string) *Wallet {
	return &Wallet{Keys: kp, nodeRPCURL: nodeRPCURL, client: &http.Client{Timeout: 10 * time.Second}}
}

// Open loads or creates a keypair at path (see keys.LoadOrCreate) and wraps
// it with a node RPC endpoint.
func Open(path, nodeRPCURL string) (*Wallet, error) {
	kp, err := keys.LoadOrCreate(path)
	if err != nil {
		return nil, err
	}
	return New(kp, nodeRPCURL), nil
}

// Address returns the wallet's own address.
func (w *Wallet) Address() keys.Address { return w.Keys.Address }

// Balance queries the node for this wallet's current balance via
// get_address_amount.
func (w *Wallet) Balance() (uint64, error) {
	var reply struct {
		Amount uint64 `json:"amount"`
	}
	if err := w.call("RPCService.GetAddressAmount", map[string]interface{}{"address": w.Keys.Address}, &reply); err != nil {
		return 0, err
	}
	return reply.Amount, nil
}

// SendMovement builds, signs, and submits a value transfer to the node's
// mempool via add_transaction.
func (w *Wallet) SendMovement(to keys.Address, amount, nonce uint64) (*chain.Transaction, error) {
	tx := chain.NewMovement(w.Keys, to, amount, nonce)
	return tx, w.submit(tx)
}

// SendStake builds, signs, and submits a staking transaction, registering
// this wallet as a forger candidate.
func (w *Wallet) SendStake(amount, nonce uint64) (*chain.Transaction, error) {
	tx := chain.NewStake(w.Keys, amount, nonce)
	return tx, w.submit(tx)
}

func (w *Wallet) submit(tx *chain.Transaction) error {
	var reply struct{}
	return w.call("RPCService.AddTransaction", map[string]interface{}{"tx": tx}, &reply)
}

// call issues one JSON-RPC 2.0 request using json2's client encoding, the
// same codec the node's RPC server (json2.NewCodec) decodes on the other
// end, so the "jsonrpc": "2.0" envelope and params framing line up.
func (w *Wallet) call(method string, args interface{}, reply interface{}) error {
	body, err := json2.EncodeClientRequest(method, args)
	if err != nil {
		return err
	}

	resp, err := w.client.Post(w.nodeRPCURL, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("wallet: rpc call %s: %w", method, err)
	}
	defer resp.Body.Close()

	return json2.DecodeClientResponse(resp.Body, reply)
}

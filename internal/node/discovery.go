package node

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/forgenet/posnode/internal/keys"
)

// DiscoveryClient registers this node with the external discovery endpoint
// and parses the peer table it returns (spec §6: "POST /signal ...
// Response: {address -> (host, rpc_port, ws_port)} for all currently
// registered peers including the caller").
type DiscoveryClient struct {
	endpoint string
	client   *http.Client
}

// NewDiscoveryClient returns a client for the given discovery endpoint URL.
func NewDiscoveryClient(endpoint string) *DiscoveryClient {
	return &DiscoveryClient{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

type signalRequest struct {
	Address   keys.Address `json:"address"`
	RPCPort   int          `json:"rpc_port"`
	WSPort    int          `json:"ws_port"`
	Key       string       `json:"key"`
	Signature string       `json:"signature"`
}

type signalPeer struct {
	Host    string `json:"host"`
	RPCPort int    `json:"rpc_port"`
	WSPort  int    `json:"ws_port"`
}

// Register signs its own address under wallet and posts a signal request,
// returning the peer table with self already removed.
func (c *DiscoveryClient) Register(wallet *keys.KeyPair, rpcPort, wsPort int) (map[keys.Address]PeerInfo, error) {
	addrString := wallet.Address.String()
	sig := wallet.Sign(keys.Keccak256([]byte(addrString)))

	body, err := json.Marshal(signalRequest{
		Address:   wallet.Address,
		RPCPort:   rpcPort,
		WSPort:    wsPort,
		Key:       fmt.Sprintf("%x", wallet.Public.SerializeCompressed()),
		Signature: fmt.Sprintf("%x", sig),
	})
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Post(c.endpoint, "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("node: discovery register: %w", err)
	}
	defer resp.Body.Close()

	var table map[string]signalPeer
	if err := json.NewDecoder(resp.Body).Decode(&table); err != nil {
		return nil, fmt.Errorf("node: discovery decode response: %w", err)
	}

	peers := make(map[keys.Address]PeerInfo, len(table))
	for addrHex, entry := range table {
		addr, err := keys.AddressFromHex(addrHex)
		if err != nil {
			continue
		}
		if addr == wallet.Address {
			continue
		}
		peers[addr] = PeerInfo{Address: addr, Host: entry.Host, RPCPort: entry.RPCPort, WSPort: entry.WSPort}
	}
	return peers, nil
}

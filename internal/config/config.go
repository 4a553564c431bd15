// Package config loads and defaults node configuration from a TOML file,
// following the naoina/toml convention go-ethereum's node config uses.
package config

import (
	"fmt"
	"os"

	"github.com/naoina/toml"

	"github.com/forgenet/posnode/internal/keys"
)

// Numeric constants governing node behavior, named directly after the
// configuration glossary: BLOCK_TIME_MAX, MIN_MEMPOOL, TX_CHUNK,
// MAX_BLOCK_TX, RECENT_STAKE_WINDOW, SEEN_CACHE.
const (
	BlockTimeMaxSeconds = 6
	MinMempool          = 75
	TxChunk             = 3
	MaxBlockTx          = 700
	RecentStakeWindow   = 100
	SeenCache           = 1000
)

const (
	defaultTransactionThreads = 5
	defaultChainMemoryLength  = 20
)

// Config is the set of recognized options named in spec §2 and §6.
type Config struct {
	ID                 string `toml:"id"`
	Hostname           string `toml:"hostname"`
	RPCPort            int    `toml:"rpc_port"`
	WSPort             int    `toml:"ws_port"`
	WalletPrivateKey   string `toml:"wallet_private_key"`
	TransactionThreads int    `toml:"transaction_threads"`
	ChainMemoryLength  int    `toml:"chain_memory_length"`
	ChainName          string `toml:"chain_name"`
	DiscoveryEndpoint  string `toml:"discovery_endpoint"`
	Peers              []string `toml:"peers"`
}

// Load reads and decodes a TOML config file at path, applying defaults for
// any zero-valued field the file leaves unset.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	cfg := &Config{}
	if err := toml.NewDecoder(f).Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.TransactionThreads <= 0 {
		c.TransactionThreads = defaultTransactionThreads
	}
	if c.ChainMemoryLength <= 0 {
		c.ChainMemoryLength = defaultChainMemoryLength
	}
	if c.Hostname == "" {
		c.Hostname = "0.0.0.0"
	}
}

// Wallet loads the node's signing keypair from WalletPrivateKey, or
// generates and persists a fresh one at that path if it does not yet exist.
func (c *Config) Wallet() (*keys.KeyPair, error) {
	if c.WalletPrivateKey == "" {
		return nil, fmt.Errorf("config: wallet_private_key is not set")
	}
	return keys.LoadOrCreate(c.WalletPrivateKey)
}

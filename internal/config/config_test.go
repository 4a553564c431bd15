package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "node.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeTempConfig(t, `
id = "node-1"
hostname = "127.0.0.1"
rpc_port = 8545
ws_port = 8546
wallet_private_key = "/tmp/posnode-wallet.hex"
chain_name = "forgenet"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "node-1", cfg.ID)
	assert.Equal(t, defaultTransactionThreads, cfg.TransactionThreads)
	assert.Equal(t, defaultChainMemoryLength, cfg.ChainMemoryLength)
}

func TestLoadHonorsExplicitValues(t *testing.T) {
	path := writeTempConfig(t, `
id = "node-2"
transaction_threads = 12
chain_memory_length = 250
wallet_private_key = "/tmp/posnode-wallet.hex"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 12, cfg.TransactionThreads)
	assert.Equal(t, 250, cfg.ChainMemoryLength)
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestWalletRequiresPrivateKeyPath(t *testing.T) {
	cfg := &Config{}
	_, err := cfg.Wallet()
	assert.Error(t, err)
}

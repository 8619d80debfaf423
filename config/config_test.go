package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/predictledger/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, "log:\n  level: warn\n"))
	require.NoError(t, err)

	assert.Equal(t, int64(11155111), cfg.Chain.ChainID)
	assert.Equal(t, "predictledger.db", cfg.Storage.DSN)
	assert.Equal(t, 90*time.Second, cfg.PrimaryTimeout())
	assert.Equal(t, 60*time.Second, cfg.ReceiptTimeout())
	assert.Equal(t, 30*time.Second, cfg.ReconcileInterval())
	assert.Equal(t, 4, cfg.Settlement.BatchWorkers)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.False(t, cfg.Persistence.PrimaryEnabled)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("LOG_FORMAT", "json")
	t.Setenv("RESOLVER_ADDRESS", "0x00000000000000000000000000000000000000AB")
	t.Setenv("STORAGE_DSN", ":memory:")
	t.Setenv("SIGNER_KEYS", " aa , ,bb")
	t.Setenv("RPC_URL", "http://localhost:8545")
	t.Setenv("CONTRACT_ADDRESS", "0x00000000000000000000000000000000000000cd")

	cfg, err := config.Load(writeConfig(t, "storage:\n  dsn: file.db\npersistence:\n  primary_enabled: true\n"))
	require.NoError(t, err)

	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "0x00000000000000000000000000000000000000AB", cfg.Ledger.ResolverAddress)
	assert.Equal(t, ":memory:", cfg.Storage.DSN)
	assert.Equal(t, []string{"aa", "bb"}, cfg.Chain.SignerKeys)
	assert.Equal(t, "http://localhost:8545", cfg.Chain.RPCURL)
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unsupported chain", "chain:\n  chain_id: 137\n"},
		{"malformed resolver", "ledger:\n  resolver_address: \"0x1234\"\n"},
		{"primary without rpc", "persistence:\n  primary_enabled: true\nchain:\n  contract_address: \"0x00000000000000000000000000000000000000cd\"\n"},
		{"primary with bad contract", "persistence:\n  primary_enabled: true\nchain:\n  rpc_url: http://x\n  contract_address: nope\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.Load(writeConfig(t, tt.body))
			require.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoad_ExampleFile(t *testing.T) {
	cfg, err := config.Load("config.yaml")
	require.NoError(t, err)
	assert.Equal(t, ":9100", cfg.Metrics.Addr)
}

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full ledger configuration.
type Config struct {
	Ledger      LedgerConfig      `yaml:"ledger"`
	Chain       ChainConfig       `yaml:"chain"`
	Storage     StorageConfig     `yaml:"storage"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Settlement  SettlementConfig  `yaml:"settlement"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Log         LogConfig         `yaml:"log"`
}

// LedgerConfig holds ledger rules.
type LedgerConfig struct {
	// ResolverAddress is the only identity allowed to resolve markets.
	ResolverAddress string `yaml:"resolver_address"`
}

// ChainConfig points at the deployed market contract.
type ChainConfig struct {
	RPCURL            string   `yaml:"rpc_url"`
	ContractAddress   string   `yaml:"contract_address"`
	ChainID           int64    `yaml:"chain_id"`
	StartBlock        uint64   `yaml:"start_block"`
	LogChunk          uint64   `yaml:"log_chunk"`
	ReceiptTimeoutSec int      `yaml:"receipt_timeout_seconds"`
	RequestsPerSecond float64  `yaml:"requests_per_second"`
	SignerKeys        []string `yaml:"-"` // only from SIGNER_KEYS, never from the file
}

// StorageConfig controls the local fallback store.
type StorageConfig struct {
	DSN string `yaml:"dsn"` // SQLite file path, or ":memory:"
}

// PersistenceConfig controls the primary/fallback adapter.
type PersistenceConfig struct {
	// PrimaryEnabled turns the on-chain primary on. When off, an in-process
	// primary is used and the SQLite store still mirrors every commit.
	PrimaryEnabled    bool `yaml:"primary_enabled"`
	PrimaryTimeoutSec int  `yaml:"primary_timeout_seconds"`
	// ReconcileIntervalSec is the period of the watch loop.
	ReconcileIntervalSec int `yaml:"reconcile_interval_seconds"`
}

// SettlementConfig tunes batch claims.
type SettlementConfig struct {
	BatchWorkers int `yaml:"batch_workers"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Addr string `yaml:"addr"` // empty disables the server
}

// LogConfig controls logging format and level.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Chain ids the contract is deployed on.
var supportedChains = map[int64]bool{1: true, 5: true, 11155111: true}

// Load reads the YAML file and a .env file if present. Environment variables
// override values from the file.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse YAML: %w", err)
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	return &cfg, nil
}

// Validate rejects settings the ledger cannot run with.
func (c *Config) Validate() error {
	if !supportedChains[c.Chain.ChainID] {
		return fmt.Errorf("unsupported chain id %d", c.Chain.ChainID)
	}
	if r := c.Ledger.ResolverAddress; r != "" && strings.HasPrefix(r, "0x") && !common.IsHexAddress(r) {
		return fmt.Errorf("malformed resolver address %q", r)
	}
	if c.Persistence.PrimaryEnabled {
		if c.Chain.RPCURL == "" {
			return fmt.Errorf("chain.rpc_url is required when the primary is enabled")
		}
		if !common.IsHexAddress(c.Chain.ContractAddress) {
			return fmt.Errorf("malformed contract address %q", c.Chain.ContractAddress)
		}
	}
	return nil
}

// PrimaryTimeout bounds every call to the primary backend.
func (c *Config) PrimaryTimeout() time.Duration {
	return time.Duration(c.Persistence.PrimaryTimeoutSec) * time.Second
}

// ReceiptTimeout bounds the wait for a transaction receipt.
func (c *Config) ReceiptTimeout() time.Duration {
	return time.Duration(c.Chain.ReceiptTimeoutSec) * time.Second
}

// ReconcileInterval is the period of the watch loop.
func (c *Config) ReconcileInterval() time.Duration {
	return time.Duration(c.Persistence.ReconcileIntervalSec) * time.Second
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("RESOLVER_ADDRESS"); v != "" {
		cfg.Ledger.ResolverAddress = v
	}
	if v := os.Getenv("RPC_URL"); v != "" {
		cfg.Chain.RPCURL = v
	}
	if v := os.Getenv("CONTRACT_ADDRESS"); v != "" {
		cfg.Chain.ContractAddress = v
	}
	if v := os.Getenv("SIGNER_KEYS"); v != "" {
		for _, k := range strings.Split(v, ",") {
			if k = strings.TrimSpace(k); k != "" {
				cfg.Chain.SignerKeys = append(cfg.Chain.SignerKeys, k)
			}
		}
	}
	if v := os.Getenv("STORAGE_DSN"); v != "" {
		cfg.Storage.DSN = v
	}
}

func setDefaults(cfg *Config) {
	if cfg.Chain.ChainID == 0 {
		cfg.Chain.ChainID = 11155111 // Sepolia
	}
	if cfg.Chain.LogChunk == 0 {
		cfg.Chain.LogChunk = 10_000
	}
	if cfg.Chain.ReceiptTimeoutSec <= 0 {
		cfg.Chain.ReceiptTimeoutSec = 60
	}
	if cfg.Chain.RequestsPerSecond <= 0 {
		cfg.Chain.RequestsPerSecond = 10
	}
	if cfg.Storage.DSN == "" {
		cfg.Storage.DSN = "predictledger.db"
	}
	if cfg.Persistence.PrimaryTimeoutSec <= 0 {
		cfg.Persistence.PrimaryTimeoutSec = 90
	}
	if cfg.Persistence.ReconcileIntervalSec <= 0 {
		cfg.Persistence.ReconcileIntervalSec = 30
	}
	if cfg.Settlement.BatchWorkers <= 0 {
		cfg.Settlement.BatchWorkers = 4
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}

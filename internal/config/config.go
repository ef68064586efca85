// Package config loads typed configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
)

// Config is the full enclave host configuration, decoded from the
// environment. Secure material (service wallet credential, vault master
// key) arrives here and nowhere else.
type Config struct {
	Server        ServerConfig
	Log           LogConfig
	Enclave       EnclaveConfig
	Chain         ChainConfig
	ServiceWallet ServiceWalletConfig
	Vault         VaultConfig
	Postgres      PostgresConfig
	Redis         RedisConfig
	PriceFeed     PriceFeedConfig
}

// ServerConfig controls the host HTTP listener.
type ServerConfig struct {
	Port         int           `env:"PORT,default=8080"`
	ReadTimeout  time.Duration `env:"SERVER_READ_TIMEOUT,default=30s"`
	WriteTimeout time.Duration `env:"SERVER_WRITE_TIMEOUT,default=30s"`
	IdleTimeout  time.Duration `env:"SERVER_IDLE_TIMEOUT,default=120s"`
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level  string `env:"LOG_LEVEL,default=info"`
	Format string `env:"LOG_FORMAT,default=json"`
}

// EnclaveConfig selects the enclave execution mode.
type EnclaveConfig struct {
	// Mode is "simulation" or "hardware".
	Mode string `env:"ENCLAVE_MODE,default=simulation"`
	// ID names this enclave instance in logs and measurements.
	ID string `env:"ENCLAVE_ID,default=enclave-0"`
	// SealingKeyPath persists the simulation sealing key across restarts.
	// Empty keeps the key ephemeral.
	SealingKeyPath string `env:"ENCLAVE_SEALING_KEY_PATH"`
}

// ChainConfig points at the Neo N3 node the enclave talks to.
type ChainConfig struct {
	RPCURL       string        `env:"NEO_RPC_URL"`
	WSURL        string        `env:"NEO_WS_URL"`
	NetworkMagic uint32        `env:"NEO_NETWORK_MAGIC,default=894710606"`
	Timeout      time.Duration `env:"NEO_RPC_TIMEOUT,default=30s"`
	// OracleContract is the script hash of the oracle price contract.
	OracleContract string `env:"ORACLE_CONTRACT_HASH"`
}

// ServiceWalletConfig provisions the wallet the enclave itself signs with.
// Never hardcoded; absent credentials disable service-wallet signing.
type ServiceWalletConfig struct {
	WIF      string `env:"SERVICE_WALLET_WIF"`
	Password string `env:"SERVICE_WALLET_PASSWORD"`
}

// VaultConfig controls secret-vault key wrapping.
type VaultConfig struct {
	// MasterKeyHex wraps per-secret data keys. When empty, the enclave
	// sealing key is used instead.
	MasterKeyHex string `env:"VAULT_MASTER_KEY"`
}

// PostgresConfig selects the optional persistent store.
type PostgresConfig struct {
	DSN string `env:"POSTGRES_DSN"`
}

// RedisConfig selects the optional function key-value store.
type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB,default=0"`
}

// PriceFeedConfig controls the price aggregation subsystem.
type PriceFeedConfig struct {
	// SourcesFile is a YAML file declaring the price sources.
	SourcesFile    string        `env:"PRICE_SOURCES_FILE,default=config/sources.yaml"`
	RequestTimeout time.Duration `env:"PRICE_REQUEST_TIMEOUT,default=30s"`
	BaseCurrency   string        `env:"PRICE_BASE_CURRENCY,default=USD"`
}

// Load decodes the configuration from the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return nil, fmt.Errorf("PORT %d out of range", cfg.Server.Port)
	}
	switch cfg.Enclave.Mode {
	case "simulation", "hardware":
	default:
		return nil, fmt.Errorf("ENCLAVE_MODE must be simulation or hardware, got %q", cfg.Enclave.Mode)
	}
	return &cfg, nil
}

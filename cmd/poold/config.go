// config.go - Configuration management for the pool daemon
package main

import (
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v2"

	"shieldedpool/internal/field"
	"shieldedpool/internal/merkle"
)

// Config represents the daemon configuration
type Config struct {
	// Ledger
	ListenAddr  string `yaml:"listen_addr"`
	DataDir     string `yaml:"data_dir"`
	KeyDir      string `yaml:"key_dir"`
	Levels      int    `yaml:"levels"`
	HistorySize int    `yaml:"history_size"`
	Hasher      string `yaml:"hasher"`
	CacheMB     int    `yaml:"cache_mb"`

	// Amounts are decimal strings in token units, scaled by TokenDecimals.
	TokenDecimals int32  `yaml:"token_decimals"`
	MaxDeposit    string `yaml:"max_deposit"`
	MinWithdrawal string `yaml:"min_withdrawal"`

	// Bridge
	Token             string `yaml:"token"`
	Custodian         string `yaml:"custodian"`
	Unwrapper         string `yaml:"unwrapper"`
	ChainID           int64  `yaml:"chain_id"`
	VerifyingContract string `yaml:"verifying_contract"`
	DispatchInterval  string `yaml:"dispatch_interval"`

	// Relay
	RelayID    string            `yaml:"relay_id"`
	RelayAddr  string            `yaml:"relay_addr"`
	RelayPeers map[string]string `yaml:"relay_peers"`
	BridgePeer string            `yaml:"bridge_peer"`

	// Rate limiting per client IP on submission endpoints
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`

	// Logging
	LogLevel     string `yaml:"log_level"`
	LogFile      string `yaml:"log_file"`
	EnableAudit  bool   `yaml:"enable_audit"`
	AuditLogPath string `yaml:"audit_log_path"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:        "127.0.0.1:8545",
		DataDir:           "data",
		KeyDir:            "keys",
		Levels:            merkle.DefaultLevels,
		HistorySize:       merkle.DefaultHistorySize,
		Hasher:            field.HasherMiMC,
		CacheMB:           64,
		TokenDecimals:     18,
		MaxDeposit:        "1",
		MinWithdrawal:     "0",
		Token:             "0x0000000000000000000000000000000000000000",
		Custodian:         "0x0000000000000000000000000000000000000000",
		Unwrapper:         "0x0000000000000000000000000000000000000000",
		ChainID:           100,
		VerifyingContract: "0x0000000000000000000000000000000000000000",
		DispatchInterval:  "10s",
		RelayID:           "pool",
		RelayAddr:         "127.0.0.1:9000",
		RelayPeers:        map[string]string{"origin": "127.0.0.1:9001"},
		BridgePeer:        "origin",
		RateLimit:         2,
		RateBurst:         5,
		LogLevel:          "info",
		LogFile:           "poold.log",
		EnableAudit:       true,
		AuditLogPath:      "audit.log",
	}
}

// LoadConfig loads configuration from file or creates default
func LoadConfig(configPath string) (*Config, error) {
	if _, err := os.Stat(configPath); err == nil {
		raw, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		config := DefaultConfig()
		// strict decoding refuses keys already present in a map, so peers start empty
		defaultPeers := config.RelayPeers
		config.RelayPeers = nil
		if err := yaml.UnmarshalStrict(raw, config); err != nil {
			return nil, fmt.Errorf("failed to decode config file: %w", err)
		}
		if config.RelayPeers == nil {
			config.RelayPeers = defaultPeers
		}
		return config, nil
	}

	config := DefaultConfig()
	if err := SaveConfig(config, configPath); err != nil {
		return nil, fmt.Errorf("failed to save default config: %w", err)
	}
	return config, nil
}

// SaveConfig saves configuration to file
func SaveConfig(config *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	raw, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.WriteFile(configPath, raw, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if c.Levels <= 0 || c.Levels > 32 {
		return fmt.Errorf("levels must be in 1..32")
	}
	if c.HistorySize <= 0 {
		return fmt.Errorf("history_size must be positive")
	}
	if _, err := field.NewHasher(c.Hasher); err != nil {
		return err
	}
	if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		return fmt.Errorf("listen_addr: %w", err)
	}
	if c.TokenDecimals < 0 || c.TokenDecimals > 36 {
		return fmt.Errorf("token_decimals must be in 0..36")
	}
	if _, err := c.MaxDepositWei(); err != nil {
		return err
	}
	if _, err := c.MinWithdrawalWei(); err != nil {
		return err
	}
	for name, addr := range map[string]string{
		"token":              c.Token,
		"custodian":          c.Custodian,
		"unwrapper":          c.Unwrapper,
		"verifying_contract": c.VerifyingContract,
	} {
		if !common.IsHexAddress(addr) {
			return fmt.Errorf("%s is not an address: %q", name, addr)
		}
	}
	if c.ChainID <= 0 {
		return fmt.Errorf("chain_id must be positive")
	}
	if d, err := c.Interval(); err != nil || d <= 0 {
		return fmt.Errorf("dispatch_interval must be a positive duration")
	}
	if c.RelayID == "" {
		return fmt.Errorf("relay_id must be set")
	}
	if c.BridgePeer != "" {
		if _, ok := c.RelayPeers[c.BridgePeer]; !ok {
			return fmt.Errorf("bridge_peer %q is not in relay_peers", c.BridgePeer)
		}
	}
	if c.RateLimit <= 0 || c.RateBurst <= 0 {
		return fmt.Errorf("rate_limit and rate_burst must be positive")
	}
	return nil
}

// toWei scales a decimal token amount to integer base units. An empty string means no limit.
func (c *Config) toWei(name, amount string) (*big.Int, error) {
	if amount == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("%s must not be negative", name)
	}
	scaled := d.Shift(c.TokenDecimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("%s has more than %d decimals", name, c.TokenDecimals)
	}
	return scaled.BigInt(), nil
}

// MaxDepositWei returns the deposit cap in base units, or nil for none.
func (c *Config) MaxDepositWei() (*big.Int, error) { return c.toWei("max_deposit", c.MaxDeposit) }

// MinWithdrawalWei returns the withdrawal floor in base units, or nil for none.
func (c *Config) MinWithdrawalWei() (*big.Int, error) {
	return c.toWei("min_withdrawal", c.MinWithdrawal)
}

// Interval parses DispatchInterval.
func (c *Config) Interval() (time.Duration, error) { return time.ParseDuration(c.DispatchInterval) }

// errNeedsMiMC is returned by serve when the configured hasher differs from the circuit's.
var errNeedsMiMC = errors.New("the transaction circuit hashes with mimc; set hasher: mimc to prove or verify")

// Package config loads lendingd settings from a config file, LENDING_*
// environment variables and command-line flags.
package config

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"lending-engine/internal/fixedpoint"
	"lending-engine/internal/interest"
	"lending-engine/internal/pool"
)

// Config holds configuration values loaded from flags, env, or config file.
type Config struct {
	Addr     string
	LogLevel string
	LogFile  string

	FeeWallet      string
	FeeNumerator   uint64
	FeeDenominator uint64

	QueueSize      int
	IdempotencyTTL time.Duration
	SnapshotEvery  int
	SnapshotKeep   int

	DataDir string
	PGDSN   string

	Vaults   []VaultConfig
	Prices   []PriceConfig
	Balances []BalanceConfig
	Pools    []PoolConfig
}

// VaultConfig declares an in-memory vault for an asset
type VaultConfig struct {
	Asset string `mapstructure:"asset"`
	Name  string `mapstructure:"name"`
}

// PriceConfig sets an oracle price in common units per base unit
type PriceConfig struct {
	Asset string `mapstructure:"asset"`
	Price string `mapstructure:"price"`
}

// BalanceConfig seeds the in-memory bank
type BalanceConfig struct {
	Owner  string `mapstructure:"owner"`
	Asset  string `mapstructure:"asset"`
	Amount string `mapstructure:"amount"`
}

// PoolConfig is a pool created at startup when it does not exist yet
type PoolConfig struct {
	InputAsset      string `mapstructure:"input-asset"`
	VaultAsset      string `mapstructure:"vault-asset"`
	Rate            string `mapstructure:"rate"`
	AddInterestRate string `mapstructure:"add-interest-rate"`
	LockExpiry      string `mapstructure:"lock-expiry"`
	PacketSize      string `mapstructure:"packet-size"`
	Name            string `mapstructure:"name"`
}

// Load merges config file, environment variables, and flags into Config.
func Load(cfgFile string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("LENDING")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("addr", ":8080")
	v.SetDefault("log-level", "info")
	v.SetDefault("fee-numerator", uint64(19))
	v.SetDefault("fee-denominator", uint64(20))
	v.SetDefault("queue-size", 1000)
	v.SetDefault("idempotency-ttl", 24*time.Hour)
	v.SetDefault("snapshot-every", 1)
	v.SetDefault("snapshot-keep", 3)
	v.SetDefault("data-dir", "./data")

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("lendingd")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := Config{
		Addr:           v.GetString("addr"),
		LogLevel:       v.GetString("log-level"),
		LogFile:        v.GetString("log-file"),
		FeeWallet:      v.GetString("fee-wallet"),
		FeeNumerator:   v.GetUint64("fee-numerator"),
		FeeDenominator: v.GetUint64("fee-denominator"),
		QueueSize:      v.GetInt("queue-size"),
		IdempotencyTTL: v.GetDuration("idempotency-ttl"),
		SnapshotEvery:  v.GetInt("snapshot-every"),
		SnapshotKeep:   v.GetInt("snapshot-keep"),
		DataDir:        v.GetString("data-dir"),
		PGDSN:          v.GetString("pg-dsn"),
	}
	for key, dst := range map[string]any{
		"vaults":   &cfg.Vaults,
		"prices":   &cfg.Prices,
		"balances": &cfg.Balances,
		"pools":    &cfg.Pools,
	} {
		if err := v.UnmarshalKey(key, dst); err != nil {
			return Config{}, fmt.Errorf("decode %s: %w", key, err)
		}
	}

	return cfg, nil
}

// Validate checks the settings every command needs
func (c Config) Validate() error {
	if _, err := c.FeeWalletAddress(); err != nil {
		return err
	}
	if _, err := c.Fees(); err != nil {
		return err
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("queue-size must be positive")
	}
	if c.SnapshotEvery <= 0 {
		return fmt.Errorf("snapshot-every must be positive")
	}
	return nil
}

// FeeWalletAddress parses fee-wallet
func (c Config) FeeWalletAddress() (common.Address, error) {
	return ParseAddress("fee-wallet", c.FeeWallet)
}

// Fees returns the fee schedule
func (c Config) Fees() (interest.FeeSchedule, error) {
	return interest.NewFeeSchedule(c.FeeNumerator, c.FeeDenominator)
}

// PoolConfig converts a configured pool into its domain definition
func (p PoolConfig) PoolConfig() (pool.Config, error) {
	input, err := ParseAddress("input-asset", p.InputAsset)
	if err != nil {
		return pool.Config{}, err
	}
	vaultAsset, err := ParseAddress("vault-asset", p.VaultAsset)
	if err != nil {
		return pool.Config{}, err
	}
	rate, err := fixedpoint.ParseRate(p.Rate)
	if err != nil {
		return pool.Config{}, fmt.Errorf("pool %q: %w", p.Name, err)
	}
	addRate := fixedpoint.ZeroRate
	if p.AddInterestRate != "" {
		if addRate, err = fixedpoint.ParseRate(p.AddInterestRate); err != nil {
			return pool.Config{}, fmt.Errorf("pool %q: %w", p.Name, err)
		}
	}
	var expiry time.Duration
	if p.LockExpiry != "" {
		if expiry, err = time.ParseDuration(p.LockExpiry); err != nil {
			return pool.Config{}, fmt.Errorf("pool %q lock-expiry: %w", p.Name, err)
		}
	}
	packet, err := ParseAmount("packet-size", p.PacketSize)
	if err != nil {
		return pool.Config{}, fmt.Errorf("pool %q: %w", p.Name, err)
	}

	cfg := pool.Config{
		InputAsset:      input,
		VaultAsset:      vaultAsset,
		Rate:            rate,
		AddInterestRate: addRate,
		LockExpiry:      expiry,
		PacketSize:      packet,
		Name:            p.Name,
	}
	if err := cfg.Validate(); err != nil {
		return pool.Config{}, fmt.Errorf("pool %q: %w", p.Name, err)
	}
	return cfg, nil
}

// ParseAddress parses a non-zero hex address
func ParseAddress(field, s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%s: invalid address %q", field, s)
	}
	addr := common.HexToAddress(s)
	if addr == (common.Address{}) {
		return common.Address{}, fmt.Errorf("%s: zero address", field)
	}
	return addr, nil
}

// ParseAmount parses a positive base-unit integer
func ParseAmount(field, s string) (*big.Int, error) {
	v, err := fixedpoint.ParseAmount(s, 0)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", field, err)
	}
	if v.Sign() <= 0 {
		return nil, fmt.Errorf("%s: must be positive", field)
	}
	return v, nil
}

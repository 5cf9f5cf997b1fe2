// Package config loads the node configuration from TOML. Fractional
// protocol parameters (exchange rates, reserve and collateral factors,
// interest model coefficients) are written as decimal strings and parsed
// into 1e18-scaled integers.
package config

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config is the top-level node configuration.
type Config struct {
	ListenAddress     string `toml:"ListenAddress"`
	DataDir           string `toml:"DataDir"`
	Environment       string `toml:"Environment"`
	LogLevel          string `toml:"LogLevel"`
	AdminAccount      string `toml:"AdminAccount"`
	BlockIntervalMS   int64  `toml:"BlockIntervalMS"`
	RateLimitPerSec   int    `toml:"RateLimitPerSec"`
	RateLimitBurst    int    `toml:"RateLimitBurst"`

	Markets []MarketConfig    `toml:"Markets"`
	Prices  map[string]string `toml:"Prices"`
}

// MarketConfig describes one lending market. GenesisBalances seeds underlying
// balances (decimal strings, whole tokens) on a fresh database; restored
// ledger snapshots take precedence on restart.
type MarketConfig struct {
	Symbol              string            `toml:"Symbol"`
	InitialExchangeRate string            `toml:"InitialExchangeRate"`
	ReserveFactor       string            `toml:"ReserveFactor"`
	CollateralFactor    string            `toml:"CollateralFactor"`
	BaseRate            string            `toml:"BaseRate"`
	Multiplier          string            `toml:"Multiplier"`
	GenesisBalances     map[string]string `toml:"GenesisBalances,omitempty"`
}

// Load reads the configuration at path, creating a default file when none
// exists.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	cfg := &Config{}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.ListenAddress) == "" {
		c.ListenAddress = ":8080"
	}
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = "./lending-data"
	}
	if strings.TrimSpace(c.Environment) == "" {
		c.Environment = "local"
	}
	if strings.TrimSpace(c.LogLevel) == "" {
		c.LogLevel = "info"
	}
	if strings.TrimSpace(c.AdminAccount) == "" {
		c.AdminAccount = "admin"
	}
	if c.BlockIntervalMS <= 0 {
		c.BlockIntervalMS = 1000
	}
	if c.RateLimitPerSec <= 0 {
		c.RateLimitPerSec = 50
	}
	if c.RateLimitBurst <= 0 {
		c.RateLimitBurst = 100
	}
	if c.Prices == nil {
		c.Prices = map[string]string{}
	}
}

// createDefault writes a two-market default configuration mirroring a local
// development deployment and returns it.
func createDefault(path string) (*Config, error) {
	cfg := &Config{
		Markets: []MarketConfig{
			{
				Symbol:              "ETH",
				InitialExchangeRate: "0.02",
				ReserveFactor:       "0.2",
				CollateralFactor:    "0.75",
				BaseRate:            "0.02",
				Multiplier:          "0.3",
			},
			{
				Symbol:              "DAI",
				InitialExchangeRate: "0.02",
				ReserveFactor:       "0.2",
				CollateralFactor:    "0",
				BaseRate:            "0.02",
				Multiplier:          "0.3",
			},
		},
		Prices: map[string]string{
			"ETH": "2000",
			"DAI": "1",
		},
	}
	cfg.applyDefaults()

	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

// ParseDecimal converts a decimal string such as "0.02" into a 1e18-scaled
// integer, truncating anything below 18 fractional digits.
func ParseDecimal(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("empty decimal value")
	}
	rat, ok := new(big.Rat).SetString(trimmed)
	if !ok {
		return nil, fmt.Errorf("malformed decimal value %q", value)
	}
	if rat.Sign() < 0 {
		return nil, fmt.Errorf("negative decimal value %q", value)
	}
	scaled := new(big.Rat).Mul(rat, new(big.Rat).SetInt(expScale))
	return new(big.Int).Quo(scaled.Num(), scaled.Denom()), nil
}

var expScale = big.NewInt(1_000_000_000_000_000_000)

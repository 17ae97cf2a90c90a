package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the top-level daemon configuration, decoded from TOML.
type Config struct {
	RPCAddress     string `toml:"RPCAddress"`
	MetricsAddress string `toml:"MetricsAddress"`
	DataDir        string `toml:"DataDir"`
	Environment    string `toml:"Environment"`

	Oracle  OracleConfig  `toml:"oracle"`
	Vault   VaultConfig   `toml:"vault"`
	Lending LendingConfig `toml:"lending"`
}

// OracleConfig carries the per-asset feed parameters.
type OracleConfig struct {
	Feeds []FeedConfig `toml:"feeds"`
}

// FeedConfig describes a single price feed registration.
type FeedConfig struct {
	Asset            string `toml:"Asset"`
	Endpoint         string `toml:"Endpoint"`
	HeartbeatSeconds int64  `toml:"HeartbeatSeconds"`
	MaxDeviationBps  uint64 `toml:"MaxDeviationBps"`
	UnitScaleDigits  int    `toml:"UnitScaleDigits"`
}

// Heartbeat returns the feed staleness bound as a duration.
func (f FeedConfig) Heartbeat() time.Duration {
	return time.Duration(f.HeartbeatSeconds) * time.Second
}

// VaultConfig carries the collateral asset registrations applied at startup.
type VaultConfig struct {
	Assets []AssetConfig `toml:"assets"`
}

// AssetConfig mirrors the vault's per-asset risk parameters.
type AssetConfig struct {
	Symbol                  string `toml:"Symbol"`
	CollateralFactorBps     uint64 `toml:"CollateralFactorBps"`
	LiquidationThresholdBps uint64 `toml:"LiquidationThresholdBps"`
	LiquidationPenaltyBps   uint64 `toml:"LiquidationPenaltyBps"`
	UnitScaleDigits         int    `toml:"UnitScaleDigits"`
}

// LendingConfig carries the borrow module's risk parameters.
type LendingConfig struct {
	CloseFactorBps   uint64  `toml:"CloseFactorBps"`
	ReserveFactorBps uint64  `toml:"ReserveFactorBps"`
	MinDebt          string  `toml:"MinDebt"`
	MaxSupply        string  `toml:"MaxSupply"`
	DebtSymbol       string  `toml:"DebtSymbol"`
	HealthBandBps    uint64  `toml:"HealthBandBps"`
	BaseRate         float64 `toml:"BaseRate"`
	Slope1           float64 `toml:"Slope1"`
	Slope2           float64 `toml:"Slope2"`
	Kink             float64 `toml:"Kink"`
	MaxRate          float64 `toml:"MaxRate"`
}

// Load reads the configuration at path, creating a default file when none
// exists yet.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults(path)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults(path string) {
	if strings.TrimSpace(c.RPCAddress) == "" {
		c.RPCAddress = "127.0.0.1:8645"
	}
	if strings.TrimSpace(c.MetricsAddress) == "" {
		c.MetricsAddress = "127.0.0.1:9464"
	}
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = filepath.Join(filepath.Dir(path), "data")
	}
	if strings.TrimSpace(c.Environment) == "" {
		c.Environment = "local"
	}
	if strings.TrimSpace(c.Lending.DebtSymbol) == "" {
		c.Lending.DebtSymbol = "MUSD"
	}
	if c.Lending.CloseFactorBps == 0 {
		c.Lending.CloseFactorBps = 5000
	}
	if c.Lending.HealthBandBps == 0 {
		c.Lending.HealthBandBps = 1000
	}
	if c.Lending.Kink == 0 {
		c.Lending.BaseRate = 0.02
		c.Lending.Slope1 = 0.15
		c.Lending.Slope2 = 0.6
		c.Lending.Kink = 0.8
		c.Lending.MaxRate = 5.0
	}
}

// Validate rejects configurations that would put the risk engine into an
// unsound state.
func (c *Config) Validate() error {
	if c.Lending.CloseFactorBps > 10_000 {
		return fmt.Errorf("config: CloseFactorBps %d exceeds 10000", c.Lending.CloseFactorBps)
	}
	if c.Lending.ReserveFactorBps > 10_000 {
		return fmt.Errorf("config: ReserveFactorBps %d exceeds 10000", c.Lending.ReserveFactorBps)
	}
	if c.Lending.MinDebt != "" {
		if !isDecimal(c.Lending.MinDebt) {
			return fmt.Errorf("config: MinDebt %q is not a decimal amount", c.Lending.MinDebt)
		}
	}
	if c.Lending.MaxSupply != "" {
		if !isDecimal(c.Lending.MaxSupply) {
			return fmt.Errorf("config: MaxSupply %q is not a decimal amount", c.Lending.MaxSupply)
		}
	}
	for _, asset := range c.Vault.Assets {
		if strings.TrimSpace(asset.Symbol) == "" {
			return fmt.Errorf("config: vault asset with empty symbol")
		}
		if asset.LiquidationThresholdBps < asset.CollateralFactorBps {
			return fmt.Errorf("config: asset %s liquidation threshold below collateral factor", asset.Symbol)
		}
		if asset.CollateralFactorBps > 10_000 || asset.LiquidationThresholdBps > 10_000 || asset.LiquidationPenaltyBps > 10_000 {
			return fmt.Errorf("config: asset %s has basis point value above 10000", asset.Symbol)
		}
		if asset.UnitScaleDigits <= 0 || asset.UnitScaleDigits > 36 {
			return fmt.Errorf("config: asset %s unit scale digits out of range", asset.Symbol)
		}
	}
	for _, feed := range c.Oracle.Feeds {
		if strings.TrimSpace(feed.Asset) == "" {
			return fmt.Errorf("config: oracle feed with empty asset")
		}
		if feed.HeartbeatSeconds <= 0 {
			return fmt.Errorf("config: feed %s heartbeat must be positive", feed.Asset)
		}
		if feed.UnitScaleDigits <= 0 || feed.UnitScaleDigits > 36 {
			return fmt.Errorf("config: feed %s unit scale digits out of range", feed.Asset)
		}
	}
	return nil
}

func isDecimal(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func createDefault(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults(path)
	cfg.Vault.Assets = []AssetConfig{{
		Symbol:                  "ETH",
		CollateralFactorBps:     7500,
		LiquidationThresholdBps: 8000,
		LiquidationPenaltyBps:   500,
		UnitScaleDigits:         18,
	}}
	cfg.Oracle.Feeds = []FeedConfig{
		{Asset: "ETH", HeartbeatSeconds: 3600, MaxDeviationBps: 2000, UnitScaleDigits: 18},
		{Asset: "MUSD", HeartbeatSeconds: 3600, MaxDeviationBps: 500, UnitScaleDigits: 18},
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	file, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	if err := toml.NewEncoder(file).Encode(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

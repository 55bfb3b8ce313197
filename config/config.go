// Package config loads the lending service configuration from TOML, creating
// a commented default file on first run.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	// DataDir holds the storage backend files.
	DataDir string `toml:"DataDir"`
	// StorageBackend selects the key-value store: "memory", "leveldb", or
	// "bolt".
	StorageBackend string `toml:"StorageBackend"`
	// Environment tags every log line (e.g. "dev", "prod").
	Environment string `toml:"Environment"`
	// LogLevel is the minimum severity emitted: "debug", "info", "warn" or
	// "error".
	LogLevel string `toml:"LogLevel"`

	// ChainID binds signed offers to one deployment.
	ChainID uint64 `toml:"ChainID"`
	// AllowedCurrencies whitelists the loan denominations.
	AllowedCurrencies []string `toml:"AllowedCurrencies"`
	// ProtocolFeeBps is the fee carved from interest and penalties.
	ProtocolFeeBps uint64 `toml:"ProtocolFeeBps"`
	// OverdueFeeFactorWad is the flat overdue penalty as a wad fraction of
	// principal, encoded as a decimal string.
	OverdueFeeFactorWad string `toml:"OverdueFeeFactorWad"`
	// TreasuryAddress receives protocol fees and auction surpluses.
	TreasuryAddress string `toml:"TreasuryAddress"`
	// CollateralVaultAddress custodies pledged collateral.
	CollateralVaultAddress string `toml:"CollateralVaultAddress"`

	Reserve ReserveConfig `toml:"Reserve"`
	Auction AuctionConfig `toml:"Auction"`
}

// ReserveConfig shapes the pooled liquidity market.
type ReserveConfig struct {
	// ID names the reserve that pool-sourced loans reference.
	ID string `toml:"ID"`
	// VaultAddress custodies pooled liquidity and signs pool offers.
	VaultAddress string `toml:"VaultAddress"`
	// ReserveFactorBps diverts this share of pool interest to fees.
	ReserveFactorBps uint64 `toml:"ReserveFactorBps"`
	// FlashFeeBps is charged on refinance flash borrows.
	FlashFeeBps uint64 `toml:"FlashFeeBps"`
	// Interest model knobs, as decimals (0.02 = 2% APR).
	BaseRate float64 `toml:"BaseRate"`
	Slope1   float64 `toml:"Slope1"`
	Slope2   float64 `toml:"Slope2"`
	Kink     float64 `toml:"Kink"`
}

// AuctionConfig shapes collateral auction pricing.
type AuctionConfig struct {
	// StartMultiplierBps and FloorMultiplierBps anchor the decay range to
	// the oracle collateral value.
	StartMultiplierBps uint64 `toml:"StartMultiplierBps"`
	FloorMultiplierBps uint64 `toml:"FloorMultiplierBps"`
	// DecaySeconds is the linear decay window.
	DecaySeconds uint64 `toml:"DecaySeconds"`
}

// Load reads the configuration at path, creating a default file when none
// exists.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config file %s has unknown key %s", path, undecoded[0].String())
	}
	cfg.EnsureDefaults()
	return cfg, nil
}

// EnsureDefaults fills zero-valued fields with working defaults.
func (cfg *Config) EnsureDefaults() {
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./loanforge-data"
	}
	if strings.TrimSpace(cfg.StorageBackend) == "" {
		cfg.StorageBackend = "bolt"
	}
	if strings.TrimSpace(cfg.Environment) == "" {
		cfg.Environment = "dev"
	}
	if strings.TrimSpace(cfg.LogLevel) == "" {
		cfg.LogLevel = "info"
	}
	if cfg.ChainID == 0 {
		cfg.ChainID = 1
	}
	if len(cfg.AllowedCurrencies) == 0 {
		cfg.AllowedCurrencies = []string{"USDQ"}
	}
	if strings.TrimSpace(cfg.OverdueFeeFactorWad) == "" {
		// 5% of principal.
		cfg.OverdueFeeFactorWad = "50000000000000000"
	}
	if strings.TrimSpace(cfg.Reserve.ID) == "" {
		cfg.Reserve.ID = "usdq-main"
	}
	if cfg.Reserve.Kink == 0 {
		cfg.Reserve.BaseRate = 0.02
		cfg.Reserve.Slope1 = 0.15
		cfg.Reserve.Slope2 = 0.6
		cfg.Reserve.Kink = 0.8
	}
	if cfg.Auction.StartMultiplierBps == 0 {
		cfg.Auction.StartMultiplierBps = 12_000
	}
	if cfg.Auction.FloorMultiplierBps == 0 {
		cfg.Auction.FloorMultiplierBps = 5_000
	}
	if cfg.Auction.DecaySeconds == 0 {
		cfg.Auction.DecaySeconds = 86_400
	}
}

func createDefault(path string) (*Config, error) {
	cfg := &Config{}
	cfg.EnsureDefaults()
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

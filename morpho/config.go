package morpho

import (
	"fmt"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
)

// Config captures the runtime configuration for the matching overlay.
type Config struct {
	DefaultMatchingBudget   uint64         `toml:"DefaultMatchingBudget"`
	InsertScanDepth         uint64         `toml:"InsertScanDepth"`
	CloseFactorBps          uint64         `toml:"CloseFactorBps"`
	LiquidationIncentiveBps uint64         `toml:"LiquidationIncentiveBps"`
	Markets                 []MarketConfig `toml:"markets"`
}

// MarketConfig describes one market to create at startup.
type MarketConfig struct {
	Address             string `toml:"Address"`
	CollateralFactorBps uint64 `toml:"CollateralFactorBps"`
	ReserveFactorBps    uint64 `toml:"ReserveFactorBps"`
	P2PCursorBps        uint64 `toml:"P2PCursorBps"`
	NoP2P               bool   `toml:"NoP2P"`
}

// DefaultConfig returns the overlay defaults applied when a field is left
// unset.
func DefaultConfig() Config {
	return Config{
		DefaultMatchingBudget:   DefaultMatchingBudget,
		InsertScanDepth:         DefaultInsertScanDepth,
		CloseFactorBps:          5_000,
		LiquidationIncentiveBps: 10_800,
	}
}

// LoadConfig reads the TOML configuration from disk, filling unset fields with
// defaults and validating the result.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the basis-point bounds and market addresses.
func (c Config) Validate() error {
	if c.CloseFactorBps == 0 || c.CloseFactorBps > 10_000 {
		return fmt.Errorf("close factor must be within (0, 10000] bps, got %d", c.CloseFactorBps)
	}
	if c.LiquidationIncentiveBps < 10_000 {
		return fmt.Errorf("liquidation incentive must be at least 10000 bps, got %d", c.LiquidationIncentiveBps)
	}
	if c.DefaultMatchingBudget == 0 {
		return fmt.Errorf("default matching budget must be positive")
	}
	if c.InsertScanDepth == 0 {
		return fmt.Errorf("insert scan depth must be positive")
	}
	for _, market := range c.Markets {
		if !common.IsHexAddress(market.Address) {
			return fmt.Errorf("invalid market address %q", market.Address)
		}
		if market.CollateralFactorBps > 10_000 {
			return fmt.Errorf("market %s: collateral factor above 10000 bps", market.Address)
		}
		if market.ReserveFactorBps > 10_000 {
			return fmt.Errorf("market %s: reserve factor above 10000 bps", market.Address)
		}
		if market.P2PCursorBps > 10_000 {
			return fmt.Errorf("market %s: p2p cursor above 10000 bps", market.Address)
		}
	}
	return nil
}

// RiskParameters extracts the engine-wide liquidation settings.
func (c Config) RiskParameters() RiskParameters {
	return RiskParameters{
		CloseFactorBps:          c.CloseFactorBps,
		LiquidationIncentiveBps: c.LiquidationIncentiveBps,
	}
}

// Params converts the market entry to its address and creation parameters.
func (m MarketConfig) Params() (common.Address, MarketParams) {
	return common.HexToAddress(m.Address), MarketParams{
		CollateralFactorBps: m.CollateralFactorBps,
		ReserveFactorBps:    m.ReserveFactorBps,
		P2PCursorBps:        m.P2PCursorBps,
		NoP2P:               m.NoP2P,
	}
}

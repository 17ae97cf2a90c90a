package lending

import "math/big"

// RiskConfig captures the runtime configuration for the borrow module.
type RiskConfig struct {
	// CloseFactorBps bounds the fraction of a position's debt a single
	// liquidation call may repay.
	CloseFactorBps uint64 `toml:"CloseFactorBps"`
	// ReserveFactorBps is the share of accrued interest routed to reserves.
	ReserveFactorBps uint64 `toml:"ReserveFactorBps"`
	// MinDebtWei is the dust floor: a resulting positive debt below this
	// value is rejected.
	MinDebtWei *big.Int `toml:"MinDebtWei"`
	// DebtSymbol names the debt unit in the oracle's feed registry.
	DebtSymbol string `toml:"DebtSymbol"`
	// HealthBandBps is the documented slack tolerated between the safe and
	// unsafe health factors under normal oracle conditions. Asserted by
	// tests, not load-bearing at runtime.
	HealthBandBps uint64 `toml:"HealthBandBps"`
}

// EnsureDefaults populates zero-valued fields so downstream arithmetic is
// safe.
func (c *RiskConfig) EnsureDefaults() {
	if c.CloseFactorBps == 0 || c.CloseFactorBps > 10_000 {
		c.CloseFactorBps = 5000
	}
	if c.ReserveFactorBps > 10_000 {
		c.ReserveFactorBps = 10_000
	}
	if c.MinDebtWei == nil {
		c.MinDebtWei = big.NewInt(0)
	}
	if c.DebtSymbol == "" {
		c.DebtSymbol = "MUSD"
	}
	if c.HealthBandBps == 0 {
		c.HealthBandBps = 1000
	}
}

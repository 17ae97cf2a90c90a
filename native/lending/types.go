package lending

import (
	"math/big"

	"musd/crypto"
)

// Ledger captures the global accounting state for the borrow module. Amounts
// are denominated in debt units (wei-scale big integers); the borrow index
// uses ray (1e27) precision.
type Ledger struct {
	// BorrowIndex is the cumulative interest index applied to borrower debt.
	// It never decreases.
	BorrowIndex *big.Int
	// TotalBorrows tracks the outstanding debt units across all accounts,
	// including accrued interest.
	TotalBorrows *big.Int
	// TotalSupply is the debt-unit liquidity made available to borrowers.
	TotalSupply *big.Int
	// Reserves is the share of accrued interest routed to the protocol.
	Reserves *big.Int
	// LastAccrual records the unix time when interest was last applied.
	LastAccrual int64
	// BadDebt is the outstanding debt left uncovered after liquidations.
	BadDebt *big.Int
	// CumulativeBadDebt only ever grows; BadDebt minus coverage never
	// exceeds it.
	CumulativeBadDebt *big.Int
	// BadDebtCovered is the externally funded coverage applied so far.
	BadDebtCovered *big.Int
}

// Clone returns a deep copy of the ledger.
func (l *Ledger) Clone() *Ledger {
	if l == nil {
		return nil
	}
	clone := &Ledger{LastAccrual: l.LastAccrual}
	clone.BorrowIndex = cloneInt(l.BorrowIndex)
	clone.TotalBorrows = cloneInt(l.TotalBorrows)
	clone.TotalSupply = cloneInt(l.TotalSupply)
	clone.Reserves = cloneInt(l.Reserves)
	clone.BadDebt = cloneInt(l.BadDebt)
	clone.CumulativeBadDebt = cloneInt(l.CumulativeBadDebt)
	clone.BadDebtCovered = cloneInt(l.BadDebtCovered)
	return clone
}

// DebtPosition records a borrower's principal together with the borrow index
// observed when the position was last touched. Current debt is
// principal × ledger.BorrowIndex / Index.
type DebtPosition struct {
	Address   crypto.Address
	Principal *big.Int
	Index     *big.Int
}

// Clone returns a deep copy of the position.
func (p *DebtPosition) Clone() *DebtPosition {
	if p == nil {
		return nil
	}
	return &DebtPosition{
		Address:   p.Address,
		Principal: cloneInt(p.Principal),
		Index:     cloneInt(p.Index),
	}
}

// DebtToken is the external debt-currency issuer. Mint is called on borrow,
// Burn on repay and liquidation repay, Transfer for supplier liquidity. The
// issuer enforces its own global supply cap; a capacity rejection surfaces
// as a hard failure of the calling operation.
type DebtToken interface {
	Mint(to crypto.Address, amount *big.Int) error
	Burn(from crypto.Address, amount *big.Int) error
	Transfer(from, to crypto.Address, amount *big.Int) error
}

// PriceSource is the oracle surface the ledger relies on. The safe methods
// may refuse (stale price or deviation breaker); the unsafe ones always
// answer so liquidation checks remain viable.
type PriceSource interface {
	GetPrice(asset string) (*big.Int, error)
	GetPriceUnsafe(asset string) (*big.Int, error)
	ValueUSD(asset string, amount *big.Int) (*big.Int, error)
	ValueUSDUnsafe(asset string, amount *big.Int) (*big.Int, error)
	UnitScale(asset string) (*big.Int, error)
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

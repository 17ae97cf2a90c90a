package lending

import (
	"fmt"
	"math/big"

	"musd/crypto"
	"musd/native/common"
	"musd/native/vault"
	"musd/observability"
)

// Liquidate lets a third party repay part of an unhealthy position in
// exchange for discounted collateral. The liquidation check runs on the raw
// feed path so a tripped deviation breaker cannot freeze insolvent positions.
//
// The repay amount is bounded by the close factor. The seizure equals the
// repaid value plus the asset's liquidation penalty, converted into
// collateral units; when the borrower's deposit cannot cover it, the seizure
// is capped and the unfunded share of the repayment rolls into the bad-debt
// book instead of being charged to the liquidator. The borrower's debt still
// falls by the full repay amount in that case, so the burn taken from the
// liquidator can be smaller than the repay they requested.
func (e *Engine) Liquidate(liquidator, borrower crypto.Address, collateralAsset string, repayAmount *big.Int) error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	release, err := e.guard.Enter()
	if err != nil {
		return err
	}
	defer release()
	if err := common.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if repayAmount == nil || repayAmount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	symbol := normaliseSymbol(collateralAsset)

	ledger, err := e.ensureLedger()
	if err != nil {
		return err
	}
	e.accrue(ledger)

	position, err := e.state.GetPosition(borrower)
	if err != nil {
		return err
	}
	debt := big.NewInt(0)
	if position != nil {
		debt = positionDebt(position.Principal, position.Index, ledger.BorrowIndex)
	}
	if debt.Sign() == 0 {
		observability.LendingMetrics().ObserveRejection("liquidate", "healthy")
		return ErrNotLiquidatable
	}
	hf, err := e.healthFactorForDebt(borrower, debt, true)
	if err != nil {
		return err
	}
	if hf.Cmp(basisPoints) >= 0 {
		observability.LendingMetrics().ObserveRejection("liquidate", "healthy")
		return ErrNotLiquidatable
	}

	closeBound := mulDiv(debt, new(big.Int).SetUint64(e.risk.CloseFactorBps), basisPoints)
	if repayAmount.Cmp(closeBound) > 0 {
		observability.LendingMetrics().ObserveRejection("liquidate", "close_factor")
		return ErrCloseFactorExceeded
	}

	cfg, err := e.vault.Config(symbol)
	if err != nil {
		return err
	}
	if cfg == nil {
		return vault.ErrUnknownAsset
	}

	collateralPrice, err := e.prices.GetPriceUnsafe(symbol)
	if err != nil {
		return err
	}
	collateralScale, err := e.prices.UnitScale(symbol)
	if err != nil {
		return err
	}
	debtPrice, err := e.prices.GetPriceUnsafe(e.risk.DebtSymbol)
	if err != nil {
		return err
	}
	debtScale, err := e.prices.UnitScale(e.risk.DebtSymbol)
	if err != nil {
		return err
	}

	repayValueUSD, err := e.prices.ValueUSDUnsafe(e.risk.DebtSymbol, repayAmount)
	if err != nil {
		return err
	}
	penaltyBps := new(big.Int).SetUint64(10_000 + cfg.LiquidationPenaltyBps)
	seizeValueUSD := mulDiv(repayValueUSD, penaltyBps, basisPoints)
	seizeUnits := mulDiv(seizeValueUSD, collateralScale, collateralPrice)

	deposit, err := e.vault.Deposits(borrower, symbol)
	if err != nil {
		return err
	}

	seized := new(big.Int).Set(seizeUnits)
	shortfallDebt := big.NewInt(0)
	if seized.Cmp(deposit) > 0 {
		seized = new(big.Int).Set(deposit)
		// Value the missing collateral and express it in debt units,
		// dividing the penalty back out so the liquidator is not charged
		// for units they never receive.
		shortfallUnits := new(big.Int).Sub(seizeUnits, deposit)
		shortfallUSD := mulDiv(shortfallUnits, collateralPrice, collateralScale)
		denominator := new(big.Int).Mul(debtPrice, penaltyBps)
		numerator := new(big.Int).Mul(shortfallUSD, debtScale)
		numerator.Mul(numerator, basisPoints)
		shortfallDebt = new(big.Int).Add(numerator, halfUp(denominator))
		shortfallDebt.Quo(shortfallDebt, denominator)
		if shortfallDebt.Cmp(repayAmount) > 0 {
			shortfallDebt = new(big.Int).Set(repayAmount)
		}
	}

	funded := new(big.Int).Sub(repayAmount, shortfallDebt)
	if funded.Sign() > 0 {
		// Pull first: the liquidator's funding settles before any state
		// change.
		if err := e.token.Burn(liquidator, funded); err != nil {
			return fmt.Errorf("lending engine: liquidation burn: %w", err)
		}
	}
	if seized.Sign() > 0 {
		if err := e.vault.Seize(e.moduleAddr, symbol, seized, borrower, liquidator); err != nil {
			// Hand the funding back so a failed seizure has no effect. If the
			// compensating mint fails too, the issuer sits ahead of the book
			// and the error surfaces for operator reconciliation.
			if funded.Sign() > 0 {
				if mintErr := e.token.Mint(liquidator, funded); mintErr != nil {
					return mintErr
				}
			}
			return err
		}
	}

	remaining := new(big.Int).Sub(debt, repayAmount)
	if remaining.Sign() < 0 {
		remaining = big.NewInt(0)
	}
	rolled := big.NewInt(0)
	if remaining.Sign() > 0 {
		bare, err := e.collateralExhausted(borrower)
		if err != nil {
			return err
		}
		if bare {
			// Nothing left to liquidate against; the residual debt moves
			// to the bad-debt book and the position is closed.
			rolled = remaining
			remaining = big.NewInt(0)
		}
	}

	if remaining.Sign() == 0 {
		if err := e.state.DeletePosition(borrower); err != nil {
			return err
		}
	} else {
		updated := &DebtPosition{Address: borrower, Principal: remaining, Index: cloneInt(ledger.BorrowIndex)}
		if err := e.state.PutPosition(updated); err != nil {
			return err
		}
	}

	retired := new(big.Int).Add(repayAmount, rolled)
	ledger.TotalBorrows = new(big.Int).Sub(ledger.TotalBorrows, retired)
	if ledger.TotalBorrows.Sign() < 0 {
		ledger.TotalBorrows = big.NewInt(0)
	}
	newBadDebt := new(big.Int).Add(shortfallDebt, rolled)
	if newBadDebt.Sign() > 0 {
		ledger.BadDebt = new(big.Int).Add(ledger.BadDebt, newBadDebt)
		ledger.CumulativeBadDebt = new(big.Int).Add(ledger.CumulativeBadDebt, newBadDebt)
	}
	if err := e.state.PutLedger(ledger); err != nil {
		return err
	}

	observability.LendingMetrics().ObserveLiquidation()
	observability.LendingMetrics().SetBadDebt(ledger.BadDebt)
	observability.LendingMetrics().ObserveOperation("liquidate", nil)
	e.logger.Info("position liquidated",
		"liquidator", liquidator.String(),
		"borrower", borrower.String(),
		"asset", symbol,
		"repaid", repayAmount.String(),
		"seized", seized.String(),
		"badDebt", newBadDebt.String(),
	)
	return nil
}

// collateralExhausted reports whether the borrower holds no collateral in any
// registered asset. Called after the seizure has been debited, so the vault's
// view is current.
func (e *Engine) collateralExhausted(borrower crypto.Address) (bool, error) {
	assets, err := e.vault.Assets()
	if err != nil {
		return false, err
	}
	for _, asset := range assets {
		deposit, err := e.vault.Deposits(borrower, asset)
		if err != nil {
			return false, err
		}
		if deposit.Sign() > 0 {
			return false, nil
		}
	}
	return true, nil
}

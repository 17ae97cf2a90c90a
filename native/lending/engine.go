package lending

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"strings"
	"time"

	"musd/crypto"
	"musd/native/common"
	"musd/native/vault"
	"musd/observability"
)

var (
	ErrNilState               = errors.New("lending engine: state not configured")
	ErrInvalidAmount          = errors.New("lending engine: amount must be positive")
	ErrInsufficientCollateral = errors.New("lending engine: borrow exceeds collateral capacity")
	ErrBelowMinDebt           = errors.New("lending engine: resulting debt below minimum")
	ErrNoDebtToRepay          = errors.New("lending engine: account has no outstanding debt")
	ErrWithdrawalUnsafe       = errors.New("lending engine: withdrawal would leave position undercollateralised")
	ErrNotLiquidatable        = errors.New("lending engine: position is healthy")
	ErrCloseFactorExceeded    = errors.New("lending engine: repay amount exceeds close factor")
	ErrInsufficientLiquidity  = errors.New("lending engine: insufficient pool liquidity")
	ErrReserveExceeded        = errors.New("lending engine: amount exceeds accumulated reserves")
	ErrBadDebtCoverExceeded   = errors.New("lending engine: coverage exceeds outstanding bad debt")
)

const moduleName = "lending"

func normaliseSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// maxHealthFactorBps is the sentinel health factor reported for accounts with
// zero debt. Any finite comparison against the liquidation threshold treats
// such accounts as unconditionally healthy.
var maxHealthFactorBps = new(big.Int).SetUint64(math.MaxUint64)

// MaxHealthFactorBps returns the sentinel value reported for debt-free
// accounts.
func MaxHealthFactorBps() *big.Int {
	return new(big.Int).Set(maxHealthFactorBps)
}

type engineState interface {
	GetLedger() (*Ledger, error)
	PutLedger(l *Ledger) error
	GetPosition(addr crypto.Address) (*DebtPosition, error)
	PutPosition(p *DebtPosition) error
	DeletePosition(addr crypto.Address) error
	ListPositions() ([]*DebtPosition, error)
}

// CollateralVault is the custody surface the ledger draws collateral facts
// from and instructs on releases. Withdraw and Seize expect the engine's
// module address as caller; the vault checks the matching capability.
type CollateralVault interface {
	Assets() ([]string, error)
	Config(asset string) (*vault.AssetConfig, error)
	Deposits(account crypto.Address, asset string) (*big.Int, error)
	Withdraw(caller crypto.Address, asset string, amount *big.Int, account crypto.Address) error
	Seize(caller crypto.Address, asset string, amount *big.Int, borrower, recipient crypto.Address) error
}

// Engine owns the borrow ledger: per-account debt positions, the interest
// index, pool aggregates, and the bad-debt book. All mutating entry points
// accrue interest first so every decision sees an up-to-date index.
type Engine struct {
	state     engineState
	vault     CollateralVault
	prices    PriceSource
	token     DebtToken
	authority common.Authority

	moduleAddr crypto.Address
	risk       RiskConfig
	model      *InterestModel

	pauses common.PauseView
	guard  common.ReentrancyGuard
	logger *slog.Logger
	now    func() time.Time
}

// NewEngine constructs a borrow engine identified by moduleAddr. The address
// is the capability principal the vault and token recognise for releases.
func NewEngine(moduleAddr crypto.Address, risk RiskConfig) *Engine {
	risk.EnsureDefaults()
	return &Engine{
		moduleAddr: moduleAddr,
		risk:       risk,
		model:      DefaultInterestModel.Clone(),
		logger:     slog.Default(),
		now:        time.Now,
	}
}

// SetState wires the engine to its persistence layer.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetVault wires the collateral custody surface.
func (e *Engine) SetVault(v CollateralVault) { e.vault = v }

// SetPrices wires the oracle surface.
func (e *Engine) SetPrices(p PriceSource) { e.prices = p }

// SetToken wires the external debt-currency issuer.
func (e *Engine) SetToken(t DebtToken) { e.token = t }

// SetAuthority wires the capability checker for gated operations.
func (e *Engine) SetAuthority(a common.Authority) { e.authority = a }

// SetInterestModel replaces the rate curve. A nil model keeps the current one.
func (e *Engine) SetInterestModel(m *InterestModel) {
	if e == nil || m == nil {
		return
	}
	e.model = m.Clone()
}

func (e *Engine) SetPauses(p common.PauseView) {
	if e == nil {
		return
	}
	e.pauses = p
}

func (e *Engine) SetLogger(logger *slog.Logger) {
	if e == nil || logger == nil {
		return
	}
	e.logger = logger
}

// SetNow overrides the engine clock. Used by tests to warp time.
func (e *Engine) SetNow(now func() time.Time) {
	if e == nil || now == nil {
		return
	}
	e.now = now
}

// ModuleAddress returns the capability principal the engine acts under.
func (e *Engine) ModuleAddress() crypto.Address { return e.moduleAddr }

// InterestModel returns a copy of the active rate curve.
func (e *Engine) InterestModel() *InterestModel { return e.model.Clone() }

// RiskParameters returns a copy of the module risk configuration.
func (e *Engine) RiskParameters() RiskConfig {
	cfg := e.risk
	cfg.MinDebtWei = cloneInt(e.risk.MinDebtWei)
	return cfg
}

func (e *Engine) ensureLedger() (*Ledger, error) {
	ledger, err := e.state.GetLedger()
	if err != nil {
		return nil, err
	}
	if ledger == nil {
		ledger = &Ledger{}
	}
	if ledger.BorrowIndex == nil || ledger.BorrowIndex.Sign() == 0 {
		ledger.BorrowIndex = new(big.Int).Set(ray)
	}
	if ledger.TotalBorrows == nil {
		ledger.TotalBorrows = big.NewInt(0)
	}
	if ledger.TotalSupply == nil {
		ledger.TotalSupply = big.NewInt(0)
	}
	if ledger.Reserves == nil {
		ledger.Reserves = big.NewInt(0)
	}
	if ledger.BadDebt == nil {
		ledger.BadDebt = big.NewInt(0)
	}
	if ledger.CumulativeBadDebt == nil {
		ledger.CumulativeBadDebt = big.NewInt(0)
	}
	if ledger.BadDebtCovered == nil {
		ledger.BadDebtCovered = big.NewInt(0)
	}
	return ledger, nil
}

// accrue advances the borrow index and pool aggregates to the current time.
// It mutates the ledger in memory; callers persist it together with their own
// effects. Returns the interest applied.
func (e *Engine) accrue(ledger *Ledger) *big.Int {
	nowUnix := e.now().Unix()
	if ledger.LastAccrual == 0 {
		ledger.LastAccrual = nowUnix
		return big.NewInt(0)
	}
	elapsed := nowUnix - ledger.LastAccrual
	if elapsed <= 0 {
		return big.NewInt(0)
	}
	ledger.LastAccrual = nowUnix
	if ledger.TotalBorrows.Sign() == 0 {
		return big.NewInt(0)
	}
	apr := e.model.BorrowAPR(ledger.TotalBorrows, ledger.TotalSupply)
	interest := e.model.CalculateInterest(ledger.TotalBorrows, ledger.TotalBorrows, ledger.TotalSupply, elapsed)
	if interest.Sign() == 0 {
		return interest
	}
	ledger.BorrowIndex = rayMul(ledger.BorrowIndex, rateFactor(apr, elapsed))
	supplierShare, reserveShare := SplitInterest(interest, e.risk.ReserveFactorBps)
	ledger.TotalBorrows = new(big.Int).Add(ledger.TotalBorrows, interest)
	ledger.TotalSupply = new(big.Int).Add(ledger.TotalSupply, supplierShare)
	ledger.Reserves = new(big.Int).Add(ledger.Reserves, reserveShare)
	observability.LendingMetrics().ObserveInterest(interest)
	return interest
}

// AccrueInterest applies pending interest and persists the ledger. Safe to
// call at any cadence; a zero-elapsed call is a no-op.
func (e *Engine) AccrueInterest() error {
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
	ledger, err := e.ensureLedger()
	if err != nil {
		return err
	}
	interest := e.accrue(ledger)
	if err := e.state.PutLedger(ledger); err != nil {
		return err
	}
	if interest.Sign() > 0 {
		e.logger.Info("interest accrued", "interest", interest.String(), "borrowIndex", ledger.BorrowIndex.String())
	}
	return nil
}

// Borrow issues new debt against the caller's collateral. The debt token is
// minted to the borrower only after the ledger effects are recorded; a mint
// failure rolls the recorded effects back.
func (e *Engine) Borrow(borrower crypto.Address, amount *big.Int) error {
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
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}

	ledger, err := e.ensureLedger()
	if err != nil {
		return err
	}
	e.accrue(ledger)

	available := new(big.Int).Sub(ledger.TotalSupply, ledger.TotalBorrows)
	if available.Cmp(amount) < 0 {
		observability.LendingMetrics().ObserveRejection("borrow", "liquidity")
		return ErrInsufficientLiquidity
	}

	position, err := e.state.GetPosition(borrower)
	if err != nil {
		return err
	}
	currentDebt := big.NewInt(0)
	if position != nil {
		currentDebt = positionDebt(position.Principal, position.Index, ledger.BorrowIndex)
	}
	newDebt := new(big.Int).Add(currentDebt, amount)
	if e.risk.MinDebtWei.Sign() > 0 && newDebt.Cmp(e.risk.MinDebtWei) < 0 {
		observability.LendingMetrics().ObserveRejection("borrow", "min_debt")
		return ErrBelowMinDebt
	}

	capacityUSD, err := e.borrowCapacityUSD(borrower)
	if err != nil {
		return err
	}
	debtValueUSD, err := e.prices.ValueUSD(e.risk.DebtSymbol, newDebt)
	if err != nil {
		return err
	}
	if debtValueUSD.Cmp(capacityUSD) > 0 {
		observability.LendingMetrics().ObserveRejection("borrow", "collateral")
		return ErrInsufficientCollateral
	}

	prevPosition := position.Clone()
	prevLedger := ledger.Clone()

	updated := &DebtPosition{
		Address:   borrower,
		Principal: newDebt,
		Index:     cloneInt(ledger.BorrowIndex),
	}
	ledger.TotalBorrows = new(big.Int).Add(ledger.TotalBorrows, amount)
	if err := e.state.PutPosition(updated); err != nil {
		return err
	}
	if err := e.state.PutLedger(ledger); err != nil {
		return err
	}

	if err := e.token.Mint(borrower, amount); err != nil {
		// Roll back the recorded effects so a rejected mint has no trace.
		// If the restore itself fails the backing store is already losing
		// writes; the error surfaces for operator reconciliation.
		if prevPosition == nil {
			if delErr := e.state.DeletePosition(borrower); delErr != nil {
				return delErr
			}
		} else if putErr := e.state.PutPosition(prevPosition); putErr != nil {
			return putErr
		}
		if putErr := e.state.PutLedger(prevLedger); putErr != nil {
			return putErr
		}
		return fmt.Errorf("lending engine: debt issuer mint: %w", err)
	}

	observability.LendingMetrics().ObserveOperation("borrow", nil)
	e.logger.Info("debt issued",
		"borrower", borrower.String(),
		"amount", amount.String(),
		"debt", newDebt.String(),
	)
	return nil
}

// Repay burns debt tokens from the payer and reduces the borrower's debt.
// Overpayment is clamped to the outstanding debt; the repaid amount is
// returned.
func (e *Engine) Repay(borrower crypto.Address, amount *big.Int) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	release, err := e.guard.Enter()
	if err != nil {
		return nil, err
	}
	defer release()
	if err := common.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}

	ledger, err := e.ensureLedger()
	if err != nil {
		return nil, err
	}
	e.accrue(ledger)

	position, err := e.state.GetPosition(borrower)
	if err != nil {
		return nil, err
	}
	debt := big.NewInt(0)
	if position != nil {
		debt = positionDebt(position.Principal, position.Index, ledger.BorrowIndex)
	}
	if debt.Sign() == 0 {
		observability.LendingMetrics().ObserveRejection("repay", "no_debt")
		return nil, ErrNoDebtToRepay
	}
	repaid := new(big.Int).Set(amount)
	if repaid.Cmp(debt) > 0 {
		repaid = new(big.Int).Set(debt)
	}

	// Pull first: the burn settles before any ledger effect lands.
	if err := e.token.Burn(borrower, repaid); err != nil {
		return nil, fmt.Errorf("lending engine: debt issuer burn: %w", err)
	}

	remaining := new(big.Int).Sub(debt, repaid)
	if remaining.Sign() == 0 {
		if err := e.state.DeletePosition(borrower); err != nil {
			return nil, err
		}
	} else {
		updated := &DebtPosition{Address: borrower, Principal: remaining, Index: cloneInt(ledger.BorrowIndex)}
		if err := e.state.PutPosition(updated); err != nil {
			return nil, err
		}
	}
	ledger.TotalBorrows = new(big.Int).Sub(ledger.TotalBorrows, repaid)
	if ledger.TotalBorrows.Sign() < 0 {
		ledger.TotalBorrows = big.NewInt(0)
	}
	if err := e.state.PutLedger(ledger); err != nil {
		return nil, err
	}

	observability.LendingMetrics().ObserveOperation("repay", nil)
	e.logger.Info("debt repaid", "borrower", borrower.String(), "amount", repaid.String(), "remaining", remaining.String())
	return repaid, nil
}

// WithdrawCollateral releases vault collateral back to the account, refusing
// any withdrawal that would push the post-withdrawal health factor below par.
// Debt-free accounts withdraw freely.
func (e *Engine) WithdrawCollateral(account crypto.Address, asset string, amount *big.Int) error {
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
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}

	ledger, err := e.ensureLedger()
	if err != nil {
		return err
	}
	e.accrue(ledger)

	position, err := e.state.GetPosition(account)
	if err != nil {
		return err
	}
	debt := big.NewInt(0)
	if position != nil {
		debt = positionDebt(position.Principal, position.Index, ledger.BorrowIndex)
	}
	if debt.Sign() > 0 {
		hf, err := e.healthFactorAfterWithdrawal(account, debt, normaliseSymbol(asset), amount, false)
		if err != nil {
			return err
		}
		if hf.Cmp(basisPoints) < 0 {
			observability.LendingMetrics().ObserveRejection("withdraw_collateral", "unsafe")
			return ErrWithdrawalUnsafe
		}
	}
	if err := e.state.PutLedger(ledger); err != nil {
		return err
	}
	if err := e.vault.Withdraw(e.moduleAddr, asset, amount, account); err != nil {
		return err
	}
	observability.LendingMetrics().ObserveOperation("withdraw_collateral", nil)
	return nil
}

// Supply adds pool liquidity on behalf of the external yield wrapper. Gated
// by the supply-management capability; the wrapper keeps the per-depositor
// accounting.
func (e *Engine) Supply(caller crypto.Address, amount *big.Int) error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	if e.authority != nil {
		if err := e.authority.Require(caller, common.CapManageSupply); err != nil {
			return err
		}
	}
	release, err := e.guard.Enter()
	if err != nil {
		return err
	}
	defer release()
	if err := common.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	ledger, err := e.ensureLedger()
	if err != nil {
		return err
	}
	e.accrue(ledger)

	// Pull first, mirroring deposits.
	if err := e.token.Transfer(caller, e.moduleAddr, amount); err != nil {
		return fmt.Errorf("lending engine: liquidity transfer: %w", err)
	}
	ledger.TotalSupply = new(big.Int).Add(ledger.TotalSupply, amount)
	if err := e.state.PutLedger(ledger); err != nil {
		return err
	}
	observability.LendingMetrics().ObserveOperation("supply", nil)
	e.logger.Info("liquidity supplied", "supplier", caller.String(), "amount", amount.String())
	return nil
}

// WithdrawLiquidity removes unborrowed pool liquidity. Gated by the
// supply-management capability.
func (e *Engine) WithdrawLiquidity(caller crypto.Address, amount *big.Int) error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	if e.authority != nil {
		if err := e.authority.Require(caller, common.CapManageSupply); err != nil {
			return err
		}
	}
	release, err := e.guard.Enter()
	if err != nil {
		return err
	}
	defer release()
	if err := common.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	ledger, err := e.ensureLedger()
	if err != nil {
		return err
	}
	e.accrue(ledger)

	available := new(big.Int).Sub(ledger.TotalSupply, ledger.TotalBorrows)
	if available.Cmp(amount) < 0 {
		observability.LendingMetrics().ObserveRejection("withdraw_liquidity", "liquidity")
		return ErrInsufficientLiquidity
	}

	prevLedger := ledger.Clone()
	ledger.TotalSupply = new(big.Int).Sub(ledger.TotalSupply, amount)
	if err := e.state.PutLedger(ledger); err != nil {
		return err
	}
	if err := e.token.Transfer(e.moduleAddr, caller, amount); err != nil {
		if putErr := e.state.PutLedger(prevLedger); putErr != nil {
			return putErr
		}
		return fmt.Errorf("lending engine: liquidity transfer: %w", err)
	}
	observability.LendingMetrics().ObserveOperation("withdraw_liquidity", nil)
	e.logger.Info("liquidity withdrawn", "recipient", caller.String(), "amount", amount.String())
	return nil
}

// WithdrawReserves pays accumulated protocol reserves out to a recipient.
// Gated by the supply-management capability.
func (e *Engine) WithdrawReserves(caller crypto.Address, amount *big.Int, recipient crypto.Address) error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	if e.authority != nil {
		if err := e.authority.Require(caller, common.CapManageSupply); err != nil {
			return err
		}
	}
	release, err := e.guard.Enter()
	if err != nil {
		return err
	}
	defer release()
	if err := common.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	ledger, err := e.ensureLedger()
	if err != nil {
		return err
	}
	e.accrue(ledger)
	if ledger.Reserves.Cmp(amount) < 0 {
		return ErrReserveExceeded
	}

	prevLedger := ledger.Clone()
	ledger.Reserves = new(big.Int).Sub(ledger.Reserves, amount)
	if err := e.state.PutLedger(ledger); err != nil {
		return err
	}
	if err := e.token.Transfer(e.moduleAddr, recipient, amount); err != nil {
		if putErr := e.state.PutLedger(prevLedger); putErr != nil {
			return putErr
		}
		return fmt.Errorf("lending engine: reserve transfer: %w", err)
	}
	observability.LendingMetrics().ObserveOperation("withdraw_reserves", nil)
	e.logger.Info("reserves withdrawn", "recipient", recipient.String(), "amount", amount.String())
	return nil
}

// CoverBadDebt burns externally funded debt tokens from the caller to retire
// outstanding bad debt. Coverage beyond the outstanding amount is rejected.
func (e *Engine) CoverBadDebt(caller crypto.Address, amount *big.Int) error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	if e.authority != nil {
		if err := e.authority.Require(caller, common.CapCoverBadDebt); err != nil {
			return err
		}
	}
	release, err := e.guard.Enter()
	if err != nil {
		return err
	}
	defer release()
	if err := common.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	ledger, err := e.ensureLedger()
	if err != nil {
		return err
	}
	if ledger.BadDebt.Cmp(amount) < 0 {
		return ErrBadDebtCoverExceeded
	}

	// Pull first: funding settles before the book shrinks.
	if err := e.token.Burn(caller, amount); err != nil {
		return fmt.Errorf("lending engine: coverage burn: %w", err)
	}
	ledger.BadDebt = new(big.Int).Sub(ledger.BadDebt, amount)
	ledger.BadDebtCovered = new(big.Int).Add(ledger.BadDebtCovered, amount)
	if err := e.state.PutLedger(ledger); err != nil {
		return err
	}
	observability.LendingMetrics().SetBadDebt(ledger.BadDebt)
	observability.LendingMetrics().ObserveOperation("cover_bad_debt", nil)
	e.logger.Info("bad debt covered", "funder", caller.String(), "amount", amount.String(), "outstanding", ledger.BadDebt.String())
	return nil
}

// TotalDebt reports the account's current debt against the stored index.
// Read-only; pending accrual since the last mutating call is not applied.
func (e *Engine) TotalDebt(account crypto.Address) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	ledger, err := e.ensureLedger()
	if err != nil {
		return nil, err
	}
	position, err := e.state.GetPosition(account)
	if err != nil {
		return nil, err
	}
	if position == nil {
		return big.NewInt(0), nil
	}
	return positionDebt(position.Principal, position.Index, ledger.BorrowIndex), nil
}

// Ledger returns a copy of the global ledger state.
func (e *Engine) Ledger() (*Ledger, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	ledger, err := e.ensureLedger()
	if err != nil {
		return nil, err
	}
	return ledger.Clone(), nil
}

// Position returns a copy of the account's debt position, nil when absent.
func (e *Engine) Position(account crypto.Address) (*DebtPosition, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	position, err := e.state.GetPosition(account)
	if err != nil {
		return nil, err
	}
	return position.Clone(), nil
}

// HealthFactor reports the account's health in basis points using the safe
// oracle path. 10000 is par; debt-free accounts report the sentinel maximum.
func (e *Engine) HealthFactor(account crypto.Address) (*big.Int, error) {
	return e.healthFactor(account, false)
}

// HealthFactorUnsafe mirrors HealthFactor on the raw feed path so the figure
// stays available while the deviation breaker is tripped.
func (e *Engine) HealthFactorUnsafe(account crypto.Address) (*big.Int, error) {
	return e.healthFactor(account, true)
}

func (e *Engine) healthFactor(account crypto.Address, unsafePrices bool) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	ledger, err := e.ensureLedger()
	if err != nil {
		return nil, err
	}
	position, err := e.state.GetPosition(account)
	if err != nil {
		return nil, err
	}
	debt := big.NewInt(0)
	if position != nil {
		debt = positionDebt(position.Principal, position.Index, ledger.BorrowIndex)
	}
	return e.healthFactorForDebt(account, debt, unsafePrices)
}

func (e *Engine) healthFactorForDebt(account crypto.Address, debt *big.Int, unsafePrices bool) (*big.Int, error) {
	if debt == nil || debt.Sign() == 0 {
		return MaxHealthFactorBps(), nil
	}
	weighted, err := e.weightedCollateralUSD(account, unsafePrices, "", nil)
	if err != nil {
		return nil, err
	}
	debtValue, err := e.debtValueUSD(debt, unsafePrices)
	if err != nil {
		return nil, err
	}
	if debtValue.Sign() == 0 {
		return MaxHealthFactorBps(), nil
	}
	return mulDiv(weighted, basisPoints, debtValue), nil
}

func (e *Engine) healthFactorAfterWithdrawal(account crypto.Address, debt *big.Int, asset string, amount *big.Int, unsafePrices bool) (*big.Int, error) {
	weighted, err := e.weightedCollateralUSD(account, unsafePrices, asset, amount)
	if err != nil {
		return nil, err
	}
	debtValue, err := e.debtValueUSD(debt, unsafePrices)
	if err != nil {
		return nil, err
	}
	if debtValue.Sign() == 0 {
		return MaxHealthFactorBps(), nil
	}
	return mulDiv(weighted, basisPoints, debtValue), nil
}

func (e *Engine) debtValueUSD(debt *big.Int, unsafePrices bool) (*big.Int, error) {
	if unsafePrices {
		return e.prices.ValueUSDUnsafe(e.risk.DebtSymbol, debt)
	}
	return e.prices.ValueUSD(e.risk.DebtSymbol, debt)
}

// borrowCapacityUSD sums collateral value weighted by each asset's collateral
// factor, on the safe price path.
func (e *Engine) borrowCapacityUSD(account crypto.Address) (*big.Int, error) {
	return e.collateralUSD(account, false, "", nil, func(cfg *vault.AssetConfig) uint64 {
		return cfg.CollateralFactorBps
	})
}

// weightedCollateralUSD sums collateral value weighted by each asset's
// liquidation threshold. When deduct is set, the deduction is applied to that
// asset's deposit before weighting (post-withdrawal simulation).
func (e *Engine) weightedCollateralUSD(account crypto.Address, unsafePrices bool, deductAsset string, deduct *big.Int) (*big.Int, error) {
	return e.collateralUSD(account, unsafePrices, deductAsset, deduct, func(cfg *vault.AssetConfig) uint64 {
		return cfg.LiquidationThresholdBps
	})
}

func (e *Engine) collateralUSD(account crypto.Address, unsafePrices bool, deductAsset string, deduct *big.Int, weight func(*vault.AssetConfig) uint64) (*big.Int, error) {
	assets, err := e.vault.Assets()
	if err != nil {
		return nil, err
	}
	total := big.NewInt(0)
	for _, asset := range assets {
		cfg, err := e.vault.Config(asset)
		if err != nil {
			return nil, err
		}
		if cfg == nil {
			continue
		}
		bps := weight(cfg)
		if bps == 0 {
			continue
		}
		deposit, err := e.vault.Deposits(account, asset)
		if err != nil {
			return nil, err
		}
		if deductAsset != "" && asset == deductAsset && deduct != nil {
			deposit = new(big.Int).Sub(deposit, deduct)
			if deposit.Sign() < 0 {
				return nil, vault.ErrInsufficientBalance
			}
		}
		if deposit.Sign() == 0 {
			continue
		}
		var value *big.Int
		if unsafePrices {
			value, err = e.prices.ValueUSDUnsafe(asset, deposit)
		} else {
			value, err = e.prices.ValueUSD(asset, deposit)
		}
		if err != nil {
			return nil, err
		}
		weighted := mulDiv(value, new(big.Int).SetUint64(bps), basisPoints)
		total.Add(total, weighted)
	}
	return total, nil
}

package vault

import (
	"errors"
	"log/slog"
	"math/big"
	"strings"

	"musd/crypto"
	"musd/native/common"
	"musd/observability"
)

var (
	ErrNilState            = errors.New("collateral vault: state not configured")
	ErrInvalidAmount       = errors.New("collateral vault: amount must be positive")
	ErrUnknownAsset        = errors.New("collateral vault: asset not registered")
	ErrInvalidRiskConfig   = errors.New("collateral vault: invalid risk configuration")
	ErrInsufficientBalance = errors.New("collateral vault: amount exceeds recorded deposit")
)

const moduleName = "vault"

var basisPoints = big.NewInt(10_000)

// AssetConfig groups the per-asset risk parameters. A disabled asset keeps
// its entry with CollateralFactorBps set to zero; entries are never removed.
type AssetConfig struct {
	Symbol                  string
	CollateralFactorBps     uint64
	LiquidationThresholdBps uint64
	LiquidationPenaltyBps   uint64
	UnitScale               *big.Int
}

// Clone returns a deep copy of the asset configuration.
func (c *AssetConfig) Clone() *AssetConfig {
	if c == nil {
		return nil
	}
	clone := &AssetConfig{
		Symbol:                  c.Symbol,
		CollateralFactorBps:     c.CollateralFactorBps,
		LiquidationThresholdBps: c.LiquidationThresholdBps,
		LiquidationPenaltyBps:   c.LiquidationPenaltyBps,
	}
	if c.UnitScale != nil {
		clone.UnitScale = new(big.Int).Set(c.UnitScale)
	}
	return clone
}

// Bank abstracts the external collateral asset transfers. Implementations
// must either complete the transfer or return an error with no effect.
type Bank interface {
	Transfer(asset string, from, to crypto.Address, amount *big.Int) error
}

type vaultState interface {
	GetAssetConfig(symbol string) (*AssetConfig, error)
	PutAssetConfig(cfg *AssetConfig) error
	ListAssets() ([]string, error)
	GetDeposit(addr crypto.Address, symbol string) (*big.Int, error)
	PutDeposit(addr crypto.Address, symbol string, amount *big.Int) error
	GetCustody(symbol string) (*big.Int, error)
	PutCustody(symbol string, amount *big.Int) error
}

// Vault custodies deposited collateral per account per asset and owns the
// per-asset risk parameters. Withdrawals and seizures are capability-gated;
// the borrow module performs the solvency check before calling them.
type Vault struct {
	state       vaultState
	bank        Bank
	custodyAddr crypto.Address
	authority   common.Authority
	pauses      common.PauseView
	guard       common.ReentrancyGuard
	logger      *slog.Logger
}

func NewVault(custodyAddr crypto.Address, authority common.Authority) *Vault {
	return &Vault{custodyAddr: custodyAddr, authority: authority, logger: slog.Default()}
}

// SetState wires the vault to its persistence layer.
func (v *Vault) SetState(state vaultState) { v.state = state }

// SetBank wires the external collateral transfer surface.
func (v *Vault) SetBank(bank Bank) { v.bank = bank }

func (v *Vault) SetPauses(p common.PauseView) {
	if v == nil {
		return
	}
	v.pauses = p
}

func (v *Vault) SetLogger(logger *slog.Logger) {
	if v == nil || logger == nil {
		return
	}
	v.logger = logger
}

func normaliseSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// RegisterAsset creates or updates the risk parameters for an asset.
// Re-registration is allowed so governance can tune parameters in place;
// whether that retroactively affects open positions is the caller's policy.
func (v *Vault) RegisterAsset(caller crypto.Address, cfg AssetConfig) error {
	if v == nil || v.state == nil {
		return ErrNilState
	}
	if v.authority != nil {
		if err := v.authority.Require(caller, common.CapConfigureAsset); err != nil {
			return err
		}
	}
	symbol := normaliseSymbol(cfg.Symbol)
	if symbol == "" {
		return ErrUnknownAsset
	}
	if cfg.LiquidationThresholdBps < cfg.CollateralFactorBps {
		return ErrInvalidRiskConfig
	}
	if cfg.CollateralFactorBps > 10_000 || cfg.LiquidationThresholdBps > 10_000 || cfg.LiquidationPenaltyBps > 10_000 {
		return ErrInvalidRiskConfig
	}
	if cfg.UnitScale == nil || cfg.UnitScale.Sign() <= 0 {
		return ErrInvalidRiskConfig
	}
	stored := cfg.Clone()
	stored.Symbol = symbol
	if err := v.state.PutAssetConfig(stored); err != nil {
		return err
	}
	v.logger.Info("vault asset registered",
		"asset", symbol,
		"collateralFactorBps", cfg.CollateralFactorBps,
		"liquidationThresholdBps", cfg.LiquidationThresholdBps,
		"liquidationPenaltyBps", cfg.LiquidationPenaltyBps,
	)
	return nil
}

// Deposit pulls collateral from the caller into custody and credits their
// balance. Anyone may deposit for themselves, including into a disabled
// asset (it simply carries no borrowing power).
func (v *Vault) Deposit(caller crypto.Address, asset string, amount *big.Int) error {
	if v == nil || v.state == nil {
		return ErrNilState
	}
	release, err := v.guard.Enter()
	if err != nil {
		return err
	}
	defer release()
	if err := common.Guard(v.pauses, moduleName); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	symbol := normaliseSymbol(asset)
	cfg, err := v.state.GetAssetConfig(symbol)
	if err != nil {
		return err
	}
	if cfg == nil {
		return ErrUnknownAsset
	}

	deposit, err := v.state.GetDeposit(caller, symbol)
	if err != nil {
		return err
	}
	custody, err := v.state.GetCustody(symbol)
	if err != nil {
		return err
	}

	// Pull first: the credit only lands when the external transfer
	// succeeded, and the reentrancy guard keeps callbacks out.
	if v.bank != nil {
		if err := v.bank.Transfer(symbol, caller, v.custodyAddr, amount); err != nil {
			return err
		}
	}

	if err := v.state.PutDeposit(caller, symbol, new(big.Int).Add(deposit, amount)); err != nil {
		return err
	}
	if err := v.state.PutCustody(symbol, new(big.Int).Add(custody, amount)); err != nil {
		return err
	}
	observability.LendingMetrics().ObserveDeposit(symbol)
	v.logger.Info("collateral deposited", "account", caller.String(), "asset", symbol, "amount", amount.String())
	return nil
}

// Withdraw debits the account's balance and releases collateral from
// custody. Only the borrow module holds the withdraw capability; it is
// responsible for the health check before delegating here.
func (v *Vault) Withdraw(caller crypto.Address, asset string, amount *big.Int, account crypto.Address) error {
	return v.release(caller, common.CapVaultWithdraw, asset, amount, account, account, "collateral withdrawn")
}

// Seize debits the borrower's balance and transfers the collateral to the
// liquidator. Gated by the seize capability held by the liquidation path.
func (v *Vault) Seize(caller crypto.Address, asset string, amount *big.Int, borrower, recipient crypto.Address) error {
	return v.release(caller, common.CapVaultSeize, asset, amount, borrower, recipient, "collateral seized")
}

func (v *Vault) release(caller crypto.Address, cap common.Capability, asset string, amount *big.Int, debit, recipient crypto.Address, event string) error {
	if v == nil || v.state == nil {
		return ErrNilState
	}
	if v.authority != nil {
		if err := v.authority.Require(caller, cap); err != nil {
			return err
		}
	}
	release, err := v.guard.Enter()
	if err != nil {
		return err
	}
	defer release()
	if err := common.Guard(v.pauses, moduleName); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	symbol := normaliseSymbol(asset)
	cfg, err := v.state.GetAssetConfig(symbol)
	if err != nil {
		return err
	}
	if cfg == nil {
		return ErrUnknownAsset
	}

	deposit, err := v.state.GetDeposit(debit, symbol)
	if err != nil {
		return err
	}
	if deposit.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	custody, err := v.state.GetCustody(symbol)
	if err != nil {
		return err
	}
	if custody.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}

	if err := v.state.PutDeposit(debit, symbol, new(big.Int).Sub(deposit, amount)); err != nil {
		return err
	}
	if err := v.state.PutCustody(symbol, new(big.Int).Sub(custody, amount)); err != nil {
		return err
	}

	// Internal balances are final before the external transfer: a callback
	// on the receiving side observes consistent post-state.
	if v.bank != nil {
		if err := v.bank.Transfer(symbol, v.custodyAddr, recipient, amount); err != nil {
			// Restore the staged debits so a rejected transfer has no effect.
			if putErr := v.state.PutDeposit(debit, symbol, deposit); putErr != nil {
				return putErr
			}
			if putErr := v.state.PutCustody(symbol, custody); putErr != nil {
				return putErr
			}
			return err
		}
	}
	v.logger.Info(event, "account", debit.String(), "recipient", recipient.String(), "asset", symbol, "amount", amount.String())
	return nil
}

// Deposits returns the recorded balance for (account, asset).
func (v *Vault) Deposits(account crypto.Address, asset string) (*big.Int, error) {
	if v == nil || v.state == nil {
		return nil, ErrNilState
	}
	return v.state.GetDeposit(account, normaliseSymbol(asset))
}

// Custody returns the custodied total for an asset.
func (v *Vault) Custody(asset string) (*big.Int, error) {
	if v == nil || v.state == nil {
		return nil, ErrNilState
	}
	return v.state.GetCustody(normaliseSymbol(asset))
}

// Config returns the risk parameters for an asset, nil when unregistered.
func (v *Vault) Config(asset string) (*AssetConfig, error) {
	if v == nil || v.state == nil {
		return nil, ErrNilState
	}
	cfg, err := v.state.GetAssetConfig(normaliseSymbol(asset))
	if err != nil {
		return nil, err
	}
	return cfg.Clone(), nil
}

// Assets lists the registered asset symbols.
func (v *Vault) Assets() ([]string, error) {
	if v == nil || v.state == nil {
		return nil, ErrNilState
	}
	return v.state.ListAssets()
}

package token

import (
	"errors"
	"math/big"
	"sync"

	"musd/crypto"
)

var (
	ErrNilState            = errors.New("token: state not configured")
	ErrInvalidAmount       = errors.New("token: amount must be positive")
	ErrInsufficientBalance = errors.New("token: insufficient balance")
	ErrSupplyCapExceeded   = errors.New("token: mint exceeds supply cap")
)

type tokenState interface {
	GetBalance(addr crypto.Address) (*big.Int, error)
	PutBalance(addr crypto.Address, amount *big.Int) error
	GetSupply() (*big.Int, error)
	PutSupply(amount *big.Int) error
}

// Token is the debt-currency issuer. The handle itself is the authority:
// whoever holds it may mint and burn, so it is only ever handed to the borrow
// engine and operator tooling. A configured supply cap bounds total issuance.
type Token struct {
	mu        sync.Mutex
	state     tokenState
	symbol    string
	supplyCap *big.Int
}

// NewToken constructs an issuer for symbol. A nil or non-positive cap leaves
// the supply unbounded.
func NewToken(symbol string, supplyCap *big.Int) *Token {
	t := &Token{symbol: symbol}
	if supplyCap != nil && supplyCap.Sign() > 0 {
		t.supplyCap = new(big.Int).Set(supplyCap)
	}
	return t
}

// SetState wires the issuer to its persistence layer.
func (t *Token) SetState(state tokenState) { t.state = state }

// Symbol returns the token symbol.
func (t *Token) Symbol() string { return t.symbol }

// Mint credits freshly issued units to the recipient, rejecting any issuance
// that would push total supply over the cap.
func (t *Token) Mint(to crypto.Address, amount *big.Int) error {
	if t == nil || t.state == nil {
		return ErrNilState
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	supply, err := t.state.GetSupply()
	if err != nil {
		return err
	}
	newSupply := new(big.Int).Add(supply, amount)
	if t.supplyCap != nil && newSupply.Cmp(t.supplyCap) > 0 {
		return ErrSupplyCapExceeded
	}
	balance, err := t.state.GetBalance(to)
	if err != nil {
		return err
	}
	if err := t.state.PutBalance(to, new(big.Int).Add(balance, amount)); err != nil {
		return err
	}
	return t.state.PutSupply(newSupply)
}

// Burn destroys units held by the account.
func (t *Token) Burn(from crypto.Address, amount *big.Int) error {
	if t == nil || t.state == nil {
		return ErrNilState
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	balance, err := t.state.GetBalance(from)
	if err != nil {
		return err
	}
	if balance.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	supply, err := t.state.GetSupply()
	if err != nil {
		return err
	}
	if err := t.state.PutBalance(from, new(big.Int).Sub(balance, amount)); err != nil {
		return err
	}
	newSupply := new(big.Int).Sub(supply, amount)
	if newSupply.Sign() < 0 {
		newSupply = big.NewInt(0)
	}
	return t.state.PutSupply(newSupply)
}

// Transfer moves units between accounts without touching total supply.
func (t *Token) Transfer(from, to crypto.Address, amount *big.Int) error {
	if t == nil || t.state == nil {
		return ErrNilState
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	fromBalance, err := t.state.GetBalance(from)
	if err != nil {
		return err
	}
	if fromBalance.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	toBalance, err := t.state.GetBalance(to)
	if err != nil {
		return err
	}
	if err := t.state.PutBalance(from, new(big.Int).Sub(fromBalance, amount)); err != nil {
		return err
	}
	return t.state.PutBalance(to, new(big.Int).Add(toBalance, amount))
}

// BalanceOf returns the account balance.
func (t *Token) BalanceOf(addr crypto.Address) (*big.Int, error) {
	if t == nil || t.state == nil {
		return nil, ErrNilState
	}
	return t.state.GetBalance(addr)
}

// TotalSupply returns the outstanding issuance.
func (t *Token) TotalSupply() (*big.Int, error) {
	if t == nil || t.state == nil {
		return nil, ErrNilState
	}
	return t.state.GetSupply()
}

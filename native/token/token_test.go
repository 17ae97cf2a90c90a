package token

import (
	"errors"
	"math/big"
	"testing"

	"musd/crypto"
	"musd/storage"
)

func testAddress(suffix byte) crypto.Address {
	raw := make([]byte, 20)
	raw[len(raw)-1] = suffix
	return crypto.NewAddress(crypto.AccountPrefix, raw)
}

func newTestToken(cap *big.Int) *Token {
	t := NewToken("MUSD", cap)
	t.SetState(NewStore(storage.NewMemDB(), "MUSD"))
	return t
}

func TestMintBurnRoundTrip(t *testing.T) {
	tok := newTestToken(nil)
	alice := testAddress(0x01)

	if err := tok.Mint(alice, big.NewInt(1000)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	supply, err := tok.TotalSupply()
	if err != nil {
		t.Fatalf("supply: %v", err)
	}
	if supply.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("supply: got %s", supply)
	}

	if err := tok.Burn(alice, big.NewInt(400)); err != nil {
		t.Fatalf("burn: %v", err)
	}
	balance, err := tok.BalanceOf(alice)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Cmp(big.NewInt(600)) != 0 {
		t.Fatalf("balance: got %s", balance)
	}

	if err := tok.Burn(alice, big.NewInt(601)); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("overburn should fail, got %v", err)
	}
}

func TestSupplyCap(t *testing.T) {
	tok := newTestToken(big.NewInt(1000))
	alice := testAddress(0x01)

	if err := tok.Mint(alice, big.NewInt(900)); err != nil {
		t.Fatalf("mint under cap: %v", err)
	}
	if err := tok.Mint(alice, big.NewInt(101)); !errors.Is(err, ErrSupplyCapExceeded) {
		t.Fatalf("mint over cap should fail, got %v", err)
	}
	// Burning frees headroom.
	if err := tok.Burn(alice, big.NewInt(500)); err != nil {
		t.Fatalf("burn: %v", err)
	}
	if err := tok.Mint(alice, big.NewInt(600)); err != nil {
		t.Fatalf("mint after burn: %v", err)
	}
}

func TestTransfer(t *testing.T) {
	tok := newTestToken(nil)
	alice, bob := testAddress(0x01), testAddress(0x02)

	if err := tok.Mint(alice, big.NewInt(100)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := tok.Transfer(alice, bob, big.NewInt(30)); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if err := tok.Transfer(alice, bob, big.NewInt(71)); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("overdraw should fail, got %v", err)
	}
	bobBalance, _ := tok.BalanceOf(bob)
	if bobBalance.Cmp(big.NewInt(30)) != 0 {
		t.Fatalf("bob balance: got %s", bobBalance)
	}
	supply, _ := tok.TotalSupply()
	if supply.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("transfer must not change supply, got %s", supply)
	}
}

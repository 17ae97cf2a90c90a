package oracle

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"musd/crypto"
	"musd/native/common"
)

var wad = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

func usd(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), wad)
}

func testAddress(suffix byte) crypto.Address {
	raw := make([]byte, 20)
	raw[len(raw)-1] = suffix
	return crypto.NewAddress(crypto.AccountPrefix, raw)
}

func newTestOracle(t *testing.T) (*Oracle, *ManualFeed, crypto.Address, func(time.Time)) {
	t.Helper()
	admin := testAddress(0x01)
	roles := common.NewRoleStore()
	roles.Grant(admin, common.CapSetFeed)
	roles.Grant(admin, common.CapResetPrice)

	clock := time.Unix(1_700_000_000, 0)
	o := NewOracle(roles)
	o.SetNow(func() time.Time { return clock })

	feed := NewManualFeed()
	feed.Set(usd(2000), clock)
	if err := o.SetFeed(admin, "ETH", feed, FeedConfig{
		Heartbeat:       time.Hour,
		MaxDeviationBps: 2000,
		UnitScale:       wad,
	}); err != nil {
		t.Fatalf("set feed: %v", err)
	}
	warp := func(to time.Time) { clock = to }
	return o, feed, admin, warp
}

func TestSetFeedValidation(t *testing.T) {
	o, feed, admin, _ := newTestOracle(t)

	if err := o.SetFeed(admin, "ETH", nil, FeedConfig{Heartbeat: time.Hour, UnitScale: wad}); !errors.Is(err, ErrInvalidFeed) {
		t.Fatalf("nil feed should fail, got %v", err)
	}
	if err := o.SetFeed(admin, "ETH", feed, FeedConfig{Heartbeat: 0, UnitScale: wad}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("zero heartbeat should fail, got %v", err)
	}
	intruder := testAddress(0x02)
	if err := o.SetFeed(intruder, "ETH", feed, FeedConfig{Heartbeat: time.Hour, UnitScale: wad}); !errors.Is(err, common.ErrUnauthorized) {
		t.Fatalf("unauthorized caller should fail, got %v", err)
	}
}

func TestGetPriceStaleness(t *testing.T) {
	o, _, _, warp := newTestOracle(t)

	price, err := o.GetPrice("ETH")
	if err != nil {
		t.Fatalf("fresh price: %v", err)
	}
	if price.Cmp(usd(2000)) != 0 {
		t.Fatalf("unexpected price: %s", price)
	}

	warp(time.Unix(1_700_000_000, 0).Add(2 * time.Hour))
	if _, err := o.GetPrice("ETH"); !errors.Is(err, ErrStalePrice) {
		t.Fatalf("expected stale price, got %v", err)
	}
	// The unsafe path keeps answering.
	raw, err := o.GetPriceUnsafe("ETH")
	if err != nil {
		t.Fatalf("unsafe price during staleness: %v", err)
	}
	if raw.Cmp(usd(2000)) != 0 {
		t.Fatalf("unexpected unsafe price: %s", raw)
	}
}

func TestDeviationBreakerAndReset(t *testing.T) {
	o, feed, admin, _ := newTestOracle(t)
	base := time.Unix(1_700_000_000, 0)

	if _, err := o.GetPrice("ETH"); err != nil {
		t.Fatalf("baseline read: %v", err)
	}

	// A crash from $2000 to $500 exceeds the 20% bound and trips the breaker.
	feed.Set(usd(500), base)
	if _, err := o.GetPrice("ETH"); !errors.Is(err, ErrPriceDeviation) {
		t.Fatalf("expected deviation, got %v", err)
	}
	if got := o.LastKnownPrice("ETH"); got.Cmp(usd(2000)) != 0 {
		t.Fatalf("last known price must not advance on rejection: %s", got)
	}

	raw, err := o.GetPriceUnsafe("ETH")
	if err != nil || raw.Cmp(usd(500)) != 0 {
		t.Fatalf("unsafe path during breaker: %s %v", raw, err)
	}

	if err := o.ResetLastKnownPrice(admin, "ETH"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	price, err := o.GetPrice("ETH")
	if err != nil {
		t.Fatalf("price after reset: %v", err)
	}
	if price.Cmp(usd(500)) != 0 {
		t.Fatalf("unexpected price after reset: %s", price)
	}
}

func TestResetFailsWhenStale(t *testing.T) {
	o, _, admin, warp := newTestOracle(t)
	warp(time.Unix(1_700_000_000, 0).Add(3 * time.Hour))
	if err := o.ResetLastKnownPrice(admin, "ETH"); !errors.Is(err, ErrStalePrice) {
		t.Fatalf("expected stale reset failure, got %v", err)
	}
}

func TestValueUSDProportional(t *testing.T) {
	o, _, _, _ := newTestOracle(t)

	one, err := o.ValueUSD("ETH", wad)
	if err != nil {
		t.Fatalf("value 1 unit: %v", err)
	}
	hundred, err := o.ValueUSD("ETH", new(big.Int).Mul(big.NewInt(100), wad))
	if err != nil {
		t.Fatalf("value 100 units: %v", err)
	}
	want := new(big.Int).Mul(one, big.NewInt(100))
	if hundred.Cmp(want) != 0 {
		t.Fatalf("value not proportional: 1->%s 100->%s", one, hundred)
	}
}

func TestFeedHardFailure(t *testing.T) {
	o, feed, _, _ := newTestOracle(t)
	feed.Fail(errors.New("feed offline"))
	if _, err := o.GetPriceUnsafe("ETH"); err == nil {
		t.Fatalf("expected hard feed failure on unsafe path")
	}
	if _, err := o.GetPrice("ETH"); err == nil {
		t.Fatalf("expected hard feed failure on safe path")
	}
}

func TestUnknownAsset(t *testing.T) {
	o, _, _, _ := newTestOracle(t)
	if _, err := o.GetPrice("BTC"); !errors.Is(err, ErrUnknownAsset) {
		t.Fatalf("expected unknown asset, got %v", err)
	}
}

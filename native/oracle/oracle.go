package oracle

import (
	"errors"
	"math/big"
	"strings"
	"sync"
	"time"

	"musd/crypto"
	"musd/native/common"
	"musd/observability"
)

var (
	ErrUnknownAsset   = errors.New("price oracle: asset not configured")
	ErrStalePrice     = errors.New("price oracle: feed update older than heartbeat")
	ErrPriceDeviation = errors.New("price oracle: price deviates beyond configured bound")
	ErrInvalidFeed    = errors.New("price oracle: feed not configured")
	ErrInvalidConfig  = errors.New("price oracle: invalid feed configuration")
	ErrFeedFailure    = errors.New("price oracle: feed returned invalid price")
)

var basisPoints = big.NewInt(10_000)

// Feed supplies the latest observation for a single asset. Prices are
// denominated in USD with 1e18 precision.
type Feed interface {
	Latest() (price *big.Int, updatedAt time.Time, err error)
}

// FeedConfig bounds how a feed's observations are accepted on the safe read
// path.
type FeedConfig struct {
	// Heartbeat is the maximum accepted age of a feed observation.
	Heartbeat time.Duration
	// MaxDeviationBps bounds the relative jump from the last accepted price.
	MaxDeviationBps uint64
	// UnitScale is 10^decimals of the asset, used when valuing amounts.
	UnitScale *big.Int
}

type assetFeed struct {
	feed           Feed
	cfg            FeedConfig
	lastKnownPrice *big.Int
	lastAccepted   time.Time
}

// Oracle ingests external price feeds and layers staleness and deviation
// containment on top. GetPrice is the circuit-broken safe path; the unsafe
// variants always answer so liquidation health checks stay viable while the
// breaker is tripped.
type Oracle struct {
	mu        sync.RWMutex
	now       func() time.Time
	authority common.Authority
	assets    map[string]*assetFeed
}

func NewOracle(authority common.Authority) *Oracle {
	return &Oracle{
		now:       time.Now,
		authority: authority,
		assets:    make(map[string]*assetFeed),
	}
}

// SetNow overrides the clock source, used by tests to warp time.
func (o *Oracle) SetNow(now func() time.Time) {
	if o == nil || now == nil {
		return
	}
	o.mu.Lock()
	o.now = now
	o.mu.Unlock()
}

func normaliseSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// SetFeed registers or replaces the feed configuration for an asset. The
// current price is not retroactively validated against the new bounds.
func (o *Oracle) SetFeed(caller crypto.Address, asset string, feed Feed, cfg FeedConfig) error {
	if o == nil {
		return ErrInvalidFeed
	}
	if o.authority != nil {
		if err := o.authority.Require(caller, common.CapSetFeed); err != nil {
			return err
		}
	}
	symbol := normaliseSymbol(asset)
	if symbol == "" {
		return ErrUnknownAsset
	}
	if feed == nil {
		return ErrInvalidFeed
	}
	if cfg.Heartbeat <= 0 || cfg.UnitScale == nil || cfg.UnitScale.Sign() <= 0 {
		return ErrInvalidConfig
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	existing := o.assets[symbol]
	entry := &assetFeed{feed: feed, cfg: FeedConfig{
		Heartbeat:       cfg.Heartbeat,
		MaxDeviationBps: cfg.MaxDeviationBps,
		UnitScale:       new(big.Int).Set(cfg.UnitScale),
	}}
	if existing != nil {
		entry.lastKnownPrice = existing.lastKnownPrice
		entry.lastAccepted = existing.lastAccepted
	}
	o.assets[symbol] = entry
	return nil
}

// GetPrice reads the feed through the circuit breaker. A stale observation or
// a jump beyond the deviation bound halts this path without poisoning the
// cached last known price.
func (o *Oracle) GetPrice(asset string) (*big.Int, error) {
	if o == nil {
		return nil, ErrUnknownAsset
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	entry, ok := o.assets[normaliseSymbol(asset)]
	if !ok {
		return nil, ErrUnknownAsset
	}
	price, updatedAt, err := readFeed(entry.feed)
	if err != nil {
		return nil, err
	}
	if o.now().Sub(updatedAt) > entry.cfg.Heartbeat {
		observability.LendingMetrics().ObserveBreakerTrip("stale")
		return nil, ErrStalePrice
	}
	if entry.lastKnownPrice != nil && entry.lastKnownPrice.Sign() > 0 && entry.cfg.MaxDeviationBps > 0 {
		if exceedsDeviation(price, entry.lastKnownPrice, entry.cfg.MaxDeviationBps) {
			observability.LendingMetrics().ObserveBreakerTrip("deviation")
			return nil, ErrPriceDeviation
		}
	}
	entry.lastKnownPrice = new(big.Int).Set(price)
	entry.lastAccepted = updatedAt
	return new(big.Int).Set(price), nil
}

// GetPriceUnsafe returns the raw feed value, failing only on hard feed
// failure. Health checks during a breaker event rely on this path.
func (o *Oracle) GetPriceUnsafe(asset string) (*big.Int, error) {
	if o == nil {
		return nil, ErrUnknownAsset
	}
	o.mu.RLock()
	entry, ok := o.assets[normaliseSymbol(asset)]
	o.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownAsset
	}
	price, _, err := readFeed(entry.feed)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(price), nil
}

// ValueUSD prices an asset amount through the safe path. The result is
// exactly proportional in amount for a fixed price.
func (o *Oracle) ValueUSD(asset string, amount *big.Int) (*big.Int, error) {
	price, err := o.GetPrice(asset)
	if err != nil {
		return nil, err
	}
	return o.scaleValue(asset, price, amount)
}

// ValueUSDUnsafe prices an asset amount through the raw path.
func (o *Oracle) ValueUSDUnsafe(asset string, amount *big.Int) (*big.Int, error) {
	price, err := o.GetPriceUnsafe(asset)
	if err != nil {
		return nil, err
	}
	return o.scaleValue(asset, price, amount)
}

// ResetLastKnownPrice re-baselines the deviation reference after a
// legitimate large move. The fresh read must still satisfy the heartbeat.
func (o *Oracle) ResetLastKnownPrice(caller crypto.Address, asset string) error {
	if o == nil {
		return ErrUnknownAsset
	}
	if o.authority != nil {
		if err := o.authority.Require(caller, common.CapResetPrice); err != nil {
			return err
		}
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	entry, ok := o.assets[normaliseSymbol(asset)]
	if !ok {
		return ErrUnknownAsset
	}
	price, updatedAt, err := readFeed(entry.feed)
	if err != nil {
		return err
	}
	if o.now().Sub(updatedAt) > entry.cfg.Heartbeat {
		return ErrStalePrice
	}
	entry.lastKnownPrice = new(big.Int).Set(price)
	entry.lastAccepted = updatedAt
	return nil
}

// LastKnownPrice returns the cached deviation reference, nil when unset.
func (o *Oracle) LastKnownPrice(asset string) *big.Int {
	if o == nil {
		return nil
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	entry, ok := o.assets[normaliseSymbol(asset)]
	if !ok || entry.lastKnownPrice == nil {
		return nil
	}
	return new(big.Int).Set(entry.lastKnownPrice)
}

// UnitScale returns the configured unit scale for the asset.
func (o *Oracle) UnitScale(asset string) (*big.Int, error) {
	if o == nil {
		return nil, ErrUnknownAsset
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	entry, ok := o.assets[normaliseSymbol(asset)]
	if !ok {
		return nil, ErrUnknownAsset
	}
	return new(big.Int).Set(entry.cfg.UnitScale), nil
}

func (o *Oracle) scaleValue(asset string, price, amount *big.Int) (*big.Int, error) {
	if amount == nil || amount.Sign() < 0 {
		return big.NewInt(0), nil
	}
	o.mu.RLock()
	entry, ok := o.assets[normaliseSymbol(asset)]
	o.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownAsset
	}
	value := new(big.Int).Mul(price, amount)
	return value.Quo(value, entry.cfg.UnitScale), nil
}

func readFeed(feed Feed) (*big.Int, time.Time, error) {
	price, updatedAt, err := feed.Latest()
	if err != nil {
		return nil, time.Time{}, err
	}
	if price == nil || price.Sign() <= 0 {
		return nil, time.Time{}, ErrFeedFailure
	}
	return price, updatedAt, nil
}

func exceedsDeviation(price, reference *big.Int, boundBps uint64) bool {
	diff := new(big.Int).Sub(price, reference)
	diff.Abs(diff)
	lhs := diff.Mul(diff, basisPoints)
	rhs := new(big.Int).Mul(reference, new(big.Int).SetUint64(boundBps))
	return lhs.Cmp(rhs) > 0
}

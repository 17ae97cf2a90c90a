package oracle

import (
	"math/big"
	"sync"
	"time"
)

// ManualFeed provides an in-memory feed implementation used for tests and
// manual overrides during incident response.
type ManualFeed struct {
	mu        sync.RWMutex
	price     *big.Int
	updatedAt time.Time
	err       error
}

func NewManualFeed() *ManualFeed {
	return &ManualFeed{}
}

// Set records the supplied observation.
func (m *ManualFeed) Set(price *big.Int, updatedAt time.Time) {
	if m == nil || price == nil {
		return
	}
	m.mu.Lock()
	m.price = new(big.Int).Set(price)
	m.updatedAt = updatedAt
	m.err = nil
	m.mu.Unlock()
}

// Fail makes subsequent reads return the supplied error.
func (m *ManualFeed) Fail(err error) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

func (m *ManualFeed) Latest() (*big.Int, time.Time, error) {
	if m == nil {
		return nil, time.Time{}, ErrInvalidFeed
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.err != nil {
		return nil, time.Time{}, m.err
	}
	if m.price == nil {
		return nil, time.Time{}, ErrFeedFailure
	}
	return new(big.Int).Set(m.price), m.updatedAt, nil
}

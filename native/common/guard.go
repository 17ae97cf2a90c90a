package common

import (
	"errors"
	"sync"
)

var ErrModulePaused = errors.New("module paused")

// ErrReentrantCall is returned when a mutating entry point is invoked while
// another mutating call on the same module is still in flight.
var ErrReentrantCall = errors.New("reentrant call rejected")

type PauseView interface {
	IsPaused(module string) bool
}

func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}

// ReentrancyGuard rejects nested mutating calls instead of blocking on them.
// A callback triggered by an external transfer that re-enters the module
// fails fast with ErrReentrantCall rather than observing in-flight state.
type ReentrancyGuard struct {
	mu   sync.Mutex
	busy bool
}

// Enter marks the guard as busy. The caller must invoke the returned release
// function exactly once, typically via defer.
func (g *ReentrancyGuard) Enter() (func(), error) {
	g.mu.Lock()
	if g.busy {
		g.mu.Unlock()
		return nil, ErrReentrantCall
	}
	g.busy = true
	g.mu.Unlock()
	return func() {
		g.mu.Lock()
		g.busy = false
		g.mu.Unlock()
	}, nil
}

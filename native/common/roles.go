package common

import (
	"errors"
	"sync"

	"musd/crypto"
)

// Capability names a privileged action a caller may be granted.
type Capability string

const (
	CapConfigureAsset Capability = "vault.configureAsset"
	CapVaultWithdraw  Capability = "vault.withdraw"
	CapVaultSeize     Capability = "vault.seize"
	CapSetFeed        Capability = "oracle.setFeed"
	CapResetPrice     Capability = "oracle.resetPrice"
	CapCoverBadDebt   Capability = "lending.coverBadDebt"
	CapManageSupply   Capability = "lending.manageSupply"
)

// ErrUnauthorized is returned when a caller lacks the required capability.
var ErrUnauthorized = errors.New("caller lacks required capability")

// Authority answers whether a caller holds a capability.
type Authority interface {
	Require(caller crypto.Address, cap Capability) error
}

// RoleStore is an explicit assignment of capabilities to addresses. Grants
// are managed out of band by the operator; the store itself performs no
// self-service escalation.
type RoleStore struct {
	mu     sync.RWMutex
	grants map[string]map[Capability]struct{}
}

func NewRoleStore() *RoleStore {
	return &RoleStore{grants: make(map[string]map[Capability]struct{})}
}

// Grant assigns a capability to the address.
func (r *RoleStore) Grant(addr crypto.Address, cap Capability) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	key := string(addr.Bytes())
	if r.grants[key] == nil {
		r.grants[key] = make(map[Capability]struct{})
	}
	r.grants[key][cap] = struct{}{}
}

// Revoke removes a capability from the address.
func (r *RoleStore) Revoke(addr crypto.Address, cap Capability) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if caps := r.grants[string(addr.Bytes())]; caps != nil {
		delete(caps, cap)
	}
}

// Require returns ErrUnauthorized unless the address holds the capability.
func (r *RoleStore) Require(addr crypto.Address, cap Capability) error {
	if r == nil {
		return ErrUnauthorized
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if caps := r.grants[string(addr.Bytes())]; caps != nil {
		if _, ok := caps[cap]; ok {
			return nil
		}
	}
	return ErrUnauthorized
}

// Package connregistry is the connection registry (spec §4.2): at most
// one live adapter per (user_id, exchange_id), with a double-checked-lock
// guard against duplicate creation and a distinguished leader descriptor
// slot.
//
// Grounded on the double-checked-locking cache in
// _examples/monjeychiang-DES-V2/.../internal/gateway/manager.go, narrowed
// to the spec's requirements: no LRU eviction, no idle/health tickers —
// this registry gives adapters process lifetime, closed only at shutdown.
// The leader-slot special case is grounded on
// _examples/original_source/core/exchange_manager.py.
package connregistry

import (
	"context"
	"fmt"
	"log"
	"sync"

	"copycore/internal/adapter"
	"copycore/internal/model"
)

// entry holds one cached live adapter.
type entry struct {
	adapter adapter.Adapter
}

// Registry is the process-wide connection cache.
type Registry struct {
	mu       sync.RWMutex
	entries  map[string]*entry
	factory  *adapter.FactoryRegistry
	leader   *model.Account
}

// New builds a registry backed by the given closed factory registry.
func New(factory *adapter.FactoryRegistry) *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		factory: factory,
	}
}

// SetLeader installs the process-wide leader descriptor. Called once at
// startup; read-only thereafter. An invalid descriptor (missing
// credentials) clears the slot and logs critically, matching
// set_leader_api_info's validation.
func (r *Registry) SetLeader(acct model.Account) {
	if acct.UserID == "" || acct.ExchangeID == "" || acct.APIKey == "" || acct.APISecret == "" {
		log.Printf("❌ connregistry: leader descriptor missing required fields, leader slot left unset")
		r.mu.Lock()
		r.leader = nil
		r.mu.Unlock()
		return
	}
	acct.UserID = model.LeaderUserID
	r.mu.Lock()
	r.leader = &acct
	r.mu.Unlock()
}

func cacheKey(userID, exchangeID string) string {
	return userID + "_" + exchangeID
}

// GetAdapter returns the cached live adapter for descriptor, or builds,
// connects and caches a new one. A special user_id == "leader" token
// resolves against the stored leader descriptor instead of the one
// passed in (mirroring get_adapter's substitution for "leader").
//
// On connect failure the half-built adapter is closed and (nil, err) is
// returned; nothing is cached on failure.
func (r *Registry) GetAdapter(ctx context.Context, descriptor model.Account) (adapter.Adapter, error) {
	acctToUse := descriptor
	if descriptor.UserID == model.LeaderUserID {
		r.mu.RLock()
		leader := r.leader
		r.mu.RUnlock()
		if leader == nil {
			log.Printf("❌ connregistry: leader adapter requested but no leader descriptor is set")
			return nil, fmt.Errorf("connregistry: leader descriptor not set")
		}
		acctToUse = *leader
	} else if acctToUse.APIKey == "" || acctToUse.APISecret == "" {
		return nil, fmt.Errorf("connregistry: incomplete follower descriptor for %s", acctToUse.UserID)
	}

	key := cacheKey(acctToUse.UserID, acctToUse.ExchangeID)

	r.mu.RLock()
	if e, ok := r.entries[key]; ok {
		r.mu.RUnlock()
		return e.adapter, nil
	}
	r.mu.RUnlock()

	return r.createAdapter(ctx, key, acctToUse)
}

func (r *Registry) createAdapter(ctx context.Context, key string, acct model.Account) (adapter.Adapter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring the write lock.
	if e, ok := r.entries[key]; ok {
		return e.adapter, nil
	}

	a, err := r.factory.Build(acct)
	if err != nil {
		return nil, fmt.Errorf("build adapter %s: %w", key, err)
	}
	if err := a.Connect(ctx); err != nil {
		_ = a.Close(ctx)
		return nil, fmt.Errorf("connect adapter %s: %w", key, err)
	}

	r.entries[key] = &entry{adapter: a}
	log.Printf("🔐 connregistry: adapter connected and cached: %s", key)
	return a, nil
}

// CloseAll closes every cached adapter and clears the registry.
// Individual close failures are logged, never propagated.
func (r *Registry) CloseAll(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	log.Printf("🔄 connregistry: closing %d cached adapter(s)", len(r.entries))
	for key, e := range r.entries {
		if err := e.adapter.Close(ctx); err != nil {
			log.Printf("❌ connregistry: close %s: %v", key, err)
		}
	}
	r.entries = make(map[string]*entry)
}

/*
Package store provides the in-memory Store and ProfileStore
implementations, used by tests and local development.

CONCURRENCY:
  A unit of work holds a per-profile lock for its whole duration, so two
  units of work on the same profile never interleave. Work on different
  profiles proceeds in parallel. Rollback is simulated with a snapshot of
  the profile's state taken before the callback runs.

SEE ALSO:
  - store/sqlite for the production implementation
*/
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hoangthanh168/clippizo/credits"
)

// =============================================================================
// MEMORY STORE
// =============================================================================

type Memory struct {
	mu           sync.RWMutex
	sources      map[string][]credits.CreditSource      // by profile, creation order
	transactions map[string][]credits.CreditTransaction // by profile, append order
	profiles     map[string]credits.Profile

	lockMu       sync.Mutex
	profileLocks map[string]*sync.Mutex
}

func NewMemory() *Memory {
	return &Memory{
		sources:      make(map[string][]credits.CreditSource),
		transactions: make(map[string][]credits.CreditTransaction),
		profiles:     make(map[string]credits.Profile),
		profileLocks: make(map[string]*sync.Mutex),
	}
}

func (m *Memory) profileLock(profileID string) *sync.Mutex {
	m.lockMu.Lock()
	defer m.lockMu.Unlock()
	l, ok := m.profileLocks[profileID]
	if !ok {
		l = &sync.Mutex{}
		m.profileLocks[profileID] = l
	}
	return l
}

// =============================================================================
// STORE - Reads
// =============================================================================

func (m *Memory) ActiveSources(_ context.Context, profileID string, now time.Time) ([]credits.CreditSource, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeSourcesLocked(profileID, now), nil
}

func (m *Memory) activeSourcesLocked(profileID string, now time.Time) []credits.CreditSource {
	var active []credits.CreditSource
	for _, src := range m.sources[profileID] {
		if src.Amount > 0 && !src.Expired(now) {
			active = append(active, src)
		}
	}
	sortConsumptionOrder(active)
	return active
}

// sortConsumptionOrder arranges sources pack-first, then soonest expiry,
// then creation time as a stable tie-break.
func sortConsumptionOrder(sources []credits.CreditSource) {
	sort.SliceStable(sources, func(i, j int) bool {
		a, b := sources[i], sources[j]
		if a.Type != b.Type {
			return a.Type == credits.SourcePack
		}
		if !a.ExpiresAt.Equal(b.ExpiresAt) {
			return a.ExpiresAt.Before(b.ExpiresAt)
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
}

func (m *Memory) TransactionHistory(_ context.Context, profileID string, f credits.TransactionFilter) ([]credits.CreditTransaction, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []credits.CreditTransaction
	for _, tx := range m.transactions[profileID] {
		if f.Type != "" && tx.Type != f.Type {
			continue
		}
		matched = append(matched, tx)
	}

	// Newest first: append order is chronological.
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	if f.Offset >= total {
		return nil, total, nil
	}
	matched = matched[f.Offset:]
	if f.Limit > 0 && f.Limit < len(matched) {
		matched = matched[:f.Limit]
	}
	out := make([]credits.CreditTransaction, len(matched))
	copy(out, matched)
	return out, total, nil
}

// =============================================================================
// UNIT OF WORK
// =============================================================================

// WithProfile runs fn serialized against other units of work on the same
// profile, with snapshot rollback on error.
func (m *Memory) WithProfile(_ context.Context, profileID string, fn func(credits.UnitOfWork) error) error {
	lock := m.profileLock(profileID)
	lock.Lock()
	defer lock.Unlock()

	snapshot := m.snapshotProfile(profileID)

	uow := &memoryUOW{parent: m, profileID: profileID}
	if err := fn(uow); err != nil {
		m.restoreProfile(profileID, snapshot)
		return err
	}
	return nil
}

type profileSnapshot struct {
	sources      []credits.CreditSource
	transactions []credits.CreditTransaction
}

func (m *Memory) snapshotProfile(profileID string) profileSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return profileSnapshot{
		sources:      append([]credits.CreditSource{}, m.sources[profileID]...),
		transactions: append([]credits.CreditTransaction{}, m.transactions[profileID]...),
	}
}

func (m *Memory) restoreProfile(profileID string, s profileSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sources[profileID] = s.sources
	m.transactions[profileID] = s.transactions
}

type memoryUOW struct {
	parent    *Memory
	profileID string
}

func (u *memoryUOW) ActiveSources(_ context.Context, now time.Time) ([]credits.CreditSource, error) {
	u.parent.mu.RLock()
	defer u.parent.mu.RUnlock()
	return u.parent.activeSourcesLocked(u.profileID, now), nil
}

func (u *memoryUOW) CreateSource(_ context.Context, src credits.CreditSource) error {
	u.parent.mu.Lock()
	defer u.parent.mu.Unlock()
	u.parent.sources[u.profileID] = append(u.parent.sources[u.profileID], src)
	return nil
}

func (u *memoryUOW) SetSourceAmount(_ context.Context, sourceID string, amount int64) error {
	u.parent.mu.Lock()
	defer u.parent.mu.Unlock()

	srcs := u.parent.sources[u.profileID]
	for i := range srcs {
		if srcs[i].ID == sourceID {
			srcs[i].Amount = amount
			srcs[i].UpdatedAt = time.Now().UTC()
			return nil
		}
	}
	return fmt.Errorf("set amount on %s: %w", sourceID, credits.ErrSourceNotFound)
}

func (u *memoryUOW) ZeroActiveSources(_ context.Context, now time.Time) (int, error) {
	u.parent.mu.Lock()
	defer u.parent.mu.Unlock()

	cleared := 0
	srcs := u.parent.sources[u.profileID]
	for i := range srcs {
		if srcs[i].Amount > 0 && !srcs[i].Expired(now) {
			srcs[i].Amount = 0
			srcs[i].UpdatedAt = time.Now().UTC()
			cleared++
		}
	}
	return cleared, nil
}

func (u *memoryUOW) AppendTransaction(_ context.Context, tx credits.CreditTransaction) error {
	u.parent.mu.Lock()
	defer u.parent.mu.Unlock()
	u.parent.transactions[u.profileID] = append(u.parent.transactions[u.profileID], tx)
	return nil
}

func (u *memoryUOW) EnrichTransactionMetadata(_ context.Context, transactionID string, metadata map[string]any) error {
	u.parent.mu.Lock()
	defer u.parent.mu.Unlock()

	txs := u.parent.transactions[u.profileID]
	for i := range txs {
		if txs[i].ID == transactionID {
			merged := make(map[string]any, len(txs[i].Metadata)+len(metadata))
			for k, v := range txs[i].Metadata {
				merged[k] = v
			}
			for k, v := range metadata {
				merged[k] = v
			}
			txs[i].Metadata = merged
			return nil
		}
	}
	return fmt.Errorf("enrich %s: %w", transactionID, credits.ErrTransactionNotFound)
}

// =============================================================================
// PROFILE STORE
// =============================================================================

func (m *Memory) Profile(_ context.Context, id string) (credits.Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.profiles[id]
	if !ok {
		return credits.Profile{}, fmt.Errorf("profile %s: %w", id, credits.ErrProfileNotFound)
	}
	return p, nil
}

// PutProfile inserts or replaces a profile. Test and bootstrap helper.
func (m *Memory) PutProfile(_ context.Context, p credits.Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[p.ID] = p
	return nil
}

func (m *Memory) UpdateSubscription(_ context.Context, id string, plan string, status credits.SubscriptionStatus, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[id]
	if !ok {
		return fmt.Errorf("update subscription for %s: %w", id, credits.ErrProfileNotFound)
	}
	p.Plan = plan
	p.SubscriptionStatus = status
	p.SubscriptionExpiresAt = expiresAt
	m.profiles[id] = p
	return nil
}

func (m *Memory) ExpiringSubscriptions(_ context.Context, cutoff time.Time) ([]credits.Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var expiring []credits.Profile
	for _, p := range m.profiles {
		if !p.SubscriptionExpiresAt.IsZero() && !p.SubscriptionExpiresAt.After(cutoff) {
			expiring = append(expiring, p)
		}
	}
	sort.Slice(expiring, func(i, j int) bool {
		return expiring[i].SubscriptionExpiresAt.Before(expiring[j].SubscriptionExpiresAt)
	})
	return expiring, nil
}

// memory.go - In-memory RecordStore for tests and development.

package payments

import (
	"context"
	"sort"
	"sync"
)

type recordKey struct {
	provider      string
	transactionID string
}

// MemoryRecords is an in-memory RecordStore.
type MemoryRecords struct {
	mu      sync.RWMutex
	records map[recordKey]PaymentRecord
}

func NewMemoryRecords() *MemoryRecords {
	return &MemoryRecords{records: make(map[recordKey]PaymentRecord)}
}

func (m *MemoryRecords) SaveRecord(_ context.Context, r PaymentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := recordKey{provider: r.Provider, transactionID: r.ProviderTransactionID}
	if _, exists := m.records[k]; exists {
		return ErrDuplicatePayment
	}
	m.records[k] = r
	return nil
}

func (m *MemoryRecords) RecordExists(_ context.Context, provider, providerTransactionID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, exists := m.records[recordKey{provider: provider, transactionID: providerTransactionID}]
	return exists, nil
}

func (m *MemoryRecords) PaymentRecords(_ context.Context, profileID string) ([]PaymentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []PaymentRecord
	for _, r := range m.records {
		if r.ProfileID == profileID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

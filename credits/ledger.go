/*
ledger.go - Append-only transaction log

PURPOSE:
  The ledger is the audit trail for every balance-affecting event. It holds
  no business logic: allocation, consumption, expiration, and forfeiture all
  write their own entries through the unit of work; this file is the reader
  plus a thin standalone writer for adjustments.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: entries are never updated or deleted. The one exception is
     the metadata enrichment in the pack finalize flow, which must not touch
     amount or balanceAfter.
  2. SNAPSHOT: balanceAfter is recorded at write time and never recomputed.
     Under serializable execution it equals the sum of active sources
     immediately after the entry.
*/
package credits

import (
	"context"
	"time"

	"github.com/google/uuid"
)

const (
	defaultHistoryLimit = 20
	defaultRecentLimit  = 10
)

// TransactionData is the caller-supplied portion of a ledger entry.
type TransactionData struct {
	Type         TransactionType
	Amount       int64
	BalanceAfter int64
	Operation    string
	SourceID     string
	Description  string
	Metadata     map[string]any
}

// HistoryPage is one page of transaction history.
type HistoryPage struct {
	Transactions []CreditTransaction
	Total        int
	HasMore      bool
}

// Ledger reads and writes the transaction log.
type Ledger struct {
	Store Store
}

func NewLedger(store Store) *Ledger {
	return &Ledger{Store: store}
}

// CreateTransaction appends a single ledger entry outside any wider
// operation. Engine components writing alongside source mutations use
// newTransaction + UnitOfWork.AppendTransaction instead, so the entry and
// the mutation commit together.
func (l *Ledger) CreateTransaction(ctx context.Context, profileID string, data TransactionData) (CreditTransaction, error) {
	tx := newTransaction(profileID, data)
	err := l.Store.WithProfile(ctx, profileID, func(uow UnitOfWork) error {
		return uow.AppendTransaction(ctx, tx)
	})
	if err != nil {
		return CreditTransaction{}, err
	}
	return tx, nil
}

// TransactionHistory returns a filtered page of entries, newest first.
func (l *Ledger) TransactionHistory(ctx context.Context, profileID string, f TransactionFilter) (HistoryPage, error) {
	if f.Limit <= 0 {
		f.Limit = defaultHistoryLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	txs, total, err := l.Store.TransactionHistory(ctx, profileID, f)
	if err != nil {
		return HistoryPage{}, err
	}

	return HistoryPage{
		Transactions: txs,
		Total:        total,
		HasMore:      f.Offset+len(txs) < total,
	}, nil
}

// RecentTransactions is a thin wrapper over TransactionHistory.
func (l *Ledger) RecentTransactions(ctx context.Context, profileID string, limit int) ([]CreditTransaction, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	page, err := l.TransactionHistory(ctx, profileID, TransactionFilter{Limit: limit})
	if err != nil {
		return nil, err
	}
	return page.Transactions, nil
}

// newTransaction stamps id, timestamp, and a non-nil metadata map.
func newTransaction(profileID string, data TransactionData) CreditTransaction {
	metadata := data.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	return CreditTransaction{
		ID:           uuid.NewString(),
		ProfileID:    profileID,
		Type:         data.Type,
		Amount:       data.Amount,
		BalanceAfter: data.BalanceAfter,
		Operation:    data.Operation,
		SourceID:     data.SourceID,
		Description:  data.Description,
		Metadata:     metadata,
		CreatedAt:    time.Now().UTC(),
	}
}

/*
store.go - Persistence interfaces for sources, transactions, and profiles

PURPOSE:
  Defines the contract between the engine and the database. Reads are
  available directly on Store; every mutation requires an active UnitOfWork,
  obtained only through WithProfile. "Forgot to wrap it in a transaction" is
  therefore a compile-time error, not a runtime race.

ATOMICITY & ISOLATION:
  WithProfile executes fn as one atomic unit of work serialized against any
  concurrent unit of work on the SAME profile. Two concurrent consumptions
  must not both observe the same pre-deduction balance. Operations on
  different profiles are independent and may run in parallel.

  The unit of work touches local storage only. Payment verification and any
  other network work must complete before WithProfile begins; the
  transaction is short-lived to keep lock contention down.

ORDERING CONTRACT:
  ActiveSources returns non-expired, positive-amount sources in consumption
  order: pack sources before monthly sources, and within a type ascending
  ExpiresAt (soonest-expiring first). Both implementations must reproduce
  this exactly - the consumption engine walks the slice as returned.

IMPLEMENTATIONS:
  - credits/store/memory.go: in-memory, for tests and development
  - store/sqlite: production SQLite

SEE ALSO:
  - consumption.go: the hot path exercising the ordering contract
  - ledger.go: read side of the transaction log
*/
package credits

import (
	"context"
	"time"
)

// =============================================================================
// UNIT OF WORK - The only holder of mutating operations
// =============================================================================

// UnitOfWork is an active, profile-scoped atomic transaction. All reads
// within it observe a consistent snapshot; all writes commit together when
// the WithProfile callback returns nil, and roll back entirely when it
// returns an error. Partial state (source created but transaction not
// logged, or vice versa) is never observable.
type UnitOfWork interface {
	// ActiveSources returns the profile's non-expired, positive-amount
	// sources at now, in consumption order (pack first, then soonest
	// expiry). See the ordering contract in the package notes above.
	ActiveSources(ctx context.Context, now time.Time) ([]CreditSource, error)

	// CreateSource inserts a new grant.
	CreateSource(ctx context.Context, src CreditSource) error

	// SetSourceAmount updates a source's remaining balance. The engine only
	// ever decrements; amounts never go negative or above InitialAmount.
	SetSourceAmount(ctx context.Context, sourceID string, amount int64) error

	// ZeroActiveSources sets every non-expired, positive-amount source for
	// the profile to zero in one bulk update, returning how many sources
	// were cleared.
	ZeroActiveSources(ctx context.Context, now time.Time) (int, error)

	// AppendTransaction writes a ledger entry. Entries are write-once.
	AppendTransaction(ctx context.Context, tx CreditTransaction) error

	// EnrichTransactionMetadata replaces the metadata of an existing ledger
	// entry. This is the single sanctioned post-create mutation, used to
	// attach late-arriving payment confirmation details; it must not alter
	// amount or balanceAfter.
	EnrichTransactionMetadata(ctx context.Context, transactionID string, metadata map[string]any) error
}

// =============================================================================
// STORE - Reads plus the transactional entry point
// =============================================================================

// TransactionFilter narrows and pages a transaction history query.
type TransactionFilter struct {
	Type   TransactionType // empty = all types
	Limit  int
	Offset int
}

// Store is the credit source + transaction repository. Reads may be called
// directly; mutations go through WithProfile.
type Store interface {
	// ActiveSources is the read-path twin of UnitOfWork.ActiveSources,
	// with the same ordering contract.
	ActiveSources(ctx context.Context, profileID string, now time.Time) ([]CreditSource, error)

	// TransactionHistory returns ledger entries for a profile, newest
	// first, plus the total count matching the filter (ignoring paging).
	TransactionHistory(ctx context.Context, profileID string, f TransactionFilter) ([]CreditTransaction, int, error)

	// WithProfile runs fn as one atomic unit of work serialized per
	// profile. fn returning an error rolls everything back and the error
	// is returned unchanged.
	WithProfile(ctx context.Context, profileID string, fn func(UnitOfWork) error) error
}

// =============================================================================
// PROFILE STORE - Subscription state collaborator
// =============================================================================

// ProfileStore reads and writes the subscription fields the engine depends
// on. Writes happen only through the subscription lifecycle layer.
type ProfileStore interface {
	// Profile returns the profile or ErrProfileNotFound.
	Profile(ctx context.Context, id string) (Profile, error)

	// UpdateSubscription overwrites the profile's subscription fields.
	UpdateSubscription(ctx context.Context, id string, plan string, status SubscriptionStatus, expiresAt time.Time) error

	// ExpiringSubscriptions returns profiles whose subscription expiry is
	// set and not after the cutoff. Used by the external sweep caller.
	ExpiringSubscriptions(ctx context.Context, cutoff time.Time) ([]Profile, error)
}

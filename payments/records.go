/*
Package payments bridges external payment providers to the credits
ledger.

PURPOSE:
  Translates provider webhook notifications (order paid, subscription
  activated/canceled/revoked) into ledger operations, and keeps a record
  of every processed payment so a redelivered webhook never grants
  credits twice.

KEY CONCEPTS:
  - PaymentRecord: one processed provider notification. Uniqueness on
    (provider, provider transaction id) is the idempotency boundary for
    everything that grants credits.
  - Event: a closed set of webhook event types (see events.go).

SEE ALSO:
  - events.go: the event union and dispatcher
  - subscription.go: subscription activation and renewal
*/
package payments

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrDuplicatePayment signals a provider transaction that was already
// processed. Callers treat it as success with no side effects.
var ErrDuplicatePayment = errors.New("payment already processed")

// RecordKind distinguishes one-time orders from subscription charges.
type RecordKind string

const (
	KindOrder        RecordKind = "order"
	KindSubscription RecordKind = "subscription"
)

// PaymentRecord is one processed provider notification.
type PaymentRecord struct {
	ID                    string
	ProfileID             string
	Provider              string
	ProviderTransactionID string
	OrderID               string
	Kind                  RecordKind
	Amount                decimal.Decimal
	Currency              string
	CreatedAt             time.Time
}

// RecordStore persists payment records. SaveRecord must fail with
// ErrDuplicatePayment when (provider, provider transaction id) was seen
// before; that failure is what makes webhook redelivery safe.
type RecordStore interface {
	SaveRecord(ctx context.Context, r PaymentRecord) error
	RecordExists(ctx context.Context, provider, providerTransactionID string) (bool, error)
}

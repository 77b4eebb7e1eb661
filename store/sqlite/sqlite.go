/*
Package sqlite provides the SQLite-backed implementation of the storage
interfaces.

PURPOSE:
  Implements all persistence interfaces (credits.Store,
  credits.ProfileStore, payments.RecordStore) using SQLite. In
  production, the same patterns apply to PostgreSQL - only minor SQL
  dialect differences.

INTERFACES IMPLEMENTED:
  credits.Store:        Credit sources + append-only transaction log
  credits.ProfileStore: Subscription state per profile
  payments.RecordStore: Processed-payment dedup records

APPEND-ONLY ENFORCEMENT:
  The transaction log is write-once:
  - No UPDATE on amount/balance_after, ever
  - No DELETE on credit_transactions
  - The single sanctioned mutation is metadata enrichment during pack
    purchase finalization, and it touches metadata_json only

KEY TABLES:
  credit_sources:      Grants contributing to the balance. Never deleted;
                       expiry is a query filter (expires_at > now)
  credit_transactions: Immutable ledger of all balance changes
  profiles:            Subscription status the engine gates on
  payment_records:     UNIQUE(provider, provider_transaction_id) makes
                       webhook redelivery idempotent

CONCURRENCY:
  A unit of work holds a per-profile mutex for its duration, on top of a
  database transaction opened BEGIN IMMEDIATE (the _txlock=immediate DSN
  option), so the write lock is taken up front rather than on first
  write. Two units of work on the same profile are fully serialized;
  different profiles run in parallel. With PostgreSQL the per-profile
  lock would be replaced by SELECT ... FOR UPDATE.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/credits.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - credits/store.go: interface definitions and the ordering contract
  - credits/store/memory.go: in-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/hoangthanh168/clippizo/credits"
	"github.com/hoangthanh168/clippizo/payments"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB

	lockMu       sync.Mutex
	profileLocks map[string]*sync.Mutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Each pooled connection to ":memory:" gets its own empty
		// database, so pin the pool to a single connection.
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db, profileLocks: make(map[string]*sync.Mutex)}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Credit sources (grants; never deleted, expiry is a query filter)
	CREATE TABLE IF NOT EXISTS credit_sources (
		id TEXT PRIMARY KEY,
		profile_id TEXT NOT NULL,
		type TEXT NOT NULL,
		amount INTEGER NOT NULL,
		initial_amount INTEGER NOT NULL,
		expires_at TEXT NOT NULL,
		pack_id TEXT,
		billing_cycle_start TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		CHECK (amount >= 0),
		CHECK (amount <= initial_amount)
	);

	-- Hot path: active sources per profile in consumption order
	CREATE INDEX IF NOT EXISTS idx_sources_profile_active
		ON credit_sources(profile_id, expires_at)
		WHERE amount > 0;

	-- Credit transactions (append-only ledger)
	CREATE TABLE IF NOT EXISTS credit_transactions (
		id TEXT PRIMARY KEY,
		profile_id TEXT NOT NULL,
		type TEXT NOT NULL,
		amount INTEGER NOT NULL,
		balance_after INTEGER NOT NULL,
		operation TEXT,
		source_id TEXT,
		description TEXT,
		metadata_json TEXT,
		created_at TEXT NOT NULL
	);

	-- History queries: newest first per profile
	CREATE INDEX IF NOT EXISTS idx_transactions_profile_created
		ON credit_transactions(profile_id, created_at DESC);

	-- For transaction type filtering
	CREATE INDEX IF NOT EXISTS idx_transactions_profile_type
		ON credit_transactions(profile_id, type);

	-- Profiles (subscription state the engine gates on)
	CREATE TABLE IF NOT EXISTS profiles (
		id TEXT PRIMARY KEY,
		plan TEXT NOT NULL DEFAULT '',
		subscription_status TEXT NOT NULL DEFAULT '',
		subscription_expires_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_profiles_expiry
		ON profiles(subscription_expires_at)
		WHERE subscription_expires_at IS NOT NULL;

	-- Payment records (webhook dedup)
	CREATE TABLE IF NOT EXISTS payment_records (
		id TEXT PRIMARY KEY,
		profile_id TEXT NOT NULL,
		provider TEXT NOT NULL,
		provider_transaction_id TEXT NOT NULL,
		order_id TEXT,
		kind TEXT NOT NULL,
		amount TEXT NOT NULL,
		currency TEXT NOT NULL,
		created_at TEXT NOT NULL,
		UNIQUE(provider, provider_transaction_id)
	);

	CREATE INDEX IF NOT EXISTS idx_payment_records_profile
		ON payment_records(profile_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) profileLock(profileID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	l, ok := s.profileLocks[profileID]
	if !ok {
		l = &sync.Mutex{}
		s.profileLocks[profileID] = l
	}
	return l
}

// =============================================================================
// CREDIT STORE (credits.Store interface)
// =============================================================================

// activeSourcesQuery orders sources per the consumption contract: pack
// before monthly, soonest expiry first, creation time as tie-break.
const activeSourcesQuery = `
	SELECT id, profile_id, type, amount, initial_amount, expires_at,
	       pack_id, billing_cycle_start, created_at, updated_at
	FROM credit_sources
	WHERE profile_id = ? AND amount > 0 AND expires_at > ?
	ORDER BY CASE type WHEN 'pack' THEN 0 ELSE 1 END,
	         expires_at ASC, created_at ASC
`

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// ActiveSources returns the non-expired, positive-amount sources in
// consumption order.
func (s *Store) ActiveSources(ctx context.Context, profileID string, now time.Time) ([]credits.CreditSource, error) {
	return queryActiveSources(ctx, s.db, profileID, now)
}

func queryActiveSources(ctx context.Context, q querier, profileID string, now time.Time) ([]credits.CreditSource, error) {
	rows, err := q.QueryContext(ctx, activeSourcesQuery, profileID, formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("failed to query sources: %w", err)
	}
	defer rows.Close()

	var sources []credits.CreditSource
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}
	return sources, rows.Err()
}

func scanSource(rows *sql.Rows) (credits.CreditSource, error) {
	var (
		src               credits.CreditSource
		expiresAt         string
		packID            sql.NullString
		billingCycleStart sql.NullString
		createdAt         string
		updatedAt         string
	)

	err := rows.Scan(
		&src.ID, &src.ProfileID, &src.Type, &src.Amount, &src.InitialAmount,
		&expiresAt, &packID, &billingCycleStart, &createdAt, &updatedAt,
	)
	if err != nil {
		return src, fmt.Errorf("failed to scan source: %w", err)
	}

	src.ExpiresAt = parseTime(expiresAt)
	src.PackID = packID.String
	if billingCycleStart.Valid {
		src.BillingCycleStart = parseTime(billingCycleStart.String)
	}
	src.CreatedAt = parseTime(createdAt)
	src.UpdatedAt = parseTime(updatedAt)
	return src, nil
}

// TransactionHistory returns ledger entries newest first, plus the total
// count matching the filter.
func (s *Store) TransactionHistory(ctx context.Context, profileID string, f credits.TransactionFilter) ([]credits.CreditTransaction, int, error) {
	where := "WHERE profile_id = ?"
	args := []any{profileID}
	if f.Type != "" {
		where += " AND type = ?"
		args = append(args, string(f.Type))
	}

	var total int
	countQuery := "SELECT COUNT(*) FROM credit_transactions " + where
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count transactions: %w", err)
	}

	query := `
		SELECT id, profile_id, type, amount, balance_after, operation,
		       source_id, description, metadata_json, created_at
		FROM credit_transactions ` + where + `
		ORDER BY created_at DESC, id DESC
	`
	if f.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, f.Limit, f.Offset)
	} else if f.Offset > 0 {
		query += " LIMIT -1 OFFSET ?"
		args = append(args, f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var transactions []credits.CreditTransaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, 0, err
		}
		transactions = append(transactions, tx)
	}
	return transactions, total, rows.Err()
}

func scanTransaction(rows *sql.Rows) (credits.CreditTransaction, error) {
	var (
		tx           credits.CreditTransaction
		operation    sql.NullString
		sourceID     sql.NullString
		description  sql.NullString
		metadataJSON sql.NullString
		createdAt    string
	)

	err := rows.Scan(
		&tx.ID, &tx.ProfileID, &tx.Type, &tx.Amount, &tx.BalanceAfter,
		&operation, &sourceID, &description, &metadataJSON, &createdAt,
	)
	if err != nil {
		return tx, fmt.Errorf("failed to scan transaction: %w", err)
	}

	tx.Operation = operation.String
	tx.SourceID = sourceID.String
	tx.Description = description.String
	tx.CreatedAt = parseTime(createdAt)
	if metadataJSON.Valid && metadataJSON.String != "" {
		json.Unmarshal([]byte(metadataJSON.String), &tx.Metadata)
	}
	return tx, nil
}

// =============================================================================
// UNIT OF WORK (credits.Store.WithProfile)
// =============================================================================

// WithProfile runs fn inside a database transaction, serialized against
// other units of work on the same profile.
func (s *Store) WithProfile(ctx context.Context, profileID string, fn func(credits.UnitOfWork) error) error {
	lock := s.profileLock(profileID)
	lock.Lock()
	defer lock.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	uow := &sqliteUOW{tx: sqlTx, profileID: profileID}
	if err := fn(uow); err != nil {
		return err
	}

	return sqlTx.Commit()
}

type sqliteUOW struct {
	tx        *sql.Tx
	profileID string
}

func (u *sqliteUOW) ActiveSources(ctx context.Context, now time.Time) ([]credits.CreditSource, error) {
	return queryActiveSources(ctx, u.tx, u.profileID, now)
}

func (u *sqliteUOW) CreateSource(ctx context.Context, src credits.CreditSource) error {
	query := `
		INSERT INTO credit_sources
		(id, profile_id, type, amount, initial_amount, expires_at,
		 pack_id, billing_cycle_start, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := u.tx.ExecContext(ctx, query,
		src.ID,
		src.ProfileID,
		string(src.Type),
		src.Amount,
		src.InitialAmount,
		formatTime(src.ExpiresAt),
		nullString(src.PackID),
		nullTime(src.BillingCycleStart),
		formatTime(src.CreatedAt),
		formatTime(src.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create source: %w", err)
	}
	return nil
}

func (u *sqliteUOW) SetSourceAmount(ctx context.Context, sourceID string, amount int64) error {
	res, err := u.tx.ExecContext(ctx,
		"UPDATE credit_sources SET amount = ?, updated_at = ? WHERE id = ? AND profile_id = ?",
		amount, formatTime(time.Now()), sourceID, u.profileID,
	)
	if err != nil {
		return fmt.Errorf("failed to update source amount: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("set amount on %s: %w", sourceID, credits.ErrSourceNotFound)
	}
	return nil
}

func (u *sqliteUOW) ZeroActiveSources(ctx context.Context, now time.Time) (int, error) {
	res, err := u.tx.ExecContext(ctx,
		"UPDATE credit_sources SET amount = 0, updated_at = ? WHERE profile_id = ? AND amount > 0 AND expires_at > ?",
		formatTime(time.Now()), u.profileID, formatTime(now),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to zero sources: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (u *sqliteUOW) AppendTransaction(ctx context.Context, tx credits.CreditTransaction) error {
	metadataJSON, _ := json.Marshal(tx.Metadata)

	query := `
		INSERT INTO credit_transactions
		(id, profile_id, type, amount, balance_after, operation,
		 source_id, description, metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := u.tx.ExecContext(ctx, query,
		tx.ID,
		tx.ProfileID,
		string(tx.Type),
		tx.Amount,
		tx.BalanceAfter,
		nullString(tx.Operation),
		nullString(tx.SourceID),
		nullString(tx.Description),
		string(metadataJSON),
		formatTime(tx.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to append transaction: %w", err)
	}
	return nil
}

func (u *sqliteUOW) EnrichTransactionMetadata(ctx context.Context, transactionID string, metadata map[string]any) error {
	var existingJSON sql.NullString
	err := u.tx.QueryRowContext(ctx,
		"SELECT metadata_json FROM credit_transactions WHERE id = ? AND profile_id = ?",
		transactionID, u.profileID,
	).Scan(&existingJSON)
	if err == sql.ErrNoRows {
		return fmt.Errorf("enrich %s: %w", transactionID, credits.ErrTransactionNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to load transaction metadata: %w", err)
	}

	merged := make(map[string]any)
	if existingJSON.Valid && existingJSON.String != "" {
		json.Unmarshal([]byte(existingJSON.String), &merged)
	}
	for k, v := range metadata {
		merged[k] = v
	}
	mergedJSON, _ := json.Marshal(merged)

	_, err = u.tx.ExecContext(ctx,
		"UPDATE credit_transactions SET metadata_json = ? WHERE id = ? AND profile_id = ?",
		string(mergedJSON), transactionID, u.profileID,
	)
	if err != nil {
		return fmt.Errorf("failed to enrich transaction metadata: %w", err)
	}
	return nil
}

// =============================================================================
// PROFILE STORE (credits.ProfileStore interface)
// =============================================================================

// Profile returns the profile or credits.ErrProfileNotFound.
func (s *Store) Profile(ctx context.Context, id string) (credits.Profile, error) {
	var (
		p         credits.Profile
		expiresAt sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT id, plan, subscription_status, subscription_expires_at FROM profiles WHERE id = ?",
		id,
	).Scan(&p.ID, &p.Plan, &p.SubscriptionStatus, &expiresAt)
	if err == sql.ErrNoRows {
		return credits.Profile{}, fmt.Errorf("profile %s: %w", id, credits.ErrProfileNotFound)
	}
	if err != nil {
		return credits.Profile{}, fmt.Errorf("failed to load profile: %w", err)
	}
	if expiresAt.Valid {
		p.SubscriptionExpiresAt = parseTime(expiresAt.String)
	}
	return p, nil
}

// PutProfile inserts or replaces a profile. Bootstrap and test helper.
func (s *Store) PutProfile(ctx context.Context, p credits.Profile) error {
	now := formatTime(time.Now())
	query := `
		INSERT INTO profiles (id, plan, subscription_status, subscription_expires_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			plan = excluded.plan,
			subscription_status = excluded.subscription_status,
			subscription_expires_at = excluded.subscription_expires_at,
			updated_at = excluded.updated_at
	`
	_, err := s.db.ExecContext(ctx, query,
		p.ID, p.Plan, string(p.SubscriptionStatus), nullTime(p.SubscriptionExpiresAt), now, now,
	)
	return err
}

// UpdateSubscription overwrites the profile's subscription fields.
func (s *Store) UpdateSubscription(ctx context.Context, id string, plan string, status credits.SubscriptionStatus, expiresAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE profiles SET plan = ?, subscription_status = ?, subscription_expires_at = ?, updated_at = ? WHERE id = ?",
		plan, string(status), nullTime(expiresAt), formatTime(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update subscription: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("update subscription for %s: %w", id, credits.ErrProfileNotFound)
	}
	return nil
}

// ExpiringSubscriptions returns profiles whose expiry is set and not
// after the cutoff, soonest first.
func (s *Store) ExpiringSubscriptions(ctx context.Context, cutoff time.Time) ([]credits.Profile, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, plan, subscription_status, subscription_expires_at
		FROM profiles
		WHERE subscription_expires_at IS NOT NULL AND subscription_expires_at <= ?
		ORDER BY subscription_expires_at ASC
	`, formatTime(cutoff))
	if err != nil {
		return nil, fmt.Errorf("failed to query expiring subscriptions: %w", err)
	}
	defer rows.Close()

	var profiles []credits.Profile
	for rows.Next() {
		var (
			p         credits.Profile
			expiresAt sql.NullString
		)
		if err := rows.Scan(&p.ID, &p.Plan, &p.SubscriptionStatus, &expiresAt); err != nil {
			return nil, fmt.Errorf("failed to scan profile: %w", err)
		}
		if expiresAt.Valid {
			p.SubscriptionExpiresAt = parseTime(expiresAt.String)
		}
		profiles = append(profiles, p)
	}
	return profiles, rows.Err()
}

// =============================================================================
// PAYMENT RECORDS (payments.RecordStore interface)
// =============================================================================

// SaveRecord inserts a processed-payment record. A duplicate
// (provider, provider_transaction_id) pair fails with
// payments.ErrDuplicatePayment.
func (s *Store) SaveRecord(ctx context.Context, r payments.PaymentRecord) error {
	query := `
		INSERT INTO payment_records
		(id, profile_id, provider, provider_transaction_id, order_id, kind, amount, currency, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		r.ID,
		r.ProfileID,
		r.Provider,
		r.ProviderTransactionID,
		nullString(r.OrderID),
		string(r.Kind),
		r.Amount.String(),
		r.Currency,
		formatTime(r.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return payments.ErrDuplicatePayment
		}
		return fmt.Errorf("failed to save payment record: %w", err)
	}
	return nil
}

// RecordExists checks whether a provider transaction was already processed.
func (s *Store) RecordExists(ctx context.Context, provider, providerTransactionID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM payment_records WHERE provider = ? AND provider_transaction_id = ?",
		provider, providerTransactionID,
	).Scan(&count)
	return count > 0, err
}

// PaymentRecords returns a profile's processed payments, newest first.
func (s *Store) PaymentRecords(ctx context.Context, profileID string) ([]payments.PaymentRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, profile_id, provider, provider_transaction_id, order_id, kind, amount, currency, created_at
		FROM payment_records
		WHERE profile_id = ?
		ORDER BY created_at DESC
	`, profileID)
	if err != nil {
		return nil, fmt.Errorf("failed to query payment records: %w", err)
	}
	defer rows.Close()

	var records []payments.PaymentRecord
	for rows.Next() {
		var (
			r         payments.PaymentRecord
			orderID   sql.NullString
			amount    string
			createdAt string
		)
		if err := rows.Scan(&r.ID, &r.ProfileID, &r.Provider, &r.ProviderTransactionID,
			&orderID, &r.Kind, &amount, &r.Currency, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan payment record: %w", err)
		}
		r.OrderID = orderID.String
		r.Amount, _ = decimal.NewFromString(amount)
		r.CreatedAt = parseTime(createdAt)
		records = append(records, r)
	}
	return records, rows.Err()
}

// Helper functions

// timeFormat keeps the fractional part at a fixed nine digits so stored
// timestamps compare correctly as strings. RFC3339Nano trims trailing
// zeros, which misorders mixed-precision values within the same second.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(t), Valid: true}
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339, s)
	}
	return t
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

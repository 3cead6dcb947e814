/*
Package sqlite provides a SQLite-backed implementation of the billing storage
interfaces.

PURPOSE:
  Implements billing.TxStore, billing.OutboxStore and billing.AuditLog on
  SQLite. Every query is written once against a querier, which is either
  the *sql.DB or the *sql.Tx of the current WithTx call.

INTERFACES IMPLEMENTED:
  billing.TxStore:     Associations, memberships, fees, charges, payments,
                       reminder logs, outbox appends
  billing.OutboxStore: Outbox processor queries
  billing.AuditLog:    Audit trail

KEY TABLES:
  charges:       One row per charge; status and is_overdue are derived
  payments:      Immutable amounts; reversal flips status
  reminder_logs: One row per (charge, reminder type, day)
  outbox:        Events awaiting delivery after commit

UNIQUENESS:
  - idx_charges_unique_cycle: one charge per (membership, fee, period)
  - reminder_logs UNIQUE(charge_id, reminder_type, scheduled_for)
  - memberships UNIQUE(member_id, association_id)
  Violations are translated to billing.ErrDuplicate* sentinels. SQLite
  aborts only the failing statement, so a transaction can re-fetch the
  winning row after a violation.

CONCURRENCY:
  The pool holds a single connection and transactions start with
  BEGIN IMMEDIATE (_txlock=immediate): writers are serialized, also across
  processes sharing the database file.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging):
  - Readers don't block the writer
  - Better crash recovery

MONEY AND DATES:
  Decimals are stored as TEXT (exact). Calendar dates are TEXT YYYY-MM-DD,
  instants are fixed-width UTC TEXT so they sort lexically.

MIGRATION:
  Schema is migrated on New() with golang-migrate from the embedded
  migrations/ directory.

SEE ALSO:
  - billing/store.go: Interface definitions
  - billing/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/mattn/go-sqlite3"

	"github.com/CodersClub-IUKC/CAMPUS-NEXUS/billing"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// timeLayout is fixed width so stored instants compare as strings.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements all storage interfaces using SQLite.
type Store struct {
	*queries
	db *sql.DB
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries implements billing.Store on top of a querier.
type queries struct {
	q querier
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: ":memory:" databases live per connection and SQLite
	// has a single writer anyway.
	db.SetMaxOpenConns(1)

	if err := migrateSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return NewWithDB(db), nil
}

// NewWithDB wraps an already migrated database.
func NewWithDB(db *sql.DB) *Store {
	return &Store{queries: &queries{q: db}, db: db}
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func migrateSchema(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create sqlite migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	// m.Close would close db as well.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// =============================================================================
// TRANSACTIONAL STORE (billing.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store billing.Store) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&queries{q: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// =============================================================================
// ASSOCIATIONS AND MEMBERS
// =============================================================================

func (s *queries) SaveAssociation(ctx context.Context, a billing.Association) error {
	createdAt := a.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO associations (id, name, created_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name
	`, a.ID, a.Name, formatTime(createdAt))
	if err != nil {
		return fmt.Errorf("failed to save association: %w", err)
	}
	return nil
}

func (s *queries) GetAssociation(ctx context.Context, id billing.AssociationID) (*billing.Association, error) {
	var (
		a         billing.Association
		createdAt string
	)
	err := s.q.QueryRowContext(ctx,
		`SELECT id, name, created_at FROM associations WHERE id = ?`, id,
	).Scan(&a.ID, &a.Name, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, billing.ErrAssociationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get association: %w", err)
	}
	a.CreatedAt = parseTime(createdAt)
	return &a, nil
}

func (s *queries) ListAssociations(ctx context.Context) ([]billing.Association, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT id, name, created_at FROM associations ORDER BY created_at, rowid`)
	if err != nil {
		return nil, fmt.Errorf("failed to list associations: %w", err)
	}
	defer rows.Close()

	var out []billing.Association
	for rows.Next() {
		var (
			a         billing.Association
			createdAt string
		)
		if err := rows.Scan(&a.ID, &a.Name, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan association: %w", err)
		}
		a.CreatedAt = parseTime(createdAt)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *queries) SaveMember(ctx context.Context, m billing.Member) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO members (id, first_name, last_name, email) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			first_name = excluded.first_name,
			last_name = excluded.last_name,
			email = excluded.email
	`, m.ID, m.FirstName, m.LastName, m.Email)
	if err != nil {
		return fmt.Errorf("failed to save member: %w", err)
	}
	return nil
}

func (s *queries) GetMember(ctx context.Context, id billing.MemberID) (*billing.Member, error) {
	var m billing.Member
	err := s.q.QueryRowContext(ctx,
		`SELECT id, first_name, last_name, email FROM members WHERE id = ?`, id,
	).Scan(&m.ID, &m.FirstName, &m.LastName, &m.Email)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, billing.ErrMemberNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get member: %w", err)
	}
	return &m, nil
}

// =============================================================================
// MEMBERSHIPS
// =============================================================================

const membershipColumns = `id, member_id, association_id, status, joined_at, subscription_anchor_date`

func (s *queries) CreateMembership(ctx context.Context, m billing.Membership) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO memberships (`+membershipColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.MemberID, m.AssociationID, m.Status, formatTime(m.JoinedAt), nullDate(m.SubscriptionAnchor),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return billing.ErrDuplicateMembership
		}
		return fmt.Errorf("failed to create membership: %w", err)
	}
	return nil
}

func (s *queries) UpdateMembership(ctx context.Context, m billing.Membership) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE memberships SET status = ?, subscription_anchor_date = ? WHERE id = ?
	`, m.Status, nullDate(m.SubscriptionAnchor), m.ID)
	if err != nil {
		return fmt.Errorf("failed to update membership: %w", err)
	}
	return expectAffected(res, billing.ErrMembershipNotFound)
}

func (s *queries) GetMembership(ctx context.Context, id billing.MembershipID) (*billing.Membership, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+membershipColumns+` FROM memberships WHERE id = ?`, id)
	m, err := scanMembership(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, billing.ErrMembershipNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *queries) ListMemberships(ctx context.Context, f billing.MembershipFilter) ([]billing.Membership, error) {
	var w where
	w.eq("association_id", string(f.AssociationID))
	w.eq("member_id", string(f.MemberID))
	w.in("status", toStrings(f.Statuses))

	rows, err := s.q.QueryContext(ctx,
		`SELECT `+membershipColumns+` FROM memberships`+w.sql()+` ORDER BY joined_at, rowid`, w.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list memberships: %w", err)
	}
	defer rows.Close()

	var out []billing.Membership
	for rows.Next() {
		m, err := scanMembership(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// SetSubscriptionAnchor only writes when no anchor is set yet.
func (s *queries) SetSubscriptionAnchor(ctx context.Context, id billing.MembershipID, anchor billing.Date) (bool, error) {
	res, err := s.q.ExecContext(ctx, `
		UPDATE memberships SET subscription_anchor_date = ?
		WHERE id = ? AND subscription_anchor_date IS NULL
	`, anchor.String(), id)
	if err != nil {
		return false, fmt.Errorf("failed to set subscription anchor: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	if _, err := s.GetMembership(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func scanMembership(row scanner) (billing.Membership, error) {
	var (
		m        billing.Membership
		joinedAt string
		anchor   sql.NullString
	)
	if err := row.Scan(&m.ID, &m.MemberID, &m.AssociationID, &m.Status, &joinedAt, &anchor); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return m, err
		}
		return m, fmt.Errorf("failed to scan membership: %w", err)
	}
	m.JoinedAt = parseTime(joinedAt)
	m.SubscriptionAnchor = parseNullDate(anchor)
	return m, nil
}

// =============================================================================
// FEES
// =============================================================================

const feeColumns = `id, association_id, fee_type, amount, duration_months, grace_days,
	max_missed_cycles, allow_installments, reminder_days_json, created_at, updated_at`

// SaveFee inserts or replaces a fee. created_at is kept on update.
func (s *queries) SaveFee(ctx context.Context, f billing.Fee) error {
	reminderDays, err := json.Marshal(f.ReminderDaysBeforeDue)
	if err != nil {
		return fmt.Errorf("failed to encode reminder days: %w", err)
	}
	_, err = s.q.ExecContext(ctx, `
		INSERT INTO fees (`+feeColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			fee_type = excluded.fee_type,
			amount = excluded.amount,
			duration_months = excluded.duration_months,
			grace_days = excluded.grace_days,
			max_missed_cycles = excluded.max_missed_cycles,
			allow_installments = excluded.allow_installments,
			reminder_days_json = excluded.reminder_days_json,
			updated_at = excluded.updated_at
	`,
		f.ID, f.AssociationID, f.Type, f.Amount, f.DurationMonths, f.GraceDays,
		f.MaxMissedCycles, f.AllowInstallments, string(reminderDays),
		formatTime(f.CreatedAt), formatTime(f.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save fee: %w", err)
	}
	return nil
}

func (s *queries) GetFee(ctx context.Context, id billing.FeeID) (*billing.Fee, error) {
	f, err := scanFee(s.q.QueryRowContext(ctx, `SELECT `+feeColumns+` FROM fees WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, billing.ErrFeeNotFound
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func (s *queries) LatestFee(ctx context.Context, assoc billing.AssociationID, typ billing.FeeType) (*billing.Fee, error) {
	f, err := scanFee(s.q.QueryRowContext(ctx, `
		SELECT `+feeColumns+` FROM fees
		WHERE association_id = ? AND fee_type = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT 1
	`, assoc, typ))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, billing.ErrFeeNotFound
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func (s *queries) ListFees(ctx context.Context, assoc billing.AssociationID) ([]billing.Fee, error) {
	var w where
	w.eq("association_id", string(assoc))

	rows, err := s.q.QueryContext(ctx, `SELECT `+feeColumns+` FROM fees`+w.sql()+` ORDER BY created_at, rowid`, w.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list fees: %w", err)
	}
	defer rows.Close()

	var out []billing.Fee
	for rows.Next() {
		f, err := scanFee(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func scanFee(row scanner) (billing.Fee, error) {
	var (
		f                    billing.Fee
		reminderDays         sql.NullString
		createdAt, updatedAt string
	)
	err := row.Scan(
		&f.ID, &f.AssociationID, &f.Type, &f.Amount, &f.DurationMonths, &f.GraceDays,
		&f.MaxMissedCycles, &f.AllowInstallments, &reminderDays, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return f, err
		}
		return f, fmt.Errorf("failed to scan fee: %w", err)
	}
	if reminderDays.Valid && reminderDays.String != "" {
		if err := json.Unmarshal([]byte(reminderDays.String), &f.ReminderDaysBeforeDue); err != nil {
			return f, fmt.Errorf("failed to decode reminder days of fee %s: %w", f.ID, err)
		}
	}
	f.CreatedAt = parseTime(createdAt)
	f.UpdatedAt = parseTime(updatedAt)
	return f, nil
}

// =============================================================================
// HELPERS
// =============================================================================

type scanner interface {
	Scan(dest ...any) error
}

// where accumulates AND-ed conditions. Empty values do not filter.
type where struct {
	conds []string
	args  []any
}

func (w *where) eq(column, value string) {
	if value == "" {
		return
	}
	w.conds = append(w.conds, column+" = ?")
	w.args = append(w.args, value)
}

func (w *where) in(column string, values []string) {
	if len(values) == 0 {
		return
	}
	w.conds = append(w.conds, column+" IN (?"+strings.Repeat(", ?", len(values)-1)+")")
	for _, v := range values {
		w.args = append(w.args, v)
	}
}

func (w *where) add(cond string, args ...any) {
	w.conds = append(w.conds, cond)
	w.args = append(w.args, args...)
}

func (w *where) sql() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}

func toStrings[T ~string](values []T) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = string(v)
	}
	return out
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullDate(d billing.Date) sql.NullString {
	return nullString(d.String())
}

func parseNullDate(ns sql.NullString) billing.Date {
	if !ns.Valid {
		return billing.Date{}
	}
	d, _ := billing.ParseDate(ns.String)
	return d
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func expectAffected(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

var (
	_ billing.TxStore     = (*Store)(nil)
	_ billing.OutboxStore = (*Store)(nil)
	_ billing.AuditLog    = (*Store)(nil)
)

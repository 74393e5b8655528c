/*
Package sqlite provides a SQLite-backed implementation of the ledger store.

PURPOSE:
  Implements allocation.EntityStore using SQLite. The engine's
  read-check-write sequence runs inside WithTx, so the budget reads, the
  ledger write and the target aggregate update commit together.

KEY TABLES:
  users:            Budget holders (total_slices)
  targets:          Videos and brands with denormalized total_slices_received
  allocations:      One row per (user_id, target_id) - the ledger
  target_analytics: One row per (target_id, date) - daily accumulation

INDEXES / CONSTRAINTS:
  - UNIQUE(user_id, target_id) on allocations: one record per pair
  - CHECK(slices > 0): zero allocations are deleted, never stored
  - PRIMARY KEY(target_id, date) on target_analytics: one entry per day
  - idx_allocations_user_created: ledger history (hot path)
  - idx_allocations_target: aggregate recomputation

TIMESTAMPS:
  Stored as fixed-width UTC text (timeLayout) so lexical order equals
  chronological order. Analytics dates are YYYY-MM-DD.

CONCURRENCY:
  sync.RWMutex around the handle; WithTx holds the write lock for the
  whole transaction. ":memory:" databases are pinned to one connection,
  since each new connection would otherwise see an empty database.

USAGE:
  store, err := sqlite.New("./data/slice.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := allocation.NewEngine(store, allocation.EngineConfig{})
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/slice/allocation-engine/allocation"
)

const (
	timeLayout = "2006-01-02T15:04:05.000000000Z"
	dateLayout = "2006-01-02"
)

var _ allocation.EntityStore = (*Store)(nil)

// Store implements allocation.EntityStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
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

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		username TEXT NOT NULL UNIQUE,
		email TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT 'user' CHECK (role IN ('user', 'admin')),
		total_slices INTEGER NOT NULL CHECK (total_slices >= 0),
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS targets (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL CHECK (kind IN ('video', 'brand')),
		title TEXT NOT NULL DEFAULT '',
		creator TEXT NOT NULL DEFAULT '',
		thumbnail_url TEXT NOT NULL DEFAULT '',
		total_slices_received INTEGER NOT NULL DEFAULT 0 CHECK (total_slices_received >= 0),
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_targets_kind
		ON targets(kind);

	-- Ledger: one row per (user, target)
	CREATE TABLE IF NOT EXISTS allocations (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		target_id TEXT NOT NULL REFERENCES targets(id) ON DELETE CASCADE,
		slices INTEGER NOT NULL CHECK (slices > 0),
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE (user_id, target_id)
	);

	CREATE INDEX IF NOT EXISTS idx_allocations_user_created
		ON allocations(user_id, created_at DESC, updated_at DESC);
	CREATE INDEX IF NOT EXISTS idx_allocations_target
		ON allocations(target_id);

	-- Daily analytics: upserted per (target, date)
	CREATE TABLE IF NOT EXISTS target_analytics (
		target_id TEXT NOT NULL REFERENCES targets(id) ON DELETE CASCADE,
		date TEXT NOT NULL,
		views INTEGER NOT NULL DEFAULT 0,
		slice_allocation INTEGER NOT NULL DEFAULT 0,
		engagement TEXT NOT NULL DEFAULT '0',
		PRIMARY KEY (target_id, date)
	);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	// Databases created before roles existed lack the column.
	return s.addColumnIfMissing("users", "role",
		`TEXT NOT NULL DEFAULT 'user' CHECK (role IN ('user', 'admin'))`)
}

func (s *Store) addColumnIfMissing(table, column, decl string) error {
	rows, err := s.db.Query(`SELECT name FROM pragma_table_info(?)`, table)
	if err != nil {
		return fmt.Errorf("failed to inspect %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
		if name == column {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()

	_, err = s.db.Exec(fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s`, table, column, decl))
	return err
}

// =============================================================================
// QUERIES - shared by Store (over *sql.DB) and txStore (over *sql.Tx)
// =============================================================================

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type queries struct {
	q querier
}

const userColumns = `id, username, email, password_hash, role, total_slices, created_at, updated_at`
const targetColumns = `id, kind, title, creator, thumbnail_url, total_slices_received, created_at`
const allocationColumns = `id, user_id, target_id, slices, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(row scanner) (allocation.User, error) {
	var (
		u                    allocation.User
		createdAt, updatedAt string
	)
	if err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.Role, &u.TotalSlices, &createdAt, &updatedAt); err != nil {
		return u, err
	}
	u.CreatedAt = parseTime(createdAt)
	u.UpdatedAt = parseTime(updatedAt)
	return u, nil
}

func scanTarget(row scanner) (allocation.Target, error) {
	var (
		t         allocation.Target
		createdAt string
	)
	if err := row.Scan(&t.ID, &t.Kind, &t.Title, &t.Creator, &t.ThumbnailURL, &t.TotalSlicesReceived, &createdAt); err != nil {
		return t, err
	}
	t.CreatedAt = parseTime(createdAt)
	return t, nil
}

func scanAllocation(row scanner) (allocation.AllocationRecord, error) {
	var (
		rec                  allocation.AllocationRecord
		createdAt, updatedAt string
	)
	if err := row.Scan(&rec.ID, &rec.UserID, &rec.TargetID, &rec.Slices, &createdAt, &updatedAt); err != nil {
		return rec, err
	}
	rec.CreatedAt = parseTime(createdAt)
	rec.UpdatedAt = parseTime(updatedAt)
	return rec, nil
}

func scanAnalytics(row scanner) (allocation.AnalyticsEntry, error) {
	var (
		e                allocation.AnalyticsEntry
		date, engagement string
	)
	if err := row.Scan(&e.TargetID, &date, &e.Views, &e.SliceAllocation, &engagement); err != nil {
		return e, err
	}
	d, err := time.ParseInLocation(dateLayout, date, time.UTC)
	if err != nil {
		return e, fmt.Errorf("failed to parse analytics date %q: %w", date, err)
	}
	e.Date = d
	e.Engagement, err = decimal.NewFromString(engagement)
	if err != nil {
		return e, fmt.Errorf("failed to parse engagement %q: %w", engagement, err)
	}
	return e, nil
}

func (x queries) GetUser(ctx context.Context, id allocation.UserID) (*allocation.User, error) {
	row := x.q.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &u, nil
}

func (x queries) ListUsers(ctx context.Context) ([]allocation.User, error) {
	rows, err := x.q.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []allocation.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (x queries) GetTarget(ctx context.Context, id allocation.TargetID) (*allocation.Target, error) {
	row := x.q.QueryRowContext(ctx, `SELECT `+targetColumns+` FROM targets WHERE id = ?`, id)
	t, err := scanTarget(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get target: %w", err)
	}
	return &t, nil
}

func (x queries) ListTargets(ctx context.Context) ([]allocation.Target, error) {
	rows, err := x.q.QueryContext(ctx, `SELECT `+targetColumns+` FROM targets ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list targets: %w", err)
	}
	defer rows.Close()

	var targets []allocation.Target
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan target: %w", err)
		}
		targets = append(targets, t)
	}
	return targets, rows.Err()
}

func (x queries) GetAllocation(ctx context.Context, userID allocation.UserID, targetID allocation.TargetID) (*allocation.AllocationRecord, error) {
	row := x.q.QueryRowContext(ctx,
		`SELECT `+allocationColumns+` FROM allocations WHERE user_id = ? AND target_id = ?`,
		userID, targetID)
	rec, err := scanAllocation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get allocation: %w", err)
	}
	return &rec, nil
}

func (x queries) ListAllocationsByUser(ctx context.Context, userID allocation.UserID) ([]allocation.AllocationRecord, error) {
	rows, err := x.q.QueryContext(ctx, `
		SELECT `+allocationColumns+`
		FROM allocations
		WHERE user_id = ?
		ORDER BY created_at DESC, updated_at DESC, target_id ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list allocations: %w", err)
	}
	defer rows.Close()

	var recs []allocation.AllocationRecord
	for rows.Next() {
		rec, err := scanAllocation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan allocation: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (x queries) SumByUser(ctx context.Context, userID allocation.UserID) (int, error) {
	var total int
	err := x.q.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(slices), 0) FROM allocations WHERE user_id = ?`, userID,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum user allocations: %w", err)
	}
	return total, nil
}

func (x queries) SumByTarget(ctx context.Context, targetID allocation.TargetID) (int, error) {
	var total int
	err := x.q.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(slices), 0) FROM allocations WHERE target_id = ?`, targetID,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum target allocations: %w", err)
	}
	return total, nil
}

func (x queries) GetAnalytics(ctx context.Context, targetID allocation.TargetID, day time.Time) (*allocation.AnalyticsEntry, error) {
	row := x.q.QueryRowContext(ctx, `
		SELECT target_id, date, views, slice_allocation, engagement
		FROM target_analytics
		WHERE target_id = ? AND date = ?
	`, targetID, allocation.Day(day).Format(dateLayout))
	e, err := scanAnalytics(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get analytics: %w", err)
	}
	return &e, nil
}

func (x queries) ListAnalytics(ctx context.Context, targetID allocation.TargetID, from, to time.Time) ([]allocation.AnalyticsEntry, error) {
	rows, err := x.q.QueryContext(ctx, `
		SELECT target_id, date, views, slice_allocation, engagement
		FROM target_analytics
		WHERE target_id = ? AND date >= ? AND date <= ?
		ORDER BY date ASC
	`, targetID, allocation.Day(from).Format(dateLayout), allocation.Day(to).Format(dateLayout))
	if err != nil {
		return nil, fmt.Errorf("failed to list analytics: %w", err)
	}
	defer rows.Close()

	var entries []allocation.AnalyticsEntry
	for rows.Next() {
		e, err := scanAnalytics(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (x queries) UpsertAllocation(ctx context.Context, rec allocation.AllocationRecord) error {
	_, err := x.q.ExecContext(ctx, `
		INSERT INTO allocations (id, user_id, target_id, slices, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, target_id) DO UPDATE SET
			slices = excluded.slices,
			updated_at = excluded.updated_at
	`, rec.ID, rec.UserID, rec.TargetID, rec.Slices, formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert allocation: %w", err)
	}
	return nil
}

func (x queries) DeleteAllocation(ctx context.Context, userID allocation.UserID, targetID allocation.TargetID) (bool, error) {
	res, err := x.q.ExecContext(ctx,
		`DELETE FROM allocations WHERE user_id = ? AND target_id = ?`, userID, targetID)
	if err != nil {
		return false, fmt.Errorf("failed to delete allocation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to delete allocation: %w", err)
	}
	return n > 0, nil
}

func (x queries) SetTargetTotal(ctx context.Context, targetID allocation.TargetID, total int) error {
	res, err := x.q.ExecContext(ctx,
		`UPDATE targets SET total_slices_received = ? WHERE id = ?`, total, targetID)
	if err != nil {
		return fmt.Errorf("failed to set target total: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &allocation.NotFoundError{Kind: "target", ID: string(targetID)}
	}
	return nil
}

func (x queries) UpsertAnalytics(ctx context.Context, e allocation.AnalyticsEntry) error {
	_, err := x.q.ExecContext(ctx, `
		INSERT INTO target_analytics (target_id, date, views, slice_allocation, engagement)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(target_id, date) DO UPDATE SET
			views = excluded.views,
			slice_allocation = excluded.slice_allocation,
			engagement = excluded.engagement
	`, e.TargetID, allocation.Day(e.Date).Format(dateLayout), e.Views, e.SliceAllocation, e.Engagement.String())
	if err != nil {
		return fmt.Errorf("failed to upsert analytics: %w", err)
	}
	return nil
}

func (x queries) SetUserBudget(ctx context.Context, userID allocation.UserID, total int) error {
	res, err := x.q.ExecContext(ctx,
		`UPDATE users SET total_slices = ?, updated_at = ? WHERE id = ?`,
		total, formatTime(time.Now()), userID)
	if err != nil {
		return fmt.Errorf("failed to set user budget: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &allocation.NotFoundError{Kind: "user", ID: string(userID)}
	}
	return nil
}

// =============================================================================
// TRANSACTIONAL STORE (allocation.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store allocation.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(queries{q: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// =============================================================================
// READS
// =============================================================================

func (s *Store) reads() queries { return queries{q: s.db} }

func (s *Store) GetUser(ctx context.Context, id allocation.UserID) (*allocation.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reads().GetUser(ctx, id)
}

func (s *Store) ListUsers(ctx context.Context) ([]allocation.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reads().ListUsers(ctx)
}

func (s *Store) GetTarget(ctx context.Context, id allocation.TargetID) (*allocation.Target, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reads().GetTarget(ctx, id)
}

func (s *Store) ListTargets(ctx context.Context) ([]allocation.Target, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reads().ListTargets(ctx)
}

func (s *Store) GetAllocation(ctx context.Context, userID allocation.UserID, targetID allocation.TargetID) (*allocation.AllocationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reads().GetAllocation(ctx, userID, targetID)
}

func (s *Store) ListAllocationsByUser(ctx context.Context, userID allocation.UserID) ([]allocation.AllocationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reads().ListAllocationsByUser(ctx, userID)
}

func (s *Store) SumByUser(ctx context.Context, userID allocation.UserID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reads().SumByUser(ctx, userID)
}

func (s *Store) SumByTarget(ctx context.Context, targetID allocation.TargetID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reads().SumByTarget(ctx, targetID)
}

func (s *Store) GetAnalytics(ctx context.Context, targetID allocation.TargetID, day time.Time) (*allocation.AnalyticsEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reads().GetAnalytics(ctx, targetID, day)
}

func (s *Store) ListAnalytics(ctx context.Context, targetID allocation.TargetID, from, to time.Time) ([]allocation.AnalyticsEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reads().ListAnalytics(ctx, targetID, from, to)
}

// =============================================================================
// WRITES (single statement, outside an explicit transaction)
// =============================================================================

func (s *Store) UpsertAllocation(ctx context.Context, rec allocation.AllocationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads().UpsertAllocation(ctx, rec)
}

func (s *Store) DeleteAllocation(ctx context.Context, userID allocation.UserID, targetID allocation.TargetID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads().DeleteAllocation(ctx, userID, targetID)
}

func (s *Store) SetTargetTotal(ctx context.Context, targetID allocation.TargetID, total int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads().SetTargetTotal(ctx, targetID, total)
}

func (s *Store) UpsertAnalytics(ctx context.Context, entry allocation.AnalyticsEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads().UpsertAnalytics(ctx, entry)
}

func (s *Store) SetUserBudget(ctx context.Context, userID allocation.UserID, total int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads().SetUserBudget(ctx, userID, total)
}

// =============================================================================
// ENTITY REGISTRATION
// =============================================================================

// CreateUser inserts a user. Returns allocation.ErrDuplicate if the id,
// username or email is taken.
func (s *Store) CreateUser(ctx context.Context, u allocation.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	if u.UpdatedAt.IsZero() {
		u.UpdatedAt = u.CreatedAt
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (`+userColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, u.ID, u.Username, u.Email, u.PasswordHash, u.RoleOrDefault(), u.TotalSlices, formatTime(u.CreatedAt), formatTime(u.UpdatedAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("user %s: %w", u.Username, allocation.ErrDuplicate)
		}
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// GetUserByUsername returns the user with that username, or nil.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*allocation.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE username = ?`, username)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user by username: %w", err)
	}
	return &u, nil
}

// SetUserRole changes a user's role.
func (s *Store) SetUserRole(ctx context.Context, id allocation.UserID, role string) error {
	if !allocation.ValidRole(role) {
		return &allocation.ValidationError{Field: "role", Bound: "oneof=user admin", Value: role}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET role = ?, updated_at = ? WHERE id = ?`,
		role, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to set user role: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &allocation.NotFoundError{Kind: "user", ID: string(id)}
	}
	return nil
}

// CreateTarget inserts a video or brand with a zero total.
func (s *Store) CreateTarget(ctx context.Context, t allocation.Target) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO targets (`+targetColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.Kind, t.Title, t.Creator, t.ThumbnailURL, t.TotalSlicesReceived, formatTime(t.CreatedAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("target %s: %w", t.ID, allocation.ErrDuplicate)
		}
		return fmt.Errorf("failed to create target: %w", err)
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

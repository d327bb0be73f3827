// Package sqlite provides an embedded SQLite implementation of the
// usagemeter.Storage interface using the pure-Go modernc.org/sqlite driver.
// It suits single-node deployments; all access goes through one connection.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mihaimyh/usagemeter/pkg/usagemeter"
)

//go:embed schema.sql
var schema string

// Storage implements usagemeter.Storage on SQLite
type Storage struct {
	db *sql.DB
}

// Config holds SQLite storage configuration
type Config struct {
	// Path is the database file; ":memory:" keeps everything in memory
	Path string

	// BusyTimeout is how long SQLite waits on a locked database (default: 5s)
	BusyTimeout time.Duration
}

// DefaultConfig returns an in-memory configuration
func DefaultConfig() Config {
	return Config{
		Path:        ":memory:",
		BusyTimeout: 5 * time.Second,
	}
}

// New opens the database and creates the schema
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if config.BusyTimeout <= 0 {
		config.BusyTimeout = 5 * time.Second
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=foreign_keys(1)",
		config.Path, config.BusyTimeout.Milliseconds())
	if config.Path != ":memory:" {
		dsn += "&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One connection serializes every statement, which makes each
	// transaction below atomic and keeps an in-memory database alive.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &Storage{db: db}, nil
}

// Close closes the database
func (s *Storage) Close() error {
	return s.db.Close()
}

// Ping checks the database connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const recordColumns = `user_id, limit_type, current_usage, limit_value, burst_limit,
	window_start_us, window_duration_ms, violation_count, last_violation_us,
	is_blocked, blocked_until_us, created_us, updated_us`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*usagemeter.QuotaRecord, error) {
	var (
		rec                      usagemeter.QuotaRecord
		limitType                string
		windowStart, created     int64
		updated, durationMS      int64
		lastViolation, blockedAt sql.NullInt64
		blocked                  bool
	)
	err := row.Scan(
		&rec.UserID,
		&limitType,
		&rec.CurrentUsage,
		&rec.LimitValue,
		&rec.BurstLimit,
		&windowStart,
		&durationMS,
		&rec.ViolationCount,
		&lastViolation,
		&blocked,
		&blockedAt,
		&created,
		&updated,
	)
	if err != nil {
		return nil, err
	}

	rec.LimitType = usagemeter.LimitType(limitType)
	rec.WindowStart = fromMicros(windowStart)
	rec.WindowDuration = time.Duration(durationMS) * time.Millisecond
	rec.LastViolationAt = fromNullMicros(lastViolation)
	rec.IsBlocked = blocked
	rec.BlockedUntil = fromNullMicros(blockedAt)
	rec.CreatedAt = fromMicros(created)
	rec.UpdatedAt = fromMicros(updated)
	return &rec, nil
}

func (s *Storage) getRecord(ctx context.Context, q interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}, userID string, lt usagemeter.LimitType) (*usagemeter.QuotaRecord, error) {
	rec, err := scanRecord(q.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM quota_records WHERE user_id = ? AND limit_type = ?`,
		userID, string(lt)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, usagemeter.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get quota record: %w", err)
	}
	return rec, nil
}

// GetOrCreate implements usagemeter.QuotaStore
func (s *Storage) GetOrCreate(ctx context.Context, seed *usagemeter.QuotaRecord) (*usagemeter.QuotaRecord, error) {
	if seed == nil || seed.UserID == "" {
		return nil, fmt.Errorf("%w: invalid quota record", usagemeter.ErrValidation)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO quota_records (`+recordColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (user_id, limit_type) DO NOTHING`,
		seed.UserID, string(seed.LimitType), seed.CurrentUsage, seed.LimitValue, seed.BurstLimit,
		toMicros(seed.WindowStart), seed.WindowDuration.Milliseconds(), seed.ViolationCount,
		toNullMicros(seed.LastViolationAt), seed.IsBlocked, toNullMicros(seed.BlockedUntil),
		toMicros(seed.CreatedAt), toMicros(seed.UpdatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert quota record: %w", err)
	}

	return s.getRecord(ctx, s.db, seed.UserID, seed.LimitType)
}

// ConditionalIncrement implements usagemeter.QuotaStore with one guarded UPDATE
func (s *Storage) ConditionalIncrement(ctx context.Context, userID string, limitType usagemeter.LimitType,
	delta, maxAllowed int, at time.Time) (bool, *usagemeter.QuotaRecord, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx,
		`UPDATE quota_records
			SET current_usage = current_usage + ?1, updated_us = ?2
			WHERE user_id = ?3 AND limit_type = ?4 AND current_usage + ?1 <= ?5
			RETURNING `+recordColumns,
		delta, toMicros(at), userID, string(limitType), maxAllowed,
	))
	if err == nil {
		return true, rec, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return false, nil, fmt.Errorf("failed to increment usage: %w", err)
	}

	rec, err = s.getRecord(ctx, s.db, userID, limitType)
	if err != nil {
		return false, nil, err
	}
	return false, rec, nil
}

// Mutate implements usagemeter.QuotaStore
func (s *Storage) Mutate(ctx context.Context, userID string, limitType usagemeter.LimitType,
	fn func(*usagemeter.QuotaRecord) error) (*usagemeter.QuotaRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback()
	}()

	current, err := s.getRecord(ctx, tx, userID, limitType)
	if err != nil {
		return nil, err
	}

	working := current.Clone()
	if err := fn(working); err != nil {
		if errors.Is(err, usagemeter.ErrNoChange) {
			return current, nil
		}
		return nil, err
	}
	working.UserID, working.LimitType = userID, limitType

	_, err = tx.ExecContext(ctx,
		`UPDATE quota_records SET
				current_usage = ?, limit_value = ?, burst_limit = ?,
				window_start_us = ?, window_duration_ms = ?, violation_count = ?,
				last_violation_us = ?, is_blocked = ?, blocked_until_us = ?, updated_us = ?
			WHERE user_id = ? AND limit_type = ?`,
		working.CurrentUsage, working.LimitValue, working.BurstLimit,
		toMicros(working.WindowStart), working.WindowDuration.Milliseconds(), working.ViolationCount,
		toNullMicros(working.LastViolationAt), working.IsBlocked, toNullMicros(working.BlockedUntil),
		toMicros(working.UpdatedAt), userID, string(limitType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update quota record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return working, nil
}

// ListRecords implements usagemeter.QuotaStore
func (s *Storage) ListRecords(ctx context.Context, userID string) ([]*usagemeter.QuotaRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM quota_records WHERE user_id = ? ORDER BY limit_type`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list quota records: %w", err)
	}
	defer rows.Close()

	var out []*usagemeter.QuotaRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan quota record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list quota records: %w", err)
	}
	return out, nil
}

// Record implements usagemeter.ActivityLog
func (s *Storage) Record(ctx context.Context, entry *usagemeter.ActivityLogEntry, since time.Time,
	limit int) (usagemeter.ActivityWindow, error) {
	if entry == nil || entry.UserID == "" {
		return usagemeter.ActivityWindow{}, fmt.Errorf("%w: invalid activity entry", usagemeter.ErrValidation)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return usagemeter.ActivityWindow{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback()
	}()

	var (
		count  int
		oldest sql.NullInt64
	)
	err = tx.QueryRowContext(ctx,
		`SELECT count(*), min(ts_us) FROM api_activity_log
			WHERE user_id = ? AND endpoint = ? AND ts_us >= ?`,
		entry.UserID, entry.Endpoint, toMicros(since)).Scan(&count, &oldest)
	if err != nil {
		return usagemeter.ActivityWindow{}, fmt.Errorf("failed to count activity: %w", err)
	}

	w := usagemeter.ActivityWindow{Count: count}
	if oldest.Valid {
		w.Oldest = fromMicros(oldest.Int64)
	}
	if limit > 0 && count >= limit {
		return w, nil
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO api_activity_log (id, user_id, endpoint, ts_us) VALUES (?, ?, ?, ?)`,
		entry.ID, entry.UserID, entry.Endpoint, toMicros(entry.Timestamp))
	if err != nil {
		return usagemeter.ActivityWindow{}, fmt.Errorf("failed to insert activity: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return usagemeter.ActivityWindow{}, fmt.Errorf("failed to commit: %w", err)
	}

	w.Recorded = true
	return w, nil
}

// Prune implements usagemeter.ActivityLog
func (s *Storage) Prune(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM api_activity_log WHERE ts_us < ?`, toMicros(before))
	if err != nil {
		return 0, fmt.Errorf("failed to prune activity log: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count pruned rows: %w", err)
	}
	return int(n), nil
}

// GetEntitlement implements usagemeter.TierSource
func (s *Storage) GetEntitlement(ctx context.Context, userID string) (*usagemeter.Entitlement, error) {
	var (
		ent     usagemeter.Entitlement
		updated int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, tier, updated_us FROM entitlements WHERE user_id = ?`,
		userID).Scan(&ent.UserID, &ent.Tier, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, usagemeter.ErrEntitlementNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entitlement: %w", err)
	}

	ent.UpdatedAt = fromMicros(updated)
	return &ent, nil
}

// SetEntitlement implements usagemeter.EntitlementStore
func (s *Storage) SetEntitlement(ctx context.Context, ent *usagemeter.Entitlement) error {
	if ent == nil || ent.UserID == "" {
		return fmt.Errorf("%w: invalid entitlement", usagemeter.ErrValidation)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO entitlements (user_id, tier, updated_us) VALUES (?, ?, ?)
			ON CONFLICT (user_id) DO UPDATE SET
				tier = excluded.tier,
				updated_us = excluded.updated_us`,
		ent.UserID, ent.Tier, toMicros(ent.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to set entitlement: %w", err)
	}
	return nil
}

// ListUsersByTier implements usagemeter.UserLister
func (s *Storage) ListUsersByTier(ctx context.Context, tier string) ([]string, error) {
	return s.queryUsers(ctx,
		`SELECT user_id FROM entitlements WHERE tier = ? ORDER BY user_id`, tier)
}

// ListUsersWithoutEntitlement implements usagemeter.UserLister
func (s *Storage) ListUsersWithoutEntitlement(ctx context.Context) ([]string, error) {
	return s.queryUsers(ctx,
		`SELECT DISTINCT q.user_id FROM quota_records q
			LEFT JOIN entitlements e ON e.user_id = q.user_id
			WHERE e.user_id IS NULL
			ORDER BY q.user_id`)
}

func (s *Storage) queryUsers(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	return users, nil
}

// Times are stored as UTC unix microseconds

func toMicros(t time.Time) int64 {
	return t.UnixMicro()
}

func fromMicros(us int64) time.Time {
	return time.UnixMicro(us).UTC()
}

func toNullMicros(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMicro(), Valid: true}
}

func fromNullMicros(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromMicros(n.Int64)
	return &t
}

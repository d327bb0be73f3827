// Package postgres provides a PostgreSQL implementation of the usagemeter.Storage interface.
// Quota increments are single guarded UPDATE statements; read-modify-write
// transitions use SELECT FOR UPDATE inside a transaction.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/usagemeter/pkg/usagemeter"
)

// Storage implements usagemeter.Storage using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config
	logger usagemeter.Logger

	// stopCleanup cancels the background cleanup goroutine
	stopCleanup func()
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// AutoMigrate applies the embedded migrations in New
	AutoMigrate bool

	// Cleanup configuration
	CleanupEnabled    bool
	CleanupInterval   time.Duration // How often to prune the activity log
	ActivityRetention time.Duration // Entries older than this are deleted

	// Logger receives cleanup failures (default: no-op)
	Logger usagemeter.Logger
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:          10,
		MinConns:          2,
		MaxConnLifetime:   time.Hour,
		MaxConnIdleTime:   30 * time.Minute,
		AutoMigrate:       true,
		CleanupEnabled:    true,
		CleanupInterval:   time.Hour,
		ActivityRetention: 48 * time.Hour,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if config.AutoMigrate {
		if _, err := Migrate(pool); err != nil {
			pool.Close()
			return nil, err
		}
	}

	return newStorage(pool, config), nil
}

// NewWithPool wraps an existing pool. The caller keeps ownership of the
// pool and is responsible for running Migrate.
func NewWithPool(pool *pgxpool.Pool, config Config) *Storage {
	return newStorage(pool, config)
}

func newStorage(pool *pgxpool.Pool, config Config) *Storage {
	logger := config.Logger
	if logger == nil {
		logger = &usagemeter.NoopLogger{}
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = time.Hour
	}
	if config.ActivityRetention <= 0 {
		config.ActivityRetention = 48 * time.Hour
	}

	cleanupCtx, cancel := context.WithCancel(context.Background())
	s := &Storage{
		pool:        pool,
		config:      config,
		logger:      logger,
		stopCleanup: cancel,
	}

	if config.CleanupEnabled {
		go s.startCleanup(cleanupCtx)
	}
	return s
}

// Close closes the PostgreSQL connection pool and stops background cleanup
func (s *Storage) Close() {
	if s.stopCleanup != nil {
		s.stopCleanup()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

const recordColumns = `user_id, limit_type, current_usage, limit_value, burst_limit,
	window_start, window_duration_ms, violation_count, last_violation_at,
	is_blocked, blocked_until, created_at, updated_at`

func scanRecord(row pgx.Row) (*usagemeter.QuotaRecord, error) {
	var (
		rec        usagemeter.QuotaRecord
		limitType  string
		durationMS int64
	)
	err := row.Scan(
		&rec.UserID,
		&limitType,
		&rec.CurrentUsage,
		&rec.LimitValue,
		&rec.BurstLimit,
		&rec.WindowStart,
		&durationMS,
		&rec.ViolationCount,
		&rec.LastViolationAt,
		&rec.IsBlocked,
		&rec.BlockedUntil,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.LimitType = usagemeter.LimitType(limitType)
	rec.WindowDuration = time.Duration(durationMS) * time.Millisecond
	rec.WindowStart = rec.WindowStart.UTC()
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	rec.LastViolationAt = utcPtr(rec.LastViolationAt)
	rec.BlockedUntil = utcPtr(rec.BlockedUntil)
	return &rec, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// GetOrCreate implements usagemeter.QuotaStore
func (s *Storage) GetOrCreate(ctx context.Context, seed *usagemeter.QuotaRecord) (*usagemeter.QuotaRecord, error) {
	if seed == nil || seed.UserID == "" {
		return nil, fmt.Errorf("%w: invalid quota record", usagemeter.ErrValidation)
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO quota_records (`+recordColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			ON CONFLICT (user_id, limit_type) DO NOTHING`,
		seed.UserID, string(seed.LimitType), seed.CurrentUsage, seed.LimitValue, seed.BurstLimit,
		seed.WindowStart, seed.WindowDuration.Milliseconds(), seed.ViolationCount, seed.LastViolationAt,
		seed.IsBlocked, seed.BlockedUntil, seed.CreatedAt, seed.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert quota record: %w", err)
	}

	rec, err := s.getRecord(ctx, s.pool, seed.UserID, seed.LimitType, false)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Storage) getRecord(ctx context.Context, q querier, userID string, lt usagemeter.LimitType,
	forUpdate bool) (*usagemeter.QuotaRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM quota_records WHERE user_id = $1 AND limit_type = $2`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	rec, err := scanRecord(q.QueryRow(ctx, query, userID, string(lt)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, usagemeter.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get quota record: %w", err)
	}
	return rec, nil
}

// ConditionalIncrement implements usagemeter.QuotaStore with one guarded UPDATE
func (s *Storage) ConditionalIncrement(ctx context.Context, userID string, limitType usagemeter.LimitType,
	delta, maxAllowed int, at time.Time) (bool, *usagemeter.QuotaRecord, error) {
	rec, err := scanRecord(s.pool.QueryRow(ctx,
		`UPDATE quota_records
			SET current_usage = current_usage + $3, updated_at = $5
			WHERE user_id = $1 AND limit_type = $2 AND current_usage + $3 <= $4
			RETURNING `+recordColumns,
		userID, string(limitType), delta, maxAllowed, at,
	))
	if err == nil {
		return true, rec, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return false, nil, fmt.Errorf("failed to increment usage: %w", err)
	}

	// Nothing updated: either the record is missing or the guard refused
	rec, err = s.getRecord(ctx, s.pool, userID, limitType, false)
	if err != nil {
		return false, nil, err
	}
	return false, rec, nil
}

// Mutate implements usagemeter.QuotaStore using SELECT FOR UPDATE
func (s *Storage) Mutate(ctx context.Context, userID string, limitType usagemeter.LimitType,
	fn func(*usagemeter.QuotaRecord) error) (*usagemeter.QuotaRecord, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	current, err := s.getRecord(ctx, tx, userID, limitType, true)
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

	_, err = tx.Exec(ctx,
		`UPDATE quota_records SET
				current_usage = $3, limit_value = $4, burst_limit = $5,
				window_start = $6, window_duration_ms = $7, violation_count = $8,
				last_violation_at = $9, is_blocked = $10, blocked_until = $11, updated_at = $12
			WHERE user_id = $1 AND limit_type = $2`,
		userID, string(limitType), working.CurrentUsage, working.LimitValue, working.BurstLimit,
		working.WindowStart, working.WindowDuration.Milliseconds(), working.ViolationCount,
		working.LastViolationAt, working.IsBlocked, working.BlockedUntil, working.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update quota record: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return working, nil
}

// ListRecords implements usagemeter.QuotaStore
func (s *Storage) ListRecords(ctx context.Context, userID string) ([]*usagemeter.QuotaRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+recordColumns+` FROM quota_records WHERE user_id = $1 ORDER BY limit_type`, userID)
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

// Record implements usagemeter.ActivityLog. A transaction-scoped advisory
// lock on (user, endpoint) serializes the count and the insert.
func (s *Storage) Record(ctx context.Context, entry *usagemeter.ActivityLogEntry, since time.Time,
	limit int) (usagemeter.ActivityWindow, error) {
	if entry == nil || entry.UserID == "" {
		return usagemeter.ActivityWindow{}, fmt.Errorf("%w: invalid activity entry", usagemeter.ErrValidation)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return usagemeter.ActivityWindow{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1::text || '|' || $2::text))`,
		entry.UserID, entry.Endpoint); err != nil {
		return usagemeter.ActivityWindow{}, fmt.Errorf("failed to lock activity window: %w", err)
	}

	var (
		count  int
		oldest *time.Time
	)
	err = tx.QueryRow(ctx,
		`SELECT count(*), min(ts) FROM api_activity_log
			WHERE user_id = $1 AND endpoint = $2 AND ts >= $3`,
		entry.UserID, entry.Endpoint, since).Scan(&count, &oldest)
	if err != nil {
		return usagemeter.ActivityWindow{}, fmt.Errorf("failed to count activity: %w", err)
	}

	w := usagemeter.ActivityWindow{Count: count}
	if oldest != nil {
		w.Oldest = oldest.UTC()
	}
	if limit > 0 && count >= limit {
		return w, nil
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO api_activity_log (id, user_id, endpoint, ts) VALUES ($1, $2, $3, $4)`,
		entry.ID, entry.UserID, entry.Endpoint, entry.Timestamp)
	if err != nil {
		return usagemeter.ActivityWindow{}, fmt.Errorf("failed to insert activity: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return usagemeter.ActivityWindow{}, fmt.Errorf("failed to commit: %w", err)
	}

	w.Recorded = true
	return w, nil
}

// Prune implements usagemeter.ActivityLog
func (s *Storage) Prune(ctx context.Context, before time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM api_activity_log WHERE ts < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to prune activity log: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// GetEntitlement implements usagemeter.TierSource
func (s *Storage) GetEntitlement(ctx context.Context, userID string) (*usagemeter.Entitlement, error) {
	var ent usagemeter.Entitlement
	err := s.pool.QueryRow(ctx,
		`SELECT user_id, tier, updated_at FROM entitlements WHERE user_id = $1`,
		userID).Scan(&ent.UserID, &ent.Tier, &ent.UpdatedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, usagemeter.ErrEntitlementNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entitlement: %w", err)
	}

	ent.UpdatedAt = ent.UpdatedAt.UTC()
	return &ent, nil
}

// SetEntitlement implements usagemeter.EntitlementStore
func (s *Storage) SetEntitlement(ctx context.Context, ent *usagemeter.Entitlement) error {
	if ent == nil || ent.UserID == "" {
		return fmt.Errorf("%w: invalid entitlement", usagemeter.ErrValidation)
	}

	updatedAt := ent.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO entitlements (user_id, tier, updated_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (user_id) DO UPDATE SET
				tier = EXCLUDED.tier,
				updated_at = EXCLUDED.updated_at`,
		ent.UserID, ent.Tier, updatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to set entitlement: %w", err)
	}
	return nil
}

// ListUsersByTier implements usagemeter.UserLister
func (s *Storage) ListUsersByTier(ctx context.Context, tier string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id FROM entitlements WHERE tier = $1 ORDER BY user_id`, tier)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}

	users, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	return users, nil
}

// ListUsersWithoutEntitlement implements usagemeter.UserLister
func (s *Storage) ListUsersWithoutEntitlement(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT q.user_id FROM quota_records q
			WHERE NOT EXISTS (SELECT 1 FROM entitlements e WHERE e.user_id = q.user_id)
			ORDER BY q.user_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}

	users, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	return users, nil
}

// startCleanup prunes the activity log until ctx is cancelled via Close
func (s *Storage) startCleanup(ctx context.Context) {
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Cleanup(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("activity log cleanup failed", usagemeter.Field{Key: "error", Value: err.Error()})
			}
		}
	}
}

// Cleanup deletes activity entries older than ActivityRetention
func (s *Storage) Cleanup(ctx context.Context) (int, error) {
	return s.Prune(ctx, time.Now().UTC().Add(-s.config.ActivityRetention))
}

// Ping checks the PostgreSQL connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Pool returns the underlying connection pool
func (s *Storage) Pool() *pgxpool.Pool {
	return s.pool
}

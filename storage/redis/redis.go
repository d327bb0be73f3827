// Package redis provides a Redis implementation of the usagemeter.Storage interface.
// Quota counters and the activity log are updated by Lua scripts so every
// check-and-write happens in a single round trip.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/usagemeter/pkg/usagemeter"
)

// ErrTooManyConflicts is returned when an optimistic transaction keeps
// losing the race after MaxRetries attempts
var ErrTooManyConflicts = errors.New("redis: too many transaction conflicts")

// Storage implements usagemeter.Storage using Redis
type Storage struct {
	client  redis.UniversalClient
	config  Config
	scripts map[string]*redis.Script
}

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "usagemeter:")
	KeyPrefix string

	// ActivityTTL expires idle activity-log keys (0 = rely on Prune only)
	ActivityTTL time.Duration

	// MaxRetries bounds WATCH/MULTI retries for Mutate and SetEntitlement (default: 3)
	MaxRetries int

	// Logger receives activity index failures (default: no-op)
	Logger usagemeter.Logger
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix:   "usagemeter:",
		ActivityTTL: 48 * time.Hour,
		MaxRetries:  3,
	}
}

// New creates a new Redis storage adapter.
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring.
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	if config.KeyPrefix == "" {
		config.KeyPrefix = "usagemeter:"
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.Logger == nil {
		config.Logger = &usagemeter.NoopLogger{}
	}

	s := &Storage{
		client:  client,
		config:  config,
		scripts: make(map[string]*redis.Script),
	}
	s.loadScripts()

	return s, nil
}

func (s *Storage) loadScripts() {
	// Insert the seed unless the record exists, then return the stored fields
	s.scripts["getOrCreate"] = redis.NewScript(`
		local key = KEYS[1]
		local index = KEYS[2]

		if redis.call('EXISTS', key) == 0 then
			redis.call('HSET', key, 'data', ARGV[1], 'used', ARGV[2], 'updated', ARGV[3])
			redis.call('SADD', index, ARGV[4])
		end

		return redis.call('HMGET', key, 'data', 'used', 'updated')
	`)

	// Compare-and-set increment: apply delta only while used+delta <= max
	s.scripts["increment"] = redis.NewScript(`
		local key = KEYS[1]
		local delta = tonumber(ARGV[1])
		local max = tonumber(ARGV[2])

		if redis.call('EXISTS', key) == 0 then
			return {-1, '', '0', ''}
		end

		local used = tonumber(redis.call('HGET', key, 'used') or '0')
		local status = 0
		if used + delta <= max then
			used = redis.call('HINCRBY', key, 'used', delta)
			redis.call('HSET', key, 'updated', ARGV[3])
			status = 1
		end

		local fields = redis.call('HMGET', key, 'data', 'updated')
		return {status, fields[1], tostring(used), fields[2]}
	`)

	// Sliding window: count entries at or after since, append when below the ceiling
	s.scripts["record"] = redis.NewScript(`
		local key = KEYS[1]
		local since = ARGV[1]
		local limit = tonumber(ARGV[2])
		local score = ARGV[3]
		local member = ARGV[4]
		local ttl = tonumber(ARGV[5])

		local count = redis.call('ZCOUNT', key, since, '+inf')
		local oldest = ''
		if count > 0 then
			local first = redis.call('ZRANGEBYSCORE', key, since, '+inf', 'WITHSCORES', 'LIMIT', 0, 1)
			oldest = first[2]
		end

		if limit > 0 and count >= limit then
			return {count, oldest, 0}
		end

		redis.call('ZADD', key, score, member)
		if ttl > 0 then
			redis.call('PEXPIRE', key, ttl)
		end

		return {count, oldest, 1}
	`)
}

// recordData is the JSON stored in a quota hash. Usage and UpdatedAt
// live in their own hash fields so the increment script can touch them.
type recordData struct {
	LimitValue      int           `json:"limit"`
	BurstLimit      int           `json:"burst,omitempty"`
	WindowStart     time.Time     `json:"windowStart"`
	WindowDuration  time.Duration `json:"windowDuration"`
	ViolationCount  int           `json:"violations,omitempty"`
	LastViolationAt *time.Time    `json:"lastViolationAt,omitempty"`
	IsBlocked       bool          `json:"blocked,omitempty"`
	BlockedUntil    *time.Time    `json:"blockedUntil,omitempty"`
	CreatedAt       time.Time     `json:"createdAt"`
}

func encodeRecord(rec *usagemeter.QuotaRecord) (data, used, updated string, err error) {
	b, err := json.Marshal(recordData{
		LimitValue:      rec.LimitValue,
		BurstLimit:      rec.BurstLimit,
		WindowStart:     rec.WindowStart,
		WindowDuration:  rec.WindowDuration,
		ViolationCount:  rec.ViolationCount,
		LastViolationAt: rec.LastViolationAt,
		IsBlocked:       rec.IsBlocked,
		BlockedUntil:    rec.BlockedUntil,
		CreatedAt:       rec.CreatedAt,
	})
	if err != nil {
		return "", "", "", fmt.Errorf("failed to marshal quota record: %w", err)
	}
	return string(b), strconv.Itoa(rec.CurrentUsage), formatTime(rec.UpdatedAt), nil
}

func decodeRecord(userID string, lt usagemeter.LimitType, data, used, updated string) (*usagemeter.QuotaRecord, error) {
	var d recordData
	if err := json.Unmarshal([]byte(data), &d); err != nil {
		return nil, fmt.Errorf("failed to unmarshal quota record: %w", err)
	}
	n, err := strconv.Atoi(used)
	if err != nil {
		return nil, fmt.Errorf("failed to parse usage: %w", err)
	}
	updatedAt, err := parseTime(updated)
	if err != nil {
		return nil, fmt.Errorf("failed to parse updated time: %w", err)
	}
	return &usagemeter.QuotaRecord{
		UserID:          userID,
		LimitType:       lt,
		CurrentUsage:    n,
		LimitValue:      d.LimitValue,
		BurstLimit:      d.BurstLimit,
		WindowStart:     d.WindowStart,
		WindowDuration:  d.WindowDuration,
		ViolationCount:  d.ViolationCount,
		LastViolationAt: d.LastViolationAt,
		IsBlocked:       d.IsBlocked,
		BlockedUntil:    d.BlockedUntil,
		CreatedAt:       d.CreatedAt,
		UpdatedAt:       updatedAt,
	}, nil
}

// decodeFields decodes a [data, used, updated] reply
func decodeFields(userID string, lt usagemeter.LimitType, vals []interface{}) (*usagemeter.QuotaRecord, error) {
	if len(vals) != 3 || vals[0] == nil {
		return nil, usagemeter.ErrRecordNotFound
	}
	data, _ := vals[0].(string)
	used, _ := vals[1].(string)
	updated, _ := vals[2].(string)
	if used == "" {
		used = "0"
	}
	return decodeRecord(userID, lt, data, used, updated)
}

// GetOrCreate implements usagemeter.QuotaStore
func (s *Storage) GetOrCreate(ctx context.Context, seed *usagemeter.QuotaRecord) (*usagemeter.QuotaRecord, error) {
	if seed == nil || seed.UserID == "" {
		return nil, fmt.Errorf("%w: invalid quota record", usagemeter.ErrValidation)
	}

	data, used, updated, err := encodeRecord(seed)
	if err != nil {
		return nil, err
	}

	keys := []string{s.quotaKey(seed.UserID, seed.LimitType), s.indexKey(seed.UserID)}
	result, err := s.scripts["getOrCreate"].Run(ctx, s.client, keys, data, used, updated, string(seed.LimitType)).Slice()
	if err != nil {
		return nil, fmt.Errorf("failed to execute get-or-create script: %w", err)
	}

	return decodeFields(seed.UserID, seed.LimitType, result)
}

// ConditionalIncrement implements usagemeter.QuotaStore
func (s *Storage) ConditionalIncrement(ctx context.Context, userID string, limitType usagemeter.LimitType,
	delta, maxAllowed int, at time.Time) (bool, *usagemeter.QuotaRecord, error) {
	key := s.quotaKey(userID, limitType)

	result, err := s.scripts["increment"].Run(ctx, s.client, []string{key}, delta, maxAllowed, formatTime(at)).Slice()
	if err != nil {
		return false, nil, fmt.Errorf("failed to execute increment script: %w", err)
	}
	if len(result) != 4 {
		return false, nil, fmt.Errorf("unexpected increment script result")
	}

	status, ok := result[0].(int64)
	if !ok {
		return false, nil, fmt.Errorf("failed to parse increment status")
	}
	if status < 0 {
		return false, nil, usagemeter.ErrRecordNotFound
	}

	rec, err := decodeFields(userID, limitType, result[1:])
	if err != nil {
		return false, nil, err
	}
	return status == 1, rec, nil
}

// Mutate implements usagemeter.QuotaStore using WATCH/MULTI/EXEC
func (s *Storage) Mutate(ctx context.Context, userID string, limitType usagemeter.LimitType,
	fn func(*usagemeter.QuotaRecord) error) (*usagemeter.QuotaRecord, error) {
	key := s.quotaKey(userID, limitType)

	var out *usagemeter.QuotaRecord
	err := s.watch(ctx, func(tx *redis.Tx) error {
		vals, err := tx.HMGet(ctx, key, "data", "used", "updated").Result()
		if err != nil {
			return fmt.Errorf("failed to get quota record: %w", err)
		}
		current, err := decodeFields(userID, limitType, vals)
		if err != nil {
			return err
		}

		working := current.Clone()
		if err := fn(working); err != nil {
			if errors.Is(err, usagemeter.ErrNoChange) {
				out = current
				return nil
			}
			return err
		}
		working.UserID, working.LimitType = userID, limitType

		data, used, updated, err := encodeRecord(working)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, "data", data, "used", used, "updated", updated)
			return nil
		})
		if err != nil {
			return err
		}
		out = working
		return nil
	}, key)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// watch runs fn in an optimistic transaction, retrying when a watched key changes
func (s *Storage) watch(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error {
	for i := 0; i < s.config.MaxRetries; i++ {
		err := s.client.Watch(ctx, fn, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return ErrTooManyConflicts
}

// ListRecords implements usagemeter.QuotaStore
func (s *Storage) ListRecords(ctx context.Context, userID string) ([]*usagemeter.QuotaRecord, error) {
	members, err := s.client.SMembers(ctx, s.indexKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list quota records: %w", err)
	}
	sort.Strings(members)

	pipe := s.client.Pipeline()
	cmds := make([]*redis.SliceCmd, len(members))
	for i, m := range members {
		cmds[i] = pipe.HMGet(ctx, s.quotaKey(userID, usagemeter.LimitType(m)), "data", "used", "updated")
	}
	if len(members) > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("failed to get quota records: %w", err)
		}
	}

	out := make([]*usagemeter.QuotaRecord, 0, len(members))
	for i, m := range members {
		rec, err := decodeFields(userID, usagemeter.LimitType(m), cmds[i].Val())
		if errors.Is(err, usagemeter.ErrRecordNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Record implements usagemeter.ActivityLog with one sorted set per (user, endpoint)
func (s *Storage) Record(ctx context.Context, entry *usagemeter.ActivityLogEntry, since time.Time,
	limit int) (usagemeter.ActivityWindow, error) {
	if entry == nil || entry.UserID == "" {
		return usagemeter.ActivityWindow{}, fmt.Errorf("%w: invalid activity entry", usagemeter.ErrValidation)
	}

	key := s.activityKey(entry.UserID, entry.Endpoint)
	score := strconv.FormatInt(entry.Timestamp.UnixMicro(), 10)
	member := entry.ID
	if member == "" {
		member = score
	}

	result, err := s.scripts["record"].Run(ctx, s.client, []string{key},
		strconv.FormatInt(since.UnixMicro(), 10), limit, score, member, s.config.ActivityTTL.Milliseconds()).Slice()
	if err != nil {
		return usagemeter.ActivityWindow{}, fmt.Errorf("failed to execute record script: %w", err)
	}
	if len(result) != 3 {
		return usagemeter.ActivityWindow{}, fmt.Errorf("unexpected record script result")
	}

	count, _ := result[0].(int64)
	recorded, _ := result[2].(int64)
	w := usagemeter.ActivityWindow{Count: int(count), Recorded: recorded == 1}
	if oldest, _ := result[1].(string); oldest != "" {
		micros, err := strconv.ParseFloat(oldest, 64)
		if err != nil {
			return usagemeter.ActivityWindow{}, fmt.Errorf("failed to parse oldest score: %w", err)
		}
		w.Oldest = time.UnixMicro(int64(micros)).UTC()
	}

	// The entry is already counted. The index lives outside the key's slot,
	// so it is written after the script and only Prune depends on it.
	if w.Recorded {
		if err := s.client.SAdd(ctx, s.activityIndexKey(), key).Err(); err != nil {
			s.config.Logger.Warn("failed to index activity key",
				usagemeter.Field{Key: "key", Value: key},
				usagemeter.Field{Key: "error", Value: err.Error()},
			)
		}
	}
	return w, nil
}

// Prune implements usagemeter.ActivityLog
func (s *Storage) Prune(ctx context.Context, before time.Time) (int, error) {
	keys, err := s.client.SMembers(ctx, s.activityIndexKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list activity keys: %w", err)
	}

	upper := "(" + strconv.FormatInt(before.UnixMicro(), 10)
	deleted := 0
	for _, key := range keys {
		n, err := s.client.ZRemRangeByScore(ctx, key, "-inf", upper).Result()
		if err != nil {
			return deleted, fmt.Errorf("failed to prune %s: %w", key, err)
		}
		deleted += int(n)

		remaining, err := s.client.ZCard(ctx, key).Result()
		if err != nil {
			return deleted, fmt.Errorf("failed to count %s: %w", key, err)
		}
		if remaining == 0 {
			if err := s.client.SRem(ctx, s.activityIndexKey(), key).Err(); err != nil {
				return deleted, fmt.Errorf("failed to unindex %s: %w", key, err)
			}
		}
	}
	return deleted, nil
}

// GetEntitlement implements usagemeter.TierSource
func (s *Storage) GetEntitlement(ctx context.Context, userID string) (*usagemeter.Entitlement, error) {
	data, err := s.client.Get(ctx, s.entitlementKey(userID)).Bytes()
	if err == redis.Nil {
		return nil, usagemeter.ErrEntitlementNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entitlement: %w", err)
	}

	var ent usagemeter.Entitlement
	if err := json.Unmarshal(data, &ent); err != nil {
		return nil, fmt.Errorf("failed to unmarshal entitlement: %w", err)
	}
	return &ent, nil
}

// SetEntitlement implements usagemeter.EntitlementStore.
// The entitlement and both tier sets change in one transaction.
func (s *Storage) SetEntitlement(ctx context.Context, ent *usagemeter.Entitlement) error {
	if ent == nil || ent.UserID == "" {
		return fmt.Errorf("%w: invalid entitlement", usagemeter.ErrValidation)
	}

	data, err := json.Marshal(ent)
	if err != nil {
		return fmt.Errorf("failed to marshal entitlement: %w", err)
	}

	key := s.entitlementKey(ent.UserID)
	return s.watch(ctx, func(tx *redis.Tx) error {
		var previous usagemeter.Entitlement
		old, err := tx.Get(ctx, key).Bytes()
		switch {
		case err == redis.Nil:
		case err != nil:
			return fmt.Errorf("failed to get entitlement: %w", err)
		default:
			if err := json.Unmarshal(old, &previous); err != nil {
				return fmt.Errorf("failed to unmarshal entitlement: %w", err)
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if previous.Tier != "" && previous.Tier != ent.Tier {
				pipe.SRem(ctx, s.tierKey(previous.Tier), ent.UserID)
			}
			pipe.Set(ctx, key, data, 0)
			pipe.SAdd(ctx, s.tierKey(ent.Tier), ent.UserID)
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to set entitlement: %w", err)
		}
		return nil
	}, key)
}

// ListUsersByTier implements usagemeter.UserLister
func (s *Storage) ListUsersByTier(ctx context.Context, tier string) ([]string, error) {
	users, err := s.client.SMembers(ctx, s.tierKey(tier)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	sort.Strings(users)
	return users, nil
}

// ListUsersWithoutEntitlement implements usagemeter.UserLister by scanning
// the per-user record indexes on every shard
func (s *Storage) ListUsersWithoutEntitlement(ctx context.Context) ([]string, error) {
	head := s.config.KeyPrefix + "quotas:{"
	keys, err := s.scanKeys(ctx, head+"*}")
	if err != nil {
		return nil, fmt.Errorf("failed to scan quota indexes: %w", err)
	}

	seen := make(map[string]bool, len(keys))
	users := make([]string, 0, len(keys))
	for _, key := range keys {
		userID := strings.TrimSuffix(strings.TrimPrefix(key, head), "}")
		if userID == "" || seen[userID] {
			continue
		}
		seen[userID] = true
		users = append(users, userID)
	}
	if len(users) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.IntCmd, len(users))
	for i, userID := range users {
		cmds[i] = pipe.Exists(ctx, s.entitlementKey(userID))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to check entitlements: %w", err)
	}

	out := users[:0]
	for i, userID := range users {
		if cmds[i].Val() == 0 {
			out = append(out, userID)
		}
	}
	sort.Strings(out)
	return out, nil
}

// scanKeys returns the keys matching pattern, visiting every master of a
// cluster or every shard of a ring
func (s *Storage) scanKeys(ctx context.Context, pattern string) ([]string, error) {
	var (
		mu   sync.Mutex
		keys []string
	)
	scan := func(ctx context.Context, c *redis.Client) error {
		iter := c.Scan(ctx, 0, pattern, 100).Iterator()
		for iter.Next(ctx) {
			mu.Lock()
			keys = append(keys, iter.Val())
			mu.Unlock()
		}
		return iter.Err()
	}

	var err error
	switch c := s.client.(type) {
	case *redis.ClusterClient:
		err = c.ForEachMaster(ctx, scan)
	case *redis.Ring:
		err = c.ForEachShard(ctx, scan)
	case *redis.Client:
		err = scan(ctx, c)
	default:
		iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()
		for iter.Next(ctx) {
			keys = append(keys, iter.Val())
		}
		err = iter.Err()
	}
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// Close closes the Redis client connection
func (s *Storage) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Keys sharing a {userID} hash tag land in the same cluster slot,
// which the multi-key getOrCreate script requires.

func (s *Storage) quotaKey(userID string, lt usagemeter.LimitType) string {
	return fmt.Sprintf("%squota:{%s}:%s", s.config.KeyPrefix, userID, lt)
}

func (s *Storage) indexKey(userID string) string {
	return fmt.Sprintf("%squotas:{%s}", s.config.KeyPrefix, userID)
}

func (s *Storage) activityKey(userID, endpoint string) string {
	return fmt.Sprintf("%sactivity:{%s}:%s", s.config.KeyPrefix, userID, endpoint)
}

func (s *Storage) activityIndexKey() string {
	return s.config.KeyPrefix + "activity-keys"
}

func (s *Storage) entitlementKey(userID string) string {
	return fmt.Sprintf("%sentitlement:%s", s.config.KeyPrefix, userID)
}

func (s *Storage) tierKey(tier string) string {
	return fmt.Sprintf("%stier:%s", s.config.KeyPrefix, tier)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

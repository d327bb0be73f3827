package redis

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/usagemeter/pkg/usagemeter"
	"github.com/mihaimyh/usagemeter/storage/storagetest"
)

func setupMiniredis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func newTestStorage(t *testing.T, config Config) (*miniredis.Miniredis, *Storage) {
	t.Helper()
	mr, client := setupMiniredis(t)
	s, err := New(client, config)
	require.NoError(t, err)
	return mr, s
}

func TestStorage_Suite(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) usagemeter.Storage {
		_, s := newTestStorage(t, DefaultConfig())
		return s
	})
}

func TestNew(t *testing.T) {
	tests := []struct {
		name       string
		client     redis.UniversalClient
		config     Config
		wantErr    bool
		wantPrefix string
		wantRetry  int
	}{
		{
			name:    "nil client",
			client:  nil,
			config:  DefaultConfig(),
			wantErr: true,
		},
		{
			name:       "default config",
			client:     redis.NewClient(&redis.Options{Addr: "localhost:6379"}),
			config:     DefaultConfig(),
			wantPrefix: "usagemeter:",
			wantRetry:  3,
		},
		{
			name:       "empty config uses defaults",
			client:     redis.NewClient(&redis.Options{Addr: "localhost:6379"}),
			config:     Config{},
			wantPrefix: "usagemeter:",
			wantRetry:  3,
		},
		{
			name:       "custom prefix",
			client:     redis.NewClient(&redis.Options{Addr: "localhost:6379"}),
			config:     Config{KeyPrefix: "test:", MaxRetries: 5},
			wantPrefix: "test:",
			wantRetry:  5,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := New(tt.client, tt.config)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantPrefix, s.config.KeyPrefix)
			assert.Equal(t, tt.wantRetry, s.config.MaxRetries)
			assert.Len(t, s.scripts, 3)
		})
	}
}

func TestStorage_KeyLayout(t *testing.T) {
	mr, s := newTestStorage(t, Config{KeyPrefix: "meter:"})
	ctx := context.Background()

	_, err := s.GetOrCreate(ctx, storagetest.Seed("user1", usagemeter.LimitTypeScan, 3))
	require.NoError(t, err)
	require.NoError(t, s.SetEntitlement(ctx, &usagemeter.Entitlement{UserID: "user1", Tier: "free"}))

	assert.True(t, mr.Exists("meter:quota:{user1}:scan"))
	assert.True(t, mr.Exists("meter:entitlement:user1"))

	members, err := mr.Members("meter:quotas:{user1}")
	require.NoError(t, err)
	assert.Equal(t, []string{"scan"}, members)

	members, err = mr.Members("meter:tier:free")
	require.NoError(t, err)
	assert.Equal(t, []string{"user1"}, members)

	used := mr.HGet("meter:quota:{user1}:scan", "used")
	assert.Equal(t, "0", used)
}

func TestStorage_ActivityTTL(t *testing.T) {
	mr, s := newTestStorage(t, Config{ActivityTTL: 2 * time.Hour})
	ctx := context.Background()

	at := storagetest.Base
	entry := &usagemeter.ActivityLogEntry{ID: "e1", UserID: "user1", Endpoint: "/search", Timestamp: at}
	w, err := s.Record(ctx, entry, at.Add(-time.Minute), 10)
	require.NoError(t, err)
	assert.True(t, w.Recorded)

	key := "usagemeter:activity:{user1}:/search"
	assert.Equal(t, 2*time.Hour, mr.TTL(key))

	mr.FastForward(3 * time.Hour)
	assert.False(t, mr.Exists(key))

	// the stale index entry is dropped on the next prune
	n, err := s.Prune(ctx, at.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	members, err := mr.Members("usagemeter:activity-keys")
	assert.True(t, err != nil || len(members) == 0)
}

type warnLogger struct {
	usagemeter.NoopLogger
	mu    sync.Mutex
	warns []string
}

func (l *warnLogger) Warn(msg string, fields ...usagemeter.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warns = append(l.warns, msg)
}

func TestStorage_RecordCountsEntryWhenIndexFails(t *testing.T) {
	logger := &warnLogger{}
	mr, s := newTestStorage(t, Config{Logger: logger})
	ctx := context.Background()

	// a string at the index key makes SADD fail with WRONGTYPE
	require.NoError(t, mr.Set("usagemeter:activity-keys", "taken"))

	at := storagetest.Base
	w, err := s.Record(ctx, &usagemeter.ActivityLogEntry{ID: "e1", UserID: "user1", Endpoint: "/search", Timestamp: at}, at.Add(-time.Minute), 10)
	require.NoError(t, err)
	assert.True(t, w.Recorded)
	assert.Equal(t, []string{"failed to index activity key"}, logger.warns)

	w, err = s.Record(ctx, &usagemeter.ActivityLogEntry{ID: "e2", UserID: "user1", Endpoint: "/search", Timestamp: at.Add(time.Second)}, at.Add(-time.Minute), 10)
	require.NoError(t, err)
	assert.True(t, w.Recorded)
	assert.Equal(t, 1, w.Count)
}

func TestStorage_UsersWithoutEntitlementHonoursPrefix(t *testing.T) {
	mr, s := newTestStorage(t, Config{KeyPrefix: "meter:"})
	ctx := context.Background()

	_, err := s.GetOrCreate(ctx, storagetest.Seed("user1", usagemeter.LimitTypeScan, 3))
	require.NoError(t, err)
	require.NoError(t, mr.Set("other:quotas:{user2}", "x"))

	users, err := s.ListUsersWithoutEntitlement(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"user1"}, users)
}

func TestStorage_OldestIsMicrosecondPrecise(t *testing.T) {
	_, s := newTestStorage(t, DefaultConfig())
	ctx := context.Background()

	first := storagetest.Base.Add(1234 * time.Microsecond)
	_, err := s.Record(ctx, &usagemeter.ActivityLogEntry{ID: "a", UserID: "u", Endpoint: "/x", Timestamp: first}, storagetest.Base, 1)
	require.NoError(t, err)

	w, err := s.Record(ctx, &usagemeter.ActivityLogEntry{ID: "b", UserID: "u", Endpoint: "/x", Timestamp: first.Add(time.Second)}, storagetest.Base, 1)
	require.NoError(t, err)
	assert.False(t, w.Recorded)
	assert.True(t, w.Oldest.Equal(first), "oldest %v, want %v", w.Oldest, first)
}

func TestStorage_IncrementKeepsRecordFields(t *testing.T) {
	_, s := newTestStorage(t, DefaultConfig())
	ctx := context.Background()

	seed := storagetest.Seed("user1", usagemeter.LimitTypeUpload, 10)
	_, err := s.GetOrCreate(ctx, seed)
	require.NoError(t, err)

	at := storagetest.Base.Add(5 * time.Minute)
	ok, rec, err := s.ConditionalIncrement(ctx, "user1", usagemeter.LimitTypeUpload, 4, 10, at)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 4, rec.CurrentUsage)
	assert.Equal(t, 10, rec.LimitValue)
	assert.Equal(t, 12, rec.BurstLimit)
	assert.True(t, rec.WindowStart.Equal(storagetest.Base))
	assert.True(t, rec.UpdatedAt.Equal(at))
	assert.True(t, rec.CreatedAt.Equal(storagetest.Base))
}

func TestStorage_Ping(t *testing.T) {
	mr, s := newTestStorage(t, DefaultConfig())
	require.NoError(t, s.Ping(context.Background()))

	mr.Close()
	assert.Error(t, s.Ping(context.Background()))
}

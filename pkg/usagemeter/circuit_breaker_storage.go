package usagemeter

import (
	"context"
	"time"
)

// GuardedStorage wraps a Storage with circuit breaker protection and
// per-operation metrics.
type GuardedStorage struct {
	storage Storage
	cb      CircuitBreaker
	metrics Metrics
}

// NewGuardedStorage creates a new storage wrapper. A nil cb disables the breaker.
func NewGuardedStorage(storage Storage, cb CircuitBreaker, metrics Metrics) *GuardedStorage {
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	return &GuardedStorage{storage: storage, cb: cb, metrics: metrics}
}

// Unwrap returns the wrapped storage
func (s *GuardedStorage) Unwrap() Storage {
	return s.storage
}

func (s *GuardedStorage) run(ctx context.Context, op string, fn func() error) error {
	start := time.Now()
	var err error
	if s.cb != nil {
		err = s.cb.Execute(ctx, fn)
	} else {
		err = fn()
	}
	s.metrics.RecordStorageOperation(op, time.Since(start), err)
	return err
}

func (s *GuardedStorage) GetOrCreate(ctx context.Context, seed *QuotaRecord) (*QuotaRecord, error) {
	var rec *QuotaRecord
	err := s.run(ctx, "get_or_create", func() error {
		var e error
		rec, e = s.storage.GetOrCreate(ctx, seed)
		return e
	})
	return rec, err
}

func (s *GuardedStorage) ConditionalIncrement(ctx context.Context, userID string, limitType LimitType,
	delta, maxAllowed int, at time.Time) (bool, *QuotaRecord, error) {
	var (
		ok  bool
		rec *QuotaRecord
	)
	err := s.run(ctx, "conditional_increment", func() error {
		var e error
		ok, rec, e = s.storage.ConditionalIncrement(ctx, userID, limitType, delta, maxAllowed, at)
		return e
	})
	return ok, rec, err
}

func (s *GuardedStorage) Mutate(ctx context.Context, userID string, limitType LimitType,
	fn func(*QuotaRecord) error) (*QuotaRecord, error) {
	var rec *QuotaRecord
	err := s.run(ctx, "mutate", func() error {
		var e error
		rec, e = s.storage.Mutate(ctx, userID, limitType, fn)
		return e
	})
	return rec, err
}

func (s *GuardedStorage) ListRecords(ctx context.Context, userID string) ([]*QuotaRecord, error) {
	var recs []*QuotaRecord
	err := s.run(ctx, "list_records", func() error {
		var e error
		recs, e = s.storage.ListRecords(ctx, userID)
		return e
	})
	return recs, err
}

func (s *GuardedStorage) Record(ctx context.Context, entry *ActivityLogEntry, since time.Time,
	limit int) (ActivityWindow, error) {
	var w ActivityWindow
	err := s.run(ctx, "record_activity", func() error {
		var e error
		w, e = s.storage.Record(ctx, entry, since, limit)
		return e
	})
	return w, err
}

func (s *GuardedStorage) Prune(ctx context.Context, before time.Time) (int, error) {
	var n int
	err := s.run(ctx, "prune_activity", func() error {
		var e error
		n, e = s.storage.Prune(ctx, before)
		return e
	})
	return n, err
}

func (s *GuardedStorage) GetEntitlement(ctx context.Context, userID string) (*Entitlement, error) {
	var ent *Entitlement
	err := s.run(ctx, "get_entitlement", func() error {
		var e error
		ent, e = s.storage.GetEntitlement(ctx, userID)
		return e
	})
	return ent, err
}

func (s *GuardedStorage) SetEntitlement(ctx context.Context, ent *Entitlement) error {
	return s.run(ctx, "set_entitlement", func() error {
		return s.storage.SetEntitlement(ctx, ent)
	})
}

func (s *GuardedStorage) ListUsersByTier(ctx context.Context, tier string) ([]string, error) {
	var users []string
	err := s.run(ctx, "list_users_by_tier", func() error {
		var e error
		users, e = s.storage.ListUsersByTier(ctx, tier)
		return e
	})
	return users, err
}

func (s *GuardedStorage) ListUsersWithoutEntitlement(ctx context.Context) ([]string, error) {
	var users []string
	err := s.run(ctx, "list_users_without_entitlement", func() error {
		var e error
		users, e = s.storage.ListUsersWithoutEntitlement(ctx)
		return e
	})
	return users, err
}

// Ping forwards to the wrapped storage when it implements Pinger
func (s *GuardedStorage) Ping(ctx context.Context) error {
	p, ok := s.storage.(Pinger)
	if !ok {
		return nil
	}
	return s.run(ctx, "ping", func() error {
		return p.Ping(ctx)
	})
}

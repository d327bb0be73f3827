// Package memory provides an in-memory implementation of usagemeter.Storage.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mihaimyh/usagemeter/pkg/usagemeter"
)

type recordKey struct {
	userID    string
	limitType usagemeter.LimitType
}

type activityKey struct {
	userID   string
	endpoint string
}

// Storage implements usagemeter.Storage using in-memory maps
type Storage struct {
	mu           sync.Mutex
	records      map[recordKey]*usagemeter.QuotaRecord
	activity     map[activityKey][]usagemeter.ActivityLogEntry // ordered by timestamp
	entitlements map[string]*usagemeter.Entitlement
}

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		records:      make(map[recordKey]*usagemeter.QuotaRecord),
		activity:     make(map[activityKey][]usagemeter.ActivityLogEntry),
		entitlements: make(map[string]*usagemeter.Entitlement),
	}
}

// GetOrCreate implements usagemeter.QuotaStore
func (s *Storage) GetOrCreate(ctx context.Context, seed *usagemeter.QuotaRecord) (*usagemeter.QuotaRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if seed == nil || seed.UserID == "" {
		return nil, fmt.Errorf("%w: invalid quota record", usagemeter.ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := recordKey{seed.UserID, seed.LimitType}
	if rec, ok := s.records[key]; ok {
		return rec.Clone(), nil
	}
	s.records[key] = seed.Clone()
	return seed.Clone(), nil
}

// ConditionalIncrement implements usagemeter.QuotaStore
func (s *Storage) ConditionalIncrement(ctx context.Context, userID string, limitType usagemeter.LimitType,
	delta, maxAllowed int, at time.Time) (bool, *usagemeter.QuotaRecord, error) {
	if err := ctx.Err(); err != nil {
		return false, nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[recordKey{userID, limitType}]
	if !ok {
		return false, nil, usagemeter.ErrRecordNotFound
	}
	if rec.CurrentUsage+delta > maxAllowed {
		return false, rec.Clone(), nil
	}
	rec.CurrentUsage += delta
	rec.UpdatedAt = at
	return true, rec.Clone(), nil
}

// Mutate implements usagemeter.QuotaStore
func (s *Storage) Mutate(ctx context.Context, userID string, limitType usagemeter.LimitType,
	fn func(*usagemeter.QuotaRecord) error) (*usagemeter.QuotaRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := recordKey{userID, limitType}
	rec, ok := s.records[key]
	if !ok {
		return nil, usagemeter.ErrRecordNotFound
	}

	working := rec.Clone()
	if err := fn(working); err != nil {
		if errors.Is(err, usagemeter.ErrNoChange) {
			return rec.Clone(), nil
		}
		return nil, err
	}
	working.UserID, working.LimitType = userID, limitType
	s.records[key] = working
	return working.Clone(), nil
}

// ListRecords implements usagemeter.QuotaStore
func (s *Storage) ListRecords(ctx context.Context, userID string) ([]*usagemeter.QuotaRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*usagemeter.QuotaRecord
	for key, rec := range s.records {
		if key.userID == userID {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LimitType < out[j].LimitType })
	return out, nil
}

// Record implements usagemeter.ActivityLog
func (s *Storage) Record(ctx context.Context, entry *usagemeter.ActivityLogEntry, since time.Time,
	limit int) (usagemeter.ActivityWindow, error) {
	if err := ctx.Err(); err != nil {
		return usagemeter.ActivityWindow{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := activityKey{entry.UserID, entry.Endpoint}
	entries := s.activity[key]

	var w usagemeter.ActivityWindow
	for _, e := range entries {
		if e.Timestamp.Before(since) {
			continue
		}
		if w.Count == 0 {
			w.Oldest = e.Timestamp
		}
		w.Count++
	}

	if limit > 0 && w.Count >= limit {
		return w, nil
	}

	// keep entries ordered even if timestamps arrive out of order
	i := sort.Search(len(entries), func(i int) bool { return entries[i].Timestamp.After(entry.Timestamp) })
	entries = append(entries, usagemeter.ActivityLogEntry{})
	copy(entries[i+1:], entries[i:])
	entries[i] = *entry
	s.activity[key] = entries

	w.Recorded = true
	return w, nil
}

// Prune implements usagemeter.ActivityLog
func (s *Storage) Prune(ctx context.Context, before time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for key, entries := range s.activity {
		i := sort.Search(len(entries), func(i int) bool { return !entries[i].Timestamp.Before(before) })
		deleted += i
		if i == len(entries) {
			delete(s.activity, key)
			continue
		}
		s.activity[key] = append([]usagemeter.ActivityLogEntry(nil), entries[i:]...)
	}
	return deleted, nil
}

// GetEntitlement implements usagemeter.TierSource
func (s *Storage) GetEntitlement(ctx context.Context, userID string) (*usagemeter.Entitlement, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ent, ok := s.entitlements[userID]
	if !ok {
		return nil, usagemeter.ErrEntitlementNotFound
	}

	// Return a copy to prevent external mutations
	entCopy := *ent
	return &entCopy, nil
}

// SetEntitlement implements usagemeter.EntitlementStore
func (s *Storage) SetEntitlement(ctx context.Context, ent *usagemeter.Entitlement) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ent == nil || ent.UserID == "" {
		return fmt.Errorf("%w: invalid entitlement", usagemeter.ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entCopy := *ent
	s.entitlements[ent.UserID] = &entCopy
	return nil
}

// ListUsersByTier implements usagemeter.UserLister
func (s *Storage) ListUsersByTier(ctx context.Context, tier string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var users []string
	for userID, ent := range s.entitlements {
		if ent.Tier == tier {
			users = append(users, userID)
		}
	}
	sort.Strings(users)
	return users, nil
}

// ListUsersWithoutEntitlement implements usagemeter.UserLister
func (s *Storage) ListUsersWithoutEntitlement(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool)
	var users []string
	for key := range s.records {
		if _, ok := s.entitlements[key.userID]; ok || seen[key.userID] {
			continue
		}
		seen[key.userID] = true
		users = append(users, key.userID)
	}
	sort.Strings(users)
	return users, nil
}

// Ping implements usagemeter.Pinger
func (s *Storage) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Clear removes all data
func (s *Storage) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = make(map[recordKey]*usagemeter.QuotaRecord)
	s.activity = make(map[activityKey][]usagemeter.ActivityLogEntry)
	s.entitlements = make(map[string]*usagemeter.Entitlement)
}

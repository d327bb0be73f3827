// Package firestore provides a Firestore implementation of the usagemeter.Storage interface.
// Every check-and-write runs inside a Firestore transaction.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/usagemeter/pkg/usagemeter"
)

// Storage implements usagemeter.Storage using Google Cloud Firestore
type Storage struct {
	client                 *firestore.Client
	quotasCollection       string
	activityCollection     string
	windowsCollection      string
	entitlementsCollection string
}

// Config holds Firestore storage configuration
type Config struct {
	// QuotasCollection holds one document per (user, limit type)
	// Default: "usagemeter_quotas"
	QuotasCollection string

	// ActivityCollection holds API activity entries
	// Default: "usagemeter_activity"
	ActivityCollection string

	// WindowsCollection holds the per (user, endpoint) documents that
	// serialize concurrent sliding-window checks
	// Default: "usagemeter_activity_windows"
	WindowsCollection string

	// EntitlementsCollection is the Firestore collection for user entitlements
	// Default: "usagemeter_entitlements"
	EntitlementsCollection string
}

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	if config.QuotasCollection == "" {
		config.QuotasCollection = "usagemeter_quotas"
	}
	if config.ActivityCollection == "" {
		config.ActivityCollection = "usagemeter_activity"
	}
	if config.WindowsCollection == "" {
		config.WindowsCollection = "usagemeter_activity_windows"
	}
	if config.EntitlementsCollection == "" {
		config.EntitlementsCollection = "usagemeter_entitlements"
	}

	return &Storage{
		client:                 client,
		quotasCollection:       config.QuotasCollection,
		activityCollection:     config.ActivityCollection,
		windowsCollection:      config.WindowsCollection,
		entitlementsCollection: config.EntitlementsCollection,
	}, nil
}

func isNotFound(err error) bool {
	return status.Code(err) == codes.NotFound
}

func recordData(rec *usagemeter.QuotaRecord) map[string]interface{} {
	return map[string]interface{}{
		"userId":           rec.UserID,
		"limitType":        string(rec.LimitType),
		"currentUsage":     rec.CurrentUsage,
		"limitValue":       rec.LimitValue,
		"burstLimit":       rec.BurstLimit,
		"windowStart":      rec.WindowStart,
		"windowDurationMs": rec.WindowDuration.Milliseconds(),
		"violationCount":   rec.ViolationCount,
		"lastViolationAt":  timeOrNil(rec.LastViolationAt),
		"isBlocked":        rec.IsBlocked,
		"blockedUntil":     timeOrNil(rec.BlockedUntil),
		"createdAt":        rec.CreatedAt,
		"updatedAt":        rec.UpdatedAt,
	}
}

func recordFromData(data map[string]interface{}) *usagemeter.QuotaRecord {
	isBlocked, _ := data["isBlocked"].(bool)
	return &usagemeter.QuotaRecord{
		UserID:          getString(data, "userId"),
		LimitType:       usagemeter.LimitType(getString(data, "limitType")),
		CurrentUsage:    getInt(data, "currentUsage"),
		LimitValue:      getInt(data, "limitValue"),
		BurstLimit:      getInt(data, "burstLimit"),
		WindowStart:     getTime(data, "windowStart"),
		WindowDuration:  time.Duration(getInt(data, "windowDurationMs")) * time.Millisecond,
		ViolationCount:  getInt(data, "violationCount"),
		LastViolationAt: getTimePtr(data, "lastViolationAt"),
		IsBlocked:       isBlocked,
		BlockedUntil:    getTimePtr(data, "blockedUntil"),
		CreatedAt:       getTime(data, "createdAt"),
		UpdatedAt:       getTime(data, "updatedAt"),
	}
}

// GetOrCreate implements usagemeter.QuotaStore
func (s *Storage) GetOrCreate(ctx context.Context, seed *usagemeter.QuotaRecord) (*usagemeter.QuotaRecord, error) {
	if seed == nil || seed.UserID == "" {
		return nil, fmt.Errorf("%w: invalid quota record", usagemeter.ErrValidation)
	}

	doc := s.quotaDoc(seed.UserID, seed.LimitType)
	var out *usagemeter.QuotaRecord

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if err == nil && snap.Exists() {
			out = recordFromData(snap.Data())
			return nil
		}
		if err != nil && !isNotFound(err) {
			return err
		}

		out = seed.Clone()
		return tx.Create(doc, recordData(seed))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get or create quota record: %w", err)
	}
	return out, nil
}

// ConditionalIncrement implements usagemeter.QuotaStore
func (s *Storage) ConditionalIncrement(ctx context.Context, userID string, limitType usagemeter.LimitType,
	delta, maxAllowed int, at time.Time) (bool, *usagemeter.QuotaRecord, error) {
	doc := s.quotaDoc(userID, limitType)
	var (
		applied bool
		out     *usagemeter.QuotaRecord
	)

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		applied = false
		snap, err := tx.Get(doc)
		if err != nil {
			if isNotFound(err) {
				return usagemeter.ErrRecordNotFound
			}
			return err
		}

		out = recordFromData(snap.Data())
		if out.CurrentUsage+delta > maxAllowed {
			return nil
		}

		out.CurrentUsage += delta
		out.UpdatedAt = at
		applied = true
		return tx.Update(doc, []firestore.Update{
			{Path: "currentUsage", Value: out.CurrentUsage},
			{Path: "updatedAt", Value: at},
		})
	})
	if errors.Is(err, usagemeter.ErrRecordNotFound) {
		return false, nil, err
	}
	if err != nil {
		return false, nil, fmt.Errorf("failed to increment usage: %w", err)
	}
	return applied, out, nil
}

// Mutate implements usagemeter.QuotaStore
func (s *Storage) Mutate(ctx context.Context, userID string, limitType usagemeter.LimitType,
	fn func(*usagemeter.QuotaRecord) error) (*usagemeter.QuotaRecord, error) {
	doc := s.quotaDoc(userID, limitType)
	var out *usagemeter.QuotaRecord

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if err != nil {
			if isNotFound(err) {
				return usagemeter.ErrRecordNotFound
			}
			return err
		}

		current := recordFromData(snap.Data())
		working := current.Clone()
		if err := fn(working); err != nil {
			if errors.Is(err, usagemeter.ErrNoChange) {
				out = current
				return nil
			}
			return err
		}
		working.UserID, working.LimitType = userID, limitType

		out = working
		return tx.Set(doc, recordData(working))
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListRecords implements usagemeter.QuotaStore
func (s *Storage) ListRecords(ctx context.Context, userID string) ([]*usagemeter.QuotaRecord, error) {
	iter := s.client.Collection(s.quotasCollection).Where("userId", "==", userID).Documents(ctx)
	defer iter.Stop()

	var out []*usagemeter.QuotaRecord
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list quota records: %w", err)
		}
		out = append(out, recordFromData(snap.Data()))
	}

	sort.Slice(out, func(i, j int) bool { return out[i].LimitType < out[j].LimitType })
	return out, nil
}

// Record implements usagemeter.ActivityLog. The window document is read and
// written in every transaction so concurrent checks on one (user, endpoint)
// conflict and retry instead of both appending.
func (s *Storage) Record(ctx context.Context, entry *usagemeter.ActivityLogEntry, since time.Time,
	limit int) (usagemeter.ActivityWindow, error) {
	if entry == nil || entry.UserID == "" {
		return usagemeter.ActivityWindow{}, fmt.Errorf("%w: invalid activity entry", usagemeter.ErrValidation)
	}

	windowDoc := s.client.Collection(s.windowsCollection).Doc(docID(entry.UserID, entry.Endpoint))
	entries := s.client.Collection(s.activityCollection)
	query := entries.
		Where("userId", "==", entry.UserID).
		Where("endpoint", "==", entry.Endpoint).
		Where("timestamp", ">=", since).
		OrderBy("timestamp", firestore.Asc)

	var w usagemeter.ActivityWindow
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		w = usagemeter.ActivityWindow{}

		if _, err := tx.Get(windowDoc); err != nil && !isNotFound(err) {
			return err
		}

		snaps, err := tx.Documents(query).GetAll()
		if err != nil {
			return err
		}
		w.Count = len(snaps)
		if w.Count > 0 {
			w.Oldest = getTime(snaps[0].Data(), "timestamp")
		}

		if limit > 0 && w.Count >= limit {
			return nil
		}

		ref := entries.NewDoc()
		if entry.ID != "" {
			ref = entries.Doc(entry.ID)
		}
		if err := tx.Create(ref, map[string]interface{}{
			"userId":    entry.UserID,
			"endpoint":  entry.Endpoint,
			"timestamp": entry.Timestamp,
		}); err != nil {
			return err
		}
		w.Recorded = true
		return tx.Set(windowDoc, map[string]interface{}{
			"userId":    entry.UserID,
			"endpoint":  entry.Endpoint,
			"updatedAt": entry.Timestamp,
		})
	})
	if err != nil {
		return usagemeter.ActivityWindow{}, fmt.Errorf("failed to record activity: %w", err)
	}
	return w, nil
}

// Prune implements usagemeter.ActivityLog
func (s *Storage) Prune(ctx context.Context, before time.Time) (int, error) {
	iter := s.client.Collection(s.activityCollection).Where("timestamp", "<", before).Documents(ctx)
	defer iter.Stop()

	bw := s.client.BulkWriter(ctx)
	deleted := 0
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			bw.End()
			return deleted, fmt.Errorf("failed to query old activity: %w", err)
		}
		if _, err := bw.Delete(snap.Ref); err != nil {
			bw.End()
			return deleted, fmt.Errorf("failed to delete activity: %w", err)
		}
		deleted++
	}
	bw.End()
	return deleted, nil
}

// GetEntitlement implements usagemeter.TierSource
func (s *Storage) GetEntitlement(ctx context.Context, userID string) (*usagemeter.Entitlement, error) {
	snap, err := s.client.Collection(s.entitlementsCollection).Doc(userID).Get(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, usagemeter.ErrEntitlementNotFound
		}
		return nil, fmt.Errorf("failed to get entitlement: %w", err)
	}
	if !snap.Exists() {
		return nil, usagemeter.ErrEntitlementNotFound
	}

	data := snap.Data()
	return &usagemeter.Entitlement{
		UserID:    userID,
		Tier:      getString(data, "tier"),
		UpdatedAt: getTime(data, "updatedAt"),
	}, nil
}

// SetEntitlement implements usagemeter.EntitlementStore
func (s *Storage) SetEntitlement(ctx context.Context, ent *usagemeter.Entitlement) error {
	if ent == nil || ent.UserID == "" {
		return fmt.Errorf("%w: invalid entitlement", usagemeter.ErrValidation)
	}

	_, err := s.client.Collection(s.entitlementsCollection).Doc(ent.UserID).Set(ctx, map[string]interface{}{
		"tier":      ent.Tier,
		"updatedAt": ent.UpdatedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to set entitlement: %w", err)
	}
	return nil
}

// ListUsersByTier implements usagemeter.UserLister
func (s *Storage) ListUsersByTier(ctx context.Context, tier string) ([]string, error) {
	iter := s.client.Collection(s.entitlementsCollection).Where("tier", "==", tier).Documents(ctx)
	defer iter.Stop()

	var users []string
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list users: %w", err)
		}
		users = append(users, snap.Ref.ID)
	}
	sort.Strings(users)
	return users, nil
}

// ListUsersWithoutEntitlement implements usagemeter.UserLister
func (s *Storage) ListUsersWithoutEntitlement(ctx context.Context) ([]string, error) {
	iter := s.client.Collection(s.quotasCollection).Select("userId").Documents(ctx)
	defer iter.Stop()

	seen := make(map[string]bool)
	var refs []*firestore.DocumentRef
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list quota records: %w", err)
		}
		userID := getString(snap.Data(), "userId")
		if userID == "" || seen[userID] {
			continue
		}
		seen[userID] = true
		refs = append(refs, s.client.Collection(s.entitlementsCollection).Doc(userID))
	}
	if len(refs) == 0 {
		return nil, nil
	}

	snaps, err := s.client.GetAll(ctx, refs)
	if err != nil {
		return nil, fmt.Errorf("failed to get entitlements: %w", err)
	}
	var users []string
	for _, snap := range snaps {
		if !snap.Exists() {
			users = append(users, snap.Ref.ID)
		}
	}
	sort.Strings(users)
	return users, nil
}

// Ping checks connectivity with a cheap read
func (s *Storage) Ping(ctx context.Context) error {
	_, err := s.client.Collection(s.entitlementsCollection).Doc("_ping").Get(ctx)
	if err != nil && !isNotFound(err) {
		return err
	}
	return nil
}

// Close closes the Firestore client
func (s *Storage) Close() error {
	return s.client.Close()
}

// quotaDoc returns the document for one (user, limit type) pair.
// Structure: usagemeter_quotas/{userID}_{limitType}
func (s *Storage) quotaDoc(userID string, lt usagemeter.LimitType) *firestore.DocumentRef {
	return s.client.Collection(s.quotasCollection).Doc(docID(userID, string(lt)))
}

// docID builds a document ID; "/" is not allowed in IDs
func docID(parts ...string) string {
	return strings.ReplaceAll(strings.Join(parts, "_"), "/", "|")
}

// Helper functions for type conversion from Firestore data

func timeOrNil(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getInt(data map[string]interface{}, key string) int {
	switch v := data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(math.Round(v))
	default:
		return 0
	}
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v.UTC()
	}
	return time.Time{}
}

func getTimePtr(data map[string]interface{}, key string) *time.Time {
	t, ok := data[key].(time.Time)
	if !ok {
		return nil
	}
	t = t.UTC()
	return &t
}

package usagemeter

import (
	"context"
	"time"
)

// QuotaStore persists QuotaRecords keyed by (userID, limitType).
// Every method is atomic for a single key.
type QuotaStore interface {
	// GetOrCreate returns the stored record for seed's key,
	// inserting seed first when no record exists
	GetOrCreate(ctx context.Context, seed *QuotaRecord) (*QuotaRecord, error)

	// ConditionalIncrement adds delta to CurrentUsage only when
	// CurrentUsage+delta <= maxAllowed, as one compare-and-set.
	// Returns whether the increment was applied and the record after the attempt.
	// Returns ErrRecordNotFound when no record exists.
	ConditionalIncrement(ctx context.Context, userID string, limitType LimitType, delta, maxAllowed int, at time.Time) (bool, *QuotaRecord, error)

	// Mutate runs fn on a copy of the stored record and persists the result.
	// Concurrent Mutate and ConditionalIncrement calls on the same key are serialized.
	// fn returning ErrNoChange skips the write and returns the current record.
	// Returns ErrRecordNotFound when no record exists.
	Mutate(ctx context.Context, userID string, limitType LimitType, fn func(*QuotaRecord) error) (*QuotaRecord, error)

	// ListRecords returns every record of a user, ordered by limit type
	ListRecords(ctx context.Context, userID string) ([]*QuotaRecord, error)
}

// ActivityLog is the append-only log behind the sliding-window API limiter
type ActivityLog interface {
	// Record counts entries for (entry.UserID, entry.Endpoint) with Timestamp >= since
	// and appends entry when the count is below limit, as one atomic step.
	// A limit <= 0 always appends.
	Record(ctx context.Context, entry *ActivityLogEntry, since time.Time, limit int) (ActivityWindow, error)

	// Prune deletes entries with Timestamp before the cutoff and returns how many were removed
	Prune(ctx context.Context, before time.Time) (int, error)
}

// EntitlementStore maps users to subscription tiers
type EntitlementStore interface {
	TierSource
	UserLister

	// SetEntitlement creates or replaces a user's entitlement
	SetEntitlement(ctx context.Context, ent *Entitlement) error
}

// Storage is implemented by every backend under storage/
type Storage interface {
	QuotaStore
	ActivityLog
	EntitlementStore
}

// Pinger is implemented by backends that can report connectivity
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewRecord builds the seed record for a user from a resolved policy
func NewRecord(userID string, policy ResolvedPolicy, now time.Time) *QuotaRecord {
	return &QuotaRecord{
		UserID:         userID,
		LimitType:      policy.LimitType,
		LimitValue:     policy.Limit.LimitValue,
		BurstLimit:     policy.Limit.BurstLimit,
		WindowStart:    now,
		WindowDuration: policy.WindowDuration,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

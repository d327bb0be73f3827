package usagemeter

import (
	"context"
	"time"
)

// LimitType identifies a category of metered operation
type LimitType string

const (
	// LimitTypeScan meters pantry-photo scans
	LimitTypeScan LimitType = "scan"
	// LimitTypeAIRecipe meters AI recipe generations
	LimitTypeAIRecipe LimitType = "ai_recipe"
	// LimitTypeAPICall meters generic API calls
	LimitTypeAPICall LimitType = "api_call"
	// LimitTypeUpload meters uploads
	LimitTypeUpload LimitType = "upload"
)

// LimitTypes returns every known limit type in a stable order
func LimitTypes() []LimitType {
	return []LimitType{LimitTypeScan, LimitTypeAIRecipe, LimitTypeAPICall, LimitTypeUpload}
}

// Valid reports whether l is a known limit type
func (l LimitType) Valid() bool {
	switch l {
	case LimitTypeScan, LimitTypeAIRecipe, LimitTypeAPICall, LimitTypeUpload:
		return true
	}
	return false
}

// ParseLimitType converts a string to a LimitType, returning ErrValidation for unknown values
func ParseLimitType(s string) (LimitType, error) {
	l := LimitType(s)
	if !l.Valid() {
		return "", validationErrorf("unknown limit type %q", s)
	}
	return l, nil
}

// DenyReason explains why a check was denied
type DenyReason string

const (
	// ReasonTemporarilyBlocked is returned while a violation block is active
	ReasonTemporarilyBlocked DenyReason = "TEMPORARILY_BLOCKED"
	// ReasonLimitExceeded is returned when the increment would exceed the quota
	ReasonLimitExceeded DenyReason = "LIMIT_EXCEEDED"
)

// QuotaRecord is the persisted counter for one (user, limit type) pair
type QuotaRecord struct {
	UserID         string
	LimitType      LimitType
	CurrentUsage   int
	LimitValue     int
	BurstLimit     int // 0 means no burst allowance
	WindowStart    time.Time
	WindowDuration time.Duration

	ViolationCount  int
	LastViolationAt *time.Time
	IsBlocked       bool
	BlockedUntil    *time.Time // nil while blocked means an indefinite block

	CreatedAt time.Time
	UpdatedAt time.Time
}

// WindowEnd returns when the current quota window rolls over
func (r *QuotaRecord) WindowEnd() time.Time {
	return r.WindowStart.Add(r.WindowDuration)
}

// Remaining returns the unused quota, never negative
func (r *QuotaRecord) Remaining() int {
	return clampZero(r.LimitValue - r.CurrentUsage)
}

// BlockActive reports whether the record is blocked at now
func (r *QuotaRecord) BlockActive(now time.Time) bool {
	if !r.IsBlocked {
		return false
	}
	return r.BlockedUntil == nil || now.Before(*r.BlockedUntil)
}

// Clone returns a deep copy of the record
func (r *QuotaRecord) Clone() *QuotaRecord {
	if r == nil {
		return nil
	}
	c := *r
	if r.LastViolationAt != nil {
		t := *r.LastViolationAt
		c.LastViolationAt = &t
	}
	if r.BlockedUntil != nil {
		t := *r.BlockedUntil
		c.BlockedUntil = &t
	}
	return &c
}

// RateWindows carries the short-window request ceilings for display
type RateWindows struct {
	RequestsPerMinute int `json:"requests_per_minute,omitempty"`
	RequestsPerHour   int `json:"requests_per_hour,omitempty"`
	RequestsPerDay    int `json:"requests_per_day,omitempty"`
}

// Decision is the structured result of a quota check.
// Denials are ordinary decisions, not errors.
type Decision struct {
	Allowed         bool
	Reason          DenyReason
	UserID          string
	LimitType       LimitType
	Tier            string
	CurrentUsage    int
	LimitValue      int // -1 for unlimited tiers
	Remaining       int // -1 for unlimited tiers
	ResetTime       time.Time
	BlockedUntil    *time.Time
	WindowExpired   bool
	UnlimitedAccess bool
	RateWindows     RateWindows
}

// ActivityLogEntry is one append-only API activity row
type ActivityLogEntry struct {
	ID        string
	UserID    string
	Endpoint  string
	Timestamp time.Time
}

// ActivityWindow is what the activity log observed for one sliding-window check
type ActivityWindow struct {
	// Count is the number of entries inside the window before this call
	Count int
	// Oldest is the timestamp of the oldest entry still inside the window (zero if none)
	Oldest time.Time
	// Recorded is true when the new entry was appended
	Recorded bool
}

// APIDecision is the result of a sliding-window API check
type APIDecision struct {
	Allowed           bool
	UserID            string
	Endpoint          string
	Tier              string
	CurrentRequests   int
	Limit             int // -1 when no ceiling applies
	Remaining         int
	Window            time.Duration
	RetryAfter        time.Duration
	RetryAfterSeconds int
	UnlimitedAccess   bool
}

// LimitAnalytics is the derived analytics snapshot for one limit type
type LimitAnalytics struct {
	LimitType          LimitType
	CurrentUsage       int
	LimitValue         int
	UsagePercentage    float64
	Remaining          int
	DaysUntilReset     int
	ResetTime          time.Time
	WindowExpired      bool
	IsBlocked          bool
	BlockedUntil       *time.Time
	LikelyToExceed     bool
	RecommendedUpgrade bool
}

// Predictions are tier-wide predictive flags for upgrade prompts
type Predictions struct {
	LikelyToExceed     bool
	RecommendedUpgrade bool
	// NearLimit lists limit types above the likely-to-exceed threshold
	NearLimit []LimitType
}

// UsageAnalytics is the result of GetUsageAnalytics
type UsageAnalytics struct {
	UserID          string
	Tier            string
	UnlimitedAccess bool
	PerLimitType    map[LimitType]*LimitAnalytics
	Predictions     *Predictions
	GeneratedAt     time.Time
}

// UsageAlert is emitted by the AlertScanner for proactive outreach
type UsageAlert struct {
	ID              string
	UserID          string
	Tier            string
	LimitType       LimitType
	UsagePercentage float64
	Remaining       int
	DaysUntilReset  int
	DetectedAt      time.Time
}

// Entitlement maps a user to their subscription tier
type Entitlement struct {
	UserID    string
	Tier      string
	UpdatedAt time.Time
}

// Clock provides the current time. Tests substitute a fake.
type Clock interface {
	Now() time.Time
}

// SystemClock is a Clock backed by time.Now in UTC
type SystemClock struct{}

// Now implements Clock
func (SystemClock) Now() time.Time { return time.Now().UTC() }

// TierSource resolves a user's current subscription tier.
// Implementations return ErrEntitlementNotFound when the user has none.
type TierSource interface {
	GetEntitlement(ctx context.Context, userID string) (*Entitlement, error)
}

// TierSourceFunc adapts a function to TierSource
type TierSourceFunc func(ctx context.Context, userID string) (*Entitlement, error)

// GetEntitlement implements TierSource
func (f TierSourceFunc) GetEntitlement(ctx context.Context, userID string) (*Entitlement, error) {
	return f(ctx, userID)
}

// UserLister enumerates users for batch jobs
type UserLister interface {
	ListUsersByTier(ctx context.Context, tier string) ([]string, error)
	// ListUsersWithoutEntitlement returns users that own quota records
	// but have no entitlement, sorted by user id
	ListUsersWithoutEntitlement(ctx context.Context) ([]string, error)
}

type tierContextKey struct{}

// ContextWithTier attaches the authenticated tier supplied by the identity provider.
// The Manager trusts it and skips the TierSource lookup.
func ContextWithTier(ctx context.Context, tier string) context.Context {
	return context.WithValue(ctx, tierContextKey{}, tier)
}

// TierFromContext returns the tier attached with ContextWithTier
func TierFromContext(ctx context.Context) (string, bool) {
	tier, ok := ctx.Value(tierContextKey{}).(string)
	return tier, ok && tier != ""
}

func clampZero(n int) int {
	if n < 0 {
		return 0
	}
	return n
}

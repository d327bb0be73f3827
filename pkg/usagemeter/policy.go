package usagemeter

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultWindowDuration is the quota window length when a tier sets none
	DefaultWindowDuration = 30 * 24 * time.Hour
	// DefaultViolationThreshold is the number of violations that triggers a block
	DefaultViolationThreshold = 3
	// DefaultViolationWindow is the rolling window violations are counted in
	DefaultViolationWindow = 24 * time.Hour
	// DefaultBlockDuration is how long a temporary block lasts
	DefaultBlockDuration = 24 * time.Hour
)

// LimitPolicy defines quota and rate-window values for one limit type
type LimitPolicy struct {
	LimitValue        int `yaml:"limit" validate:"gte=0"`
	BurstLimit        int `yaml:"burst" validate:"omitempty,gtefield=LimitValue"`
	RequestsPerMinute int `yaml:"requests_per_minute" validate:"gte=0"`
	RequestsPerHour   int `yaml:"requests_per_hour" validate:"gte=0"`
	RequestsPerDay    int `yaml:"requests_per_day" validate:"gte=0"`
}

// RateWindows returns the short-window ceilings of the policy
func (p LimitPolicy) RateWindows() RateWindows {
	return RateWindows{
		RequestsPerMinute: p.RequestsPerMinute,
		RequestsPerHour:   p.RequestsPerHour,
		RequestsPerDay:    p.RequestsPerDay,
	}
}

// TierPolicy defines the limits of one subscription tier
type TierPolicy struct {
	Name string `yaml:"-"`

	// Unlimited tiers bypass numeric checks entirely
	Unlimited bool `yaml:"unlimited"`

	// EntryLevel tiers are targeted by upgrade predictions and usage alerts
	EntryLevel bool `yaml:"entry_level"`

	// Limits maps limit types to their quota configuration
	Limits map[LimitType]LimitPolicy `yaml:"limits" validate:"dive,keys,oneof=scan ai_recipe api_call upload,endkeys"`

	// WindowDuration is the rolling quota window (default: 30 days)
	WindowDuration time.Duration `yaml:"window_duration" validate:"gte=0"`

	// ViolationThreshold is the violation count that triggers a block (default: 3)
	ViolationThreshold int `yaml:"violation_threshold" validate:"gte=0"`

	// ViolationWindow is the rolling window violations are counted in (default: 24h)
	ViolationWindow time.Duration `yaml:"violation_window" validate:"gte=0"`

	// BlockDuration is the length of a temporary block (default: 24h)
	BlockDuration time.Duration `yaml:"block_duration" validate:"gte=0"`
}

func (t TierPolicy) withDefaults() TierPolicy {
	if t.WindowDuration == 0 {
		t.WindowDuration = DefaultWindowDuration
	}
	if t.ViolationThreshold == 0 {
		t.ViolationThreshold = DefaultViolationThreshold
	}
	if t.ViolationWindow == 0 {
		t.ViolationWindow = DefaultViolationWindow
	}
	if t.BlockDuration == 0 {
		t.BlockDuration = DefaultBlockDuration
	}
	return t
}

func (t TierPolicy) totalQuota() int {
	total := 0
	for _, l := range t.Limits {
		total += l.LimitValue
	}
	return total
}

// DefaultTiers returns the built-in tier table
func DefaultTiers() map[string]TierPolicy {
	return map[string]TierPolicy{
		"free": {
			Name:       "free",
			EntryLevel: true,
			Limits: map[LimitType]LimitPolicy{
				LimitTypeScan:     {LimitValue: 3, BurstLimit: 5},
				LimitTypeAIRecipe: {LimitValue: 5, BurstLimit: 7},
				LimitTypeAPICall:  {LimitValue: 1000, RequestsPerMinute: 30, RequestsPerHour: 500, RequestsPerDay: 1000},
				LimitTypeUpload:   {LimitValue: 10},
			},
		},
		"plus": {
			Name: "plus",
			Limits: map[LimitType]LimitPolicy{
				LimitTypeScan:     {LimitValue: 50, BurstLimit: 60},
				LimitTypeAIRecipe: {LimitValue: 100, BurstLimit: 120},
				LimitTypeAPICall:  {LimitValue: 20000, RequestsPerMinute: 120, RequestsPerHour: 3000, RequestsPerDay: 20000},
				LimitTypeUpload:   {LimitValue: 200},
			},
		},
		"premium": {
			Name:      "premium",
			Unlimited: true,
		},
	}
}

// ResolvedPolicy is the effective policy for a tier and limit type
type ResolvedPolicy struct {
	// Tier is the effective tier name (the fallback tier when Fallback is set)
	Tier string
	// RequestedTier is the tier the caller asked for
	RequestedTier string
	// Fallback is true when RequestedTier was unknown
	Fallback bool

	LimitType  LimitType
	Unlimited  bool
	EntryLevel bool
	Limit      LimitPolicy

	WindowDuration     time.Duration
	ViolationThreshold int
	ViolationWindow    time.Duration
	BlockDuration      time.Duration
}

// PolicyResolver maps tier names to per-limit-type policies.
// It is a pure lookup over a table fixed at construction.
type PolicyResolver struct {
	tiers       map[string]TierPolicy
	restrictive string
	entryLevel  []string
	logger      Logger
}

// NewPolicyResolver validates the tier table and builds a resolver
func NewPolicyResolver(tiers map[string]TierPolicy, logger Logger) (*PolicyResolver, error) {
	if logger == nil {
		logger = &NoopLogger{}
	}
	if err := ValidateTiers(tiers); err != nil {
		return nil, err
	}

	r := &PolicyResolver{
		tiers:  make(map[string]TierPolicy, len(tiers)),
		logger: logger,
	}

	names := make([]string, 0, len(tiers))
	for name := range tiers {
		names = append(names, name)
	}
	sort.Strings(names)

	best := -1
	for _, name := range names {
		t := tiers[name].withDefaults()
		t.Name = name
		r.tiers[name] = t
		if t.EntryLevel {
			r.entryLevel = append(r.entryLevel, name)
		}
		if t.Unlimited {
			continue
		}
		if total := t.totalQuota(); best < 0 || total < best {
			best = total
			r.restrictive = name
		}
	}

	return r, nil
}

// ValidateTiers checks a tier table for structural problems
func ValidateTiers(tiers map[string]TierPolicy) error {
	if len(tiers) == 0 {
		return validationErrorf("at least one tier is required")
	}

	v := validator.New(validator.WithRequiredStructEnabled())
	var errs []string
	hasLimited := false
	for name, t := range tiers {
		if strings.TrimSpace(name) == "" {
			errs = append(errs, "tier name must not be empty")
			continue
		}
		if err := v.Struct(t); err != nil {
			var verrs validator.ValidationErrors
			if errors.As(err, &verrs) {
				for _, fe := range verrs {
					errs = append(errs, fmt.Sprintf("tier %q: field %s failed %q", name, fe.Namespace(), fe.Tag()))
				}
			} else {
				errs = append(errs, fmt.Sprintf("tier %q: %v", name, err))
			}
			continue
		}
		for lt := range t.Limits {
			if !lt.Valid() {
				errs = append(errs, fmt.Sprintf("tier %q: unknown limit type %q", name, lt))
			}
		}
		if t.Unlimited {
			continue
		}
		hasLimited = true
		for _, lt := range LimitTypes() {
			lp, ok := t.Limits[lt]
			if !ok {
				errs = append(errs, fmt.Sprintf("tier %q: missing limit for %s", name, lt))
				continue
			}
			if lp.LimitValue <= 0 {
				errs = append(errs, fmt.Sprintf("tier %q: limit for %s must be positive", name, lt))
			}
			if lp.BurstLimit != 0 && lp.BurstLimit < lp.LimitValue {
				errs = append(errs, fmt.Sprintf("tier %q: burst for %s must not be below the limit", name, lt))
			}
		}
	}
	if !hasLimited && len(errs) == 0 {
		errs = append(errs, "at least one limited tier is required")
	}

	if len(errs) > 0 {
		sort.Strings(errs)
		return validationErrorf("invalid tier configuration:\n  %s", strings.Join(errs, "\n  "))
	}
	return nil
}

// Resolve returns the effective policy for tier and limitType.
// An unknown tier falls back to the most restrictive known tier.
func (r *PolicyResolver) Resolve(tier string, limitType LimitType) (ResolvedPolicy, error) {
	if !limitType.Valid() {
		return ResolvedPolicy{}, validationErrorf("unknown limit type %q", limitType)
	}

	t, fallback := r.lookup(tier)
	rp := ResolvedPolicy{
		Tier:               t.Name,
		RequestedTier:      tier,
		Fallback:           fallback,
		LimitType:          limitType,
		Unlimited:          t.Unlimited,
		EntryLevel:         t.EntryLevel,
		WindowDuration:     t.WindowDuration,
		ViolationThreshold: t.ViolationThreshold,
		ViolationWindow:    t.ViolationWindow,
		BlockDuration:      t.BlockDuration,
	}
	if t.Unlimited {
		return rp, nil
	}

	lp, ok := t.Limits[limitType]
	if !ok {
		return ResolvedPolicy{}, fmt.Errorf("%w: tier %q has no limit for %s", ErrPolicyNotFound, t.Name, limitType)
	}
	rp.Limit = lp
	return rp, nil
}

// Tier returns the configured policy for a tier name
func (r *PolicyResolver) Tier(name string) (TierPolicy, error) {
	t, ok := r.tiers[name]
	if !ok {
		return TierPolicy{}, fmt.Errorf("%w: %q", ErrPolicyNotFound, name)
	}
	return t, nil
}

// IsUnlimited reports whether the effective tier bypasses numeric checks
func (r *PolicyResolver) IsUnlimited(tier string) bool {
	t, _ := r.lookup(tier)
	return t.Unlimited
}

// EntryLevelTiers returns the names of entry-level tiers in sorted order
func (r *PolicyResolver) EntryLevelTiers() []string {
	out := make([]string, len(r.entryLevel))
	copy(out, r.entryLevel)
	return out
}

// MostRestrictive returns the tier unknown tiers fall back to
func (r *PolicyResolver) MostRestrictive() string {
	return r.restrictive
}

// MaxRateWindow returns the largest short window any tier configures a ceiling for
func (r *PolicyResolver) MaxRateWindow() time.Duration {
	max := time.Duration(0)
	for _, t := range r.tiers {
		for _, lp := range t.Limits {
			switch {
			case lp.RequestsPerDay > 0:
				max = maxDuration(max, 24*time.Hour)
			case lp.RequestsPerHour > 0:
				max = maxDuration(max, time.Hour)
			case lp.RequestsPerMinute > 0:
				max = maxDuration(max, time.Minute)
			}
		}
	}
	return max
}

func (r *PolicyResolver) lookup(tier string) (TierPolicy, bool) {
	if t, ok := r.tiers[tier]; ok {
		return t, false
	}
	r.logger.Warn("unknown tier, falling back to most restrictive policy",
		Field{"tier", tier},
		Field{"fallbackTier", r.restrictive},
	)
	return r.tiers[r.restrictive], true
}

type tiersFile struct {
	Tiers map[string]TierPolicy `yaml:"tiers"`
}

// LoadTiersFile reads a YAML tier table of the form:
//
//	tiers:
//	  free:
//	    entry_level: true
//	    window_duration: 720h
//	    limits:
//	      scan: {limit: 3, burst: 5}
func LoadTiersFile(path string) (map[string]TierPolicy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read tier file: %w", err)
	}
	return ParseTiers(data)
}

// ParseTiers decodes and validates a YAML tier table
func ParseTiers(data []byte) (map[string]TierPolicy, error) {
	var f tiersFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, validationErrorf("failed to parse tier file: %v", err)
	}
	for name, t := range f.Tiers {
		t.Name = name
		f.Tiers[name] = t
	}
	if err := ValidateTiers(f.Tiers); err != nil {
		return nil, err
	}
	return f.Tiers, nil
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}

package usagemeter

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"
)

// Response headers shared by the HTTP integrations
const (
	HeaderRateLimitLimit     = "X-RateLimit-Limit"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderRateLimitReset     = "X-RateLimit-Reset"
	HeaderRetryAfter         = "Retry-After"
	HeaderQuotaType          = "X-Quota-Type"
	HeaderQuotaReason        = "X-Quota-Reason"

	// StorageRetryAfterSeconds is advertised when storage is unavailable
	StorageRetryAfterSeconds = 5
)

// Headers returns the response headers describing d at now.
// Unlimited decisions carry no headers.
func (d *Decision) Headers(now time.Time) map[string]string {
	if d == nil || d.UnlimitedAccess {
		return map[string]string{}
	}
	h := map[string]string{
		HeaderRateLimitLimit:     strconv.Itoa(d.LimitValue),
		HeaderRateLimitRemaining: strconv.Itoa(d.Remaining),
		HeaderQuotaType:          string(d.LimitType),
	}
	if !d.ResetTime.IsZero() {
		h[HeaderRateLimitReset] = strconv.FormatInt(d.ResetTime.Unix(), 10)
	}
	if !d.Allowed {
		h[HeaderQuotaReason] = string(d.Reason)
		h[HeaderRetryAfter] = strconv.Itoa(secondsUntil(d.ResetTime, now))
	}
	return h
}

// Headers returns the response headers describing d at now
func (d *APIDecision) Headers(now time.Time) map[string]string {
	if d == nil || d.UnlimitedAccess || d.Limit < 0 {
		return map[string]string{}
	}
	h := map[string]string{
		HeaderRateLimitLimit:     strconv.Itoa(d.Limit),
		HeaderRateLimitRemaining: strconv.Itoa(d.Remaining),
	}
	if !d.Allowed {
		h[HeaderRetryAfter] = strconv.Itoa(d.RetryAfterSeconds)
		h[HeaderRateLimitReset] = strconv.FormatInt(now.Add(d.RetryAfter).Unix(), 10)
	}
	return h
}

// HTTPStatus maps an engine error to a response status code
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrPolicyNotFound), errors.Is(err, ErrEntitlementNotFound):
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func secondsUntil(t, now time.Time) int {
	secs := int(math.Ceil(t.Sub(now).Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

package usagemeter_test

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/mihaimyh/usagemeter/pkg/usagemeter"
)

func TestDecisionHeaders(t *testing.T) {
	reset := testStart.Add(90 * time.Second)
	d := &usagemeter.Decision{
		Allowed:    false,
		Reason:     usagemeter.ReasonLimitExceeded,
		LimitType:  usagemeter.LimitTypeScan,
		LimitValue: 3,
		Remaining:  0,
		ResetTime:  reset,
	}

	h := d.Headers(testStart)
	assert.Equal(t, "3", h[usagemeter.HeaderRateLimitLimit])
	assert.Equal(t, "0", h[usagemeter.HeaderRateLimitRemaining])
	assert.Equal(t, fmt.Sprint(reset.Unix()), h[usagemeter.HeaderRateLimitReset])
	assert.Equal(t, "90", h[usagemeter.HeaderRetryAfter])
	assert.Equal(t, "LIMIT_EXCEEDED", h[usagemeter.HeaderQuotaReason])
	assert.Equal(t, "scan", h[usagemeter.HeaderQuotaType])

	d.Allowed = true
	h = d.Headers(testStart)
	assert.NotContains(t, h, usagemeter.HeaderRetryAfter)

	assert.Empty(t, (&usagemeter.Decision{Allowed: true, UnlimitedAccess: true}).Headers(testStart))
}

func TestAPIDecisionHeaders(t *testing.T) {
	d := &usagemeter.APIDecision{
		Allowed:           false,
		Limit:             30,
		Remaining:         0,
		RetryAfter:        12 * time.Second,
		RetryAfterSeconds: 12,
	}

	h := d.Headers(testStart)
	assert.Equal(t, "30", h[usagemeter.HeaderRateLimitLimit])
	assert.Equal(t, "12", h[usagemeter.HeaderRetryAfter])
	assert.Equal(t, fmt.Sprint(testStart.Add(12*time.Second).Unix()), h[usagemeter.HeaderRateLimitReset])

	assert.Empty(t, (&usagemeter.APIDecision{Allowed: true, Limit: -1}).Headers(testStart))
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusOK, usagemeter.HTTPStatus(nil))
	assert.Equal(t, http.StatusBadRequest, usagemeter.HTTPStatus(fmt.Errorf("wrap: %w", usagemeter.ErrValidation)))
	assert.Equal(t, http.StatusServiceUnavailable, usagemeter.HTTPStatus(usagemeter.ErrCircuitOpen))
	assert.Equal(t, http.StatusNotFound, usagemeter.HTTPStatus(usagemeter.ErrPolicyNotFound))
	assert.Equal(t, http.StatusInternalServerError, usagemeter.HTTPStatus(errors.New("other")))
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/usagemeter/pkg/usagemeter"
	"github.com/mihaimyh/usagemeter/storage/memory"
)

type testServer struct {
	handler http.Handler
	manager *usagemeter.Manager
	store   *memory.Storage
}

func setupTestServer(t *testing.T, configure ...func(*usagemeter.Config)) *testServer {
	t.Helper()

	store := memory.New()
	config := usagemeter.Config{Tiers: usagemeter.DefaultTiers()}
	for _, fn := range configure {
		fn(&config)
	}
	manager, err := usagemeter.NewManager(store, config)
	require.NoError(t, err)

	h, err := NewHandler(Config{
		Manager: manager,
		GetTier: FromHeader(DefaultTierHeader),
	})
	require.NoError(t, err)
	return &testServer{handler: h.Routes(), manager: manager, store: store}
}

func (s *testServer) do(t *testing.T, method, path, userID, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, http.NoBody)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	if userID != "" {
		req.Header.Set(DefaultUserIDHeader, userID)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestNewHandler_RequiresManager(t *testing.T) {
	_, err := NewHandler(Config{})
	assert.Error(t, err)
}

func TestCheck_AllowsThenDenies(t *testing.T) {
	s := setupTestServer(t)

	for i := 1; i <= 3; i++ {
		rec := s.do(t, http.MethodPost, "/v1/check/scan", "user1", "")
		require.Equal(t, http.StatusOK, rec.Code)
		resp := decode[DecisionResponse](t, rec)
		assert.True(t, resp.Allowed)
		assert.Equal(t, i, resp.CurrentUsage)
		assert.Equal(t, 3, resp.Limit)
		assert.Equal(t, "free", resp.Tier)
	}

	rec := s.do(t, http.MethodPost, "/v1/check/scan", "user1", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	resp := decode[DecisionResponse](t, rec)
	assert.False(t, resp.Allowed)
	assert.Equal(t, usagemeter.ReasonLimitExceeded, resp.Reason)
	assert.Equal(t, "0", rec.Header().Get(usagemeter.HeaderRateLimitRemaining))
	assert.NotEmpty(t, rec.Header().Get(usagemeter.HeaderRetryAfter))
}

func TestCheck_IncrementAndBurst(t *testing.T) {
	s := setupTestServer(t)

	rec := s.do(t, http.MethodPost, "/v1/check/scan", "user1", `{"increment":4}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	rec = s.do(t, http.MethodPost, "/v1/check/scan", "user2", `{"increment":4,"use_burst":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 4, decode[DecisionResponse](t, rec).CurrentUsage)
}

func TestCheck_Validation(t *testing.T) {
	s := setupTestServer(t)

	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"unknown limit type", "/v1/check/bogus", "", http.StatusBadRequest},
		{"negative increment", "/v1/check/scan", `{"increment":-1}`, http.StatusBadRequest},
		{"malformed body", "/v1/check/scan", `{"increment":`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, tt.path, "user1", tt.body)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestCheck_Unauthorized(t *testing.T) {
	s := setupTestServer(t)
	rec := s.do(t, http.MethodPost, "/v1/check/scan", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCheck_TrustedTierHeader(t *testing.T) {
	s := setupTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/check/ai_recipe", http.NoBody)
	req.Header.Set(DefaultUserIDHeader, "user1")
	req.Header.Set(DefaultTierHeader, "premium")
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[DecisionResponse](t, rec)
	assert.True(t, resp.UnlimitedAccess)
	assert.Equal(t, -1, resp.Limit)
}

func TestCheck_StorageUnavailable(t *testing.T) {
	s := setupTestServer(t, func(c *usagemeter.Config) {
		c.TierSource = usagemeter.TierSourceFunc(func(context.Context, string) (*usagemeter.Entitlement, error) {
			return nil, errors.New("dial tcp: connection refused")
		})
	})

	rec := s.do(t, http.MethodPost, "/v1/check/scan", "user1", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "5", rec.Header().Get(usagemeter.HeaderRetryAfter))
}

func TestAPICheck(t *testing.T) {
	s := setupTestServer(t)

	for i := 0; i < 30; i++ {
		rec := s.do(t, http.MethodPost, "/v1/api-check", "user1", `{"endpoint":"/recipes"}`)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := s.do(t, http.MethodPost, "/v1/api-check", "user1", `{"endpoint":"/recipes"}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	resp := decode[APIDecisionResponse](t, rec)
	assert.False(t, resp.Allowed)
	assert.Equal(t, 30, resp.Limit)
	assert.Equal(t, 60, resp.WindowSeconds)
	assert.GreaterOrEqual(t, resp.RetryAfterSeconds, 1)
}

func TestAPICheck_HourWindow(t *testing.T) {
	s := setupTestServer(t)

	rec := s.do(t, http.MethodPost, "/v1/api-check", "user1", `{"endpoint":"/recipes","window_seconds":3600}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 500, decode[APIDecisionResponse](t, rec).Limit)
}

func TestAPICheck_RequiresEndpoint(t *testing.T) {
	s := setupTestServer(t)
	rec := s.do(t, http.MethodPost, "/v1/api-check", "user1", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetUsage(t *testing.T) {
	s := setupTestServer(t)
	for i := 0; i < 3; i++ {
		s.do(t, http.MethodPost, "/v1/check/scan", "user1", "")
	}

	rec := s.do(t, http.MethodGet, "/v1/usage", "user1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[UsageResponse](t, rec)

	assert.Equal(t, "user1", resp.UserID)
	assert.Equal(t, "free", resp.Tier)
	scan, ok := resp.Limits["scan"]
	require.True(t, ok)
	assert.Equal(t, 3, scan.CurrentUsage)
	assert.InDelta(t, 100.0, scan.UsagePercentage, 0.001)
	assert.True(t, scan.LikelyToExceed)
	require.NotNil(t, resp.Predictions)
	assert.True(t, resp.Predictions.RecommendedUpgrade)
	assert.Contains(t, resp.Predictions.NearLimit, usagemeter.LimitTypeScan)
}

func TestGetUsage_WithoutPredictions(t *testing.T) {
	s := setupTestServer(t)

	rec := s.do(t, http.MethodGet, "/v1/usage?predictions=false", "user1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, decode[UsageResponse](t, rec).Predictions)

	rec = s.do(t, http.MethodGet, "/v1/usage?predictions=maybe", "user1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPutEntitlement(t *testing.T) {
	s := setupTestServer(t)

	rec := s.do(t, http.MethodPut, "/v1/entitlements/user1", "", `{"tier":"plus"}`)
	require.Equal(t, http.StatusNoContent, rec.Code)

	ent, err := s.store.GetEntitlement(context.Background(), "user1")
	require.NoError(t, err)
	assert.Equal(t, "plus", ent.Tier)

	rec = s.do(t, http.MethodPost, "/v1/check/scan", "user1", "")
	assert.Equal(t, 50, decode[DecisionResponse](t, rec).Limit)
}

func TestPutEntitlement_Invalid(t *testing.T) {
	s := setupTestServer(t)

	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPut, "/v1/entitlements/user1", "", `{"tier":"gold"}`).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPut, "/v1/entitlements/user1", "", `{}`).Code)
}

func TestHealth(t *testing.T) {
	s := setupTestServer(t)

	rec := s.do(t, http.MethodGet, "/healthz", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[HealthResponse](t, rec)
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "closed", resp.CircuitBreaker)
}

func TestOnError(t *testing.T) {
	manager, err := usagemeter.NewManager(memory.New(), usagemeter.Config{})
	require.NoError(t, err)

	var got error
	h, err := NewHandler(Config{
		Manager: manager,
		OnError: func(w http.ResponseWriter, _ *http.Request, err error) {
			got = err
			w.WriteHeader(http.StatusTeapot)
		},
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/v1/check/bogus", http.NoBody)
	req.Header.Set(DefaultUserIDHeader, "user1")
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.ErrorIs(t, got, usagemeter.ErrValidation)
}

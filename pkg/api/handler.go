package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/mihaimyh/usagemeter/pkg/usagemeter"
)

const (
	maxUserIDLen  = 255
	maxBodyBytes  = 1 << 16
	statusHealthy = "healthy"
)

var errUnauthorized = errors.New("user ID not found")

// Handler provides HTTP endpoints for usage metering
type Handler struct {
	config   Config
	validate *validator.Validate
}

func newHandler(config Config) *Handler {
	return &Handler{
		config:   config,
		validate: validator.New(),
	}
}

// Routes returns a chi router serving the v1 API and /healthz
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	h.Mount(r)
	return r
}

// Mount registers the handler's routes on r
func (h *Handler) Mount(r chi.Router) {
	r.Get("/healthz", h.Health)
	r.Route("/v1", func(r chi.Router) {
		r.Get("/usage", h.GetUsage)
		r.Post("/check/{limitType}", h.Check)
		r.Post("/api-check", h.APICheck)
		r.Put("/entitlements/{userID}", h.PutEntitlement)
	})
}

// GetUsage returns the user's analytics; ?predictions=false omits predictions
func (h *Handler) GetUsage(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	predictions := true
	if v := r.URL.Query().Get("predictions"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			h.handleError(w, r, http.StatusBadRequest, "invalid predictions parameter")
			return
		}
		predictions = b
	}

	analytics, err := h.config.Manager.GetUsageAnalytics(h.tierContext(r), userID, predictions)
	if err != nil {
		h.engineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newUsageResponse(analytics))
}

// Check consumes quota for the limit type in the path
func (h *Handler) Check(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	limitType, err := usagemeter.ParseLimitType(chi.URLParam(r, "limitType"))
	if err != nil {
		h.engineError(w, r, err)
		return
	}

	var req CheckRequest
	if !h.decode(w, r, &req, true) {
		return
	}

	var opts []usagemeter.CheckOption
	if req.Increment > 0 {
		opts = append(opts, usagemeter.WithIncrement(req.Increment))
	}
	if req.UseBurst {
		opts = append(opts, usagemeter.WithBurst())
	}
	if req.IgnoreBlocks {
		opts = append(opts, usagemeter.WithoutBlocks())
	}

	decision, err := h.config.Manager.CheckRateLimit(h.tierContext(r), userID, limitType, opts...)
	if err != nil {
		h.engineError(w, r, err)
		return
	}

	setHeaders(w, decision.Headers(time.Now()))
	status := http.StatusOK
	if !decision.Allowed {
		status = http.StatusTooManyRequests
	}
	writeJSON(w, status, newDecisionResponse(decision))
}

// APICheck applies the sliding-window API limit for the endpoint in the body
func (h *Handler) APICheck(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var req APICheckRequest
	if !h.decode(w, r, &req, false) {
		return
	}

	var opts []usagemeter.APICheckOption
	if req.WindowSeconds > 0 {
		opts = append(opts, usagemeter.WithWindow(time.Duration(req.WindowSeconds)*time.Second))
	}

	decision, err := h.config.Manager.CheckAPIRateLimit(h.tierContext(r), userID, req.Endpoint, opts...)
	if err != nil {
		h.engineError(w, r, err)
		return
	}

	setHeaders(w, decision.Headers(time.Now()))
	status := http.StatusOK
	if !decision.Allowed {
		status = http.StatusTooManyRequests
	}
	writeJSON(w, status, newAPIDecisionResponse(decision))
}

// PutEntitlement stores the tier of the user in the path.
// Unknown tiers are rejected.
func (h *Handler) PutEntitlement(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if userID == "" || len(userID) > maxUserIDLen {
		h.handleError(w, r, http.StatusBadRequest, "invalid user ID format")
		return
	}

	var req EntitlementRequest
	if !h.decode(w, r, &req, false) {
		return
	}
	if _, err := h.config.Manager.Policies().Tier(req.Tier); err != nil {
		h.handleError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.config.Manager.SetEntitlement(r.Context(), &usagemeter.Entitlement{
		UserID: userID,
		Tier:   req.Tier,
	}); err != nil {
		h.engineError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Health reports storage connectivity and circuit breaker state
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:         statusHealthy,
		Storage:        statusHealthy,
		CircuitBreaker: string(h.config.Manager.CircuitBreakerState()),
	}
	status := http.StatusOK
	if err := h.config.Manager.Ping(r.Context()); err != nil {
		resp.Status = "degraded"
		resp.Storage = "unhealthy"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func (h *Handler) userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := h.config.GetUserID(r)
	if userID == "" {
		if h.config.OnError != nil {
			h.config.OnError(w, r, errUnauthorized)
		} else {
			writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "Unauthorized"})
		}
		return "", false
	}
	if len(userID) > maxUserIDLen {
		h.handleError(w, r, http.StatusBadRequest, "invalid user ID format")
		return "", false
	}
	return userID, true
}

func (h *Handler) tierContext(r *http.Request) context.Context {
	ctx := r.Context()
	if h.config.GetTier != nil {
		if tier := strings.TrimSpace(h.config.GetTier(r)); tier != "" {
			ctx = usagemeter.ContextWithTier(ctx, tier)
		}
	}
	return ctx
}

// decode reads a JSON body into dst and validates it. An empty body is
// accepted when optional is set.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst interface{}, optional bool) bool {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(dst)
	switch {
	case errors.Is(err, io.EOF) && optional:
	case err != nil:
		h.handleError(w, r, http.StatusBadRequest, "invalid request body")
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		h.handleError(w, r, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

// engineError maps a Manager error to a response
func (h *Handler) engineError(w http.ResponseWriter, r *http.Request, err error) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}

	status := usagemeter.HTTPStatus(err)
	switch status {
	case http.StatusBadRequest:
		writeJSON(w, status, ErrorResponse{Error: "Bad Request", Message: err.Error()})
	case http.StatusServiceUnavailable:
		h.config.Logger.Warn("storage unavailable", usagemeter.Field{Key: "path", Value: r.URL.Path},
			usagemeter.Field{Key: "error", Value: err.Error()})
		w.Header().Set(usagemeter.HeaderRetryAfter, strconv.Itoa(usagemeter.StorageRetryAfterSeconds))
		writeJSON(w, status, ErrorResponse{Error: "Service temporarily unavailable"})
	case http.StatusNotFound:
		writeJSON(w, status, ErrorResponse{Error: "Not Found", Message: err.Error()})
	default:
		h.config.Logger.Error("request failed", usagemeter.Field{Key: "path", Value: r.URL.Path},
			usagemeter.Field{Key: "error", Value: err.Error()})
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "Internal Server Error"})
	}
}

// handleError writes a client error
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, status int, message string) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, errors.New(message))
		return
	}
	writeJSON(w, status, ErrorResponse{Error: http.StatusText(status), Message: message})
}

func setHeaders(w http.ResponseWriter, headers map[string]string) {
	for k, v := range headers {
		w.Header().Set(k, v)
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

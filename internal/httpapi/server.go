package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/listrelay/internal/listrelay"
)

type ServerConfig struct {
	// AdminToken guards the /v1/admin surface. Empty means admin routes are
	// rejected outright.
	AdminToken      string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
}

type ServerOptions struct {
	Facade     *listrelay.Facade
	Processor  *listrelay.Processor
	Runner     *listrelay.Runner
	Repository listrelay.Repository
	Cache      *listrelay.Cache
	Events     *listrelay.EventHub
	Config     ServerConfig
}

type Server struct {
	facade      *listrelay.Facade
	processor   *listrelay.Processor
	runner      *listrelay.Runner
	repo        listrelay.Repository
	cache       *listrelay.Cache
	events      *listrelay.EventHub
	cfg         ServerConfig
	rateLimiter *rateLimiter
	metrics     http.Handler
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(opts ServerOptions) *Server {
	cfg := opts.Config
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		facade:      opts.Facade,
		processor:   opts.Processor,
		runner:      opts.Runner,
		repo:        opts.Repository,
		cache:       opts.Cache,
		events:      opts.Events,
		cfg:         cfg,
		rateLimiter: limiter,
		metrics:     promhttp.Handler(),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/metrics" && r.Method == http.MethodGet {
		s.metrics.ServeHTTP(w, r)
		return
	}

	correlationID := getCorrelationID(r)
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	switch parts[1] {
	case "admin":
		s.serveAdmin(w, r, parts, correlationID)
	case "owners":
		s.serveOwners(w, r, parts, correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

func (s *Server) serveOwners(w http.ResponseWriter, r *http.Request, parts []string, correlationID string) {
	if len(parts) < 3 || strings.TrimSpace(parts[2]) == "" {
		writeError(w, http.StatusNotFound, "not_found", "owner id is required", correlationID)
		return
	}
	ownerID := parts[2]

	if s.rateLimiter != nil && !s.rateLimiter.allow(ownerID, time.Now()) {
		writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests", correlationID)
		return
	}

	switch {
	case len(parts) == 4 && parts[3] == "operations" && r.Method == http.MethodPost:
		s.handleWrite(w, r, ownerID, correlationID)
	case len(parts) == 4 && parts[3] == "operations" && r.Method == http.MethodGet:
		s.handlePendingOperations(w, r, ownerID, correlationID)
	case len(parts) == 6 && parts[3] == "entities" && r.Method == http.MethodGet:
		s.handleRead(w, r, ownerID, parts[4], parts[5], correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

type writeRequest struct {
	Type     string          `json:"type"`
	TargetID string          `json:"targetId"`
	Payload  json.RawMessage `json:"payload"`
}

func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request, ownerID, correlationID string) {
	var req writeRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	opType := listrelay.OperationType(strings.TrimSpace(req.Type))
	if !opType.Valid() {
		writeError(w, http.StatusBadRequest, "invalid_input", "unknown operation type", correlationID)
		return
	}
	if err := listrelay.ValidatePayloadJSON(opType, req.Payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", err.Error(), correlationID)
		return
	}
	var payload listrelay.Payload
	if len(req.Payload) > 0 {
		if err := json.Unmarshal(req.Payload, &payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_payload", "payload does not decode", correlationID)
			return
		}
	}

	outcome, err := s.facade.Write(r.Context(), opType, ownerID, req.TargetID, payload)
	if err != nil {
		s.writeFacadeError(w, err, correlationID)
		return
	}
	status := http.StatusOK
	if outcome.State == listrelay.WriteQueued {
		status = http.StatusAccepted
	}
	writeJSON(w, status, outcome)
}

func (s *Server) handlePendingOperations(w http.ResponseWriter, r *http.Request, ownerID, correlationID string) {
	ops, err := s.repo.ByOwnerPending(r.Context(), ownerID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage_error", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": ops})
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request, ownerID, entityType, entityID, correlationID string) {
	filters := map[string]string{}
	for key, values := range r.URL.Query() {
		if len(values) > 0 {
			filters[key] = values[0]
		}
	}
	result, err := s.facade.Read(r.Context(), ownerID, entityType, entityID, filters)
	if err != nil {
		s.writeFacadeError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) serveAdmin(w http.ResponseWriter, r *http.Request, parts []string, correlationID string) {
	if authErr := authorizeAdmin(r.Header.Get("Authorization"), s.cfg.AdminToken); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	rest := parts[2:]
	switch {
	case len(rest) == 1 && rest[0] == "queue" && r.Method == http.MethodGet:
		s.handleQueueStats(w, r, correlationID)
	case len(rest) == 2 && rest[0] == "queue" && rest[1] == "operations" && r.Method == http.MethodGet:
		s.handleOperationsList(w, r, correlationID)
	case len(rest) == 4 && rest[0] == "queue" && rest[1] == "operations" && rest[3] == "retry" && r.Method == http.MethodPost:
		s.handleRetry(w, r, rest[2], correlationID)
	case len(rest) == 4 && rest[0] == "queue" && rest[1] == "operations" && rest[3] == "cancel" && r.Method == http.MethodPost:
		s.handleCancel(w, r, rest[2], correlationID)
	case len(rest) == 1 && rest[0] == "cache" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, s.cache.Stats())
	case len(rest) == 2 && rest[0] == "cache" && rest[1] == "clear" && r.Method == http.MethodPost:
		s.cache.Clear()
		writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
	case len(rest) == 2 && rest[0] == "runner" && rest[1] == "enable" && r.Method == http.MethodPost:
		s.handleRunnerEnable(w, r, correlationID)
	case len(rest) == 2 && rest[0] == "runner" && rest[1] == "trigger" && r.Method == http.MethodPost:
		s.runner.TriggerNow()
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "triggered"})
	case len(rest) == 1 && rest[0] == "events" && r.Method == http.MethodGet:
		s.handleEvents(w, r)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request, correlationID string) {
	status, err := s.runner.Status(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage_error", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleOperationsList(w http.ResponseWriter, r *http.Request, correlationID string) {
	owner := strings.TrimSpace(r.URL.Query().Get("owner"))
	if owner == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "owner query parameter is required", correlationID)
		return
	}
	ops, err := s.repo.ByOwnerPending(r.Context(), owner)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage_error", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": ops})
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request, id, correlationID string) {
	op, outcome, err := s.processor.Retry(r.Context(), id)
	if err != nil {
		s.writeOperationError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"outcome": outcome, "operation": op})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request, id, correlationID string) {
	op, err := s.processor.Cancel(r.Context(), id)
	if err != nil {
		s.writeOperationError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"operation": op})
}

type runnerEnableRequest struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) handleRunnerEnable(w http.ResponseWriter, r *http.Request, correlationID string) {
	var req runnerEnableRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	s.runner.SetEnabled(req.Enabled)
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": req.Enabled})
}

// handleEvents streams operation state transitions over a websocket until
// the client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	ch := s.events.Subscribe(64)
	defer s.events.Unsubscribe(ch)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case event, ok := <-ch:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			if err := wsjson.Write(ctx, conn, event); err != nil {
				return
			}
		}
	}
}

func (s *Server) writeFacadeError(w http.ResponseWriter, err error, correlationID string) {
	var remoteErr *listrelay.RemoteError
	switch {
	case errors.As(err, &remoteErr):
		switch remoteErr.Reason {
		case listrelay.ReasonNotFound:
			writeError(w, http.StatusNotFound, "not_found", remoteErr.Detail, correlationID)
		case listrelay.ReasonValidation:
			writeError(w, http.StatusUnprocessableEntity, "validation_error", remoteErr.Detail, correlationID)
		default:
			writeError(w, http.StatusBadGateway, string(remoteErr.Reason), remoteErr.Detail, correlationID)
		}
	case errors.Is(err, listrelay.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error(), correlationID)
	case errors.Is(err, listrelay.ErrNoValidSession):
		writeError(w, http.StatusUnauthorized, "no_valid_session", err.Error(), correlationID)
	case errors.Is(err, listrelay.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func (s *Server) writeOperationError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, listrelay.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, listrelay.ErrInvalidStatus):
		writeError(w, http.StatusConflict, "invalid_status", err.Error(), correlationID)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "body_too_large", "request body too large", correlationID)
		return false
	}
	if len(body) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_input", "request body is required", correlationID)
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "request body is not valid JSON", correlationID)
		return false
	}
	return true
}

func getCorrelationID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Correlation-Id"))
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{
			"code":          code,
			"message":       message,
			"correlationId": correlationID,
		},
	})
}

func (l *rateLimiter) allow(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[key]
	if !ok || now.After(entry.resetAt) {
		l.entries[key] = rateEntry{count: 1, resetAt: now.Add(l.window)}
		return true
	}
	if entry.count >= l.max {
		return false
	}
	entry.count++
	l.entries[key] = entry
	return true
}

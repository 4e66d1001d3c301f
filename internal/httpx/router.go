// Package httpx wires the HTTP and streaming boundaries to the core
// services: ingest, aggregate reads, anomaly listings, similarity search,
// and live subscriptions.
package httpx

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/YASSERRMD/query-vault/internal/domain"
	"github.com/YASSERRMD/query-vault/internal/repository"
	"github.com/YASSERRMD/query-vault/internal/service/baseline"
	"github.com/YASSERRMD/query-vault/internal/service/ingest"
	"github.com/YASSERRMD/query-vault/internal/service/search"
	"github.com/YASSERRMD/query-vault/internal/ws"
)

// Router wires HTTP endpoints to services.
type Router struct {
	mux        *http.ServeMux
	logger     *slog.Logger
	workspaces repository.WorkspaceRepository
	metrics    repository.MetricRepository
	anomalies  repository.AnomalyRepository
	baselines  *baseline.Reader
	ingest     *ingest.Service
	search     *search.Service
	hub        *ws.Hub
	upgrader   websocket.Upgrader
	limiter    RateLimiter
	dbHealth   func(context.Context) error
	subBuffer  int

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
}

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitIngest    = 6000
	rateLimitRead      = 600
	rateLimitWebsocket = 30
	healthCheckTimeout = 2 * time.Second

	sseHeartbeatInterval = 30 * time.Second
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, workspaceRepo repository.WorkspaceRepository, metricRepo repository.MetricRepository, anomalyRepo repository.AnomalyRepository, baselines *baseline.Reader, ingestSvc *ingest.Service, searchSvc *search.Service, hub *ws.Hub, limiter RateLimiter, subscriberBuffer int, dbHealth func(context.Context) error) *Router {
	r := &Router{
		mux:        http.NewServeMux(),
		logger:     logger,
		workspaces: workspaceRepo,
		metrics:    metricRepo,
		anomalies:  anomalyRepo,
		baselines:  baselines,
		ingest:     ingestSvc,
		search:     searchSvc,
		hub:        hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:   limiter,
		dbHealth:  dbHealth,
		subBuffer: subscriberBuffer,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit(r.handleHealthz))
	r.mux.HandleFunc("/readyz", r.audit(r.handleReadyz))
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/api/v1/metrics/ingest", r.audit(r.requireAPIKey(r.withRateLimit(rateLimitIngest, rateWindowDefault, r.handleIngest))))
	r.mux.HandleFunc("/api/v1/workspaces/", r.audit(r.requireAPIKey(r.handleWorkspaceSubroutes)))
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (r *Router) handleReadyz(w http.ResponseWriter, req *http.Request) {
	ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
	defer cancel()
	if r.dbHealth != nil {
		if err := r.dbHealth(ctx); err != nil {
			writeError(w, http.StatusServiceUnavailable, "database unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (r *Router) handleIngest(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	workspace, ok := workspaceFromContext(req.Context())
	if !ok {
		writeError(w, http.StatusInternalServerError, "workspace context missing")
		return
	}
	var payload struct {
		Metrics []domain.QueryMetric `json:"metrics"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if len(payload.Metrics) == 0 {
		writeError(w, http.StatusBadRequest, "metrics array required")
		return
	}
	res, err := r.ingest.Accept(workspace.ID, payload.Metrics)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if res.Ingested == 0 && res.Dropped > 0 {
		// Full buffer: tell the client to back off and retry.
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusServiceUnavailable, res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleWorkspaceSubroutes dispatches /api/v1/workspaces/{id}/{resource}.
func (r *Router) handleWorkspaceSubroutes(w http.ResponseWriter, req *http.Request) {
	workspace, ok := workspaceFromContext(req.Context())
	if !ok {
		writeError(w, http.StatusInternalServerError, "workspace context missing")
		return
	}
	rest := strings.TrimPrefix(req.URL.Path, "/api/v1/workspaces/")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	workspaceID, err := uuid.Parse(parts[0])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid workspace id")
		return
	}
	if workspaceID != workspace.ID {
		writeError(w, http.StatusForbidden, "api key does not grant access to this workspace")
		return
	}

	switch parts[1] {
	case "aggregations":
		r.withRateLimit(rateLimitRead, rateWindowDefault, r.handleAggregations(workspace))(w, req)
	case "metrics":
		r.withRateLimit(rateLimitRead, rateWindowDefault, r.handleRecentMetrics(workspace))(w, req)
	case "anomalies":
		r.withRateLimit(rateLimitRead, rateWindowDefault, r.handleAnomalies(workspace))(w, req)
	case "services":
		r.withRateLimit(rateLimitRead, rateWindowDefault, r.handleServices(workspace))(w, req)
	case "search/similar":
		r.withRateLimit(rateLimitRead, rateWindowDefault, r.handleSearchSimilar(workspace))(w, req)
	case "ws":
		r.withRateLimit(rateLimitWebsocket, rateWindowRealtime, r.handleStreamWS(workspace))(w, req)
	case "events":
		r.withRateLimit(rateLimitWebsocket, rateWindowRealtime, r.handleStreamSSE(workspace))(w, req)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (r *Router) handleAggregations(workspace *domain.Workspace) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			r.methodNotAllowed(w)
			return
		}
		window := domain.AggregateWindow(req.URL.Query().Get("window"))
		if window == "" {
			window = domain.Window1m
		}
		if !window.Valid() {
			writeError(w, http.StatusBadRequest, "window must be one of 5s, 1m, 5m")
			return
		}
		to := time.Now().UTC()
		from := to.Add(-time.Hour)
		if v := req.URL.Query().Get("from"); v != "" {
			parsed, err := time.Parse(time.RFC3339, v)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid from timestamp")
				return
			}
			from = parsed
		}
		if v := req.URL.Query().Get("to"); v != "" {
			parsed, err := time.Parse(time.RFC3339, v)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid to timestamp")
				return
			}
			to = parsed
		}
		aggs, err := r.baselines.Aggregates(req.Context(), workspace.ID, window, from, to)
		if err != nil {
			r.logger.Error("failed to list aggregations", "error", err, "workspace_id", workspace.ID)
			writeError(w, http.StatusInternalServerError, "failed to list aggregations")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"aggregations": aggs})
	}
}

func (r *Router) handleRecentMetrics(workspace *domain.Workspace) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			r.methodNotAllowed(w)
			return
		}
		limit := queryLimit(req, 100, 1000)
		recent, err := r.metrics.ListRecentMetrics(req.Context(), workspace.ID, limit)
		if err != nil {
			r.logger.Error("failed to list metrics", "error", err, "workspace_id", workspace.ID)
			writeError(w, http.StatusInternalServerError, "failed to list metrics")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"metrics": recent})
	}
}

func (r *Router) handleAnomalies(workspace *domain.Workspace) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			r.methodNotAllowed(w)
			return
		}
		limit := queryLimit(req, 50, 500)
		anomalies, err := r.anomalies.ListAnomalies(req.Context(), workspace.ID, limit)
		if err != nil {
			r.logger.Error("failed to list anomalies", "error", err, "workspace_id", workspace.ID)
			writeError(w, http.StatusInternalServerError, "failed to list anomalies")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"anomalies": anomalies})
	}
}

func (r *Router) handleServices(workspace *domain.Workspace) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			r.methodNotAllowed(w)
			return
		}
		services, err := r.workspaces.ListServices(req.Context(), workspace.ID)
		if err != nil {
			r.logger.Error("failed to list services", "error", err, "workspace_id", workspace.ID)
			writeError(w, http.StatusInternalServerError, "failed to list services")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"services": services})
	}
}

func (r *Router) handleSearchSimilar(workspace *domain.Workspace) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			r.methodNotAllowed(w)
			return
		}
		var payload struct {
			Query     string  `json:"query"`
			Limit     int     `json:"limit"`
			Threshold float64 `json:"threshold"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON payload")
			return
		}
		results, err := r.search.Similar(req.Context(), workspace.ID, payload.Query, payload.Limit, payload.Threshold)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"results": results})
	}
}

func (r *Router) handleStreamWS(workspace *domain.Workspace) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		conn, err := r.upgrader.Upgrade(w, req, nil)
		if err != nil {
			r.logger.Error("websocket upgrade failed", "error", err)
			return
		}
		client := ws.NewClient(conn, r.logger)
		sub := r.hub.Subscribe(workspace.ID, r.subBuffer)

		// Reader goroutine notices the peer going away.
		go func() {
			defer sub.Close()
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		go func() {
			defer func() {
				sub.Close()
				client.Close()
			}()
			for {
				select {
				case <-sub.Done():
					return
				case payload := <-sub.C():
					if err := client.Send(payload); err != nil {
						return
					}
				}
			}
		}()
	}
}

func (r *Router) handleStreamSSE(workspace *domain.Workspace) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			r.methodNotAllowed(w)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			writeError(w, http.StatusInternalServerError, "streaming unsupported")
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		flusher.Flush()

		client := ws.NewSSEClient(w, flusher, r.logger)
		sub := r.hub.Subscribe(workspace.ID, r.subBuffer)
		defer sub.Close()
		defer client.Close()

		heartbeat := time.NewTicker(sseHeartbeatInterval)
		defer heartbeat.Stop()

		for {
			select {
			case <-req.Context().Done():
				return
			case <-sub.Done():
				return
			case payload := <-sub.C():
				if err := client.Send(payload); err != nil {
					return
				}
			case <-heartbeat.C:
				if err := client.Heartbeat(); err != nil {
					return
				}
			}
		}
	}
}

// withRateLimit enforces a per-key budget, keying on API key when present
// and falling back to client IP.
func (r *Router) withRateLimit(limit int, window time.Duration, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		key := apiKey(req)
		if key == "" {
			key = clientIP(req)
		}
		decision := r.limiter.Allow(req.URL.Path+"|"+key, limit, window)
		if !decision.allowed {
			r.recordRateLimitHit(req.URL.Path)
			retry := time.Until(decision.windowEnd)
			if retry < time.Second {
				retry = time.Second
			}
			w.Header().Set("Retry-After", strconv.Itoa(int(retry.Seconds())))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, req)
	}
}

// audit logs every request and records request metrics.
func (r *Router) audit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start)
		r.recordRequestMetrics(req.Method, routeLabel(req.URL.Path), status, duration)

		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Debug("http_request", fields...)
		}
	}
}

// routeLabel collapses workspace ids so metric cardinality stays bounded.
func routeLabel(path string) string {
	if strings.HasPrefix(path, "/api/v1/workspaces/") {
		rest := strings.TrimPrefix(path, "/api/v1/workspaces/")
		if idx := strings.Index(rest, "/"); idx >= 0 {
			return "/api/v1/workspaces/:id/" + rest[idx+1:]
		}
		return "/api/v1/workspaces/:id"
	}
	return path
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func queryLimit(req *http.Request, fallback, max int) int {
	v := req.URL.Query().Get("limit")
	if v == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(v)
	if err != nil || parsed <= 0 {
		return fallback
	}
	if parsed > max {
		return max
	}
	return parsed
}

func clientIP(req *http.Request) string {
	if fwd := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("response writer does not support hijacking")
}

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

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lookout-dev/lookout/internal/domain"
	"github.com/lookout-dev/lookout/internal/repository"
	"github.com/lookout-dev/lookout/internal/service/incident"
	"github.com/lookout-dev/lookout/internal/service/ingest"
	"github.com/lookout-dev/lookout/internal/ws"
)

// Router wires HTTP endpoints to services.
type Router struct {
	mux       *http.ServeMux
	logger    *slog.Logger
	ingest    *ingest.Service
	incidents *incident.Service
	upgrader  websocket.Upgrader
	limiter   RateLimiter
	dbHealth  func(context.Context) error
	logLimit  int

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
}

const (
	rateWindowDefault   = time.Minute
	rateWindowRealtime  = 30 * time.Second
	rateLimitCollect    = 600
	rateLimitQuery      = 120
	rateLimitResolve    = 60
	rateLimitWebsocket  = 30
	healthCheckTimeout  = 2 * time.Second
	defaultLogLimit     = 100
	maxLogLimit         = 1000
	maxCollectBodyBytes = 1 << 20
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, ingestSvc *ingest.Service, incidentSvc *incident.Service, limiter RateLimiter, logLimit int, dbHealth func(context.Context) error) *Router {
	r := &Router{
		mux:       http.NewServeMux(),
		logger:    logger,
		ingest:    ingestSvc,
		incidents: incidentSvc,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:  limiter,
		dbHealth: dbHealth,
		logLimit: logLimit,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	if r.logLimit <= 0 {
		r.logLimit = defaultLogLimit
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
	r.mux.HandleFunc("/collect/log", r.audit(r.withRateLimit("/collect/log", rateLimitCollect, rateWindowDefault, rateLimitKeyIP, r.handleCollect)))
	r.mux.HandleFunc("/api/logs", r.audit(r.withRateLimit("/api/logs", rateLimitQuery, rateWindowDefault, rateLimitKeyIP, r.handleLogs)))
	r.mux.HandleFunc("/api/incidents", r.audit(r.withRateLimit("/api/incidents", rateLimitQuery, rateWindowDefault, rateLimitKeyIP, r.handleIncidents)))
	r.mux.HandleFunc("/api/incidents/", r.audit(r.withRateLimit("/api/incidents/", rateLimitResolve, rateWindowDefault, rateLimitKeyIP, r.handleIncidentSubroutes)))
	r.mux.HandleFunc("/ws/incidents", r.audit(r.withRateLimit("/ws/incidents", rateLimitWebsocket, rateWindowRealtime, rateLimitKeyIP, r.handleIncidentsWS)))
	r.mux.Handle("/metrics", promhttp.Handler())
}

func (r *Router) handleCollect(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	req.Body = http.MaxBytesReader(w, req.Body, maxCollectBodyBytes)
	var payload struct {
		Service      string  `json:"service"`
		Endpoint     string  `json:"endpoint"`
		Method       string  `json:"method"`
		Status       int     `json:"status"`
		LatencyMS    float64 `json:"latencyMs"`
		Event        string  `json:"event"`
		RequestSize  int64   `json:"requestSize"`
		ResponseSize int64   `json:"responseSize"`
		Timestamp    string  `json:"timestamp"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	event := domain.TelemetryEvent{
		Service:      strings.TrimSpace(payload.Service),
		Endpoint:     strings.TrimSpace(payload.Endpoint),
		Method:       strings.TrimSpace(payload.Method),
		Status:       payload.Status,
		LatencyMS:    payload.LatencyMS,
		Event:        strings.TrimSpace(payload.Event),
		RequestSize:  payload.RequestSize,
		ResponseSize: payload.ResponseSize,
	}
	if payload.Timestamp != "" {
		parsed, err := time.Parse(time.RFC3339Nano, payload.Timestamp)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid timestamp format")
			return
		}
		event.Timestamp = parsed.UTC()
	}
	if err := r.ingest.Ingest(req.Context(), event); err != nil {
		r.logger.Error("ingest failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (r *Router) handleLogs(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	query := req.URL.Query()
	limit, _ := strconv.Atoi(query.Get("limit"))
	if limit <= 0 {
		limit = r.logLimit
	} else if limit > maxLogLimit {
		limit = maxLogLimit
	}
	events, err := r.ingest.ListEvents(req.Context(), strings.TrimSpace(query.Get("service")), strings.TrimSpace(query.Get("endpoint")), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (r *Router) handleIncidents(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	query := req.URL.Query()
	filter := repository.IncidentFilter{Service: strings.TrimSpace(query.Get("service"))}
	if raw := query.Get("resolved"); raw != "" {
		resolved, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid resolved filter")
			return
		}
		filter.Resolved = &resolved
	}
	if limit, err := strconv.Atoi(query.Get("limit")); err == nil && limit > 0 {
		filter.Limit = limit
	}
	incidents, err := r.incidents.List(req.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, incidents)
}

func (r *Router) handleIncidentSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/api/incidents/")
	parts := strings.Split(strings.Trim(trimmed, "/"), "/")
	switch {
	case len(parts) == 1 && parts[0] != "":
		r.handleIncidentGet(w, req, parts[0])
	case len(parts) == 2 && parts[1] == "resolve":
		r.handleIncidentResolve(w, req, parts[0])
	default:
		r.notFound(w)
	}
}

func (r *Router) handleIncidentGet(w http.ResponseWriter, req *http.Request, id string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	inc, err := r.incidents.Get(req.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			r.notFound(w)
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

func (r *Router) handleIncidentResolve(w http.ResponseWriter, req *http.Request, id string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		User string `json:"user"`
	}
	if req.Body != nil {
		// Empty bodies are allowed; the actor falls back to "unknown".
		_ = json.NewDecoder(req.Body).Decode(&payload)
	}
	inc, already, err := r.incidents.Resolve(req.Context(), id, strings.TrimSpace(payload.User))
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			r.notFound(w)
		case errors.Is(err, incident.ErrConcurrentUpdate):
			writeError(w, http.StatusConflict, "could not resolve due to concurrent updates")
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	if already {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "message": "already resolved"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "incident": inc})
}

func (r *Router) handleIncidentsWS(w http.ResponseWriter, req *http.Request) {
	service := strings.TrimSpace(req.URL.Query().Get("service"))
	if service == "" {
		service = ws.AllServices
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	hub := r.ingest.Hub()
	hub.Register(service, client)
	go func() {
		defer func() {
			hub.Unregister(service, client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

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
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}

		r.recordRequestMetrics(req.Method, req.URL.Path, status, duration)

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
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
	return nil, nil, errors.New("hijacker not supported")
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func (r *Router) applyRateHeaders(w http.ResponseWriter, limit int, decision rateDecision) {
	if limit <= 0 {
		return
	}
	remaining := limit - decision.count
	if remaining < 0 {
		remaining = 0
	}
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !decision.windowEnd.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
	}
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}

// Package rpc implements the external surface adapter of spec §6 as an
// HTTP/JSON stand-in for the opaque mTLS RPC contract: GetSystemStatus,
// MonitorEvents (as Server-Sent Events), ExecuteResponse, and ModelOps,
// plus a Prometheus /metrics endpoint. Grounded on kubernaut's
// cmd/*-service chi.NewRouter()+cors.Handler wiring pattern
// (test/integration/gateway/cors_test.go). Error categories map to HTTP
// status as follows: Validation->400, Security->403, breaker-open->503, ML
// errors whose context ends in "timeout"->504, otherwise->500. There is no
// not-found mapping: a missing model or object is reported under its own
// category (a Storage error, so 500).
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/jordigilh/guardian/internal/eventbus"
	"github.com/jordigilh/guardian/internal/guardianerr"
	"github.com/jordigilh/guardian/internal/model"
	"github.com/jordigilh/guardian/internal/response"
	"github.com/jordigilh/guardian/pkg/types"
)

// MaxConcurrentRequests caps in-flight requests (§6).
const MaxConcurrentRequests = 1000

// DefaultTimeout bounds a request lacking a method-specific override (§6:
// "per-request timeout 5-30s depending on method").
const DefaultTimeout = 10 * time.Second

// StatusStore is the subset of *state.Store GetSystemStatus needs.
type StatusStore interface {
	Current() types.SystemState
}

// EventSubscriber is the subset of *eventbus.Bus MonitorEvents needs.
type EventSubscriber interface {
	Subscribe(evtType string) (*eventbus.Subscription, error)
}

// ResponseExecutor is the subset of *response.Engine ExecuteResponse needs.
type ResponseExecutor interface {
	ExecuteResponse(ctx context.Context, threat types.ThreatClassification) (types.ResponseStatus, error)
}

// ModelRegistry is the subset of *model.Registry ModelOps needs.
type ModelRegistry interface {
	Register(ctx context.Context, name, version string, data []byte) (*model.Metadata, error)
	Validate(ctx context.Context, name, version string, signature []byte) error
	Activate(ctx context.Context, name, version string) error
	List(name string) []*model.Metadata
}

// Server wires the four §6 method groups behind a chi router.
type Server struct {
	router   chi.Router
	status   StatusStore
	events   EventSubscriber
	response ResponseExecutor
	models   ModelRegistry
	sem      chan struct{}
	log      *logrus.Entry
}

// New constructs a Server with CORS enabled for every origin configured via
// allowedOrigins, and registers /metrics against registry.
func New(status StatusStore, events EventSubscriber, resp ResponseExecutor, models ModelRegistry, registry *prometheus.Registry, allowedOrigins []string, log *logrus.Entry) *Server {
	s := &Server{
		router:   chi.NewRouter(),
		status:   status,
		events:   events,
		response: resp,
		models:   models,
		sem:      make(chan struct{}, MaxConcurrentRequests),
		log:      log.WithField("component", "rpc_server"),
	}

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "X-Correlation-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	s.router.Use(s.concurrencyLimit)

	s.router.Get("/v1/status", s.handleGetSystemStatus)
	s.router.Get("/v1/events", s.handleMonitorEvents)
	s.router.Post("/v1/response", s.handleExecuteResponse)
	s.router.Post("/v1/models/{name}/{version}/register", s.handleModelRegister)
	s.router.Post("/v1/models/{name}/{version}/activate", s.handleModelActivate)
	s.router.Get("/v1/models/{name}", s.handleModelList)
	s.router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	return s
}

// Handler exposes the configured router for http.ListenAndServe.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) concurrencyLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case s.sem <- struct{}{}:
			defer func() { <-s.sem }()
			next.ServeHTTP(w, r)
		default:
			writeError(w, guardianerr.System("too many concurrent requests", nil))
		}
	})
}

// writeError maps a *guardianerr.Error's category to the §6 status code
// table; any other error falls back to 500.
func writeError(w http.ResponseWriter, err error) {
	var gerr *guardianerr.Error
	status := http.StatusInternalServerError
	if errors.As(err, &gerr) {
		switch {
		case gerr.Category == guardianerr.CategoryValidation:
			status = http.StatusBadRequest
		case gerr.Category == guardianerr.CategorySecurity:
			status = http.StatusForbidden
		case strings.HasSuffix(gerr.Context, "breaker_open"):
			status = http.StatusServiceUnavailable
		case gerr.Category == guardianerr.CategoryML && strings.HasSuffix(gerr.Context, "timeout"):
			status = http.StatusGatewayTimeout
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func (s *Server) handleGetSystemStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.status.Current())
}

// handleMonitorEvents streams the requested event type as Server-Sent
// Events, the HTTP stand-in for §6's "MonitorEvents() -> stream Event".
func (s *Server) handleMonitorEvents(w http.ResponseWriter, r *http.Request) {
	evtType := r.URL.Query().Get("type")
	if evtType == "" {
		writeError(w, guardianerr.Validation("type query parameter is required", nil))
		return
	}

	sub, err := s.events.Subscribe(evtType)
	if err != nil {
		writeError(w, err)
		return
	}
	defer sub.Unsubscribe()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, guardianerr.System("streaming unsupported by response writer", nil))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-sub.C():
			if !ok {
				return
			}
			body, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			w.Write([]byte("data: "))
			w.Write(body)
			w.Write([]byte("\n\n"))
			flusher.Flush()
		}
	}
}

type executeResponseRequest struct {
	Severity   int               `json:"severity"`
	Confidence float64           `json:"confidence"`
	Context    map[string]string `json:"context"`
	PID        *uint32           `json:"pid,omitempty"`
	Address    string            `json:"address,omitempty"`
}

func (s *Server) handleExecuteResponse(w http.ResponseWriter, r *http.Request) {
	var req executeResponseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, guardianerr.Validation("malformed request body", err))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), DefaultTimeout)
	defer cancel()

	threat := types.ThreatClassification{
		Severity:   types.Severity(req.Severity),
		Confidence: req.Confidence,
		Context:    req.Context,
		PID:        req.PID,
		Address:    req.Address,
	}

	status, err := s.response.ExecuteResponse(ctx, threat)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleModelRegister(w http.ResponseWriter, r *http.Request) {
	name, version := chi.URLParam(r, "name"), chi.URLParam(r, "version")
	defer r.Body.Close()
	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, guardianerr.Validation("failed to read model blob", err))
		return
	}
	md, err := s.models.Register(r.Context(), name, version, data)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, md)
}

func (s *Server) handleModelActivate(w http.ResponseWriter, r *http.Request) {
	name, version := chi.URLParam(r, "name"), chi.URLParam(r, "version")
	if err := s.models.Activate(r.Context(), name, version); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleModelList(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	writeJSON(w, http.StatusOK, s.models.List(name))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

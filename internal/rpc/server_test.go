package rpc_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/jordigilh/guardian/internal/eventbus"
	"github.com/jordigilh/guardian/internal/guardianerr"
	"github.com/jordigilh/guardian/internal/model"
	"github.com/jordigilh/guardian/internal/rpc"
	"github.com/jordigilh/guardian/pkg/types"
)

type stubStatusStore struct{ state types.SystemState }

func (s stubStatusStore) Current() types.SystemState { return s.state }

type stubEventSubscriber struct{ err error }

func (s stubEventSubscriber) Subscribe(evtType string) (*eventbus.Subscription, error) {
	return nil, s.err
}

type stubResponseExecutor struct {
	status types.ResponseStatus
	err    error
}

func (s stubResponseExecutor) ExecuteResponse(ctx context.Context, threat types.ThreatClassification) (types.ResponseStatus, error) {
	return s.status, s.err
}

type stubModelRegistry struct {
	registerErr error
	activateErr error
	list        []*model.Metadata
}

func (s *stubModelRegistry) Register(ctx context.Context, name, version string, data []byte) (*model.Metadata, error) {
	if s.registerErr != nil {
		return nil, s.registerErr
	}
	return &model.Metadata{Name: name, Version: version}, nil
}

func (s *stubModelRegistry) Validate(ctx context.Context, name, version string, signature []byte) error {
	return nil
}

func (s *stubModelRegistry) Activate(ctx context.Context, name, version string) error {
	return s.activateErr
}

func (s *stubModelRegistry) List(name string) []*model.Metadata {
	return s.list
}

func newTestServer(status rpc.StatusStore, events rpc.EventSubscriber, resp rpc.ResponseExecutor, models rpc.ModelRegistry) *rpc.Server {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return rpc.New(status, events, resp, models, prometheus.NewRegistry(), []string{"*"}, logrus.NewEntry(log))
}

func TestGetSystemStatusReturnsCurrentState(t *testing.T) {
	state := types.SystemState{CPUUsage: 12.5, Health: types.HealthHealthy}
	srv := newTestServer(stubStatusStore{state: state}, stubEventSubscriber{}, stubResponseExecutor{}, &stubModelRegistry{})

	req := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var got types.SystemState
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unexpected error decoding body: %v", err)
	}
	if got.CPUUsage != 12.5 {
		t.Fatalf("CPUUsage = %v, want 12.5", got.CPUUsage)
	}
}

func TestExecuteResponseReturnsStatus(t *testing.T) {
	wantStatus := types.ResponseStatus{Success: true}
	srv := newTestServer(stubStatusStore{}, stubEventSubscriber{}, stubResponseExecutor{status: wantStatus}, &stubModelRegistry{})

	body, _ := json.Marshal(map[string]any{"severity": int(types.SeverityHigh), "confidence": 0.99})
	req := httptest.NewRequest(http.MethodPost, "/v1/response", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
}

func TestExecuteResponseRejectsMalformedBody(t *testing.T) {
	srv := newTestServer(stubStatusStore{}, stubEventSubscriber{}, stubResponseExecutor{}, &stubModelRegistry{})

	req := httptest.NewRequest(http.MethodPost, "/v1/response", bytes.NewReader([]byte("not json")))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

// TestErrorMappingTranslatesCategoriesToStatus covers §6's error category to
// HTTP status table.
func TestErrorMappingTranslatesCategoriesToStatus(t *testing.T) {
	cases := []struct {
		name       string
		executeErr error
		wantStatus int
	}{
		{"validation", guardianerr.Validation("bad request", nil), http.StatusBadRequest},
		{"security", guardianerr.Security("forbidden target", nil), http.StatusForbidden},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := newTestServer(stubStatusStore{}, stubEventSubscriber{}, stubResponseExecutor{err: tc.executeErr}, &stubModelRegistry{})
			body, _ := json.Marshal(map[string]any{"severity": int(types.SeverityMedium)})
			req := httptest.NewRequest(http.MethodPost, "/v1/response", bytes.NewReader(body))
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, req)
			if rec.Code != tc.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tc.wantStatus)
			}
		})
	}
}

func TestModelRegisterThenList(t *testing.T) {
	models := &stubModelRegistry{list: []*model.Metadata{{Name: "detector", Version: "v1.0.0"}}}
	srv := newTestServer(stubStatusStore{}, stubEventSubscriber{}, stubResponseExecutor{}, models)

	req := httptest.NewRequest(http.MethodPost, "/v1/models/detector/v1.0.0/register", bytes.NewReader([]byte("weights")))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("register status = %d, want 201", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/models/detector", nil)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d, want 200", rec.Code)
	}
	var got []*model.Metadata
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unexpected error decoding body: %v", err)
	}
	if len(got) != 1 || got[0].Version != "v1.0.0" {
		t.Fatalf("got %+v, want one entry at v1.0.0", got)
	}
}

func TestModelActivatePropagatesError(t *testing.T) {
	models := &stubModelRegistry{activateErr: guardianerr.Validation("not validated", nil)}
	srv := newTestServer(stubStatusStore{}, stubEventSubscriber{}, stubResponseExecutor{}, models)

	req := httptest.NewRequest(http.MethodPost, "/v1/models/detector/v1.0.0/activate", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestMonitorEventsRequiresTypeParameter(t *testing.T) {
	srv := newTestServer(stubStatusStore{}, stubEventSubscriber{}, stubResponseExecutor{}, &stubModelRegistry{})

	req := httptest.NewRequest(http.MethodGet, "/v1/events", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestMetricsEndpointServesPrometheusFormat(t *testing.T) {
	srv := newTestServer(stubStatusStore{}, stubEventSubscriber{}, stubResponseExecutor{}, &stubModelRegistry{})
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

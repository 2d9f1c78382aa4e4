package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	cfgpkg "github.com/rzbill/ipcd/internal/config"
	"github.com/rzbill/ipcd/internal/driver"
	"github.com/rzbill/ipcd/internal/runtime"
	logpkg "github.com/rzbill/ipcd/pkg/log"
)

func openRuntime(t *testing.T, archive bool) *runtime.Runtime {
	t.Helper()
	cfg := cfgpkg.Default()
	cfg.DriverDir = filepath.Join(t.TempDir(), "driver")
	cfg.Retention.ArchiveDir = ""
	if archive {
		cfg.Retention.ArchiveDir = filepath.Join(t.TempDir(), "archive")
	}
	cfg.Timeouts.HeartbeatInterval = cfgpkg.Duration(10 * time.Millisecond)
	cfg.Agents.IdleStrategy = "sleeping"
	rt, err := runtime.Open(runtime.Options{Config: cfg})
	if err != nil {
		t.Fatalf("rt open: %v", err)
	}
	t.Cleanup(func() { _ = rt.Close() })
	return rt
}

func newServer(t *testing.T, rt *runtime.Runtime) *Server {
	logger, _ := logpkg.ApplyConfig(&logpkg.Config{Level: "error", Format: "text"})
	return New(rt, logger)
}

func do(s *Server, method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	w := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(w, req)
	return w
}

func TestHealthHandler(t *testing.T) {
	rt := openRuntime(t, false)
	s := newServer(t, rt)
	if w := do(s, http.MethodGet, "/v1/healthz", ""); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("before start: %d", w.Code)
	}
	rt.Start(context.Background())
	deadline := time.Now().Add(5 * time.Second)
	for {
		w := do(s, http.MethodGet, "/v1/healthz", "")
		if w.Code == http.StatusOK {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("status: %d", w.Code)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCountersAndPublications(t *testing.T) {
	rt := openRuntime(t, false)
	ctx := context.Background()
	rt.Start(ctx)
	id, err := rt.Client().CreatePublication(ctx, driver.PublicationParams{SessionID: 3, StreamID: 9, TermLength: 64 << 10})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	s := newServer(t, rt)

	w := do(s, http.MethodGet, "/v1/counters?type=pub-lmt", "")
	if w.Code != http.StatusOK {
		t.Fatalf("counters status: %d", w.Code)
	}
	var cs struct {
		Counters []counterJSON `json:"counters"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &cs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(cs.Counters) != 1 || cs.Counters[0].RegistrationID != id {
		t.Fatalf("counters %+v", cs.Counters)
	}

	w = do(s, http.MethodGet, "/v1/publications", "")
	var ps struct {
		Publications []driver.PublicationInfo `json:"publications"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &ps); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(ps.Publications) != 1 || ps.Publications[0].State != "ACTIVE" {
		t.Fatalf("publications %+v", ps.Publications)
	}

	if w := do(s, http.MethodPost, "/v1/counters", ""); w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("post counters: %d", w.Code)
	}
}

type counterJSON struct {
	ID             int32  `json:"id"`
	Type           string `json:"type"`
	RegistrationID int64  `json:"registrationId"`
}

func TestErrorsEndpoint(t *testing.T) {
	rt := openRuntime(t, false)
	boom := errors.New("boom")
	rt.ErrorLog().Record(boom, time.Now())
	rt.ErrorLog().Record(boom, time.Now())
	s := newServer(t, rt)
	w := do(s, http.MethodGet, "/v1/errors", "")
	var body struct {
		Errors []struct {
			Message string `json:"message"`
			Count   int64  `json:"count"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Errors) != 1 || body.Errors[0].Count != 2 {
		t.Fatalf("errors %+v", body.Errors)
	}
}

func TestArchiveEndpoints(t *testing.T) {
	s := newServer(t, openRuntime(t, false))
	if w := do(s, http.MethodGet, "/v1/archive", ""); w.Code != http.StatusNotFound {
		t.Fatalf("disabled archive: %d", w.Code)
	}

	s = newServer(t, openRuntime(t, true))
	if w := do(s, http.MethodGet, "/v1/archive", ""); w.Code != http.StatusOK {
		t.Fatalf("list: %d", w.Code)
	}
	if w := do(s, http.MethodGet, "/v1/archive/frames", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("frames without id: %d", w.Code)
	}
	if w := do(s, http.MethodGet, "/v1/archive/frames?id=42", ""); w.Code != http.StatusNotFound {
		t.Fatalf("frames unknown id: %d", w.Code)
	}
	if w := do(s, http.MethodPost, "/v1/archive/prune", `{"olderThan":"bogus"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("bad prune: %d", w.Code)
	}
	w := do(s, http.MethodPost, "/v1/archive/prune", `{"olderThan":"1h"}`)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"removed":0`) {
		t.Fatalf("prune: %d %s", w.Code, w.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newServer(t, openRuntime(t, false))
	_ = do(s, http.MethodGet, "/v1/healthz", "")
	w := do(s, http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("metrics: %d", w.Code)
	}
	body := w.Body.String()
	for _, want := range []string{"ipcd_counter_value", "ipcd_driver_up", `ipcd_http_requests_total{method="GET",path="/v1/healthz",status="503"}`} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics missing %s", want)
		}
	}
}

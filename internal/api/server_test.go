package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/joestump/profile-gate/internal/cooldown"
	"github.com/joestump/profile-gate/internal/model"
	"github.com/joestump/profile-gate/internal/queue"
)

type fakeConnSource struct {
	conns []model.Connection
}

func (f *fakeConnSource) Connections() []model.Connection { return f.conns }

func newTestServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()

	q, err := queue.Open(filepath.Join(dir, "profiles_queue.json"), queue.DefaultLockOptions)
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	c, err := cooldown.Load(filepath.Join(dir, "endpoint_cooldowns.json"), cooldown.Durations{Sequence: []int{1, 2}}, nil)
	if err != nil {
		t.Fatalf("cooldown.Load: %v", err)
	}
	conns := &fakeConnSource{conns: []model.Connection{{Index: 0, Kind: model.ConnectionDirect}}}

	return New("127.0.0.1:0", q, c, conns, nil)
}

func TestHandleHealthReturnsOK(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	s.mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	ct := w.Header().Get("Content-Type")
	if !strings.Contains(ct, "application/json") {
		t.Fatalf("expected application/json, got %q", ct)
	}
}

func TestHandleHealthCooldownsHealthyWithNoCooldowns(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health/cooldowns", nil)
	w := httptest.NewRecorder()
	s.mux.ServeHTTP(w, req)

	var resp map[string]any
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["overall_status"] != "healthy" {
		t.Fatalf("expected healthy status, got %v", resp["overall_status"])
	}
}

func TestHandleCreateProfilesSingleObject(t *testing.T) {
	s := newTestServer(t)
	body := strings.NewReader(`{"steam_id":"1","username":"alice"}`)
	req := httptest.NewRequest(http.MethodPost, "/profiles", body)
	w := httptest.NewRecorder()
	s.mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var results []createProfileResult
	if err := json.NewDecoder(w.Body).Decode(&results); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(results) != 1 || !results[0].Success || !results[0].Added {
		t.Fatalf("expected a single added result, got %+v", results)
	}
}

func TestHandleCreateProfilesBatchAndValidation(t *testing.T) {
	s := newTestServer(t)
	body := strings.NewReader(`[{"steam_id":"1","username":"alice"},{"steam_id":"","username":"bob"}]`)
	req := httptest.NewRequest(http.MethodPost, "/profiles", body)
	w := httptest.NewRecorder()
	s.mux.ServeHTTP(w, req)

	var results []createProfileResult
	if err := json.NewDecoder(w.Body).Decode(&results); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if !results[0].Success || results[1].Success {
		t.Fatalf("expected the first to succeed and the second to fail validation, got %+v", results)
	}
}

func TestHandleQueueReportsStats(t *testing.T) {
	s := newTestServer(t)
	addBody := strings.NewReader(`{"steam_id":"1","username":"alice"}`)
	addReq := httptest.NewRequest(http.MethodPost, "/profiles", addBody)
	s.mux.ServeHTTP(httptest.NewRecorder(), addReq)

	req := httptest.NewRequest(http.MethodGet, "/profiles/queue", nil)
	w := httptest.NewRecorder()
	s.mux.ServeHTTP(w, req)

	var resp struct {
		Stats queue.Stats `json:"stats"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Stats.Total != 1 {
		t.Fatalf("expected 1 profile in the queue, got %+v", resp.Stats)
	}
}

func TestHandleAuditRecentWithoutDBReturnsEmpty(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/audit/recent", nil)
	w := httptest.NewRecorder()
	s.mux.ServeHTTP(w, req)

	var resp map[string]any
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	events, ok := resp["events"].([]any)
	if !ok || len(events) != 0 {
		t.Fatalf("expected an empty events array, got %v", resp["events"])
	}
}

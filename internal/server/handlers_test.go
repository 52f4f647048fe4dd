package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/strongdm/drover/internal/coordinator"
	"github.com/strongdm/drover/internal/lifecycle"
	"github.com/strongdm/drover/internal/metrics"
	"github.com/strongdm/drover/internal/store"
	"github.com/strongdm/drover/internal/webhook"
)

func newTestServer(t *testing.T) (*Server, *coordinator.Coordinator) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "drover.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	coord := coordinator.New(coordinator.Options{Store: st})
	m := metrics.New()
	wh := webhook.New(webhook.Options{Store: st, Coord: coord, Metrics: m})
	return New(Options{Coord: coord, Webhook: wh, Metrics: m}), coord
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t)
	w := get(t, s, "/health")
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
}

func TestListRuns(t *testing.T) {
	s, coord := newTestServer(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := coord.CreateRun(ctx, coordinator.CreateParams{Owner: "octo", Repo: "widgets"}); err != nil {
			t.Fatalf("create run: %v", err)
		}
	}

	w := get(t, s, "/runs")
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	var body struct {
		Runs []coordinator.RunListing `json:"runs"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Runs) != 3 {
		t.Fatalf("runs=%d want 3", len(body.Runs))
	}
	for _, r := range body.Runs {
		if r.State != lifecycle.StateQueued {
			t.Fatalf("state %s", r.State)
		}
	}

	if w := get(t, s, "/runs?limit=abc"); w.Code != http.StatusBadRequest {
		t.Fatalf("bad limit: status %d", w.Code)
	}
}

func TestGetRunSnapshot(t *testing.T) {
	s, coord := newTestServer(t)
	ctx := context.Background()
	run, err := coord.CreateRun(ctx, coordinator.CreateParams{Owner: "octo", Repo: "widgets"})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	if _, err := coord.Apply(ctx, coordinator.Event{RunID: run.RunID, Type: lifecycle.EventStartDiscovery}); err != nil {
		t.Fatalf("apply: %v", err)
	}

	w := get(t, s, "/runs/"+run.RunID)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	var snap coordinator.Snapshot
	if err := json.Unmarshal(w.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.State != lifecycle.StateDiscovery {
		t.Fatalf("state %s", snap.State)
	}

	if w := get(t, s, "/runs/no-such-run"); w.Code != http.StatusNotFound {
		t.Fatalf("missing run: status %d", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	w := get(t, s, "/metrics")
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
}

func TestWebhookMounted(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, webhook.DefaultPath, nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	// Missing X-GitHub-Event: the ingress answered, so the mount works.
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status %d want 400", w.Code)
	}
}

func TestCSRFGuard(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/runs", nil)
	req.Header.Set("Origin", "https://evil.example")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Fatalf("cross-origin POST: status %d want 403", w.Code)
	}

	// The webhook path is exempt; it authenticates by signature.
	req = httptest.NewRequest(http.MethodPost, webhook.DefaultPath, nil)
	req.Header.Set("Origin", "https://github.com")
	req.Header.Set("X-GitHub-Event", "ping")
	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	if w.Code == http.StatusForbidden {
		t.Fatalf("webhook POST blocked by origin guard")
	}
}

package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cwbudde/trialforge/internal/opt"
	"github.com/cwbudde/trialforge/internal/registry"
	"github.com/cwbudde/trialforge/internal/service"
	"github.com/cwbudde/trialforge/internal/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// newTestServer returns a server over a random-strategy service backed by a
// temporary FSStore.
func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.NewFSStore(dir)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	svc := service.New(registry.New(), st, service.Options{Strategy: opt.StrategyRandom, Version: "test"})
	return NewServer(":0", svc), dir
}

func do(t *testing.T, s *Server, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("Failed to decode response %q: %v", w.Body.String(), err)
	}
	return out
}

func expectStatus(t *testing.T, w *httptest.ResponseRecorder, want int) {
	t.Helper()
	if w.Code != want {
		t.Fatalf("Expected status %d, got %d: %s", want, w.Code, w.Body.String())
	}
}

var demoSpec = map[string]any{
	"name": "demo",
	"parameters": []map[string]any{
		{"name": "x", "type": "range", "bounds": []float64{0, 10}},
	},
	"objective_name": "score",
	"minimize":       false,
}

func createDemo(t *testing.T, s *Server) {
	t.Helper()
	w := do(t, s, http.MethodPost, "/create_experiment", demoSpec)
	expectStatus(t, w, http.StatusOK)
}

func waitStart(t *testing.T, errCh <-chan error) {
	t.Helper()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Start returned %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after Shutdown")
	}
}

func TestServer_ShutdownBeforeStart(t *testing.T) {
	s, _ := newTestServer(t)

	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- s.Start() }()
	waitStart(t, errCh)
}

func TestServer_StartThenShutdown(t *testing.T) {
	s, _ := newTestServer(t)

	errCh := make(chan error, 1)
	go func() { errCh <- s.Start() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	waitStart(t, errCh)
}

func TestServer_Info(t *testing.T) {
	s, _ := newTestServer(t)
	createDemo(t, s)

	w := do(t, s, http.MethodGet, "/", nil)
	expectStatus(t, w, http.StatusOK)

	body := decode(t, w)
	if body["service"] != service.Name || body["status"] != "running" {
		t.Errorf("Unexpected info: %v", body)
	}
	if body["active_experiments"] != float64(1) {
		t.Errorf("Expected 1 active experiment, got %v", body["active_experiments"])
	}
	if w.Header().Get(RequestIDHeader) == "" {
		t.Error("Expected a request ID header")
	}
}

func TestServer_Health(t *testing.T) {
	s, _ := newTestServer(t)

	w := do(t, s, http.MethodGet, "/health", nil)
	expectStatus(t, w, http.StatusOK)
	if decode(t, w)["status"] != "healthy" {
		t.Errorf("Unexpected health body: %s", w.Body.String())
	}
}

func TestServer_DemoFlow(t *testing.T) {
	s, _ := newTestServer(t)

	w := do(t, s, http.MethodPost, "/create_experiment", demoSpec)
	expectStatus(t, w, http.StatusOK)
	created := decode(t, w)
	if created["experiment_id"] != "demo" || created["status"] != "created" || created["parameters"] != float64(1) {
		t.Errorf("Unexpected create response: %v", created)
	}

	for i := 0; i < 2; i++ {
		w = do(t, s, http.MethodGet, "/get_next_trial/demo", nil)
		expectStatus(t, w, http.StatusOK)
		trial := decode(t, w)
		if trial["trial_index"] != float64(i) {
			t.Errorf("Expected trial_index %d, got %v", i, trial["trial_index"])
		}
		params := trial["parameters"].(map[string]any)
		if x, ok := params["x"].(float64); !ok || x < 0 || x > 10 {
			t.Errorf("Parameter x out of range: %v", params["x"])
		}
	}

	expectStatus(t, do(t, s, http.MethodPost, "/complete_trial/demo/0", map[string]any{"score": 5.0}), http.StatusOK)
	expectStatus(t, do(t, s, http.MethodPost, "/complete_trial/demo/1", map[string]any{"score": 7.0}), http.StatusOK)

	w = do(t, s, http.MethodGet, "/get_best/demo", nil)
	expectStatus(t, w, http.StatusOK)
	best := decode(t, w)
	if best["score"] != 7.0 || best["trial_index"] != float64(1) {
		t.Errorf("Unexpected best: %v", best)
	}

	w = do(t, s, http.MethodGet, "/get_trials/demo", nil)
	expectStatus(t, w, http.StatusOK)
	trials := decode(t, w)["trials"].([]any)
	if len(trials) != 2 {
		t.Fatalf("Expected 2 trials, got %d", len(trials))
	}
	if trials[1].(map[string]any)["status"] != "completed" {
		t.Errorf("Unexpected trial: %v", trials[1])
	}
}

func TestServer_ErrorStatuses(t *testing.T) {
	s, _ := newTestServer(t)
	createDemo(t, s)
	expectStatus(t, do(t, s, http.MethodGet, "/get_next_trial/demo", nil), http.StatusOK)

	tests := []struct {
		name   string
		method string
		target string
		body   any
		want   int
	}{
		{"duplicate experiment", http.MethodPost, "/create_experiment", demoSpec, http.StatusConflict},
		{"invalid spec", http.MethodPost, "/create_experiment", map[string]any{"name": "bad", "parameters": []map[string]any{{"name": "x", "type": "range", "bounds": []float64{3, 1}}}}, http.StatusBadRequest},
		{"malformed json", http.MethodPost, "/create_experiment", "not an object", http.StatusBadRequest},
		{"unknown strategy", http.MethodPost, "/create_experiment", map[string]any{"name": "s", "strategy": "grid", "parameters": []any{}}, http.StatusBadRequest},
		{"unknown experiment", http.MethodGet, "/get_next_trial/ghost", nil, http.StatusNotFound},
		{"complete unknown experiment", http.MethodPost, "/complete_trial/ghost/0", map[string]any{"score": 1}, http.StatusNotFound},
		{"complete unknown trial", http.MethodPost, "/complete_trial/demo/9", map[string]any{"score": 1}, http.StatusNotFound},
		{"non-integer index", http.MethodPost, "/complete_trial/demo/abc", map[string]any{"score": 1}, http.StatusBadRequest},
		{"missing score", http.MethodPost, "/complete_trial/demo/0", map[string]any{}, http.StatusBadRequest},
		{"no observations yet", http.MethodGet, "/get_best/demo", nil, http.StatusNotFound},
		{"trials of unknown experiment", http.MethodGet, "/get_trials/ghost", nil, http.StatusNotFound},
		{"load without filepath", http.MethodPost, "/load_checkpoint", nil, http.StatusBadRequest},
		{"load missing checkpoint", http.MethodPost, "/load_checkpoint?filepath=nope.json", nil, http.StatusNotFound},
		{"save outside store", http.MethodPost, "/save_checkpoint/demo?filepath=../x.json", nil, http.StatusBadRequest},
		{"unknown route", http.MethodGet, "/nope", nil, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, s, tt.method, tt.target, tt.body)
			expectStatus(t, w, tt.want)
			if _, ok := decode(t, w)["detail"]; !ok {
				t.Errorf("Expected a detail field in %s", w.Body.String())
			}
		})
	}
}

func TestServer_CompleteTwiceConflicts(t *testing.T) {
	s, _ := newTestServer(t)
	createDemo(t, s)
	expectStatus(t, do(t, s, http.MethodGet, "/get_next_trial/demo", nil), http.StatusOK)

	expectStatus(t, do(t, s, http.MethodPost, "/complete_trial/demo/0", map[string]any{"score": 1}), http.StatusOK)
	expectStatus(t, do(t, s, http.MethodPost, "/complete_trial/demo/0", map[string]any{"score": 2}), http.StatusConflict)
}

func TestServer_FailTrial(t *testing.T) {
	s, _ := newTestServer(t)
	createDemo(t, s)
	expectStatus(t, do(t, s, http.MethodGet, "/get_next_trial/demo", nil), http.StatusOK)
	expectStatus(t, do(t, s, http.MethodGet, "/get_next_trial/demo", nil), http.StatusOK)

	expectStatus(t, do(t, s, http.MethodPost, "/fail_trial/demo/0", map[string]any{"reason": "timeout"}), http.StatusOK)
	expectStatus(t, do(t, s, http.MethodPost, "/fail_trial/demo/1", nil), http.StatusOK)
	expectStatus(t, do(t, s, http.MethodPost, "/complete_trial/demo/0", map[string]any{"score": 1}), http.StatusConflict)

	trials := decode(t, do(t, s, http.MethodGet, "/get_trials/demo", nil))["trials"].([]any)
	first := trials[0].(map[string]any)
	if first["status"] != "failed" || first["reason"] != "timeout" {
		t.Errorf("Unexpected failed trial: %v", first)
	}
}

func TestServer_CheckpointRoundTrip(t *testing.T) {
	s, dir := newTestServer(t)
	createDemo(t, s)
	expectStatus(t, do(t, s, http.MethodGet, "/get_next_trial/demo", nil), http.StatusOK)
	expectStatus(t, do(t, s, http.MethodPost, "/complete_trial/demo/0", map[string]any{"score": 3}), http.StatusOK)

	w := do(t, s, http.MethodPost, "/save_checkpoint/demo?filepath=runs/demo.json", nil)
	expectStatus(t, w, http.StatusOK)
	if decode(t, w)["filepath"] != "runs/demo.json" {
		t.Errorf("Unexpected save response: %s", w.Body.String())
	}
	if _, err := os.Stat(filepath.Join(dir, "runs", "demo.json")); err != nil {
		t.Fatalf("checkpoint file missing: %v", err)
	}

	expectStatus(t, do(t, s, http.MethodDelete, "/experiments/demo", nil), http.StatusOK)
	expectStatus(t, do(t, s, http.MethodGet, "/get_trials/demo", nil), http.StatusNotFound)

	w = do(t, s, http.MethodPost, "/load_checkpoint?filepath=runs/demo.json", nil)
	expectStatus(t, w, http.StatusOK)
	if decode(t, w)["experiment_id"] != "demo" {
		t.Errorf("Unexpected load response: %s", w.Body.String())
	}

	w = do(t, s, http.MethodGet, "/get_next_trial/demo", nil)
	expectStatus(t, w, http.StatusOK)
	if decode(t, w)["trial_index"] != float64(1) {
		t.Errorf("Expected next trial index 1 after load, got %s", w.Body.String())
	}
}

func TestServer_CorruptCheckpoint(t *testing.T) {
	s, dir := newTestServer(t)
	if err := os.WriteFile(filepath.Join(dir, "bad.json"), []byte(`{"version":1,"experiment_id":""}`), 0644); err != nil {
		t.Fatal(err)
	}
	expectStatus(t, do(t, s, http.MethodPost, "/load_checkpoint?filepath=bad.json", nil), http.StatusUnprocessableEntity)
}

func TestServer_ListExperiments(t *testing.T) {
	s, _ := newTestServer(t)
	createDemo(t, s)

	w := do(t, s, http.MethodGet, "/experiments", nil)
	expectStatus(t, w, http.StatusOK)
	list := decode(t, w)["experiments"].([]any)
	if len(list) != 1 || list[0].(map[string]any)["experiment_id"] != "demo" {
		t.Errorf("Unexpected list: %v", list)
	}
}

func TestServer_CORSPreflight(t *testing.T) {
	s, _ := newTestServer(t)

	w := do(t, s, http.MethodOptions, "/create_experiment", nil)
	if w.Code != http.StatusNoContent {
		t.Errorf("Expected 204, got %d", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("Expected CORS header")
	}
}

func TestServer_RequestIDPropagates(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if got := w.Header().Get(RequestIDHeader); got != "abc-123" {
		t.Errorf("Expected request ID abc-123, got %q", got)
	}
}

func TestStatusFor(t *testing.T) {
	wrapped := fmt.Errorf("%w: %w", store.ErrCorruptCheckpoint, errBadRequest)
	if got := statusFor(wrapped); got != http.StatusUnprocessableEntity {
		t.Errorf("corrupt checkpoint wrapping a validation error: got %d", got)
	}
	if got := statusFor(fmt.Errorf("%w: disk", service.ErrIO)); got != http.StatusInternalServerError {
		t.Errorf("io error: got %d", got)
	}
	if got := statusFor(opt.ErrEngineExhausted); got != http.StatusConflict {
		t.Errorf("exhausted: got %d", got)
	}
	if got := statusFor(errors.New("boom")); got != http.StatusInternalServerError {
		t.Errorf("unknown: got %d", got)
	}
}

func TestServer_EventStream(t *testing.T) {
	s, _ := newTestServer(t)
	createDemo(t, s)

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/experiments/demo/events", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stream request failed: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("Expected event stream, got %q", ct)
	}

	lines := make(chan string, 64)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	waitFor := func(prefix string) string {
		t.Helper()
		for {
			select {
			case line, ok := <-lines:
				if !ok {
					t.Fatalf("stream closed before %q", prefix)
				}
				if strings.HasPrefix(line, prefix) {
					return line
				}
			case <-ctx.Done():
				t.Fatalf("timed out waiting for %q", prefix)
			}
		}
	}

	waitFor("event:summary")
	waitFor("data:")

	expectStatus(t, do(t, s, http.MethodGet, "/get_next_trial/demo", nil), http.StatusOK)

	for {
		waitFor("event:trial")
		data := waitFor("data:")
		if strings.Contains(data, `"type":"proposed"`) {
			break
		}
	}

	cancel()
}

func TestServer_EventStreamUnknownExperiment(t *testing.T) {
	s, _ := newTestServer(t)
	expectStatus(t, do(t, s, http.MethodGet, "/experiments/ghost/events", nil), http.StatusNotFound)
}

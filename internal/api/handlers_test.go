package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"github.com/flexinfer/mentatlab/services/engine-go/internal/driver"
	"github.com/flexinfer/mentatlab/services/engine-go/internal/eventlog"
	"github.com/flexinfer/mentatlab/services/engine-go/internal/fanout"
	"github.com/flexinfer/mentatlab/services/engine-go/internal/runmanager"
	"github.com/flexinfer/mentatlab/services/engine-go/internal/runstore"
	"github.com/flexinfer/mentatlab/services/engine-go/internal/scheduler"
	"github.com/flexinfer/mentatlab/services/engine-go/internal/validator"
	"github.com/flexinfer/mentatlab/services/engine-go/pkg/types"
)

func newTestRouter(t *testing.T) (*mux.Router, *runmanager.Manager) {
	router, manager, _ := newTestRouterWithLog(t)
	return router, manager
}

func newTestRouterWithLog(t *testing.T) (*mux.Router, *runmanager.Manager, *eventlog.Log) {
	t.Helper()
	store := runstore.NewMemoryStore()
	log := eventlog.New(nil)
	drivers := driver.NewSelector()
	drivers.Register(types.ModeMemory, driver.NewSimulatedDriver(driver.NewLogSink(log, nil)))
	sched := scheduler.New(store, log, drivers, &scheduler.Config{
		BackoffBase: time.Millisecond,
		NodeTimeout: time.Minute,
	}, nil)
	val, err := validator.New()
	if err != nil {
		t.Fatal(err)
	}
	manager := runmanager.New(store, log, sched, val, nil, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = manager.Close(ctx)
	})

	sse := fanout.NewSSEHandler(log, store, nil)
	hub := fanout.NewHub(log, store, nil, nil)
	t.Cleanup(hub.Close)

	server := NewServer(manager, store, log, drivers, sse, hub, nil)
	return server.Router(&Options{AllowedOrigins: []string{"*"}}), manager, log
}

func doJSON(t *testing.T, router *mux.Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func validCreateBody() map[string]any {
	return map[string]any{
		"name": "demo",
		"plan": map[string]any{
			"nodes": []map[string]any{
				{"id": "a", "params": map[string]any{"delay": 1}},
				{"id": "b", "params": map[string]any{"delay": 1}},
			},
			"edges": []map[string]any{{"from": "a", "to": "b"}},
		},
	}
}

func TestCreateRunReturns201(t *testing.T) {
	router, _ := newTestRouter(t)
	rec := doJSON(t, router, http.MethodPost, "/api/v1/runs", validCreateBody())
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var run types.Run
	decodeBody(t, rec, &run)
	if run.ID == "" || run.Status != types.RunStatusQueued {
		t.Fatalf("run = %+v", run)
	}
}

func TestCreateRunCycleReturns400WithDetail(t *testing.T) {
	router, _ := newTestRouter(t)
	body := map[string]any{
		"plan": map[string]any{
			"nodes": []map[string]any{{"id": "a"}, {"id": "b"}},
			"edges": []map[string]any{
				{"from": "a", "to": "b"},
				{"from": "b", "to": "a"},
			},
		},
	}
	rec := doJSON(t, router, http.MethodPost, "/api/v1/runs", body)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var envelope struct {
		Error  string `json:"error"`
		Detail string `json:"detail"`
	}
	decodeBody(t, rec, &envelope)
	if envelope.Error != "validation" || envelope.Detail != "cycle" {
		t.Fatalf("envelope = %+v, want validation/cycle", envelope)
	}
}

func TestCreateRunMalformedBodyReturns400(t *testing.T) {
	router, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/runs", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestGetUnknownRunReturns404(t *testing.T) {
	router, _ := newTestRouter(t)
	rec := doJSON(t, router, http.MethodGet, "/api/v1/runs/ghost", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
	var envelope struct {
		Error string `json:"error"`
	}
	decodeBody(t, rec, &envelope)
	if envelope.Error != "not found" {
		t.Fatalf("envelope error = %q", envelope.Error)
	}
}

func TestStartAndCancelReturn202(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/runs", map[string]any{
		"plan": map[string]any{
			"nodes": []map[string]any{{"id": "slow", "params": map[string]any{"delay": "10s"}}},
		},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d", rec.Code)
	}
	var run types.Run
	decodeBody(t, rec, &run)

	rec = doJSON(t, router, http.MethodPost, "/api/v1/runs/"+run.ID+"/start", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("start status = %d, body %s", rec.Code, rec.Body.String())
	}

	// A second start conflicts.
	rec = doJSON(t, router, http.MethodPost, "/api/v1/runs/"+run.ID+"/start", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("restart status = %d, want 409", rec.Code)
	}

	rec = doJSON(t, router, http.MethodPost, "/api/v1/runs/"+run.ID+"/cancel", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("cancel status = %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestRunLifecycleOverHTTP(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/runs", validCreateBody())
	var run types.Run
	decodeBody(t, rec, &run)

	rec = doJSON(t, router, http.MethodPost, "/api/v1/runs/"+run.ID+"/start", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("start status = %d", rec.Code)
	}

	deadline := time.Now().Add(10 * time.Second)
	for {
		rec = doJSON(t, router, http.MethodGet, "/api/v1/runs/"+run.ID, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("get status = %d", rec.Code)
		}
		var body struct {
			types.Run
			Nodes []*types.NodeState `json:"nodes"`
		}
		decodeBody(t, rec, &body)
		if body.ID != run.ID {
			t.Fatalf("run id = %q, want %q at the top level", body.ID, run.ID)
		}
		if body.Status.Terminal() {
			if body.Status != types.RunStatusSucceeded {
				t.Fatalf("final status = %s", body.Status)
			}
			if len(body.Nodes) != 2 {
				t.Fatalf("nodes = %+v", body.Nodes)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("run never settled")
		}
		time.Sleep(5 * time.Millisecond)
	}

	rec = doJSON(t, router, http.MethodGet, "/api/v1/runs", nil)
	var list struct {
		Runs []*types.Run `json:"runs"`
	}
	decodeBody(t, rec, &list)
	if len(list.Runs) != 1 {
		t.Fatalf("list = %+v", list.Runs)
	}
}

func TestCheckpointAppendsToStream(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/runs", validCreateBody())
	var run types.Run
	decodeBody(t, rec, &run)

	rec = doJSON(t, router, http.MethodPost, "/api/v1/runs/"+run.ID+"/checkpoints", map[string]any{
		"label": "tool:call",
		"data":  map[string]any{"tool": "search"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Seq uint64 `json:"seq"`
	}
	decodeBody(t, rec, &body)
	if body.Seq != 1 {
		t.Fatalf("seq = %d, want 1 on a fresh stream", body.Seq)
	}

	// Label is required.
	rec = doJSON(t, router, http.MethodPost, "/api/v1/runs/"+run.ID+"/checkpoints", map[string]any{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing label status = %d, want 400", rec.Code)
	}
}

func TestCheckpointOnClosedStreamConflicts(t *testing.T) {
	router, _, log := newTestRouterWithLog(t)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/runs", validCreateBody())
	var run types.Run
	decodeBody(t, rec, &run)

	// The stream closes when the run settles; a checkpoint racing that
	// close conflicts rather than appending past the terminal event.
	if err := log.Close(run.ID); err != nil {
		t.Fatal(err)
	}
	rec = doJSON(t, router, http.MethodPost, "/api/v1/runs/"+run.ID+"/checkpoints", map[string]any{
		"label": "tool:call",
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, body %s, want 409", rec.Code, rec.Body.String())
	}
}

func TestDeleteRunOverHTTP(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/runs", validCreateBody())
	var run types.Run
	decodeBody(t, rec, &run)

	// Queued runs are not terminal; delete conflicts.
	rec = doJSON(t, router, http.MethodDelete, "/api/v1/runs/"+run.ID, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("delete queued status = %d, want 409", rec.Code)
	}
}

func TestHealthAndReady(t *testing.T) {
	router, _ := newTestRouter(t)

	for _, path := range []string{"/health", "/healthz", "/ready"} {
		rec := doJSON(t, router, http.MethodGet, path, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s status = %d", path, rec.Code)
		}
	}

	rec := doJSON(t, router, http.MethodGet, "/api/v1/runstore/info", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("runstore/info status = %d", rec.Code)
	}
	var info map[string]any
	decodeBody(t, rec, &info)
	if info["adapter"] != "memory" {
		t.Fatalf("info = %+v", info)
	}
}

func TestNodeLogs(t *testing.T) {
	router, _ := newTestRouter(t)
	rec := doJSON(t, router, http.MethodPost, "/api/v1/runs", validCreateBody())
	var run types.Run
	decodeBody(t, rec, &run)

	// The simulated driver keeps no logs; the endpoint still answers.
	rec = doJSON(t, router, http.MethodGet, "/api/v1/runs/"+run.ID+"/nodes/a/logs", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var body struct {
		RunID string   `json:"run_id"`
		Logs  []string `json:"logs"`
	}
	decodeBody(t, rec, &body)
	if body.RunID != run.ID || body.Logs == nil || len(body.Logs) != 0 {
		t.Fatalf("body = %+v, want empty logs list", body)
	}

	rec = doJSON(t, router, http.MethodGet, "/api/v1/runs/"+run.ID+"/nodes/a/logs?tail=nope", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad tail status = %d", rec.Code)
	}

	rec = doJSON(t, router, http.MethodGet, "/api/v1/runs/ghost/nodes/a/logs", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown run status = %d", rec.Code)
	}
}

func TestRequestIDPropagates(t *testing.T) {
	router, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "req-123")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-ID"); got != "req-123" {
		t.Fatalf("X-Request-ID = %q", got)
	}
}

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/flexinfer/mentatlab/services/engine-go/internal/driver"
	"github.com/flexinfer/mentatlab/services/engine-go/internal/eventlog"
	"github.com/flexinfer/mentatlab/services/engine-go/internal/runmanager"
	"github.com/flexinfer/mentatlab/services/engine-go/internal/runstore"
	"github.com/flexinfer/mentatlab/services/engine-go/pkg/types"
)

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req runmanager.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "validation", "malformed request body")
		return
	}
	run, err := s.manager.Create(r.Context(), &req)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, run)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.manager.List(r.Context())
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	run, err := s.manager.Get(r.Context(), id)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	nodes, err := s.manager.NodeStates(r.Context(), id)
	if err != nil && !errors.Is(err, runstore.ErrNotImplemented) {
		writeStoreError(w, r, err)
		return
	}
	if nodes == nil {
		nodes = []*types.NodeState{}
	}
	writeJSON(w, http.StatusOK, struct {
		*types.Run
		Nodes []*types.NodeState `json:"nodes"`
	}{Run: run, Nodes: nodes})
}

func (s *Server) handleDeleteRun(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.manager.Start(r.Context(), id); err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "starting"})
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.manager.Cancel(r.Context(), id); err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "canceling"})
}

type checkpointRequest struct {
	Label string          `json:"label"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// handlePostCheckpoint appends a checkpoint event to a live run's stream.
func (s *Server) handlePostCheckpoint(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req checkpointRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "validation", "malformed request body")
		return
	}
	if req.Label == "" {
		writeError(w, r, http.StatusBadRequest, "validation", "label is required")
		return
	}

	run, err := s.manager.Get(r.Context(), id)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	if run.Status.Terminal() {
		writeError(w, r, http.StatusConflict, "conflict", "run already settled")
		return
	}

	seq, err := s.log.Append(id, types.EventCheckpoint, "", &types.CheckpointPayload{
		RunID: id,
		Label: req.Label,
		Data:  req.Data,
		TS:    time.Now().UTC(),
	})
	if errors.Is(err, eventlog.ErrUnknownRun) {
		writeError(w, r, http.StatusGone, "gone", "event stream no longer retained")
		return
	}
	if errors.Is(err, eventlog.ErrClosed) {
		// The run settled between the status check and the append.
		writeError(w, r, http.StatusConflict, "conflict", "run already settled")
		return
	}
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]uint64{"seq": seq})
}

// handleNodeLogs returns the recent log tail for one node, when the
// run's driver keeps one. Drivers without log access yield an empty list.
func (s *Server) handleNodeLogs(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id, nodeID := vars["id"], vars["node"]

	tail := 0
	if v := r.URL.Query().Get("tail"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, r, http.StatusBadRequest, "validation", "tail must be a non-negative integer")
			return
		}
		tail = n
	}

	run, err := s.manager.Get(r.Context(), id)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}

	lines := []string{}
	drv, err := s.drivers.For(run.Mode)
	if err == nil {
		if lp, ok := drv.(driver.LogProvider); ok {
			lines, err = lp.Logs(r.Context(), id, nodeID, tail)
			if err != nil {
				writeError(w, r, http.StatusInternalServerError, "backend", err.Error())
				return
			}
			if lines == nil {
				lines = []string{}
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"run_id": id, "node_id": nodeID, "logs": lines})
}

func (s *Server) handleStoreInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.store.Info(r.Context())
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	info, err := s.store.Info(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "error": err.Error()})
		return
	}
	if healthy, ok := info["healthy"].(bool); ok && !healthy {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "store": info})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready", "store": info})
}

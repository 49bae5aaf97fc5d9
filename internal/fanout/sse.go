// Package fanout delivers run events to clients over SSE and WebSocket.
package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/flexinfer/mentatlab/services/engine-go/internal/eventlog"
	"github.com/flexinfer/mentatlab/services/engine-go/internal/metrics"
	"github.com/flexinfer/mentatlab/services/engine-go/internal/runstore"
	"github.com/flexinfer/mentatlab/services/engine-go/pkg/types"
)

// SSEHandler streams a run's events as Server-Sent Events.
//
// Resume position, in precedence order: the Last-Event-ID header, the
// lastEventId query parameter, then replay=N (the last N retained events).
// Without any of these the stream starts at the head of the retained
// window. A resume position below the retention floor yields one gap
// frame before live events continue.
type SSEHandler struct {
	log    *eventlog.Log
	store  runstore.Store
	logger *slog.Logger

	// Heartbeat interval between keepalive frames (default 30s).
	Heartbeat time.Duration
}

// NewSSEHandler creates the handler.
func NewSSEHandler(log *eventlog.Log, store runstore.Store, logger *slog.Logger) *SSEHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SSEHandler{log: log, store: store, logger: logger, Heartbeat: 30 * time.Second}
}

func (h *SSEHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["id"]

	run, err := h.store.Get(r.Context(), runID)
	if errors.Is(err, runstore.ErrNotFound) {
		writeJSONError(w, http.StatusNotFound, "not found", "no such run")
		return
	}
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}

	after, resumed, err := h.resumePosition(r, runID)
	if errors.Is(err, eventlog.ErrUnknownRun) {
		// The run survives in the store but its stream is gone.
		writeJSONError(w, http.StatusGone, "gone", "event stream no longer retained")
		return
	}
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "validation", err.Error())
		return
	}

	cursor, err := h.log.Subscribe(runID, after)
	if errors.Is(err, eventlog.ErrUnknownRun) {
		writeJSONError(w, http.StatusGone, "gone", "event stream no longer retained")
		return
	}
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "internal", "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	metrics.SSEConnections.Inc()
	opened := time.Now()
	defer func() {
		metrics.SSEConnections.Dec()
		metrics.SSEDuration.Observe(time.Since(opened).Seconds())
	}()

	// Synthetic frame, never part of the log: tells the client where it is.
	hello := types.MarshalPayload(&types.HelloPayload{
		RunID:      runID,
		Status:     run.Status,
		ServerTime: time.Now().UTC(),
		Resumed:    resumed,
	})
	fmt.Fprintf(w, "id: 0\nevent: %s\ndata: %s\n\n", types.EventHello, hello)
	flusher.Flush()

	heartbeat := h.Heartbeat
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}

	for {
		waitCtx, cancel := context.WithTimeout(r.Context(), heartbeat)
		ev, gap, err := cursor.Next(waitCtx)
		cancel()

		switch {
		case err == io.EOF:
			return
		case errors.Is(err, context.DeadlineExceeded) && r.Context().Err() == nil:
			ts := types.MarshalPayload(&types.HeartbeatPayload{TS: time.Now().UTC()})
			fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", cursor.Pos(), types.EventHeartbeat, ts)
			flusher.Flush()
			continue
		case err != nil:
			return // client went away
		case gap != nil:
			payload := types.MarshalPayload(&types.GapPayload{From: gap.From, To: gap.To})
			fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", gap.To, types.EventGap, payload)
			flusher.Flush()
		default:
			if _, err := w.Write(ev.SSE()); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// resumePosition decides the cursor start. The bool reports whether the
// client supplied an explicit resume position.
func (h *SSEHandler) resumePosition(r *http.Request, runID string) (uint64, bool, error) {
	if v := r.Header.Get("Last-Event-ID"); v != "" {
		after, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return 0, false, fmt.Errorf("malformed Last-Event-ID %q", v)
		}
		return after, true, nil
	}
	if v := r.URL.Query().Get("lastEventId"); v != "" {
		after, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return 0, false, fmt.Errorf("malformed lastEventId %q", v)
		}
		return after, true, nil
	}

	floor, err := h.log.Floor(runID)
	if err != nil {
		return 0, false, err
	}
	if v := r.URL.Query().Get("replay"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return 0, false, fmt.Errorf("malformed replay %q", v)
		}
		head, err := h.log.Head(runID)
		if err != nil {
			return 0, false, err
		}
		after := floor
		if head > n && head-n > floor {
			after = head - n
		}
		return after, false, nil
	}
	return floor, false, nil
}

func writeJSONError(w http.ResponseWriter, code int, kind, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":  kind,
		"detail": detail,
	})
}

package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/tootbot/tootbot/common"
	"github.com/tootbot/tootbot/notify"
	"github.com/tootbot/tootbot/pipeline"
)

// History is the lookup side of the history store
type History interface {
	Contains(ctx context.Context, id string) (bool, error)
	Len() int
}

// Handlers serves the admin API
type Handlers struct {
	history History
	runner  pipeline.Runner
	hub     *notify.Hub
	baseCtx context.Context
	started time.Time
	onFatal func(error)
}

// NewHandlers creates Handlers. Manual passes run under ctx rather than the
// request context so a disconnecting client does not abort a publish.
// hub may be nil, which disables /events.
func NewHandlers(ctx context.Context, history History, runner pipeline.Runner, hub *notify.Hub) *Handlers {
	return &Handlers{
		history: history,
		runner:  runner,
		hub:     hub,
		baseCtx: ctx,
		started: time.Now(),
	}
}

// OnFatal registers fn to receive unrecoverable errors hit by manual passes,
// so the process can stop the way a scheduled pass would.
func (h *Handlers) OnFatal(fn func(error)) {
	h.onFatal = fn
}

func (h *Handlers) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"healthy":         true,
		"history_records": h.history.Len(),
		"uptime_seconds":  int64(time.Since(h.started).Seconds()),
	})
}

func (h *Handlers) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		writeErrorResponse(w, http.StatusBadRequest, "submission id is required")
		return
	}

	seen, err := h.history.Contains(r.Context(), id)
	if err != nil {
		log.Error().Err(err).Str("id", id).Msg("History lookup failed")
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"id":   id,
		"seen": seen,
	})
}

// destinationReport is one destination outcome in a run response
type destinationReport struct {
	Name       string `json:"name"`
	Status     string `json:"status"`
	Reason     string `json:"reason,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

type runResponse struct {
	Outcome      string              `json:"outcome"`
	Fetched      int                 `json:"fetched"`
	Examined     int                 `json:"examined"`
	CandidateID  string              `json:"candidate_id,omitempty"`
	Committed    bool                `json:"committed"`
	DurationMs   int64               `json:"duration_ms"`
	Destinations []destinationReport `json:"destinations,omitempty"`
}

func (h *Handlers) handleRun(w http.ResponseWriter, _ *http.Request) {
	report, err := h.runner.RunOnce(h.baseCtx)
	if errors.Is(err, pipeline.ErrPassInProgress) {
		writeErrorResponse(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		if common.IsFatal(err) {
			log.WithLevel(zerolog.FatalLevel).Err(err).Msg("Manual pass hit an unrecoverable error, stopping")
			if h.onFatal != nil {
				h.onFatal(err)
			}
		}
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSONResponse(w, http.StatusOK, newRunResponse(report))
}

func newRunResponse(report pipeline.Report) runResponse {
	resp := runResponse{
		Outcome:    report.Outcome,
		Fetched:    report.Fetched,
		Examined:   report.Selection.Examined,
		DurationMs: report.Duration.Milliseconds(),
	}
	if report.Selection.Candidate != nil {
		resp.CandidateID = report.Selection.Candidate.ID
	}
	if report.Result == nil {
		return resp
	}

	resp.Committed = report.Result.Committed
	for _, o := range report.Result.Outcomes {
		d := destinationReport{
			Name:       o.Target,
			Status:     string(o.Status),
			Reason:     o.Reason,
			DurationMs: o.Duration.Milliseconds(),
		}
		if o.Err != nil {
			d.Error = o.Err.Error()
		}
		resp.Destinations = append(resp.Destinations, d)
	}
	return resp
}

// handleEvents streams settled passes as server-sent events.
// ?outcome=failed,error narrows the stream.
func (h *Handlers) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErrorResponse(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	var filter notify.Filter
	if outcomes := r.URL.Query().Get("outcome"); outcomes != "" {
		filter.Outcomes = strings.Split(outcomes, ",")
	}

	events, cancel := h.hub.Subscribe(filter)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-h.baseCtx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				log.Error().Err(err).Msg("Failed to encode pass event")
				continue
			}
			if _, err := fmt.Fprintf(w, "event: pass\ndata: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// writeJSONResponse writes data as JSON with status
func writeJSONResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error JSON response
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	writeJSONResponse(w, status, map[string]interface{}{
		"error": message,
	})
}

package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/mqtt-launcher/internal/dispatch"
	"github.com/mattjoyce/mqtt-launcher/internal/history"
	"github.com/mattjoyce/mqtt-launcher/internal/registry"
)

const maxRunsLimit = 500

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Topics:        len(s.registry.Topics()),
		QueueDepth:    s.dispatcher.Pending(),
	}
	if s.bus != nil {
		resp.MQTTConnected = s.bus.IsConnected()
		if !resp.MQTTConnected {
			resp.Status = "degraded"
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleListTopics handles GET /topics.
func (s *Server) handleListTopics(w http.ResponseWriter, r *http.Request) {
	topics := s.registry.Topics()
	out := make([]TopicResponse, 0, len(topics))
	for _, name := range topics {
		entry, ok := s.registry.Lookup(name)
		if !ok {
			continue
		}
		out = append(out, topicResponse(entry))
	}
	respondJSON(w, http.StatusOK, out)
}

func topicResponse(e *registry.Entry) TopicResponse {
	tr := TopicResponse{
		Topic:       e.Topic(),
		ReportTopic: dispatch.ReportTopic(e.Topic()),
		Fallback:    e.Fallback(),
	}
	if params := e.Params(); len(params) > 0 {
		tr.Params = make(map[string][]string, len(params))
		for _, p := range params {
			tr.Params[p], _ = e.Command(p)
		}
	}
	return tr
}

// handleListRuns handles GET /runs?limit=&topic=.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		s.writeError(w, http.StatusServiceUnavailable, "run history disabled")
		return
	}

	limit := history.DefaultLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxRunsLimit)
	}

	runs, err := s.runs.Recent(r.Context(), limit, r.URL.Query().Get("topic"))
	if err != nil {
		s.logger.Error("failed to list runs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	respondJSON(w, http.StatusOK, RunsResponse{Runs: runs})
}

// handleGetRun handles GET /runs/{runID}.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		s.writeError(w, http.StatusServiceUnavailable, "run history disabled")
		return
	}

	run, err := s.runs.Get(r.Context(), chi.URLParam(r, "runID"))
	if errors.Is(err, history.ErrRunNotFound) {
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to get run", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get run")
		return
	}
	respondJSON(w, http.StatusOK, run)
}

// handleDispatch handles POST /dispatch/{topic...}. The raw body is the
// payload; an empty body dispatches without one. The request waits for the
// command to finish behind any queued bus messages.
func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	topic := strings.Trim(chi.URLParam(r, "*"), "/")
	if topic == "" {
		s.writeError(w, http.StatusBadRequest, "topic is required")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes))
	if err != nil {
		s.writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}
	var payload *string
	if len(body) > 0 {
		p := string(body)
		payload = &p
	}

	rep, err := s.dispatcher.SubmitWait(r.Context(), topic, payload)
	if err != nil {
		if errors.Is(err, dispatch.ErrLoopStopped) {
			s.writeError(w, http.StatusServiceUnavailable, "dispatcher is shutting down")
			return
		}
		s.writeError(w, http.StatusGatewayTimeout, err.Error())
		return
	}

	switch {
	case errors.Is(rep.Err, registry.ErrTopicNotFound):
		s.writeError(w, http.StatusNotFound, "topic not configured")
		return
	case errors.Is(rep.Err, registry.ErrNoMatch):
		s.writeError(w, http.StatusUnprocessableEntity, "no matching param")
		return
	case errors.Is(rep.Err, dispatch.ErrNotPrintable):
		s.writeError(w, http.StatusBadRequest, rep.Err.Error())
		return
	case rep.Err != nil:
		s.writeError(w, http.StatusInternalServerError, rep.Err.Error())
		return
	}

	respondJSON(w, http.StatusOK, DispatchResponse{
		RunID:       rep.RunID,
		Topic:       rep.Topic,
		ReportTopic: rep.ReportTopic,
		Match:       string(rep.Match),
		Argv:        rep.Argv,
		Status:      string(rep.Status),
		ExitCode:    rep.ExitCode,
		Output:      rep.Text,
		DurationMS:  rep.DurationMS,
	})
}

// handleOpenAPI handles GET /openapi.json.
func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, buildOpenAPIDoc(s.registry))
}

// respondJSON is a helper to write JSON responses
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}

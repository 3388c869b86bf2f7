package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"cdr.dev/slog/v3"

	"github.com/rewindly/agent/internal/config"
	"github.com/rewindly/agent/internal/errors"
	"github.com/rewindly/agent/internal/ops"
	"github.com/rewindly/agent/internal/tracker"
)

// Handlers holds dependencies for the HTTP handlers.
type Handlers struct {
	deps     ops.Deps
	recorder *tracker.Recorder
	cfg      *config.Config
	renderer *Renderer
	logger   slog.Logger
}

// eventRequest is the envelope the extension posts to /events.
type eventRequest struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// eventResponse reports the recorder state after an event.
type eventResponse struct {
	State        string `json:"state"`
	IsUserActive bool   `json:"isUserActive"`
}

// configResponse is the subset of configuration the extension needs.
type configResponse struct {
	IdleDetectionSeconds int     `json:"idleDetectionSeconds"`
	SyncIntervalSeconds  float64 `json:"syncIntervalSeconds"`
}

// HandleEvent feeds one browser event into the recorder.
func (h *Handlers) HandleEvent(w http.ResponseWriter, r *http.Request) {
	if h.recorder == nil {
		renderJSONError(w, errors.NewNotFound("recorder"))
		return
	}

	var req eventRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		renderJSONError(w, errors.NewInvalidRequest(fmt.Sprintf("invalid event body: %v", err)))
		return
	}
	if req.Type == "" {
		renderJSONError(w, errors.NewInvalidRequest("type is required"))
		return
	}

	ev, err := tracker.ParseEvent(req.Type, req.Data)
	if err != nil {
		renderJSONError(w, err)
		return
	}

	if err := h.recorder.Handle(r.Context(), ev); err != nil {
		h.logger.Error(r.Context(), "event handling failed", slog.F("event", req.Type), slog.Error(err))
		renderJSONError(w, err)
		return
	}

	renderJSON(w, http.StatusOK, eventResponse{
		State:        h.recorder.State().String(),
		IsUserActive: h.recorder.IsUserActive(),
	})
}

// HandleSync runs sync-now. A failed sync is a normal 200 response with
// success=false; a coalesced request is reported as skipped. The attempt
// finishes even if the caller disconnects.
func (h *Handlers) HandleSync(w http.ResponseWriter, r *http.Request) {
	renderJSON(w, http.StatusOK, ops.SyncNow(context.WithoutCancel(r.Context()), h.deps))
}

// HandleStats returns get-stats.
func (h *Handlers) HandleStats(w http.ResponseWriter, r *http.Request) {
	out, err := ops.Stats(r.Context(), h.deps)
	if err != nil {
		renderJSONError(w, err)
		return
	}
	renderJSON(w, http.StatusOK, out)
}

// HandleClear wipes local data.
func (h *Handlers) HandleClear(w http.ResponseWriter, r *http.Request) {
	out, err := ops.Clear(r.Context(), h.deps)
	if err != nil {
		renderJSONError(w, err)
		return
	}
	renderJSON(w, http.StatusOK, out)
}

// HandleRecent returns get-recent. ?limit= overrides the default.
func (h *Handlers) HandleRecent(w http.ResponseWriter, r *http.Request) {
	limit, err := parseIntParam(r, "limit", ops.DefaultRecentLimit)
	if err != nil {
		renderJSONError(w, err)
		return
	}
	if limit < 0 {
		renderJSONError(w, errors.NewInvalidRequest("limit must not be negative"))
		return
	}

	out, err := ops.Recent(r.Context(), h.deps, ops.RecentInput{Limit: limit})
	if err != nil {
		renderJSONError(w, err)
		return
	}
	renderJSON(w, http.StatusOK, out)
}

// HandleReport renders today's report as HTML, or as JSON for ?format=json.
func (h *Handlers) HandleReport(w http.ResponseWriter, r *http.Request) {
	report, err := ops.Report(r.Context(), h.deps)
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}

	if r.URL.Query().Get("format") == "json" {
		renderJSON(w, http.StatusOK, report)
		return
	}

	stats, err := ops.Stats(r.Context(), h.deps)
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}

	h.renderer.renderPage(w, http.StatusOK, "report", ReportPageData{
		PageData: PageData{
			Title:   "Today",
			Version: h.renderer.version,
		},
		Report:       report,
		Stats:        stats,
		RenderedHTML: renderMarkdown(report.Markdown),
	})
}

// HandleConfig returns the settings the extension reads at startup.
func (h *Handlers) HandleConfig(w http.ResponseWriter, r *http.Request) {
	renderJSON(w, http.StatusOK, configResponse{
		IdleDetectionSeconds: h.cfg.IdleDetectionSeconds,
		SyncIntervalSeconds:  h.cfg.SyncInterval.Std().Seconds(),
	})
}

// parseIntParam parses an integer query parameter, returning defaultVal when
// it is absent and INVALID_REQUEST when it is not a number.
func parseIntParam(r *http.Request, name string, defaultVal int) (int, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return defaultVal, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, errors.NewInvalidRequest(fmt.Sprintf("%s must be an integer, got %q", name, s))
	}
	return v, nil
}

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strings"

	"github.com/nugget/kaizen/internal/catalog"
	"github.com/nugget/kaizen/internal/engine"
	"github.com/nugget/kaizen/internal/observe"
	"github.com/nugget/kaizen/internal/outcome"
)

// NudgeRequest is the body of POST /v1/engine/nudge.
type NudgeRequest struct {
	Action string `json:"action"`
}

// ActivityRequest is the body of POST /v1/engine/activity.
type ActivityRequest struct {
	Text string `json:"text"`
}

// ActionsResponse lists the catalog.
type ActionsResponse struct {
	Actions  []catalog.ActionType `json:"actions"`
	Keywords []catalog.Keyword    `json:"keywords"`
}

// WakeResponse reports whether a rest was cut short.
type WakeResponse struct {
	Woken bool `json:"woken"`
}

const (
	defaultExplorationLimit = 50
	defaultTrendLimit       = 100
	maxActivityLen          = 500
)

func (s *Server) writeStatus(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, s.engine.Status(), s.logger)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeStatus(w)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Start(r.Context()); err != nil {
		if errors.Is(err, engine.ErrBackendNotReady) {
			s.errorResponse(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		s.logger.Error("engine start failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "start failed: "+err.Error())
		return
	}
	s.writeStatus(w)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.engine.Stop()
	s.writeStatus(w)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Pause(); err != nil {
		if errors.Is(err, engine.ErrNotRunning) {
			s.errorResponse(w, http.StatusConflict, err.Error())
			return
		}
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeStatus(w)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Resume(); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeStatus(w)
}

func (s *Server) handleWake(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, WakeResponse{Woken: s.engine.WakeFromRest()}, s.logger)
}

func (s *Server) handleNudge(w http.ResponseWriter, r *http.Request) {
	var req NudgeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Action = strings.TrimSpace(req.Action)
	if req.Action == "" {
		s.errorResponse(w, http.StatusBadRequest, "action is required")
		return
	}
	if err := s.engine.Nudge(req.Action); err != nil {
		if errors.Is(err, engine.ErrUnknownAction) {
			s.errorResponse(w, http.StatusBadRequest, err.Error())
			return
		}
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeStatus(w)
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	var req ActivityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		s.errorResponse(w, http.StatusBadRequest, "text is required")
		return
	}
	if len(text) > maxActivityLen {
		text = text[:maxActivityLen]
	}
	s.engine.RecordActivity(text)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCycles(w http.ResponseWriter, r *http.Request) {
	cycles, err := s.store.QueryRecentCycles(queryLimit(r, outcome.DefaultRecentLimit))
	if err != nil {
		s.logger.Error("query cycles failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "query failed")
		return
	}
	if cycles == nil {
		cycles = []outcome.Cycle{}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"cycles": cycles, "count": len(cycles)}, s.logger)
}

func (s *Server) handleCycle(w http.ResponseWriter, r *http.Request) {
	c, ok, err := s.store.Cycle(r.PathValue("id"))
	if err != nil {
		s.logger.Error("query cycle failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "query failed")
		return
	}
	if !ok {
		s.errorResponse(w, http.StatusNotFound, "cycle not found")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, c, s.logger)
}

// handleEffectiveness lists every (action, target) record, or the best
// N by average reward when ?best=N is given.
func (s *Server) handleEffectiveness(w http.ResponseWriter, r *http.Request) {
	var (
		rows []outcome.Effectiveness
		err  error
	)
	if r.URL.Query().Has("best") {
		rows, err = s.store.QueryBestActions(queryInt(r, "best", outcome.DefaultBestLimit))
	} else {
		rows, err = s.store.ListEffectiveness(queryLimit(r, 0))
	}
	if err != nil {
		s.logger.Error("query effectiveness failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "query failed")
		return
	}
	if rows == nil {
		rows = []outcome.Effectiveness{}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"effectiveness": rows, "count": len(rows)}, s.logger)
}

func (s *Server) handleExploration(w http.ResponseWriter, r *http.Request) {
	rows, err := s.store.ListExploration(queryLimit(r, defaultExplorationLimit))
	if err != nil {
		s.logger.Error("query exploration failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "query failed")
		return
	}
	if rows == nil {
		rows = []outcome.Exploration{}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"exploration": rows, "count": len(rows)}, s.logger)
}

func (s *Server) handleTrend(w http.ResponseWriter, r *http.Request) {
	dim := observe.Dimension(r.PathValue("dimension"))
	if !slices.Contains(observe.AllDimensions(), dim) {
		s.errorResponse(w, http.StatusNotFound, "unknown dimension: "+string(dim))
		return
	}
	points, err := s.store.Trend(dim, queryLimit(r, defaultTrendLimit))
	if err != nil {
		s.logger.Error("query trend failed", "dimension", dim, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "query failed")
		return
	}
	if points == nil {
		points = []outcome.TrendPoint{}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"dimension": dim, "points": points}, s.logger)
}

func (s *Server) handleHandoff(w http.ResponseWriter, r *http.Request) {
	if s.handoffs == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "handoffs not configured")
		return
	}
	h := s.handoffs.Load()
	if h == nil || h.Empty() {
		s.errorResponse(w, http.StatusNotFound, "no pending handoff")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, h, s.logger)
}

func (s *Server) handleHandoffClear(w http.ResponseWriter, r *http.Request) {
	if s.handoffs == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "handoffs not configured")
		return
	}
	if err := s.handoffs.Clear(); err != nil {
		s.logger.Error("clear handoff failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleActions(w http.ResponseWriter, r *http.Request) {
	cat := s.engine.Catalog()
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, ActionsResponse{Actions: cat.Types(), Keywords: cat.Keywords()}, s.logger)
}

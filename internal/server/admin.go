package server

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/xaenox/imob-leadbot/internal/models"
)

const defaultSessionLimit = 50

func (s *Server) recalculateScore(w http.ResponseWriter, r *http.Request) {
	score, err := s.deps.Scorer.Recalculate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, score)
}

func (s *Server) recalculateAll(w http.ResponseWriter, r *http.Request) {
	results, err := s.deps.Scorer.RecalculateAll(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "processed": len(results), "results": results})
}

func (s *Server) board(w http.ResponseWriter, r *http.Request) {
	columns, err := s.deps.Board.Board(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"columns": columns})
}

type moveRequest struct {
	LeadID    string `json:"leadId"`
	ToStageID string `json:"toStageId"`
	UserID    string `json:"userId"`
	UserName  string `json:"userName"`
	Reason    string `json:"reason"`
	Notes     string `json:"notes"`
}

func (s *Server) moveLead(w http.ResponseWriter, r *http.Request) {
	var req moveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	move, err := s.deps.Board.MoveLead(r.Context(), req.LeadID, req.ToStageID,
		models.Actor{ID: req.UserID, Name: req.UserName}, req.Reason, req.Notes)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, move)
}

func (s *Server) sendSuggestions(w http.ResponseWriter, r *http.Request) {
	out, err := s.deps.Leads.SendSuggestions(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// botSessions lists recent sessions with their last messages.
func (s *Server) botSessions(w http.ResponseWriter, r *http.Request) {
	limit := defaultSessionLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	sessions, err := s.deps.Sessions.Recent(r.Context(), limit, recentSessionMessages)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

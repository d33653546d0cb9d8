package server

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/xaenox/imob-leadbot/internal/bot"
	"github.com/xaenox/imob-leadbot/internal/leads"
	"github.com/xaenox/imob-leadbot/internal/models"
)

type chatRequest struct {
	SessionAddress string `json:"sessionAddress"`
	Message        string `json:"message"`
	MessageID      string `json:"messageId"`
}

type chatResponse struct {
	*bot.Outcome
	SessionAddress string `json:"sessionAddress"`
}

// chat runs a web chat turn. A visitor without an address gets a new one,
// which the widget sends back on the following turns.
func (s *Server) chat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.SessionAddress == "" {
		req.SessionAddress = uuid.NewString()
	}

	out, err := s.deps.Inbound.HandleInbound(r.Context(), bot.Inbound{
		Channel:   models.ChannelWeb,
		Address:   req.SessionAddress,
		Text:      req.Message,
		MessageID: req.MessageID,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, chatResponse{Outcome: out, SessionAddress: req.SessionAddress})
}

func (s *Server) createLead(w http.ResponseWriter, r *http.Request) {
	var form leads.ContactForm
	if err := decodeJSON(w, r, &form); err != nil {
		s.writeError(w, r, err)
		return
	}
	lead, err := s.deps.Leads.CreateFromContactForm(r.Context(), form)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "lead": lead})
}

func (s *Server) bookVisit(w http.ResponseWriter, r *http.Request) {
	var req leads.VisitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	booking, err := s.deps.Leads.BookVisit(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, booking)
}

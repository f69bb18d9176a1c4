package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/gunshikin/kanri/internal/webhooks"
)

// ============================================================================
// WEBHOOKS
// ============================================================================

func (s *Server) handleListWebhooks(w http.ResponseWriter, r *http.Request) {
	subs := s.cfg.Webhooks.List()
	out := make([]webhooks.Subscription, 0, len(subs))
	for _, sub := range subs {
		out = append(out, sub.Redacted())
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"webhooks": out, "count": len(out)})
}

func (s *Server) handleRegisterWebhook(w http.ResponseWriter, r *http.Request) {
	var sub webhooks.Subscription
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	created, err := s.cfg.Webhooks.Register(sub)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created.Redacted())
}

func (s *Server) handleDeleteWebhook(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Webhooks.Unregister(mux.Vars(r)["id"]); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

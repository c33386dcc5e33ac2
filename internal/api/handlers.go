package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.buildStatus())
}

func (s *Server) handleListServices(w http.ResponseWriter, _ *http.Request) {
	entries := s.reg.Snapshot()
	details := make([]ServiceDetail, 0, len(entries))
	for _, e := range entries {
		details = append(details, s.detailFor(e))
	}
	s.writeJSON(w, http.StatusOK, details)
}

func (s *Server) handleGetService(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	entry, ok := s.reg.Get(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, "service not found: "+id)
		return
	}
	s.writeJSON(w, http.StatusOK, struct {
		ServiceDetail
		Breaker  interface{} `json:"breaker_state"`
		Endpoint interface{} `json:"endpoint"`
	}{
		ServiceDetail: s.detailFor(entry),
		Breaker:       entry.Breaker,
		Endpoint:      entry.Endpoint,
	})
}

func (s *Server) handleRecentAlerts(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			s.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	s.writeJSON(w, http.StatusOK, s.bus.Recent(limit))
}

func (s *Server) handleFailoverHistory(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.orch.History().All())
}

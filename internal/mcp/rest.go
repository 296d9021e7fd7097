package mcp

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rotisserie/eris"

	"deskpilot/internal/config"
	"deskpilot/internal/diag"
)

func (s *Server) registerREST(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Post("/ack", s.handleAck)
		r.Get("/config", s.handleConfigAll)
		r.Get("/config/{key}", s.handleConfigGet)
		r.Put("/config/{key}", s.handleConfigSet)
		r.Get("/probe", s.handleProbe)
		r.Get("/diag", s.handleDiagQuery)
		r.Get("/history", s.handleHistory)
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeTool(w, r, "status", nil)
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	s.writeTool(w, r, "ack", nil)
}

func (s *Server) handleConfigAll(w http.ResponseWriter, r *http.Request) {
	s.writeTool(w, r, "config-get", nil)
}

func (s *Server) handleConfigGet(w http.ResponseWriter, r *http.Request) {
	s.writeTool(w, r, "config-get", map[string]interface{}{"key": chi.URLParam(r, "key")})
}

// handleConfigSet takes the value as {"value": "..."} or as a raw body.
func (s *Server) handleConfigSet(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 4096))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	value := strings.TrimSpace(string(body))
	var req struct {
		Value json.RawMessage `json:"value"`
	}
	if json.Unmarshal(body, &req) == nil && len(req.Value) > 0 {
		var str string
		if json.Unmarshal(req.Value, &str) == nil {
			value = str
		} else {
			value = string(req.Value)
		}
	}
	s.writeTool(w, r, "config-set", map[string]interface{}{"key": chi.URLParam(r, "key"), "value": value})
}

func (s *Server) handleProbe(w http.ResponseWriter, r *http.Request) {
	s.writeTool(w, r, "probe", nil)
}

func (s *Server) handleDiagQuery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("q") != "" {
		s.writeTool(w, r, "diag-query", map[string]interface{}{"query": q.Get("q")})
		return
	}
	s.writeTool(w, r, "diag-facts", map[string]interface{}{
		"predicate": q.Get("predicate"),
		"limit":     queryInt(r, "limit", 50),
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	s.writeTool(w, r, "history", map[string]interface{}{
		"kind":        r.URL.Query().Get("kind"),
		"since_hours": queryInt(r, "since_hours", 0),
		"limit":       queryInt(r, "limit", 20),
	})
}

func (s *Server) writeTool(w http.ResponseWriter, r *http.Request, name string, args map[string]interface{}) {
	result, err := s.ExecuteTool(r.Context(), name, args)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func statusFor(err error) int {
	switch {
	case eris.Is(err, config.ErrUnknownKey):
		return http.StatusNotFound
	case eris.Is(err, diag.ErrNotReady):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}

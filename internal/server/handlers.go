package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/engramdev/engram/internal/events"
	"github.com/engramdev/engram/internal/memory"
	"github.com/engramdev/engram/pkg/models"
)

// maxBodyBytes bounds request bodies; transcript payloads stay well under it.
const maxBodyBytes = 4 << 20

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "body too large")
		return
	}

	if err := events.ValidateEnvelope(raw); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var env models.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		writeError(w, http.StatusBadRequest, "malformed envelope")
		return
	}
	if env.Headers.Source != "" {
		if err := events.ValidateSource(env.Headers.Source); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	if err := s.agg.Ingest(r.Context(), &env); err != nil {
		s.log.Warn("ingest rejected", "event_id", env.EventID, "error", err)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.metrics != nil {
		source := env.Headers.Source
		if source == "" {
			source = models.SourceStreamJSON
		}
		s.metrics.EventsIngested.WithLabelValues(string(env.Provider), string(source)).Inc()
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true, "event_id": env.EventID})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req models.SearchRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	resp, err := s.engine.Search(r.Context(), &req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRemember(w http.ResponseWriter, r *http.Request) {
	var req memory.RememberRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := s.mem.Remember(r.Context(), &req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRecall(w http.ResponseWriter, r *http.Request) {
	var req models.SearchRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	resp, err := s.mem.Recall(r.Context(), &req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleContext(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	query := r.URL.Query().Get("query")
	depth := memory.Depth(r.URL.Query().Get("depth"))
	if depth == "" {
		depth = memory.DepthNormal
	}

	bundle, err := s.mem.GetContext(r.Context(), sessionID, query, depth)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, bundle)
}

type queryRequest struct {
	Query  string         `json:"query"`
	Params map[string]any `json:"params,omitempty"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	nodes, err := s.mem.Query(r.Context(), req.Query, req.Params)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"nodes": nodes, "count": len(nodes)})
}

// withAuth enforces the static bearer token when one is configured.
func (s *Server) withAuth(next http.Handler) http.Handler {
	if s.cfg.AuthToken == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok && r.URL.Query().Get("token") != "" {
			// WebSocket clients cannot always set headers.
			token, ok = r.URL.Query().Get("token"), true
		}
		if !ok || token != s.cfg.AuthToken {
			writeError(w, http.StatusUnauthorized, "invalid or missing token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

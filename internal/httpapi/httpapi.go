package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/FoCDoT-Tech/quorum/internal/kvservice"
	"github.com/FoCDoT-Tech/quorum/internal/raft"
	"github.com/FoCDoT-Tech/quorum/internal/types"
)

// Server serves the client-facing HTTP API backed by a kvservice.Service.
type Server struct {
	svc     *kvservice.Service
	metrics func() raft.MetricsSnapshot
}

// New creates a new HTTP API server. metrics may be nil.
func New(svc *kvservice.Service, metrics func() raft.MetricsSnapshot) *Server {
	return &Server{svc: svc, metrics: metrics}
}

// Handler returns the HTTP handler with all routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Logger)

	r.Get("/healthz", s.Healthz)
	r.Get("/status", s.Status)
	r.Get("/metrics", s.Metrics)
	r.Get("/kv/{key}", s.GetKey)
	r.Put("/kv/{key}", s.PutKey)
	r.Delete("/kv/{key}", s.DeleteKey)
	r.Post("/kv/{key}/cas", s.CASKey)
	r.Post("/cluster/members", s.ChangeMembers)
	return r
}

func (s *Server) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Status())
}

func (s *Server) Metrics(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		writeError(w, http.StatusNotFound, "not_found", "metrics not enabled")
		return
	}
	writeJSON(w, http.StatusOK, s.metrics())
}

func (s *Server) GetKey(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	v, ok, err := s.svc.Get(r.Context(), key)
	if errors.Is(err, raft.ErrNotLeader) {
		if s.redirectIfNotLeader(w) {
			return
		}
		writeError(w, http.StatusServiceUnavailable, "not_leader", err.Error())
		return
	}
	if err != nil {
		// Lease expired or quorum unavailable; the client retries here.
		writeError(w, http.StatusServiceUnavailable, "read_index_failed", err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "key not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "value": v})
}

func (s *Server) PutKey(w http.ResponseWriter, r *http.Request) {
	if s.redirectIfNotLeader(w) {
		return
	}
	key := chi.URLParam(r, "key")
	var body struct {
		ClientID string `json:"client_id"`
		Seq      uint64 `json:"seq"`
		Value    string `json:"value"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON")
		return
	}
	cmd := types.Command{
		ClientID: body.ClientID,
		Seq:      body.Seq,
		Key:      key,
		Value:    body.Value,
	}
	res, err := s.svc.Put(r.Context(), cmd)
	s.writeProposeResult(w, res, err)
}

func (s *Server) DeleteKey(w http.ResponseWriter, r *http.Request) {
	if s.redirectIfNotLeader(w) {
		return
	}
	key := chi.URLParam(r, "key")
	var body struct {
		ClientID string `json:"client_id"`
		Seq      uint64 `json:"seq"`
	}
	_ = decodeJSON(r, &body)
	cmd := types.Command{
		ClientID: body.ClientID,
		Seq:      body.Seq,
		Key:      key,
	}
	res, err := s.svc.Delete(r.Context(), cmd)
	s.writeProposeResult(w, res, err)
}

func (s *Server) CASKey(w http.ResponseWriter, r *http.Request) {
	if s.redirectIfNotLeader(w) {
		return
	}
	key := chi.URLParam(r, "key")
	var body struct {
		ClientID string `json:"client_id"`
		Seq      uint64 `json:"seq"`
		Expected string `json:"expected"`
		Value    string `json:"value"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON")
		return
	}
	cmd := types.Command{
		ClientID: body.ClientID,
		Seq:      body.Seq,
		Key:      key,
		Value:    body.Value,
		Expected: body.Expected,
	}
	res, err := s.svc.CAS(r.Context(), cmd)
	if err == nil && !res.Ok && res.ErrCode == "cas_failed" {
		writeJSON(w, http.StatusConflict, res)
		return
	}
	s.writeProposeResult(w, res, err)
}

func (s *Server) ChangeMembers(w http.ResponseWriter, r *http.Request) {
	if s.redirectIfNotLeader(w) {
		return
	}
	var body struct {
		Members []types.NodeID `json:"members"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON")
		return
	}
	if len(body.Members) == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "members is required")
		return
	}
	res, err := s.svc.ChangeMembership(r.Context(), body.Members)
	if errors.Is(err, raft.ErrConfigInFlight) {
		writeError(w, http.StatusConflict, "config_in_flight", err.Error())
		return
	}
	s.writeProposeResult(w, res, err)
}

func (s *Server) writeProposeResult(w http.ResponseWriter, res types.ApplyResult, err error) {
	switch {
	case errors.Is(err, raft.ErrNotLeader):
		if !s.redirectIfNotLeader(w) {
			writeError(w, http.StatusServiceUnavailable, "not_leader", err.Error())
		}
	case errors.Is(err, raft.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
	case !res.Ok:
		writeJSON(w, http.StatusBadRequest, res)
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

// redirectIfNotLeader returns 307 with a leader hint if this node is not the
// leader.
func (s *Server) redirectIfNotLeader(w http.ResponseWriter) bool {
	if s.svc.IsLeader() {
		return false
	}
	hint := s.svc.LeaderHint()
	if hint.LeaderAddr != "" {
		w.Header().Set("Location", hint.LeaderAddr)
	}
	writeJSON(w, http.StatusTemporaryRedirect, map[string]any{
		"error":       "not_leader",
		"leader_hint": hint,
	})
	return true
}

// --- JSON helpers ---

func decodeJSON(r *http.Request, dst any) error {
	return json.NewDecoder(r.Body).Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, types.ApplyResult{Ok: false, ErrCode: code, ErrMsg: msg})
}

package rest

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"vtt-relay/internal/domain"
)

type keyCreateRequest struct {
	Name string `json:"name"`
}

type keyCreateResponse struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	// Key is the raw credential, shown once; only its digest is stored.
	Key string `json:"key"`
}

func (s *Server) handleKeyCreate(w http.ResponseWriter, r *http.Request) {
	if s.deps.Keys == nil {
		writeError(w, http.StatusNotFound,
			domain.NewDomainError("API.Keys", domain.ErrNotFound, "key store disabled"))
		return
	}

	var req keyCreateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest,
			domain.NewDomainError("API.Keys", domain.ErrInvalidInput, "body must be a JSON object with a name"))
		return
	}

	key, raw, err := s.deps.Keys.Create(r.Context(), req.Name)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	s.emit(r.Context(), domain.EventKeyCreated, keyDetail{ID: key.ID, Name: key.Name})
	s.logger.Info("api key created", "key_id", key.ID, "name", key.Name)
	writeJSON(w, http.StatusCreated, keyCreateResponse{ID: key.ID, Name: key.Name, Key: raw})
}

func (s *Server) handleKeyList(w http.ResponseWriter, r *http.Request) {
	if s.deps.Keys == nil {
		writeError(w, http.StatusNotFound,
			domain.NewDomainError("API.Keys", domain.ErrNotFound, "key store disabled"))
		return
	}

	keys, err := s.deps.Keys.List(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, keys)
}

func (s *Server) handleKeyRevoke(w http.ResponseWriter, r *http.Request) {
	if s.deps.Keys == nil {
		writeError(w, http.StatusNotFound,
			domain.NewDomainError("API.Keys", domain.ErrNotFound, "key store disabled"))
		return
	}

	id := r.PathValue("id")
	if err := s.deps.Keys.Revoke(r.Context(), id); err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	s.emit(r.Context(), domain.EventKeyRevoked, keyDetail{ID: id})
	s.logger.Info("api key revoked", "key_id", id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleConnectionList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Registry.List())
}

func (s *Server) handleConnectionRemove(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.deps.Registry.Remove(r.Context(), id) {
		writeError(w, http.StatusNotFound,
			domain.NewDomainError("API.Connections", domain.ErrConnectionNotFound, id))
		return
	}
	s.logger.Info("connection removed by admin", "connection_id", id)
	w.WriteHeader(http.StatusNoContent)
}

type broadcastResponse struct {
	Delivered int `json:"delivered"`
}

// handleBroadcast fans a frame out to every live connection. Unlike command
// dispatch there is no correlation; delivery is queue-or-skip.
func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest,
			domain.NewDomainError("API.Broadcast", domain.ErrInvalidInput, "body unreadable or too large"))
		return
	}
	env, err := domain.ParseEnvelope(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	n := s.deps.Registry.Broadcast(r.Context(), env)
	s.logger.Info("broadcast sent", "type", env.Type, "delivered", n)
	writeJSON(w, http.StatusOK, broadcastResponse{Delivered: n})
}

func (s *Server) emit(ctx context.Context, eventType domain.EventType, payload any) {
	if s.deps.Bus == nil {
		return
	}
	s.deps.Bus.Emit(ctx, eventType, "", payload)
}

type keyDetail struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

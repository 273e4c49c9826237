// Package api serves the management and emit surface over plain HTTP JSON.
//
//	POST   /v1/events                     emit an event
//	POST   /v1/endpoints                  register an endpoint
//	GET    /v1/endpoints?owner_id=...     list an owner's endpoints
//	DELETE /v1/endpoints/{id}             deactivate an endpoint
//	GET    /v1/endpoints/{id}/deliveries  recent deliveries for an endpoint
//
// Endpoint secrets are generated server side and returned exactly once, in
// the creation response. They are never listed afterwards.
package api

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/driftlock/hookrelay/internal/delivery"
	"github.com/driftlock/hookrelay/internal/dispatch"
	"github.com/driftlock/hookrelay/internal/event"
	"github.com/driftlock/hookrelay/internal/logging"
	"github.com/driftlock/hookrelay/internal/store"
)

const maxBodyBytes = 1 << 20

// Server wires the HTTP surface to the dispatcher and the store.
type Server struct {
	dispatcher *dispatch.Dispatcher
	store      store.Store
	log        *logging.Logger
	now        func() time.Time
}

// New builds a Server.
func New(d *dispatch.Dispatcher, st store.Store, log *logging.Logger) *Server {
	return &Server{
		dispatcher: d,
		store:      st,
		log:        log,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Routes registers all handlers on a fresh mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/events", s.handleEmit)
	mux.HandleFunc("POST /v1/endpoints", s.handleCreateEndpoint)
	mux.HandleFunc("GET /v1/endpoints", s.handleListEndpoints)
	mux.HandleFunc("DELETE /v1/endpoints/{id}", s.handleDeactivateEndpoint)
	mux.HandleFunc("GET /v1/endpoints/{id}/deliveries", s.handleListDeliveries)
	return mux
}

type emitRequest struct {
	Type           string          `json:"type"`
	OwnerID        string          `json:"owner_id"`
	Data           json.RawMessage `json:"data"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

type emitResponse struct {
	EventID string `json:"event_id"`
	Fanout  int    `json:"fanout"`
}

func (s *Server) handleEmit(w http.ResponseWriter, r *http.Request) {
	var req emitRequest
	if !s.decode(w, r, &req) {
		return
	}
	ev := event.Event{
		ID:             uuid.NewString(),
		Type:           req.Type,
		OwnerID:        req.OwnerID,
		Data:           req.Data,
		OccurredAt:     s.now(),
		IdempotencyKey: req.IdempotencyKey,
	}
	n, err := s.dispatcher.Emit(r.Context(), ev)
	switch {
	case errors.Is(err, dispatch.ErrInvalidEvent):
		s.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		// store-side failure, not the caller's fault
		s.log.WithContext(r.Context()).WithOwner(ev.OwnerID).WithError(err).Error("emit failed")
		s.writeError(w, r, http.StatusInternalServerError, "event emission failed")
		return
	}
	s.writeJSON(w, http.StatusAccepted, emitResponse{EventID: ev.ID, Fanout: n})
}

type createEndpointRequest struct {
	OwnerID        string   `json:"owner_id"`
	URL            string   `json:"url"`
	EventTypes     []string `json:"event_types"`
	TimeoutSeconds int      `json:"timeout_seconds,omitempty"`
	MaxRetries     int      `json:"max_retries,omitempty"`
}

type createEndpointResponse struct {
	Endpoint *delivery.Endpoint `json:"endpoint"`
	// Secret is returned only here. Store it; it cannot be retrieved again.
	Secret string `json:"secret"`
}

func (s *Server) handleCreateEndpoint(w http.ResponseWriter, r *http.Request) {
	var req createEndpointRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.OwnerID == "" {
		s.writeError(w, r, http.StatusBadRequest, "owner_id is required")
		return
	}
	if len(req.EventTypes) == 0 {
		s.writeError(w, r, http.StatusBadRequest, "event_types must not be empty")
		return
	}
	if err := validateEndpointURL(req.URL); err != nil {
		s.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	secret, err := newSecret()
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, "secret generation failed")
		return
	}
	ep := &delivery.Endpoint{
		ID:             uuid.NewString(),
		OwnerID:        req.OwnerID,
		URL:            req.URL,
		Secret:         secret,
		EventTypes:     req.EventTypes,
		Active:         true,
		TimeoutSeconds: req.TimeoutSeconds,
		MaxRetries:     req.MaxRetries,
		CreatedAt:      s.now(),
	}
	if err := s.store.CreateEndpoint(r.Context(), ep); err != nil {
		s.log.WithContext(r.Context()).WithError(err).Error("endpoint create failed")
		s.writeError(w, r, http.StatusInternalServerError, "endpoint create failed")
		return
	}
	s.log.WithContext(r.Context()).WithOwner(ep.OwnerID).WithEndpoint(ep.ID).
		WithField("url", ep.URL).Info("endpoint registered")
	s.writeJSON(w, http.StatusCreated, createEndpointResponse{Endpoint: ep, Secret: secret})
}

func (s *Server) handleListEndpoints(w http.ResponseWriter, r *http.Request) {
	ownerID := r.URL.Query().Get("owner_id")
	if ownerID == "" {
		s.writeError(w, r, http.StatusBadRequest, "owner_id query parameter is required")
		return
	}
	eps, err := s.store.ListEndpoints(r.Context(), ownerID)
	if err != nil {
		s.log.WithContext(r.Context()).WithError(err).Error("endpoint list failed")
		s.writeError(w, r, http.StatusInternalServerError, "endpoint list failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"endpoints": eps})
}

func (s *Server) handleDeactivateEndpoint(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := s.store.DeactivateEndpoint(r.Context(), id)
	switch {
	case err == store.ErrNotFound:
		s.writeError(w, r, http.StatusNotFound, "endpoint not found")
	case err != nil:
		s.log.WithContext(r.Context()).WithEndpoint(id).WithError(err).Error("endpoint deactivate failed")
		s.writeError(w, r, http.StatusInternalServerError, "endpoint deactivate failed")
	default:
		s.log.WithContext(r.Context()).WithEndpoint(id).Info("endpoint deactivated")
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleListDeliveries(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.GetEndpoint(r.Context(), id); err != nil {
		if err == store.ErrNotFound {
			s.writeError(w, r, http.StatusNotFound, "endpoint not found")
			return
		}
		s.writeError(w, r, http.StatusInternalServerError, "endpoint lookup failed")
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			s.writeError(w, r, http.StatusBadRequest, "limit must be an integer between 1 and 500")
			return
		}
		limit = n
	}
	ds, err := s.store.ListByEndpoint(r.Context(), id, limit)
	if err != nil {
		s.log.WithContext(r.Context()).WithEndpoint(id).WithError(err).Error("delivery list failed")
		s.writeError(w, r, http.StatusInternalServerError, "delivery list failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"deliveries": ds})
}

// validateEndpointURL accepts only absolute http(s) URLs with a host.
func validateEndpointURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("url is not valid: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("url scheme must be http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("url must have a host")
	}
	return nil
}

// newSecret returns a 256-bit random signing key, hex encoded.
func newSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Plain().WithError(err).Error("response encode failed")
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, message string) {
	if status >= 500 {
		s.log.WithContext(r.Context()).WithField("path", r.URL.Path).Error(message)
	}
	s.writeJSON(w, status, map[string]string{"error": message})
}

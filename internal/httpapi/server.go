package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/bravegeek/az-demand-vpn/internal/models"
	"github.com/bravegeek/az-demand-vpn/internal/orchestrator"
	"github.com/bravegeek/az-demand-vpn/internal/provision"
)

type Lifecycle interface {
	Start(ctx context.Context, req orchestrator.StartRequest) (orchestrator.StartResult, error)
	Terminate(ctx context.Context, sessionID, reason string) (models.Session, error)
	Touch(ctx context.Context, sessionID string) (models.Session, error)
	Status(ctx context.Context, sessionID string) (models.Session, provision.UnitHealth, error)
	List(ctx context.Context, ownerID string, states ...models.SessionState) ([]models.Session, map[models.SessionState]int, error)
}

type Server struct {
	lifecycle Lifecycle
}

func NewServer(lifecycle Lifecycle) *Server {
	return &Server{lifecycle: lifecycle}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/sessions", s.startSession)
	mux.HandleFunc("GET /v1/sessions", s.listSessions)
	mux.HandleFunc("GET /v1/sessions/{id}", s.sessionStatus)
	mux.HandleFunc("DELETE /v1/sessions/{id}", s.stopSession)
	mux.HandleFunc("POST /v1/sessions/{id}/touch", s.touchSession)
	return mux
}

type startSessionRequest struct {
	OwnerID            string `json:"owner_id"`
	IdleTimeoutMinutes int    `json:"idle_timeout_minutes,omitempty"`
}

type sessionSummary struct {
	ID             string     `json:"id"`
	OwnerID        string     `json:"owner_id"`
	State          string     `json:"state"`
	Addr           string     `json:"addr,omitempty"`
	EndpointRef    string     `json:"endpoint_ref,omitempty"`
	IdleTimeout    string     `json:"idle_timeout"`
	Attempts       uint       `json:"attempts"`
	LastError      string     `json:"last_error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	LastActivityAt time.Time  `json:"last_activity_at"`
	TerminatedAt   *time.Time `json:"terminated_at,omitempty"`
}

type startSessionResponse struct {
	Session         sessionSummary `json:"session"`
	ClientPublicKey string         `json:"client_public_key,omitempty"`
	ConfigURL       string         `json:"config_url,omitempty"`
	ConfigExpiresAt *time.Time     `json:"config_expires_at,omitempty"`
}

func (s *Server) startSession(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var req startSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, models.NewValidationError("malformed request body: %v", err))
		return
	}
	start := orchestrator.StartRequest{
		OwnerID:     req.OwnerID,
		IdleTimeout: time.Duration(req.IdleTimeoutMinutes) * time.Minute,
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		if addr, err := netip.ParseAddr(host); err == nil {
			start.SourceAddr = addr
		}
	}
	result, err := s.lifecycle.Start(r.Context(), start)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := startSessionResponse{
		Session:         toSummary(result.Session),
		ClientPublicKey: result.ClientPublicKey,
	}
	if result.Config.URL != "" {
		resp.ConfigURL = result.Config.URL
		resp.ConfigExpiresAt = &result.Config.ExpiresAt
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) stopSession(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	sess, err := s.lifecycle.Terminate(r.Context(), r.PathValue("id"), "stopped by caller")
	if err != nil {
		var pending *models.TerminationPendingError
		if errors.As(err, &pending) {
			// The unit outlived the deprovision ceiling; report
			// in-progress instead of blocking, the caller polls status.
			w.Header().Set("Retry-After", retryAfterSeconds(pending.RetryAfter))
			writeJSON(w, http.StatusAccepted, toSummary(sess))
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSummary(sess))
}

func (s *Server) touchSession(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	sess, err := s.lifecycle.Touch(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSummary(sess))
}

type sessionStatusResponse struct {
	Session    sessionSummary `json:"session"`
	UnitHealth string         `json:"unit_health"`
}

func (s *Server) sessionStatus(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	sess, health, err := s.lifecycle.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionStatusResponse{
		Session:    toSummary(sess),
		UnitHealth: string(health),
	})
}

type listSessionsResponse struct {
	Sessions []sessionSummary `json:"sessions"`
	Counts   map[string]int   `json:"counts"`
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	ownerID := r.URL.Query().Get("owner")
	if ownerID == "" {
		writeError(w, models.NewValidationError("owner query parameter is required"))
		return
	}
	var states []models.SessionState
	if stateFilter := r.URL.Query().Get("state"); stateFilter != "" {
		state := models.SessionState(stateFilter)
		if len(state.NextStates()) == 0 && state != models.StateTerminated {
			writeError(w, models.NewValidationError("unknown state %q", stateFilter))
			return
		}
		states = append(states, state)
	}
	sessions, counts, err := s.lifecycle.List(r.Context(), ownerID, states...)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := listSessionsResponse{
		Sessions: make([]sessionSummary, 0, len(sessions)),
		Counts:   make(map[string]int, len(counts)),
	}
	for _, sess := range sessions {
		resp.Sessions = append(resp.Sessions, toSummary(sess))
	}
	for state, count := range counts {
		resp.Counts[string(state)] = count
	}
	writeJSON(w, http.StatusOK, resp)
}

type errorResponse struct {
	Error         string   `json:"error"`
	CurrentState  string   `json:"current_state,omitempty"`
	AllowedStates []string `json:"allowed_states,omitempty"`
}

func writeError(w http.ResponseWriter, err error) {
	var (
		validation *models.ValidationError
		transition *models.InvalidTransitionError
		capacity   *models.CapacityExceededError
		pool       *models.PoolExhaustedError
		exhausted  *models.RetriesExhaustedError
		fatal      *models.FatalProviderError
	)
	switch {
	case errors.As(err, &validation):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.As(err, &transition):
		allowed := make([]string, 0, len(transition.Allowed))
		for _, state := range transition.Allowed {
			allowed = append(allowed, string(state))
		}
		writeJSON(w, http.StatusConflict, errorResponse{
			Error:         err.Error(),
			CurrentState:  string(transition.Current),
			AllowedStates: allowed,
		})
	case errors.As(err, &capacity):
		w.Header().Set("Retry-After", retryAfterSeconds(capacity.RetryAfter))
		writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: err.Error()})
	case errors.As(err, &pool):
		w.Header().Set("Retry-After", retryAfterSeconds(60*time.Second))
		writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: err.Error()})
	case errors.As(err, &exhausted):
		w.Header().Set("Retry-After", retryAfterSeconds(exhausted.RetryAfter))
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
	case errors.As(err, &fatal):
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error()})
	case errors.Is(err, models.ErrSessionNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	default:
		log.Error().Err(err).Msg("unhandled api error")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func toSummary(sess models.Session) sessionSummary {
	summary := sessionSummary{
		ID:             sess.ID,
		OwnerID:        sess.OwnerID,
		State:          string(sess.State),
		EndpointRef:    sess.EndpointRef,
		IdleTimeout:    sess.IdleTimeout.String(),
		Attempts:       sess.Attempts,
		LastError:      sess.LastError,
		CreatedAt:      sess.CreatedAt,
		LastActivityAt: sess.LastActivityAt,
	}
	if sess.Addr.IsValid() {
		summary.Addr = sess.Addr.String()
	}
	if !sess.TerminatedAt.IsZero() {
		terminated := sess.TerminatedAt
		summary.TerminatedAt = &terminated
	}
	return summary
}

func retryAfterSeconds(d time.Duration) string {
	secs := int(d.Seconds())
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"chatcore/internal/models"
	"chatcore/internal/rooms"

	"go.uber.org/zap"
)

type Verifier interface {
	Verify(ctx context.Context, token string) (models.Identity, error)
	Revoke(token string) error
}

// History is the read side of the message store.
type History interface {
	HasAccess(ctx context.Context, userID, conversationID string, kind models.ConversationKind) (bool, error)
	ListMessages(ctx context.Context, roomID string, page models.Page) ([]models.Message, error)
}

// Sessions closes the live websocket sessions of a user.
type Sessions interface {
	Disconnect(userID string) int
}

type HealthChecker interface {
	HealthCheck(ctx context.Context) bool
}

type APIResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

type HealthResponse struct {
	Status string          `json:"status"`
	Checks map[string]bool `json:"checks"`
}

type API struct {
	auth     Verifier
	history  History
	sessions Sessions
	checks   map[string]HealthChecker
	log      *zap.Logger
}

func New(auth Verifier, history History, sessions Sessions, checks map[string]HealthChecker, log *zap.Logger) *API {
	if log == nil {
		log = zap.NewNop()
	}
	return &API{
		auth:     auth,
		history:  history,
		sessions: sessions,
		checks:   checks,
		log:      log.With(zap.String("component", "api")),
	}
}

func (a *API) getToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return r.URL.Query().Get("token")
}

// RequireAuth resolves the caller's identity before running next.
func (a *API) RequireAuth(next func(http.ResponseWriter, *http.Request, models.Identity)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := a.auth.Verify(r.Context(), a.getToken(r))
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, APIResponse{Message: "Unauthorized"}, a.log)
			return
		}
		next(w, r, id)
	}
}

// LogoffHandler revokes the caller's token and closes every live session of
// the user, on all nodes.
func (a *API) LogoffHandler(w http.ResponseWriter, r *http.Request, id models.Identity) {
	if err := a.auth.Revoke(a.getToken(r)); err != nil {
		writeJSON(w, http.StatusBadRequest, APIResponse{Message: "Invalid token"}, a.log)
		return
	}
	if a.sessions != nil {
		n := a.sessions.Disconnect(id.ID)
		a.log.Info("user logged off", zap.String("user_id", id.ID), zap.Int("local_sessions", n))
	}
	w.WriteHeader(http.StatusOK)
}

// MessagesHandler pages through a conversation history, newest first.
// Query: conversationId, kind (FRIEND|GROUP), before (RFC3339), limit.
func (a *API) MessagesHandler(w http.ResponseWriter, r *http.Request, id models.Identity) {
	q := r.URL.Query()
	target := models.Target{
		ConversationID: q.Get("conversationId"),
		Kind:           models.ConversationKind(strings.ToUpper(q.Get("kind"))),
	}
	if target.Kind == "" {
		target.Kind = models.ConversationFriend
	}

	var page models.Page
	if v := q.Get("before"); v != "" {
		before, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, APIResponse{Message: "before must be an RFC3339 timestamp"}, a.log)
			return
		}
		page.Before = before
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			writeJSON(w, http.StatusBadRequest, APIResponse{Message: "limit must be a positive number"}, a.log)
			return
		}
		page.Limit = limit
	}

	roomID, err := rooms.ID(target.Kind, target.ConversationID, id.ID)
	if err != nil {
		a.fail(w, err)
		return
	}
	ok, err := a.history.HasAccess(r.Context(), id.ID, target.ConversationID, target.Kind)
	if err != nil {
		a.fail(w, err)
		return
	}
	if !ok {
		a.fail(w, models.ErrAuthorization)
		return
	}

	messages, err := a.history.ListMessages(r.Context(), roomID, page)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messages, a.log)
}

// HealthHandler reports 200 when every dependency answers and 503 otherwise.
func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := HealthResponse{Status: "ok", Checks: make(map[string]bool, len(a.checks))}
	for name, c := range a.checks {
		healthy := c.HealthCheck(ctx)
		resp.Checks[name] = healthy
		if !healthy {
			resp.Status = "degraded"
		}
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp, a.log)
}

func (a *API) fail(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrAuthorization):
		status = http.StatusForbidden
	case errors.Is(err, models.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		status = http.StatusNotFound
	default:
		a.log.Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, APIResponse{Message: models.PublicMessage(err)}, a.log)
}

func writeJSON(w http.ResponseWriter, status int, v any, log *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug("failed to encode response", zap.Error(err))
	}
}

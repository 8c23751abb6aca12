package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"chatcore/internal/broker"

	"go.uber.org/zap"
)

type DeadLetterArchive interface {
	List(limit int) ([]broker.DeadLetter, error)
	Purge() (int, error)
}

type Unblocker interface {
	Unblock(addr string)
}

type TokenIssuer interface {
	Issue(userID, role string) (string, time.Time, error)
}

type AdminHandler struct {
	deadLetters DeadLetterArchive
	guard       Unblocker
	issuer      TokenIssuer
	log         *zap.Logger
}

func NewAdminHandler(deadLetters DeadLetterArchive, guard Unblocker, issuer TokenIssuer, log *zap.Logger) *AdminHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &AdminHandler{
		deadLetters: deadLetters,
		guard:       guard,
		issuer:      issuer,
		log:         log.With(zap.String("component", "admin")),
	}
}

type IssueTokenRequest struct {
	UserID string `json:"userId"`
	Role   string `json:"role,omitempty"`
}

type IssueTokenResponse struct {
	APIResponse
	Token     string `json:"token,omitempty"`
	ExpiresAt int64  `json:"expiresAt,omitempty"`
}

type PurgeResponse struct {
	APIResponse
	Purged int `json:"purged"`
}

// DeadLettersHandler lists archived dead letters, newest first.
func (h *AdminHandler) DeadLettersHandler(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive number", http.StatusBadRequest)
			return
		}
		limit = n
	}

	list, err := h.deadLetters.List(limit)
	if err != nil {
		h.log.Error("failed to list dead letters", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, APIResponse{Message: "Failed to list dead letters"}, h.log)
		return
	}
	if list == nil {
		list = []broker.DeadLetter{}
	}
	writeJSON(w, http.StatusOK, list, h.log)
}

func (h *AdminHandler) PurgeDeadLettersHandler(w http.ResponseWriter, _ *http.Request) {
	n, err := h.deadLetters.Purge()
	if err != nil {
		h.log.Error("failed to purge dead letters", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, APIResponse{Message: "Failed to purge dead letters"}, h.log)
		return
	}
	writeJSON(w, http.StatusOK, PurgeResponse{
		APIResponse: APIResponse{Success: true, Message: fmt.Sprintf("%d dead letters purged", n)},
		Purged:      n,
	}, h.log)
}

// UnblockHandler lifts an automatic block on a source address.
func (h *AdminHandler) UnblockHandler(w http.ResponseWriter, r *http.Request) {
	addr := r.URL.Query().Get("addr")
	if addr == "" {
		http.Error(w, "addr is required", http.StatusBadRequest)
		return
	}
	h.guard.Unblock(addr)
	h.log.Info("address unblocked", zap.String("addr", addr))
	writeJSON(w, http.StatusOK, APIResponse{Success: true, Message: fmt.Sprintf("%s unblocked", addr)}, h.log)
}

// IssueTokenHandler mints a bearer token for a user id.
func (h *AdminHandler) IssueTokenHandler(w http.ResponseWriter, r *http.Request) {
	var req IssueTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		http.Error(w, "userId is required", http.StatusBadRequest)
		return
	}

	token, expiry, err := h.issuer.Issue(req.UserID, req.Role)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, IssueTokenResponse{
			APIResponse: APIResponse{Message: fmt.Sprintf("Failed to issue token: %v", err)},
		}, h.log)
		return
	}
	writeJSON(w, http.StatusOK, IssueTokenResponse{
		APIResponse: APIResponse{Success: true},
		Token:       token,
		ExpiresAt:   expiry.Unix(),
	}, h.log)
}

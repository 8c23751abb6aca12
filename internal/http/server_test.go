package http

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"chatcore/internal/api"
	"chatcore/internal/auth"
	"chatcore/internal/broadcast"
	"chatcore/internal/broker"
	"chatcore/internal/models"
	"chatcore/internal/rooms"
	"chatcore/internal/security"
	"chatcore/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type checkFunc func(context.Context) bool

func (f checkFunc) HealthCheck(ctx context.Context) bool { return f(ctx) }

type fixture struct {
	api      http.Handler
	admin    http.Handler
	auth     *auth.AuthService
	store    *storage.Store
	dlq      *storage.DeadLetterStore
	guard    *security.Blocker
	sessions *broadcast.Recorder
	cache    *bool
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	as, err := auth.NewAuthService(ctx, auth.Config{Secret: base64.StdEncoding.EncodeToString([]byte("http-secret"))})
	require.NoError(t, err)

	store, err := storage.Open(storage.DriverSQLite, filepath.Join(t.TempDir(), "chat.db"), false, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	dlq, err := storage.NewDeadLetterStore(filepath.Join(t.TempDir(), "dlq.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = dlq.Close() })

	guard := security.NewBlocker(ctx, 1, time.Minute, nil)

	cacheUp := true
	checks := map[string]api.HealthChecker{
		"broker": checkFunc(func(context.Context) bool { return true }),
		"cache":  checkFunc(func(context.Context) bool { return cacheUp }),
	}

	ws := func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusTeapot) }
	sessions := broadcast.NewRecorder()
	apiServer := NewAPIServer(api.New(as, store, sessions, checks, nil), ws, "", nil)
	adminServer := NewAdminServer(api.NewAdminHandler(dlq, guard, as, nil), "", nil)

	return &fixture{
		api:      apiServer.Handler(),
		admin:    adminServer.Handler(),
		auth:     as,
		store:    store,
		dlq:      dlq,
		guard:    guard,
		sessions: sessions,
		cache:    &cacheUp,
	}
}

func (f *fixture) do(t *testing.T, h http.Handler, method, target, token string, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) token(t *testing.T, userID string) string {
	t.Helper()
	token, _, err := f.auth.Issue(userID, "")
	require.NoError(t, err)
	return token
}

func TestAPIServer_Health(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, f.api, http.MethodGet, "/healthz", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	*f.cache = false
	rec = f.do(t, f.api, http.MethodGet, "/healthz", "", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp api.HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "degraded", resp.Status)
	assert.Equal(t, map[string]bool{"broker": true, "cache": false}, resp.Checks)
}

func TestAPIServer_WebsocketRoute(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusTeapot, f.do(t, f.api, http.MethodGet, "/ws", "", "").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, f.do(t, f.api, http.MethodPost, "/ws", "", "").Code)
}

func TestAPIServer_Messages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.AddFriendship(ctx, "alice", "bob"))

	room := rooms.Friend("alice", "bob")
	for _, text := range []string{"one", "two", "three"} {
		_, _, err := f.store.CreateMessage(ctx, models.Message{
			ConversationID: "bob",
			Kind:           models.ConversationFriend,
			RoomID:         room,
			SenderID:       "alice",
			MessageKind:    models.MessageKindText,
			Content:        text,
		})
		require.NoError(t, err)
	}

	t.Run("Unauthorized", func(t *testing.T) {
		rec := f.do(t, f.api, http.MethodGet, "/api/messages?conversationId=bob", "", "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("Friend", func(t *testing.T) {
		rec := f.do(t, f.api, http.MethodGet, "/api/messages?conversationId=alice&limit=2", f.token(t, "bob"), "")
		require.Equal(t, http.StatusOK, rec.Code)

		var messages []models.Message
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&messages))
		require.Len(t, messages, 2)
		assert.Equal(t, room, messages[0].RoomID)
	})

	t.Run("Stranger", func(t *testing.T) {
		rec := f.do(t, f.api, http.MethodGet, "/api/messages?conversationId=alice", f.token(t, "mallory"), "")
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("BadPage", func(t *testing.T) {
		rec := f.do(t, f.api, http.MethodGet, "/api/messages?conversationId=alice&before=yesterday", f.token(t, "bob"), "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestAPIServer_Logoff(t *testing.T) {
	f := newFixture(t)
	token := f.token(t, "alice")

	require.Equal(t, http.StatusOK, f.do(t, f.api, http.MethodPost, "/api/logoff", token, "").Code)

	_, err := f.auth.Verify(context.Background(), token)
	require.ErrorIs(t, err, models.ErrAuthentication)
	assert.Equal(t, []string{"alice"}, f.sessions.Disconnected())

	assert.Equal(t, http.StatusUnauthorized, f.do(t, f.api, http.MethodPost, "/api/logoff", token, "").Code)
	assert.Len(t, f.sessions.Disconnected(), 1)
}

func TestAdminServer_DeadLetters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, id := range []string{"e1", "e2"} {
		require.NoError(t, f.dlq.Archive(ctx, broker.DeadLetter{
			Event:  models.QueuedEvent{ID: id, Type: models.EventSendMessage},
			Queue:  broker.TierHigh.Queue(),
			Reason: "handler failed",
			DeadAt: time.Now(),
		}))
	}

	rec := f.do(t, f.admin, http.MethodGet, "/admin/deadletters?limit=1", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []broker.DeadLetter
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&list))
	require.Len(t, list, 1)
	assert.Equal(t, "e2", list[0].Event.ID)

	rec = f.do(t, f.admin, http.MethodDelete, "/admin/deadletters", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var purged api.PurgeResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&purged))
	assert.Equal(t, 2, purged.Purged)

	rec = f.do(t, f.admin, http.MethodGet, "/admin/deadletters", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestAdminServer_Unblock(t *testing.T) {
	f := newFixture(t)
	f.guard.Strike("10.0.0.1")
	require.True(t, f.guard.IsBlocked("10.0.0.1"))

	assert.Equal(t, http.StatusBadRequest, f.do(t, f.admin, http.MethodPost, "/admin/unblock", "", "").Code)
	require.Equal(t, http.StatusOK, f.do(t, f.admin, http.MethodPost, "/admin/unblock?addr=10.0.0.1", "", "").Code)
	assert.False(t, f.guard.IsBlocked("10.0.0.1"))
}

func TestAdminServer_IssueToken(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, f.admin, http.MethodPost, "/admin/tokens", "", `{"userId":"alice","role":"admin"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp api.IssueTokenResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.True(t, resp.Success)

	id, err := f.auth.Verify(context.Background(), resp.Token)
	require.NoError(t, err)
	assert.Equal(t, models.Identity{ID: "alice", Role: "admin"}, id)

	assert.Equal(t, http.StatusBadRequest, f.do(t, f.admin, http.MethodPost, "/admin/tokens", "", `{}`).Code)
}

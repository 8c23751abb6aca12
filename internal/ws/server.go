package ws

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"chatcore/internal/models"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const defaultAuthTimeout = 10 * time.Second

type Verifier interface {
	Verify(ctx context.Context, token string) (models.Identity, error)
}

// AddressGuard tracks failed handshakes per source address.
type AddressGuard interface {
	Strike(addr string) bool
	IsBlocked(addr string) bool
}

type Server struct {
	ctx         context.Context
	hub         messageHub
	handler     sessionHandler
	auth        Verifier
	guard       AddressGuard
	upgrader    *websocket.Upgrader
	authTimeout time.Duration
	log         *zap.Logger
}

// NewServer builds the websocket endpoint. Sessions end when ctx is done.
func NewServer(
	ctx context.Context,
	hub messageHub,
	handler sessionHandler,
	auth Verifier,
	guard AddressGuard,
	authTimeout time.Duration,
	log *zap.Logger,
) *Server {
	if authTimeout <= 0 {
		authTimeout = defaultAuthTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		ctx:     ctx,
		hub:     hub,
		handler: handler,
		auth:    auth,
		guard:   guard,
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // clients authenticate with bearer tokens, not cookies
			},
		},
		authTimeout: authTimeout,
		log:         log.With(zap.String("component", "ws")),
	}
}

func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	addr := remoteAddr(r)
	if s.guard.IsBlocked(addr) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("error upgrading to websocket", zap.String("addr", addr), zap.Error(err))
		return
	}
	c := newConn(ws)

	session := NewSession(uuid.NewString(), addr)
	session.advance(StateAuthenticating)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	identity, err := s.authenticate(ctx, c, r)
	if err != nil {
		s.reject(c, session, err)
		return
	}
	session.UserID = identity.ID
	session.Role = identity.Role
	if err := c.expectWithin(0); err != nil {
		s.reject(c, session, err)
		return
	}

	log := s.log.With(zap.String("user_id", session.UserID), zap.String("socket_id", session.SocketID))
	log.Debug("session authenticated", zap.String("addr", addr))

	conn := NewConnection(s.hub, s.handler, c, session, s.log)
	if err := conn.Handle(ctx); err != nil {
		log.Debug("connection closed with error", zap.Error(err))
	}
}

// authenticate waits for the connect frame and verifies the bearer token.
// The token is taken from the frame, then the Authorization header, then
// the token query parameter.
func (s *Server) authenticate(ctx context.Context, c *conn, r *http.Request) (models.Identity, error) {
	if err := c.expectWithin(s.authTimeout); err != nil {
		return models.Identity{}, err
	}
	var first models.ClientMessage
	if err := c.ReadJSON(&first); err != nil {
		return models.Identity{}, fmt.Errorf("%w: no connect frame: %v", models.ErrAuthentication, err)
	}
	if first.Event != models.EventConnect {
		return models.Identity{}, fmt.Errorf("%w: expected %s, got %q", models.ErrAuthentication, models.EventConnect, first.Event)
	}
	in, err := models.Decode(first.Event, first.Data)
	if err != nil {
		return models.Identity{}, fmt.Errorf("%w: %v", models.ErrAuthentication, err)
	}

	token := in.(*models.Connect).Token
	if token == "" {
		token = bearer(r.Header.Get("Authorization"))
	}
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	return s.auth.Verify(ctx, token)
}

func (s *Server) reject(c *conn, session *Session, err error) {
	blocked := s.guard.Strike(session.RemoteAddr)
	s.log.Info("connection rejected",
		zap.String("addr", session.RemoteAddr), zap.Bool("blocked", blocked), zap.Error(err))

	msg := models.ServerMessage{
		Event: models.ErrorEvent(models.EventConnect),
		Data:  models.ErrorPayload{Message: models.PublicMessage(err)},
	}
	if err := c.WriteJSON(msg); err != nil {
		s.log.Debug("error writing connect error", zap.Error(err))
	}
	session.advance(StateDisconnected)
	_ = c.Close()
}

func bearer(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}

func remoteAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

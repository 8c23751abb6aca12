package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"chatcore/internal/models"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024
)

type wsConnection interface {
	Close() error
	WriteJSON(v any) error
	ReadJSON(v any) error
	Ping() error
}

type messageHub interface {
	Register(userID, socketID string) <-chan models.ServerMessage
	Unregister(socketID string) int
	Kicked(socketID string) <-chan struct{}
}

// sessionHandler reacts to the lifecycle and the frames of a session.
type sessionHandler interface {
	Activate(ctx context.Context, s *Session)
	Dispatch(ctx context.Context, s *Session, msg models.ClientMessage)
	Deactivate(ctx context.Context, s *Session, remaining int)
}

type Connection struct {
	ws         wsConnection
	hub        messageHub
	handler    sessionHandler
	session    *Session
	fromClient chan models.ClientMessage
	fromServer <-chan models.ServerMessage
	kicked     <-chan struct{}
	errorCh    chan error
	pingPeriod time.Duration
	log        *zap.Logger
}

// NewConnection registers an authenticated session with the hub.
func NewConnection(
	hub messageHub,
	handler sessionHandler,
	ws wsConnection,
	session *Session,
	log *zap.Logger,
) *Connection {
	if log == nil {
		log = zap.NewNop()
	}
	return &Connection{
		ws:         ws,
		hub:        hub,
		handler:    handler,
		session:    session,
		fromClient: make(chan models.ClientMessage),
		fromServer: hub.Register(session.UserID, session.SocketID),
		kicked:     hub.Kicked(session.SocketID),
		errorCh:    make(chan error, 3),
		pingPeriod: pingPeriod,
		log: log.With(
			zap.String("user_id", session.UserID),
			zap.String("socket_id", session.SocketID)),
	}
}

// Handle runs the session until the peer goes away or ctx is done.
func (c *Connection) Handle(ctx context.Context) error {
	c.session.advance(StateActive)
	c.handler.Activate(ctx, c.session)

	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		close(c.errorCh)
		remaining := c.hub.Unregister(c.session.SocketID)
		c.session.advance(StateDisconnected)
		c.handler.Deactivate(context.WithoutCancel(ctx), c.session, remaining)
	}()

	var wg sync.WaitGroup
	wg.Go(func() {
		c.errorCh <- c.pumpMessages(ctx)
		cancel()
	})

	wg.Go(func() {
		c.errorCh <- c.dispatchLoop(ctx)
		cancel()
	})

	wg.Go(func() {
		c.errorCh <- c.mainLoop(ctx)
		cancel()
	})

	var err error
	select {
	case err = <-c.errorCh:
	case <-ctx.Done():
	}
	c.ws.Close()
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) && !isNormalClose(err) {
		return err
	}

	return nil
}

func (c *Connection) pumpMessages(ctx context.Context) error {
	for {
		var msg models.ClientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			return err
		}
		select {
		case c.fromClient <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// dispatchLoop runs inbound frames one at a time, in receipt order.
func (c *Connection) dispatchLoop(ctx context.Context) error {
	for {
		select {
		case msg := <-c.fromClient:
			c.handler.Dispatch(ctx, c.session, msg)
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Connection) mainLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg := <-c.fromServer:
			if err := c.ws.WriteJSON(msg); err != nil {
				return err
			}
		case <-ticker.C:
			if err := c.ws.Ping(); err != nil {
				return err
			}
		case <-c.kicked:
			c.log.Info("session revoked, closing")
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

func isNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived)
}

// conn adapts a gorilla connection with deadlines and keepalive.
type conn struct {
	ws *websocket.Conn
}

func newConn(ws *websocket.Conn) *conn {
	ws.SetReadLimit(maxMessageSize)
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	return &conn{ws: ws}
}

func (c *conn) Close() error {
	return c.ws.Close()
}

func (c *conn) WriteJSON(v any) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteJSON(v)
}

func (c *conn) ReadJSON(v any) error {
	return c.ws.ReadJSON(v)
}

func (c *conn) Ping() error {
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// expectWithin bounds the next read, or resets it to the keepalive window
// when d is zero.
func (c *conn) expectWithin(d time.Duration) error {
	if d <= 0 {
		d = pongWait
	}
	return c.ws.SetReadDeadline(time.Now().Add(d))
}

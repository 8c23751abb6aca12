package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"chatcore/internal/broadcast"
	"chatcore/internal/broker"
	"chatcore/internal/models"
	"chatcore/internal/rooms"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PresenceCache is the part of the presence cache the gateway maintains.
type PresenceCache interface {
	RegisterSocket(ctx context.Context, userID, socketID string) error
	UnregisterSocket(ctx context.Context, userID, socketID string) (int64, error)
	UnregisterAllSockets(ctx context.Context, userID string) error
	SetOnline(ctx context.Context, userID string) error
	SetOffline(ctx context.Context, userID string) error
	Touch(ctx context.Context, userID string) error
	ListOnline(ctx context.Context) ([]string, error)
	RebuildRelationshipGraph(ctx context.Context, userID string) ([]string, []string, error)
	OnlineFriends(ctx context.Context, userID string) ([]string, error)
	GetConnectedUsers(ctx context.Context, userID string) ([]string, error)
	AddToRoom(ctx context.Context, roomID, userID string, kind models.ConversationKind) (bool, error)
}

// Rooms is the hub side of room subscription and fan-out.
type Rooms interface {
	broadcast.Broadcaster
	JoinSocket(socketID, roomID string) bool
}

// EventHandler performs a queued event in-process.
type EventHandler interface {
	Handle(ctx context.Context, ev models.QueuedEvent) error
}

type RateLimiter interface {
	Allow(userID string) error
}

// Gateway brings sessions online and offline and routes their inbound
// frames either straight to the processor or through the broker.
type Gateway struct {
	cache     PresenceCache
	hub       Rooms
	broker    broker.Broker
	processor EventHandler
	limiter   RateLimiter
	now       func() time.Time
	log       *zap.Logger
}

func NewGateway(
	cache PresenceCache,
	hub Rooms,
	b broker.Broker,
	processor EventHandler,
	limiter RateLimiter,
	log *zap.Logger,
) *Gateway {
	if log == nil {
		log = zap.NewNop()
	}
	return &Gateway{
		cache:     cache,
		hub:       hub,
		broker:    b,
		processor: processor,
		limiter:   limiter,
		now:       time.Now,
		log:       log.With(zap.String("component", "gateway")),
	}
}

// Activate brings a session online. Cache failures are logged and only
// degrade targeting, they never refuse the connection.
func (g *Gateway) Activate(ctx context.Context, s *Session) {
	log := g.log.With(zap.String("user_id", s.UserID), zap.String("socket_id", s.SocketID))

	g.hub.EmitToSocket(ctx, s.SocketID, models.ServerMessage{
		Event: models.ServerConnected,
		Data:  models.Connected{SocketID: s.SocketID, UserID: s.UserID},
	})

	if err := g.cache.RegisterSocket(ctx, s.UserID, s.SocketID); err != nil {
		log.Warn("failed to register socket", zap.Error(err))
	}
	if err := g.cache.SetOnline(ctx, s.UserID); err != nil {
		log.Warn("failed to mark user online", zap.Error(err))
	}
	g.hub.JoinSocket(s.SocketID, rooms.Global)

	_, groups, err := g.cache.RebuildRelationshipGraph(ctx, s.UserID)
	if err != nil {
		log.Warn("failed to rebuild relationship graph", zap.Error(err))
	}
	for _, groupID := range groups {
		g.join(ctx, log, s, rooms.Group(groupID), models.ConversationGroup)
	}

	friends, err := g.cache.OnlineFriends(ctx, s.UserID)
	if err != nil {
		log.Warn("failed to list online friends", zap.Error(err))
	}
	for _, friendID := range friends {
		room := rooms.Friend(s.UserID, friendID)
		g.join(ctx, log, s, room, models.ConversationFriend)
		if _, err := g.cache.AddToRoom(ctx, room, friendID, models.ConversationFriend); err != nil {
			log.Warn("failed to add friend to room", zap.String("room_id", room), zap.Error(err))
		}
		g.hub.JoinRoom(friendID, room)
	}

	if friends == nil {
		friends = []string{}
	}
	g.hub.EmitToSocket(ctx, s.SocketID, models.ServerMessage{
		Event: models.ServerOnlineFriends,
		Data:  models.OnlineUsers{Users: friends},
	})
	g.announce(ctx, log, s.UserID, models.StatusOnline)
	log.Info("session active", zap.Int("groups", len(groups)), zap.Int("online_friends", len(friends)))
}

func (g *Gateway) join(ctx context.Context, log *zap.Logger, s *Session, room string, kind models.ConversationKind) {
	if _, err := g.cache.AddToRoom(ctx, room, s.UserID, kind); err != nil {
		log.Warn("failed to add room member", zap.String("room_id", room), zap.Error(err))
	}
	g.hub.JoinSocket(s.SocketID, room)
}

// Deactivate takes a closed session offline once the user has no sockets
// left. Room memberships stay in the cache.
func (g *Gateway) Deactivate(ctx context.Context, s *Session, remaining int) {
	if s.UserID == "" {
		return
	}
	log := g.log.With(zap.String("user_id", s.UserID), zap.String("socket_id", s.SocketID))

	left, err := g.cache.UnregisterSocket(ctx, s.UserID, s.SocketID)
	if err != nil {
		log.Warn("failed to unregister socket", zap.Error(err))
		left = int64(remaining)
	}
	if left > 0 || remaining > 0 {
		log.Debug("session closed, user still connected", zap.Int64("sockets", max(left, int64(remaining))))
		return
	}

	if err := g.cache.UnregisterAllSockets(ctx, s.UserID); err != nil {
		log.Warn("failed to clear sockets", zap.Error(err))
	}
	if err := g.cache.SetOffline(ctx, s.UserID); err != nil {
		log.Warn("failed to mark user offline", zap.Error(err))
	}
	g.announce(ctx, log, s.UserID, models.StatusOffline)

	online, err := g.cache.ListOnline(ctx)
	if err != nil {
		log.Warn("failed to list online users", zap.Error(err))
		return
	}
	g.hub.EmitToRoom(ctx, rooms.Global, models.ServerMessage{
		Event: models.ServerOnlineUsersList,
		Data:  models.OnlineUsers{Users: online},
	}, "")
	log.Info("user offline")
}

// announce tells the user's online friends and group peers about a
// presence transition.
func (g *Gateway) announce(ctx context.Context, log *zap.Logger, userID string, status models.PresenceStatus) {
	connected, err := g.cache.GetConnectedUsers(ctx, userID)
	if err != nil {
		log.Warn("failed to resolve connected users", zap.Error(err))
		return
	}
	if len(connected) == 0 {
		return
	}
	g.hub.EmitToUsers(ctx, connected, models.ServerMessage{
		Event: models.ServerPresenceUpdate,
		Data: models.PresenceUpdate{
			UserID:   userID,
			Status:   status,
			LastSeen: g.now().Unix(),
		},
	}, "")
}

// Dispatch routes one inbound frame of an active session.
func (g *Gateway) Dispatch(ctx context.Context, s *Session, msg models.ClientMessage) {
	if err := g.dispatch(ctx, s, msg); err != nil {
		g.fail(ctx, s, msg.Event, err)
	}
}

func (g *Gateway) dispatch(ctx context.Context, s *Session, msg models.ClientMessage) error {
	in, err := models.Decode(msg.Event, msg.Data)
	if err != nil {
		return err
	}

	switch in.(type) {
	case *models.Connect:
		return fmt.Errorf("%w: already connected", models.ErrValidation)
	case *models.Ping:
		if err := g.cache.Touch(ctx, s.UserID); err != nil {
			g.log.Debug("failed to refresh presence", zap.String("user_id", s.UserID), zap.Error(err))
		}
		g.hub.EmitToSocket(ctx, s.SocketID, models.ServerMessage{
			Event: models.ServerPong,
			Data:  models.Pong{Timestamp: g.now().UnixMilli()},
		})
		return nil
	case *models.GetOnlineUsers:
		online, err := g.cache.ListOnline(ctx)
		if err != nil {
			return err
		}
		g.hub.EmitToSocket(ctx, s.SocketID, models.ServerMessage{
			Event: models.ServerOnlineUsersList,
			Data:  models.OnlineUsers{Users: online},
		})
		return nil
	case *models.SendMessage:
		if err := g.limiter.Allow(s.UserID); err != nil {
			return err
		}
	}
	return g.enqueue(ctx, s, in)
}

// enqueue hands an event to the broker. Time-critical events skip the queue,
// and any event the broker refuses is performed in-process instead.
func (g *Gateway) enqueue(ctx context.Context, s *Session, in models.Inbound) error {
	// the decoded form carries the defaults applied during validation
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrValidation, err)
	}
	ev := models.QueuedEvent{
		ID:         uuid.NewString(),
		Type:       in.EventType(),
		UserID:     s.UserID,
		SocketID:   s.SocketID,
		Payload:    payload,
		EnqueuedAt: g.now(),
	}

	if ev.Type.Synchronous() {
		return g.processor.Handle(ctx, ev)
	}
	err = g.broker.Publish(ctx, ev)
	if err == nil {
		return nil
	}
	g.log.Warn("publish failed, processing in-process",
		zap.String("type", string(ev.Type)), zap.String("event_id", ev.ID), zap.Error(err))
	return g.processor.Handle(ctx, ev)
}

func (g *Gateway) fail(ctx context.Context, s *Session, event models.EventType, err error) {
	log := g.log.With(
		zap.String("user_id", s.UserID),
		zap.String("socket_id", s.SocketID),
		zap.String("event", string(event)),
		zap.Error(err))
	if errors.Is(err, context.Canceled) {
		return
	}
	// low priority events fail silently, as they do in the processor
	if tier, _ := broker.Classify(event); tier == broker.TierLow {
		log.Debug("low priority event failed")
		return
	}
	if models.IsActionError(err) {
		log.Info("event rejected")
	} else {
		log.Error("event failed")
	}
	g.hub.EmitToSocket(ctx, s.SocketID, models.ServerMessage{
		Event: models.ErrorEvent(event),
		Data:  models.ErrorPayload{Message: models.PublicMessage(err)},
	})
}

// Package processor performs the effect of queued events: it persists,
// resolves recipients through the presence cache and emits the result.
package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chatcore/internal/broadcast"
	"chatcore/internal/broker"
	"chatcore/internal/models"

	"go.uber.org/zap"
)

// Messages is the message repository.
type Messages interface {
	CreateMessage(ctx context.Context, msg models.Message) (models.Message, bool, error)
	GetMessage(ctx context.Context, id string) (models.Message, error)
	SoftDeleteMessage(ctx context.Context, id, byUser string) (models.Message, error)
	UpdateMessage(ctx context.Context, id string, patch models.MessagePatch) (models.Message, error)
	TouchConversation(ctx context.Context, kind models.ConversationKind, roomID string, at time.Time) error
}

// Conversations answers membership questions and applies group departures.
type Conversations interface {
	HasAccess(ctx context.Context, userID, conversationID string, kind models.ConversationKind) (bool, error)
	IsMember(ctx context.Context, userID, groupID string) (bool, error)
	Leave(ctx context.Context, groupID, userID string) (models.LeaveResult, error)
}

// Cache is the part of the presence cache the processor relies on.
type Cache interface {
	ResolveBroadcastTargets(ctx context.Context, userID, conversationID string, kind models.ConversationKind) (models.BroadcastTargets, error)
	AddToRoom(ctx context.Context, roomID, userID string, kind models.ConversationKind) (bool, error)
	RemoveFromRoom(ctx context.Context, roomID, userID string) (bool, error)
	TouchRoom(ctx context.Context, roomID string) error
	InvalidateGraph(ctx context.Context, userID string) error
	SetStatus(ctx context.Context, userID string, status models.PresenceStatus, activity string) error
	GetConnectedUsers(ctx context.Context, userID string) ([]string, error)
}

// ContentFilter sanitizes user content.
type ContentFilter interface {
	Clean(input string) (string, error)
}

type Processor struct {
	messages      Messages
	conversations Conversations
	cache         Cache
	out           broadcast.Broadcaster
	filter        ContentFilter
	now           func() time.Time
	log           *zap.Logger
}

func New(
	messages Messages,
	conversations Conversations,
	cache Cache,
	out broadcast.Broadcaster,
	filter ContentFilter,
	log *zap.Logger,
) *Processor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Processor{
		messages:      messages,
		conversations: conversations,
		cache:         cache,
		out:           out,
		filter:        filter,
		now:           time.Now,
		log:           log.With(zap.String("component", "processor")),
	}
}

// Handle performs one event. Action failures are reported to the originating
// socket and swallowed. Any other error is returned so the broker retries.
func (p *Processor) Handle(ctx context.Context, ev models.QueuedEvent) error {
	in, err := models.Decode(ev.Type, ev.Payload)
	if err == nil {
		err = p.dispatch(ctx, ev, in)
	}
	if err == nil {
		return nil
	}
	if models.IsActionError(err) {
		p.reject(ctx, ev, err)
		return nil
	}
	return fmt.Errorf("%s %s: %w", ev.Type, ev.ID, err)
}

func (p *Processor) dispatch(ctx context.Context, ev models.QueuedEvent, in models.Inbound) error {
	switch v := in.(type) {
	case *models.SendMessage:
		return p.sendMessage(ctx, ev, v)
	case *models.DeleteMessage:
		return p.deleteMessage(ctx, ev, v)
	case *models.UpdateMessage:
		return p.updateMessage(ctx, ev, v)
	case *models.MessageRead:
		return p.messageRead(ctx, ev, v)
	case *models.CallRequest:
		return p.callRequest(ctx, ev, v)
	case *models.CallAnswer:
		return p.callSignal(ctx, ev, (*models.CallSignal)(v), models.CallAnswered, models.ServerCallAnswer)
	case *models.CallRefuse:
		return p.callSignal(ctx, ev, (*models.CallSignal)(v), models.CallRefused, models.ServerCallRefuse)
	case *models.CallClose:
		return p.callSignal(ctx, ev, (*models.CallSignal)(v), models.CallEnded, models.ServerCallClose)
	case *models.JoinGroup:
		return p.joinGroup(ctx, ev, v)
	case *models.LeaveGroup:
		return p.leaveGroup(ctx, ev, v)
	case *models.Typing:
		return p.typing(ctx, ev, v)
	case *models.Presence:
		return p.presence(ctx, ev, v)
	}
	return fmt.Errorf("%w: %s is not a queued event", models.ErrValidation, ev.Type)
}

// reject reports an action failure back to the socket that caused it.
// Failures of perishable events are only logged.
func (p *Processor) reject(ctx context.Context, ev models.QueuedEvent, err error) {
	log := p.log.With(
		zap.String("type", string(ev.Type)),
		zap.String("user_id", ev.UserID),
		zap.String("socket_id", ev.SocketID),
		zap.Error(err),
	)
	if tier, _ := broker.Classify(ev.Type); tier == broker.TierLow || ev.SocketID == "" {
		log.Debug("event rejected")
		return
	}
	log.Info("event rejected")
	p.out.EmitToSocket(ctx, ev.SocketID, models.ServerMessage{
		Event: models.ErrorEvent(ev.Type),
		Data:  models.ErrorPayload{Message: models.PublicMessage(err)},
	})
}

// DeadLetter tells the originating socket that its event was given up on.
func (p *Processor) DeadLetter(ctx context.Context, dl broker.DeadLetter) {
	ev := dl.Event
	if tier, _ := broker.Classify(ev.Type); tier == broker.TierLow || ev.SocketID == "" {
		return
	}
	p.out.EmitToSocket(ctx, ev.SocketID, models.ServerMessage{
		Event: models.ErrorEvent(ev.Type),
		Data:  models.ErrorPayload{Message: "event could not be processed"},
	})
}

func (p *Processor) authorize(ctx context.Context, userID string, t models.Target) error {
	ok, err := p.conversations.HasAccess(ctx, userID, t.ConversationID, t.Kind)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: no access to %s %s", models.ErrAuthorization, t.Kind, t.ConversationID)
	}
	return nil
}

// resolve returns the broadcast targets of a conversation. For friend chats
// with the peer online, both users are subscribed to the room here, so a
// friendship made after connect still gets a room.
func (p *Processor) resolve(ctx context.Context, userID string, t models.Target) (models.BroadcastTargets, error) {
	targets, err := p.cache.ResolveBroadcastTargets(ctx, userID, t.ConversationID, t.Kind)
	if err != nil {
		return models.BroadcastTargets{}, err
	}
	if t.Kind != models.ConversationFriend || targets.Degraded {
		return targets, nil
	}

	p.out.JoinRoom(userID, targets.RoomID)
	if targets.OnlineCount > 0 {
		p.out.JoinRoom(t.ConversationID, targets.RoomID)
		for _, u := range []string{userID, t.ConversationID} {
			if _, err := p.cache.AddToRoom(ctx, targets.RoomID, u, t.Kind); err != nil {
				p.log.Warn("failed to add friend room member", zap.String("room_id", targets.RoomID), zap.Error(err))
			}
		}
	}
	return targets, nil
}

// loadInRoom loads a message and checks it belongs to the addressed room.
func (p *Processor) loadInRoom(ctx context.Context, id, roomID string) (models.Message, error) {
	msg, err := p.messages.GetMessage(ctx, id)
	if err != nil {
		return models.Message{}, err
	}
	if msg.RoomID != roomID {
		return models.Message{}, fmt.Errorf("message %s: %w", id, models.ErrNotFound)
	}
	return msg, nil
}

func (p *Processor) touch(ctx context.Context, kind models.ConversationKind, roomID string) {
	if err := p.cache.TouchRoom(ctx, roomID); err != nil && !errors.Is(err, models.ErrCacheUnavailable) {
		p.log.Warn("failed to touch room", zap.String("room_id", roomID), zap.Error(err))
	}
	if err := p.messages.TouchConversation(ctx, kind, roomID, p.now()); err != nil {
		p.log.Warn("failed to touch conversation", zap.String("room_id", roomID), zap.Error(err))
	}
}

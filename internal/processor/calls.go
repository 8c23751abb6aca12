package processor

import (
	"context"
	"fmt"

	"chatcore/internal/models"
	"chatcore/internal/rooms"

	"go.uber.org/zap"
)

// callRequest records a RINGING call. With nobody online to ring, only the
// caller hears back and the call is recorded as ended.
func (p *Processor) callRequest(ctx context.Context, ev models.QueuedEvent, m *models.CallRequest) error {
	roomID, err := rooms.ID(m.Kind, m.ConversationID, ev.UserID)
	if err != nil {
		return err
	}
	if err := p.authorize(ctx, ev.UserID, m.Target); err != nil {
		return err
	}

	msg, _, err := p.messages.CreateMessage(ctx, models.Message{
		GUID:           dedupKey(m.GUID, ev),
		ConversationID: m.ConversationID,
		Kind:           m.Kind,
		RoomID:         roomID,
		SenderID:       ev.UserID,
		MessageKind:    models.MessageKindCall,
		Call:           &models.CallInfo{Type: m.CallType, Status: models.CallRinging},
	})
	if err != nil {
		return err
	}

	targets, err := p.resolve(ctx, ev.UserID, m.Target)
	if err != nil {
		return err
	}
	if targets.OnlineCount == 0 {
		if msg.Call != nil && msg.Call.Status == models.CallRinging {
			ended := *msg.Call
			ended.Status = models.CallEnded
			if _, err := p.messages.UpdateMessage(ctx, msg.ID, models.MessagePatch{Call: &ended}); err != nil {
				p.log.Warn("failed to end unanswered call", zap.String("message_id", msg.ID), zap.Error(err))
			}
		}
		p.peerUnavailable(ctx, ev, m.ConversationID, msg.ID)
		return nil
	}

	p.out.EmitToRoom(ctx, roomID, models.ServerMessage{
		Event: models.ServerCallRequest,
		Data:  models.CallEvent{From: ev.UserID, Message: msg},
	}, ev.SocketID)
	p.touch(ctx, m.Kind, roomID)
	return nil
}

// callSignal applies an answer, refusal or hang-up to a call message.
func (p *Processor) callSignal(ctx context.Context, ev models.QueuedEvent, m *models.CallSignal, status models.CallStatus, event models.ServerEvent) error {
	roomID, err := rooms.ID(m.Kind, m.ConversationID, ev.UserID)
	if err != nil {
		return err
	}
	msg, err := p.loadInRoom(ctx, m.MessageID, roomID)
	if err != nil {
		return err
	}
	if msg.MessageKind != models.MessageKindCall || msg.Call == nil {
		return fmt.Errorf("%w: message %s is not a call", models.ErrValidation, m.MessageID)
	}
	if msg.Kind == models.ConversationGroup {
		if err := p.authorize(ctx, ev.UserID, m.Target); err != nil {
			return err
		}
	}

	call, err := p.transition(*msg.Call, ev.UserID == msg.SenderID, status)
	if err != nil {
		return err
	}
	msg, err = p.messages.UpdateMessage(ctx, msg.ID, models.MessagePatch{Call: &call})
	if err != nil {
		return err
	}

	targets, err := p.resolve(ctx, ev.UserID, m.Target)
	if err != nil {
		return err
	}
	if targets.OnlineCount == 0 {
		p.peerUnavailable(ctx, ev, m.ConversationID, msg.ID)
		return nil
	}
	p.out.EmitToRoom(ctx, roomID, models.ServerMessage{
		Event: event,
		Data:  models.CallEvent{From: ev.UserID, Message: msg},
	}, ev.SocketID)
	return nil
}

// transition validates a call status change. Only the callee answers or
// refuses; either side may hang up.
func (p *Processor) transition(call models.CallInfo, byCaller bool, to models.CallStatus) (models.CallInfo, error) {
	now := p.now()
	switch to {
	case models.CallAnswered, models.CallRefused:
		if byCaller {
			return call, fmt.Errorf("%w: the caller cannot %s their own call", models.ErrValidation, verb(to))
		}
		if call.Status != models.CallRinging {
			return call, fmt.Errorf("%w: call is %s", models.ErrValidation, call.Status)
		}
		call.Status = to
		if to == models.CallAnswered {
			call.AnsweredAt = &now
		}
	case models.CallEnded:
		if call.Status == models.CallEnded || call.Status == models.CallRefused {
			return call, fmt.Errorf("%w: call is already over", models.ErrValidation)
		}
		if call.AnsweredAt != nil {
			call.Duration = int64(now.Sub(*call.AnsweredAt).Seconds())
		}
		call.Status = models.CallEnded
	}
	return call, nil
}

func verb(s models.CallStatus) string {
	if s == models.CallAnswered {
		return "answer"
	}
	return "refuse"
}

func (p *Processor) peerUnavailable(ctx context.Context, ev models.QueuedEvent, conversationID, messageID string) {
	p.out.EmitToSocket(ctx, ev.SocketID, models.ServerMessage{
		Event: models.ServerPeerUnavailable,
		Data:  models.PeerUnavailable{ConversationID: conversationID, MessageID: messageID},
	})
}

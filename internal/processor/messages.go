package processor

import (
	"context"
	"fmt"
	"strings"

	"chatcore/internal/models"
	"chatcore/internal/rooms"

	"go.uber.org/zap"
)

func (p *Processor) sendMessage(ctx context.Context, ev models.QueuedEvent, m *models.SendMessage) error {
	content, err := p.filter.Clean(m.Content)
	if err != nil {
		return err
	}
	if content == "" && len(m.Attachments) == 0 {
		return fmt.Errorf("%w: message is empty after filtering", models.ErrValidation)
	}
	roomID, err := rooms.ID(m.Kind, m.ConversationID, ev.UserID)
	if err != nil {
		return err
	}
	if err := p.authorize(ctx, ev.UserID, m.Target); err != nil {
		return err
	}

	guid := dedupKey(m.GUID, ev)
	msg, created, err := p.messages.CreateMessage(ctx, models.Message{
		GUID:           guid,
		ConversationID: m.ConversationID,
		Kind:           m.Kind,
		RoomID:         roomID,
		SenderID:       ev.UserID,
		MessageKind:    models.MessageKindText,
		Content:        content,
		Attachments:    m.Attachments,
	})
	if err != nil {
		return err
	}
	if !created {
		p.log.Debug("duplicate message",
			zap.String("guid", guid), zap.String("message_id", msg.ID), zap.String("room_id", roomID))
		if msg.DeletedAt != nil {
			return nil
		}
	}

	// the record is durable from here on; only the notification may be lost
	if _, err := p.resolve(ctx, ev.UserID, m.Target); err != nil {
		return err
	}
	p.out.EmitToRoom(ctx, roomID, models.ServerMessage{Event: models.ServerMessageArrived, Data: msg}, ev.SocketID)
	p.touch(ctx, m.Kind, roomID)
	return nil
}

func (p *Processor) deleteMessage(ctx context.Context, ev models.QueuedEvent, m *models.DeleteMessage) error {
	roomID, err := rooms.ID(m.Kind, m.ConversationID, ev.UserID)
	if err != nil {
		return err
	}
	if _, err := p.loadInRoom(ctx, m.MessageID, roomID); err != nil {
		return err
	}
	// sender or group LEAD, checked by the repository
	if _, err := p.messages.SoftDeleteMessage(ctx, m.MessageID, ev.UserID); err != nil {
		return err
	}

	if _, err := p.resolve(ctx, ev.UserID, m.Target); err != nil {
		return err
	}
	p.out.EmitToRoom(ctx, roomID, models.ServerMessage{
		Event: models.ServerMessageDeleted,
		Data: models.MessageDeleted{
			MessageID:      m.MessageID,
			ConversationID: m.ConversationID,
			Kind:           m.Kind,
			RoomID:         roomID,
			DeletedBy:      ev.UserID,
		},
	}, "")
	return nil
}

func (p *Processor) updateMessage(ctx context.Context, ev models.QueuedEvent, m *models.UpdateMessage) error {
	roomID, err := rooms.ID(m.Kind, m.ConversationID, ev.UserID)
	if err != nil {
		return err
	}
	msg, err := p.loadInRoom(ctx, m.MessageID, roomID)
	if err != nil {
		return err
	}
	if msg.SenderID != ev.UserID {
		return fmt.Errorf("%w: only the sender can edit a message", models.ErrAuthorization)
	}
	if msg.MessageKind != models.MessageKindText {
		return fmt.Errorf("%w: only text messages can be edited", models.ErrValidation)
	}

	content, err := p.filter.Clean(m.Content)
	if err != nil {
		return err
	}
	if strings.TrimSpace(content) == "" {
		return fmt.Errorf("%w: message is empty after filtering", models.ErrValidation)
	}
	msg, err = p.messages.UpdateMessage(ctx, m.MessageID, models.MessagePatch{Content: &content})
	if err != nil {
		return err
	}

	if _, err := p.resolve(ctx, ev.UserID, m.Target); err != nil {
		return err
	}
	p.out.EmitToRoom(ctx, roomID, models.ServerMessage{Event: models.ServerMessageUpdated, Data: msg}, "")
	return nil
}

// messageRead marks a message READ. Reading one's own message is a no-op.
func (p *Processor) messageRead(ctx context.Context, ev models.QueuedEvent, m *models.MessageRead) error {
	roomID, err := rooms.ID(m.Kind, m.ConversationID, ev.UserID)
	if err != nil {
		return err
	}
	msg, err := p.loadInRoom(ctx, m.MessageID, roomID)
	if err != nil {
		return err
	}
	if msg.SenderID == ev.UserID {
		return nil
	}
	if msg.Kind == models.ConversationGroup {
		if err := p.authorize(ctx, ev.UserID, m.Target); err != nil {
			return err
		}
	}

	read := models.DeliveryRead
	if _, err := p.messages.UpdateMessage(ctx, m.MessageID, models.MessagePatch{Status: &read}); err != nil {
		return err
	}

	if _, err := p.resolve(ctx, ev.UserID, m.Target); err != nil {
		return err
	}
	p.out.EmitToRoom(ctx, roomID, models.ServerMessage{
		Event: models.ServerMessageRead,
		Data: models.MessageReadReceipt{
			MessageID: m.MessageID,
			RoomID:    roomID,
			ReaderID:  ev.UserID,
		},
	}, ev.SocketID)
	return nil
}

// dedupKey is the client guid, or the event id when the client sent none, so
// a redelivered event is stored once either way.
func dedupKey(guid string, ev models.QueuedEvent) string {
	if guid != "" {
		return guid
	}
	return ev.ID
}

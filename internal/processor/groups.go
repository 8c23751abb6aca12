package processor

import (
	"context"
	"fmt"

	"chatcore/internal/models"
	"chatcore/internal/rooms"

	"go.uber.org/zap"
)

func (p *Processor) joinGroup(ctx context.Context, ev models.QueuedEvent, m *models.JoinGroup) error {
	roomID, err := rooms.ID(models.ConversationGroup, m.GroupID, ev.UserID)
	if err != nil {
		return err
	}
	ok, err := p.conversations.IsMember(ctx, ev.UserID, m.GroupID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: not a member of group %s", models.ErrAuthorization, m.GroupID)
	}

	if _, err := p.cache.AddToRoom(ctx, roomID, ev.UserID, models.ConversationGroup); err != nil {
		p.log.Warn("failed to add group room member", zap.String("room_id", roomID), zap.Error(err))
	}
	msg := models.ServerMessage{
		Event: models.ServerUserJoinedGroup,
		Data:  models.GroupMembership{GroupID: m.GroupID, UserID: ev.UserID},
	}
	// announce before the joiner's sockets are subscribed, so they are left out
	p.out.EmitToRoom(ctx, roomID, msg, ev.SocketID)
	p.out.JoinRoom(ev.UserID, roomID)
	return nil
}

func (p *Processor) leaveGroup(ctx context.Context, ev models.QueuedEvent, m *models.LeaveGroup) error {
	roomID, err := rooms.ID(models.ConversationGroup, m.GroupID, ev.UserID)
	if err != nil {
		return err
	}
	res, err := p.conversations.Leave(ctx, m.GroupID, ev.UserID)
	if err != nil {
		return err
	}

	if _, err := p.cache.RemoveFromRoom(ctx, roomID, ev.UserID); err != nil {
		p.log.Warn("failed to remove group room member", zap.String("room_id", roomID), zap.Error(err))
	}
	if err := p.cache.InvalidateGraph(ctx, ev.UserID); err != nil {
		p.log.Warn("failed to invalidate graph", zap.String("user_id", ev.UserID), zap.Error(err))
	}
	p.out.LeaveRoom(ev.UserID, roomID)

	msg := models.ServerMessage{
		Event: models.ServerUserLeftGroup,
		Data:  models.GroupMembership{GroupID: m.GroupID, UserID: ev.UserID, NewLead: res.NewLead},
	}
	if !res.Deleted {
		p.out.EmitToRoom(ctx, roomID, msg, "")
	}
	p.out.EmitToSocket(ctx, ev.SocketID, msg)
	return nil
}

// typing is perishable: it is only emitted when someone is online to see it.
func (p *Processor) typing(ctx context.Context, ev models.QueuedEvent, m *models.Typing) error {
	if err := p.authorize(ctx, ev.UserID, m.Target); err != nil {
		return err
	}
	targets, err := p.cache.ResolveBroadcastTargets(ctx, ev.UserID, m.ConversationID, m.Kind)
	if err != nil {
		return err
	}
	if targets.OnlineCount == 0 {
		return nil
	}
	p.out.EmitToUsers(ctx, targets.TargetUsers, models.ServerMessage{
		Event: models.ServerTyping,
		Data: models.TypingUpdate{
			UserID:         ev.UserID,
			ConversationID: m.ConversationID,
			Kind:           m.Kind,
			RoomID:         targets.RoomID,
			IsTyping:       m.IsTyping,
		},
	}, ev.SocketID)
	return nil
}

func (p *Processor) presence(ctx context.Context, ev models.QueuedEvent, m *models.Presence) error {
	if err := p.cache.SetStatus(ctx, ev.UserID, m.Status, m.Activity); err != nil {
		return err
	}
	connected, err := p.cache.GetConnectedUsers(ctx, ev.UserID)
	if err != nil {
		return err
	}
	if len(connected) == 0 {
		return nil
	}
	p.out.EmitToUsers(ctx, connected, models.ServerMessage{
		Event: models.ServerPresenceUpdate,
		Data: models.PresenceUpdate{
			UserID:   ev.UserID,
			Status:   m.Status,
			LastSeen: p.now().Unix(),
			Activity: m.Activity,
		},
	}, "")
	return nil
}

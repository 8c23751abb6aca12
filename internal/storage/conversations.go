package storage

import (
	"context"
	"fmt"
	"time"

	"chatcore/internal/models"
	"chatcore/internal/rooms"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AddFriendship records a friendship in both directions.
func (s *Store) AddFriendship(ctx context.Context, a, b string) error {
	if a == "" || b == "" || a == b {
		return fmt.Errorf("%w: friendship needs two distinct users", models.ErrValidation)
	}
	now := s.now()
	recs := []friendshipRecord{
		{UserID: a, FriendID: b, CreatedAt: now},
		{UserID: b, FriendID: a, CreatedAt: now},
	}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&recs).Error; err != nil {
		return persistence("add friendship", err)
	}
	return nil
}

// CreateGroup creates a group conversation led by lead.
func (s *Store) CreateGroup(ctx context.Context, id, name, lead string) error {
	now := s.now()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		conv := conversationRecord{ID: id, Kind: string(models.ConversationGroup), Name: name, LastActivity: now}
		if err := tx.Create(&conv).Error; err != nil {
			return persistence("create group", err)
		}
		p := participantRecord{ConversationID: id, UserID: lead, Role: string(models.RoleLead), Verified: true, JoinedAt: now}
		if err := tx.Create(&p).Error; err != nil {
			return persistence("add lead", err)
		}
		return nil
	})
}

// AddParticipant adds a member to a group. Adding an existing member is a no-op.
func (s *Store) AddParticipant(ctx context.Context, groupID, userID string, role models.ParticipantRole) error {
	p := participantRecord{
		ConversationID: groupID,
		UserID:         userID,
		Role:           string(role),
		Verified:       true,
		JoinedAt:       s.now(),
	}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&p).Error; err != nil {
		return persistence("add participant", err)
	}
	return nil
}

func (s *Store) FriendIDs(ctx context.Context, userID string) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&friendshipRecord{}).
		Where("user_id = ?", userID).
		Order("friend_id").
		Pluck("friend_id", &ids).Error
	if err != nil {
		return nil, persistence("list friends", err)
	}
	return ids, nil
}

// GroupIDs lists the live groups the user participates in.
func (s *Store) GroupIDs(ctx context.Context, userID string) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&participantRecord{}).
		Joins("JOIN conversations ON conversations.id = participants.conversation_id AND conversations.deleted_at IS NULL").
		Where("participants.user_id = ? AND conversations.kind = ?", userID, string(models.ConversationGroup)).
		Order("participants.conversation_id").
		Pluck("participants.conversation_id", &ids).Error
	if err != nil {
		return nil, persistence("list groups", err)
	}
	return ids, nil
}

func (s *Store) IsMember(ctx context.Context, userID, groupID string) (bool, error) {
	_, err := s.participant(s.db.WithContext(ctx), groupID, userID)
	if err == nil {
		return true, nil
	}
	if notFound(err) {
		return false, nil
	}
	return false, persistence("check membership", err)
}

func (s *Store) GroupMembers(ctx context.Context, groupID string) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&participantRecord{}).
		Where("conversation_id = ?", groupID).
		Order("user_id").
		Pluck("user_id", &ids).Error
	if err != nil {
		return nil, persistence("list members", err)
	}
	return ids, nil
}

func (s *Store) Participants(ctx context.Context, groupID string) ([]models.Participant, error) {
	var recs []participantRecord
	err := s.db.WithContext(ctx).
		Where("conversation_id = ?", groupID).
		Order("joined_at").Order("user_id").
		Find(&recs).Error
	if err != nil {
		return nil, persistence("list participants", err)
	}
	out := make([]models.Participant, len(recs))
	for i, r := range recs {
		out[i] = r.toModel()
	}
	return out, nil
}

func (s *Store) IsLead(ctx context.Context, groupID, userID string) (bool, error) {
	p, err := s.participant(s.db.WithContext(ctx), groupID, userID)
	if notFound(err) {
		return false, nil
	}
	if err != nil {
		return false, persistence("check lead", err)
	}
	return p.Role == string(models.RoleLead), nil
}

// participant only finds members of groups that were not deleted.
func (s *Store) participant(db *gorm.DB, groupID, userID string) (participantRecord, error) {
	var p participantRecord
	err := db.Joins("JOIN conversations ON conversations.id = participants.conversation_id AND conversations.deleted_at IS NULL").
		Where("participants.conversation_id = ? AND participants.user_id = ?", groupID, userID).
		First(&p).Error
	return p, err
}

// HasAccess reports whether the user may act in the conversation: friends for
// FRIEND chats, participants for GROUP chats.
func (s *Store) HasAccess(ctx context.Context, userID, conversationID string, kind models.ConversationKind) (bool, error) {
	switch kind {
	case models.ConversationFriend:
		var n int64
		err := s.db.WithContext(ctx).Model(&friendshipRecord{}).
			Where("user_id = ? AND friend_id = ?", userID, conversationID).
			Count(&n).Error
		if err != nil {
			return false, persistence("check friendship", err)
		}
		return n > 0, nil
	case models.ConversationGroup:
		return s.IsMember(ctx, userID, conversationID)
	}
	return false, fmt.Errorf("%w: unknown conversation kind %q", models.ErrValidation, kind)
}

// Leave removes a participant from a group. When the last LEAD leaves and
// others remain, the earliest-joined remaining participant becomes LEAD. A
// group left empty is soft-deleted.
func (s *Store) Leave(ctx context.Context, groupID, userID string) (models.LeaveResult, error) {
	var res models.LeaveResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		p, err := s.participant(tx, groupID, userID)
		if notFound(err) {
			return fmt.Errorf("%s is not a member of %s: %w", userID, groupID, models.ErrNotFound)
		}
		if err != nil {
			return persistence("load participant", err)
		}

		if err := tx.Delete(&participantRecord{}, "conversation_id = ? AND user_id = ?", groupID, userID).Error; err != nil {
			return persistence("remove participant", err)
		}

		var remaining []participantRecord
		if err := tx.Where("conversation_id = ?", groupID).
			Order("joined_at").Order("user_id").
			Find(&remaining).Error; err != nil {
			return persistence("list participants", err)
		}

		if len(remaining) == 0 {
			if err := tx.Delete(&conversationRecord{ID: groupID}).Error; err != nil {
				return persistence("delete conversation", err)
			}
			res.Deleted = true
			return nil
		}

		if p.Role != string(models.RoleLead) {
			return nil
		}
		for _, r := range remaining {
			if r.Role == string(models.RoleLead) {
				return nil
			}
		}
		heir := remaining[0]
		if err := tx.Model(&participantRecord{}).
			Where("conversation_id = ? AND user_id = ?", groupID, heir.UserID).
			Update("role", string(models.RoleLead)).Error; err != nil {
			return persistence("transfer leadership", err)
		}
		res.NewLead = heir.UserID
		return nil
	})
	return res, err
}

func (s *Store) Conversation(ctx context.Context, id string) (models.Conversation, error) {
	var rec conversationRecord
	err := s.db.WithContext(ctx).Unscoped().First(&rec, "id = ?", id).Error
	if notFound(err) {
		return models.Conversation{}, fmt.Errorf("conversation %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return models.Conversation{}, persistence("get conversation", err)
	}
	c := models.Conversation{
		ID:           rec.ID,
		Kind:         models.ConversationKind(rec.Kind),
		Name:         rec.Name,
		LastActivity: rec.LastActivity,
	}
	if rec.DeletedAt.Valid {
		t := rec.DeletedAt.Time
		c.DeletedAt = &t
	}
	return c, nil
}

// TouchConversation bumps last activity. Friend conversations are keyed by
// their room id and created on first touch.
func (s *Store) TouchConversation(ctx context.Context, kind models.ConversationKind, roomID string, at time.Time) error {
	db := s.db.WithContext(ctx)
	if kind == models.ConversationGroup {
		groupID, ok := rooms.GroupID(roomID)
		if !ok {
			return fmt.Errorf("%w: %q is not a group room", models.ErrValidation, roomID)
		}
		if err := db.Model(&conversationRecord{}).Where("id = ?", groupID).
			Update("last_activity", at).Error; err != nil {
			return persistence("touch conversation", err)
		}
		return nil
	}

	rec := conversationRecord{ID: roomID, Kind: string(models.ConversationFriend), LastActivity: at}
	err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_activity"}),
	}).Create(&rec).Error
	if err != nil {
		return persistence("touch conversation", err)
	}
	return nil
}

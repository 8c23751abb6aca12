package storage

import (
	"context"
	"errors"
	"fmt"

	"chatcore/internal/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	DefaultPageLimit = 50
	MaxPageLimit     = 200
)

var deliveryRank = map[models.DeliveryStatus]int{
	models.DeliverySent:      0,
	models.DeliveryDelivered: 1,
	models.DeliveryRead:      2,
}

// CreateMessage persists a message with its attachments. A message whose guid
// already exists in the room is returned as is with created set to false.
func (s *Store) CreateMessage(ctx context.Context, msg models.Message) (models.Message, bool, error) {
	if msg.RoomID == "" || msg.SenderID == "" {
		return models.Message{}, false, fmt.Errorf("%w: message needs a room and a sender", models.ErrValidation)
	}
	if msg.GUID != "" {
		existing, err := s.messageByGUID(ctx, msg.RoomID, msg.GUID)
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, models.ErrNotFound) {
			return models.Message{}, false, err
		}
	}

	now := s.now()
	msg.ID = uuid.NewString()
	if msg.Status == "" {
		msg.Status = models.DeliverySent
	}
	if msg.MessageKind == "" {
		msg.MessageKind = models.MessageKindText
	}
	msg.CreatedAt = now
	msg.UpdatedAt = now

	rec := toMessageRecord(msg)
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) && msg.GUID != "" {
			// lost a race against a concurrent delivery of the same event
			existing, gerr := s.messageByGUID(ctx, msg.RoomID, msg.GUID)
			if gerr == nil {
				return existing, false, nil
			}
		}
		return models.Message{}, false, persistence("create message", err)
	}
	return rec.toModel(), true, nil
}

// messageByGUID includes soft-deleted messages so a deleted message is not
// resurrected by a late redelivery.
func (s *Store) messageByGUID(ctx context.Context, roomID, guid string) (models.Message, error) {
	var rec messageRecord
	err := s.db.WithContext(ctx).Unscoped().
		Preload("Attachments", func(db *gorm.DB) *gorm.DB { return db.Order("position") }).
		Where("room_id = ? AND guid = ?", roomID, guid).
		First(&rec).Error
	if notFound(err) {
		return models.Message{}, fmt.Errorf("message %s/%s: %w", roomID, guid, models.ErrNotFound)
	}
	if err != nil {
		return models.Message{}, persistence("find message", err)
	}
	return rec.toModel(), nil
}

func (s *Store) GetMessage(ctx context.Context, id string) (models.Message, error) {
	var rec messageRecord
	err := s.db.WithContext(ctx).
		Preload("Attachments", func(db *gorm.DB) *gorm.DB { return db.Order("position") }).
		First(&rec, "id = ?", id).Error
	if notFound(err) {
		return models.Message{}, fmt.Errorf("message %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return models.Message{}, persistence("get message", err)
	}
	return rec.toModel(), nil
}

// SoftDeleteMessage deletes a message on behalf of its sender or a LEAD of
// its group.
func (s *Store) SoftDeleteMessage(ctx context.Context, id, byUser string) (models.Message, error) {
	msg, err := s.GetMessage(ctx, id)
	if err != nil {
		return models.Message{}, err
	}
	if msg.SenderID != byUser {
		lead := false
		if msg.Kind == models.ConversationGroup {
			if lead, err = s.IsLead(ctx, msg.ConversationID, byUser); err != nil {
				return models.Message{}, err
			}
		}
		if !lead {
			return models.Message{}, fmt.Errorf("%w: only the sender or a group lead can delete a message", models.ErrAuthorization)
		}
	}

	if err := s.db.WithContext(ctx).Delete(&messageRecord{ID: id}).Error; err != nil {
		return models.Message{}, persistence("delete message", err)
	}
	now := s.now()
	msg.DeletedAt = &now
	return msg, nil
}

// UpdateMessage applies a patch. Delivery status never moves backwards.
func (s *Store) UpdateMessage(ctx context.Context, id string, patch models.MessagePatch) (models.Message, error) {
	var msg models.Message
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec messageRecord
		if err := tx.First(&rec, "id = ?", id).Error; err != nil {
			if notFound(err) {
				return fmt.Errorf("message %s: %w", id, models.ErrNotFound)
			}
			return persistence("load message", err)
		}

		updates := map[string]any{"updated_at": s.now()}
		if patch.Content != nil {
			updates["content"] = *patch.Content
		}
		if patch.Status != nil && deliveryRank[*patch.Status] > deliveryRank[models.DeliveryStatus(rec.Status)] {
			updates["status"] = string(*patch.Status)
		}
		if patch.Call != nil {
			updates["call_type"] = string(patch.Call.Type)
			updates["call_status"] = string(patch.Call.Status)
			updates["call_answered_at"] = patch.Call.AnsweredAt
			updates["call_duration"] = patch.Call.Duration
		}
		if err := tx.Model(&rec).Updates(updates).Error; err != nil {
			return persistence("update message", err)
		}

		if err := tx.Preload("Attachments", func(db *gorm.DB) *gorm.DB { return db.Order("position") }).
			First(&rec, "id = ?", id).Error; err != nil {
			return persistence("reload message", err)
		}
		msg = rec.toModel()
		return nil
	})
	return msg, err
}

// ListMessages returns a page of a room's history, newest first.
func (s *Store) ListMessages(ctx context.Context, roomID string, page models.Page) ([]models.Message, error) {
	limit := page.Limit
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	limit = min(limit, MaxPageLimit)

	q := s.db.WithContext(ctx).
		Preload("Attachments", func(db *gorm.DB) *gorm.DB { return db.Order("position") }).
		Where("room_id = ?", roomID)
	if !page.Before.IsZero() {
		q = q.Where("created_at < ?", page.Before)
	}

	var recs []messageRecord
	if err := q.Order("created_at DESC").Order("id").Limit(limit).Find(&recs).Error; err != nil {
		return nil, persistence("list messages", err)
	}
	out := make([]models.Message, len(recs))
	for i, r := range recs {
		out[i] = r.toModel()
	}
	return out, nil
}

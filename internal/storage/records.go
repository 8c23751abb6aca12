package storage

import (
	"time"

	"chatcore/internal/models"

	"gorm.io/gorm"
)

type conversationRecord struct {
	ID           string `gorm:"primaryKey;size:160"`
	Kind         string `gorm:"size:8;not null"`
	Name         string `gorm:"size:128"`
	LastActivity time.Time
	CreatedAt    time.Time
	DeletedAt    gorm.DeletedAt `gorm:"index"`
}

func (conversationRecord) TableName() string { return "conversations" }

type participantRecord struct {
	ConversationID string `gorm:"primaryKey;size:160"`
	UserID         string `gorm:"primaryKey;size:64;index"`
	Role           string `gorm:"size:8;not null"`
	Verified       bool
	JoinedAt       time.Time `gorm:"not null"`
}

func (participantRecord) TableName() string { return "participants" }

// friendshipRecord is stored once per direction.
type friendshipRecord struct {
	UserID    string `gorm:"primaryKey;size:64"`
	FriendID  string `gorm:"primaryKey;size:64"`
	CreatedAt time.Time
}

func (friendshipRecord) TableName() string { return "friendships" }

// messageRecord is unique on (room_id, guid). Messages without a guid store
// NULL, which never collides.
type messageRecord struct {
	ID             string  `gorm:"primaryKey;size:36"`
	GUID           *string `gorm:"size:64;uniqueIndex:idx_messages_room_guid"`
	RoomID         string  `gorm:"size:160;not null;uniqueIndex:idx_messages_room_guid;index:idx_messages_room_created"`
	ConversationID string  `gorm:"size:64;not null"`
	Kind           string  `gorm:"size:8;not null"`
	SenderID       string  `gorm:"size:64;not null;index"`
	MessageKind    string  `gorm:"size:8;not null"`
	Content        string  `gorm:"type:text"`
	CallType       string  `gorm:"size:8"`
	CallStatus     string  `gorm:"size:10"`
	CallAnsweredAt *time.Time
	CallDuration   int64
	Status         string    `gorm:"size:10;not null"`
	CreatedAt      time.Time `gorm:"index:idx_messages_room_created"`
	UpdatedAt      time.Time
	DeletedAt      gorm.DeletedAt     `gorm:"index"`
	Attachments    []attachmentRecord `gorm:"foreignKey:MessageID;constraint:OnDelete:CASCADE"`
}

func (messageRecord) TableName() string { return "messages" }

type attachmentRecord struct {
	ID           uint   `gorm:"primaryKey"`
	MessageID    string `gorm:"size:36;not null;index"`
	Position     int    `gorm:"not null"`
	FileURL      string `gorm:"not null"`
	ThumbnailURL string
	Name         string
	MimeType     string `gorm:"size:128"`
}

func (attachmentRecord) TableName() string { return "attachments" }

func toMessageRecord(m models.Message) messageRecord {
	r := messageRecord{
		ID:             m.ID,
		RoomID:         m.RoomID,
		ConversationID: m.ConversationID,
		Kind:           string(m.Kind),
		SenderID:       m.SenderID,
		MessageKind:    string(m.MessageKind),
		Content:        m.Content,
		Status:         string(m.Status),
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
	if m.GUID != "" {
		guid := m.GUID
		r.GUID = &guid
	}
	if m.Call != nil {
		r.CallType = string(m.Call.Type)
		r.CallStatus = string(m.Call.Status)
		r.CallAnsweredAt = m.Call.AnsweredAt
		r.CallDuration = m.Call.Duration
	}
	for i, a := range m.Attachments {
		r.Attachments = append(r.Attachments, attachmentRecord{
			MessageID:    m.ID,
			Position:     i,
			FileURL:      a.FileURL,
			ThumbnailURL: a.ThumbnailURL,
			Name:         a.Name,
			MimeType:     a.MimeType,
		})
	}
	return r
}

func (r messageRecord) toModel() models.Message {
	m := models.Message{
		ID:             r.ID,
		ConversationID: r.ConversationID,
		Kind:           models.ConversationKind(r.Kind),
		RoomID:         r.RoomID,
		SenderID:       r.SenderID,
		MessageKind:    models.MessageKind(r.MessageKind),
		Content:        r.Content,
		Status:         models.DeliveryStatus(r.Status),
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
	if r.GUID != nil {
		m.GUID = *r.GUID
	}
	if r.DeletedAt.Valid {
		t := r.DeletedAt.Time
		m.DeletedAt = &t
	}
	if r.MessageKind == string(models.MessageKindCall) {
		m.Call = &models.CallInfo{
			Type:       models.CallType(r.CallType),
			Status:     models.CallStatus(r.CallStatus),
			AnsweredAt: r.CallAnsweredAt,
			Duration:   r.CallDuration,
		}
	}
	for _, a := range r.Attachments {
		m.Attachments = append(m.Attachments, models.Attachment{
			FileURL:      a.FileURL,
			ThumbnailURL: a.ThumbnailURL,
			Name:         a.Name,
			MimeType:     a.MimeType,
		})
	}
	return m
}

func (r participantRecord) toModel() models.Participant {
	return models.Participant{
		ConversationID: r.ConversationID,
		UserID:         r.UserID,
		Role:           models.ParticipantRole(r.Role),
		Verified:       r.Verified,
		JoinedAt:       r.JoinedAt,
	}
}

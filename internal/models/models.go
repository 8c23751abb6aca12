package models

import "time"

// ConversationKind tells pairwise chats from multi-party ones.
type ConversationKind string

const (
	ConversationFriend ConversationKind = "FRIEND"
	ConversationGroup  ConversationKind = "GROUP"
)

func (k ConversationKind) Valid() bool {
	return k == ConversationFriend || k == ConversationGroup
}

type MessageKind string

const (
	MessageKindText MessageKind = "TEXT"
	MessageKindCall MessageKind = "CALL"
)

// DeliveryStatus of a message. Transitions only move forward.
type DeliveryStatus string

const (
	DeliverySent      DeliveryStatus = "SENT"
	DeliveryDelivered DeliveryStatus = "DELIVERED"
	DeliveryRead      DeliveryStatus = "READ"
)

type CallType string

const (
	CallAudio CallType = "audio"
	CallVideo CallType = "video"
)

type CallStatus string

const (
	CallRinging  CallStatus = "RINGING"
	CallAnswered CallStatus = "ANSWERED"
	CallRefused  CallStatus = "REFUSED"
	CallEnded    CallStatus = "ENDED"
)

// CallInfo is attached to messages of kind CALL.
type CallInfo struct {
	Type       CallType   `json:"type"`
	Status     CallStatus `json:"status"`
	AnsweredAt *time.Time `json:"answeredAt,omitempty"`
	Duration   int64      `json:"duration,omitempty"` // seconds
}

// Message is immutable once created except for soft delete, content edits by
// the sender and status transitions.
type Message struct {
	ID             string           `json:"id"`
	GUID           string           `json:"guid,omitempty"`
	ConversationID string           `json:"conversationId"`
	Kind           ConversationKind `json:"conversationKind"`
	RoomID         string           `json:"roomId"`
	SenderID       string           `json:"senderId"`
	MessageKind    MessageKind      `json:"kind"`
	Content        string           `json:"content"`
	Call           *CallInfo        `json:"call,omitempty"`
	Status         DeliveryStatus   `json:"status"`
	CreatedAt      time.Time        `json:"createdAt"`
	UpdatedAt      time.Time        `json:"updatedAt"`
	DeletedAt      *time.Time       `json:"deletedAt,omitempty"`
	Attachments    []Attachment     `json:"attachments,omitempty"`
}

// Attachment belongs to exactly one message.
type Attachment struct {
	FileURL      string `json:"fileUrl"`
	ThumbnailURL string `json:"thumbnailUrl,omitempty"`
	Name         string `json:"name,omitempty"`
	MimeType     string `json:"mimeType,omitempty"`
}

// MessagePatch carries the mutable parts of a message. Nil fields are left as is.
type MessagePatch struct {
	Content *string
	Status  *DeliveryStatus
	Call    *CallInfo
}

type ParticipantRole string

const (
	RoleLead   ParticipantRole = "LEAD"
	RoleMember ParticipantRole = "MEMBER"
)

type Participant struct {
	ConversationID string          `json:"conversationId"`
	UserID         string          `json:"userId"`
	Role           ParticipantRole `json:"role"`
	Verified       bool            `json:"verified"`
	JoinedAt       time.Time       `json:"joinedAt"`
}

type Conversation struct {
	ID           string           `json:"id"`
	Kind         ConversationKind `json:"kind"`
	Name         string           `json:"name,omitempty"`
	LastActivity time.Time        `json:"lastActivity"`
	DeletedAt    *time.Time       `json:"deletedAt,omitempty"`
}

// LeaveResult describes what happened to a conversation after a participant left.
type LeaveResult struct {
	NewLead string `json:"newLead,omitempty"`
	Deleted bool   `json:"deleted"`
}

type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusAway    PresenceStatus = "away"
	StatusBusy    PresenceStatus = "busy"
	StatusOffline PresenceStatus = "offline"
)

func (s PresenceStatus) Valid() bool {
	switch s {
	case StatusOnline, StatusAway, StatusBusy, StatusOffline:
		return true
	}
	return false
}

// UserPresence lives only in the cache.
type UserPresence struct {
	UserID   string         `json:"userId"`
	Status   PresenceStatus `json:"status"`
	LastSeen int64          `json:"lastSeen"` // Unix timestamp (seconds)
	Sockets  []string       `json:"sockets,omitempty"`
	Activity string         `json:"activity,omitempty"`
}

// RoomInfo is the cache-resident view of a room.
type RoomInfo struct {
	ID           string           `json:"id"`
	Kind         ConversationKind `json:"kind"`
	LastActivity int64            `json:"lastActivity"`
	MemberCount  int64            `json:"memberCount"`
}

// BroadcastTargets is what the cache resolves before any emission.
type BroadcastTargets struct {
	TargetUsers []string `json:"targetUsers"`
	RoomID      string   `json:"roomId"`
	OnlineCount int      `json:"onlineCount"`
	// Degraded is set when the cache was unreachable and targets come from a
	// direct lookup with presence unknown.
	Degraded bool `json:"degraded,omitempty"`
}

// Identity is the decoded bearer credential.
type Identity struct {
	ID   string `json:"id"`
	Role string `json:"role"`
}

// Page selects a window of a conversation history, newest first.
type Page struct {
	Before time.Time
	Limit  int
}

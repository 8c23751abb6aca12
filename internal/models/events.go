package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// EventType names an inbound client event. It doubles as the broker event type.
type EventType string

const (
	EventConnect        EventType = "connect"
	EventSendMessage    EventType = "sendMessage"
	EventDeleteMessage  EventType = "deleteMessage"
	EventUpdateMessage  EventType = "updateMessage"
	EventCallRequest    EventType = "callRequest"
	EventCallAnswer     EventType = "callAnswer"
	EventCallRefuse     EventType = "callRefuse"
	EventCallClose      EventType = "callClose"
	EventTyping         EventType = "typing"
	EventMessageRead    EventType = "messageRead"
	EventJoinGroup      EventType = "joinGroup"
	EventLeaveGroup     EventType = "leaveGroup"
	EventPresence       EventType = "presence"
	EventGetOnlineUsers EventType = "getOnlineUsers"
	EventPing           EventType = "ping"
)

// Synchronous reports whether the event is a time-critical response that the
// gateway handles in-process instead of queueing.
func (t EventType) Synchronous() bool {
	switch t {
	case EventCallAnswer, EventCallRefuse, EventCallClose, EventMessageRead:
		return true
	}
	return false
}

// ServerEvent names an outbound event.
type ServerEvent string

const (
	ServerConnected       ServerEvent = "connected"
	ServerMessageArrived  ServerEvent = "messageArrived"
	ServerMessageDeleted  ServerEvent = "messageDeleted"
	ServerMessageUpdated  ServerEvent = "messageUpdated"
	ServerMessageRead     ServerEvent = "messageRead"
	ServerCallRequest     ServerEvent = "callRequest"
	ServerCallAnswer      ServerEvent = "callAnswer"
	ServerCallRefuse      ServerEvent = "callRefuse"
	ServerCallClose       ServerEvent = "callClose"
	ServerPeerUnavailable ServerEvent = "peerUnavailable"
	ServerTyping          ServerEvent = "typing"
	ServerPresenceUpdate  ServerEvent = "presenceUpdate"
	ServerOnlineUsersList ServerEvent = "onlineUsersList"
	ServerOnlineFriends   ServerEvent = "onlineFriends"
	ServerUserJoinedGroup ServerEvent = "userJoinedGroup"
	ServerUserLeftGroup   ServerEvent = "userLeftGroup"
	ServerPong            ServerEvent = "pong"
)

// ErrorEvent is the "<event>Error" variant reported back for a failed inbound event.
func ErrorEvent(t EventType) ServerEvent {
	return ServerEvent(string(t) + "Error")
}

// ClientMessage is a frame sent from the client to the server.
type ClientMessage struct {
	Event EventType       `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ServerMessage is a frame sent to the client.
type ServerMessage struct {
	Event ServerEvent `json:"event"`
	Data  any         `json:"data,omitempty"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

// QueuedEvent is the broker envelope.
type QueuedEvent struct {
	ID         string          `json:"id"`
	Type       EventType       `json:"type"`
	UserID     string          `json:"userId"`
	SocketID   string          `json:"socketId"`
	Payload    json.RawMessage `json:"payload"`
	Priority   uint8           `json:"priority"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
	Retries    int             `json:"retries"`
}

// Inbound is the decoded form of a client event: one variant per event name.
type Inbound interface {
	EventType() EventType
	Validate() error
}

// Target identifies the conversation an event belongs to. For FRIEND chats
// ConversationID is the other user's id.
type Target struct {
	ConversationID string           `json:"conversationId"`
	Kind           ConversationKind `json:"kind,omitempty"`
}

func (t *Target) validate() error {
	if t.Kind == "" {
		t.Kind = ConversationFriend
	}
	if !t.Kind.Valid() {
		return fmt.Errorf("%w: unknown conversation kind %q", ErrValidation, t.Kind)
	}
	if strings.TrimSpace(t.ConversationID) == "" {
		return fmt.Errorf("%w: conversationId is required", ErrValidation)
	}
	return nil
}

type Connect struct {
	Token string `json:"token,omitempty"`
}

type SendMessage struct {
	Target
	GUID        string       `json:"guid,omitempty"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

type DeleteMessage struct {
	Target
	MessageID string `json:"messageId"`
}

type UpdateMessage struct {
	Target
	MessageID string `json:"messageId"`
	Content   string `json:"content"`
}

type CallRequest struct {
	Target
	GUID     string   `json:"guid,omitempty"`
	CallType CallType `json:"callType"`
}

// CallSignal is the shared shape of call responses.
type CallSignal struct {
	Target
	MessageID string `json:"messageId"`
}

type (
	CallAnswer CallSignal
	CallRefuse CallSignal
	CallClose  CallSignal
)

type Typing struct {
	Target
	IsTyping bool `json:"isTyping"`
}

type MessageRead struct {
	Target
	MessageID string `json:"messageId"`
}

type JoinGroup struct {
	GroupID string `json:"groupId"`
}

type LeaveGroup struct {
	GroupID string `json:"groupId"`
}

type Presence struct {
	Status   PresenceStatus `json:"status"`
	Activity string         `json:"activity,omitempty"`
}

type GetOnlineUsers struct{}

type Ping struct{}

func (*Connect) EventType() EventType        { return EventConnect }
func (*SendMessage) EventType() EventType    { return EventSendMessage }
func (*DeleteMessage) EventType() EventType  { return EventDeleteMessage }
func (*UpdateMessage) EventType() EventType  { return EventUpdateMessage }
func (*CallRequest) EventType() EventType    { return EventCallRequest }
func (*CallAnswer) EventType() EventType     { return EventCallAnswer }
func (*CallRefuse) EventType() EventType     { return EventCallRefuse }
func (*CallClose) EventType() EventType      { return EventCallClose }
func (*Typing) EventType() EventType         { return EventTyping }
func (*MessageRead) EventType() EventType    { return EventMessageRead }
func (*JoinGroup) EventType() EventType      { return EventJoinGroup }
func (*LeaveGroup) EventType() EventType     { return EventLeaveGroup }
func (*Presence) EventType() EventType       { return EventPresence }
func (*GetOnlineUsers) EventType() EventType { return EventGetOnlineUsers }
func (*Ping) EventType() EventType           { return EventPing }

func (*Connect) Validate() error { return nil }

func (m *SendMessage) Validate() error {
	if err := m.Target.validate(); err != nil {
		return err
	}
	if strings.TrimSpace(m.Content) == "" && len(m.Attachments) == 0 {
		return fmt.Errorf("%w: message is empty", ErrValidation)
	}
	for _, a := range m.Attachments {
		if a.FileURL == "" {
			return fmt.Errorf("%w: attachment fileUrl is required", ErrValidation)
		}
	}
	return nil
}

func (m *DeleteMessage) Validate() error {
	return validateMessageRef(&m.Target, m.MessageID)
}

func (m *UpdateMessage) Validate() error {
	if err := validateMessageRef(&m.Target, m.MessageID); err != nil {
		return err
	}
	if strings.TrimSpace(m.Content) == "" {
		return fmt.Errorf("%w: content is required", ErrValidation)
	}
	return nil
}

func (m *CallRequest) Validate() error {
	if err := m.Target.validate(); err != nil {
		return err
	}
	switch m.CallType {
	case "":
		m.CallType = CallAudio
	case CallAudio, CallVideo:
	default:
		return fmt.Errorf("%w: unknown call type %q", ErrValidation, m.CallType)
	}
	return nil
}

func (m *CallAnswer) Validate() error  { return validateMessageRef(&m.Target, m.MessageID) }
func (m *CallRefuse) Validate() error  { return validateMessageRef(&m.Target, m.MessageID) }
func (m *CallClose) Validate() error   { return validateMessageRef(&m.Target, m.MessageID) }
func (m *Typing) Validate() error      { return m.Target.validate() }
func (m *MessageRead) Validate() error { return validateMessageRef(&m.Target, m.MessageID) }

func (m *JoinGroup) Validate() error {
	if strings.TrimSpace(m.GroupID) == "" {
		return fmt.Errorf("%w: groupId is required", ErrValidation)
	}
	return nil
}

func (m *LeaveGroup) Validate() error {
	if strings.TrimSpace(m.GroupID) == "" {
		return fmt.Errorf("%w: groupId is required", ErrValidation)
	}
	return nil
}

func (m *Presence) Validate() error {
	if !m.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrValidation, m.Status)
	}
	return nil
}

func (*GetOnlineUsers) Validate() error { return nil }
func (*Ping) Validate() error           { return nil }

func validateMessageRef(t *Target, messageID string) error {
	if err := t.validate(); err != nil {
		return err
	}
	if strings.TrimSpace(messageID) == "" {
		return fmt.Errorf("%w: messageId is required", ErrValidation)
	}
	return nil
}

// Decode turns a named payload into its typed variant and validates it.
func Decode(t EventType, data json.RawMessage) (Inbound, error) {
	var in Inbound
	switch t {
	case EventConnect:
		in = &Connect{}
	case EventSendMessage:
		in = &SendMessage{}
	case EventDeleteMessage:
		in = &DeleteMessage{}
	case EventUpdateMessage:
		in = &UpdateMessage{}
	case EventCallRequest:
		in = &CallRequest{}
	case EventCallAnswer:
		in = &CallAnswer{}
	case EventCallRefuse:
		in = &CallRefuse{}
	case EventCallClose:
		in = &CallClose{}
	case EventTyping:
		in = &Typing{}
	case EventMessageRead:
		in = &MessageRead{}
	case EventJoinGroup:
		in = &JoinGroup{}
	case EventLeaveGroup:
		in = &LeaveGroup{}
	case EventPresence:
		in = &Presence{}
	case EventGetOnlineUsers:
		in = &GetOnlineUsers{}
	case EventPing:
		in = &Ping{}
	default:
		return nil, fmt.Errorf("%w: unknown event %q", ErrValidation, t)
	}

	if len(data) > 0 && string(data) != "null" {
		if err := json.Unmarshal(data, in); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrValidation, t, err)
		}
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}
	return in, nil
}

// Outbound payloads.

type MessageDeleted struct {
	MessageID      string           `json:"messageId"`
	ConversationID string           `json:"conversationId"`
	Kind           ConversationKind `json:"kind"`
	RoomID         string           `json:"roomId"`
	DeletedBy      string           `json:"deletedBy"`
}

type MessageReadReceipt struct {
	MessageID string `json:"messageId"`
	RoomID    string `json:"roomId"`
	ReaderID  string `json:"readerId"`
}

type CallEvent struct {
	From    string  `json:"from"`
	Message Message `json:"message"`
}

type PeerUnavailable struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId,omitempty"`
}

type TypingUpdate struct {
	UserID         string           `json:"userId"`
	ConversationID string           `json:"conversationId"`
	Kind           ConversationKind `json:"kind"`
	RoomID         string           `json:"roomId"`
	IsTyping       bool             `json:"isTyping"`
}

type PresenceUpdate struct {
	UserID   string         `json:"userId"`
	Status   PresenceStatus `json:"status"`
	LastSeen int64          `json:"lastSeen"`
	Activity string         `json:"activity,omitempty"`
}

type OnlineUsers struct {
	Users []string `json:"users"`
}

type GroupMembership struct {
	GroupID string `json:"groupId"`
	UserID  string `json:"userId"`
	NewLead string `json:"newLead,omitempty"`
}

type Connected struct {
	SocketID string `json:"socketId"`
	UserID   string `json:"userId"`
}

type Pong struct {
	Timestamp int64 `json:"timestamp"`
}

package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"chatcore/internal/models"
	"chatcore/internal/rooms"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(DriverSQLite, filepath.Join(t.TempDir(), "chat.db"), false, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	// distinct, increasing timestamps so join order is unambiguous
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	var tick int
	s.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	return s
}

func TestCreateMessage_IdempotentOnGUID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	msg := models.Message{
		GUID:           "g1",
		ConversationID: "bob",
		Kind:           models.ConversationFriend,
		RoomID:         rooms.Friend("alice", "bob"),
		SenderID:       "alice",
		Content:        "hi",
		Attachments: []models.Attachment{
			{FileURL: "https://cdn.example/a.png", Name: "a.png", MimeType: "image/png"},
			{FileURL: "https://cdn.example/b.png"},
		},
	}

	first, created, err := s.CreateMessage(ctx, msg)
	require.NoError(t, err)
	require.True(t, created)
	require.NotEmpty(t, first.ID)
	require.Equal(t, models.DeliverySent, first.Status)
	require.Equal(t, models.MessageKindText, first.MessageKind)

	again, created, err := s.CreateMessage(ctx, msg)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, first.ID, again.ID)
	require.Len(t, again.Attachments, 2)
	require.Equal(t, "https://cdn.example/a.png", again.Attachments[0].FileURL)

	history, err := s.ListMessages(ctx, msg.RoomID, models.Page{})
	require.NoError(t, err)
	require.Len(t, history, 1)

	// the same guid in another room is a different message
	other := msg
	other.RoomID = rooms.Friend("alice", "carol")
	other.ConversationID = "carol"
	_, created, err = s.CreateMessage(ctx, other)
	require.NoError(t, err)
	require.True(t, created)

	// messages without guid never collide
	plain := msg
	plain.GUID = ""
	_, created, err = s.CreateMessage(ctx, plain)
	require.NoError(t, err)
	require.True(t, created)
	_, created, err = s.CreateMessage(ctx, plain)
	require.NoError(t, err)
	require.True(t, created)
}

func TestCreateMessage_DeletedGUIDNotResurrected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	msg := models.Message{GUID: "g1", ConversationID: "bob", Kind: models.ConversationFriend,
		RoomID: rooms.Friend("alice", "bob"), SenderID: "alice", Content: "oops"}
	created, _, err := s.CreateMessage(ctx, msg)
	require.NoError(t, err)

	_, err = s.SoftDeleteMessage(ctx, created.ID, "alice")
	require.NoError(t, err)

	again, ok, err := s.CreateMessage(ctx, msg)
	require.NoError(t, err)
	require.False(t, ok)
	require.NotNil(t, again.DeletedAt)

	_, err = s.GetMessage(ctx, created.ID)
	require.ErrorIs(t, err, models.ErrNotFound)
}

func TestSoftDeleteMessage_Authorization(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateGroup(ctx, "g1", "team", "lead"))
	require.NoError(t, s.AddParticipant(ctx, "g1", "alice", models.RoleMember))
	require.NoError(t, s.AddParticipant(ctx, "g1", "bob", models.RoleMember))

	post := func(sender string) models.Message {
		m, _, err := s.CreateMessage(ctx, models.Message{ConversationID: "g1", Kind: models.ConversationGroup,
			RoomID: rooms.Group("g1"), SenderID: sender, Content: "hello"})
		require.NoError(t, err)
		return m
	}

	m := post("alice")
	_, err := s.SoftDeleteMessage(ctx, m.ID, "bob")
	require.ErrorIs(t, err, models.ErrAuthorization)

	deleted, err := s.SoftDeleteMessage(ctx, m.ID, "lead")
	require.NoError(t, err)
	require.NotNil(t, deleted.DeletedAt)

	_, err = s.SoftDeleteMessage(ctx, m.ID, "lead")
	require.ErrorIs(t, err, models.ErrNotFound)

	m = post("bob")
	_, err = s.SoftDeleteMessage(ctx, m.ID, "bob")
	require.NoError(t, err)
}

func TestUpdateMessage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m, _, err := s.CreateMessage(ctx, models.Message{ConversationID: "bob", Kind: models.ConversationFriend,
		RoomID: rooms.Friend("alice", "bob"), SenderID: "alice", Content: "helo"})
	require.NoError(t, err)

	content := "hello"
	read := models.DeliveryRead
	updated, err := s.UpdateMessage(ctx, m.ID, models.MessagePatch{Content: &content, Status: &read})
	require.NoError(t, err)
	require.Equal(t, "hello", updated.Content)
	require.Equal(t, models.DeliveryRead, updated.Status)

	delivered := models.DeliveryDelivered
	updated, err = s.UpdateMessage(ctx, m.ID, models.MessagePatch{Status: &delivered})
	require.NoError(t, err)
	require.Equal(t, models.DeliveryRead, updated.Status, "status must not move backwards")

	_, err = s.UpdateMessage(ctx, "missing", models.MessagePatch{Content: &content})
	require.ErrorIs(t, err, models.ErrNotFound)
}

func TestCallMessage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m, _, err := s.CreateMessage(ctx, models.Message{ConversationID: "bob", Kind: models.ConversationFriend,
		RoomID: rooms.Friend("alice", "bob"), SenderID: "alice", MessageKind: models.MessageKindCall,
		Call: &models.CallInfo{Type: models.CallVideo, Status: models.CallRinging}})
	require.NoError(t, err)
	require.Equal(t, models.CallRinging, m.Call.Status)

	answered := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	m, err = s.UpdateMessage(ctx, m.ID, models.MessagePatch{Call: &models.CallInfo{
		Type: models.CallVideo, Status: models.CallEnded, AnsweredAt: &answered, Duration: 42,
	}})
	require.NoError(t, err)
	require.Equal(t, models.CallEnded, m.Call.Status)
	require.Equal(t, int64(42), m.Call.Duration)
	require.True(t, m.Call.AnsweredAt.Equal(answered))
}

func TestListMessages_Paging(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	room := rooms.Friend("alice", "bob")

	var ids []string
	for range 5 {
		m, _, err := s.CreateMessage(ctx, models.Message{ConversationID: "bob", Kind: models.ConversationFriend,
			RoomID: room, SenderID: "alice", Content: "x"})
		require.NoError(t, err)
		ids = append(ids, m.ID)
	}

	page, err := s.ListMessages(ctx, room, models.Page{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.Equal(t, ids[4], page[0].ID)
	require.Equal(t, ids[3], page[1].ID)

	page, err = s.ListMessages(ctx, room, models.Page{Before: page[1].CreatedAt, Limit: 10})
	require.NoError(t, err)
	require.Len(t, page, 3)
	require.Equal(t, ids[2], page[0].ID)
}

func TestRelationshipSource(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AddFriendship(ctx, "alice", "bob"))
	require.NoError(t, s.AddFriendship(ctx, "carol", "alice"))
	require.NoError(t, s.AddFriendship(ctx, "alice", "bob"))
	require.ErrorIs(t, s.AddFriendship(ctx, "alice", "alice"), models.ErrValidation)

	require.NoError(t, s.CreateGroup(ctx, "g1", "one", "alice"))
	require.NoError(t, s.CreateGroup(ctx, "g2", "two", "bob"))
	require.NoError(t, s.AddParticipant(ctx, "g2", "alice", models.RoleMember))
	require.NoError(t, s.AddParticipant(ctx, "g2", "alice", models.RoleMember))

	friends, err := s.FriendIDs(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, []string{"bob", "carol"}, friends)

	friends, err = s.FriendIDs(ctx, "bob")
	require.NoError(t, err)
	require.Equal(t, []string{"alice"}, friends)

	groups, err := s.GroupIDs(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, []string{"g1", "g2"}, groups)

	members, err := s.GroupMembers(ctx, "g2")
	require.NoError(t, err)
	require.Equal(t, []string{"alice", "bob"}, members)

	ok, err := s.IsMember(ctx, "carol", "g2")
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = s.HasAccess(ctx, "alice", "carol", models.ConversationFriend)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.HasAccess(ctx, "bob", "carol", models.ConversationFriend)
	require.NoError(t, err)
	require.False(t, ok)
	ok, err = s.HasAccess(ctx, "alice", "g2", models.ConversationGroup)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestLeave_TransfersLeadership(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateGroup(ctx, "g1", "trio", "lead"))
	require.NoError(t, s.AddParticipant(ctx, "g1", "zed", models.RoleMember))
	require.NoError(t, s.AddParticipant(ctx, "g1", "amy", models.RoleMember))

	res, err := s.Leave(ctx, "g1", "lead")
	require.NoError(t, err)
	require.Equal(t, "zed", res.NewLead, "earliest-joined remaining participant leads")
	require.False(t, res.Deleted)

	lead, err := s.IsLead(ctx, "g1", "zed")
	require.NoError(t, err)
	require.True(t, lead)

	res, err = s.Leave(ctx, "g1", "amy")
	require.NoError(t, err)
	require.Empty(t, res.NewLead)

	res, err = s.Leave(ctx, "g1", "zed")
	require.NoError(t, err)
	require.True(t, res.Deleted)

	conv, err := s.Conversation(ctx, "g1")
	require.NoError(t, err)
	require.NotNil(t, conv.DeletedAt)

	groups, err := s.GroupIDs(ctx, "zed")
	require.NoError(t, err)
	require.Empty(t, groups)

	_, err = s.Leave(ctx, "g1", "zed")
	require.ErrorIs(t, err, models.ErrNotFound)
}

func TestLeave_MemberLeavingKeepsLead(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateGroup(ctx, "g1", "pair", "lead"))
	require.NoError(t, s.AddParticipant(ctx, "g1", "amy", models.RoleMember))

	res, err := s.Leave(ctx, "g1", "amy")
	require.NoError(t, err)
	require.Equal(t, models.LeaveResult{}, res)

	parts, err := s.Participants(ctx, "g1")
	require.NoError(t, err)
	require.Len(t, parts, 1)
	require.Equal(t, models.RoleLead, parts[0].Role)
}

func TestTouchConversation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)

	room := rooms.Friend("alice", "bob")
	require.NoError(t, s.TouchConversation(ctx, models.ConversationFriend, room, at))
	require.NoError(t, s.TouchConversation(ctx, models.ConversationFriend, room, at.Add(time.Hour)))

	conv, err := s.Conversation(ctx, room)
	require.NoError(t, err)
	require.Equal(t, models.ConversationFriend, conv.Kind)
	require.True(t, conv.LastActivity.Equal(at.Add(time.Hour)))

	require.NoError(t, s.CreateGroup(ctx, "g1", "team", "alice"))
	require.NoError(t, s.TouchConversation(ctx, models.ConversationGroup, rooms.Group("g1"), at))
	conv, err = s.Conversation(ctx, "g1")
	require.NoError(t, err)
	require.True(t, conv.LastActivity.Equal(at))
}

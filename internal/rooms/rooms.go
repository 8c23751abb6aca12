// Package rooms maps conversations to canonical room identifiers.
//
// Room ids are deterministic so that any process can compute them without a
// lookup. FRIEND and GROUP rooms use disjoint prefixes and can never collide.
package rooms

import (
	"fmt"
	"strings"

	"chatcore/internal/models"
)

const (
	// Global is joined by every active connection.
	Global = "global"

	friendPrefix = "friend:"
	groupPrefix  = "group:"
)

// ID returns the room of a conversation. For FRIEND conversations
// conversationID is the other user's id and actingUserID is required.
func ID(kind models.ConversationKind, conversationID, actingUserID string) (string, error) {
	if conversationID == "" {
		return "", fmt.Errorf("%w: empty conversation id", models.ErrValidation)
	}
	// ':' separates the parts of a room id.
	if strings.Contains(conversationID, ":") || strings.Contains(actingUserID, ":") {
		return "", fmt.Errorf("%w: id contains ':'", models.ErrValidation)
	}
	switch kind {
	case models.ConversationFriend:
		if actingUserID == "" {
			return "", fmt.Errorf("%w: friend room requires acting user", models.ErrValidation)
		}
		if actingUserID == conversationID {
			return "", fmt.Errorf("%w: friend room with self", models.ErrValidation)
		}
		return Friend(actingUserID, conversationID), nil
	case models.ConversationGroup:
		return Group(conversationID), nil
	}
	return "", fmt.Errorf("%w: unknown conversation kind %q", models.ErrValidation, kind)
}

// Friend is commutative: Friend(a, b) == Friend(b, a).
func Friend(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return friendPrefix + a + ":" + b
}

func Group(groupID string) string {
	return groupPrefix + groupID
}

// Kind reports the conversation kind encoded in a room id.
func Kind(roomID string) (models.ConversationKind, bool) {
	switch {
	case strings.HasPrefix(roomID, friendPrefix):
		return models.ConversationFriend, true
	case strings.HasPrefix(roomID, groupPrefix):
		return models.ConversationGroup, true
	}
	return "", false
}

// FriendPair returns both users of a friend room.
func FriendPair(roomID string) (string, string, bool) {
	if !strings.HasPrefix(roomID, friendPrefix) {
		return "", "", false
	}
	a, b, ok := strings.Cut(roomID[len(friendPrefix):], ":")
	if !ok || a == "" || b == "" {
		return "", "", false
	}
	return a, b, true
}

// GroupID returns the group id of a group room.
func GroupID(roomID string) (string, bool) {
	if !strings.HasPrefix(roomID, groupPrefix) || len(roomID) == len(groupPrefix) {
		return "", false
	}
	return roomID[len(groupPrefix):], true
}

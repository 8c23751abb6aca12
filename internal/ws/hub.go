package ws

import (
	"context"
	"sort"
	"sync"
	"time"

	"chatcore/internal/broadcast"
	"chatcore/internal/models"

	"go.uber.org/zap"
)

const (
	socketBuffer       = 100
	defaultEmitTimeout = 3 * time.Second
)

var _ broadcast.Local = (*Hub)(nil)

type socket struct {
	id     string
	userID string
	out    chan models.ServerMessage
	// closed on unregister so blocked emitters give up
	done chan struct{}
	// closed when the user's sessions are revoked
	kick   chan struct{}
	kicked bool
	rooms  map[string]struct{}
}

// Hub is the local socket registry. It owns room subscriptions of live
// sockets and fans server messages out to them.
type Hub struct {
	// Map of socketID -> socket
	sockets map[string]*socket

	// Map of userID -> socket ids
	users map[string]map[string]struct{}

	// Map of roomID -> socket ids
	rooms map[string]map[string]struct{}

	emitTimeout time.Duration
	log         *zap.Logger

	mu sync.RWMutex
}

func NewHub(emitTimeout time.Duration, log *zap.Logger) *Hub {
	if emitTimeout <= 0 {
		emitTimeout = defaultEmitTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		sockets:     make(map[string]*socket),
		users:       make(map[string]map[string]struct{}),
		rooms:       make(map[string]map[string]struct{}),
		emitTimeout: emitTimeout,
		log:         log.With(zap.String("component", "hub")),
	}
}

// Register adds a socket and returns the channel its writer drains.
// The channel is never closed by the hub.
func (h *Hub) Register(userID, socketID string) <-chan models.ServerMessage {
	h.mu.Lock()
	defer h.mu.Unlock()

	if s, ok := h.sockets[socketID]; ok {
		return s.out
	}
	s := &socket{
		id:     socketID,
		userID: userID,
		out:    make(chan models.ServerMessage, socketBuffer),
		done:   make(chan struct{}),
		kick:   make(chan struct{}),
		rooms:  make(map[string]struct{}),
	}
	h.sockets[socketID] = s
	if h.users[userID] == nil {
		h.users[userID] = make(map[string]struct{})
	}
	h.users[userID][socketID] = struct{}{}
	return s.out
}

// Unregister drops a socket from the registry and all its rooms. It returns
// the number of sockets the user still has.
func (h *Hub) Unregister(socketID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.sockets[socketID]
	if !ok {
		return 0
	}
	close(s.done)
	delete(h.sockets, socketID)
	for roomID := range s.rooms {
		h.removeFromRoom(roomID, socketID)
	}

	remaining := h.users[s.userID]
	delete(remaining, socketID)
	if len(remaining) == 0 {
		delete(h.users, s.userID)
	}
	return len(remaining)
}

// Kicked returns a channel that is closed when Disconnect revokes the socket.
// It is nil for an unknown socket.
func (h *Hub) Kicked(socketID string) <-chan struct{} {
	h.mu.RLock()
	defer h.mu.RUnlock()

	s, ok := h.sockets[socketID]
	if !ok {
		return nil
	}
	return s.kick
}

// Disconnect asks every live socket of a user to close and returns how many
// were asked. The sockets leave the registry once their connections wind down.
func (h *Hub) Disconnect(userID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := 0
	for socketID := range h.users[userID] {
		s := h.sockets[socketID]
		if !s.kicked {
			s.kicked = true
			close(s.kick)
		}
		n++
	}
	if n > 0 {
		h.log.Info("disconnecting user sessions", zap.String("user_id", userID), zap.Int("sockets", n))
	}
	return n
}

// JoinSocket subscribes a single socket to a room.
func (h *Hub) JoinSocket(socketID, roomID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.sockets[socketID]
	if !ok {
		return false
	}
	h.addToRoom(s, roomID)
	return true
}

// JoinRoom subscribes every live socket of a user and returns how many
// were joined.
func (h *Hub) JoinRoom(userID, roomID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := 0
	for socketID := range h.users[userID] {
		h.addToRoom(h.sockets[socketID], roomID)
		n++
	}
	return n
}

func (h *Hub) LeaveRoom(userID, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for socketID := range h.users[userID] {
		delete(h.sockets[socketID].rooms, roomID)
		h.removeFromRoom(roomID, socketID)
	}
}

func (h *Hub) addToRoom(s *socket, roomID string) {
	s.rooms[roomID] = struct{}{}
	if h.rooms[roomID] == nil {
		h.rooms[roomID] = make(map[string]struct{})
	}
	h.rooms[roomID][s.id] = struct{}{}
}

func (h *Hub) removeFromRoom(roomID, socketID string) {
	members := h.rooms[roomID]
	delete(members, socketID)
	if len(members) == 0 {
		delete(h.rooms, roomID)
	}
}

// Sockets lists the live sockets of a user.
func (h *Hub) Sockets(userID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ids := make([]string, 0, len(h.users[userID]))
	for id := range h.users[userID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Rooms lists the rooms a socket is subscribed to.
func (h *Hub) Rooms(socketID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	s, ok := h.sockets[socketID]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(s.rooms))
	for id := range s.rooms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (h *Hub) EmitToRoom(ctx context.Context, roomID string, msg models.ServerMessage, exceptSocket string) int {
	h.mu.RLock()
	targets := make([]*socket, 0, len(h.rooms[roomID]))
	for socketID := range h.rooms[roomID] {
		if socketID != exceptSocket {
			targets = append(targets, h.sockets[socketID])
		}
	}
	h.mu.RUnlock()

	return h.deliver(ctx, targets, msg)
}

func (h *Hub) EmitToUser(ctx context.Context, userID string, msg models.ServerMessage) int {
	return h.EmitToUsers(ctx, []string{userID}, msg, "")
}

func (h *Hub) EmitToUsers(ctx context.Context, userIDs []string, msg models.ServerMessage, exceptSocket string) int {
	h.mu.RLock()
	var targets []*socket
	for _, userID := range userIDs {
		for socketID := range h.users[userID] {
			if socketID != exceptSocket {
				targets = append(targets, h.sockets[socketID])
			}
		}
	}
	h.mu.RUnlock()

	return h.deliver(ctx, targets, msg)
}

func (h *Hub) EmitToSocket(ctx context.Context, socketID string, msg models.ServerMessage) bool {
	h.mu.RLock()
	s, ok := h.sockets[socketID]
	h.mu.RUnlock()

	if !ok {
		return false
	}
	return h.deliver(ctx, []*socket{s}, msg) == 1
}

// deliver queues msg on every target. Sockets with a full buffer are waited
// on until the emit timeout, after which the message is dropped for them.
func (h *Hub) deliver(ctx context.Context, targets []*socket, msg models.ServerMessage) int {
	delivered := 0
	var pending []*socket
	for _, s := range targets {
		select {
		case s.out <- msg:
			delivered++
		case <-s.done:
		default:
			pending = append(pending, s)
		}
	}
	if len(pending) == 0 {
		return delivered
	}

	ctx, cancel := context.WithTimeout(ctx, h.emitTimeout)
	defer cancel()
	for _, s := range pending {
		select {
		case s.out <- msg:
			delivered++
		case <-s.done:
		case <-ctx.Done():
			h.log.Warn("dropping message for slow socket",
				zap.String("event", string(msg.Event)),
				zap.String("user_id", s.userID),
				zap.String("socket_id", s.id))
		}
	}
	return delivered
}

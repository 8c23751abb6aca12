// Package broadcast is the facade through which events reach live sockets.
// Callers address rooms, users or single sockets; the implementation
// resolves them to sockets at emission time.
package broadcast

import (
	"context"
	"slices"
	"sync"

	"chatcore/internal/models"
)

// Broadcaster emits server events. Emit methods return how many sockets the
// event was handed to. Emission is best effort: a socket that does not take
// the event within the emit timeout misses it.
type Broadcaster interface {
	EmitToRoom(ctx context.Context, roomID string, msg models.ServerMessage, exceptSocket string) int
	EmitToUser(ctx context.Context, userID string, msg models.ServerMessage) int
	EmitToUsers(ctx context.Context, userIDs []string, msg models.ServerMessage, exceptSocket string) int
	EmitToSocket(ctx context.Context, socketID string, msg models.ServerMessage) bool

	// JoinRoom subscribes every live socket of the user to the room.
	JoinRoom(userID, roomID string) int
	LeaveRoom(userID, roomID string)
}

// Emission is one recorded call on a Recorder.
type Emission struct {
	Room   string
	Users  []string
	Socket string
	Except string
	Msg    models.ServerMessage
}

// Recorder is a Broadcaster that records emissions instead of delivering them.
type Recorder struct {
	mu           sync.Mutex
	emissions    []Emission
	rooms        map[string][]string
	socketRooms  map[string][]string
	disconnected []string
}

func NewRecorder() *Recorder {
	return &Recorder{
		rooms:       make(map[string][]string),
		socketRooms: make(map[string][]string),
	}
}

func (r *Recorder) record(e Emission) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.emissions = append(r.emissions, e)
}

func (r *Recorder) EmitToRoom(_ context.Context, roomID string, msg models.ServerMessage, exceptSocket string) int {
	r.record(Emission{Room: roomID, Except: exceptSocket, Msg: msg})
	return 1
}

func (r *Recorder) EmitToUser(_ context.Context, userID string, msg models.ServerMessage) int {
	r.record(Emission{Users: []string{userID}, Msg: msg})
	return 1
}

func (r *Recorder) EmitToUsers(_ context.Context, userIDs []string, msg models.ServerMessage, exceptSocket string) int {
	r.record(Emission{Users: slices.Clone(userIDs), Except: exceptSocket, Msg: msg})
	return len(userIDs)
}

func (r *Recorder) EmitToSocket(_ context.Context, socketID string, msg models.ServerMessage) bool {
	r.record(Emission{Socket: socketID, Msg: msg})
	return true
}

func (r *Recorder) JoinRoom(userID, roomID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !slices.Contains(r.rooms[roomID], userID) {
		r.rooms[roomID] = append(r.rooms[roomID], userID)
	}
	return 1
}

func (r *Recorder) LeaveRoom(userID, roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rooms[roomID] = slices.DeleteFunc(r.rooms[roomID], func(u string) bool { return u == userID })
}

func (r *Recorder) JoinSocket(socketID, roomID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !slices.Contains(r.socketRooms[roomID], socketID) {
		r.socketRooms[roomID] = append(r.socketRooms[roomID], socketID)
	}
	return true
}

func (r *Recorder) Disconnect(userID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnected = append(r.disconnected, userID)
	return 1
}

// Disconnected returns the users whose sessions were revoked.
func (r *Recorder) Disconnected() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.disconnected)
}

// RoomSockets returns the sockets joined to a room one by one.
func (r *Recorder) RoomSockets(roomID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.socketRooms[roomID])
}

// Emissions returns everything recorded so far.
func (r *Recorder) Emissions() []Emission {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.emissions)
}

// Events returns the recorded emissions of one event.
func (r *Recorder) Events(event models.ServerEvent) []Emission {
	var out []Emission
	for _, e := range r.Emissions() {
		if e.Msg.Event == event {
			out = append(out, e)
		}
	}
	return out
}

// RoomMembers returns the users joined to a room.
func (r *Recorder) RoomMembers(roomID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.rooms[roomID])
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.emissions = nil
}

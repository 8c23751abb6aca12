package ws

import "sync/atomic"

type State int32

const (
	StateConnecting State = iota
	StateAuthenticating
	StateActive
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateAuthenticating:
		return "AUTHENTICATING"
	case StateActive:
		return "ACTIVE"
	case StateDisconnected:
		return "DISCONNECTED"
	}
	return "UNKNOWN"
}

// Session is the server side of one websocket connection.
type Session struct {
	UserID     string
	Role       string
	SocketID   string
	RemoteAddr string

	state atomic.Int32
}

func NewSession(socketID, remoteAddr string) *Session {
	return &Session{SocketID: socketID, RemoteAddr: remoteAddr}
}

func (s *Session) State() State {
	return State(s.state.Load())
}

// advance moves the session forward. States never go back, and
// DISCONNECTED is reachable from anywhere.
func (s *Session) advance(to State) bool {
	for {
		from := s.state.Load()
		if State(from) >= to {
			return false
		}
		if to != StateDisconnected && State(from)+1 != to {
			return false
		}
		if s.state.CompareAndSwap(from, int32(to)) {
			return true
		}
	}
}

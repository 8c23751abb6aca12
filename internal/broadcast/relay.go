package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"chatcore/internal/models"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	relayPublishTimeout = 2 * time.Second
	relayBackoff        = 100 * time.Millisecond
	maxRelayBackoff     = 10 * time.Second
)

// Local is the registry of the sockets connected to this node.
type Local interface {
	Broadcaster
	JoinSocket(socketID, roomID string) bool
	Disconnect(userID string) int
}

type relayOp string

const (
	opRoom       relayOp = "room"
	opUsers      relayOp = "users"
	opSocket     relayOp = "socket"
	opJoin       relayOp = "join"
	opLeave      relayOp = "leave"
	opDisconnect relayOp = "disconnect"
)

type relayFrame struct {
	Node   string             `json:"node"`
	Op     relayOp            `json:"op"`
	Room   string             `json:"room,omitempty"`
	Users  []string           `json:"users,omitempty"`
	Socket string             `json:"socket,omitempty"`
	Except string             `json:"except,omitempty"`
	Event  models.ServerEvent `json:"event,omitempty"`
	Data   json.RawMessage    `json:"data,omitempty"`
}

// Relay fans emissions out to every node sharing a Redis pub/sub channel.
// Each call is applied to the local registry first and then published;
// other nodes apply the frame to their own registry. Returned counts cover
// local sockets only.
type Relay struct {
	local   Local
	rdb     redis.UniversalClient
	channel string
	node    string
	log     *zap.Logger

	ready     chan struct{}
	readyOnce sync.Once
}

var _ Local = (*Relay)(nil)

func NewRelay(local Local, rdb redis.UniversalClient, channel, node string, log *zap.Logger) *Relay {
	if log == nil {
		log = zap.NewNop()
	}
	return &Relay{
		local:   local,
		rdb:     rdb,
		channel: channel,
		node:    node,
		log:     log.With(zap.String("component", "relay"), zap.String("node", node)),
		ready:   make(chan struct{}),
	}
}

// Ready is closed once the first subscription is confirmed.
func (r *Relay) Ready() <-chan struct{} { return r.ready }

func (r *Relay) EmitToRoom(ctx context.Context, roomID string, msg models.ServerMessage, exceptSocket string) int {
	n := r.local.EmitToRoom(ctx, roomID, msg, exceptSocket)
	r.publishMessage(ctx, relayFrame{Op: opRoom, Room: roomID, Except: exceptSocket}, msg)
	return n
}

func (r *Relay) EmitToUser(ctx context.Context, userID string, msg models.ServerMessage) int {
	return r.EmitToUsers(ctx, []string{userID}, msg, "")
}

func (r *Relay) EmitToUsers(ctx context.Context, userIDs []string, msg models.ServerMessage, exceptSocket string) int {
	n := r.local.EmitToUsers(ctx, userIDs, msg, exceptSocket)
	r.publishMessage(ctx, relayFrame{Op: opUsers, Users: userIDs, Except: exceptSocket}, msg)
	return n
}

// EmitToSocket only goes over the relay when the socket is not local.
func (r *Relay) EmitToSocket(ctx context.Context, socketID string, msg models.ServerMessage) bool {
	if r.local.EmitToSocket(ctx, socketID, msg) {
		return true
	}
	r.publishMessage(ctx, relayFrame{Op: opSocket, Socket: socketID}, msg)
	return false
}

func (r *Relay) JoinRoom(userID, roomID string) int {
	n := r.local.JoinRoom(userID, roomID)
	r.publish(context.Background(), relayFrame{Op: opJoin, Users: []string{userID}, Room: roomID})
	return n
}

func (r *Relay) LeaveRoom(userID, roomID string) {
	r.local.LeaveRoom(userID, roomID)
	r.publish(context.Background(), relayFrame{Op: opLeave, Users: []string{userID}, Room: roomID})
}

// JoinSocket is local: a socket lives on exactly one node.
func (r *Relay) JoinSocket(socketID, roomID string) bool {
	return r.local.JoinSocket(socketID, roomID)
}

// Disconnect closes the user's sockets on every node.
func (r *Relay) Disconnect(userID string) int {
	n := r.local.Disconnect(userID)
	r.publish(context.Background(), relayFrame{Op: opDisconnect, Users: []string{userID}})
	return n
}

func (r *Relay) publishMessage(ctx context.Context, f relayFrame, msg models.ServerMessage) {
	f.Event = msg.Event
	if msg.Data != nil {
		data, err := json.Marshal(msg.Data)
		if err != nil {
			r.log.Error("failed to encode relayed event", zap.String("event", string(msg.Event)), zap.Error(err))
			return
		}
		f.Data = data
	}
	r.publish(ctx, f)
}

func (r *Relay) publish(ctx context.Context, f relayFrame) {
	f.Node = r.node
	d, err := json.Marshal(f)
	if err != nil {
		r.log.Error("failed to encode relay frame", zap.String("op", string(f.Op)), zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), relayPublishTimeout)
	defer cancel()
	if err := r.rdb.Publish(ctx, r.channel, string(d)).Err(); err != nil {
		r.log.Warn("relay publish failed", zap.String("op", string(f.Op)), zap.Error(err))
	}
}

// Run applies frames published by other nodes until ctx is done. A lost
// subscription is re-established with backoff.
func (r *Relay) Run(ctx context.Context) error {
	delay := relayBackoff
	for {
		subscribed, err := r.subscribe(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if subscribed {
			delay = relayBackoff
		}
		r.log.Warn("relay subscription lost, resubscribing", zap.Duration("backoff", delay), zap.Error(err))

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
		delay = min(delay*2, maxRelayBackoff)
	}
}

func (r *Relay) subscribe(ctx context.Context) (bool, error) {
	sub := r.rdb.Subscribe(ctx, r.channel)
	defer func() { _ = sub.Close() }()

	if _, err := sub.Receive(ctx); err != nil {
		return false, err
	}
	r.readyOnce.Do(func() { close(r.ready) })
	r.log.Info("relay subscribed", zap.String("channel", r.channel))

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return true, errors.New("relay subscription closed")
			}
			r.apply(ctx, msg.Payload)
		}
	}
}

func (r *Relay) apply(ctx context.Context, payload string) {
	var f relayFrame
	if err := json.Unmarshal([]byte(payload), &f); err != nil {
		r.log.Warn("undecodable relay frame", zap.Error(err))
		return
	}
	if f.Node == r.node {
		return
	}

	msg := models.ServerMessage{Event: f.Event}
	if len(f.Data) > 0 && string(f.Data) != "null" {
		msg.Data = f.Data
	}

	switch f.Op {
	case opRoom:
		r.local.EmitToRoom(ctx, f.Room, msg, f.Except)
	case opUsers:
		r.local.EmitToUsers(ctx, f.Users, msg, f.Except)
	case opSocket:
		r.local.EmitToSocket(ctx, f.Socket, msg)
	case opJoin:
		for _, u := range f.Users {
			r.local.JoinRoom(u, f.Room)
		}
	case opLeave:
		for _, u := range f.Users {
			r.local.LeaveRoom(u, f.Room)
		}
	case opDisconnect:
		for _, u := range f.Users {
			r.local.Disconnect(u)
		}
	default:
		r.log.Warn("unknown relay op", zap.String("op", string(f.Op)))
	}
}

package presence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"chatcore/internal/models"
	"chatcore/internal/rooms"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	mu          sync.Mutex
	friends     map[string][]string
	groups      map[string][]string
	members     map[string][]string
	friendCalls int
	err         error
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		friends: make(map[string][]string),
		groups:  make(map[string][]string),
		members: make(map[string][]string),
	}
}

func (s *fakeSource) FriendIDs(_ context.Context, userID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.friendCalls++
	return s.friends[userID], s.err
}

func (s *fakeSource) GroupIDs(_ context.Context, userID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.groups[userID], s.err
}

func (s *fakeSource) IsMember(_ context.Context, userID, groupID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.members[groupID] {
		if m == userID {
			return true, s.err
		}
	}
	return false, s.err
}

func (s *fakeSource) GroupMembers(_ context.Context, groupID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.members[groupID], s.err
}

func newTestCache(t *testing.T) (*RedisCache, *miniredis.Miniredis, *fakeSource) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })

	src := newFakeSource()
	return NewRedisCache(rdb, src, Config{}, nil), mr, src
}

func TestSockets_MultiDevice(t *testing.T) {
	c, _, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.RegisterSocket(ctx, "alice", "s1"))
	require.NoError(t, c.RegisterSocket(ctx, "alice", "s2"))

	sockets, err := c.ListSockets(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"s1", "s2"}, sockets)

	owner, err := c.SocketOwner(ctx, "s2")
	require.NoError(t, err)
	assert.Equal(t, "alice", owner)

	left, err := c.UnregisterSocket(ctx, "alice", "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), left)

	require.NoError(t, c.UnregisterAllSockets(ctx, "alice"))
	sockets, err = c.ListSockets(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, sockets)

	_, err = c.SocketOwner(ctx, "s2")
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestOnline_SetOfflineKeepsRooms(t *testing.T) {
	c, _, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.SetOnline(ctx, "alice"))
	require.NoError(t, c.SetOnline(ctx, "bob"))
	_, err := c.AddToRoom(ctx, rooms.Group("g1"), "alice", models.ConversationGroup)
	require.NoError(t, err)

	online, err := c.IsOnline(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, online)

	require.NoError(t, c.SetOffline(ctx, "alice"))

	online, err = c.IsOnline(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, online)

	users, err := c.ListOnline(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, users)

	members, err := c.RoomMembers(ctx, rooms.Group("g1"))
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, members, "room membership must survive going offline")

	p, err := c.GetPresence(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.StatusOffline, p.Status)
}

func TestOnline_TimeScored(t *testing.T) {
	c, _, _ := newTestCache(t)
	ctx := context.Background()

	now := time.Unix(1700000000, 0)
	c.now = func() time.Time { return now }

	require.NoError(t, c.SetOnline(ctx, "old"))
	now = now.Add(10 * time.Minute)
	require.NoError(t, c.SetOnline(ctx, "fresh"))

	recent, err := c.ListOnlineSince(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []string{"fresh"}, recent)

	now = now.Add(time.Minute)
	require.NoError(t, c.Touch(ctx, "fresh"))
	require.NoError(t, c.Touch(ctx, "ghost"))

	n, err := c.PruneOnline(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	all, err := c.ListOnline(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"fresh"}, all, "touch must not bring offline users online")
}

func TestPresenceStatus(t *testing.T) {
	c, _, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.RegisterSocket(ctx, "alice", "s1"))
	require.NoError(t, c.SetOnline(ctx, "alice"))
	require.NoError(t, c.SetStatus(ctx, "alice", models.StatusBusy, "in a meeting"))

	p, err := c.GetPresence(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.StatusBusy, p.Status)
	assert.Equal(t, "in a meeting", p.Activity)
	assert.Equal(t, []string{"s1"}, p.Sockets)
	assert.NotZero(t, p.LastSeen)
}

func TestRelationshipGraph_RebuildOnMiss(t *testing.T) {
	c, mr, src := newTestCache(t)
	ctx := context.Background()

	src.friends["alice"] = []string{"bob", "carol"}
	src.groups["alice"] = []string{"g1"}

	friends, groups, err := c.Relationships(ctx, "alice")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"bob", "carol"}, friends)
	assert.Equal(t, []string{"g1"}, groups)
	assert.Equal(t, 1, src.friendCalls)

	_, _, err = c.Relationships(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, src.friendCalls, "cached graph must be served from redis")

	// A user without relations is cached too.
	_, _, err = c.Relationships(ctx, "loner")
	require.NoError(t, err)
	_, _, err = c.Relationships(ctx, "loner")
	require.NoError(t, err)
	assert.Equal(t, 2, src.friendCalls, "an empty graph is not a miss")

	mr.FastForward(DefaultGraphTTL + time.Second)
	_, _, err = c.Relationships(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 3, src.friendCalls, "expired graph must be rebuilt")
}

func TestRelationshipGraph_Idempotent(t *testing.T) {
	c, _, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.BuildRelationshipGraph(ctx, "alice", []string{"bob"}, []string{"g1", "g2"}))
	require.NoError(t, c.BuildRelationshipGraph(ctx, "alice", []string{"carol"}, nil))

	friends, groups, err := c.Relationships(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"carol"}, friends)
	assert.Empty(t, groups)
}

func TestGetConnectedUsers(t *testing.T) {
	c, _, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.BuildRelationshipGraph(ctx, "alice", []string{"bob", "carol"}, []string{"g1"}))
	for _, u := range []string{"alice", "bob", "dave", "erin"} {
		_, err := c.AddToRoom(ctx, rooms.Group("g1"), u, models.ConversationGroup)
		require.NoError(t, err)
	}

	users, err := c.GetConnectedUsers(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{}, users, "nobody online means no connected users")

	for _, u := range []string{"alice", "bob", "carol", "dave"} {
		require.NoError(t, c.SetOnline(ctx, u))
	}

	users, err = c.GetConnectedUsers(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"bob", "carol", "dave"}, users)

	online, err := c.OnlineFriends(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"bob", "carol"}, online)
}

func TestRoomMembership_Counts(t *testing.T) {
	c, _, _ := newTestCache(t)
	ctx := context.Background()
	room := rooms.Group("g1")

	added, err := c.AddToRoom(ctx, room, "alice", models.ConversationGroup)
	require.NoError(t, err)
	assert.True(t, added)
	added, err = c.AddToRoom(ctx, room, "alice", models.ConversationGroup)
	require.NoError(t, err)
	assert.False(t, added)
	_, err = c.AddToRoom(ctx, room, "bob", models.ConversationGroup)
	require.NoError(t, err)

	info, err := c.RoomInfo(ctx, room)
	require.NoError(t, err)
	assert.Equal(t, int64(2), info.MemberCount)
	assert.Equal(t, models.ConversationGroup, info.Kind)

	require.NoError(t, c.SetOnline(ctx, "bob"))
	online, err := c.OnlineRoomMembers(ctx, room)
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, online)

	removed, err := c.RemoveFromRoom(ctx, room, "carol")
	require.NoError(t, err)
	assert.False(t, removed)

	_, err = c.RemoveFromRoom(ctx, room, "alice")
	require.NoError(t, err)
	info, err = c.RoomInfo(ctx, room)
	require.NoError(t, err)
	assert.Equal(t, int64(1), info.MemberCount)

	_, err = c.RemoveFromRoom(ctx, room, "bob")
	require.NoError(t, err)
	_, err = c.RoomInfo(ctx, room)
	assert.True(t, errors.Is(err, models.ErrNotFound), "empty room must be dropped")

	require.NoError(t, c.TouchRoom(ctx, room))
	_, err = c.RoomInfo(ctx, room)
	assert.True(t, errors.Is(err, models.ErrNotFound), "touch must not resurrect a room")
}

func TestResolveBroadcastTargets(t *testing.T) {
	c, _, src := newTestCache(t)
	ctx := context.Background()

	src.members["g1"] = []string{"alice", "bob", "carol"}
	require.NoError(t, c.SetOnline(ctx, "alice"))
	require.NoError(t, c.SetOnline(ctx, "bob"))

	t.Run("Friend", func(t *testing.T) {
		got, err := c.ResolveBroadcastTargets(ctx, "alice", "bob", models.ConversationFriend)
		require.NoError(t, err)
		assert.Equal(t, "friend:alice:bob", got.RoomID)
		assert.Equal(t, []string{"bob"}, got.TargetUsers)
		assert.Equal(t, 1, got.OnlineCount)
	})

	t.Run("Friend offline", func(t *testing.T) {
		got, err := c.ResolveBroadcastTargets(ctx, "alice", "carol", models.ConversationFriend)
		require.NoError(t, err)
		assert.Empty(t, got.TargetUsers)
		assert.Zero(t, got.OnlineCount)
	})

	t.Run("Group seeds room and excludes actor", func(t *testing.T) {
		got, err := c.ResolveBroadcastTargets(ctx, "alice", "g1", models.ConversationGroup)
		require.NoError(t, err)
		assert.Equal(t, "group:g1", got.RoomID)
		assert.Equal(t, []string{"bob"}, got.TargetUsers)
		assert.NotContains(t, got.TargetUsers, "alice")

		members, err := c.RoomMembers(ctx, "group:g1")
		require.NoError(t, err)
		assert.Equal(t, []string{"alice", "bob", "carol"}, members)
	})

	t.Run("Invalid", func(t *testing.T) {
		_, err := c.ResolveBroadcastTargets(ctx, "alice", "alice", models.ConversationFriend)
		assert.True(t, errors.Is(err, models.ErrValidation))
	})
}

func TestResolveBroadcastTargets_Degraded(t *testing.T) {
	c, mr, src := newTestCache(t)
	ctx := context.Background()

	src.members["g1"] = []string{"alice", "bob"}
	require.NoError(t, c.SetOnline(ctx, "bob"))
	mr.Close()

	got, err := c.ResolveBroadcastTargets(ctx, "alice", "g1", models.ConversationGroup)
	require.NoError(t, err)
	assert.True(t, got.Degraded)
	assert.Equal(t, "group:g1", got.RoomID)
	assert.Equal(t, []string{"bob"}, got.TargetUsers)
	assert.Zero(t, got.OnlineCount, "presence is unknown while degraded")

	assert.False(t, c.HealthCheck(ctx))
	_, err = c.ListOnline(ctx)
	assert.True(t, errors.Is(err, models.ErrCacheUnavailable))
}

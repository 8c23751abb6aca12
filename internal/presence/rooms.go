package presence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"chatcore/internal/models"
	"chatcore/internal/rooms"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Membership and member count change together.
var addToRoomScript = redis.NewScript(`
local added = redis.call('SADD', KEYS[1], ARGV[1])
if added == 1 then
	redis.call('HINCRBY', KEYS[2], 'memberCount', 1)
end
redis.call('HSET', KEYS[2], 'kind', ARGV[2], 'lastActivity', ARGV[3])
return added
`)

// A room left with no members is dropped from the cache.
var removeFromRoomScript = redis.NewScript(`
local removed = redis.call('SREM', KEYS[1], ARGV[1])
if removed == 1 then
	local left = redis.call('HINCRBY', KEYS[2], 'memberCount', -1)
	if left <= 0 or redis.call('SCARD', KEYS[1]) == 0 then
		redis.call('DEL', KEYS[1], KEYS[2])
	end
end
return removed
`)

var touchRoomScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	redis.call('HSET', KEYS[1], 'lastActivity', ARGV[1])
	return 1
end
return 0
`)

// AddToRoom reports whether the user was newly added.
func (c *RedisCache) AddToRoom(ctx context.Context, roomID, userID string, kind models.ConversationKind) (bool, error) {
	keys := []string{roomMembersKey(roomID), roomKey(roomID)}
	n, err := addToRoomScript.Run(ctx, c.rdb, keys, userID, string(kind), c.now().Unix()).Int64()
	if err != nil {
		return false, unavailable("add to room", err)
	}
	return n == 1, nil
}

// RemoveFromRoom reports whether the user was a member.
func (c *RedisCache) RemoveFromRoom(ctx context.Context, roomID, userID string) (bool, error) {
	keys := []string{roomMembersKey(roomID), roomKey(roomID)}
	n, err := removeFromRoomScript.Run(ctx, c.rdb, keys, userID).Int64()
	if err != nil {
		return false, unavailable("remove from room", err)
	}
	return n == 1, nil
}

func (c *RedisCache) TouchRoom(ctx context.Context, roomID string) error {
	if err := touchRoomScript.Run(ctx, c.rdb, []string{roomKey(roomID)}, c.now().Unix()).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return unavailable("touch room", err)
	}
	return nil
}

func (c *RedisCache) RoomMembers(ctx context.Context, roomID string) ([]string, error) {
	members, err := c.rdb.SMembers(ctx, roomMembersKey(roomID)).Result()
	if err != nil {
		return nil, unavailable("room members", err)
	}
	sort.Strings(members)
	return members, nil
}

func (c *RedisCache) OnlineRoomMembers(ctx context.Context, roomID string) ([]string, error) {
	members, err := c.RoomMembers(ctx, roomID)
	if err != nil {
		return nil, err
	}
	return c.filterOnline(ctx, members)
}

func (c *RedisCache) RoomInfo(ctx context.Context, roomID string) (models.RoomInfo, error) {
	fields, err := c.rdb.HGetAll(ctx, roomKey(roomID)).Result()
	if err != nil {
		return models.RoomInfo{}, unavailable("room info", err)
	}
	if len(fields) == 0 {
		return models.RoomInfo{}, fmt.Errorf("room %s: %w", roomID, models.ErrNotFound)
	}
	info := models.RoomInfo{ID: roomID, Kind: models.ConversationKind(fields["kind"])}
	info.LastActivity, _ = strconv.ParseInt(fields["lastActivity"], 10, 64)
	info.MemberCount, _ = strconv.ParseInt(fields["memberCount"], 10, 64)
	return info, nil
}

// ResolveBroadcastTargets resolves the room of a conversation and its online
// members other than the acting user. When Redis is unreachable it degrades
// to a direct lookup with everyone assumed offline.
func (c *RedisCache) ResolveBroadcastTargets(ctx context.Context, userID, conversationID string, kind models.ConversationKind) (models.BroadcastTargets, error) {
	roomID, err := rooms.ID(kind, conversationID, userID)
	if err != nil {
		return models.BroadcastTargets{}, err
	}

	candidates, err := c.roomCandidates(ctx, roomID, kind, conversationID)
	if err == nil {
		var online []string
		online, err = c.filterOnline(ctx, without(candidates, userID))
		if err == nil {
			return models.BroadcastTargets{
				TargetUsers: online,
				RoomID:      roomID,
				OnlineCount: len(online),
			}, nil
		}
	}
	if !errors.Is(err, models.ErrCacheUnavailable) {
		return models.BroadcastTargets{}, err
	}

	c.log.Warn("cache unavailable, degrading broadcast targeting",
		zap.String("room_id", roomID), zap.Error(err))

	direct, derr := c.directCandidates(ctx, kind, conversationID)
	if derr != nil {
		return models.BroadcastTargets{}, fmt.Errorf("direct lookup after %v: %w", err, derr)
	}
	return models.BroadcastTargets{
		TargetUsers: without(direct, userID),
		RoomID:      roomID,
		Degraded:    true,
	}, nil
}

// roomCandidates lists everyone who may receive a room event. Group rooms
// missing from the cache are seeded from the relationship source.
func (c *RedisCache) roomCandidates(ctx context.Context, roomID string, kind models.ConversationKind, conversationID string) ([]string, error) {
	if kind == models.ConversationFriend {
		return []string{conversationID}, nil
	}

	members, err := c.RoomMembers(ctx, roomID)
	if err != nil || len(members) > 0 {
		return members, err
	}

	members, err = c.directCandidates(ctx, kind, conversationID)
	if err != nil {
		return nil, err
	}
	for _, m := range members {
		if _, err := c.AddToRoom(ctx, roomID, m, kind); err != nil {
			return nil, err
		}
	}
	return members, nil
}

func (c *RedisCache) directCandidates(ctx context.Context, kind models.ConversationKind, conversationID string) ([]string, error) {
	if kind == models.ConversationFriend {
		return []string{conversationID}, nil
	}
	if c.source == nil {
		return nil, fmt.Errorf("%w: no relationship source", models.ErrCacheUnavailable)
	}
	members, err := c.source.GroupMembers(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("load members of %s: %w", conversationID, err)
	}
	sort.Strings(members)
	return members, nil
}

func without(ids []string, drop string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != drop {
			out = append(out, id)
		}
	}
	return out
}

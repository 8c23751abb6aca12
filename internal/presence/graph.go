package presence

import (
	"context"
	"fmt"
	"sort"

	"chatcore/internal/models"
	"chatcore/internal/rooms"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// BuildRelationshipGraph replaces the cached graph of a user wholesale.
func (c *RedisCache) BuildRelationshipGraph(ctx context.Context, userID string, friendIDs, groupIDs []string) error {
	_, err := c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, friendsKey(userID), groupsKey(userID))
		if len(friendIDs) > 0 {
			p.SAdd(ctx, friendsKey(userID), toArgs(friendIDs)...)
			p.Expire(ctx, friendsKey(userID), c.graphTTL)
		}
		if len(groupIDs) > 0 {
			p.SAdd(ctx, groupsKey(userID), toArgs(groupIDs)...)
			p.Expire(ctx, groupsKey(userID), c.graphTTL)
		}
		// Marks the graph as built, so empty relation sets are not read as a miss.
		p.Set(ctx, graphKey(userID), c.now().Unix(), c.graphTTL)
		return nil
	})
	if err != nil {
		return unavailable("build graph", err)
	}
	return nil
}

// RebuildRelationshipGraph reloads the graph from the relationship source.
func (c *RedisCache) RebuildRelationshipGraph(ctx context.Context, userID string) ([]string, []string, error) {
	if c.source == nil {
		return nil, nil, fmt.Errorf("%w: no relationship source", models.ErrCacheUnavailable)
	}
	friends, err := c.source.FriendIDs(ctx, userID)
	if err != nil {
		return nil, nil, fmt.Errorf("load friends of %s: %w", userID, err)
	}
	groups, err := c.source.GroupIDs(ctx, userID)
	if err != nil {
		return nil, nil, fmt.Errorf("load groups of %s: %w", userID, err)
	}
	if err := c.BuildRelationshipGraph(ctx, userID, friends, groups); err != nil {
		return nil, nil, err
	}
	return friends, groups, nil
}

func (c *RedisCache) InvalidateGraph(ctx context.Context, userID string) error {
	if err := c.rdb.Del(ctx, graphKey(userID), friendsKey(userID), groupsKey(userID)).Err(); err != nil {
		return unavailable("invalidate graph", err)
	}
	return nil
}

// Relationships returns the cached friends and groups of a user, rebuilding
// the graph on a miss.
func (c *RedisCache) Relationships(ctx context.Context, userID string) ([]string, []string, error) {
	var (
		built   *redis.IntCmd
		friends *redis.StringSliceCmd
		groups  *redis.StringSliceCmd
	)
	_, err := c.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		built = p.Exists(ctx, graphKey(userID))
		friends = p.SMembers(ctx, friendsKey(userID))
		groups = p.SMembers(ctx, groupsKey(userID))
		return nil
	})
	if err != nil {
		return nil, nil, unavailable("read graph", err)
	}
	if built.Val() == 0 {
		c.log.Debug("graph miss, rebuilding", zap.String("user_id", userID))
		return c.RebuildRelationshipGraph(ctx, userID)
	}
	return friends.Val(), groups.Val(), nil
}

// OnlineFriends returns the friends of a user that are online now.
func (c *RedisCache) OnlineFriends(ctx context.Context, userID string) ([]string, error) {
	friends, _, err := c.Relationships(ctx, userID)
	if err != nil {
		return nil, err
	}
	sort.Strings(friends)
	return c.filterOnline(ctx, friends)
}

// GetConnectedUsers returns the online friends and online members of the
// user's groups, deduplicated and without the user itself.
func (c *RedisCache) GetConnectedUsers(ctx context.Context, userID string) ([]string, error) {
	friends, groups, err := c.Relationships(ctx, userID)
	if err != nil {
		return nil, err
	}

	members := make([]*redis.StringSliceCmd, len(groups))
	if len(groups) > 0 {
		_, err = c.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
			for i, g := range groups {
				members[i] = p.SMembers(ctx, roomMembersKey(rooms.Group(g)))
			}
			return nil
		})
		if err != nil {
			return nil, unavailable("group members", err)
		}
	}

	seen := map[string]struct{}{userID: {}}
	var candidates []string
	add := func(ids []string) {
		for _, id := range ids {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			candidates = append(candidates, id)
		}
	}
	add(friends)
	for _, m := range members {
		add(m.Val())
	}
	sort.Strings(candidates)

	return c.filterOnline(ctx, candidates)
}

func toArgs(ids []string) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

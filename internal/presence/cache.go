// Package presence keeps who is reachable right now: sockets per user, the
// online set, cached relationship graphs and room membership. The cache is an
// accelerant, never the record of truth. Misses are rebuilt from the
// authoritative RelationshipSource.
package presence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"chatcore/internal/models"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	DefaultPresenceTTL = 5 * time.Minute
	DefaultGraphTTL    = time.Hour

	onlineKey = "presence:online"
)

// RelationshipSource is the authoritative store of friendships and group membership.
type RelationshipSource interface {
	FriendIDs(ctx context.Context, userID string) ([]string, error)
	GroupIDs(ctx context.Context, userID string) ([]string, error)
	IsMember(ctx context.Context, userID, groupID string) (bool, error)
	GroupMembers(ctx context.Context, groupID string) ([]string, error)
}

type Config struct {
	PresenceTTL time.Duration
	GraphTTL    time.Duration
}

// RedisCache implements the presence and relationship cache on Redis.
// Every mutation is scoped by user or room id and runs as one pipeline or script.
type RedisCache struct {
	rdb         redis.UniversalClient
	source      RelationshipSource
	presenceTTL time.Duration
	graphTTL    time.Duration
	now         func() time.Time
	log         *zap.Logger
}

func NewRedisCache(rdb redis.UniversalClient, source RelationshipSource, cfg Config, log *zap.Logger) *RedisCache {
	if cfg.PresenceTTL <= 0 {
		cfg.PresenceTTL = DefaultPresenceTTL
	}
	if cfg.GraphTTL <= 0 {
		cfg.GraphTTL = DefaultGraphTTL
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisCache{
		rdb:         rdb,
		source:      source,
		presenceTTL: cfg.PresenceTTL,
		graphTTL:    cfg.GraphTTL,
		now:         time.Now,
		log:         log.With(zap.String("component", "presence")),
	}
}

func presenceKey(userID string) string    { return "presence:user:" + userID }
func socketsKey(userID string) string     { return "presence:sockets:" + userID }
func socketOwnerKey(socket string) string { return "presence:socket:" + socket }
func graphKey(userID string) string       { return "graph:" + userID }
func friendsKey(userID string) string     { return "graph:" + userID + ":friends" }
func groupsKey(userID string) string      { return "graph:" + userID + ":groups" }
func roomKey(roomID string) string        { return "room:" + roomID }
func roomMembersKey(roomID string) string { return "room:" + roomID + ":members" }

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", models.ErrCacheUnavailable, op, err)
}

func pipelineErr(err error) error {
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	return nil
}

// HealthCheck pings Redis.
func (c *RedisCache) HealthCheck(ctx context.Context) bool {
	return c.rdb.Ping(ctx).Err() == nil
}

// Sockets

func (c *RedisCache) RegisterSocket(ctx context.Context, userID, socketID string) error {
	_, err := c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.SAdd(ctx, socketsKey(userID), socketID)
		p.Expire(ctx, socketsKey(userID), c.presenceTTL)
		p.Set(ctx, socketOwnerKey(socketID), userID, c.presenceTTL)
		p.HSet(ctx, presenceKey(userID), "lastSeen", c.now().Unix())
		p.Expire(ctx, presenceKey(userID), c.presenceTTL)
		return nil
	})
	if err != nil {
		return unavailable("register socket", err)
	}
	return nil
}

// UnregisterSocket removes one socket and reports how many remain for the user.
func (c *RedisCache) UnregisterSocket(ctx context.Context, userID, socketID string) (int64, error) {
	var card *redis.IntCmd
	_, err := c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.SRem(ctx, socketsKey(userID), socketID)
		p.Del(ctx, socketOwnerKey(socketID))
		card = p.SCard(ctx, socketsKey(userID))
		return nil
	})
	if err != nil {
		return 0, unavailable("unregister socket", err)
	}
	return card.Val(), nil
}

func (c *RedisCache) UnregisterAllSockets(ctx context.Context, userID string) error {
	sockets, err := c.rdb.SMembers(ctx, socketsKey(userID)).Result()
	if err != nil {
		return unavailable("list sockets", err)
	}
	_, err = c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for _, s := range sockets {
			p.Del(ctx, socketOwnerKey(s))
		}
		p.Del(ctx, socketsKey(userID))
		return nil
	})
	if err != nil {
		return unavailable("unregister sockets", err)
	}
	return nil
}

func (c *RedisCache) ListSockets(ctx context.Context, userID string) ([]string, error) {
	sockets, err := c.rdb.SMembers(ctx, socketsKey(userID)).Result()
	if err != nil {
		return nil, unavailable("list sockets", err)
	}
	sort.Strings(sockets)
	return sockets, nil
}

// SocketOwner returns the user a socket belongs to.
func (c *RedisCache) SocketOwner(ctx context.Context, socketID string) (string, error) {
	userID, err := c.rdb.Get(ctx, socketOwnerKey(socketID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("socket %s: %w", socketID, models.ErrNotFound)
	}
	if err != nil {
		return "", unavailable("socket owner", err)
	}
	return userID, nil
}

// Online status

func (c *RedisCache) SetOnline(ctx context.Context, userID string) error {
	now := c.now().Unix()
	_, err := c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZAdd(ctx, onlineKey, redis.Z{Score: float64(now), Member: userID})
		p.HSet(ctx, presenceKey(userID), "status", string(models.StatusOnline), "lastSeen", now)
		p.Expire(ctx, presenceKey(userID), c.presenceTTL)
		return nil
	})
	if err != nil {
		return unavailable("set online", err)
	}
	return nil
}

// SetOffline drops the user's presence entry. Room memberships are kept.
func (c *RedisCache) SetOffline(ctx context.Context, userID string) error {
	_, err := c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, onlineKey, userID)
		p.Del(ctx, presenceKey(userID))
		return nil
	})
	if err != nil {
		return unavailable("set offline", err)
	}
	return nil
}

func (c *RedisCache) IsOnline(ctx context.Context, userID string) (bool, error) {
	err := c.rdb.ZScore(ctx, onlineKey, userID).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, unavailable("is online", err)
	}
	return true, nil
}

func (c *RedisCache) ListOnline(ctx context.Context) ([]string, error) {
	users, err := c.rdb.ZRange(ctx, onlineKey, 0, -1).Result()
	if err != nil {
		return nil, unavailable("list online", err)
	}
	sort.Strings(users)
	return users, nil
}

// ListOnlineSince returns users whose last heartbeat is within d.
func (c *RedisCache) ListOnlineSince(ctx context.Context, d time.Duration) ([]string, error) {
	from := strconv.FormatInt(c.now().Add(-d).Unix(), 10)
	users, err := c.rdb.ZRangeByScore(ctx, onlineKey, &redis.ZRangeBy{Min: from, Max: "+inf"}).Result()
	if err != nil {
		return nil, unavailable("list online since", err)
	}
	sort.Strings(users)
	return users, nil
}

// PruneOnline removes users whose last heartbeat is older than d. It cleans
// up after processes that died without running disconnect cleanup.
func (c *RedisCache) PruneOnline(ctx context.Context, d time.Duration) (int64, error) {
	to := strconv.FormatInt(c.now().Add(-d).Unix()-1, 10)
	n, err := c.rdb.ZRemRangeByScore(ctx, onlineKey, "-inf", to).Result()
	if err != nil {
		return 0, unavailable("prune online", err)
	}
	return n, nil
}

// Touch refreshes the heartbeat of an online user and the TTL of its entries.
func (c *RedisCache) Touch(ctx context.Context, userID string) error {
	now := c.now().Unix()
	_, err := c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZAddXX(ctx, onlineKey, redis.Z{Score: float64(now), Member: userID})
		p.HSet(ctx, presenceKey(userID), "lastSeen", now)
		p.Expire(ctx, presenceKey(userID), c.presenceTTL)
		p.Expire(ctx, socketsKey(userID), c.presenceTTL)
		return nil
	})
	if err != nil {
		return unavailable("touch", err)
	}
	return nil
}

func (c *RedisCache) SetStatus(ctx context.Context, userID string, status models.PresenceStatus, activity string) error {
	_, err := c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, presenceKey(userID), "status", string(status), "activity", activity, "lastSeen", c.now().Unix())
		p.Expire(ctx, presenceKey(userID), c.presenceTTL)
		return nil
	})
	if err != nil {
		return unavailable("set status", err)
	}
	return nil
}

func (c *RedisCache) GetPresence(ctx context.Context, userID string) (models.UserPresence, error) {
	var (
		fields  *redis.MapStringStringCmd
		sockets *redis.StringSliceCmd
	)
	_, err := c.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		fields = p.HGetAll(ctx, presenceKey(userID))
		sockets = p.SMembers(ctx, socketsKey(userID))
		return nil
	})
	if err != nil {
		return models.UserPresence{}, unavailable("get presence", err)
	}

	p := models.UserPresence{UserID: userID, Status: models.StatusOffline}
	f := fields.Val()
	if s, ok := f["status"]; ok {
		p.Status = models.PresenceStatus(s)
	}
	p.Activity = f["activity"]
	p.LastSeen, _ = strconv.ParseInt(f["lastSeen"], 10, 64)
	p.Sockets = sockets.Val()
	sort.Strings(p.Sockets)
	return p, nil
}

// filterOnline keeps the users present in the online set, preserving order.
func (c *RedisCache) filterOnline(ctx context.Context, users []string) ([]string, error) {
	if len(users) == 0 {
		return []string{}, nil
	}
	cmds := make([]*redis.FloatCmd, len(users))
	_, err := c.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, u := range users {
			cmds[i] = p.ZScore(ctx, onlineKey, u)
		}
		return nil
	})
	if err = pipelineErr(err); err != nil {
		return nil, unavailable("filter online", err)
	}

	online := make([]string, 0, len(users))
	for i, cmd := range cmds {
		if cmd.Err() == nil {
			online = append(online, users[i])
		}
	}
	return online, nil
}

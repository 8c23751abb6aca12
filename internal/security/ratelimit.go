package security

import (
	"context"
	"fmt"
	"time"

	"chatcore/internal/models"

	"github.com/c-pro/geche"
)

const (
	DefaultRateLimit  = 20
	DefaultRateWindow = time.Minute
)

// RateLimiter is a per-user sliding window counter.
type RateLimiter struct {
	limit  int
	window time.Duration
	hits   *geche.Locker[string, []time.Time]
	now    func() time.Time
}

func NewRateLimiter(ctx context.Context, limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = DefaultRateLimit
	}
	if window <= 0 {
		window = DefaultRateWindow
	}
	return &RateLimiter{
		limit:  limit,
		window: window,
		// Idle users expire from the cache after a full window.
		hits: geche.NewLocker[string, []time.Time](geche.NewMapTTLCache[string, []time.Time](ctx, window, window)),
		now:  time.Now,
	}
}

// Allow records an action for the user or rejects it with ErrRateLimited.
func (l *RateLimiter) Allow(userID string) error {
	now := l.now()
	cutoff := now.Add(-l.window)

	tx := l.hits.Lock()
	defer tx.Unlock()

	prev, _ := tx.Get(userID)
	hits := make([]time.Time, 0, len(prev)+1)
	for _, t := range prev {
		if t.After(cutoff) {
			hits = append(hits, t)
		}
	}

	if len(hits) >= l.limit {
		tx.Set(userID, hits)
		return fmt.Errorf("%w: %d messages per %s", models.ErrRateLimited, l.limit, l.window)
	}

	tx.Set(userID, append(hits, now))
	return nil
}

// Remaining reports how many actions the user can still take in the current window.
func (l *RateLimiter) Remaining(userID string) int {
	cutoff := l.now().Add(-l.window)

	tx := l.hits.Lock()
	defer tx.Unlock()

	hits, _ := tx.Get(userID)
	n := l.limit
	for _, t := range hits {
		if t.After(cutoff) {
			n--
		}
	}
	if n < 0 {
		return 0
	}
	return n
}

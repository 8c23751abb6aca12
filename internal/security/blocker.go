package security

import (
	"context"
	"time"

	"github.com/c-pro/geche"
	"go.uber.org/zap"
)

const (
	DefaultStrikeThreshold = 5
	DefaultBlockDuration   = 15 * time.Minute
)

type strikes struct {
	count int
	first time.Time
}

// Blocker counts suspicious activity per source address and blocks an
// address for a while once the threshold is reached. Blocks lift by
// themselves once the duration elapses.
type Blocker struct {
	threshold int
	duration  time.Duration
	strikes   *geche.Locker[string, strikes]
	blocked   *geche.Locker[string, time.Time]
	now       func() time.Time
	log       *zap.Logger
}

func NewBlocker(ctx context.Context, threshold int, duration time.Duration, log *zap.Logger) *Blocker {
	if threshold <= 0 {
		threshold = DefaultStrikeThreshold
	}
	if duration <= 0 {
		duration = DefaultBlockDuration
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Blocker{
		threshold: threshold,
		duration:  duration,
		strikes:   geche.NewLocker[string, strikes](geche.NewMapTTLCache[string, strikes](ctx, duration, time.Minute)),
		blocked:   geche.NewLocker[string, time.Time](geche.NewMapTTLCache[string, time.Time](ctx, duration, time.Minute)),
		now:       time.Now,
		log:       log.With(zap.String("component", "blocker")),
	}
}

// Strike records suspicious activity and reports whether the address is now blocked.
func (b *Blocker) Strike(addr string) bool {
	now := b.now()

	tx := b.strikes.Lock()
	s, err := tx.Get(addr)
	if err != nil || now.Sub(s.first) > b.duration {
		s = strikes{first: now}
	}
	s.count++
	reached := s.count >= b.threshold
	if reached {
		_ = tx.Del(addr)
	} else {
		tx.Set(addr, s)
	}
	tx.Unlock()

	if !reached {
		return b.IsBlocked(addr)
	}

	btx := b.blocked.Lock()
	btx.Set(addr, now.Add(b.duration))
	btx.Unlock()

	b.log.Warn("address blocked", zap.String("addr", addr), zap.Duration("duration", b.duration))
	return true
}

func (b *Blocker) IsBlocked(addr string) bool {
	tx := b.blocked.Lock()
	defer tx.Unlock()

	until, err := tx.Get(addr)
	if err != nil {
		return false
	}
	if !b.now().Before(until) {
		_ = tx.Del(addr)
		return false
	}
	return true
}

func (b *Blocker) Unblock(addr string) {
	tx := b.blocked.Lock()
	_ = tx.Del(addr)
	tx.Unlock()

	stx := b.strikes.Lock()
	_ = stx.Del(addr)
	stx.Unlock()
}

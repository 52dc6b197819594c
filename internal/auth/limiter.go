// AngelaMos | 2026
// limiter.go

package auth

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// UnknownIP is the sentinel used when the client address cannot be
// determined; those requests still share one rate-limit bucket instead
// of bypassing the check.
const UnknownIP = "unknown"

const (
	ipFailPrefix      = "login:fail:ip:"
	accountFailPrefix = "login:fail:acct:"
)

// Decision is the outcome of a limiter check. RetryAfter is only
// meaningful when Allowed is false.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// LoginGuard tracks failed login attempts per client IP and per
// account. Only failures count; a successful login clears both
// counters for that identity.
type LoginGuard interface {
	CheckIP(ctx context.Context, ip string) Decision
	CheckAccount(ctx context.Context, email string) Decision
	RecordFailure(ctx context.Context, ip, email string)
	RecordSuccess(ctx context.Context, ip, email string)
}

type GuardConfig struct {
	MaxAttemptsPerIP      int
	IPAttemptWindow       time.Duration
	MaxAttemptsPerAccount int
	AccountLockDuration   time.Duration
}

// loginGuard keeps its counters in Redis so the limits hold across
// instances, and falls back to an in-process counter map when Redis is
// unavailable (same fail-soft posture as the global request limiter).
type loginGuard struct {
	rdb      *redis.Client
	fallback *localCounters
	cfg      GuardConfig
	logger   *slog.Logger
}

func NewLoginGuard(
	rdb *redis.Client,
	cfg GuardConfig,
	logger *slog.Logger,
) LoginGuard {
	if logger == nil {
		logger = slog.Default()
	}
	return &loginGuard{
		rdb:      rdb,
		fallback: newLocalCounters(),
		cfg:      cfg,
		logger:   logger,
	}
}

func (g *loginGuard) CheckIP(ctx context.Context, ip string) Decision {
	return g.check(
		ctx,
		ipFailPrefix+NormalizeIP(ip),
		g.cfg.MaxAttemptsPerIP,
		g.cfg.IPAttemptWindow,
	)
}

func (g *loginGuard) CheckAccount(ctx context.Context, email string) Decision {
	return g.check(
		ctx,
		accountFailPrefix+normalizeEmail(email),
		g.cfg.MaxAttemptsPerAccount,
		g.cfg.AccountLockDuration,
	)
}

func (g *loginGuard) RecordFailure(ctx context.Context, ip, email string) {
	g.incr(
		ctx,
		ipFailPrefix+NormalizeIP(ip),
		g.cfg.MaxAttemptsPerIP,
		g.cfg.IPAttemptWindow,
	)

	if email != "" {
		g.incr(
			ctx,
			accountFailPrefix+normalizeEmail(email),
			g.cfg.MaxAttemptsPerAccount,
			g.cfg.AccountLockDuration,
		)
	}
}

func (g *loginGuard) RecordSuccess(ctx context.Context, ip, email string) {
	keys := []string{ipFailPrefix + NormalizeIP(ip)}
	if email != "" {
		keys = append(keys, accountFailPrefix+normalizeEmail(email))
	}

	if g.rdb != nil {
		if err := g.rdb.Del(ctx, keys...).Err(); err != nil {
			g.logger.Warn("clear login counters", "error", err)
		}
	}

	for _, key := range keys {
		g.fallback.reset(key)
	}
}

func (g *loginGuard) check(
	ctx context.Context,
	key string,
	limit int,
	window time.Duration,
) Decision {
	if g.rdb == nil {
		return g.fallback.check(key, limit)
	}

	count, err := g.rdb.Get(ctx, key).Int()
	if err != nil {
		if err == redis.Nil {
			return Decision{Allowed: true}
		}
		g.logger.Warn("login counter read failed, using local fallback",
			"error", err,
			"key", key,
		)
		return g.fallback.check(key, limit)
	}

	if count < limit {
		return Decision{Allowed: true}
	}

	retryAfter, err := g.rdb.TTL(ctx, key).Result()
	if err != nil || retryAfter <= 0 {
		retryAfter = window
	}

	return Decision{Allowed: false, RetryAfter: retryAfter}
}

func (g *loginGuard) incr(
	ctx context.Context,
	key string,
	limit int,
	window time.Duration,
) {
	g.fallback.incr(key, limit, window)

	if g.rdb == nil {
		return
	}

	count, err := g.rdb.Incr(ctx, key).Result()
	if err != nil {
		g.logger.Warn("login counter increment failed", "error", err)
		return
	}

	// First failure opens the window; crossing the ceiling restarts it
	// so the lock lasts its full duration from the moment it engages.
	if count == 1 || count == int64(limit) {
		if err := g.rdb.Expire(ctx, key, window).Err(); err != nil {
			g.logger.Warn("login counter expire failed", "error", err)
		}
	}
}

func NormalizeIP(ip string) string {
	ip = strings.TrimSpace(ip)
	if ip == "" {
		return UnknownIP
	}
	return ip
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// localCounters is the in-process fallback: fixed windows anchored at
// the first failure, one mutex over the map. Per-key atomicity is all
// the correctness the counters need.
type localCounters struct {
	mu       sync.Mutex
	counters map[string]*counterWindow
}

type counterWindow struct {
	count     int
	windowEnd time.Time
}

func newLocalCounters() *localCounters {
	return &localCounters{
		counters: make(map[string]*counterWindow),
	}
}

func (l *localCounters) incr(key string, limit int, window time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	c, ok := l.counters[key]
	if !ok || now.After(c.windowEnd) {
		l.counters[key] = &counterWindow{
			count:     1,
			windowEnd: now.Add(window),
		}
		return
	}

	c.count++
	if c.count == limit {
		c.windowEnd = now.Add(window)
	}
}

func (l *localCounters) check(key string, limit int) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	c, ok := l.counters[key]
	if !ok || now.After(c.windowEnd) {
		return Decision{Allowed: true}
	}

	if c.count < limit {
		return Decision{Allowed: true}
	}

	return Decision{Allowed: false, RetryAfter: c.windowEnd.Sub(now)}
}

func (l *localCounters) reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.counters, key)
}

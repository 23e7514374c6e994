// Package ratelimit enforces per-account send quotas over minute, hour and
// day windows. Completed sends are persisted in an append-only log so
// counts survive restarts; slots reserved for in-flight sends are tracked
// in memory only.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/softwell/mailproxy/internal/pkg/logger"
	"github.com/softwell/mailproxy/internal/storage"
)

// SendLog is the persistence the limiter counts against.
type SendLog interface {
	LogSend(ctx context.Context, accountPK string, sentTS int64) error
	CountSendsSince(ctx context.Context, accountPK string, sinceTS int64) (int, error)
	PruneSendLog(ctx context.Context, beforeTS int64) (int, error)
}

// Window lengths in seconds.
const (
	windowMinute = int64(60)
	windowHour   = int64(3600)
	windowDay    = int64(86400)
)

// Plan is the limiter's verdict for one prospective send.
type Plan struct {
	// DeferUntil is non-zero when the send must wait for a window reset.
	DeferUntil int64
	// Reject is true when the account's limit behavior is reject and a
	// window is exhausted.
	Reject bool
}

// Allowed reports whether the send may proceed now.
func (p Plan) Allowed() bool { return p.DeferUntil == 0 && !p.Reject }

// Limiter plans sends against account quotas. Safe for concurrent use.
type Limiter struct {
	log SendLog
	now func() time.Time

	mu       sync.Mutex
	inFlight map[string]int
}

// New builds a limiter over the given send log.
func New(log SendLog) *Limiter {
	return &Limiter{
		log:      log,
		now:      time.Now,
		inFlight: make(map[string]int),
	}
}

type window struct {
	limit  int
	length int64
}

// limitsFor merges account limits with tenant fallbacks: an account value
// of zero inherits the tenant's, and zero on both sides means unlimited.
func limitsFor(a *storage.Account, tenantLimits *storage.RateLimits) []window {
	perMinute, perHour, perDay := a.LimitPerMinute, a.LimitPerHour, a.LimitPerDay
	if tenantLimits != nil {
		if perMinute == 0 {
			perMinute = tenantLimits.PerMinute
		}
		if perHour == 0 {
			perHour = tenantLimits.PerHour
		}
		if perDay == 0 {
			perDay = tenantLimits.PerDay
		}
	}
	return []window{
		{perMinute, windowMinute},
		{perHour, windowHour},
		{perDay, windowDay},
	}
}

// CheckAndPlan decides whether the account may send one more message now.
// When allowed it reserves an in-flight slot that must be settled with
// either LogSend or ReleaseSlot.
func (l *Limiter) CheckAndPlan(ctx context.Context, a *storage.Account, tenantLimits *storage.RateLimits) (Plan, error) {
	now := l.now().Unix()

	l.mu.Lock()
	reserved := l.inFlight[a.PK]
	l.mu.Unlock()

	for _, w := range limitsFor(a, tenantLimits) {
		if w.limit <= 0 {
			continue
		}
		windowStart := (now / w.length) * w.length
		sent, err := l.log.CountSendsSince(ctx, a.PK, windowStart)
		if err != nil {
			return Plan{}, fmt.Errorf("count window sends: %w", err)
		}
		if sent+reserved+1 > w.limit {
			if a.LimitBehavior == storage.LimitReject {
				return Plan{Reject: true}, nil
			}
			// Next boundary of the exhausted window.
			return Plan{DeferUntil: (now/w.length + 1) * w.length}, nil
		}
	}

	l.mu.Lock()
	l.inFlight[a.PK]++
	l.mu.Unlock()
	return Plan{}, nil
}

// LogSend settles a reservation after the SMTP transaction completed and
// records the send against future windows.
func (l *Limiter) LogSend(ctx context.Context, accountPK string) error {
	l.release(accountPK)
	if err := l.log.LogSend(ctx, accountPK, l.now().Unix()); err != nil {
		return fmt.Errorf("persist send: %w", err)
	}
	return nil
}

// ReleaseSlot settles a reservation that was never used, typically after an
// SMTP connection failure before any send.
func (l *Limiter) ReleaseSlot(accountPK string) {
	l.release(accountPK)
}

func (l *Limiter) release(accountPK string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.inFlight[accountPK] <= 1 {
		delete(l.inFlight, accountPK)
		return
	}
	l.inFlight[accountPK]--
}

// Prune drops send-log entries older than the widest window. Run
// periodically by the scheduler's maintenance tick.
func (l *Limiter) Prune(ctx context.Context) {
	cutoff := l.now().Unix() - windowDay
	n, err := l.log.PruneSendLog(ctx, cutoff)
	if err != nil {
		logger.Warn("send log prune failed", "error", err)
		return
	}
	if n > 0 {
		logger.Debug("pruned send log", "removed", n)
	}
}

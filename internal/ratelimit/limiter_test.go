package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/softwell/mailproxy/internal/storage"
)

type memSendLog struct {
	sends map[string][]int64
}

func newMemSendLog() *memSendLog {
	return &memSendLog{sends: make(map[string][]int64)}
}

func (m *memSendLog) LogSend(_ context.Context, accountPK string, sentTS int64) error {
	m.sends[accountPK] = append(m.sends[accountPK], sentTS)
	return nil
}

func (m *memSendLog) CountSendsSince(_ context.Context, accountPK string, sinceTS int64) (int, error) {
	n := 0
	for _, ts := range m.sends[accountPK] {
		if ts >= sinceTS {
			n++
		}
	}
	return n, nil
}

func (m *memSendLog) PruneSendLog(_ context.Context, beforeTS int64) (int, error) {
	removed := 0
	for pk, all := range m.sends {
		var kept []int64
		for _, ts := range all {
			if ts >= beforeTS {
				kept = append(kept, ts)
			} else {
				removed++
			}
		}
		m.sends[pk] = kept
	}
	return removed, nil
}

func newTestLimiter(log SendLog, nowTS int64) *Limiter {
	l := New(log)
	l.now = func() time.Time { return time.Unix(nowTS, 0) }
	return l
}

func TestCheckAndPlanUnlimitedAccount(t *testing.T) {
	l := newTestLimiter(newMemSendLog(), 1000)
	acct := &storage.Account{PK: "acct-1"}

	plan, err := l.CheckAndPlan(context.Background(), acct, nil)
	require.NoError(t, err)
	assert.True(t, plan.Allowed())
}

func TestCheckAndPlanDefersAtWindowBoundary(t *testing.T) {
	log := newMemSendLog()
	nowTS := int64(1030) // inside the minute window [1020, 1080)
	l := newTestLimiter(log, nowTS)
	acct := &storage.Account{PK: "acct-1", LimitPerMinute: 2, LimitBehavior: storage.LimitDefer}

	for i := 0; i < 2; i++ {
		plan, err := l.CheckAndPlan(context.Background(), acct, nil)
		require.NoError(t, err)
		require.True(t, plan.Allowed())
		require.NoError(t, l.LogSend(context.Background(), acct.PK))
	}

	plan, err := l.CheckAndPlan(context.Background(), acct, nil)
	require.NoError(t, err)
	assert.False(t, plan.Allowed())
	assert.False(t, plan.Reject)
	assert.Equal(t, int64(1080), plan.DeferUntil, "defer to next minute boundary")
}

func TestCheckAndPlanRejectBehavior(t *testing.T) {
	log := newMemSendLog()
	l := newTestLimiter(log, 1000)
	acct := &storage.Account{PK: "acct-1", LimitPerMinute: 1, LimitBehavior: storage.LimitReject}

	plan, err := l.CheckAndPlan(context.Background(), acct, nil)
	require.NoError(t, err)
	require.True(t, plan.Allowed())
	require.NoError(t, l.LogSend(context.Background(), acct.PK))

	plan, err = l.CheckAndPlan(context.Background(), acct, nil)
	require.NoError(t, err)
	assert.True(t, plan.Reject)
	assert.Zero(t, plan.DeferUntil)
}

func TestInFlightReservationCountsAgainstLimit(t *testing.T) {
	l := newTestLimiter(newMemSendLog(), 1000)
	acct := &storage.Account{PK: "acct-1", LimitPerMinute: 1, LimitBehavior: storage.LimitDefer}

	plan, err := l.CheckAndPlan(context.Background(), acct, nil)
	require.NoError(t, err)
	require.True(t, plan.Allowed())

	// Slot is reserved but not yet logged: the next send must wait.
	plan, err = l.CheckAndPlan(context.Background(), acct, nil)
	require.NoError(t, err)
	assert.False(t, plan.Allowed())

	// Releasing the unused slot frees the window again.
	l.ReleaseSlot(acct.PK)
	plan, err = l.CheckAndPlan(context.Background(), acct, nil)
	require.NoError(t, err)
	assert.True(t, plan.Allowed())
}

func TestTenantLimitsFillAccountGaps(t *testing.T) {
	log := newMemSendLog()
	l := newTestLimiter(log, 1000)
	acct := &storage.Account{PK: "acct-1", LimitBehavior: storage.LimitDefer}
	tenant := &storage.RateLimits{PerMinute: 1}

	plan, err := l.CheckAndPlan(context.Background(), acct, tenant)
	require.NoError(t, err)
	require.True(t, plan.Allowed())
	require.NoError(t, l.LogSend(context.Background(), acct.PK))

	plan, err = l.CheckAndPlan(context.Background(), acct, tenant)
	require.NoError(t, err)
	assert.False(t, plan.Allowed())
}

func TestAccountLimitOverridesTenant(t *testing.T) {
	log := newMemSendLog()
	l := newTestLimiter(log, 1000)
	acct := &storage.Account{PK: "acct-1", LimitPerMinute: 5, LimitBehavior: storage.LimitDefer}
	tenant := &storage.RateLimits{PerMinute: 1}

	for i := 0; i < 3; i++ {
		plan, err := l.CheckAndPlan(context.Background(), acct, tenant)
		require.NoError(t, err)
		require.True(t, plan.Allowed())
		require.NoError(t, l.LogSend(context.Background(), acct.PK))
	}
}

func TestPruneDropsOldEntries(t *testing.T) {
	log := newMemSendLog()
	nowTS := int64(200000)
	require.NoError(t, log.LogSend(context.Background(), "acct-1", nowTS-90000))
	require.NoError(t, log.LogSend(context.Background(), "acct-1", nowTS-10))

	l := newTestLimiter(log, nowTS)
	l.Prune(context.Background())

	n, err := log.CountSendsSince(context.Background(), "acct-1", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

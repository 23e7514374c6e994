package receiver

import (
	"context"
	"time"

	"github.com/softwell/mailproxy/internal/pkg/logger"
	"github.com/softwell/mailproxy/internal/storage"
)

// SweepStore is the storage surface of the acceptance-timeout sweep.
type SweepStore interface {
	ListTenants(ctx context.Context, activeOnly bool) ([]*storage.Tenant, error)
	ListPECAwaitingAcceptance(ctx context.Context, tenantID string, sentBefore int64) ([]*storage.Message, error)
	ClearPECFlag(ctx context.Context, pk string) error
}

// Sweeper downgrades PEC messages whose acceptance receipt never arrived
// within the tenant's deadline: the recipient was evidently not a PEC
// address and the message counts as ordinary sent mail.
type Sweeper struct {
	store    SweepStore
	interval time.Duration
	now      func() time.Time
}

// NewSweeper builds the sweep task; interval defaults to 10 minutes.
func NewSweeper(store SweepStore, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &Sweeper{store: store, interval: interval, now: time.Now}
}

// Run sweeps until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs one pass over all active tenants. Returns how many
// messages were downgraded.
func (s *Sweeper) SweepOnce(ctx context.Context) int {
	tenants, err := s.store.ListTenants(ctx, true)
	if err != nil {
		logger.Error("sweep: list tenants failed", "error", err)
		return 0
	}

	cleared := 0
	for _, tenant := range tenants {
		deadline := tenant.PECAcceptanceDeadline
		if deadline <= 0 {
			deadline = 86400
		}
		sentBefore := s.now().Unix() - deadline
		msgs, err := s.store.ListPECAwaitingAcceptance(ctx, tenant.ID, sentBefore)
		if err != nil {
			logger.Warn("sweep: list pec messages failed",
				"tenant_id", tenant.ID, "error", err)
			continue
		}
		for _, m := range msgs {
			if err := s.store.ClearPECFlag(ctx, m.PK); err != nil {
				logger.Warn("sweep: clear pec flag failed",
					"message", m.PK, "error", err)
				continue
			}
			cleared++
		}
	}
	if cleared > 0 {
		logger.Info("pec acceptance sweep downgraded messages", "count", cleared)
	}
	return cleared
}

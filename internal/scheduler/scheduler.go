// Package scheduler runs the dispatch loop: it drains ready messages from
// storage, renders and sends them over pooled SMTP sessions, and records
// the outcome through the event log.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/softwell/mailproxy/internal/pkg/logger"
	"github.com/softwell/mailproxy/internal/ratelimit"
	"github.com/softwell/mailproxy/internal/retry"
	"github.com/softwell/mailproxy/internal/smtppool"
	"github.com/softwell/mailproxy/internal/storage"
)

// Config tunes the dispatch loop. Zero values select the defaults.
type Config struct {
	SendLoopInterval      time.Duration
	MaintenanceInterval   time.Duration
	FetchLimit            int
	BatchSizePerAccount   int
	GlobalConcurrency     int64
	PerAccountConcurrency int64
	AttachmentConcurrency int64
	QueuePutTimeout       time.Duration
}

func (c *Config) applyDefaults() {
	if c.SendLoopInterval <= 0 {
		c.SendLoopInterval = 30 * time.Second
	}
	if c.MaintenanceInterval <= 0 {
		c.MaintenanceInterval = 150 * time.Second
	}
	if c.FetchLimit <= 0 {
		c.FetchLimit = 100
	}
	if c.BatchSizePerAccount <= 0 {
		c.BatchSizePerAccount = 50
	}
	if c.GlobalConcurrency <= 0 {
		c.GlobalConcurrency = 10
	}
	if c.PerAccountConcurrency <= 0 {
		c.PerAccountConcurrency = 3
	}
	if c.AttachmentConcurrency <= 0 {
		c.AttachmentConcurrency = 3
	}
	if c.QueuePutTimeout <= 0 {
		c.QueuePutTimeout = 5 * time.Second
	}
}

// Store is the storage surface the scheduler needs.
type Store interface {
	FetchReady(ctx context.Context, limit int, nowTS int64, filter storage.ReadyFilter) ([]*storage.Message, error)
	GetTenant(ctx context.Context, id string) (*storage.Tenant, error)
	GetAccountByPK(ctx context.Context, pk string) (*storage.Account, error)
	AddEvent(ctx context.Context, e *storage.Event) error
	UpdatePayload(ctx context.Context, pk string, payload storage.Envelope) error
}

// Limiter is the rate-limiting surface the scheduler needs.
type Limiter interface {
	CheckAndPlan(ctx context.Context, a *storage.Account, tenantLimits *storage.RateLimits) (ratelimit.Plan, error)
	LogSend(ctx context.Context, accountPK string) error
	ReleaseSlot(accountPK string)
	Prune(ctx context.Context)
}

// SessionPool is the SMTP pool surface the scheduler needs.
type SessionPool interface {
	WithConnection(ctx context.Context, a *storage.Account, fn func(smtppool.Session) error) error
	CleanupExpired()
}

// Result is the in-memory echo of one dispatch outcome, consumed by the
// status endpoint and tests. Dropping a result never loses data; the
// event log is authoritative.
type Result struct {
	MessagePK string
	MessageID string
	TenantID  string
	EventType string
	Detail    string
}

// Scheduler owns the send loop.
type Scheduler struct {
	cfg      Config
	store    Store
	limiter  Limiter
	pool     SessionPool
	builder  *Builder
	strategy *retry.Strategy

	wake      chan struct{}
	results   chan Result
	wakeOther func() // reporter nudge after a productive cycle
	paused    atomic.Bool

	globalSem *semaphore.Weighted
	attachSem *semaphore.Weighted

	mu          sync.Mutex
	accountSems map[string]*semaphore.Weighted

	now func() time.Time
}

// New assembles a scheduler. wakeReporter may be nil.
func New(cfg Config, store Store, limiter Limiter, pool SessionPool, builder *Builder, strategy *retry.Strategy, wakeReporter func()) *Scheduler {
	cfg.applyDefaults()
	if strategy == nil {
		strategy = retry.NewStrategy(0, nil)
	}
	if wakeReporter == nil {
		wakeReporter = func() {}
	}
	return &Scheduler{
		cfg:         cfg,
		store:       store,
		limiter:     limiter,
		pool:        pool,
		builder:     builder,
		strategy:    strategy,
		wake:        make(chan struct{}, 1),
		results:     make(chan Result, 256),
		wakeOther:   wakeReporter,
		globalSem:   semaphore.NewWeighted(cfg.GlobalConcurrency),
		attachSem:   semaphore.NewWeighted(cfg.AttachmentConcurrency),
		accountSems: make(map[string]*semaphore.Weighted),
		now:         time.Now,
	}
}

// Wake triggers an immediate cycle, coalescing with any pending wake.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Results exposes the dispatch outcome channel.
func (s *Scheduler) Results() <-chan Result { return s.results }

// Pause stops dispatching without stopping the loop; queued mail stays
// queued until Resume.
func (s *Scheduler) Pause() { s.paused.Store(true) }

// Resume lifts a Pause and triggers an immediate cycle.
func (s *Scheduler) Resume() {
	s.paused.Store(false)
	s.Wake()
}

// Active reports whether dispatch is currently enabled.
func (s *Scheduler) Active() bool { return !s.paused.Load() }

// Run executes the loop until ctx is cancelled. In-flight sends complete
// before return.
func (s *Scheduler) Run(ctx context.Context) {
	logger.Info("scheduler started",
		"interval", s.cfg.SendLoopInterval.String(),
		"fetch_limit", s.cfg.FetchLimit)

	timer := time.NewTimer(s.cfg.SendLoopInterval)
	defer timer.Stop()
	maintenance := time.NewTicker(s.cfg.MaintenanceInterval)
	defer maintenance.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("scheduler stopped")
			return
		case <-s.wake:
		case <-timer.C:
		case <-maintenance.C:
			s.pool.CleanupExpired()
			s.limiter.Prune(ctx)
			continue
		}

		if s.ProcessCycle(ctx) {
			s.wakeOther()
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(s.cfg.SendLoopInterval)
	}
}

// ProcessCycle runs two back-to-back fetches so immediate-priority mail
// goes out ahead of everything else. Reports whether anything was
// dispatched.
func (s *Scheduler) ProcessCycle(ctx context.Context) bool {
	if s.paused.Load() {
		return false
	}
	nowTS := s.now().Unix()
	processed := false

	urgent, err := s.store.FetchReady(ctx, s.cfg.FetchLimit, nowTS,
		storage.ReadyFilter{Priority: storage.PriorityImmediate, MinPriority: -1})
	if err != nil {
		logger.Error("fetch immediate batch failed", "error", err)
	} else if len(urgent) > 0 {
		s.dispatchBatch(ctx, urgent)
		processed = true
	}

	rest, err := s.store.FetchReady(ctx, s.cfg.FetchLimit, nowTS,
		storage.ReadyFilter{Priority: -1, MinPriority: storage.PriorityHigh})
	if err != nil {
		logger.Error("fetch batch failed", "error", err)
	} else if len(rest) > 0 {
		s.dispatchBatch(ctx, rest)
		processed = true
	}
	return processed
}

// dispatchBatch groups messages by account, caps each group, and sends the
// capped groups concurrently under the global and per-account semaphores.
func (s *Scheduler) dispatchBatch(ctx context.Context, batch []*storage.Message) {
	groups := make(map[string][]*storage.Message)
	for _, m := range batch {
		key := m.AccountID
		if key == "" {
			key = "default"
		}
		groups[key] = append(groups[key], m)
	}

	var wg sync.WaitGroup
	for accountID, group := range groups {
		limit := s.cfg.BatchSizePerAccount
		if group[0].AccountPK != "" {
			if acct, err := s.store.GetAccountByPK(ctx, group[0].AccountPK); err == nil {
				if acct.BatchSize > 0 && acct.BatchSize < limit {
					limit = acct.BatchSize
				}
			}
		}
		if len(group) > limit {
			group = group[:limit]
		}

		acctSem := s.accountSem(accountID)
		for _, msg := range group {
			if ctx.Err() != nil {
				break
			}
			if err := s.globalSem.Acquire(ctx, 1); err != nil {
				break
			}
			if err := acctSem.Acquire(ctx, 1); err != nil {
				s.globalSem.Release(1)
				break
			}
			wg.Add(1)
			go func(m *storage.Message) {
				defer wg.Done()
				defer s.globalSem.Release(1)
				defer acctSem.Release(1)
				s.dispatchMessage(ctx, m)
			}(msg)
		}
	}
	wg.Wait()
}

// accountSem returns the per-account semaphore, creating it on first use.
// Semaphores live for the process lifetime.
func (s *Scheduler) accountSem(accountID string) *semaphore.Weighted {
	s.mu.Lock()
	defer s.mu.Unlock()
	sem, ok := s.accountSems[accountID]
	if !ok {
		sem = semaphore.NewWeighted(s.cfg.PerAccountConcurrency)
		s.accountSems[accountID] = sem
	}
	return sem
}

// dispatchMessage runs the full pipeline for one message: build, rate
// check, SMTP send, outcome event. Every path ends in exactly one event.
func (s *Scheduler) dispatchMessage(ctx context.Context, msg *storage.Message) {
	tenant, err := s.store.GetTenant(ctx, msg.TenantID)
	if err != nil {
		s.recordError(ctx, msg, fmt.Sprintf("tenant lookup failed: %v", err), 0)
		return
	}

	if msg.AccountPK == "" {
		s.recordError(ctx, msg,
			fmt.Sprintf("account_configuration: no account %q for tenant %s",
				msg.AccountID, msg.TenantID), 0)
		return
	}
	account, err := s.store.GetAccountByPK(ctx, msg.AccountPK)
	if err != nil {
		s.recordError(ctx, msg,
			fmt.Sprintf("account_configuration: %v", err), 0)
		return
	}

	built, err := s.buildMessage(ctx, tenant, msg)
	if err != nil {
		var missing *MissingFieldError
		switch {
		case errors.As(err, &missing):
			s.recordError(ctx, msg, missing.Error(), 0)
		case errors.Is(err, ErrAttachmentTooLarge):
			s.recordError(ctx, msg, err.Error(), 0)
		default:
			s.recordError(ctx, msg, fmt.Sprintf("build failed: %v", err), 0)
		}
		return
	}

	plan, err := s.limiter.CheckAndPlan(ctx, account, tenant.RateLimits)
	if err != nil {
		s.recordError(ctx, msg, fmt.Sprintf("rate check failed: %v", err), 0)
		return
	}
	if plan.Reject {
		s.recordError(ctx, msg, "rate_limit_exceeded", 0)
		return
	}
	if plan.DeferUntil > 0 {
		s.recordDeferred(ctx, msg, plan.DeferUntil, msg.Payload.RetryCount,
			"rate limit window exhausted")
		return
	}

	sendErr := s.pool.WithConnection(ctx, account, func(session smtppool.Session) error {
		return transmit(session, built)
	})

	if sendErr == nil {
		if err := s.limiter.LogSend(ctx, account.PK); err != nil {
			logger.Warn("send accounting failed", "account", account.PK, "error", err)
		}
		s.recordSent(ctx, msg)
		return
	}

	s.limiter.ReleaseSlot(account.PK)
	transient, code := retry.ClassifyError(sendErr)
	retryCount := msg.Payload.RetryCount
	if transient && s.strategy.ShouldRetry(retryCount) {
		nextTS := s.now().Unix() + s.strategy.CalculateDelay(retryCount)
		payload := msg.Payload
		payload.RetryCount = retryCount + 1
		if err := s.store.UpdatePayload(ctx, msg.PK, payload); err != nil {
			logger.Error("persist retry count failed", "message", msg.PK, "error", err)
		}
		s.recordDeferred(ctx, msg, nextTS, retryCount+1, sendErr.Error())
		return
	}
	s.recordError(ctx, msg, sendErr.Error(), code)
}

// buildMessage renders under the attachment concurrency cap.
func (s *Scheduler) buildMessage(ctx context.Context, tenant *storage.Tenant, msg *storage.Message) (*Built, error) {
	if len(msg.Payload.Attachments) > 0 {
		if err := s.attachSem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		defer s.attachSem.Release(1)
	}
	return s.builder.Build(ctx, tenant, msg)
}

// transmit drives one SMTP transaction on an open session.
func transmit(session smtppool.Session, b *Built) error {
	if err := session.Mail(b.From); err != nil {
		return fmt.Errorf("MAIL FROM: %w", err)
	}
	for _, rcpt := range b.Recipients {
		if err := session.Rcpt(rcpt); err != nil {
			return fmt.Errorf("RCPT TO %s: %w", rcpt, err)
		}
	}
	w, err := session.Data()
	if err != nil {
		return fmt.Errorf("DATA: %w", err)
	}
	if _, err := w.Write(b.Raw); err != nil {
		w.Close()
		return fmt.Errorf("write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close body: %w", err)
	}
	return nil
}

func (s *Scheduler) recordSent(ctx context.Context, msg *storage.Message) {
	s.addEvent(ctx, msg, &storage.Event{
		MessagePK:   msg.PK,
		Type:        storage.EventSent,
		TS:          s.now().Unix(),
		Description: "sent",
	})
}

func (s *Scheduler) recordError(ctx context.Context, msg *storage.Message, description string, smtpCode int) {
	s.addEvent(ctx, msg, &storage.Event{
		MessagePK:   msg.PK,
		Type:        storage.EventError,
		TS:          s.now().Unix(),
		Description: description,
		Metadata:    storage.EventMetadata{SMTPCode: smtpCode},
	})
}

func (s *Scheduler) recordDeferred(ctx context.Context, msg *storage.Message, untilTS int64, retryCount int, description string) {
	s.addEvent(ctx, msg, &storage.Event{
		MessagePK:   msg.PK,
		Type:        storage.EventDeferred,
		TS:          s.now().Unix(),
		Description: description,
		Metadata:    storage.EventMetadata{DeferredTS: untilTS, RetryCount: retryCount},
	})
}

// addEvent writes the event and echoes it on the result channel with
// bounded backpressure.
func (s *Scheduler) addEvent(ctx context.Context, msg *storage.Message, e *storage.Event) {
	if err := s.store.AddEvent(ctx, e); err != nil {
		logger.Error("event write failed",
			"message", msg.PK, "type", e.Type, "error", err)
		return
	}

	res := Result{
		MessagePK: msg.PK,
		MessageID: msg.ID,
		TenantID:  msg.TenantID,
		EventType: e.Type,
		Detail:    e.Description,
	}
	select {
	case s.results <- res:
	case <-time.After(s.cfg.QueuePutTimeout):
		logger.Warn("result channel full, dropping echo",
			"message", msg.PK, "type", e.Type)
	case <-ctx.Done():
	}
}

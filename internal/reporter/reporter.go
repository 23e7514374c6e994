// Package reporter ships delivery events to tenant webhooks. Events are
// sent at least once, in (event_ts, id) order, and marked reported only
// after the tenant acknowledges with a 2xx.
package reporter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/softwell/mailproxy/internal/pkg/httpretry"
	"github.com/softwell/mailproxy/internal/pkg/logger"
	"github.com/softwell/mailproxy/internal/storage"
)

// Config tunes the report loop. Zero values select the defaults.
type Config struct {
	ReportInterval time.Duration
	SyncInterval   time.Duration // per-tenant minimum gap between POSTs
	FailureBackoff time.Duration // Do-Not-Disturb window after a failure
	FetchLimit     int
	GlobalSyncURL  string // fallback for tenants without a base URL
	RetentionDays  int    // reported messages older than this are purged
}

func (c *Config) applyDefaults() {
	if c.ReportInterval <= 0 {
		c.ReportInterval = 30 * time.Second
	}
	if c.SyncInterval <= 0 {
		c.SyncInterval = 10 * time.Second
	}
	if c.FailureBackoff <= 0 {
		c.FailureBackoff = 2 * time.Minute
	}
	if c.FetchLimit <= 0 {
		c.FetchLimit = 200
	}
	if c.RetentionDays <= 0 {
		c.RetentionDays = 7
	}
}

// Store is the storage surface the reporter needs.
type Store interface {
	ListTenants(ctx context.Context, activeOnly bool) ([]*storage.Tenant, error)
	FetchUnreported(ctx context.Context, tenantID string, limit int) ([]*storage.ReportEvent, error)
	MarkReported(ctx context.Context, eventIDs []int64, reportedTS int64) error
	RemoveFullyReportedBefore(ctx context.Context, thresholdTS int64, tenantID string) (int, error)
}

// reportEvent is the wire form of one event in a delivery report: the
// client-facing message id, the event status, an RFC 3339 UTC timestamp
// and the sending account, with failure detail hoisted to top-level
// optional keys. event_id rides along so tenants can dedupe resends.
type reportEvent struct {
	EventID       int64  `json:"event_id"`
	ID            string `json:"id"`
	Status        string `json:"status"`
	Timestamp     string `json:"timestamp"`
	Account       string `json:"account,omitempty"`
	Error         string `json:"error,omitempty"`
	BounceType    string `json:"bounce_type,omitempty"`
	BounceCode    string `json:"bounce_code,omitempty"`
	DeferredUntil string `json:"deferred_until,omitempty"`
}

type reportPayload struct {
	DeliveryReport []reportEvent `json:"delivery_report"`
}

// syncResponse is what tenants answer a delivery report with. queued is
// how many messages the tenant has waiting to hand over.
type syncResponse struct {
	OK     bool  `json:"ok"`
	Queued int64 `json:"queued"`
}

func toWire(e *storage.ReportEvent) reportEvent {
	ev := reportEvent{
		EventID:   e.ID,
		ID:        e.MessageID,
		Status:    e.Type,
		Timestamp: time.Unix(e.TS, 0).UTC().Format(time.RFC3339),
		Account:   e.AccountID,
	}
	switch e.Type {
	case storage.EventError, storage.EventPECError:
		ev.Error = e.Description
	case storage.EventBounce:
		ev.Error = e.Description
		ev.BounceType = e.Metadata.BounceType
		ev.BounceCode = e.Metadata.BounceCode
	case storage.EventDeferred:
		if e.Metadata.DeferredTS > 0 {
			ev.DeferredUntil = time.Unix(e.Metadata.DeferredTS, 0).UTC().Format(time.RFC3339)
		}
	}
	return ev
}

// Reporter owns the webhook delivery loop.
type Reporter struct {
	cfg    Config
	store  Store
	client httpretry.HTTPDoer

	wake chan struct{}

	mu       sync.Mutex
	lastSync map[string]int64 // tenant id -> unix ts; future = DND

	now func() time.Time
}

// New assembles a reporter. A nil client gets a plain HTTP client with a
// bounded timeout; webhook retries ride on the event log, not on HTTP
// replays.
func New(cfg Config, store Store, client httpretry.HTTPDoer) *Reporter {
	cfg.applyDefaults()
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Reporter{
		cfg:      cfg,
		store:    store,
		client:   client,
		wake:     make(chan struct{}, 1),
		lastSync: make(map[string]int64),
		now:      time.Now,
	}
}

// Wake triggers an immediate report pass, coalescing pending wakes.
func (r *Reporter) Wake() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// ResetTenant clears a tenant's sync cadence so the next pass reports it
// immediately. Used by the "run now" command.
func (r *Reporter) ResetTenant(tenantID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.lastSync, tenantID)
}

// LastSync returns when a tenant was last reported (or scheduled for its
// next attempt after a failure). Zero means never.
func (r *Reporter) LastSync(tenantID string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastSync[tenantID]
}

// Run executes the loop until ctx is cancelled.
func (r *Reporter) Run(ctx context.Context) {
	logger.Info("reporter started", "interval", r.cfg.ReportInterval.String())
	ticker := time.NewTicker(r.cfg.ReportInterval)
	defer ticker.Stop()

	retention := time.NewTicker(time.Hour)
	defer retention.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("reporter stopped")
			return
		case <-r.wake:
		case <-ticker.C:
		case <-retention.C:
			r.purgeReported(ctx)
			continue
		}
		r.ReportCycle(ctx)
	}
}

// ReportCycle runs one pass over all active tenants, POSTing each one's
// pending events. Returns the number of events acknowledged.
func (r *Reporter) ReportCycle(ctx context.Context) int {
	tenants, err := r.store.ListTenants(ctx, true)
	if err != nil {
		logger.Error("list tenants failed", "error", err)
		return 0
	}

	acked := 0
	var queued int64
	for _, tenant := range tenants {
		if ctx.Err() != nil {
			return acked
		}
		if !r.eligible(tenant.ID) {
			continue
		}
		n, q, err := r.reportTenant(ctx, tenant)
		if err != nil {
			logger.Warn("delivery report failed",
				"tenant_id", tenant.ID, "error", err)
			r.setNextSync(tenant.ID, r.now().Add(r.cfg.FailureBackoff).Unix())
			continue
		}
		r.setNextSync(tenant.ID, r.now().Unix())
		acked += n
		queued += q
	}
	if queued > 0 {
		// Tenants are holding messages; run another pass without waiting
		// for the ticker.
		logger.Debug("tenants report queued messages", "queued", queued)
		r.Wake()
	}
	return acked
}

// eligible applies the per-tenant cadence; a future-dated entry is a
// Do-Not-Disturb window.
func (r *Reporter) eligible(tenantID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	last, ok := r.lastSync[tenantID]
	if !ok {
		return true
	}
	now := r.now().Unix()
	if last > now {
		return false // DND
	}
	return now-last >= int64(r.cfg.SyncInterval/time.Second)
}

func (r *Reporter) setNextSync(tenantID string, ts int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastSync[tenantID] = ts
}

// reportTenant POSTs one tenant's pending events and marks them reported
// on acknowledgment. A tenant with nothing pending still gets an empty
// report on its cadence; the response's queued count tells us whether the
// tenant is holding messages for us.
func (r *Reporter) reportTenant(ctx context.Context, tenant *storage.Tenant) (int, int64, error) {
	events, err := r.store.FetchUnreported(ctx, tenant.ID, r.cfg.FetchLimit)
	if err != nil {
		return 0, 0, fmt.Errorf("fetch unreported: %w", err)
	}

	syncURL := tenant.SyncURL()
	if syncURL == "" {
		syncURL = r.cfg.GlobalSyncURL
	}
	if syncURL == "" {
		if len(events) > 0 {
			logger.Debug("tenant has no sync url, events stay unreported",
				"tenant_id", tenant.ID, "pending", len(events))
		}
		return 0, 0, nil
	}

	payload := reportPayload{DeliveryReport: make([]reportEvent, 0, len(events))}
	ids := make([]int64, 0, len(events))
	for _, e := range events {
		ids = append(ids, e.ID)
		payload.DeliveryReport = append(payload.DeliveryReport, toWire(e))
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return 0, 0, fmt.Errorf("encode report: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, syncURL,
		bytes.NewReader(body))
	if err != nil {
		return 0, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	applyAuth(req, tenant.ClientAuth)

	resp, err := r.client.Do(req)
	if err != nil {
		return 0, 0, fmt.Errorf("post report: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, resp.Body)
		return 0, 0, fmt.Errorf("tenant replied status %d", resp.StatusCode)
	}
	// A non-JSON body still acknowledges the report.
	var sync syncResponse
	_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&sync)
	io.Copy(io.Discard, resp.Body)

	if len(ids) == 0 {
		return 0, sync.Queued, nil
	}
	if err := r.store.MarkReported(ctx, ids, r.now().Unix()); err != nil {
		// Events will be re-sent next pass; the tenant dedupes by event id.
		return 0, sync.Queued, fmt.Errorf("mark reported: %w", err)
	}
	logger.Info("delivery report acknowledged",
		"tenant_id", tenant.ID, "events", len(ids), "client_queued", sync.Queued)
	return len(ids), sync.Queued, nil
}

// purgeReported removes messages whose full event history was acknowledged
// longer ago than the retention window.
func (r *Reporter) purgeReported(ctx context.Context) {
	threshold := r.now().AddDate(0, 0, -r.cfg.RetentionDays).Unix()
	n, err := r.store.RemoveFullyReportedBefore(ctx, threshold, "")
	if err != nil {
		logger.Warn("report retention purge failed", "error", err)
		return
	}
	if n > 0 {
		logger.Info("purged reported messages", "removed", n)
	}
}

func applyAuth(req *http.Request, auth *storage.AuthConfig) {
	if auth == nil {
		return
	}
	switch auth.Method {
	case storage.AuthBearer:
		req.Header.Set("Authorization", "Bearer "+auth.Token)
	case storage.AuthBasic:
		req.SetBasicAuth(auth.User, auth.Password)
	}
}

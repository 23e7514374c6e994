package command

import (
	"context"

	"github.com/softwell/mailproxy/internal/pkg/logger"
	"github.com/softwell/mailproxy/internal/storage"
)

// messageSubmission is one element of an addMessages batch. Envelope
// fields (from, to, subject, body, attachments, ...) ride inline.
type messageSubmission struct {
	ID         string      `json:"id"`
	AccountID  string      `json:"account_id"`
	Priority   interface{} `json:"priority"`
	BatchCode  string      `json:"batch_code"`
	DeferredTS int64       `json:"deferred_ts"`
	storage.Envelope
}

type addMessagesRequest struct {
	TenantID string              `json:"tenant_id"`
	Messages []messageSubmission `json:"messages"`
}

type rejectedEntry struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// validate returns the reason a submission cannot be queued, or "".
func (m *messageSubmission) validate() string {
	if m.ID == "" {
		return "missing id"
	}
	if m.AccountID == "" {
		return "missing account_id"
	}
	if len(m.To)+len(m.CC)+len(m.BCC) == 0 {
		return "no recipients"
	}
	return ""
}

// addMessages queues a batch for one tenant. Already-terminated ids are
// rejected with "already sent"; validation failures that still carry an
// id are persisted with an error event so the tenant hears about them
// through the delivery report. ok is false only when every submitted
// message failed validation.
func addMessages(ctx context.Context, d *Dispatcher, fields map[string]interface{}) (interface{}, error) {
	var req addMessagesRequest
	if err := decodeInto(fields, &req); err != nil {
		return nil, err
	}
	if req.TenantID == "" {
		return nil, errValidation("tenant_id is required")
	}
	if len(req.Messages) > MaxEnqueueBatch {
		return nil, errValidation("batch of %d exceeds the %d message cap",
			len(req.Messages), MaxEnqueueBatch)
	}
	if _, err := d.store.GetTenant(ctx, req.TenantID); err != nil {
		return nil, err
	}

	var entries []storage.MessageEntry
	var rejected []rejectedEntry
	invalid := 0
	submitted := make(map[string]bool, len(req.Messages))
	for _, sub := range req.Messages {
		if reason := sub.validate(); reason != "" {
			invalid++
			rejected = append(rejected, rejectedEntry{ID: sub.ID, Reason: reason})
			d.persistRejected(ctx, req.TenantID, &sub, reason)
			continue
		}
		submitted[sub.ID] = true
		entries = append(entries, storage.MessageEntry{
			ID:         sub.ID,
			AccountID:  sub.AccountID,
			Priority:   storage.NormalizePriority(sub.Priority, storage.PriorityMedium),
			Payload:    sub.Envelope,
			BatchCode:  sub.BatchCode,
			DeferredTS: sub.DeferredTS,
		})
	}

	results, err := d.store.InsertMessages(ctx, req.TenantID, entries)
	if err != nil {
		return nil, err
	}
	for _, r := range results {
		delete(submitted, r.ID)
	}
	// Whatever was not inserted hit an SMTP-terminal row.
	for _, e := range entries {
		if submitted[e.ID] {
			rejected = append(rejected, rejectedEntry{ID: e.ID, Reason: "already sent"})
		}
	}

	if len(results) > 0 && d.scheduler != nil {
		d.scheduler.Wake()
	}

	resp := Response{"queued": len(results)}
	if rejected != nil {
		resp["rejected"] = rejected
	}
	if len(req.Messages) > 0 && invalid == len(req.Messages) {
		resp["ok"] = false
	}
	return resp, nil
}

// persistRejected stores an identifiable but invalid submission with an
// error event, so the rejection reaches the tenant's webhook. Best
// effort: failures are logged, never surfaced.
func (d *Dispatcher) persistRejected(ctx context.Context, tenantID string, sub *messageSubmission, reason string) {
	if sub.ID == "" {
		return
	}
	results, err := d.store.InsertMessages(ctx, tenantID, []storage.MessageEntry{{
		ID:        sub.ID,
		AccountID: sub.AccountID,
		Priority:  storage.NormalizePriority(sub.Priority, storage.PriorityMedium),
		Payload:   sub.Envelope,
		BatchCode: sub.BatchCode,
	}})
	if err != nil || len(results) == 0 {
		return
	}
	err = d.store.AddEvent(ctx, &storage.Event{
		MessagePK:   results[0].PK,
		Type:        storage.EventError,
		TS:          d.now().Unix(),
		Description: "validation: " + reason,
	})
	if err != nil {
		logger.Warn("persist rejected submission failed",
			"tenant_id", tenantID, "message_id", sub.ID, "error", err)
	}
}

func getMessage(ctx context.Context, d *Dispatcher, fields map[string]interface{}) (interface{}, error) {
	tenantID, _ := fields["tenant_id"].(string)
	id, _ := fields["id"].(string)
	if tenantID == "" || id == "" {
		return nil, errValidation("tenant_id and id are required")
	}
	m, err := d.store.GetMessage(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	return viewMessage(m), nil
}

type messageView struct {
	ID         string           `json:"id"`
	TenantID   string           `json:"tenant_id"`
	AccountID  string           `json:"account_id,omitempty"`
	Priority   int              `json:"priority"`
	Payload    storage.Envelope `json:"payload"`
	BatchCode  string           `json:"batch_code,omitempty"`
	IsPEC      bool             `json:"is_pec,omitempty"`
	DeferredTS int64            `json:"deferred_ts,omitempty"`
	SMTPTS     int64            `json:"smtp_ts,omitempty"`
	CreatedAt  int64            `json:"created_at,omitempty"`
}

func viewMessage(m *storage.Message) messageView {
	return messageView{
		ID:         m.ID,
		TenantID:   m.TenantID,
		AccountID:  m.AccountID,
		Priority:   m.Priority,
		Payload:    m.Payload,
		BatchCode:  m.BatchCode,
		IsPEC:      m.IsPEC,
		DeferredTS: m.DeferredTS,
		SMTPTS:     m.SMTPTS,
		CreatedAt:  m.CreatedAt,
	}
}

func listMessages(ctx context.Context, d *Dispatcher, fields map[string]interface{}) (interface{}, error) {
	tenantID, _ := fields["tenant_id"].(string)
	if tenantID == "" {
		return nil, errValidation("tenant_id is required")
	}
	activeOnly, _ := fields["active_only"].(bool)
	msgs, err := d.store.ListMessages(ctx, tenantID, activeOnly)
	if err != nil {
		return nil, err
	}
	views := make([]messageView, 0, len(msgs))
	for _, m := range msgs {
		views = append(views, viewMessage(m))
	}
	return views, nil
}

type deleteMessagesRequest struct {
	TenantID string   `json:"tenant_id"`
	IDs      []string `json:"ids"`
}

// deleteMessages removes the subset of ids the tenant actually owns;
// foreign or unknown ids are silently skipped.
func deleteMessages(ctx context.Context, d *Dispatcher, fields map[string]interface{}) (interface{}, error) {
	var req deleteMessagesRequest
	if err := decodeInto(fields, &req); err != nil {
		return nil, err
	}
	if req.TenantID == "" {
		return nil, errValidation("tenant_id is required")
	}
	if len(req.IDs) == 0 {
		return nil, errValidation("ids is required")
	}
	owned, err := d.store.GetIDsForTenant(ctx, req.IDs, req.TenantID)
	if err != nil {
		return nil, err
	}
	deleted := 0
	for _, id := range owned {
		ok, err := d.store.DeleteMessage(ctx, req.TenantID, id)
		if err != nil {
			return nil, err
		}
		if ok {
			deleted++
		}
	}
	return Response{"deleted": deleted}, nil
}

// cleanupMessages purges fully reported messages older than the given
// horizon (default 7 days), optionally scoped to one tenant.
func cleanupMessages(ctx context.Context, d *Dispatcher, fields map[string]interface{}) (interface{}, error) {
	tenantID, _ := fields["tenant_id"].(string)
	days, _ := fields["older_than_days"].(float64)
	if days <= 0 {
		days = 7
	}
	threshold := d.now().Unix() - int64(days)*86400
	n, err := d.store.RemoveFullyReportedBefore(ctx, threshold, tenantID)
	if err != nil {
		return nil, err
	}
	return Response{"removed": n}, nil
}

type eventView struct {
	ID          int64                 `json:"id"`
	Type        string                `json:"type"`
	TS          int64                 `json:"ts"`
	Description string                `json:"description,omitempty"`
	Metadata    storage.EventMetadata `json:"metadata,omitempty"`
	ReportedTS  int64                 `json:"reported_ts,omitempty"`
}

func listEvents(ctx context.Context, d *Dispatcher, fields map[string]interface{}) (interface{}, error) {
	tenantID, _ := fields["tenant_id"].(string)
	id, _ := fields["id"].(string)
	if tenantID == "" || id == "" {
		return nil, errValidation("tenant_id and id are required")
	}
	m, err := d.store.GetMessage(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	events, err := d.store.ListEvents(ctx, m.PK)
	if err != nil {
		return nil, err
	}
	views := make([]eventView, 0, len(events))
	for _, e := range events {
		views = append(views, eventView{
			ID:          e.ID,
			Type:        e.Type,
			TS:          e.TS,
			Description: e.Description,
			Metadata:    e.Metadata,
			ReportedTS:  e.ReportedTS,
		})
	}
	return views, nil
}

package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
)

// AddEvent appends an event row and applies its state effect to the message
// in the same transaction. This is the only writer of smtp_ts and the only
// event-driven writer of deferred_ts, so message state and event history
// can never disagree.
//
// Effects by type: sent and error stamp smtp_ts and clear deferred_ts;
// deferred stamps deferred_ts (from metadata, falling back to the event
// timestamp). Receipt events (bounce, pec_*) record history only.
func (s *Store) AddEvent(ctx context.Context, e *Event) error {
	if e.MessagePK == "" {
		return fmt.Errorf("event message_pk required")
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			INSERT INTO message_events (message_pk, event_type, event_ts, description, metadata)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id`,
			e.MessagePK, e.Type, e.TS, e.Description, e.Metadata).Scan(&e.ID)
		if err != nil {
			return fmt.Errorf("insert event %s for %s: %w", e.Type, e.MessagePK, err)
		}

		switch e.Type {
		case EventSent, EventError:
			_, err = tx.ExecContext(ctx, `
				UPDATE messages SET smtp_ts = $2, deferred_ts = NULL, updated_at = $2
				WHERE pk = $1`, e.MessagePK, e.TS)
		case EventDeferred:
			next := e.Metadata.DeferredTS
			if next == 0 {
				next = e.TS
			}
			_, err = tx.ExecContext(ctx, `
				UPDATE messages SET deferred_ts = $2, updated_at = $3
				WHERE pk = $1`, e.MessagePK, next, e.TS)
		}
		if err != nil {
			return fmt.Errorf("apply event %s to %s: %w", e.Type, e.MessagePK, err)
		}
		return nil
	})
}

// FetchUnreported returns unreported events for one tenant joined to their
// messages, oldest first, so webhook deliveries preserve event order.
func (s *Store) FetchUnreported(ctx context.Context, tenantID string, limit int) ([]*ReportEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.id, e.message_pk, e.event_type, e.event_ts, e.description,
			COALESCE(e.metadata, '{}'::jsonb), m.id, m.tenant_id, m.account_id
		FROM message_events e
		JOIN messages m ON m.pk = e.message_pk
		WHERE m.tenant_id = $1 AND e.reported_ts IS NULL
		ORDER BY e.event_ts ASC, e.id ASC
		LIMIT $2`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch unreported for %s: %w", tenantID, err)
	}
	defer rows.Close()

	var events []*ReportEvent
	for rows.Next() {
		var ev ReportEvent
		err := rows.Scan(&ev.ID, &ev.MessagePK, &ev.Type, &ev.TS, &ev.Description,
			&ev.Metadata, &ev.MessageID, &ev.TenantID, &ev.AccountID)
		if err != nil {
			return nil, err
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}

// MarkReported stamps reported_ts on acknowledged events. Events already
// reported keep their original timestamp.
func (s *Store) MarkReported(ctx context.Context, eventIDs []int64, reportedTS int64) error {
	if len(eventIDs) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE message_events SET reported_ts = $2
		WHERE id = ANY($1) AND reported_ts IS NULL`,
		pq.Array(eventIDs), reportedTS)
	if err != nil {
		return fmt.Errorf("mark reported: %w", err)
	}
	return nil
}

// ListEvents returns the full event history for a message, oldest first.
func (s *Store) ListEvents(ctx context.Context, messagePK string) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, message_pk, event_type, event_ts, description,
			COALESCE(metadata, '{}'::jsonb), COALESCE(reported_ts, 0)
		FROM message_events
		WHERE message_pk = $1
		ORDER BY event_ts ASC, id ASC`, messagePK)
	if err != nil {
		return nil, fmt.Errorf("list events for %s: %w", messagePK, err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var ev Event
		err := rows.Scan(&ev.ID, &ev.MessagePK, &ev.Type, &ev.TS,
			&ev.Description, &ev.Metadata, &ev.ReportedTS)
		if err != nil {
			return nil, err
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}

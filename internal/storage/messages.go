package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// MessageEntry is one element of an insert batch.
type MessageEntry struct {
	ID         string
	AccountID  string
	Priority   int
	Payload    Envelope
	BatchCode  string
	DeferredTS int64
}

// InsertResult reports the outcome of one batch entry.
type InsertResult struct {
	ID string
	PK string
}

// InsertMessages upserts a batch of queue entries for one tenant. Entries
// whose (tenant_id, id) already reached an SMTP-terminal state are skipped
// and not returned; pending rows are updated in place. Each entry is
// processed atomically.
func (s *Store) InsertMessages(ctx context.Context, tenantID string, entries []MessageEntry) ([]InsertResult, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant id required")
	}
	pecPKs, err := s.GetPECAccountPKs(ctx)
	if err != nil {
		return nil, err
	}

	var results []InsertResult
	now := time.Now().Unix()
	for _, entry := range entries {
		var res *InsertResult
		err := s.inTx(ctx, func(tx *sql.Tx) error {
			var existingPK string
			var smtpTS sql.NullInt64
			err := tx.QueryRowContext(ctx, `
				SELECT pk, smtp_ts FROM messages
				WHERE tenant_id = $1 AND id = $2 FOR UPDATE`,
				tenantID, entry.ID).Scan(&existingPK, &smtpTS)
			if err != nil && err != sql.ErrNoRows {
				return fmt.Errorf("probe message %s: %w", entry.ID, err)
			}
			if err == nil && smtpTS.Valid {
				return ErrAlreadySent
			}

			var accountPK sql.NullString
			if entry.AccountID != "" {
				err := tx.QueryRowContext(ctx, `
					SELECT pk FROM accounts WHERE tenant_id = $1 AND id = $2`,
					tenantID, entry.AccountID).Scan(&accountPK.String)
				if err == sql.ErrNoRows {
					accountPK.Valid = false
				} else if err != nil {
					return fmt.Errorf("resolve account %s: %w", entry.AccountID, err)
				} else {
					accountPK.Valid = true
				}
			}
			isPEC := accountPK.Valid && pecPKs[accountPK.String]

			if existingPK != "" {
				_, err = tx.ExecContext(ctx, `
					UPDATE messages SET
						account_id = $2, account_pk = $3, priority = $4,
						payload = $5, batch_code = $6, is_pec = $7,
						deferred_ts = $8, updated_at = $9
					WHERE pk = $1`,
					existingPK, entry.AccountID, nullStr(accountPK),
					entry.Priority, entry.Payload, entry.BatchCode, isPEC,
					nullInt64(entry.DeferredTS), now)
				if err != nil {
					return fmt.Errorf("update message %s: %w", entry.ID, err)
				}
				res = &InsertResult{ID: entry.ID, PK: existingPK}
				return nil
			}

			pk := uuid.New().String()
			_, err = tx.ExecContext(ctx, `
				INSERT INTO messages
					(pk, id, tenant_id, account_id, account_pk, priority,
					 payload, batch_code, is_pec, deferred_ts, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)`,
				pk, entry.ID, tenantID, entry.AccountID, nullStr(accountPK),
				entry.Priority, entry.Payload, entry.BatchCode, isPEC,
				nullInt64(entry.DeferredTS), now)
			if err != nil {
				return fmt.Errorf("insert message %s: %w", entry.ID, err)
			}
			res = &InsertResult{ID: entry.ID, PK: pk}
			return nil
		})
		if err == ErrAlreadySent {
			continue
		}
		if err != nil {
			return results, err
		}
		results = append(results, *res)
	}
	return results, nil
}

func nullStr(s sql.NullString) interface{} {
	if !s.Valid {
		return nil
	}
	return s.String
}

const messageColumns = `m.pk, m.id, m.tenant_id, m.account_id,
	COALESCE(m.account_pk::text, ''), m.priority, m.payload, m.batch_code,
	m.is_pec, COALESCE(m.deferred_ts, 0), COALESCE(m.smtp_ts, 0),
	m.created_at, m.updated_at`

func scanMessage(row interface{ Scan(...interface{}) error }) (*Message, error) {
	var m Message
	err := row.Scan(&m.PK, &m.ID, &m.TenantID, &m.AccountID, &m.AccountPK,
		&m.Priority, &m.Payload, &m.BatchCode, &m.IsPEC,
		&m.DeferredTS, &m.SMTPTS, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ReadyFilter narrows FetchReady to one priority or a minimum priority.
// A negative value leaves the corresponding filter unset.
type ReadyFilter struct {
	Priority    int
	MinPriority int
}

// NoFilter matches every priority.
var NoFilter = ReadyFilter{Priority: -1, MinPriority: -1}

// FetchReady selects messages eligible for dispatch: not SMTP-terminal, not
// deferred into the future, belonging to an active tenant whose suspension
// state does not cover the message's batch code. Ordered by priority, then
// FIFO within a priority bucket.
func (s *Store) FetchReady(ctx context.Context, limit int, nowTS int64, filter ReadyFilter) ([]*Message, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM messages m
		JOIN tenants t ON t.id = m.tenant_id
		WHERE m.smtp_ts IS NULL
		  AND (m.deferred_ts IS NULL OR m.deferred_ts <= $1)
		  AND t.active
		  AND (t.suspended_batches IS NULL
		       OR (t.suspended_batches != '*'
		           AND (m.batch_code = ''
		                OR position(',' || m.batch_code || ',' IN ',' || t.suspended_batches || ',') = 0)))`
	args := []interface{}{nowTS}
	if filter.Priority >= 0 {
		args = append(args, filter.Priority)
		query += fmt.Sprintf(" AND m.priority = $%d", len(args))
	} else if filter.MinPriority >= 0 {
		args = append(args, filter.MinPriority)
		query += fmt.Sprintf(" AND m.priority >= $%d", len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(`
		ORDER BY m.priority ASC, m.created_at ASC, m.pk ASC
		LIMIT $%d`, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("fetch ready: %w", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// GetMessage fetches one message by tenant-scoped client id.
func (s *Store) GetMessage(ctx context.Context, tenantID, id string) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+messageColumns+` FROM messages m
		WHERE m.tenant_id = $1 AND m.id = $2`, tenantID, id)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("message %s/%s: %w", tenantID, id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get message %s/%s: %w", tenantID, id, err)
	}
	return m, nil
}

// ListMessages returns messages for a tenant (all tenants when tenantID is
// empty); activeOnly restricts to rows still pending dispatch.
func (s *Store) ListMessages(ctx context.Context, tenantID string, activeOnly bool) ([]*Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages m WHERE 1=1`
	var args []interface{}
	if tenantID != "" {
		args = append(args, tenantID)
		query += fmt.Sprintf(" AND m.tenant_id = $%d", len(args))
	}
	if activeOnly {
		query += " AND m.smtp_ts IS NULL"
	}
	query += " ORDER BY m.created_at, m.pk"
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// SetDeferred schedules a retry: the message re-enters the ready set once
// nextTS passes. Clears any terminal timestamp so the row is selectable.
func (s *Store) SetDeferred(ctx context.Context, pk string, nextTS int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE messages SET deferred_ts = $2, smtp_ts = NULL, updated_at = $3
		WHERE pk = $1`, pk, nextTS, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("set deferred %s: %w", pk, err)
	}
	return nil
}

// ClearDeferred removes the deferral gate before a dispatch attempt.
func (s *Store) ClearDeferred(ctx context.Context, pk string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE messages SET deferred_ts = NULL, updated_at = $2
		WHERE pk = $1`, pk, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("clear deferred %s: %w", pk, err)
	}
	return nil
}

// UpdatePayload persists a mutated envelope (retry counter, rewritten
// attachments).
func (s *Store) UpdatePayload(ctx context.Context, pk string, payload Envelope) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE messages SET payload = $2, updated_at = $3 WHERE pk = $1`,
		pk, payload, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("update payload %s: %w", pk, err)
	}
	return nil
}

// ClearPECFlag downgrades a message to ordinary mail when the recipient
// turns out not to be a PEC address.
func (s *Store) ClearPECFlag(ctx context.Context, pk string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE messages SET is_pec = FALSE, updated_at = $2 WHERE pk = $1`,
		pk, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("clear pec flag %s: %w", pk, err)
	}
	return nil
}

// ListPECAwaitingAcceptance returns PEC messages sent before the deadline
// that still have no acceptance receipt. The acceptance-timeout sweep
// clears their is_pec flag.
func (s *Store) ListPECAwaitingAcceptance(ctx context.Context, tenantID string, sentBefore int64) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages m
		WHERE m.tenant_id = $1 AND m.is_pec
		  AND m.smtp_ts IS NOT NULL AND m.smtp_ts < $2
		  AND NOT EXISTS (
			SELECT 1 FROM message_events e
			WHERE e.message_pk = m.pk AND e.event_type = $3
		  )`, tenantID, sentBefore, EventPECAcceptance)
	if err != nil {
		return nil, fmt.Errorf("list pec awaiting acceptance: %w", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// GetIDsForTenant filters client ids down to the ones this tenant actually
// owns. Used to authorize bulk deletes.
func (s *Store) GetIDsForTenant(ctx context.Context, ids []string, tenantID string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM messages WHERE tenant_id = $1 AND id = ANY($2)`,
		tenantID, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("filter ids for tenant %s: %w", tenantID, err)
	}
	defer rows.Close()

	var owned []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		owned = append(owned, id)
	}
	return owned, rows.Err()
}

// DeleteMessage removes one message (events cascade). Returns false when no
// row matched.
func (s *Store) DeleteMessage(ctx context.Context, tenantID, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	if err != nil {
		return false, fmt.Errorf("delete message %s/%s: %w", tenantID, id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// CountActive returns the number of messages still pending dispatch.
func (s *Store) CountActive(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE smtp_ts IS NULL`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active: %w", err)
	}
	return n, nil
}

// CountPendingForTenant returns pending messages for one tenant, optionally
// restricted to a batch code.
func (s *Store) CountPendingForTenant(ctx context.Context, tenantID, batchCode string) (int, error) {
	query := `SELECT COUNT(*) FROM messages WHERE tenant_id = $1 AND smtp_ts IS NULL`
	args := []interface{}{tenantID}
	if batchCode != "" {
		args = append(args, batchCode)
		query += fmt.Sprintf(" AND batch_code = $%d", len(args))
	}
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending for %s: %w", tenantID, err)
	}
	return n, nil
}

// RemoveFullyReportedBefore deletes messages all of whose events are
// reported and whose latest report acknowledgment is older than the
// threshold. Returns the number of messages removed.
func (s *Store) RemoveFullyReportedBefore(ctx context.Context, thresholdTS int64, tenantID string) (int, error) {
	query := `
		DELETE FROM messages WHERE pk IN (
			SELECT m.pk FROM messages m
			WHERE EXISTS (SELECT 1 FROM message_events e WHERE e.message_pk = m.pk)
			  AND NOT EXISTS (
				SELECT 1 FROM message_events e
				WHERE e.message_pk = m.pk AND e.reported_ts IS NULL
			  )
			  AND (SELECT MAX(e.reported_ts) FROM message_events e
			       WHERE e.message_pk = m.pk) < $1`
	args := []interface{}{thresholdTS}
	if tenantID != "" {
		args = append(args, tenantID)
		query += fmt.Sprintf(" AND m.tenant_id = $%d", len(args))
	}
	query += ")"
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("remove reported before %d: %w", thresholdTS, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

package storage

import (
	"context"
	"encoding/json"
	"fmt"
)

// LogCommand appends one state-modifying command invocation to the audit
// log. Logging failures are reported but never block the command itself.
func (s *Store) LogCommand(ctx context.Context, entry *CommandLogEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO command_log
			(endpoint, payload, tenant_id, response_status, response_body, command_ts)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.Endpoint, rawOrNil(entry.Payload), entry.TenantID,
		entry.ResponseStatus, rawOrNil(entry.ResponseBody), entry.CommandTS)
	if err != nil {
		return fmt.Errorf("log command %s: %w", entry.Endpoint, err)
	}
	return nil
}

func rawOrNil(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

// ExportCommandLog returns entries inside [fromTS, toTS), oldest first. A
// zero toTS means no upper bound.
func (s *Store) ExportCommandLog(ctx context.Context, fromTS, toTS int64) ([]*CommandLogEntry, error) {
	query := `
		SELECT id, endpoint, COALESCE(payload, 'null'::jsonb), tenant_id,
			response_status, COALESCE(response_body, 'null'::jsonb), command_ts
		FROM command_log
		WHERE command_ts >= $1`
	args := []interface{}{fromTS}
	if toTS > 0 {
		args = append(args, toTS)
		query += fmt.Sprintf(" AND command_ts < $%d", len(args))
	}
	query += " ORDER BY command_ts ASC, id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("export command log: %w", err)
	}
	defer rows.Close()

	var entries []*CommandLogEntry
	for rows.Next() {
		var e CommandLogEntry
		var payload, body []byte
		err := rows.Scan(&e.ID, &e.Endpoint, &payload, &e.TenantID,
			&e.ResponseStatus, &body, &e.CommandTS)
		if err != nil {
			return nil, err
		}
		e.Payload = json.RawMessage(payload)
		e.ResponseBody = json.RawMessage(body)
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// PurgeCommandLog deletes entries older than beforeTS and returns the count.
func (s *Store) PurgeCommandLog(ctx context.Context, beforeTS int64) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM command_log WHERE command_ts < $1`, beforeTS)
	if err != nil {
		return 0, fmt.Errorf("purge command log: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

package storage

import (
	"context"
	"fmt"
)

// LogSend appends a completed send for rate accounting. A send counts
// against the limits even when the SMTP outcome was an error, since the
// connection slot was consumed either way.
func (s *Store) LogSend(ctx context.Context, accountPK string, sentTS int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO send_log (account_pk, sent_ts) VALUES ($1, $2)`,
		accountPK, sentTS)
	if err != nil {
		return fmt.Errorf("log send for %s: %w", accountPK, err)
	}
	return nil
}

// CountSendsSince returns how many sends an account completed at or after
// the window start.
func (s *Store) CountSendsSince(ctx context.Context, accountPK string, sinceTS int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM send_log WHERE account_pk = $1 AND sent_ts >= $2`,
		accountPK, sinceTS).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count sends for %s: %w", accountPK, err)
	}
	return n, nil
}

// PruneSendLog removes entries older than the widest rate window still in
// use. Returns the number of rows dropped.
func (s *Store) PruneSendLog(ctx context.Context, beforeTS int64) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM send_log WHERE sent_ts < $1`, beforeTS)
	if err != nil {
		return 0, fmt.Errorf("prune send log: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

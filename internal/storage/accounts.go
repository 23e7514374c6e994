package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const accountColumns = `pk, id, tenant_id, host, port, smtp_user, smtp_password,
	use_tls, batch_size, ttl, limit_per_minute, limit_per_hour, limit_per_day,
	limit_behavior, is_pec, imap_host, imap_port, imap_user, imap_password,
	imap_folder, imap_last_uid, imap_uidvalidity, created_at, updated_at`

func scanAccount(row interface{ Scan(...interface{}) error }) (*Account, error) {
	var a Account
	var useTLS sql.NullBool
	var lastUID, uidValidity int64
	err := row.Scan(&a.PK, &a.ID, &a.TenantID, &a.Host, &a.Port, &a.User,
		&a.Password, &useTLS, &a.BatchSize, &a.TTL, &a.LimitPerMinute,
		&a.LimitPerHour, &a.LimitPerDay, &a.LimitBehavior, &a.IsPEC,
		&a.IMAPHost, &a.IMAPPort, &a.IMAPUser, &a.IMAPPassword, &a.IMAPFolder,
		&lastUID, &uidValidity, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if useTLS.Valid {
		v := useTLS.Bool
		a.UseTLS = &v
	}
	a.IMAPLastUID = uint32(lastUID)
	a.IMAPUIDValidity = uint32(uidValidity)
	return &a, nil
}

// AddAccount inserts an account, or updates it in place when
// (tenant_id, id) already exists. A fresh PK is assigned on insert and
// preserved on update.
func (s *Store) AddAccount(ctx context.Context, a *Account) (string, error) {
	if a.ID == "" {
		return "", fmt.Errorf("account id required")
	}
	if a.TenantID == "" {
		return "", fmt.Errorf("account tenant_id required")
	}
	behavior := a.LimitBehavior
	if behavior == "" {
		behavior = LimitDefer
	}
	ttl := a.TTL
	if ttl == 0 {
		ttl = 300
	}
	var useTLS interface{}
	if a.UseTLS != nil {
		useTLS = *a.UseTLS
	}
	pk := uuid.New().String()
	now := time.Now().Unix()
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO accounts
			(pk, id, tenant_id, host, port, smtp_user, smtp_password, use_tls,
			 batch_size, ttl, limit_per_minute, limit_per_hour, limit_per_day,
			 limit_behavior, is_pec, imap_host, imap_port, imap_user,
			 imap_password, imap_folder, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19, $20, $21, $21)
		ON CONFLICT (tenant_id, id) DO UPDATE SET
			host = EXCLUDED.host,
			port = EXCLUDED.port,
			smtp_user = EXCLUDED.smtp_user,
			smtp_password = EXCLUDED.smtp_password,
			use_tls = EXCLUDED.use_tls,
			batch_size = EXCLUDED.batch_size,
			ttl = EXCLUDED.ttl,
			limit_per_minute = EXCLUDED.limit_per_minute,
			limit_per_hour = EXCLUDED.limit_per_hour,
			limit_per_day = EXCLUDED.limit_per_day,
			limit_behavior = EXCLUDED.limit_behavior,
			is_pec = EXCLUDED.is_pec,
			imap_host = EXCLUDED.imap_host,
			imap_port = EXCLUDED.imap_port,
			imap_user = EXCLUDED.imap_user,
			imap_password = EXCLUDED.imap_password,
			imap_folder = EXCLUDED.imap_folder,
			updated_at = EXCLUDED.updated_at
		RETURNING pk`,
		pk, a.ID, a.TenantID, a.Host, a.Port, a.User, a.Password, useTLS,
		a.BatchSize, ttl, a.LimitPerMinute, a.LimitPerHour, a.LimitPerDay,
		behavior, a.IsPEC, a.IMAPHost, defaultInt(a.IMAPPort, 993), a.IMAPUser,
		a.IMAPPassword, defaultStr(a.IMAPFolder, "INBOX"), now).Scan(&pk)
	if err != nil {
		return "", fmt.Errorf("add account %s/%s: %w", a.TenantID, a.ID, err)
	}
	return pk, nil
}

func defaultInt(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

func defaultStr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// GetAccount fetches an account by its tenant-scoped id.
func (s *Store) GetAccount(ctx context.Context, tenantID, id string) (*Account, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE tenant_id = $1 AND id = $2`,
		tenantID, id)
	a, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("account %s/%s: %w", tenantID, id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s/%s: %w", tenantID, id, err)
	}
	return a, nil
}

// GetAccountByPK fetches an account by its referential identity.
func (s *Store) GetAccountByPK(ctx context.Context, pk string) (*Account, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE pk = $1`, pk)
	a, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("account pk %s: %w", pk, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get account pk %s: %w", pk, err)
	}
	return a, nil
}

// ListAccounts returns all accounts, scoped to one tenant when tenantID is
// non-empty.
func (s *Store) ListAccounts(ctx context.Context, tenantID string) ([]*Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts`
	var args []interface{}
	if tenantID != "" {
		query += ` WHERE tenant_id = $1`
		args = append(args, tenantID)
	}
	query += ` ORDER BY tenant_id, id`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// DeleteAccount removes an account and, by cascade, its messages.
func (s *Store) DeleteAccount(ctx context.Context, tenantID, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM accounts WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	if err != nil {
		return false, fmt.Errorf("delete account %s/%s: %w", tenantID, id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// GetPECAccountPKs returns the set of account PKs flagged as PEC accounts.
// Message insertion consults this to derive is_pec.
func (s *Store) GetPECAccountPKs(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT pk FROM accounts WHERE is_pec`)
	if err != nil {
		return nil, fmt.Errorf("list pec accounts: %w", err)
	}
	defer rows.Close()

	pks := make(map[string]bool)
	for rows.Next() {
		var pk string
		if err := rows.Scan(&pk); err != nil {
			return nil, err
		}
		pks[pk] = true
	}
	return pks, rows.Err()
}

// ListIMAPAccounts returns accounts with an IMAP mailbox configured, the
// population the bounce/PEC receivers poll.
func (s *Store) ListIMAPAccounts(ctx context.Context) ([]*Account, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE imap_host != '' ORDER BY tenant_id, id`)
	if err != nil {
		return nil, fmt.Errorf("list imap accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// UpdateIMAPState persists the UID pointer after successful event emission,
// so a crash replays at most one UID.
func (s *Store) UpdateIMAPState(ctx context.Context, accountPK string, lastUID, uidValidity uint32) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET imap_last_uid = $2, imap_uidvalidity = $3, updated_at = $4
		WHERE pk = $1`,
		accountPK, int64(lastUID), int64(uidValidity), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("update imap state for %s: %w", accountPK, err)
	}
	return nil
}

package storage

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

func marshalOrNil(v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func unmarshalInto(raw []byte, v interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

const tenantColumns = `id, name, active, client_base_url, client_sync_path,
	client_attachment_path, client_auth, rate_limits, large_file,
	COALESCE(suspended_batches, ''), pec_acceptance_deadline,
	COALESCE(api_key_expires_at, 0), created_at, updated_at`

func scanTenant(row interface{ Scan(...interface{}) error }) (*Tenant, error) {
	var t Tenant
	var authRaw, limitsRaw, largeRaw []byte
	err := row.Scan(&t.ID, &t.Name, &t.Active, &t.ClientBaseURL, &t.ClientSyncPath,
		&t.ClientAttachmentPath, &authRaw, &limitsRaw, &largeRaw,
		&t.SuspendedBatches, &t.PECAcceptanceDeadline,
		&t.APIKeyExpiresAt, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(authRaw) > 0 {
		t.ClientAuth = &AuthConfig{}
		if err := unmarshalInto(authRaw, t.ClientAuth); err != nil {
			return nil, fmt.Errorf("decode client_auth: %w", err)
		}
	}
	if len(limitsRaw) > 0 {
		t.RateLimits = &RateLimits{}
		if err := unmarshalInto(limitsRaw, t.RateLimits); err != nil {
			return nil, fmt.Errorf("decode rate_limits: %w", err)
		}
	}
	if len(largeRaw) > 0 {
		t.LargeFile = &LargeFileConfig{}
		if err := unmarshalInto(largeRaw, t.LargeFile); err != nil {
			return nil, fmt.Errorf("decode large_file: %w", err)
		}
	}
	return &t, nil
}

// AddTenant inserts a tenant, or updates it in place when the id already
// exists.
func (s *Store) AddTenant(ctx context.Context, t *Tenant) error {
	if t.ID == "" {
		return fmt.Errorf("tenant id required")
	}
	authJSON, err := marshalOrNil(nilIfZeroAuth(t.ClientAuth))
	if err != nil {
		return err
	}
	limitsJSON, err := marshalOrNil(nilIfZeroLimits(t.RateLimits))
	if err != nil {
		return err
	}
	largeJSON, err := marshalOrNil(nilIfZeroLarge(t.LargeFile))
	if err != nil {
		return err
	}
	now := time.Now().Unix()
	syncPath := t.ClientSyncPath
	if syncPath == "" {
		syncPath = "/mail-proxy/sync"
	}
	attachPath := t.ClientAttachmentPath
	if attachPath == "" {
		attachPath = "/mail-proxy/attachments"
	}
	deadline := t.PECAcceptanceDeadline
	if deadline == 0 {
		deadline = 86400
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tenants
			(id, name, active, client_base_url, client_sync_path,
			 client_attachment_path, client_auth, rate_limits, large_file,
			 pec_acceptance_deadline, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			active = EXCLUDED.active,
			client_base_url = EXCLUDED.client_base_url,
			client_sync_path = EXCLUDED.client_sync_path,
			client_attachment_path = EXCLUDED.client_attachment_path,
			client_auth = EXCLUDED.client_auth,
			rate_limits = EXCLUDED.rate_limits,
			large_file = EXCLUDED.large_file,
			pec_acceptance_deadline = EXCLUDED.pec_acceptance_deadline,
			updated_at = EXCLUDED.updated_at`,
		t.ID, t.Name, t.Active, t.ClientBaseURL, syncPath, attachPath,
		authJSON, limitsJSON, largeJSON, deadline, now)
	if err != nil {
		return fmt.Errorf("add tenant %s: %w", t.ID, err)
	}
	return nil
}

func nilIfZeroAuth(a *AuthConfig) interface{} {
	if a == nil || a.Method == "" || a.Method == AuthNone {
		return nil
	}
	return a
}

func nilIfZeroLimits(r *RateLimits) interface{} {
	if r == nil || (r.PerMinute == 0 && r.PerHour == 0 && r.PerDay == 0) {
		return nil
	}
	return r
}

func nilIfZeroLarge(l *LargeFileConfig) interface{} {
	if l == nil || !l.Enabled {
		return nil
	}
	return l
}

// GetTenant fetches one tenant by id.
func (s *Store) GetTenant(ctx context.Context, id string) (*Tenant, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+tenantColumns+` FROM tenants WHERE id = $1`, id)
	t, err := scanTenant(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("tenant %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get tenant %s: %w", id, err)
	}
	return t, nil
}

// ListTenants returns all tenants, optionally only active ones.
func (s *Store) ListTenants(ctx context.Context, activeOnly bool) ([]*Tenant, error) {
	query := `SELECT ` + tenantColumns + ` FROM tenants`
	if activeOnly {
		query += ` WHERE active`
	}
	query += ` ORDER BY id`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()

	var tenants []*Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

// DeleteTenant removes a tenant. Accounts and messages cascade.
func (s *Store) DeleteTenant(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tenants WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("delete tenant %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// SuspendBatch suspends dispatch for one batch code, or for the whole tenant
// when batchCode is empty ("*"). Suspending a specific code while already
// fully suspended succeeds without change.
func (s *Store) SuspendBatch(ctx context.Context, tenantID, batchCode string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var current sql.NullString
		err := tx.QueryRowContext(ctx,
			`SELECT suspended_batches FROM tenants WHERE id = $1 FOR UPDATE`,
			tenantID).Scan(&current)
		if err == sql.ErrNoRows {
			return fmt.Errorf("tenant %s: %w", tenantID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("suspend batch: %w", err)
		}

		next := "*"
		if batchCode != "" {
			if current.String == "*" {
				return nil // already fully suspended
			}
			codes := splitBatchCodes(current.String)
			codes[batchCode] = struct{}{}
			next = joinBatchCodes(codes)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE tenants SET suspended_batches = $2, updated_at = $3
			WHERE id = $1`, tenantID, next, time.Now().Unix())
		return err
	})
}

// ActivateBatch lifts suspension for one batch code, or clears all
// suspension when batchCode is empty. Removing a specific code while the
// tenant is fully suspended ("*") fails; the caller must clear first.
func (s *Store) ActivateBatch(ctx context.Context, tenantID, batchCode string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var current sql.NullString
		err := tx.QueryRowContext(ctx,
			`SELECT suspended_batches FROM tenants WHERE id = $1 FOR UPDATE`,
			tenantID).Scan(&current)
		if err == sql.ErrNoRows {
			return fmt.Errorf("tenant %s: %w", tenantID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("activate batch: %w", err)
		}

		var next interface{}
		if batchCode == "" {
			next = nil
		} else {
			if current.String == "*" {
				return ErrSuspendedAll
			}
			codes := splitBatchCodes(current.String)
			delete(codes, batchCode)
			if joined := joinBatchCodes(codes); joined != "" {
				next = joined
			}
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE tenants SET suspended_batches = $2, updated_at = $3
			WHERE id = $1`, tenantID, next, time.Now().Unix())
		return err
	})
}

func splitBatchCodes(s string) map[string]struct{} {
	codes := make(map[string]struct{})
	for _, c := range strings.Split(s, ",") {
		if c = strings.TrimSpace(c); c != "" {
			codes[c] = struct{}{}
		}
	}
	return codes
}

func joinBatchCodes(codes map[string]struct{}) string {
	sorted := make([]string, 0, len(codes))
	for c := range codes {
		sorted = append(sorted, c)
	}
	sort.Strings(sorted)
	return strings.Join(sorted, ",")
}

// hashAPIKey is the stored form of a raw tenant token.
func hashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// CreateAPIKey generates a tenant-scoped API token, stores its hash, and
// returns the raw value. The raw token is never persisted and cannot be
// recovered later.
func (s *Store) CreateAPIKey(ctx context.Context, tenantID string, expiresAt int64) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	raw := hex.EncodeToString(buf)

	res, err := s.db.ExecContext(ctx, `
		UPDATE tenants SET api_key_hash = $2, api_key_expires_at = $3, updated_at = $4
		WHERE id = $1`,
		tenantID, hashAPIKey(raw), nullInt64(expiresAt), time.Now().Unix())
	if err != nil {
		return "", fmt.Errorf("store api key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", fmt.Errorf("tenant %s: %w", tenantID, ErrNotFound)
	}
	return raw, nil
}

// RevokeAPIKey clears the tenant's stored token hash.
func (s *Store) RevokeAPIKey(ctx context.Context, tenantID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tenants SET api_key_hash = NULL, api_key_expires_at = NULL, updated_at = $2
		WHERE id = $1`, tenantID, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("tenant %s: %w", tenantID, ErrNotFound)
	}
	return nil
}

// GetTenantByToken resolves a raw tenant API token to its tenant. Expired
// keys are rejected with ErrExpiredKey.
func (s *Store) GetTenantByToken(ctx context.Context, rawToken string) (*Tenant, error) {
	var id string
	var expiresAt sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, api_key_expires_at FROM tenants WHERE api_key_hash = $1`,
		hashAPIKey(rawToken)).Scan(&id, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup token: %w", err)
	}
	if expiresAt.Valid && expiresAt.Int64 > 0 && expiresAt.Int64 < time.Now().Unix() {
		return nil, ErrExpiredKey
	}
	return s.GetTenant(ctx, id)
}

func nullInt64(v int64) interface{} {
	if v == 0 {
		return nil
	}
	return v
}

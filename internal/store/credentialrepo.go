package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ServiceIdentity is the bounded-scope service account the control plane
// uses to call back into the host. Created once, holds only the signing key
// for callback credentials, never full administrative rights.
type ServiceIdentity struct {
	Name       string
	SigningKey string
	CreatedAt  time.Time
}

// ServiceCredential is a scoped bearer credential bound to one
// (identity, tenant) pair. At most one live credential exists per pair.
type ServiceCredential struct {
	ID        int64
	Identity  string
	TenantID  int64
	TokenID   string
	Token     string
	Scope     string
	Suspended bool
	Epoch     int64
	ExpiresAt *time.Time
	CreatedAt time.Time
}

// CredentialRepo persists the service identity and its per-tenant
// credentials. Signing key and tokens are encrypted at rest when a cipher
// is configured.
type CredentialRepo struct {
	db     *DB
	cipher *Cipher
}

// NewCredentialRepo creates a CredentialRepo. cipher may be nil.
func NewCredentialRepo(db *DB, cipher *Cipher) *CredentialRepo {
	return &CredentialRepo{db: db, cipher: cipher}
}

// GetIdentity returns the service identity, or ErrNotFound when none exists.
func (r *CredentialRepo) GetIdentity(ctx context.Context) (ServiceIdentity, error) {
	const query = `SELECT name, signing_key, created_at FROM service_identity WHERE id = 1`

	var (
		id      ServiceIdentity
		encKey  string
		created int64
	)
	err := r.db.Reader.QueryRowContext(ctx, query).Scan(&id.Name, &encKey, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return ServiceIdentity{}, fmt.Errorf("service identity: %w", ErrNotFound)
	}
	if err != nil {
		return ServiceIdentity{}, fmt.Errorf("get service identity: %w", err)
	}

	id.SigningKey, err = r.cipher.Decrypt(encKey)
	if err != nil {
		return ServiceIdentity{}, fmt.Errorf("decrypt identity signing key: %w", err)
	}
	id.CreatedAt = time.Unix(created, 0).UTC()
	return id, nil
}

// SaveIdentity upserts the service identity singleton.
func (r *CredentialRepo) SaveIdentity(ctx context.Context, id ServiceIdentity) error {
	encKey, err := r.cipher.Encrypt(id.SigningKey)
	if err != nil {
		return fmt.Errorf("encrypt identity signing key: %w", err)
	}

	const query = `INSERT INTO service_identity (id, name, signing_key, created_at)
		VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, signing_key = excluded.signing_key`
	_, err = r.db.Writer.ExecContext(ctx, query, id.Name, encKey, time.Now().UTC().Unix())
	if err != nil {
		return fmt.Errorf("save service identity: %w", err)
	}
	return nil
}

// Get returns the credential for (identity, tenantID), or ErrNotFound.
func (r *CredentialRepo) Get(ctx context.Context, identity string, tenantID int64) (ServiceCredential, error) {
	const query = `SELECT id, identity, tenant_id, token_id, token, scope,
		suspended, epoch, expires_at, created_at
		FROM service_credentials WHERE identity = ? AND tenant_id = ?`

	var (
		c         ServiceCredential
		encToken  string
		suspended int
		expires   sql.NullInt64
		created   int64
	)
	err := r.db.Reader.QueryRowContext(ctx, query, identity, tenantID).Scan(
		&c.ID, &c.Identity, &c.TenantID, &c.TokenID, &encToken, &c.Scope,
		&suspended, &c.Epoch, &expires, &created,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return ServiceCredential{}, fmt.Errorf("credential for tenant %d: %w", tenantID, ErrNotFound)
	}
	if err != nil {
		return ServiceCredential{}, fmt.Errorf("get credential for tenant %d: %w", tenantID, err)
	}

	c.Token, err = r.cipher.Decrypt(encToken)
	if err != nil {
		return ServiceCredential{}, fmt.Errorf("decrypt credential token: %w", err)
	}
	c.Suspended = suspended == 1
	c.ExpiresAt = epochPtr(expires)
	c.CreatedAt = time.Unix(created, 0).UTC()
	return c, nil
}

// Replace deletes any prior credential for (identity, tenant) and inserts
// the new one inside a single transaction, so a stale credential from a
// previous activation epoch can never survive reprovisioning.
func (r *CredentialRepo) Replace(ctx context.Context, c ServiceCredential) error {
	encToken, err := r.cipher.Encrypt(c.Token)
	if err != nil {
		return fmt.Errorf("encrypt credential token: %w", err)
	}

	tx, err := r.db.Writer.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin credential replace: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM service_credentials WHERE identity = ? AND tenant_id = ?`,
		c.Identity, c.TenantID); err != nil {
		return fmt.Errorf("purge prior credential for tenant %d: %w", c.TenantID, err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO service_credentials
		 (identity, tenant_id, token_id, token, scope, suspended, epoch, expires_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.Identity, c.TenantID, c.TokenID, encToken, c.Scope,
		boolToInt(c.Suspended), c.Epoch, epochNull(c.ExpiresAt),
		time.Now().UTC().Unix()); err != nil {
		return fmt.Errorf("insert credential for tenant %d: %w", c.TenantID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit credential replace: %w", err)
	}
	return nil
}

// SetSuspendedByTenant suspends or reactivates every credential of a tenant
// without deleting them. Administrative disable keeps records recoverable.
func (r *CredentialRepo) SetSuspendedByTenant(ctx context.Context, tenantID int64, suspended bool) error {
	const query = `UPDATE service_credentials SET suspended = ? WHERE tenant_id = ?`
	_, err := r.db.Writer.ExecContext(ctx, query, boolToInt(suspended), tenantID)
	if err != nil {
		return fmt.Errorf("set credential suspension for tenant %d: %w", tenantID, err)
	}
	return nil
}

// ListByTenant returns all credentials bound to a tenant.
func (r *CredentialRepo) ListByTenant(ctx context.Context, tenantID int64) ([]ServiceCredential, error) {
	const query = `SELECT id, identity, tenant_id, token_id, token, scope,
		suspended, epoch, expires_at, created_at
		FROM service_credentials WHERE tenant_id = ? ORDER BY id`

	rows, err := r.db.Reader.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list credentials for tenant %d: %w", tenantID, err)
	}
	defer rows.Close()

	var creds []ServiceCredential
	for rows.Next() {
		var (
			c         ServiceCredential
			encToken  string
			suspended int
			expires   sql.NullInt64
			created   int64
		)
		if err := rows.Scan(&c.ID, &c.Identity, &c.TenantID, &c.TokenID, &encToken,
			&c.Scope, &suspended, &c.Epoch, &expires, &created); err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		c.Token, err = r.cipher.Decrypt(encToken)
		if err != nil {
			return nil, fmt.Errorf("decrypt credential token: %w", err)
		}
		c.Suspended = suspended == 1
		c.ExpiresAt = epochPtr(expires)
		c.CreatedAt = time.Unix(created, 0).UTC()
		creds = append(creds, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate credentials: %w", err)
	}
	return creds, nil
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"lmsbridge/internal/config"
)

// TenantActivation is the per-tenant activation record. Expiry is modeled as
// a state, not a deletion: records are never hard-deleted.
type TenantActivation struct {
	TenantID       int64      `json:"tenant_id"`
	Enabled        bool       `json:"enabled"`
	ExpiryDate     *time.Time `json:"expiry_date,omitempty"`
	ActivationCode string     `json:"-"`
	ContractStart  *time.Time `json:"contract_start,omitempty"`
	PluginVersion  string     `json:"plugin_version,omitempty"`
	EnabledBy      int64      `json:"enabled_by,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	ModifiedAt     time.Time  `json:"modified_at"`
}

// ActiveAt reports whether the tenant is active at now: enabled and either
// unexpired or inside the grace window that keeps the final contract day
// valid in every timezone.
func (t TenantActivation) ActiveAt(now time.Time) bool {
	if !t.Enabled {
		return false
	}
	if t.ExpiryDate == nil {
		return true
	}
	return !now.After(t.ExpiryDate.Add(config.ExpiryGrace))
}

// TenantRepo persists tenant activation records.
type TenantRepo struct {
	db *DB
}

// NewTenantRepo creates a TenantRepo.
func NewTenantRepo(db *DB) *TenantRepo {
	return &TenantRepo{db: db}
}

// Get returns the activation record for tenantID. Returns ErrNotFound when
// the tenant has never been activated.
func (r *TenantRepo) Get(ctx context.Context, tenantID int64) (TenantActivation, error) {
	const query = `SELECT tenant_id, enabled, expiry_date, activation_code,
		contract_start, plugin_version, enabled_by, created_at, modified_at
		FROM tenant_activations WHERE tenant_id = ?`

	var (
		t                 TenantActivation
		enabled           int
		expiry, start     sql.NullInt64
		created, modified int64
	)
	err := r.db.Reader.QueryRowContext(ctx, query, tenantID).Scan(
		&t.TenantID, &enabled, &expiry, &t.ActivationCode,
		&start, &t.PluginVersion, &t.EnabledBy, &created, &modified,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return TenantActivation{}, fmt.Errorf("tenant %d: %w", tenantID, ErrNotFound)
	}
	if err != nil {
		return TenantActivation{}, fmt.Errorf("get tenant activation %d: %w", tenantID, err)
	}

	t.Enabled = enabled == 1
	t.ExpiryDate = epochPtr(expiry)
	t.ContractStart = epochPtr(start)
	t.CreatedAt = time.Unix(created, 0).UTC()
	t.ModifiedAt = time.Unix(modified, 0).UTC()
	return t, nil
}

// Upsert inserts or replaces the activation record for a tenant.
func (r *TenantRepo) Upsert(ctx context.Context, t TenantActivation) error {
	now := time.Now().UTC().Unix()
	const query = `INSERT INTO tenant_activations
		(tenant_id, enabled, expiry_date, activation_code, contract_start,
		 plugin_version, enabled_by, created_at, modified_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id) DO UPDATE SET
		 enabled = excluded.enabled,
		 expiry_date = excluded.expiry_date,
		 activation_code = excluded.activation_code,
		 contract_start = excluded.contract_start,
		 plugin_version = excluded.plugin_version,
		 enabled_by = excluded.enabled_by,
		 modified_at = excluded.modified_at`

	_, err := r.db.Writer.ExecContext(ctx, query,
		t.TenantID, boolToInt(t.Enabled), epochNull(t.ExpiryDate), t.ActivationCode,
		epochNull(t.ContractStart), t.PluginVersion, t.EnabledBy, now, now,
	)
	if err != nil {
		return fmt.Errorf("upsert tenant activation %d: %w", t.TenantID, err)
	}
	return nil
}

// SetEnabled flips the administrative on/off flag without touching expiry.
func (r *TenantRepo) SetEnabled(ctx context.Context, tenantID int64, enabled bool, enabledBy int64) error {
	const query = `UPDATE tenant_activations
		SET enabled = ?, enabled_by = ?, modified_at = ? WHERE tenant_id = ?`
	res, err := r.db.Writer.ExecContext(ctx, query,
		boolToInt(enabled), enabledBy, time.Now().UTC().Unix(), tenantID)
	if err != nil {
		return fmt.Errorf("set tenant %d enabled: %w", tenantID, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set tenant %d enabled: %w", tenantID, err)
	}
	if rows == 0 {
		return fmt.Errorf("tenant %d: %w", tenantID, ErrNotFound)
	}
	return nil
}

// SetExpiry updates only the expiry date, leaving the enabled flag alone.
// Callers that couple the two concerns use SetExpiryAndState instead.
func (r *TenantRepo) SetExpiry(ctx context.Context, tenantID int64, expiry *time.Time) error {
	const query = `UPDATE tenant_activations
		SET expiry_date = ?, modified_at = ? WHERE tenant_id = ?`
	res, err := r.db.Writer.ExecContext(ctx, query,
		epochNull(expiry), time.Now().UTC().Unix(), tenantID)
	if err != nil {
		return fmt.Errorf("set tenant %d expiry: %w", tenantID, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set tenant %d expiry: %w", tenantID, err)
	}
	if rows == 0 {
		return fmt.Errorf("tenant %d: %w", tenantID, ErrNotFound)
	}
	return nil
}

// SetExpiryAndState updates the expiry date and re-evaluates the enabled
// flag from it: a past date disables, a null or future date enables.
func (r *TenantRepo) SetExpiryAndState(ctx context.Context, tenantID int64, expiry *time.Time, enabledBy int64) error {
	enabled := expiry == nil || time.Now().Before(expiry.Add(config.ExpiryGrace))
	const query = `UPDATE tenant_activations
		SET expiry_date = ?, enabled = ?, enabled_by = ?, modified_at = ?
		WHERE tenant_id = ?`
	res, err := r.db.Writer.ExecContext(ctx, query,
		epochNull(expiry), boolToInt(enabled), enabledBy, time.Now().UTC().Unix(), tenantID)
	if err != nil {
		return fmt.Errorf("set tenant %d expiry state: %w", tenantID, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set tenant %d expiry state: %w", tenantID, err)
	}
	if rows == 0 {
		return fmt.Errorf("tenant %d: %w", tenantID, ErrNotFound)
	}
	return nil
}

// List returns all tenant activation records ordered by tenant id.
func (r *TenantRepo) List(ctx context.Context) ([]TenantActivation, error) {
	const query = `SELECT tenant_id, enabled, expiry_date, activation_code,
		contract_start, plugin_version, enabled_by, created_at, modified_at
		FROM tenant_activations ORDER BY tenant_id`

	rows, err := r.db.Reader.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list tenant activations: %w", err)
	}
	defer rows.Close()

	var records []TenantActivation
	for rows.Next() {
		var (
			t                 TenantActivation
			enabled           int
			expiry, start     sql.NullInt64
			created, modified int64
		)
		if err := rows.Scan(&t.TenantID, &enabled, &expiry, &t.ActivationCode,
			&start, &t.PluginVersion, &t.EnabledBy, &created, &modified); err != nil {
			return nil, fmt.Errorf("scan tenant activation: %w", err)
		}
		t.Enabled = enabled == 1
		t.ExpiryDate = epochPtr(expiry)
		t.ContractStart = epochPtr(start)
		t.CreatedAt = time.Unix(created, 0).UTC()
		t.ModifiedAt = time.Unix(modified, 0).UTC()
		records = append(records, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tenant activations: %w", err)
	}
	return records, nil
}

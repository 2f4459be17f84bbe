package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// Deployment is the single per-installation record connecting this host to
// the control plane. The row is created implicitly on the first activation
// attempt and never deleted, only deactivated.
type Deployment struct {
	InstanceID      string
	Secret          string
	Activated       bool
	ActivationEpoch int64
	ContractStart   *time.Time
	ContractEnd     *time.Time
	LastStatusCheck time.Time
	Features        map[string]bool
	CreatedAt       time.Time
	ModifiedAt      time.Time
}

// DeploymentRepo persists the deployment singleton. The stored secret is
// encrypted at rest when a cipher is configured.
type DeploymentRepo struct {
	db     *DB
	cipher *Cipher
}

// NewDeploymentRepo creates a DeploymentRepo. cipher may be nil, which
// stores the secret in the clear.
func NewDeploymentRepo(db *DB, cipher *Cipher) *DeploymentRepo {
	return &DeploymentRepo{db: db, cipher: cipher}
}

// Get returns the deployment record, or a zero-value Deployment when none
// has been created yet.
func (r *DeploymentRepo) Get(ctx context.Context) (Deployment, error) {
	const query = `SELECT instance_id, secret, activated, activation_epoch,
		contract_start, contract_end, last_status_check, features, created_at, modified_at
		FROM deployment WHERE id = 1`

	var (
		d                            Deployment
		encSecret, features          string
		activated                    int
		contractStart, contractEnd   sql.NullInt64
		lastCheck, created, modified int64
	)

	err := r.db.Reader.QueryRowContext(ctx, query).Scan(
		&d.InstanceID, &encSecret, &activated, &d.ActivationEpoch,
		&contractStart, &contractEnd, &lastCheck, &features, &created, &modified,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Deployment{Features: map[string]bool{}}, nil
	}
	if err != nil {
		return Deployment{}, fmt.Errorf("get deployment: %w", err)
	}

	d.Secret, err = r.cipher.Decrypt(encSecret)
	if err != nil {
		return Deployment{}, fmt.Errorf("decrypt deployment secret: %w", err)
	}
	d.Activated = activated == 1
	d.ContractStart = epochPtr(contractStart)
	d.ContractEnd = epochPtr(contractEnd)
	if lastCheck > 0 {
		d.LastStatusCheck = time.Unix(lastCheck, 0).UTC()
	}
	d.CreatedAt = time.Unix(created, 0).UTC()
	d.ModifiedAt = time.Unix(modified, 0).UTC()

	d.Features = map[string]bool{}
	if features != "" {
		if err := json.Unmarshal([]byte(features), &d.Features); err != nil {
			return Deployment{}, fmt.Errorf("decode deployment features: %w", err)
		}
	}

	return d, nil
}

// Save upserts the deployment singleton.
func (r *DeploymentRepo) Save(ctx context.Context, d Deployment) error {
	encSecret, err := r.cipher.Encrypt(d.Secret)
	if err != nil {
		return fmt.Errorf("encrypt deployment secret: %w", err)
	}

	features, err := json.Marshal(d.Features)
	if err != nil {
		return fmt.Errorf("encode deployment features: %w", err)
	}

	now := time.Now().UTC().Unix()
	const query = `INSERT INTO deployment
		(id, instance_id, secret, activated, activation_epoch, contract_start,
		 contract_end, last_status_check, features, created_at, modified_at)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		 instance_id = excluded.instance_id,
		 secret = excluded.secret,
		 activated = excluded.activated,
		 activation_epoch = excluded.activation_epoch,
		 contract_start = excluded.contract_start,
		 contract_end = excluded.contract_end,
		 last_status_check = excluded.last_status_check,
		 features = excluded.features,
		 modified_at = excluded.modified_at`

	_, err = r.db.Writer.ExecContext(ctx, query,
		d.InstanceID, encSecret, boolToInt(d.Activated), d.ActivationEpoch,
		epochNull(d.ContractStart), epochNull(d.ContractEnd),
		timeToEpoch(d.LastStatusCheck), string(features), now, now,
	)
	if err != nil {
		return fmt.Errorf("save deployment: %w", err)
	}
	return nil
}

// SetActivated flips only the activation flag.
func (r *DeploymentRepo) SetActivated(ctx context.Context, activated bool) error {
	const query = `UPDATE deployment SET activated = ?, modified_at = ? WHERE id = 1`
	_, err := r.db.Writer.ExecContext(ctx, query, boolToInt(activated), time.Now().UTC().Unix())
	if err != nil {
		return fmt.Errorf("set deployment activated: %w", err)
	}
	return nil
}

// TouchStatusCheck stamps the last status check time.
func (r *DeploymentRepo) TouchStatusCheck(ctx context.Context, at time.Time) error {
	const query = `UPDATE deployment SET last_status_check = ?, modified_at = ? WHERE id = 1`
	_, err := r.db.Writer.ExecContext(ctx, query, at.UTC().Unix(), time.Now().UTC().Unix())
	if err != nil {
		return fmt.Errorf("touch status check: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func timeToEpoch(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().Unix()
}

func epochNull(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UTC().Unix(), Valid: true}
}

func epochPtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(n.Int64, 0).UTC()
	return &t
}

// Package credentials provisions the scoped callback credentials the
// control plane uses to act on behalf of a tenant inside the host.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"lmsbridge/internal/infrastructure"
	"lmsbridge/internal/signing"
	"lmsbridge/internal/store"
)

const (
	// IdentityName is the bounded-scope service identity. It carries only
	// the callback capability, never full administrative rights.
	IdentityName = "bridge-callback-service"

	// ScopeTenantCallback limits a credential to reading and writing data
	// belonging to its tenant.
	ScopeTenantCallback = "tenant:callback"
)

// Provisioner mints and replaces per-tenant callback credentials.
type Provisioner struct {
	repo        *store.CredentialRepo
	multiTenant bool
}

// NewProvisioner creates a Provisioner.
func NewProvisioner(repo *store.CredentialRepo, multiTenant bool) *Provisioner {
	return &Provisioner{repo: repo, multiTenant: multiTenant}
}

// Provision ensures the service identity exists and mints a credential
// scoped to tenantID. Any prior credential for the same (identity, tenant)
// pair is purged first so nothing issued under an earlier activation epoch
// survives reprovisioning. Single-tenant deployments use tenantID 0.
func (p *Provisioner) Provision(ctx context.Context, tenantID int64, epoch int64, expiresAt *time.Time) (store.ServiceCredential, error) {
	if !p.multiTenant && tenantID != 0 {
		return store.ServiceCredential{}, fmt.Errorf("tenant-scoped credential requested on a single-tenant deployment")
	}

	identity, err := p.ensureIdentity(ctx)
	if err != nil {
		return store.ServiceCredential{}, err
	}

	tokenID := uuid.New().String()
	token, err := p.mintToken(identity, tokenID, tenantID, expiresAt)
	if err != nil {
		return store.ServiceCredential{}, fmt.Errorf("mint callback token: %w", err)
	}

	cred := store.ServiceCredential{
		Identity:  identity.Name,
		TenantID:  tenantID,
		TokenID:   tokenID,
		Token:     token,
		Scope:     ScopeTenantCallback,
		Epoch:     epoch,
		ExpiresAt: expiresAt,
	}
	if err := p.repo.Replace(ctx, cred); err != nil {
		return store.ServiceCredential{}, fmt.Errorf("store callback credential: %w", err)
	}

	infrastructure.LoggerWithContext(ctx).Info("callback credential provisioned",
		slog.String("action", "provision_credential"),
		slog.Int64("tenant_id", tenantID),
		slog.String("token_id", tokenID),
		slog.Int64("epoch", epoch),
	)
	return cred, nil
}

// Suspend marks a tenant's credentials unusable without deleting them.
func (p *Provisioner) Suspend(ctx context.Context, tenantID int64) error {
	return p.repo.SetSuspendedByTenant(ctx, tenantID, true)
}

// Reactivate restores a tenant's suspended credentials.
func (p *Provisioner) Reactivate(ctx context.Context, tenantID int64) error {
	return p.repo.SetSuspendedByTenant(ctx, tenantID, false)
}

// Validate parses and verifies a callback token, returning its tenant
// scope. Used by the host's inbound callback handling.
func (p *Provisioner) Validate(ctx context.Context, token string) (int64, error) {
	identity, err := p.repo.GetIdentity(ctx)
	if err != nil {
		return 0, fmt.Errorf("load service identity: %w", err)
	}

	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(identity.SigningKey), nil
	})
	if err != nil {
		return 0, fmt.Errorf("parse callback token: %w", err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		return 0, errors.New("invalid callback token")
	}

	tenantID, ok := claims["tenant_id"].(float64)
	if !ok {
		return 0, errors.New("callback token missing tenant scope")
	}

	tokenID, _ := claims["jti"].(string)
	cred, err := p.repo.Get(ctx, identity.Name, int64(tenantID))
	if err != nil {
		return 0, fmt.Errorf("callback token not provisioned: %w", err)
	}
	if cred.TokenID != tokenID {
		return 0, errors.New("callback token superseded by reprovisioning")
	}
	if cred.Suspended {
		return 0, errors.New("callback credential suspended")
	}

	return int64(tenantID), nil
}

// ensureIdentity creates the service identity on first use.
func (p *Provisioner) ensureIdentity(ctx context.Context) (store.ServiceIdentity, error) {
	identity, err := p.repo.GetIdentity(ctx)
	if err == nil {
		return identity, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return store.ServiceIdentity{}, err
	}

	key, err := signing.GenerateSecret()
	if err != nil {
		return store.ServiceIdentity{}, fmt.Errorf("generate identity signing key: %w", err)
	}

	identity = store.ServiceIdentity{Name: IdentityName, SigningKey: key}
	if err := p.repo.SaveIdentity(ctx, identity); err != nil {
		return store.ServiceIdentity{}, fmt.Errorf("create service identity: %w", err)
	}

	infrastructure.LoggerWithContext(ctx).Info("service identity created",
		slog.String("action", "create_identity"),
		slog.String("identity", IdentityName),
	)
	return identity, nil
}

// mintToken signs an HS256 JWT bound to the tenant scope.
func (p *Provisioner) mintToken(identity store.ServiceIdentity, tokenID string, tenantID int64, expiresAt *time.Time) (string, error) {
	claims := jwt.MapClaims{
		"jti":       tokenID,
		"sub":       identity.Name,
		"tenant_id": tenantID,
		"scope":     ScopeTenantCallback,
		"iat":       time.Now().UTC().Unix(),
	}
	if expiresAt != nil {
		claims["exp"] = expiresAt.UTC().Unix()
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(identity.SigningKey))
}

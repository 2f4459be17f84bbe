package activation

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"lmsbridge/internal/config"
	"lmsbridge/internal/credentials"
	bridgeErrors "lmsbridge/internal/errors"
	"lmsbridge/internal/infrastructure"
	"lmsbridge/internal/signing"
	"lmsbridge/internal/store"
)

// Gateway owns the activation state machine: deployment and tenant
// activation, periodic status verification, and the local deactivations
// that follow a remote disable. All remote rejections come back inside
// ActivationResult; returned errors are host-side faults only.
type Gateway struct {
	client      *Client
	deployments *store.DeploymentRepo
	tenants     *store.TenantRepo
	events      *store.OutboxRepo
	creds       *credentials.Provisioner
	state       *StateCache

	users     UserProvisioner // optional
	tenantDir TenantDirectory // required in multi-tenant mode
	dispatch  DispatchTrigger // set after construction, may stay nil

	enabled        bool
	multiTenant    bool
	statusInterval time.Duration
	pluginVersion  string
	now            func() time.Time
}

// NewGateway wires the activation gateway. users may be nil when the host
// does not support provisioned accounts; tenantDir may be nil on
// single-tenant deployments. A non-positive statusInterval falls back to
// the default check budget.
func NewGateway(
	client *Client,
	deployments *store.DeploymentRepo,
	tenants *store.TenantRepo,
	events *store.OutboxRepo,
	creds *credentials.Provisioner,
	state *StateCache,
	users UserProvisioner,
	tenantDir TenantDirectory,
	cfg config.RemoteConfig,
	statusInterval time.Duration,
	pluginVersion string,
) *Gateway {
	if statusInterval <= 0 {
		statusInterval = config.StatusCheckInterval
	}
	return &Gateway{
		client:         client,
		deployments:    deployments,
		tenants:        tenants,
		events:         events,
		creds:          creds,
		state:          state,
		users:          users,
		tenantDir:      tenantDir,
		enabled:        cfg.Enabled,
		multiTenant:    cfg.MultiTenant,
		statusInterval: statusInterval,
		pluginVersion:  pluginVersion,
		now:            time.Now,
	}
}

// SetDispatchTrigger attaches the post-activation dispatch kick. Set after
// the dispatcher is constructed; activation works without it.
func (g *Gateway) SetDispatchTrigger(t DispatchTrigger) {
	g.dispatch = t
}

// ActivateDeployment registers this deployment with the control plane and
// activates it. Single-tenant mode only; multi-tenant deployments activate
// per tenant instead.
func (g *Gateway) ActivateDeployment(ctx context.Context, activationCode string) (ActivationResult, error) {
	if !g.enabled {
		return disabledResult(ctx, "activate_deployment"), nil
	}
	if g.multiTenant {
		return ActivationResult{}, bridgeErrors.ErrModeMismatch
	}

	d, err := g.deployments.Get(ctx)
	if err != nil {
		return ActivationResult{}, fmt.Errorf("load deployment: %w", err)
	}
	secret, err := g.ensureSecret(ctx, &d)
	if err != nil {
		return ActivationResult{}, err
	}

	// The credential rides along in the activation request so the control
	// plane can call back into the host immediately after accepting it.
	nextEpoch := d.ActivationEpoch + 1
	cred, err := g.creds.Provision(ctx, 0, nextEpoch, nil)
	if err != nil {
		return ActivationResult{}, fmt.Errorf("provision callback credential: %w", err)
	}

	req := ActivateRequest{
		ActivationCode:    activationCode,
		Secret:            secret,
		DeploymentURL:     g.client.deploymentURL,
		PluginVersion:     g.pluginVersion,
		ServiceCredential: cred.Token,
	}

	resp, failure, err := g.client.Activate(ctx, req, d.InstanceID)
	if err != nil {
		return connectionFailedResult(ctx, "activate_deployment", err), nil
	}
	if failure != nil {
		return rejectedResult(ctx, "activate_deployment", failure), nil
	}

	if err := g.commitActivation(ctx, &d, resp, secret, nextEpoch); err != nil {
		return ActivationResult{}, err
	}

	g.provisionSuperadmins(ctx, resp.Superadmins)
	g.kickDispatch(ctx)

	infrastructure.LoggerWithContext(ctx).Info("deployment activated",
		slog.String("action", "activate_deployment"),
		slog.String("instance_id", d.InstanceID),
		slog.Int64("epoch", d.ActivationEpoch),
	)
	return successResult(d), nil
}

// ActivateTenant activates a single tenant on a multi-tenant deployment.
// When the deployment itself has never been registered, registration data
// is piggybacked onto this request so the first tenant activation also
// registers the deployment.
func (g *Gateway) ActivateTenant(ctx context.Context, tenantID int64, activationCode string) (ActivationResult, error) {
	if !g.enabled {
		return disabledResult(ctx, "activate_tenant"), nil
	}
	if !g.multiTenant {
		return ActivationResult{}, bridgeErrors.ErrModeMismatch
	}
	if g.tenantDir != nil {
		exists, err := g.tenantDir.Exists(ctx, tenantID)
		if err != nil {
			return ActivationResult{}, fmt.Errorf("resolve tenant %d: %w", tenantID, err)
		}
		if !exists {
			return ActivationResult{}, bridgeErrors.ErrTenantNotFound
		}
	}

	d, err := g.deployments.Get(ctx)
	if err != nil {
		return ActivationResult{}, fmt.Errorf("load deployment: %w", err)
	}
	secret, err := g.ensureSecret(ctx, &d)
	if err != nil {
		return ActivationResult{}, err
	}

	registering := d.InstanceID == ""
	epoch := d.ActivationEpoch
	if registering {
		epoch = d.ActivationEpoch + 1
	}

	cred, err := g.creds.Provision(ctx, tenantID, epoch, nil)
	if err != nil {
		return ActivationResult{}, fmt.Errorf("provision callback credential: %w", err)
	}

	req := TenantActivateRequest{
		TenantID:          tenantID,
		ActivationCode:    activationCode,
		ServiceCredential: cred.Token,
	}
	if registering {
		req.Deployment = &DeploymentBootstrap{
			Secret:        secret,
			DeploymentURL: g.client.deploymentURL,
			PluginVersion: g.pluginVersion,
		}
	}

	resp, failure, err := g.client.ActivateTenant(ctx, req, secret, d.InstanceID)
	if err != nil {
		return connectionFailedResult(ctx, "activate_tenant", err), nil
	}
	if failure != nil {
		return rejectedResult(ctx, "activate_tenant", failure), nil
	}

	// A reissued instance id invalidates everything queued under the old
	// one, so the commit has to purge under a fresh epoch even when the
	// deployment was already registered.
	if resp.InstanceID != "" && resp.InstanceID != d.InstanceID {
		epoch = d.ActivationEpoch + 1
	}

	if err := g.commitActivation(ctx, &d, resp, secret, epoch); err != nil {
		return ActivationResult{}, err
	}

	expiry, err := ParseContractDate(resp.ContractEnd)
	if err != nil {
		infrastructure.LoggerWithContext(ctx).Warn("unparseable tenant contract end, storing without expiry",
			slog.String("action", "activate_tenant"),
			slog.Int64("tenant_id", tenantID),
			slog.String("value", resp.ContractEnd),
		)
		expiry = nil
	}
	contractStart, _ := ParseContractDate(resp.ContractStart)
	if err := g.tenants.Upsert(ctx, store.TenantActivation{
		TenantID:       tenantID,
		Enabled:        true,
		ExpiryDate:     expiry,
		ActivationCode: activationCode,
		ContractStart:  contractStart,
		PluginVersion:  g.pluginVersion,
	}); err != nil {
		return ActivationResult{}, fmt.Errorf("store tenant activation: %w", err)
	}
	if err := g.creds.Reactivate(ctx, tenantID); err != nil {
		infrastructure.WithError(infrastructure.LoggerWithContext(ctx), err).Warn("failed to reactivate tenant credentials",
			slog.String("action", "activate_tenant"),
			slog.Int64("tenant_id", tenantID),
		)
	}

	g.provisionSuperadmins(ctx, resp.Superadmins)
	g.kickDispatch(ctx)

	infrastructure.LoggerWithContext(ctx).Info("tenant activated",
		slog.String("action", "activate_tenant"),
		slog.Int64("tenant_id", tenantID),
		slog.String("instance_id", d.InstanceID),
	)
	return successResult(d), nil
}

// CheckStatus verifies the activation with the control plane, at most once
// per status interval unless force is set. The persisted last-check
// timestamp gates the poll so concurrent dispatch cycles and restarts
// share one budget.
func (g *Gateway) CheckStatus(ctx context.Context, force bool) (StatusResult, error) {
	if !g.enabled {
		return StatusResult{Checked: false, Activated: false}, nil
	}
	d, err := g.deployments.Get(ctx)
	if err != nil {
		return StatusResult{}, fmt.Errorf("load deployment: %w", err)
	}
	if !d.Activated || d.InstanceID == "" {
		return StatusResult{Checked: false, Activated: false}, nil
	}

	now := g.now()
	if !force && now.Sub(d.LastStatusCheck) < g.statusInterval {
		return StatusResult{Checked: false, Activated: true, Features: d.Features}, nil
	}

	// Touch before the network call: a failing control plane must not turn
	// every dispatch cycle into a status request.
	if err := g.deployments.TouchStatusCheck(ctx, now); err != nil {
		return StatusResult{}, fmt.Errorf("record status check: %w", err)
	}

	resp, failure, err := g.client.Status(ctx, d.Secret, d.InstanceID)
	if err != nil {
		// Unreachable control plane leaves local state untouched.
		infrastructure.WithError(infrastructure.LoggerWithContext(ctx), err).Warn("status check unreachable, keeping local state",
			slog.String("action", "status_check"),
		)
		return StatusResult{Checked: true, Activated: true, Features: d.Features}, nil
	}

	if failure != nil {
		return g.handleStatusFailure(ctx, failure, d)
	}

	// Only an explicit remote disable or expiry turns the deployment off.
	// Anything else the control plane reports keeps the activation and at
	// most refreshes the cached feature flags.
	switch resp.Status {
	case "disabled", "expired":
		g.deactivateLocally(ctx, "remote status "+resp.Status)
		return StatusResult{Checked: true, Activated: false, Status: resp.Status}, nil
	case "active":
	default:
		infrastructure.LoggerWithContext(ctx).Warn("unrecognized remote status, keeping local state",
			slog.String("action", "status_check"),
			slog.String("status", resp.Status),
		)
	}

	if resp.Features != nil {
		d.Features = resp.Features
		d.LastStatusCheck = now
		if err := g.deployments.Save(ctx, d); err != nil {
			infrastructure.WithError(infrastructure.LoggerWithContext(ctx), err).Warn("failed to persist refreshed features",
				slog.String("action", "status_check"),
			)
		}
	}
	return StatusResult{Checked: true, Activated: true, Status: resp.Status, Features: resp.Features}, nil
}

func (g *Gateway) handleStatusFailure(ctx context.Context, failure *RemoteFailure, d store.Deployment) (StatusResult, error) {
	logger := infrastructure.LoggerWithContext(ctx)

	if failure.StatusCode == http.StatusForbidden && !failure.SignatureRelated() {
		// The control plane knows this deployment and refuses it: disabled
		// or expired remotely. Mirror that locally.
		g.deactivateLocally(ctx, "remote refused: "+failure.Message)
		return StatusResult{Checked: true, Activated: false, Status: failure.ErrorCode}, nil
	}

	if failure.SignatureRelated() {
		// Secret drift is recoverable by re-activation; deactivating here
		// would destroy a deployment that merely needs its secret re-synced.
		logger.Warn("status check rejected on signature, keeping local state",
			slog.String("action", "status_check"),
			slog.Int("status_code", failure.StatusCode),
			slog.String("detail", failure.Detail),
		)
		return StatusResult{Checked: true, Activated: true, Features: d.Features}, nil
	}

	logger.Warn("status check returned unexpected code, keeping local state",
		slog.String("action", "status_check"),
		slog.Int("status_code", failure.StatusCode),
		slog.String("message", failure.Message),
	)
	return StatusResult{Checked: true, Activated: true, Features: d.Features}, nil
}

// Deactivate turns the deployment off locally and suspends its callback
// credentials. Used by the admin surface and by remote-driven disables.
func (g *Gateway) Deactivate(ctx context.Context, reason string) error {
	g.deactivateLocally(ctx, reason)
	return nil
}

// TenantActive reports whether a tenant is usable right now: the
// deployment is activated and the tenant record is enabled and inside its
// expiry grace window.
func (g *Gateway) TenantActive(ctx context.Context, tenantID int64) (bool, error) {
	activated, _ := g.state.Snapshot(ctx)
	if !activated {
		return false, nil
	}
	if !g.multiTenant {
		return true, nil
	}
	t, err := g.tenants.Get(ctx, tenantID)
	if err == store.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return t.ActiveAt(g.now()), nil
}

// SetTenantExpiry updates a tenant's expiry date. When reevaluate is set
// the enabled flag is recomputed from the new date; otherwise only the
// date moves and a disabled tenant stays disabled.
func (g *Gateway) SetTenantExpiry(ctx context.Context, tenantID int64, expiry *time.Time, actorID int64, reevaluate bool) error {
	if reevaluate {
		return g.tenants.SetExpiryAndState(ctx, tenantID, expiry, actorID)
	}
	return g.tenants.SetExpiry(ctx, tenantID, expiry)
}

// commitActivation persists a successful activation response: instance id,
// the winning secret, contract window, features, and the new epoch. Stale
// pre-reactivation outbox rows are purged so the fresh epoch starts clean.
func (g *Gateway) commitActivation(ctx context.Context, d *store.Deployment, resp *ActivateResponse, localSecret string, epoch int64) error {
	if resp.InstanceID != "" {
		d.InstanceID = resp.InstanceID
	}
	if d.InstanceID == "" {
		return fmt.Errorf("control plane accepted activation without an instance id")
	}

	// A remote-supplied secret supersedes the locally generated one.
	d.Secret = localSecret
	if resp.Secret != "" {
		d.Secret = resp.Secret
	}

	start, err := ParseContractDate(resp.ContractStart)
	if err == nil && start != nil {
		d.ContractStart = start
	}
	end, err := ParseContractDate(resp.ContractEnd)
	if err == nil && end != nil {
		d.ContractEnd = end
	}
	if resp.Features != nil {
		d.Features = resp.Features
	}

	d.Activated = true
	d.ActivationEpoch = epoch
	if err := g.deployments.Save(ctx, *d); err != nil {
		return fmt.Errorf("persist activation: %w", err)
	}
	g.state.Invalidate()

	purged, err := g.events.PurgeNonTerminalBefore(ctx, epoch)
	if err != nil {
		infrastructure.WithError(infrastructure.LoggerWithContext(ctx), err).Warn("failed to purge stale queued events",
			slog.String("action", "commit_activation"),
		)
	} else if purged > 0 {
		infrastructure.LoggerWithContext(ctx).Info("purged stale queued events from earlier activations",
			slog.String("action", "commit_activation"),
			slog.Int64("purged", purged),
			slog.Int64("epoch", epoch),
		)
	}

	if err := g.creds.Reactivate(ctx, 0); err != nil {
		infrastructure.WithError(infrastructure.LoggerWithContext(ctx), err).Warn("failed to reactivate callback credentials",
			slog.String("action", "commit_activation"),
		)
	}
	return nil
}

// ensureSecret guarantees the deployment has a shared secret before any
// signed request goes out, persisting a freshly generated one when absent.
func (g *Gateway) ensureSecret(ctx context.Context, d *store.Deployment) (string, error) {
	if d.Secret != "" {
		return d.Secret, nil
	}
	secret, err := signing.GenerateSecret()
	if err != nil {
		return "", fmt.Errorf("generate deployment secret: %w", err)
	}
	d.Secret = secret
	if err := g.deployments.Save(ctx, *d); err != nil {
		return "", fmt.Errorf("persist deployment secret: %w", err)
	}
	return secret, nil
}

// provisionSuperadmins creates remote-requested accounts through the host
// collaborator. Failures are logged per account and never fail the
// activation that carried them.
func (g *Gateway) provisionSuperadmins(ctx context.Context, specs []SuperadminSpec) {
	if g.users == nil || len(specs) == 0 {
		return
	}
	logger := infrastructure.LoggerWithContext(ctx)
	for _, spec := range specs {
		user, err := g.users.CreateUser(ctx, spec)
		if err != nil {
			logger.Error("failed to provision superadmin account",
				slog.String("action", "provision_superadmin"),
				slog.String("username", spec.Username),
				slog.String("error", err.Error()),
			)
			continue
		}
		logger.Info("superadmin account provisioned",
			slog.String("action", "provision_superadmin"),
			slog.String("username", user.Username),
			slog.Int64("user_id", user.ID),
		)
	}
}

func (g *Gateway) deactivateLocally(ctx context.Context, reason string) {
	logger := infrastructure.LoggerWithContext(ctx)
	if err := g.deployments.SetActivated(ctx, false); err != nil {
		logger.Error("failed to persist deactivation",
			slog.String("action", "deactivate"),
			slog.String("error", err.Error()),
		)
		return
	}
	g.state.Invalidate()
	if err := g.creds.Suspend(ctx, 0); err != nil {
		logger.Warn("failed to suspend callback credentials",
			slog.String("action", "deactivate"),
			slog.String("error", err.Error()),
		)
	}
	logger.Info("deployment deactivated",
		slog.String("action", "deactivate"),
		slog.String("reason", reason),
	)
}

// kickDispatch runs one dispatch cycle right after activation so events
// queued while inactive-adjacent flows ran do not wait a full interval.
func (g *Gateway) kickDispatch(ctx context.Context) {
	if g.dispatch == nil {
		return
	}
	g.dispatch.DispatchNow(ctx)
}

func successResult(d store.Deployment) ActivationResult {
	return ActivationResult{
		OK:            true,
		InstanceID:    d.InstanceID,
		ContractStart: d.ContractStart,
		ContractEnd:   d.ContractEnd,
	}
}

func connectionFailedResult(ctx context.Context, action string, err error) ActivationResult {
	infrastructure.WithError(infrastructure.LoggerWithContext(ctx), err).Warn("control plane unreachable",
		slog.String("action", action),
	)
	return ActivationResult{
		OK:        false,
		ErrorCode: "connection_failed",
		Message:   "could not reach the control plane",
	}
}

func disabledResult(ctx context.Context, action string) ActivationResult {
	infrastructure.LoggerWithContext(ctx).Warn("remote integration disabled by configuration",
		slog.String("action", action),
	)
	return ActivationResult{
		OK:        false,
		ErrorCode: "remote_disabled",
		Message:   "remote integration is disabled by configuration",
	}
}

func rejectedResult(ctx context.Context, action string, failure *RemoteFailure) ActivationResult {
	infrastructure.LoggerWithContext(ctx).Warn("control plane rejected request",
		slog.String("action", action),
		slog.Int("status_code", failure.StatusCode),
		slog.String("error_code", failure.ErrorCode),
		slog.String("message", failure.Message),
	)
	message := failure.Message
	if message == "" {
		message = failure.Detail
	}
	if message == "" {
		message = fmt.Sprintf("control plane returned status %d", failure.StatusCode)
	}
	return ActivationResult{
		OK:        false,
		ErrorCode: failure.ErrorCode,
		Message:   message,
	}
}

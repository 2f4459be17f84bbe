package services

import (
	"context"
	"log/slog"
	"time"

	"lmsbridge/internal/activation"
	"lmsbridge/internal/dispatch"
	"lmsbridge/internal/outbox"
	"lmsbridge/internal/store"
)

// BridgeService is the facade the admin API talks to. It delegates to the
// activation gateway, the dispatch scheduler, and the outbox repositories.
type BridgeService struct {
	gateway     *activation.Gateway
	scheduler   *dispatch.Scheduler
	events      *store.OutboxRepo
	deployments *store.DeploymentRepo
	tenants     *store.TenantRepo
	logger      *slog.Logger
}

// NewBridgeService creates the service facade.
func NewBridgeService(
	gateway *activation.Gateway,
	scheduler *dispatch.Scheduler,
	events *store.OutboxRepo,
	deployments *store.DeploymentRepo,
	tenants *store.TenantRepo,
	logger *slog.Logger,
) *BridgeService {
	return &BridgeService{
		gateway:     gateway,
		scheduler:   scheduler,
		events:      events,
		deployments: deployments,
		tenants:     tenants,
		logger:      logger.With(slog.String("service", "bridge")),
	}
}

// Activate activates the deployment with the control plane.
func (s *BridgeService) Activate(ctx context.Context, activationCode string) (activation.ActivationResult, error) {
	return s.gateway.ActivateDeployment(ctx, activationCode)
}

// ActivateTenant activates one tenant on a multi-tenant deployment.
func (s *BridgeService) ActivateTenant(ctx context.Context, tenantID int64, activationCode string) (activation.ActivationResult, error) {
	return s.gateway.ActivateTenant(ctx, tenantID, activationCode)
}

// Status runs a status check against the control plane. force bypasses the
// poll interval.
func (s *BridgeService) Status(ctx context.Context, force bool) (activation.StatusResult, error) {
	return s.gateway.CheckStatus(ctx, force)
}

// Deactivate turns the deployment off locally.
func (s *BridgeService) Deactivate(ctx context.Context, reason string) error {
	return s.gateway.Deactivate(ctx, reason)
}

// SetTenantExpiry moves a tenant's expiry date, optionally re-evaluating
// its enabled state from the new date.
func (s *BridgeService) SetTenantExpiry(ctx context.Context, tenantID int64, expiry *time.Time, actorID int64, reevaluate bool) error {
	return s.gateway.SetTenantExpiry(ctx, tenantID, expiry, actorID, reevaluate)
}

// Tenants lists all tenant activation records.
func (s *BridgeService) Tenants(ctx context.Context) ([]store.TenantActivation, error) {
	return s.tenants.List(ctx)
}

// DispatchNow kicks one dispatch cycle outside the schedule.
func (s *BridgeService) DispatchNow(ctx context.Context) {
	s.scheduler.DispatchNow(ctx)
}

// Overview is the admin dashboard snapshot.
type Overview struct {
	Activated     bool                    `json:"activated"`
	InstanceID    string                  `json:"instance_id,omitempty"`
	ContractStart *time.Time              `json:"contract_start,omitempty"`
	ContractEnd   *time.Time              `json:"contract_end,omitempty"`
	Features      map[string]bool         `json:"features,omitempty"`
	Outbox        map[outbox.Status]int64 `json:"outbox"`
}

// Overview assembles the deployment state and outbox depth in one call.
func (s *BridgeService) Overview(ctx context.Context) (Overview, error) {
	d, err := s.deployments.Get(ctx)
	if err != nil {
		return Overview{}, err
	}
	counts, err := s.events.CountByStatus(ctx)
	if err != nil {
		return Overview{}, err
	}
	return Overview{
		Activated:     d.Activated,
		InstanceID:    d.InstanceID,
		ContractStart: d.ContractStart,
		ContractEnd:   d.ContractEnd,
		Features:      d.Features,
		Outbox:        counts,
	}, nil
}

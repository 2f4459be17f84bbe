package outbox

import "context"

// EventStore is the persistence surface the producer API writes through.
// Implemented by store.OutboxRepo.
type EventStore interface {
	Insert(ctx context.Context, ev Event) error
}

// ActivationState exposes the process-wide activation snapshot. Events are
// only recorded while the deployment is activated, and each row is stamped
// with the activation epoch it was captured under.
type ActivationState interface {
	Snapshot(ctx context.Context) (activated bool, epoch int64)
}

// PayloadPackager produces the opaque serialized payload for a domain
// entity. The outbox never inspects the result.
type PayloadPackager interface {
	Package(ctx context.Context, entityID int64) (map[string]interface{}, error)
}

// TenantResolver maps a user, course, or calendar id to the tenants it
// belongs to. Single-tenant deployments return [0].
type TenantResolver interface {
	TenantsFor(ctx context.Context, entityID int64) ([]int64, error)
}

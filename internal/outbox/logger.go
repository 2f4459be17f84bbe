package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"lmsbridge/internal/infrastructure"
)

// Logger is the producer-facing event recorder. LogEvent never returns an
// error: a domain operation must not abort because its audit event could
// not be persisted.
type Logger struct {
	store    Store
	state    ActivationState
	enabled  bool
	packager PayloadPackager
	resolver TenantResolver
}

// Store combines the persistence surface the producer needs.
type Store = EventStore

// NewLogger creates a producer event logger. When enabled is false the
// whole remote integration is configured off and nothing is ever recorded.
func NewLogger(store Store, state ActivationState, enabled bool) *Logger {
	return &Logger{store: store, state: state, enabled: enabled}
}

// SetCollaborators attaches the host's payload packager and tenant
// resolver, enabling LogEntityEvent. Without them only LogEvent works.
func (l *Logger) SetCollaborators(packager PayloadPackager, resolver TenantResolver) {
	l.packager = packager
	l.resolver = resolver
}

// LogEvent records a domain event for asynchronous delivery. It is a no-op
// while the deployment is not activated; events are not buffered
// pre-activation. Persistence failures are logged and swallowed.
func (l *Logger) LogEvent(ctx context.Context, eventType, category string, payload map[string]interface{}, actorID, tenantID int64) {
	if !l.enabled {
		return
	}
	if err := l.logEvent(ctx, eventType, category, payload, actorID, tenantID); err != nil {
		infrastructure.LoggerWithContext(ctx).Warn("failed to record outbox event",
			slog.String("action", "log_event"),
			slog.String("event_type", eventType),
			slog.Int64("tenant_id", tenantID),
			slog.String("error", err.Error()),
		)
	}
}

// LogEntityEvent packages a domain entity and records one event per tenant
// the entity belongs to. Like LogEvent it never returns an error and is a
// no-op while not activated or when the collaborators are absent.
func (l *Logger) LogEntityEvent(ctx context.Context, eventType, category string, entityID, actorID int64) {
	if !l.enabled || l.packager == nil || l.resolver == nil {
		return
	}
	if activated, _ := l.state.Snapshot(ctx); !activated {
		return
	}

	logger := infrastructure.LoggerWithContext(ctx)

	payload, err := l.packager.Package(ctx, entityID)
	if err != nil {
		logger.Warn("failed to package entity payload",
			slog.String("action", "log_entity_event"),
			slog.String("event_type", eventType),
			slog.Int64("entity_id", entityID),
			slog.String("error", err.Error()),
		)
		return
	}

	tenantIDs, err := l.resolver.TenantsFor(ctx, entityID)
	if err != nil {
		logger.Warn("failed to resolve entity tenants",
			slog.String("action", "log_entity_event"),
			slog.String("event_type", eventType),
			slog.Int64("entity_id", entityID),
			slog.String("error", err.Error()),
		)
		return
	}

	for _, tenantID := range tenantIDs {
		if err := l.logEvent(ctx, eventType, category, payload, actorID, tenantID); err != nil {
			logger.Warn("failed to record outbox event",
				slog.String("action", "log_entity_event"),
				slog.String("event_type", eventType),
				slog.Int64("tenant_id", tenantID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// logEvent is the Result-returning inner call whose error the public
// wrapper discards.
func (l *Logger) logEvent(ctx context.Context, eventType, category string, payload map[string]interface{}, actorID, tenantID int64) error {
	activated, epoch := l.state.Snapshot(ctx)
	if !activated {
		return nil
	}

	if payload == nil {
		payload = map[string]interface{}{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("serialize event payload: %w", err)
	}

	ev := Event{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Category:  category,
		ActorID:   actorID,
		TenantID:  tenantID,
		Payload:   string(data),
		Status:    StatusPending,
		Epoch:     epoch,
		CreatedAt: time.Now().UTC(),
	}

	if err := l.store.Insert(ctx, ev); err != nil {
		return fmt.Errorf("persist event %s: %w", ev.EventID, err)
	}

	infrastructure.LoggerWithContext(ctx).Debug("outbox event recorded",
		slog.String("action", "log_event"),
		slog.String("event_id", ev.EventID),
		slog.String("event_type", eventType),
		slog.Int64("tenant_id", tenantID),
	)
	return nil
}

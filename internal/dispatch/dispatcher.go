package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"lmsbridge/internal/activation"
	"lmsbridge/internal/config"
	"lmsbridge/internal/infrastructure"
	"lmsbridge/internal/outbox"
	"lmsbridge/internal/store"
)

// ActorSummary is the flattened description of the user behind an event.
type ActorSummary struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

// ActorDirectory resolves actor ids to summaries from the host's user
// store. Implementations may cache; the dispatcher asks once per distinct
// actor per cycle.
type ActorDirectory interface {
	Summarize(ctx context.Context, actorID int64) (ActorSummary, error)
}

// CycleSummary describes one completed dispatch cycle for observers.
type CycleSummary struct {
	Started   time.Time     `json:"started"`
	Duration  time.Duration `json:"duration_ns"`
	Selected  int           `json:"selected"`
	Sent      int           `json:"sent"`
	Failed    int           `json:"failed"`
	Cleaned   int64         `json:"cleaned"`
	Activated bool          `json:"activated"`
	Outcome   string        `json:"outcome"`
}

// Notifier receives cycle summaries. Implemented by the websocket hub.
type Notifier interface {
	NotifyDispatch(summary CycleSummary)
}

// Dispatcher runs dispatch cycles against the outbox.
type Dispatcher struct {
	events      *store.OutboxRepo
	deployments *store.DeploymentRepo
	gateway     *activation.Gateway
	client      *activation.Client
	actors      ActorDirectory // optional
	notifier    Notifier       // optional
	metrics     *Metrics       // optional
	batchLimit  int
	now         func() time.Time
}

// NewDispatcher wires a Dispatcher. actors, notifier, and metrics may be
// nil; batchLimit <= 0 falls back to the default batch size.
func NewDispatcher(
	events *store.OutboxRepo,
	deployments *store.DeploymentRepo,
	gateway *activation.Gateway,
	client *activation.Client,
	actors ActorDirectory,
	batchLimit int,
) *Dispatcher {
	if batchLimit <= 0 {
		batchLimit = config.DefaultDispatchLimit
	}
	return &Dispatcher{
		events:      events,
		deployments: deployments,
		gateway:     gateway,
		client:      client,
		actors:      actors,
		batchLimit:  batchLimit,
		now:         time.Now,
	}
}

// SetNotifier attaches a cycle observer. Wired after construction because
// the hub and the dispatcher are built independently.
func (d *Dispatcher) SetNotifier(n Notifier) { d.notifier = n }

// SetMetrics attaches the OpenTelemetry instruments.
func (d *Dispatcher) SetMetrics(m *Metrics) { d.metrics = m }

// DispatchPending runs one full dispatch cycle and returns the number of
// events delivered. Returning 0 with a nil error is the common idle case:
// not activated, or nothing eligible.
func (d *Dispatcher) DispatchPending(ctx context.Context) (int, error) {
	started := d.now()
	logger := infrastructure.LoggerWithContext(ctx)

	status, err := d.gateway.CheckStatus(ctx, false)
	if err != nil {
		return 0, fmt.Errorf("status check: %w", err)
	}
	if !status.Activated {
		d.finishCycle(ctx, CycleSummary{Started: started, Outcome: "not_activated"})
		return 0, nil
	}

	dep, err := d.deployments.Get(ctx)
	if err != nil {
		return 0, fmt.Errorf("load deployment: %w", err)
	}

	now := d.now()
	batch, err := d.events.SelectDispatchable(ctx, d.batchLimit, now)
	if err != nil {
		return 0, fmt.Errorf("select dispatchable events: %w", err)
	}
	if len(batch) == 0 {
		cleaned := d.cleanup(ctx)
		d.finishCycle(ctx, CycleSummary{
			Started: started, Duration: time.Since(started),
			Cleaned: cleaned, Activated: true, Outcome: "idle",
		})
		return 0, nil
	}

	payload, err := d.flatten(ctx, batch)
	if err != nil {
		return 0, fmt.Errorf("flatten batch: %w", err)
	}

	sent, outcome := d.deliver(ctx, batch, payload, dep, now)

	cleaned := d.cleanup(ctx)
	summary := CycleSummary{
		Started:   started,
		Duration:  time.Since(started),
		Selected:  len(batch),
		Sent:      sent,
		Failed:    len(batch) - sent,
		Cleaned:   cleaned,
		Activated: true,
		Outcome:   outcome,
	}
	d.finishCycle(ctx, summary)

	logger.Info("dispatch cycle completed",
		slog.String("action", "dispatch_cycle"),
		slog.Int("selected", len(batch)),
		slog.Int("sent", sent),
		slog.String("outcome", outcome),
		slog.Duration("duration", time.Since(started)),
	)
	return sent, nil
}

// deliver sends one flattened batch and records per-event outcomes.
func (d *Dispatcher) deliver(ctx context.Context, batch []outbox.Event, payload []byte, dep store.Deployment, now time.Time) (int, string) {
	logger := infrastructure.LoggerWithContext(ctx)

	result, err := d.client.SendEvents(ctx, payload, dep.Secret, dep.InstanceID)
	if err != nil {
		// A failed connection counts as a delivery attempt so a dead
		// control plane backs the whole batch off instead of hot-looping.
		d.markFailed(ctx, batch, "connection failed: "+err.Error(), now)
		return 0, "connection_failed"
	}

	switch {
	case result.StatusCode == http.StatusOK:
		if err := d.events.MarkSent(ctx, batch, result.Snippet, now); err != nil {
			logger.Error("failed to mark batch sent",
				slog.String("action", "dispatch_cycle"),
				slog.String("error", err.Error()),
			)
			// The remote accepted these events; reporting 0 here would be a
			// lie, but claiming success with unrecorded state is worse. The
			// rows stay pending and redeliver, which at-least-once permits.
			return 0, "mark_failed"
		}
		return len(batch), "sent"

	case result.StatusCode == http.StatusForbidden && result.Failure.SignatureRelated():
		logger.Warn("batch rejected on signature, keeping activation",
			slog.String("action", "dispatch_cycle"),
			slog.String("detail", result.Failure.Detail),
		)
		d.markFailed(ctx, batch, result.Snippet, now)
		return 0, "signature_rejected"

	case result.StatusCode == http.StatusForbidden:
		logger.Warn("batch refused, deactivating deployment",
			slog.String("action", "dispatch_cycle"),
			slog.String("message", result.Failure.Message),
		)
		d.markFailed(ctx, batch, result.Snippet, now)
		_ = d.gateway.Deactivate(ctx, "control plane refused event batch: "+result.Failure.Message)
		return 0, "deactivated"

	default:
		d.markFailed(ctx, batch, result.Snippet, now)
		return 0, fmt.Sprintf("http_%d", result.StatusCode)
	}
}

// flatten produces the serialized ingestion array: one flat object per
// event carrying envelope fields, the actor summary, and the packaged
// payload fields merged in.
func (d *Dispatcher) flatten(ctx context.Context, batch []outbox.Event) ([]byte, error) {
	actorCache := map[int64]ActorSummary{}

	flattened := make([]map[string]interface{}, 0, len(batch))
	for _, ev := range batch {
		entry := map[string]interface{}{
			"event_id":   ev.EventID,
			"event_type": ev.EventType,
			"category":   ev.Category,
			"tenant_id":  ev.TenantID,
			"occurred":   ev.CreatedAt.UTC().Unix(),
			"attempts":   ev.Attempts,
		}

		actor := d.actorFor(ctx, ev.ActorID, actorCache)
		entry["actor_id"] = actor.ID
		entry["actor_username"] = actor.Username
		entry["actor_email"] = actor.Email

		var payload map[string]interface{}
		if err := json.Unmarshal([]byte(ev.Payload), &payload); err != nil {
			// A malformed payload still ships as an envelope-only record;
			// dropping it silently would lose the occurrence entirely.
			infrastructure.LoggerWithContext(ctx).Warn("event payload is not a JSON object, sending envelope only",
				slog.String("action", "dispatch_flatten"),
				slog.String("event_id", ev.EventID),
			)
		}
		for k, v := range payload {
			if _, taken := entry[k]; !taken {
				entry[k] = v
			}
		}
		flattened = append(flattened, entry)
	}

	data, err := json.Marshal(flattened)
	if err != nil {
		return nil, fmt.Errorf("marshal flattened batch: %w", err)
	}
	return data, nil
}

// actorFor resolves an actor id, memoized per cycle. Actor id 0 and lookup
// failures both yield the synthetic system actor so the batch never stalls
// on a deleted user.
func (d *Dispatcher) actorFor(ctx context.Context, actorID int64, cache map[int64]ActorSummary) ActorSummary {
	if actorID == 0 || d.actors == nil {
		return ActorSummary{ID: 0, Username: "system", Email: ""}
	}
	if summary, ok := cache[actorID]; ok {
		return summary
	}
	summary, err := d.actors.Summarize(ctx, actorID)
	if err != nil {
		summary = ActorSummary{ID: actorID, Username: "system", Email: ""}
	}
	cache[actorID] = summary
	return summary
}

func (d *Dispatcher) markFailed(ctx context.Context, batch []outbox.Event, snippet string, now time.Time) {
	if err := d.events.MarkFailed(ctx, batch, snippet, now); err != nil {
		infrastructure.LoggerWithContext(ctx).Error("failed to mark batch failed",
			slog.String("action", "dispatch_cycle"),
			slog.String("error", err.Error()),
		)
	}
}

// cleanup prunes sent events past retention and permanently failed events
// at the attempt cap. Runs every cycle; errors are logged, never fatal.
func (d *Dispatcher) cleanup(ctx context.Context) int64 {
	cleaned, err := d.events.Cleanup(ctx, d.now())
	if err != nil {
		infrastructure.LoggerWithContext(ctx).Warn("outbox cleanup failed",
			slog.String("action", "dispatch_cleanup"),
			slog.String("error", err.Error()),
		)
		return 0
	}
	return cleaned
}

func (d *Dispatcher) finishCycle(ctx context.Context, summary CycleSummary) {
	if d.metrics != nil {
		d.metrics.RecordCycle(ctx, summary)
	}
	if d.notifier != nil {
		d.notifier.NotifyDispatch(summary)
	}
}

package outbox

import "time"

// Status is the delivery state of an outbox event.
type Status string

const (
	// StatusPending marks an event that has never been dispatched.
	StatusPending Status = "pending"
	// StatusSent is terminal; the dispatcher never re-reads sent events.
	StatusSent Status = "sent"
	// StatusFailed marks an event awaiting a backoff retry.
	StatusFailed Status = "failed"
)

// Event is one captured domain occurrence awaiting delivery to the control
// plane. Payload is opaque serialized JSON produced by an external packager
// and is never interpreted here.
type Event struct {
	ID            int64     `json:"id"`
	EventID       string    `json:"event_id"`
	EventType     string    `json:"event_type"`
	Category      string    `json:"category"`
	ActorID       int64     `json:"actor_id"`  // 0 = system-originated
	TenantID      int64     `json:"tenant_id"` // 0 = untenanted
	Payload       string    `json:"payload"`
	Status        Status    `json:"status"`
	Attempts      int       `json:"attempts"`
	LastAttemptAt time.Time `json:"last_attempt_at"` // zero = never attempted
	LastResponse  string    `json:"last_response"`
	Epoch         int64     `json:"epoch"`
	CreatedAt     time.Time `json:"created_at"`
}

// Backoff returns the minimum wait after the n-th failed attempt before the
// event becomes dispatchable again: 2^n * 60 seconds.
func Backoff(attempts int) time.Duration {
	return time.Duration(1<<uint(attempts)) * 60 * time.Second
}

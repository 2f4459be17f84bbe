package config

import "time"

// Operational constants shared by the activation gateway and dispatcher.
const (
	// StatusCheckInterval is the minimum spacing between remote status polls.
	StatusCheckInterval = 300 * time.Second

	// MaxRetryAttempts is the delivery attempt ceiling for a single event.
	MaxRetryAttempts = 10

	// CleanupDays is the retention window for delivered events.
	CleanupDays = 30

	// ExpiryGrace keeps a tenant active for the whole final calendar day of
	// its contract regardless of the viewer's timezone.
	ExpiryGrace = 12 * time.Hour

	// DefaultDispatchLimit is the batch size used when callers pass zero.
	DefaultDispatchLimit = 50

	// PendingInstanceID is sent as X-Instance-Id before registration.
	PendingInstanceID = "pending"
)

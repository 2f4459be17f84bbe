// Package outbox holds the durable event model and the producer-facing
// logging API. Domain code records events through Logger.LogEvent; rows are
// drained asynchronously by the dispatcher. Logging is fire-and-forget:
// persistence failures never propagate to the producing operation.
package outbox

// Package dispatch drains the outbox to the control plane. A scheduler
// runs one dispatch cycle per interval; each cycle verifies the remote
// activation, selects a bounded batch of eligible events, flattens them
// into the ingestion format, signs the batch, and records per-event
// outcomes. Delivery is at-least-once: an event is only marked sent after
// the control plane acknowledged the batch containing it.
package dispatch

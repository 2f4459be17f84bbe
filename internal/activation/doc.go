// Package activation owns the deployment and tenant activation state
// machines and the signed HTTP client for the remote control plane.
//
// A deployment starts unregistered, becomes activated through an activation
// code exchange that assigns it an instance id and a shared secret, and can
// be deactivated remotely through status polls. Tenant activation is
// orthogonal: each tenant carries its own enabled flag and contract expiry.
// Every successful (re)activation starts a new activation epoch; queued
// outbox events from earlier epochs are discarded because they would be
// delivered under the wrong identity.
package activation

// Package app assembles the bridge: configuration, logging, storage,
// activation gateway, outbox dispatcher, websocket hub, and the admin HTTP
// server, wired together with explicit dependency injection.
package app

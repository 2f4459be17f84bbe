// Package http implements the admin HTTP API of the bridge: activation,
// status, tenant management, dispatch control, health, metrics, and the
// live status websocket. Handlers stay thin and delegate to the service
// layer; all errors render as structured API errors.
//
// A typical request flows through these layers:
//
//	HTTP Request → Chi Router → Middleware → Handler → Service → Repository
//	                                              ↓
//	HTTP Response ← Handler ← Service Response ←─┘
package http

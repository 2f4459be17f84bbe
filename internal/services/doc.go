// Package services implements the business logic layer between the HTTP
// handlers and the activation, outbox, and dispatch machinery. Handlers
// depend on these services, never on repositories directly.
//
// Services follow these principles:
//
//	1. Interface-driven design for testability
//	2. Context propagation for cancellation and tracing
//	3. Dependency injection for loose coupling
//	4. Error handling and transformation at the boundary
package services

// Package api implements the HTTP REST API and WebSocket server for
// routine-core.
//
// This package provides:
//   - REST endpoints for the routine catalog, engine control and run history
//   - Read-only views of the device registry
//   - An audit trail of engine control requests
//   - A WebSocket hub that streams engine status changes and routine log lines
//   - Bearer-token authentication with ticket-based WebSocket auth
//   - Middleware stack (request ID, logging, recovery, CORS)
//   - Prometheus metrics at /metrics
//
// # Architecture
//
// The API is a thin shell over the engine. Starting, pausing, resuming and
// stopping routines go straight to the engine's lifecycle calls; the engine
// pushes status and log lines back through the Hub, which implements
// engine.Broadcaster.
//
// # Errors
//
// Engine and catalog errors map onto HTTP statuses in writeDomainError:
// a busy engine is 409, a rejected parameter or routine is 400, a missing
// required device is 422, and unknown routines, runs and devices are 404.
//
// # Security
//
// Every route except health and metrics needs a bearer token minted by
// `routinecore token`. Controlling the engine needs the operator role.
// WebSocket connections use single-use tickets so tokens never appear in
// URLs.
package api

// Package api implements the HTTP status API and WebSocket event stream of
// the backend daemon.
//
// This package provides:
//   - Read-only REST endpoints for live devices and their lifecycle history
//   - A WebSocket hub that streams lifecycle events as they happen
//   - Optional HS256 bearer authentication with ticket-based WebSocket auth
//   - Middleware stack (request ID, logging, recovery, body limit)
//
// # Architecture
//
// The backend core runs on a single goroutine and cannot be queried from
// HTTP handlers. Handlers instead read a lifecycle.StatusView and a
// lifecycle.HistoryRepository, both fed by the lifecycle recorder. The
// Hub is itself a recorder sink:
//
//	hub := api.NewHub(cfg.WebSocket, log)
//	rec := lifecycle.NewRecorder(opts, view, hub)
//	server, err := api.New(api.Deps{Status: view, Hub: hub, ...})
//	server.Start(ctx)
//	defer server.Close()
//
// # Routes
//
//	GET  /api/v1/health
//	GET  /api/v1/metrics
//	GET  /api/v1/devices?class=&domid=
//	GET  /api/v1/devices/{class}/{domid}/{devid}
//	GET  /api/v1/devices/{class}/{domid}/{devid}/history?limit=&since=
//	POST /api/v1/auth/ws-ticket
//	GET  /api/v1/ws?ticket=
//
// # Event stream
//
// Clients subscribe to channels named after the lifecycle event kind
// ("device.transition", "device.freed", or "device.*" for all), optionally
// narrowed to specific devices:
//
//	{"type":"subscribe","id":"1","payload":{"channels":["device.*"],"devices":["console/3/0"]}}
//
// The response carries the client's filter after the change.
//
// # Security
//
// With security.jwt.secret set, every route except /health requires an
// "Authorization: Bearer" token signed with that secret (see IssueToken).
// WebSocket connections present a single-use ticket instead, so the token
// never appears in a URL. Without a secret the API is open and should only
// listen on loopback.
package api

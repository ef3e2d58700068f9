// Package api implements the status HTTP API and WebSocket stream for
// lightbus.
//
// This package provides:
//   - REST endpoints for runtime status, the event journal and lamp state
//   - A publish endpoint that goes through the MQTT publish gateway
//   - A WebSocket hub that relays inbound messages and runtime events
//   - Middleware stack (request ID, logging, recovery, body size limit)
//
// # Graceful Degradation
//
// The journal and lamp registry are optional. Their endpoints answer 503
// when the dependency was not configured; everything else keeps working.
package api

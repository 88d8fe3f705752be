// Package server implements the relay: a WebSocket endpoint that groups
// connections into named rooms and fans typed events out to room members.
//
// The implementation is organized into specialized files for configuration,
// the hub (state owner and event loop), per-connection pumps, the wire
// protocol, routing, and HTTP handlers.
package server

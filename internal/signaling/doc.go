// Package signaling brokers WebRTC signaling and phone telemetry between one
// PHONE connection and any number of OPERATOR connections.
//
// Every handler runs on a single Hub goroutine that owns the connection
// directory and the session registry. WebSocket read loops only parse frames
// and hand them to the Hub, so per-connection ordering is preserved and no
// state is ever observed half-updated.
package signaling

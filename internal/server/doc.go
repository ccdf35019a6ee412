// Package server is the network edge of Nexus: the WebSocket hub and client
// pumps, the authenticated HTTP API, origin checks and per-connection rate
// limiting.
//
// Each WebSocket connection gets a read pump and a write pump. The read pump
// decodes protocol frames and runs them against the Coordinator; the write
// pump drains the connection's outbound buffer and keeps it alive with pings.
// A connection whose pong does not arrive within PongWait is closed, and its
// read pump unregisters it exactly like a clean disconnect.
package server

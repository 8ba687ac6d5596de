// Package server exposes the broker over MCP: the tool surface that
// declares capabilities and runs brokered operations, session tracking
// for HTTP transport, health probes, and the metrics endpoint.
//
// SessionManager maps Bearer tokens to broker user IDs with a sliding
// TTL, so multiple users can share one server instance over HTTP. The
// stdio transport always runs as a single default user.
package server

// Package token persists OAuth credentials per linked account and keeps
// them fresh.
//
// The Store wraps a pluggable Storage (in-memory or SQLite) and a
// provider-specific RefreshFunc. EnsureFresh is the only entry point hot
// paths use: it validates scope coverage, returns the stored credential if
// it is still valid for the configured safety margin, and otherwise
// performs a refresh exchange, serialized per account so that a single-use
// refresh token is never consumed twice concurrently.
package token

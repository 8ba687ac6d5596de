// Package servicecache holds live, authenticated Google service handles per
// (account, service type) pair with a time-to-live.
//
// Construction goes through a pluggable per-service factory, so the cache
// itself is provider-agnostic: it only knows that a handle is built from a
// fresh credential, stays valid for the TTL, and must cover the scopes the
// caller requires.
package servicecache

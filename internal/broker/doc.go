// Package broker ties the session layer together: it resolves the calling
// account, acquires a capability-scoped service handle from the cache, and
// runs the caller's operation with the handle injected, returning either
// the operation's result or a classified error.
package broker

// Package accounts maps logical application users to the provider accounts
// they have linked, and selects the active account per call.
package accounts

// Package google holds everything provider-specific: the OAuth2
// configuration and consent flow, the refresh exchange, and the factories
// that build authenticated Gmail, Calendar, Drive, Docs, and Sheets
// service handles for the service cache.
package google

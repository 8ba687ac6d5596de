// Package capability defines the symbolic capability names callers use to
// request access to Google Workspace services, and the registry that maps
// them to concrete OAuth scope URIs.
//
// Capabilities decouple tool code from provider scope strings: a tool
// declares that it needs "gmail_send", and the registry decides which scope
// URI that implies and which service handle type can satisfy it.
package capability

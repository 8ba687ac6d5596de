// Package logging provides slog helpers: consistent attribute keys,
// constructors for configured loggers, and sanitizers for tokens and user
// identifiers so PII never reaches log output.
package logging

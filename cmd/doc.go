// Package cmd implements the workspace-broker CLI: the serve command
// running the MCP server and the accounts commands for linking,
// listing, and unlinking Google accounts.
package cmd

package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command for the workspace-broker
// application
var rootCmd = &cobra.Command{
	Use:   "workspace-broker",
	Short: "Capability-scoped session broker for Google Workspace APIs",
	Long: `workspace-broker mediates access to Google Workspace APIs for AI
assistants. Tools declare the capabilities they need (gmail_read,
calendar_events, ...) and the broker handles scope resolution, token
refresh, handle caching, and multi-account selection behind a single
MCP server.`,
	SilenceUsage: true,
}

// version will be set by main
var version = "dev"

// SetVersion sets the version for the root command
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

// Execute is the main entry point for the CLI application
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "workspace-broker version %s\n" .Version}}`)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newAccountsCmd())
}

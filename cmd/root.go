package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "workspacecore",
	Short: "Multi-tenant sandbox control plane for AI coding agents",
	Long:  `workspacecore acquires, runs, and recycles isolated per-conversation sandboxes for an AI coding agent, fronted by a credential-injecting egress proxy.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

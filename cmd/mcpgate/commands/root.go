package commands

import (
	"github.com/spf13/cobra"
)

var cfgFile string

func NewRoot() *cobra.Command {
	root := &cobra.Command{
		Use:           "mcpgate",
		Short:         "Security gateway for MCP tool calls",
		Long:          "mcpgate runs every agent tool call through path containment, per-engagement allowlists, size limits and secret redaction before it reaches a tool.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "mcpgate.yaml", "config file path")

	root.AddCommand(
		newServeCmd(),
		newMCPCmd(),
		newAllowlistCmd(),
		newCheckPathCmd(),
		newRedactCmd(),
		newLogsCmd(),
		newVersionCmd(),
	)

	return root
}

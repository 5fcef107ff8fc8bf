package commands

import (
	"fmt"
	"slices"
	"strings"

	"github.com/oktsec/mcpgate/internal/config"
	"github.com/oktsec/mcpgate/internal/gateway"
	"github.com/oktsec/mcpgate/internal/security"
	"github.com/oktsec/mcpgate/internal/tool"
	"github.com/spf13/cobra"
)

func newAllowlistCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "allowlist",
		Short: "Manage per-engagement tool allowlists in the config file",
		Long: `Reads and edits the engagements section of the config file. A running
gateway picks up the change automatically.`,
	}
	cmd.AddCommand(newAllowlistGetCmd(), newAllowlistSetCmd(), newAllowlistClearCmd())
	return cmd
}

func sanctionedTools(cfg *config.Config) []string {
	if len(cfg.Security.DefaultTools) > 0 {
		return cfg.Security.DefaultTools
	}
	return tool.DefaultNames()
}

func newAllowlistGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <engagement-id>",
		Short: "Print the effective allowlist of an engagement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			id := args[0]
			out := cmd.OutOrStdout()

			tools := sanctionedTools(cfg)
			source := "default"
			if e, ok := cfg.Engagements[id]; ok {
				tools, source = e.AllowedTools, "engagement"
			}
			tools = slices.Sorted(slices.Values(tools))
			fmt.Fprintf(out, "%s (%s):\n", id, source)
			for _, t := range tools {
				fmt.Fprintf(out, "  %s\n", t)
			}
			return nil
		},
	}
}

func newAllowlistSetCmd() *cobra.Command {
	var description string
	cmd := &cobra.Command{
		Use:   "set <engagement-id> <tool>...",
		Short: "Replace the allowlist of an engagement",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			id, tools := args[0], args[1:]
			if !gateway.ValidEngagementID(id) {
				return fmt.Errorf("invalid engagement id %q", id)
			}

			sanctioned := sanctionedTools(cfg)
			var unknown []string
			for _, t := range tools {
				if !slices.Contains(sanctioned, t) {
					unknown = append(unknown, t)
				}
			}
			if len(unknown) > 0 {
				return fmt.Errorf("%w: %s", security.ErrToolNotSanctioned, strings.Join(unknown, ", "))
			}

			if cfg.Engagements == nil {
				cfg.Engagements = make(map[string]config.Engagement)
			}
			e := cfg.Engagements[id]
			e.AllowedTools = slices.Compact(slices.Sorted(slices.Values(tools)))
			if description != "" {
				e.Description = description
			}
			cfg.Engagements[id] = e

			if err := cfg.Save(cfgFile); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "engagement %s: %s\n", id, strings.Join(e.AllowedTools, ", "))
			return nil
		},
	}
	cmd.Flags().StringVar(&description, "description", "", "engagement description")
	return cmd
}

func newAllowlistClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear <engagement-id>",
		Short: "Remove an engagement allowlist so the default set applies",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			id := args[0]
			if _, ok := cfg.Engagements[id]; !ok {
				fmt.Fprintf(cmd.OutOrStdout(), "engagement %s has no allowlist\n", id)
				return nil
			}
			delete(cfg.Engagements, id)
			if err := cfg.Save(cfgFile); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "engagement %s: allowlist cleared\n", id)
			return nil
		},
	}
}

package commands

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/oktsec/mcpgate/internal/app"
	"github.com/oktsec/mcpgate/internal/security"
	"github.com/spf13/cobra"
)

func newCheckPathCmd() *cobra.Command {
	var op string

	cmd := &cobra.Command{
		Use:   "check-path <engagement-id> <path>",
		Short: "Check whether a path is allowed for an engagement",
		Example: `  mcpgate check-path eng-42 reports/summary.md
  mcpgate check-path eng-42 ../eng-7/notes.txt --op write`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			v, err := app.NewValidator(cfg.Security, quietLogger())
			if err != nil {
				return err
			}

			var operation security.Operation
			switch op {
			case "read":
				operation = security.OpRead
			case "write":
				operation = security.OpWrite
			case "list":
				operation = security.OpList
			default:
				return fmt.Errorf("unknown operation %q (read, write, list)", op)
			}

			engagementID, path := args[0], args[1]
			resolved, err := v.ValidateFilePath(path, engagementID, operation)
			if err != nil {
				color.New(color.FgRed, color.Bold).Fprint(cmd.ErrOrStderr(), "DENIED  ")
				fmt.Fprintln(cmd.ErrOrStderr(), err)
				return ErrDenied
			}
			color.New(color.FgGreen, color.Bold).Fprint(cmd.OutOrStdout(), "ALLOWED ")
			fmt.Fprintln(cmd.OutOrStdout(), resolved)
			return nil
		},
	}
	cmd.Flags().StringVar(&op, "op", "read", "operation: read, write or list")
	return cmd
}

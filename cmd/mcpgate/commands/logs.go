package commands

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/oktsec/mcpgate/internal/audit"
	"github.com/spf13/cobra"
)

func newLogsCmd() *cobra.Command {
	var opts audit.QueryOpts
	var since string
	var asJSON, summary bool

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Query the audit log",
		Example: `  mcpgate logs
  mcpgate logs --engagement eng-42 --state SECURITY_REJECTED
  mcpgate logs --call-id 5b1f0c2e-...
  mcpgate logs --since 1h --json
  mcpgate logs --summary --engagement eng-42`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openAudit(cfg.Audit, quietLogger())
			if err != nil {
				return fmt.Errorf("opening audit log: %w", err)
			}
			defer store.Close() //nolint:errcheck // best-effort cleanup

			out := cmd.OutOrStdout()
			if summary {
				counts, err := store.QueryStates(opts.EngagementID)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "STATE\tCOUNT")
				for _, c := range counts {
					fmt.Fprintf(tw, "%s\t%d\n", c.State, c.Count)
				}
				return tw.Flush()
			}

			if since != "" {
				dur, err := time.ParseDuration(since)
				if err != nil {
					return fmt.Errorf("invalid duration %q: %w", since, err)
				}
				opts.Since = time.Now().Add(-dur)
			}

			records, err := store.Query(opts)
			if err != nil {
				return err
			}
			if asJSON {
				for _, r := range records {
					fmt.Fprintln(out, string(audit.RecordJSON(r)))
				}
				return nil
			}
			if len(records) == 0 {
				fmt.Fprintln(out, "No audit entries found.")
				return nil
			}
			return printRecords(out, records)
		},
	}

	cmd.Flags().StringVar(&opts.CallID, "call-id", "", "filter by call id")
	cmd.Flags().StringVar(&opts.EngagementID, "engagement", "", "filter by engagement id")
	cmd.Flags().StringVar(&opts.Tool, "tool", "", "filter by tool name")
	cmd.Flags().StringVar(&opts.State, "state", "", "filter by terminal state (SUCCEEDED, SECURITY_REJECTED, APPLICATION_ERROR, INTERNAL_ERROR)")
	cmd.Flags().StringVar(&since, "since", "", "show entries since duration (e.g. 1h, 30m)")
	cmd.Flags().IntVar(&opts.Limit, "limit", 50, "max entries to return")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print one JSON record per line")
	cmd.Flags().BoolVar(&summary, "summary", false, "print record counts per state")
	return cmd
}

func printRecords(w io.Writer, records []audit.Record) error {
	stateColor := map[string]*color.Color{
		"SUCCEEDED":         color.New(color.FgGreen),
		"SECURITY_REJECTED": color.New(color.FgRed, color.Bold),
		"APPLICATION_ERROR": color.New(color.FgYellow),
		"INTERNAL_ERROR":    color.New(color.FgMagenta),
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tCALL\tENGAGEMENT\tTOOL\tSTATE\tCODE\tLATENCY")
	for _, r := range records {
		state := r.State
		if c, ok := stateColor[state]; ok {
			state = c.Sprint(state)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%.1fms\n",
			r.Timestamp, shortID(r.CallID), r.EngagementID, r.Tool, state, r.ErrorCode, r.ExecutionTimeMs)
	}
	return tw.Flush()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/oktsec/mcpgate/internal/app"
	"github.com/oktsec/mcpgate/internal/config"
	"github.com/oktsec/mcpgate/internal/mcpserver"
	"github.com/spf13/cobra"
)

func newMCPCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Start mcpgate as an MCP server (stdio)",
		Long: `Exposes the gateway tools over MCP. Add to your MCP client config:

  {
    "mcpServers": {
      "mcpgate": {
        "command": "mcpgate",
        "args": ["mcp", "--config", "./mcpgate.yaml"]
      }
    }
  }

Every tool takes engagement_id and an optional call_id next to its own
arguments.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			// stdout carries the protocol; logs go to stderr.
			logCfg := cfg.Server
			if logCfg.LogLevel == config.Defaults().Server.LogLevel {
				logCfg.LogLevel = "warn"
			}
			logger := newLogger(logCfg, os.Stderr)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				_ = a.Close(closeCtx)
			}()

			if configExists() {
				go watchEngagements(ctx, a, logger)
			}

			s := mcpserver.New(mcpserver.Options{
				Gateway: a.Gateway,
				Limiter: a.Limiter,
				Version: version,
			}, logger)
			return s.ServeStdio(ctx)
		},
	}
}

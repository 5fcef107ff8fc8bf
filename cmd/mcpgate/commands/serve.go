package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/oktsec/mcpgate/internal/app"
	"github.com/oktsec/mcpgate/internal/config"
	"github.com/oktsec/mcpgate/internal/server"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	var port int
	var bind string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the mcpgate HTTP gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if port != 0 {
				cfg.Server.Port = port
			}
			if bind != "" {
				cfg.Server.Bind = bind
			}

			logger := newLogger(cfg.Server, os.Stderr)

			// Graceful shutdown on SIGINT/SIGTERM
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := a.Close(closeCtx); err != nil {
					logger.Error("closing gateway", "error", err)
				}
			}()

			srv, err := server.New(cfg.Server.Bind, cfg.Server.Port, server.Options{
				Gateway:        a.Gateway,
				Limiter:        a.Limiter,
				Metrics:        a.Metrics,
				TracerProvider: a.TracerProvider,
				AdminToken:     cfg.Server.AdminToken,
				MaxBodyBytes:   2 * int64(cfg.Security.MaxRequestSizeMB) << 20,
				Version:        version,
			}, logger)
			if err != nil {
				return err
			}

			printBanner(cmd.OutOrStdout(), cfg, srv.Addr(), a.Gateway.Tools())

			if configExists() {
				go watchEngagements(ctx, a, logger)
			}

			errCh := make(chan error, 1)
			go func() {
				errCh <- srv.Start()
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			}
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "override server port")
	cmd.Flags().StringVar(&bind, "bind", "", "address to bind (default: 127.0.0.1)")
	return cmd
}

// watchEngagements re-applies engagement allowlists whenever the config
// file changes.
func watchEngagements(ctx context.Context, a *app.App, logger *slog.Logger) {
	err := config.Watch(ctx, cfgFile, logger, func(c *config.Config) {
		if err := a.ApplyEngagements(c.Engagements); err != nil {
			logger.Warn("engagement reload rejected", "error", err)
			return
		}
		logger.Info("engagements reloaded", "count", len(c.Engagements))
	})
	if err != nil {
		logger.Error("config watch stopped", "error", err)
	}
}

func printBanner(w io.Writer, cfg *config.Config, addr string, tools []string) {
	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	fmt.Fprintln(w)
	cyan.Fprintln(w, "  mcpgate")
	gray.Fprintln(w, "  ────────────────────────────────────────")
	fmt.Fprintf(w, "  API:        http://%s/v1/tools/call\n", addr)
	fmt.Fprintf(w, "  Health:     http://%s/health\n", addr)
	fmt.Fprintf(w, "  Metrics:    http://%s/metrics\n", addr)
	gray.Fprintln(w, "  ────────────────────────────────────────")
	fmt.Fprintf(w, "  Data root:    %s\n", cfg.Security.DataRoot)
	fmt.Fprintf(w, "  Tools:        %d registered\n", len(tools))
	fmt.Fprintf(w, "  Engagements:  %d configured\n", len(cfg.Engagements))
	fmt.Fprintf(w, "  Audit:        %s\n", cfg.Audit.Driver)
	if cfg.Server.AdminToken != "" {
		green.Fprintln(w, "  Admin API:    enabled")
	} else {
		yellow.Fprintln(w, "  Admin API:    disabled (set MCPGATE_ADMIN_TOKEN)")
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "  Press Ctrl+C to stop.")
	fmt.Fprintln(w)
}

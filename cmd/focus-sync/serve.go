package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"focus-sync/internal/app"
	"focus-sync/internal/lock"
)

func serveCmd() *cobra.Command {
	var (
		addr     string
		pidFile  string
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the monitor, queue worker and periodic sync",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("interval") {
				if interval <= 0 {
					return fmt.Errorf("--interval must be positive")
				}
				cfg.Sync.Interval = interval
			}
			if addr == "" {
				addr = cfg.HTTP.Addr
			}
			if pidFile == "" {
				pidFile = cfg.PIDFile
			}

			pid := lock.NewPIDFile(pidFile)
			if err := pid.TryLock(); err != nil {
				return err
			}
			defer func() {
				if err := pid.Unlock(); err != nil {
					logger.Warn("failed to release pid file", slog.String("error", err.Error()))
				}
			}()

			ctx := cmd.Context()
			a, err := app.New(ctx, logger, cfg)
			if err != nil {
				return fmt.Errorf("initialize app: %w", err)
			}
			defer a.Close()

			return a.Serve(ctx, addr, cfg.Sync.Interval)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address (default: HTTP_ADDR)")
	cmd.Flags().StringVar(&pidFile, "pid-file", "", "Lock file guarding a single instance (default: PID_FILE)")
	cmd.Flags().DurationVar(&interval, "interval", 0, "Periodic sync interval (default: SYNC_INTERVAL or 5m)")
	return cmd
}

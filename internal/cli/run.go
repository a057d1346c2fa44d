// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func newRunCommand(opts *RootOptions) *cobra.Command {
	var statusEvery time.Duration
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the sync loops until interrupted",
		Long: `Run the flush, realtime and backup loops in the foreground. SIGINT or
SIGTERM stops the loops, closes realtime channels and persists the replica.

Example:
  syncctl run --config sync.yaml
  SYNC_LOG_LEVEL=debug syncctl run -c sync.yaml --status-every 1m`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := openApp(ctx, opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer func() {
				if err := a.Close(context.WithoutCancel(ctx)); err != nil {
					a.logger.Error("shutdown failed", "error", err)
				}
			}()

			if err := a.engine.Start(ctx); err != nil {
				return WrapExitError(ExitCommandError, "failed to start engine", err)
			}
			a.logger.Info("syncctl running", "device_id", a.cfg.DeviceID, "group", a.cfg.Group)

			var tick <-chan time.Time
			if statusEvery > 0 {
				ticker := time.NewTicker(statusEvery)
				defer ticker.Stop()
				tick = ticker.C
			}
			for {
				select {
				case <-ctx.Done():
					a.logger.Info("shutting down")
					return nil
				case <-tick:
					st, err := a.engine.SyncStatus(ctx)
					if err != nil {
						a.logger.Warn("status failed", "error", err)
						continue
					}
					a.logger.Info("sync status", "summary", describeStatus(st), "last_error", st.LastError)
				}
			}
		},
	}
	cmd.Flags().DurationVar(&statusEvery, "status-every", 0, "log a status summary at this interval")
	return cmd
}

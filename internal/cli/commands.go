// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/pouriaabedi0073-sys/volleyball-club-sub000/backup"
	"github.com/pouriaabedi0073-sys/volleyball-club-sub000/engine"
	"github.com/pouriaabedi0073-sys/volleyball-club-sub000/queue"
)

func newStatusCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue, dead-letter and backup state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, cmd.ErrOrStderr(), func(a *app) error {
				st, err := a.engine.SyncStatus(cmd.Context())
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to read status", err)
				}
				return output(cmd, opts).Print(st, func(w io.Writer) {
					line(w, "device:          %s", a.cfg.DeviceID)
					line(w, "online:          %t", st.Online)
					if st.LastError != "" {
						line(w, "last error:      %s", oneLine(st.LastError))
					}
					line(w, "queue length:    %d", st.QueueLength)
					line(w, "dead letters:    %d", st.DeadLetters)
					line(w, "pending backups: %d", st.PendingBackups)
					line(w, "dead backups:    %d", st.DeadBackups)
					if st.LastBackupID != "" {
						line(w, "last backup:     %s", st.LastBackupID)
					}
					if st.LastBackupError != "" {
						line(w, "backup error:    %s", st.LastBackupError)
					}
				})
			})
		},
	}
}

func newFlushCommand(opts *RootOptions) *cobra.Command {
	var backups bool
	cmd := &cobra.Command{
		Use:   "flush",
		Short: "Replay queued operations against the remote store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, cmd.ErrOrStderr(), func(a *app) error {
				res, err := a.engine.Flush(cmd.Context())
				if err != nil {
					return WrapExitError(ExitFailure, "flush failed", err)
				}
				out := struct {
					Queue   queue.FlushResult   `json:"queue"`
					Backups *backup.DrainResult `json:"backups,omitempty"`
				}{Queue: res}
				if backups {
					drain, err := a.engine.FlushBackups(cmd.Context())
					if err != nil {
						return WrapExitError(ExitFailure, "backup drain failed", err)
					}
					out.Backups = &drain
				}
				return output(cmd, opts).Print(out, func(w io.Writer) {
					if res.LockHeld {
						line(w, "another process is flushing; nothing done")
						return
					}
					line(w, "succeeded: %d  dead-lettered: %d  retries: %d", res.Succeeded, res.DeadLettered, res.Retries)
					if out.Backups != nil {
						line(w, "backups uploaded: %d  dead-lettered: %d", out.Backups.Uploaded, out.Backups.DeadLettered)
					}
				})
			})
		},
	}
	cmd.Flags().BoolVar(&backups, "backups", false, "also upload pending backups")
	return cmd
}

func newBackupCommand(opts *RootOptions) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Snapshot the replica and upload it",
		Long: `Snapshot the local replica and upload it. An unchanged replica is skipped
unless --force is given. When the upload fails the snapshot is kept locally
and uploaded by a later flush --backups or by the run loop.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, cmd.ErrOrStderr(), func(a *app) error {
				res, err := a.engine.BackupNow(cmd.Context(), force)
				if err != nil {
					return WrapExitError(ExitCommandError, "backup failed", err)
				}
				out := struct {
					OK          bool   `json:"ok"`
					StoredLocal bool   `json:"stored_local"`
					Reason      string `json:"reason,omitempty"`
					ID          string `json:"id,omitempty"`
					Path        string `json:"path,omitempty"`
					Hash        string `json:"hash,omitempty"`
					Error       string `json:"error,omitempty"`
				}{OK: res.OK, StoredLocal: res.StoredLocal, Reason: res.Reason, ID: res.ID, Path: res.Path, Hash: res.Hash}
				if res.Err != nil {
					out.Error = res.Err.Error()
				}
				if err := output(cmd, opts).Print(out, func(w io.Writer) {
					switch {
					case res.OK:
						line(w, "uploaded %s", res.Path)
					case res.Reason == backup.ReasonNoChange:
						line(w, "no changes since backup %s", res.ID)
					case res.StoredLocal:
						line(w, "stored locally (%s): %s", res.Reason, res.Path)
					}
				}); err != nil {
					return err
				}
				if res.StoredLocal && res.Reason == backup.ReasonStoredLocal {
					return WrapExitError(ExitFailure, "backup stored locally", res.Err)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "upload even when nothing changed")
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List remote backups for this group",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, cmd.ErrOrStderr(), func(a *app) error {
				rows, err := a.engine.Backups().List(cmd.Context())
				if err != nil {
					return WrapExitError(ExitFailure, "failed to list backups", err)
				}
				return output(cmd, opts).Print(rows, func(w io.Writer) {
					tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
					line(tw, "ID\tCREATED\tDEVICE\tSIZE")
					for _, r := range rows {
						line(tw, "%s\t%s\t%s\t%v", r.ID(), r.String(backup.ColumnCreatedAt), r.String(backup.ColumnDeviceID), r[backup.ColumnSize])
					}
					_ = tw.Flush()
				})
			})
		},
	})
	return cmd
}

func newRestoreCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "restore [id|latest]",
		Short: "Merge a remote backup into the local replica",
		Long: `Fetch a backup (the newest for the group by default) and merge it into the
local replica. Records changed locally after the backup are kept.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := backup.Latest
			if len(args) == 1 && args[0] != "latest" {
				target = backup.Target{ID: args[0]}
			}
			return withApp(cmd.Context(), opts, cmd.ErrOrStderr(), func(a *app) error {
				res, err := a.engine.Restore(cmd.Context(), target)
				if errors.Is(err, backup.ErrNoBackup) {
					return WrapExitError(ExitCommandError, "nothing to restore", err)
				}
				if err != nil {
					return WrapExitError(ExitFailure, "restore failed", err)
				}
				return output(cmd, opts).Print(res, func(w io.Writer) {
					line(w, "restored %s", res.ID)
					names := make([]string, 0, len(res.Tables))
					for name := range res.Tables {
						names = append(names, name)
					}
					sort.Strings(names)
					for _, name := range names {
						m := res.Tables[name]
						line(w, "  %-16s inserted=%d updated=%d stale=%d", name, m.Inserted, m.Updated, m.Stale)
					}
				})
			})
		},
	}
}

func newQueueCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the pending operation queue",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List queued operations in replay order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, cmd.ErrOrStderr(), func(a *app) error {
				ops, err := a.engine.Queue().List(cmd.Context())
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to read queue", err)
				}
				return output(cmd, opts).Print(ops, func(w io.Writer) {
					tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
					line(tw, "ID\tTYPE\tTABLE\tRECORD\tATTEMPTS\tQUEUED")
					for _, op := range ops {
						line(tw, "%s\t%s\t%s\t%s\t%d\t%s", op.ID, op.Type, op.Table, op.RecordID(), op.Attempts, op.Timestamp.Format(time.RFC3339))
					}
					_ = tw.Flush()
				})
			})
		},
	})
	return cmd
}

func newDeadLetterCommand(opts *RootOptions) *cobra.Command {
	var backups bool
	cmd := &cobra.Command{
		Use:   "deadletter",
		Short: "Inspect, requeue or purge dead-lettered operations and backups",
	}
	cmd.PersistentFlags().BoolVar(&backups, "backups", false, "act on dead-lettered backups instead of operations")

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List dead letters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, cmd.ErrOrStderr(), func(a *app) error {
				ctx := cmd.Context()
				if backups {
					dead, err := a.engine.DeadLetterBackups(ctx)
					if err != nil {
						return WrapExitError(ExitCommandError, "failed to read dead letters", err)
					}
					return output(cmd, opts).Print(dead, func(w io.Writer) {
						tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
						line(tw, "ID\tPATH\tATTEMPTS\tDEAD AT\tERROR")
						for _, d := range dead {
							line(tw, "%s\t%s\t%d\t%s\t%s", d.ID, d.Path, d.Attempts, d.DeadAt.Format(time.RFC3339), oneLine(d.Error))
						}
						_ = tw.Flush()
					})
				}
				dead, err := a.engine.DeadLetterOps(ctx)
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to read dead letters", err)
				}
				return output(cmd, opts).Print(dead, func(w io.Writer) {
					tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
					line(tw, "ID\tTYPE\tTABLE\tRECORD\tATTEMPTS\tDEAD AT\tERROR")
					for _, d := range dead {
						line(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s", d.ID, d.Type, d.Table, d.RecordID(), d.Attempts, d.DeadAt.Format(time.RFC3339), oneLine(d.Error))
					}
					_ = tw.Flush()
				})
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "requeue <id>",
		Short: "Move a dead letter back to its queue with a fresh attempt budget",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, cmd.ErrOrStderr(), func(a *app) error {
				var err error
				if backups {
					_, err = a.engine.RequeueBackup(cmd.Context(), args[0])
				} else {
					_, err = a.engine.RequeueOp(cmd.Context(), args[0])
				}
				if err != nil {
					return WrapExitError(ExitCommandError, "requeue failed", err)
				}
				return output(cmd, opts).Print(map[string]string{"requeued": args[0]}, func(w io.Writer) {
					line(w, "requeued %s", args[0])
				})
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "purge <id>",
		Short: "Discard a dead letter permanently",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, cmd.ErrOrStderr(), func(a *app) error {
				var err error
				if backups {
					err = a.engine.PurgeBackup(cmd.Context(), args[0])
				} else {
					err = a.engine.PurgeOp(cmd.Context(), args[0])
				}
				if err != nil {
					return WrapExitError(ExitCommandError, "purge failed", err)
				}
				return output(cmd, opts).Print(map[string]string{"purged": args[0]}, func(w io.Writer) {
					line(w, "purged %s", args[0])
				})
			})
		},
	})
	return cmd
}

func oneLine(s string) string {
	return strings.ReplaceAll(s, "\n", " ")
}

// describeStatus is used by run to log a one-line summary.
func describeStatus(st engine.Status) string {
	return fmt.Sprintf("online=%t queue=%d dead=%d pending_backups=%d", st.Online, st.QueueLength, st.DeadLetters, st.PendingBackups)
}

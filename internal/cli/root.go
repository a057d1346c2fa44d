// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package cli implements syncctl, the operator tool for a device's sync
// state: queue and dead-letter inspection, on-demand flush, backup and
// restore, and a long-running sync loop.
package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/pouriaabedi0073-sys/volleyball-club-sub000/realtime"
	"github.com/pouriaabedi0073-sys/volleyball-club-sub000/transport"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Verbose    bool
	Format     string // "json" | "text"

	// Remote and Connector replace the configured remote when set (tests,
	// demos).
	Remote    transport.Transport
	Connector realtime.Connector
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the syncctl command tree.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "syncctl",
		Short: "Inspect and drive the offline sync engine",
		Long: `syncctl operates the local sync state of one device: the pending
operation queue, dead letters, snapshots and the background sync loop.

Configuration is read from --config and SYNC_* environment variables.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			for _, f := range ValidFormats {
				if f == opts.Format {
					return nil
				}
			}
			return WrapExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats), nil)
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to YAML config")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(newStatusCommand(opts))
	cmd.AddCommand(newFlushCommand(opts))
	cmd.AddCommand(newBackupCommand(opts))
	cmd.AddCommand(newRestoreCommand(opts))
	cmd.AddCommand(newQueueCommand(opts))
	cmd.AddCommand(newDeadLetterCommand(opts))
	cmd.AddCommand(newRunCommand(opts))

	return cmd
}

func output(cmd *cobra.Command, opts *RootOptions) *Output {
	return &Output{Format: opts.Format, Writer: cmd.OutOrStdout()}
}

func line(w io.Writer, format string, args ...any) {
	fmt.Fprintf(w, format+"\n", args...)
}

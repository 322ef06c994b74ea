package cli

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/restitch/restitch/internal/blob"
	"github.com/restitch/restitch/internal/snapshot"
)

type snapshotsFlags struct {
	table      string
	backupRoot string
}

// NewSnapshotsCommand creates the snapshots command.
func NewSnapshotsCommand(rootOpts *RootOptions) *cobra.Command {
	flags := &snapshotsFlags{}

	cmd := &cobra.Command{
		Use:           "snapshots",
		Short:         "List recorded snapshots for a table",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSnapshots(rootOpts, flags, cmd)
		},
	}

	cmd.Flags().StringVar(&flags.table, "table", "", "table whose snapshots to list")
	cmd.Flags().StringVar(&flags.backupRoot, "backup-root", "", "backup storage location")

	return cmd
}

func runSnapshots(rootOpts *RootOptions, flags *snapshotsFlags, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    rootOpts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   rootOpts.Verbose,
	}

	cfg, err := LoadConfig(rootOpts.ConfigPath)
	if err != nil {
		return configError(formatter, err)
	}

	tableName := firstOf(flags.table, cfg.SourceTable)
	backupRoot := firstOf(flags.backupRoot, cfg.BackupRoot)
	if tableName == "" {
		return configError(formatter, errors.New("table is required (--table)"))
	}
	if backupRoot == "" {
		return configError(formatter, errors.New("backup root is required (--backup-root)"))
	}

	store, err := blob.NewFS(backupRoot)
	if err != nil {
		return configError(formatter, err)
	}

	all, err := snapshot.ListMetadata(cmd.Context(), store, tableName)
	if err != nil {
		_ = formatter.Error(ErrCodeGeneric, err.Error(), nil)
		return WrapExitError(ExitFailure, "listing snapshots failed", err)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].CutoverTime.Before(all[j].CutoverTime)
	})

	if formatter.Format == "json" {
		return formatter.Success(all)
	}

	if len(all) == 0 {
		fmt.Fprintf(formatter.Writer, "No snapshots recorded for %s\n", tableName)
		return nil
	}
	for _, md := range all {
		fmt.Fprintf(formatter.Writer, "%s  %s  %s  %s\n",
			md.SnapshotID,
			md.CutoverTime.UTC().Format(time.RFC3339),
			md.Status,
			md.Location,
		)
	}
	return nil
}

package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/restitch/restitch/internal/blob"
	"github.com/restitch/restitch/internal/snapshot"
	"github.com/restitch/restitch/internal/table"
)

type backupFlags struct {
	table        string
	backupRoot   string
	sourceRegion string
}

// NewBackupCommand creates the backup command.
func NewBackupCommand(rootOpts *RootOptions) *cobra.Command {
	flags := &backupFlags{}

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Take a full snapshot of a table",
		Long: `Exports the table's current contents to the backup storage location
and records the snapshot metadata that recover uses to locate it.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBackup(rootOpts, flags, cmd)
		},
	}

	cmd.Flags().StringVar(&flags.table, "table", "", "table to back up")
	cmd.Flags().StringVar(&flags.backupRoot, "backup-root", "", "backup storage location")
	cmd.Flags().StringVar(&flags.sourceRegion, "source-region", "", "source region table directory")

	return cmd
}

func runBackup(rootOpts *RootOptions, flags *backupFlags, cmd *cobra.Command) error {
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
	sourceRegion := firstOf(flags.sourceRegion, cfg.SourceRegion)
	if tableName == "" {
		return configError(formatter, errors.New("table is required (--table)"))
	}
	if backupRoot == "" || sourceRegion == "" {
		return configError(formatter, errors.New("backup root and source region are required (--backup-root, --source-region)"))
	}

	store, err := blob.NewFS(backupRoot)
	if err != nil {
		return configError(formatter, err)
	}
	srcDir, err := table.NewDir(sourceRegion)
	if err != nil {
		return configError(formatter, err)
	}

	svc := snapshot.NewLocal(store, srcDir, srcDir)
	md, err := svc.RequestExport(cmd.Context(), tableName)
	if err != nil {
		_ = formatter.Error(ErrCodeGeneric, err.Error(), nil)
		return WrapExitError(ExitFailure, "backup failed", err)
	}

	if formatter.Format == "json" {
		return formatter.Success(md)
	}
	fmt.Fprintln(formatter.Writer, "Backup completed")
	fmt.Fprintf(formatter.Writer, "  Snapshot:  %s\n", md.SnapshotID)
	fmt.Fprintf(formatter.Writer, "  Cutover:   %s\n", md.CutoverTime.UTC().Format(time.RFC3339))
	fmt.Fprintf(formatter.Writer, "  Location:  %s\n", md.Location)
	return nil
}

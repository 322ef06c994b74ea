package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/restitch/restitch/internal/blob"
	"github.com/restitch/restitch/internal/feed"
	"github.com/restitch/restitch/internal/recovery"
	"github.com/restitch/restitch/internal/snapshot"
	"github.com/restitch/restitch/internal/table"
	"github.com/restitch/restitch/internal/window"
)

type recoverFlags struct {
	sourceTable  string
	targetTable  string
	backupRoot   string
	sourceRegion string
	targetRegion string
	snapshotID   string
	disasterTime string
	pollInterval time.Duration
	pollCeiling  time.Duration
	batchRetries int
	subBatchSize int
}

// NewRecoverCommand creates the recover command.
func NewRecoverCommand(rootOpts *RootOptions) *cobra.Command {
	flags := &recoverFlags{}

	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Restore a table from its snapshot and replay incremental changes",
		Long: `Locates the applicable full snapshot, restores it into the target
region, resolves the change window from the snapshot cutover onward, and
replays every windowed change batch into the restored table.

Exit code 0 means the target table converged; 1 means the recovery ran and
failed; 2 means the command could not start (bad flags or config).`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecover(rootOpts, flags, cmd)
		},
	}

	cmd.Flags().StringVar(&flags.sourceTable, "source-table", "", "table to recover")
	cmd.Flags().StringVar(&flags.targetTable, "target-table", "", "name of the restored table")
	cmd.Flags().StringVar(&flags.backupRoot, "backup-root", "", "backup storage location")
	cmd.Flags().StringVar(&flags.sourceRegion, "source-region", "", "source region table directory")
	cmd.Flags().StringVar(&flags.targetRegion, "target-region", "", "target region table directory")
	cmd.Flags().StringVar(&flags.snapshotID, "snapshot", "", "explicit snapshot id (default: latest eligible)")
	cmd.Flags().StringVar(&flags.disasterTime, "disaster-time", "", "RFC 3339 upper bound on the snapshot cutover")
	cmd.Flags().DurationVar(&flags.pollInterval, "poll-interval", 0, "import status poll interval")
	cmd.Flags().DurationVar(&flags.pollCeiling, "poll-ceiling", 0, "maximum time to wait for the full restore")
	cmd.Flags().IntVar(&flags.batchRetries, "batch-retries", 0, "attempts per failed change batch")
	cmd.Flags().IntVar(&flags.subBatchSize, "sub-batch-size", 0, "records per retryable sub-batch")

	return cmd
}

func runRecover(rootOpts *RootOptions, flags *recoverFlags, cmd *cobra.Command) error {
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

	opts, err := mergeRecoverOptions(flags, cfg)
	if err != nil {
		return configError(formatter, err)
	}

	o, cleanup, err := buildOrchestrator(flags, cfg, opts)
	if err != nil {
		return configError(formatter, err)
	}
	defer cleanup()

	formatter.VerboseLog("Recovering %s into %s", opts.SourceTable, opts.TargetTable)

	report, err := o.Run(cmd.Context())
	if err != nil {
		code := recoveryErrorCode(err)
		_ = formatter.Error(code, err.Error(), report)
		return WrapExitError(ExitFailure, "recovery failed", err)
	}

	if formatter.Format == "json" {
		return formatter.Success(report)
	}
	renderRecoverReport(formatter.Writer, report)
	return nil
}

// mergeRecoverOptions folds flags over config and checks the required
// settings. Flag values win; validation happens on the merged result.
func mergeRecoverOptions(flags *recoverFlags, cfg Config) (recovery.Options, error) {
	opts := recovery.Options{
		SourceTable:  firstOf(flags.sourceTable, cfg.SourceTable),
		TargetTable:  firstOf(flags.targetTable, cfg.TargetTable),
		SnapshotID:   firstOf(flags.snapshotID, cfg.SnapshotID),
		PollInterval: cfg.PollInterval.Std(),
		PollCeiling:  cfg.PollCeiling.Std(),
		BatchRetries: cfg.BatchRetries,
		SubBatchSize: cfg.SubBatchSize,
	}
	if flags.pollInterval > 0 {
		opts.PollInterval = flags.pollInterval
	}
	if flags.pollCeiling > 0 {
		opts.PollCeiling = flags.pollCeiling
	}
	if flags.batchRetries > 0 {
		opts.BatchRetries = flags.batchRetries
	}
	if flags.subBatchSize > 0 {
		opts.SubBatchSize = flags.subBatchSize
	}

	if opts.SourceTable == "" {
		return opts, errors.New("source table is required (--source-table)")
	}
	if opts.TargetTable == "" {
		return opts, errors.New("target table is required (--target-table)")
	}

	if raw := firstOf(flags.disasterTime, cfg.DisasterTime); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return opts, fmt.Errorf("invalid disaster time %q: %w", raw, err)
		}
		opts.DisasterTime = t
	}
	return opts, nil
}

// buildOrchestrator wires the blob store, the two region table directories,
// and the local snapshot service into an orchestrator. The returned cleanup
// closes the source table handle.
func buildOrchestrator(flags *recoverFlags, cfg Config, opts recovery.Options) (*recovery.Orchestrator, func(), error) {
	backupRoot := firstOf(flags.backupRoot, cfg.BackupRoot)
	sourceRegion := firstOf(flags.sourceRegion, cfg.SourceRegion)
	targetRegion := firstOf(flags.targetRegion, cfg.TargetRegion)
	if backupRoot == "" {
		return nil, nil, errors.New("backup storage location is required (--backup-root)")
	}
	if sourceRegion == "" || targetRegion == "" {
		return nil, nil, errors.New("source and target regions are required (--source-region, --target-region)")
	}

	store, err := blob.NewFS(backupRoot)
	if err != nil {
		return nil, nil, err
	}
	srcDir, err := table.NewDir(sourceRegion)
	if err != nil {
		return nil, nil, err
	}
	tgtDir, err := table.NewDir(targetRegion)
	if err != nil {
		return nil, nil, err
	}

	src, err := srcDir.OpenExisting(opts.SourceTable)
	if err != nil {
		return nil, nil, err
	}

	feedSrc := feed.NewSource(store)
	o := &recovery.Orchestrator{
		Snapshots: snapshot.NewLocal(store, srcDir, tgtDir),
		Blob:      store,
		Source:    src,
		Feed:      feedSrc,
		Resolver:  &window.Resolver{Feed: feedSrc},
		OpenTarget: func(context.Context) (table.Table, func(), error) {
			t, err := tgtDir.OpenExisting(opts.TargetTable)
			if err != nil {
				return nil, nil, err
			}
			return t, func() { t.Close() }, nil
		},
		Opts: opts,
	}
	return o, func() { src.Close() }, nil
}

func configError(formatter *OutputFormatter, err error) error {
	_ = formatter.Error(ErrCodeConfig, err.Error(), nil)
	return WrapExitError(ExitCommandError, "configuration error", err)
}

// recoveryErrorCode maps a failed run to its CLI error code by stage.
func recoveryErrorCode(err error) string {
	var stageErr *recovery.StageError
	if !errors.As(err, &stageErr) {
		return ErrCodeGeneric
	}
	switch stageErr.Stage {
	case recovery.StageLocateSnapshot:
		return ErrCodeNotFound
	case recovery.StageRestoreFull:
		return ErrCodeRestoreFailed
	case recovery.StageResolveWindow, recovery.StageReplayChanges:
		return ErrCodeReplayFailed
	default:
		return ErrCodeGeneric
	}
}

// renderRecoverReport writes the human-readable recovery summary.
func renderRecoverReport(w io.Writer, r *recovery.Report) {
	fmt.Fprintln(w, "Recovery completed")
	fmt.Fprintf(w, "  Snapshot:  %s\n", r.Snapshot.SnapshotID)
	fmt.Fprintf(w, "  Cutover:   %s\n", r.Snapshot.CutoverTime.UTC().Format(time.RFC3339))
	fmt.Fprintf(w, "  Window:    %d change batch(es)\n", len(r.Window))
	fmt.Fprintf(w, "  Replayed:  %d batch(es), %d record(s) applied, %d error(s)\n",
		r.BatchesReplayed, r.Stats.Applied, r.Stats.Errors)
}

package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/restitch/restitch/internal/blob"
	"github.com/restitch/restitch/internal/feed"
	"github.com/restitch/restitch/internal/replay"
	"github.com/restitch/restitch/internal/table"
)

type applyFlags struct {
	table        string
	backupRoot   string
	targetRegion string
	subBatchSize int
}

// NewApplyCommand creates the apply command.
func NewApplyCommand(rootOpts *RootOptions) *cobra.Command {
	flags := &applyFlags{}

	cmd := &cobra.Command{
		Use:   "apply <artifact-key>",
		Short: "Apply one change artifact to a table",
		Long: `Fetches a single change artifact from the backup storage location and
replays it into the table. Replay is idempotent, so re-applying an artifact
that already landed is safe.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApply(rootOpts, flags, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&flags.table, "table", "", "table to apply changes to")
	cmd.Flags().StringVar(&flags.backupRoot, "backup-root", "", "backup storage location")
	cmd.Flags().StringVar(&flags.targetRegion, "target-region", "", "region table directory holding the table")
	cmd.Flags().IntVar(&flags.subBatchSize, "sub-batch-size", 0, "records per retryable sub-batch")

	return cmd
}

func runApply(rootOpts *RootOptions, flags *applyFlags, artifactKey string, cmd *cobra.Command) error {
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

	tableName := firstOf(flags.table, cfg.TargetTable)
	backupRoot := firstOf(flags.backupRoot, cfg.BackupRoot)
	targetRegion := firstOf(flags.targetRegion, cfg.TargetRegion)
	if tableName == "" {
		return configError(formatter, errors.New("table is required (--table)"))
	}
	if backupRoot == "" || targetRegion == "" {
		return configError(formatter, errors.New("backup root and target region are required (--backup-root, --target-region)"))
	}

	store, err := blob.NewFS(backupRoot)
	if err != nil {
		return configError(formatter, err)
	}
	dir, err := table.NewDir(targetRegion)
	if err != nil {
		return configError(formatter, err)
	}
	tbl, err := dir.OpenExisting(tableName)
	if err != nil {
		return configError(formatter, err)
	}
	defer tbl.Close()

	ctx := cmd.Context()
	src := feed.NewSource(store)
	ref, err := findArtifact(ctx, src, artifactKey)
	if err != nil {
		_ = formatter.Error(ErrCodeNotFound, err.Error(), nil)
		return WrapExitError(ExitCommandError, "artifact not found", err)
	}

	batch, err := src.Fetch(ctx, ref)
	if err != nil {
		_ = formatter.Error(ErrCodeGeneric, err.Error(), nil)
		return WrapExitError(ExitFailure, "fetch failed", err)
	}

	applier := replay.NewApplier(tbl, store)
	if flags.subBatchSize > 0 {
		applier.SubBatchSize = flags.subBatchSize
	} else if cfg.SubBatchSize > 0 {
		applier.SubBatchSize = cfg.SubBatchSize
	}

	stats, err := applier.Apply(ctx, batch)
	if err != nil {
		_ = formatter.Error(ErrCodeReplayFailed, err.Error(), stats)
		return WrapExitError(ExitFailure, "replay failed", err)
	}

	if formatter.Format == "json" {
		return formatter.Success(stats)
	}
	fmt.Fprintf(formatter.Writer, "Applied %s: %d record(s), %d error(s)\n", ref.Key, stats.Applied, stats.Errors)
	return nil
}

// findArtifact resolves the key against the feed listing so the ref carries
// the store's authoritative production time.
func findArtifact(ctx context.Context, src *feed.Source, key string) (feed.ArtifactRef, error) {
	refs, err := src.ListArtifacts(ctx)
	if err != nil {
		return feed.ArtifactRef{}, err
	}
	for _, ref := range refs {
		if ref.Key == key {
			return ref, nil
		}
	}
	return feed.ArtifactRef{}, fmt.Errorf("change artifact %q not found", key)
}

// Package recovery drives the end-to-end restore workflow: locate a
// snapshot, restore it in full, resolve the change window, and replay the
// window against the restored table.
//
// The workflow is strictly sequential with no backtracking; any stage
// failure marks the whole run failed with the stage and underlying cause.
// Partial progress is left in place for forensic inspection, never rolled
// back, and re-running the workflow over the same window is safe because
// replay is idempotent.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/restitch/restitch/internal/blob"
	"github.com/restitch/restitch/internal/feed"
	"github.com/restitch/restitch/internal/replay"
	"github.com/restitch/restitch/internal/retry"
	"github.com/restitch/restitch/internal/snapshot"
	"github.com/restitch/restitch/internal/table"
	"github.com/restitch/restitch/internal/window"
)

// Stage names one step of the recovery workflow.
type Stage string

const (
	StageLocateSnapshot Stage = "locate-snapshot"
	StageRestoreFull    Stage = "restore-full"
	StageResolveWindow  Stage = "resolve-window"
	StageReplayChanges  Stage = "replay-changes"
)

// ErrRestoreTimeout marks a full restore that exceeded the polling ceiling.
// Distinct from an import that reported FAILED.
var ErrRestoreTimeout = errors.New("full restore timed out")

// StageError reports which stage failed and why.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Options configures one recovery run.
type Options struct {
	SourceTable string
	TargetTable string

	// SnapshotID selects an explicit snapshot; empty means latest.
	SnapshotID string

	// DisasterTime bounds snapshot selection: only snapshots with cutover
	// at or before it are eligible. Zero means no bound.
	DisasterTime time.Time

	// PollInterval and PollCeiling govern import status polling.
	// Zero values default to 30s and 3600s.
	PollInterval time.Duration
	PollCeiling  time.Duration

	// BatchRetries is how many times a whole failed change batch is
	// attempted before the run is declared failed. Zero defaults to 3.
	BatchRetries int

	// SubBatchSize overrides the replay engine's sub-batch size when > 0.
	SubBatchSize int
}

// Report is the outcome of one recovery run.
type Report struct {
	Snapshot        snapshot.Metadata  `json:"snapshot"`
	ImportHandle    string             `json:"import_handle"`
	Window          []feed.ArtifactRef `json:"window"`
	BatchesReplayed int                `json:"batches_replayed"`
	Stats           replay.Stats       `json:"stats"`
}

// Orchestrator owns one recovery run's collaborators. Nothing calls back
// into it; data flows one way from the snapshot service and feed into the
// target table.
type Orchestrator struct {
	Snapshots snapshot.Service
	Blob      blob.Store
	Source    table.Table
	Feed      *feed.Source
	Resolver  *window.Resolver

	// OpenTarget opens the restored target table once the full restore has
	// completed. The returned cleanup runs when replay finishes.
	OpenTarget func(ctx context.Context) (table.Table, func(), error)

	Opts Options

	// sleep is injectable for tests; nil means context-aware sleep.
	sleep func(ctx context.Context, d time.Duration) error
}

// Run executes the workflow and returns its report. The report carries
// whatever progress was made even when an error is returned.
func (o *Orchestrator) Run(ctx context.Context) (*Report, error) {
	report := &Report{}

	md, err := o.locateSnapshot(ctx)
	if err != nil {
		return report, o.fail(StageLocateSnapshot, err)
	}
	report.Snapshot = md
	slog.Info("snapshot located",
		"snapshot_id", md.SnapshotID,
		"cutover", md.CutoverTime,
		"location", md.Location,
	)

	handle, err := o.restoreFull(ctx, md)
	report.ImportHandle = handle
	if err != nil {
		return report, o.fail(StageRestoreFull, err)
	}
	slog.Info("full restore completed", "target", o.Opts.TargetTable, "import_handle", handle)

	win, err := o.Resolver.Resolve(ctx, md.CutoverTime)
	if err != nil {
		return report, o.fail(StageResolveWindow, err)
	}
	report.Window = win

	if err := o.replayChanges(ctx, win, report); err != nil {
		return report, o.fail(StageReplayChanges, err)
	}

	slog.Info("recovery completed",
		"source", o.Opts.SourceTable,
		"target", o.Opts.TargetTable,
		"batches", report.BatchesReplayed,
		"applied", report.Stats.Applied,
	)
	return report, nil
}

func (o *Orchestrator) fail(stage Stage, err error) error {
	slog.Error("recovery failed", "stage", string(stage), "error", err)
	return &StageError{Stage: stage, Err: err}
}

// locateSnapshot picks the snapshot to restore: an explicit one by
// identifier, or the latest completed snapshot at or before the disaster
// time.
func (o *Orchestrator) locateSnapshot(ctx context.Context) (snapshot.Metadata, error) {
	if o.Opts.SnapshotID != "" {
		md, err := snapshot.LoadMetadata(ctx, o.Blob, o.Opts.SourceTable, o.Opts.SnapshotID)
		if err != nil {
			return snapshot.Metadata{}, err
		}
		if md.Status != snapshot.StatusCompleted {
			return snapshot.Metadata{}, fmt.Errorf("snapshot %s is %s, not %s", md.SnapshotID, md.Status, snapshot.StatusCompleted)
		}
		return md, nil
	}

	all, err := snapshot.ListMetadata(ctx, o.Blob, o.Opts.SourceTable)
	if err != nil {
		return snapshot.Metadata{}, err
	}

	var best snapshot.Metadata
	found := false
	for _, md := range all {
		if md.Status != snapshot.StatusCompleted {
			continue
		}
		if !o.Opts.DisasterTime.IsZero() && md.CutoverTime.After(o.Opts.DisasterTime) {
			continue
		}
		if !found || md.CutoverTime.After(best.CutoverTime) {
			best = md
			found = true
		}
	}
	if !found {
		return snapshot.Metadata{}, fmt.Errorf("no completed snapshot found for table %q", o.Opts.SourceTable)
	}
	return best, nil
}

// restoreFull submits the bulk import and polls it to a terminal state.
func (o *Orchestrator) restoreFull(ctx context.Context, md snapshot.Metadata) (string, error) {
	// Key schema comes from the live source table, not snapshot metadata:
	// schema can evolve after a snapshot is taken.
	schema, err := o.Source.Describe(ctx)
	if err != nil {
		return "", fmt.Errorf("describe source table: %w", err)
	}

	var handle string
	err = retry.BulkTransferProfile().Do(ctx, func() error {
		var reqErr error
		handle, reqErr = o.Snapshots.RequestImport(ctx, md.Location, schema, o.Opts.TargetTable)
		return reqErr
	})
	if err != nil {
		return "", fmt.Errorf("request import: %w", err)
	}
	slog.Info("full restore started", "import_handle", handle, "location", md.Location)

	interval := o.Opts.PollInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ceiling := o.Opts.PollCeiling
	if ceiling <= 0 {
		ceiling = 3600 * time.Second
	}

	for elapsed := time.Duration(0); elapsed < ceiling; elapsed += interval {
		status, err := o.Snapshots.PollImport(ctx, handle)
		switch {
		case err != nil:
			// Transient poll errors are logged and retried, not fatal.
			slog.Warn("import status check failed, retrying", "error", err)
		case status.State == snapshot.StatusCompleted:
			return handle, nil
		case status.State == snapshot.StatusFailed:
			return handle, fmt.Errorf("import failed: %s", status.FailureReason)
		default:
			slog.Info("full restore in progress", "state", string(status.State))
		}

		if err := o.doSleep(ctx, interval); err != nil {
			return handle, err
		}
	}
	return handle, fmt.Errorf("%w after %s", ErrRestoreTimeout, ceiling)
}

// replayChanges applies each windowed batch in order, retrying a whole
// failed batch before declaring the run failed. One applier (and so one
// error-artifact stream) is shared across the run.
func (o *Orchestrator) replayChanges(ctx context.Context, win []feed.ArtifactRef, report *Report) error {
	if len(win) == 0 {
		slog.Info("no incremental changes to apply")
		return nil
	}

	target, cleanup, err := o.OpenTarget(ctx)
	if err != nil {
		return fmt.Errorf("open target table: %w", err)
	}
	defer cleanup()

	applier := replay.NewApplier(target, o.Blob)
	if o.Opts.SubBatchSize > 0 {
		applier.SubBatchSize = o.Opts.SubBatchSize
	}

	retries := o.Opts.BatchRetries
	if retries <= 0 {
		retries = 3
	}

	for _, ref := range win {
		slog.Info("applying change batch", "key", ref.Key, "produced_at", ref.ProducedAt)

		var stats replay.Stats
		var lastErr error
		for attempt := 0; attempt < retries; attempt++ {
			if attempt > 0 {
				delay := time.Duration(1<<(attempt-1)) * time.Second
				slog.Warn("change batch failed, retrying",
					"key", ref.Key,
					"attempt", attempt,
					"delay", delay,
					"error", lastErr,
				)
				if err := o.doSleep(ctx, delay); err != nil {
					return lastErr
				}
			}

			batch, err := o.Feed.Fetch(ctx, ref)
			if err != nil {
				lastErr = err
				continue
			}
			stats, err = applier.Apply(ctx, batch)
			if err == nil {
				lastErr = nil
				break
			}
			lastErr = err
		}

		// Only the final attempt's stats count toward the run total;
		// retried attempts re-apply the same records idempotently.
		report.Stats.Merge(stats)
		if lastErr != nil {
			return fmt.Errorf("change batch %s permanently failed: %w", ref.Key, lastErr)
		}
		report.BatchesReplayed++
	}
	return nil
}

func (o *Orchestrator) doSleep(ctx context.Context, d time.Duration) error {
	if o.sleep != nil {
		return o.sleep(ctx, d)
	}
	return retry.Sleep(ctx, d)
}

// Package replay applies change batches to a target table with idempotent,
// order-tolerant semantics.
//
// # Idempotency
//
// Idempotency here is structural, not a special replay mode. INSERT and
// MODIFY are unconditional whole-row puts of the record's complete image, so
// re-applying them converges to the same row. REMOVE is an
// existence-conditioned delete whose condition failure means the desired end
// state (absence) already holds and therefore counts as success. Applying
// the same batch, or overlapping batches, any number of times produces the
// same final table state as applying the true mutation history once.
//
// # Failure isolation
//
// Record outcomes are independent: a failing record is collected, the batch
// continues. Transient table errors are retried at sub-batch granularity
// under the table retry profile (safe, because re-applying the sub-batch is
// idempotent); a sub-batch that exhausts its retries counts every record as
// failed and the run proceeds to the next sub-batch rather than stall.
// Failing records are dumped to a side artifact for operator inspection.
package replay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/restitch/restitch/internal/blob"
	"github.com/restitch/restitch/internal/record"
	"github.com/restitch/restitch/internal/retry"
	"github.com/restitch/restitch/internal/table"
)

// DefaultSubBatchSize bounds how many records are applied per retryable
// unit. Sub-batches also bound throughput against the target store and keep
// error-record ordering stable for diagnostics.
const DefaultSubBatchSize = 100

// ErrorArtifactPrefix is where failing-record dumps are persisted.
const ErrorArtifactPrefix = "errors/"

// ErrorRecord is one failing record with enough context to reprocess it
// manually.
type ErrorRecord struct {
	Index  int                 `json:"record_index"`
	Error  string              `json:"error"`
	Record record.ChangeRecord `json:"record_data"`
}

// Stats summarizes one batch application.
type Stats struct {
	Applied      int           `json:"applied"`
	Errors       int           `json:"errors"`
	ErrorRecords []ErrorRecord `json:"-"`
}

// Merge accumulates other into s.
func (s *Stats) Merge(other Stats) {
	s.Applied += other.Applied
	s.Errors += other.Errors
	s.ErrorRecords = append(s.ErrorRecords, other.ErrorRecords...)
}

// Applier applies change batches to one target table. It holds no
// cross-batch state; one Applier is shared across a recovery run so all
// batches land in one auditable log stream.
type Applier struct {
	Table table.Table

	// Blob receives error-record artifacts. nil disables persistence.
	Blob blob.Store

	// SubBatchSize defaults to DefaultSubBatchSize when zero.
	SubBatchSize int

	// Policy defaults to the table retry profile when unset.
	Policy retry.Policy

	// Clock is injectable for deterministic artifact names in tests.
	Clock func() time.Time
}

// NewApplier creates an Applier with default sub-batching and retry policy.
func NewApplier(tbl table.Table, store blob.Store) *Applier {
	return &Applier{
		Table:        tbl,
		Blob:         store,
		SubBatchSize: DefaultSubBatchSize,
		Policy:       retry.TableProfile(),
	}
}

// Apply replays one batch. The returned stats always reflect every record;
// the error is non-nil when any record failed, so callers can retry the
// whole batch (also safe — idempotent).
func (a *Applier) Apply(ctx context.Context, batch record.Batch) (Stats, error) {
	size := a.SubBatchSize
	if size <= 0 {
		size = DefaultSubBatchSize
	}

	var total Stats
	for start := 0; start < len(batch.Records); start += size {
		end := min(start+size, len(batch.Records))
		sub := batch.Records[start:end]

		var stats Stats
		err := a.policy().Do(ctx, func() error {
			var subErr error
			stats, subErr = a.applySubBatch(ctx, start, sub)
			return subErr
		})
		if err != nil {
			// Retries exhausted: the whole sub-batch counts as failed and
			// the run proceeds to the next one.
			stats = Stats{Errors: len(sub)}
			for i, rec := range sub {
				stats.ErrorRecords = append(stats.ErrorRecords, ErrorRecord{
					Index:  start + i,
					Error:  err.Error(),
					Record: rec,
				})
			}
			slog.Error("sub-batch permanently failed",
				"batch", batch.Key,
				"offset", start,
				"records", len(sub),
				"error", err,
			)
		}

		if len(stats.ErrorRecords) > 0 {
			a.persistErrorRecords(ctx, stats.ErrorRecords)
		}
		total.Merge(stats)
	}

	slog.Info("batch applied",
		"batch", batch.Key,
		"records", len(batch.Records),
		"applied", total.Applied,
		"errors", total.Errors,
	)

	if total.Errors > 0 {
		return total, fmt.Errorf("replay %s: %d of %d records failed", batch.Key, total.Errors, len(batch.Records))
	}
	return total, nil
}

// applySubBatch applies records one by one. Per-record failures are
// isolated and collected; transient table errors abort the sub-batch so the
// retry policy can re-apply it whole.
func (a *Applier) applySubBatch(ctx context.Context, offset int, records []record.ChangeRecord) (Stats, error) {
	var stats Stats
	for i, rec := range records {
		err := a.applyRecord(ctx, rec)
		if err == nil {
			stats.Applied++
			continue
		}

		if kind, ok := retry.KindOf(err); ok && a.policy().Retriable[kind] {
			return Stats{}, err
		}

		stats.Errors++
		stats.ErrorRecords = append(stats.ErrorRecords, ErrorRecord{
			Index:  offset + i,
			Error:  err.Error(),
			Record: rec,
		})
		slog.Error("record failed", "index", offset+i, "op", string(rec.Op), "error", err)
	}
	return stats, nil
}

func (a *Applier) applyRecord(ctx context.Context, rec record.ChangeRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}

	switch rec.Op {
	case record.OpInsert, record.OpModify:
		// Unconditional whole-row overwrite. Every MODIFY carries the full
		// post-update row, so this is naturally idempotent.
		return a.Table.Put(ctx, rec.NewImage)

	case record.OpRemove:
		err := a.Table.DeleteExisting(ctx, rec.Keys)
		if errors.Is(err, table.ErrConditionFailed) {
			// Row already absent: the desired end state holds.
			return nil
		}
		return err

	default:
		return fmt.Errorf("unsupported operation kind %q", rec.Op)
	}
}

// persistErrorRecords dumps failing records beside the run's log. Best
// effort: a failed dump is logged, never propagated, so diagnostics can
// never fail the replay itself.
func (a *Applier) persistErrorRecords(ctx context.Context, errRecords []ErrorRecord) {
	if a.Blob == nil {
		return
	}

	data, err := json.MarshalIndent(errRecords, "", "  ")
	if err != nil {
		slog.Error("failed to serialize error records", "error", err)
		return
	}

	now := time.Now
	if a.Clock != nil {
		now = a.Clock
	}
	key := fmt.Sprintf("%sbatch_errors_%s.json", ErrorArtifactPrefix, now().UTC().Format("20060102_150405.000000000"))
	if err := a.Blob.Put(ctx, key, data); err != nil {
		slog.Error("failed to persist error records", "key", key, "error", err)
		return
	}
	slog.Warn("error records persisted", "key", key, "count", len(errRecords))
}

func (a *Applier) policy() retry.Policy {
	if a.Policy.MaxRetries == 0 && a.Policy.Retriable == nil {
		return retry.TableProfile()
	}
	return a.Policy
}

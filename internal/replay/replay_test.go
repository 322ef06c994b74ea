package replay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/restitch/restitch/internal/blob"
	"github.com/restitch/restitch/internal/record"
	"github.com/restitch/restitch/internal/retry"
	"github.com/restitch/restitch/internal/table"
)

func idSchema() table.Schema {
	return table.Schema{KeyAttributes: []table.AttributeDef{{Name: "id", Type: "S"}}}
}

func openTable(t *testing.T) *table.Store {
	t.Helper()
	s, err := table.Open(filepath.Join(t.TempDir(), "target.db"), idSchema())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func fastPolicy(retries int) retry.Policy {
	return retry.Policy{
		MaxRetries:    retries,
		InitialDelay:  time.Nanosecond,
		BackoffFactor: 1,
		Retriable: map[retry.Kind]bool{
			retry.KindThrottled:     true,
			retry.KindInternalError: true,
		},
	}
}

func insert(id string, attrs ...string) record.ChangeRecord {
	image := record.Row{"id": record.String(id)}
	for i := 0; i+1 < len(attrs); i += 2 {
		image[attrs[i]] = record.String(attrs[i+1])
	}
	return record.ChangeRecord{Op: record.OpInsert, Keys: record.Row{"id": record.String(id)}, NewImage: image}
}

func remove(id string) record.ChangeRecord {
	return record.ChangeRecord{Op: record.OpRemove, Keys: record.Row{"id": record.String(id)}}
}

func tableState(t *testing.T, s *table.Store) map[string]record.Row {
	t.Helper()
	state := make(map[string]record.Row)
	require.NoError(t, s.Scan(context.Background(), func(row record.Row) error {
		state[string(row["id"].(record.String))] = row
		return nil
	}))
	return state
}

func TestApply_EmptyBatchSucceeds(t *testing.T) {
	a := NewApplier(openTable(t), blob.NewMemory())
	stats, err := a.Apply(context.Background(), record.Batch{Key: "changes/empty.json"})
	require.NoError(t, err)
	assert.Equal(t, Stats{}, stats)
}

func TestApply_Idempotence(t *testing.T) {
	ctx := context.Background()
	tbl := openTable(t)
	a := NewApplier(tbl, blob.NewMemory())

	batch := record.Batch{Key: "changes/a.json", Records: []record.ChangeRecord{
		insert("1", "name", "alice"),
		{Op: record.OpModify, Keys: record.Row{"id": record.String("1")},
			NewImage: record.Row{"id": record.String("1"), "name": record.String("alice2")}},
		insert("2", "name", "bob"),
		remove("2"),
	}}

	stats, err := a.Apply(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Applied)
	first := tableState(t, tbl)

	// Re-applying the identical batch converges to the identical state.
	stats, err = a.Apply(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Applied)
	assert.Equal(t, 0, stats.Errors)
	assert.Equal(t, first, tableState(t, tbl))
}

func TestApply_ConvergenceUnderDuplication(t *testing.T) {
	ctx := context.Background()

	// Overlapping batches: the second repeats records of the first.
	first := record.Batch{Key: "changes/1.json", Records: []record.ChangeRecord{
		insert("1"), insert("2"), remove("1"),
	}}
	second := record.Batch{Key: "changes/2.json", Records: []record.ChangeRecord{
		insert("2"), remove("1"), insert("3"),
	}}

	overlapped := openTable(t)
	a := NewApplier(overlapped, blob.NewMemory())
	_, err := a.Apply(ctx, first)
	require.NoError(t, err)
	_, err = a.Apply(ctx, second)
	require.NoError(t, err)

	// De-duplicated union of the two batches.
	deduped := openTable(t)
	b := NewApplier(deduped, blob.NewMemory())
	_, err = b.Apply(ctx, record.Batch{Key: "changes/union.json", Records: []record.ChangeRecord{
		insert("1"), insert("2"), remove("1"), insert("3"),
	}})
	require.NoError(t, err)

	assert.Equal(t, tableState(t, deduped), tableState(t, overlapped))
}

func TestApply_RemoveOnAbsentKeyIsSuccess(t *testing.T) {
	a := NewApplier(openTable(t), blob.NewMemory())

	stats, err := a.Apply(context.Background(), record.Batch{Key: "changes/r.json",
		Records: []record.ChangeRecord{remove("ghost")}})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Applied)
	assert.Equal(t, 0, stats.Errors)
}

func TestApply_UnknownOpIsPerRecordError(t *testing.T) {
	tbl := openTable(t)
	a := NewApplier(tbl, blob.NewMemory())

	stats, err := a.Apply(context.Background(), record.Batch{Key: "changes/u.json",
		Records: []record.ChangeRecord{
			{Op: "TRUNCATE", Keys: record.Row{"id": record.String("1")}},
			insert("2"),
		}})
	require.Error(t, err, "batch with failing records reports failure")
	assert.Equal(t, 1, stats.Applied)
	assert.Equal(t, 1, stats.Errors)

	// The good record still landed.
	n, countErr := tbl.Count(context.Background())
	require.NoError(t, countErr)
	assert.Equal(t, 1, n)
}

// flakyTable wraps a real store and injects failures per key.
type flakyTable struct {
	*table.Store
	failures  map[string]error // key id -> permanent error
	transient map[string]int   // key id -> remaining transient failures
}

func (f *flakyTable) Put(ctx context.Context, row record.Row) error {
	id := string(row["id"].(record.String))
	if err, ok := f.failures[id]; ok {
		return err
	}
	if n, ok := f.transient[id]; ok && n > 0 {
		f.transient[id] = n - 1
		return retry.Tag(retry.KindThrottled, errors.New("throughput exceeded"))
	}
	return f.Store.Put(ctx, row)
}

func TestApply_PartialBatchFailureIsolation(t *testing.T) {
	ctx := context.Background()
	tbl := openTable(t)
	store := blob.NewMemory()

	// 100 records; exactly 3 fail with a non-retriable per-record error.
	failing := map[string]error{
		"7":  errors.New("validation rejected"),
		"42": errors.New("validation rejected"),
		"99": errors.New("validation rejected"),
	}
	flaky := &flakyTable{Store: tbl, failures: failing}

	a := NewApplier(flaky, store)
	a.Policy = fastPolicy(3)
	a.Clock = func() time.Time { return time.Date(2025, 12, 20, 10, 0, 0, 0, time.UTC) }

	var records []record.ChangeRecord
	for i := 0; i < 100; i++ {
		records = append(records, insert(fmt.Sprintf("%d", i)))
	}

	stats, err := a.Apply(ctx, record.Batch{Key: "changes/p.json", Records: records})
	require.Error(t, err)
	assert.Equal(t, 97, stats.Applied)
	assert.Equal(t, 3, stats.Errors)
	require.Len(t, stats.ErrorRecords, 3)
	assert.Equal(t, 7, stats.ErrorRecords[0].Index)
	assert.Equal(t, 42, stats.ErrorRecords[1].Index)
	assert.Equal(t, 99, stats.ErrorRecords[2].Index)

	// All 3 failing records appear in the persisted artifact with their
	// original index and payload.
	keys := store.Keys()
	var artifactKey string
	for _, k := range keys {
		if strings.HasPrefix(k, ErrorArtifactPrefix) {
			artifactKey = k
		}
	}
	require.NotEmpty(t, artifactKey, "error artifact must be persisted")

	data, err := store.Get(ctx, artifactKey)
	require.NoError(t, err)
	var dumped []ErrorRecord
	require.NoError(t, json.Unmarshal(data, &dumped))
	require.Len(t, dumped, 3)
	assert.Equal(t, 7, dumped[0].Index)
	assert.Equal(t, record.Row{"id": record.String("7")}, dumped[0].Record.Keys)
	assert.Contains(t, dumped[0].Error, "validation rejected")
}

func TestApply_TransientFailureRetriedAtSubBatchGranularity(t *testing.T) {
	ctx := context.Background()
	tbl := openTable(t)
	flaky := &flakyTable{Store: tbl, transient: map[string]int{"2": 2}}

	a := NewApplier(flaky, blob.NewMemory())
	a.Policy = fastPolicy(3)

	stats, err := a.Apply(ctx, record.Batch{Key: "changes/t.json", Records: []record.ChangeRecord{
		insert("1"), insert("2"), insert("3"),
	}})
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Applied)
	assert.Equal(t, 0, stats.Errors)
}

func TestApply_SubBatchExhaustionCountsAllRecords(t *testing.T) {
	ctx := context.Background()
	tbl := openTable(t)
	// "1" fails transiently forever: the first sub-batch exhausts retries.
	flaky := &flakyTable{Store: tbl, transient: map[string]int{"1": 1 << 30}}

	a := NewApplier(flaky, blob.NewMemory())
	a.Policy = fastPolicy(2)
	a.SubBatchSize = 2

	stats, err := a.Apply(ctx, record.Batch{Key: "changes/x.json", Records: []record.ChangeRecord{
		insert("1"), insert("2"), // sub-batch 1: exhausts
		insert("3"), insert("4"), // sub-batch 2: proceeds and succeeds
	}})
	require.Error(t, err)
	assert.Equal(t, 2, stats.Errors)
	assert.Equal(t, 2, stats.Applied)

	n, countErr := tbl.Count(ctx)
	require.NoError(t, countErr)
	assert.Equal(t, 2, n)
}

func TestApply_ErrorArtifactFailureDoesNotFailReplay(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemory()
	store.FailPut = func(key string) error {
		if strings.HasPrefix(key, ErrorArtifactPrefix) {
			return errors.New("store unavailable")
		}
		return nil
	}

	a := NewApplier(openTable(t), store)
	a.Policy = fastPolicy(1)

	stats, err := a.Apply(ctx, record.Batch{Key: "changes/e.json", Records: []record.ChangeRecord{
		{Op: "BOGUS", Keys: record.Row{"id": record.String("1")}},
		insert("2"),
	}})
	// The replay outcome reflects the records, not the failed dump.
	require.Error(t, err)
	assert.Equal(t, 1, stats.Applied)
	assert.Equal(t, 1, stats.Errors)
}

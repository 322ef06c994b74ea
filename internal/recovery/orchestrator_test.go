package recovery

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/restitch/restitch/internal/blob"
	"github.com/restitch/restitch/internal/feed"
	"github.com/restitch/restitch/internal/record"
	"github.com/restitch/restitch/internal/snapshot"
	"github.com/restitch/restitch/internal/table"
	"github.com/restitch/restitch/internal/window"
)

func idSchema() table.Schema {
	return table.Schema{KeyAttributes: []table.AttributeDef{{Name: "id", Type: "S"}}}
}

type env struct {
	store     *blob.Memory
	sourceDir *table.Dir
	targetDir *table.Dir
	source    *table.Store
	svc       *snapshot.Local
	delays    []time.Duration
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{store: blob.NewMemory()}

	var err error
	e.sourceDir, err = table.NewDir(filepath.Join(t.TempDir(), "source"))
	require.NoError(t, err)
	e.targetDir, err = table.NewDir(filepath.Join(t.TempDir(), "target"))
	require.NoError(t, err)

	e.source, err = e.sourceDir.Open("orders", idSchema())
	require.NoError(t, err)
	t.Cleanup(func() { e.source.Close() })

	e.svc = snapshot.NewLocal(e.store, e.sourceDir, e.targetDir)
	return e
}

func (e *env) orchestrator(t *testing.T, opts Options) *Orchestrator {
	t.Helper()
	if opts.SourceTable == "" {
		opts.SourceTable = "orders"
	}
	if opts.TargetTable == "" {
		opts.TargetTable = "orders-restored"
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = time.Millisecond
	}
	src := feed.NewSource(e.store)
	o := &Orchestrator{
		Snapshots: e.svc,
		Blob:      e.store,
		Source:    e.source,
		Feed:      src,
		Resolver:  &window.Resolver{Feed: src},
		OpenTarget: func(context.Context) (table.Table, func(), error) {
			s, err := e.targetDir.OpenExisting(opts.TargetTable)
			if err != nil {
				return nil, nil, err
			}
			return s, func() { s.Close() }, nil
		},
		Opts: opts,
	}
	o.sleep = func(_ context.Context, d time.Duration) error {
		e.delays = append(e.delays, d)
		return nil
	}
	return o
}

func (e *env) seedRows(t *testing.T, ids ...string) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, e.source.Put(context.Background(), record.Row{
			"id": record.String(id), "name": record.String("row-" + id),
		}))
	}
}

func (e *env) putArtifact(t *testing.T, key string, at time.Time, records []record.ChangeRecord) {
	t.Helper()
	data, err := record.EncodeBatch(records)
	require.NoError(t, err)
	require.NoError(t, e.store.Put(context.Background(), key, data))
	require.NoError(t, e.store.SetModTime(key, at))
}

func TestRun_EndToEnd(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.seedRows(t, "1", "2", "3")

	md, err := e.svc.RequestExport(ctx, "orders")
	require.NoError(t, err)

	// One change batch produced shortly after the cutover: row 1 removed,
	// row 4 inserted.
	e.putArtifact(t, "changes/ddb_changes_1.json", md.CutoverTime.Add(10*time.Second), []record.ChangeRecord{
		{Op: record.OpRemove, Keys: record.Row{"id": record.String("1")}},
		{Op: record.OpInsert, Keys: record.Row{"id": record.String("4")},
			NewImage: record.Row{"id": record.String("4"), "name": record.String("row-4")}},
	})

	o := e.orchestrator(t, Options{})
	report, err := o.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, md.SnapshotID, report.Snapshot.SnapshotID)
	assert.Equal(t, 1, report.BatchesReplayed)
	assert.Equal(t, 2, report.Stats.Applied)
	assert.Equal(t, 0, report.Stats.Errors)

	restored, err := e.targetDir.OpenExisting("orders-restored")
	require.NoError(t, err)
	defer restored.Close()

	n, err := restored.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n, "final table should hold rows 2, 3, 4")

	_, ok, err := restored.Get(ctx, record.Row{"id": record.String("1")})
	require.NoError(t, err)
	assert.False(t, ok, "row 1 must be gone")
	_, ok, err = restored.Get(ctx, record.Row{"id": record.String("4")})
	require.NoError(t, err)
	assert.True(t, ok, "row 4 must exist")
}

func TestRun_EmptyWindowSucceeds(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.seedRows(t, "1")

	_, err := e.svc.RequestExport(ctx, "orders")
	require.NoError(t, err)

	o := e.orchestrator(t, Options{})
	// OpenTarget must not even be needed for an empty window.
	o.OpenTarget = func(context.Context) (table.Table, func(), error) {
		t.Fatal("target opened despite empty window")
		return nil, nil, nil
	}

	report, err := o.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.BatchesReplayed)
	assert.Empty(t, report.Window)
}

func TestRun_NoSnapshotFails(t *testing.T) {
	e := newEnv(t)
	o := e.orchestrator(t, Options{})

	_, err := o.Run(context.Background())
	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, StageLocateSnapshot, stageErr.Stage)
}

func TestRun_DisasterTimeBoundsSelection(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.seedRows(t, "1")

	early := time.Date(2025, 12, 20, 8, 0, 0, 0, time.UTC)
	late := time.Date(2025, 12, 20, 12, 0, 0, 0, time.UTC)

	e.svc.Clock = func() time.Time { return early }
	mdEarly, err := e.svc.RequestExport(ctx, "orders")
	require.NoError(t, err)
	e.svc.Clock = func() time.Time { return late }
	_, err = e.svc.RequestExport(ctx, "orders")
	require.NoError(t, err)

	// Bound between the two cutovers: the early snapshot must win even
	// though the late one is newer.
	o := e.orchestrator(t, Options{DisasterTime: early.Add(time.Hour)})
	report, err := o.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, mdEarly.SnapshotID, report.Snapshot.SnapshotID)
}

func TestRun_ExplicitSnapshotSelector(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.seedRows(t, "1")

	e.svc.Clock = func() time.Time { return time.Date(2025, 12, 20, 8, 0, 0, 0, time.UTC) }
	mdOld, err := e.svc.RequestExport(ctx, "orders")
	require.NoError(t, err)
	e.svc.Clock = func() time.Time { return time.Date(2025, 12, 20, 12, 0, 0, 0, time.UTC) }
	_, err = e.svc.RequestExport(ctx, "orders")
	require.NoError(t, err)

	o := e.orchestrator(t, Options{SnapshotID: mdOld.SnapshotID})
	report, err := o.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, mdOld.SnapshotID, report.Snapshot.SnapshotID)
}

// fakeSnapshots scripts import poll responses.
type fakeSnapshots struct {
	requestErr error
	polls      []func() (snapshot.ImportStatus, error)
	pollCount  int
}

func (f *fakeSnapshots) RequestExport(context.Context, string) (snapshot.Metadata, error) {
	return snapshot.Metadata{}, errors.New("not implemented")
}

func (f *fakeSnapshots) PollExport(context.Context, string, string) (snapshot.Status, error) {
	return "", errors.New("not implemented")
}

func (f *fakeSnapshots) RequestImport(context.Context, string, table.Schema, string) (string, error) {
	if f.requestErr != nil {
		return "", f.requestErr
	}
	return "import-1", nil
}

func (f *fakeSnapshots) PollImport(context.Context, string) (snapshot.ImportStatus, error) {
	i := f.pollCount
	if i >= len(f.polls) {
		i = len(f.polls) - 1
	}
	f.pollCount++
	return f.polls[i]()
}

func (e *env) recordSnapshot(t *testing.T, cutover time.Time) snapshot.Metadata {
	t.Helper()
	md := snapshot.Metadata{
		SnapshotID:  snapshot.NewSnapshotID(cutover),
		SourceTable: "orders",
		CutoverTime: cutover,
		Location:    "full-backups/orders/x/",
		Status:      snapshot.StatusCompleted,
	}
	require.NoError(t, snapshot.SaveMetadata(context.Background(), e.store, md))
	return md
}

func TestRun_ImportFailureAbortsBeforeReplay(t *testing.T) {
	e := newEnv(t)
	e.seedRows(t, "1")
	e.recordSnapshot(t, time.Date(2025, 12, 20, 8, 0, 0, 0, time.UTC))

	o := e.orchestrator(t, Options{})
	o.Snapshots = &fakeSnapshots{polls: []func() (snapshot.ImportStatus, error){
		func() (snapshot.ImportStatus, error) {
			return snapshot.ImportStatus{State: snapshot.StatusFailed, FailureReason: "quota exceeded"}, nil
		},
	}}

	_, err := o.Run(context.Background())
	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, StageRestoreFull, stageErr.Stage)
	assert.Contains(t, err.Error(), "quota exceeded")
}

func TestRun_PollCeilingIsATimeout(t *testing.T) {
	e := newEnv(t)
	e.seedRows(t, "1")
	e.recordSnapshot(t, time.Date(2025, 12, 20, 8, 0, 0, 0, time.UTC))

	o := e.orchestrator(t, Options{
		PollInterval: time.Millisecond,
		PollCeiling:  5 * time.Millisecond,
	})
	o.Snapshots = &fakeSnapshots{polls: []func() (snapshot.ImportStatus, error){
		func() (snapshot.ImportStatus, error) {
			return snapshot.ImportStatus{State: snapshot.StatusInProgress}, nil
		},
	}}

	_, err := o.Run(context.Background())
	require.ErrorIs(t, err, ErrRestoreTimeout)
	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, StageRestoreFull, stageErr.Stage)
}

func TestRun_TransientPollErrorsAreRetried(t *testing.T) {
	e := newEnv(t)
	e.seedRows(t, "1")
	e.recordSnapshot(t, time.Date(2025, 12, 20, 8, 0, 0, 0, time.UTC))

	fake := &fakeSnapshots{}
	fake.polls = []func() (snapshot.ImportStatus, error){
		func() (snapshot.ImportStatus, error) { return snapshot.ImportStatus{}, errors.New("flaky network") },
		func() (snapshot.ImportStatus, error) { return snapshot.ImportStatus{}, errors.New("flaky network") },
		func() (snapshot.ImportStatus, error) {
			return snapshot.ImportStatus{State: snapshot.StatusCompleted}, nil
		},
	}

	o := e.orchestrator(t, Options{})
	o.Snapshots = fake

	report, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, fake.pollCount)
	assert.Equal(t, 0, report.BatchesReplayed)
}

func TestRun_PermanentBatchFailureFailsTheRun(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.seedRows(t, "1")

	md, err := e.svc.RequestExport(ctx, "orders")
	require.NoError(t, err)

	// Malformed artifact: every fetch attempt fails to decode.
	require.NoError(t, e.store.Put(ctx, "changes/broken.json", []byte("{not json")))
	require.NoError(t, e.store.SetModTime("changes/broken.json", md.CutoverTime.Add(time.Second)))

	o := e.orchestrator(t, Options{BatchRetries: 3})
	_, err = o.Run(ctx)

	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, StageReplayChanges, stageErr.Stage)
	assert.Contains(t, err.Error(), "changes/broken.json")

	// Whole-batch retries back off 2^attempt seconds: 1s then 2s.
	var batchDelays []time.Duration
	for _, d := range e.delays {
		if d >= time.Second {
			batchDelays = append(batchDelays, d)
		}
	}
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, batchDelays)
}

func TestStageError_Format(t *testing.T) {
	err := &StageError{Stage: StageRestoreFull, Err: fmt.Errorf("boom")}
	assert.Equal(t, "stage restore-full: boom", err.Error())
	assert.EqualError(t, errors.Unwrap(err), "boom")
}

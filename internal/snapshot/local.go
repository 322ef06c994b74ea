package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/restitch/restitch/internal/blob"
	"github.com/restitch/restitch/internal/record"
	"github.com/restitch/restitch/internal/table"
)

const exportPrefix = "full-backups"

// Local is a Service over local table directories and a blob store. Exports
// scan the source table into data files under full-backups/<table>/<ts>/;
// imports load those files into a freshly created target table. Imports run
// asynchronously so polling reflects real job progress.
type Local struct {
	Blob   blob.Store
	Source *table.Dir
	Target *table.Dir

	// Clock is injectable for tests; nil means time.Now.
	Clock func() time.Time

	mu   sync.Mutex
	jobs map[string]*importJob
}

type importJob struct {
	mu     sync.Mutex
	status ImportStatus
}

// NewLocal creates a local snapshot service.
func NewLocal(store blob.Store, source, target *table.Dir) *Local {
	return &Local{
		Blob:   store,
		Source: source,
		Target: target,
		jobs:   make(map[string]*importJob),
	}
}

func (l *Local) now() time.Time {
	if l.Clock != nil {
		return l.Clock()
	}
	return time.Now()
}

// RequestExport scans tableID into the blob store and records its metadata.
// The export runs synchronously; the returned metadata is already COMPLETED.
func (l *Local) RequestExport(ctx context.Context, tableID string) (Metadata, error) {
	src, err := l.Source.OpenExisting(tableID)
	if err != nil {
		return Metadata{}, fmt.Errorf("export %q: %w", tableID, err)
	}
	defer src.Close()

	cutover := l.now().UTC()
	md := Metadata{
		SnapshotID:  NewSnapshotID(cutover),
		SourceTable: tableID,
		CutoverTime: cutover,
		Location:    path.Join(exportPrefix, tableID, cutover.Format("20060102_150405")) + "/",
		Status:      StatusInProgress,
	}
	if err := SaveMetadata(ctx, l.Blob, md); err != nil {
		return Metadata{}, err
	}

	var rows []record.Row
	err = src.Scan(ctx, func(row record.Row) error {
		rows = append(rows, row)
		return nil
	})
	if err != nil {
		return Metadata{}, fmt.Errorf("export %q: %w", tableID, err)
	}

	data, err := json.Marshal(rows)
	if err != nil {
		return Metadata{}, fmt.Errorf("export %q: %w", tableID, err)
	}
	if err := l.Blob.Put(ctx, md.Location+"data/part-00001.json", data); err != nil {
		return Metadata{}, fmt.Errorf("export %q: %w", tableID, err)
	}

	md.Status = StatusCompleted
	if err := SaveMetadata(ctx, l.Blob, md); err != nil {
		return Metadata{}, err
	}
	slog.Info("full export completed",
		"table", tableID,
		"snapshot_id", md.SnapshotID,
		"rows", len(rows),
		"location", md.Location,
	)
	return md, nil
}

// PollExport reads the export's persisted status.
func (l *Local) PollExport(ctx context.Context, tableID, snapshotID string) (Status, error) {
	md, err := LoadMetadata(ctx, l.Blob, tableID, snapshotID)
	if err != nil {
		return "", err
	}
	return md.Status, nil
}

// RequestImport starts loading exported data into a new target table and
// returns an opaque handle for polling.
func (l *Local) RequestImport(ctx context.Context, location string, schema table.Schema, newTableName string) (string, error) {
	handle := uuid.NewString()
	job := &importJob{status: ImportStatus{State: StatusInProgress}}

	l.mu.Lock()
	l.jobs[handle] = job
	l.mu.Unlock()

	go l.runImport(job, location, schema, newTableName)
	return handle, nil
}

// PollImport reports an import's status by handle.
func (l *Local) PollImport(_ context.Context, handle string) (ImportStatus, error) {
	l.mu.Lock()
	job, ok := l.jobs[handle]
	l.mu.Unlock()
	if !ok {
		return ImportStatus{}, fmt.Errorf("unknown import handle %q", handle)
	}
	job.mu.Lock()
	defer job.mu.Unlock()
	return job.status, nil
}

func (l *Local) runImport(job *importJob, location string, schema table.Schema, newTableName string) {
	// The job owns its own context: an import outlives the request call, and
	// there is no mid-flight cancellation contract.
	ctx := context.Background()

	err := l.doImport(ctx, location, schema, newTableName)

	job.mu.Lock()
	defer job.mu.Unlock()
	if err != nil {
		job.status = ImportStatus{State: StatusFailed, FailureReason: err.Error()}
		return
	}
	job.status = ImportStatus{State: StatusCompleted}
}

func (l *Local) doImport(ctx context.Context, location string, schema table.Schema, newTableName string) error {
	objects, err := l.Blob.List(ctx, path.Join(location, "data")+"/")
	if err != nil {
		return fmt.Errorf("import: %w", err)
	}
	if len(objects) == 0 {
		return fmt.Errorf("import: no data files under %q", location)
	}

	dst, err := l.Target.Open(newTableName, schema)
	if err != nil {
		return fmt.Errorf("import: %w", err)
	}
	defer dst.Close()

	total := 0
	for _, obj := range objects {
		if !strings.HasSuffix(obj.Key, ".json") {
			continue
		}
		data, err := l.Blob.Get(ctx, obj.Key)
		if err != nil {
			return fmt.Errorf("import %q: %w", obj.Key, err)
		}
		var rows []record.Row
		if err := json.Unmarshal(data, &rows); err != nil {
			return fmt.Errorf("import %q: %w", obj.Key, err)
		}
		for _, row := range rows {
			if err := dst.Put(ctx, row); err != nil {
				return fmt.Errorf("import %q: %w", obj.Key, err)
			}
		}
		total += len(rows)
	}

	slog.Info("bulk import completed", "table", newTableName, "rows", total, "location", location)
	return nil
}

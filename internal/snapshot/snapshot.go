// Package snapshot defines the point-in-time export/import collaborator and
// the durable snapshot metadata layout.
//
// The Service interface is the orchestrator's entire view of the snapshot
// mechanism: submit an export, poll it, submit a bulk import, poll it. The
// wire format of the underlying mechanism is deliberately out of scope; the
// Local implementation serves local table directories and tests.
package snapshot

import (
	"context"
	"fmt"
	"time"

	"github.com/restitch/restitch/internal/table"
)

// Status is the lifecycle state of an export or import job.
type Status string

const (
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// Metadata is the durable record of one snapshot: what was backed up, when,
// and where the exported data lives. Status is mutated only by polling the
// snapshot service; everything else is immutable once written.
type Metadata struct {
	SnapshotID  string    `json:"snapshot_id"`
	SourceTable string    `json:"source_table"`
	CutoverTime time.Time `json:"cutover_time"`
	Location    string    `json:"location"`
	Status      Status    `json:"status"`
}

// ImportStatus is one poll result for a bulk import.
type ImportStatus struct {
	State         Status
	FailureReason string
}

// Service is the opaque snapshot/export collaborator.
type Service interface {
	// RequestExport starts a full export of tableID and returns its
	// metadata with status IN_PROGRESS or COMPLETED.
	RequestExport(ctx context.Context, tableID string) (Metadata, error)

	// PollExport reports the status of a previously requested export.
	PollExport(ctx context.Context, tableID, snapshotID string) (Status, error)

	// RequestImport starts a bulk import of the exported data at location
	// into a new table with the given key schema, returning an opaque
	// import handle.
	RequestImport(ctx context.Context, location string, schema table.Schema, newTableName string) (string, error)

	// PollImport reports the status of an import by handle.
	PollImport(ctx context.Context, handle string) (ImportStatus, error)
}

// NewSnapshotID derives a recovery-point identifier from the cutover time.
// The identifier doubles as the metadata file name, so it must be stable and
// filesystem-safe.
func NewSnapshotID(cutover time.Time) string {
	return fmt.Sprintf("full_backup_%s", cutover.UTC().Format("20060102_150405"))
}

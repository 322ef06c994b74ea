package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/restitch/restitch/internal/blob"
)

const metadataPrefix = "backup-metadata"

// MetadataKey is the blob key of one snapshot's metadata record: one JSON
// object per snapshot, keyed by source table and recovery-point identifier.
func MetadataKey(tableName, snapshotID string) string {
	return path.Join(metadataPrefix, tableName, snapshotID+".json")
}

// SaveMetadata persists a metadata record.
func SaveMetadata(ctx context.Context, store blob.Store, md Metadata) error {
	data, err := json.MarshalIndent(md, "", "  ")
	if err != nil {
		return fmt.Errorf("save snapshot metadata: %w", err)
	}
	if err := store.Put(ctx, MetadataKey(md.SourceTable, md.SnapshotID), data); err != nil {
		return fmt.Errorf("save snapshot metadata: %w", err)
	}
	return nil
}

// LoadMetadata reads one snapshot's metadata record.
func LoadMetadata(ctx context.Context, store blob.Store, tableName, snapshotID string) (Metadata, error) {
	data, err := store.Get(ctx, MetadataKey(tableName, snapshotID))
	if err != nil {
		return Metadata{}, fmt.Errorf("load snapshot metadata %s/%s: %w", tableName, snapshotID, err)
	}
	var md Metadata
	if err := json.Unmarshal(data, &md); err != nil {
		return Metadata{}, fmt.Errorf("load snapshot metadata %s/%s: %w", tableName, snapshotID, err)
	}
	return md, nil
}

// ListMetadata returns every snapshot metadata record for a table. Records
// that fail to parse are skipped rather than failing the listing, so one
// corrupt object cannot block recovery.
func ListMetadata(ctx context.Context, store blob.Store, tableName string) ([]Metadata, error) {
	prefix := metadataPrefix + "/" + tableName + "/"
	objects, err := store.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("list snapshot metadata for %q: %w", tableName, err)
	}

	var all []Metadata
	for _, obj := range objects {
		if !strings.HasSuffix(obj.Key, ".json") {
			continue
		}
		data, err := store.Get(ctx, obj.Key)
		if err != nil {
			return nil, fmt.Errorf("list snapshot metadata for %q: %w", tableName, err)
		}
		var md Metadata
		if err := json.Unmarshal(data, &md); err != nil {
			slog.Warn("skipping unparseable snapshot metadata", "key", obj.Key, "error", err)
			continue
		}
		all = append(all, md)
	}
	return all, nil
}

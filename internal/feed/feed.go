// Package feed reads change-record batches deposited in the blob store by
// the change-capture producer.
//
// The producer itself is an external collaborator; this package only lists
// its artifacts and decodes them. An artifact's production time is the blob
// store's own timestamp for the object — authoritative timestamps are more
// reliable than filename conventions.
package feed

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/restitch/restitch/internal/blob"
	"github.com/restitch/restitch/internal/record"
	"github.com/restitch/restitch/internal/retry"
)

// DefaultPrefix is where the change-capture producer deposits artifacts.
const DefaultPrefix = "changes/"

// ArtifactRef identifies one change artifact and its production time.
type ArtifactRef struct {
	Key        string    `json:"key"`
	ProducedAt time.Time `json:"produced_at"`
}

// Source lists and fetches change batches from the blob store. All remote
// calls run under the storage retry profile.
type Source struct {
	Blob   blob.Store
	Prefix string

	policy retry.Policy
}

// NewSource creates a Source over the default changes prefix.
func NewSource(store blob.Store) *Source {
	return &Source{
		Blob:   store,
		Prefix: DefaultPrefix,
		policy: retry.StorageProfile(),
	}
}

// ListArtifacts returns every change artifact currently in the feed, in
// unspecified order. Non-JSON objects under the prefix are ignored.
func (s *Source) ListArtifacts(ctx context.Context) ([]ArtifactRef, error) {
	var objects []blob.ObjectInfo
	err := s.policy.Do(ctx, func() error {
		var listErr error
		objects, listErr = s.Blob.List(ctx, s.Prefix)
		return listErr
	})
	if err != nil {
		return nil, fmt.Errorf("list change artifacts: %w", err)
	}

	refs := make([]ArtifactRef, 0, len(objects))
	for _, obj := range objects {
		if !strings.HasSuffix(obj.Key, ".json") {
			continue
		}
		refs = append(refs, ArtifactRef{Key: obj.Key, ProducedAt: obj.ModTime})
	}
	return refs, nil
}

// Fetch downloads and decodes one change batch.
func (s *Source) Fetch(ctx context.Context, ref ArtifactRef) (record.Batch, error) {
	var data []byte
	err := s.policy.Do(ctx, func() error {
		var getErr error
		data, getErr = s.Blob.Get(ctx, ref.Key)
		return getErr
	})
	if err != nil {
		return record.Batch{}, fmt.Errorf("fetch change artifact: %w", err)
	}
	return record.DecodeBatch(ref.Key, ref.ProducedAt, data)
}

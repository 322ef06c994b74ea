// Package window resolves which change batches must be replayed after a
// full restore to reach a consistent recovery point.
package window

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/restitch/restitch/internal/feed"
)

// Overlap is how far before the snapshot's cutover the replay window starts.
// The overlap compensates for clock skew and for the snapshot mechanism's
// own internal lag; re-applying a few already-captured mutations is safe
// because replay is idempotent.
const Overlap = 60 * time.Second

// Resolver computes the ordered replay window from the change feed.
type Resolver struct {
	Feed *feed.Source
}

// Resolve returns the change artifacts produced at or after cutover−Overlap,
// sorted ascending by production time (ties broken by key so the order is
// deterministic). Ordering approximates original mutation order for
// auditable logs; correctness comes from idempotent replay, not from strict
// global ordering.
func (r *Resolver) Resolve(ctx context.Context, cutover time.Time) ([]feed.ArtifactRef, error) {
	start := cutover.Add(-Overlap)

	refs, err := r.Feed.ListArtifacts(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve change window: %w", err)
	}

	var window []feed.ArtifactRef
	for _, ref := range refs {
		if !ref.ProducedAt.Before(start) {
			window = append(window, ref)
		}
	}

	sort.Slice(window, func(i, j int) bool {
		if window[i].ProducedAt.Equal(window[j].ProducedAt) {
			return window[i].Key < window[j].Key
		}
		return window[i].ProducedAt.Before(window[j].ProducedAt)
	})

	slog.Info("resolved change window",
		"cutover", cutover,
		"window_start", start,
		"artifacts_total", len(refs),
		"artifacts_in_window", len(window),
	)
	return window, nil
}

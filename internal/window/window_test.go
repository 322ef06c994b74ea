package window

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/restitch/restitch/internal/blob"
	"github.com/restitch/restitch/internal/feed"
)

func TestResolve_InclusiveBoundaryAndOrder(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemory()

	cutover := time.Date(2025, 12, 20, 12, 0, 0, 0, time.UTC)
	artifacts := map[string]time.Duration{
		"changes/w.json": -90 * time.Second, // before window
		"changes/x.json": -61 * time.Second, // before window
		"changes/y.json": -59 * time.Second, // inside
		"changes/z.json": 5 * time.Second,   // inside
	}
	for key, offset := range artifacts {
		require.NoError(t, store.Put(ctx, key, []byte(`[]`)))
		require.NoError(t, store.SetModTime(key, cutover.Add(offset)))
	}

	r := &Resolver{Feed: feed.NewSource(store)}
	window, err := r.Resolve(ctx, cutover)
	require.NoError(t, err)

	require.Len(t, window, 2)
	assert.Equal(t, "changes/y.json", window[0].Key)
	assert.Equal(t, "changes/z.json", window[1].Key)
}

func TestResolve_ExactBoundaryIsIncluded(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemory()
	cutover := time.Date(2025, 12, 20, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.Put(ctx, "changes/edge.json", []byte(`[]`)))
	require.NoError(t, store.SetModTime("changes/edge.json", cutover.Add(-Overlap)))

	r := &Resolver{Feed: feed.NewSource(store)}
	window, err := r.Resolve(ctx, cutover)
	require.NoError(t, err)
	assert.Len(t, window, 1)
}

func TestResolve_EmptyFeed(t *testing.T) {
	r := &Resolver{Feed: feed.NewSource(blob.NewMemory())}
	window, err := r.Resolve(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Empty(t, window)
}

func TestResolve_TiesBrokenByKey(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemory()
	cutover := time.Date(2025, 12, 20, 12, 0, 0, 0, time.UTC)
	at := cutover.Add(10 * time.Second)

	for _, key := range []string{"changes/b.json", "changes/a.json"} {
		require.NoError(t, store.Put(ctx, key, []byte(`[]`)))
		require.NoError(t, store.SetModTime(key, at))
	}

	r := &Resolver{Feed: feed.NewSource(store)}
	window, err := r.Resolve(ctx, cutover)
	require.NoError(t, err)
	require.Len(t, window, 2)
	assert.Equal(t, "changes/a.json", window[0].Key)
	assert.Equal(t, "changes/b.json", window[1].Key)
}

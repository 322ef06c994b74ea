// Package blob abstracts the durable object store that holds snapshot data,
// snapshot metadata, change-feed artifacts, and error-record dumps.
//
// The production deployment points this at a bucket; FS serves local
// directories and Memory serves tests. Keys are slash-separated paths and
// listing is by key prefix.
package blob

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get for keys that do not exist.
var ErrNotFound = errors.New("blob: object not found")

// ObjectInfo describes one stored object. ModTime is the store's own
// timestamp for the object, which is authoritative for change-window
// resolution (filename conventions are not).
type ObjectInfo struct {
	Key     string
	Size    int64
	ModTime time.Time
}

// Store is the object-storage interface used by every component that
// persists or lists artifacts.
type Store interface {
	// List returns objects whose keys start with prefix, in unspecified order.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)

	// Get returns the object body, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put writes the object body, overwriting any existing object.
	Put(ctx context.Context, key string, data []byte) error
}

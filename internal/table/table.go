package table

import (
	"context"
	"errors"
	"fmt"

	"github.com/restitch/restitch/internal/record"
)

// ErrConditionFailed is returned by DeleteExisting when the row is absent.
// Callers replaying REMOVE records treat it as success: the desired end
// state, absence, already holds.
var ErrConditionFailed = errors.New("table: conditional check failed")

// AttributeDef names one key attribute and its type tag ("S", "N", or "B").
type AttributeDef struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Schema is a table's key schema: the attributes that uniquely identify a
// row. Read from the live table, not from snapshot metadata, because schema
// can evolve after a snapshot is taken.
type Schema struct {
	Table         string         `json:"table"`
	KeyAttributes []AttributeDef `json:"key_attributes"`
}

// KeyRow extracts the key attributes from a full row image.
func (s Schema) KeyRow(row record.Row) (record.Row, error) {
	keys := make(record.Row, len(s.KeyAttributes))
	for _, attr := range s.KeyAttributes {
		v, ok := row[attr.Name]
		if !ok {
			return nil, fmt.Errorf("row image missing key attribute %q", attr.Name)
		}
		keys[attr.Name] = v
	}
	return keys, nil
}

// Table is the mutation and inspection surface of one key-value table.
type Table interface {
	// Describe returns the live key schema.
	Describe(ctx context.Context) (Schema, error)

	// Put writes a complete row, replacing any existing row with the same
	// key. Unconditional and idempotent.
	Put(ctx context.Context, row record.Row) error

	// DeleteExisting removes the row identified by keys. Returns
	// ErrConditionFailed when no such row exists.
	DeleteExisting(ctx context.Context, keys record.Row) error

	// Scan streams every row to fn in undefined order. fn errors abort the
	// scan.
	Scan(ctx context.Context, fn func(record.Row) error) error

	// Count returns the number of rows.
	Count(ctx context.Context) (int, error)
}

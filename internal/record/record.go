package record

import (
	"encoding/json"
	"fmt"
	"time"
)

// Op identifies the kind of mutation a change record captures.
type Op string

// Supported operation kinds. Any other value decodes successfully but is
// rejected per record at apply time, so one bad record never poisons a batch.
const (
	OpInsert Op = "INSERT"
	OpModify Op = "MODIFY"
	OpRemove Op = "REMOVE"
)

// Known reports whether the op is one of the supported mutation kinds.
func (op Op) Known() bool {
	switch op {
	case OpInsert, OpModify, OpRemove:
		return true
	}
	return false
}

// ChangeRecord is one captured table mutation.
//
// Keys is always present and uniquely identifies the row. NewImage is the
// complete post-mutation row for INSERT and MODIFY, and absent for REMOVE.
type ChangeRecord struct {
	Op          Op        `json:"event"`
	Keys        Row       `json:"keys"`
	NewImage    Row       `json:"image,omitempty"`
	ArrivalTime time.Time `json:"arrival_time,omitzero"`
}

// Validate checks the structural invariants of a record. It does not reject
// unknown ops; those are surfaced as per-record apply errors instead.
func (r ChangeRecord) Validate() error {
	if len(r.Keys) == 0 {
		return fmt.Errorf("change record missing key attributes")
	}
	if (r.Op == OpInsert || r.Op == OpModify) && len(r.NewImage) == 0 {
		return fmt.Errorf("%s record missing row image", r.Op)
	}
	return nil
}

// Batch is one feed artifact: an ordered sequence of change records plus the
// artifact's location and authoritative production time. Batches are
// immutable once produced by the feed.
type Batch struct {
	Key        string
	ProducedAt time.Time
	Records    []ChangeRecord
}

// DecodeBatch parses a feed artifact body into a Batch. Records that omit
// their own arrival time inherit the artifact's production time.
func DecodeBatch(key string, producedAt time.Time, data []byte) (Batch, error) {
	var records []ChangeRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return Batch{}, fmt.Errorf("decode change batch %s: %w", key, err)
	}
	for i := range records {
		if records[i].ArrivalTime.IsZero() {
			records[i].ArrivalTime = producedAt
		}
	}
	return Batch{Key: key, ProducedAt: producedAt, Records: records}, nil
}

// EncodeBatch serializes records as a feed artifact body. Used by the local
// snapshot tooling and tests; the production feed writes the same format.
func EncodeBatch(records []ChangeRecord) ([]byte, error) {
	data, err := json.Marshal(records)
	if err != nil {
		return nil, fmt.Errorf("encode change batch: %w", err)
	}
	return data, nil
}

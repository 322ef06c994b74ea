// Package record defines the canonical representation of captured table
// mutations: typed attribute values, change records, and change batches.
//
// A change record is one mutation (INSERT, MODIFY, or REMOVE) with the row's
// key attributes and, for INSERT/MODIFY, a complete post-mutation row image.
// Partial images are not supported: replay overwrites whole rows, so every
// MODIFY must carry the full row.
//
// Records are serialized as JSON arrays of objects with DynamoDB-style typed
// attribute values ({"S": ...}, {"N": "..."}, ...). Numbers are carried as
// strings end to end so replay never re-encodes a value it did not produce.
package record

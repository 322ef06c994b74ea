// Package table provides the mutable key-value table that recovery restores
// and replays into.
//
// The Table interface is the whole mutation surface the replay engine needs:
// full-row put, existence-conditioned delete, and a describe call for the
// live key schema. Store implements it on SQLite, one database file per
// table, with rows addressed by a canonical digest of their key attributes
// so repeated puts and deletes of the same logical key converge.
package table

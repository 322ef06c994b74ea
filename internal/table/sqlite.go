package table

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/restitch/restitch/internal/record"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 1 - Initial schema (table_meta + rows)
const currentSchemaVersion = 1

const metaKeySchema = "key_schema"

// Store is a SQLite-backed Table. One database file per table, WAL mode,
// single writer.
type Store struct {
	db     *sql.DB
	schema Schema
}

// Open creates or opens a table database at path. On first open the key
// schema is persisted; on reopen the stored schema is loaded and the schema
// argument is ignored, so callers cannot silently change key attributes on
// an existing table.
func Open(path string, schema Schema) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	stored, err := loadSchema(db, schema)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, schema: stored}, nil
}

// OpenExisting opens a table database that must already exist with a
// persisted key schema.
func OpenExisting(path string) (*Store, error) {
	s, err := Open(path, Schema{})
	if err != nil {
		return nil, err
	}
	if len(s.schema.KeyAttributes) == 0 {
		s.Close()
		return nil, fmt.Errorf("table %q has no persisted key schema", path)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Describe returns the table's key schema.
func (s *Store) Describe(_ context.Context) (Schema, error) {
	return s.schema, nil
}

// Put writes a complete row, replacing any existing row with the same key.
func (s *Store) Put(ctx context.Context, row record.Row) error {
	keys, err := s.schema.KeyRow(row)
	if err != nil {
		return fmt.Errorf("put: %w", err)
	}
	digest, err := record.KeyDigest(keys)
	if err != nil {
		return fmt.Errorf("put: %w", err)
	}
	keyJSON, err := json.Marshal(keys)
	if err != nil {
		return fmt.Errorf("put: %w", err)
	}
	rowJSON, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("put: %w", err)
	}

	// Upsert keeps replay idempotent: re-applying a record overwrites the
	// same stored row with the same image.
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO rows (key_digest, key_json, row_json)
		VALUES (?, ?, ?)
		ON CONFLICT(key_digest) DO UPDATE SET key_json = excluded.key_json, row_json = excluded.row_json
	`, digest, string(keyJSON), string(rowJSON))
	if err != nil {
		return fmt.Errorf("put: %w", err)
	}
	return nil
}

// DeleteExisting removes a row, requiring it to exist.
func (s *Store) DeleteExisting(ctx context.Context, keys record.Row) error {
	digest, err := record.KeyDigest(keys)
	if err != nil {
		return fmt.Errorf("delete: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM rows WHERE key_digest = ?`, digest)
	if err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	if n == 0 {
		return ErrConditionFailed
	}
	return nil
}

// Scan streams every stored row to fn.
func (s *Store) Scan(ctx context.Context, fn func(record.Row) error) error {
	rows, err := s.db.QueryContext(ctx, `SELECT row_json FROM rows ORDER BY key_digest`)
	if err != nil {
		return fmt.Errorf("scan: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var rowJSON string
		if err := rows.Scan(&rowJSON); err != nil {
			return fmt.Errorf("scan: %w", err)
		}
		var row record.Row
		if err := json.Unmarshal([]byte(rowJSON), &row); err != nil {
			return fmt.Errorf("scan: %w", err)
		}
		if err := fn(row); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Count returns the number of stored rows.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM rows`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return n, nil
}

// Get returns the row for keys, or false when absent. Used by tests and the
// snapshot exporter.
func (s *Store) Get(ctx context.Context, keys record.Row) (record.Row, bool, error) {
	digest, err := record.KeyDigest(keys)
	if err != nil {
		return nil, false, fmt.Errorf("get: %w", err)
	}
	var rowJSON string
	err = s.db.QueryRowContext(ctx, `SELECT row_json FROM rows WHERE key_digest = ?`, digest).Scan(&rowJSON)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get: %w", err)
	}
	var row record.Row
	if err := json.Unmarshal([]byte(rowJSON), &row); err != nil {
		return nil, false, fmt.Errorf("get: %w", err)
	}
	return row, true, nil
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema creates tables if they don't exist. Idempotent.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// loadSchema returns the persisted key schema, storing fallback on first
// open.
func loadSchema(db *sql.DB, fallback Schema) (Schema, error) {
	var stored string
	err := db.QueryRow(`SELECT v FROM table_meta WHERE k = ?`, metaKeySchema).Scan(&stored)
	if err == sql.ErrNoRows {
		if len(fallback.KeyAttributes) == 0 {
			return fallback, nil
		}
		data, err := json.Marshal(fallback)
		if err != nil {
			return Schema{}, fmt.Errorf("persist key schema: %w", err)
		}
		if _, err := db.Exec(`INSERT INTO table_meta (k, v) VALUES (?, ?)`, metaKeySchema, string(data)); err != nil {
			return Schema{}, fmt.Errorf("persist key schema: %w", err)
		}
		return fallback, nil
	}
	if err != nil {
		return Schema{}, fmt.Errorf("load key schema: %w", err)
	}

	var schema Schema
	if err := json.Unmarshal([]byte(stored), &schema); err != nil {
		return Schema{}, fmt.Errorf("load key schema: %w", err)
	}
	return schema, nil
}

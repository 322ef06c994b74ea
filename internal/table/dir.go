package table

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Dir maps table names to SQLite database files under a root directory.
// This is the local stand-in for a regional table service endpoint: one Dir
// per "region".
type Dir struct {
	root string
}

// NewDir creates the directory if needed and returns a Dir over it.
func NewDir(root string) (*Dir, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("table dir %q: %w", root, err)
	}
	return &Dir{root: root}, nil
}

// Open opens or creates the named table with the given key schema.
func (d *Dir) Open(name string, schema Schema) (*Store, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	schema.Table = name
	return Open(d.path(name), schema)
}

// OpenExisting opens the named table, failing if it was never created.
func (d *Dir) OpenExisting(name string) (*Store, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	if _, err := os.Stat(d.path(name)); err != nil {
		return nil, fmt.Errorf("table %q: %w", name, err)
	}
	return OpenExisting(d.path(name))
}

func (d *Dir) path(name string) string {
	return filepath.Join(d.root, name+".db")
}

func validateName(name string) error {
	if name == "" || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("invalid table name %q", name)
	}
	return nil
}

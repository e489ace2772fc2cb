// Package fs implements file-backed adapters: the JSON-lines delivery
// ledger and atomic writes for generated manifests.
package fs

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// WriteFileAtomic writes data to path through a temporary file and a
// rename, so readers never observe a partial file.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	tmp := path + ".tmp"

	// Write to temp file
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return err
	}

	// Atomic rename
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// WriteJSONAtomic encodes v as indented JSON and writes it atomically.
func WriteJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return WriteFileAtomic(path, append(data, '\n'), 0o644)
}

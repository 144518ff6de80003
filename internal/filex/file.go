// Package filex holds small local-filesystem helpers for the staging
// directory where files live between download and upload.
package filex

import (
	"fmt"
	"os"
	"path/filepath"
)

// EnsureDir creates dir (and parents) if missing and returns its absolute path.
func EnsureDir(dirName string) (string, error) {
	dir, err := filepath.Abs(dirName)
	if err != nil {
		return "", fmt.Errorf("abs %s: %w", dirName, err)
	}

	if err := os.MkdirAll(dir, 0o770); err != nil {
		return "", fmt.Errorf("mkdir %s: %w", dir, err)
	}

	return dir, nil
}

// Exists reports whether path points to an existing regular file.
func Exists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Mode().IsRegular()
}

// Delete removes the file at path. Removing an already-missing file is not
// an error, so cleanup stays idempotent across pipeline re-runs.
func Delete(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete %s: %w", path, err)
	}
	return nil
}

// Package export writes the list of repositories a sync run intends to star.
//
// The file is plain UTF-8 text with one owner/name per line, each line
// newline-terminated. It is replaced on every run and serves as an audit
// trail; starsync never reads it back.
package export

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DefaultPath is the export file used when none is configured
const DefaultPath = "repos_to_star.txt"

// Write replaces the file at path with names, one per line. The content is
// staged in a temporary file next to path and renamed into place, so a
// crashed run never leaves a half-written list behind.
func Write(path string, names []string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create export directory: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, ".starsync-export-*")
	if err != nil {
		return fmt.Errorf("failed to create temp export file: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}() // cleanup on error

	w := bufio.NewWriter(tmpFile)
	for _, name := range names {
		if strings.ContainsAny(name, "\r\n") {
			_ = tmpFile.Close()
			return fmt.Errorf("repository name %q contains a line break", name)
		}
		if _, err := w.WriteString(name + "\n"); err != nil {
			_ = tmpFile.Close()
			return fmt.Errorf("failed to write export file: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("failed to write export file: %w", err)
	}

	if err := tmpFile.Chmod(0644); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to replace export file: %w", err)
	}
	return nil
}

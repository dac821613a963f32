package bundle

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ignoredDirs are directory names never considered part of a bundle.
var ignoredDirs = []string{
	".git",
	"__pycache__",
	".ipynb_checkpoints",
}

// Stats summarizes the local bundle contents.
type Stats struct {
	Files      int
	TotalBytes int64
}

// isIgnoredDir returns true if the directory should be skipped entirely.
func isIgnoredDir(name string) bool {
	for _, d := range ignoredDirs {
		if name == d {
			return true
		}
	}
	return false
}

// isIgnoredFile returns true for editor backup and swap files.
func isIgnoredFile(name string) bool {
	return strings.HasSuffix(name, "~") || strings.HasSuffix(name, ".swp")
}

// Discover finds all regular files under the bundle root, skipping VCS
// metadata and editor leftovers. An empty directory yields an empty slice,
// which is a valid (if pointless) bundle.
func Discover(root string) ([]string, error) {
	var files []string

	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		if info.IsDir() {
			if path != root && isIgnoredDir(info.Name()) {
				return filepath.SkipDir
			}
			return nil
		}

		if isIgnoredFile(info.Name()) {
			return nil
		}

		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return files, nil
}

// Collect validates the bundle root and gathers its statistics. The root
// must exist and be a directory.
func Collect(root string) (*Stats, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("failed to stat bundle root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("bundle root %s is not a directory", root)
	}

	files, err := Discover(root)
	if err != nil {
		return nil, fmt.Errorf("failed to discover bundle files: %w", err)
	}

	stats := &Stats{Files: len(files)}
	for _, f := range files {
		fi, err := os.Stat(f)
		if err != nil {
			return nil, fmt.Errorf("failed to stat %s: %w", f, err)
		}
		stats.TotalBytes += fi.Size()
	}

	return stats, nil
}

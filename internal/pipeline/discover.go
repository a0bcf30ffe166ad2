package pipeline

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"

	"listenetl/internal/normalize"
)

// Discover lists the listen files under dir in sorted path order. Only the top
// level is scanned unless recursive is set. Files without a .json extension
// (any case) are ignored.
func Discover(dir string, recursive bool) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && !recursive {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() && normalize.IsListenFile(d.Name()) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("discover %s: %w", dir, err)
	}
	sort.Strings(files)
	return files, nil
}

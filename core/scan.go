package core

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Dyastin-0/lanshare/types"
)

// ScanFunc lists the files under a root.
type ScanFunc func(root string) ([]types.FileEntry, error)

// ScanDirectory walks root in lexical order. Dot-prefixed entries are
// skipped unless root itself is dot-prefixed, in which case everything
// below it is included. A file root yields a single entry.
func ScanDirectory(root string) ([]types.FileEntry, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}

	rootName := filepath.Base(root)
	if !info.IsDir() {
		return []types.FileEntry{{
			RelativePath: rootName,
			AbsolutePath: root,
			Size:         info.Size(),
		}}, nil
	}

	includeHidden := isHidden(rootName)
	entries := make([]types.FileEntry, 0)

	err = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if path == root {
			return nil
		}

		if !includeHidden && isHidden(d.Name()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		// symlinked directories are not descended
		fi, err := os.Stat(path)
		if err != nil {
			return err
		}

		if fi.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return fmt.Errorf("relative path for %s: %w", path, err)
		}

		entries = append(entries, types.FileEntry{
			RelativePath: filepath.ToSlash(rel),
			AbsolutePath: path,
			Size:         fi.Size(),
		})

		return nil
	})
	if err != nil {
		return nil, err
	}

	return entries, nil
}

func totalSize(entries []types.FileEntry) int64 {
	var n int64
	for _, e := range entries {
		n += e.Size
	}
	return n
}

func isHidden(name string) bool {
	return strings.HasPrefix(name, ".")
}

// Package detect implements change detection for the knowledge-base inbox.
// It fingerprints source files cheaply (name, size, modification time) and
// diffs the current snapshot against the previous manifest to decide which
// documents need re-chunking.
//
// Fingerprint equality is treated as proof of content equality. This is a
// deliberate cost trade-off: a file whose content changes while its name,
// size and mtime all stay equal is not detected. The limitation is
// documented and tested, not worked around.
package detect

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/verdict-systems/kbengine/pkg/types"
)

// Fingerprint derives the change-detection fingerprint for a file from its
// base name, byte size and modification time (unix seconds). Deterministic
// and path-move tolerant: moving a file between folders does not change it.
func Fingerprint(name string, sizeBytes int64, mtimeUnix int64) string {
	h := xxhash.New()
	_, _ = h.WriteString(name)
	_, _ = h.WriteString("|")
	_, _ = fmt.Fprintf(h, "%d|%d", sizeBytes, mtimeUnix)
	return fmt.Sprintf("%016x", h.Sum64())
}

// Snapshot walks root recursively and returns one DocumentRecord per file
// whose extension is in exts (lowercase, with dot). Records are sorted by
// path so downstream processing is deterministic.
func Snapshot(root string, exts map[string]bool) ([]types.DocumentRecord, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrDetection, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", types.ErrDetection, root)
	}

	var records []types.DocumentRecord
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != root {
				return filepath.SkipDir
			}
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if !exts[ext] {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		records = append(records, types.DocumentRecord{
			Path:         rel,
			SizeBytes:    fi.Size(),
			ModifiedTime: fi.ModTime(),
			Fingerprint:  Fingerprint(d.Name(), fi.Size(), fi.ModTime().Unix()),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrDetection, err)
	}

	sort.Slice(records, func(i, j int) bool { return records[i].Path < records[j].Path })
	return records, nil
}

// DiffResult partitions the inbox into three disjoint sets.
type DiffResult struct {
	Unchanged []types.DocumentRecord // present in both, fingerprint equal
	Changed   []types.DocumentRecord // new, or present with a different fingerprint
	Removed   []types.DocumentRecord // present only in the previous manifest
}

// Diff compares the previous manifest records against the current snapshot.
// Running Diff twice against an unchanged filesystem yields empty Changed
// and Removed sets.
func Diff(prev, cur []types.DocumentRecord) DiffResult {
	prevByPath := make(map[string]types.DocumentRecord, len(prev))
	for _, r := range prev {
		prevByPath[r.Path] = r
	}

	var res DiffResult
	curPaths := make(map[string]bool, len(cur))
	for _, r := range cur {
		curPaths[r.Path] = true
		old, ok := prevByPath[r.Path]
		if ok && old.Fingerprint == r.Fingerprint {
			res.Unchanged = append(res.Unchanged, r)
		} else {
			res.Changed = append(res.Changed, r)
		}
	}
	for _, r := range prev {
		if !curPaths[r.Path] {
			res.Removed = append(res.Removed, r)
		}
	}
	sort.Slice(res.Removed, func(i, j int) bool { return res.Removed[i].Path < res.Removed[j].Path })
	return res
}

package proxy

import (
	"mime"
	"os"
	"path/filepath"
	"strings"
)

// prunedDirs are workspace subtrees the diff walk never descends into
// (spec §4.8 "Workspace diff for file detection").
var prunedDirs = map[string]bool{
	"media/inbound": true,
	".openclaw":     true,
	".git":          true,
	"__pycache__":   true,
	"memory":        true,
	"skills":        true,
	"excel_env":     true,
	"venv":          true,
	"env":           true,
	".venv":         true,
	"node_modules":  true,
	"lib":           true,
}

// fileStat is the (size, mtime) snapshot value for one workspace path.
type fileStat struct {
	size  int64
	mtime int64 // unix nanoseconds
}

// SnapshotWorkspace walks workspaceDir and returns a relative-path ->
// (size, mtime) map, pruning the directory names spec.md §4.8 enumerates
// and anything starting with "." or "_".
func SnapshotWorkspace(workspaceDir string) (map[string]fileStat, error) {
	snapshot := map[string]fileStat{}
	err := filepath.Walk(workspaceDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		rel, relErr := filepath.Rel(workspaceDir, path)
		if relErr != nil {
			return relErr
		}
		if rel == "." {
			return nil
		}
		base := filepath.Base(rel)
		if info.IsDir() {
			if prunedDirs[rel] || prunedDirs[base] || strings.HasPrefix(base, ".") || strings.HasPrefix(base, "_") {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(base, ".") || strings.HasPrefix(base, "_") {
			return nil
		}
		relSlash := filepath.ToSlash(rel)
		for prefix := range prunedDirs {
			if strings.HasPrefix(relSlash, prefix+"/") {
				return nil
			}
		}
		snapshot[relSlash] = fileStat{size: info.Size(), mtime: info.ModTime().UnixNano()}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snapshot, nil
}

// DiffWorkspace compares a before/after snapshot and returns a delta.file
// for every path that is new or whose (size, mtime) changed.
func DiffWorkspace(before, after map[string]fileStat) []Delta {
	var deltas []Delta
	for path, stat := range after {
		prev, existed := before[path]
		if existed && prev == stat {
			continue
		}
		deltas = append(deltas, Delta{
			Kind: DeltaFile,
			Name: filepath.Base(path),
			Path: path,
			Size: stat.size,
			MIME: guessMIME(path),
		})
	}
	return deltas
}

func guessMIME(path string) string {
	ext := filepath.Ext(path)
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "application/octet-stream"
}

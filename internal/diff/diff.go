// Package diff computes which snapshot files are new since the last manifest.
// Identity is the relative path alone: sstable files are immutable once
// written, so a path seen before never needs uploading again.
package diff

import (
	"github.com/cassnap-project/cassnap/pkg/model"
)

// Diff returns current minus last.Paths, sorted and deduplicated. With no
// previous manifest the whole current set is returned. Paths only present in
// last are ignored.
func Diff(current []string, last *model.Manifest) []string {
	if last == nil {
		return model.SortedUnique(current)
	}
	seen := last.PathSet()
	out := make([]string, 0, len(current))
	for _, p := range current {
		if _, ok := seen[p]; !ok {
			out = append(out, p)
		}
	}
	return model.SortedUnique(out)
}

// Plan is the diff of a file set against the last manifest.
type Plan struct {
	// Upload holds the new files, in RelPath order.
	Upload []model.DataFile `json:"upload"`
	// Unchanged counts current files already recorded in the last manifest.
	Unchanged int `json:"unchanged"`
	// Gone counts manifest paths with no local file any more (compacted away).
	Gone int `json:"gone"`
	// Bytes is the total size of Upload.
	Bytes int64 `json:"bytes"`
}

// Files applies Diff to a scanned file set.
func Files(files []model.DataFile, last *model.Manifest) *Plan {
	byPath := make(map[string]model.DataFile, len(files))
	current := make([]string, 0, len(files))
	for _, f := range files {
		byPath[f.RelPath] = f
		current = append(current, f.RelPath)
	}

	plan := &Plan{}
	for _, p := range Diff(current, last) {
		f := byPath[p]
		plan.Upload = append(plan.Upload, f)
		plan.Bytes += f.Size
	}
	plan.Unchanged = len(byPath) - len(plan.Upload)
	if last != nil {
		for _, p := range last.Paths {
			if _, ok := byPath[p]; !ok {
				plan.Gone++
			}
		}
	}
	return plan
}

// Paths returns the RelPaths of files.
func Paths(files []model.DataFile) []string {
	out := make([]string, len(files))
	for i, f := range files {
		out[i] = f.RelPath
	}
	return out
}

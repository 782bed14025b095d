package model

import (
	"sort"
	"time"
)

// Manifest is the durable record of one completed backup run.
type Manifest struct {
	Cluster   string    `json:"cluster"`
	Host      string    `json:"host"`
	CreatedAt time.Time `json:"created_at"`
	// Name is the remote file name the manifest was read from or will be
	// written to.
	Name  string   `json:"name,omitempty"`
	Paths []string `json:"paths"`
}

// NewManifest returns a manifest whose paths are sorted and deduplicated.
func NewManifest(cluster, host string, createdAt time.Time, paths []string) *Manifest {
	return &Manifest{
		Cluster:   cluster,
		Host:      host,
		CreatedAt: createdAt,
		Paths:     SortedUnique(paths),
	}
}

// PathSet returns the manifest paths as a set.
func (m *Manifest) PathSet() map[string]struct{} {
	set := make(map[string]struct{}, len(m.Paths))
	for _, p := range m.Paths {
		set[p] = struct{}{}
	}
	return set
}

// SortedUnique returns a sorted copy of paths with duplicates removed.
func SortedUnique(paths []string) []string {
	out := make([]string, 0, len(paths))
	seen := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

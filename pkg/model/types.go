// Package model holds the data types shared by the backup pipeline.
package model

import (
	"path"
	"time"
)

// SnapshotTag identifies one local snapshot operation, as printed by the
// snapshot trigger. It names the directory snapshots/<tag> under each table.
type SnapshotTag string

// String returns the tag as string.
func (t SnapshotTag) String() string {
	return string(t)
}

// DataFile is one on-disk file captured by a snapshot of one table.
type DataFile struct {
	Keyspace string `json:"keyspace"`
	Table    string `json:"table"`
	Name     string `json:"name"`
	// RelPath is keyspace/table/name. It is the file's identity for diffing.
	RelPath string `json:"rel_path"`
	// SourcePath is the absolute local path inside the snapshot directory.
	SourcePath string `json:"source_path"`
	Size       int64  `json:"size"`
}

// Dir returns the keyspace/table directory the file belongs to.
func (f DataFile) Dir() string {
	return path.Dir(f.RelPath)
}

// RelPathOf builds the relative identity path for a file.
func RelPathOf(keyspace, table, name string) string {
	return path.Join(keyspace, table, name)
}

// HashValue is a SHA-256 hash stored as hex string.
type HashValue string

// EntryKind distinguishes files from directories in a remote listing.
type EntryKind string

const (
	KindFile      EntryKind = "FILE"
	KindDirectory EntryKind = "DIRECTORY"
)

// RemoteEntry is one entry of a remote directory listing.
type RemoteEntry struct {
	Name       string    `json:"name"`
	Kind       EntryKind `json:"kind"`
	ModifiedAt time.Time `json:"modified_at"`
	Length     int64     `json:"length"`
}

// Package inventory enumerates the local Cassandra data directory: keyspaces,
// tables and the files a snapshot tag captured under each table.
package inventory

import (
	"errors"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"

	"github.com/rs/zerolog"

	"github.com/cassnap-project/cassnap/pkg/errclass"
	"github.com/cassnap-project/cassnap/pkg/model"
)

// Scanner reads the layout <root>/<keyspace>/<table>/snapshots/<tag>/<file>.
type Scanner struct {
	Root string
	Log  zerolog.Logger
}

// New returns a scanner for root.
func New(root string, log zerolog.Logger) *Scanner {
	return &Scanner{Root: root, Log: log}
}

// Keyspaces lists the directories directly under the data root, sorted.
func (s *Scanner) Keyspaces() ([]string, error) {
	return listDirs(s.Root)
}

// Tables lists keyspace/table identifiers for the given keyspaces, sorted.
func (s *Scanner) Tables(keyspaces []string) ([]string, error) {
	var out []string
	for _, ks := range keyspaces {
		tables, err := listDirs(filepath.Join(s.Root, ks))
		if err != nil {
			return nil, err
		}
		for _, t := range tables {
			out = append(out, path.Join(ks, t))
		}
	}
	sort.Strings(out)
	return out, nil
}

// TableFiles lists a table's live data files, regular files only.
func (s *Scanner) TableFiles(keyspace, table string) ([]string, error) {
	dir := filepath.Join(s.Root, keyspace, table)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errclass.ErrLocalUnreadable.WithMessagef("read table %s/%s: %v", keyspace, table, err)
	}
	var out []string
	for _, e := range entries {
		if e.Type().IsRegular() {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

// SnapshotFiles collects the files under each table's snapshots/<tag>
// directory. Tables without that directory are skipped. Nested directories
// (secondary indexes) are skipped. The result is sorted by RelPath.
func (s *Scanner) SnapshotFiles(tag model.SnapshotTag, tables []string) ([]model.DataFile, error) {
	var out []model.DataFile
	for _, id := range tables {
		ks, table := path.Split(id)
		ks = path.Clean(ks)
		dir := filepath.Join(s.Root, ks, table, "snapshots", tag.String())

		entries, err := os.ReadDir(dir)
		if errors.Is(err, fs.ErrNotExist) {
			s.Log.Debug().Str("table", id).Str("tag", tag.String()).Msg("no snapshot directory, skipping table")
			continue
		}
		if err != nil {
			return nil, errclass.ErrLocalUnreadable.WithMessagef("read snapshot dir %s: %v", dir, err)
		}

		for _, e := range entries {
			if e.IsDir() {
				s.Log.Debug().Str("table", id).Str("dir", e.Name()).Msg("skipping directory inside snapshot")
				continue
			}
			if !e.Type().IsRegular() {
				s.Log.Debug().Str("table", id).Str("file", e.Name()).Msg("skipping non-regular file")
				continue
			}
			info, err := e.Info()
			if err != nil {
				return nil, errclass.ErrLocalUnreadable.WithMessagef("stat %s: %v", filepath.Join(dir, e.Name()), err)
			}
			out = append(out, model.DataFile{
				Keyspace:   ks,
				Table:      table,
				Name:       e.Name(),
				RelPath:    model.RelPathOf(ks, table, e.Name()),
				SourcePath: filepath.Join(dir, e.Name()),
				Size:       info.Size(),
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RelPath < out[j].RelPath })
	return out, nil
}

// Scan lists every table and collects the files of tag.
func (s *Scanner) Scan(tag model.SnapshotTag) ([]model.DataFile, error) {
	keyspaces, err := s.Keyspaces()
	if err != nil {
		return nil, err
	}
	tables, err := s.Tables(keyspaces)
	if err != nil {
		return nil, err
	}
	return s.SnapshotFiles(tag, tables)
}

func listDirs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errclass.ErrLocalUnreadable.WithMessagef("read %s: %v", dir, err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

// Package manifest reads and writes the per-host manifests that record which
// files a completed run uploaded. A manifest is a newline-delimited list of
// keyspace/table/file paths stored at
// <dest>/<metadata_dir>/<cluster>/<host>/cass_snap_YYYY_MM_DD.
package manifest

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/cassnap-project/cassnap/internal/gateway"
	"github.com/cassnap-project/cassnap/pkg/errclass"
	"github.com/cassnap-project/cassnap/pkg/fsutil"
	"github.com/cassnap-project/cassnap/pkg/model"
	"github.com/cassnap-project/cassnap/pkg/pathutil"
)

// FilePrefix starts every manifest file name.
const FilePrefix = "cass_snap_"

// Remote is the part of the gateway client the store reads through.
type Remote interface {
	List(ctx context.Context, p string) ([]model.RemoteEntry, error)
	Open(ctx context.Context, p string) ([]byte, error)
}

// Store locates manifests remotely and stages new ones locally.
type Store struct {
	Remote      Remote
	DestDir     string
	MetadataDir string
	StagingDir  string
}

// MetaRoot returns <dest>/<metadata_dir>.
func (s *Store) MetaRoot() string {
	return path.Join(s.DestDir, s.MetadataDir)
}

// Dir returns the remote directory holding the manifests of cluster/host.
func (s *Store) Dir(cluster, host string) string {
	return path.Join(s.MetaRoot(), cluster, host)
}

// FileName returns the manifest file name for a run on day t.
func FileName(t time.Time) string {
	return FilePrefix + t.Format("2006_01_02")
}

// List returns the manifest files of cluster/host, newest first. A missing
// directory yields no entries.
func (s *Store) List(ctx context.Context, cluster, host string) ([]model.RemoteEntry, error) {
	entries, err := s.Remote.List(ctx, s.Dir(cluster, host))
	if errors.Is(err, gateway.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var files []model.RemoteEntry
	for _, e := range entries {
		if e.Kind == model.KindFile {
			files = append(files, e)
		}
	}
	sort.Slice(files, func(i, j int) bool { return newer(files[i], files[j]) })
	return files, nil
}

// newer orders by modification time, then by name, both descending.
func newer(a, b model.RemoteEntry) bool {
	if !a.ModifiedAt.Equal(b.ModifiedAt) {
		return a.ModifiedAt.After(b.ModifiedAt)
	}
	return a.Name > b.Name
}

// Latest picks the most recently modified file entry; ties go to the
// lexicographically greatest name.
func Latest(entries []model.RemoteEntry) (model.RemoteEntry, bool) {
	var best model.RemoteEntry
	found := false
	for _, e := range entries {
		if e.Kind != model.KindFile {
			continue
		}
		if !found || newer(e, best) {
			best = e
			found = true
		}
	}
	return best, found
}

// FetchLatest returns the latest manifest of cluster/host, or nil when none
// has been written yet.
func (s *Store) FetchLatest(ctx context.Context, cluster, host string) (*model.Manifest, error) {
	entries, err := s.List(ctx, cluster, host)
	if err != nil {
		return nil, err
	}
	latest, ok := Latest(entries)
	if !ok {
		zerolog.Ctx(ctx).Info().Str("cluster", cluster).Str("host", host).Msg("no previous manifest, full backup")
		return nil, nil
	}

	p := path.Join(s.Dir(cluster, host), latest.Name)
	data, err := s.Remote.Open(ctx, p)
	if err != nil {
		return nil, err
	}
	paths, err := Parse(bytes.NewReader(data))
	if err != nil {
		return nil, errclass.ErrListingCorrupt.WithMessagef("manifest %s: %v", p, err)
	}

	zerolog.Ctx(ctx).Info().
		Str("manifest", latest.Name).
		Int("files", len(paths)).
		Time("modified", latest.ModifiedAt).
		Msg("previous manifest loaded")

	return &model.Manifest{
		Cluster:   cluster,
		Host:      host,
		CreatedAt: latest.ModifiedAt,
		Name:      latest.Name,
		Paths:     model.SortedUnique(paths),
	}, nil
}

// Write stages m as <staging_dir>/<name>, replacing any earlier file of the
// same day, and returns the local path.
func (s *Store) Write(m *model.Manifest) (string, error) {
	name := m.Name
	if name == "" {
		name = FileName(m.CreatedAt)
	}
	staged := filepath.Join(s.StagingDir, name)
	if err := fsutil.AtomicWrite(staged, Encode(m.Paths), 0o644); err != nil {
		return "", errclass.ErrLocalUnreadable.WithMessagef("stage manifest: %v", err)
	}
	return staged, nil
}

// Encode renders paths one per line, sorted, with a trailing newline.
func Encode(paths []string) []byte {
	var buf bytes.Buffer
	for _, p := range model.SortedUnique(paths) {
		buf.WriteString(p)
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// Parse reads a newline-delimited path list. Blank lines are ignored and
// surrounding whitespace is trimmed.
func Parse(r io.Reader) ([]string, error) {
	var out []string
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		p, err := pathutil.CleanRelPath(line)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

package backup_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cassnap-project/cassnap/internal/backup"
	"github.com/cassnap-project/cassnap/internal/gateway"
	"github.com/cassnap-project/cassnap/internal/gateway/gatewaytest"
	"github.com/cassnap-project/cassnap/internal/journal"
	"github.com/cassnap-project/cassnap/internal/lock"
	"github.com/cassnap-project/cassnap/internal/trigger"
	"github.com/cassnap-project/cassnap/pkg/config"
	"github.com/cassnap-project/cassnap/pkg/errclass"
	"github.com/cassnap-project/cassnap/pkg/metrics"
	"github.com/cassnap-project/cassnap/pkg/model"
)

// fakeNodetool answers the snapshot command with the next tag and records
// every command it was asked to run.
type fakeNodetool struct {
	mu    sync.Mutex
	tags  []string
	calls [][]string
	err   error
}

func (f *fakeNodetool) Run(_ context.Context, argv []string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, argv)
	if f.err != nil {
		return nil, f.err
	}
	if argv[1] != "snapshot" {
		return nil, nil
	}
	tag := f.tags[0]
	f.tags = f.tags[1:]
	out := fmt.Sprintf("Requested creating snapshot(s) for [all keyspaces] with snapshot name [%s]\nSnapshot directory: %s\n", tag, tag)
	return []byte(out), nil
}

type harness struct {
	srv  *gatewaytest.Server
	env  *backup.Env
	tool *fakeNodetool
	root string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	srv := gatewaytest.New()
	t.Cleanup(srv.Close)

	c, err := gateway.New(gateway.Config{URL: srv.URL, RequestTimeout: 5 * time.Second, ProbeBackoff: time.Millisecond}, gateway.SimpleAuth{User: "cassandra"}, nil)
	require.NoError(t, err)

	root := t.TempDir()
	cfg := config.Default()
	cfg.Cassandra.DataPath = root
	cfg.Gateway.URL = srv.URL
	cfg.Gateway.DestDir = "/backups"
	cfg.StagingDir = t.TempDir()
	cfg.Upload.Backoff = config.Duration(time.Millisecond)
	cfg.Upload.MaxBackoff = config.Duration(2 * time.Millisecond)
	cfg.Metrics.Textfile = filepath.Join(t.TempDir(), "cassnap.prom")

	tool := &fakeNodetool{}
	return &harness{
		srv:  srv,
		tool: tool,
		root: root,
		env: &backup.Env{
			Cluster: "prod",
			Host:    "node1",
			Gateway: c,
			Trigger: &trigger.Trigger{
				SnapshotCommand: cfg.Cassandra.SnapshotCommand,
				ClearCommand:    cfg.Cassandra.ClearCommand,
				Runner:          tool,
			},
			Log:     zerolog.Nop(),
			Metrics: metrics.New("prod", "node1"),
			Config:  cfg,
			Journal: journal.New(filepath.Join(t.TempDir(), "journal.jsonl")),
			Lock:    lock.NewManager(cfg.StagingDir, time.Hour),
		},
	}
}

// snapshot lays out files under <root>/<ks>/<table>/snapshots/<tag>/ and
// queues tag as the next snapshot the trigger reports.
func (h *harness) snapshot(t *testing.T, tag string, rels ...string) {
	t.Helper()
	for _, rel := range rels {
		parts := strings.SplitN(rel, "/", 3)
		p := filepath.Join(h.root, parts[0], parts[1], "snapshots", tag, parts[2])
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte("sstable "+rel), 0o644))
	}
	h.tool.tags = append(h.tool.tags, tag)
}

func day(d int) func() time.Time {
	return func() time.Time { return time.Date(2024, 5, d, 3, 0, 0, 0, time.UTC) }
}

func dataCreates(h *harness) int {
	n := 0
	for _, r := range h.srv.Requests() {
		if strings.HasPrefix(r, "PUT CREATE /backups/prod/") {
			n++
		}
	}
	return n
}

func TestRun_SnapshotCommandSeesRunDate(t *testing.T) {
	h := newHarness(t)
	h.env.Trigger.SnapshotCommand = []string{"nodetool", "snapshot", "-t", "cassnap-{date}"}
	h.snapshot(t, "1715000000000", "ks1/users-1a2b/nb-1-big-Data.db")

	report, err := backup.Run(context.Background(), h.env, backup.Options{Now: day(6)})
	require.NoError(t, err)
	require.False(t, report.Partial())
	require.NotEmpty(t, h.tool.calls)
	assert.Equal(t, []string{"nodetool", "snapshot", "-t", "cassnap-2024-05-06"}, h.tool.calls[0])
	assert.Nil(t, h.env.Trigger.Now, "the shared trigger is left untouched")
}

func TestRun_FirstRunUploadsEverything(t *testing.T) {
	h := newHarness(t)
	h.snapshot(t, "1715000000000", "ks1/users-1a2b/nb-1-big-Data.db", "ks1/users-1a2b/nb-1-big-Index.db", "ks2/events-9f/nb-4-big-Data.db")
	// secondary index directory inside the snapshot is ignored
	require.NoError(t, os.MkdirAll(filepath.Join(h.root, "ks1", "users-1a2b", "snapshots", "1715000000000", ".users_idx"), 0o755))

	report, err := backup.Run(context.Background(), h.env, backup.Options{Now: day(6)})
	require.NoError(t, err)
	assert.False(t, report.Partial())
	assert.Equal(t, model.SnapshotTag("1715000000000"), report.Tag)
	assert.Equal(t, 3, report.Considered)
	assert.Equal(t, []string{
		"ks1/users-1a2b/nb-1-big-Data.db",
		"ks1/users-1a2b/nb-1-big-Index.db",
		"ks2/events-9f/nb-4-big-Data.db",
	}, report.Uploaded)

	data, ok := h.srv.File("/backups/prod/ks2/events-9f/nb-4-big-Data.db")
	require.True(t, ok)
	assert.Equal(t, "sstable ks2/events-9f/nb-4-big-Data.db", string(data))

	m, ok := h.srv.File("/backups/cass_snap_metadata/prod/node1/cass_snap_2024_05_06")
	require.True(t, ok)
	assert.Equal(t, "ks1/users-1a2b/nb-1-big-Data.db\nks1/users-1a2b/nb-1-big-Index.db\nks2/events-9f/nb-4-big-Data.db\n", string(m))

	records, err := h.env.Journal.Records()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, model.EventRunCompleted, records[0].EventType)
	assert.Equal(t, model.SnapshotTag("1715000000000"), records[0].Tag)

	prom, err := os.ReadFile(h.env.Config.Metrics.Textfile)
	require.NoError(t, err)
	assert.Contains(t, string(prom), "cassnap_run_success")
	assert.NoFileExists(t, h.env.Lock.Path(), "run lock released")
}

func TestRun_SecondRunUploadsOnlyNewFiles(t *testing.T) {
	h := newHarness(t)
	h.snapshot(t, "1715000000000", "ks1/users/a-Data.db", "ks1/users/b-Data.db")
	_, err := backup.Run(context.Background(), h.env, backup.Options{Now: day(6)})
	require.NoError(t, err)
	first := dataCreates(h)

	h.snapshot(t, "1715086400000", "ks1/users/a-Data.db", "ks1/users/b-Data.db", "ks1/users/c-Data.db")
	report, err := backup.Run(context.Background(), h.env, backup.Options{Now: day(7)})
	require.NoError(t, err)
	assert.Equal(t, []string{"ks1/users/c-Data.db"}, report.Uploaded)
	assert.Equal(t, 3, report.Considered)
	assert.Equal(t, 2, dataCreates(h)-first, "one file, two phases")

	m, ok := h.srv.File("/backups/cass_snap_metadata/prod/node1/cass_snap_2024_05_07")
	require.True(t, ok)
	assert.Equal(t, "ks1/users/a-Data.db\nks1/users/b-Data.db\nks1/users/c-Data.db\n", string(m))
}

func TestRun_UnchangedSnapshotUploadsNothing(t *testing.T) {
	h := newHarness(t)
	h.snapshot(t, "1715000000000", "ks1/users/a-Data.db")
	_, err := backup.Run(context.Background(), h.env, backup.Options{Now: day(6)})
	require.NoError(t, err)
	before := dataCreates(h)

	report, err := backup.Run(context.Background(), h.env, backup.Options{Now: day(7), Tag: "1715000000000"})
	require.NoError(t, err)
	assert.Empty(t, report.Uploaded)
	assert.Equal(t, before, dataCreates(h))
	_, ok := h.srv.File("/backups/cass_snap_metadata/prod/node1/cass_snap_2024_05_07")
	assert.True(t, ok)
}

func TestRun_FailedFileRetriedNextRun(t *testing.T) {
	h := newHarness(t)
	h.snapshot(t, "1715000000000", "ks1/users/a-Data.db", "ks1/users/b-Data.db")
	h.srv.FailCreate = func(p string) int {
		if p == "/backups/prod/ks1/users/b-Data.db" {
			return 500
		}
		return 0
	}

	report, err := backup.Run(context.Background(), h.env, backup.Options{Now: day(6)})
	require.NoError(t, err)
	assert.True(t, report.Partial())
	assert.Equal(t, []string{"ks1/users/b-Data.db"}, report.FailedPaths())

	records, err := h.env.Journal.Records()
	require.NoError(t, err)
	assert.Equal(t, model.EventRunPartial, records[0].EventType)

	h.srv.FailCreate = nil
	report, err = backup.Run(context.Background(), h.env, backup.Options{Now: day(7), Tag: "1715000000000"})
	require.NoError(t, err)
	assert.Equal(t, []string{"ks1/users/b-Data.db"}, report.Uploaded)
}

func TestRun_DryRunWritesNothing(t *testing.T) {
	h := newHarness(t)
	h.snapshot(t, "1715000000000", "ks1/users/a-Data.db", "ks1/users/b-Data.db")

	report, err := backup.Run(context.Background(), h.env, backup.Options{DryRun: true, Now: day(6)})
	require.NoError(t, err)
	assert.True(t, report.DryRun)
	assert.Equal(t, []string{"ks1/users/a-Data.db", "ks1/users/b-Data.db"}, report.Planned)
	assert.Positive(t, report.PlannedBytes)
	assert.Zero(t, h.srv.CountRequests("MKDIRS", ""))
	assert.Zero(t, h.srv.CountRequests("CREATE", ""))

	records, err := h.env.Journal.Records()
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestRun_ClearAfterSuccess(t *testing.T) {
	h := newHarness(t)
	h.snapshot(t, "1715000000000", "ks1/users/a-Data.db")

	_, err := backup.Run(context.Background(), h.env, backup.Options{Clear: true, Now: day(6)})
	require.NoError(t, err)
	require.Len(t, h.tool.calls, 2)
	assert.Equal(t, []string{"nodetool", "clearsnapshot", "-t", "1715000000000"}, h.tool.calls[1])
}

func TestRun_ClearSkippedOnPartial(t *testing.T) {
	h := newHarness(t)
	h.snapshot(t, "1715000000000", "ks1/users/a-Data.db")
	h.srv.FailCreate = func(string) int { return 403 }

	report, err := backup.Run(context.Background(), h.env, backup.Options{Clear: true, Now: day(6)})
	require.NoError(t, err)
	assert.True(t, report.Partial())
	assert.Len(t, h.tool.calls, 1)
}

func TestRun_TriggerFailureIsFatal(t *testing.T) {
	h := newHarness(t)
	h.tool.err = errors.New("exit status 2: nodetool: Failed to connect")

	_, err := backup.Run(context.Background(), h.env, backup.Options{Now: day(6)})
	assert.ErrorIs(t, err, errclass.ErrTriggerFailed)
	assert.True(t, errclass.IsFatal(err))

	records, jerr := h.env.Journal.Records()
	require.NoError(t, jerr)
	require.Len(t, records, 1)
	assert.Equal(t, model.EventRunFailed, records[0].EventType)
	assert.Equal(t, "E_TRIGGER_FAILED", records[0].Details["code"])
}

func TestRun_InvalidTag(t *testing.T) {
	h := newHarness(t)

	_, err := backup.Run(context.Background(), h.env, backup.Options{Tag: "../etc", Now: day(6)})
	assert.ErrorIs(t, err, errclass.ErrNameInvalid)
}

func TestRun_AuthExhausted(t *testing.T) {
	h := newHarness(t)
	h.srv.User = "hdfs"

	_, err := backup.Run(context.Background(), h.env, backup.Options{Now: day(6)})
	assert.ErrorIs(t, err, errclass.ErrAuthExhausted)
	assert.Equal(t, 3, h.srv.CountRequests("GETHOMEDIRECTORY", ""))
	assert.Empty(t, h.tool.calls, "no snapshot without a gateway session")
}

func TestRun_CorruptManifestListing(t *testing.T) {
	h := newHarness(t)
	h.snapshot(t, "1715000000000", "ks1/users/a-Data.db")
	h.srv.Seed("/backups/cass_snap_metadata/prod/node1/cass_snap_2024_05_05", []byte("ks1/users/a-Data.db\n"), time.Now())
	h.srv.CorruptList = func(p string) bool { return strings.HasSuffix(p, "/node1") }

	_, err := backup.Run(context.Background(), h.env, backup.Options{Now: day(6)})
	assert.ErrorIs(t, err, errclass.ErrListingCorrupt)
	assert.Zero(t, dataCreates(h))
}

func TestRun_RefusesWhileAnotherRunHoldsTheLock(t *testing.T) {
	h := newHarness(t)
	h.snapshot(t, "1715000000000", "ks1/users/a-Data.db")

	_, err := h.env.Lock.Acquire("other-run", "node1")
	require.NoError(t, err)

	_, err = backup.Run(context.Background(), h.env, backup.Options{Now: day(6)})
	require.ErrorIs(t, err, errclass.ErrRunLocked)
	assert.Empty(t, h.tool.calls, "no snapshot taken")
	assert.Empty(t, h.srv.Requests(), "gateway untouched")

	_, err = os.Stat(h.env.Journal.Path())
	assert.True(t, os.IsNotExist(err), "refused run is not journaled")
}

func TestRun_DryRunIgnoresTheLock(t *testing.T) {
	h := newHarness(t)
	h.snapshot(t, "1715000000000", "ks1/users/a-Data.db")

	_, err := h.env.Lock.Acquire("other-run", "node1")
	require.NoError(t, err)

	report, err := backup.Run(context.Background(), h.env, backup.Options{DryRun: true, Now: day(6)})
	require.NoError(t, err)
	assert.Equal(t, []string{"ks1/users/a-Data.db"}, report.Planned)
}

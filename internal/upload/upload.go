// Package upload pushes a diff set to the gateway and records the run's
// manifest. Single-file failures are collected into the report; only an
// authentication failure or cancellation stops the run.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/cassnap-project/cassnap/internal/manifest"
	"github.com/cassnap-project/cassnap/internal/retry"
	"github.com/cassnap-project/cassnap/pkg/errclass"
	"github.com/cassnap-project/cassnap/pkg/metrics"
	"github.com/cassnap-project/cassnap/pkg/model"
	"github.com/cassnap-project/cassnap/pkg/progress"
)

// Gateway is the write side of the gateway client.
type Gateway interface {
	Mkdirs(ctx context.Context, p string) error
	Create(ctx context.Context, p string, body io.ReadSeeker, size int64) error
}

// ManifestBuilder returns the manifest to record given this run's failures.
type ManifestBuilder func(failed map[string]model.UploadResult) *model.Manifest

// CurrentMinusFailed records every current path except those that failed
// this run, so the next run picks them up again.
func CurrentMinusFailed(cluster, host string, at time.Time, current []string) ManifestBuilder {
	return func(failed map[string]model.UploadResult) *model.Manifest {
		keep := make([]string, 0, len(current))
		for _, p := range current {
			if _, bad := failed[p]; !bad {
				keep = append(keep, p)
			}
		}
		return model.NewManifest(cluster, host, at, keep)
	}
}

// Orchestrator uploads files for one cluster/host.
type Orchestrator struct {
	Gateway Gateway
	Store   *manifest.Store
	Cluster string
	Host    string
	// Workers bounds concurrent uploads. Values below 1 mean 1.
	Workers  int
	Policy   retry.Policy
	Metrics  *metrics.RunMetrics
	Progress *progress.Bar
	Log      zerolog.Logger

	mu     sync.Mutex
	report *model.Report
}

// remotePath maps a keyspace/table/file path under <dest>/<cluster>.
func (o *Orchestrator) remotePath(rel string) string {
	return path.Join(o.Store.DestDir, o.Cluster, rel)
}

// Run uploads files in RelPath order and then the manifest produced by
// build. The returned report is complete for everything attempted. A non-nil
// error is fatal: authentication failed or ctx was cancelled.
func (o *Orchestrator) Run(ctx context.Context, files []model.DataFile, build ManifestBuilder) (*model.Report, error) {
	ctx = o.Log.WithContext(ctx)
	o.report = &model.Report{
		Cluster:  o.Cluster,
		Host:     o.Host,
		Uploaded: []string{},
		Failed:   map[string]model.UploadResult{},
	}
	report := o.report

	files = append([]model.DataFile(nil), files...)
	sort.Slice(files, func(i, j int) bool { return files[i].RelPath < files[j].RelPath })

	for _, dir := range []string{path.Join(o.Store.DestDir, o.Cluster), o.Store.MetaRoot()} {
		if err := o.mkdirs(ctx, dir); err != nil {
			if fatal(err) {
				return report, err
			}
			report.RunLevelErrs = append(report.RunLevelErrs, fmt.Sprintf("mkdirs %s: %v", dir, err))
		}
	}

	ready, err := o.parents(ctx, files)
	if err != nil {
		return report, err
	}

	if err := o.uploadAll(ctx, files, ready); err != nil {
		return report, err
	}
	sort.Strings(report.Uploaded)
	o.Progress.Done()

	if err := o.uploadManifest(ctx, build(report.Failed)); err != nil {
		return report, err
	}
	return report, ctx.Err()
}

// parents creates each distinct keyspace/table directory once. Files whose
// directory could not be created are recorded as failed and left out of the
// returned set.
func (o *Orchestrator) parents(ctx context.Context, files []model.DataFile) (map[string]bool, error) {
	ready := map[string]bool{}
	for _, f := range files {
		dir := f.Dir()
		if _, done := ready[dir]; done {
			continue
		}
		err := o.mkdirs(ctx, o.remotePath(dir))
		if err != nil && fatal(err) {
			return nil, err
		}
		if err != nil {
			o.Log.Error().Err(err).Str("path", dir).Msg("parent directory unavailable")
		}
		ready[dir] = err == nil
	}
	for _, f := range files {
		if !ready[f.Dir()] {
			o.record(model.UploadResult{
				Path:   f.RelPath,
				Reason: model.ReasonParentUnavailable,
				Err:    fmt.Sprintf("directory %s could not be created", f.Dir()),
			}, 0)
		}
	}
	return ready, nil
}

func (o *Orchestrator) uploadAll(ctx context.Context, files []model.DataFile, ready map[string]bool) error {
	workers := o.Workers
	if workers < 1 {
		workers = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for _, f := range files {
		if !ready[f.Dir()] {
			continue
		}
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			start := time.Now()
			res, err := o.uploadFile(gctx, f)
			o.record(res, time.Since(start))
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// uploadFile returns a non-nil error only when the whole run must stop.
func (o *Orchestrator) uploadFile(ctx context.Context, f model.DataFile) (model.UploadResult, error) {
	res := model.UploadResult{Path: f.RelPath}

	fh, err := os.Open(f.SourcePath)
	if err != nil {
		res.Reason = model.ReasonUnreadableSource
		res.Err = err.Error()
		return res, nil
	}
	defer fh.Close()
	st, err := fh.Stat()
	if err != nil {
		res.Reason = model.ReasonUnreadableSource
		res.Err = err.Error()
		return res, nil
	}

	remote := o.remotePath(f.RelPath)
	attempts, err := retry.Do(ctx, o.Policy, "create", func(ctx context.Context, _ int) error {
		return o.Gateway.Create(ctx, remote, fh, st.Size())
	})
	res.Attempts = attempts
	if err == nil {
		res.OK = true
		res.Bytes = st.Size()
		o.Log.Debug().Str("path", f.RelPath).Int64("bytes", res.Bytes).Int("attempt", attempts).Msg("uploaded")
		return res, nil
	}

	res.Reason, res.Err = o.classify(err, attempts)
	o.Log.Error().Err(err).Str("path", f.RelPath).Int("attempt", attempts).Str("reason", string(res.Reason)).Msg("upload failed")
	if fatal(err) {
		return res, err
	}
	return res, nil
}

func (o *Orchestrator) classify(err error, attempts int) (model.FailureReason, string) {
	limit := o.Policy.Attempts
	if limit < 1 {
		limit = 1
	}
	switch {
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return model.ReasonTransport, err.Error()
	case attempts >= limit && !retry.IsPermanent(err):
		return model.ReasonRetriesExhausted,
			errclass.ErrRetriesExhausted.WithMessagef("%d attempts: %v", attempts, err).Error()
	case errors.Is(err, errclass.ErrTransport):
		return model.ReasonTransport, err.Error()
	default:
		return model.ReasonGatewayRejected, err.Error()
	}
}

func (o *Orchestrator) record(res model.UploadResult, d time.Duration) {
	o.mu.Lock()
	if res.OK {
		o.report.Uploaded = append(o.report.Uploaded, res.Path)
		o.report.Bytes += res.Bytes
	} else {
		o.report.Failed[res.Path] = res
	}
	o.mu.Unlock()

	o.Metrics.ObserveUpload(res.OK, string(res.Reason), res.Bytes, d)
	o.Progress.Advance(res.OK, res.Bytes, res.Path)
}

func (o *Orchestrator) mkdirs(ctx context.Context, dir string) error {
	_, err := retry.Do(ctx, o.Policy, "mkdirs", func(ctx context.Context, _ int) error {
		return o.Gateway.Mkdirs(ctx, dir)
	})
	return err
}

// uploadManifest stages m locally and uploads it to the host's metadata
// directory. Failures land in report.ManifestErr; only fatal ones are
// returned.
func (o *Orchestrator) uploadManifest(ctx context.Context, m *model.Manifest) error {
	report := o.report
	var fatalErr error
	fail := func(err error) {
		report.ManifestErr = err.Error()
		o.Log.Error().Err(err).Msg("manifest not recorded")
		if fatal(err) {
			fatalErr = err
		}
	}

	staged, err := o.Store.Write(m)
	if err != nil {
		report.ManifestErr = err.Error()
		o.Log.Error().Err(err).Msg("manifest not staged")
		return nil
	}
	dir := o.Store.Dir(o.Cluster, o.Host)
	if err := o.mkdirs(ctx, dir); err != nil {
		fail(fmt.Errorf("mkdirs %s: %w", dir, err))
		return fatalErr
	}

	fh, err := os.Open(staged)
	if err != nil {
		fail(err)
		return fatalErr
	}
	defer fh.Close()
	st, err := fh.Stat()
	if err != nil {
		fail(err)
		return fatalErr
	}

	remote := path.Join(dir, path.Base(staged))
	if _, err := retry.Do(ctx, o.Policy, "create", func(ctx context.Context, _ int) error {
		return o.Gateway.Create(ctx, remote, fh, st.Size())
	}); err != nil {
		fail(fmt.Errorf("upload %s: %w", remote, err))
		return fatalErr
	}
	report.Manifest = remote
	o.Log.Info().Str("path", remote).Int("files", len(m.Paths)).Msg("manifest recorded")
	return nil
}

func fatal(err error) bool {
	return errclass.IsFatal(err) || errors.Is(err, context.Canceled)
}

package backup

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"github.com/cassnap-project/cassnap/internal/diff"
	"github.com/cassnap-project/cassnap/internal/inventory"
	"github.com/cassnap-project/cassnap/internal/journal"
	"github.com/cassnap-project/cassnap/internal/upload"
	"github.com/cassnap-project/cassnap/pkg/errclass"
	"github.com/cassnap-project/cassnap/pkg/model"
	"github.com/cassnap-project/cassnap/pkg/pathutil"
	"github.com/cassnap-project/cassnap/pkg/progress"
	"github.com/cassnap-project/cassnap/pkg/webhook"
)

// Options tunes one run.
type Options struct {
	// DryRun stops after the diff and reports the plan. Nothing is written
	// remotely.
	DryRun bool
	// Tag reuses an existing local snapshot instead of taking a new one.
	Tag model.SnapshotTag
	// Clear removes the local snapshot after a fully successful run.
	Clear bool
	// Progress, when set, receives a progress line per uploaded file.
	Progress io.Writer
	// Now stamps the manifest. Defaults to time.Now.
	Now func() time.Time
}

// Run performs one backup. The report is always non-nil. A non-nil error is
// fatal; a partial failure is reported through report.Partial() instead.
func Run(ctx context.Context, env *Env, opts Options) (*model.Report, error) {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	start := now()
	runID := journal.NewRunID()
	log := env.Log.With().Str("run_id", runID).Logger()
	ctx = log.WithContext(ctx)

	report := &model.Report{Cluster: env.Cluster, Host: env.Host, DryRun: opts.DryRun, Tag: opts.Tag}
	if !opts.DryRun && env.Lock != nil {
		if _, err := env.Lock.Acquire(runID, env.Host); err != nil {
			return report, err
		}
		defer func() {
			if err := env.Lock.Release(runID); err != nil {
				log.Warn().Err(err).Str("path", env.Lock.Path()).Msg("release run lock")
			}
		}()
	}
	report, err := run(ctx, env, opts, report, start)

	if !opts.DryRun {
		finish(ctx, env, runID, report, err, now().Sub(start), now())
	}
	return report, err
}

func run(ctx context.Context, env *Env, opts Options, report *model.Report, start time.Time) (*model.Report, error) {
	log := zerolog.Ctx(ctx)
	// command placeholders carry the same date as the manifest
	trig := *env.Trigger
	trig.Now = func() time.Time { return start }

	home, err := env.Gateway.Connect(ctx)
	if err != nil {
		return report, err
	}
	log.Info().Str("home", home).Msg("gateway session established")

	tag := opts.Tag
	if tag != "" {
		if err := pathutil.ValidateTag(tag.String()); err != nil {
			return report, err
		}
		log.Info().Str("tag", tag.String()).Msg("reusing local snapshot")
	} else {
		tag, err = trig.Snapshot(ctx)
		if err != nil {
			return report, err
		}
	}
	report.Tag = tag

	files, err := inventory.New(env.Config.Cassandra.DataPath, *log).Scan(tag)
	if err != nil {
		return report, err
	}
	report.Considered = len(files)

	last, err := env.Store().FetchLatest(ctx, env.Cluster, env.Host)
	if err != nil {
		return report, err
	}

	plan := diff.Files(files, last)
	env.Metrics.SetPlan(len(files), len(plan.Upload))
	log.Info().
		Str("tag", tag.String()).
		Int("files", len(files)).
		Int("pending", len(plan.Upload)).
		Int("unchanged", plan.Unchanged).
		Int("gone", plan.Gone).
		Str("bytes", humanize.IBytes(uint64(plan.Bytes))).
		Msg("diff computed")

	if opts.DryRun {
		report.Planned = diff.Paths(plan.Upload)
		report.PlannedBytes = plan.Bytes
		report.Uploaded = []string{}
		return report, nil
	}

	var bar *progress.Bar
	if opts.Progress != nil {
		bar = progress.New(opts.Progress, "upload", len(plan.Upload), plan.Bytes, true)
	}
	orch := &upload.Orchestrator{
		Gateway:  env.Gateway,
		Store:    env.Store(),
		Cluster:  env.Cluster,
		Host:     env.Host,
		Workers:  env.Config.Upload.Workers,
		Policy:   env.RetryPolicy(),
		Metrics:  env.Metrics,
		Progress: bar,
		Log:      *log,
	}
	build := upload.CurrentMinusFailed(env.Cluster, env.Host, start, diff.Paths(files))
	uploaded, err := orch.Run(ctx, plan.Upload, build)
	uploaded.Tag = tag
	uploaded.Considered = report.Considered
	report = uploaded
	if err != nil {
		return report, err
	}

	if opts.Clear {
		if report.Partial() {
			log.Warn().Str("tag", tag.String()).Msg("run incomplete, keeping local snapshot")
		} else if err := trig.Clear(ctx, tag); err != nil {
			report.RunLevelErrs = append(report.RunLevelErrs, err.Error())
			log.Error().Err(err).Str("tag", tag.String()).Msg("clear snapshot failed")
		}
	}

	log.Info().
		Int("uploaded", len(report.Uploaded)).
		Int("failed", len(report.Failed)).
		Str("bytes", humanize.IBytes(uint64(report.Bytes))).
		Str("manifest", report.Manifest).
		Msg("backup finished")
	return report, nil
}

// finish records the outcome in metrics, the journal and the webhooks.
// None of these can change the run's result.
func finish(ctx context.Context, env *Env, runID string, report *model.Report, runErr error, elapsed time.Duration, end time.Time) {
	log := zerolog.Ctx(ctx)
	success := runErr == nil && !report.Partial()

	env.Metrics.Finish(success, elapsed, end)
	if path := env.Config.Metrics.Textfile; path != "" {
		if err := env.Metrics.WriteTextfile(path); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("write metrics textfile")
		}
	}

	eventType := model.EventRunCompleted
	hook := webhook.EventBackupCompleted
	errText := ""
	switch {
	case runErr != nil:
		eventType = model.EventRunFailed
		hook = webhook.EventBackupFailed
		errText = runErr.Error()
	case report.Partial():
		eventType = model.EventRunPartial
		hook = webhook.EventBackupFailed
		errText = fmt.Sprintf("%d files failed", len(report.Failed))
		if report.ManifestErr != "" {
			errText += "; manifest: " + report.ManifestErr
		}
	}

	details := map[string]any{
		"considered":  report.Considered,
		"uploaded":    len(report.Uploaded),
		"failed":      len(report.Failed),
		"bytes":       report.Bytes,
		"duration_ms": elapsed.Milliseconds(),
	}
	if report.Manifest != "" {
		details["manifest"] = report.Manifest
	}
	if errText != "" {
		details["error"] = errText
		if code := errclass.Code(runErr); code != "" {
			details["code"] = code
		}
	}

	if env.Journal != nil {
		if _, err := env.Journal.Append(model.JournalRecord{
			Timestamp: end,
			RunID:     runID,
			EventType: eventType,
			Tag:       report.Tag,
			Cluster:   env.Cluster,
			Host:      env.Host,
			Details:   details,
		}); err != nil {
			log.Warn().Err(err).Str("path", env.Journal.Path()).Msg("append run journal")
		}
	}

	if env.Webhooks != nil {
		if err := env.Webhooks.Send(ctx, webhook.Event{
			Event:     hook,
			Timestamp: end.UTC().Format(time.RFC3339),
			RunID:     runID,
			Cluster:   env.Cluster,
			Host:      env.Host,
			Tag:       report.Tag.String(),
			Error:     errText,
			Metadata:  details,
		}); err != nil {
			log.Warn().Err(err).Msg("webhook delivery failed")
		}
	}
}

package cli

import (
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/cassnap-project/cassnap/internal/backup"
	"github.com/cassnap-project/cassnap/pkg/color"
	"github.com/cassnap-project/cassnap/pkg/model"
	"github.com/cassnap-project/cassnap/pkg/progress"
)

var (
	snapshotDryRun   bool
	snapshotTag      string
	snapshotClear    bool
	snapshotProgress bool
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Snapshot the node and upload new sstables",
	Long: `Take a local snapshot, compare it with the last manifest recorded for this
cluster and host, upload the new files and record a new manifest.

Exit status is 0 when everything uploaded, 2 when some files or the manifest
failed (they are retried by the next run) and 1 on a fatal error.

Examples:
  cassnap snapshot
  cassnap snapshot --dry-run
  cassnap snapshot --tag 1715000000000 --clear`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadValidConfig()
		if err != nil {
			return err
		}
		log, closer, err := newLogger(cfg)
		if err != nil {
			return err
		}
		defer closer.Close()

		env, err := backup.NewEnv(cfg, log)
		if err != nil {
			return err
		}
		defer env.Close()

		opts := backup.Options{
			DryRun: snapshotDryRun,
			Tag:    model.SnapshotTag(snapshotTag),
			Clear:  snapshotClear,
		}
		if snapshotProgress && !jsonOutput && progress.IsTerminal(os.Stderr) {
			opts.Progress = os.Stderr
		}

		report, err := backup.Run(cmd.Context(), env, opts)
		if err != nil {
			return err
		}

		if jsonOutput {
			if err := outputJSON(cmd, report); err != nil {
				return err
			}
		} else {
			printReport(cmd, report)
		}
		if report.Partial() {
			return errPartial
		}
		return nil
	},
}

func printReport(cmd *cobra.Command, r *model.Report) {
	printf(cmd, "%s %s (%s/%s)\n", color.Header("Snapshot"), r.Tag, r.Cluster, r.Host)
	printf(cmd, "  considered: %d files\n", r.Considered)

	if r.DryRun {
		printf(cmd, "  would upload: %d files, %s\n", len(r.Planned), humanize.IBytes(uint64(r.PlannedBytes)))
		for _, p := range r.Planned {
			printf(cmd, "    %s\n", color.Path(p))
		}
		return
	}

	printf(cmd, "  uploaded:   %d files, %s\n", len(r.Uploaded), humanize.IBytes(uint64(r.Bytes)))
	if len(r.Failed) > 0 {
		printf(cmd, "  %s\n", color.Errorf("failed:     %d files", len(r.Failed)))
		for _, p := range r.FailedPaths() {
			res := r.Failed[p]
			printf(cmd, "    %s  %s  %s\n", color.Path(p), res.Reason, color.Dim(res.Err))
		}
	}
	for _, e := range r.RunLevelErrs {
		printf(cmd, "  %s\n", color.Warning(e))
	}
	switch {
	case r.ManifestErr != "":
		printf(cmd, "  %s\n", color.Errorf("manifest:   not recorded: %s", r.ManifestErr))
	case r.Manifest != "":
		printf(cmd, "  manifest:   %s\n", color.Path(r.Manifest))
	}
	if !r.Partial() {
		printf(cmd, "%s\n", color.Success("Backup complete."))
	}
}

func init() {
	snapshotCmd.Flags().BoolVar(&snapshotDryRun, "dry-run", false, "compute and print the upload plan without writing anything remotely")
	snapshotCmd.Flags().StringVar(&snapshotTag, "tag", "", "reuse an existing local snapshot instead of taking a new one")
	snapshotCmd.Flags().BoolVar(&snapshotClear, "clear", false, "clear the local snapshot after a fully successful run")
	snapshotCmd.Flags().BoolVar(&snapshotProgress, "progress", false, "show upload progress on a terminal")
	rootCmd.AddCommand(snapshotCmd)
}

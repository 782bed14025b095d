package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/cassnap-project/cassnap/internal/journal"
	"github.com/cassnap-project/cassnap/pkg/color"
	"github.com/cassnap-project/cassnap/pkg/model"
)

var (
	historyLimit  int
	historyVerify bool
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show the local run journal",
	Long: `Show the runs recorded in the local journal, newest first.

Examples:
  cassnap history            # Show every run
  cassnap history -n 10      # Show the last 10 runs
  cassnap history --verify   # Check the journal hash chain`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		j := journal.New(cfg.Journal.Path)

		if historyVerify {
			n, err := j.Verify()
			if jsonOutput {
				out := map[string]any{"valid": err == nil, "records": n}
				if err != nil {
					out["error"] = err.Error()
				}
				if jerr := outputJSON(cmd, out); jerr != nil {
					return jerr
				}
				return err
			}
			if err != nil {
				return err
			}
			printf(cmd, "%s\n", color.Successf("Journal intact: %d records.", n))
			return nil
		}

		records, err := j.Records()
		if err != nil {
			return err
		}
		// newest first
		for i, k := 0, len(records)-1; i < k; i, k = i+1, k-1 {
			records[i], records[k] = records[k], records[i]
		}
		if historyLimit > 0 && len(records) > historyLimit {
			records = records[:historyLimit]
		}

		if jsonOutput {
			if records == nil {
				records = []model.JournalRecord{}
			}
			return outputJSON(cmd, records)
		}
		if len(records) == 0 {
			printf(cmd, "No runs recorded in %s.\n", color.Path(j.Path()))
			return nil
		}
		for _, r := range records {
			printf(cmd, "%s  %s  %-13s  %s\n",
				color.Dim(r.Timestamp.Local().Format(time.RFC3339)),
				shortID(r.RunID),
				eventLabel(r.EventType),
				summary(r))
		}
		return nil
	},
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func eventLabel(t model.JournalEventType) string {
	switch t {
	case model.EventRunCompleted:
		return color.Success(string(t))
	case model.EventRunPartial:
		return color.Warning(string(t))
	default:
		return color.Error(string(t))
	}
}

func summary(r model.JournalRecord) string {
	s := fmt.Sprintf("tag=%s uploaded=%v failed=%v", r.Tag, r.Details["uploaded"], r.Details["failed"])
	if b, ok := r.Details["bytes"].(json.Number); ok {
		if n, err := b.Int64(); err == nil {
			s += " " + humanize.IBytes(uint64(n))
		}
	}
	if e, ok := r.Details["error"].(string); ok {
		s += " " + color.Dim(e)
	}
	return s
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 0, "show at most N runs")
	historyCmd.Flags().BoolVar(&historyVerify, "verify", false, "verify the journal hash chain")
	rootCmd.AddCommand(historyCmd)
}

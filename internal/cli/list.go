package cli

import (
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/cassnap-project/cassnap/internal/backup"
	"github.com/cassnap-project/cassnap/pkg/color"
	"github.com/cassnap-project/cassnap/pkg/model"
)

type manifestEntry struct {
	model.RemoteEntry
	Latest bool `json:"latest"`
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the manifests recorded for this node",
	Long: `List the manifests recorded on the gateway for this cluster and host,
newest first. The manifest the next run diffs against is marked latest.`,
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

		ctx := log.WithContext(cmd.Context())
		entries, err := env.Store().List(ctx, env.Cluster, env.Host)
		if err != nil {
			return err
		}

		out := make([]manifestEntry, len(entries))
		for i, e := range entries {
			out[i] = manifestEntry{RemoteEntry: e, Latest: i == 0}
		}
		if jsonOutput {
			return outputJSON(cmd, out)
		}

		dir := env.Store().Dir(env.Cluster, env.Host)
		if len(out) == 0 {
			printf(cmd, "No manifests under %s; the next run uploads everything.\n", color.Path(dir))
			return nil
		}
		printf(cmd, "%s\n", color.Header(dir))
		for _, e := range out {
			marker := ""
			if e.Latest {
				marker = color.Success(" (latest)")
			}
			printf(cmd, "  %-24s  %s  %8s%s\n", e.Name, e.ModifiedAt.Local().Format(time.RFC3339), humanize.IBytes(uint64(e.Length)), marker)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
}

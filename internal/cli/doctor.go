package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cassnap-project/cassnap/internal/backup"
	"github.com/cassnap-project/cassnap/internal/doctor"
	"github.com/cassnap-project/cassnap/pkg/color"
)

var doctorOffline bool

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check that this node can run backups",
	Long: `Check that this node can run backups.

Verifies the configuration, the keytab and krb5.conf, the Cassandra data
directory and cassandra.yaml, the staging directory and the run journal,
then probes the gateway with the configured credentials. Use --offline to
skip the gateway probe.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		var probe doctor.ProbeFunc
		if !doctorOffline && cfg.Validate() == nil {
			auth, err := backup.NewAuthenticator(cfg)
			if err != nil {
				return err
			}
			gw, err := backup.NewGatewayClient(cfg, auth, nil)
			if err != nil {
				return err
			}
			defer gw.Close()
			probe = gw.Probe
		}

		result := doctor.NewDoctor(cfg, probe).Check(cmd.Context())

		if jsonOutput {
			if err := outputJSON(cmd, result); err != nil {
				return err
			}
		} else if len(result.Findings) == 0 {
			printf(cmd, "%s\n", color.Success("Node is ready for backups."))
		} else {
			printf(cmd, "Findings (%d):\n", len(result.Findings))
			for _, f := range result.Findings {
				line := fmt.Sprintf("[%s] %s: %s", f.Severity, f.Category, f.Description)
				if f.Severity == "warning" {
					line = color.Warning(line)
				} else {
					line = color.Error(line)
				}
				printf(cmd, "  %s\n", line)
			}
		}

		if !result.Healthy {
			return errors.New("node is not ready for backups")
		}
		return nil
	},
}

func init() {
	doctorCmd.Flags().BoolVar(&doctorOffline, "offline", false, "skip the gateway probe")
	rootCmd.AddCommand(doctorCmd)
}

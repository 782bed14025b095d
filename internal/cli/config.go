package cli

import (
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cassnap-project/cassnap/pkg/color"
	"github.com/cassnap-project/cassnap/pkg/config"
)

var configCmd = &cobra.Command{
	Use:   "config <command>",
	Short: "Manage cassnap configuration",
	Long: `Manage the cassnap configuration file (--config, default ~/.cassnap.yaml).

Keys are dotted paths into the YAML document, for example:
  gateway.url              - WebHDFS/HttpFS base URL
  gateway.dest_dir         - remote backup root
  auth.mode                - kerberos or simple
  auth.keytab              - keytab used for SPNEGO
  upload.workers           - concurrent uploads
  cassandra.cluster_name   - overrides cassandra.yaml

Available commands:
  show              - Show current configuration
  set <key> <value> - Set a configuration value
  get <key>         - Get a configuration value`,
	DisableFlagsInUseLine: true,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Long:  "Show the effective configuration: the config file on top of the defaults.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if jsonOutput {
			return outputJSON(cmd, cfg)
		}

		data, err := yaml.Marshal(cfg)
		if err != nil {
			return err
		}
		printf(cmd, "%s\n", color.Dim("# cassnap configuration"))
		printf(cmd, "%s\n\n", color.Dim("# Location: "+configPath))
		printf(cmd, "%s", data)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: `Set a configuration value in the config file.

Examples:
  cassnap config set gateway.url https://httpfs.example.com:14000
  cassnap config set upload.workers 4
  cassnap config set gateway.nameservers "[10.0.0.53, 10.0.1.53]"
  cassnap config set gateway.legacy_500_redirect true`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		key, value := args[0], args[1]
		if err := cfg.Set(key, value); err != nil {
			return err
		}
		if err := config.Save(configPath, cfg); err != nil {
			return err
		}
		printf(cmd, "Set %s = %s\n", key, value)
		return nil
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a configuration value",
	Long: `Get a configuration value.

Examples:
  cassnap config get gateway.url
  cassnap config get upload`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		key := args[0]
		value, err := cfg.Get(key)
		if err != nil {
			return err
		}
		value = strings.TrimRight(value, "\n")
		if value == "" || value == `""` {
			printf(cmd, "%s (not set)\n", key)
			return nil
		}
		printf(cmd, "%s\n", value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configGetCmd)
	rootCmd.AddCommand(configCmd)
}

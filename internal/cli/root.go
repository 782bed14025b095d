// Package cli implements the cassnap command line.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/cassnap-project/cassnap/pkg/color"
	"github.com/cassnap-project/cassnap/pkg/config"
	"github.com/cassnap-project/cassnap/pkg/errclass"
	"github.com/cassnap-project/cassnap/pkg/logging"
)

// Exit codes.
const (
	ExitOK      = 0
	ExitFatal   = 1
	ExitPartial = 2
)

// errPartial marks a run that finished with some files or the manifest
// failed.
var errPartial = errors.New("backup incomplete")

var (
	jsonOutput bool
	noColor    bool
	configPath string
	logLevel   string

	rootCmd = &cobra.Command{
		Use:   "cassnap",
		Short: "cassnap - incremental Cassandra backups to HDFS",
		Long: `cassnap - incremental Cassandra backups to HDFS.

It snapshots the local Cassandra node and uploads the sstables that are new
since the last recorded manifest through a WebHDFS/HttpFS gateway,
authenticating with Kerberos (SPNEGO).`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			color.Init(noColor, os.Stdout)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath(), "config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
}

// Execute runs the root command and returns the process exit code.
func Execute(ctx context.Context) int {
	err := rootCmd.ExecuteContext(ctx)
	return exitCode(err, os.Stderr)
}

func exitCode(err error, stderr io.Writer) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, errPartial):
		return ExitPartial
	default:
		prefix := "cassnap: "
		if color.Enabled() {
			prefix = color.Error("cassnap:") + " "
		}
		fmt.Fprintln(stderr, prefix+err.Error())
		return ExitFatal
	}
}

// loadConfig reads --config and applies flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return cfg, nil
}

// loadValidConfig is loadConfig followed by Validate.
func loadValidConfig() (*config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (zerolog.Logger, io.Closer, error) {
	log, closer, err := logging.New(cfg.Logging, os.Stderr)
	if err != nil {
		return zerolog.Nop(), nil, errclass.ErrConfigInvalid.WithMessagef("logging: %v", err)
	}
	return log, closer, nil
}

// outputJSON writes v as indented JSON to the command's output.
func outputJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printf(cmd *cobra.Command, format string, args ...any) {
	fmt.Fprintf(cmd.OutOrStdout(), format, args...)
}

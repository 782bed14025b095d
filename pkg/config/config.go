// Package config provides configuration file support for cassnap.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cassnap-project/cassnap/pkg/errclass"
	"github.com/cassnap-project/cassnap/pkg/fsutil"
	"github.com/cassnap-project/cassnap/pkg/webhook"
)

// DefaultFileName is the config file looked up in the user's home directory.
const DefaultFileName = ".cassnap.yaml"

// Config represents the cassnap configuration.
type Config struct {
	Cassandra  CassandraConfig `yaml:"cassandra"`
	Gateway    GatewayConfig   `yaml:"gateway"`
	Auth       AuthConfig      `yaml:"auth"`
	Upload     UploadConfig    `yaml:"upload"`
	StagingDir string          `yaml:"staging_dir"`
	// LockTTL bounds how long a run lock is honoured before a later run may
	// take it over.
	LockTTL Duration `yaml:"lock_ttl"`
	// Host overrides the hostname used in the remote manifest layout.
	Host     string         `yaml:"host"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Journal  JournalConfig  `yaml:"journal"`
	Webhooks webhook.Config `yaml:"webhooks"`
}

// CassandraConfig locates the node's data and how to snapshot it.
type CassandraConfig struct {
	DataPath   string `yaml:"data_path"`
	ConfigPath string `yaml:"config_path"`
	// ClusterName wins over the value discovered from cassandra.yaml.
	ClusterName string `yaml:"cluster_name"`
	// Both commands may use {cluster}, {host}, {date} and {unix}; the clear
	// command also {tag}.
	SnapshotCommand []string `yaml:"snapshot_command"`
	ClearCommand    []string `yaml:"clear_command"`
}

// GatewayConfig addresses the WebHDFS/HttpFS gateway.
type GatewayConfig struct {
	URL               string   `yaml:"url"`
	DestDir           string   `yaml:"dest_dir"`
	MetadataDir       string   `yaml:"metadata_dir"`
	RequestTimeout    Duration `yaml:"request_timeout"`
	Nameservers       []string `yaml:"nameservers"`
	Legacy500Redirect bool     `yaml:"legacy_500_redirect"`
}

// AuthConfig selects how requests are authenticated.
type AuthConfig struct {
	Mode     string `yaml:"mode"` // kerberos, simple
	Username string `yaml:"username"`
	Realm    string `yaml:"realm"`
	Keytab   string `yaml:"keytab"`
	Krb5Conf string `yaml:"krb5_conf"`
	// SPN defaults to HTTP/<gateway host>.
	SPN string `yaml:"spn"`
}

// UploadConfig bounds upload concurrency and retries.
type UploadConfig struct {
	Workers    int      `yaml:"workers"`
	Attempts   int      `yaml:"attempts"`
	Backoff    Duration `yaml:"backoff"`
	MaxBackoff Duration `yaml:"max_backoff"`
}

// LoggingConfig configures logging behavior.
type LoggingConfig struct {
	Level   string `yaml:"level"`
	Format  string `yaml:"format"` // json, text
	File    string `yaml:"file"`
	Console bool   `yaml:"console"`
}

// MetricsConfig configures the end-of-run metrics export.
type MetricsConfig struct {
	Textfile string `yaml:"textfile"`
}

// JournalConfig locates the local run journal.
type JournalConfig struct {
	Path string `yaml:"path"`
}

// Duration is a time.Duration written as a Go duration string in YAML.
type Duration time.Duration

// UnmarshalYAML parses values such as "5m" or "500ms".
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML writes the duration string form.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Cassandra: CassandraConfig{
			DataPath:        "/var/lib/cassandra/data",
			ConfigPath:      "/etc/cassandra/cassandra.yaml",
			SnapshotCommand: []string{"nodetool", "snapshot"},
			ClearCommand:    []string{"nodetool", "clearsnapshot", "-t", "{tag}"},
		},
		Gateway: GatewayConfig{
			DestDir:        "/backups/cassandra",
			MetadataDir:    "cass_snap_metadata",
			RequestTimeout: Duration(5 * time.Minute),
		},
		Auth: AuthConfig{
			Mode:     "kerberos",
			Krb5Conf: "/etc/krb5.conf",
		},
		Upload: UploadConfig{
			Workers:    1,
			Attempts:   3,
			Backoff:    Duration(500 * time.Millisecond),
			MaxBackoff: Duration(5 * time.Second),
		},
		StagingDir: os.TempDir(),
		LockTTL:    Duration(12 * time.Hour),
		Logging: LoggingConfig{
			Level:   "info",
			Format:  "text",
			Console: true,
		},
		Journal: JournalConfig{
			Path: filepath.Join(homeDir(), ".cassnap", "journal.jsonl"),
		},
		Webhooks: *webhook.DefaultConfig(),
	}
}

// DefaultPath returns ~/.cassnap.yaml.
func DefaultPath() string {
	return filepath.Join(homeDir(), DefaultFileName)
}

func homeDir() string {
	if h, err := os.UserHomeDir(); err == nil {
		return h
	}
	return "."
}

// Load reads the configuration at path on top of the defaults.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errclass.ErrConfigInvalid.WithMessagef("parse %s: %v", path, err)
	}

	return cfg, nil
}

// Save writes the configuration to path.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := fsutil.AtomicWrite(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Validate checks the values a backup run depends on.
func (c *Config) Validate() error {
	if c.Gateway.URL == "" {
		return errclass.ErrConfigInvalid.WithMessage("gateway.url is required")
	}
	u, err := url.Parse(c.Gateway.URL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return errclass.ErrConfigInvalid.WithMessagef("gateway.url must be an http(s) URL: %q", c.Gateway.URL)
	}
	if !strings.HasPrefix(c.Gateway.DestDir, "/") {
		return errclass.ErrConfigInvalid.WithMessagef("gateway.dest_dir must be absolute: %q", c.Gateway.DestDir)
	}
	if c.Gateway.MetadataDir == "" || strings.Contains(c.Gateway.MetadataDir, "/") {
		return errclass.ErrConfigInvalid.WithMessagef("gateway.metadata_dir must be a single name: %q", c.Gateway.MetadataDir)
	}
	if c.Gateway.RequestTimeout <= 0 {
		return errclass.ErrConfigInvalid.WithMessage("gateway.request_timeout must be positive")
	}
	if c.Cassandra.DataPath == "" {
		return errclass.ErrConfigInvalid.WithMessage("cassandra.data_path is required")
	}
	if len(c.Cassandra.SnapshotCommand) == 0 {
		return errclass.ErrConfigInvalid.WithMessage("cassandra.snapshot_command is required")
	}
	switch c.Auth.Mode {
	case "kerberos":
		if c.Auth.Username == "" || c.Auth.Realm == "" || c.Auth.Keytab == "" {
			return errclass.ErrConfigInvalid.WithMessage("auth.username, auth.realm and auth.keytab are required in kerberos mode")
		}
	case "simple":
		if c.Auth.Username == "" {
			return errclass.ErrConfigInvalid.WithMessage("auth.username is required in simple mode")
		}
	default:
		return errclass.ErrConfigInvalid.WithMessagef("auth.mode must be kerberos or simple: %q", c.Auth.Mode)
	}
	if c.LockTTL <= 0 {
		return errclass.ErrConfigInvalid.WithMessage("lock_ttl must be positive")
	}
	if c.Upload.Workers < 1 {
		return errclass.ErrConfigInvalid.WithMessage("upload.workers must be at least 1")
	}
	if c.Upload.Attempts < 1 {
		return errclass.ErrConfigInvalid.WithMessage("upload.attempts must be at least 1")
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return errclass.ErrConfigInvalid.WithMessagef("logging.format must be text or json: %q", c.Logging.Format)
	}
	return nil
}

// HostName returns the configured host or the system hostname.
func (c *Config) HostName() (string, error) {
	if c.Host != "" {
		return c.Host, nil
	}
	h, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("hostname: %w", err)
	}
	return h, nil
}

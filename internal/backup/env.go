// Package backup runs one incremental backup: snapshot, scan, diff against
// the last manifest, upload the delta and record the new manifest.
package backup

import (
	"context"
	"io"

	"github.com/rs/zerolog"

	"github.com/cassnap-project/cassnap/internal/cassandra"
	"github.com/cassnap-project/cassnap/internal/gateway"
	"github.com/cassnap-project/cassnap/internal/journal"
	"github.com/cassnap-project/cassnap/internal/kerberos"
	"github.com/cassnap-project/cassnap/internal/lock"
	"github.com/cassnap-project/cassnap/internal/manifest"
	"github.com/cassnap-project/cassnap/internal/retry"
	"github.com/cassnap-project/cassnap/internal/trigger"
	"github.com/cassnap-project/cassnap/internal/upload"
	"github.com/cassnap-project/cassnap/pkg/config"
	"github.com/cassnap-project/cassnap/pkg/errclass"
	"github.com/cassnap-project/cassnap/pkg/metrics"
	"github.com/cassnap-project/cassnap/pkg/webhook"
)

// Gateway is what a run needs from the gateway client.
type Gateway interface {
	Connect(ctx context.Context) (string, error)
	manifest.Remote
	upload.Gateway
}

// Env is the explicit context of one run. Journal, Webhooks and Lock may be
// nil.
type Env struct {
	Cluster  string
	Host     string
	Gateway  Gateway
	Trigger  *trigger.Trigger
	Log      zerolog.Logger
	Metrics  *metrics.RunMetrics
	Config   *config.Config
	Journal  *journal.Journal
	Webhooks *webhook.Client
	Lock     *lock.Manager

	closers []io.Closer
}

// Close releases the gateway session and the Kerberos client.
func (e *Env) Close() error {
	for _, c := range e.closers {
		_ = c.Close()
	}
	return nil
}

// Store returns the manifest store for the configured layout.
func (e *Env) Store() *manifest.Store {
	return &manifest.Store{
		Remote:      e.Gateway,
		DestDir:     e.Config.Gateway.DestDir,
		MetadataDir: e.Config.Gateway.MetadataDir,
		StagingDir:  e.Config.StagingDir,
	}
}

// RetryPolicy returns the per-call retry policy from the upload settings.
func (e *Env) RetryPolicy() retry.Policy {
	p := retry.Default()
	u := e.Config.Upload
	if u.Attempts > 0 {
		p.Attempts = u.Attempts
	}
	if u.Backoff > 0 {
		p.Delay = u.Backoff.Std()
	}
	if u.MaxBackoff > 0 {
		p.MaxDelay = u.MaxBackoff.Std()
	}
	return p
}

// NewEnv resolves the cluster and host names and builds the gateway client,
// authenticator, trigger, journal and webhook client from cfg. cfg must have
// passed Validate.
func NewEnv(cfg *config.Config, log zerolog.Logger) (*Env, error) {
	cluster, err := cassandra.ClusterName(cfg.Cassandra.ClusterName, cfg.Cassandra.ConfigPath)
	if err != nil {
		return nil, err
	}
	host, err := cfg.HostName()
	if err != nil {
		return nil, err
	}

	env := &Env{
		Cluster: cluster,
		Host:    host,
		Log:     log.With().Str("cluster", cluster).Str("host", host).Logger(),
		Metrics: metrics.New(cluster, host),
		Config:  cfg,
		Trigger: &trigger.Trigger{
			SnapshotCommand: cfg.Cassandra.SnapshotCommand,
			ClearCommand:    cfg.Cassandra.ClearCommand,
			Vars:            map[string]string{"cluster": cluster, "host": host},
		},
		Lock: lock.NewManager(cfg.StagingDir, cfg.LockTTL.Std()),
	}
	if cfg.Journal.Path != "" {
		env.Journal = journal.New(cfg.Journal.Path)
	}
	if len(cfg.Webhooks.Hooks) > 0 {
		env.Webhooks = webhook.NewClient(&cfg.Webhooks)
	}

	auth, err := NewAuthenticator(cfg)
	if err != nil {
		return nil, err
	}
	if k, ok := auth.(*kerberos.Authenticator); ok {
		env.closers = append(env.closers, closerFunc(k.Close))
	}

	gw, err := NewGatewayClient(cfg, auth, env.Metrics)
	if err != nil {
		_ = env.Close()
		return nil, err
	}
	env.Gateway = gw
	env.closers = append(env.closers, closerFunc(gw.Close))
	return env, nil
}

// NewAuthenticator returns the SPNEGO or user.name authenticator selected by
// auth.mode. Without auth.spn every request is signed for HTTP/<its host>.
func NewAuthenticator(cfg *config.Config) (gateway.Authenticator, error) {
	switch cfg.Auth.Mode {
	case "simple":
		return gateway.SimpleAuth{User: cfg.Auth.Username}, nil
	case "kerberos":
		return kerberos.New(kerberos.Config{
			Username: cfg.Auth.Username,
			Realm:    cfg.Auth.Realm,
			Keytab:   cfg.Auth.Keytab,
			Krb5Conf: cfg.Auth.Krb5Conf,
			SPN:      cfg.Auth.SPN,
		}), nil
	}
	return nil, errclass.ErrConfigInvalid.WithMessagef("auth.mode must be kerberos or simple: %q", cfg.Auth.Mode)
}

// NewGatewayClient builds the gateway client, resolving through the
// configured nameservers when there are any.
func NewGatewayClient(cfg *config.Config, auth gateway.Authenticator, m *metrics.RunMetrics) (*gateway.Client, error) {
	var resolver gateway.Resolver
	if len(cfg.Gateway.Nameservers) > 0 {
		resolver = gateway.NewDNSResolver(cfg.Gateway.Nameservers)
	}
	return gateway.New(gateway.Config{
		URL:               cfg.Gateway.URL,
		RequestTimeout:    cfg.Gateway.RequestTimeout.Std(),
		Legacy500Redirect: cfg.Gateway.Legacy500Redirect,
		Dialer:            gateway.NewDialer(resolver),
	}, auth, m)
}

type closerFunc func()

func (f closerFunc) Close() error {
	f()
	return nil
}

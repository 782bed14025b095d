// Package doctor checks that a node has what a backup run needs: valid
// configuration, readable credentials and data, a reachable gateway and an
// intact run journal.
package doctor

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/cassnap-project/cassnap/internal/journal"
	"github.com/cassnap-project/cassnap/internal/kerberos"
	"github.com/cassnap-project/cassnap/internal/lock"
	"github.com/cassnap-project/cassnap/pkg/config"
	"github.com/cassnap-project/cassnap/pkg/fsutil"
)

// Finding represents a detected issue.
type Finding struct {
	Category    string `json:"category"`
	Description string `json:"description"`
	Severity    string `json:"severity"`
	Path        string `json:"path,omitempty"`
}

// Result contains doctor check results.
type Result struct {
	Healthy  bool      `json:"healthy"`
	Checked  []string  `json:"checked"`
	Findings []Finding `json:"findings"`
}

func (r *Result) add(f Finding) {
	r.Findings = append(r.Findings, f)
	if f.Severity == "critical" || f.Severity == "error" {
		r.Healthy = false
	}
}

// ProbeFunc contacts the gateway once with the configured credentials.
type ProbeFunc func(ctx context.Context) (string, error)

// Doctor performs node health checks.
type Doctor struct {
	cfg   *config.Config
	probe ProbeFunc
}

// NewDoctor creates a doctor. probe may be nil to skip the gateway check.
func NewDoctor(cfg *config.Config, probe ProbeFunc) *Doctor {
	return &Doctor{cfg: cfg, probe: probe}
}

// Check runs all diagnostic checks.
func (d *Doctor) Check(ctx context.Context) *Result {
	result := &Result{Healthy: true, Findings: []Finding{}}

	if err := d.cfg.Validate(); err != nil {
		result.Checked = append(result.Checked, "config")
		result.add(Finding{Category: "config", Description: err.Error(), Severity: "critical"})
		return result
	}

	d.checkKeytab(result)
	d.checkDataPath(result)
	d.checkCassandraConfig(result)
	d.checkStagingDir(result)
	d.checkRunLock(result)
	d.checkJournal(result)
	d.checkGateway(ctx, result)
	return result
}

func (d *Doctor) checkKeytab(result *Result) {
	auth := d.cfg.Auth
	if auth.Mode != "kerberos" {
		return
	}
	result.Checked = append(result.Checked, "keytab")

	kt, err := kerberos.LoadKeytab(auth.Keytab)
	if err != nil {
		result.add(Finding{
			Category:    "keytab",
			Description: err.Error(),
			Severity:    "critical",
			Path:        auth.Keytab,
		})
		return
	}
	if !kerberos.HasPrincipal(kt, auth.Username, auth.Realm) {
		result.add(Finding{
			Category:    "keytab",
			Description: fmt.Sprintf("no key for %s@%s", auth.Username, auth.Realm),
			Severity:    "critical",
			Path:        auth.Keytab,
		})
	}
	if err := fsutil.Readable(auth.Krb5Conf); err != nil {
		result.add(Finding{
			Category:    "keytab",
			Description: fmt.Sprintf("krb5 config unreadable: %v", err),
			Severity:    "critical",
			Path:        auth.Krb5Conf,
		})
	}
}

func (d *Doctor) checkDataPath(result *Result) {
	result.Checked = append(result.Checked, "data_path")
	p := d.cfg.Cassandra.DataPath
	if err := fsutil.Readable(p); err != nil {
		result.add(Finding{
			Category:    "data_path",
			Description: fmt.Sprintf("cassandra data directory unreadable: %v", err),
			Severity:    "critical",
			Path:        p,
		})
	}
}

func (d *Doctor) checkCassandraConfig(result *Result) {
	result.Checked = append(result.Checked, "cassandra_yaml")
	p := d.cfg.Cassandra.ConfigPath
	err := fsutil.Readable(p)
	switch {
	case err == nil:
	case d.cfg.Cassandra.ClusterName != "":
		result.add(Finding{
			Category:    "cassandra_yaml",
			Description: fmt.Sprintf("cassandra.yaml unreadable, using configured cluster name: %v", err),
			Severity:    "warning",
			Path:        p,
		})
	default:
		result.add(Finding{
			Category:    "cassandra_yaml",
			Description: fmt.Sprintf("cassandra.yaml unreadable and no cluster_name configured: %v", err),
			Severity:    "critical",
			Path:        p,
		})
	}
}

func (d *Doctor) checkStagingDir(result *Result) {
	result.Checked = append(result.Checked, "staging_dir")
	dir := d.cfg.StagingDir
	err := os.MkdirAll(dir, 0o755)
	var f *os.File
	if err == nil {
		f, err = os.CreateTemp(dir, ".cassnap-doctor-")
	}
	if err != nil {
		result.add(Finding{
			Category:    "staging_dir",
			Description: fmt.Sprintf("staging directory not writable: %v", err),
			Severity:    "error",
			Path:        dir,
		})
		return
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)
}

func (d *Doctor) checkRunLock(result *Result) {
	result.Checked = append(result.Checked, "run_lock")
	mgr := lock.NewManager(d.cfg.StagingDir, d.cfg.LockTTL.Std())
	state, rec, err := mgr.Status()
	switch {
	case err != nil:
		result.add(Finding{
			Category:    "run_lock",
			Description: err.Error(),
			Severity:    "warning",
			Path:        mgr.Path(),
		})
	case state == lock.StateHeld:
		result.add(Finding{
			Category:    "run_lock",
			Description: fmt.Sprintf("run %s (pid %d) in progress since %s", rec.RunID, rec.PID, rec.AcquiredAt.Format(time.RFC3339)),
			Severity:    "info",
			Path:        mgr.Path(),
		})
	case state == lock.StateExpired:
		result.add(Finding{
			Category:    "run_lock",
			Description: fmt.Sprintf("stale lock left by run %s; the next run takes it over", rec.RunID),
			Severity:    "warning",
			Path:        mgr.Path(),
		})
	}
}

func (d *Doctor) checkJournal(result *Result) {
	p := d.cfg.Journal.Path
	if p == "" {
		return
	}
	result.Checked = append(result.Checked, "journal")
	if _, err := journal.New(p).Verify(); err != nil {
		result.add(Finding{
			Category:    "journal",
			Description: err.Error(),
			Severity:    "warning",
			Path:        p,
		})
	}
}

func (d *Doctor) checkGateway(ctx context.Context, result *Result) {
	if d.probe == nil {
		return
	}
	result.Checked = append(result.Checked, "gateway")
	if _, err := d.probe(ctx); err != nil {
		result.add(Finding{
			Category:    "gateway",
			Description: fmt.Sprintf("gateway %s not reachable: %v", d.cfg.Gateway.URL, err),
			Severity:    "critical",
		})
	}
}

// Package kerberos logs in from a keytab and signs gateway requests with
// SPNEGO Negotiate headers.
package kerberos

import (
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/jcmturner/gokrb5/v8/client"
	krbconfig "github.com/jcmturner/gokrb5/v8/config"
	"github.com/jcmturner/gokrb5/v8/keytab"
	"github.com/jcmturner/gokrb5/v8/spnego"

	"github.com/cassnap-project/cassnap/pkg/errclass"
)

// Config names the principal and the files it authenticates with.
type Config struct {
	Username string
	Realm    string
	Keytab   string
	Krb5Conf string
	// SPN overrides the per-host HTTP/<host> service principal.
	SPN string
}

// Authenticator holds one logged-in Kerberos client and is safe for
// concurrent use.
type Authenticator struct {
	cfg Config

	mu sync.Mutex
	cl *client.Client
}

// New returns an authenticator that logs in on first use.
func New(cfg Config) *Authenticator {
	return &Authenticator{cfg: cfg}
}

// Login acquires a TGT from the keytab, replacing any previous session.
func (a *Authenticator) Login() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.loginLocked()
}

func (a *Authenticator) loginLocked() error {
	kt, err := LoadKeytab(a.cfg.Keytab)
	if err != nil {
		return err
	}
	conf, err := krbconfig.Load(a.cfg.Krb5Conf)
	if err != nil {
		return errclass.ErrAuthFailed.WithMessagef("load krb5 config %s: %v", a.cfg.Krb5Conf, err)
	}
	cl := client.NewWithKeytab(a.cfg.Username, a.cfg.Realm, kt, conf, client.DisablePAFXFAST(true))
	if err := cl.Login(); err != nil {
		return errclass.ErrAuthFailed.WithMessagef("kerberos login %s@%s: %v", a.cfg.Username, a.cfg.Realm, err)
	}
	if a.cl != nil {
		a.cl.Destroy()
	}
	a.cl = cl
	return nil
}

// Authorize sets a fresh SPNEGO Negotiate header on req.
func (a *Authenticator) Authorize(req *http.Request) error {
	a.mu.Lock()
	if a.cl == nil {
		if err := a.loginLocked(); err != nil {
			a.mu.Unlock()
			return err
		}
	}
	cl := a.cl
	a.mu.Unlock()

	if err := spnego.SetSPNEGOHeader(cl, req, ServicePrincipal(a.cfg.SPN, req.URL.Hostname())); err != nil {
		return fmt.Errorf("spnego: %w", err)
	}
	return nil
}

// Reset destroys the session and logs in again.
func (a *Authenticator) Reset() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cl != nil {
		a.cl.Destroy()
		a.cl = nil
	}
	return a.loginLocked()
}

// Close destroys the session.
func (a *Authenticator) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cl != nil {
		a.cl.Destroy()
		a.cl = nil
	}
}

// ServicePrincipal returns override when set, else HTTP/<host>.
func ServicePrincipal(override, host string) string {
	if override != "" {
		return override
	}
	return "HTTP/" + strings.TrimSuffix(strings.ToLower(host), ".")
}

// LoadKeytab reads a keytab file.
func LoadKeytab(path string) (*keytab.Keytab, error) {
	kt, err := keytab.Load(path)
	if err != nil {
		return nil, errclass.ErrAuthFailed.WithMessagef("load keytab %s: %v", path, err)
	}
	return kt, nil
}

// HasPrincipal reports whether kt holds a key for username@realm.
func HasPrincipal(kt *keytab.Keytab, username, realm string) bool {
	for _, e := range kt.Entries {
		if e.Principal.Realm == realm && strings.Join(e.Principal.Components, "/") == username {
			return true
		}
	}
	return false
}

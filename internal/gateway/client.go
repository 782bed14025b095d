// Package gateway is an authenticated client for the WebHDFS/HttpFS REST
// primitives a backup run needs: home-directory probe, make-directory,
// list-directory, two-phase create and open.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/cassnap-project/cassnap/internal/retry"
	"github.com/cassnap-project/cassnap/pkg/errclass"
	"github.com/cassnap-project/cassnap/pkg/metrics"
	"github.com/cassnap-project/cassnap/pkg/model"
)

const apiPrefix = "/webhdfs/v1"

// Config configures a Client.
type Config struct {
	// URL is the gateway base, e.g. https://httpfs.example.com:14000.
	URL string
	// RequestTimeout bounds each control exchange and any stall in a
	// payload upload.
	RequestTimeout time.Duration
	// Legacy500Redirect makes CREATE follow redirects itself and treat a 500
	// from the final URL as an invitation to PUT the payload there.
	Legacy500Redirect bool
	// Dialer replaces the default address-failover dialer.
	Dialer *Dialer
	// ProbeAttempts bounds Connect. Defaults to 3.
	ProbeAttempts int
	ProbeBackoff  time.Duration
}

// Client issues WebHDFS requests through one authenticated session.
type Client struct {
	base      *url.URL
	auth      Authenticator
	transport *http.Transport
	direct    *http.Client
	follow    *http.Client
	timeout   time.Duration
	legacy500 bool
	probe     retry.Policy
	metrics   *metrics.RunMetrics
}

// New creates a Client. m may be nil.
func New(cfg Config, auth Authenticator, m *metrics.RunMetrics) (*Client, error) {
	base, err := url.Parse(cfg.URL)
	if err != nil || base.Host == "" {
		return nil, errclass.ErrConfigInvalid.WithMessagef("invalid gateway url %q", cfg.URL)
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Minute
	}
	if cfg.ProbeAttempts <= 0 {
		cfg.ProbeAttempts = 3
	}
	if cfg.ProbeBackoff <= 0 {
		cfg.ProbeBackoff = time.Second
	}
	d := cfg.Dialer
	if d == nil {
		d = NewDialer(nil)
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           d.DialContext,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}

	c := &Client{
		base:      base,
		auth:      auth,
		transport: transport,
		timeout:   cfg.RequestTimeout,
		legacy500: cfg.Legacy500Redirect,
		probe: retry.Policy{
			Attempts:   cfg.ProbeAttempts,
			Delay:      cfg.ProbeBackoff,
			MaxDelay:   cfg.ProbeBackoff * 4,
			Multiplier: 2,
		},
		metrics: m,
	}
	c.direct = &http.Client{
		Transport: transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	c.follow = &http.Client{
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return errors.New("stopped after 10 redirects")
			}
			// net/http rewrites PUT to GET on these; CREATE handles them itself.
			if req.Response != nil {
				switch req.Response.StatusCode {
				case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther:
					return http.ErrUseLastResponse
				}
			}
			return c.auth.Authorize(req)
		},
	}
	return c, nil
}

// URL returns the gateway base URL.
func (c *Client) URL() string {
	return c.base.String()
}

// Close releases idle connections.
func (c *Client) Close() {
	c.transport.CloseIdleConnections()
}

// Reset drops pooled connections and the authenticator's session.
func (c *Client) Reset() error {
	c.transport.CloseIdleConnections()
	return c.auth.Reset()
}

type response struct {
	status   int
	header   http.Header
	body     []byte
	finalURL *url.URL
	// redirected is set when the client followed at least one redirect.
	redirected bool
}

func (c *Client) opURL(p, op string, extra url.Values) *url.URL {
	u := *c.base
	u.Path = strings.TrimRight(c.base.Path, "/") + apiPrefix + path.Clean("/"+p)
	q := url.Values{}
	for k, v := range extra {
		q[k] = v
	}
	q.Set("op", op)
	u.RawQuery = q.Encode()
	return &u
}

// progressReader pushes the idle deadline forward whenever payload bytes are
// read, so a slow but steady upload is not cut off.
type progressReader struct {
	r     io.Reader
	timer *time.Timer
	idle  time.Duration
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.timer.Reset(p.idle)
	}
	return n, err
}

// do sends one authenticated request and reads the whole response. The call
// is cancelled once nothing has moved for the request timeout: a control
// exchange gets the timeout as a whole, a payload upload gets it from the
// last byte sent. Transport failures and timeouts come back as E_TRANSPORT.
func (c *Client) do(ctx context.Context, hc *http.Client, op, method string, u *url.URL, body io.Reader, size int64) (*response, error) {
	callCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	idle := time.AfterFunc(c.timeout, func() {
		cancel(fmt.Errorf("%w: no progress for %s", context.DeadlineExceeded, c.timeout))
	})
	defer idle.Stop()
	if body != nil && size > 0 {
		body = &progressReader{r: body, timer: idle, idle: c.timeout}
	}

	req, err := http.NewRequestWithContext(callCtx, method, u.String(), body)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("create request: %w", err))
	}
	if body != nil {
		req.ContentLength = size
		req.Header.Set("Content-Type", "application/octet-stream")
	}
	if err := c.auth.Authorize(req); err != nil {
		return nil, errclass.ErrAuthFailed.WithMessagef("authorize %s: %v", op, err)
	}

	log := zerolog.Ctx(ctx)
	start := time.Now()
	resp, err := hc.Do(req)
	if err != nil {
		c.metrics.ObserveRequest(op, 0)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errclass.ErrTransport.WithMessagef("%s %s: %v", op, u.Path, callError(callCtx, err))
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	c.metrics.ObserveRequest(op, resp.StatusCode)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errclass.ErrTransport.WithMessagef("%s %s: read body: %v", op, u.Path, callError(callCtx, err))
	}

	log.Debug().
		Str("op", op).
		Str("method", method).
		Str("path", u.Path).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Msg("gateway request")

	return &response{
		status:     resp.StatusCode,
		header:     resp.Header,
		body:       data,
		finalURL:   resp.Request.URL,
		redirected: resp.Request != req,
	}, nil
}

// callError prefers the idle-timeout cause over the bare "context canceled"
// the transport reports.
func callError(callCtx context.Context, err error) error {
	if cause := context.Cause(callCtx); cause != nil {
		return cause
	}
	return err
}

// Probe issues GETHOMEDIRECTORY and returns the home path.
func (c *Client) Probe(ctx context.Context) (string, error) {
	resp, err := c.do(ctx, c.direct, "GETHOMEDIRECTORY", http.MethodGet, c.opURL("/", "GETHOMEDIRECTORY", nil), nil, 0)
	if err != nil {
		return "", err
	}
	if resp.status != http.StatusOK {
		return "", statusError("GETHOMEDIRECTORY", "/", resp.status, resp.body)
	}
	var out struct {
		Path string `json:"Path"`
	}
	if err := json.Unmarshal(resp.body, &out); err != nil {
		return "", errclass.ErrGatewayRejected.WithMessagef("GETHOMEDIRECTORY: decode: %v", err)
	}
	return out.Path, nil
}

// Connect probes the gateway until it accepts our credentials, resetting the
// session between attempts. Exhaustion is E_AUTH_EXHAUSTED.
func (c *Client) Connect(ctx context.Context) (string, error) {
	var home string
	_, err := retry.Do(ctx, c.probe, "probe", func(ctx context.Context, attempt int) error {
		if attempt > 1 {
			if err := c.Reset(); err != nil {
				zerolog.Ctx(ctx).Warn().Err(err).Int("attempt", attempt).Msg("session reset failed")
			}
		}
		h, err := c.Probe(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// a rejected ticket is worth a fresh login
			if errors.Is(err, errclass.ErrAuthFailed) {
				return errors.New(err.Error())
			}
			return err
		}
		home = h
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", errclass.ErrAuthExhausted.WithMessagef("gateway %s: %v", c.base.Host, err)
	}
	return home, nil
}

// Mkdirs creates p and its parents. An existing directory is success.
func (c *Client) Mkdirs(ctx context.Context, p string) error {
	resp, err := c.do(ctx, c.direct, "MKDIRS", http.MethodPut, c.opURL(p, "MKDIRS", nil), nil, 0)
	if err != nil {
		return err
	}
	if resp.status != http.StatusOK {
		if re := parseRemoteException(resp.body); re != nil && re.Exception == "FileAlreadyExistsException" {
			return nil
		}
		return statusError("MKDIRS", p, resp.status, resp.body)
	}
	var out struct {
		Boolean *bool `json:"boolean"`
	}
	if err := json.Unmarshal(resp.body, &out); err != nil || out.Boolean == nil {
		return errclass.ErrGatewayRejected.WithMessagef("MKDIRS %s: unexpected body %q", p, resp.body)
	}
	if !*out.Boolean {
		return retry.Permanent(errclass.ErrGatewayRejected.WithMessagef("MKDIRS %s: gateway returned false", p))
	}
	return nil
}

type fileStatus struct {
	PathSuffix       string `json:"pathSuffix"`
	Type             string `json:"type"`
	Length           int64  `json:"length"`
	ModificationTime int64  `json:"modificationTime"`
}

// List returns the entries of directory p. A missing directory is
// ErrNotFound; an undecodable listing is E_LISTING_CORRUPT.
func (c *Client) List(ctx context.Context, p string) ([]model.RemoteEntry, error) {
	resp, err := c.do(ctx, c.direct, "LISTSTATUS", http.MethodGet, c.opURL(p, "LISTSTATUS", nil), nil, 0)
	if err != nil {
		return nil, err
	}
	if resp.status != http.StatusOK {
		return nil, statusError("LISTSTATUS", p, resp.status, resp.body)
	}

	var out struct {
		FileStatuses *struct {
			FileStatus []fileStatus `json:"FileStatus"`
		} `json:"FileStatuses"`
	}
	if err := json.Unmarshal(resp.body, &out); err != nil {
		return nil, errclass.ErrListingCorrupt.WithMessagef("LISTSTATUS %s: %v", p, err)
	}
	if out.FileStatuses == nil {
		return nil, errclass.ErrListingCorrupt.WithMessagef("LISTSTATUS %s: missing FileStatuses", p)
	}

	entries := make([]model.RemoteEntry, 0, len(out.FileStatuses.FileStatus))
	for _, fs := range out.FileStatuses.FileStatus {
		kind := model.KindFile
		if fs.Type == "DIRECTORY" {
			kind = model.KindDirectory
		}
		entries = append(entries, model.RemoteEntry{
			Name:       fs.PathSuffix,
			Kind:       kind,
			ModifiedAt: time.UnixMilli(fs.ModificationTime).UTC(),
			Length:     fs.Length,
		})
	}
	return entries, nil
}

// Create writes body to p with overwrite, using the two-phase protocol: an
// empty PUT that must answer with a redirect, then the payload PUT to the
// redirect target, which must answer 201.
func (c *Client) Create(ctx context.Context, p string, body io.ReadSeeker, size int64) error {
	u := c.opURL(p, "CREATE", url.Values{"overwrite": {"true"}})

	if c.legacy500 {
		return c.createLegacy(ctx, p, u, body, size)
	}

	resp, err := c.do(ctx, c.direct, "CREATE", http.MethodPut, u, nil, 0)
	if err != nil {
		return err
	}
	loc, ok := redirectTarget(resp)
	if !ok {
		if resp.status == http.StatusInternalServerError {
			zerolog.Ctx(ctx).Warn().Str("path", p).Int("status", resp.status).Msg("CREATE phase one failed")
		}
		if resp.status < 400 {
			return retry.Permanent(errclass.ErrGatewayRejected.WithMessagef("CREATE %s: expected redirect, got HTTP %d", p, resp.status))
		}
		return statusError("CREATE", p, resp.status, resp.body)
	}
	return c.putPayload(ctx, p, loc, body, size)
}

func (c *Client) createLegacy(ctx context.Context, p string, u *url.URL, body io.ReadSeeker, size int64) error {
	resp, err := c.do(ctx, c.follow, "CREATE", http.MethodPut, u, nil, 0)
	if err != nil {
		return err
	}
	switch {
	case resp.status == http.StatusInternalServerError:
		zerolog.Ctx(ctx).Warn().
			Str("path", p).
			Str("url", resp.finalURL.Redacted()).
			Msg("gateway answered 500 to CREATE, sending payload to final URL")
		return c.putPayload(ctx, p, resp.finalURL, body, size)
	case resp.status == http.StatusCreated && resp.redirected:
		// the storage node created an empty file from the bodiless PUT
		return c.putPayload(ctx, p, resp.finalURL, body, size)
	case isRedirect(resp.status):
		loc, ok := redirectTarget(resp)
		if !ok {
			return retry.Permanent(errclass.ErrGatewayRejected.WithMessagef("CREATE %s: redirect without Location", p))
		}
		return c.putPayload(ctx, p, loc, body, size)
	case resp.status < 400:
		return retry.Permanent(errclass.ErrGatewayRejected.WithMessagef("CREATE %s: expected redirect, got HTTP %d", p, resp.status))
	default:
		return statusError("CREATE", p, resp.status, resp.body)
	}
}

func (c *Client) putPayload(ctx context.Context, p string, target *url.URL, body io.ReadSeeker, size int64) error {
	if _, err := body.Seek(0, io.SeekStart); err != nil {
		return retry.Permanent(fmt.Errorf("rewind %s: %w", p, err))
	}
	var payload io.Reader = io.NopCloser(body)
	if size == 0 {
		payload = http.NoBody
	}
	resp, err := c.do(ctx, c.direct, "CREATE", http.MethodPut, target, payload, size)
	if err != nil {
		return err
	}
	if resp.status != http.StatusCreated {
		if resp.status < 400 {
			return retry.Permanent(errclass.ErrGatewayRejected.WithMessagef("CREATE %s: expected 201, got HTTP %d", p, resp.status))
		}
		return statusError("CREATE", p, resp.status, resp.body)
	}
	return nil
}

// Open reads the whole file at p, following one redirect to the storage node.
func (c *Client) Open(ctx context.Context, p string) ([]byte, error) {
	resp, err := c.do(ctx, c.direct, "OPEN", http.MethodGet, c.opURL(p, "OPEN", nil), nil, 0)
	if err != nil {
		return nil, err
	}
	if loc, ok := redirectTarget(resp); ok {
		resp, err = c.do(ctx, c.direct, "OPEN", http.MethodGet, loc, nil, 0)
		if err != nil {
			return nil, err
		}
	}
	if resp.status != http.StatusOK {
		return nil, statusError("OPEN", p, resp.status, resp.body)
	}
	return resp.body, nil
}

func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

func redirectTarget(resp *response) (*url.URL, bool) {
	if !isRedirect(resp.status) {
		return nil, false
	}
	loc := resp.header.Get("Location")
	if loc == "" {
		return nil, false
	}
	u, err := resp.finalURL.Parse(loc)
	if err != nil {
		return nil, false
	}
	return u, true
}

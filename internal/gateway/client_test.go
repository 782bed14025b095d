package gateway_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cassnap-project/cassnap/internal/gateway"
	"github.com/cassnap-project/cassnap/internal/gateway/gatewaytest"
	"github.com/cassnap-project/cassnap/internal/retry"
	"github.com/cassnap-project/cassnap/pkg/errclass"
	"github.com/cassnap-project/cassnap/pkg/model"
)

type countingAuth struct {
	gateway.SimpleAuth
	resets atomic.Int32
}

func (a *countingAuth) Reset() error {
	a.resets.Add(1)
	return nil
}

func newClient(t *testing.T, srv *gatewaytest.Server, legacy bool) (*gateway.Client, *countingAuth) {
	t.Helper()
	auth := &countingAuth{SimpleAuth: gateway.SimpleAuth{User: "cassandra"}}
	c, err := gateway.New(gateway.Config{
		URL:               srv.URL,
		RequestTimeout:    5 * time.Second,
		Legacy500Redirect: legacy,
		ProbeBackoff:      time.Millisecond,
	}, auth, nil)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c, auth
}

func TestProbe(t *testing.T) {
	srv := gatewaytest.New()
	defer srv.Close()
	srv.User = "cassandra"
	c, _ := newClient(t, srv, false)

	home, err := c.Probe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "/user/cassandra", home)
}

func TestConnect_RetriesWithReset(t *testing.T) {
	srv := gatewaytest.New()
	defer srv.Close()
	var calls atomic.Int32
	srv.FailProbe = func() int {
		if calls.Add(1) < 3 {
			return http.StatusUnauthorized
		}
		return 0
	}
	c, auth := newClient(t, srv, false)

	_, err := c.Connect(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 3, calls.Load())
	assert.EqualValues(t, 2, auth.resets.Load())
}

func TestConnect_Exhausted(t *testing.T) {
	srv := gatewaytest.New()
	defer srv.Close()
	srv.FailProbe = func() int { return http.StatusUnauthorized }
	c, _ := newClient(t, srv, false)

	_, err := c.Connect(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errclass.ErrAuthExhausted)
	assert.True(t, errclass.IsFatal(err))
	assert.Equal(t, 3, srv.CountRequests("GETHOMEDIRECTORY", ""))
}

func TestMkdirs_Idempotent(t *testing.T) {
	srv := gatewaytest.New()
	defer srv.Close()
	c, _ := newClient(t, srv, false)
	ctx := context.Background()

	require.NoError(t, c.Mkdirs(ctx, "/backups/prod/ks1/t1"))
	require.NoError(t, c.Mkdirs(ctx, "/backups/prod/ks1/t1"))
	assert.True(t, srv.IsDir("/backups/prod/ks1/t1"))

	srv.ExistsException = true
	assert.NoError(t, c.Mkdirs(ctx, "/backups/prod/ks1/t1"), "FileAlreadyExistsException is success")
}

func TestMkdirs_Rejected(t *testing.T) {
	srv := gatewaytest.New()
	defer srv.Close()
	c, _ := newClient(t, srv, false)
	srv.FailMkdirs = func(string) int { return http.StatusForbidden }

	err := c.Mkdirs(context.Background(), "/backups/x")
	assert.ErrorIs(t, err, errclass.ErrGatewayRejected)
	assert.True(t, retry.IsPermanent(err))
}

func TestMkdirs_ServerErrorRetryable(t *testing.T) {
	srv := gatewaytest.New()
	defer srv.Close()
	c, _ := newClient(t, srv, false)
	srv.FailMkdirs = func(string) int { return http.StatusServiceUnavailable }

	err := c.Mkdirs(context.Background(), "/backups/x")
	assert.ErrorIs(t, err, errclass.ErrGatewayRejected)
	assert.False(t, retry.IsPermanent(err))
}

func TestList(t *testing.T) {
	srv := gatewaytest.New()
	defer srv.Close()
	c, _ := newClient(t, srv, false)
	ctx := context.Background()

	mtime := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	srv.Seed("/meta/prod/node1/cass_snap_2024_03_01", []byte("a\nb\n"), mtime)
	require.NoError(t, c.Mkdirs(ctx, "/meta/prod/node1/sub"))

	entries, err := c.List(ctx, "/meta/prod/node1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, model.RemoteEntry{Name: "cass_snap_2024_03_01", Kind: model.KindFile, ModifiedAt: mtime, Length: 4}, entries[0])
	assert.Equal(t, model.KindDirectory, entries[1].Kind)
}

func TestList_NotFound(t *testing.T) {
	srv := gatewaytest.New()
	defer srv.Close()
	c, _ := newClient(t, srv, false)

	_, err := c.List(context.Background(), "/nope")
	assert.ErrorIs(t, err, gateway.ErrNotFound)
	assert.False(t, errclass.IsFatal(err))
}

func TestList_Corrupt(t *testing.T) {
	srv := gatewaytest.New()
	defer srv.Close()
	c, _ := newClient(t, srv, false)
	srv.CorruptList = func(string) bool { return true }

	_, err := c.List(context.Background(), "/")
	assert.ErrorIs(t, err, errclass.ErrListingCorrupt)
	assert.True(t, errclass.IsFatal(err))
}

func TestCreate_TwoPhase(t *testing.T) {
	srv := gatewaytest.New()
	defer srv.Close()
	srv.User = "cassandra"
	c, _ := newClient(t, srv, false)

	payload := []byte("sstable bytes")
	require.NoError(t, c.Create(context.Background(), "/backups/prod/ks1/t1/mc-1-big-Data.db", bytes.NewReader(payload), int64(len(payload))))

	got, ok := srv.File("/backups/prod/ks1/t1/mc-1-big-Data.db")
	require.True(t, ok)
	assert.Equal(t, payload, got)
	assert.Equal(t, 2, srv.CountRequests("CREATE", "/backups/prod/ks1/t1/mc-1-big-Data.db"))
}

func TestCreate_EmptyFile(t *testing.T) {
	srv := gatewaytest.New()
	defer srv.Close()
	c, _ := newClient(t, srv, false)

	require.NoError(t, c.Create(context.Background(), "/b/empty", bytes.NewReader(nil), 0))
	got, ok := srv.File("/b/empty")
	require.True(t, ok)
	assert.Empty(t, got)
}

func TestCreate_PayloadFailure(t *testing.T) {
	srv := gatewaytest.New()
	defer srv.Close()
	c, _ := newClient(t, srv, false)

	srv.FailCreate = func(string) int { return http.StatusInternalServerError }
	err := c.Create(context.Background(), "/b/f", strings.NewReader("x"), 1)
	assert.ErrorIs(t, err, errclass.ErrGatewayRejected)
	assert.False(t, retry.IsPermanent(err), "5xx is retryable")

	srv.FailCreate = func(string) int { return http.StatusForbidden }
	err = c.Create(context.Background(), "/b/f", strings.NewReader("x"), 1)
	assert.ErrorIs(t, err, errclass.ErrGatewayRejected)
	assert.True(t, retry.IsPermanent(err), "4xx is not retried")

	srv.FailCreate = func(string) int { return http.StatusUnauthorized }
	err = c.Create(context.Background(), "/b/f", strings.NewReader("x"), 1)
	assert.ErrorIs(t, err, errclass.ErrAuthFailed)
	assert.True(t, errclass.IsFatal(err))
}

func TestCreate_Legacy500(t *testing.T) {
	srv := gatewaytest.New()
	defer srv.Close()
	srv.Legacy500 = true

	strict, _ := newClient(t, srv, false)
	err := strict.Create(context.Background(), "/b/f", strings.NewReader("x"), 1)
	assert.ErrorIs(t, err, errclass.ErrGatewayRejected, "500 without the compatibility switch is a failure")
	_, ok := srv.File("/b/f")
	assert.False(t, ok)

	legacy, _ := newClient(t, srv, true)
	require.NoError(t, legacy.Create(context.Background(), "/b/f", strings.NewReader("payload"), 7))
	got, ok := srv.File("/b/f")
	require.True(t, ok)
	assert.Equal(t, "payload", string(got))
}

func TestCreate_LegacyClientStillHandlesRedirects(t *testing.T) {
	srv := gatewaytest.New()
	defer srv.Close()
	c, _ := newClient(t, srv, true)

	require.NoError(t, c.Create(context.Background(), "/b/g", strings.NewReader("abc"), 3))
	got, _ := srv.File("/b/g")
	assert.Equal(t, "abc", string(got))
}

// dataNode answers a bodiless CREATE with a redirect of the given status to
// itself and stores the payload PUT that follows.
type dataNode struct {
	*httptest.Server
	mu       sync.Mutex
	received []byte
	methods  []string
}

func newDataNode(redirect int) *dataNode {
	d := &dataNode{}
	d.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d.mu.Lock()
		d.methods = append(d.methods, r.Method)
		d.mu.Unlock()
		if r.URL.Query().Get("data") == "" {
			w.Header().Set("Location", r.URL.String()+"&data=true")
			w.WriteHeader(redirect)
			return
		}
		if r.Method != http.MethodPut {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		data, err := io.ReadAll(r.Body)
		if err != nil {
			return
		}
		d.mu.Lock()
		d.received = data
		d.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	}))
	return d
}

func (d *dataNode) client(t *testing.T, timeout time.Duration, legacy bool) *gateway.Client {
	t.Helper()
	c, err := gateway.New(gateway.Config{
		URL:               d.URL,
		RequestTimeout:    timeout,
		Legacy500Redirect: legacy,
		ProbeBackoff:      time.Millisecond,
	}, gateway.SimpleAuth{User: "cassandra"}, nil)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

// throttledReader hands out at most chunk bytes per Read, pausing first, and
// blocks for good on the read after stallAfter bytes when stall is set.
type throttledReader struct {
	*bytes.Reader
	chunk      int
	pause      time.Duration
	stallAfter int
	stall      chan struct{}
	sent       int
}

func (r *throttledReader) Read(p []byte) (int, error) {
	if r.stall != nil && r.sent >= r.stallAfter {
		<-r.stall
	}
	time.Sleep(r.pause)
	if len(p) > r.chunk {
		p = p[:r.chunk]
	}
	n, err := r.Reader.Read(p)
	r.sent += n
	return n, err
}

func TestCreate_SlowSteadyUploadOutlivesRequestTimeout(t *testing.T) {
	d := newDataNode(http.StatusTemporaryRedirect)
	defer d.Close()
	c := d.client(t, 300*time.Millisecond, false)

	payload := bytes.Repeat([]byte("s"), 15<<10)
	body := &throttledReader{Reader: bytes.NewReader(payload), chunk: 1 << 10, pause: 40 * time.Millisecond}

	start := time.Now()
	require.NoError(t, c.Create(context.Background(), "/b/slow", body, int64(len(payload))))
	assert.Greater(t, time.Since(start), 300*time.Millisecond, "upload should take longer than the timeout")
	d.mu.Lock()
	defer d.mu.Unlock()
	assert.Equal(t, payload, d.received)
}

func TestCreate_StalledUploadTimesOut(t *testing.T) {
	d := newDataNode(http.StatusTemporaryRedirect)
	defer d.Close()
	c := d.client(t, 200*time.Millisecond, false)

	release := make(chan struct{})
	defer close(release)
	payload := bytes.Repeat([]byte("s"), 8<<10)
	body := &throttledReader{Reader: bytes.NewReader(payload), chunk: 1 << 10, stallAfter: 2 << 10, stall: release}

	err := c.Create(context.Background(), "/b/stalled", body, int64(len(payload)))
	require.Error(t, err)
	assert.ErrorIs(t, err, errclass.ErrTransport)
	assert.Contains(t, err.Error(), "no progress")
	assert.False(t, retry.IsPermanent(err))
}

func TestMkdirs_HungGatewayTimesOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()
	c, err := gateway.New(gateway.Config{URL: srv.URL, RequestTimeout: 100 * time.Millisecond}, gateway.SimpleAuth{User: "u"}, nil)
	require.NoError(t, err)
	defer c.Close()

	start := time.Now()
	err = c.Mkdirs(context.Background(), "/x")
	assert.ErrorIs(t, err, errclass.ErrTransport)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestCreate_LegacyKeepsPutAcrossFoundRedirect(t *testing.T) {
	for _, status := range []int{http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			d := newDataNode(status)
			defer d.Close()
			c := d.client(t, 5*time.Second, true)

			require.NoError(t, c.Create(context.Background(), "/b/moved", strings.NewReader("payload"), 7))
			d.mu.Lock()
			defer d.mu.Unlock()
			assert.Equal(t, "payload", string(d.received))
			assert.Equal(t, []string{http.MethodPut, http.MethodPut}, d.methods)
		})
	}
}

func TestOpen(t *testing.T) {
	srv := gatewaytest.New()
	defer srv.Close()
	c, _ := newClient(t, srv, false)
	srv.Seed("/m/f", []byte("ks/t/a\n"), time.Now())

	data, err := c.Open(context.Background(), "/m/f")
	require.NoError(t, err)
	assert.Equal(t, "ks/t/a\n", string(data))

	_, err = c.Open(context.Background(), "/m/missing")
	assert.True(t, errors.Is(err, gateway.ErrNotFound))
}

func TestTransportErrorIsRetryable(t *testing.T) {
	srv := gatewaytest.New()
	c, _ := newClient(t, srv, false)
	srv.Close()

	err := c.Mkdirs(context.Background(), "/x")
	assert.ErrorIs(t, err, errclass.ErrTransport)
	assert.False(t, retry.IsPermanent(err))
}

func TestNew_InvalidURL(t *testing.T) {
	_, err := gateway.New(gateway.Config{URL: "not a url"}, gateway.SimpleAuth{User: "u"}, nil)
	assert.ErrorIs(t, err, errclass.ErrConfigInvalid)
}

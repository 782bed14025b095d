package gateway

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Resolver maps a host name to its addresses. *net.Resolver satisfies it.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// DialFunc opens a connection to one address.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Dialer spreads connections over every address a host resolves to. Each
// dial picks a random candidate, removes it from the set and tries the next
// random one on failure until the set is empty.
type Dialer struct {
	Resolver Resolver
	Dial     DialFunc

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewDialer returns a Dialer using r, or the system resolver when r is nil.
func NewDialer(r Resolver) *Dialer {
	if r == nil {
		r = net.DefaultResolver
	}
	nd := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}
	return &Dialer{
		Resolver: r,
		Dial:     nd.DialContext,
		rnd:      rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x9e3779b97f4a7c15)),
	}
}

// WithSeed makes candidate order deterministic.
func (d *Dialer) WithSeed(seed uint64) *Dialer {
	d.mu.Lock()
	d.rnd = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	d.mu.Unlock()
	return d
}

// DialContext implements the http.Transport DialContext hook.
func (d *Dialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}
	if net.ParseIP(host) != nil {
		return d.Dial(ctx, network, address)
	}

	addrs, err := d.Resolver.LookupHost(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", host, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("resolve %s: no addresses", host)
	}

	log := zerolog.Ctx(ctx)
	candidates := append([]string(nil), addrs...)
	var lastErr error
	for len(candidates) > 0 {
		i := d.pick(len(candidates))
		addr := candidates[i]
		candidates[i] = candidates[len(candidates)-1]
		candidates = candidates[:len(candidates)-1]

		conn, err := d.Dial(ctx, network, net.JoinHostPort(addr, port))
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Debug().Err(err).Str("host", host).Str("addr", addr).Int("remaining", len(candidates)).Msg("connect failed, trying next address")
	}
	return nil, errors.Join(fmt.Errorf("all %d addresses of %s failed", len(addrs), host), lastErr)
}

func (d *Dialer) pick(n int) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.rnd == nil {
		return rand.IntN(n)
	}
	return d.rnd.IntN(n)
}

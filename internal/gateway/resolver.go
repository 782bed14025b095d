package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"
)

// DNSResolver resolves A and AAAA records against explicit nameservers,
// bypassing the system resolver configuration.
type DNSResolver struct {
	Servers []string
	Client  *dns.Client
}

// NewDNSResolver returns a resolver for servers given as host or host:port.
func NewDNSResolver(servers []string) *DNSResolver {
	normalized := make([]string, 0, len(servers))
	for _, s := range servers {
		if _, _, err := net.SplitHostPort(s); err != nil {
			s = net.JoinHostPort(s, "53")
		}
		normalized = append(normalized, s)
	}
	return &DNSResolver{
		Servers: normalized,
		Client:  &dns.Client{Timeout: 5 * time.Second},
	}
}

// LookupHost returns the IPv4 then IPv6 addresses of host. The first server
// that answers wins.
func (r *DNSResolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	if len(r.Servers) == 0 {
		return nil, errors.New("dns resolver: no nameservers configured")
	}
	var lastErr error
	for _, server := range r.Servers {
		var addrs []string
		var err error
		for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
			var found []string
			found, err = r.query(ctx, server, host, qtype)
			if err != nil {
				break
			}
			addrs = append(addrs, found...)
		}
		if err != nil {
			lastErr = err
			continue
		}
		if len(addrs) == 0 {
			return nil, &net.DNSError{Err: "no such host", Name: host, Server: server, IsNotFound: true}
		}
		return addrs, nil
	}
	return nil, lastErr
}

func (r *DNSResolver) query(ctx context.Context, server, host string, qtype uint16) ([]string, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), qtype)
	m.RecursionDesired = true

	resp, _, err := r.Client.ExchangeContext(ctx, m, server)
	if err != nil {
		return nil, fmt.Errorf("query %s %s via %s: %w", dns.TypeToString[qtype], host, server, err)
	}
	if resp.Rcode == dns.RcodeNameError {
		return nil, nil
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("query %s %s via %s: %s", dns.TypeToString[qtype], host, server, dns.RcodeToString[resp.Rcode])
	}

	var out []string
	for _, rr := range resp.Answer {
		switch v := rr.(type) {
		case *dns.A:
			out = append(out, v.A.String())
		case *dns.AAAA:
			out = append(out, v.AAAA.String())
		}
	}
	return out, nil
}

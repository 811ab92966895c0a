package resolver

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"net/netip"
	"time"

	"github.com/miekg/dns"
)

var _defaultServer = "1.1.1.1:53"

var _ Lookuper = (*DNSLookuper)(nil)

// Exchanger defines the interface for DNS message exchange.
type Exchanger interface {
	ExchangeContext(ctx context.Context, m *dns.Msg, a string) (r *dns.Msg, rtt time.Duration, err error)
}

// RcodeError reports a DNS response with a non-success rcode.
type RcodeError struct {
	Rcode int
}

func (e *RcodeError) Error() string {
	if s, ok := dns.RcodeToString[e.Rcode]; ok {
		return "dns: " + s
	}
	return fmt.Sprintf("dns: rcode %d", e.Rcode)
}

// DNSLookuper queries DNS servers directly, bypassing the system resolver.
type DNSLookuper struct {
	Client  Exchanger
	Servers []string
	Retries uint
}

// NewDNSLookuper creates a DNSLookuper querying servers (host:port). If
// servers is empty, 1.1.1.1:53 is used.
func NewDNSLookuper(timeout time.Duration, servers []string, retries uint) *DNSLookuper {
	return &DNSLookuper{
		Client: &dns.Client{
			Timeout: timeout,
		},
		Servers: servers,
		Retries: retries,
	}
}

// LookupFamily resolves the AAAA (IPv6) or A (IPv4) records of host.
// Transport and parse failures are retried l.Retries additional times;
// a non-success rcode is returned immediately.
func (l *DNSLookuper) LookupFamily(ctx context.Context, host string, family Family) ([]netip.Addr, error) {
	qtype := dns.TypeA
	if family == FamilyIPv6 {
		qtype = dns.TypeAAAA
	}

	var lastErr error
	for attempt := uint(0); attempt <= l.Retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		// Fresh request each attempt: ExchangeContext mutates *dns.Msg
		req := &dns.Msg{}
		req.SetQuestion(dns.Fqdn(host), qtype)

		resp, _, err := l.Client.ExchangeContext(ctx, req, l.getServer())
		if err != nil {
			lastErr = err
			continue
		}
		if resp == nil {
			return nil, ErrEmptyMsg
		}
		if resp.Rcode != dns.RcodeSuccess {
			return nil, &RcodeError{Rcode: resp.Rcode}
		}

		addrs, err := parseAddrs(resp, qtype)
		if err != nil {
			lastErr = err
			continue
		}
		return addrs, nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("dns lookup failed for %q", host)
	}
	return nil, lastErr
}

// parseAddrs returns the addresses of the qtype answers in resp. Other
// answers, such as the CNAME chain leading to them, are skipped.
func parseAddrs(resp *dns.Msg, qtype uint16) ([]netip.Addr, error) {
	if resp == nil {
		return nil, ErrEmptyMsg
	}

	var addrs []netip.Addr
	for _, rr := range resp.Answer {
		var raw []byte
		switch record := rr.(type) {
		case *dns.A:
			if qtype != dns.TypeA {
				continue
			}
			raw = record.A.To4()
		case *dns.AAAA:
			if qtype != dns.TypeAAAA {
				continue
			}
			raw = record.AAAA.To16()
		default:
			continue
		}
		if addr, ok := netip.AddrFromSlice(raw); ok {
			addrs = append(addrs, addr)
		}
	}

	if len(addrs) == 0 {
		return nil, ErrNoRecords
	}

	return addrs, nil
}

// getServer returns a random server from the list of servers.
func (l *DNSLookuper) getServer() string {
	if len(l.Servers) == 0 {
		return _defaultServer
	}

	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(l.Servers))))
	if err != nil {
		return l.Servers[0]
	}

	return l.Servers[n.Int64()]
}

package resolver

import (
	"context"
	"net"
	"net/netip"
)

var _ Lookuper = (*SystemLookuper)(nil)

// SystemLookuper resolves names through a net.Resolver, so /etc/hosts and
// the system DNS configuration apply.
type SystemLookuper struct {
	Resolver *net.Resolver
}

// NewSystemLookuper wraps r. A nil r means net.DefaultResolver.
func NewSystemLookuper(r *net.Resolver) *SystemLookuper {
	if r == nil {
		r = net.DefaultResolver
	}
	return &SystemLookuper{Resolver: r}
}

// LookupFamily implements Lookuper. IPv4 results are unmapped, since
// net.Resolver may report them in their 16-byte form.
func (l *SystemLookuper) LookupFamily(ctx context.Context, host string, family Family) ([]netip.Addr, error) {
	addrs, err := l.Resolver.LookupNetIP(ctx, family.network(), host)
	if err != nil {
		return nil, err
	}
	if family == FamilyIPv4 {
		for i, a := range addrs {
			addrs[i] = a.Unmap()
		}
	}
	return addrs, nil
}

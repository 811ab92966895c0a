// Package resolver turns a hostname and port into a single socket address
// that the socket package can dial.
//
// IPv6 is preferred: a host is looked up for AAAA/IPv6 addresses first and
// for A/IPv4 addresses only when that yields nothing. The first address
// returned wins. IP literals skip the lookup.
//
// # Serialization
//
// A Client guards its Lookuper with a mutex, so at most one resolution is
// in flight per Client. Share one Client across all connections of a
// process to get process-wide serialization:
//
//	res := resolver.New(5 * time.Second)
//	addr, err := res.Resolve(ctx, "example.com", 443)
//	if err != nil {
//		if errors.Is(err, resolver.ErrNoSuchHost) {
//			log.Println("no such host")
//		}
//		return err
//	}
//	fmt.Println(addr.Network(), addr.AddrPort())
//
// # Lookupers
//
//   - SystemLookuper uses a net.Resolver (honors /etc/hosts). Default.
//   - DNSLookuper queries DNS servers directly using github.com/miekg/dns.
//
// # Errors
//
//   - ErrNoSuchHost: neither family produced an address
//   - ErrUnsupportedFamily: the lookup returned an address that is neither IPv4 nor IPv6
//   - ErrEmptyHostname, ErrInvalidPort: bad input
//
// Per-family lookup errors are aggregated with go.uber.org/multierr and
// wrapped inside ErrNoSuchHost.
package resolver

package resolver

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lc/tether/internal/log"
)

var (
	// ErrEmptyHostname is returned when an empty hostname is provided.
	ErrEmptyHostname = errors.New("empty hostname")
	// ErrInvalidPort is returned when a port is outside 0-65535.
	ErrInvalidPort = errors.New("port out of range")
	// ErrNoSuchHost is returned when neither family yields an address.
	ErrNoSuchHost = errors.New("no such host")
	// ErrUnsupportedFamily is returned when a lookup produces an address
	// that is neither IPv4 nor IPv6.
	ErrUnsupportedFamily = errors.New("unsupported address family")
	// ErrNoRecords is returned when a lookup finds no records of the requested family.
	ErrNoRecords = errors.New("no records found")
	// ErrEmptyMsg is returned when the DNS response message is empty.
	ErrEmptyMsg = errors.New("empty message")
)

var _ Resolver = (*Client)(nil)

// Resolver turns a host and port into a single dialable address.
type Resolver interface {
	Resolve(ctx context.Context, host string, port int) (SocketAddress, error)
}

// Lookuper is the name-resolution facility a Client serializes access to.
type Lookuper interface {
	// LookupFamily returns the addresses of host in the given family.
	LookupFamily(ctx context.Context, host string, family Family) ([]netip.Addr, error)
}

// Client is the shared resolver. At most one lookup is in flight per Client,
// so a process that shares one Client never resolves concurrently.
type Client struct {
	Lookuper Lookuper
	Timeout  time.Duration

	log *zap.SugaredLogger
	mu  sync.Mutex
}

// Opt is a function option for configuring the Client.
type Opt func(c *Client)

// New creates a Client backed by the system resolver. A zero timeout
// leaves lookups bounded only by the caller's context.
func New(timeout time.Duration, opts ...Opt) *Client {
	c := &Client{
		Lookuper: NewSystemLookuper(nil),
		Timeout:  timeout,
		log:      log.Named("resolver"),
	}

	for _, o := range opts {
		o(c)
	}

	return c
}

// WithLookuper returns an option to replace the name-resolution facility.
func WithLookuper(l Lookuper) Opt {
	return func(c *Client) {
		c.Lookuper = l
	}
}

// WithTimeout returns an option to set a custom timeout for a resolution.
// This overrides the timeout provided to New.
func WithTimeout(timeout time.Duration) Opt {
	return func(c *Client) {
		c.Timeout = timeout
	}
}

// WithLogger returns an option to set the logger diagnostics are written to.
func WithLogger(l *zap.SugaredLogger) Opt {
	return func(c *Client) {
		c.log = l
	}
}

// Resolve resolves host to one SocketAddress carrying port. IPv6 is tried
// first and IPv4 only when IPv6 yields nothing. IP literals are used as is.
// Failures are not retried.
func (c *Client) Resolve(ctx context.Context, host string, port int) (SocketAddress, error) {
	if strings.TrimSpace(host) == "" {
		return SocketAddress{}, ErrEmptyHostname
	}
	if port < 0 || port > 65535 {
		return SocketAddress{}, fmt.Errorf("%w: %d", ErrInvalidPort, port)
	}

	c.log.Debugf("Resolving %s...", host)

	c.mu.Lock()
	defer c.mu.Unlock()

	addr, err := c.first(ctx, host)
	if err != nil {
		c.log.Errorf("No such host: %s (error %d)", host, ErrorCode(err))
		return SocketAddress{}, fmt.Errorf("%w: %s: %w", ErrNoSuchHost, host, err)
	}

	sa, err := newSocketAddress(addr, uint16(port))
	if err != nil {
		c.log.Errorf("Unexpected address family for %s returned by lookup: %q", host, addr)
		return SocketAddress{}, fmt.Errorf("resolving %s: %w", host, err)
	}

	c.log.Debugf("Connecting to %s...", sa)
	return sa, nil
}

// first returns the first address found for host, IPv6 before IPv4.
func (c *Client) first(ctx context.Context, host string) (netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return addr, nil
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var errs error
	for _, family := range [...]Family{FamilyIPv6, FamilyIPv4} {
		addrs, err := c.Lookuper.LookupFamily(ctx, host, family)
		if err == nil && len(addrs) == 0 {
			err = ErrNoRecords
		}
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s lookup: %w", family, err))
			continue
		}
		return addrs[0], nil
	}

	return netip.Addr{}, errs
}

// LookupAll returns every IPv6 and IPv4 address of host, IPv6 first.
// Both families are queried concurrently; an error is returned only
// when neither produced an address.
func (c *Client) LookupAll(ctx context.Context, host string) ([]netip.Addr, error) {
	if strings.TrimSpace(host) == "" {
		return nil, ErrEmptyHostname
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{addr}, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	grp, ctx := errgroup.WithContext(ctx)

	var (
		results [2][]netip.Addr
		errs    error
		errsMu  sync.Mutex
	)

	for i, family := range [...]Family{FamilyIPv6, FamilyIPv4} {
		grp.Go(func() error {
			addrs, err := c.Lookuper.LookupFamily(ctx, host, family)
			if err != nil {
				errsMu.Lock()
				errs = multierr.Append(errs, fmt.Errorf("%s lookup: %w", family, err))
				errsMu.Unlock()
				return nil
			}
			results[i] = addrs
			return nil
		})
	}

	if err := grp.Wait(); err != nil {
		errs = multierr.Append(errs, err)
	}

	addrs := make([]netip.Addr, 0, len(results[0])+len(results[1]))
	addrs = append(addrs, results[0]...)
	addrs = append(addrs, results[1]...)
	if len(addrs) == 0 {
		if errs == nil {
			errs = ErrNoRecords
		}
		return nil, fmt.Errorf("%w: %s: %w", ErrNoSuchHost, host, errs)
	}
	return addrs, nil
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.Timeout)
}

// ErrorCode extracts the OS errno or DNS rcode carried by err, for
// diagnostics. It returns -1 when err carries neither.
func ErrorCode(err error) int {
	var rc *RcodeError
	if errors.As(err, &rc) {
		return rc.Rcode
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return int(errno)
	}
	return -1
}

// Package socket provides a TCP client connection: resolve, connect with a
// shortened SYN-retry budget, send with partial-write continuation, and a
// blocking receive loop that hands each read to a Handler.
package socket

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/lc/tether/internal/log"
	"github.com/lc/tether/internal/resolver"
)

var (
	// ErrConnect is returned when the socket cannot be created or connected.
	ErrConnect = errors.New("connect failed")
	// ErrNotConnected is returned by Receive before Connect or after close.
	ErrNotConnected = errors.New("socket not connected")
	// ErrAlreadyConnected is returned by Connect on a connected socket.
	ErrAlreadyConnected = errors.New("socket already connected")
	// ErrClosed is returned by Connect on a socket that has been closed.
	ErrClosed = errors.New("socket closed")
	// ErrReceiving is returned by Receive when a receive loop is already running.
	ErrReceiving = errors.New("receive loop already running")
)

// Handler consumes what a Socket receives.
type Handler interface {
	// OnReceive is called once per read with the bytes read. p is reused
	// by the next read and must not be retained.
	OnReceive(p []byte)
	// OnClose is called exactly once, after the connection is released.
	OnClose()
}

// HandlerFuncs adapts a pair of functions to Handler. Nil fields are skipped.
type HandlerFuncs struct {
	Receive func(p []byte)
	Close   func()
}

// OnReceive calls h.Receive.
func (h HandlerFuncs) OnReceive(p []byte) {
	if h.Receive != nil {
		h.Receive(p)
	}
}

// OnClose calls h.Close.
func (h HandlerFuncs) OnClose() {
	if h.Close != nil {
		h.Close()
	}
}

// Dialer opens the connection. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Config holds socket configuration options for the Socket.
type Config struct {
	// SynRetries is the TCP_SYNCNT applied before connecting (Linux only).
	SynRetries int
	// BufferSize is the size of the buffer each read fills.
	BufferSize int
	// ConnectTimeout bounds a connect attempt. Zero leaves it to SynRetries.
	ConnectTimeout time.Duration
}

// DefaultConfig returns a new Config with 3 SYN retries, an 8 KiB
// receive buffer and no connect timeout.
func DefaultConfig() *Config {
	return &Config{
		SynRetries: 3,
		BufferSize: 8192,
	}
}

// withDefaults returns a copy of c with unusable values replaced by their
// defaults. A zero-length buffer would make every read look like EOF.
func (c *Config) withDefaults() *Config {
	d := DefaultConfig()
	if c == nil {
		return d
	}
	out := *c
	if out.SynRetries <= 0 {
		out.SynRetries = d.SynRetries
	}
	if out.BufferSize <= 0 {
		out.BufferSize = d.BufferSize
	}
	if out.ConnectTimeout < 0 {
		out.ConnectTimeout = 0
	}
	return &out
}

// Socket owns one TCP connection for its lifetime. It is single use:
// once closed it cannot be reconnected.
//
// Send is not safe for concurrent use. Receive, Close and Stats may be
// called from any goroutine.
type Socket struct {
	config   *Config
	resolver resolver.Resolver
	handler  Handler
	dialer   Dialer
	log      *zap.SugaredLogger

	mu       sync.Mutex // protects conn, closeErr and the closed transition
	conn     net.Conn
	closeErr error

	closed    atomic.Bool
	receiving atomic.Bool
	hookFired atomic.Bool
	stats     stats
}

// Opt is a function option for configuring the Socket.
type Opt func(s *Socket)

// WithDialer returns an option to replace the dialer. The SYN-retry
// control hook is only installed on the default dialer.
func WithDialer(d Dialer) Opt {
	return func(s *Socket) {
		s.dialer = d
	}
}

// WithLogger returns an option to set the logger diagnostics are written to.
func WithLogger(l *zap.SugaredLogger) Opt {
	return func(s *Socket) {
		s.log = l
	}
}

// New creates an unconnected Socket. If cfg is nil, DefaultConfig() is used;
// a non-positive SynRetries or BufferSize takes its default value.
// res is usually shared between sockets so that resolutions are serialized.
func New(cfg *Config, res resolver.Resolver, h Handler, opts ...Opt) *Socket {
	cfg = cfg.withDefaults()
	if h == nil {
		h = HandlerFuncs{}
	}
	s := &Socket{
		config:   cfg,
		resolver: res,
		handler:  h,
		log:      log.Named("socket", "conn", uuid.NewString()),
	}
	for _, o := range opts {
		o(s)
	}
	if s.dialer == nil {
		s.dialer = &net.Dialer{
			Timeout: cfg.ConnectTimeout,
			Control: synCountControl(cfg.SynRetries, s.log),
		}
	}
	return s
}

// Connect resolves host and connects to it. No socket is created when
// resolution fails, and no connection is left open when connecting fails.
func (s *Socket) Connect(ctx context.Context, host string, port int) (net.Conn, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if s.descriptor() != nil {
		return nil, ErrAlreadyConnected
	}

	addr, err := s.resolver.Resolve(ctx, host, port)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", host, err)
	}

	hostport := net.JoinHostPort(host, strconv.Itoa(port))
	conn, err := s.dialer.DialContext(ctx, addr.Network(), addr.AddrPort().String())
	if err != nil {
		if conn != nil {
			_ = conn.Close()
		}
		s.log.Errorf("Failed to connect to '%s': error %d", hostport, errnoOf(err))
		return nil, fmt.Errorf("%w to %s: %w", ErrConnect, hostport, err)
	}

	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		_ = conn.Close()
		return nil, ErrClosed
	}
	if s.conn != nil {
		s.mu.Unlock()
		_ = conn.Close()
		return nil, ErrAlreadyConnected
	}
	s.conn = conn
	s.mu.Unlock()

	s.log.Debugf("Connected to '%s'.", hostport)
	return conn, nil
}

// Send writes p to the connection. A partial write is logged and the
// remainder written again until everything is out or the write fails.
// Failures are only logged: Send never closes the connection, so a dead
// peer is noticed by Receive.
func (s *Socket) Send(p []byte) {
	conn := s.descriptor()
	if conn == nil {
		s.log.Errorf("Write on unconnected socket dropped %d bytes", len(p))
		return
	}

	for len(p) > 0 {
		n, err := conn.Write(p)
		if n > 0 {
			s.stats.bytesSent.Add(int64(n))
		}

		switch {
		case err == nil && n == len(p):
			return
		case err == nil && n > 0:
			s.stats.partialWrites.Inc()
			s.log.Warnf("Unable to write entire packet (%d of %d bytes), retrying...", n, len(p))
			p = p[n:]
		case err == nil, errors.Is(err, io.EOF):
			s.log.Debug("Closed by peer")
			return
		default:
			s.log.Errorf("Write error %d: %v", errnoOf(err), err)
			return
		}
	}
}

// Receive runs the receive loop until the peer closes the connection, a
// read fails, or ctx is done. Each read is passed to the Handler; when the
// loop ends the connection is released and OnClose is called. No read is
// issued after that.
//
// Receive returns ErrNotConnected if there is no connection and
// ErrReceiving if another loop is running; otherwise it returns nil once
// the loop ends.
func (s *Socket) Receive(ctx context.Context) error {
	if !s.receiving.CompareAndSwap(false, true) {
		return ErrReceiving
	}
	defer s.receiving.Store(false)

	conn := s.descriptor()
	if conn == nil {
		if s.closed.Load() {
			// Close may have run while we were starting and left the hook to us.
			s.fireClose()
		}
		return ErrNotConnected
	}

	stop := context.AfterFunc(ctx, func() {
		s.log.Debugf("Receive canceled: %v", context.Cause(ctx))
		_ = s.release()
	})
	defer stop()

	buf := make([]byte, s.config.BufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			s.stats.reads.Inc()
			s.stats.bytesReceived.Add(int64(n))
			s.handler.OnReceive(buf[:n])
			if err == nil {
				continue
			}
		}

		switch {
		case err == nil, errors.Is(err, io.EOF):
			s.log.Debug("Closed by peer")
		case errors.Is(err, net.ErrClosed):
			s.log.Debug("Closed locally")
		default:
			s.log.Errorf("Receive error %d: %v", errnoOf(err), err)
		}

		_ = s.release()
		s.fireClose()
		return nil
	}
}

// Close releases the connection and makes sure OnClose is called once.
// While a receive loop is running, the loop calls OnClose when it stops,
// so the hook never overlaps an OnReceive. Later calls return the first
// call's result. It is safe to call from OnClose.
func (s *Socket) Close() error {
	err := s.release()
	if !s.receiving.Load() {
		s.fireClose()
	}
	return err
}

// release closes the connection once and records the result.
func (s *Socket) release() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.CompareAndSwap(false, true) && s.conn != nil {
		s.closeErr = s.conn.Close()
		s.conn = nil
	}
	return s.closeErr
}

func (s *Socket) fireClose() {
	if s.hookFired.CompareAndSwap(false, true) {
		s.handler.OnClose()
	}
}

// Stats returns a snapshot of the socket's counters.
func (s *Socket) Stats() Stats {
	return s.stats.snapshot()
}

func (s *Socket) descriptor() net.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// errnoOf returns the OS error code carried by err, or -1.
func errnoOf(err error) int {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return int(errno)
	}
	return -1
}

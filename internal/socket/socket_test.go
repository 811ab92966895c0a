package socket

import (
	"context"
	"errors"
	"io"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/lc/tether/internal/echo"
	"github.com/lc/tether/internal/resolver"
)

// recorder is a Handler that keeps copies of everything it is handed.
type recorder struct {
	mu      sync.Mutex
	chunks  [][]byte
	closes  atomic.Int32
	late    atomic.Int32
	onClose func()
}

func (r *recorder) OnReceive(p []byte) {
	if r.closes.Load() > 0 {
		r.late.Inc()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chunks = append(r.chunks, append([]byte(nil), p...))
}

func (r *recorder) OnClose() {
	r.closes.Inc()
	if r.onClose != nil {
		r.onClose()
	}
}

func (r *recorder) received() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []byte
	for _, c := range r.chunks {
		out = append(out, c...)
	}
	return out
}

func (r *recorder) chunkStrings() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.chunks))
	for _, c := range r.chunks {
		out = append(out, string(c))
	}
	return out
}

// fakeResolver returns a fixed result and counts calls.
type fakeResolver struct {
	addr  resolver.SocketAddress
	err   error
	calls atomic.Int32
}

func (f *fakeResolver) Resolve(_ context.Context, _ string, port int) (resolver.SocketAddress, error) {
	f.calls.Inc()
	if f.err != nil {
		return resolver.SocketAddress{}, f.err
	}
	addr := f.addr
	addr.Port = uint16(port)
	return addr, nil
}

type dialerFunc func(ctx context.Context, network, address string) (net.Conn, error)

func (f dialerFunc) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return f(ctx, network, address)
}

type ioResult struct {
	data []byte
	n    int
	err  error
}

// scriptedConn plays back a fixed sequence of read and write results.
type scriptedConn struct {
	net.Conn

	mu      sync.Mutex
	reads   []ioResult
	writes  []ioResult
	written []byte
	closes  int
}

func (c *scriptedConn) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.reads) == 0 {
		return 0, io.EOF
	}
	r := c.reads[0]
	c.reads = c.reads[1:]
	return copy(p, r.data), r.err
}

func (c *scriptedConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(p)
	var err error
	if len(c.writes) > 0 {
		w := c.writes[0]
		c.writes = c.writes[1:]
		n, err = w.n, w.err
	}
	c.written = append(c.written, p[:n]...)
	return n, err
}

func (c *scriptedConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	return nil
}

type SocketTestSuite struct {
	suite.Suite
	logs     *observer.ObservedLogs
	logger   *zap.SugaredLogger
	resolver *resolver.Client
	handler  *recorder
}

func (s *SocketTestSuite) SetupTest() {
	var core zapcore.Core
	core, s.logs = observer.New(zap.DebugLevel)
	s.logger = zap.New(core).Sugar()
	s.resolver = resolver.New(time.Second, resolver.WithLogger(zap.NewNop().Sugar()))
	s.handler = &recorder{}
}

func (s *SocketTestSuite) newSocket(opts ...Opt) *Socket {
	opts = append([]Opt{WithLogger(s.logger)}, opts...)
	return New(DefaultConfig(), s.resolver, s.handler, opts...)
}

// scripted returns a socket connected to conn.
func (s *SocketTestSuite) scripted(conn *scriptedConn) *Socket {
	sock := s.newSocket(WithDialer(dialerFunc(func(context.Context, string, string) (net.Conn, error) {
		return conn, nil
	})))
	_, err := sock.Connect(context.Background(), "127.0.0.1", 7)
	s.Require().NoError(err)
	return sock
}

// startEcho runs an echo server for the duration of the test.
func (s *SocketTestSuite) startEcho() int {
	srv, err := echo.Listen("127.0.0.1:0")
	s.Require().NoError(err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	s.T().Cleanup(func() {
		cancel()
		<-done
	})

	return srv.Addr().(*net.TCPAddr).Port
}

// receive runs the receive loop in the background and returns a channel
// carrying its result.
func (s *SocketTestSuite) receive(ctx context.Context, sock *Socket) <-chan error {
	done := make(chan error, 1)
	go func() { done <- sock.Receive(ctx) }()
	s.Eventually(sock.receiving.Load, time.Second, 5*time.Millisecond)
	return done
}

func (s *SocketTestSuite) waitReceive(done <-chan error) {
	select {
	case err := <-done:
		s.NoError(err)
	case <-time.After(5 * time.Second):
		s.FailNow("receive loop did not stop")
	}
}

func (s *SocketTestSuite) TestDefaultConfig() {
	cfg := DefaultConfig()

	s.Equal(3, cfg.SynRetries)
	s.Equal(8192, cfg.BufferSize)
	s.Zero(cfg.ConnectTimeout)
}

func (s *SocketTestSuite) TestNewDefaultDialer() {
	cfg := &Config{SynRetries: 3, BufferSize: 512, ConnectTimeout: 2 * time.Second}
	sock := New(cfg, s.resolver, nil)

	s.Require().IsType(&net.Dialer{}, sock.dialer)
	s.Equal(2*time.Second, sock.dialer.(*net.Dialer).Timeout)
	s.NotPanics(func() {
		sock.handler.OnReceive([]byte("x"))
		sock.handler.OnClose()
	})
}

func (s *SocketTestSuite) TestNewFillsUnusableConfig() {
	testCases := []struct {
		name     string
		config   *Config
		expected Config
	}{
		{
			name:     "nil",
			expected: Config{SynRetries: 3, BufferSize: 8192},
		},
		{
			name:     "zero value",
			config:   &Config{},
			expected: Config{SynRetries: 3, BufferSize: 8192},
		},
		{
			name:     "negative values",
			config:   &Config{SynRetries: -1, BufferSize: -1, ConnectTimeout: -time.Second},
			expected: Config{SynRetries: 3, BufferSize: 8192},
		},
		{
			name:     "explicit values kept",
			config:   &Config{SynRetries: 5, BufferSize: 1024, ConnectTimeout: time.Second},
			expected: Config{SynRetries: 5, BufferSize: 1024, ConnectTimeout: time.Second},
		},
	}

	for _, tc := range testCases {
		s.Run(tc.name, func() {
			var before Config
			if tc.config != nil {
				before = *tc.config
			}

			sock := New(tc.config, s.resolver, nil)

			s.Equal(tc.expected, *sock.config)
			if tc.config != nil {
				s.Equal(before, *tc.config)
			}
		})
	}
}

func (s *SocketTestSuite) TestZeroBufferSizeKeepsConnectionOpen() {
	port := s.startEcho()
	sock := New(&Config{SynRetries: 3}, s.resolver, s.handler, WithLogger(s.logger))
	_, err := sock.Connect(context.Background(), "127.0.0.1", port)
	s.Require().NoError(err)

	done := s.receive(context.Background(), sock)
	sock.Send([]byte("ping"))

	s.Eventually(func() bool {
		return string(s.handler.received()) == "ping"
	}, 2*time.Second, 10*time.Millisecond)
	s.Zero(s.handler.closes.Load())

	s.Require().NoError(sock.Close())
	s.waitReceive(done)
	s.Equal(int32(1), s.handler.closes.Load())
}

func (s *SocketTestSuite) TestNegativeBufferSizeDoesNotPanic() {
	conn := &scriptedConn{reads: []ioResult{{data: []byte("data"), err: io.EOF}}}
	sock := New(&Config{BufferSize: -1}, s.resolver, s.handler,
		WithLogger(s.logger),
		WithDialer(dialerFunc(func(context.Context, string, string) (net.Conn, error) {
			return conn, nil
		})),
	)
	_, err := sock.Connect(context.Background(), "127.0.0.1", 7)
	s.Require().NoError(err)

	s.NotPanics(func() {
		s.NoError(sock.Receive(context.Background()))
	})
	s.Equal([]string{"data"}, s.handler.chunkStrings())
}

func (s *SocketTestSuite) TestEchoRoundTrip() {
	port := s.startEcho()
	sock := s.newSocket()

	conn, err := sock.Connect(context.Background(), "127.0.0.1", port)
	s.Require().NoError(err)
	s.NotNil(conn)

	done := s.receive(context.Background(), sock)
	sock.Send([]byte("ping"))

	s.Eventually(func() bool {
		return string(s.handler.received()) == "ping"
	}, 2*time.Second, 10*time.Millisecond)

	s.Require().NoError(sock.Close())
	s.waitReceive(done)

	s.Equal(int32(1), s.handler.closes.Load())
	s.Zero(s.handler.late.Load())
	s.Equal(1, s.logs.FilterMessage("Closed locally").Len())

	stats := sock.Stats()
	s.Equal(int64(4), stats.BytesSent)
	s.Equal(int64(4), stats.BytesReceived)
	s.Zero(stats.PartialWrites)
}

func (s *SocketTestSuite) TestPeerClosesImmediately() {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	s.Require().NoError(err)
	defer ln.Close()
	go func() {
		if c, err := ln.Accept(); err == nil {
			_ = c.Close()
		}
	}()

	sock := s.newSocket()
	_, err = sock.Connect(context.Background(), "127.0.0.1", ln.Addr().(*net.TCPAddr).Port)
	s.Require().NoError(err)

	s.Require().NoError(sock.Receive(context.Background()))

	s.Empty(s.handler.chunks)
	s.Equal(int32(1), s.handler.closes.Load())
	s.Equal(1, s.logs.FilterMessage("Closed by peer").Len())
	s.Nil(sock.descriptor())
}

func (s *SocketTestSuite) TestConnectRefused() {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	s.Require().NoError(err)
	port := ln.Addr().(*net.TCPAddr).Port
	s.Require().NoError(ln.Close())

	sock := s.newSocket()
	start := time.Now()
	conn, err := sock.Connect(context.Background(), "127.0.0.1", port)

	s.Nil(conn)
	s.ErrorIs(err, ErrConnect)
	s.ErrorIs(err, syscall.ECONNREFUSED)
	s.Less(time.Since(start), 2*time.Second)

	hostport := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	msg := "Failed to connect to '" + hostport + "': error " + strconv.Itoa(int(syscall.ECONNREFUSED))
	s.Equal(1, s.logs.FilterMessage(msg).Len())
	s.Nil(sock.descriptor())
}

func (s *SocketTestSuite) TestResolutionFailureSkipsDial() {
	res := &fakeResolver{err: resolver.ErrNoSuchHost}
	var dials atomic.Int32
	sock := New(DefaultConfig(), res, s.handler,
		WithLogger(s.logger),
		WithDialer(dialerFunc(func(context.Context, string, string) (net.Conn, error) {
			dials.Inc()
			return nil, errors.New("unexpected dial")
		})),
	)

	_, err := sock.Connect(context.Background(), "nonexistent.invalid", 80)

	s.ErrorIs(err, resolver.ErrNoSuchHost)
	s.NotErrorIs(err, ErrConnect)
	s.Equal(int32(1), res.calls.Load())
	s.Zero(dials.Load())
}

func (s *SocketTestSuite) TestConnectDialsResolvedAddress() {
	res := &fakeResolver{addr: resolver.SocketAddress{
		Family: resolver.FamilyIPv6,
		Addr:   netip.MustParseAddr("2001:db8::1"),
	}}
	var network, address string
	sock := New(DefaultConfig(), res, s.handler,
		WithLogger(s.logger),
		WithDialer(dialerFunc(func(_ context.Context, n, a string) (net.Conn, error) {
			network, address = n, a
			return &scriptedConn{}, nil
		})),
	)

	_, err := sock.Connect(context.Background(), "example.com", 443)

	s.Require().NoError(err)
	s.Equal("tcp6", network)
	s.Equal("[2001:db8::1]:443", address)
	s.Equal(1, s.logs.FilterMessage("Connected to 'example.com:443'.").Len())
}

func (s *SocketTestSuite) TestConnectClosesConnOnDialError() {
	conn := &scriptedConn{}
	sock := s.newSocket(WithDialer(dialerFunc(func(context.Context, string, string) (net.Conn, error) {
		return conn, syscall.ETIMEDOUT
	})))

	_, err := sock.Connect(context.Background(), "127.0.0.1", 80)

	s.ErrorIs(err, ErrConnect)
	s.ErrorIs(err, syscall.ETIMEDOUT)
	s.Equal(1, conn.closes)
	s.Nil(sock.descriptor())
}

func (s *SocketTestSuite) TestConnectStates() {
	sock := s.scripted(&scriptedConn{})

	_, err := sock.Connect(context.Background(), "127.0.0.1", 7)
	s.ErrorIs(err, ErrAlreadyConnected)

	s.Require().NoError(sock.Close())
	_, err = sock.Connect(context.Background(), "127.0.0.1", 7)
	s.ErrorIs(err, ErrClosed)
}

func (s *SocketTestSuite) TestSendPartialWrites() {
	conn := &scriptedConn{writes: []ioResult{{n: 3}, {n: 4}, {n: 3}}}
	sock := s.scripted(conn)

	sock.Send([]byte("0123456789"))

	s.Equal("0123456789", string(conn.written))
	s.Equal(2, s.logs.FilterLevelExact(zap.WarnLevel).Len())
	s.Equal(1, s.logs.FilterMessage("Unable to write entire packet (3 of 10 bytes), retrying...").Len())
	s.Equal(1, s.logs.FilterMessage("Unable to write entire packet (4 of 7 bytes), retrying...").Len())

	stats := sock.Stats()
	s.Equal(int64(10), stats.BytesSent)
	s.Equal(int64(2), stats.PartialWrites)
}

func (s *SocketTestSuite) TestSendFailures() {
	testCases := []struct {
		name     string
		write    ioResult
		expected string
		level    zapcore.Level
	}{
		{
			name:     "zero bytes written",
			write:    ioResult{n: 0},
			expected: "Closed by peer",
			level:    zap.DebugLevel,
		},
		{
			name:     "eof",
			write:    ioResult{err: io.EOF},
			expected: "Closed by peer",
			level:    zap.DebugLevel,
		},
		{
			name:     "broken pipe",
			write:    ioResult{err: syscall.EPIPE},
			expected: "Write error " + strconv.Itoa(int(syscall.EPIPE)) + ": broken pipe",
			level:    zap.ErrorLevel,
		},
	}

	for _, tc := range testCases {
		s.Run(tc.name, func() {
			s.SetupTest()
			conn := &scriptedConn{writes: []ioResult{tc.write}}
			sock := s.scripted(conn)

			sock.Send([]byte("data"))

			entries := s.logs.FilterMessage(tc.expected).All()
			s.Require().Len(entries, 1)
			s.Equal(tc.level, entries[0].Level)
			s.Zero(conn.closes)
			s.NotNil(sock.descriptor())
			s.Zero(s.handler.closes.Load())
		})
	}
}

func (s *SocketTestSuite) TestSendEmptyIsNoop() {
	conn := &scriptedConn{}
	sock := s.scripted(conn)

	sock.Send(nil)

	s.Empty(conn.written)
	s.Zero(s.logs.Len() - s.logs.FilterMessageSnippet("Connected to").Len())
}

func (s *SocketTestSuite) TestSendUnconnected() {
	sock := s.newSocket()

	sock.Send([]byte("lost"))

	s.Equal(1, s.logs.FilterMessage("Write on unconnected socket dropped 4 bytes").Len())
	s.Zero(sock.Stats().BytesSent)
}

func (s *SocketTestSuite) TestReceiveDeliversChunksInOrder() {
	conn := &scriptedConn{reads: []ioResult{
		{data: []byte("one")},
		{data: []byte("two")},
		{data: []byte("three"), err: io.EOF},
	}}
	sock := s.scripted(conn)

	s.Require().NoError(sock.Receive(context.Background()))

	s.Equal([]string{"one", "two", "three"}, s.handler.chunkStrings())
	s.Equal(int32(1), s.handler.closes.Load())
	s.Equal(1, conn.closes)

	stats := sock.Stats()
	s.Equal(int64(3), stats.Reads)
	s.Equal(int64(11), stats.BytesReceived)
}

func (s *SocketTestSuite) TestReceiveZeroLengthRead() {
	conn := &scriptedConn{reads: []ioResult{
		{},
		{data: []byte("never")},
	}}
	sock := s.scripted(conn)

	s.Require().NoError(sock.Receive(context.Background()))

	s.Empty(s.handler.chunkStrings())
	s.Equal(int32(1), s.handler.closes.Load())
	s.Len(conn.reads, 1)
	s.Equal(1, conn.closes)
	s.Equal(1, s.logs.FilterMessage("Closed by peer").Len())
	s.Zero(sock.Stats().Reads)
}

func (s *SocketTestSuite) TestReceiveError() {
	conn := &scriptedConn{reads: []ioResult{
		{data: []byte("a")},
		{err: syscall.ECONNRESET},
		{data: []byte("never")},
	}}
	sock := s.scripted(conn)

	s.Require().NoError(sock.Receive(context.Background()))

	s.Equal([]string{"a"}, s.handler.chunkStrings())
	s.Equal(int32(1), s.handler.closes.Load())
	s.Zero(s.handler.late.Load())
	s.Len(conn.reads, 1)

	msg := "Receive error " + strconv.Itoa(int(syscall.ECONNRESET)) + ": connection reset by peer"
	s.Equal(1, s.logs.FilterMessage(msg).Len())

	// A finished loop cannot be restarted.
	s.ErrorIs(sock.Receive(context.Background()), ErrNotConnected)
	s.Equal(int32(1), s.handler.closes.Load())
}

func (s *SocketTestSuite) TestReceiveBufferSize() {
	conn := &scriptedConn{reads: []ioResult{{data: make([]byte, 1024)}}}
	sock := New(&Config{BufferSize: 512}, s.resolver, s.handler,
		WithLogger(s.logger),
		WithDialer(dialerFunc(func(context.Context, string, string) (net.Conn, error) {
			return conn, nil
		})),
	)
	_, err := sock.Connect(context.Background(), "127.0.0.1", 7)
	s.Require().NoError(err)

	s.Require().NoError(sock.Receive(context.Background()))

	s.Require().Len(s.handler.chunks, 1)
	s.Len(s.handler.chunks[0], 512)
}

func (s *SocketTestSuite) TestReceiveNotConnected() {
	sock := s.newSocket()

	s.ErrorIs(sock.Receive(context.Background()), ErrNotConnected)
	s.Zero(s.handler.closes.Load())
}

func (s *SocketTestSuite) TestReceiveAlreadyRunning() {
	port := s.startEcho()
	sock := s.newSocket()
	_, err := sock.Connect(context.Background(), "127.0.0.1", port)
	s.Require().NoError(err)

	done := s.receive(context.Background(), sock)

	s.ErrorIs(sock.Receive(context.Background()), ErrReceiving)

	s.Require().NoError(sock.Close())
	s.waitReceive(done)
	s.Equal(int32(1), s.handler.closes.Load())
}

func (s *SocketTestSuite) TestReceiveCanceled() {
	port := s.startEcho()
	sock := s.newSocket()
	_, err := sock.Connect(context.Background(), "127.0.0.1", port)
	s.Require().NoError(err)

	ctx, cancel := context.WithCancel(context.Background())
	done := s.receive(ctx, sock)
	cancel()
	s.waitReceive(done)

	s.Equal(int32(1), s.handler.closes.Load())
	s.Equal(1, s.logs.FilterMessageSnippet("Receive canceled").Len())
	s.Equal(1, s.logs.FilterMessage("Closed locally").Len())
	s.Nil(sock.descriptor())

	// The hook already ran; closing again is harmless.
	s.NoError(sock.Close())
	s.Equal(int32(1), s.handler.closes.Load())
}

func (s *SocketTestSuite) TestCloseBeforeConnect() {
	sock := s.newSocket()

	s.NoError(sock.Close())
	s.NoError(sock.Close())

	s.Equal(int32(1), s.handler.closes.Load())
	_, err := sock.Connect(context.Background(), "127.0.0.1", 7)
	s.ErrorIs(err, ErrClosed)
}

func (s *SocketTestSuite) TestCloseFromHook() {
	conn := &scriptedConn{}
	sock := s.scripted(conn)
	s.handler.onClose = func() { _ = sock.Close() }

	s.Require().NoError(sock.Receive(context.Background()))

	s.Equal(int32(1), s.handler.closes.Load())
	s.Equal(1, conn.closes)
}

func (s *SocketTestSuite) TestConcurrentClose() {
	conn := &scriptedConn{}
	sock := s.scripted(conn)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = sock.Close()
		}()
	}
	wg.Wait()

	s.Equal(1, conn.closes)
	s.Equal(int32(1), s.handler.closes.Load())
}

func (s *SocketTestSuite) TestHandlerFuncs() {
	var got string
	var closed bool
	h := HandlerFuncs{
		Receive: func(p []byte) { got = string(p) },
		Close:   func() { closed = true },
	}

	h.OnReceive([]byte("hi"))
	h.OnClose()

	s.Equal("hi", got)
	s.True(closed)
}

func (s *SocketTestSuite) TestErrnoOf() {
	s.Equal(int(syscall.ECONNREFUSED), errnoOf(&net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}))
	s.Equal(-1, errnoOf(errors.New("plain")))
}

func TestSocketSuite(t *testing.T) {
	suite.Run(t, new(SocketTestSuite))
}

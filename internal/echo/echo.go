// Package echo provides a TCP echo server. The CLI's echo command runs it
// as a peer to test connections against.
package echo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lc/tether/internal/log"
)

// Server echoes every byte it reads back to the sender.
type Server struct {
	ln  net.Listener
	log *zap.SugaredLogger

	wg    sync.WaitGroup
	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// Listen creates a Server listening on addr (host:port, port 0 picks one).
func Listen(addr string) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("creating echo listener: %w", err)
	}
	return &Server{
		ln:    ln,
		log:   log.Named("echo"),
		conns: make(map[net.Conn]struct{}),
	}, nil
}

// Addr returns the address the server listens on.
func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// Serve accepts connections until ctx is done or Close is called, then
// closes every open connection and waits for their handlers.
func (s *Server) Serve(ctx context.Context) error {
	grp, ctx := errgroup.WithContext(ctx)

	done := make(chan struct{})
	grp.Go(func() error {
		select {
		case <-ctx.Done():
		case <-done:
		}
		return s.Close()
	})

	grp.Go(func() error {
		defer close(done)
		for {
			conn, err := s.ln.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return nil
				}
				return fmt.Errorf("accepting: %w", err)
			}
			s.track(conn)
			s.wg.Add(1)
			go s.handle(conn)
		}
	})

	err := grp.Wait()
	s.closeConns()
	s.wg.Wait()
	return err
}

// Close stops the listener. Serve returns once open connections are done.
func (s *Server) Close() error {
	if err := s.ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

func (s *Server) handle(conn net.Conn) {
	defer s.wg.Done()
	defer s.untrack(conn)

	s.log.Debugf("echo: accepted %s", conn.RemoteAddr())
	n, err := io.Copy(conn, conn)
	if err != nil && !errors.Is(err, net.ErrClosed) {
		s.log.Warnf("echo: %s: %v", conn.RemoteAddr(), err)
	}
	s.log.Debugf("echo: %s done after %d bytes", conn.RemoteAddr(), n)
}

func (s *Server) track(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[conn] = struct{}{}
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
	_ = conn.Close()
}

func (s *Server) closeConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
	}
}

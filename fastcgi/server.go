package fastcgi

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/netutil"
)

//ErrServerClosed is returned by Serve after Shutdown.
var ErrServerClosed = errors.New("fastcgi: server closed")

// Capabilities are the values reported to FCGI_GET_VALUES queries. MaxConns also limits
// accepted connections and MaxReqs bounds concurrent invocations per connection; zero
// leaves either unbounded.
type Capabilities struct {
	MaxConns  int
	MaxReqs   int
	Multiplex bool
}

// Server is a FastCGI responder.
type Server struct {
	App          Application
	Capabilities Capabilities
	Log          logrus.FieldLogger

	metrics *Metrics

	mu        sync.Mutex
	listeners map[net.Listener]struct{}
	conns     map[*conn]struct{}
	inflight  sync.WaitGroup
	shutdown  int32
}

// Option configures a Server.
type Option func(s *Server)

// WithLogger sets the logger used for connections and invocations.
func WithLogger(log logrus.FieldLogger) Option {
	return func(s *Server) {
		s.Log = log
	}
}

// WithMetrics reports engine activity into m.
func WithMetrics(m *Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

//NewServer returns a responder invoking app for every completed request
func NewServer(app Application, caps Capabilities, opts ...Option) *Server {
	s := &Server{
		App:          app,
		Capabilities: caps,
		listeners:    make(map[net.Listener]struct{}),
		conns:        make(map[*conn]struct{}),
	}

	for _, fn := range opts {
		fn(s)
	}

	if s.metrics == nil {
		s.metrics = NewMetrics(nil)
	}

	return s
}

func (s *Server) logger() logrus.FieldLogger {
	if s.Log == nil {
		return logrus.StandardLogger()
	}

	return s.Log
}

func (s *Server) shuttingDown() bool {
	return atomic.LoadInt32(&s.shutdown) == 1
}

// Serve accepts connections on l and serves each on its own goroutine. It returns
// ErrServerClosed after Shutdown.
func (s *Server) Serve(l net.Listener) error {
	if s.Capabilities.MaxConns > 0 {
		l = netutil.LimitListener(l, s.Capabilities.MaxConns)
	}

	if !s.trackListener(l) {
		_ = l.Close()
		return ErrServerClosed
	}
	defer s.untrackListener(l)

	var tempDelay time.Duration

	for {
		rwc, err := l.Accept()
		if err != nil {
			if s.shuttingDown() {
				return ErrServerClosed
			}

			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}

				if max := time.Second; tempDelay > max {
					tempDelay = max
				}

				s.logger().WithError(err).Warnf("accept error, retrying in %v", tempDelay)
				time.Sleep(tempDelay)
				continue
			}

			return errors.Wrap(err, "accept")
		}

		tempDelay = 0
		go s.ServeConn(rwc)
	}
}

// ServeConn serves records on rwc until the peer disconnects, a transport error occurs or
// a request without keep-alive completes its input. It never returns an error; failures
// are logged and close the connection.
func (s *Server) ServeConn(rwc io.ReadWriteCloser) {
	c := newConn(s, rwc)

	if !s.track(c) {
		c.close()
		return
	}

	c.serve()
}

//invoke runs the application for ctx without blocking the read loop. It reports false
//once Shutdown has started; the in-flight count only grows before Shutdown waits on it.
func (s *Server) invoke(c *conn, ctx *Context) bool {
	s.mu.Lock()
	if s.shuttingDown() {
		s.mu.Unlock()
		return false
	}
	s.inflight.Add(1)
	s.mu.Unlock()

	s.metrics.requestStarted()

	go func() {
		defer s.inflight.Done()
		defer s.metrics.requestFinished()

		c.finish(ctx, c.run(ctx))
	}()

	return true
}

// Shutdown stops accepting, closes every connection and waits for running invocations
// until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	atomic.StoreInt32(&s.shutdown, 1)

	for l := range s.listeners {
		_ = l.Close()
	}

	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.close()
	}

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "waiting for running requests")
	}
}

func (s *Server) trackListener(l net.Listener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shuttingDown() {
		return false
	}
	s.listeners[l] = struct{}{}

	return true
}

func (s *Server) untrackListener(l net.Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.listeners, l)
}

func (s *Server) track(c *conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shuttingDown() {
		return false
	}
	s.conns[c] = struct{}{}
	s.metrics.connOpened()

	return true
}

func (s *Server) untrack(c *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conns[c]; !ok {
		return
	}
	delete(s.conns, c)
	s.metrics.connClosed()
}

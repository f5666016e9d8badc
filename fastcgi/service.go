package fastcgi

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"fcgihost/service"
)

// ID is the name of the fastcgi service and of its config section.
const ID = "fcgi"

// Config configures the fastcgi service.
type Config struct {
	Network   string `json:"network"`
	Address   string `json:"address"`
	MaxConns  int    `json:"max_conns"`
	MaxReqs   int    `json:"max_reqs"`
	Multiplex *bool  `json:"multiplex"`

	//ShutdownTimeout bounds how long Stop waits for running requests
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
}

// InitDefaults fills unset values.
func (c *Config) InitDefaults() {
	if c.Network == "" {
		c.Network = "tcp"
	}

	if c.Address == "" {
		c.Address = "127.0.0.1:9000"
	}

	if c.Multiplex == nil {
		mpxs := true
		c.Multiplex = &mpxs
	}

	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
}

// Valid reports configuration errors.
func (c *Config) Valid() error {
	if c.MaxConns < 0 {
		return errors.Errorf("max_conns must not be negative, got %d", c.MaxConns)
	}

	if c.MaxReqs < 0 {
		return errors.Errorf("max_reqs must not be negative, got %d", c.MaxReqs)
	}

	return nil
}

func (c *Config) capabilities() Capabilities {
	return Capabilities{
		MaxConns:  c.MaxConns,
		MaxReqs:   c.MaxReqs,
		Multiplex: c.Multiplex != nil && *c.Multiplex,
	}
}

// Service runs a Server on the configured listener inside a service.Container.
type Service struct {
	App      Application
	Registry prometheus.Registerer

	mu       sync.Mutex
	cfg      Config
	log      logrus.FieldLogger
	srv      *Server
	listener net.Listener
}

// Init implements service.Initializer.
func (s *Service) Init(cfg service.Config, log logrus.FieldLogger) (bool, error) {
	var c Config
	if err := cfg.Unmarshal(&c); err != nil {
		return false, err
	}

	c.InitDefaults()
	if err := c.Valid(); err != nil {
		return false, err
	}

	if s.App == nil {
		return false, errors.New("no application configured")
	}

	s.cfg = c
	s.log = log
	s.srv = NewServer(s.App, c.capabilities(), WithLogger(log), WithMetrics(NewMetrics(s.Registry)))

	return true, nil
}

// Server returns the configured server, nil before Init.
func (s *Service) Server() *Server {
	return s.srv
}

// Addr returns the listening address once Serve has started.
func (s *Service) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return nil
	}

	return s.listener.Addr()
}

// Serve implements service.Service.
func (s *Service) Serve() error {
	l, err := net.Listen(s.cfg.Network, s.cfg.Address)
	if err != nil {
		return errors.Wrapf(err, "listen %s %s", s.cfg.Network, s.cfg.Address)
	}

	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()

	s.log.Infof("listening on %s %s", s.cfg.Network, l.Addr())

	if err := s.srv.Serve(l); err != nil && err != ErrServerClosed {
		return err
	}

	return nil
}

// Stop implements service.Service.
func (s *Service) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	if err := s.srv.Shutdown(ctx); err != nil {
		s.log.WithError(err).Warn("shutdown")
	}
}

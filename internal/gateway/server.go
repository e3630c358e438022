package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mealhub/gateway/config"
	"github.com/mealhub/gateway/internal/logging"
)

const (
	defaultShutdownTimeout = 30 * time.Second
	defaultConnectTimeout  = 30 * time.Second
	defaultPingTimeout     = 5 * time.Second
)

// Server runs the public and admin listeners around a Gateway.
type Server struct {
	config  *config.Config
	gateway *Gateway

	public *http.Server
	admin  *http.Server

	mu       sync.Mutex
	publicLn net.Listener
	adminLn  net.Listener
	closers  []io.Closer
}

// NewServer creates a server. Nothing is bound until Listen or Run.
func NewServer(cfg *config.Config, opts ...Option) (*Server, error) {
	gw, err := New(cfg, opts...)
	if err != nil {
		return nil, err
	}

	s := &Server{
		config:  cfg,
		gateway: gw,
	}

	errLog := zap.NewStdLog(logging.Global())
	s.public = &http.Server{
		Addr:              cfg.Listener.Address,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: cfg.Listener.ReadHeaderTimeout,
		ReadTimeout:       cfg.Listener.ReadTimeout,
		WriteTimeout:      cfg.Listener.WriteTimeout,
		IdleTimeout:       cfg.Listener.IdleTimeout,
		ErrorLog:          errLog,
	}

	if cfg.Admin.Enabled {
		s.admin = &http.Server{
			Addr:              ":" + strconv.Itoa(cfg.Admin.Port),
			Handler:           s.adminHandler(),
			ReadHeaderTimeout: 10 * time.Second,
			ErrorLog:          errLog,
		}
	}

	return s, nil
}

// Gateway returns the underlying gateway.
func (s *Server) Gateway() *Gateway {
	return s.gateway
}

// AddCloser registers c to be closed after shutdown, e.g. a log file.
func (s *Server) AddCloser(c io.Closer) {
	if c == nil {
		return
	}
	s.mu.Lock()
	s.closers = append(s.closers, c)
	s.mu.Unlock()
}

// Listen binds the listeners. Run calls it when it has not been called.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.publicLn == nil {
		ln, err := net.Listen("tcp", s.public.Addr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", s.public.Addr, err)
		}
		s.publicLn = ln
	}
	if s.admin != nil && s.adminLn == nil {
		ln, err := net.Listen("tcp", s.admin.Addr)
		if err != nil {
			s.publicLn.Close()
			s.publicLn = nil
			return fmt.Errorf("listen admin %s: %w", s.admin.Addr, err)
		}
		s.adminLn = ln
	}
	return nil
}

// PublicAddr returns the bound public address, or "" before Listen.
func (s *Server) PublicAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.publicLn == nil {
		return ""
	}
	return s.publicLn.Addr().String()
}

// AdminAddr returns the bound admin address, or "" when disabled or unbound.
func (s *Server) AdminAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.adminLn == nil {
		return ""
	}
	return s.adminLn.Addr().String()
}

// Run waits for the counter store, serves until ctx is done or a listener
// fails, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	if err := s.waitForStore(ctx); err != nil {
		return err
	}
	if err := s.Listen(); err != nil {
		return err
	}
	s.gateway.LogRoutes()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logging.Info("Gateway listening", zap.String("address", s.PublicAddr()))
		if err := s.public.Serve(s.publicLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("public server: %w", err)
		}
		return nil
	})

	if s.admin != nil {
		g.Go(func() error {
			logging.Info("Admin listening", zap.String("address", s.AdminAddr()))
			if err := s.admin.Serve(s.adminLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logging.Info("Shutting down gracefully...")

		timeout := s.config.Shutdown.Timeout
		if timeout <= 0 {
			timeout = defaultShutdownTimeout
		}
		sctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return s.Shutdown(sctx)
	})

	return g.Wait()
}

// Shutdown drains the public listener, then the admin listener, then
// releases the gateway and registered closers.
func (s *Server) Shutdown(ctx context.Context) error {
	var firstErr error

	if err := s.public.Shutdown(ctx); err != nil {
		logging.Error("Public server shutdown error", zap.Error(err))
		firstErr = err
	}
	if s.admin != nil {
		if err := s.admin.Shutdown(ctx); err != nil {
			logging.Error("Admin server shutdown error", zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if err := s.gateway.Close(); err != nil {
		logging.Error("Gateway close error", zap.Error(err))
		if firstErr == nil {
			firstErr = err
		}
	}

	logging.Info("Server shutdown complete")
	logging.Sync()

	s.mu.Lock()
	// listeners bound by Listen but never served are not owned by http.Server
	for _, ln := range []net.Listener{s.publicLn, s.adminLn} {
		if ln != nil {
			ln.Close()
		}
	}
	closers := s.closers
	s.closers = nil
	s.mu.Unlock()
	for _, c := range closers {
		c.Close()
	}

	return firstErr
}

// waitForStore pings a shared counter store with exponential backoff.
// Giving up is a startup failure.
func (s *Server) waitForStore(ctx context.Context) error {
	if s.gateway.redis == nil {
		return nil
	}

	rc := s.config.Redis
	pingTimeout := rc.DialTimeout
	if pingTimeout <= 0 {
		pingTimeout = defaultPingTimeout
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = rc.ConnectTimeout
	if bo.MaxElapsedTime <= 0 {
		bo.MaxElapsedTime = defaultConnectTimeout
	}

	attempt := 0
	op := func() error {
		attempt++
		pctx, cancel := context.WithTimeout(ctx, pingTimeout)
		defer cancel()
		err := s.gateway.Ping(pctx)
		if err != nil {
			logging.Warn("Rate limit store not reachable, retrying",
				zap.String("address", rc.Address),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
		}
		return err
	}

	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return fmt.Errorf("%w: redis at %s unreachable: %v", config.ErrInvalidConfig, rc.Address, err)
	}
	logging.Info("Rate limit store connected", zap.String("address", rc.Address), zap.Int("attempts", attempt))
	return nil
}

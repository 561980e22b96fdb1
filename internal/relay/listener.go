// Service layer of internal package relay, the client-facing TCP listener of Trophonius.

package relay

import (
	"Trophonius/internal/directory"
	"Trophonius/internal/metrics"
	"Trophonius/internal/registry"
	"Trophonius/pkg/log"
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

// Service layer of internal package relay which owns every device connection.
type Service interface {
	// Serve starts accepting device connections, blocks until the listener fails
	// or Shutdown is called.
	Serve(ctx context.Context) error
	// Shutdown closes the listener and force-closes every live connection.
	Shutdown(ctx context.Context) error
	// Addr returns the address the listener is bound to, handy when listening on port 0.
	Addr() string
}

// Object of this will be passed around from main.
// Helps to access the service layer interface and call methods.
// Also owns the lifetime of every accepted Connection.
type service struct {
	addr           string
	clk            clock.Clock
	connectTimeout time.Duration
	pingDeadline   time.Duration
	registry       registry.Service
	directory      directory.Repository
	metrics        metrics.Service
	logger         log.Logger

	mu    sync.Mutex
	ln    net.Listener
	conns map[*Connection]struct{}
	wg    sync.WaitGroup

	shuttingDown int32
}

// Helps to access the service layer interface and call methods. Service object is passed from main.
func NewService(addr string, connectTimeout, pingDeadline time.Duration, clk clock.Clock, reg registry.Service, dir directory.Repository, mtr metrics.Service, logger log.Logger) Service {
	return &service{
		addr:           addr,
		clk:            clk,
		connectTimeout: connectTimeout,
		pingDeadline:   pingDeadline,
		registry:       reg,
		directory:      dir,
		metrics:        mtr,
		logger:         logger,
		conns:          make(map[*Connection]struct{}),
	}
}

func (s *service) Serve(ctx context.Context) error {
	ln, lnerr := net.Listen("tcp", s.addr)
	if lnerr != nil {
		s.logger.Error().Err(lnerr).Msgf("Couldn't listen for device connections on %s", s.addr)
		return lnerr
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	s.logger.Info().Msgf("Accepting device connections on %s", ln.Addr())

	for {
		sock, accerr := ln.Accept()
		if accerr != nil {
			if atomic.LoadInt32(&s.shuttingDown) == 1 {
				return nil
			}
			s.logger.Error().Err(accerr).Msg("Error occured during Accept in the client listener")
			return accerr
		}

		conn := newConnection(sock, newWatchdog(s.clk), s.connectTimeout, s.pingDeadline,
			s.registry, s.directory, s.metrics, s.logger)

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			conn.serve(ctx)
			s.mu.Lock()
			delete(s.conns, conn)
			s.mu.Unlock()
		}()
	}
}

func (s *service) Shutdown(ctx context.Context) error {
	atomic.StoreInt32(&s.shuttingDown, 1)

	s.mu.Lock()
	ln := s.ln
	live := make([]*Connection, 0, len(s.conns))
	for conn := range s.conns {
		live = append(live, conn)
	}
	s.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	for _, conn := range live {
		conn.Close("server shutdown")
	}

	// Wait for every connection goroutine to drain, bounded by ctx.
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return s.addr
	}
	return s.ln.Addr().String()
}

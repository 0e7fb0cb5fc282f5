// Package kafkaserver implements the per-shard Kafka-protocol server (§4.6):
// it accepts connections, frames requests off the wire, admits them
// against the shard's memory budget, throttles per client id, dispatches,
// and writes responses back in acceptance order.
package kafkaserver

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"

	"github.com/streamcore-io/broker/internal/admission"
	"github.com/streamcore-io/broker/internal/connection"
	"github.com/streamcore-io/broker/internal/dispatch"
	"github.com/streamcore-io/broker/internal/logging"
	"github.com/streamcore-io/broker/internal/metrics"
	"github.com/streamcore-io/broker/internal/platform"
	"github.com/streamcore-io/broker/internal/quota"
	"github.com/streamcore-io/broker/internal/wire"
)

// Config holds the server's per-shard wiring. ShardID labels logs,
// connection ids, and the dispatch context; it does not change behavior.
type Config struct {
	ShardID             int
	ListenAddresses     []string
	KeepaliveInterval   time.Duration
	TLSConfig           *tls.Config // nil disables TLS
	MaxRequestMemory    int64
	MemEstimateMul      int64
	MemEstimateOverhead int64
	MaxRequestBytes     int32 // hard ceiling on a single frame's declared size

	// CPURejectThreshold/MemoryRejectBytes gate new connections behind the
	// node's current resource sample (§ supplemented feature 1). Zero
	// disables the corresponding check.
	CPURejectThreshold float64
	MemoryRejectBytes  uint64
}

// Server ties together admission, quota, dispatch, and connection
// lifecycle for one shard, mirroring the teacher's shared.Server
// (server.go) generalized from a WebSocket hub to a raw Kafka-wire
// listener.
type Server struct {
	cfg        Config
	admission  *admission.Controller
	quota      *quota.Manager
	dispatcher dispatch.Dispatcher
	logger     zerolog.Logger
	metrics    *metrics.Registry
	resources  *platform.ResourceMonitor // nil disables the connection-admission safety valve

	gate *pool.ContextPool

	mu        sync.Mutex
	listeners []net.Listener
	conns     map[string]*connection.Connection

	shuttingDown atomic.Bool
	nextConnID   atomic.Uint64
}

// New builds a Server for one shard. The returned Server does not listen
// until Start is called. resources may be nil to disable the CPU/memory
// connection safety valve entirely (e.g. in tests).
func New(cfg Config, adm *admission.Controller, q *quota.Manager, d dispatch.Dispatcher, logger zerolog.Logger, reg *metrics.Registry, resources *platform.ResourceMonitor) *Server {
	return &Server{
		cfg:        cfg,
		admission:  adm,
		quota:      q,
		dispatcher: d,
		logger:     logger.With().Int("shard_id", cfg.ShardID).Logger(),
		metrics:    reg,
		resources:  resources,
		conns:      make(map[string]*connection.Connection),
	}
}

// Start binds every configured listen address and begins accepting
// connections in background goroutines tracked by the shard's gate. It
// returns once all listeners are bound, or the first bind error.
func (s *Server) Start(ctx context.Context) error {
	s.gate = pool.New().WithContext(ctx)

	for _, addr := range s.cfg.ListenAddresses {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", addr, err)
		}
		if s.cfg.TLSConfig != nil {
			ln = tls.NewListener(ln, s.cfg.TLSConfig)
		}

		s.mu.Lock()
		s.listeners = append(s.listeners, ln)
		s.mu.Unlock()

		s.gate.Go(func(ctx context.Context) error {
			return s.acceptLoop(ctx, ln)
		})
	}

	s.logger.Info().Strs("addresses", s.cfg.ListenAddresses).Msg("kafka server listening")
	return nil
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) error {
	defer logging.RecoverPanic(s.logger, "accept_loop", nil)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.shuttingDown.Load() {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Error().Err(err).Msg("accept failed")
			return err
		}

		if s.rejectOnResourceCeiling() {
			s.logger.Warn().Str("remote_addr", conn.RemoteAddr().String()).
				Float64("cpu_percent", s.resources.CPUPercent()).
				Uint64("memory_used_bytes", s.resources.MemoryUsed()).
				Msg("rejecting connection: node over configured resource ceiling")
			if s.metrics != nil {
				s.metrics.AdmissionRejected.Inc()
			}
			_ = conn.Close()
			continue
		}

		if tcpConn, ok := conn.(*net.TCPConn); ok {
			_ = tcpConn.SetNoDelay(true)
			if s.cfg.KeepaliveInterval > 0 {
				_ = tcpConn.SetKeepAlive(true)
				_ = tcpConn.SetKeepAlivePeriod(s.cfg.KeepaliveInterval)
			}
		}

		id := fmt.Sprintf("shard-%d-conn-%d", s.cfg.ShardID, s.nextConnID.Add(1))
		c := connection.New(id, conn, s.logger)

		s.mu.Lock()
		s.conns[id] = c
		s.mu.Unlock()

		if s.metrics != nil {
			s.metrics.ConnectionsOpened.Inc()
			s.metrics.ConnectionsActive.Inc()
		}

		s.gate.Go(func(ctx context.Context) error {
			s.handleConnection(ctx, c)
			return nil
		})
	}
}

// rejectOnResourceCeiling reports whether a new connection should be
// refused because the node is currently over its configured CPU/memory
// ceiling (supplemented feature: the admission controller's connection-
// level safety valve, additive to the per-request memory budget).
func (s *Server) rejectOnResourceCeiling() bool {
	if s.resources == nil {
		return false
	}
	if s.cfg.CPURejectThreshold > 0 && s.resources.CPUPercent() > s.cfg.CPURejectThreshold {
		return true
	}
	if s.cfg.MemoryRejectBytes > 0 && s.resources.MemoryUsed() > s.cfg.MemoryRejectBytes {
		return true
	}
	return false
}

// handleConnection runs the read/admit/throttle/dispatch loop and the
// write-ordering barrier concurrently for one connection until it's
// closed or the context is cancelled.
//
// A clean disconnect (EOF) is not the same as an abort: per §4.6, on loop
// exit the connection must await every already-admitted response and
// flush it before the write half closes, so a client that sent a request
// and immediately half-closed its write side still gets its response.
// Only context cancellation (shutdown) or a genuine protocol/write error
// drops pending slots immediately.
func (s *Server) handleConnection(ctx context.Context, c *connection.Connection) {
	defer logging.RecoverPanic(s.logger, "handle_connection", map[string]any{"connection_id": c.ID})
	defer s.removeConnection(c)
	defer c.Shutdown()

	writeErrCh := make(chan error, 1)
	go func() {
		writeErrCh <- c.DrainWrites(ctx)
	}()

	for {
		err := s.processOneRequest(ctx, c)
		if err == nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}

		if errors.Is(err, io.EOF) {
			c.MarkReadsDone()
			select {
			case werr := <-writeErrCh:
				if werr != nil {
					s.logger.Debug().Err(werr).Str("connection_id", c.ID).Msg("write loop ended")
				}
			case <-ctx.Done():
			}
			return
		}

		s.logger.Debug().Err(err).Str("connection_id", c.ID).Msg("connection processing ended")
		return
	}
}

// processOneRequest frames, admits, throttles, and dispatches exactly one
// request, reserving its write-ordering slot right after admission and
// before the header is read, so the barrier reflects acceptance order
// (§4.6 step 2).
func (s *Server) processOneRequest(ctx context.Context, c *connection.Connection) error {
	size, err := wire.ReadSize(c.Reader())
	if err != nil {
		return err
	}
	if s.cfg.MaxRequestBytes > 0 && size > s.cfg.MaxRequestBytes {
		return &wire.FramingError{Reason: fmt.Sprintf("frame size %d exceeds limit %d", size, s.cfg.MaxRequestBytes)}
	}

	memEstimate := wire.EstimateMemory(int64(size), s.cfg.MemEstimateMul, s.cfg.MemEstimateOverhead)
	if s.metrics != nil {
		s.metrics.AdmissionWaiters.Set(float64(s.admission.Waiters()))
	}
	if err := s.admission.Acquire(ctx, memEstimate); err != nil {
		if s.metrics != nil {
			s.metrics.AdmissionRejected.Inc()
		}
		return fmt.Errorf("admission: %w", err)
	}
	if s.metrics != nil {
		s.metrics.AdmissionInUseBytes.Set(float64(s.admission.InUse()))
	}

	complete := c.ReserveSlot()

	header, headerLen, err := wire.ReadHeader(c.Reader())
	if err != nil {
		s.releaseAdmission(memEstimate)
		complete(nil, err)
		return err
	}

	payloadLen := int(size) - headerLen
	if payloadLen < 0 {
		s.releaseAdmission(memEstimate)
		err := &wire.FramingError{Reason: "declared size shorter than header"}
		complete(nil, err)
		return err
	}
	payload := make([]byte, payloadLen)
	if payloadLen > 0 {
		if _, err := io.ReadFull(c.Reader(), payload); err != nil {
			s.releaseAdmission(memEstimate)
			complete(nil, err)
			return err
		}
	}

	req := &wire.Request{
		Header:         header,
		Payload:        payload,
		AdmittedMemory: memEstimate,
	}

	clientID := ""
	if header.ClientID != nil {
		clientID = *header.ClientID
	}
	throttle := s.quota.RecordAndThrottle(clientID, len(payload))
	req.AssignedThrottleDelay = int64(throttle.Delay)
	if throttle.Violated && s.metrics != nil {
		if throttle.FirstViolation {
			s.metrics.QuotaViolationsFirst.Inc()
		} else {
			s.metrics.QuotaViolationsSleep.WithLabelValues(clientID).Inc()
		}
	}
	if throttle.Delay > 0 {
		select {
		case <-time.After(throttle.Delay):
		case <-ctx.Done():
			s.releaseAdmission(memEstimate)
			complete(nil, ctx.Err())
			return ctx.Err()
		}
	}

	dctx := dispatch.Context{ConnectionID: c.ID, RemoteAddr: c.RemoteAddr(), ShardID: s.cfg.ShardID}
	s.gate.Go(func(ctx context.Context) error {
		defer s.releaseAdmission(memEstimate)
		resp, err := s.dispatcher.Dispatch(ctx, dctx, req)
		complete(resp, err)
		return nil
	})

	return nil
}

// releaseAdmission returns n bytes of admitted capacity and refreshes the
// in-use gauge to match.
func (s *Server) releaseAdmission(n int64) {
	s.admission.Release(n)
	if s.metrics != nil {
		s.metrics.AdmissionInUseBytes.Set(float64(s.admission.InUse()))
	}
}

func (s *Server) removeConnection(c *connection.Connection) {
	s.mu.Lock()
	delete(s.conns, c.ID)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.ConnectionsClosed.Inc()
		s.metrics.ConnectionsActive.Dec()
	}
}

// Stop stops accepting new connections, closes all open connections, and
// waits for every in-flight accept loop, connection loop, and dispatch
// task to finish, the way the teacher's Shutdown drains connections
// before returning (server.go).
func (s *Server) Stop() error {
	s.shuttingDown.Store(true)

	s.mu.Lock()
	listeners := s.listeners
	conns := make([]*connection.Connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, ln := range listeners {
		_ = ln.Close()
	}
	for _, c := range conns {
		_ = c.Shutdown()
	}

	if s.gate == nil {
		return nil
	}
	if err := s.gate.Wait(); err != nil {
		return fmt.Errorf("await shard quiescence: %w", err)
	}
	return nil
}

// ActiveConnections returns the number of currently open connections, for
// metrics and load-aware shard selection.
func (s *Server) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

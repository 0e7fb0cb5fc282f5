// Command broker runs the streamcore broker: a per-shard Kafka-protocol
// server with admission control and quota-based throttling, coordinated by
// a Raft-style heartbeat manager across replication groups.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/streamcore-io/broker/internal/admission"
	"github.com/streamcore-io/broker/internal/config"
	"github.com/streamcore-io/broker/internal/dispatch/echo"
	"github.com/streamcore-io/broker/internal/heartbeat"
	"github.com/streamcore-io/broker/internal/kafkaserver"
	"github.com/streamcore-io/broker/internal/logging"
	"github.com/streamcore-io/broker/internal/metrics"
	"github.com/streamcore-io/broker/internal/platform"
	"github.com/streamcore-io/broker/internal/quota"
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides BROKER_LOG_LEVEL)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		panic(err) // no logger constructed yet
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	cfg.Log(logger)
	logger.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("shard count tracks GOMAXPROCS, set by automaxprocs")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := metrics.New()

	monitor := platform.NewResourceMonitor()
	monitor.Start(ctx, cfg.KeepaliveInterval)

	adm := admission.New(cfg.MaxRequestMemory)
	quotaTTL := cfg.KeepaliveInterval * 10
	q := quota.New(float64(cfg.QuotaBytesPerSecond), cfg.QuotaBurstBytes, quotaTTL)
	q.StartReaper(quotaTTL)
	defer q.Stop()

	serverCfg := kafkaserver.Config{
		ShardID:             0,
		ListenAddresses:     cfg.Addresses(),
		KeepaliveInterval:   cfg.KeepaliveInterval,
		MaxRequestMemory:    cfg.MaxRequestMemory,
		MemEstimateMul:      cfg.MemoryEstimateMultiplier,
		MemEstimateOverhead: cfg.MemoryEstimateOverheadBytes,
		CPURejectThreshold:  cfg.CPURejectThreshold,
		MemoryRejectBytes:   cfg.MemoryRejectBytes,
	}
	if cfg.TLSEnabled() {
		tlsCfg, err := cfg.TLSConfig()
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to load TLS credentials")
		}
		serverCfg.TLSConfig = tlsCfg
	}

	server := kafkaserver.New(serverCfg, adm, q, echo.New(), logger, reg, monitor)
	if err := server.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to start kafka server")
	}

	hb := heartbeat.New(&unreachablePeerTransport{}, logger, reg)
	hb.Start(ctx)
	go tickHeartbeats(ctx, hb, cfg.HeartbeatInterval)

	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: reg.Handler()}
	go func() {
		defer logging.RecoverPanic(logger, "metrics_server", nil)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")
	cancel()

	if err := server.Stop(); err != nil {
		logger.Error().Err(err).Msg("error during kafka server shutdown")
	}
	if err := hb.Stop(); err != nil {
		logger.Error().Err(err).Msg("error during heartbeat manager shutdown")
	}
	_ = metricsSrv.Close()
}

// tickHeartbeats drives the heartbeat manager's tick on a fixed interval
// until ctx is cancelled.
func tickHeartbeats(ctx context.Context, hb *heartbeat.Manager, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			hb.Tick(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// unreachablePeerTransport is the default PeerTransport until a real
// inter-node RPC client is wired in; every heartbeat fails immediately so
// a misconfigured deployment fails loudly instead of silently heartbeating
// nothing.
type unreachablePeerTransport struct{}

func (unreachablePeerTransport) SendHeartbeats(_ context.Context, _ string, _ []heartbeat.GroupHeartbeat) ([]heartbeat.HeartbeatReply, error) {
	return nil, errors.New("no peer transport configured")
}

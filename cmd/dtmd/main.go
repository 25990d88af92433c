// Command dtmd runs the distributed transaction manager daemon: a single
// event loop accepting REQ_START/REQ_SNAPSHOT/REQ_SETSTATUS/REQ_GETSTATUS
// requests over the wire protocol in internal/wire (spec.md §4/§6).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sushant-115/dtmd/internal/coordinator"
	"github.com/sushant-115/dtmd/internal/dispatcher"
	"github.com/sushant-115/dtmd/internal/transport"
	"github.com/sushant-115/dtmd/pkg/logger"
	"github.com/sushant-115/dtmd/pkg/telemetry"
)

var (
	host              = flag.String("host", "0.0.0.0", "listen address")
	port              = flag.Int("port", 9999, "listen port")
	maxConnections    = flag.Int("max-connections", 0, "max concurrent connections (0 = unbounded)")
	bufferSize        = flag.Int("buffer-size", 1<<16, "per-connection input/output buffer size in bytes")
	maxChannels       = flag.Int("max-channels", 256, "per-connection channel table size")
	maxPayload        = flag.Int("max-payload", 1<<20, "max accepted request payload size in bytes")
	maxRequestsPerSec = flag.Float64("max-requests-per-sec", 0, "per-process request rate budget (0 = unbounded)")
	maxTransactions   = flag.Int("max-transactions", 1<<20, "max tracked transactions, in-progress plus retained-terminal")
	retention         = flag.Int("retention", 1<<16, "terminal transactions kept around for late lookups")

	logLevel  = flag.String("log-level", "info", "debug, info, warn, error")
	logFormat = flag.String("log-format", "json", "json or console")
	logOutput = flag.String("log-output", "stdout", "stdout, stderr, or a file path")

	telemetryEnabled = flag.Bool("telemetry", true, "enable OpenTelemetry metrics/tracing")
	metricsAddr      = flag.String("metrics-addr", ":9464", "address serving /metrics and /healthz")
)

func main() {
	flag.Parse()
	instanceID := uuid.NewString()

	log, err := logger.New(logger.Config{Level: *logLevel, Format: *logFormat, OutputFile: *logOutput, Instance: instanceID})
	if err != nil {
		fmt.Fprintf(os.Stderr, "dtmd: failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("starting dtmd", zap.String("instance", instanceID), zap.String("host", *host), zap.Int("port", *port))

	tel, telShutdown, err := telemetry.New(telemetry.Config{
		Enabled:          *telemetryEnabled,
		ServiceName:      "dtmd",
		MetricsAddr:      *metricsAddr,
		TraceSampleRatio: 1.0,
	})
	if err != nil {
		log.Error("failed to initialize telemetry", zap.Error(err))
		os.Exit(1)
	}
	metrics, err := telemetry.NewDTMMetrics(tel.Meter)
	if err != nil {
		log.Error("failed to register metrics", zap.Error(err))
		os.Exit(1)
	}

	coord := coordinator.New(coordinator.Config{MaxTransactions: *maxTransactions, Retention: *retention})

	srv, err := transport.NewServer(transport.Config{
		Host:           *host,
		Port:           *port,
		MaxConnections: *maxConnections,
		BufferSize:     *bufferSize,
		MaxChannels:    *maxChannels,
	}, nil, log)
	if err != nil {
		log.Error("failed to start transport", zap.Error(err))
		os.Exit(1)
	}

	disp := dispatcher.New(coord, srv, log, metrics, dispatcher.Config{
		MaxPayloadSize:    *maxPayload,
		MaxRequestsPerSec: *maxRequestsPerSec,
	})
	srv.SetCallbacks(disp)

	runErr := make(chan error, 1)
	go func() { runErr <- srv.Run() }()

	go reportPoolMetrics(srv, disp, metrics)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case s := <-sig:
		log.Info("received signal, shutting down", zap.String("signal", s.String()))
		srv.Stop()
		<-runErr
	case err := <-runErr:
		if err != nil {
			log.Error("event loop exited with error", zap.Error(err))
			srv.Close()
			_ = telShutdown(context.Background())
			os.Exit(2)
		}
	}

	if err := srv.Close(); err != nil {
		log.Warn("error closing transport", zap.Error(err))
	}
	if err := telShutdown(context.Background()); err != nil {
		log.Warn("error shutting down telemetry", zap.Error(err))
	}
	log.Info("dtmd shut down cleanly")
}

// reportPoolMetrics samples the transport's connection count and the
// dispatcher's registered-channel count once per tick, since neither the
// connection pool nor the channel registry has a reason to know about the
// meter (spec.md §4.5's ambient observability addition).
func reportPoolMetrics(srv *transport.Server, disp *dispatcher.Dispatcher, metrics *telemetry.DTMMetrics) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	lastConns, lastChannels := 0, 0
	for range ticker.C {
		if n := srv.ActiveConnections(); n != lastConns {
			metrics.AddConnectionsActive(n - lastConns)
			lastConns = n
		}
		if n := disp.ActiveChannels(); n != lastChannels {
			metrics.AddChannelsActive(n - lastChannels)
			lastChannels = n
		}
	}
}

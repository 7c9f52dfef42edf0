package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"strconv"
	"syscall"

	"github.com/cloudarxiv/flyt/internal/config"
	"github.com/cloudarxiv/flyt/internal/dispatcher"
	"github.com/cloudarxiv/flyt/internal/logging"
	"github.com/cloudarxiv/flyt/internal/resilience"
	"github.com/cloudarxiv/flyt/internal/virtservermgr"
)

var debugMode bool

func main() {
	setupRuntimeOptimizations()

	flag.BoolVar(&debugMode, "dm", false, "Enable debug mode")
	flag.BoolVar(&debugMode, "debug-mode", false, "Enable debug mode")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	sink, err := logging.NewSink(logging.SyslogConfig{
		Enabled:  cfg.Logging.SyslogEnabled,
		Network:  cfg.Logging.SyslogNetwork,
		Address:  cfg.Logging.SyslogAddress,
		Tag:      cfg.Logging.SyslogTag,
		Facility: cfg.Logging.SyslogFacility,
		FilePath: cfg.Logging.LogFile,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to initialize log sink, using stdout: %v\n", err)
		sink = logging.StdoutSink()
	}
	defer sink.Close()

	logLevel := logging.INFO
	if debugMode {
		logLevel = logging.DEBUG
	}
	logger := logging.Init("servernode", logLevel)
	logger.SetSink(sink)

	enumerator := virtservermgr.NewLocalGPUEnumerator(cfg.ServerNode.PreferredBackend)
	vsm := virtservermgr.NewInMemory()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		logger.Info("shutting down", nil)
		cancel()
	}()

	runConnectLoop(ctx, cfg, logger, enumerator, vsm)
}

// runConnectLoop dials the resource manager and, once connected, runs the
// dispatcher until the connection drops — then reconnects with exponential
// backoff. A circuit breaker keeps a persistently unreachable RM from being
// redialed at the bare retry cadence.
func runConnectLoop(ctx context.Context, cfg *config.Config, logger *logging.Logger, enumerator dispatcher.GPUEnumerator, vsm virtservermgr.Manager) {
	breaker := resilience.NewCircuitBreaker(resilience.Settings{
		MaxRequests:      1,
		Interval:         cfg.ServerNode.ReconnectMaxBackoff,
		Timeout:          cfg.ServerNode.ReconnectMaxBackoff,
		FailureThreshold: 0.8,
		MinRequests:      3,
	})
	retryCfg := resilience.RetryConfig{
		MaxRetries:     8,
		InitialBackoff: cfg.ServerNode.ReconnectBackoff,
		MaxBackoff:     cfg.ServerNode.ReconnectMaxBackoff,
		Multiplier:     2.0,
		JitterFactor:   0.3,
	}

	addr := net.JoinHostPort(cfg.ServerNode.ResourceManagerHost, strconv.Itoa(cfg.ServerNode.ResourceManagerPort))

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn, err := resilience.RetryWithCircuitBreaker(ctx, breaker, "resourcemanager", retryCfg, func() (net.Conn, error) {
			d := net.Dialer{Timeout: cfg.ServerNode.DialTimeout}
			return d.DialContext(ctx, "tcp", addr)
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("dial to resource manager failed, backing off", map[string]interface{}{"addr": addr, "error": err.Error()})
			select {
			case <-ctx.Done():
				return
			default:
			}
			continue
		}

		logger.Info("connected to resource manager", map[string]interface{}{"addr": addr})
		d := dispatcher.New(conn, enumerator, vsm, logger)
		d.Run(ctx)
		logger.Warn("control connection to resource manager lost", map[string]interface{}{"addr": addr})
	}
}

func setupRuntimeOptimizations() {
	numCPU := runtime.NumCPU()
	if cpuLimit := os.Getenv("CPU_LIMIT"); cpuLimit != "" {
		if limit, err := strconv.Atoi(cpuLimit); err == nil && limit > 0 {
			numCPU = limit
		}
	}
	runtime.GOMAXPROCS(numCPU)
	debug.SetGCPercent(200)
}

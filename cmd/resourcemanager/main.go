package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"strconv"
	"syscall"
	"time"

	"github.com/cloudarxiv/flyt/internal/admin"
	"github.com/cloudarxiv/flyt/internal/config"
	"github.com/cloudarxiv/flyt/internal/logging"
	"github.com/cloudarxiv/flyt/internal/metrics"
	"github.com/cloudarxiv/flyt/internal/registry"
)

var debugMode bool

func main() {
	setupRuntimeOptimizations()

	flag.BoolVar(&debugMode, "dm", false, "Enable debug mode")
	flag.BoolVar(&debugMode, "debug-mode", false, "Enable debug mode")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
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
		log.Printf("warning: failed to initialize log sink, using stdout: %v", err)
		sink = logging.StdoutSink()
	}
	defer sink.Close()

	logLevel := logging.INFO
	if debugMode {
		logLevel = logging.DEBUG
	}
	logger := logging.Init("resourcemanager", logLevel)
	logger.SetSink(sink)

	mx := metrics.New()
	reg := registry.New(logger, mx, cfg.ResourceManager.InventoryTimeout)

	// coordinator.New is wired by whatever schedules VM placement against
	// this registry; that scheduler lives outside this binary, which only
	// runs the node-facing registry and the read-only admin surface.

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var adminSrv *http.Server
	if cfg.Admin.Enabled {
		adminHandler := admin.New(reg, mx.Registry(), logger)
		reg.SetEventSink(adminHandler)
		adminAddr := fmt.Sprintf("%s:%d", cfg.Admin.Host, cfg.Admin.Port)
		adminSrv = &http.Server{
			Addr:              adminAddr,
			Handler:           adminHandler.Handler(),
			ReadTimeout:       15 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      15 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		go func() {
			logger.Info("admin surface listening", map[string]interface{}{"addr": adminAddr})
			if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("admin server failed: %v", err)
			}
		}()
	}

	go func() {
		logger.Info("server node intake listening", map[string]interface{}{"port": cfg.ResourceManager.ListenPort})
		if err := reg.Accept(ctx, cfg.ResourceManager.ListenPort); err != nil {
			logger.Error("registry accept loop exited", map[string]interface{}{"error": err.Error()})
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down", nil)
	cancel()

	if adminSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := adminSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("admin server shutdown error", map[string]interface{}{"error": err.Error()})
		}
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

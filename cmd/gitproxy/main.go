package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gitmirror/smart-proxy/internal/config"
	"github.com/gitmirror/smart-proxy/internal/discovery/cloudmap"
	"github.com/gitmirror/smart-proxy/internal/discovery/route53"
	"github.com/gitmirror/smart-proxy/internal/legacyproto"
	"github.com/gitmirror/smart-proxy/internal/logging"
	"github.com/gitmirror/smart-proxy/internal/metrics"
	"github.com/gitmirror/smart-proxy/internal/mirror"
	"github.com/gitmirror/smart-proxy/internal/v2proto"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger init: %v", err)
	}

	metricsRegistry := metrics.New()

	var mirrorOpts []mirror.Option
	if cfg.MaintainAfterSync {
		mirrorOpts = append(mirrorOpts, mirror.WithMaintenance(cfg.UploadPackThreads))
	}
	mirrorStore, err := mirror.New(cfg.MirrorDir, cfg.GitPath, logger, metricsRegistry, mirrorOpts...)
	if err != nil {
		logger.Error("mirror init failed", "err", err)
		os.Exit(1)
	}

	v2 := v2proto.New(cfg, mirrorStore, logger, metricsRegistry)
	legacy := legacyproto.New(cfg, mirrorStore, logger, metricsRegistry, cfg.MirrorDir)

	mux := http.NewServeMux()
	v2.Register(mux)
	legacy.Register(mux)
	mux.Handle(cfg.HealthPath, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	}))
	mux.Handle(cfg.MetricsPath, promhttp.Handler())

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cm, r53 := startDiscovery(ctx, cfg, httpServer, logger)

	go func() {
		logger.Info("listening", "addr", cfg.ListenAddr, "mirror_dir", cfg.MirrorDir)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", "err", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer shutdownCancel()

	if cm != nil {
		cm.Stop(shutdownCtx)
	}
	if r53 != nil {
		if err := r53.Deregister(shutdownCtx); err != nil {
			logger.Error("route53 deregister failed", "err", err)
		}
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "err", err)
	}
}

// startDiscovery wires the optional AWS fleet self-registration backends.
// Both are no-ops when their config fields are empty, so a single-instance
// deployment pays nothing.
func startDiscovery(ctx context.Context, cfg *config.Config, httpServer *http.Server, logger *slog.Logger) (*cloudmap.Manager, *route53.Manager) {
	var cm *cloudmap.Manager
	var r53 *route53.Manager

	if cfg.AWSCloudMapServiceID != "" {
		healthURL := "http://localhost" + httpServer.Addr + cfg.HealthPath
		m, err := cloudmap.New(ctx, cfg.AWSCloudMapServiceID, healthURL, logger)
		if err != nil {
			logger.Error("cloud map init failed", "err", err)
		} else if err := m.Start(ctx); err != nil {
			logger.Error("cloud map registration failed", "err", err)
		} else {
			cm = m
		}
	}

	if cfg.Route53HostedZoneID != "" && cfg.Route53RecordName != "" {
		m, err := route53.New(ctx, cfg.Route53HostedZoneID, cfg.Route53RecordName, logger)
		if err != nil {
			logger.Error("route53 init failed", "err", err)
		} else if err := m.Register(ctx); err != nil {
			logger.Error("route53 registration failed", "err", err)
		} else {
			r53 = m
		}
	}

	return cm, r53
}

package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/clawbowl/orchestrator/internal/alerts"
	"github.com/clawbowl/orchestrator/internal/catalog"
	"github.com/clawbowl/orchestrator/internal/clock"
	"github.com/clawbowl/orchestrator/internal/config"
	"github.com/clawbowl/orchestrator/internal/instance"
	"github.com/clawbowl/orchestrator/internal/logging"
	"github.com/clawbowl/orchestrator/internal/proxy"
	"github.com/clawbowl/orchestrator/internal/push"
	"github.com/clawbowl/orchestrator/internal/runtime"
	"github.com/clawbowl/orchestrator/internal/warmup"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// version and commit are set at build time via ldflags.
var version = "dev"
var commit = "unknown"

func versionString() string {
	if commit != "" && commit != "unknown" {
		return version + " (" + commit + ")"
	}
	return version
}

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(cfg.LogJSON)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	fmt.Println("clawbowl-orchestrator " + versionString())
	for k, v := range cfg.Values() {
		fmt.Printf("%s=%s\n", k, v)
	}
	fmt.Println("=============================================")

	store, err := catalog.Open(cfg.DBPath)
	if err != nil {
		log.Error("failed to open catalog", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	rt, err := runtime.NewDockerAdapter(cfg.DockerSock)
	if err != nil {
		log.Error("failed to create runtime adapter", "error", err)
		os.Exit(1)
	}
	defer rt.Close()

	clk := clock.Real{}
	instMgr := instance.New(store, rt, cfg, clk, log)

	sender, err := push.New(cfg.PushSink, cfg.WebhookURL, cfg.MQTTBroker, cfg.MQTTTopic, cfg.MQTTUsername, cfg.MQTTPassword)
	if err != nil {
		log.Error("failed to build push sink", "error", err)
		os.Exit(1)
	}
	alertMon := alerts.New(store, sender, clk, log)

	px := proxy.New(log)
	warmupSvc := warmup.New(instMgr, log.Logger)

	srv := newServer(instMgr, px, warmupSvc, log)

	go instMgr.RunIdleReaper(ctx)
	go instMgr.RunHealthReconciler(ctx)
	go alertMon.Run(ctx)

	if cfg.MetricsEnabled {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("GET /metrics", promhttp.Handler())
		go func() {
			addr := net.JoinHostPort("", "9090")
			if err := http.ListenAndServe(addr, metricsMux); err != nil {
				log.Error("metrics server error", "error", err)
			}
		}()
	}

	go func() {
		<-ctx.Done()
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutCancel()
		_ = srv.Shutdown(shutCtx)
	}()

	log.Info("orchestrator started", "version", version, "commit", commit)

	addr := net.JoinHostPort("", "8080")
	if err := srv.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
		log.Error("orchestrator exited with error", "error", err)
		os.Exit(1)
	}

	log.Info("orchestrator shutdown complete")
}

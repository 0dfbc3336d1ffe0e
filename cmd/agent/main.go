// The argus agent: collects logs, resource metrics, process snapshots and
// shell history on a host and forwards them to the server, buffering on disk
// through outages.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/argus-siem/argus/internal/agent"
	"github.com/argus-siem/argus/internal/config"
	"github.com/argus-siem/argus/internal/metrics"
)

const (
	exitOK      = 0
	exitStartup = 1
	exitRuntime = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	_ = godotenv.Load()

	configPath := flag.String("config", "argus.yaml", "path to the configuration file")
	metricsAddr := flag.String("metrics-addr", "", "optional address for the local /metrics endpoint")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("[Main] configuration load failed", "error", err)
		return exitStartup
	}
	if cfg.Agent.ServerURL == "" {
		slog.Error("[Main] agent.server_url is required")
		return exitStartup
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	met := metrics.NewAgent()
	a, err := agent.New(cfg.Agent, met)
	if err != nil {
		slog.Error("[Main] agent startup failed", "error", err)
		return exitStartup
	}
	if err := a.EnsureRegistered(ctx); err != nil {
		slog.Error("[Main] registration failed", "error", err)
		return exitStartup
	}

	if *metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			slog.Info("[Main] agent metrics listening", "addr", *metricsAddr)
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				slog.Warn("[Main] metrics listener failed", "error", err)
			}
		}()
	}

	if err := a.Run(ctx); err != nil {
		slog.Error("[Main] agent terminated with error", "error", err)
		return exitRuntime
	}
	if !a.Healthy() {
		slog.Error("[Main] agent stopped: device token rejected by server")
		return exitRuntime
	}
	slog.Info("[Main] shutdown complete")
	return exitOK
}

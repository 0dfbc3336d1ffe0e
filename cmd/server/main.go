// The argus server: ingestion API, persistence, analysis loops, retention
// janitor and the real-time dashboard feed.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/argus-siem/argus/internal/api"
	"github.com/argus-siem/argus/internal/auth"
	"github.com/argus-siem/argus/internal/bus"
	"github.com/argus-siem/argus/internal/config"
	"github.com/argus-siem/argus/internal/metrics"
	"github.com/argus-siem/argus/internal/ml"
	"github.com/argus-siem/argus/internal/rules"
	"github.com/argus-siem/argus/internal/store"
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
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("[Main] configuration load failed", "error", err)
		return exitStartup
	}
	if err := cfg.ValidateServer(); err != nil {
		slog.Error("[Main] configuration invalid", "error", err)
		return exitStartup
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	met := metrics.NewServer()

	// Persistence first: nothing else can run without it.
	st, err := store.Open(ctx, cfg.Database.URL, cfg.Database.MaxConnections)
	if err != nil {
		slog.Error("[Main] database unavailable", "error", err)
		return exitStartup
	}
	defer st.Close()
	if err := st.EnsureSchema(ctx); err != nil {
		slog.Error("[Main] schema migration failed", "error", err)
		return exitStartup
	}

	signer := auth.NewTokenSigner(cfg.Auth.TokenSecret, cfg.TokenTTL())
	authSvc := auth.NewService(st, signer)
	if err := authSvc.EnsureBootstrapOwner(ctx, cfg.Auth.BootstrapEmail, cfg.Auth.BootstrapPassword); err != nil {
		slog.Error("[Main] bootstrap owner creation failed", "error", err)
		return exitStartup
	}

	eventBus := buildBus(cfg, met)
	defer eventBus.Close()

	engine := rules.NewEngine(st, eventBus, met, rules.ThresholdsFromConfig(cfg),
		cfg.RulePeriod(), cfg.DedupWindow(), cfg.LivenessWindow())
	go engine.Run(ctx)

	detector := ml.NewDetector(st, engine, met, cfg.ML.ModelPath, cfg.MLPeriod(),
		ml.Bands(cfg.ML.Thresholds), cfg.LivenessWindow())
	if cfg.ML.Enabled {
		go detector.Run(ctx)
	}
	go reloadOnSIGHUP(ctx, detector)

	retention := store.RetentionPolicy{
		LogsDays:      cfg.Retention.LogsDays,
		MetricsDays:   cfg.Retention.MetricsDays,
		ProcessesDays: cfg.Retention.ProcessesDays,
		AlertsDays:    cfg.Retention.AlertsDays,
	}
	janitor := store.NewJanitor(st, retention, met)
	go janitor.Run(ctx)

	server := api.NewServer(cfg.Server, st, authSvc, eventBus, detector, met,
		retention, cfg.LivenessWindow())
	if err := server.Run(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("[Main] server failed", "error", err)
		return exitRuntime
	}

	slog.Info("[Main] shutdown complete")
	return exitOK
}

// buildBus prefers Redis when configured so alerts reach dashboards on every
// replica; an unreachable Redis degrades to in-process delivery instead of
// blocking startup.
func buildBus(cfg *config.Config, met *metrics.Server) bus.Bus {
	if cfg.Bus.RedisAddr == "" {
		return bus.NewLocalBus(met)
	}
	rb, err := bus.NewRedisBus(cfg.Bus.RedisAddr, cfg.Bus.RedisPassword, cfg.Bus.RedisDB, met)
	if err != nil {
		slog.Warn("[Main] redis unreachable, falling back to in-process bus",
			"addr", cfg.Bus.RedisAddr, "error", err)
		return bus.NewLocalBus(met)
	}
	slog.Info("[Main] redis event bus active", "addr", cfg.Bus.RedisAddr)
	return rb
}

// reloadOnSIGHUP swaps in new model artifacts without a restart.
func reloadOnSIGHUP(ctx context.Context, detector *ml.Detector) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := detector.Reload(); err != nil {
				slog.Error("[Main] model reload failed, previous model retained", "error", err)
				continue
			}
			slog.Info("[Main] model reloaded")
		}
	}
}

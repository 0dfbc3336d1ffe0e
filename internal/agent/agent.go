package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/argus-siem/argus/internal/config"
	"github.com/argus-siem/argus/internal/metrics"
	"github.com/argus-siem/argus/internal/store"
	"github.com/argus-siem/argus/pkg/agentclient"
)

// Spool pressure thresholds: past pressureHigh the collectors slow down to
// half rate, and they recover once usage falls back under pressureLow.
const (
	pressureHigh     = 0.75
	pressureLow      = 0.50
	pressureInterval = 10 * time.Second

	drainTimeout = 30 * time.Second
)

// Agent wires the collectors, spools and forwarders of one monitored host.
type Agent struct {
	cfg    config.AgentConfig
	client *agentclient.Client
	met    *metrics.Agent

	cursorDB *bolt.DB
	spools   map[string]*Spool

	deviceID string
	hostname string

	unauthorized atomic.Bool
	pressured    atomic.Bool
	draining     atomic.Bool
}

// New opens the spool set. Registration happens separately in
// EnsureRegistered so a credentials problem fails fast and loudly.
func New(cfg config.AgentConfig, met *metrics.Agent) (*Agent, error) {
	db, err := OpenCursorDB(cfg.SpoolDir)
	if err != nil {
		return nil, err
	}
	a := &Agent{
		cfg:      cfg,
		client:   agentclient.New(cfg.ServerURL),
		met:      met,
		cursorDB: db,
		spools:   make(map[string]*Spool),
	}
	for _, kind := range []string{store.KindLogs, store.KindMetrics, store.KindProcesses, store.KindCommands} {
		sp, err := NewSpool(db, cfg.SpoolDir, kind, cfg.SpoolCapBytes, met)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("open %s spool: %w", kind, err)
		}
		a.spools[kind] = sp
	}
	return a, nil
}

// Healthy reports false once the server has rejected the device token.
func (a *Agent) Healthy() bool { return !a.unauthorized.Load() }

// DeviceID is empty until EnsureRegistered succeeds.
func (a *Agent) DeviceID() string { return a.deviceID }

// EnsureRegistered loads persisted credentials, or redeems the invitation
// token for new ones. The credential file is written 0600: it holds a
// long-lived bearer token.
func (a *Agent) EnsureRegistered(ctx context.Context) error {
	hostname, osLabel := HostInfo(ctx)
	a.hostname = hostname

	if creds, err := a.loadCredentials(); err == nil {
		a.deviceID = creds.DeviceID
		a.client.SetToken(creds.Token)
		slog.Info("[Agent] using stored credentials", "device", a.deviceID)
		return nil
	}

	token, err := a.invitationToken()
	if err != nil {
		return err
	}
	creds, err := a.client.Register(ctx, token, hostname, osLabel)
	if err != nil {
		return fmt.Errorf("registration failed: %w", err)
	}
	if err := a.saveCredentials(creds); err != nil {
		return err
	}
	a.deviceID = creds.DeviceID
	a.client.SetToken(creds.Token)
	slog.Info("[Agent] registered", "device", a.deviceID, "hostname", hostname)
	return nil
}

func (a *Agent) loadCredentials() (*agentclient.Credentials, error) {
	b, err := os.ReadFile(a.cfg.CredentialPath)
	if err != nil {
		return nil, err
	}
	var creds agentclient.Credentials
	if err := json.Unmarshal(b, &creds); err != nil {
		return nil, err
	}
	if creds.DeviceID == "" || creds.Token == "" {
		return nil, errors.New("credential file incomplete")
	}
	return &creds, nil
}

func (a *Agent) saveCredentials(creds *agentclient.Credentials) error {
	if err := os.MkdirAll(filepath.Dir(a.cfg.CredentialPath), 0o700); err != nil {
		return err
	}
	b, err := json.Marshal(creds)
	if err != nil {
		return err
	}
	return os.WriteFile(a.cfg.CredentialPath, b, 0o600)
}

func (a *Agent) invitationToken() (string, error) {
	if v := os.Getenv("ARGUS_INVITATION_TOKEN"); v != "" {
		return v, nil
	}
	if a.cfg.InvitationPath != "" {
		b, err := os.ReadFile(a.cfg.InvitationPath)
		if err == nil {
			return strings.TrimSpace(string(b)), nil
		}
	}
	return "", errors.New("no credentials and no invitation token (set ARGUS_INVITATION_TOKEN or agent.invitation_path)")
}

// Run starts every loop and blocks until ctx is cancelled, then gives the
// forwarders a bounded drain window before closing the spools.
func (a *Agent) Run(ctx context.Context) error {
	if a.deviceID == "" {
		return errors.New("agent not registered")
	}

	// Forwarders outlive the collectors by the drain window so telemetry
	// gathered up to the shutdown signal still ships when the server is up.
	forwardCtx, cancelForward := context.WithCancel(context.Background())
	defer cancelForward()

	var forwarders sync.WaitGroup
	for kind, sp := range a.spools {
		fw := NewForwarder(a.client, sp, kind, a.deviceID, a.met, &a.unauthorized, &a.draining)
		forwarders.Add(1)
		go func() {
			defer forwarders.Done()
			fw.Run(forwardCtx)
		}()
	}

	var collectors sync.WaitGroup
	start := func(fn func(context.Context)) {
		collectors.Add(1)
		go func() {
			defer collectors.Done()
			fn(ctx)
		}()
	}

	tailer := NewLogTailer(a.cfg.LogPaths, a.hostname, a.spoolLog)
	start(tailer.Run)
	history := NewHistoryCollector(a.cfg.HistoryPaths, a.spoolCommand)
	start(func(ctx context.Context) {
		history.Run(ctx, a.interval(a.cfg.CommandIntervalSec))
	})
	start(a.metricsLoop)
	start(a.processLoop)
	start(a.heartbeatLoop)
	start(a.pressureLoop)

	<-ctx.Done()
	slog.Info("[Agent] shutting down, draining spools", "timeout", drainTimeout)
	collectors.Wait()

	// Once nothing is producing, forwarders flush what remains and exit on
	// an empty spool; the timer below is only a backstop for an unreachable
	// server.
	a.draining.Store(true)

	drainDone := make(chan struct{})
	go func() {
		forwarders.Wait()
		close(drainDone)
	}()
	select {
	case <-drainDone:
	case <-time.After(drainTimeout):
		cancelForward()
		<-drainDone
	}

	for _, sp := range a.spools {
		if err := sp.Close(); err != nil {
			slog.Warn("[Agent] spool close failed", "error", err)
		}
	}
	return a.cursorDB.Close()
}

// ==================== Collector loops ====================

func (a *Agent) metricsLoop(ctx context.Context) {
	for {
		if !sleepCtx(ctx, a.interval(a.cfg.MetricsIntervalSec)) {
			return
		}
		sample, err := CollectMetrics(ctx)
		if err != nil {
			slog.Warn("[Agent] metrics collection failed", "error", err)
			continue
		}
		sample.DeviceID = a.deviceID
		a.spoolRecord(store.KindMetrics, sample)
	}
}

func (a *Agent) processLoop(ctx context.Context) {
	for {
		if !sleepCtx(ctx, a.interval(a.cfg.ProcessIntervalSec)) {
			return
		}
		records, err := CollectProcesses(ctx)
		if err != nil {
			slog.Warn("[Agent] process collection failed", "error", err)
			continue
		}
		for i := range records {
			records[i].DeviceID = a.deviceID
			a.spoolRecord(store.KindProcesses, &records[i])
		}
	}
}

func (a *Agent) heartbeatLoop(ctx context.Context) {
	interval := time.Duration(a.cfg.HeartbeatSec) * time.Second
	for {
		if !sleepCtx(ctx, interval) {
			return
		}
		if a.unauthorized.Load() {
			return
		}
		if err := a.client.Heartbeat(ctx); err != nil {
			if errors.Is(err, agentclient.ErrUnauthorized) {
				slog.Error("[Agent] heartbeat unauthorized, device token revoked?")
				a.unauthorized.Store(true)
				return
			}
			slog.Warn("[Agent] heartbeat failed", "error", err)
		}
	}
}

// pressureLoop watches spool usage and flips the slow-down flag.
func (a *Agent) pressureLoop(ctx context.Context) {
	for {
		if !sleepCtx(ctx, pressureInterval) {
			return
		}
		var worst float64
		for _, sp := range a.spools {
			ratio := float64(sp.TotalBytes()) / float64(sp.Cap())
			if ratio > worst {
				worst = ratio
			}
		}
		switch {
		case worst > pressureHigh && !a.pressured.Load():
			a.pressured.Store(true)
			a.met.PressureActive.Set(1)
			slog.Warn("[Agent] spool pressure high, halving collection rate", "usage", worst)
		case worst < pressureLow && a.pressured.Load():
			a.pressured.Store(false)
			a.met.PressureActive.Set(0)
			slog.Info("[Agent] spool pressure receded", "usage", worst)
		}
	}
}

// interval applies the pressure multiplier to a base interval in seconds.
func (a *Agent) interval(baseSec int) time.Duration {
	d := time.Duration(baseSec) * time.Second
	if a.pressured.Load() {
		return 2 * d
	}
	return d
}

// ==================== Spool adapters ====================

func (a *Agent) spoolLog(rec store.LogRecord) {
	rec.DeviceID = a.deviceID
	rec.Hostname = firstNonEmpty(rec.Hostname, a.hostname)
	a.spoolRecord(store.KindLogs, &rec)
}

func (a *Agent) spoolCommand(rec store.CommandRecord) {
	rec.DeviceID = a.deviceID
	a.spoolRecord(store.KindCommands, &rec)
}

func (a *Agent) spoolRecord(kind string, v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		slog.Error("[Agent] record marshal failed", "kind", kind, "error", err)
		return
	}
	if err := a.spools[kind].Append(b); err != nil {
		slog.Error("[Agent] spool append failed", "kind", kind, "error", err)
		return
	}
	if a.met != nil {
		a.met.RecordsCollected.WithLabelValues(kind).Inc()
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

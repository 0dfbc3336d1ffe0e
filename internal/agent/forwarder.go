package agent

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/argus-siem/argus/internal/metrics"
	"github.com/argus-siem/argus/internal/store"
	"github.com/argus-siem/argus/pkg/agentclient"
)

// batchTargets is the preferred batch size per telemetry kind. A partial
// batch still ships after flushInterval so low-volume hosts stay current.
var batchTargets = map[string]int{
	store.KindLogs:      100,
	store.KindMetrics:   10,
	store.KindProcesses: 50,
	store.KindCommands:  50,
}

const (
	flushInterval = 60 * time.Second
	idlePoll      = 2 * time.Second

	retryInitialInterval = time.Second
	retryMaxInterval     = 5 * time.Minute
)

// Forwarder drains one spool to the server. Each kind runs its own forwarder
// goroutine so a stuck kind never blocks the others.
type Forwarder struct {
	client   *agentclient.Client
	spool    *Spool
	kind     string
	deviceID string
	met      *metrics.Agent

	// unauthorized is shared across forwarders; any 401 stops them all and
	// surfaces through agent health.
	unauthorized *atomic.Bool

	// draining flips when collectors have stopped. The forwarder then ships
	// whatever the spool holds without batching delays and exits once the
	// spool is empty, so a clean shutdown does not wait out the hard
	// deadline.
	draining *atomic.Bool
}

func NewForwarder(client *agentclient.Client, spool *Spool, kind, deviceID string,
	met *metrics.Agent, unauthorized, draining *atomic.Bool) *Forwarder {
	return &Forwarder{
		client:       client,
		spool:        spool,
		kind:         kind,
		deviceID:     deviceID,
		met:          met,
		unauthorized: unauthorized,
		draining:     draining,
	}
}

// Run loops until ctx is cancelled or the token is rejected.
func (f *Forwarder) Run(ctx context.Context) {
	target := batchTargets[f.kind]
	if target == 0 {
		target = 50
	}
	lastSend := time.Now()

	for {
		if f.unauthorized.Load() {
			return
		}
		records, next, err := f.spool.Peek(target)
		if err != nil {
			slog.Error("[Forward] spool read failed", "kind", f.kind, "error", err)
			if !sleepCtx(ctx, idlePoll) {
				return
			}
			continue
		}
		draining := f.draining != nil && f.draining.Load()
		if len(records) == 0 {
			if draining {
				return
			}
			if !sleepCtx(ctx, idlePoll) {
				return
			}
			continue
		}
		if len(records) < target && time.Since(lastSend) < flushInterval && !draining {
			if !sleepCtx(ctx, idlePoll) {
				return
			}
			continue
		}

		if err := f.send(ctx, records); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			if errors.Is(err, agentclient.ErrUnauthorized) {
				slog.Error("[Forward] token rejected, forwarding stopped", "kind", f.kind)
				f.unauthorized.Store(true)
				return
			}
			slog.Error("[Forward] batch abandoned", "kind", f.kind, "records", len(records), "error", err)
			f.countResult("abandoned")
		}
		// Delivered or abandoned as permanently invalid; either way the
		// cursor moves so the pipeline cannot wedge on one bad batch.
		if err := f.spool.Commit(next); err != nil {
			slog.Error("[Forward] cursor commit failed", "kind", f.kind, "error", err)
		}
		lastSend = time.Now()
	}
}

// send pushes one batch, retrying transient failures with jittered
// exponential backoff and shrinking past records the server rejects.
func (f *Forwarder) send(ctx context.Context, records []json.RawMessage) error {
	for len(records) > 0 {
		err := f.sendWithRetry(ctx, records)
		if err == nil {
			f.countResult("ok")
			return nil
		}

		var invalid *agentclient.InvalidBatchError
		if errors.As(err, &invalid) && invalid.BadIndex >= 0 && invalid.BadIndex < len(records) {
			slog.Warn("[Forward] dropping rejected record", "kind", f.kind, "index", invalid.BadIndex, "reason", invalid.Message)
			f.countResult("record_dropped")
			records = append(records[:invalid.BadIndex], records[invalid.BadIndex+1:]...)
			continue
		}
		return err
	}
	return nil
}

// newRetryPolicy is exponential backoff with full jitter: the delay is drawn
// uniformly from (0, 2*interval) so a fleet reconnecting after a server
// outage does not thunder back in lockstep.
func newRetryPolicy() *backoff.ExponentialBackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = retryInitialInterval
	policy.MaxInterval = retryMaxInterval
	policy.RandomizationFactor = 1
	policy.MaxElapsedTime = 0 // keep trying; the spool absorbs the lag
	return policy
}

func (f *Forwarder) sendWithRetry(ctx context.Context, records []json.RawMessage) error {
	policy := newRetryPolicy()

	op := func() error {
		_, err := f.client.IngestBatch(ctx, f.kind, f.deviceID, records)
		if err == nil {
			return nil
		}
		var transient *agentclient.TransientError
		if errors.As(err, &transient) || isNetworkError(err) {
			if f.met != nil {
				f.met.ForwardRetries.WithLabelValues(f.kind).Inc()
			}
			return err
		}
		return backoff.Permanent(err)
	}
	return backoff.Retry(op, backoff.WithContext(policy, ctx))
}

// isNetworkError treats anything that is not one of our typed API errors as
// a connectivity problem worth retrying.
func isNetworkError(err error) bool {
	var invalid *agentclient.InvalidBatchError
	if errors.As(err, &invalid) || errors.Is(err, agentclient.ErrUnauthorized) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

func (f *Forwarder) countResult(result string) {
	if f.met != nil {
		f.met.BatchesSent.WithLabelValues(f.kind, result).Inc()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

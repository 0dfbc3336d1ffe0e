package api

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/argus-siem/argus/internal/bus"
	"github.com/argus-siem/argus/internal/metrics"
	"github.com/argus-siem/argus/internal/store"
)

const (
	livenessShards = 16
	flushInterval  = 10 * time.Second
	sweepInterval  = 30 * time.Second
)

// livenessTracker batches device last-seen updates. Every ingest and
// heartbeat touches memory only; one UPDATE per flush covers all devices
// seen in the window instead of a write per request.
type livenessTracker struct {
	store *store.Store
	bus   bus.Bus
	met   *metrics.Server

	// offlineAfter must exceed the agent heartbeat interval with margin for
	// one missed beat.
	offlineAfter time.Duration

	shards [livenessShards]struct {
		sync.Mutex
		seen map[string]time.Time
	}
}

func newLivenessTracker(st *store.Store, b bus.Bus, met *metrics.Server, offlineAfter time.Duration) *livenessTracker {
	if offlineAfter <= 0 {
		offlineAfter = 90 * time.Second
	}
	t := &livenessTracker{store: st, bus: b, met: met, offlineAfter: offlineAfter}
	for i := range t.shards {
		t.shards[i].seen = make(map[string]time.Time)
	}
	return t
}

func (t *livenessTracker) shard(deviceID string) int {
	h := fnv.New32a()
	h.Write([]byte(deviceID))
	return int(h.Sum32() % livenessShards)
}

// Touch records activity for a device. Safe from any handler goroutine.
func (t *livenessTracker) Touch(deviceID string) {
	sh := &t.shards[t.shard(deviceID)]
	sh.Lock()
	sh.seen[deviceID] = time.Now().UTC()
	sh.Unlock()
}

// Run flushes the cache and sweeps for silent devices until ctx ends.
func (t *livenessTracker) Run(ctx context.Context) {
	flush := time.NewTicker(flushInterval)
	sweep := time.NewTicker(sweepInterval)
	defer flush.Stop()
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final flush so a clean restart keeps last-seen accurate.
			t.flush(context.Background())
			return
		case <-flush.C:
			t.flush(ctx)
		case <-sweep.C:
			t.sweep(ctx)
		}
	}
}

func (t *livenessTracker) flush(ctx context.Context) {
	var ids []string
	var latest time.Time
	for i := range t.shards {
		sh := &t.shards[i]
		sh.Lock()
		for id, at := range sh.seen {
			ids = append(ids, id)
			if at.After(latest) {
				latest = at
			}
		}
		sh.seen = make(map[string]time.Time)
		sh.Unlock()
	}
	if len(ids) == 0 {
		return
	}
	if err := t.store.TouchDevices(ctx, ids, latest); err != nil {
		slog.Warn("[Liveness] flush failed", "devices", len(ids), "error", err)
	}
}

func (t *livenessTracker) sweep(ctx context.Context) {
	flipped, err := t.store.SweepOffline(ctx, t.offlineAfter)
	if err != nil {
		slog.Warn("[Liveness] sweep failed", "error", err)
		return
	}
	for _, id := range flipped {
		if t.met != nil {
			t.met.OfflineFlips.Inc()
		}
		_ = t.bus.Publish(ctx, bus.NewEvent(bus.TypeAgentStatus, map[string]interface{}{
			"device_id": id,
			"status":    store.DeviceOffline,
		}))
	}
	if len(flipped) > 0 {
		slog.Info("[Liveness] devices flipped offline", "count", len(flipped))
	}
	if t.met != nil {
		active, err := t.store.ActiveDevices(ctx, t.offlineAfter)
		if err == nil {
			t.met.DevicesOnline.Set(float64(len(active)))
		}
	}
}

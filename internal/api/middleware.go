package api

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/argus-siem/argus/internal/auth"
)

type contextKey int

const claimsKey contextKey = iota

// claimsFrom returns the verified token claims for the request, nil when the
// route skipped authentication.
func claimsFrom(r *http.Request) *auth.Claims {
	c, _ := r.Context().Value(claimsKey).(*auth.Claims)
	return c
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		slog.Info("[API] request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"remote", r.RemoteAddr)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// authenticate verifies the bearer token and stashes its claims.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		claims, err := s.auth.Verify(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey, claims)))
	})
}

// requireRole gates a handler on a minimum role.
func (s *Server) requireRole(minRole string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims := claimsFrom(r)
		if claims == nil || !auth.Allow(claims.Role, minRole) {
			writeError(w, http.StatusForbidden, "insufficient role")
			return
		}
		h(w, r)
	}
}

// ==================== Request deadlines ====================

// Per-surface deadlines. Overrunning one returns 504; the request context
// carries the deadline so in-flight store calls are cancelled with it.
const (
	ingestDeadline    = 30 * time.Second
	heartbeatDeadline = 10 * time.Second
	registerDeadline  = 30 * time.Second
	dashboardDeadline = 60 * time.Second
)

// withDeadline runs the handler against a buffered response so an overrun can
// be replaced wholesale by a 504. Not applied to /ws, which owns its
// connection lifecycle.
func withDeadline(d time.Duration, next http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), d)
		defer cancel()

		buf := &bufferedResponse{header: make(http.Header), status: http.StatusOK}
		done := make(chan struct{})
		go func() {
			defer close(done)
			next.ServeHTTP(buf, r.WithContext(ctx))
		}()

		select {
		case <-done:
			buf.flushTo(w)
		case <-ctx.Done():
			writeError(w, http.StatusGatewayTimeout, "request deadline exceeded")
		}
	}
}

func deadlineMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return withDeadline(d, next)
	}
}

type bufferedResponse struct {
	header      http.Header
	status      int
	body        bytes.Buffer
	wroteHeader bool
}

func (b *bufferedResponse) Header() http.Header { return b.header }

func (b *bufferedResponse) WriteHeader(code int) {
	if !b.wroteHeader {
		b.status = code
		b.wroteHeader = true
	}
}

func (b *bufferedResponse) Write(p []byte) (int, error) {
	return b.body.Write(p)
}

func (b *bufferedResponse) flushTo(w http.ResponseWriter) {
	for k, vs := range b.header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(b.status)
	_, _ = w.Write(b.body.Bytes())
}

// ==================== Per-device ingest throttle ====================

const (
	// Sustained and burst batch rates per device. Generous: a healthy agent
	// sends a handful of batches per minute.
	deviceRate  = rate.Limit(10)
	deviceBurst = 30

	limiterIdleEvict = 30 * time.Minute
)

type deviceLimiter struct {
	mu       sync.Mutex
	limiters map[string]*limiterEntry
}

type limiterEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func newDeviceLimiter() *deviceLimiter {
	return &deviceLimiter{limiters: make(map[string]*limiterEntry)}
}

// Allow reports whether the device may submit another batch now.
func (d *deviceLimiter) Allow(deviceID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.limiters[deviceID]
	if !ok {
		e = &limiterEntry{lim: rate.NewLimiter(deviceRate, deviceBurst)}
		d.limiters[deviceID] = e
		// Piggyback eviction of idle entries on map growth.
		for id, old := range d.limiters {
			if time.Since(old.lastSeen) > limiterIdleEvict {
				delete(d.limiters, id)
			}
		}
	}
	e.lastSeen = time.Now()
	return e.lim.Allow()
}

// ==================== Ingest idempotency ====================

const idemWindow = 5 * time.Minute

// idempotencyCache remembers recently seen batch hashes so a retried
// delivery after a lost response does not double-insert.
type idempotencyCache struct {
	mu   sync.Mutex
	seen map[string]idemEntry
}

type idemEntry struct {
	at       time.Time
	inserted int
}

func newIdempotencyCache() *idempotencyCache {
	return &idempotencyCache{seen: make(map[string]idemEntry)}
}

// Check returns the prior insert count when the hash was seen recently.
func (c *idempotencyCache) Check(hash string) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.seen[hash]
	if !ok || time.Since(e.at) > idemWindow {
		return 0, false
	}
	return e.inserted, true
}

// Record stores a processed batch hash and prunes expired entries.
func (c *idempotencyCache) Record(hash string, inserted int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.seen {
		if time.Since(e.at) > idemWindow {
			delete(c.seen, k)
		}
	}
	c.seen[hash] = idemEntry{at: time.Now(), inserted: inserted}
}

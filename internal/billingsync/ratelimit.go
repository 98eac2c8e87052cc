package billingsync

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rcourtman/subsync/internal/billingsync/syncmetrics"
	"github.com/rs/zerolog/log"
)

const (
	defaultWebhookRejectLimit  = 20
	defaultWebhookRejectWindow = 10 * time.Minute
)

// RejectLimiter throttles webhook clients that keep sending deliveries the handler
// rejects, such as bad signatures or malformed bodies. Accepted deliveries are
// never counted.
type RejectLimiter struct {
	mu      sync.Mutex
	rejects map[string][]time.Time
	limit   int
	window  time.Duration
	now     func() time.Time
}

// NewRejectLimiter creates a limiter blocking a client after limit rejected
// deliveries within window.
func NewRejectLimiter(limit int, window time.Duration) *RejectLimiter {
	if limit <= 0 {
		limit = defaultWebhookRejectLimit
	}
	if window <= 0 {
		window = defaultWebhookRejectWindow
	}
	return &RejectLimiter{
		rejects: make(map[string][]time.Time),
		limit:   limit,
		window:  window,
		now:     time.Now,
	}
}

// RetryAfter reports how long ip stays blocked, or 0 when it may send.
func (rl *RejectLimiter) RetryAfter(ip string) time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	valid := rl.prune(ip, now)
	if len(valid) < rl.limit {
		return 0
	}
	return valid[len(valid)-rl.limit].Add(rl.window).Sub(now)
}

// RecordReject counts one rejected delivery from ip.
func (rl *RejectLimiter) RecordReject(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rl.rejects[ip] = append(rl.prune(ip, now), now)
}

func (rl *RejectLimiter) prune(ip string, now time.Time) []time.Time {
	cutoff := now.Add(-rl.window)
	valid := rl.rejects[ip][:0]
	for _, t := range rl.rejects[ip] {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	rl.rejects[ip] = valid
	return valid
}

// Sweep drops clients with no rejects inside the window.
func (rl *RejectLimiter) Sweep() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-rl.window)
	for ip, times := range rl.rejects {
		if len(times) == 0 || !times[len(times)-1].After(cutoff) {
			delete(rl.rejects, ip)
		}
	}
}

// Middleware answers 429 for blocked clients and counts 4xx responses of next
// against the client.
func (rl *RejectLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if wait := rl.RetryAfter(ip); wait > 0 {
			syncmetrics.WebhookThrottledTotal.Inc()
			log.Warn().Str("client_ip", ip).Dur("retry_after", wait).Msg("Webhook client throttled after repeated rejects")
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}

		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		if rw.status >= 400 && rw.status < 500 {
			rl.RecordReject(ip)
		}
	})
}

func clientIP(r *http.Request) string {
	if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
		// Use the first IP in the chain.
		if i := strings.IndexByte(xff, ','); i >= 0 {
			return strings.TrimSpace(xff[:i])
		}
		return xff
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

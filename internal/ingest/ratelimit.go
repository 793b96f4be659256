package ingest

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"chainsight/internal/config"
)

// RateLimiter applies a fixed-window request limit per client IP. Each
// client gets RequestsPerIP+BurstSize requests per window; a background
// sweep evicts idle clients so the map does not grow with churn.
type RateLimiter struct {
	requestsPerIP int
	burstSize     int
	windowSize    time.Duration
	trustProxy    bool

	mu      sync.RWMutex
	clients map[string]*clientWindow

	stop     chan struct{}
	stopOnce sync.Once
}

// clientWindow tracks one client's count in the current window. Each
// client carries its own lock so hot clients do not serialize the map.
type clientWindow struct {
	mu        sync.Mutex
	count     int64
	windowEnd time.Time
}

// NewRateLimiter builds a limiter from cfg and starts the eviction
// sweep. Callers that tear the limiter down must call Stop.
func NewRateLimiter(cfg config.RateLimitConfig) *RateLimiter {
	cleanup := cfg.CleanupPeriod
	if cleanup <= 0 {
		cleanup = 5 * time.Minute
	}

	rl := &RateLimiter{
		requestsPerIP: cfg.RequestsPerIP,
		burstSize:     cfg.BurstSize,
		windowSize:    cfg.WindowSize,
		trustProxy:    cfg.TrustProxy,
		clients:       make(map[string]*clientWindow),
		stop:          make(chan struct{}),
	}

	go rl.sweepLoop(cleanup)

	return rl
}

// Allow records a request for ip and reports whether it is within the
// limit, along with the remaining allowance and the window reset time.
func (rl *RateLimiter) Allow(ip string) (bool, int, time.Time) {
	now := time.Now()

	rl.mu.Lock()
	client, ok := rl.clients[ip]
	if !ok {
		client = &clientWindow{windowEnd: now.Add(rl.windowSize)}
		rl.clients[ip] = client
	}
	rl.mu.Unlock()

	client.mu.Lock()
	defer client.mu.Unlock()

	if now.After(client.windowEnd) {
		client.count = 0
		client.windowEnd = now.Add(rl.windowSize)
	}

	limit := int64(rl.requestsPerIP + rl.burstSize)
	if client.count >= limit {
		return false, 0, client.windowEnd
	}

	client.count++
	remaining := int(limit - client.count)
	return true, remaining, client.windowEnd
}

// Stop ends the eviction sweep.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

// Stats returns a snapshot for monitoring.
func (rl *RateLimiter) Stats() RateLimiterStats {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	var requests int64
	for _, client := range rl.clients {
		client.mu.Lock()
		requests += client.count
		client.mu.Unlock()
	}

	return RateLimiterStats{
		TrackedClients: len(rl.clients),
		WindowRequests: requests,
	}
}

// RateLimiterStats holds rate limiter counters.
type RateLimiterStats struct {
	TrackedClients int   `json:"tracked_clients"`
	WindowRequests int64 `json:"window_requests"`
}

func (rl *RateLimiter) sweepLoop(period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.sweep()
		case <-rl.stop:
			return
		}
	}
}

// sweep drops clients whose window ended more than two windows ago.
// Keeping one extra window avoids evicting a client mid-reset.
func (rl *RateLimiter) sweep() {
	boundary := time.Now().Add(-2 * rl.windowSize)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	for ip, client := range rl.clients {
		client.mu.Lock()
		expired := client.windowEnd.Before(boundary)
		client.mu.Unlock()
		if expired {
			delete(rl.clients, ip)
		}
	}
}

// clientIP extracts the client address for rate limiting. When the
// server sits behind a trusted proxy, the rightmost X-Forwarded-For
// entry wins: it was appended by the proxy closest to us and cannot be
// forged by the client.
func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			parts := strings.Split(xff, ",")
			for i := len(parts) - 1; i >= 0; i-- {
				if ip := strings.TrimSpace(parts[i]); ip != "" {
					return ip
				}
			}
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return xri
		}
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

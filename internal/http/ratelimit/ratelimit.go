// Package ratelimit provides a per-client-IP token bucket for the API.
package ratelimit

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const maxTrackedIPs = 10000

// IPRateLimiter hands each client IP its own token bucket. Client identity is
// taken from X-Forwarded-For / X-Real-IP only when the request arrived
// through a trusted proxy, otherwise from the socket address.
type IPRateLimiter struct {
	mu             sync.Mutex
	buckets        map[string]*bucket
	limit          rate.Limit
	burst          int
	idleEviction   time.Duration
	trustedProxies []*net.IPNet
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewIPRateLimiter builds a limiter allowing r requests per second with the
// given burst. A background sweep runs every idleEviction and drops buckets
// idle longer than twice that. trustedProxies lists CIDRs (or single IPs) whose
// forwarding headers are believed.
func NewIPRateLimiter(r rate.Limit, burst int, idleEviction time.Duration, trustedProxies []string) *IPRateLimiter {
	l := &IPRateLimiter{
		buckets:        make(map[string]*bucket),
		limit:          r,
		burst:          burst,
		idleEviction:   idleEviction,
		trustedProxies: parseCIDRs(trustedProxies),
	}
	go l.sweep()
	return l
}

// Middleware rejects requests over the limit with 429.
func (l *IPRateLimiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.allow(l.clientIP(r)) {
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (l *IPRateLimiter) allow(ip string) bool {
	l.mu.Lock()
	b, ok := l.buckets[ip]
	if !ok {
		if len(l.buckets) >= maxTrackedIPs {
			l.evictOldestLocked()
		}
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[ip] = b
	}
	b.lastSeen = time.Now()
	l.mu.Unlock()
	return b.limiter.Allow()
}

func (l *IPRateLimiter) evictOldestLocked() {
	var oldest string
	var oldestSeen time.Time
	for ip, b := range l.buckets {
		if oldest == "" || b.lastSeen.Before(oldestSeen) {
			oldest, oldestSeen = ip, b.lastSeen
		}
	}
	if oldest != "" {
		delete(l.buckets, oldest)
	}
}

func (l *IPRateLimiter) sweep() {
	ticker := time.NewTicker(l.idleEviction)
	defer ticker.Stop()
	for range ticker.C {
		cutoff := time.Now().Add(-2 * l.idleEviction)
		l.mu.Lock()
		for ip, b := range l.buckets {
			if b.lastSeen.Before(cutoff) {
				delete(l.buckets, ip)
			}
		}
		l.mu.Unlock()
	}
}

func (l *IPRateLimiter) clientIP(r *http.Request) string {
	remote := parseAddr(r.RemoteAddr)

	if !containsIP(l.trustedProxies, remote) {
		return remote.String()
	}

	// Leftmost X-Forwarded-For entry is the original client.
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := strings.TrimSpace(strings.SplitN(xff, ",", 2)[0])
		if ip := net.ParseIP(first); ip != nil {
			return ip.String()
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		if ip := net.ParseIP(xri); ip != nil {
			return ip.String()
		}
	}
	return remote.String()
}

func parseCIDRs(entries []string) []*net.IPNet {
	var nets []*net.IPNet
	for _, entry := range entries {
		if _, ipnet, err := net.ParseCIDR(entry); err == nil {
			nets = append(nets, ipnet)
			continue
		}
		if ip := net.ParseIP(entry); ip != nil {
			suffix := "/32"
			if ip.To4() == nil {
				suffix = "/128"
			}
			if _, ipnet, err := net.ParseCIDR(entry + suffix); err == nil {
				nets = append(nets, ipnet)
			}
		}
	}
	return nets
}

func containsIP(nets []*net.IPNet, ip net.IP) bool {
	for _, n := range nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func parseAddr(addr string) net.IP {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return net.ParseIP(host)
	}
	return net.ParseIP(addr)
}

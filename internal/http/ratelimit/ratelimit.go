package ratelimit

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// KeyFunc picks the bucket a request is counted against.
type KeyFunc func(r *http.Request) string

// Limiter keeps one token bucket per key.
type Limiter struct {
	limiters   map[string]*limiterEntry
	mu         sync.Mutex
	rate       rate.Limit
	burst      int
	idle       time.Duration
	maxEntries int
	key        KeyFunc
	now        func() time.Time
}

type limiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// New creates a limiter allowing r requests per second with burst b per key.
// Buckets unused for idle are dropped by Run.
func New(r rate.Limit, b int, idle time.Duration, key KeyFunc) *Limiter {
	return &Limiter{
		limiters:   make(map[string]*limiterEntry),
		rate:       r,
		burst:      b,
		idle:       idle,
		maxEntries: 10000,
		key:        key,
		now:        time.Now,
	}
}

// Allow reports whether a request for key may proceed.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.limiters[key]
	if !ok {
		if len(l.limiters) >= l.maxEntries {
			l.evictOldest()
		}
		entry = &limiterEntry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[key] = entry
	}
	entry.lastAccess = l.now()
	return entry.limiter.AllowN(entry.lastAccess, 1)
}

func (l *Limiter) evictOldest() {
	var oldestKey string
	var oldest time.Time
	for k, entry := range l.limiters {
		if oldestKey == "" || entry.lastAccess.Before(oldest) {
			oldestKey = k
			oldest = entry.lastAccess
		}
	}
	if oldestKey != "" {
		delete(l.limiters, oldestKey)
	}
}

func (l *Limiter) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-l.idle)
	for k, entry := range l.limiters {
		if entry.lastAccess.Before(cutoff) {
			delete(l.limiters, k)
		}
	}
}

// Run drops idle buckets until ctx is done.
func (l *Limiter) Run(ctx context.Context) {
	ticker := time.NewTicker(l.idle)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.sweep()
		}
	}
}

// Middleware rejects requests over the limit with 429.
func (l *Limiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.Allow(l.key(r)) {
				w.Header().Set("Retry-After", "1")
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ByHeader keys on a request header, falling back to the client IP when the
// header is absent.
func ByHeader(name string, fallback KeyFunc) KeyFunc {
	return func(r *http.Request) string {
		if v := r.Header.Get(name); v != "" {
			return name + ":" + v
		}
		return fallback(r)
	}
}

// ByClientIP keys on the client address. Forwarding headers are honoured only
// when the peer is one of trustedProxies (CIDRs or single IPs); with none
// configured they are always honoured.
func ByClientIP(trustedProxies []string) KeyFunc {
	var nets []*net.IPNet
	for _, cidr := range trustedProxies {
		_, ipnet, err := net.ParseCIDR(cidr)
		if err != nil {
			ip := net.ParseIP(cidr)
			if ip == nil {
				continue
			}
			bits := 128
			if ip.To4() != nil {
				ip, bits = ip.To4(), 32
			}
			ipnet = &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}
		}
		nets = append(nets, ipnet)
	}
	return func(r *http.Request) string {
		return clientIP(r, nets)
	}
}

func clientIP(r *http.Request, trusted []*net.IPNet) string {
	remote := parseIP(r.RemoteAddr)
	if len(trusted) > 0 {
		ok := false
		for _, ipnet := range trusted {
			if remote != nil && ipnet.Contains(remote) {
				ok = true
				break
			}
		}
		if !ok {
			return addrString(remote, r.RemoteAddr)
		}
	}

	// Leftmost X-Forwarded-For entry is the original client.
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
			return ip.String()
		}
	}
	if ip := net.ParseIP(r.Header.Get("X-Real-IP")); ip != nil {
		return ip.String()
	}
	return addrString(remote, r.RemoteAddr)
}

func addrString(ip net.IP, raw string) string {
	if ip == nil {
		return raw
	}
	return ip.String()
}

func parseIP(addr string) net.IP {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return net.ParseIP(host)
	}
	return net.ParseIP(addr)
}

package middleware

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/deaddrop/internal/metrics"
	"github.com/eldtechnologies/deaddrop/internal/ratelimit"
)

const (
	autoBlockThreshold = 10
	autoBlockWindow    = time.Hour
	autoBlockDuration  = 24 * time.Hour
)

// IPLimit caps requests per client IP for one route.
type IPLimit struct {
	Scope string
	ratelimit.Limit
}

// DefaultIPLimits covers the unauthenticated endpoints.
var DefaultIPLimits = map[string]IPLimit{
	"POST /agent/register": {"register", ratelimit.Limit{Requests: 10, Window: time.Hour}},
	"POST /agents/search":  {"search", ratelimit.Limit{Requests: 30, Window: time.Minute}},
}

// RateLimiterConfig holds configuration for the IP throttle.
type RateLimiterConfig struct {
	Limits           map[string]IPLimit
	Whitelist        []string // IPs or CIDRs exempt from rate limiting
	AutoBlockEnabled bool     // Enable auto-blocking after repeated violations
}

// RateLimiter throttles unauthenticated endpoints per client IP. It
// sits in front of the per-agent send quota and is not relied on for it.
type RateLimiter struct {
	limiter          ratelimit.Limiter
	blocker          ratelimit.Blocker
	limits           map[string]IPLimit
	logger           zerolog.Logger
	whitelist        []*net.IPNet
	whitelistIPs     map[string]bool
	autoBlockEnabled bool
}

// NewRateLimiter creates a new IP throttle.
func NewRateLimiter(limiter ratelimit.Limiter, blocker ratelimit.Blocker, logger zerolog.Logger, cfg RateLimiterConfig) *RateLimiter {
	limits := cfg.Limits
	if limits == nil {
		limits = DefaultIPLimits
	}
	rl := &RateLimiter{
		limiter:          limiter,
		blocker:          blocker,
		limits:           limits,
		logger:           logger,
		whitelistIPs:     make(map[string]bool),
		autoBlockEnabled: cfg.AutoBlockEnabled,
	}

	// Parse whitelist entries
	for _, entry := range cfg.Whitelist {
		if strings.Contains(entry, "/") {
			// CIDR notation
			_, ipNet, err := net.ParseCIDR(entry)
			if err != nil {
				logger.Warn().Str("entry", entry).Err(err).Msg("invalid CIDR in whitelist")
				continue
			}
			rl.whitelist = append(rl.whitelist, ipNet)
		} else {
			// Single IP
			rl.whitelistIPs[entry] = true
		}
	}

	if len(cfg.Whitelist) > 0 {
		logger.Info().
			Int("ips", len(rl.whitelistIPs)).
			Int("cidrs", len(rl.whitelist)).
			Msg("rate limit whitelist configured")
	}

	return rl
}

// isWhitelisted checks if an IP is in the whitelist.
func (rl *RateLimiter) isWhitelisted(ipStr string) bool {
	// Check exact IP match
	if rl.whitelistIPs[ipStr] {
		return true
	}

	// Check CIDR ranges
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, ipNet := range rl.whitelist {
		if ipNet.Contains(ip) {
			return true
		}
	}
	return false
}

// RealIP extracts the real client IP from headers or connection.
func RealIP(r *http.Request) string {
	// X-Forwarded-For first
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		return strings.TrimSpace(strings.Split(ip, ",")[0])
	}
	// Then X-Real-IP
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	// Fallback to RemoteAddr
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// Middleware returns the rate limiting middleware.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := RealIP(r)

		// Skip rate limiting for whitelisted IPs
		if rl.isWhitelisted(ip) {
			next.ServeHTTP(w, r)
			return
		}

		ctx := r.Context()
		ipKey := "ip:" + ip

		// Check IP block first
		blocked, err := rl.blocker.IsBlocked(ctx, ipKey)
		if err != nil {
			// The throttle is an extra layer; fail open.
			rl.logger.Error().Err(err).Msg("ip block lookup failed")
		}
		if blocked {
			metrics.BlockedRequests.WithLabelValues("ip_blocked").Inc()
			rl.logger.Warn().
				Str("type", "security").
				Str("event", "blocked_request").
				Str("ip", ip).
				Str("endpoint", r.URL.Path).
				Msg("blocked IP attempted request")
			jsonError(w, http.StatusForbidden, "temporarily blocked")
			return
		}

		limit, ok := rl.limits[r.Method+" "+r.URL.Path]
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		key := ipKey + ":" + limit.Scope
		d, err := rl.limiter.Reserve(ctx, key, limit.Limit)
		if err != nil {
			rl.logger.Error().Err(err).Str("key", key).Msg("ip rate limit check failed")
			next.ServeHTTP(w, r)
			return
		}

		// Set rate limit headers
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))

		if !d.Allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(d.RetryAfter.Seconds())))
			metrics.RateLimitHits.WithLabelValues(limit.Scope).Inc()

			// Track violation
			rl.trackViolation(r, ip)

			rl.logger.Warn().
				Str("type", "security").
				Str("event", "rate_limit_exceeded").
				Str("ip", ip).
				Str("endpoint", r.URL.Path).
				Str("key", key).
				Msg("rate limit exceeded")

			jsonError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// trackViolation tracks rate limit violations and auto-blocks repeat offenders.
func (rl *RateLimiter) trackViolation(r *http.Request, ip string) {
	if !rl.autoBlockEnabled {
		return
	}

	ctx := r.Context()
	count, err := rl.blocker.RecordViolation(ctx, "ip:"+ip, autoBlockWindow)
	if err != nil {
		rl.logger.Error().Err(err).Msg("failed to record violation")
		return
	}

	if count >= autoBlockThreshold {
		if err := rl.blocker.Block(ctx, "ip:"+ip, autoBlockDuration, "repeated rate limit violations"); err != nil {
			rl.logger.Error().Err(err).Msg("failed to block ip")
			return
		}
		metrics.BlockedRequests.WithLabelValues("auto_block").Inc()
		rl.logger.Warn().
			Str("type", "security").
			Str("event", "ip_auto_blocked").
			Str("ip", ip).
			Int64("violations", count).
			Msg("IP auto-blocked for repeated violations")
	}
}

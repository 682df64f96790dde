package httputil

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/matrix-org/util"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/element-hq/caretaker/maintenance/api"
	"github.com/element-hq/caretaker/setup/config"
)

var (
	rateLimitRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "caretaker",
			Subsystem: "adminapi",
			Name:      "rate_limit_rejections",
			Help:      "Total number of admin requests rejected by rate limiting",
		},
		[]string{"endpoint"},
	)
	rateLimitAllowed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "caretaker",
			Subsystem: "adminapi",
			Name:      "rate_limit_allowed",
			Help:      "Total number of admin requests allowed by rate limiting",
		},
		[]string{"endpoint"},
	)
)

var registerRateLimiterMetrics sync.Once

func init() {
	registerRateLimiterMetrics.Do(func() {
		prometheus.MustRegister(rateLimitRejections, rateLimitAllowed)
	})
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimits applies a token-bucket limit per caller to the admin transition
// endpoints. Callers are keyed by their basic auth username, falling back to
// their remote address.
type RateLimits struct {
	limits           map[string]*limiterEntry
	mutex            sync.RWMutex
	enabled          bool
	threshold        int64
	cooloff          time.Duration
	exemptIdentities map[string]struct{}
	cleanupDone      chan struct{}
}

func NewRateLimits(cfg *config.RateLimiting) *RateLimits {
	l := &RateLimits{
		limits:           make(map[string]*limiterEntry),
		enabled:          cfg.Enabled,
		threshold:        cfg.Threshold,
		cooloff:          time.Duration(cfg.CooloffMS) * time.Millisecond,
		exemptIdentities: map[string]struct{}{},
		cleanupDone:      make(chan struct{}),
	}
	for _, identity := range cfg.ExemptIdentities {
		l.exemptIdentities[identity] = struct{}{}
	}
	if l.enabled {
		go l.clean()
	}
	return l
}

// clean removes expired limiter entries periodically so idle callers do not
// leak memory.
func (l *RateLimits) clean() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-l.cleanupDone:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-time.Minute)
			l.mutex.Lock()
			for key, entry := range l.limits {
				if entry.lastSeen.Before(cutoff) {
					delete(l.limits, key)
				}
			}
			l.mutex.Unlock()
		}
	}
}

// Stop terminates the cleanup goroutine. Safe to call multiple times.
func (l *RateLimits) Stop() {
	if l.enabled && l.cleanupDone != nil {
		select {
		case <-l.cleanupDone:
		default:
			close(l.cleanupDone)
		}
	}
}

// Limit returns a non-nil response if the request should be rejected.
func (l *RateLimits) Limit(req *http.Request) *util.JSONResponse {
	endpoint := endpointLabel(req)

	if !l.enabled {
		rateLimitAllowed.WithLabelValues(endpoint).Inc()
		return nil
	}

	caller := callerKey(req)
	if _, ok := l.exemptIdentities[caller]; ok {
		rateLimitAllowed.WithLabelValues(endpoint).Inc()
		return nil
	}

	if l.getLimiter(caller).Allow() {
		rateLimitAllowed.WithLabelValues(endpoint).Inc()
		return nil
	}

	rateLimitRejections.WithLabelValues(endpoint).Inc()
	return &util.JSONResponse{
		Code: http.StatusTooManyRequests,
		JSON: api.LimitExceeded("You are sending too many requests too quickly!"),
	}
}

// getLimiter retrieves or creates the token bucket for the caller. The bucket
// refills at threshold tokens per cooloff period and allows bursts up to
// threshold.
func (l *RateLimits) getLimiter(key string) *rate.Limiter {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if entry, ok := l.limits[key]; ok {
		entry.lastSeen = time.Now()
		return entry.limiter
	}

	burst := int(l.threshold)
	if burst < 1 {
		burst = 1
	}
	refill := rate.Limit(float64(l.threshold) * float64(time.Second) / float64(l.cooloff))
	if refill <= 0 {
		refill = rate.Limit(1)
	}
	limiter := rate.NewLimiter(refill, burst)
	l.limits[key] = &limiterEntry{
		limiter:  limiter,
		lastSeen: time.Now(),
	}
	return limiter
}

func endpointLabel(req *http.Request) string {
	if req == nil || req.URL == nil {
		return "unknown"
	}
	return req.URL.Path
}

func callerKey(req *http.Request) string {
	if user, _, ok := req.BasicAuth(); ok && user != "" {
		return user
	}
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}

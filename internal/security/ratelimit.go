package security

import (
	"net/http"
	"sync"
	"time"

	"github.com/luigilabs/luigid/internal/audit"
	"github.com/luigilabs/luigid/internal/config"
)

// window is one fixed rate-limit window for a single caller address.
// It is created lazily and resets when the window length has elapsed.
type window struct {
	start time.Time
	count int
}

// Limiter holds the four rate-limiting tiers, all keyed by caller address:
// a global per-request window, a failed-authentication window, a post-auth
// operation window, and a rolling window driving adaptive slowdown.
// All counters are process-local and ephemeral.
type Limiter struct {
	cfg config.RateLimitConfig
	now func() time.Time

	mu       sync.Mutex
	global   map[string]*window
	authFail map[string]*window
	op       map[string]*window
	slow     map[string]*window
}

// NewLimiter creates a Limiter from configured thresholds.
func NewLimiter(cfg config.RateLimitConfig) *Limiter {
	return &Limiter{
		cfg:      cfg,
		now:      time.Now,
		global:   make(map[string]*window),
		authFail: make(map[string]*window),
		op:       make(map[string]*window),
		slow:     make(map[string]*window),
	}
}

// hit increments the window for addr and reports whether the count is still
// within limit. An elapsed window resets before counting.
func (l *Limiter) hit(m map[string]*window, addr string, limit int, length time.Duration) bool {
	now := l.now()
	w, ok := m[addr]
	if !ok || now.Sub(w.start) >= length {
		w = &window{start: now}
		m[addr] = w
	}
	w.count++
	return w.count <= limit
}

// AllowGlobal counts one request against the global tier.
func (l *Limiter) AllowGlobal(addr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.hit(l.global, addr, l.cfg.GlobalLimit, time.Duration(l.cfg.GlobalWindowSec)*time.Second)
}

// AllowOperation counts one state-changing request against the operation tier.
func (l *Limiter) AllowOperation(addr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.hit(l.op, addr, l.cfg.OperationLimit, time.Duration(l.cfg.OperationWindowSec)*time.Second)
}

// AuthBlocked reports whether addr has exhausted its failed-authentication
// budget. It does not count anything: only RecordAuthFailure increments this
// tier, so successful logins never penalize a caller.
func (l *Limiter) AuthBlocked(addr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.authFail[addr]
	if !ok {
		return false
	}
	if l.now().Sub(w.start) >= time.Duration(l.cfg.AuthWindowSec)*time.Second {
		delete(l.authFail, addr)
		return false
	}
	return w.count >= l.cfg.AuthLimit
}

// RecordAuthFailure counts one failed authentication attempt for addr.
func (l *Limiter) RecordAuthFailure(addr string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hit(l.authFail, addr, l.cfg.AuthLimit, time.Duration(l.cfg.AuthWindowSec)*time.Second)
}

// SlowdownDelay returns the delay to inject for addr. Below the soft
// threshold it is zero; beyond it the delay grows linearly per request up to
// the configured cap, degrading service before the hard limits reject.
func (l *Limiter) SlowdownDelay(addr string) time.Duration {
	if l.cfg.SlowdownThreshold <= 0 {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	length := time.Duration(l.cfg.SlowdownWindowSec) * time.Second
	w, ok := l.slow[addr]
	if !ok || now.Sub(w.start) >= length {
		w = &window{start: now}
		l.slow[addr] = w
	}
	w.count++

	over := w.count - l.cfg.SlowdownThreshold
	if over <= 0 {
		return 0
	}
	delay := time.Duration(over*l.cfg.SlowdownStepMs) * time.Millisecond
	if max := time.Duration(l.cfg.SlowdownMaxMs) * time.Millisecond; delay > max {
		delay = max
	}
	return delay
}

// GlobalRateStage enforces the global tier and computes adaptive slowdown.
// It runs before authentication so a flood is dropped as early as possible.
type GlobalRateStage struct {
	Limiter *Limiter
	Audit   *audit.Log
}

func (s *GlobalRateStage) Name() string { return "rate_global" }

func (s *GlobalRateStage) Check(req *Request) Outcome {
	addr := req.RemoteIP.String()
	if !s.Limiter.AllowGlobal(addr) {
		s.Audit.Record(audit.Event{
			Kind:       audit.KindRateLimitExceeded,
			RemoteAddr: addr,
			Details:    map[string]any{"tier": "global", "path": req.Path},
		})
		return Deny(http.StatusTooManyRequests, "rate_limited", "too many requests")
	}
	req.Delay = s.Limiter.SlowdownDelay(addr)
	return Allow()
}

// OperationRateStage enforces the post-authentication operation tier on
// state-changing routes only.
type OperationRateStage struct {
	Limiter *Limiter
	Audit   *audit.Log
}

func (s *OperationRateStage) Name() string { return "rate_operation" }

func (s *OperationRateStage) Check(req *Request) Outcome {
	if !req.Mutating {
		return Allow()
	}
	addr := req.RemoteIP.String()
	if !s.Limiter.AllowOperation(addr) {
		s.Audit.Record(audit.Event{
			Kind:       audit.KindRateLimitExceeded,
			Actor:      req.Username,
			RemoteAddr: addr,
			Details:    map[string]any{"tier": "operation", "path": req.Path},
		})
		return Deny(http.StatusTooManyRequests, "rate_limited", "operation rate limit exceeded")
	}
	return Allow()
}

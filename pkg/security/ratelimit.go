package security

import (
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/AbdelStark/guts-sub000/pkg/gutserr"
	"github.com/AbdelStark/guts-sub000/pkg/log"
	"github.com/AbdelStark/guts-sub000/pkg/metrics"
)

// RateLimitConfig tunes the per-scope buckets and the adaptive
// blocker.
type RateLimitConfig struct {
	IPLimit             int
	UserLimit           int
	RepoLimit           int
	Window              time.Duration
	AdaptiveEnabled     bool
	SuspiciousThreshold int
	BlockDuration       time.Duration
}

// DefaultRateLimitConfig returns the stock limits.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		IPLimit:             600,
		UserLimit:           1200,
		RepoLimit:           3000,
		Window:              time.Minute,
		AdaptiveEnabled:     true,
		SuspiciousThreshold: 100,
		BlockDuration:       15 * time.Minute,
	}
}

// RequestContext describes one inbound request for limiting purposes.
type RequestContext struct {
	IP        string
	UserID    string
	RepoKey   string
	Path      string
	Method    string
	UserAgent string
}

// RateLimitInfo reports the most constrained scope's remaining budget.
type RateLimitInfo struct {
	Scope     string
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// tokenBucket refills wholesale at window boundaries.
type tokenBucket struct {
	tokens     int
	maxTokens  int
	lastRefill time.Time
	window     time.Duration
}

func newBucket(maxTokens int, window time.Duration) *tokenBucket {
	return &tokenBucket{tokens: maxTokens, maxTokens: maxTokens, lastRefill: time.Now(), window: window}
}

func (b *tokenBucket) refillIfNeeded(now time.Time) {
	if now.Sub(b.lastRefill) >= b.window {
		b.tokens = b.maxTokens
		b.lastRefill = now
	}
}

func (b *tokenBucket) consume(now time.Time) bool {
	b.refillIfNeeded(now)
	if b.tokens > 0 {
		b.tokens--
		return true
	}
	return false
}

func (b *tokenBucket) resetAt() time.Time { return b.lastRefill.Add(b.window) }

// SuspiciousPattern names an abuse shape the adaptive limiter tracks.
type SuspiciousPattern string

const (
	PatternAuthBruteForce     SuspiciousPattern = "auth_brute_force"
	PatternRapidRequests      SuspiciousPattern = "rapid_requests"
	PatternPathEnumeration    SuspiciousPattern = "path_enumeration"
	PatternErrorSpike         SuspiciousPattern = "error_spike"
	PatternCredentialStuffing SuspiciousPattern = "credential_stuffing"
	PatternMaliciousUserAgent SuspiciousPattern = "malicious_user_agent"
)

// Weight is the suspicion each observation of the pattern adds; the
// sharper the signal, the faster it reaches the block threshold.
func (p SuspiciousPattern) Weight() int {
	switch p {
	case PatternAuthBruteForce, PatternCredentialStuffing:
		return 10
	case PatternMaliciousUserAgent:
		return 25
	case PatternPathEnumeration:
		return 5
	case PatternErrorSpike:
		return 3
	default: // PatternRapidRequests and future patterns
		return 1
	}
}

type suspiciousRecord struct {
	pattern  SuspiciousPattern
	score    int
	lastSeen time.Time
}

// AdaptiveLimiter blocks ips whose cumulative suspicion crosses the
// threshold.
type AdaptiveLimiter struct {
	cfg    RateLimitConfig
	logger zerolog.Logger

	mu         sync.Mutex
	blocked    map[string]time.Time // ip -> unblock time
	suspicious map[string][]suspiciousRecord
}

// NewAdaptiveLimiter builds an adaptive limiter.
func NewAdaptiveLimiter(cfg RateLimitConfig) *AdaptiveLimiter {
	return &AdaptiveLimiter{
		cfg:        cfg,
		logger:     log.WithComponent("ratelimit"),
		blocked:    make(map[string]time.Time),
		suspicious: make(map[string][]suspiciousRecord),
	}
}

// IsBlocked reports whether the ip is currently blocked.
func (a *AdaptiveLimiter) IsBlocked(ip string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	until, ok := a.blocked[ip]
	return ok && time.Now().Before(until)
}

// BlockIP blocks the ip for the configured duration.
func (a *AdaptiveLimiter) BlockIP(ip string, reason SuspiciousPattern) {
	a.mu.Lock()
	a.blocked[ip] = time.Now().Add(a.cfg.BlockDuration)
	count := len(a.blocked)
	a.mu.Unlock()

	metrics.RateLimitBlockedIPs.Set(float64(count))
	a.logger.Warn().Str("ip", ip).Str("pattern", string(reason)).Msg("ip blocked for suspicious activity")
}

// UnblockIP lifts a block immediately.
func (a *AdaptiveLimiter) UnblockIP(ip string) {
	a.mu.Lock()
	delete(a.blocked, ip)
	count := len(a.blocked)
	a.mu.Unlock()
	metrics.RateLimitBlockedIPs.Set(float64(count))
}

// RecordSuspicious adds one observation of a pattern; crossing the
// cumulative threshold blocks the ip.
func (a *AdaptiveLimiter) RecordSuspicious(ip string, pattern SuspiciousPattern) {
	now := time.Now()

	a.mu.Lock()
	records := a.suspicious[ip]
	found := false
	total := 0
	for i := range records {
		if records[i].pattern == pattern {
			records[i].score += pattern.Weight()
			records[i].lastSeen = now
			found = true
		}
		total += records[i].score
	}
	if !found {
		records = append(records, suspiciousRecord{pattern: pattern, score: pattern.Weight(), lastSeen: now})
		total += pattern.Weight()
	}
	a.suspicious[ip] = records
	shouldBlock := total >= a.cfg.SuspiciousThreshold
	a.mu.Unlock()

	if shouldBlock {
		a.BlockIP(ip, pattern)
	}
}

// Check rejects requests from blocked ips and flags known malicious
// user agents.
func (a *AdaptiveLimiter) Check(ctx *RequestContext) error {
	if !a.cfg.AdaptiveEnabled {
		return nil
	}

	a.mu.Lock()
	until, blocked := a.blocked[ctx.IP]
	a.mu.Unlock()
	if blocked && time.Now().Before(until) {
		return gutserr.New(gutserr.QuotaExceeded, "security.AdaptiveLimiter.Check", "ip temporarily blocked").
			WithRetryAfter(time.Until(until))
	}

	if ctx.UserAgent != "" && isMaliciousUserAgent(ctx.UserAgent) {
		a.RecordSuspicious(ctx.IP, PatternMaliciousUserAgent)
	}
	return nil
}

// Cleanup drops expired blocks and suspicion records older than a day.
func (a *AdaptiveLimiter) Cleanup() {
	now := time.Now()
	cutoff := now.Add(-24 * time.Hour)

	a.mu.Lock()
	for ip, until := range a.blocked {
		if !now.Before(until) {
			delete(a.blocked, ip)
		}
	}
	for ip, records := range a.suspicious {
		kept := records[:0]
		for _, r := range records {
			if r.lastSeen.After(cutoff) {
				kept = append(kept, r)
			}
		}
		if len(kept) == 0 {
			delete(a.suspicious, ip)
		} else {
			a.suspicious[ip] = kept
		}
	}
	count := len(a.blocked)
	a.mu.Unlock()
	metrics.RateLimitBlockedIPs.Set(float64(count))
}

// BlockedCount returns the number of currently blocked ips.
func (a *AdaptiveLimiter) BlockedCount() int {
	now := time.Now()
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, until := range a.blocked {
		if now.Before(until) {
			n++
		}
	}
	return n
}

var maliciousUAFragments = []string{
	"sqlmap", "nikto", "nessus", "nmap", "masscan",
	"zgrab", "gobuster", "dirbuster", "nuclei", "wpscan",
}

func isMaliciousUserAgent(ua string) bool {
	lower := strings.ToLower(ua)
	for _, fragment := range maliciousUAFragments {
		if strings.Contains(lower, fragment) {
			return true
		}
	}
	return false
}

// RateLimiter evaluates every applicable scope (ip, user, repo) per
// request; the most restrictive violation wins.
type RateLimiter struct {
	cfg      RateLimitConfig
	adaptive *AdaptiveLimiter

	mu          sync.Mutex
	ipBuckets   map[string]*tokenBucket
	userBuckets map[string]*tokenBucket
	repoBuckets map[string]*tokenBucket
}

// NewRateLimiter builds the multi-scope limiter with its adaptive
// companion.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		cfg:         cfg,
		adaptive:    NewAdaptiveLimiter(cfg),
		ipBuckets:   make(map[string]*tokenBucket),
		userBuckets: make(map[string]*tokenBucket),
		repoBuckets: make(map[string]*tokenBucket),
	}
}

// Adaptive exposes the adaptive limiter for abuse reporting.
func (r *RateLimiter) Adaptive() *AdaptiveLimiter { return r.adaptive }

// Check consumes one token from every scope the request touches and
// returns the tightest remaining budget, or a QuotaExceeded error
// carrying retry-after.
func (r *RateLimiter) Check(ctx *RequestContext) (RateLimitInfo, error) {
	if err := r.adaptive.Check(ctx); err != nil {
		return RateLimitInfo{}, err
	}

	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()

	type scoped struct {
		scope  string
		bucket *tokenBucket
	}
	var scopes []scoped
	if ctx.IP != "" && r.cfg.IPLimit > 0 {
		scopes = append(scopes, scoped{"ip", bucketFor(r.ipBuckets, ctx.IP, r.cfg.IPLimit, r.cfg.Window)})
	}
	if ctx.UserID != "" && r.cfg.UserLimit > 0 {
		scopes = append(scopes, scoped{"user", bucketFor(r.userBuckets, ctx.UserID, r.cfg.UserLimit, r.cfg.Window)})
	}
	if ctx.RepoKey != "" && r.cfg.RepoLimit > 0 {
		scopes = append(scopes, scoped{"repo", bucketFor(r.repoBuckets, ctx.RepoKey, r.cfg.RepoLimit, r.cfg.Window)})
	}

	info := RateLimitInfo{Remaining: -1}
	for _, s := range scopes {
		if !s.bucket.consume(now) {
			metrics.RateLimitExceededTotal.WithLabelValues(s.scope).Inc()
			return RateLimitInfo{}, gutserr.New(gutserr.QuotaExceeded, "security.RateLimiter.Check",
				s.scope+" rate limit exceeded").WithRetryAfter(time.Until(s.bucket.resetAt()))
		}
		if info.Remaining < 0 || s.bucket.tokens < info.Remaining {
			info = RateLimitInfo{
				Scope:     s.scope,
				Limit:     s.bucket.maxTokens,
				Remaining: s.bucket.tokens,
				ResetAt:   s.bucket.resetAt(),
			}
		}
	}
	if info.Remaining < 0 {
		info = RateLimitInfo{Scope: "none"}
	}
	return info, nil
}

// RecordAuthFailure feeds the brute-force pattern.
func (r *RateLimiter) RecordAuthFailure(ip string) {
	r.adaptive.RecordSuspicious(ip, PatternAuthBruteForce)
}

// Cleanup sweeps stale buckets and expired blocks.
func (r *RateLimiter) Cleanup() {
	now := time.Now()
	stale := 2 * r.cfg.Window

	r.mu.Lock()
	for _, buckets := range []map[string]*tokenBucket{r.ipBuckets, r.userBuckets, r.repoBuckets} {
		// A bucket idle past two windows is due a wholesale refill
		// anyway, so dropping it is equivalent.
		for key, b := range buckets {
			if now.Sub(b.lastRefill) > stale {
				delete(buckets, key)
			}
		}
	}
	r.mu.Unlock()

	r.adaptive.Cleanup()
}

func bucketFor(buckets map[string]*tokenBucket, key string, limit int, window time.Duration) *tokenBucket {
	b, ok := buckets[key]
	if !ok {
		b = newBucket(limit, window)
		buckets[key] = b
	}
	return b
}

package security

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AbdelStark/guts-sub000/pkg/gutserr"
	"github.com/AbdelStark/guts-sub000/pkg/txmodel"
)

func TestAuditRecordAndQuery(t *testing.T) {
	l := NewAuditLog()

	l.Record(AuditEvent{Type: EventLogin, Actor: "alice", Resource: "session", Result: "ok"})
	l.Record(AuditEvent{Type: EventLoginFailed, Actor: "mallory", Resource: "session", Result: "denied", IP: "10.0.0.9"})
	l.Record(AuditEvent{Type: EventRepoDeleted, Actor: "alice", Resource: "alice/old", Result: "ok"})

	assert.Equal(t, 3, l.Len())

	// Newest first.
	recent := l.Recent(2)
	require.Len(t, recent, 2)
	assert.Equal(t, EventRepoDeleted, recent[0].Type)

	byActor := l.Query(AuditQuery{Actor: "alice"})
	assert.Len(t, byActor, 2)

	critical := l.Query(AuditQuery{MinSeverity: SeverityCritical})
	require.Len(t, critical, 1)
	assert.Equal(t, EventRepoDeleted, critical[0].Type)

	byType := l.Query(AuditQuery{EventTypes: []AuditEventType{EventLoginFailed}})
	require.Len(t, byType, 1)
	assert.Equal(t, "10.0.0.9", byType[0].IP)

	offset := l.Query(AuditQuery{Actor: "alice", Offset: 1})
	require.Len(t, offset, 1)
	assert.Equal(t, EventLogin, offset[0].Type)
}

func TestAuditCapacityDropsOldest(t *testing.T) {
	l := NewAuditLogWithCapacity(2)

	first := l.Record(AuditEvent{Type: EventLogin, Actor: "a"})
	l.Record(AuditEvent{Type: EventLogin, Actor: "b"})
	l.Record(AuditEvent{Type: EventLogin, Actor: "c"})

	assert.Equal(t, 2, l.Len())
	_, err := l.Get(first.ID)
	assert.True(t, gutserr.Of(err, gutserr.NotFound))

	// Ids keep incrementing across drops.
	entry := l.Record(AuditEvent{Type: EventLogin, Actor: "d"})
	assert.Equal(t, uint64(4), entry.ID)
}

func TestSeverityTaxonomy(t *testing.T) {
	assert.Equal(t, SeverityCritical, EventKeyRotated.Severity())
	assert.Equal(t, SeverityCritical, EventIntegrityFailure.Severity())
	assert.Equal(t, SeverityHigh, EventPermissionDenied.Severity())
	assert.Equal(t, SeverityMedium, EventOrgCreated.Severity())
	assert.Equal(t, SeverityLow, EventGitPush.Severity())
}

func TestRateLimiterPerScope(t *testing.T) {
	cfg := DefaultRateLimitConfig()
	cfg.IPLimit = 2
	cfg.Window = time.Hour
	r := NewRateLimiter(cfg)

	ctx := &RequestContext{IP: "10.0.0.1", Path: "/x", Method: "GET"}

	info, err := r.Check(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ip", info.Scope)
	assert.Equal(t, 1, info.Remaining)

	_, err = r.Check(ctx)
	require.NoError(t, err)

	_, err = r.Check(ctx)
	require.Error(t, err)
	assert.True(t, gutserr.Of(err, gutserr.QuotaExceeded))

	var gerr *gutserr.Error
	require.ErrorAs(t, err, &gerr)
	assert.Greater(t, gerr.RetryAfter, time.Duration(0))

	// Another ip is unaffected.
	_, err = r.Check(&RequestContext{IP: "10.0.0.2"})
	require.NoError(t, err)
}

func TestRateLimiterMostRestrictiveScopeWins(t *testing.T) {
	cfg := DefaultRateLimitConfig()
	cfg.IPLimit = 100
	cfg.UserLimit = 1
	cfg.Window = time.Hour
	r := NewRateLimiter(cfg)

	ctx := &RequestContext{IP: "10.0.0.1", UserID: "alice"}
	info, err := r.Check(ctx)
	require.NoError(t, err)
	assert.Equal(t, "user", info.Scope)
	assert.Equal(t, 0, info.Remaining)

	_, err = r.Check(ctx)
	assert.True(t, gutserr.Of(err, gutserr.QuotaExceeded))
}

func TestBucketRefillsAfterWindow(t *testing.T) {
	b := newBucket(1, 10*time.Millisecond)
	now := time.Now()
	assert.True(t, b.consume(now))
	assert.False(t, b.consume(now))
	assert.True(t, b.consume(now.Add(11*time.Millisecond)))
}

func TestAdaptiveBlockingThreshold(t *testing.T) {
	cfg := DefaultRateLimitConfig()
	cfg.SuspiciousThreshold = 30
	cfg.BlockDuration = time.Minute
	a := NewAdaptiveLimiter(cfg)

	// Three brute-force observations: 10 each.
	a.RecordSuspicious("10.0.0.9", PatternAuthBruteForce)
	assert.False(t, a.IsBlocked("10.0.0.9"))
	a.RecordSuspicious("10.0.0.9", PatternAuthBruteForce)
	a.RecordSuspicious("10.0.0.9", PatternAuthBruteForce)
	assert.True(t, a.IsBlocked("10.0.0.9"))

	err := a.Check(&RequestContext{IP: "10.0.0.9"})
	assert.True(t, gutserr.Of(err, gutserr.QuotaExceeded))

	a.UnblockIP("10.0.0.9")
	assert.False(t, a.IsBlocked("10.0.0.9"))
}

func TestMaliciousUserAgentDetection(t *testing.T) {
	cfg := DefaultRateLimitConfig()
	cfg.SuspiciousThreshold = 25 // one malicious-UA hit blocks
	a := NewAdaptiveLimiter(cfg)

	require.NoError(t, a.Check(&RequestContext{IP: "10.0.0.5", UserAgent: "Mozilla/5.0 sqlmap/1.7"}))
	assert.True(t, a.IsBlocked("10.0.0.5"))

	require.NoError(t, a.Check(&RequestContext{IP: "10.0.0.6", UserAgent: "Mozilla/5.0"}))
	assert.False(t, a.IsBlocked("10.0.0.6"))
}

func TestCleanupUnblocksExpired(t *testing.T) {
	cfg := DefaultRateLimitConfig()
	cfg.BlockDuration = time.Millisecond
	a := NewAdaptiveLimiter(cfg)

	a.BlockIP("10.0.0.7", PatternRapidRequests)
	time.Sleep(2 * time.Millisecond)
	assert.False(t, a.IsBlocked("10.0.0.7"))

	a.Cleanup()
	assert.Equal(t, 0, a.BlockedCount())
}

func newTestKey(t *testing.T) *txmodel.KeyPair {
	t.Helper()
	key, err := txmodel.GenerateKeyPair()
	require.NoError(t, err)
	return key
}

func TestKeyRotationOverlap(t *testing.T) {
	m := NewKeyManager(DefaultRotationPolicy())

	oldKey := newTestKey(t).PublicKey()
	newKey := newTestKey(t).PublicKey()

	_, err := m.RegisterKey("v1", oldKey, 1)
	require.NoError(t, err)
	_, err = m.RegisterKey("v1", oldKey, 1)
	assert.True(t, gutserr.Of(err, gutserr.AlreadyExists))

	_, err = m.RotateKey("v1", newKey, 2)
	require.NoError(t, err)

	active, err := m.ActiveKey("v1")
	require.NoError(t, err)
	assert.Equal(t, newKey, active.PublicKey)

	// Inside the overlap window both keys verify; only the new one
	// signs.
	assert.True(t, m.CanVerifyWith("v1", newKey))
	assert.True(t, m.CanVerifyWith("v1", oldKey))
	assert.Len(t, m.VerificationKeys("v1"), 2)
}

func TestKeyOverlapWindowCloses(t *testing.T) {
	policy := DefaultRotationPolicy()
	policy.OverlapPeriod = time.Millisecond
	m := NewKeyManager(policy)

	oldKey := newTestKey(t).PublicKey()
	newKey := newTestKey(t).PublicKey()

	_, err := m.RegisterKey("v1", oldKey, 1)
	require.NoError(t, err)
	_, err = m.RotateKey("v1", newKey, 2)
	require.NoError(t, err)

	time.Sleep(2 * time.Millisecond)
	assert.False(t, m.CanVerifyWith("v1", oldKey))
	assert.True(t, m.CanVerifyWith("v1", newKey))

	assert.Equal(t, 1, m.SweepOverlaps())
}

func TestRevokedKeyNeverVerifies(t *testing.T) {
	m := NewKeyManager(DefaultRotationPolicy())
	key := newTestKey(t).PublicKey()

	_, err := m.RegisterKey("v1", key, 1)
	require.NoError(t, err)
	require.NoError(t, m.RevokeKey("v1", key))

	assert.False(t, m.CanVerifyWith("v1", key))
	_, err = m.ActiveKey("v1")
	assert.True(t, gutserr.Of(err, gutserr.NotFound))
}

func TestAEADRoundTrip(t *testing.T) {
	aead, err := NewAEAD(DeriveKey("cluster-1"))
	require.NoError(t, err)

	plaintext := []byte("audit entry payload")
	sealed, err := aead.Seal(plaintext)
	require.NoError(t, err)

	opened, err := aead.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, plaintext, opened)

	// Tampering is detected.
	sealed[len(sealed)-1] ^= 0xff
	_, err = aead.Open(sealed)
	assert.Error(t, err)
}

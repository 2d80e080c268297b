// Package security holds the node's security plumbing: the append-only
// audit log, the multi-scope and adaptive rate limiters, signing-key
// rotation with an overlap window, and at-rest encryption helpers.
package security

import (
	"sync"
	"time"

	"github.com/AbdelStark/guts-sub000/pkg/gutserr"
	"github.com/AbdelStark/guts-sub000/pkg/metrics"
)

// defaultAuditCapacity bounds the ring buffer; the oldest entries drop
// first.
const defaultAuditCapacity = 100_000

// AuditEventType names a security-relevant event. Each type carries a
// static severity.
type AuditEventType string

const (
	// Authentication.
	EventLogin        AuditEventType = "login"
	EventLogout       AuditEventType = "logout"
	EventLoginFailed  AuditEventType = "login_failed"
	EventTokenCreated AuditEventType = "token_created"
	EventTokenRevoked AuditEventType = "token_revoked"
	EventTokenUsed    AuditEventType = "token_used"

	// Authorization.
	EventPermissionGranted AuditEventType = "permission_granted"
	EventPermissionRevoked AuditEventType = "permission_revoked"
	EventPermissionDenied  AuditEventType = "permission_denied"
	EventAccessDenied      AuditEventType = "access_denied"

	// Repository.
	EventRepoCreated             AuditEventType = "repo_created"
	EventRepoDeleted             AuditEventType = "repo_deleted"
	EventRepoVisibilityChanged   AuditEventType = "repo_visibility_changed"
	EventBranchProtectionChanged AuditEventType = "branch_protection_changed"

	// Key management.
	EventKeyRotated   AuditEventType = "key_rotated"
	EventKeyRevoked   AuditEventType = "key_revoked"
	EventKeyAccessed  AuditEventType = "key_accessed"
	EventKeyGenerated AuditEventType = "key_generated"

	// System.
	EventConfigChanged      AuditEventType = "config_changed"
	EventRateLimitExceeded  AuditEventType = "rate_limit_exceeded"
	EventSuspiciousActivity AuditEventType = "suspicious_activity"
	EventSystemStartup      AuditEventType = "system_startup"
	EventSystemShutdown     AuditEventType = "system_shutdown"
	EventIntegrityFailure   AuditEventType = "integrity_failure"

	// Git operations.
	EventGitPush   AuditEventType = "git_push"
	EventGitFetch  AuditEventType = "git_fetch"
	EventForcePush AuditEventType = "force_push"

	// Collaboration and governance.
	EventPullRequestCreated AuditEventType = "pull_request_created"
	EventPullRequestMerged  AuditEventType = "pull_request_merged"
	EventIssueCreated       AuditEventType = "issue_created"
	EventOrgCreated         AuditEventType = "org_created"
	EventOrgMemberAdded     AuditEventType = "org_member_added"
	EventOrgMemberRemoved   AuditEventType = "org_member_removed"
	EventTeamCreated        AuditEventType = "team_created"
)

// Severity grades an audit event.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Severity returns the static severity of an event type.
func (t AuditEventType) Severity() Severity {
	switch t {
	case EventKeyRotated, EventKeyRevoked, EventRepoDeleted,
		EventSuspiciousActivity, EventForcePush, EventIntegrityFailure:
		return SeverityCritical
	case EventLoginFailed, EventPermissionDenied, EventAccessDenied,
		EventRateLimitExceeded, EventTokenRevoked, EventBranchProtectionChanged:
		return SeverityHigh
	case EventLogin, EventLogout, EventTokenCreated,
		EventPermissionGranted, EventPermissionRevoked,
		EventRepoCreated, EventRepoVisibilityChanged, EventConfigChanged,
		EventOrgCreated, EventOrgMemberAdded, EventOrgMemberRemoved, EventTeamCreated:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// AuditEvent is the caller-facing description of what happened.
type AuditEvent struct {
	Type      AuditEventType
	Actor     string
	Resource  string
	Result    string
	IP        string
	UserAgent string
	Metadata  map[string]string
}

// AuditEntry is one recorded, id-stamped event.
type AuditEntry struct {
	ID        uint64
	Timestamp time.Time
	AuditEvent
}

// Severity returns the entry's severity via its event type.
func (e *AuditEntry) Severity() Severity { return e.Type.Severity() }

// AuditQuery filters entries. Zero values mean "no constraint".
type AuditQuery struct {
	EventTypes  []AuditEventType
	Actor       string
	Resource    string
	From        time.Time
	To          time.Time
	MinSeverity Severity
	Limit       int
	Offset      int
}

// AuditLog is the append-only, capacity-bounded event log.
type AuditLog struct {
	mu       sync.RWMutex
	entries  []AuditEntry
	capacity int
	nextID   uint64
}

// NewAuditLog creates a log with the default capacity.
func NewAuditLog() *AuditLog {
	return NewAuditLogWithCapacity(defaultAuditCapacity)
}

// NewAuditLogWithCapacity creates a log bounded to maxEntries.
func NewAuditLogWithCapacity(maxEntries int) *AuditLog {
	return &AuditLog{capacity: maxEntries}
}

// Record appends an event and returns the stamped entry. When the log
// is full the oldest entry drops.
func (l *AuditLog) Record(event AuditEvent) AuditEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.nextID++
	entry := AuditEntry{
		ID:         l.nextID,
		Timestamp:  time.Now(),
		AuditEvent: event,
	}
	l.entries = append(l.entries, entry)
	if len(l.entries) > l.capacity {
		l.entries = l.entries[len(l.entries)-l.capacity:]
	}

	metrics.AuditEntriesTotal.WithLabelValues(entry.Severity().String()).Inc()
	return entry
}

// Get returns the entry with the given id, if it has not been dropped.
func (l *AuditLog) Get(id uint64) (AuditEntry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for i := range l.entries {
		if l.entries[i].ID == id {
			return l.entries[i], nil
		}
	}
	return AuditEntry{}, gutserr.New(gutserr.NotFound, "security.AuditLog.Get", "audit entry not found")
}

// Query returns entries matching the filter, newest first.
func (l *AuditLog) Query(q AuditQuery) []AuditEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var matched []AuditEntry
	for i := len(l.entries) - 1; i >= 0; i-- {
		e := l.entries[i]
		if !q.matches(&e) {
			continue
		}
		matched = append(matched, e)
	}

	if q.Offset > 0 {
		if q.Offset >= len(matched) {
			return nil
		}
		matched = matched[q.Offset:]
	}
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}
	return matched
}

func (q *AuditQuery) matches(e *AuditEntry) bool {
	if len(q.EventTypes) > 0 {
		found := false
		for _, t := range q.EventTypes {
			if e.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if q.Actor != "" && e.Actor != q.Actor {
		return false
	}
	if q.Resource != "" && e.Resource != q.Resource {
		return false
	}
	if !q.From.IsZero() && e.Timestamp.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && e.Timestamp.After(q.To) {
		return false
	}
	if e.Severity() < q.MinSeverity {
		return false
	}
	return true
}

// Len returns the number of retained entries.
func (l *AuditLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Recent returns up to limit entries, newest first.
func (l *AuditLog) Recent(limit int) []AuditEntry {
	return l.Query(AuditQuery{Limit: limit})
}

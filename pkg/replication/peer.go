package replication

import (
	"time"

	"github.com/AbdelStark/guts-sub000/pkg/types"
)

// SyncState is the per-peer, per-repo position in the announce ->
// want -> send loop.
type SyncState string

const (
	SyncIdle           SyncState = "idle"
	SyncAssessingDelta SyncState = "assessing_delta"
	SyncRequesting     SyncState = "requesting"
	SyncApplying       SyncState = "applying"
	SyncRetry          SyncState = "retry"
	SyncDead           SyncState = "dead"
)

// RetryPolicy bounds re-requests before a peer is marked dead, and how
// long it stays excluded afterwards.
type RetryPolicy struct {
	MaxAttempts    int
	BackoffBase    time.Duration
	BackoffFactor  int
	BackoffCap     time.Duration
	DeadCooldown   time.Duration
	RequestTimeout time.Duration
}

// DefaultRetryPolicy mirrors the sync parameters the protocol was
// tuned with: five attempts, 500ms doubling backoff capped at 30s, and
// a five-minute dead cool-down.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    5,
		BackoffBase:    500 * time.Millisecond,
		BackoffFactor:  2,
		BackoffCap:     30 * time.Second,
		DeadCooldown:   5 * time.Minute,
		RequestTimeout: 10 * time.Second,
	}
}

// backoff returns the delay before retry attempt n (0-based).
func (p RetryPolicy) backoff(attempt int) time.Duration {
	d := p.BackoffBase
	for i := 0; i < attempt; i++ {
		d *= time.Duration(p.BackoffFactor)
		if d >= p.BackoffCap {
			return p.BackoffCap
		}
	}
	return d
}

// repoSync tracks one peer's sync progress for one repo.
type repoSync struct {
	state SyncState

	// wanted holds every id requested from this peer that has not yet
	// arrived; queued holds ids beyond the outstanding-want cap,
	// released in later rounds.
	wanted map[types.ObjectID]bool
	queued []types.ObjectID

	// pendingRefs are ref updates held back until every object the
	// announce named has been stored.
	pendingRefs []RefUpdate

	attempts    int
	requestedAt time.Time
	retryAt     time.Time
	syncStarted time.Time
}

// peerState is everything tracked per peer.
type peerState struct {
	id        string
	repos     map[string]*repoSync
	dead      bool
	deadUntil time.Time
}

func newPeerState(id string) *peerState {
	return &peerState{id: id, repos: make(map[string]*repoSync)}
}

func (p *peerState) repo(repoKey string) *repoSync {
	rs, ok := p.repos[repoKey]
	if !ok {
		rs = &repoSync{state: SyncIdle, wanted: make(map[types.ObjectID]bool)}
		p.repos[repoKey] = rs
	}
	return rs
}

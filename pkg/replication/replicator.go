package replication

import (
	"encoding/json"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/AbdelStark/guts-sub000/pkg/events"
	"github.com/AbdelStark/guts-sub000/pkg/gutserr"
	"github.com/AbdelStark/guts-sub000/pkg/log"
	"github.com/AbdelStark/guts-sub000/pkg/metrics"
	"github.com/AbdelStark/guts-sub000/pkg/statemachine"
	"github.com/AbdelStark/guts-sub000/pkg/types"
)

// Transport delivers an encoded frame to one peer. The node wires a
// concrete network transport in; tests use an in-process loopback.
type Transport interface {
	Send(peerID string, frame []byte) error
}

// Config tunes the replicator.
type Config struct {
	NodeName string
	// MaxOutstandingWants caps the ids requested from one peer at a
	// time; the remainder queues for later rounds.
	MaxOutstandingWants int
	// SendDedupWindow suppresses re-sending an object to the same peer
	// within this window.
	SendDedupWindow   time.Duration
	Retry             RetryPolicy
	ReconcileInterval time.Duration
}

// DefaultConfig returns the tuning the protocol ships with.
func DefaultConfig(nodeName string) Config {
	return Config{
		NodeName:            nodeName,
		MaxOutstandingWants: 256,
		SendDedupWindow:     2 * time.Second,
		Retry:               DefaultRetryPolicy(),
		ReconcileInterval:   time.Second,
	}
}

// sentKey identifies one (peer, object) send for the dedup cache.
type sentKey struct {
	peer string
	id   types.ObjectID
}

// Replicator converges this node's object store, references, and
// collaboration stores with its peers.
type Replicator struct {
	cfg       Config
	machine   *statemachine.Machine
	transport Transport
	broker    *events.Broker
	logger    zerolog.Logger

	mu    sync.Mutex
	peers map[string]*peerState

	recentSent *lru.Cache[sentKey, time.Time]

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// outbound is a frame staged while the state lock is held and sent
// after release, so transport delivery never runs under the lock.
type outbound struct {
	peer  string
	frame []byte
}

// New builds a replicator over the node's state machine.
func New(cfg Config, machine *statemachine.Machine, transport Transport, broker *events.Broker) *Replicator {
	cache, _ := lru.New[sentKey, time.Time](4096)
	return &Replicator{
		cfg:        cfg,
		machine:    machine,
		transport:  transport,
		broker:     broker,
		logger:     log.WithComponent("replication"),
		peers:      make(map[string]*peerState),
		recentSent: cache,
		stopCh:     make(chan struct{}),
	}
}

// Start launches the reconcile loop that drives retries, dead-peer
// cool-downs, and partition healing.
func (r *Replicator) Start() {
	r.wg.Add(1)
	go r.run()
}

// Stop halts the reconcile loop.
func (r *Replicator) Stop() {
	close(r.stopCh)
	r.wg.Wait()
}

func (r *Replicator) run() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.reconcile()
		case <-r.stopCh:
			return
		}
	}
}

// AddPeer registers a peer for announcement fan-out.
func (r *Replicator) AddPeer(peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.peers[peerID]; !ok {
		r.peers[peerID] = newPeerState(peerID)
	}
}

// RemovePeer drops a peer; in-flight transfers to it are discarded and
// will be re-requested after the peer reconnects and re-announces.
func (r *Replicator) RemovePeer(peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, peerID)
}

// PeerSyncState reports the peer's sync state for a repo, for tests
// and operator introspection.
func (r *Replicator) PeerSyncState(peerID, repoKey string) SyncState {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[peerID]
	if !ok {
		return SyncDead
	}
	if p.dead {
		return SyncDead
	}
	if rs, ok := p.repos[repoKey]; ok {
		return rs.state
	}
	return SyncIdle
}

// AnnounceObjects broadcasts new local objects and ref updates for a
// repo to every live peer.
func (r *Replicator) AnnounceObjects(repoKey string, ids []types.ObjectID, refUpdates []RefUpdate) {
	frame := (&Announce{RepoKey: repoKey, ObjectIDs: ids, RefUpdates: refUpdates}).Encode()
	r.broadcast(frame)
}

// AnnounceCollab broadcasts one collaboration record.
func (r *Replicator) AnnounceCollab(kind CollabKind, record interface{}) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return gutserr.Wrap(gutserr.InvalidInput, "replication.AnnounceCollab", "encode record", err)
	}
	frame := (&CollabAnnounce{Kind: kind, Record: payload}).Encode()
	r.broadcast(frame)
	return nil
}

// RequestCollabSync asks one peer for a full collaboration dump,
// used on first contact or after an extended partition.
func (r *Replicator) RequestCollabSync(peerID, repoKey string) error {
	return r.transport.Send(peerID, (&CollabSyncRequest{RepoKey: repoKey}).Encode())
}

func (r *Replicator) broadcast(frame []byte) {
	r.mu.Lock()
	targets := make([]string, 0, len(r.peers))
	for id, p := range r.peers {
		if !p.dead {
			targets = append(targets, id)
		}
	}
	r.mu.Unlock()

	for _, peer := range targets {
		if err := r.transport.Send(peer, frame); err != nil {
			r.logger.Warn().Err(err).Str("peer", peer).Msg("broadcast send failed")
		}
	}
}

// HandleFrame processes one inbound frame from a peer. Replies are
// sent through the transport.
func (r *Replicator) HandleFrame(peerID string, frame []byte) error {
	msg, err := Decode(frame)
	if err != nil {
		return err
	}

	switch msg.Type {
	case MsgAnnounce:
		return r.handleAnnounce(peerID, msg.Announce)
	case MsgWant:
		return r.handleWant(peerID, msg.Want)
	case MsgObjectData:
		return r.handleObjectData(peerID, msg.ObjectData)
	case MsgCollabAnnounce:
		return r.handleCollabAnnounce(msg.CollabAnnounce)
	case MsgCollabSyncRequest:
		return r.handleCollabSyncRequest(peerID, msg.CollabSyncRequest)
	case MsgCollabSyncResponse:
		r.importCollabDump(msg.CollabSyncResponse)
		return nil
	default:
		return gutserr.New(gutserr.InvalidInput, "replication.HandleFrame", "unhandled message type")
	}
}

// handleAnnounce assesses the delta against the local store and either
// requests the missing objects or applies the ref updates directly.
func (r *Replicator) handleAnnounce(peerID string, a *Announce) error {
	missing := make([]types.ObjectID, 0, len(a.ObjectIDs))
	for _, id := range a.ObjectIDs {
		has, err := r.machine.Objects.Contains(id)
		if err != nil {
			return err
		}
		if !has {
			missing = append(missing, id)
		}
	}

	var out []outbound

	r.mu.Lock()
	p, ok := r.peers[peerID]
	if !ok {
		p = newPeerState(peerID)
		r.peers[peerID] = p
	}
	rs := p.repo(a.RepoKey)
	rs.state = SyncAssessingDelta

	if len(missing) == 0 {
		rs.state = SyncIdle
		r.mu.Unlock()
		// Everything already held: the ref updates can apply now.
		return r.applyRefUpdates(a.RepoKey, a.RefUpdates)
	}

	rs.pendingRefs = append(rs.pendingRefs, a.RefUpdates...)
	for _, id := range missing {
		if rs.wanted[id] {
			continue
		}
		if len(rs.wanted) < r.cfg.MaxOutstandingWants {
			rs.wanted[id] = true
		} else {
			rs.queued = append(rs.queued, id)
		}
	}
	want := wantedIDs(rs)
	rs.state = SyncRequesting
	rs.attempts = 0
	rs.requestedAt = time.Now()
	rs.syncStarted = rs.requestedAt
	out = append(out, outbound{peerID, (&Want{RepoKey: a.RepoKey, IDs: want}).Encode()})
	r.mu.Unlock()

	r.broker.Publish(&events.Event{
		Type:     events.EventPeerSyncStarted,
		Message:  "requesting missing objects",
		Metadata: map[string]string{"peer": peerID, "repo": a.RepoKey},
	})
	r.send(out)
	return nil
}

// handleWant answers with the requested objects this node holds,
// filtering ids already pushed to that peer moments ago.
func (r *Replicator) handleWant(peerID string, w *Want) error {
	now := time.Now()
	objs := make([]types.Object, 0, len(w.IDs))
	for _, id := range w.IDs {
		if sentAt, ok := r.recentSent.Get(sentKey{peerID, id}); ok && now.Sub(sentAt) < r.cfg.SendDedupWindow {
			continue
		}
		obj, ok, err := r.machine.Objects.Get(id)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		objs = append(objs, obj)
		r.recentSent.Add(sentKey{peerID, id}, now)
	}

	if len(objs) == 0 {
		return nil
	}
	metrics.ReplicationObjectsSent.Add(float64(len(objs)))
	return r.transport.Send(peerID, (&ObjectData{RepoKey: w.RepoKey, Objects: objs}).Encode())
}

// handleObjectData stores arriving objects and, once every requested
// id has landed, applies the held-back ref updates and returns the
// peer to Idle (or issues the next Want round from the queue).
func (r *Replicator) handleObjectData(peerID string, od *ObjectData) error {
	if _, err := r.machine.Objects.BatchPut(od.Objects); err != nil {
		return err
	}
	metrics.ReplicationObjectsReceived.Add(float64(len(od.Objects)))

	var (
		out      []outbound
		applyRef []RefUpdate
		done     bool
	)

	r.mu.Lock()
	p, ok := r.peers[peerID]
	if ok {
		rs := p.repo(od.RepoKey)
		rs.state = SyncApplying
		for _, obj := range od.Objects {
			delete(rs.wanted, obj.ID)
		}
		switch {
		case len(rs.wanted) > 0:
			// Awaiting the rest of this round.
			rs.state = SyncRequesting
		case len(rs.queued) > 0:
			// Release the next backpressure round.
			n := r.cfg.MaxOutstandingWants
			if n > len(rs.queued) {
				n = len(rs.queued)
			}
			for _, id := range rs.queued[:n] {
				rs.wanted[id] = true
			}
			rs.queued = rs.queued[n:]
			rs.state = SyncRequesting
			rs.attempts = 0
			rs.requestedAt = time.Now()
			out = append(out, outbound{peerID, (&Want{RepoKey: od.RepoKey, IDs: wantedIDs(rs)}).Encode()})
		default:
			applyRef = rs.pendingRefs
			rs.pendingRefs = nil
			rs.state = SyncIdle
			rs.attempts = 0
			done = true
			if !rs.syncStarted.IsZero() {
				metrics.ReplicationSyncDuration.Observe(time.Since(rs.syncStarted).Seconds())
			}
		}
	}
	r.mu.Unlock()

	r.send(out)
	if len(applyRef) > 0 {
		if err := r.applyRefUpdates(od.RepoKey, applyRef); err != nil {
			return err
		}
	}
	if done {
		r.broker.Publish(&events.Event{
			Type:     events.EventPeerSyncDone,
			Message:  "peer sync complete",
			Metadata: map[string]string{"peer": peerID, "repo": od.RepoKey},
		})
	}
	return nil
}

// applyRefUpdates installs (name -> id) pairs; callers only invoke it
// once every referenced object is stored.
func (r *Replicator) applyRefUpdates(repoKey string, updates []RefUpdate) error {
	rm := r.machine.Refs(repoKey)
	for _, ru := range updates {
		if ru.NewID.IsZero() {
			if err := rm.Delete(ru.Name); err != nil {
				return err
			}
			continue
		}
		has, err := r.machine.Objects.Contains(ru.NewID)
		if err != nil {
			return err
		}
		if !has {
			return gutserr.New(gutserr.PreconditionFailed, "replication.applyRefUpdates",
				"reference "+ru.Name+" targets an object not yet stored")
		}
		if err := rm.Set(ru.Name, ru.NewID); err != nil {
			return err
		}
	}
	return nil
}

// handleCollabAnnounce imports one replicated record idempotently.
func (r *Replicator) handleCollabAnnounce(ca *CollabAnnounce) error {
	switch ca.Kind {
	case CollabPRCreated, CollabPRUpdated:
		var pr types.PullRequest
		if err := json.Unmarshal(ca.Record, &pr); err != nil {
			return gutserr.Wrap(gutserr.InvalidInput, "replication.handleCollabAnnounce", "decode pull request", err)
		}
		r.machine.Collab.ImportPullRequest(pr)
	case CollabIssueCreated, CollabIssueUpdated:
		var issue types.Issue
		if err := json.Unmarshal(ca.Record, &issue); err != nil {
			return gutserr.Wrap(gutserr.InvalidInput, "replication.handleCollabAnnounce", "decode issue", err)
		}
		r.machine.Collab.ImportIssue(issue)
	case CollabCommentCreated:
		var c types.Comment
		if err := json.Unmarshal(ca.Record, &c); err != nil {
			return gutserr.Wrap(gutserr.InvalidInput, "replication.handleCollabAnnounce", "decode comment", err)
		}
		r.machine.Collab.ImportComment(c)
	case CollabReviewCreated:
		var rv types.Review
		if err := json.Unmarshal(ca.Record, &rv); err != nil {
			return gutserr.Wrap(gutserr.InvalidInput, "replication.handleCollabAnnounce", "decode review", err)
		}
		r.machine.Collab.ImportReview(rv)
	default:
		return gutserr.New(gutserr.InvalidInput, "replication.handleCollabAnnounce", "unknown collaboration record kind")
	}
	return nil
}

// handleCollabSyncRequest answers with this node's full dump for the
// repo.
func (r *Replicator) handleCollabSyncRequest(peerID string, req *CollabSyncRequest) error {
	resp := &CollabSyncResponse{RepoKey: req.RepoKey}
	for _, pr := range r.machine.Collab.AllPullRequests() {
		if pr.RepoKey == req.RepoKey {
			resp.PullRequests = append(resp.PullRequests, pr)
		}
	}
	for _, issue := range r.machine.Collab.AllIssues() {
		if issue.RepoKey == req.RepoKey {
			resp.Issues = append(resp.Issues, issue)
		}
	}
	for _, c := range r.machine.Collab.AllComments() {
		if c.Target.RepoKey == req.RepoKey {
			resp.Comments = append(resp.Comments, c)
		}
	}
	for _, rv := range r.machine.Collab.AllReviews() {
		if rv.RepoKey == req.RepoKey {
			resp.Reviews = append(resp.Reviews, rv)
		}
	}

	frame, err := resp.Encode()
	if err != nil {
		return err
	}
	return r.transport.Send(peerID, frame)
}

func (r *Replicator) importCollabDump(resp *CollabSyncResponse) {
	for _, pr := range resp.PullRequests {
		r.machine.Collab.ImportPullRequest(pr)
	}
	for _, issue := range resp.Issues {
		r.machine.Collab.ImportIssue(issue)
	}
	for _, c := range resp.Comments {
		r.machine.Collab.ImportComment(c)
	}
	for _, rv := range resp.Reviews {
		r.machine.Collab.ImportReview(rv)
	}
}

// reconcile is one pass of the background loop: overdue requests move
// to Retry with exponential backoff, exhausted retries mark the peer
// dead, and expired cool-downs bring peers back.
func (r *Replicator) reconcile() {
	now := time.Now()
	var out []outbound
	var deadPeers []string

	r.mu.Lock()
	for _, p := range r.peers {
		if p.dead {
			if now.After(p.deadUntil) {
				p.dead = false
				for _, rs := range p.repos {
					rs.state = SyncIdle
					rs.wanted = make(map[types.ObjectID]bool)
					rs.queued = nil
					rs.pendingRefs = nil
					rs.attempts = 0
				}
				r.logger.Info().Str("peer", p.id).Msg("peer cool-down expired, back in rotation")
			}
			continue
		}

		for repoKey, rs := range p.repos {
			switch rs.state {
			case SyncRequesting:
				if now.Sub(rs.requestedAt) < r.cfg.Retry.RequestTimeout {
					continue
				}
				if rs.attempts+1 >= r.cfg.Retry.MaxAttempts {
					p.dead = true
					p.deadUntil = now.Add(r.cfg.Retry.DeadCooldown)
					deadPeers = append(deadPeers, p.id)
					continue
				}
				rs.attempts++
				rs.state = SyncRetry
				rs.retryAt = now.Add(r.cfg.Retry.backoff(rs.attempts - 1))
			case SyncRetry:
				if now.Before(rs.retryAt) {
					continue
				}
				rs.state = SyncRequesting
				rs.requestedAt = now
				out = append(out, outbound{p.id, (&Want{RepoKey: repoKey, IDs: wantedIDs(rs)}).Encode()})
			}
		}
	}
	r.mu.Unlock()

	r.send(out)
	for _, peer := range deadPeers {
		metrics.ReplicationPeersDead.Inc()
		r.logger.Warn().Str("peer", peer).Msg("peer marked dead after exhausting retries")
		r.broker.Publish(&events.Event{
			Type:     events.EventPeerDead,
			Message:  "peer marked dead",
			Metadata: map[string]string{"peer": peer},
		})
	}
}

func (r *Replicator) send(out []outbound) {
	for _, o := range out {
		if err := r.transport.Send(o.peer, o.frame); err != nil {
			r.logger.Warn().Err(err).Str("peer", o.peer).Msg("send failed")
		}
	}
}

func wantedIDs(rs *repoSync) []types.ObjectID {
	ids := make([]types.ObjectID, 0, len(rs.wanted))
	for id := range rs.wanted {
		ids = append(ids, id)
	}
	return ids
}

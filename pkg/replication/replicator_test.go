package replication

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AbdelStark/guts-sub000/pkg/events"
	"github.com/AbdelStark/guts-sub000/pkg/gutserr"
	"github.com/AbdelStark/guts-sub000/pkg/objects"
	"github.com/AbdelStark/guts-sub000/pkg/statemachine"
	"github.com/AbdelStark/guts-sub000/pkg/types"
)

// network is an in-process fabric: frames deliver synchronously to the
// receiving replicator, and links can be cut to simulate partitions.
type network struct {
	mu    sync.Mutex
	nodes map[string]*Replicator
	cut   map[[2]string]bool
}

func newNetwork() *network {
	return &network{nodes: make(map[string]*Replicator), cut: make(map[[2]string]bool)}
}

func (n *network) partition(a, b string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cut[[2]string{a, b}] = true
	n.cut[[2]string{b, a}] = true
}

func (n *network) heal(a, b string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.cut, [2]string{a, b})
	delete(n.cut, [2]string{b, a})
}

// endpoint is one node's view of the network.
type endpoint struct {
	net  *network
	self string
}

func (e *endpoint) Send(peer string, frame []byte) error {
	e.net.mu.Lock()
	target, ok := e.net.nodes[peer]
	down := e.net.cut[[2]string{e.self, peer}]
	e.net.mu.Unlock()

	if !ok || down {
		return gutserr.New(gutserr.Network, "test.Send", "peer unreachable: "+peer)
	}
	return target.HandleFrame(e.self, frame)
}

type testNode struct {
	name    string
	machine *statemachine.Machine
	repl    *Replicator
	broker  *events.Broker
}

func newTestNode(t *testing.T, net *network, name string) *testNode {
	t.Helper()
	machine := statemachine.New(objects.NewMemStore())
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	cfg := DefaultConfig(name)
	repl := New(cfg, machine, &endpoint{net: net, self: name}, broker)

	net.mu.Lock()
	net.nodes[name] = repl
	net.mu.Unlock()

	return &testNode{name: name, machine: machine, repl: repl, broker: broker}
}

func connectAll(nodes ...*testNode) {
	for _, a := range nodes {
		for _, b := range nodes {
			if a.name != b.name {
				a.repl.AddPeer(b.name)
			}
		}
	}
}

func mustPut(t *testing.T, n *testNode, kind types.ObjectKind, data []byte) types.ObjectID {
	t.Helper()
	id, err := n.machine.Objects.Put(kind, data)
	require.NoError(t, err)
	return id
}

// Three-node push replication: a blob, tree, and commit created on one
// node arrive bit-identical on the others, and the announced ref
// resolves to the same commit everywhere.
func TestThreeNodePushReplication(t *testing.T) {
	net := newNetwork()
	n1 := newTestNode(t, net, "n1")
	n2 := newTestNode(t, net, "n2")
	n3 := newTestNode(t, net, "n3")
	connectAll(n1, n2, n3)

	blob := []byte("hello")
	bh := mustPut(t, n1, types.KindBlob, blob)
	tree := []byte("100644 README\x00" + bh.String())
	th := mustPut(t, n1, types.KindTree, tree)
	commit := []byte("tree " + th.String() + "\n\ninitial")
	ch := mustPut(t, n1, types.KindCommit, commit)
	require.NoError(t, n1.machine.Refs("alice/repo").Set("refs/heads/main", ch))

	n1.repl.AnnounceObjects("alice/repo", []types.ObjectID{bh, th, ch}, []RefUpdate{
		{Name: "refs/heads/main", NewID: ch},
	})

	for _, n := range []*testNode{n2, n3} {
		got, ok, err := n.machine.Objects.Get(bh)
		require.NoError(t, err)
		require.True(t, ok, "%s missing blob", n.name)
		assert.Equal(t, blob, got.Data)

		got, ok, err = n.machine.Objects.Get(th)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, tree, got.Data)

		got, ok, err = n.machine.Objects.Get(ch)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, commit, got.Data)

		resolved, err := n.machine.Refs("alice/repo").Resolve("refs/heads/main")
		require.NoError(t, err)
		assert.Equal(t, ch, resolved)

		assert.Equal(t, SyncIdle, n.repl.PeerSyncState("n1", "alice/repo"))
	}
}

// Concurrent pushes from two nodes converge: every node holds both
// blobs exactly once.
func TestConcurrentPushesConverge(t *testing.T) {
	net := newNetwork()
	n1 := newTestNode(t, net, "n1")
	n2 := newTestNode(t, net, "n2")
	n3 := newTestNode(t, net, "n3")
	connectAll(n1, n2, n3)

	x := mustPut(t, n1, types.KindBlob, []byte("X"))
	y := mustPut(t, n3, types.KindBlob, []byte("Y"))

	n1.repl.AnnounceObjects("r/r", []types.ObjectID{x}, nil)
	n3.repl.AnnounceObjects("r/r", []types.ObjectID{y}, nil)

	for _, n := range []*testNode{n1, n2, n3} {
		for _, id := range []types.ObjectID{x, y} {
			has, err := n.machine.Objects.Contains(id)
			require.NoError(t, err)
			assert.True(t, has, "%s missing %s", n.name, id)
		}
		ids, err := n.machine.Objects.ListObjectIDs()
		require.NoError(t, err)
		assert.Len(t, ids, 2)
	}
}

// A partition drops announcements; on heal, the next announce pulls
// exactly the delta.
func TestPartitionHeals(t *testing.T) {
	net := newNetwork()
	n1 := newTestNode(t, net, "n1")
	n2 := newTestNode(t, net, "n2")
	connectAll(n1, n2)

	net.partition("n1", "n2")
	p := mustPut(t, n1, types.KindBlob, []byte("partitioned"))
	n1.repl.AnnounceObjects("a/r", []types.ObjectID{p}, nil)

	ids, err := n2.machine.Objects.ListObjectIDs()
	require.NoError(t, err)
	assert.Empty(t, ids)

	net.heal("n1", "n2")
	n1.repl.AnnounceObjects("a/r", []types.ObjectID{p}, nil)

	got, ok, err := n2.machine.Objects.Get(p)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("partitioned"), got.Data)
}

// Ref updates whose objects are already held apply without a want
// round; re-announcing is harmless.
func TestAnnounceWithNoDeltaAppliesRefs(t *testing.T) {
	net := newNetwork()
	n1 := newTestNode(t, net, "n1")
	n2 := newTestNode(t, net, "n2")
	connectAll(n1, n2)

	id := mustPut(t, n1, types.KindBlob, []byte("shared"))
	_ = mustPut(t, n2, types.KindBlob, []byte("shared"))

	n1.repl.AnnounceObjects("a/r", []types.ObjectID{id}, []RefUpdate{{Name: "refs/heads/main", NewID: id}})
	n1.repl.AnnounceObjects("a/r", []types.ObjectID{id}, []RefUpdate{{Name: "refs/heads/main", NewID: id}})

	resolved, err := n2.machine.Refs("a/r").Resolve("refs/heads/main")
	require.NoError(t, err)
	assert.Equal(t, id, resolved)
}

// Backpressure: with a one-id want cap, a three-object announce drains
// over successive rounds and still ends Idle with everything stored.
func TestWantBackpressure(t *testing.T) {
	net := newNetwork()
	n1 := newTestNode(t, net, "n1")
	n2 := newTestNode(t, net, "n2")
	n2.repl.cfg.MaxOutstandingWants = 1
	connectAll(n1, n2)

	a := mustPut(t, n1, types.KindBlob, []byte("a"))
	b := mustPut(t, n1, types.KindBlob, []byte("b"))
	c := mustPut(t, n1, types.KindBlob, []byte("c"))

	n1.repl.AnnounceObjects("a/r", []types.ObjectID{a, b, c}, nil)

	for _, id := range []types.ObjectID{a, b, c} {
		has, err := n2.machine.Objects.Contains(id)
		require.NoError(t, err)
		assert.True(t, has)
	}
	assert.Equal(t, SyncIdle, n2.repl.PeerSyncState("n1", "a/r"))
}

// Importing the same collaboration record twice leaves the store
// identical to importing it once, and numbering continues past it.
func TestCollabAnnounceIdempotent(t *testing.T) {
	net := newNetwork()
	n1 := newTestNode(t, net, "n1")
	n2 := newTestNode(t, net, "n2")
	connectAll(n1, n2)

	pr := types.PullRequest{ID: "42", RepoKey: "a/r", Number: 7, Title: "replicated", State: types.PRStateOpen}
	require.NoError(t, n1.repl.AnnounceCollab(CollabPRCreated, pr))
	require.NoError(t, n1.repl.AnnounceCollab(CollabPRCreated, pr))

	got, err := n2.machine.Collab.GetPullRequest("a/r", 7)
	require.NoError(t, err)
	assert.Equal(t, "42", got.ID)
	assert.Len(t, n2.machine.Collab.AllPullRequests(), 1)

	created, err := n2.machine.Collab.CreatePullRequest(types.PullRequest{RepoKey: "a/r", Title: "local"})
	require.NoError(t, err)
	assert.Equal(t, uint64(8), created.Number)
}

// A full collaboration sync dumps every record for the repo.
func TestCollabFullSync(t *testing.T) {
	net := newNetwork()
	n1 := newTestNode(t, net, "n1")
	n2 := newTestNode(t, net, "n2")
	connectAll(n1, n2)

	_, err := n1.machine.Collab.CreatePullRequest(types.PullRequest{RepoKey: "a/r", Title: "pr", State: types.PRStateOpen})
	require.NoError(t, err)
	_, err = n1.machine.Collab.CreateIssue(types.Issue{RepoKey: "a/r", Title: "issue", State: types.IssueStateOpen})
	require.NoError(t, err)
	_, err = n1.machine.Collab.CreateComment(types.Comment{
		Target: types.CommentTarget{Kind: types.CommentTargetPR, RepoKey: "a/r", Number: 1},
		Body:   "lgtm",
	})
	require.NoError(t, err)
	_, err = n1.machine.Collab.CreateReview(types.Review{RepoKey: "a/r", PRNumber: 1, State: types.ReviewStateApproved})
	require.NoError(t, err)

	require.NoError(t, n2.repl.RequestCollabSync("n1", "a/r"))

	assert.Len(t, n2.machine.Collab.AllPullRequests(), 1)
	assert.Len(t, n2.machine.Collab.AllIssues(), 1)
	assert.Len(t, n2.machine.Collab.AllComments(), 1)
	assert.Len(t, n2.machine.Collab.AllReviews(), 1)
}

// blackhole delivers announces but swallows wants, so the requester
// never hears back and must retry its way to marking the peer dead.
type blackhole struct {
	inner Transport
}

func (b *blackhole) Send(peer string, frame []byte) error {
	msg, err := Decode(frame)
	if err == nil && msg.Type == MsgWant {
		return nil
	}
	return b.inner.Send(peer, frame)
}

func TestRetryExhaustionMarksPeerDead(t *testing.T) {
	net := newNetwork()
	n1 := newTestNode(t, net, "n1")
	n2 := newTestNode(t, net, "n2")
	connectAll(n1, n2)

	n2.repl.transport = &blackhole{inner: n2.repl.transport}
	n2.repl.cfg.Retry = RetryPolicy{
		MaxAttempts:    2,
		BackoffBase:    time.Millisecond,
		BackoffFactor:  2,
		BackoffCap:     time.Millisecond,
		DeadCooldown:   50 * time.Millisecond,
		RequestTimeout: time.Millisecond,
	}

	id := mustPut(t, n1, types.KindBlob, []byte("unreachable"))
	n1.repl.AnnounceObjects("a/r", []types.ObjectID{id}, nil)
	assert.Equal(t, SyncRequesting, n2.repl.PeerSyncState("n1", "a/r"))

	require.Eventually(t, func() bool {
		n2.repl.reconcile()
		return n2.repl.PeerSyncState("n1", "a/r") == SyncDead
	}, time.Second, 2*time.Millisecond)

	// Cool-down expiry brings the peer back into rotation.
	require.Eventually(t, func() bool {
		n2.repl.reconcile()
		return n2.repl.PeerSyncState("n1", "a/r") == SyncIdle
	}, time.Second, 5*time.Millisecond)
}

func TestWireRoundTrips(t *testing.T) {
	ann := &Announce{
		RepoKey:   "alice/repo",
		ObjectIDs: []types.ObjectID{{1}, {2}},
		RefUpdates: []RefUpdate{
			{Name: "refs/heads/main", OldID: types.ObjectID{}, NewID: types.ObjectID{3}},
		},
	}
	msg, err := Decode(ann.Encode())
	require.NoError(t, err)
	require.Equal(t, MsgAnnounce, msg.Type)
	assert.Equal(t, ann.RepoKey, msg.Announce.RepoKey)
	assert.Equal(t, ann.ObjectIDs, msg.Announce.ObjectIDs)
	assert.Equal(t, ann.RefUpdates, msg.Announce.RefUpdates)

	want := &Want{RepoKey: "bob/repo", IDs: []types.ObjectID{{5}}}
	msg, err = Decode(want.Encode())
	require.NoError(t, err)
	require.Equal(t, MsgWant, msg.Type)
	assert.Equal(t, want.IDs, msg.Want.IDs)

	obj := types.NewObject(types.KindBlob, []byte("hello world"))
	od := &ObjectData{RepoKey: "carol/repo", Objects: []types.Object{obj}}
	msg, err = Decode(od.Encode())
	require.NoError(t, err)
	require.Equal(t, MsgObjectData, msg.Type)
	require.Len(t, msg.ObjectData.Objects, 1)
	// Ids are recomputed from content on decode.
	assert.Equal(t, obj.ID, msg.ObjectData.Objects[0].ID)
	assert.Equal(t, obj.Data, msg.ObjectData.Objects[0].Data)
}

func TestDecodeRejectsTruncatedFrames(t *testing.T) {
	frame := (&Want{RepoKey: "a/r", IDs: []types.ObjectID{{9}}}).Encode()

	_, err := Decode(frame[:len(frame)-5])
	require.Error(t, err)
	assert.True(t, gutserr.Of(err, gutserr.InvalidInput))

	_, err = Decode([]byte{99})
	require.Error(t, err)

	_, err = Decode(nil)
	require.Error(t, err)
}

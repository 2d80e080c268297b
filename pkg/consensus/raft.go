package consensus

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"github.com/AbdelStark/guts-sub000/pkg/gutserr"
	"github.com/AbdelStark/guts-sub000/pkg/txmodel"
	"github.com/AbdelStark/guts-sub000/pkg/types"
)

// RaftPeer identifies one member of the replicated log cluster.
type RaftPeer struct {
	ID      string
	Address string
}

// RaftConfig configures the replicated log backing multi-validator
// deployments.
type RaftConfig struct {
	NodeName string
	BindAddr string
	DataDir  string
	// Bootstrap starts a fresh cluster with Peers as its members
	// (Peers must include this node). A joining node leaves it false.
	Bootstrap bool
	Peers     []RaftPeer
	// ApplyTimeout bounds how long a proposal waits for commit.
	ApplyTimeout time.Duration
}

// logEntry is the JSON payload of one replicated log record: a signed
// block plus the full transactions it includes, so every node's FSM
// can apply them without a separate fetch.
type logEntry struct {
	Block        types.FinalizedBlock   `json:"block"`
	Transactions []*txmodel.Transaction `json:"transactions"`
}

// RaftLog replicates proposed blocks across validators and finalizes
// them on commit. It implements Proposer.
type RaftLog struct {
	raft *raft.Raft
	fsm  *blockFSM
	cfg  RaftConfig
}

// blockFSM adapts committed log entries to Engine.Finalize.
type blockFSM struct {
	mu     sync.Mutex
	engine *Engine
}

// Apply is called on every node once a log entry commits.
func (f *blockFSM) Apply(l *raft.Log) interface{} {
	var entry logEntry
	if err := json.Unmarshal(l.Data, &entry); err != nil {
		return fmt.Errorf("decode log entry: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return f.engine.Finalize(entry.Block, entry.Transactions)
}

// Snapshot captures the finalized chain for log compaction. Collab and
// governance state is rebuilt by replaying or by replication sync, so
// the snapshot only carries block headers.
func (f *blockFSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	e := f.engine
	e.mu.RLock()
	blocks := make([]types.FinalizedBlock, 0, len(e.finalized))
	for _, fb := range e.finalized {
		blocks = append(blocks, fb)
	}
	e.mu.RUnlock()

	return &chainSnapshot{Blocks: blocks}, nil
}

// Restore reinstates the finalized chain from a snapshot.
func (f *blockFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snap chainSnapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}

	e := f.engine
	e.mu.Lock()
	defer e.mu.Unlock()
	var tip uint64
	for _, fb := range snap.Blocks {
		e.finalized[fb.Block.Height] = fb
		if fb.Block.Height >= tip {
			tip = fb.Block.Height
			e.parentID = fb.ID
			e.parentTS = fb.Block.TimestampMS
		}
	}
	return nil
}

type chainSnapshot struct {
	Blocks []types.FinalizedBlock `json:"blocks"`
}

func (s *chainSnapshot) Persist(sink raft.SnapshotSink) error {
	err := json.NewEncoder(sink).Encode(s)
	if err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *chainSnapshot) Release() {}

// NewRaftLog wires a raft instance over TCP with bbolt-backed log and
// stable stores, bootstrapping the cluster when asked.
func NewRaftLog(cfg RaftConfig, engine *Engine) (*RaftLog, error) {
	if cfg.ApplyTimeout == 0 {
		cfg.ApplyTimeout = 10 * time.Second
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, gutserr.Wrap(gutserr.InvalidInput, "consensus.NewRaftLog", "create data directory", err)
	}

	rc := raft.DefaultConfig()
	rc.LocalID = raft.ServerID(cfg.NodeName)
	rc.HeartbeatTimeout = 500 * time.Millisecond
	rc.ElectionTimeout = 500 * time.Millisecond
	rc.LeaderLeaseTimeout = 250 * time.Millisecond

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, gutserr.Wrap(gutserr.Network, "consensus.NewRaftLog", "resolve bind address", err)
	}
	transport, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, gutserr.Wrap(gutserr.Network, "consensus.NewRaftLog", "create transport", err)
	}

	snapshots, err := raft.NewFileSnapshotStore(cfg.DataDir, 2, os.Stderr)
	if err != nil {
		return nil, gutserr.Wrap(gutserr.InvalidInput, "consensus.NewRaftLog", "create snapshot store", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-log.db"))
	if err != nil {
		return nil, gutserr.Wrap(gutserr.InvalidInput, "consensus.NewRaftLog", "create log store", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-stable.db"))
	if err != nil {
		return nil, gutserr.Wrap(gutserr.InvalidInput, "consensus.NewRaftLog", "create stable store", err)
	}

	fsm := &blockFSM{engine: engine}
	r, err := raft.NewRaft(rc, fsm, logStore, stableStore, snapshots, transport)
	if err != nil {
		return nil, gutserr.Wrap(gutserr.ConsensusUnavailable, "consensus.NewRaftLog", "create raft", err)
	}

	if cfg.Bootstrap {
		servers := make([]raft.Server, 0, len(cfg.Peers))
		for _, p := range cfg.Peers {
			servers = append(servers, raft.Server{
				ID:      raft.ServerID(p.ID),
				Address: raft.ServerAddress(p.Address),
			})
		}
		if len(servers) == 0 {
			servers = append(servers, raft.Server{ID: rc.LocalID, Address: transport.LocalAddr()})
		}
		future := r.BootstrapCluster(raft.Configuration{Servers: servers})
		if err := future.Error(); err != nil && err != raft.ErrCantBootstrap {
			return nil, gutserr.Wrap(gutserr.ConsensusUnavailable, "consensus.NewRaftLog", "bootstrap cluster", err)
		}
	}

	rl := &RaftLog{raft: r, fsm: fsm, cfg: cfg}
	engine.SetProposer(rl)
	return rl, nil
}

// Propose appends a block to the replicated log; it returns once the
// entry commits on a majority and the local FSM has finalized it.
func (rl *RaftLog) Propose(fb types.FinalizedBlock, txs []*txmodel.Transaction) error {
	data, err := json.Marshal(logEntry{Block: fb, Transactions: txs})
	if err != nil {
		return gutserr.Wrap(gutserr.InvalidInput, "consensus.Propose", "encode log entry", err)
	}

	future := rl.raft.Apply(data, rl.cfg.ApplyTimeout)
	if err := future.Error(); err != nil {
		return gutserr.Wrap(gutserr.ConsensusUnavailable, "consensus.Propose", "replicate block", err)
	}
	if resp, ok := future.Response().(error); ok && resp != nil {
		return resp
	}
	return nil
}

// IsLeader reports whether this node currently leads the log.
func (rl *RaftLog) IsLeader() bool {
	return rl.raft.State() == raft.Leader
}

// AddPeer adds a voting member to the cluster (leader only).
func (rl *RaftLog) AddPeer(id, address string) error {
	future := rl.raft.AddVoter(raft.ServerID(id), raft.ServerAddress(address), 0, 0)
	if err := future.Error(); err != nil {
		return gutserr.Wrap(gutserr.ConsensusUnavailable, "consensus.AddPeer", "add voter", err)
	}
	return nil
}

// Shutdown stops the raft instance.
func (rl *RaftLog) Shutdown() error {
	return rl.raft.Shutdown().Error()
}

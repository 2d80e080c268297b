// Package node assembles one Guts node: object store, state machine,
// mempool, consensus engine, replicator, CI engine, and security
// plumbing, constructed together and torn down together. Every store
// is a capability handed down from here; nothing is a package-level
// singleton.
//
// Lock ordering across stores is fixed: object store, then refs, then
// collaboration store, then governance store, then mempool. No writer
// holds two store locks in any other order.
package node

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/AbdelStark/guts-sub000/pkg/ci"
	"github.com/AbdelStark/guts-sub000/pkg/consensus"
	"github.com/AbdelStark/guts-sub000/pkg/events"
	"github.com/AbdelStark/guts-sub000/pkg/gutserr"
	"github.com/AbdelStark/guts-sub000/pkg/log"
	"github.com/AbdelStark/guts-sub000/pkg/mempool"
	"github.com/AbdelStark/guts-sub000/pkg/objects"
	"github.com/AbdelStark/guts-sub000/pkg/refs"
	"github.com/AbdelStark/guts-sub000/pkg/replication"
	"github.com/AbdelStark/guts-sub000/pkg/security"
	"github.com/AbdelStark/guts-sub000/pkg/statemachine"
	"github.com/AbdelStark/guts-sub000/pkg/txmodel"
	"github.com/AbdelStark/guts-sub000/pkg/types"
)

// Config assembles one node.
type Config struct {
	Name    string
	DataDir string
	// Ephemeral selects the in-memory object store instead of the
	// persistent backend.
	Ephemeral bool

	// ConsensusEnabled switches from single-node self-finalization to
	// the replicated log; RaftBind and RaftPeers configure it.
	ConsensusEnabled bool
	RaftBind         string
	RaftBootstrap    bool
	RaftPeers        []consensus.RaftPeer
	BlockTime        time.Duration

	Validators types.ValidatorSet
}

// Node owns every subsystem for one process.
type Node struct {
	cfg    Config
	logger zerolog.Logger

	Key       *txmodel.KeyPair
	Objects   objects.Store
	Machine   *statemachine.Machine
	Mempool   *mempool.Pool
	Broker    *events.Broker
	Engine    *consensus.Engine
	RaftLog   *consensus.RaftLog
	Repl      *replication.Replicator
	Executor  *ci.Executor
	Runs      *ci.RunStore
	Artifacts *ci.ArtifactStore
	Statuses  *ci.StatusStore
	Audit     *security.AuditLog
	Limiter   *security.RateLimiter
	Keys      *security.KeyManager

	cancel context.CancelFunc
}

// New constructs a stopped node. transport may be nil when the node
// runs without peers.
func New(cfg Config, transport replication.Transport) (*Node, error) {
	if cfg.BlockTime == 0 {
		cfg.BlockTime = 2 * time.Second
	}

	key, err := txmodel.GenerateKeyPair()
	if err != nil {
		return nil, err
	}

	var (
		store objects.Store
		bolt  *objects.BoltStore
	)
	if cfg.Ephemeral {
		store = objects.NewMemStore()
	} else {
		objectsDir := filepath.Join(cfg.DataDir, "objects")
		if err := os.MkdirAll(objectsDir, 0o755); err != nil {
			return nil, gutserr.Wrap(gutserr.InvalidInput, "node.New", "create data directory", err)
		}
		bolt, err = objects.NewBoltStore(objectsDir)
		if err != nil {
			return nil, err
		}
		store = bolt
	}

	machine := statemachine.New(store)
	if bolt != nil {
		// References persist in the same database as the objects, so
		// a node restart keeps every branch and tag.
		machine.SetRefBackendProvider(func(repoKey string) refs.Backend {
			return bolt.RefStore(repoKey)
		})
	}
	mp := mempool.New(mempool.DefaultConfig())
	broker := events.NewBroker()

	engineCfg := consensus.DefaultConfig(cfg.Name, key)
	engineCfg.ConsensusEnabled = cfg.ConsensusEnabled
	engineCfg.BlockTime = cfg.BlockTime
	engine := consensus.New(engineCfg, mp, machine, broker)
	engine.SetValidators(cfg.Validators)

	n := &Node{
		cfg:       cfg,
		logger:    log.WithNodeID(cfg.Name),
		Key:       key,
		Objects:   store,
		Machine:   machine,
		Mempool:   mp,
		Broker:    broker,
		Engine:    engine,
		Executor:  ci.NewExecutor(),
		Runs:      ci.NewRunStore(),
		Artifacts: ci.NewArtifactStore(store),
		Statuses:  ci.NewStatusStore(),
		Audit:     security.NewAuditLog(),
		Limiter:   security.NewRateLimiter(security.DefaultRateLimitConfig()),
		Keys:      security.NewKeyManager(security.DefaultRotationPolicy()),
	}

	if transport != nil {
		n.Repl = replication.New(replication.DefaultConfig(cfg.Name), machine, transport, broker)
	}

	if _, err := n.Keys.RegisterKey(cfg.Name, key.PublicKey(), cfg.Validators.Epoch); err != nil {
		return nil, err
	}
	return n, nil
}

// Start brings every subsystem up; the raft log is wired first so the
// engine can propose through it.
func (n *Node) Start(ctx context.Context) error {
	ctx, n.cancel = context.WithCancel(ctx)

	n.Broker.Start()
	n.Mempool.Start()

	if n.cfg.ConsensusEnabled {
		rl, err := consensus.NewRaftLog(consensus.RaftConfig{
			NodeName:  n.cfg.Name,
			BindAddr:  n.cfg.RaftBind,
			DataDir:   filepath.Join(n.cfg.DataDir, "raft"),
			Bootstrap: n.cfg.RaftBootstrap,
			Peers:     n.cfg.RaftPeers,
		}, n.Engine)
		if err != nil {
			return err
		}
		n.RaftLog = rl
	}

	if err := n.Engine.Start(ctx); err != nil {
		return err
	}
	if n.Repl != nil {
		n.Repl.Start()
	}

	n.Audit.Record(security.AuditEvent{Type: security.EventSystemStartup, Actor: n.cfg.Name, Result: "ok"})
	n.logger.Info().Msg("node started")
	return nil
}

// Stop tears the node down in reverse construction order.
func (n *Node) Stop() {
	if n.cancel != nil {
		n.cancel()
	}
	if n.Repl != nil {
		n.Repl.Stop()
	}
	n.Engine.Stop()
	if n.RaftLog != nil {
		if err := n.RaftLog.Shutdown(); err != nil {
			n.logger.Warn().Err(err).Msg("raft shutdown failed")
		}
	}
	n.Mempool.Stop()
	n.Audit.Record(security.AuditEvent{Type: security.EventSystemShutdown, Actor: n.cfg.Name, Result: "ok"})
	n.Broker.Stop()
	if err := n.Objects.Close(); err != nil {
		n.logger.Warn().Err(err).Msg("object store close failed")
	}
	n.logger.Info().Msg("node stopped")
}

// SubmitTransaction signs nothing and verifies nothing beyond the
// mempool's admission checks; it enqueues and returns immediately.
// Finalization is observed through the event bus.
func (n *Node) SubmitTransaction(tx *txmodel.Transaction) (types.TransactionID, error) {
	if n.Engine.State() == types.EngineStopped {
		return types.TransactionID{}, gutserr.New(gutserr.ConsensusUnavailable, "node.SubmitTransaction",
			"consensus engine is stopped")
	}
	return n.Mempool.Add(tx)
}

// Subscribe returns an event-bus subscription for consensus and
// replication events.
func (n *Node) Subscribe() events.Subscriber {
	return n.Broker.Subscribe()
}

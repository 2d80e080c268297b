// Package consensus implements the consensus engine: an engine state
// machine, view-based leader rotation over a weighted validator set,
// block proposal and finalization, and a single-node fast path that
// self-finalizes without a quorum round. The replicated-log transport
// for multi-validator deployments lives in raft.go.
package consensus

import (
	"context"
	"crypto/sha256"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/AbdelStark/guts-sub000/pkg/events"
	"github.com/AbdelStark/guts-sub000/pkg/gutserr"
	"github.com/AbdelStark/guts-sub000/pkg/log"
	"github.com/AbdelStark/guts-sub000/pkg/mempool"
	"github.com/AbdelStark/guts-sub000/pkg/metrics"
	"github.com/AbdelStark/guts-sub000/pkg/txmodel"
	"github.com/AbdelStark/guts-sub000/pkg/types"
)

// Config configures one engine instance.
type Config struct {
	NodeName         string
	SelfKey          *txmodel.KeyPair
	ConsensusEnabled bool // false = single-node fast path
	BlockTime        time.Duration
	MaxTxsPerBlock   int
	MaxBlockBytes    int
	AllowEmptyBlocks bool
}

// DefaultConfig mirrors the single-node defaults used by `guts node start`
// when no peers are configured.
func DefaultConfig(nodeName string, key *txmodel.KeyPair) Config {
	return Config{
		NodeName:         nodeName,
		SelfKey:          key,
		ConsensusEnabled: false,
		BlockTime:        2 * time.Second,
		MaxTxsPerBlock:   500,
		MaxBlockBytes:    4 << 20,
		AllowEmptyBlocks: false,
	}
}

// Engine drives the block-proposal and finalization loop described in
// the consensus component's operation list.
type Engine struct {
	cfg    Config
	mp     *mempool.Pool
	app    Application
	broker *events.Broker
	logger zerolog.Logger

	mu         sync.RWMutex
	state      types.EngineState
	view       uint64
	validators types.ValidatorSet
	finalized  map[uint64]types.FinalizedBlock // height -> block
	parentID   types.BlockID
	parentTS   int64
	running    bool

	proposer Proposer

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Proposer carries a proposed block to the replicated log in
// multi-validator mode (see raft.go). Single-node mode bypasses it.
type Proposer interface {
	Propose(fb types.FinalizedBlock, txs []*txmodel.Transaction) error
}

// New builds an engine bound to a mempool, application hook, and event
// broker. The validator set may be updated later via SetValidators.
func New(cfg Config, mp *mempool.Pool, app Application, broker *events.Broker) *Engine {
	return &Engine{
		cfg:       cfg,
		mp:        mp,
		app:       app,
		broker:    broker,
		logger:    log.WithComponent("consensus"),
		state:     types.EngineStarting,
		finalized: make(map[uint64]types.FinalizedBlock),
	}
}

// SetValidators installs (or replaces) the active validator set.
func (e *Engine) SetValidators(vs types.ValidatorSet) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.validators = vs
}

// SetProposer installs the replicated-log proposer used when
// consensus is enabled.
func (e *Engine) SetProposer(p Proposer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.proposer = p
}

// State returns the engine's current lifecycle state.
func (e *Engine) State() types.EngineState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// View returns the current view counter.
func (e *Engine) View() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.view
}

// transition moves the engine to a new state and emits StateChanged.
func (e *Engine) transition(next types.EngineState) {
	e.mu.Lock()
	prev := e.state
	e.state = next
	e.mu.Unlock()

	if prev == next {
		return
	}
	e.logger.Info().Str("from", string(prev)).Str("to", string(next)).Msg("engine state changed")
	e.broker.Publish(&events.Event{
		Type:    events.EventStateChanged,
		Message: string(next),
		Metadata: map[string]string{
			"from": string(prev),
			"to":   string(next),
		},
	})
}

// Start transitions Starting -> Syncing -> {Active|Following} and
// launches the proposal loop if the local key is an active validator
// (or consensus is disabled, in which case the single node is always
// its own leader). It may be called at most once per engine instance.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return gutserr.New(gutserr.PreconditionFailed, "consensus.Start", "already running")
	}
	e.running = true
	e.mu.Unlock()

	e.transition(types.EngineSyncing)

	isValidator := !e.cfg.ConsensusEnabled || e.localIsValidator()
	if isValidator {
		e.transition(types.EngineActive)
	} else {
		e.transition(types.EngineFollowing)
		return nil
	}

	e.stopCh = make(chan struct{})
	e.wg.Add(1)
	go e.proposalLoop(ctx)
	return nil
}

// Stop halts the proposal loop; in-flight finalizations are abandoned
// with it. The engine cannot be restarted afterwards.
func (e *Engine) Stop() {
	if e.stopCh != nil {
		close(e.stopCh)
		e.wg.Wait()
	}
	e.transition(types.EngineStopped)
}

func (e *Engine) localIsValidator() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.cfg.SelfKey == nil {
		return false
	}
	self := e.cfg.SelfKey.PublicKey()
	for _, v := range e.validators.Validators {
		if v.Active && string(v.Pubkey) == string(self) {
			return true
		}
	}
	return false
}

func (e *Engine) proposalLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.BlockTime)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !e.isLeaderForCurrentView() {
				metrics.ConsensusIsLeader.Set(0)
				e.advanceView()
				continue
			}
			metrics.ConsensusIsLeader.Set(1)
			if err := e.proposeAndFinalize(ctx); err != nil {
				e.logger.Warn().Err(err).Msg("block proposal failed")
			}
			e.advanceView()
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) isLeaderForCurrentView() bool {
	e.mu.RLock()
	view := e.view
	vs := e.validators
	selfKey := e.cfg.SelfKey
	consensusEnabled := e.cfg.ConsensusEnabled
	e.mu.RUnlock()

	if !consensusEnabled {
		return true
	}
	leader, ok := vs.LeaderForView(view)
	if !ok || selfKey == nil {
		return false
	}
	return string(leader.Pubkey) == string(selfKey.PublicKey())
}

func (e *Engine) advanceView() {
	e.mu.Lock()
	e.view++
	view := e.view
	e.mu.Unlock()

	metrics.ConsensusView.Set(float64(view))
	e.broker.Publish(&events.Event{
		Type:    events.EventViewChanged,
		Message: "view advanced",
		Metadata: map[string]string{"view": itoa(view)},
	})
}

// proposeAndFinalize implements the per-tick leader algorithm: drain
// the mempool, verify, compute roots, assemble, sign, and (in
// single-node mode) self-finalize immediately.
func (e *Engine) proposeAndFinalize(ctx context.Context) error {
	txs := e.mp.GetForProposal(e.cfg.MaxTxsPerBlock, e.cfg.MaxBlockBytes)
	if len(txs) == 0 && !e.cfg.AllowEmptyBlocks {
		return nil
	}

	verified := make([]*txmodel.Transaction, 0, len(txs))
	ids := make([]types.TransactionID, 0, len(txs))
	for _, tx := range txs {
		if err := e.app.VerifyTransaction(tx); err != nil {
			e.logger.Debug().Err(err).Str("tx_id", tx.ID().String()).Msg("dropping invalid transaction from proposal")
			continue
		}
		verified = append(verified, tx)
		ids = append(ids, tx.ID())
	}

	stateRoot, err := e.app.ComputeStateRoot(verified)
	if err != nil {
		return gutserr.Wrap(gutserr.InvalidInput, "consensus.proposeAndFinalize", "compute state root", err)
	}
	txRoot, err := txmodel.MerkleRoot(ids)
	if err != nil {
		return gutserr.Wrap(gutserr.InvalidInput, "consensus.proposeAndFinalize", "compute tx root", err)
	}

	e.mu.RLock()
	parentID := e.parentID
	parentTS := e.parentTS
	proposer := e.proposer
	e.mu.RUnlock()

	// Timestamps never run backwards across heights.
	ts := time.Now().UnixMilli()
	if ts < parentTS {
		ts = parentTS
	}

	height := e.app.CurrentHeight() + 1
	block := types.Block{
		Height:         height,
		ParentID:       parentID,
		ProducerPubkey: e.cfg.SelfKey.PublicKey(),
		TimestampMS:    ts,
		TransactionIDs: ids,
		StateRoot:      stateRoot,
		TxRoot:         txRoot,
	}

	blockID := hashBlock(block)
	sig, err := e.cfg.SelfKey.SignBytes(blockID)
	if err != nil {
		return gutserr.Wrap(gutserr.InvalidInput, "consensus.proposeAndFinalize", "sign block", err)
	}

	fb := types.FinalizedBlock{
		Block:      block,
		ID:         blockID,
		Signatures: map[string]types.Signature{e.cfg.NodeName: sig},
	}

	e.broker.Publish(&events.Event{
		Type:    events.EventBlockProposed,
		Message: "block proposed",
		Metadata: map[string]string{
			"height":   itoa(height),
			"producer": e.cfg.NodeName,
			"tx_count": itoa(uint64(len(verified))),
		},
	})

	if e.cfg.ConsensusEnabled {
		// Multi-validator finalization goes through the replicated log
		// (see raft.go): the log commits the block once a majority of
		// the cluster has it, and every node's FSM calls Finalize.
		if proposer == nil {
			return gutserr.New(gutserr.ConsensusUnavailable, "consensus.proposeAndFinalize", "no replicated log attached")
		}
		return proposer.Propose(fb, verified)
	}

	return e.Finalize(fb, verified)
}

// Finalize stores the block, notifies the application, removes
// finalized transactions from the mempool, and emits BlockFinalized
// and per-transaction TransactionIncluded events. It is called
// directly in single-node mode and by the replicated log's FSM once a
// block commits in multi-validator mode.
func (e *Engine) Finalize(fb types.FinalizedBlock, txs []*txmodel.Transaction) error {
	timer := metrics.NewTimer()
	if err := e.app.OnBlockFinalized(fb, txs); err != nil {
		return gutserr.Wrap(gutserr.InvalidInput, "consensus.Finalize", "apply finalized block", err)
	}
	timer.ObserveDuration(metrics.BlockApplyDuration)

	e.mu.Lock()
	e.finalized[fb.Block.Height] = fb
	e.parentID = fb.ID
	e.parentTS = fb.Block.TimestampMS
	e.mu.Unlock()

	e.mp.RemoveBatch(fb.Block.TransactionIDs)

	metrics.ConsensusHeight.Set(float64(fb.Block.Height))
	metrics.BlocksFinalizedTotal.Inc()

	e.broker.Publish(&events.Event{
		Type:    events.EventBlockFinalized,
		Message: "block finalized",
		Metadata: map[string]string{
			"height":   itoa(fb.Block.Height),
			"block_id": fb.ID.String(),
		},
	})
	for _, id := range fb.Block.TransactionIDs {
		e.broker.Publish(&events.Event{
			Type:    events.EventTransactionIncluded,
			Message: "transaction included",
			Metadata: map[string]string{
				"tx_id":  id.String(),
				"height": itoa(fb.Block.Height),
			},
		})
	}
	return nil
}

// FinalizedAt returns the block finalized at a given height, if any.
func (e *Engine) FinalizedAt(height uint64) (types.FinalizedBlock, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	fb, ok := e.finalized[height]
	return fb, ok
}

// hashBlock covers every header field, including tx_root and
// state_root; the transaction list itself is covered through tx_root.
func hashBlock(b types.Block) types.BlockID {
	h := sha256.New()
	var buf [8]byte
	putUint64(buf[:], b.Height)
	h.Write(buf[:])
	h.Write(b.ParentID[:])
	h.Write(b.ProducerPubkey)
	putUint64(buf[:], uint64(b.TimestampMS))
	h.Write(buf[:])
	h.Write(b.TxRoot[:])
	h.Write(b.StateRoot[:])
	var id types.BlockID
	copy(id[:], h.Sum(nil))
	return id
}

// HashBlock exposes the block id derivation to the replicated log and
// tests.
func HashBlock(b types.Block) types.BlockID { return hashBlock(b) }

func putUint64(buf []byte, v uint64) {
	for i := 0; i < 8; i++ {
		buf[7-i] = byte(v)
		v >>= 8
	}
}

func itoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

// Package mempool implements the bounded, deduplicating pending
// transaction pool: FIFO-by-arrival-time admission, proposal
// selection that marks entries in-flight without removing them, and
// TTL-based expiry on a background sweep loop.
package mempool

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/AbdelStark/guts-sub000/pkg/gutserr"
	"github.com/AbdelStark/guts-sub000/pkg/log"
	"github.com/AbdelStark/guts-sub000/pkg/metrics"
	"github.com/AbdelStark/guts-sub000/pkg/txmodel"
	"github.com/AbdelStark/guts-sub000/pkg/types"
)

// entry wraps a pooled transaction with its pool-local bookkeeping.
type entry struct {
	tx           *txmodel.Transaction
	arrivedAt    time.Time
	proposeCount uint64
	inFlight     bool
}

// Stats is a snapshot of pool occupancy, returned by Stats.
type Stats struct {
	Count           int
	OldestAge       time.Duration
	AvgProposeCount float64
}

// Config bounds the pool's capacity and transaction lifetime.
type Config struct {
	Capacity int
	TTL      time.Duration
}

// DefaultConfig is a generous capacity with a ten-minute TTL, tunable
// per deployment.
func DefaultConfig() Config {
	return Config{Capacity: 10_000, TTL: 10 * time.Minute}
}

// Pool is the bounded, deduplicating transaction pool.
type Pool struct {
	cfg    Config
	mu     sync.Mutex
	order  []types.TransactionID // arrival order, oldest first
	byID   map[types.TransactionID]*entry
	logger zerolog.Logger
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds an empty pool.
func New(cfg Config) *Pool {
	return &Pool{
		cfg:    cfg,
		byID:   make(map[types.TransactionID]*entry),
		logger: log.WithComponent("mempool"),
		stopCh: make(chan struct{}),
	}
}

// Start launches the periodic TTL sweep; mirrors the reconciler's
// ticker-loop shape. Sweep interval is a quarter of the TTL, floored
// at one second.
func (p *Pool) Start() {
	interval := p.cfg.TTL / 4
	if interval < time.Second {
		interval = time.Second
	}
	p.wg.Add(1)
	go p.sweepLoop(interval)
}

// Stop halts the sweep loop.
func (p *Pool) Stop() {
	close(p.stopCh)
	p.wg.Wait()
}

func (p *Pool) sweepLoop(interval time.Duration) {
	defer p.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			evicted := p.sweepExpired()
			if evicted > 0 {
				p.logger.Debug().Int("evicted", evicted).Msg("swept expired transactions")
			}
		case <-p.stopCh:
			return
		}
	}
}

// Add admits tx, rejecting a duplicate id outright. If the pool is at
// capacity the oldest non-in-flight entry is evicted to make room; if
// every entry is in-flight, Add fails with QuotaExceeded.
func (p *Pool) Add(tx *txmodel.Transaction) (types.TransactionID, error) {
	id := tx.ID()

	p.mu.Lock()
	defer p.mu.Unlock()

	p.evictExpiredLocked()

	if _, exists := p.byID[id]; exists {
		return id, gutserr.New(gutserr.AlreadyExists, "mempool.Add", "transaction already pooled")
	}

	if len(p.order) >= p.cfg.Capacity {
		if !p.evictOldestNonInFlightLocked() {
			return id, gutserr.New(gutserr.QuotaExceeded, "mempool.Add", "pool at capacity").WithRetryAfter(time.Second)
		}
	}

	p.byID[id] = &entry{tx: tx, arrivedAt: now()}
	p.order = append(p.order, id)
	metrics.MempoolSize.Set(float64(len(p.order)))
	return id, nil
}

// GetForProposal returns up to maxCount transactions (capped by
// maxBytes of canonical payload size) in arrival order, marking each
// as in-flight and incrementing its propose count. Entries are not
// removed; removal only happens via RemoveBatch after finalization.
func (p *Pool) GetForProposal(maxCount int, maxBytes int) []*txmodel.Transaction {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.evictExpiredLocked()

	out := make([]*txmodel.Transaction, 0, maxCount)
	size := 0
	for _, id := range p.order {
		if len(out) >= maxCount {
			break
		}
		e, ok := p.byID[id]
		if !ok {
			continue
		}
		txSize := len(e.tx.CanonicalBytes())
		if size+txSize > maxBytes && len(out) > 0 {
			break
		}
		e.inFlight = true
		e.proposeCount++
		out = append(out, e.tx)
		size += txSize
	}
	return out
}

// RemoveBatch removes finalized transactions from the pool. Idempotent
// with respect to ids no longer present.
func (p *Pool) RemoveBatch(ids []types.TransactionID) {
	if len(ids) == 0 {
		return
	}
	remove := make(map[types.TransactionID]bool, len(ids))
	for _, id := range ids {
		remove[id] = true
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for id := range remove {
		delete(p.byID, id)
	}
	p.order = filterOrder(p.order, remove)
	metrics.MempoolSize.Set(float64(len(p.order)))
}

// Contains reports whether id is currently pooled.
func (p *Pool) Contains(id types.TransactionID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.byID[id]
	return ok
}

// Len returns the current pool occupancy.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.order)
}

// Stats reports occupancy, the age of the oldest entry, and the mean
// propose count across the pool.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{Count: len(p.order)}
	if len(p.order) == 0 {
		return s
	}

	oldest := p.byID[p.order[0]]
	s.OldestAge = now().Sub(oldest.arrivedAt)
	metrics.MempoolOldestAge.Set(s.OldestAge.Seconds())

	var total uint64
	for _, e := range p.byID {
		total += e.proposeCount
	}
	s.AvgProposeCount = float64(total) / float64(len(p.byID))
	return s
}

// sweepExpired removes every transaction older than the configured
// TTL and returns the number evicted.
func (p *Pool) sweepExpired() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	before := len(p.order)
	p.evictExpiredLocked()
	evicted := before - len(p.order)
	metrics.MempoolSize.Set(float64(len(p.order)))
	return evicted
}

func (p *Pool) evictExpiredLocked() {
	if p.cfg.TTL <= 0 {
		return
	}
	cutoff := now().Add(-p.cfg.TTL)
	expired := make(map[types.TransactionID]bool)
	for _, id := range p.order {
		e := p.byID[id]
		if e != nil && e.arrivedAt.Before(cutoff) {
			expired[id] = true
			delete(p.byID, id)
		}
	}
	if len(expired) > 0 {
		p.order = filterOrder(p.order, expired)
		metrics.MempoolRejectedTotal.WithLabelValues("expired").Add(float64(len(expired)))
	}
}

// evictOldestNonInFlightLocked drops the oldest entry not currently
// marked in-flight, returning whether an eviction happened.
func (p *Pool) evictOldestNonInFlightLocked() bool {
	for i, id := range p.order {
		e := p.byID[id]
		if e == nil || e.inFlight {
			continue
		}
		delete(p.byID, id)
		p.order = append(p.order[:i], p.order[i+1:]...)
		metrics.MempoolRejectedTotal.WithLabelValues("capacity").Inc()
		return true
	}
	return false
}

func filterOrder(order []types.TransactionID, remove map[types.TransactionID]bool) []types.TransactionID {
	out := order[:0:0]
	for _, id := range order {
		if !remove[id] {
			out = append(out, id)
		}
	}
	return out
}

// now is a seam so tests can use real time without special-casing the
// package; wall-clock is appropriate here since TTLs are measured in
// minutes, not nanoseconds.
func now() time.Time { return time.Now() }

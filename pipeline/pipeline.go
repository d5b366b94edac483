// Package pipeline implements the rollup-construction task: it repeatedly
// drains eligible pending transactions out of the relational store, forms a
// rollup proof, publishes it through the chain source, and records a
// tentative RollupProofDao. Proof construction itself (the SNARK circuit,
// bridge coordination) is an external collaborator; this package fixes only
// the lifecycle and the state it writes, per the synchronizer's
// stopped-before-mutating concurrency rule.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/rollupchain/falafel/chainsource"
	"github.com/rollupchain/falafel/domain"
	"github.com/rollupchain/falafel/log"
	"github.com/rollupchain/falafel/rollupdb"
)

// Config controls pipeline batching and timing behaviour.
type Config struct {
	MaxBatchSize  int
	BaseTimeout   time.Duration
	BridgeTimeout time.Duration
	PollInterval  time.Duration
}

// DefaultConfig returns reasonable defaults grounded on the teacher's
// sequencer batch/timeout knobs.
func DefaultConfig() Config {
	return Config{
		MaxBatchSize:  domain.NumBridgeCallsPerBlock * 8,
		BaseTimeout:   3 * time.Second,
		BridgeTimeout: 10 * time.Second,
		PollInterval:  250 * time.Millisecond,
	}
}

// PublishTimes is the pure-read shape returned by GetNextPublishTime.
type PublishTimes struct {
	BaseTimeout   time.Duration
	BridgeTimeouts map[uint64]time.Duration
}

// TxPoolProfile is the pure-read shape returned by GetTxPoolProfile.
type TxPoolProfile struct {
	PendingCount int
	OldestCreated int64
}

// Builder constructs a rollup proof from a batch of pending txs. It is the
// external collaborator boundary: proof generation internals are out of
// scope for this package.
type Builder interface {
	// Build assembles a RollupProofData (and the parallel off-chain tx
	// data blobs) for rollupID out of txs. Returning a nil proof with a
	// nil error means "nothing to publish yet".
	Build(rollupID uint64, dataStartIndex uint64, txs []*domain.TxDao) (*domain.RollupProofData, [][]byte, error)
}

// Pipeline is one run of the rollup-construction task. A fresh Pipeline is
// created every time the synchronizer calls Start after a block event.
type Pipeline struct {
	cfg     Config
	db      *rollupdb.Store
	chain   chainsource.Source
	builder Builder

	mu      sync.Mutex
	flush   chan struct{}
	cancel  context.CancelFunc
	stopped chan struct{}
}

// New constructs a Pipeline. Call Start to spawn its task goroutine.
func New(cfg Config, db *rollupdb.Store, chain chainsource.Source, builder Builder) *Pipeline {
	return &Pipeline{cfg: cfg, db: db, chain: chain, builder: builder}
}

// Start spawns the pipeline's task goroutine and returns immediately.
// Internal failures are logged and cause the task to exit without
// propagating to the caller, so one bad batch never poisons the
// synchronizer.
func (p *Pipeline) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.mu.Lock()
	p.cancel = cancel
	p.flush = make(chan struct{}, 1)
	p.stopped = make(chan struct{})
	p.mu.Unlock()
	go p.run(ctx)
}

func (p *Pipeline) run(ctx context.Context) {
	defer close(p.stopped)
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.tryPublish(); err != nil {
				log.Error("pipeline: publish attempt failed", "err", err)
				return
			}
		case <-p.flush:
			if err := p.tryPublish(); err != nil {
				log.Error("pipeline: flush publish failed", "err", err)
				return
			}
		}
	}
}

// tryPublish is one safe-point iteration: gather pending txs, build a
// proof, publish, record a tentative rollup proof row. A nil proof from the
// builder (nothing eligible) is a no-op, not an error.
func (p *Pipeline) tryPublish() error {
	txs, err := p.db.GetPendingTxs()
	if err != nil {
		return err
	}
	if len(txs) == 0 {
		return nil
	}
	if len(txs) > p.cfg.MaxBatchSize {
		txs = txs[:p.cfg.MaxBatchSize]
	}

	rollupID, err := p.db.GetNextRollupID()
	if err != nil {
		return err
	}
	dataStartIndex := rollupID * 2 * uint64(p.cfg.MaxBatchSize)

	proofData, offchain, err := p.builder.Build(rollupID, dataStartIndex, txs)
	if err != nil {
		return err
	}
	if proofData == nil {
		return nil
	}

	ethTxHash, err := p.chain.Publish(proofData, offchain)
	if err != nil {
		return err
	}

	proofDao := &domain.RollupProofDao{
		RollupHash:     proofData.RollupHash,
		Txs:            txs,
		RollupSize:     uint64(len(txs)),
		DataStartIndex: dataStartIndex,
	}
	_ = ethTxHash
	return p.db.AddPendingRollupProof(rollupID, proofData.NewDataRoot, proofDao, time.Now().Unix())
}

// Stop cancels the task, waiting (up to a bounded time) for the in-flight
// iteration to reach its next safe point and exit. Idempotent.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	stopped := p.stopped
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		log.Error("pipeline: stop timed out waiting for task to exit")
	}
}

// FlushTxs requests the pipeline publish whatever is pending at the next
// safe point.
func (p *Pipeline) FlushTxs() {
	p.mu.Lock()
	flush := p.flush
	p.mu.Unlock()
	if flush == nil {
		return
	}
	select {
	case flush <- struct{}{}:
	default:
	}
}

// GetNextPublishTime is a pure, concurrent-safe read of the pipeline's
// publish timeout configuration.
func (p *Pipeline) GetNextPublishTime() PublishTimes {
	bridgeTimeouts := make(map[uint64]time.Duration, domain.NumBridgeCallsPerBlock)
	for i := uint64(0); i < domain.NumBridgeCallsPerBlock; i++ {
		bridgeTimeouts[i] = p.cfg.BridgeTimeout
	}
	return PublishTimes{BaseTimeout: p.cfg.BaseTimeout, BridgeTimeouts: bridgeTimeouts}
}

// GetTxPoolProfile is a pure, concurrent-safe read of the pending tx pool.
func (p *Pipeline) GetTxPoolProfile() (TxPoolProfile, error) {
	txs, err := p.db.GetPendingTxs()
	if err != nil {
		return TxPoolProfile{}, err
	}
	profile := TxPoolProfile{PendingCount: len(txs)}
	if len(txs) > 0 {
		profile.OldestCreated = txs[0].Created
	}
	return profile, nil
}

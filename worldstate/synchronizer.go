// Package worldstate implements the synchronizer: the single writer of both
// the tree store and the relational store, driven by blocks observed from
// the chain source. It reconciles each incoming block against whatever this
// node staged locally, deciding whether the block is the rollup it just
// published or a competitor's, and keeps the pipeline stopped while doing
// so.
package worldstate

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/rollupchain/falafel/blockcache"
	"github.com/rollupchain/falafel/blockqueue"
	"github.com/rollupchain/falafel/chainsource"
	"github.com/rollupchain/falafel/crypto"
	"github.com/rollupchain/falafel/domain"
	"github.com/rollupchain/falafel/initfiles"
	"github.com/rollupchain/falafel/log"
	"github.com/rollupchain/falafel/metricssink"
	"github.com/rollupchain/falafel/pipeline"
	"github.com/rollupchain/falafel/rollupdb"
	"github.com/rollupchain/falafel/treestore"
)

// Config collects everything a Synchronizer needs: the four stores and
// external collaborators, plus the pipeline's own configuration and its
// proof Builder.
type Config struct {
	ChainID        uint64
	Trees          *treestore.TreeStore
	DB             *rollupdb.Store
	Chain          chainsource.Source
	Cache          *blockcache.Cache
	Metrics        metricssink.Sink
	InitReader     initfiles.Reader
	NoteAlgorithms NoteAlgorithms
	BridgeAssetMap BridgeAssetMap
	// PreimageTracker, when set and NoteAlgorithms is left nil, records the
	// preimage behind every claim note commitment and nullifier this
	// process derives, so a divergent claim can be traced back to the
	// fields that produced it. Ignored if NoteAlgorithms is set explicitly.
	PreimageTracker *crypto.PreimageTracker
	PipelineConfig  pipeline.Config
	Builder         pipeline.Builder
}

// Synchronizer is the core reconciliation engine described in §4.5. One
// instance owns the tree store and relational store for the lifetime of the
// process.
type Synchronizer struct {
	cfg    Config
	trees  *treestore.TreeStore
	db     *rollupdb.Store
	chain  chainsource.Source
	cache  *blockcache.Cache
	metrics metricssink.Sink
	initR  initfiles.Reader
	noteAlgo NoteAlgorithms
	bridgeMap BridgeAssetMap
	queue  *blockqueue.Queue

	log *log.Logger

	mu      sync.Mutex
	pipe    *pipeline.Pipeline
}

// New constructs a Synchronizer. Call Start to begin recovery and block
// ingestion.
func New(cfg Config) *Synchronizer {
	if cfg.Metrics == nil {
		cfg.Metrics = metricssink.NoOp{}
	}
	if cfg.NoteAlgorithms == nil {
		if cfg.PreimageTracker != nil {
			cfg.NoteAlgorithms = NewHashNoteAlgorithmsWithTracker(cfg.PreimageTracker)
		} else {
			cfg.NoteAlgorithms = NewHashNoteAlgorithms()
		}
	}
	if cfg.BridgeAssetMap == nil {
		cfg.BridgeAssetMap = StaticBridgeAssetMap{}
	}
	return &Synchronizer{
		cfg:       cfg,
		trees:     cfg.Trees,
		db:        cfg.DB,
		chain:     cfg.Chain,
		cache:     cfg.Cache,
		metrics:   cfg.Metrics,
		initR:     cfg.InitReader,
		noteAlgo:  cfg.NoteAlgorithms,
		bridgeMap: cfg.BridgeAssetMap,
		queue:     blockqueue.New(),
		log:       log.Default().Module("worldstate"),
	}
}

// Start runs the full startup recovery sequence (§4.5 "start"): opens the
// tree store, runs init-from-files on a fresh database, replays any chain
// history the relational store hasn't seen, sweeps optimistic state that
// never settled, rebuilds the block cache, and begins live block ingestion.
func (s *Synchronizer) Start() error {
	if err := s.trees.Start(); err != nil {
		return fmt.Errorf("worldstate: starting tree store: %w", err)
	}

	nextRollupID, err := s.db.GetNextRollupID()
	if err != nil {
		return fmt.Errorf("worldstate: reading next rollup id: %w", err)
	}
	if nextRollupID == 0 {
		if err := s.initFromFiles(); err != nil {
			return fmt.Errorf("worldstate: init-from-files: %w", err)
		}
	}

	if err := s.syncFromChain(nextRollupID); err != nil {
		return fmt.Errorf("worldstate: sync-from-chain: %w", err)
	}

	if err := s.db.DeleteUnsettledRollups(); err != nil {
		return fmt.Errorf("worldstate: deleting unsettled rollups: %w", err)
	}
	if err := s.db.DeleteOrphanedRollupProofs(); err != nil {
		return fmt.Errorf("worldstate: deleting orphaned rollup proofs: %w", err)
	}

	settled, err := s.db.GetSettledRollups(0)
	if err != nil {
		return fmt.Errorf("worldstate: loading settled rollups: %w", err)
	}
	blocks := make([]*domain.Block, len(settled))
	for i, r := range settled {
		blocks[i] = blockFromRollupDao(r)
	}
	if err := s.cache.Rebuild(blocks); err != nil {
		return fmt.Errorf("worldstate: rebuilding block cache: %w", err)
	}

	s.chain.Subscribe(func(b *domain.Block) { s.queue.Put(b) })

	startFrom, err := s.db.GetNextRollupID()
	if err != nil {
		return fmt.Errorf("worldstate: reading next rollup id: %w", err)
	}
	if err := s.chain.Start(startFrom); err != nil {
		return fmt.Errorf("worldstate: starting chain source: %w", err)
	}

	s.queue.Process(s.handleBlock)
	s.startPipeline()

	return nil
}

// Stop halts block ingestion at the next safe point, stops the chain source
// and pipeline, and closes the tree store. Any in-flight handleBlock call
// runs to completion before Stop returns.
func (s *Synchronizer) Stop() error {
	s.queue.Cancel()
	<-s.queue.Done()

	if err := s.chain.Stop(); err != nil {
		return fmt.Errorf("worldstate: stopping chain source: %w", err)
	}

	s.mu.Lock()
	p := s.pipe
	s.mu.Unlock()
	if p != nil {
		p.Stop()
	}

	return s.trees.Stop()
}

// handleBlock is the C3 consumer callback (§4.5.3): stop the pipeline, run
// update-dbs, start a fresh pipeline. Blocks are delivered strictly in
// enqueue order and never run concurrently with each other.
func (s *Synchronizer) handleBlock(block *domain.Block) {
	s.mu.Lock()
	p := s.pipe
	s.mu.Unlock()
	if p != nil {
		p.Stop()
	}

	stop := s.metrics.ProcessBlockTimer()
	if err := s.updateDBs(block); err != nil {
		s.log.Error("update-dbs failed", "rollupId", block.RollupID, "err", err)
	}
	stop()

	s.startPipeline()
}

func (s *Synchronizer) startPipeline() {
	p := pipeline.New(s.cfg.PipelineConfig, s.db, s.chain, s.cfg.Builder)
	p.Start()
	s.mu.Lock()
	s.pipe = p
	s.mu.Unlock()
}

// ResetPipeline is the operator-initiated reset (§4.5.9): stop the pipeline,
// roll back any staged tree writes, sweep optimistic relational state, and
// start a fresh pipeline.
func (s *Synchronizer) ResetPipeline() error {
	s.mu.Lock()
	p := s.pipe
	s.mu.Unlock()
	if p != nil {
		p.Stop()
	}

	if err := s.trees.Rollback(); err != nil {
		return fmt.Errorf("worldstate: rolling back trees: %w", err)
	}
	if err := s.db.DeleteUnsettledRollups(); err != nil {
		return fmt.Errorf("worldstate: deleting unsettled rollups: %w", err)
	}
	if err := s.db.DeleteOrphanedRollupProofs(); err != nil {
		return fmt.Errorf("worldstate: deleting orphaned rollup proofs: %w", err)
	}
	if err := s.db.DeletePendingTxs(); err != nil {
		return fmt.Errorf("worldstate: deleting pending txs: %w", err)
	}

	s.startPipeline()
	return nil
}

// currentPipeline safely reads the pipeline currently running, or nil
// between a stop and its replacement starting.
func (s *Synchronizer) currentPipeline() *pipeline.Pipeline {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pipe
}

// FlushTxs requests the running pipeline publish whatever is pending at its
// next safe point. A no-op if no pipeline is currently running.
func (s *Synchronizer) FlushTxs() {
	if p := s.currentPipeline(); p != nil {
		p.FlushTxs()
	}
}

// GetNextPublishTime returns the running pipeline's publish timeout
// configuration. ok is false if no pipeline is currently running.
func (s *Synchronizer) GetNextPublishTime() (times pipeline.PublishTimes, ok bool) {
	p := s.currentPipeline()
	if p == nil {
		return pipeline.PublishTimes{}, false
	}
	return p.GetNextPublishTime(), true
}

// GetTxPoolProfile returns a snapshot of the pending transaction pool.
func (s *Synchronizer) GetTxPoolProfile() (pipeline.TxPoolProfile, error) {
	p := s.currentPipeline()
	if p == nil {
		return pipeline.TxPoolProfile{}, nil
	}
	return p.GetTxPoolProfile()
}

// GetBlockBuffers returns the serialized settled blocks from rollupId
// fromRollupID onward, for client catch-up reads.
func (s *Synchronizer) GetBlockBuffers(fromRollupID uint64) [][]byte {
	return s.cache.GetFrom(fromRollupID)
}

// LookupPreimage returns the recorded preimage behind a claim note
// commitment or nullifier hash, or nil if no preimage tracker was
// configured or the hash is unknown. An operator debugging a claim that
// diverged from a competitor's rollup uses this to recover the exact
// fields that produced it.
func (s *Synchronizer) LookupPreimage(hash common.Hash) []byte {
	if s.cfg.PreimageTracker == nil {
		return nil
	}
	return s.cfg.PreimageTracker.Lookup(hash)
}

// blockFromRollupDao reconstructs a best-effort domain.Block from a settled
// rollup row, used only to rebuild the block cache at startup. The
// relational store does not retain a settled rollup's original
// rollupProofData or offchainTxData bytes, so RollupProofData and
// OffchainTxData are left empty here; live blocks delivered by the chain
// source during normal operation carry the complete bytes and are appended
// to the cache as-is.
func blockFromRollupDao(r *domain.RollupDao) *domain.Block {
	var created int64
	if r.Mined != nil {
		created = *r.Mined
	}
	var size uint64
	if r.RollupProof != nil {
		size = uint64(len(r.RollupProof.Txs))
	}
	return &domain.Block{
		RollupID:          r.RollupID,
		Created:           created,
		EthTxHash:         r.EthTxHash,
		RollupSize:        size,
		InteractionResult: r.InteractionResult,
		GasUsed:           r.GasUsed,
		GasPrice:          r.GasPrice,
	}
}

// Package operator exposes the small surface the enclosing sequencer
// service drives from its RPC/admin layer: flushing the tx pool, resetting
// the pipeline, and reading pipeline/block-cache state. None of it mutates
// tree or relational state directly; every call is a thin pass-through to
// the world-state synchronizer.
package operator

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/rollupchain/falafel/pipeline"
	"github.com/rollupchain/falafel/worldstate"
)

// Operator wraps a running Synchronizer with the operator-facing methods
// from the external interfaces section of the design: flushTxs,
// resetPipeline, getNextPublishTime, getTxPoolProfile, getBlockBuffers.
type Operator struct {
	sync *worldstate.Synchronizer
}

// New constructs an Operator over a started Synchronizer.
func New(sync *worldstate.Synchronizer) *Operator {
	return &Operator{sync: sync}
}

// FlushTxs requests the running pipeline publish its pending transactions
// at the next safe point.
func (o *Operator) FlushTxs() {
	o.sync.FlushTxs()
}

// ResetPipeline stops the pipeline, rolls back speculative tree writes, and
// sweeps unsettled relational state before starting a fresh pipeline.
func (o *Operator) ResetPipeline() error {
	return o.sync.ResetPipeline()
}

// GetNextPublishTime returns the running pipeline's publish timeout
// configuration.
func (o *Operator) GetNextPublishTime() (pipeline.PublishTimes, bool) {
	return o.sync.GetNextPublishTime()
}

// GetTxPoolProfile returns a snapshot of the pending transaction pool.
func (o *Operator) GetTxPoolProfile() (pipeline.TxPoolProfile, error) {
	return o.sync.GetTxPoolProfile()
}

// GetBlockBuffers returns the serialized settled blocks from fromRollupID
// onward, for client catch-up reads.
func (o *Operator) GetBlockBuffers(fromRollupID uint64) [][]byte {
	return o.sync.GetBlockBuffers(fromRollupID)
}

// LookupPreimage returns the recorded preimage behind a claim note
// commitment or nullifier hash, when preimage tracking is enabled.
func (o *Operator) LookupPreimage(hash common.Hash) []byte {
	return o.sync.LookupPreimage(hash)
}

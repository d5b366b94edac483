// Package chainsource abstracts the external chain node the synchronizer
// ingests blocks from and publishes rollups to. The core never speaks a
// transport protocol directly; it depends only on this interface, matching
// the spec's instruction to model the chain source as a fixed capability
// set rather than a concrete client.
package chainsource

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/rollupchain/falafel/domain"
)

// BlockHandler is invoked once per block event, in rollup-id order.
type BlockHandler func(*domain.Block)

// Source is the chain source adapter contract.
type Source interface {
	// Subscribe registers handler to be called for every subsequent block
	// event. Only one handler is ever installed by the synchronizer.
	Subscribe(handler BlockHandler)
	// Start begins delivering block events from fromRollupID onward.
	Start(fromRollupID uint64) error
	// Stop halts block delivery.
	Stop() error
	// ChainID identifies the network the source is connected to.
	ChainID() uint64
	// GetBlocks returns the contiguous sequence of blocks from fromRollupID
	// onward, used by sync-from-chain to catch up before subscribing.
	GetBlocks(fromRollupID uint64) ([]*domain.Block, error)
	// GetRollupBalance queries the live on-chain contract balance for
	// assetID, used by asset-metrics accounting.
	GetRollupBalance(assetID uint64) (*big.Int, error)
	// Publish submits a constructed rollup to the chain, returning the
	// transaction hash it will be mined under.
	Publish(proof *domain.RollupProofData, offchainTxData [][]byte) (ethTxHash common.Hash, err error)
}

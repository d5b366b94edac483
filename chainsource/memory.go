package chainsource

import (
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/rollupchain/falafel/domain"
)

// Memory is an in-process Source double. Tests drive it by calling Push to
// append blocks to its log; once started, Push delivers the block to the
// handler registered with Subscribe synchronously, from the Push call
// itself.
type Memory struct {
	mu       sync.Mutex
	chainID  uint64
	blocks   []*domain.Block
	balances map[uint64]*big.Int
	handler  BlockHandler
	started  bool
	fromID   uint64

	// PublishFunc, if set, is invoked by Publish; if nil, Publish returns
	// ErrNoPublishFunc. Tests use this to assert on published proofs.
	PublishFunc func(proof *domain.RollupProofData, offchainTxData [][]byte) (common.Hash, error)
}

// NewMemory constructs an empty Memory chain source for the given chain id.
func NewMemory(chainID uint64) *Memory {
	return &Memory{chainID: chainID, balances: map[uint64]*big.Int{}}
}

// Push appends a block to the source's log. If the source has already
// started and subscribed, and block.RollupID >= the start cursor, the
// handler is invoked immediately (synchronously).
func (m *Memory) Push(block *domain.Block) {
	m.mu.Lock()
	m.blocks = append(m.blocks, block)
	handler := m.handler
	started := m.started
	fromID := m.fromID
	m.mu.Unlock()
	if started && handler != nil && block.RollupID >= fromID {
		handler(block)
	}
}

// SetBalance sets the balance GetRollupBalance will return for assetID.
func (m *Memory) SetBalance(assetID uint64, bal *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[assetID] = bal
}

func (m *Memory) Subscribe(handler BlockHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = handler
}

func (m *Memory) Start(fromRollupID uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = true
	m.fromID = fromRollupID
	return nil
}

func (m *Memory) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = false
	return nil
}

func (m *Memory) ChainID() uint64 { return m.chainID }

func (m *Memory) GetBlocks(fromRollupID uint64) ([]*domain.Block, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Block
	for _, b := range m.blocks {
		if b.RollupID >= fromRollupID {
			out = append(out, b)
		}
	}
	return out, nil
}

func (m *Memory) GetRollupBalance(assetID uint64) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if bal, ok := m.balances[assetID]; ok {
		return bal, nil
	}
	return big.NewInt(0), nil
}

// ErrNoPublishFunc is returned by Publish when the test hasn't wired one.
var ErrNoPublishFunc = errors.New("chainsource: memory source has no PublishFunc configured")

func (m *Memory) Publish(proof *domain.RollupProofData, offchainTxData [][]byte) (common.Hash, error) {
	if m.PublishFunc == nil {
		return common.Hash{}, ErrNoPublishFunc
	}
	return m.PublishFunc(proof, offchainTxData)
}

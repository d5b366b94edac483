// Package blockcache holds the in-memory, append-only ordered list of
// serialized settled blocks that client catch-up reads serve from. Position
// in the list equals rollupId; it is rebuilt from the relational store at
// startup and appended to by the synchronizer on every settled block.
package blockcache

import (
	"fmt"
	"sync"

	"github.com/rollupchain/falafel/domain"
	"github.com/rollupchain/falafel/rlp"
)

// Cache is the block cache handle.
type Cache struct {
	mu   sync.RWMutex
	blks [][]byte // serialized domain.Block, indexed by rollupId
}

// New constructs an empty Cache.
func New() *Cache {
	return &Cache{}
}

// Append serializes block and stores it at position block.RollupID. Blocks
// must be appended in rollupId order starting from the cache's current
// length; any gap is a programmer error in the caller (the synchronizer
// never skips a rollupId).
func (c *Cache) Append(block *domain.Block) error {
	enc, err := rlp.EncodeToBytes(block)
	if err != nil {
		return fmt.Errorf("blockcache: encoding block %d: %w", block.RollupID, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if uint64(len(c.blks)) != block.RollupID {
		return fmt.Errorf("blockcache: out-of-order append: have %d blocks, got rollupId %d", len(c.blks), block.RollupID)
	}
	c.blks = append(c.blks, enc)
	return nil
}

// GetFrom returns the serialized suffix [n..) of the cache.
func (c *Cache) GetFrom(n uint64) [][]byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if n >= uint64(len(c.blks)) {
		return nil
	}
	out := make([][]byte, len(c.blks)-int(n))
	copy(out, c.blks[n:])
	return out
}

// Len reports the number of cached blocks.
func (c *Cache) Len() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return uint64(len(c.blks))
}

// Rebuild discards the current contents and replaces them with blocks,
// re-encoded in order. Used at startup once get_settled_rollups(0) has been
// reassembled into domain.Block values by the synchronizer.
func (c *Cache) Rebuild(blocks []*domain.Block) error {
	encoded := make([][]byte, len(blocks))
	for i, b := range blocks {
		if uint64(i) != b.RollupID {
			return fmt.Errorf("blockcache: rebuild gap at position %d (rollupId %d)", i, b.RollupID)
		}
		enc, err := rlp.EncodeToBytes(b)
		if err != nil {
			return fmt.Errorf("blockcache: encoding block %d: %w", b.RollupID, err)
		}
		encoded[i] = enc
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blks = encoded
	return nil
}

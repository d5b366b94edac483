package treestore

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// memoryBacking is an in-process nodeFetcher, used for tests and for a
// no-durability embedded mode.
type memoryBacking struct {
	mu    sync.RWMutex
	nodes map[Tag]map[string]common.Hash
	count map[Tag]int
}

func newMemoryBacking() *memoryBacking {
	return &memoryBacking{
		nodes: map[Tag]map[string]common.Hash{Data: {}, Null: {}, Root: {}, Defi: {}},
		count: map[Tag]int{},
	}
}

func (m *memoryBacking) getNode(tag Tag, level uint, index *uint256.Int) (common.Hash, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.nodes[tag][nodeKey(level, index)]
	return h, ok
}

func (m *memoryBacking) leafCount(tag Tag) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.count[tag]
}

// memoryWriteBatch stages writes from every tree touched by one Commit call
// and applies them to the backing maps in a single critical section, the
// in-memory equivalent of a pebble batch's single fsync.
type memoryWriteBatch struct {
	m          *memoryBacking
	nodeWrites map[Tag]map[string]nodeWrite
	counts     map[Tag]int
	hasCount   map[Tag]bool
}

func (m *memoryBacking) newBatch() writeBatch {
	return &memoryWriteBatch{
		m:          m,
		nodeWrites: make(map[Tag]map[string]nodeWrite),
		counts:     make(map[Tag]int),
		hasCount:   make(map[Tag]bool),
	}
}

func (b *memoryWriteBatch) putNodes(tag Tag, writes map[string]nodeWrite) {
	dst, ok := b.nodeWrites[tag]
	if !ok {
		dst = make(map[string]nodeWrite, len(writes))
		b.nodeWrites[tag] = dst
	}
	for k, w := range writes {
		dst[k] = w
	}
}

func (b *memoryWriteBatch) putLeafCount(tag Tag, n int) {
	b.counts[tag] = n
	b.hasCount[tag] = true
}

func (b *memoryWriteBatch) commit() error {
	b.m.mu.Lock()
	defer b.m.mu.Unlock()
	for tag, writes := range b.nodeWrites {
		for k, w := range writes {
			b.m.nodes[tag][k] = w.hash
		}
	}
	for tag, n := range b.counts {
		if b.hasCount[tag] {
			b.m.count[tag] = n
		}
	}
	return nil
}

// pebbleBacking persists committed tree nodes in a cockroachdb/pebble
// key-value engine. Keys are namespaced by tag so the four trees share one
// physical database.
type pebbleBacking struct {
	db *pebble.DB
}

func openPebbleBacking(dir string) (*pebbleBacking, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("treestore: opening pebble at %s: %w", dir, err)
	}
	return &pebbleBacking{db: db}, nil
}

func (p *pebbleBacking) close() error {
	return p.db.Close()
}

func nodeStorageKey(tag Tag, key string) []byte {
	return []byte(fmt.Sprintf("node/%d/%s", tag, key))
}

func countStorageKey(tag Tag) []byte {
	return []byte(fmt.Sprintf("count/%d", tag))
}

func (p *pebbleBacking) getNode(tag Tag, level uint, index *uint256.Int) (common.Hash, bool) {
	v, closer, err := p.db.Get(nodeStorageKey(tag, nodeKey(level, index)))
	if err == pebble.ErrNotFound {
		return common.Hash{}, false
	}
	if err != nil {
		return common.Hash{}, false
	}
	defer closer.Close()
	var h common.Hash
	copy(h[:], v)
	return h, true
}

func (p *pebbleBacking) leafCount(tag Tag) int {
	v, closer, err := p.db.Get(countStorageKey(tag))
	if err != nil {
		return 0
	}
	defer closer.Close()
	if len(v) < 8 {
		return 0
	}
	return int(binary.BigEndian.Uint64(v))
}

// pebbleWriteBatch stages writes from every tree touched by one Commit call
// into a single pebble.Batch, so they cross the fsync boundary together:
// commit() is the only durable, synced write in a TreeStore.Commit call.
type pebbleWriteBatch struct {
	batch *pebble.Batch
	err   error
}

func (p *pebbleBacking) newBatch() writeBatch {
	return &pebbleWriteBatch{batch: p.db.NewBatch()}
}

func (b *pebbleWriteBatch) putNodes(tag Tag, writes map[string]nodeWrite) {
	for k, w := range writes {
		if err := b.batch.Set(nodeStorageKey(tag, k), w.hash[:], nil); err != nil && b.err == nil {
			b.err = err
		}
	}
}

func (b *pebbleWriteBatch) putLeafCount(tag Tag, n int) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(n))
	if err := b.batch.Set(countStorageKey(tag), buf[:], nil); err != nil && b.err == nil {
		b.err = err
	}
}

func (b *pebbleWriteBatch) commit() error {
	defer b.batch.Close()
	if b.err != nil {
		return b.err
	}
	return b.batch.Commit(pebble.Sync)
}

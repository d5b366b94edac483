package treestore

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/rollupchain/falafel/crypto"
)

// merkleTree is a domain-separated, index-addressed Merkle accumulator.
// Depth 32 is used for the DATA, ROOT, and DEFI trees (dense, sequential
// indices); depth 256 is used for the NULL tree, whose index space is the
// full nullifier value. Unpopulated subtrees fall back to a precomputed
// empty-hash cache, so the tree never materializes more than the leaves
// actually written.
//
// Reads see committed nodes layered under staged (uncommitted) nodes;
// commit merges staged into committed, rollback discards staged.
type merkleTree struct {
	tag   Tag
	depth uint

	domainLeaf []byte
	domainNode []byte
	emptyHash  []common.Hash // emptyHash[level], level 0..depth

	committed nodeFetcher // backing store for committed nodes (memory or pebble)

	stagedNodes  map[string]common.Hash
	stagedLeaves map[string][]byte // index key -> raw leaf bytes, for size accounting
	committedLeafCount int
}

// nodeFetcher abstracts the committed-node backing store so the tree engine
// does not need to know whether it is memory- or pebble-backed.
type nodeFetcher interface {
	getNode(tag Tag, level uint, index *uint256.Int) (common.Hash, bool)
	leafCount(tag Tag) int
	newBatch() writeBatch
}

// writeBatch accumulates node and leaf-count writes for every tree touched
// by one TreeStore.Commit call, so they land on disk through a single fsync
// instead of one per tree.
type writeBatch interface {
	putNodes(tag Tag, nodes map[string]nodeWrite)
	putLeafCount(tag Tag, n int)
	commit() error
}

// nodeWrite is a single (level, index, hash) write destined for the
// committed backing store.
type nodeWrite struct {
	level uint
	index *uint256.Int
	hash  common.Hash
}

func newMerkleTree(tag Tag, depth uint, domainLeaf, domainNode byte, backing nodeFetcher) *merkleTree {
	t := &merkleTree{
		tag:          tag,
		depth:        depth,
		domainLeaf:   []byte{domainLeaf},
		domainNode:   []byte{domainNode},
		committed:    backing,
		stagedNodes:  make(map[string]common.Hash),
		stagedLeaves: make(map[string][]byte),
	}
	t.emptyHash = make([]common.Hash, depth+1)
	t.emptyHash[0] = crypto.DomainSeparatedHash(t.domainLeaf, make([]byte, 32))
	for l := uint(1); l <= depth; l++ {
		t.emptyHash[l] = crypto.DomainSeparatedHash(t.domainNode, t.emptyHash[l-1][:], t.emptyHash[l-1][:])
	}
	t.committedLeafCount = backing.leafCount(tag)
	return t
}

func nodeKey(level uint, index *uint256.Int) string {
	b := index.Bytes32()
	return fmt.Sprintf("%d:%x", level, b)
}

// getNode returns the hash at (level, index), checking staged writes first.
func (t *merkleTree) getNode(level uint, index *uint256.Int) common.Hash {
	k := nodeKey(level, index)
	if h, ok := t.stagedNodes[k]; ok {
		return h
	}
	if h, ok := t.committed.getNode(t.tag, level, index); ok {
		return h
	}
	return t.emptyHash[level]
}

// Size returns the number of leaves written (committed + staged, counting
// overlapping indices once).
func (t *merkleTree) size() uint64 {
	return uint64(t.committedLeafCount + len(t.stagedLeaves) - overlapCount(t))
}

// root returns the current root, the hash at (depth, 0).
func (t *merkleTree) root() common.Hash {
	return t.getNode(t.depth, uint256.NewInt(0))
}

// put stages a leaf write at the given index, updating the path to the
// root in the staged overlay.
func (t *merkleTree) put(index *uint256.Int, leafBytes []byte) {
	leafKey := nodeKey(0, index)
	t.stagedLeaves[leafKey] = append([]byte(nil), leafBytes...)

	cur := crypto.DomainSeparatedHash(t.domainLeaf, leafBytes)
	idx := new(uint256.Int).Set(index)
	t.stagedNodes[nodeKey(0, idx)] = cur

	for level := uint(0); level < t.depth; level++ {
		siblingIdx := new(uint256.Int).Xor(idx, uint256.NewInt(1))
		sibling := t.getNode(level, siblingIdx)

		var left, right common.Hash
		if idx.IsZero() || idx.Bit(0) == 0 {
			left, right = cur, sibling
		} else {
			left, right = sibling, cur
		}
		cur = crypto.DomainSeparatedHash(t.domainNode, left[:], right[:])

		idx = new(uint256.Int).Rsh(idx, 1)
		t.stagedNodes[nodeKey(level+1, idx)] = cur
	}
}

// hasLeaf reports whether index has ever been written (committed or
// staged). Backs TreeStore.HasLeaf; apply-rollup-to-trees' "already
// applied" guard compares GetSize against dataStartIndex instead.
func (t *merkleTree) hasLeaf(index *uint256.Int) bool {
	k := nodeKey(0, index)
	if _, ok := t.stagedLeaves[k]; ok {
		return true
	}
	_, ok := t.committed.getNode(t.tag, 0, index)
	return ok
}

// stageCommit adds this tree's pending node and leaf-count writes into the
// shared batch for the enclosing TreeStore.Commit call, without touching
// disk or this tree's in-memory state. It returns an apply func that the
// caller must invoke, and invoke only, after batch.commit() has succeeded --
// that is what keeps all four trees' staged writes behind one fsync instead
// of each tree committing independently.
func (t *merkleTree) stageCommit(batch writeBatch) (apply func(), err error) {
	if len(t.stagedNodes) == 0 {
		return func() {}, nil
	}
	writes := make(map[string]nodeWrite, len(t.stagedNodes))
	for k, h := range t.stagedNodes {
		var level uint
		var idxBytes [32]byte
		if _, err := fmt.Sscanf(k, "%d:%x", &level, &idxBytes); err != nil {
			return nil, fmt.Errorf("treestore: corrupt staged node key %q: %w", k, err)
		}
		idx := new(uint256.Int).SetBytes(idxBytes[:])
		writes[k] = nodeWrite{level: level, index: idx, hash: h}
	}
	batch.putNodes(t.tag, writes)

	// A staged leaf only grows the count if its index was not already
	// committed (an overwrite of an existing index is not a new leaf).
	newCount := t.committedLeafCount + len(t.stagedLeaves) - overlapCount(t)
	batch.putLeafCount(t.tag, newCount)

	return func() {
		t.committedLeafCount = newCount
		t.stagedNodes = make(map[string]common.Hash)
		t.stagedLeaves = make(map[string][]byte)
	}, nil
}

// overlapCount returns how many staged leaves were already present in the
// committed store before this staging round (so commit doesn't double-count
// a leaf that gets overwritten rather than newly inserted).
func overlapCount(t *merkleTree) int {
	n := 0
	for k := range t.stagedLeaves {
		idx := mustParseIndex(k)
		if _, ok := t.committed.getNode(t.tag, 0, idx); ok {
			n++
		}
	}
	return n
}

func mustParseIndex(leafKey string) *uint256.Int {
	var level uint
	var idxBytes [32]byte
	if _, err := fmt.Sscanf(leafKey, "%d:%x", &level, &idxBytes); err != nil {
		return uint256.NewInt(0)
	}
	return new(uint256.Int).SetBytes(idxBytes[:])
}

// rollback discards all staged writes.
func (t *merkleTree) rollback() {
	t.stagedNodes = make(map[string]common.Hash)
	t.stagedLeaves = make(map[string][]byte)
}

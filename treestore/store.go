// Package treestore implements the four append-only authenticated Merkle
// trees (DATA, NULL, ROOT, DEFI) that the world-state synchronizer commits
// alongside the relational store on every reconciled block. Writes are
// staged in memory; commit persists all four trees' staged writes through
// one shared cockroachdb/pebble batch, so the whole set lands behind a
// single fsync, and rollback discards them.
package treestore

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Tag identifies one of the four trees.
type Tag int

const (
	Data Tag = iota
	Null
	Root
	Defi
)

func (t Tag) String() string {
	switch t {
	case Data:
		return "DATA"
	case Null:
		return "NULL"
	case Root:
		return "ROOT"
	case Defi:
		return "DEFI"
	default:
		return "UNKNOWN"
	}
}

// Depth of each tree. DATA/ROOT/DEFI are dense, sequentially indexed trees;
// NULL is addressed by nullifier value, so it needs the full 256-bit index
// space.
const (
	denseDepth  = 32
	sparseDepth = 256
)

var (
	// ErrNotStarted is returned by any mutating call before Start has run.
	ErrNotStarted = errors.New("treestore: not started")
	// ErrAlreadyStarted is returned by Start if the store is already running.
	ErrAlreadyStarted = errors.New("treestore: already started")
)

// Config controls how the tree store persists its committed state.
type Config struct {
	// Dir is the pebble data directory. Empty means in-memory only
	// (used by tests and the init-from-files dry run).
	Dir string
}

// DefaultConfig returns a Config with an in-memory backing.
func DefaultConfig() Config {
	return Config{}
}

// TreeStore is the single writer-serialized handle over the four trees.
type TreeStore struct {
	mu      sync.Mutex
	cfg     Config
	started bool

	backing nodeFetcher
	pebble  *pebbleBacking // non-nil only when cfg.Dir != ""

	trees map[Tag]*merkleTree
}

// New constructs a TreeStore. Call Start before using it.
func New(cfg Config) *TreeStore {
	return &TreeStore{cfg: cfg}
}

// Start opens the backing store and initializes the four trees. Failure
// here is fatal-init: the caller should abort startup.
func (s *TreeStore) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrAlreadyStarted
	}

	var backing nodeFetcher
	if s.cfg.Dir != "" {
		pb, err := openPebbleBacking(s.cfg.Dir)
		if err != nil {
			return err
		}
		s.pebble = pb
		backing = pb
	} else {
		backing = newMemoryBacking()
	}
	s.backing = backing

	s.trees = map[Tag]*merkleTree{
		Data: newMerkleTree(Data, denseDepth, 0x10, 0x11, backing),
		Root: newMerkleTree(Root, denseDepth, 0x20, 0x21, backing),
		Defi: newMerkleTree(Defi, denseDepth, 0x30, 0x31, backing),
		Null: newMerkleTree(Null, sparseDepth, 0x00, 0x01, backing),
	}
	s.started = true
	return nil
}

// Stop closes the backing store. Any uncommitted staged writes are
// discarded implicitly (they were never durable).
func (s *TreeStore) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil
	}
	s.started = false
	if s.pebble != nil {
		return s.pebble.close()
	}
	return nil
}

func (s *TreeStore) tree(tag Tag) (*merkleTree, error) {
	if !s.started {
		return nil, ErrNotStarted
	}
	t, ok := s.trees[tag]
	if !ok {
		return nil, fmt.Errorf("treestore: unknown tag %v", tag)
	}
	return t, nil
}

// GetSize returns the number of leaves written to tag so far, including
// staged (not yet committed) writes.
func (s *TreeStore) GetSize(tag Tag) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.tree(tag)
	if err != nil {
		return 0, err
	}
	return t.size(), nil
}

// GetRoot returns the current root of tag, including staged writes.
func (s *TreeStore) GetRoot(tag Tag) (common.Hash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.tree(tag)
	if err != nil {
		return common.Hash{}, err
	}
	return t.root(), nil
}

// Put stages a write of leafBytes at the given absolute index in tag. The
// write is visible to subsequent Get calls but not durable until Commit.
func (s *TreeStore) Put(tag Tag, index *uint256.Int, leafBytes []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.tree(tag)
	if err != nil {
		return err
	}
	t.put(index, leafBytes)
	return nil
}

// HasLeaf reports whether index has ever been written to tag (committed or
// staged). Used by apply-rollup-to-trees to detect "trees already contain
// these leaves" after a relational-store-only wipe.
func (s *TreeStore) HasLeaf(tag Tag, index *uint256.Int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.tree(tag)
	if err != nil {
		return false, err
	}
	return t.hasLeaf(index), nil
}

// Commit durably persists all staged writes across all four trees through
// one shared batch, so the whole write lands behind a single fsync. Without
// this, a crash between two trees' commits (or between a tree's node batch
// and its separate leaf-count write) can leave the trees inconsistent with
// each other in a way apply-rollup-to-trees' replay guard cannot detect: the
// guard trips on DATA's size alone and silently skips NULL/ROOT/DEFI
// forever if those never made it to disk.
func (s *TreeStore) Commit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return ErrNotStarted
	}

	batch := s.backing.newBatch()
	applyFns := make([]func(), 0, 4)
	for _, tag := range []Tag{Data, Null, Root, Defi} {
		apply, err := s.trees[tag].stageCommit(batch)
		if err != nil {
			return fmt.Errorf("treestore: staging %s: %w", tag, err)
		}
		applyFns = append(applyFns, apply)
	}
	if err := batch.commit(); err != nil {
		return fmt.Errorf("treestore: committing batch: %w", err)
	}
	for _, apply := range applyFns {
		apply()
	}
	return nil
}

// Rollback discards all staged writes across all four trees.
func (s *TreeStore) Rollback() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return ErrNotStarted
	}
	for _, tag := range []Tag{Data, Null, Root, Defi} {
		s.trees[tag].rollback()
	}
	return nil
}

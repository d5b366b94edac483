package initfiles

import (
	"github.com/holiman/uint256"

	"github.com/rollupchain/falafel/treestore"
)

// PopulateDataAndRootsTrees stages every account record's data leaves into
// the DATA tree, sequentially from index 0, and stages the resulting DATA
// root into ROOT tree index 0. Returns without committing; the caller
// verifies the resulting roots before calling Commit.
func PopulateDataAndRootsTrees(store *treestore.TreeStore, records []AccountRecord) error {
	idx := uint64(0)
	for _, rec := range records {
		for _, leaf := range rec.DataLeaves {
			if err := store.Put(treestore.Data, uint256.NewInt(idx), leaf); err != nil {
				return err
			}
			idx++
		}
	}
	dataRoot, err := store.GetRoot(treestore.Data)
	if err != nil {
		return err
	}
	return store.Put(treestore.Root, uint256.NewInt(0), dataRoot[:])
}

// PopulateNullifierTree stages every account record's nullifiers into the
// NULL tree, keyed by nullifier value.
func PopulateNullifierTree(store *treestore.TreeStore, records []AccountRecord) error {
	for _, rec := range records {
		for _, n := range rec.Nullifiers {
			idx := new(uint256.Int).SetBytes(n[:])
			if err := store.Put(treestore.Null, idx, NullifierLeafValue()); err != nil {
				return err
			}
		}
	}
	return nil
}

// NullifierLeafValue is the canonical "spent" marker written to every
// nullifier leaf: a 32-byte big-endian encoding of 1. Shared with the
// synchronizer's apply-rollup-to-trees step so both paths write an
// identical leaf value for a spent nullifier.
func NullifierLeafValue() []byte {
	v := make([]byte, 32)
	v[31] = 1
	return v
}

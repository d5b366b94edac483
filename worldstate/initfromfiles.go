package worldstate

import (
	"fmt"

	"github.com/rollupchain/falafel/domain"
	"github.com/rollupchain/falafel/initfiles"
	"github.com/rollupchain/falafel/treestore"
)

// initFromFiles is §4.5.1, run only when the relational store is empty
// (nextRollupId == 0). Absence of an init file set for the configured chain
// id is a valid no-op; any root mismatch once the trees are populated is
// fatal, since it means the genesis dataset does not agree with the chain
// it is meant to seed.
func (s *Synchronizer) initFromFiles() error {
	path, err := s.initR.GetAccountDataFile(s.cfg.ChainID)
	if err != nil {
		return err
	}
	if path == "" {
		return nil
	}

	roots, err := s.initR.GetInitRoots(s.cfg.ChainID)
	if err != nil {
		return err
	}
	if roots.IsZero() {
		return nil
	}

	records, err := s.initR.ReadAccountTreeData(path)
	if err != nil {
		return err
	}

	if err := initfiles.PopulateDataAndRootsTrees(s.trees, records); err != nil {
		return err
	}
	if err := initfiles.PopulateNullifierTree(s.trees, records); err != nil {
		return err
	}

	dataRoot, err := s.trees.GetRoot(treestore.Data)
	if err != nil {
		return err
	}
	nullRoot, err := s.trees.GetRoot(treestore.Null)
	if err != nil {
		return err
	}
	rootsRoot, err := s.trees.GetRoot(treestore.Root)
	if err != nil {
		return err
	}

	if dataRoot != roots.DataRoot || nullRoot != roots.NullRoot || rootsRoot != roots.RootsRoot {
		return fmt.Errorf("worldstate: init-from-files root mismatch: got (data=%s null=%s roots=%s), want (data=%s null=%s roots=%s)",
			dataRoot, nullRoot, rootsRoot, roots.DataRoot, roots.NullRoot, roots.RootsRoot)
	}

	if err := s.trees.Commit(); err != nil {
		return err
	}

	accounts := make([]*domain.AccountDao, 0, len(records))
	for _, rec := range records {
		accounts = append(accounts, &domain.AccountDao{
			AliasHash: rec.AliasHash,
			AccountPK: rec.AccountPK,
			Nonce:     rec.Nonce,
		})
	}
	return s.db.AddAccounts(accounts)
}

// syncFromChain is §4.5.2: fetch every block from fromRollupID onward and
// replay update-dbs on each in order, catching the relational store up to
// whatever the chain already carries.
func (s *Synchronizer) syncFromChain(fromRollupID uint64) error {
	blocks, err := s.chain.GetBlocks(fromRollupID)
	if err != nil {
		return err
	}
	for _, block := range blocks {
		if err := s.updateDBs(block); err != nil {
			return err
		}
	}
	return nil
}

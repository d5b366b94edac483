package worldstate

import (
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/rollupchain/falafel/blockcache"
	"github.com/rollupchain/falafel/chainsource"
	"github.com/rollupchain/falafel/domain"
	"github.com/rollupchain/falafel/initfiles"
	"github.com/rollupchain/falafel/metricssink"
	"github.com/rollupchain/falafel/pipeline"
	"github.com/rollupchain/falafel/rollupdb"
	"github.com/rollupchain/falafel/treestore"
)

// noFilesReader is an initfiles.Reader with no genesis artifacts for any
// chain id, exercising the cold-start-with-no-init-file path.
type noFilesReader struct{}

func (noFilesReader) GetAccountDataFile(chainID uint64) (string, error) { return "", nil }
func (noFilesReader) ReadAccountTreeData(path string) ([]initfiles.AccountRecord, error) {
	return nil, nil
}
func (noFilesReader) GetInitRoots(chainID uint64) (initfiles.InitRoots, error) {
	return initfiles.InitRoots{}, nil
}

// noopBuilder never has anything to publish, keeping the pipeline each test
// harness spins up from interfering with hand-constructed fixtures.
type noopBuilder struct{}

func (noopBuilder) Build(rollupID uint64, dataStartIndex uint64, txs []*domain.TxDao) (*domain.RollupProofData, [][]byte, error) {
	return nil, nil, nil
}

func newHarness(t *testing.T) (*Synchronizer, *rollupdb.Store, *chainsource.Memory, *blockcache.Cache) {
	t.Helper()
	trees := treestore.New(treestore.DefaultConfig())
	db, err := rollupdb.Open(rollupdb.Config{Path: filepath.Join(t.TempDir(), "db")})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })
	chain := chainsource.NewMemory(1)
	cache := blockcache.New()

	s := New(Config{
		ChainID:        1,
		Trees:          trees,
		DB:             db,
		Chain:          chain,
		Cache:          cache,
		Metrics:        metricssink.NoOp{},
		InitReader:     noFilesReader{},
		PipelineConfig: pipeline.DefaultConfig(),
		Builder:        noopBuilder{},
	})
	require.NoError(t, s.Start())
	t.Cleanup(func() { require.NoError(t, s.Stop()) })
	return s, db, chain, cache
}

// computeReplayRoots runs applyRollupToTrees against a throwaway tree store
// to determine what roots a given set of inner proofs/defi notes would
// produce, letting tests construct a block whose bytes are internally
// consistent without duplicating the tree-mutation logic under test.
func computeReplayRoots(t *testing.T, rollupID, dataStartIndex uint64, innerProofs []domain.InnerProof, notes [domain.NumBridgeCallsPerBlock]domain.DefiInteractionNote) (dataRoot, nullRoot, rootsRoot, defiRoot common.Hash) {
	t.Helper()
	trees := treestore.New(treestore.DefaultConfig())
	require.NoError(t, trees.Start())
	defer trees.Stop()

	tmp := &Synchronizer{trees: trees}
	proof := &domain.RollupProofData{
		RollupID:             rollupID,
		DataStartIndex:       dataStartIndex,
		InnerProofData:       innerProofs,
		DefiInteractionNotes: notes,
	}
	require.NoError(t, tmp.applyRollupToTrees(proof))

	d, err := trees.GetRoot(treestore.Data)
	require.NoError(t, err)
	n, err := trees.GetRoot(treestore.Null)
	require.NoError(t, err)
	r, err := trees.GetRoot(treestore.Root)
	require.NoError(t, err)
	f, err := trees.GetRoot(treestore.Defi)
	require.NoError(t, err)
	return d, n, r, f
}

func waitForRollup(t *testing.T, db *rollupdb.Store, rollupID uint64) *domain.RollupDao {
	t.Helper()
	var out *domain.RollupDao
	require.Eventually(t, func() bool {
		r, err := db.GetRollup(rollupID)
		if err != nil {
			return false
		}
		if r.Mined == nil {
			return false
		}
		out = r
		return true
	}, 2*time.Second, 10*time.Millisecond)
	return out
}

// S1: cold start, no init file, empty chain.
func TestColdStartWithNoInitFile(t *testing.T) {
	s, db, _, cache := newHarness(t)

	next, err := db.GetNextRollupID()
	require.NoError(t, err)
	require.Equal(t, uint64(0), next)
	require.Equal(t, uint64(0), cache.Len())

	fresh := treestore.New(treestore.DefaultConfig())
	require.NoError(t, fresh.Start())
	defer fresh.Stop()
	for _, tag := range []treestore.Tag{treestore.Data, treestore.Null, treestore.Root, treestore.Defi} {
		want, err := fresh.GetRoot(tag)
		require.NoError(t, err)
		got, err := s.trees.GetRoot(tag)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
}

// fixedRootsReader is an initfiles.Reader serving one chain id's account
// roster and a fixed set of expected roots, letting tests exercise both
// the match and mismatch paths of init-from-files.
type fixedRootsReader struct {
	chainID uint64
	records []initfiles.AccountRecord
	roots   initfiles.InitRoots
}

func (r fixedRootsReader) GetAccountDataFile(chainID uint64) (string, error) {
	if chainID != r.chainID {
		return "", nil
	}
	return "accounts.json", nil
}

func (r fixedRootsReader) ReadAccountTreeData(path string) ([]initfiles.AccountRecord, error) {
	return r.records, nil
}

func (r fixedRootsReader) GetInitRoots(chainID uint64) (initfiles.InitRoots, error) {
	if chainID != r.chainID {
		return initfiles.InitRoots{}, nil
	}
	return r.roots, nil
}

func sampleAccountRecords() []initfiles.AccountRecord {
	return []initfiles.AccountRecord{
		{
			AliasHash:  common.HexToHash("0xa1"),
			AccountPK:  common.HexToHash("0xb1"),
			Nonce:      1,
			Nullifiers: []common.Hash{common.HexToHash("0x1001")},
			DataLeaves: [][]byte{[]byte("leaf-a-1"), []byte("leaf-a-2")},
		},
		{
			AliasHash:  common.HexToHash("0xa2"),
			AccountPK:  common.HexToHash("0xb2"),
			Nonce:      1,
			Nullifiers: []common.Hash{common.HexToHash("0x1002")},
			DataLeaves: [][]byte{[]byte("leaf-b-1"), []byte("leaf-b-2")},
		},
	}
}

// computeInitRoots runs the same population helpers init-from-files uses,
// against a throwaway tree store, to determine what roots a given account
// roster actually produces.
func computeInitRoots(t *testing.T, records []initfiles.AccountRecord) initfiles.InitRoots {
	t.Helper()
	trees := treestore.New(treestore.DefaultConfig())
	require.NoError(t, trees.Start())
	defer trees.Stop()

	require.NoError(t, initfiles.PopulateDataAndRootsTrees(trees, records))
	require.NoError(t, initfiles.PopulateNullifierTree(trees, records))

	dataRoot, err := trees.GetRoot(treestore.Data)
	require.NoError(t, err)
	nullRoot, err := trees.GetRoot(treestore.Null)
	require.NoError(t, err)
	rootsRoot, err := trees.GetRoot(treestore.Root)
	require.NoError(t, err)
	return initfiles.InitRoots{DataRoot: dataRoot, NullRoot: nullRoot, RootsRoot: rootsRoot}
}

// S2: init-from-files populates the trees and persists accounts when the
// roster hashes to the expected roots.
func TestInitFromFilesPopulatesWhenRootsMatch(t *testing.T) {
	records := sampleAccountRecords()
	roots := computeInitRoots(t, records)

	trees := treestore.New(treestore.DefaultConfig())
	db, err := rollupdb.Open(rollupdb.Config{Path: filepath.Join(t.TempDir(), "db")})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })
	chain := chainsource.NewMemory(1)
	cache := blockcache.New()

	s := New(Config{
		ChainID:        7,
		Trees:          trees,
		DB:             db,
		Chain:          chain,
		Cache:          cache,
		Metrics:        metricssink.NoOp{},
		InitReader:     fixedRootsReader{chainID: 7, records: records, roots: roots},
		PipelineConfig: pipeline.DefaultConfig(),
		Builder:        noopBuilder{},
	})
	require.NoError(t, s.Start())
	t.Cleanup(func() { require.NoError(t, s.Stop()) })

	for _, rec := range records {
		acc, err := db.GetAccount(rec.AliasHash)
		require.NoError(t, err)
		require.Equal(t, rec.AccountPK, acc.AccountPK)
	}

	gotData, err := s.trees.GetRoot(treestore.Data)
	require.NoError(t, err)
	require.Equal(t, roots.DataRoot, gotData)
}

// S2: a root mismatch between the expected genesis roots and what the
// roster actually produces aborts startup.
func TestInitFromFilesAbortsOnRootMismatch(t *testing.T) {
	records := sampleAccountRecords()
	wrongRoots := initfiles.InitRoots{
		DataRoot:  common.HexToHash("0xbad"),
		NullRoot:  common.HexToHash("0xbad"),
		RootsRoot: common.HexToHash("0xbad"),
	}

	trees := treestore.New(treestore.DefaultConfig())
	db, err := rollupdb.Open(rollupdb.Config{Path: filepath.Join(t.TempDir(), "db")})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })

	s := New(Config{
		ChainID:        7,
		Trees:          trees,
		DB:             db,
		Chain:          chainsource.NewMemory(1),
		Cache:          blockcache.New(),
		Metrics:        metricssink.NoOp{},
		InitReader:     fixedRootsReader{chainID: 7, records: records, roots: wrongRoots},
		PipelineConfig: pipeline.DefaultConfig(),
		Builder:        noopBuilder{},
	})
	require.Error(t, s.Start())
}

// S3: our rollup lands — trees already staged with our writes, and the
// matching block confirms them.
func TestOurRollupLands(t *testing.T) {
	s, db, chain, _ := newHarness(t)

	txHash := common.HexToHash("0x01")
	nc1 := common.HexToHash("0xaa")
	nc2 := common.HexToHash("0xbb")

	require.NoError(t, s.trees.Put(treestore.Data, uint256.NewInt(0), nc1[:]))
	require.NoError(t, s.trees.Put(treestore.Data, uint256.NewInt(1), nc2[:]))
	dataRoot, err := s.trees.GetRoot(treestore.Data)
	require.NoError(t, err)
	require.NoError(t, s.trees.Put(treestore.Root, uint256.NewInt(1), dataRoot[:]))
	rootsRoot, err := s.trees.GetRoot(treestore.Root)
	require.NoError(t, err)
	nullRoot, err := s.trees.GetRoot(treestore.Null)
	require.NoError(t, err)
	defiRoot, err := s.trees.GetRoot(treestore.Defi)
	require.NoError(t, err)

	rollupHash := common.HexToHash("0xdead")
	require.NoError(t, s.db.AddPendingRollupProof(0, dataRoot, &domain.RollupProofDao{
		RollupHash:     rollupHash,
		Txs:            []*domain.TxDao{{ID: txHash, Created: 1}},
		RollupSize:     1,
		DataStartIndex: 0,
	}, 1))

	proof := &domain.RollupProofData{
		RollupID:         0,
		RollupHash:       rollupHash,
		DataStartIndex:   0,
		NewDataRoot:      dataRoot,
		NewNullRoot:      nullRoot,
		NewDataRootsRoot: rootsRoot,
		NewDefiRoot:      defiRoot,
		AssetIDs:         []uint64{1},
		InnerProofData: []domain.InnerProof{{
			ProofID:         domain.ProofDeposit,
			TxID:            txHash,
			NoteCommitment1: nc1,
			NoteCommitment2: nc2,
			Nullifier1:      uint256.NewInt(0),
			Nullifier2:      uint256.NewInt(0),
		}},
	}

	block := &domain.Block{
		RollupID:        0,
		Created:         100,
		EthTxHash:        common.HexToHash("0xbeef"),
		RollupSize:       1,
		RollupProofData:  proof.Encode(),
		OffchainTxData:   [][]byte{domain.OffchainValueTxData{AssetID: 1, Value: big.NewInt(42)}.Encode()},
		GasUsed:          1_000_000,
		GasPrice:         big.NewInt(30_000_000_000),
	}

	chain.Push(block)

	r := waitForRollup(t, db, 0)
	require.Equal(t, common.HexToHash("0xbeef"), r.EthTxHash)
	require.EqualValues(t, 1_000_000, r.GasUsed)

	gotRoot, err := s.trees.GetRoot(treestore.Data)
	require.NoError(t, err)
	require.Equal(t, dataRoot, gotRoot)
}

// S4: a competitor's rollup arrives for a rollupId we had staged writes
// for. The synchronizer must roll back our speculative writes, replay the
// competitor's leaves, and mark our proof orphaned.
func TestCompetitorRollup(t *testing.T) {
	s, db, chain, _ := newHarness(t)

	require.NoError(t, s.trees.Put(treestore.Data, uint256.NewInt(0), []byte("our-speculative-leaf")))
	ourHash := common.HexToHash("0x0001")
	require.NoError(t, db.AddPendingRollupProof(0, common.Hash{}, &domain.RollupProofDao{
		RollupHash: ourHash,
		RollupSize: 0,
	}, 1))

	theirTxHash := common.HexToHash("0x02")
	nc1 := common.HexToHash("0xcc")
	nc2 := common.HexToHash("0xdd")
	innerProofs := []domain.InnerProof{{
		ProofID:         domain.ProofDeposit,
		TxID:            theirTxHash,
		NoteCommitment1: nc1,
		NoteCommitment2: nc2,
		Nullifier1:      uint256.NewInt(0),
		Nullifier2:      uint256.NewInt(0),
	}}
	dataRoot, nullRoot, rootsRoot, defiRoot := computeReplayRoots(t, 0, 0, innerProofs, [domain.NumBridgeCallsPerBlock]domain.DefiInteractionNote{})

	theirHash := common.HexToHash("0x0002")
	proof := &domain.RollupProofData{
		RollupID:         0,
		RollupHash:       theirHash,
		DataStartIndex:   0,
		NewDataRoot:      dataRoot,
		NewNullRoot:      nullRoot,
		NewDataRootsRoot: rootsRoot,
		NewDefiRoot:      defiRoot,
		InnerProofData:   innerProofs,
	}
	block := &domain.Block{
		RollupID:        0,
		Created:         200,
		EthTxHash:        common.HexToHash("0xface"),
		RollupSize:       1,
		RollupProofData:  proof.Encode(),
		OffchainTxData:   [][]byte{domain.OffchainValueTxData{}.Encode()},
	}

	chain.Push(block)

	r := waitForRollup(t, db, 0)
	require.Equal(t, theirHash, r.RollupProof.RollupHash)
	require.Equal(t, common.HexToHash("0xface"), r.EthTxHash)

	gotRoot, err := s.trees.GetRoot(treestore.Data)
	require.NoError(t, err)
	require.Equal(t, dataRoot, gotRoot)

	require.NoError(t, db.DeleteOrphanedRollupProofs())
	_, err = db.GetRollupProof(ourHash, false)
	require.ErrorIs(t, err, rollupdb.ErrNotFound)
}

// S5: DEFI_DEPOSIT bookkeeping — interactionNonce and fee formulas.
func TestDefiDepositBookkeeping(t *testing.T) {
	s, db, _, _ := newHarness(t)

	var bridgeIDs [domain.NumBridgeCallsPerBlock]uint64
	bridgeIDs[2] = 999

	innerProofs := make([]domain.InnerProof, 8)
	for i := 0; i < 7; i++ {
		innerProofs[i] = domain.InnerProof{ProofID: domain.ProofPadding}
	}
	innerProofs[7] = domain.InnerProof{
		ProofID:    domain.ProofDefiDeposit,
		TxID:       common.HexToHash("0x09"),
		Nullifier1: uint256.NewInt(0),
		Nullifier2: uint256.NewInt(0),
	}

	psHash := common.HexToHash("0x11")
	pskHash := common.HexToHash("0x22")
	offchain := domain.OffchainDefiDepositData{
		BridgeID:                    999,
		TxFee:                       big.NewInt(10),
		DepositValue:                big.NewInt(500),
		PartialState:                psHash,
		PartialStateSecretEphPubKey: pskHash,
	}

	proof := &domain.RollupProofData{
		RollupID:       2,
		DataStartIndex: 100,
		BridgeIDs:      bridgeIDs,
		InnerProofData: innerProofs,
	}
	block := &domain.Block{
		RollupID:       2,
		Created:        123,
		OffchainTxData: [][]byte{offchain.Encode()},
	}

	require.NoError(t, s.processDefiProofs(block, proof))

	const expectedNonce = uint64(2) + 2*domain.NumBridgeCallsPerBlock
	commitment := s.noteAlgo.ComputeClaimNoteCommitment(999, big.NewInt(500), psHash, pskHash, expectedNonce)
	nullifier := s.noteAlgo.ComputeNullifier(commitment)

	claim, err := db.GetClaim(nullifier)
	require.NoError(t, err)
	require.Equal(t, expectedNonce, claim.InteractionNonce)
	require.Equal(t, 0, claim.Fee.Cmp(big.NewInt(5)))
	require.Equal(t, proof.DataStartIndex+2*7, claim.LeafIndex)
}

// S6: resetPipeline discards pending work and rolls back speculative tree
// writes without disturbing already-settled state.
func TestResetPipeline(t *testing.T) {
	s, db, _, _ := newHarness(t)

	baseline, err := s.trees.GetRoot(treestore.Data)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, db.AddTx(&domain.TxDao{ID: common.BigToHash(big.NewInt(int64(i) + 1)), Created: int64(i)}))
	}
	pendingHash := common.HexToHash("0x77")
	require.NoError(t, db.AddPendingRollupProof(5, common.Hash{}, &domain.RollupProofDao{RollupHash: pendingHash}, 1))
	require.NoError(t, s.trees.Put(treestore.Data, uint256.NewInt(0), []byte("scratch-leaf")))

	require.NoError(t, s.ResetPipeline())

	txs, err := db.GetPendingTxs()
	require.NoError(t, err)
	require.Empty(t, txs)

	_, err = db.GetRollup(5)
	require.ErrorIs(t, err, rollupdb.ErrNotFound)
	_, err = db.GetRollupProof(pendingHash, false)
	require.ErrorIs(t, err, rollupdb.ErrNotFound)

	root, err := s.trees.GetRoot(treestore.Data)
	require.NoError(t, err)
	require.Equal(t, baseline, root)
}

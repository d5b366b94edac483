package operator

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rollupchain/falafel/blockcache"
	"github.com/rollupchain/falafel/chainsource"
	"github.com/rollupchain/falafel/domain"
	"github.com/rollupchain/falafel/initfiles"
	"github.com/rollupchain/falafel/metricssink"
	"github.com/rollupchain/falafel/pipeline"
	"github.com/rollupchain/falafel/rollupdb"
	"github.com/rollupchain/falafel/treestore"
	"github.com/rollupchain/falafel/worldstate"
)

type noFilesReader struct{}

func (noFilesReader) GetAccountDataFile(chainID uint64) (string, error) { return "", nil }
func (noFilesReader) ReadAccountTreeData(path string) ([]initfiles.AccountRecord, error) {
	return nil, nil
}
func (noFilesReader) GetInitRoots(chainID uint64) (initfiles.InitRoots, error) {
	return initfiles.InitRoots{}, nil
}

type noopBuilder struct{}

func (noopBuilder) Build(rollupID uint64, dataStartIndex uint64, txs []*domain.TxDao) (*domain.RollupProofData, [][]byte, error) {
	return nil, nil, nil
}

func newTestOperator(t *testing.T) *Operator {
	t.Helper()
	db, err := rollupdb.Open(rollupdb.Config{Path: filepath.Join(t.TempDir(), "db")})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })

	sync := worldstate.New(worldstate.Config{
		ChainID:        1,
		Trees:          treestore.New(treestore.DefaultConfig()),
		DB:             db,
		Chain:          chainsource.NewMemory(1),
		Cache:          blockcache.New(),
		Metrics:        metricssink.NoOp{},
		InitReader:     noFilesReader{},
		PipelineConfig: pipeline.DefaultConfig(),
		Builder:        noopBuilder{},
	})
	require.NoError(t, sync.Start())
	t.Cleanup(func() { require.NoError(t, sync.Stop()) })

	return New(sync)
}

func TestGetNextPublishTimeReflectsRunningPipeline(t *testing.T) {
	op := newTestOperator(t)
	times, ok := op.GetNextPublishTime()
	require.True(t, ok)
	require.Equal(t, pipeline.DefaultConfig().BaseTimeout, times.BaseTimeout)
}

func TestGetTxPoolProfileStartsEmpty(t *testing.T) {
	op := newTestOperator(t)
	profile, err := op.GetTxPoolProfile()
	require.NoError(t, err)
	require.Equal(t, 0, profile.PendingCount)
}

func TestGetBlockBuffersStartsEmpty(t *testing.T) {
	op := newTestOperator(t)
	require.Empty(t, op.GetBlockBuffers(0))
}

func TestResetPipelineIsCallableThroughOperator(t *testing.T) {
	op := newTestOperator(t)
	require.NoError(t, op.ResetPipeline())
}

func TestFlushTxsIsCallableThroughOperator(t *testing.T) {
	op := newTestOperator(t)
	op.FlushTxs()
}

package pipeline

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/rollupchain/falafel/chainsource"
	"github.com/rollupchain/falafel/domain"
	"github.com/rollupchain/falafel/rollupdb"
)

type stubBuilder struct {
	built chan struct{}
}

func (b *stubBuilder) Build(rollupID uint64, dataStartIndex uint64, txs []*domain.TxDao) (*domain.RollupProofData, [][]byte, error) {
	select {
	case b.built <- struct{}{}:
	default:
	}
	return &domain.RollupProofData{RollupID: rollupID, RollupHash: common.HexToHash("0xaa"), DataStartIndex: dataStartIndex}, nil, nil
}

func newTestDB(t *testing.T) *rollupdb.Store {
	t.Helper()
	s, err := rollupdb.Open(rollupdb.Config{Path: filepath.Join(t.TempDir(), "db")})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s
}

func TestPipelinePublishesPendingTxsAndRecordsPendingRollup(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.AddTx(&domain.TxDao{ID: common.HexToHash("0x01"), Created: 1}))

	chain := chainsource.NewMemory(1)
	chain.PublishFunc = func(proof *domain.RollupProofData, offchain [][]byte) (common.Hash, error) {
		return common.HexToHash("0xbeef"), nil
	}

	builder := &stubBuilder{built: make(chan struct{}, 1)}
	cfg := DefaultConfig()
	cfg.PollInterval = 10 * time.Millisecond
	p := New(cfg, db, chain, builder)
	p.Start()
	defer p.Stop()

	select {
	case <-builder.built:
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline never attempted to build a rollup")
	}

	require.Eventually(t, func() bool {
		next, err := db.GetNextRollupID()
		return err == nil && next == 1
	}, time.Second, 10*time.Millisecond)
}

func TestFlushTxsTriggersImmediatePublish(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.AddTx(&domain.TxDao{ID: common.HexToHash("0x01"), Created: 1}))

	chain := chainsource.NewMemory(1)
	chain.PublishFunc = func(proof *domain.RollupProofData, offchain [][]byte) (common.Hash, error) {
		return common.Hash{}, nil
	}
	builder := &stubBuilder{built: make(chan struct{}, 1)}
	cfg := DefaultConfig()
	cfg.PollInterval = time.Hour
	p := New(cfg, db, chain, builder)
	p.Start()
	defer p.Stop()

	p.FlushTxs()
	select {
	case <-builder.built:
	case <-time.After(2 * time.Second):
		t.Fatal("flush did not trigger a publish attempt")
	}
}

func TestGetTxPoolProfileAndPublishTimes(t *testing.T) {
	db := newTestDB(t)
	chain := chainsource.NewMemory(1)
	p := New(DefaultConfig(), db, chain, &stubBuilder{built: make(chan struct{}, 1)})

	profile, err := p.GetTxPoolProfile()
	require.NoError(t, err)
	require.Equal(t, 0, profile.PendingCount)

	times := p.GetNextPublishTime()
	require.Equal(t, 3*time.Second, times.BaseTimeout)
	require.Len(t, times.BridgeTimeouts, int(domain.NumBridgeCallsPerBlock))
}

func TestStopIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	chain := chainsource.NewMemory(1)
	p := New(DefaultConfig(), db, chain, &stubBuilder{built: make(chan struct{}, 1)})
	p.Start()
	p.Stop()
	p.Stop()
}

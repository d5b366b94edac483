package blockcache

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rollupchain/falafel/domain"
)

func TestAppendAndGetFrom(t *testing.T) {
	c := New()
	require.NoError(t, c.Append(&domain.Block{RollupID: 0}))
	require.NoError(t, c.Append(&domain.Block{RollupID: 1}))
	require.NoError(t, c.Append(&domain.Block{RollupID: 2}))

	require.Equal(t, uint64(3), c.Len())
	require.Len(t, c.GetFrom(1), 2)
	require.Len(t, c.GetFrom(3), 0)
	require.Len(t, c.GetFrom(10), 0)
}

func TestAppendRejectsGaps(t *testing.T) {
	c := New()
	require.NoError(t, c.Append(&domain.Block{RollupID: 0}))
	err := c.Append(&domain.Block{RollupID: 5})
	require.Error(t, err)
}

func TestRebuildReplacesContents(t *testing.T) {
	c := New()
	require.NoError(t, c.Append(&domain.Block{RollupID: 0}))
	require.NoError(t, c.Rebuild([]*domain.Block{{RollupID: 0}, {RollupID: 1}}))
	require.Equal(t, uint64(2), c.Len())
}

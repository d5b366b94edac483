package blockqueue

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rollupchain/falafel/domain"
)

func block(id uint64) *domain.Block { return &domain.Block{RollupID: id} }

func TestProcessesBlocksStrictlyInOrder(t *testing.T) {
	q := New()
	var mu sync.Mutex
	var seen []uint64
	var wg sync.WaitGroup
	wg.Add(3)
	q.Process(func(b *domain.Block) {
		mu.Lock()
		seen = append(seen, b.RollupID)
		mu.Unlock()
		wg.Done()
	})

	q.Put(block(0))
	q.Put(block(1))
	q.Put(block(2))

	waitWithTimeout(t, &wg)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []uint64{0, 1, 2}, seen)
}

func TestCancelStopsConsumerAfterInFlightHandler(t *testing.T) {
	q := New()
	started := make(chan struct{})
	release := make(chan struct{})
	var handled int
	q.Process(func(b *domain.Block) {
		close(started)
		<-release
		handled++
	})

	q.Put(block(0))
	<-started
	q.Put(block(1)) // queued but must be dropped by Cancel
	q.Cancel()
	close(release)

	select {
	case <-q.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not exit after cancel")
	}
	require.Equal(t, 1, handled, "queued block must be dropped, not processed")
	require.Equal(t, 0, q.Len())
}

func TestPutAfterCancelIsDropped(t *testing.T) {
	q := New()
	q.Process(func(*domain.Block) {})
	q.Cancel()
	<-q.Done()
	q.Put(block(0))
	require.Equal(t, 0, q.Len())
}

func waitWithTimeout(t *testing.T, wg *sync.WaitGroup) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for handlers")
	}
}

package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func noopLogger() *zap.Logger { return zap.NewNop() }

func TestCriticalNeverWaits(t *testing.T) {
	s := New(noopLogger())
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = s.Run(ctx, Normal, func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started
	time.Sleep(20 * time.Millisecond)

	// A CRITICAL call must proceed immediately even while NORMAL work is
	// "in flight" conceptually — the gate only blocks NORMAL behind
	// CRITICAL, never the reverse.
	done := make(chan struct{})
	go func() {
		_ = s.Run(ctx, Critical, func(ctx context.Context) error {
			close(done)
			return nil
		})
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("CRITICAL call blocked")
	}
	close(release)
	wg.Wait()
}

func TestNormalWaitsForCriticalThenProceeds(t *testing.T) {
	s := New(noopLogger())
	ctx := context.Background()

	s.enterCritical()

	var normalRan int32
	done := make(chan struct{})
	go func() {
		_ = s.Run(ctx, Normal, func(ctx context.Context) error {
			atomic.StoreInt32(&normalRan, 1)
			return nil
		})
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&normalRan), "NORMAL must wait while CRITICAL is in flight")

	s.exitCritical()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("NORMAL call never proceeded after CRITICAL released")
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&normalRan))
}

func TestGlobalRateLimitSerializesCalls(t *testing.T) {
	s := New(noopLogger())
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		err := s.Run(ctx, High, func(ctx context.Context) error { return nil })
		require.NoError(t, err)
	}
	elapsed := time.Since(start)
	// Three calls at >=250ms apart means at least ~500ms total.
	assert.GreaterOrEqual(t, elapsed, 400*time.Millisecond)
}

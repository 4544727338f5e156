package ratelimit

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGateSpacesConsecutiveGrants(t *testing.T) {
	t.Parallel()

	const interval = 20 * time.Millisecond
	g := NewGate("spacing", interval)
	ctx := context.Background()

	var (
		mu     sync.Mutex
		grants []time.Time
		wg     sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			at, err := g.Acquire(ctx)
			assert.NoError(t, err)
			mu.Lock()
			grants = append(grants, at)
			mu.Unlock()
		}()
	}
	wg.Wait()

	sort.Slice(grants, func(i, j int) bool { return grants[i].Before(grants[j]) })
	for i := 1; i < len(grants); i++ {
		gap := grants[i].Sub(grants[i-1])
		assert.GreaterOrEqual(t, gap, interval, "grant %d came %v after the previous one", i, gap)
	}
}

func TestGateGrantsInArrivalOrder(t *testing.T) {
	t.Parallel()

	g := NewGate("fifo", 100*time.Millisecond)
	ctx := context.Background()
	_, err := g.Acquire(ctx)
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := g.Acquire(ctx)
			assert.NoError(t, err)
			mu.Lock()
			order = append(order, n)
			mu.Unlock()
		}(i)
		// Stagger arrivals so each caller is parked before the next one arrives.
		require.Eventually(t, func() bool {
			g.mu.Lock()
			defer g.mu.Unlock()
			return g.waiting == i+1
		}, time.Second, time.Millisecond)
		time.Sleep(2 * time.Millisecond)
	}
	wg.Wait()
	assert.Equal(t, []int{0, 1, 2, 3}, order)
}

func TestGateFirstAcquireIsImmediate(t *testing.T) {
	t.Parallel()

	g := NewGate("first", time.Hour)
	assert.True(t, g.ReadyAt().IsZero())

	start := time.Now()
	_, err := g.Acquire(context.Background())
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 50*time.Millisecond)
	assert.True(t, g.ReadyAt().After(time.Now().Add(59*time.Minute)))
}

func TestGateAcquireHonoursCancellation(t *testing.T) {
	t.Parallel()

	g := NewGate("cancel", time.Hour)
	_, err := g.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = g.Acquire(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// The token must have been returned for later callers.
	select {
	case <-g.token:
		g.token <- struct{}{}
	default:
		t.Fatal("token leaked after cancellation")
	}
}

func TestLimiterSourcesAreIndependent(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultInterval: time.Second})
	l.Register("a", time.Hour)
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "a"))

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "b"))
	assert.Less(t, time.Since(start), 50*time.Millisecond, "source b blocked by source a")
	assert.Equal(t, time.Second, l.Gate("b").Interval())
	assert.Equal(t, time.Hour, l.Gate("a").Interval())
}

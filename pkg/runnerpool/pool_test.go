package runnerpool

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/crankci/crank/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(runners ...*models.Runner) *Pool {
	return NewPool(slog.Default(), runners)
}

func TestPool_AcquireSupersetMatch(t *testing.T) {
	pool := newTestPool(
		&models.Runner{ID: "linux-1", Labels: []string{"linux", "x64"}},
		&models.Runner{ID: "mac-1", Labels: []string{"macos", "arm64"}},
	)

	runner, err := pool.Acquire(t.Context(), []string{"linux"})
	require.NoError(t, err)
	assert.Equal(t, "linux-1", runner.ID)

	runner, err = pool.Acquire(t.Context(), []string{"macos", "arm64"})
	require.NoError(t, err)
	assert.Equal(t, "mac-1", runner.ID)
}

func TestPool_NoMatchingRunnerFailsFast(t *testing.T) {
	pool := newTestPool(&models.Runner{ID: "linux-1", Labels: []string{"linux"}})

	_, err := pool.Acquire(t.Context(), []string{"windows"})
	require.ErrorIs(t, err, ErrNoMatchingRunner)
}

func TestPool_QueuesUntilRelease(t *testing.T) {
	pool := newTestPool(&models.Runner{ID: "linux-1", Labels: []string{"linux"}})

	first, err := pool.Acquire(t.Context(), []string{"linux"})
	require.NoError(t, err)

	acquired := make(chan *models.Runner, 1)

	go func() {
		runner, err := pool.Acquire(context.Background(), []string{"linux"})
		if err == nil {
			acquired <- runner
		}
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire should block while the runner is held")
	case <-time.After(50 * time.Millisecond):
	}

	pool.Release(first)

	select {
	case runner := <-acquired:
		assert.Equal(t, "linux-1", runner.ID)
	case <-time.After(time.Second):
		t.Fatal("queued acquire was not served after release")
	}
}

func TestPool_FIFOWithinCapabilityClass(t *testing.T) {
	pool := newTestPool(&models.Runner{ID: "linux-1", Labels: []string{"linux"}})

	held, err := pool.Acquire(t.Context(), []string{"linux"})
	require.NoError(t, err)

	const queued = 5

	var order []int

	var mu sync.Mutex

	var wg sync.WaitGroup

	start := make(chan struct{})

	for i := range queued {
		wg.Add(1)

		go func() {
			defer wg.Done()

			<-start
			// Stagger enqueueing so queue order matches i.
			time.Sleep(time.Duration(i*20) * time.Millisecond)

			runner, err := pool.Acquire(context.Background(), []string{"linux"})
			if err != nil {
				return
			}

			mu.Lock()
			order = append(order, i)
			mu.Unlock()

			pool.Release(runner)
		}()
	}

	close(start)
	// Let every goroutine enqueue before releasing the held runner.
	time.Sleep(time.Duration(queued*20+50) * time.Millisecond)
	pool.Release(held)
	wg.Wait()

	require.Len(t, order, queued)
	assert.IsIncreasing(t, order)
}

func TestPool_ReserveOrdersQueueDeterministically(t *testing.T) {
	pool := newTestPool(&models.Runner{ID: "linux-1", Labels: []string{"linux"}})

	held, err := pool.Acquire(t.Context(), []string{"linux"})
	require.NoError(t, err)

	// Reservations take their queue slot synchronously.
	reservations := make([]*Reservation, 0, 3)
	for range 3 {
		reservation, err := pool.Reserve([]string{"linux"})
		require.NoError(t, err)

		reservations = append(reservations, reservation)
	}

	var order []int

	var mu sync.Mutex

	var wg sync.WaitGroup

	for i, reservation := range reservations {
		wg.Add(1)

		go func() {
			defer wg.Done()

			runner, err := reservation.Wait(context.Background())
			if err != nil {
				return
			}

			mu.Lock()
			order = append(order, i)
			mu.Unlock()

			pool.Release(runner)
		}()
	}

	pool.Release(held)
	wg.Wait()

	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestPool_SingleOccupancyUnderConcurrency(t *testing.T) {
	pool := newTestPool(
		&models.Runner{ID: "linux-1", Labels: []string{"linux"}},
		&models.Runner{ID: "linux-2", Labels: []string{"linux"}},
	)

	occupancy := map[string]*atomic.Int32{
		"linux-1": {},
		"linux-2": {},
	}

	var violations atomic.Int32

	var wg sync.WaitGroup

	for range 40 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			runner, err := pool.Acquire(context.Background(), []string{"linux"})
			if err != nil {
				violations.Add(1)

				return
			}

			if occupancy[runner.ID].Add(1) > 1 {
				violations.Add(1)
			}

			time.Sleep(time.Millisecond)
			occupancy[runner.ID].Add(-1)
			pool.Release(runner)
		}()
	}

	wg.Wait()
	assert.Zero(t, violations.Load(), "a runner was held by two jobs at once")
}

func TestPool_AcquireCancelledContext(t *testing.T) {
	pool := newTestPool(&models.Runner{ID: "linux-1", Labels: []string{"linux"}})

	held, err := pool.Acquire(t.Context(), []string{"linux"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = pool.Acquire(ctx, []string{"linux"})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// The runner must still be usable after the abandoned wait.
	pool.Release(held)

	runner, err := pool.Acquire(t.Context(), []string{"linux"})
	require.NoError(t, err)
	assert.Equal(t, "linux-1", runner.ID)
}

func TestPool_WaitPrefersCancelledContext(t *testing.T) {
	pool := newTestPool(&models.Runner{ID: "linux-1", Labels: []string{"linux"}})

	// The reservation is granted synchronously, but the caller's context is
	// already dead by the time it redeems the claim.
	reservation, err := pool.Reserve([]string{"linux"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	runner, err := reservation.Wait(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, runner)

	// The granted runner went back into circulation.
	runner, err = pool.Acquire(t.Context(), []string{"linux"})
	require.NoError(t, err)
	assert.Equal(t, "linux-1", runner.ID)
}

func TestPool_RegisterServesWaiters(t *testing.T) {
	pool := newTestPool()

	acquired := make(chan *models.Runner, 1)

	_, err := pool.Acquire(t.Context(), []string{"gpu"})
	require.ErrorIs(t, err, ErrNoMatchingRunner)

	require.NoError(t, pool.Register(&models.Runner{ID: "gpu-1", Labels: []string{"gpu", "linux"}}))

	go func() {
		runner, err := pool.Acquire(context.Background(), []string{"gpu"})
		if err == nil {
			acquired <- runner
		}
	}()

	select {
	case runner := <-acquired:
		assert.Equal(t, "gpu-1", runner.ID)
	case <-time.After(time.Second):
		t.Fatal("acquire against registered runner timed out")
	}

	require.Error(t, pool.Register(&models.Runner{ID: "gpu-1", Labels: []string{"gpu"}}))
}

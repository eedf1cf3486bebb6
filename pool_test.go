package ygggo_dbclient

import (
	"context"
	"database/sql/driver"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func newTestPool(t *testing.T, ft *fakeTransport, pc PoolConfig, opts ...PoolOption) *Pool {
	t.Helper()
	p, err := NewPool(context.Background(), ft, pc, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func waitForWaiters(t *testing.T, p *Pool, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return p.Stats().Waiters == n }, time.Second, time.Millisecond)
}

func TestNewPool_WarmsMinSize(t *testing.T) {
	ft := newFakeTransport()
	p := newTestPool(t, ft, testPoolConfig(3, 5))

	s := p.Stats()
	assert.Equal(t, 3, s.Idle)
	assert.Equal(t, 0, s.InUse)
	assert.Equal(t, 3, s.Total)
	assert.Equal(t, 3, ft.snapshot().dialed)
}

func TestNewPool_RejectsInvalidConfig(t *testing.T) {
	cases := []struct {
		name string
		pc   PoolConfig
	}{
		{"zero min", PoolConfig{MinSize: 0, MaxSize: 2}},
		{"max below min", PoolConfig{MinSize: 3, MaxSize: 2}},
		{"negative timeout", PoolConfig{MinSize: 1, MaxSize: 2, AcquireTimeout: -time.Second}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewPool(context.Background(), newFakeTransport(), tc.pc)
			require.Error(t, err)
		})
	}
	_, err := NewPool(context.Background(), nil, testPoolConfig(1, 1))
	require.Error(t, err)
}

func TestNewPool_DialFailureIsConnectionFailure(t *testing.T) {
	ft := newFakeTransport()
	ft.dialErr = driver.ErrBadConn

	_, err := NewPool(context.Background(), ft, testPoolConfig(2, 2))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConnectionFailure), "got %v", err)
	assert.Equal(t, 0, ft.snapshot().open)
}

func TestPool_ReleaseReusesConnectionWithNewLeaseID(t *testing.T) {
	ft := newFakeTransport()
	p := newTestPool(t, ft, testPoolConfig(1, 2))
	ctx := context.Background()

	a, err := p.Lease(ctx, 0)
	require.NoError(t, err)
	assert.True(t, a.Busy())
	firstID := a.ID()
	require.NoError(t, a.Release())
	assert.False(t, a.Busy())

	b, err := p.Lease(ctx, 0)
	require.NoError(t, err)
	defer b.Release()

	assert.Greater(t, b.ID(), firstID)
	assert.Same(t, a.pc, b.pc)
	assert.Equal(t, 1, ft.snapshot().dialed)
}

func TestPool_DoubleReleaseIsNoop(t *testing.T) {
	ft := newFakeTransport()
	p := newTestPool(t, ft, testPoolConfig(1, 2))

	lc, err := p.Lease(context.Background(), 0)
	require.NoError(t, err)
	require.NoError(t, lc.Release())
	require.NoError(t, lc.Release())

	s := p.Stats()
	assert.Equal(t, 1, s.Idle)
	assert.Equal(t, 0, s.InUse)
}

func TestPool_ReleasedLeaseRejectsOperations(t *testing.T) {
	ft := newFakeTransport()
	p := newTestPool(t, ft, testPoolConfig(1, 1))
	ctx := context.Background()

	lc, err := p.Lease(ctx, 0)
	require.NoError(t, err)
	require.NoError(t, lc.Release())

	_, err = lc.Exec(ctx, "SELECT 1")
	assert.ErrorIs(t, err, errLeaseReleased)
	_, err = lc.Query(ctx, "SELECT 1")
	assert.Error(t, err)
	assert.Error(t, lc.Ping(ctx))
}

func TestPool_LeaseGrowsUpToMaxSize(t *testing.T) {
	ft := newFakeTransport()
	p := newTestPool(t, ft, testPoolConfig(1, 3))
	ctx := context.Background()

	var leases []*LeasedConn
	for i := 0; i < 3; i++ {
		lc, err := p.Lease(ctx, 0)
		require.NoError(t, err)
		leases = append(leases, lc)
	}
	assert.Equal(t, 3, p.Stats().InUse)
	assert.Equal(t, 3, ft.snapshot().dialed)

	_, err := p.Lease(ctx, 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrPoolExhausted)

	for _, lc := range leases {
		require.NoError(t, lc.Release())
	}
	assert.Equal(t, 3, p.Stats().Idle)
}

func TestPool_LeaseTimeoutIsPoolExhausted(t *testing.T) {
	ft := newFakeTransport()
	p := newTestPool(t, ft, testPoolConfig(1, 1))
	ctx := context.Background()

	held, err := p.Lease(ctx, 0)
	require.NoError(t, err)
	defer held.Release()

	start := time.Now()
	_, err = p.Lease(ctx, 50*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPoolExhausted)
	assert.Equal(t, KindPoolExhausted, KindOf(err))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	s := p.Stats()
	assert.Equal(t, int64(1), s.Timeouts)
	assert.Equal(t, 0, s.Waiters)
}

func TestPool_ContextDeadlineWhileWaitingIsTimeout(t *testing.T) {
	ft := newFakeTransport()
	p := newTestPool(t, ft, testPoolConfig(1, 1))

	held, err := p.Lease(context.Background(), 0)
	require.NoError(t, err)
	defer held.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.Lease(ctx, time.Second)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPool_WaitersServedInArrivalOrder(t *testing.T) {
	ft := newFakeTransport()
	p := newTestPool(t, ft, testPoolConfig(1, 1))
	ctx := context.Background()

	held, err := p.Lease(ctx, 0)
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	for i := 1; i <= 4; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			lc, err := p.Lease(ctx, 5*time.Second)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			_ = lc.Release()
		}()
		waitForWaiters(t, p, i)
	}

	require.NoError(t, held.Release())
	wg.Wait()
	assert.Equal(t, []int{1, 2, 3, 4}, order)
	assert.Equal(t, 1, ft.snapshot().dialed)
}

func TestPool_NewcomerDoesNotOvertakeWaiter(t *testing.T) {
	ft := newFakeTransport()
	p := newTestPool(t, ft, testPoolConfig(1, 1))
	ctx := context.Background()

	held, err := p.Lease(ctx, 0)
	require.NoError(t, err)

	got := make(chan *LeasedConn, 1)
	go func() {
		lc, err := p.Lease(ctx, 5*time.Second)
		if err == nil {
			got <- lc
		}
	}()
	waitForWaiters(t, p, 1)

	require.NoError(t, held.Release())
	// The freed connection went straight to the waiter.
	_, err = p.Lease(ctx, 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrPoolExhausted)

	lc := <-got
	require.NoError(t, lc.Release())
}

func TestPool_BrokenConnectionIsClosedOnRelease(t *testing.T) {
	ft := newFakeTransport()
	p := newTestPool(t, ft, testPoolConfig(1, 2))
	ctx := context.Background()

	lc, err := p.Lease(ctx, 0)
	require.NoError(t, err)
	lc.MarkBroken()
	require.NoError(t, lc.Release())

	s := p.Stats()
	assert.Equal(t, 0, s.Total)
	assert.Equal(t, int64(1), s.Broken)
	assert.Equal(t, 1, ft.snapshot().closed)

	// No eager replacement; the next lease dials.
	assert.Equal(t, 1, ft.snapshot().dialed)
	lc, err = p.Lease(ctx, 0)
	require.NoError(t, err)
	defer lc.Release()
	assert.Equal(t, 2, ft.snapshot().dialed)
}

func TestPool_FatalTransportErrorMarksBroken(t *testing.T) {
	ft := newFakeTransport()
	ft.execErrs = map[int]error{1: driver.ErrBadConn}
	p := newTestPool(t, ft, testPoolConfig(1, 1))

	lc, err := p.Lease(context.Background(), 0)
	require.NoError(t, err)
	_, err = lc.Exec(context.Background(), "UPDATE t SET a = 1 WHERE id = 1")
	require.Error(t, err)
	assert.True(t, lc.Broken())
	require.NoError(t, lc.Release())
	assert.Equal(t, int64(1), p.Stats().Broken)
}

func TestPool_BrokenReleaseHandsCapacityToWaiter(t *testing.T) {
	ft := newFakeTransport()
	p := newTestPool(t, ft, testPoolConfig(1, 1))
	ctx := context.Background()

	held, err := p.Lease(ctx, 0)
	require.NoError(t, err)

	got := make(chan error, 1)
	go func() {
		lc, err := p.Lease(ctx, 5*time.Second)
		if err == nil {
			defer lc.Release()
		}
		got <- err
	}()
	waitForWaiters(t, p, 1)

	held.MarkBroken()
	require.NoError(t, held.Release())
	require.NoError(t, <-got)
	assert.Equal(t, 2, ft.snapshot().dialed)
	assert.LessOrEqual(t, ft.snapshot().maxOpen, 1)
}

func TestPool_DialTimeoutIsConnectionFailure(t *testing.T) {
	ft := newFakeTransport()
	pc := testPoolConfig(1, 2)
	pc.ConnectTimeout = 20 * time.Millisecond
	p := newTestPool(t, ft, pc)
	ctx := context.Background()

	held, err := p.Lease(ctx, 0)
	require.NoError(t, err)
	defer held.Release()

	ft.set(func(ft *fakeTransport) { ft.dialDelay = time.Second })
	_, err = p.Lease(ctx, 0)
	assert.ErrorIs(t, err, ErrConnectionFailure)
	// The reserved slot is given back.
	assert.Equal(t, 0, p.Stats().Dialing)
	assert.Equal(t, 1, p.Stats().Total)
}

func TestPool_CloseFailsWaitersAndLaterLeases(t *testing.T) {
	ft := newFakeTransport()
	p, err := NewPool(context.Background(), ft, testPoolConfig(2, 2))
	require.NoError(t, err)
	ctx := context.Background()

	a, err := p.Lease(ctx, 0)
	require.NoError(t, err)
	b, err := p.Lease(ctx, 0)
	require.NoError(t, err)

	waiterErr := make(chan error, 1)
	go func() {
		_, err := p.Lease(ctx, 5*time.Second)
		waiterErr <- err
	}()
	waitForWaiters(t, p, 1)

	require.NoError(t, p.Close())
	assert.ErrorIs(t, <-waiterErr, ErrPoolClosed)

	_, err = p.Lease(ctx, 0)
	assert.ErrorIs(t, err, ErrPoolClosed)

	snap := ft.snapshot()
	assert.Equal(t, 2, snap.closed)
	assert.Equal(t, 0, snap.open)
	assert.True(t, snap.closedT)

	// Releasing after close and closing twice are both harmless.
	assert.NoError(t, a.Release())
	assert.NoError(t, b.Release())
	assert.NoError(t, p.Close())
	assert.Equal(t, 2, ft.snapshot().closed)
}

func TestPool_IdleEvictionKeepsMinSize(t *testing.T) {
	ft := newFakeTransport()
	pc := testPoolConfig(1, 3)
	pc.IdleTimeout = 20 * time.Millisecond
	p := newTestPool(t, ft, pc)
	ctx := context.Background()

	var leases []*LeasedConn
	for i := 0; i < 3; i++ {
		lc, err := p.Lease(ctx, 0)
		require.NoError(t, err)
		leases = append(leases, lc)
	}
	for _, lc := range leases {
		require.NoError(t, lc.Release())
	}
	time.Sleep(40 * time.Millisecond)

	lc, err := p.Lease(ctx, 0)
	require.NoError(t, err)
	defer lc.Release()

	s := p.Stats()
	assert.Equal(t, int64(2), s.Evicted)
	assert.Equal(t, 1, s.Total)
	assert.Equal(t, 2, ft.snapshot().closed)
}

func TestPool_BackgroundReaper(t *testing.T) {
	ft := newFakeTransport()
	pc := testPoolConfig(1, 3)
	pc.IdleTimeout = 10 * time.Millisecond
	pc.ReapInterval = 5 * time.Millisecond
	p := newTestPool(t, ft, pc)
	ctx := context.Background()

	a, err := p.Lease(ctx, 0)
	require.NoError(t, err)
	b, err := p.Lease(ctx, 0)
	require.NoError(t, err)
	require.NoError(t, a.Release())
	require.NoError(t, b.Release())

	require.Eventually(t, func() bool { return p.Stats().Evicted == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, p.Stats().Idle)
}

func TestPool_LeakHandlerReportsLongLease(t *testing.T) {
	ft := newFakeTransport()
	pc := testPoolConfig(1, 1)
	pc.BorrowWarnThreshold = 10 * time.Millisecond

	var leaks []BorrowLeak
	rec := &recordingLogger{}
	p := newTestPool(t, ft, pc,
		WithPoolLogger(rec),
		WithPoolLeakHandler(func(l BorrowLeak) { leaks = append(leaks, l) }),
	)

	lc, err := p.Lease(context.Background(), 0)
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, lc.Release())

	require.Len(t, leaks, 1)
	assert.Equal(t, lc.ID(), leaks[0].LeaseID)
	assert.GreaterOrEqual(t, leaks[0].HeldFor, 10*time.Millisecond)
	assert.Len(t, rec.find("connection held beyond threshold"), 1)
}

func TestPool_WithConnReleasesOnPanic(t *testing.T) {
	ft := newFakeTransport()
	p := newTestPool(t, ft, testPoolConfig(1, 1))

	assert.PanicsWithValue(t, "boom", func() {
		_ = p.WithConn(context.Background(), func(*LeasedConn) error { panic("boom") })
	})
	assert.Equal(t, 0, p.Stats().InUse)
	assert.Equal(t, 1, p.Stats().Idle)

	sentinel := errors.New("fn failed")
	err := p.WithConn(context.Background(), func(*LeasedConn) error { return sentinel })
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 0, p.Stats().InUse)
}

func TestPool_InUseNeverExceedsMaxSize(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		maxSize := rapid.IntRange(1, 4).Draw(rt, "maxSize")
		minSize := rapid.IntRange(1, maxSize).Draw(rt, "minSize")
		workers := rapid.IntRange(1, 12).Draw(rt, "workers")
		rounds := rapid.IntRange(1, 4).Draw(rt, "rounds")

		ft := newFakeTransport()
		pc := testPoolConfig(minSize, maxSize)
		pc.AcquireTimeout = 5 * time.Second
		p, err := NewPool(context.Background(), ft, pc)
		if err != nil {
			rt.Fatalf("new pool: %v", err)
		}
		defer p.Close()

		var inUse, peak atomic.Int64
		var wg sync.WaitGroup
		for w := 0; w < workers; w++ {
			broken := rapid.Bool().Draw(rt, "broken")
			wg.Add(1)
			go func() {
				defer wg.Done()
				for r := 0; r < rounds; r++ {
					lc, err := p.Lease(context.Background(), 0)
					if err != nil {
						rt.Errorf("lease: %v", err)
						return
					}
					n := inUse.Add(1)
					for {
						old := peak.Load()
						if n <= old || peak.CompareAndSwap(old, n) {
							break
						}
					}
					time.Sleep(100 * time.Microsecond)
					inUse.Add(-1)
					if broken && r == 0 {
						lc.MarkBroken()
					}
					_ = lc.Release()
				}
			}()
		}
		wg.Wait()

		if got := peak.Load(); got > int64(maxSize) {
			rt.Fatalf("peak in-use %d exceeds max size %d", got, maxSize)
		}
		if got := ft.snapshot().maxOpen; got > maxSize {
			rt.Fatalf("peak open connections %d exceeds max size %d", got, maxSize)
		}
		if s := p.Stats(); s.InUse != 0 || s.Total > maxSize {
			rt.Fatalf("unexpected final stats %+v", s)
		}
	})
}

package ygggo_dbclient

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
)

// physConn is one live transport connection owned by the pool.
type physConn struct {
	tc        TransportConn
	createdAt time.Time
	lastUsed  time.Time
}

// grant is what a queued waiter receives: a ready lease, a reserved slot it
// must dial itself (both nil), or an error.
type grant struct {
	lc  *LeasedConn
	err error
}

type waiter struct {
	ch   chan grant
	elem *list.Element
}

// PoolStats is a point-in-time snapshot of the pool.
type PoolStats struct {
	Idle     int
	InUse    int
	Dialing  int
	Waiters  int
	Total    int
	MinSize  int
	MaxSize  int
	Leases   int64
	Timeouts int64
	Evicted  int64
	Broken   int64
}

// Pool owns a bounded set of transport connections and leases them out one
// caller at a time. Blocked callers are served in arrival order.
type Pool struct {
	transport Transport
	cfg       PoolConfig
	logger    Logger
	classify  Classifier
	metrics   *Metrics

	mu      sync.Mutex
	idle    []*physConn // stack; the bottom holds the longest-idle connection
	inUse   map[*physConn]*LeasedConn
	dialing int
	closing int // removed from idle/inUse but not closed yet
	waiters list.List
	closed  bool

	leaseSeq atomic.Uint64
	leases   atomic.Int64
	timeouts atomic.Int64
	evicted  atomic.Int64
	broken   atomic.Int64

	leakHandler func(BorrowLeak)
	stopReaper  chan struct{}
	reaperDone  chan struct{}
}

// PoolOption customises a Pool.
type PoolOption func(*Pool)

// WithPoolLogger sets the pool's logger.
func WithPoolLogger(l Logger) PoolOption {
	return func(p *Pool) { p.logger = withFields(l, Fields{"component": "pool"}) }
}

// WithPoolClassifier overrides error classification for dial and statement errors.
func WithPoolClassifier(c Classifier) PoolOption {
	return func(p *Pool) {
		if c != nil {
			p.classify = c
		}
	}
}

// WithPoolLeakHandler registers a callback for leases held beyond BorrowWarnThreshold.
func WithPoolLeakHandler(fn func(BorrowLeak)) PoolOption {
	return func(p *Pool) { p.leakHandler = fn }
}

func withPoolMetrics(m *Metrics) PoolOption {
	return func(p *Pool) { p.metrics = m }
}

// NewPool validates cfg, dials MinSize connections concurrently and starts
// the idle reaper when ReapInterval is set.
func NewPool(ctx context.Context, transport Transport, cfg PoolConfig, opts ...PoolOption) (*Pool, error) {
	if transport == nil {
		return nil, fmt.Errorf("new pool: nil transport")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("new pool: %w", err)
	}
	p := &Pool{
		transport: transport,
		cfg:       cfg,
		logger:    nopLogger{},
		classify:  Classify,
		inUse:     make(map[*physConn]*LeasedConn, cfg.MaxSize),
	}
	for _, opt := range opts {
		opt(p)
	}

	if err := p.warm(ctx); err != nil {
		return nil, err
	}
	if cfg.ReapInterval > 0 {
		p.stopReaper = make(chan struct{})
		p.reaperDone = make(chan struct{})
		go p.reapLoop(cfg.ReapInterval)
	}
	p.logger.Log(ctx, LevelDebug, "connection pool ready", Fields{
		"min_size": cfg.MinSize,
		"max_size": cfg.MaxSize,
	})
	return p, nil
}

// warm dials MinSize connections in parallel; any failure closes the rest.
func (p *Pool) warm(ctx context.Context) error {
	conns := make([]*physConn, p.cfg.MinSize)
	g, gctx := errgroup.WithContext(ctx)
	for i := range conns {
		i := i
		g.Go(func() error {
			tc, err := p.dial(gctx)
			if err != nil {
				return err
			}
			now := time.Now()
			conns[i] = &physConn{tc: tc, createdAt: now, lastUsed: now}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, pc := range conns {
			if pc != nil {
				_ = pc.tc.Close()
			}
		}
		return wrapError("new pool", "", err, p.classify)
	}
	p.idle = append(p.idle, conns...)
	return nil
}

func (p *Pool) dial(ctx context.Context) (TransportConn, error) {
	dctx := ctx
	if p.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(ctx, p.cfg.ConnectTimeout)
		defer cancel()
	}
	start := time.Now()
	tc, err := p.transport.Connect(dctx)
	if err != nil {
		kind := p.classify(err)
		// A connect timeout that is not the caller's deadline is a transient
		// connection failure.
		if kind == KindTimeout && ctx.Err() == nil {
			kind = KindConnectionFailure
		}
		p.logger.Log(ctx, LevelError, "connection dial failed", Fields{
			"duration_ms": durationMS(time.Since(start)),
			"error":       err.Error(),
		})
		return nil, &Error{Kind: kind, Op: "connect", Err: err}
	}
	p.metrics.recordConnectionOpened(ctx)
	p.logger.Log(ctx, LevelDebug, "connection opened", Fields{
		"duration_ms": durationMS(time.Since(start)),
	})
	return tc, nil
}

// Config returns the pool configuration.
func (p *Pool) Config() PoolConfig { return p.cfg }

func (p *Pool) totalLocked() int {
	return len(p.idle) + len(p.inUse) + p.dialing + p.closing
}

// checkoutLocked hands pc out under a fresh lease id.
func (p *Pool) checkoutLocked(pc *physConn) *LeasedConn {
	lc := &LeasedConn{
		id:       p.leaseSeq.Add(1),
		pc:       pc,
		pool:     p,
		leasedAt: time.Now(),
	}
	lc.busy.Store(true)
	p.inUse[pc] = lc
	p.leases.Add(1)
	return lc
}

// Lease returns a connection for exclusive use. It waits at most timeout
// (AcquireTimeout when timeout <= 0) and fails with PoolExhausted, or with
// Timeout if ctx ends first. Every successful lease must be released.
func (p *Pool) Lease(ctx context.Context, timeout time.Duration) (*LeasedConn, error) {
	if timeout <= 0 {
		timeout = p.cfg.AcquireTimeout
	}
	start := time.Now()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, newError(KindPoolClosed, "lease", nil)
	}
	expired := p.evictExpiredLocked(start)

	var (
		lc   *LeasedConn
		dial bool
		w    *waiter
	)
	// Queued waiters go first; a newcomer only takes the fast path when nobody is waiting.
	if p.waiters.Len() == 0 {
		if n := len(p.idle); n > 0 {
			pc := p.idle[n-1]
			p.idle = p.idle[:n-1]
			lc = p.checkoutLocked(pc)
		} else if p.totalLocked() < p.cfg.MaxSize {
			p.dialing++
			dial = true
		}
	}
	if lc == nil && !dial {
		w = &waiter{ch: make(chan grant, 1)}
		w.elem = p.waiters.PushBack(w)
	}
	p.mu.Unlock()
	p.retire(ctx, expired, "idle timeout")

	switch {
	case lc != nil:
		p.metrics.recordLease(ctx, time.Since(start))
		return lc, nil
	case dial:
		lc, err := p.dialReserved(ctx)
		if err == nil {
			p.metrics.recordLease(ctx, time.Since(start))
		}
		return lc, err
	}
	return p.wait(ctx, w, timeout, start)
}

// dialReserved dials into a slot already counted in p.dialing.
func (p *Pool) dialReserved(ctx context.Context) (*LeasedConn, error) {
	tc, err := p.dial(ctx)

	p.mu.Lock()
	p.dialing--
	if err != nil {
		p.handoffCapacityLocked()
		p.mu.Unlock()
		return nil, err
	}
	if p.closed {
		p.mu.Unlock()
		_ = tc.Close()
		return nil, newError(KindPoolClosed, "lease", nil)
	}
	now := time.Now()
	lc := p.checkoutLocked(&physConn{tc: tc, createdAt: now, lastUsed: now})
	p.mu.Unlock()
	return lc, nil
}

func (p *Pool) wait(ctx context.Context, w *waiter, timeout time.Duration, start time.Time) (*LeasedConn, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var kind ErrorKind
	var cause error
	select {
	case g := <-w.ch:
		lc, err := p.accept(ctx, g)
		if err == nil {
			p.metrics.recordLease(ctx, time.Since(start))
		}
		return lc, err
	case <-timer.C:
		kind = KindPoolExhausted
		cause = fmt.Errorf("no connection available within %s", timeout)
	case <-ctx.Done():
		kind = KindTimeout
		cause = ctx.Err()
	}

	p.mu.Lock()
	if w.elem != nil {
		p.waiters.Remove(w.elem)
		w.elem = nil
		p.mu.Unlock()
	} else {
		// A grant raced the deadline; hand it back so the next waiter gets it.
		p.mu.Unlock()
		p.giveBack(ctx, <-w.ch)
	}
	p.timeouts.Add(1)
	p.metrics.recordLeaseTimeout(ctx)
	p.logger.Log(ctx, LevelWarning, "connection lease timed out", Fields{
		"waited_ms": durationMS(time.Since(start)),
		"kind":      kind.String(),
	})
	return nil, &Error{Kind: kind, Op: "lease", Err: cause}
}

func (p *Pool) accept(ctx context.Context, g grant) (*LeasedConn, error) {
	switch {
	case g.err != nil:
		return nil, g.err
	case g.lc != nil:
		return g.lc, nil
	default:
		return p.dialReserved(ctx)
	}
}

func (p *Pool) giveBack(ctx context.Context, g grant) {
	switch {
	case g.err != nil:
	case g.lc != nil:
		_ = p.release(ctx, g.lc)
	default:
		p.mu.Lock()
		p.dialing--
		p.handoffCapacityLocked()
		p.mu.Unlock()
	}
}

// popWaiterLocked removes and returns the head of the queue, or nil.
func (p *Pool) popWaiterLocked() *waiter {
	front := p.waiters.Front()
	if front == nil {
		return nil
	}
	w := p.waiters.Remove(front).(*waiter)
	w.elem = nil
	return w
}

// handoffCapacityLocked gives a free slot to the head waiter, who dials for itself.
func (p *Pool) handoffCapacityLocked() {
	if p.closed || p.totalLocked() >= p.cfg.MaxSize {
		return
	}
	if w := p.popWaiterLocked(); w != nil {
		p.dialing++
		w.ch <- grant{}
	}
}

// putIdleLocked passes pc straight to the head waiter, or parks it.
func (p *Pool) putIdleLocked(pc *physConn) {
	if w := p.popWaiterLocked(); w != nil {
		w.ch <- grant{lc: p.checkoutLocked(pc)}
		return
	}
	p.idle = append(p.idle, pc)
}

// Release returns lc to the pool. Broken connections are closed instead.
// Releasing twice is a no-op.
func (p *Pool) Release(lc *LeasedConn) error {
	return p.release(context.Background(), lc)
}

func (p *Pool) release(ctx context.Context, lc *LeasedConn) error {
	if lc == nil || !lc.busy.CompareAndSwap(true, false) {
		return nil
	}
	now := time.Now()
	held := now.Sub(lc.leasedAt)
	pc := lc.pc

	p.mu.Lock()
	if cur, ok := p.inUse[pc]; !ok || cur != lc {
		// Close already took the connection away.
		p.mu.Unlock()
		p.metrics.recordRelease(ctx, held)
		return nil
	}
	delete(p.inUse, pc)
	broken := lc.broken.Load()
	if broken {
		p.closing++
	} else {
		pc.lastUsed = now
		p.putIdleLocked(pc)
	}
	p.mu.Unlock()

	p.metrics.recordRelease(ctx, held)
	if broken {
		p.broken.Add(1)
		p.retire(ctx, []*physConn{pc}, "broken")
	}
	if th := p.cfg.BorrowWarnThreshold; th > 0 && held > th {
		p.logger.Log(ctx, LevelWarning, "connection held beyond threshold", Fields{
			"lease_id":     lc.id,
			"held_ms":      durationMS(held),
			"threshold_ms": durationMS(th),
		})
		if p.leakHandler != nil {
			p.leakHandler(BorrowLeak{LeaseID: lc.id, HeldFor: held})
		}
	}
	return nil
}

// WithConn leases a connection, runs fn and always releases it, also when fn panics.
func (p *Pool) WithConn(ctx context.Context, fn func(*LeasedConn) error) error {
	lc, err := p.Lease(ctx, 0)
	if err != nil {
		return err
	}
	defer p.release(ctx, lc)
	return fn(lc)
}

// evictExpiredLocked drops idle connections past IdleTimeout, oldest first,
// without going below MinSize live connections.
func (p *Pool) evictExpiredLocked(now time.Time) []*physConn {
	if p.cfg.IdleTimeout <= 0 || len(p.idle) == 0 {
		return nil
	}
	var expired []*physConn
	i := 0
	for i < len(p.idle) && p.totalLocked()-len(expired) > p.cfg.MinSize {
		if now.Sub(p.idle[i].lastUsed) < p.cfg.IdleTimeout {
			break
		}
		expired = append(expired, p.idle[i])
		i++
	}
	if i > 0 {
		p.idle = append(p.idle[:0], p.idle[i:]...)
		p.closing += i
		p.evicted.Add(int64(i))
	}
	return expired
}

func (p *Pool) reapLoop(every time.Duration) {
	defer close(p.reaperDone)
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopReaper:
			return
		case now := <-ticker.C:
			p.mu.Lock()
			expired := p.evictExpiredLocked(now)
			p.mu.Unlock()
			p.retire(context.Background(), expired, "idle timeout")
		}
	}
}

// retire closes connections already counted in p.closing, then frees their
// capacity for the head waiter.
func (p *Pool) retire(ctx context.Context, conns []*physConn, reason string) {
	if len(conns) == 0 {
		return
	}
	_ = p.closeConns(ctx, conns, reason)
	p.mu.Lock()
	p.closing -= len(conns)
	p.handoffCapacityLocked()
	p.mu.Unlock()
}

func (p *Pool) closeConns(ctx context.Context, conns []*physConn, reason string) error {
	var result *multierror.Error
	for _, pc := range conns {
		if err := pc.tc.Close(); err != nil {
			result = multierror.Append(result, err)
		}
		p.metrics.recordConnectionClosed(ctx)
	}
	if len(conns) > 0 {
		p.logger.Log(ctx, LevelDebug, "connections closed", Fields{
			"count":  len(conns),
			"reason": reason,
		})
	}
	return result.ErrorOrNil()
}

// Close closes idle and in-use connections and fails every waiter with
// PoolClosed. Later leases fail with PoolClosed. Close is idempotent.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	conns := make([]*physConn, 0, len(p.idle)+len(p.inUse))
	conns = append(conns, p.idle...)
	for pc := range p.inUse {
		conns = append(conns, pc)
	}
	p.idle = nil
	p.inUse = make(map[*physConn]*LeasedConn)
	for w := p.popWaiterLocked(); w != nil; w = p.popWaiterLocked() {
		w.ch <- grant{err: newError(KindPoolClosed, "lease", nil)}
	}
	p.mu.Unlock()

	if p.stopReaper != nil {
		close(p.stopReaper)
		<-p.reaperDone
	}

	var result *multierror.Error
	if err := p.closeConns(context.Background(), conns, "pool closed"); err != nil {
		result = multierror.Append(result, err)
	}
	if err := p.transport.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	p.logger.Log(context.Background(), LevelInfo, "connection pool closed", Fields{
		"closed_connections": len(conns),
	})
	return result.ErrorOrNil()
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	s := PoolStats{
		Idle:    len(p.idle),
		InUse:   len(p.inUse),
		Dialing: p.dialing,
		Waiters: p.waiters.Len(),
		Total:   p.totalLocked(),
		MinSize: p.cfg.MinSize,
		MaxSize: p.cfg.MaxSize,
	}
	p.mu.Unlock()
	s.Leases = p.leases.Load()
	s.Timeouts = p.timeouts.Load()
	s.Evicted = p.evicted.Load()
	s.Broken = p.broken.Load()
	return s
}

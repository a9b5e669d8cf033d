// Package pool is a bounded set of reusable database connections.
//
// Capacity is a buffered channel of slots: a caller holds one slot from the
// moment it starts acquiring until its lease is released or discarded, so
// waiting happens on the channel with no lock held. The mutex only guards
// idle/in-use bookkeeping.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/gridcast/ensembleql/internal/metrics"
)

var (
	ErrPoolExhausted = errors.New("connection pool exhausted")
	ErrPoolClosed    = errors.New("connection pool closed")
)

// Conn is the part of a database connection the pool and executor need.
// *pgx.Conn satisfies it.
type Conn interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Close(ctx context.Context) error
	IsClosed() bool
}

// Connector opens a new connection.
type Connector func(ctx context.Context) (Conn, error)

// Config bounds the pool. Zero durations disable the matching eviction.
type Config struct {
	MinSize       int
	MaxSize       int
	MaxLifetime   time.Duration
	MaxIdleTime   time.Duration
	ShutdownGrace time.Duration
}

// Stats is a point-in-time snapshot. Idle + InUse == Live <= MaxSize.
type Stats struct {
	Idle    int
	InUse   int
	Live    int
	Dialing int
	MinSize int
	MaxSize int

	Acquired  int64
	Exhausted int64
	Discarded int64
	Evicted   int64
}

type entry struct {
	conn     Conn
	created  time.Time
	lastUsed time.Time
}

// Pool hands out connections as leases. All methods are safe for concurrent use.
type Pool struct {
	config  Config
	connect Connector
	logger  zerolog.Logger
	now     func() time.Time

	slots   chan struct{}
	closing chan struct{}
	drained chan struct{}

	mu        sync.Mutex
	idle      []*entry
	inUse     map[*entry]struct{}
	dialing   int
	closed    bool
	acquired  int64
	exhausted int64
	discarded int64
	evicted   int64

	drainOnce sync.Once
}

// New validates config and pre-dials MinSize connections.
func New(ctx context.Context, config Config, connect Connector, logger zerolog.Logger) (*Pool, error) {
	if config.MaxSize < 1 {
		return nil, fmt.Errorf("pool max size must be at least 1, got %d", config.MaxSize)
	}
	if config.MinSize < 0 || config.MinSize > config.MaxSize {
		return nil, fmt.Errorf("pool min size must be between 0 and %d, got %d", config.MaxSize, config.MinSize)
	}
	if connect == nil {
		return nil, errors.New("pool connector is required")
	}

	p := &Pool{
		config:  config,
		connect: connect,
		logger:  logger,
		now:     time.Now,
		slots:   make(chan struct{}, config.MaxSize),
		closing: make(chan struct{}),
		drained: make(chan struct{}),
		inUse:   make(map[*entry]struct{}),
	}

	for i := 0; i < config.MinSize; i++ {
		conn, err := connect(ctx)
		if err != nil {
			p.closeEntries(p.idle)
			return nil, fmt.Errorf("failed to open initial connection %d of %d: %w", i+1, config.MinSize, err)
		}
		now := p.now()
		p.idle = append(p.idle, &entry{conn: conn, created: now, lastUsed: now})
	}
	p.report()

	logger.Debug().Int("min_size", config.MinSize).Int("max_size", config.MaxSize).Msg("connection pool ready")
	return p, nil
}

// Acquire leases a connection, waiting up to timeout for capacity.
// A non-positive timeout fails immediately when the pool is saturated.
func (p *Pool) Acquire(ctx context.Context, timeout time.Duration) (*Lease, error) {
	start := p.now()

	select {
	case <-p.closing:
		return nil, ErrPoolClosed
	default:
	}

	if err := p.takeSlot(ctx, timeout); err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.freeSlot()
		return nil, ErrPoolClosed
	}
	stale := p.evictLocked()
	var e *entry
	if n := len(p.idle); n > 0 {
		e = p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.inUse[e] = struct{}{}
		p.acquired++
	} else {
		p.dialing++
	}
	p.mu.Unlock()
	p.closeEntries(stale)

	if e == nil {
		var err error
		e, err = p.dial(ctx)
		if err != nil {
			p.freeSlot()
			p.report()
			return nil, err
		}
	}

	p.report()
	metrics.ObserveAcquireWait(p.now().Sub(start))
	return &Lease{pool: p, e: e}, nil
}

func (p *Pool) takeSlot(ctx context.Context, timeout time.Duration) error {
	select {
	case p.slots <- struct{}{}:
		return nil
	default:
	}
	if timeout <= 0 {
		p.markExhausted()
		return ErrPoolExhausted
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case p.slots <- struct{}{}:
		return nil
	case <-p.closing:
		return ErrPoolClosed
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		p.markExhausted()
		return ErrPoolExhausted
	}
}

func (p *Pool) markExhausted() {
	p.mu.Lock()
	p.exhausted++
	p.mu.Unlock()
	metrics.IncrementPoolExhausted()
	p.logger.Warn().Int("max_size", p.config.MaxSize).Msg("connection pool exhausted")
}

func (p *Pool) freeSlot() { <-p.slots }

// dial opens a connection for a caller that already holds a slot.
func (p *Pool) dial(ctx context.Context) (*entry, error) {
	conn, err := p.connect(ctx)

	p.mu.Lock()
	p.dialing--
	if err != nil {
		p.mu.Unlock()
		p.logger.Warn().Err(err).Msg("failed to open database connection")
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}
	if p.closed {
		p.mu.Unlock()
		_ = conn.Close(context.Background())
		return nil, ErrPoolClosed
	}
	now := p.now()
	e := &entry{conn: conn, created: now, lastUsed: now}
	p.inUse[e] = struct{}{}
	p.acquired++
	p.mu.Unlock()

	p.logger.Debug().Msg("opened database connection")
	return e, nil
}

// evictLocked removes idle connections that are too old, idle too long or
// already closed. The caller closes them after unlocking.
func (p *Pool) evictLocked() []*entry {
	now := p.now()
	var stale []*entry
	kept := p.idle[:0]
	for _, e := range p.idle {
		switch {
		case e.conn.IsClosed(),
			p.config.MaxLifetime > 0 && now.Sub(e.created) >= p.config.MaxLifetime,
			p.config.MaxIdleTime > 0 && now.Sub(e.lastUsed) >= p.config.MaxIdleTime:
			stale = append(stale, e)
		default:
			kept = append(kept, e)
		}
	}
	for i := len(kept); i < len(p.idle); i++ {
		p.idle[i] = nil
	}
	p.idle = kept
	p.evicted += int64(len(stale))
	if len(stale) > 0 {
		p.logger.Debug().Int("count", len(stale)).Msg("evicted idle connections")
	}
	return stale
}

func (p *Pool) closeEntries(entries []*entry) {
	for _, e := range entries {
		if e.conn.IsClosed() {
			continue
		}
		if err := e.conn.Close(context.Background()); err != nil {
			p.logger.Debug().Err(err).Msg("error closing connection")
		}
	}
}

// giveBack ends a lease. keep=false closes the connection.
func (p *Pool) giveBack(e *entry, keep bool) {
	p.mu.Lock()
	delete(p.inUse, e)
	if keep && !p.closed && !e.conn.IsClosed() {
		e.lastUsed = p.now()
		p.idle = append(p.idle, e)
	} else {
		keep = false
		p.discarded++
	}
	drained := p.closed && len(p.inUse) == 0
	p.mu.Unlock()

	if !keep {
		metrics.IncrementPoolDiscards()
		p.closeEntries([]*entry{e})
	}
	p.freeSlot()
	p.report()
	if drained {
		p.drainOnce.Do(func() { close(p.drained) })
	}
}

// Shutdown closes idle connections, waits up to ShutdownGrace (or ctx) for
// leases to come back, then force-closes the rest. Later calls are no-ops.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.closing)
	idle := p.idle
	p.idle = nil
	busy := len(p.inUse)
	p.mu.Unlock()

	p.closeEntries(idle)
	p.report()

	if busy == 0 {
		p.drainOnce.Do(func() { close(p.drained) })
		p.logger.Debug().Msg("connection pool closed")
		return nil
	}

	var timeout <-chan time.Time
	if p.config.ShutdownGrace > 0 {
		timer := time.NewTimer(p.config.ShutdownGrace)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case <-p.drained:
		p.logger.Debug().Msg("connection pool closed")
		return nil
	case <-timeout:
	case <-ctx.Done():
	}

	p.mu.Lock()
	stragglers := make([]*entry, 0, len(p.inUse))
	for e := range p.inUse {
		stragglers = append(stragglers, e)
	}
	p.mu.Unlock()

	p.logger.Warn().Int("count", len(stragglers)).Msg("force-closing connections still in use after shutdown grace period")
	p.closeEntries(stragglers)
	return nil
}

// Stats returns a snapshot of the pool.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Idle:      len(p.idle),
		InUse:     len(p.inUse),
		Live:      len(p.idle) + len(p.inUse),
		Dialing:   p.dialing,
		MinSize:   p.config.MinSize,
		MaxSize:   p.config.MaxSize,
		Acquired:  p.acquired,
		Exhausted: p.exhausted,
		Discarded: p.discarded,
		Evicted:   p.evicted,
	}
}

func (p *Pool) report() {
	p.mu.Lock()
	idle, inUse, dialing := len(p.idle), len(p.inUse), p.dialing
	p.mu.Unlock()
	metrics.SetPoolConnections(idle, inUse, dialing)
}

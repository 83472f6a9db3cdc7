package pikamq

import (
	"context"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// connFactory dials a fresh connection/channel pair, honoring ctx for
// cancellation across the multi-host retry loop in Engine.CreateConnection.
type connFactory func(ctx context.Context) (*amqp.Connection, *amqp.Channel, error)

// pooledConn is one live connection/channel, either idle in the pool
// or leased to exactly one caller.
type pooledConn struct {
	connection     *amqp.Connection
	channel        *amqp.Channel
	createdAt      time.Time
	lastReleasedAt time.Time
	invalidated    bool
}

// ConnectionPool is a bounded LIFO pool of live AMQP connections with
// recycle-by-age and stale-by-idle eviction. LIFO reuse keeps the most
// recently used connection warm.
type ConnectionPool struct {
	mu   sync.Mutex
	cond *sync.Cond

	idle    []*pooledConn
	numLive int

	maxSize     int
	maxOverflow int
	recycle     time.Duration
	stale       time.Duration

	dial connFactory

	closed bool
}

// NewConnectionPool builds a pool backed by dial, which must return a
// connection whose channel is already in the mode (confirm or not)
// appropriate for this pool. Acquire's deadline comes from the ctx a
// caller passes in; callers apply pool_timeout via context.WithTimeout.
func NewConnectionPool(dial connFactory, maxSize, maxOverflow int, recycle, stale time.Duration) *ConnectionPool {
	p := &ConnectionPool{
		idle:        make([]*pooledConn, 0, maxSize),
		maxSize:     maxSize,
		maxOverflow: maxOverflow,
		recycle:     recycle,
		stale:       stale,
		dial:        dial,
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// lease is a scoped handle on a pooled connection: Release returns it
// to the pool on the common path; Discard (or any exit after an
// invalidating error) removes it from the pool entirely.
type lease struct {
	pool *ConnectionPool
	pc   *pooledConn
	done bool
}

// Channel returns the leased AMQP channel.
func (l *lease) Channel() *amqp.Channel { return l.pc.channel }

// Connection returns the leased AMQP connection.
func (l *lease) Connection() *amqp.Connection { return l.pc.connection }

// Release returns the connection to the pool for reuse. Safe to call
// multiple times; only the first call has an effect.
func (l *lease) Release() {
	if l.done {
		return
	}
	l.done = true
	l.pool.release(l.pc)
}

// Discard marks the connection invalidated and removes it from the
// pool, for use when the caller hit a connectivity error while holding
// the lease. Safe to call multiple times.
func (l *lease) Discard() {
	if l.done {
		return
	}
	l.done = true
	l.pc.invalidated = true
	l.pool.release(l.pc)
}

// Acquire returns a lease on a live connection, waiting up to ctx's
// deadline for a free slot. Connections past recycle age or idle past
// the stale threshold are discarded rather than handed out.
func (p *ConnectionPool) Acquire(ctx context.Context) (*lease, error) {
	// Wake anyone blocked on the condition variable when ctx is done,
	// so Wait() below can re-check ctx.Err() instead of blocking forever.
	stop := context.AfterFunc(ctx, func() {
		p.mu.Lock()
		p.cond.Broadcast()
		p.mu.Unlock()
	})
	defer stop()

	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		if p.closed {
			return nil, &poolTimeout{Reason: "pool is closed"}
		}

		for len(p.idle) > 0 {
			// LIFO: pop the most recently released connection first.
			pc := p.idle[len(p.idle)-1]
			p.idle = p.idle[:len(p.idle)-1]

			if p.expired(pc) {
				p.numLive--
				closeQuietly(pc)
				continue
			}
			return &lease{pool: p, pc: pc}, nil
		}

		if p.numLive < p.maxSize+p.maxOverflow {
			p.numLive++
			p.mu.Unlock()
			conn, ch, err := p.dial(ctx)
			p.mu.Lock()
			if err != nil {
				p.numLive--
				p.cond.Broadcast()
				return nil, err
			}
			pc := &pooledConn{connection: conn, channel: ch, createdAt: time.Now()}
			return &lease{pool: p, pc: pc}, nil
		}

		if err := ctx.Err(); err != nil {
			return nil, &poolTimeout{Reason: err.Error()}
		}

		p.cond.Wait()

		if err := ctx.Err(); err != nil {
			return nil, &poolTimeout{Reason: err.Error()}
		}
	}
}

// expired reports whether pc should be discarded rather than reused,
// per the recycle-by-age / stale-by-idle invariants.
func (p *ConnectionPool) expired(pc *pooledConn) bool {
	if pc.invalidated {
		return true
	}
	if p.recycle > 0 && time.Since(pc.createdAt) >= p.recycle {
		return true
	}
	if p.stale > 0 && !pc.lastReleasedAt.IsZero() && time.Since(pc.lastReleasedAt) >= p.stale {
		return true
	}
	return false
}

func (p *ConnectionPool) release(pc *pooledConn) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if pc.invalidated || p.closed {
		p.numLive--
		closeQuietly(pc)
		p.cond.Signal()
		return
	}

	pc.lastReleasedAt = time.Now()
	p.idle = append(p.idle, pc)
	p.cond.Signal()
}

// Close discards every idle connection and marks the pool closed; any
// leases still outstanding are discarded as they are released.
func (p *ConnectionPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	for _, pc := range p.idle {
		closeQuietly(pc)
		p.numLive--
	}
	p.idle = nil
	p.cond.Broadcast()
}

func closeQuietly(pc *pooledConn) {
	if pc.channel != nil {
		_ = pc.channel.Close()
	}
	if pc.connection != nil {
		_ = pc.connection.Close()
	}
}

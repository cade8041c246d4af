// Package pool manages reusable connections between the router and storage
// nodes, bounding per-node concurrency. A lease is owned by exactly one
// in-flight request; Release returns the conn for reuse, Discard closes it
// after a failure. Idle conns are validated with a cheap ping before reuse
// so a stale connection is replaced rather than surfaced to the caller.
package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/tickvault/tickvault/internal/record"
	"github.com/tickvault/tickvault/internal/transport"
)

// Defaults applied by New when an Options field is zero.
const (
	DefaultPerNodeCap     = 8
	DefaultAcquireTimeout = 250 * time.Millisecond
	DefaultPingTimeout    = 200 * time.Millisecond
)

// Options configures a Pool.
type Options struct {
	Dialer         transport.Dialer
	PerNodeCap     int           // max conns per node
	AcquireTimeout time.Duration // wait bound before ErrPoolExhausted
	PingTimeout    time.Duration // validation ping bound
	Logger         zerolog.Logger
}

// Lease is a held connection. Exactly one of Release or Discard must be
// called when the request finishes.
type Lease struct {
	Conn   transport.Conn
	NodeID string

	pool *Pool
	np   *nodePool
	done atomic.Bool
}

// Release returns the connection for reuse.
func (l *Lease) Release() {
	if !l.done.CompareAndSwap(false, true) {
		return
	}
	l.np.outstanding.Add(-1)
	select {
	case l.np.idle <- l.Conn:
	default:
		// Idle buffer full; drop the surplus conn.
		l.Conn.Close()
	}
	<-l.np.sem
}

// Discard closes the connection instead of returning it. Use after any
// dispatch failure so a broken conn never reaches another request.
func (l *Lease) Discard() {
	if !l.done.CompareAndSwap(false, true) {
		return
	}
	l.np.outstanding.Add(-1)
	l.Conn.Close()
	<-l.np.sem
}

type nodePool struct {
	addr        string
	sem         chan struct{} // counting semaphore, caps total conns
	idle        chan transport.Conn
	outstanding atomic.Int64
}

// Pool is the per-node connection pool.
type Pool struct {
	mu    sync.RWMutex
	nodes map[string]*nodePool

	dial           transport.Dialer
	perNodeCap     int
	acquireTimeout time.Duration
	pingTimeout    time.Duration
	log            zerolog.Logger
}

// New builds a pool. Nodes are registered with AddNode before use.
func New(opts Options) *Pool {
	if opts.PerNodeCap <= 0 {
		opts.PerNodeCap = DefaultPerNodeCap
	}
	if opts.AcquireTimeout <= 0 {
		opts.AcquireTimeout = DefaultAcquireTimeout
	}
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = DefaultPingTimeout
	}
	return &Pool{
		nodes:          make(map[string]*nodePool),
		dial:           opts.Dialer,
		perNodeCap:     opts.PerNodeCap,
		acquireTimeout: opts.AcquireTimeout,
		pingTimeout:    opts.PingTimeout,
		log:            opts.Logger.With().Str("component", "pool").Logger(),
	}
}

// AddNode registers a node address with the pool.
func (p *Pool) AddNode(nodeID, addr string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.nodes[nodeID]; exists {
		return
	}
	p.nodes[nodeID] = &nodePool{
		addr: addr,
		sem:  make(chan struct{}, p.perNodeCap),
		idle: make(chan transport.Conn, p.perNodeCap),
	}
}

// Acquire leases a connection to the node, waiting up to the configured
// acquire timeout for capacity. It reports record.ErrPoolExhausted when the
// node is at its cap for the whole wait, which the router treats as a
// dispatch failure eligible for its one retry.
func (p *Pool) Acquire(ctx context.Context, nodeID string) (*Lease, error) {
	p.mu.RLock()
	np, ok := p.nodes[nodeID]
	p.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("pool: unknown node %s", nodeID)
	}
	// A free semaphore slot must not mask a context that already expired.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	wait := time.NewTimer(p.acquireTimeout)
	defer wait.Stop()

	select {
	case np.sem <- struct{}{}:
	case <-wait.C:
		return nil, fmt.Errorf("node %s at connection cap: %w", nodeID, record.ErrPoolExhausted)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	conn, err := p.takeConn(ctx, nodeID, np)
	if err != nil {
		<-np.sem
		return nil, err
	}
	np.outstanding.Add(1)
	return &Lease{Conn: conn, NodeID: nodeID, pool: p, np: np}, nil
}

// takeConn reuses a validated idle conn or dials a fresh one. A conn that
// fails its validation ping is closed and replaced; the caller never sees
// the stale-connection error.
func (p *Pool) takeConn(ctx context.Context, nodeID string, np *nodePool) (transport.Conn, error) {
	for {
		select {
		case conn := <-np.idle:
			pingCtx, cancel := context.WithTimeout(ctx, p.pingTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err == nil {
				return conn, nil
			}
			p.log.Debug().Str("node", nodeID).Err(err).Msg("discarding stale pooled conn")
			conn.Close()
		default:
			return p.dial(ctx, nodeID, np.addr)
		}
	}
}

// Outstanding reports the node's in-flight lease count, the load signal for
// least-connections selection.
func (p *Pool) Outstanding(nodeID string) int64 {
	p.mu.RLock()
	np, ok := p.nodes[nodeID]
	p.mu.RUnlock()
	if !ok {
		return 0
	}
	return np.outstanding.Load()
}

// Close drains and closes every idle connection. Outstanding leases stay
// valid; their conns close on Discard.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, np := range p.nodes {
		drainIdle(np.idle)
	}
}

func drainIdle(idle chan transport.Conn) {
	for {
		select {
		case conn := <-idle:
			conn.Close()
		default:
			return
		}
	}
}

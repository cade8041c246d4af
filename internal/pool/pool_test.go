package pool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tickvault/tickvault/internal/record"
	"github.com/tickvault/tickvault/internal/transport"
)

// fakeConn implements transport.Conn with controllable ping behavior.
type fakeConn struct {
	transport.Conn

	pingErr error
	closed  atomic.Bool
}

func (c *fakeConn) Ping(ctx context.Context) error { return c.pingErr }

func (c *fakeConn) Close() error {
	c.closed.Store(true)
	return nil
}

type fakeDialer struct {
	dials   atomic.Int64
	dialErr error
	pingErr error
}

func (d *fakeDialer) dial(ctx context.Context, nodeID, addr string) (transport.Conn, error) {
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	d.dials.Add(1)
	return &fakeConn{pingErr: d.pingErr}, nil
}

func newTestPool(d *fakeDialer, cap int) *Pool {
	return New(Options{
		Dialer:         d.dial,
		PerNodeCap:     cap,
		AcquireTimeout: 30 * time.Millisecond,
		PingTimeout:    10 * time.Millisecond,
		Logger:         zerolog.Nop(),
	})
}

func TestAcquireReleaseReuses(t *testing.T) {
	d := &fakeDialer{}
	p := newTestPool(d, 2)
	p.AddNode("n1", "addr")

	lease, err := p.Acquire(context.Background(), "n1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), p.Outstanding("n1"))
	first := lease.Conn
	lease.Release()
	assert.Equal(t, int64(0), p.Outstanding("n1"))

	lease, err = p.Acquire(context.Background(), "n1")
	require.NoError(t, err)
	assert.Same(t, first, lease.Conn, "released conn must be reused")
	assert.Equal(t, int64(1), d.dials.Load())
	lease.Release()
}

func TestAcquireAtCapTimesOut(t *testing.T) {
	d := &fakeDialer{}
	p := newTestPool(d, 1)
	p.AddNode("n1", "addr")

	lease, err := p.Acquire(context.Background(), "n1")
	require.NoError(t, err)

	start := time.Now()
	_, err = p.Acquire(context.Background(), "n1")
	assert.ErrorIs(t, err, record.ErrPoolExhausted)
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond,
		"exhaustion must wait the acquire timeout, not fail immediately")

	// Freeing the lease unblocks the node again.
	lease.Release()
	lease2, err := p.Acquire(context.Background(), "n1")
	require.NoError(t, err)
	lease2.Release()
}

func TestAcquireUnknownNode(t *testing.T) {
	p := newTestPool(&fakeDialer{}, 1)
	_, err := p.Acquire(context.Background(), "ghost")
	assert.Error(t, err)
}

func TestDiscardClosesConn(t *testing.T) {
	d := &fakeDialer{}
	p := newTestPool(d, 2)
	p.AddNode("n1", "addr")

	lease, err := p.Acquire(context.Background(), "n1")
	require.NoError(t, err)
	conn := lease.Conn.(*fakeConn)
	lease.Discard()

	assert.True(t, conn.closed.Load())
	assert.Equal(t, int64(0), p.Outstanding("n1"))

	// The next acquire dials fresh instead of reusing the discarded conn.
	lease, err = p.Acquire(context.Background(), "n1")
	require.NoError(t, err)
	assert.NotSame(t, conn, lease.Conn)
	lease.Release()
}

func TestReleaseIsIdempotent(t *testing.T) {
	p := newTestPool(&fakeDialer{}, 1)
	p.AddNode("n1", "addr")

	lease, err := p.Acquire(context.Background(), "n1")
	require.NoError(t, err)
	lease.Release()
	lease.Release()
	lease.Discard()
	assert.Equal(t, int64(0), p.Outstanding("n1"))
}

func TestStaleIdleConnReplaced(t *testing.T) {
	d := &fakeDialer{}
	p := newTestPool(d, 2)
	p.AddNode("n1", "addr")

	lease, err := p.Acquire(context.Background(), "n1")
	require.NoError(t, err)
	stale := lease.Conn.(*fakeConn)
	// The conn goes bad while idle.
	stale.pingErr = errors.New("broken pipe")
	lease.Release()

	lease, err = p.Acquire(context.Background(), "n1")
	require.NoError(t, err)
	assert.NotSame(t, stale, lease.Conn, "failed validation must not hand out the stale conn")
	assert.True(t, stale.closed.Load())
	lease.Release()
}

func TestDialFailureSurfaces(t *testing.T) {
	d := &fakeDialer{dialErr: errors.New("no route to host")}
	p := newTestPool(d, 1)
	p.AddNode("n1", "addr")

	_, err := p.Acquire(context.Background(), "n1")
	assert.Error(t, err)
	// The semaphore slot is freed for the next attempt.
	d.dialErr = nil
	lease, err := p.Acquire(context.Background(), "n1")
	require.NoError(t, err)
	lease.Release()
}

func TestCancelledContext(t *testing.T) {
	p := newTestPool(&fakeDialer{}, 1)
	p.AddNode("n1", "addr")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Even with a free semaphore slot, an expired context never yields a
	// lease.
	_, err := p.Acquire(ctx, "n1")
	assert.ErrorIs(t, err, context.Canceled)
}

// Package health tracks backend node liveness for the balancer. A single
// probe loop measures reachability and latency on a fixed interval and
// publishes per-node status snapshots through atomic pointers, so the
// request path reads liveness without taking any lock and without ever
// waiting on a probe.
//
// Thresholds are asymmetric on purpose: FailThreshold consecutive failures
// mark a node dead, RecoverThreshold consecutive successes bring it back.
// A node alternating single success/failure therefore never flaps.
package health

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Defaults applied by NewMonitor when an Options field is zero.
const (
	DefaultInterval         = 1 * time.Second
	DefaultProbeTimeout     = 500 * time.Millisecond
	DefaultFailThreshold    = 3
	DefaultRecoverThreshold = 2
)

// NodeStatus is the point-in-time view of one node. Replaced as a unit on
// every probe; readers never observe a half-updated status.
type NodeStatus struct {
	NodeID        string    `json:"node_id"`
	Alive         bool      `json:"alive"`
	LastLatencyMs int64     `json:"last_latency_ms"`
	LastSeen      time.Time `json:"last_seen"`
}

// ProbeFunc checks one node. The context carries the probe timeout; a nil
// error means the node answered.
type ProbeFunc func(ctx context.Context, nodeID, addr string) error

// Options configures a Monitor.
type Options struct {
	Interval         time.Duration
	ProbeTimeout     time.Duration
	FailThreshold    int // consecutive failures before alive=false
	RecoverThreshold int // consecutive successes before alive=true
	Probe            ProbeFunc
	Logger           zerolog.Logger
}

type nodeState struct {
	addr   string
	status atomic.Pointer[NodeStatus]

	// Consecutive-result counters, touched only by the probe loop.
	fails     int
	successes int
}

// Monitor runs the probe loop and serves status reads.
type Monitor struct {
	mu    sync.RWMutex // guards the nodes map, not the statuses
	nodes map[string]*nodeState

	probe        ProbeFunc
	interval     time.Duration
	probeTimeout time.Duration
	failN        int
	recoverM     int
	log          zerolog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMonitor builds a monitor; Start launches the loop.
func NewMonitor(opts Options) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = DefaultProbeTimeout
	}
	if opts.FailThreshold <= 0 {
		opts.FailThreshold = DefaultFailThreshold
	}
	if opts.RecoverThreshold <= 0 {
		opts.RecoverThreshold = DefaultRecoverThreshold
	}
	return &Monitor{
		nodes:        make(map[string]*nodeState),
		probe:        opts.Probe,
		interval:     opts.Interval,
		probeTimeout: opts.ProbeTimeout,
		failN:        opts.FailThreshold,
		recoverM:     opts.RecoverThreshold,
		log:          opts.Logger.With().Str("component", "health").Logger(),
	}
}

// AddNode registers a node for probing. New nodes start alive so a fresh
// cluster serves before the first probe round completes.
func (m *Monitor) AddNode(nodeID, addr string) {
	st := &nodeState{addr: addr}
	st.status.Store(&NodeStatus{NodeID: nodeID, Alive: true})

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.nodes[nodeID]; exists {
		return
	}
	m.nodes[nodeID] = st
}

// RemoveNode stops probing a node.
func (m *Monitor) RemoveNode(nodeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.nodes, nodeID)
}

// Start launches the probe loop. Stop (or cancelling the parent context)
// shuts it down.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		m.log.Info().Dur("interval", m.interval).Msg("health monitor started")
		m.probeAll(ctx)
		for {
			select {
			case <-ticker.C:
				m.probeAll(ctx)
			case <-ctx.Done():
				m.log.Info().Msg("health monitor stopped")
				return
			}
		}
	}()
}

// Stop cancels the probe loop and waits for it to exit.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// probeAll probes every registered node concurrently and waits for the
// round to finish, so per-node counters are only ever touched by one
// goroutine at a time.
func (m *Monitor) probeAll(ctx context.Context) {
	m.mu.RLock()
	targets := make(map[string]*nodeState, len(m.nodes))
	for id, st := range m.nodes {
		targets[id] = st
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for id, st := range targets {
		wg.Add(1)
		go func(id string, st *nodeState) {
			defer wg.Done()
			m.probeOne(ctx, id, st)
		}(id, st)
	}
	wg.Wait()
}

func (m *Monitor) probeOne(ctx context.Context, nodeID string, st *nodeState) {
	probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()

	start := time.Now()
	err := m.probe(probeCtx, nodeID, st.addr)
	latency := time.Since(start)

	prev := st.status.Load()
	next := *prev

	if err != nil {
		st.fails++
		st.successes = 0
		if prev.Alive && st.fails >= m.failN {
			next.Alive = false
			m.log.Warn().
				Str("node", nodeID).
				Int("consecutive_failures", st.fails).
				Err(err).
				Msg("node marked dead")
		}
	} else {
		st.successes++
		st.fails = 0
		next.LastLatencyMs = latency.Milliseconds()
		next.LastSeen = time.Now()
		if !prev.Alive && st.successes >= m.recoverM {
			next.Alive = true
			m.log.Info().
				Str("node", nodeID).
				Int("consecutive_successes", st.successes).
				Msg("node recovered")
		}
	}
	st.status.Store(&next)
}

// Status returns the current snapshot for a node.
func (m *Monitor) Status(nodeID string) (NodeStatus, bool) {
	m.mu.RLock()
	st, ok := m.nodes[nodeID]
	m.mu.RUnlock()
	if !ok {
		return NodeStatus{}, false
	}
	return *st.status.Load(), true
}

// Alive reports whether a node is currently considered live. Unknown nodes
// are dead.
func (m *Monitor) Alive(nodeID string) bool {
	s, ok := m.Status(nodeID)
	return ok && s.Alive
}

// ListNodes returns every node's status, ordered by id.
func (m *Monitor) ListNodes() []NodeStatus {
	m.mu.RLock()
	out := make([]NodeStatus, 0, len(m.nodes))
	for _, st := range m.nodes {
		out = append(out, *st.status.Load())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

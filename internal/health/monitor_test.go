package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// scriptedProbe returns canned results per node, in order, repeating the
// last one when the script runs out.
type scriptedProbe struct {
	mu      sync.Mutex
	results map[string][]error
	calls   map[string]int
}

func newScriptedProbe() *scriptedProbe {
	return &scriptedProbe{
		results: make(map[string][]error),
		calls:   make(map[string]int),
	}
}

func (p *scriptedProbe) script(nodeID string, results ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.results[nodeID] = results
}

func (p *scriptedProbe) probe(ctx context.Context, nodeID, addr string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls[nodeID]++
	script := p.results[nodeID]
	if len(script) == 0 {
		return nil
	}
	i := p.calls[nodeID] - 1
	if i >= len(script) {
		i = len(script) - 1
	}
	return script[i]
}

func newTestMonitor(p *scriptedProbe) *Monitor {
	return NewMonitor(Options{
		Probe:            p.probe,
		Interval:         5 * time.Millisecond,
		ProbeTimeout:     50 * time.Millisecond,
		FailThreshold:    3,
		RecoverThreshold: 2,
		Logger:           zerolog.Nop(),
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestNodeStartsAlive(t *testing.T) {
	m := newTestMonitor(newScriptedProbe())
	m.AddNode("n1", "127.0.0.1:1")
	assert.True(t, m.Alive("n1"), "node must serve before the first probe round")
	assert.False(t, m.Alive("unknown"))
}

func TestConsecutiveFailuresMarkDead(t *testing.T) {
	p := newScriptedProbe()
	probeErr := errors.New("connection refused")
	p.script("n1", probeErr)
	m := newTestMonitor(p)
	m.AddNode("n1", "127.0.0.1:1")

	m.Start(context.Background())
	defer m.Stop()

	waitFor(t, func() bool { return !m.Alive("n1") })
	st, ok := m.Status("n1")
	require.True(t, ok)
	assert.False(t, st.Alive)

	// Death takes the full threshold, not a single failure.
	p.mu.Lock()
	calls := p.calls["n1"]
	p.mu.Unlock()
	assert.GreaterOrEqual(t, calls, 3)
}

func TestRecoveryTakesConsecutiveSuccesses(t *testing.T) {
	p := newScriptedProbe()
	probeErr := errors.New("timeout")
	// Dead after three failures, then healthy forever.
	p.script("n1", probeErr, probeErr, probeErr, nil)
	m := newTestMonitor(p)
	m.AddNode("n1", "127.0.0.1:1")

	m.Start(context.Background())
	defer m.Stop()

	waitFor(t, func() bool { return !m.Alive("n1") })
	waitFor(t, func() bool { return m.Alive("n1") })

	st, ok := m.Status("n1")
	require.True(t, ok)
	assert.True(t, st.Alive)
	assert.False(t, st.LastSeen.IsZero())
}

func TestAlternatingResultsDoNotFlap(t *testing.T) {
	p := newScriptedProbe()
	probeErr := errors.New("flaky")
	// Strict alternation never reaches three consecutive failures.
	script := make([]error, 0, 40)
	for i := 0; i < 20; i++ {
		script = append(script, probeErr, nil)
	}
	p.script("n1", script...)
	m := newTestMonitor(p)
	m.AddNode("n1", "127.0.0.1:1")

	m.Start(context.Background())
	defer m.Stop()

	waitFor(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.calls["n1"] >= 30
	})
	assert.True(t, m.Alive("n1"), "alternating single failures must not kill the node")
}

func TestRemoveNodeStopsProbing(t *testing.T) {
	p := newScriptedProbe()
	m := newTestMonitor(p)
	m.AddNode("n1", "127.0.0.1:1")
	m.RemoveNode("n1")

	assert.False(t, m.Alive("n1"))
	_, ok := m.Status("n1")
	assert.False(t, ok)
}

func TestListNodesSorted(t *testing.T) {
	m := newTestMonitor(newScriptedProbe())
	m.AddNode("n2", "b")
	m.AddNode("n1", "a")
	m.AddNode("n3", "c")

	nodes := m.ListNodes()
	require.Len(t, nodes, 3)
	assert.Equal(t, "n1", nodes[0].NodeID)
	assert.Equal(t, "n3", nodes[2].NodeID)
}

package balancer

import (
	"fmt"
	"sync/atomic"
)

// Candidate is one alive replica eligible for a request, annotated with
// the number of connections the pool currently has checked out to it.
type Candidate struct {
	NodeID      string
	Outstanding int64
}

// Strategy picks one node from a non-empty candidate list. Implementations
// must be safe for concurrent use.
type Strategy interface {
	Name() string
	Pick(candidates []Candidate) string
}

// NewStrategy builds a strategy by name. Empty defaults to least_connections.
func NewStrategy(name string) (Strategy, error) {
	switch name {
	case "", "least_connections":
		return NewLeastConnections(), nil
	case "round_robin":
		return NewRoundRobin(), nil
	default:
		return nil, fmt.Errorf("unsupported balancing strategy: %s", name)
	}
}

// LeastConnections picks the candidate with the fewest outstanding
// connections. When every candidate reports zero it degrades to round-robin
// so cold clusters still spread load.
type LeastConnections struct {
	next atomic.Uint64
}

func NewLeastConnections() *LeastConnections {
	return &LeastConnections{}
}

func (s *LeastConnections) Name() string { return "least_connections" }

func (s *LeastConnections) Pick(candidates []Candidate) string {
	best := 0
	allIdle := candidates[0].Outstanding == 0
	for i := 1; i < len(candidates); i++ {
		if candidates[i].Outstanding != 0 {
			allIdle = false
		}
		if candidates[i].Outstanding < candidates[best].Outstanding {
			best = i
		}
	}
	if allIdle {
		n := s.next.Add(1) - 1
		return candidates[n%uint64(len(candidates))].NodeID
	}
	return candidates[best].NodeID
}

// RoundRobin cycles through candidates regardless of load.
type RoundRobin struct {
	next atomic.Uint64
}

func NewRoundRobin() *RoundRobin {
	return &RoundRobin{}
}

func (s *RoundRobin) Name() string { return "round_robin" }

func (s *RoundRobin) Pick(candidates []Candidate) string {
	n := s.next.Add(1) - 1
	return candidates[n%uint64(len(candidates))].NodeID
}

package partition

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/tickvault/tickvault/internal/record"
)

// SeedShard describes one shard of the initial partition table, typically
// loaded from configuration.
type SeedShard struct {
	ShardID     uint64   `yaml:"shard_id" json:"shard_id"`
	Start       string   `yaml:"start" json:"start"`
	End         string   `yaml:"end" json:"end"`
	Primary     string   `yaml:"primary" json:"primary"`
	Secondaries []string `yaml:"secondaries" json:"secondaries"`
	Epoch       uint64   `yaml:"epoch" json:"epoch"`
}

// ShardView is the admin-facing description of one shard.
type ShardView struct {
	ShardID     uint64   `json:"shard_id"`
	Start       string   `json:"start"`
	End         string   `json:"end"`
	Primary     string   `json:"primary"`
	Secondaries []string `json:"secondaries"`
	Epoch       uint64   `json:"epoch"`
}

// Manager is the shard manager: the single writer of the partition table.
// Mutations build a validated successor table and publish it atomically;
// Resolve and Table are lock-free reads of the current snapshot.
type Manager struct {
	mu          sync.Mutex // serializes table mutation
	table       atomic.Pointer[Table]
	nextShardID atomic.Uint64
	log         zerolog.Logger
}

// NewManager builds a manager from the seed shards. The seeds must form a
// contiguous cover of the symbol space.
func NewManager(seeds []SeedShard, logger zerolog.Logger) (*Manager, error) {
	t := &Table{
		Version:  1,
		Ranges:   make([]Range, 0, len(seeds)),
		Replicas: make(map[uint64]ReplicaSet, len(seeds)),
	}
	var maxID uint64
	for _, s := range seeds {
		t.Ranges = append(t.Ranges, Range{ShardID: s.ShardID, Start: s.Start, End: s.End})
		t.Replicas[s.ShardID] = ReplicaSet{
			Primary:     s.Primary,
			Secondaries: append([]string(nil), s.Secondaries...),
			Epoch:       s.Epoch,
		}
		if s.ShardID > maxID {
			maxID = s.ShardID
		}
	}
	sort.Slice(t.Ranges, func(i, j int) bool { return t.Ranges[i].Start < t.Ranges[j].Start })
	if err := t.validate(); err != nil {
		return nil, fmt.Errorf("seed partition table: %w", err)
	}

	m := &Manager{log: logger.With().Str("component", "partition").Logger()}
	m.table.Store(t)
	m.nextShardID.Store(maxID)
	return m, nil
}

// Table returns the current snapshot. The snapshot is immutable; callers
// may hold it across a concurrent split and keep resolving consistently
// against the pre-split view.
func (m *Manager) Table() *Table {
	return m.table.Load()
}

// Resolve maps a symbol to its owning shard in the current table.
func (m *Manager) Resolve(symbol string) (uint64, bool) {
	return m.Table().Resolve(symbol)
}

// ReserveShardID hands out a cluster-unique shard id for a child shard.
// Reservation is independent of publication so the split orchestrator can
// create child stores before the new table becomes visible.
func (m *Manager) ReserveShardID() uint64 {
	return m.nextShardID.Add(1)
}

// CommitSplit publishes the successor table in which parent's range is
// owned by two children: left owns [start, splitKey), right owns
// [splitKey, end). Both children inherit the parent's replica set and
// epoch. In-flight requests routed against the old snapshot keep hitting
// the parent until they re-resolve; after publication every resolve lands
// on exactly one child.
func (m *Manager) CommitSplit(parent uint64, splitKey string, left, right uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.table.Load()
	parentRange, ok := cur.RangeOf(parent)
	if !ok {
		return fmt.Errorf("split: unknown shard %d", parent)
	}
	if splitKey <= parentRange.Start || (parentRange.End != "" && splitKey >= parentRange.End) {
		return fmt.Errorf("split key %q outside shard %d range [%q, %q)",
			splitKey, parent, parentRange.Start, parentRange.End)
	}
	if _, exists := cur.Replicas[left]; exists {
		return fmt.Errorf("split: child shard id %d already in use", left)
	}
	if _, exists := cur.Replicas[right]; exists {
		return fmt.Errorf("split: child shard id %d already in use", right)
	}

	next := cur.clone()
	next.Version++
	parentSet := next.Replicas[parent]
	delete(next.Replicas, parent)
	next.Replicas[left] = ReplicaSet{
		Primary:     parentSet.Primary,
		Secondaries: append([]string(nil), parentSet.Secondaries...),
		Epoch:       parentSet.Epoch,
	}
	next.Replicas[right] = ReplicaSet{
		Primary:     parentSet.Primary,
		Secondaries: append([]string(nil), parentSet.Secondaries...),
		Epoch:       parentSet.Epoch,
	}
	for i, r := range next.Ranges {
		if r.ShardID != parent {
			continue
		}
		children := []Range{
			{ShardID: left, Start: r.Start, End: splitKey},
			{ShardID: right, Start: splitKey, End: r.End},
		}
		next.Ranges = append(next.Ranges[:i], append(children, next.Ranges[i+1:]...)...)
		break
	}
	if err := next.validate(); err != nil {
		return fmt.Errorf("split successor table: %w", err)
	}

	m.table.Store(next)
	m.log.Info().
		Uint64("parent", parent).
		Uint64("left", left).
		Uint64("right", right).
		Str("split_key", splitKey).
		Uint64("table_version", next.Version).
		Msg("published split")
	return nil
}

// AssignPrimary moves the primary of a shard to node. The epoch must be
// strictly greater than the shard's current epoch or the assignment is
// rejected with record.ErrStaleEpoch; this keeps a delayed reassignment
// from resurrecting an old primary.
func (m *Manager) AssignPrimary(shardID uint64, nodeID string, epoch uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.table.Load()
	rs, ok := cur.Replicas[shardID]
	if !ok {
		return fmt.Errorf("assign primary: unknown shard %d", shardID)
	}
	if epoch <= rs.Epoch {
		return fmt.Errorf("assign primary shard %d: epoch %d <= current %d: %w",
			shardID, epoch, rs.Epoch, record.ErrStaleEpoch)
	}

	next := cur.clone()
	next.Version++
	set := next.Replicas[shardID]
	if set.Primary != "" && set.Primary != nodeID {
		// Old primary becomes a secondary unless it is already one.
		if !contains(set.Secondaries, set.Primary) {
			set.Secondaries = append(set.Secondaries, set.Primary)
		}
	}
	set.Secondaries = remove(set.Secondaries, nodeID)
	set.Primary = nodeID
	set.Epoch = epoch
	next.Replicas[shardID] = set

	m.table.Store(next)
	m.log.Info().
		Uint64("shard", shardID).
		Str("primary", nodeID).
		Uint64("epoch", epoch).
		Msg("assigned primary")
	return nil
}

// AddSecondary adds a node to the shard's replica set.
func (m *Manager) AddSecondary(shardID uint64, nodeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.table.Load()
	rs, ok := cur.Replicas[shardID]
	if !ok {
		return fmt.Errorf("add secondary: unknown shard %d", shardID)
	}
	if rs.Primary == nodeID || contains(rs.Secondaries, nodeID) {
		return nil
	}

	next := cur.clone()
	next.Version++
	set := next.Replicas[shardID]
	set.Secondaries = append(set.Secondaries, nodeID)
	next.Replicas[shardID] = set
	m.table.Store(next)
	return nil
}

// RemoveSecondary drops a node from the shard's replica set. Removing the
// primary is not allowed; reassign it first.
func (m *Manager) RemoveSecondary(shardID uint64, nodeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.table.Load()
	rs, ok := cur.Replicas[shardID]
	if !ok {
		return fmt.Errorf("remove secondary: unknown shard %d", shardID)
	}
	if rs.Primary == nodeID {
		return fmt.Errorf("remove secondary: node %s is primary of shard %d", nodeID, shardID)
	}
	if !contains(rs.Secondaries, nodeID) {
		return nil
	}

	next := cur.clone()
	next.Version++
	set := next.Replicas[shardID]
	set.Secondaries = remove(set.Secondaries, nodeID)
	next.Replicas[shardID] = set
	m.table.Store(next)
	return nil
}

// ListShards returns the admin view of every shard, ordered by range start.
func (m *Manager) ListShards() []ShardView {
	t := m.Table()
	out := make([]ShardView, 0, len(t.Ranges))
	for _, r := range t.Ranges {
		rs := t.Replicas[r.ShardID]
		out = append(out, ShardView{
			ShardID:     r.ShardID,
			Start:       r.Start,
			End:         r.End,
			Primary:     rs.Primary,
			Secondaries: append([]string(nil), rs.Secondaries...),
			Epoch:       rs.Epoch,
		})
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func remove(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}

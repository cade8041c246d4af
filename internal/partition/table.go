// Package partition owns the mapping from symbol to shard: an immutable
// partition table published through an atomic pointer, plus the manager
// that produces successor tables for splits and replica-set changes.
//
// Readers resolve symbols against whatever snapshot is current and never
// block on a concurrent split; they observe either the pre-split or the
// post-split table, never a half-updated one.
package partition

import (
	"fmt"
	"sort"
)

// Range is one contiguous symbol range [Start, End) owned by a shard. An
// empty End means unbounded. The first range of a table starts at "".
type Range struct {
	ShardID uint64 `json:"shard_id"`
	Start   string `json:"start"`
	End     string `json:"end"`
}

// Contains reports whether the symbol falls inside the range.
func (r Range) Contains(symbol string) bool {
	return symbol >= r.Start && (r.End == "" || symbol < r.End)
}

// ReplicaSet is the node membership of one shard. At most one node is
// primary at any time, guarded by the epoch: a primary assignment must
// carry an epoch strictly greater than the current one.
type ReplicaSet struct {
	Primary     string   `json:"primary"`
	Secondaries []string `json:"secondaries"`
	Epoch       uint64   `json:"epoch"`
}

// Nodes returns primary plus secondaries, primary first.
func (rs ReplicaSet) Nodes() []string {
	out := make([]string, 0, 1+len(rs.Secondaries))
	if rs.Primary != "" {
		out = append(out, rs.Primary)
	}
	return append(out, rs.Secondaries...)
}

// Table is one immutable partition table snapshot. All fields are read-only
// after publication; successor tables are built from copies.
type Table struct {
	Version  uint64                // strictly increasing publication counter
	Ranges   []Range               // sorted by Start, contiguous, covering ["", +inf)
	Replicas map[uint64]ReplicaSet // shardID -> membership
}

// Resolve returns the shard owning the symbol. The boolean is false only
// for a table that failed validation, which never gets published.
func (t *Table) Resolve(symbol string) (uint64, bool) {
	i := sort.Search(len(t.Ranges), func(i int) bool {
		r := t.Ranges[i]
		return r.End == "" || symbol < r.End
	})
	if i >= len(t.Ranges) || t.Ranges[i].Start > symbol {
		return 0, false
	}
	return t.Ranges[i].ShardID, true
}

// RangeOf returns the range owned by a shard.
func (t *Table) RangeOf(shardID uint64) (Range, bool) {
	for _, r := range t.Ranges {
		if r.ShardID == shardID {
			return r, true
		}
	}
	return Range{}, false
}

// Replica returns the replica set of a shard.
func (t *Table) Replica(shardID uint64) (ReplicaSet, bool) {
	rs, ok := t.Replicas[shardID]
	return rs, ok
}

// validate checks that the ranges are sorted, contiguous, cover the whole
// key space, and that every range has a replica set.
func (t *Table) validate() error {
	if len(t.Ranges) == 0 {
		return fmt.Errorf("partition table has no ranges")
	}
	if t.Ranges[0].Start != "" {
		return fmt.Errorf("first range must start at the beginning of the key space, got %q", t.Ranges[0].Start)
	}
	for i, r := range t.Ranges {
		if i > 0 && r.Start != t.Ranges[i-1].End {
			return fmt.Errorf("gap or overlap between range %d and %d (%q != %q)",
				i-1, i, t.Ranges[i-1].End, r.Start)
		}
		if r.End != "" && r.End <= r.Start {
			return fmt.Errorf("range %d is empty or inverted: [%q, %q)", i, r.Start, r.End)
		}
		if _, ok := t.Replicas[r.ShardID]; !ok {
			return fmt.Errorf("shard %d has no replica set", r.ShardID)
		}
	}
	if t.Ranges[len(t.Ranges)-1].End != "" {
		return fmt.Errorf("last range must be unbounded, ends at %q", t.Ranges[len(t.Ranges)-1].End)
	}
	return nil
}

// clone deep-copies the table so a successor can be mutated before
// publication.
func (t *Table) clone() *Table {
	next := &Table{
		Version:  t.Version,
		Ranges:   make([]Range, len(t.Ranges)),
		Replicas: make(map[uint64]ReplicaSet, len(t.Replicas)),
	}
	copy(next.Ranges, t.Ranges)
	for id, rs := range t.Replicas {
		cp := rs
		cp.Secondaries = append([]string(nil), rs.Secondaries...)
		next.Replicas[id] = cp
	}
	return next
}

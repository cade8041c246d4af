// Write paths for the record store: versioned puts and the migration
// restore used during shard splits. Both commit the record key and the meta
// keys in one atomic batch.
package storage

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/pebble"

	"github.com/tickvault/tickvault/internal/record"
)

// Put appends a new version for (symbol, ts) and returns the assigned
// version. Writes are serialized, so versions observe commit order:
// concurrent Puts for the same key race on version assignment but the
// higher version always committed later.
//
// Put reports record.ErrCapacityExceeded when the key is new and the shard
// already holds RecordCap distinct keys; the existing data stays intact and
// the router treats the shard as a split candidate.
func (s *RecordStore) Put(symbol string, ts int64, payload []byte) (uint64, error) {
	if symbol == "" {
		return 0, fmt.Errorf("empty symbol")
	}
	// A NUL collides with the key separator and would decode as a
	// truncated symbol on scans.
	if strings.IndexByte(symbol, 0) >= 0 {
		return 0, fmt.Errorf("symbol %q contains a NUL byte", symbol)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	newKey, err := s.groupEmpty(symbol, ts)
	if err != nil {
		return 0, err
	}
	if newKey && s.opts.RecordCap > 0 && s.count.Load() >= s.opts.RecordCap {
		return 0, record.ErrCapacityExceeded
	}

	version := s.seq.Load() + 1
	count := s.count.Load()
	if newKey {
		count++
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	if err := batch.Set(record.EncodeKey(symbol, ts, version), payload, nil); err != nil {
		return 0, fmt.Errorf("batch record: %w", err)
	}
	if err := appendMetaUint64(batch, metaSeqKey, version); err != nil {
		return 0, fmt.Errorf("batch seq: %w", err)
	}
	if err := appendMetaUint64(batch, metaCountKey, uint64(count)); err != nil {
		return 0, fmt.Errorf("batch count: %w", err)
	}
	if err := batch.Commit(s.writeOpts); err != nil {
		return 0, fmt.Errorf("commit put: %w", err)
	}

	s.seq.Store(version)
	s.count.Store(count)
	return version, nil
}

// Restore writes records preserving their assigned versions. It is used to
// copy a key range into a child shard during a split, where re-assigning
// versions would break read-your-writes for in-flight callers.
func (s *RecordStore) Restore(records []record.Record) error {
	if len(records) == 0 {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	seq := s.seq.Load()
	count := s.count.Load()

	batch := s.db.NewBatch()
	defer batch.Close()

	// Batched writes are invisible to groupEmpty until committed, so track
	// the groups this batch introduces to avoid double counting a key
	// restored with several versions.
	batched := make(map[groupKey]struct{}, len(records))

	for i := range records {
		r := &records[i]
		gk := groupKey{r.Symbol, r.Timestamp}
		newKey := false
		if _, inBatch := batched[gk]; !inBatch {
			empty, err := s.groupEmpty(r.Symbol, r.Timestamp)
			if err != nil {
				return err
			}
			newKey = empty
			batched[gk] = struct{}{}
		}
		if err := batch.Set(record.EncodeKey(r.Symbol, r.Timestamp, r.Version), r.Payload, nil); err != nil {
			return fmt.Errorf("batch restore record: %w", err)
		}
		if newKey {
			count++
		}
		if r.Version > seq {
			seq = r.Version
		}
	}
	if err := appendMetaUint64(batch, metaSeqKey, seq); err != nil {
		return fmt.Errorf("batch seq: %w", err)
	}
	if err := appendMetaUint64(batch, metaCountKey, uint64(count)); err != nil {
		return fmt.Errorf("batch count: %w", err)
	}
	if err := batch.Commit(s.writeOpts); err != nil {
		return fmt.Errorf("commit restore: %w", err)
	}

	s.seq.Store(seq)
	s.count.Store(count)
	return nil
}

type groupKey struct {
	symbol string
	ts     int64
}

// groupEmpty reports whether no version exists yet for (symbol, ts).
func (s *RecordStore) groupEmpty(symbol string, ts int64) (bool, error) {
	prefix := record.GroupPrefix(symbol, ts)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: record.PrefixSuccessor(prefix),
	})
	if err != nil {
		return false, err
	}
	defer iter.Close()
	empty := !iter.First()
	if err := iter.Error(); err != nil {
		return false, err
	}
	return empty, nil
}

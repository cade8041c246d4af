// Retention compaction: the only path that ever deletes record data. It
// drops superseded versions of keys older than the retention horizon while
// always keeping the newest version of every key.
package storage

import (
	"fmt"

	"github.com/tickvault/tickvault/internal/record"
)

// CompactRetention removes every non-newest version of keys whose timestamp
// is older than cutoff (unix milliseconds), then asks pebble to compact the
// record keyspace. Returns the number of versions removed.
//
// The newest version of each (symbol, timestamp) key is always retained, so
// the record count is unchanged.
func (s *RecordStore) CompactRetention(cutoff int64) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var stale [][]byte
	var lastSym string
	var lastTS int64
	var haveKey bool
	err := s.iterateRecordKeys(func(sym string, ts int64, version uint64) bool {
		head := !haveKey || sym != lastSym || ts != lastTS
		lastSym, lastTS, haveKey = sym, ts, true
		if head {
			return true // newest version of its key, always kept
		}
		if ts < cutoff {
			stale = append(stale, record.EncodeKey(sym, ts, version))
		}
		return true
	})
	if err != nil {
		return 0, fmt.Errorf("collect stale versions: %w", err)
	}
	if len(stale) == 0 {
		return 0, nil
	}

	batch := s.db.NewBatch()
	defer batch.Close()
	for _, key := range stale {
		if err := batch.Delete(key, nil); err != nil {
			return 0, fmt.Errorf("batch delete: %w", err)
		}
	}
	if err := batch.Commit(s.writeOpts); err != nil {
		return 0, fmt.Errorf("commit retention batch: %w", err)
	}

	lower := record.RecordKeyspace()
	if err := s.db.Compact(lower, record.PrefixSuccessor(lower), false); err != nil {
		return len(stale), fmt.Errorf("compact after retention: %w", err)
	}
	s.log.Info().Int("versions_removed", len(stale)).Int64("cutoff", cutoff).Msg("retention compaction complete")
	return len(stale), nil
}

// Package storage implements the per-shard record store on top of PebbleDB.
// Each shard owns one RecordStore, i.e. one pebble directory. The store is
// append-only at the version level: writes for an existing (symbol,
// timestamp) key add a new version, and the newest version of each key is
// what point reads and scans observe.
package storage

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/rs/zerolog"

	"github.com/tickvault/tickvault/internal/record"
)

// Meta keys kept outside the record keyspace.
const (
	metaSeqKey   = "m/seq"   // last assigned version sequence
	metaCountKey = "m/count" // number of distinct (symbol, timestamp) keys
)

// Options configures a RecordStore.
type Options struct {
	Dir string // pebble directory for this shard

	// RecordCap bounds the number of distinct (symbol, timestamp) keys the
	// shard accepts before Put reports record.ErrCapacityExceeded. Zero
	// means unbounded.
	RecordCap int64

	// Sync forces an fsync on every commit. Tests and bulk migration turn
	// it off.
	Sync bool

	Logger zerolog.Logger
}

// RecordStore is the ordered store for a single shard.
//
// Writes are serialized by an internal mutex so that assigned versions
// observe the commit order of the underlying batch. Reads and scans take no
// lock; pebble iterators are safe for concurrent use.
type RecordStore struct {
	db        *pebble.DB
	opts      Options
	writeOpts *pebble.WriteOptions
	log       zerolog.Logger

	writeMu sync.Mutex // serializes Put/Restore/compaction
	seq     atomic.Uint64
	count   atomic.Int64

	closed atomic.Bool
}

// Open opens (or creates) the shard store in opts.Dir and recovers the
// version sequence and record count.
func Open(opts Options) (*RecordStore, error) {
	db, err := pebble.Open(opts.Dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble db at %s: %w", opts.Dir, err)
	}

	s := &RecordStore{
		db:   db,
		opts: opts,
		log:  opts.Logger.With().Str("component", "storage").Str("dir", opts.Dir).Logger(),
	}
	s.writeOpts = pebble.NoSync
	if opts.Sync {
		s.writeOpts = pebble.Sync
	}

	if err := s.recoverMeta(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// recoverMeta loads the persisted sequence and count, rebuilding both from
// the record keyspace when the meta keys are missing (e.g. after a crash
// between batch commit and meta durability is impossible here since both
// land in one batch, but directories restored from backup may lack them).
func (s *RecordStore) recoverMeta() error {
	seq, seqOK, err := s.getMetaUint64(metaSeqKey)
	if err != nil {
		return err
	}
	count, countOK, err := s.getMetaUint64(metaCountKey)
	if err != nil {
		return err
	}
	if seqOK && countOK {
		s.seq.Store(seq)
		s.count.Store(int64(count))
		return nil
	}

	var maxVersion uint64
	var groups int64
	var lastSym string
	var lastTS int64
	var seen bool
	err = s.iterateRecordKeys(func(sym string, ts int64, version uint64) bool {
		if version > maxVersion {
			maxVersion = version
		}
		if !seen || sym != lastSym || ts != lastTS {
			groups++
			lastSym, lastTS, seen = sym, ts, true
		}
		return true
	})
	if err != nil {
		return fmt.Errorf("rebuild store meta: %w", err)
	}
	s.seq.Store(maxVersion)
	s.count.Store(groups)
	return nil
}

func (s *RecordStore) getMetaUint64(key string) (uint64, bool, error) {
	val, closer, err := s.db.Get([]byte(key))
	if err != nil {
		if err == pebble.ErrNotFound {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("read meta %s: %w", key, err)
	}
	defer closer.Close()
	if len(val) != 8 {
		return 0, false, fmt.Errorf("malformed meta %s", key)
	}
	return binary.BigEndian.Uint64(val), true, nil
}

// iterateRecordKeys walks every record key in order, decoding each.
func (s *RecordStore) iterateRecordKeys(fn func(sym string, ts int64, version uint64) bool) error {
	lower := record.RecordKeyspace()
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: record.PrefixSuccessor(lower),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		sym, ts, version, err := record.DecodeKey(iter.Key())
		if err != nil {
			return err
		}
		if !fn(sym, ts, version) {
			break
		}
	}
	return iter.Error()
}

// RecordCount returns the number of distinct (symbol, timestamp) keys.
func (s *RecordStore) RecordCount() int64 {
	return s.count.Load()
}

// LastVersion returns the highest version assigned so far.
func (s *RecordStore) LastVersion() uint64 {
	return s.seq.Load()
}

// ApproximateSize estimates the on-disk size of the record keyspace.
func (s *RecordStore) ApproximateSize() (uint64, error) {
	lower := record.RecordKeyspace()
	return s.db.EstimateDiskUsage(lower, record.PrefixSuccessor(lower))
}

// Flush forces the memtable to disk.
func (s *RecordStore) Flush() error {
	return s.db.Flush()
}

// Close closes the underlying pebble instance. The store must not be used
// afterwards.
func (s *RecordStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}

func appendMetaUint64(b *pebble.Batch, key string, v uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return b.Set([]byte(key), buf[:], nil)
}

// Read paths for the record store: point lookups, ordered scans with
// restartable cursors, and the split-point probe used by the shard manager.
package storage

import (
	"bytes"
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/tickvault/tickvault/internal/record"
)

// Get returns the newest version for (symbol, ts), or record.ErrNotFound.
func (s *RecordStore) Get(symbol string, ts int64) (*record.Record, error) {
	prefix := record.GroupPrefix(symbol, ts)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: record.PrefixSuccessor(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	// Versions are stored inverted, so the first key in the group is the
	// newest version.
	if !iter.First() {
		if err := iter.Error(); err != nil {
			return nil, err
		}
		return nil, record.ErrNotFound
	}
	return decodeEntry(iter)
}

// GetAt returns one explicit version for (symbol, ts), or
// record.ErrNotFound.
func (s *RecordStore) GetAt(symbol string, ts int64, version uint64) (*record.Record, error) {
	key := record.EncodeKey(symbol, ts, version)
	val, closer, err := s.db.Get(key)
	if err != nil {
		if err == pebble.ErrNotFound {
			return nil, record.ErrNotFound
		}
		return nil, err
	}
	defer closer.Close()

	payload := make([]byte, len(val))
	copy(payload, val)
	return &record.Record{Symbol: symbol, Timestamp: ts, Version: version, Payload: payload}, nil
}

// Latest returns the newest record for a symbol: the highest timestamp, at
// its newest version.
func (s *RecordStore) Latest(symbol string) (*record.Record, error) {
	prefix := record.SymbolExactPrefix(symbol)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: record.PrefixSuccessor(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	// Last lands on the oldest version of the highest timestamp; reseek to
	// the head of that timestamp group for the newest version.
	if !iter.Last() {
		if err := iter.Error(); err != nil {
			return nil, err
		}
		return nil, record.ErrNotFound
	}
	_, ts, _, err := record.DecodeKey(iter.Key())
	if err != nil {
		return nil, err
	}
	if !iter.SeekGE(record.GroupPrefix(symbol, ts)) {
		if err := iter.Error(); err != nil {
			return nil, err
		}
		return nil, record.ErrNotFound
	}
	return decodeEntry(iter)
}

// ScanOptions bounds a Scan call.
type ScanOptions struct {
	SymbolPrefix string
	From, To     int64  // inclusive timestamp bounds; zero To means unbounded
	Cursor       string // opaque token from a previous Scan
	Limit        int    // max records per page; zero means DefaultScanLimit

	// AllVersions includes every stored version instead of only the newest
	// per key. Used by split migration, which must preserve version history.
	AllVersions bool
}

// DefaultScanLimit caps a scan page when the caller does not say otherwise.
const DefaultScanLimit = 1000

// Scan returns records ordered by (symbol, timestamp), newest version per
// key unless AllVersions is set, restartable via the returned cursor. An
// empty cursor means the scan is exhausted.
func (s *RecordStore) Scan(opts ScanOptions) ([]record.Record, string, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultScanLimit
	}

	prefix := record.SymbolPrefix(opts.SymbolPrefix)
	lower := prefix
	if opts.Cursor != "" {
		resume, err := record.DecodeCursor(opts.Cursor)
		if err != nil {
			return nil, "", err
		}
		if bytes.Compare(resume, lower) > 0 {
			lower = resume
		}
	}

	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: record.PrefixSuccessor(prefix),
	})
	if err != nil {
		return nil, "", err
	}
	defer iter.Close()

	var (
		out     []record.Record
		lastSym string
		lastTS  int64
		haveKey bool
	)
	for iter.First(); iter.Valid(); iter.Next() {
		sym, ts, version, err := record.DecodeKey(iter.Key())
		if err != nil {
			return nil, "", err
		}
		if !opts.AllVersions && haveKey && sym == lastSym && ts == lastTS {
			continue // older version of the previous key
		}
		lastSym, lastTS, haveKey = sym, ts, true

		if ts < opts.From || (opts.To != 0 && ts > opts.To) {
			continue
		}

		if len(out) >= limit {
			// Page full; resume at the first entry that did not fit.
			return out, record.EncodeCursor(iter.Key()), nil
		}
		payload := make([]byte, len(iter.Value()))
		copy(payload, iter.Value())
		out = append(out, record.Record{Symbol: sym, Timestamp: ts, Version: version, Payload: payload})
	}
	if err := iter.Error(); err != nil {
		return nil, "", err
	}
	return out, "", nil
}

// SplitKey returns the median symbol of the shard, used as the boundary for
// a split: records with symbol >= SplitKey move to the right child. Fails
// when the shard holds fewer than two distinct symbols.
func (s *RecordStore) SplitKey() (string, error) {
	var symbols []string
	var last string
	err := s.iterateRecordKeys(func(sym string, ts int64, version uint64) bool {
		if len(symbols) == 0 || sym != last {
			symbols = append(symbols, sym)
			last = sym
		}
		return true
	})
	if err != nil {
		return "", err
	}
	if len(symbols) < 2 {
		return "", fmt.Errorf("shard holds %d distinct symbols, cannot split", len(symbols))
	}
	return symbols[len(symbols)/2], nil
}

func decodeEntry(iter *pebble.Iterator) (*record.Record, error) {
	sym, ts, version, err := record.DecodeKey(iter.Key())
	if err != nil {
		return nil, err
	}
	payload := make([]byte, len(iter.Value()))
	copy(payload, iter.Value())
	return &record.Record{Symbol: sym, Timestamp: ts, Version: version, Payload: payload}, nil
}

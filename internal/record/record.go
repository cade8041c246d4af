// Package record defines the data model shared by every layer of tickvault:
// the versioned market record, its ordered key encoding, and the error
// taxonomy surfaced to callers.
package record

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Record is a single versioned entry for a (symbol, timestamp) key.
// Records are immutable once written; a later write for the same key
// produces a new, strictly higher version rather than mutating in place.
type Record struct {
	Symbol    string `json:"symbol"`
	Timestamp int64  `json:"timestamp"` // unix milliseconds
	Version   uint64 `json:"version"`
	Payload   []byte `json:"payload"`
}

// Key returns the (symbol, timestamp) identity of the record.
func (r *Record) Key() (string, int64) {
	return r.Symbol, r.Timestamp
}

// Quote is the conventional payload for price records. Callers are free to
// store any payload bytes; Quote is a helper for the common case.
type Quote struct {
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Close  decimal.Decimal `json:"close"`
	Volume int64           `json:"volume"`
}

// AnalysisBlob wraps an opaque analysis result together with the model or
// pipeline that produced it.
type AnalysisBlob struct {
	Kind       string          `json:"kind"`
	ProducedAt time.Time       `json:"produced_at"`
	Data       json.RawMessage `json:"data"`
}

// EncodeQuote serializes a quote into payload bytes.
func EncodeQuote(q Quote) ([]byte, error) {
	return json.Marshal(q)
}

// DecodeQuote parses payload bytes produced by EncodeQuote.
func DecodeQuote(payload []byte) (Quote, error) {
	var q Quote
	if err := json.Unmarshal(payload, &q); err != nil {
		return Quote{}, fmt.Errorf("decode quote payload: %w", err)
	}
	return q, nil
}

// Key encoding
// ======================================================================
//
// Record keys live under the "r/" keyspace of the ordered store:
//
//	r/<symbol> 0x00 <timestamp:8 big-endian> <^version:8 big-endian>
//
// The version bytes are bitwise-inverted so that, within a single
// (symbol, timestamp) prefix, the newest version sorts first. Iterating the
// keyspace therefore yields records ordered by (symbol, timestamp) with the
// newest version leading each group.

const (
	recordKeyspace  = "r/"
	symbolSeparator = 0x00
)

// RecordKeyspace is the prefix under which all record keys are stored.
func RecordKeyspace() []byte {
	return []byte(recordKeyspace)
}

// EncodeKey builds the full storage key for a record version.
func EncodeKey(symbol string, ts int64, version uint64) []byte {
	buf := make([]byte, 0, len(recordKeyspace)+len(symbol)+1+16)
	buf = append(buf, recordKeyspace...)
	buf = append(buf, symbol...)
	buf = append(buf, symbolSeparator)
	buf = binary.BigEndian.AppendUint64(buf, uint64(ts))
	buf = binary.BigEndian.AppendUint64(buf, ^version)
	return buf
}

// GroupPrefix builds the key prefix covering every version of one
// (symbol, timestamp) key.
func GroupPrefix(symbol string, ts int64) []byte {
	buf := make([]byte, 0, len(recordKeyspace)+len(symbol)+1+8)
	buf = append(buf, recordKeyspace...)
	buf = append(buf, symbol...)
	buf = append(buf, symbolSeparator)
	buf = binary.BigEndian.AppendUint64(buf, uint64(ts))
	return buf
}

// SymbolPrefix builds the key prefix covering every record whose symbol
// starts with the given prefix. An empty prefix covers the whole record
// keyspace.
func SymbolPrefix(symbolPrefix string) []byte {
	buf := make([]byte, 0, len(recordKeyspace)+len(symbolPrefix))
	buf = append(buf, recordKeyspace...)
	buf = append(buf, symbolPrefix...)
	return buf
}

// SymbolExactPrefix builds the key prefix covering every record of exactly
// one symbol, across all timestamps and versions.
func SymbolExactPrefix(symbol string) []byte {
	return append(SymbolPrefix(symbol), symbolSeparator)
}

// DecodeKey parses a storage key back into its components.
func DecodeKey(key []byte) (symbol string, ts int64, version uint64, err error) {
	if !bytes.HasPrefix(key, []byte(recordKeyspace)) {
		return "", 0, 0, fmt.Errorf("key outside record keyspace: %q", key)
	}
	rest := key[len(recordKeyspace):]
	sep := bytes.IndexByte(rest, symbolSeparator)
	if sep < 0 || len(rest) != sep+1+16 {
		return "", 0, 0, fmt.Errorf("malformed record key: %q", key)
	}
	symbol = string(rest[:sep])
	ts = int64(binary.BigEndian.Uint64(rest[sep+1 : sep+9]))
	version = ^binary.BigEndian.Uint64(rest[sep+9:])
	return symbol, ts, version, nil
}

// EncodeCursor wraps a resume key into the opaque scan cursor handed to
// callers. The key encodes symbol and timestamp rather than shard identity,
// so a cursor stays valid across splits.
func EncodeCursor(resumeKey []byte) string {
	return base64.StdEncoding.EncodeToString(resumeKey)
}

// DecodeCursor unwraps a cursor back into its resume key.
func DecodeCursor(token string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("malformed scan cursor: %w", err)
	}
	return b, nil
}

// CursorSymbol extracts the symbol position from a resume key. The key may
// be a full record key or a bare symbol prefix marking the start of a range.
func CursorSymbol(key []byte) (string, error) {
	if !bytes.HasPrefix(key, []byte(recordKeyspace)) {
		return "", fmt.Errorf("cursor key outside record keyspace: %q", key)
	}
	rest := key[len(recordKeyspace):]
	if sep := bytes.IndexByte(rest, symbolSeparator); sep >= 0 {
		return string(rest[:sep]), nil
	}
	return string(rest), nil
}

// PrefixSuccessor returns the smallest key greater than every key having the
// given prefix, or nil if no such key exists (all bytes 0xff). Used as an
// exclusive iteration upper bound.
func PrefixSuccessor(prefix []byte) []byte {
	for i := len(prefix) - 1; i >= 0; i-- {
		if prefix[i] != 0xff {
			succ := make([]byte, i+1)
			copy(succ, prefix[:i+1])
			succ[i]++
			return succ
		}
	}
	return nil
}

// Package transport defines the contract between the router and storage
// nodes: a Conn with the shard-level operations, a Dialer the connection
// pool uses to open conns, and the request/response shapes shared by the
// HTTP and in-process implementations.
package transport

import (
	"context"

	"github.com/tickvault/tickvault/internal/record"
	"github.com/tickvault/tickvault/internal/storage"
)

// WriteRequest appends a new record version on a shard.
type WriteRequest struct {
	Shard     uint64 `json:"shard"`
	Symbol    string `json:"symbol"`
	Timestamp int64  `json:"timestamp"`
	Payload   []byte `json:"payload"`
}

// WriteResponse carries the version assigned by the shard store.
type WriteResponse struct {
	Version uint64 `json:"version"`
}

// ReadRequest fetches one record. A nil Timestamp asks for the symbol's
// latest record.
type ReadRequest struct {
	Shard     uint64 `json:"shard"`
	Symbol    string `json:"symbol"`
	Timestamp *int64 `json:"timestamp,omitempty"`
}

// ScanRequest pages through a shard's records in (symbol, timestamp) order.
type ScanRequest struct {
	Shard        uint64 `json:"shard"`
	SymbolPrefix string `json:"symbol_prefix"`
	From         int64  `json:"from"`
	To           int64  `json:"to"`
	Cursor       string `json:"cursor,omitempty"`
	Limit        int    `json:"limit,omitempty"`
	AllVersions  bool   `json:"all_versions,omitempty"`
}

// ScanResponse is one scan page. An empty NextCursor means the scan is
// exhausted.
type ScanResponse struct {
	Records    []record.Record `json:"records"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conn is a leased handle to one storage node. A Conn is owned by exactly
// one in-flight request at a time; the pool validates idle conns with Ping
// before reuse.
type Conn interface {
	Write(ctx context.Context, req WriteRequest) (*WriteResponse, error)
	Read(ctx context.Context, req ReadRequest) (*record.Record, error)
	Scan(ctx context.Context, req ScanRequest) (*ScanResponse, error)

	// Split support: SplitKey probes the shard's median symbol, Migrate
	// copies records (versions preserved) into a child shard.
	SplitKey(ctx context.Context, shard uint64) (string, error)
	CreateShard(ctx context.Context, shard uint64) error
	DropShard(ctx context.Context, shard uint64) error
	Migrate(ctx context.Context, shard uint64, records []record.Record) error

	// Ping is the lightweight liveness check used by pool validation and
	// the health monitor.
	Ping(ctx context.Context) error
	Close() error
}

// Dialer opens a new Conn to the node at addr.
type Dialer func(ctx context.Context, nodeID, addr string) (Conn, error)

// ShardHost is the node-side surface a LocalConn forwards to. It is
// implemented by the server package's shard host; keeping the interface
// here lets embedded deployments skip HTTP entirely.
type ShardHost interface {
	Write(shard uint64, symbol string, ts int64, payload []byte) (uint64, error)
	Read(shard uint64, symbol string, ts *int64) (*record.Record, error)
	Scan(shard uint64, opts storage.ScanOptions) ([]record.Record, string, error)
	SplitKey(shard uint64) (string, error)
	CreateShard(shard uint64) error
	DropShard(shard uint64) error
	Migrate(shard uint64, records []record.Record) error
}

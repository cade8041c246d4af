package transport

import (
	"context"

	"github.com/tickvault/tickvault/internal/record"
	"github.com/tickvault/tickvault/internal/storage"
)

// LocalConn forwards Conn operations to an in-process shard host. It is the
// transport for single-binary deployments and for tests that want real
// stores without HTTP in the middle.
type LocalConn struct {
	host ShardHost
}

// NewLocalConn wraps a shard host in the Conn contract.
func NewLocalConn(host ShardHost) *LocalConn {
	return &LocalConn{host: host}
}

// LocalDialer returns a Dialer whose conns all target the given host,
// regardless of address.
func LocalDialer(host ShardHost) Dialer {
	return func(ctx context.Context, nodeID, addr string) (Conn, error) {
		return NewLocalConn(host), nil
	}
}

func (c *LocalConn) Write(ctx context.Context, req WriteRequest) (*WriteResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	version, err := c.host.Write(req.Shard, req.Symbol, req.Timestamp, req.Payload)
	if err != nil {
		return nil, err
	}
	return &WriteResponse{Version: version}, nil
}

func (c *LocalConn) Read(ctx context.Context, req ReadRequest) (*record.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.host.Read(req.Shard, req.Symbol, req.Timestamp)
}

func (c *LocalConn) Scan(ctx context.Context, req ScanRequest) (*ScanResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	records, next, err := c.host.Scan(req.Shard, storage.ScanOptions{
		SymbolPrefix: req.SymbolPrefix,
		From:         req.From,
		To:           req.To,
		Cursor:       req.Cursor,
		Limit:        req.Limit,
		AllVersions:  req.AllVersions,
	})
	if err != nil {
		return nil, err
	}
	return &ScanResponse{Records: records, NextCursor: next}, nil
}

func (c *LocalConn) SplitKey(ctx context.Context, shard uint64) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return c.host.SplitKey(shard)
}

func (c *LocalConn) CreateShard(ctx context.Context, shard uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.host.CreateShard(shard)
}

func (c *LocalConn) DropShard(ctx context.Context, shard uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.host.DropShard(shard)
}

func (c *LocalConn) Migrate(ctx context.Context, shard uint64, records []record.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.host.Migrate(shard, records)
}

func (c *LocalConn) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (c *LocalConn) Close() error {
	return nil
}

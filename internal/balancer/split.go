package balancer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tickvault/tickvault/internal/partition"
	"github.com/tickvault/tickvault/internal/record"
	"github.com/tickvault/tickvault/internal/transport"
)

// migrateBatch is the page size used when copying records to child shards.
const migrateBatch = 512

// splitDeadline bounds the whole orchestration independently of the write
// that triggered it.
const splitDeadline = 30 * time.Second

// SplitShard divides a shard into two children at its median symbol. The
// orchestration copies every stored version into the children on every
// replica node, publishes the successor partition table, then drops the
// parent stores. Writes to the parent are blocked for the duration by the
// shard's split lock; readers keep resolving against the old snapshot until
// publication.
func (r *Router) SplitShard(ctx context.Context, shardID uint64) error {
	lock := r.shardLock(shardID)
	lock.Lock()
	defer lock.Unlock()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), splitDeadline)
	defer cancel()

	table := r.shards.Table()
	rng, ok := table.RangeOf(shardID)
	if !ok {
		// A concurrent writer already split this shard.
		return nil
	}
	rs, _ := table.Replica(shardID)
	if rs.Primary == "" || !r.health.Alive(rs.Primary) {
		return fmt.Errorf("split shard %d: %w", shardID, record.ErrNoPrimaryAvailable)
	}

	splitKey, err := r.probeSplitKey(ctx, rs.Primary, shardID)
	if err != nil {
		return fmt.Errorf("split shard %d: %w", shardID, err)
	}
	if splitKey <= rng.Start || (rng.End != "" && splitKey >= rng.End) {
		return fmt.Errorf("split shard %d: split key %q outside range [%q, %q)",
			shardID, splitKey, rng.Start, rng.End)
	}

	left := r.shards.ReserveShardID()
	right := r.shards.ReserveShardID()
	log := r.log.With().
		Uint64("parent", shardID).
		Uint64("left", left).
		Uint64("right", right).
		Str("split_key", splitKey).
		Logger()
	log.Info().Msg("starting split")

	for _, node := range rs.Nodes() {
		if err := r.createChildren(ctx, node, left, right); err != nil {
			return fmt.Errorf("split shard %d: create children on %s: %w", shardID, node, err)
		}
	}
	moved, err := r.copyToChildren(ctx, rs, shardID, splitKey, left, right)
	if err != nil {
		return fmt.Errorf("split shard %d: %w", shardID, err)
	}
	if err := r.shards.CommitSplit(shardID, splitKey, left, right); err != nil {
		return fmt.Errorf("split shard %d: %w", shardID, err)
	}

	// Parent stores are garbage after publication. Dropping them is best
	// effort; a failed drop leaves an orphan store, not a correctness hole.
	for _, node := range rs.Nodes() {
		if err := r.withConn(ctx, node, func(conn transport.Conn) error {
			return conn.DropShard(ctx, shardID)
		}); err != nil {
			log.Warn().Err(err).Str("node", node).Msg("dropping parent store failed")
		}
	}
	log.Info().Int("records", moved).Msg("split complete")
	return nil
}

func (r *Router) probeSplitKey(ctx context.Context, primary string, shardID uint64) (string, error) {
	var key string
	err := r.withConn(ctx, primary, func(conn transport.Conn) error {
		var err error
		key, err = conn.SplitKey(ctx, shardID)
		return err
	})
	return key, err
}

func (r *Router) createChildren(ctx context.Context, node string, left, right uint64) error {
	return r.withConn(ctx, node, func(conn transport.Conn) error {
		if err := conn.CreateShard(ctx, left); err != nil {
			return err
		}
		return conn.CreateShard(ctx, right)
	})
}

// copyToChildren pages every stored version out of the parent's primary and
// migrates each page into the left or right child on every replica node.
// Migration preserves versions, so a record's history is identical before
// and after the split.
func (r *Router) copyToChildren(ctx context.Context, rs partition.ReplicaSet, parent uint64, splitKey string, left, right uint64) (int, error) {
	moved := 0
	cursor := ""
	for {
		var page *transport.ScanResponse
		err := r.withConn(ctx, rs.Primary, func(conn transport.Conn) error {
			var err error
			page, err = conn.Scan(ctx, transport.ScanRequest{
				Shard:       parent,
				Cursor:      cursor,
				Limit:       migrateBatch,
				AllVersions: true,
			})
			return err
		})
		if err != nil {
			return moved, fmt.Errorf("dump parent: %w", err)
		}

		var leftRecs, rightRecs []record.Record
		for _, rec := range page.Records {
			if rec.Symbol < splitKey {
				leftRecs = append(leftRecs, rec)
			} else {
				rightRecs = append(rightRecs, rec)
			}
		}
		for _, node := range rs.Nodes() {
			if err := r.migrate(ctx, node, left, leftRecs); err != nil {
				return moved, err
			}
			if err := r.migrate(ctx, node, right, rightRecs); err != nil {
				return moved, err
			}
		}
		moved += len(page.Records)
		if page.NextCursor == "" {
			return moved, nil
		}
		cursor = page.NextCursor
	}
}

func (r *Router) migrate(ctx context.Context, node string, shard uint64, recs []record.Record) error {
	if len(recs) == 0 {
		return nil
	}
	err := r.withConn(ctx, node, func(conn transport.Conn) error {
		return conn.Migrate(ctx, shard, recs)
	})
	if err != nil {
		return fmt.Errorf("migrate %d records to shard %d on %s: %w", len(recs), shard, node, err)
	}
	return nil
}

// withConn runs fn over a pooled connection to node, discarding the conn on
// failure.
func (r *Router) withConn(ctx context.Context, node string, fn func(transport.Conn) error) error {
	lease, err := r.pool.Acquire(ctx, node)
	if err != nil {
		return err
	}
	if err := fn(lease.Conn); err != nil {
		if errors.Is(err, record.ErrNotFound) || errors.Is(err, record.ErrCapacityExceeded) {
			lease.Release()
		} else {
			lease.Discard()
		}
		return err
	}
	lease.Release()
	return nil
}

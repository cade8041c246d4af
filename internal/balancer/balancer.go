// Package balancer is the routing layer of tickvault: it resolves symbols
// against the partition table, filters replicas through the health monitor,
// leases connections from the pool, and dispatches with a single bounded
// retry. It also orchestrates shard splits when a write hits a full shard.
package balancer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tickvault/tickvault/internal/cache"
	"github.com/tickvault/tickvault/internal/health"
	"github.com/tickvault/tickvault/internal/partition"
	"github.com/tickvault/tickvault/internal/pool"
	"github.com/tickvault/tickvault/internal/record"
	"github.com/tickvault/tickvault/internal/transport"
)

// DefaultDeadline bounds a request when the caller does not supply one.
const DefaultDeadline = 2 * time.Second

// Options wires a Router to its collaborators.
type Options struct {
	Shards          *partition.Manager
	Health          *health.Monitor
	Pool            *pool.Pool
	Strategy        Strategy
	Cache           cache.Cache // nil disables read caching
	CacheTTL        time.Duration
	DefaultDeadline time.Duration
	Logger          zerolog.Logger
}

// Router routes caller operations to storage nodes.
type Router struct {
	shards   *partition.Manager
	health   *health.Monitor
	pool     *pool.Pool
	strategy Strategy
	cache    cache.Cache
	cacheTTL time.Duration
	deadline time.Duration

	splitLocks sync.Map // shardID -> *sync.RWMutex
	log        zerolog.Logger
}

// New builds a Router.
func New(opts Options) *Router {
	strategy := opts.Strategy
	if strategy == nil {
		strategy = NewLeastConnections()
	}
	deadline := opts.DefaultDeadline
	if deadline <= 0 {
		deadline = DefaultDeadline
	}
	cacheTTL := opts.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = cache.DefaultTTL
	}
	return &Router{
		shards:   opts.Shards,
		health:   opts.Health,
		pool:     opts.Pool,
		strategy: strategy,
		cache:    opts.Cache,
		cacheTTL: cacheTTL,
		deadline: deadline,
		log:      opts.Logger.With().Str("component", "balancer").Logger(),
	}
}

// Write appends a new version for (symbol, ts) on the owning shard's primary
// and fans the committed record out to alive secondaries. Version assignment
// never moves off the primary; a dead primary fails fast with
// record.ErrNoPrimaryAvailable. A full shard triggers one split followed by a
// re-resolve and retry against the child, and a transient dispatch failure is
// retried once against the same primary.
func (r *Router) Write(ctx context.Context, symbol string, ts int64, payload []byte) (uint64, error) {
	if err := validSymbol(symbol); err != nil {
		return 0, err
	}
	ctx, cancel := r.withDeadline(ctx)
	defer cancel()
	log := r.opLogger("write", symbol)

	splitTried, retried := false, false
	for {
		version, err := r.writeOnce(ctx, symbol, ts, payload)
		if err == nil {
			if r.cache != nil {
				r.cache.Invalidate(cache.Key(symbol, ts))
			}
			return version, nil
		}
		switch {
		case errors.Is(err, record.ErrCapacityExceeded) && !splitTried:
			splitTried = true
			shardID, ok := r.shards.Resolve(symbol)
			if !ok {
				return 0, err
			}
			log.Info().Uint64("shard", shardID).Msg("shard at capacity, splitting")
			if splitErr := r.SplitShard(ctx, shardID); splitErr != nil {
				log.Error().Err(splitErr).Uint64("shard", shardID).Msg("split failed")
				return 0, fmt.Errorf("shard %d at capacity and split failed: %w", shardID, err)
			}
			// The successor table is published; the retry resolves to a child.
			continue
		case errors.Is(err, record.ErrCapacityExceeded):
			// Still full after the one split; capacity stays internal.
			err = fmt.Errorf("shard for %q full after split: %w", symbol, record.ErrUnavailable)
		case retriableWrite(err) && !retried && ctx.Err() == nil:
			retried = true
			log.Debug().Err(err).Msg("transient write failure, retrying primary")
			continue
		}
		logFailure(log, err)
		return 0, mapDeadline(ctx, err)
	}
}

// retriableWrite reports whether a write failure is worth one more attempt
// against the same primary. Placement errors are not: a dead primary must
// surface, not be rerouted.
func retriableWrite(err error) bool {
	if errors.Is(err, record.ErrNoPrimaryAvailable) {
		return false
	}
	return errors.Is(err, record.ErrPoolExhausted) || errors.Is(err, record.ErrUnavailable)
}

func validSymbol(symbol string) error {
	if symbol == "" {
		return fmt.Errorf("symbol must not be empty")
	}
	if strings.IndexByte(symbol, 0) >= 0 {
		return fmt.Errorf("symbol %q contains a NUL byte", symbol)
	}
	return nil
}

// writeOnce dispatches one write to the current primary. It holds the shard's
// split lock in read mode so a concurrent split cannot drop the parent store
// while the write is in flight.
func (r *Router) writeOnce(ctx context.Context, symbol string, ts int64, payload []byte) (uint64, error) {
	shardID, lock, err := r.lockShardFor(symbol)
	if err != nil {
		return 0, err
	}
	defer lock.RUnlock()

	rs, ok := r.shards.Table().Replica(shardID)
	if !ok {
		return 0, fmt.Errorf("shard %d has no replica set", shardID)
	}
	if rs.Primary == "" || !r.health.Alive(rs.Primary) {
		return 0, fmt.Errorf("shard %d primary %q is down: %w", shardID, rs.Primary, record.ErrNoPrimaryAvailable)
	}

	lease, err := r.pool.Acquire(ctx, rs.Primary)
	if err != nil {
		return 0, err
	}
	resp, err := lease.Conn.Write(ctx, transport.WriteRequest{
		Shard:     shardID,
		Symbol:    symbol,
		Timestamp: ts,
		Payload:   payload,
	})
	if err != nil {
		if errors.Is(err, record.ErrCapacityExceeded) {
			lease.Release()
			return 0, err
		}
		lease.Discard()
		return 0, asUnavailable(fmt.Errorf("write shard %d via node %s: %w", shardID, rs.Primary, err))
	}
	lease.Release()

	r.replicate(ctx, rs, shardID, record.Record{
		Symbol:    symbol,
		Timestamp: ts,
		Version:   resp.Version,
		Payload:   payload,
	})
	return resp.Version, nil
}

// replicate copies a committed record to the shard's alive secondaries,
// version preserved. A failed copy leaves the secondary lagging; reads that
// miss there recheck the primary.
func (r *Router) replicate(ctx context.Context, rs partition.ReplicaSet, shardID uint64, rec record.Record) {
	for _, node := range rs.Secondaries {
		if !r.health.Alive(node) {
			continue
		}
		err := r.withConn(ctx, node, func(conn transport.Conn) error {
			return conn.Migrate(ctx, shardID, []record.Record{rec})
		})
		if err != nil {
			r.log.Warn().Err(err).
				Str("node", node).
				Uint64("shard", shardID).
				Str("symbol", rec.Symbol).
				Msg("replication to secondary failed")
		}
	}
}

// ReadOptions tunes one Read call.
type ReadOptions struct {
	// Timestamp selects an exact key; nil asks for the symbol's latest
	// record.
	Timestamp *int64

	// PrimaryOnly restricts the read to the primary, trading availability
	// for read-your-writes on that key.
	PrimaryOnly bool
}

// Read fetches the newest version of a record from one alive replica,
// retrying once against a different replica on dispatch failure.
func (r *Router) Read(ctx context.Context, symbol string, opts ReadOptions) (*record.Record, error) {
	ctx, cancel := r.withDeadline(ctx)
	defer cancel()
	log := r.opLogger("read", symbol)

	var cacheKey string
	if r.cache != nil && opts.Timestamp != nil && !opts.PrimaryOnly {
		cacheKey = cache.Key(symbol, *opts.Timestamp)
		if buf, ok := r.cache.Get(cacheKey); ok {
			var rec record.Record
			if err := json.Unmarshal(buf, &rec); err == nil {
				return &rec, nil
			}
			r.cache.Invalidate(cacheKey)
		}
	}

	var rec *record.Record
	for attempt := 0; ; attempt++ {
		shardID, ok := r.shards.Resolve(symbol)
		if !ok {
			return nil, fmt.Errorf("no shard owns symbol %q", symbol)
		}
		var err error
		rec, err = r.dispatchRead(ctx, log, shardID, opts.PrimaryOnly, func(ctx context.Context, conn transport.Conn) (*record.Record, error) {
			return conn.Read(ctx, transport.ReadRequest{Shard: shardID, Symbol: symbol, Timestamp: opts.Timestamp})
		})
		if errors.Is(err, errShardMoved) && attempt < 2 {
			// A split retired the shard between resolve and dispatch.
			continue
		}
		if err != nil {
			return nil, asUnavailable(err)
		}
		break
	}
	if cacheKey != "" {
		if buf, err := json.Marshal(rec); err == nil {
			r.cache.Set(cacheKey, buf, r.cacheTTL)
		}
	}
	return rec, nil
}

// errShardMoved reports that a split retired the shard after the caller
// resolved it; the caller re-resolves against the current table.
var errShardMoved = errors.New("shard retired by a concurrent split")

// dispatchRead runs op against one replica of the shard selected by the
// strategy, with at most one retry. Outcomes are classified exactly once per
// attempt: success returns, deadline expiry aborts, a miss on a secondary
// spends the retry rechecking the primary (the secondary may lag), a miss on
// the primary aborts, and anything else burns the retry on a different
// replica. The shard's split lock is held in read mode so the parent store
// cannot be dropped under an in-flight read.
func (r *Router) dispatchRead(ctx context.Context, log zerolog.Logger, shardID uint64, primaryOnly bool,
	op func(context.Context, transport.Conn) (*record.Record, error)) (*record.Record, error) {

	lock := r.shardLock(shardID)
	lock.RLock()
	defer lock.RUnlock()

	rs, ok := r.shards.Table().Replica(shardID)
	if !ok {
		return nil, fmt.Errorf("shard %d: %w", shardID, errShardMoved)
	}
	candidates := r.aliveCandidates(rs, primaryOnly)
	if len(candidates) == 0 {
		if primaryOnly {
			return nil, fmt.Errorf("shard %d primary %q is down: %w", shardID, rs.Primary, record.ErrNoPrimaryAvailable)
		}
		return nil, fmt.Errorf("shard %d has no alive replica: %w", shardID, record.ErrUnavailable)
	}

	var lastErr error
	attempts := 2
	if attempts > len(candidates) {
		attempts = len(candidates)
	}
	for attempt := 0; attempt < attempts; attempt++ {
		nodeID := r.strategy.Pick(candidates)
		candidates = without(candidates, nodeID)

		lease, err := r.pool.Acquire(ctx, nodeID)
		if err != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("acquiring conn to %s: %w", nodeID, record.ErrDeadlineExceeded)
			}
			lastErr = err
			log.Debug().Err(err).Str("node", nodeID).Int("attempt", attempt).Msg("lease failed")
			continue
		}
		rec, err := op(ctx, lease.Conn)
		switch {
		case err == nil:
			lease.Release()
			return rec, nil
		case errors.Is(err, record.ErrNotFound):
			lease.Release()
			if primaryOnly || nodeID == rs.Primary ||
				rs.Primary == "" || !r.health.Alive(rs.Primary) {
				return nil, err
			}
			// The secondary may not have seen the write yet; the one retry
			// goes to the primary instead of another secondary.
			candidates = []Candidate{{NodeID: rs.Primary, Outstanding: r.pool.Outstanding(rs.Primary)}}
			lastErr = err
			log.Debug().Str("node", nodeID).Int("attempt", attempt).Msg("miss on secondary, rechecking primary")
		case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
			// The conn may still carry a late response; drop it.
			lease.Discard()
			return nil, fmt.Errorf("read via node %s: %w", nodeID, record.ErrDeadlineExceeded)
		default:
			lease.Discard()
			lastErr = err
			log.Debug().Err(err).Str("node", nodeID).Int("attempt", attempt).Msg("dispatch failed")
		}
	}
	if errors.Is(lastErr, record.ErrNotFound) {
		// Retry budget ran out before the primary recheck happened.
		return nil, lastErr
	}
	logFailure(log, lastErr)
	return nil, asUnavailable(fmt.Errorf("shard %d: all dispatch attempts failed: %w", shardID, lastErr))
}

// ScanQuery bounds one Scan call across the whole table.
type ScanQuery struct {
	SymbolPrefix string
	From, To     int64
	Cursor       string
	Limit        int
	PrimaryOnly  bool
}

// ScanResult is one page of a cross-shard scan.
type ScanResult struct {
	Records    []record.Record
	NextCursor string
}

// Scan pages through records in (symbol, timestamp) order. Shard ranges
// partition the symbol space, so a prefix may span several shards; the scan
// walks them in range order against a table snapshot and stitches pages
// together. The cursor embeds the absolute symbol position, so a scan
// resumed after a split lands on the right child shard.
func (r *Router) Scan(ctx context.Context, q ScanQuery) (*ScanResult, error) {
	ctx, cancel := r.withDeadline(ctx)
	defer cancel()
	log := r.opLogger("scan", q.SymbolPrefix)

	limit := q.Limit
	if limit <= 0 || limit > 10000 {
		limit = 1000
	}

	startSym := q.SymbolPrefix
	cursor := q.Cursor
	if cursor != "" {
		key, err := record.DecodeCursor(cursor)
		if err != nil {
			return nil, err
		}
		startSym, err = record.CursorSymbol(key)
		if err != nil {
			return nil, err
		}
	}

	out := &ScanResult{}
	upper := prefixUpper(q.SymbolPrefix)

	// A split can retire a range mid-walk; the walk then restarts against a
	// fresh snapshot at the current resume position.
	for refresh := 0; refresh < 3; refresh++ {
		table := r.shards.Table()
		start := 0
		for i, rng := range table.Ranges {
			if rng.Contains(startSym) {
				start = i
				break
			}
		}

		moved := false
		for i := start; i < len(table.Ranges); i++ {
			rng := table.Ranges[i]
			if upper != "" && rng.Start >= upper {
				return out, nil // range is entirely past the prefix
			}
			resp, err := r.scanShard(ctx, log, rng.ShardID, transport.ScanRequest{
				Shard:        rng.ShardID,
				SymbolPrefix: q.SymbolPrefix,
				From:         q.From,
				To:           q.To,
				Cursor:       cursor,
				Limit:        limit - len(out.Records),
			}, q.PrimaryOnly)
			if errors.Is(err, errShardMoved) {
				moved = true
				break
			}
			if err != nil {
				return nil, err
			}
			out.Records = append(out.Records, resp.Records...)
			if resp.NextCursor != "" {
				out.NextCursor = resp.NextCursor
				return out, nil
			}
			cursor = ""
			if len(out.Records) >= limit {
				// Page filled exactly at a shard boundary; resume at the
				// start of the next intersecting range.
				if i+1 < len(table.Ranges) {
					next := table.Ranges[i+1]
					if upper == "" || next.Start < upper {
						out.NextCursor = record.EncodeCursor(record.SymbolPrefix(next.Start))
					}
				}
				return out, nil
			}
			if rng.End == "" {
				return out, nil
			}
			startSym = rng.End
		}
		if !moved {
			return out, nil
		}
	}
	return nil, fmt.Errorf("scan %q: partition table kept moving: %w", q.SymbolPrefix, record.ErrUnavailable)
}

func (r *Router) scanShard(ctx context.Context, log zerolog.Logger, shardID uint64, req transport.ScanRequest, primaryOnly bool) (*transport.ScanResponse, error) {
	var resp *transport.ScanResponse
	_, err := r.dispatchRead(ctx, log, shardID, primaryOnly, func(ctx context.Context, conn transport.Conn) (*record.Record, error) {
		var err error
		resp, err = conn.Scan(ctx, req)
		return nil, err
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// ListShards exposes the current partition table for admin callers.
func (r *Router) ListShards() []partition.ShardView {
	return r.shards.ListShards()
}

// ListNodes exposes the health monitor's node view.
func (r *Router) ListNodes() []health.NodeStatus {
	return r.health.ListNodes()
}

// AssignPrimary reassigns a shard's primary under a fresh epoch.
func (r *Router) AssignPrimary(shardID uint64, nodeID string, epoch uint64) error {
	return r.shards.AssignPrimary(shardID, nodeID, epoch)
}

// AddNode registers a storage node with the pool and health monitor.
func (r *Router) AddNode(nodeID, addr string) {
	r.pool.AddNode(nodeID, addr)
	r.health.AddNode(nodeID, addr)
}

// aliveCandidates filters the replica set through the health monitor and
// annotates survivors with pool load. Writes and primary-only reads see at
// most one candidate.
func (r *Router) aliveCandidates(rs partition.ReplicaSet, primaryOnly bool) []Candidate {
	nodes := rs.Nodes()
	if primaryOnly {
		nodes = nil
		if rs.Primary != "" {
			nodes = []string{rs.Primary}
		}
	}
	out := make([]Candidate, 0, len(nodes))
	for _, n := range nodes {
		if !r.health.Alive(n) {
			continue
		}
		out = append(out, Candidate{NodeID: n, Outstanding: r.pool.Outstanding(n)})
	}
	return out
}

// lockShardFor resolves the symbol and takes the owning shard's split lock in
// read mode. Resolution is rechecked under the lock because a split may have
// republished the table in between.
func (r *Router) lockShardFor(symbol string) (uint64, *sync.RWMutex, error) {
	for {
		shardID, ok := r.shards.Resolve(symbol)
		if !ok {
			return 0, nil, fmt.Errorf("no shard owns symbol %q", symbol)
		}
		lock := r.shardLock(shardID)
		lock.RLock()
		cur, ok := r.shards.Resolve(symbol)
		if ok && cur == shardID {
			return shardID, lock, nil
		}
		lock.RUnlock()
	}
}

func (r *Router) shardLock(shardID uint64) *sync.RWMutex {
	v, _ := r.splitLocks.LoadOrStore(shardID, &sync.RWMutex{})
	return v.(*sync.RWMutex)
}

func (r *Router) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, r.deadline)
}

func (r *Router) opLogger(op, subject string) zerolog.Logger {
	return r.log.With().
		Str("req_id", uuid.NewString()).
		Str("op", op).
		Str("symbol", subject).
		Logger()
}

func logFailure(log zerolog.Logger, err error) {
	if err == nil || errors.Is(err, record.ErrNotFound) {
		return
	}
	log.Warn().Err(err).Msg("request failed")
}

// mapDeadline folds context expiry into the caller-facing taxonomy.
func mapDeadline(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", record.ErrDeadlineExceeded, err)
	}
	return err
}

// asUnavailable classifies errors from outside the taxonomy as transient.
func asUnavailable(err error) error {
	if record.CodeOf(err) != record.CodeInternal {
		return err
	}
	return fmt.Errorf("%w: %v", record.ErrUnavailable, err)
}

func without(candidates []Candidate, nodeID string) []Candidate {
	out := candidates[:0]
	for _, c := range candidates {
		if c.NodeID != nodeID {
			out = append(out, c)
		}
	}
	return out
}

// prefixUpper returns the exclusive symbol upper bound of a prefix, or ""
// when the prefix is unbounded.
func prefixUpper(prefix string) string {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] != 0xff {
			b[i]++
			return string(b[:i+1])
		}
	}
	return ""
}

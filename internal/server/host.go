// Package server is the storage-node side of tickvault: a shard host that
// owns one RecordStore per shard under a data directory, and the HTTP
// surface the router dials.
package server

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tickvault/tickvault/internal/record"
	"github.com/tickvault/tickvault/internal/storage"
)

const shardDirPrefix = "shard-"

// HostOptions configures a shard host.
type HostOptions struct {
	DataDir   string
	RecordCap int64 // per-shard key cap, zero means unbounded
	Sync      bool
	Logger    zerolog.Logger
}

// Host owns the shard stores of one storage node. It implements
// transport.ShardHost so embedded deployments can route to it without HTTP.
type Host struct {
	opts HostOptions
	log  zerolog.Logger

	mu     sync.RWMutex
	shards map[uint64]*storage.RecordStore
}

// NewHost opens a host over the data directory, reopening any shard stores
// found from a previous run.
func NewHost(opts HostOptions) (*Host, error) {
	if err := os.MkdirAll(opts.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir %s: %w", opts.DataDir, err)
	}
	h := &Host{
		opts:   opts,
		log:    opts.Logger.With().Str("component", "host").Logger(),
		shards: make(map[uint64]*storage.RecordStore),
	}
	if err := h.reopen(); err != nil {
		h.Close()
		return nil, err
	}
	return h, nil
}

func (h *Host) reopen() error {
	entries, err := os.ReadDir(h.opts.DataDir)
	if err != nil {
		return fmt.Errorf("read data dir %s: %w", h.opts.DataDir, err)
	}
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), shardDirPrefix) {
			continue
		}
		shardID, err := strconv.ParseUint(strings.TrimPrefix(e.Name(), shardDirPrefix), 10, 64)
		if err != nil {
			h.log.Warn().Str("dir", e.Name()).Msg("skipping unrecognized shard directory")
			continue
		}
		if err := h.CreateShard(shardID); err != nil {
			return err
		}
		h.log.Info().Uint64("shard", shardID).Msg("reopened shard store")
	}
	return nil
}

func (h *Host) shardDir(shardID uint64) string {
	return filepath.Join(h.opts.DataDir, fmt.Sprintf("%s%d", shardDirPrefix, shardID))
}

// CreateShard opens the store for a shard, creating it if absent. Creating
// an already open shard is a no-op so split orchestration can retry safely.
func (h *Host) CreateShard(shardID uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.shards[shardID]; ok {
		return nil
	}
	store, err := storage.Open(storage.Options{
		Dir:       h.shardDir(shardID),
		RecordCap: h.opts.RecordCap,
		Sync:      h.opts.Sync,
		Logger:    h.log.With().Uint64("shard", shardID).Logger(),
	})
	if err != nil {
		return fmt.Errorf("open shard %d: %w", shardID, err)
	}
	h.shards[shardID] = store
	return nil
}

// DropShard closes the shard's store and deletes its directory.
func (h *Host) DropShard(shardID uint64) error {
	h.mu.Lock()
	store, ok := h.shards[shardID]
	delete(h.shards, shardID)
	h.mu.Unlock()

	if ok {
		if err := store.Close(); err != nil {
			return fmt.Errorf("close shard %d: %w", shardID, err)
		}
	}
	if err := os.RemoveAll(h.shardDir(shardID)); err != nil {
		return fmt.Errorf("remove shard %d dir: %w", shardID, err)
	}
	h.log.Info().Uint64("shard", shardID).Msg("dropped shard store")
	return nil
}

// Store returns the open store for a shard.
func (h *Host) Store(shardID uint64) (*storage.RecordStore, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	store, ok := h.shards[shardID]
	if !ok {
		return nil, fmt.Errorf("shard %d not hosted here: %w", shardID, record.ErrUnavailable)
	}
	return store, nil
}

// ShardIDs lists the shards hosted here, sorted.
func (h *Host) ShardIDs() []uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]uint64, 0, len(h.shards))
	for id := range h.shards {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Write appends a record version on the shard.
func (h *Host) Write(shard uint64, symbol string, ts int64, payload []byte) (uint64, error) {
	store, err := h.Store(shard)
	if err != nil {
		return 0, err
	}
	return store.Put(symbol, ts, payload)
}

// Read fetches the newest version of (symbol, ts), or the symbol's latest
// record when ts is nil.
func (h *Host) Read(shard uint64, symbol string, ts *int64) (*record.Record, error) {
	store, err := h.Store(shard)
	if err != nil {
		return nil, err
	}
	if ts == nil {
		return store.Latest(symbol)
	}
	return store.Get(symbol, *ts)
}

// Scan pages through the shard's records.
func (h *Host) Scan(shard uint64, opts storage.ScanOptions) ([]record.Record, string, error) {
	store, err := h.Store(shard)
	if err != nil {
		return nil, "", err
	}
	return store.Scan(opts)
}

// SplitKey probes the shard's median symbol.
func (h *Host) SplitKey(shard uint64) (string, error) {
	store, err := h.Store(shard)
	if err != nil {
		return "", err
	}
	return store.SplitKey()
}

// Migrate bulk-loads records into the shard, preserving their versions.
func (h *Host) Migrate(shard uint64, records []record.Record) error {
	store, err := h.Store(shard)
	if err != nil {
		return err
	}
	return store.Restore(records)
}

// CompactRetention drops old versions with timestamps before cutoff on every
// hosted shard. The newest version of each key always survives.
func (h *Host) CompactRetention(cutoff int64) (int, error) {
	total := 0
	for _, id := range h.ShardIDs() {
		store, err := h.Store(id)
		if err != nil {
			continue // dropped concurrently
		}
		n, err := store.CompactRetention(cutoff)
		if err != nil {
			return total, fmt.Errorf("compact shard %d: %w", id, err)
		}
		total += n
	}
	return total, nil
}

// Close closes every hosted store.
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var firstErr error
	for id, store := range h.shards {
		if err := store.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close shard %d: %w", id, err)
		}
		delete(h.shards, id)
	}
	return firstErr
}

package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/tickvault/tickvault/internal/record"
	"github.com/tickvault/tickvault/internal/storage"
	"github.com/tickvault/tickvault/internal/transport"
)

// HTTP exposes a Host over the shard-level JSON API the router dials.
type HTTP struct {
	host *Host
	log  zerolog.Logger
}

// NewHTTP builds the node HTTP surface.
func NewHTTP(host *Host, logger zerolog.Logger) *HTTP {
	return &HTTP{
		host: host,
		log:  logger.With().Str("component", "node_http").Logger(),
	}
}

// Handler returns the mux for the shard API.
func (s *HTTP) Handler() http.Handler {
	m := mux.NewRouter()
	m.Use(s.requestLog)

	m.HandleFunc("/v1/shards/{shard}/records", s.handleWrite).Methods(http.MethodPost)
	m.HandleFunc("/v1/shards/{shard}/records", s.handleRead).Methods(http.MethodGet)
	m.HandleFunc("/v1/shards/{shard}/records/scan", s.handleScan).Methods(http.MethodGet)
	m.HandleFunc("/v1/shards/{shard}/splitkey", s.handleSplitKey).Methods(http.MethodGet)
	m.HandleFunc("/v1/shards/{shard}", s.handleCreateShard).Methods(http.MethodPut)
	m.HandleFunc("/v1/shards/{shard}", s.handleDropShard).Methods(http.MethodDelete)
	m.HandleFunc("/v1/shards/{shard}/migrate", s.handleMigrate).Methods(http.MethodPost)

	m.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)
	return m
}

func (s *HTTP) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug().
			Str("req_id", uuid.NewString()).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}

func shardVar(r *http.Request) (uint64, error) {
	return strconv.ParseUint(mux.Vars(r)["shard"], 10, 64)
}

func (s *HTTP) handleWrite(w http.ResponseWriter, r *http.Request) {
	shard, err := shardVar(r)
	if err != nil {
		s.badRequest(w, "shard must be an integer")
		return
	}
	var req transport.WriteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.badRequest(w, "malformed request body")
		return
	}
	if req.Symbol == "" {
		s.badRequest(w, "symbol is required")
		return
	}
	version, err := s.host.Write(shard, req.Symbol, req.Timestamp, req.Payload)
	if err != nil {
		s.domainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, transport.WriteResponse{Version: version})
}

func (s *HTTP) handleRead(w http.ResponseWriter, r *http.Request) {
	shard, err := shardVar(r)
	if err != nil {
		s.badRequest(w, "shard must be an integer")
		return
	}
	q := r.URL.Query()
	symbol := q.Get("symbol")
	if symbol == "" {
		s.badRequest(w, "symbol is required")
		return
	}
	var ts *int64
	if raw := q.Get("timestamp"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			s.badRequest(w, "timestamp must be an integer")
			return
		}
		ts = &v
	}
	rec, err := s.host.Read(shard, symbol, ts)
	if err != nil {
		s.domainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

func (s *HTTP) handleScan(w http.ResponseWriter, r *http.Request) {
	shard, err := shardVar(r)
	if err != nil {
		s.badRequest(w, "shard must be an integer")
		return
	}
	q := r.URL.Query()
	opts := storage.ScanOptions{
		SymbolPrefix: q.Get("prefix"),
		Cursor:       q.Get("cursor"),
		AllVersions:  q.Get("all_versions") == "true",
	}
	if opts.From, err = queryInt64(q.Get("from")); err != nil {
		s.badRequest(w, "from must be an integer")
		return
	}
	if opts.To, err = queryInt64(q.Get("to")); err != nil {
		s.badRequest(w, "to must be an integer")
		return
	}
	if raw := q.Get("limit"); raw != "" {
		if opts.Limit, err = strconv.Atoi(raw); err != nil {
			s.badRequest(w, "limit must be an integer")
			return
		}
	}
	records, next, err := s.host.Scan(shard, opts)
	if err != nil {
		s.domainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, transport.ScanResponse{Records: records, NextCursor: next})
}

func (s *HTTP) handleSplitKey(w http.ResponseWriter, r *http.Request) {
	shard, err := shardVar(r)
	if err != nil {
		s.badRequest(w, "shard must be an integer")
		return
	}
	key, err := s.host.SplitKey(shard)
	if err != nil {
		s.domainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, struct {
		SplitKey string `json:"split_key"`
	}{SplitKey: key})
}

func (s *HTTP) handleCreateShard(w http.ResponseWriter, r *http.Request) {
	shard, err := shardVar(r)
	if err != nil {
		s.badRequest(w, "shard must be an integer")
		return
	}
	if err := s.host.CreateShard(shard); err != nil {
		s.domainError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *HTTP) handleDropShard(w http.ResponseWriter, r *http.Request) {
	shard, err := shardVar(r)
	if err != nil {
		s.badRequest(w, "shard must be an integer")
		return
	}
	if err := s.host.DropShard(shard); err != nil {
		s.domainError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *HTTP) handleMigrate(w http.ResponseWriter, r *http.Request) {
	shard, err := shardVar(r)
	if err != nil {
		s.badRequest(w, "shard must be an integer")
		return
	}
	var body struct {
		Records []record.Record `json:"records"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.badRequest(w, "malformed request body")
		return
	}
	if err := s.host.Migrate(shard, body.Records); err != nil {
		s.domainError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func queryInt64(raw string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

func (s *HTTP) domainError(w http.ResponseWriter, err error) {
	code := record.CodeOf(err)
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, record.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, record.ErrCapacityExceeded):
		status = http.StatusInsufficientStorage
	case errors.Is(err, record.ErrUnavailable):
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, transport.ErrorBody{Code: code, Error: err.Error()})
}

func (s *HTTP) badRequest(w http.ResponseWriter, msg string) {
	s.writeJSON(w, http.StatusBadRequest, transport.ErrorBody{Code: "bad_request", Error: msg})
}

func (s *HTTP) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Debug().Err(err).Msg("encode response failed")
	}
}

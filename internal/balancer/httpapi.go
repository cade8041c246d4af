package balancer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/tickvault/tickvault/internal/record"
	"github.com/tickvault/tickvault/internal/transport"
)

// API is the caller-facing HTTP surface of the router.
type API struct {
	router *Router
	log    zerolog.Logger
}

// NewAPI builds the HTTP API over a Router.
func NewAPI(router *Router, logger zerolog.Logger) *API {
	return &API{
		router: router,
		log:    logger.With().Str("component", "api").Logger(),
	}
}

// Handler returns the mux for the caller and admin endpoints.
func (a *API) Handler() http.Handler {
	m := mux.NewRouter()
	m.Use(a.requestLog)

	m.HandleFunc("/v1/records", a.handleWrite).Methods(http.MethodPost)
	m.HandleFunc("/v1/records", a.handleRead).Methods(http.MethodGet)
	m.HandleFunc("/v1/records/scan", a.handleScan).Methods(http.MethodGet)

	m.HandleFunc("/v1/admin/shards", a.handleListShards).Methods(http.MethodGet)
	m.HandleFunc("/v1/admin/shards/{shard}/split", a.handleSplit).Methods(http.MethodPost)
	m.HandleFunc("/v1/admin/shards/{shard}/primary", a.handleAssignPrimary).Methods(http.MethodPost)
	m.HandleFunc("/v1/admin/nodes", a.handleListNodes).Methods(http.MethodGet)

	m.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)
	return m
}

func (a *API) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := uuid.NewString()
		next.ServeHTTP(w, r)
		a.log.Debug().
			Str("req_id", reqID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}

type writeBody struct {
	Symbol    string `json:"symbol"`
	Timestamp int64  `json:"timestamp"`
	Payload   []byte `json:"payload"`
}

func (a *API) handleWrite(w http.ResponseWriter, r *http.Request) {
	var body writeBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httpError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if body.Symbol == "" {
		httpError(w, http.StatusBadRequest, "symbol is required")
		return
	}
	ctx, cancel := requestContext(r)
	defer cancel()

	version, err := a.router.Write(ctx, body.Symbol, body.Timestamp, body.Payload)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, transport.WriteResponse{Version: version})
}

func (a *API) handleRead(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	symbol := q.Get("symbol")
	if symbol == "" {
		httpError(w, http.StatusBadRequest, "symbol is required")
		return
	}
	opts := ReadOptions{PrimaryOnly: q.Get("primary_only") == "true"}
	if raw := q.Get("timestamp"); raw != "" {
		ts, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			httpError(w, http.StatusBadRequest, "timestamp must be an integer")
			return
		}
		opts.Timestamp = &ts
	}
	ctx, cancel := requestContext(r)
	defer cancel()

	rec, err := a.router.Read(ctx, symbol, opts)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) handleScan(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := ScanQuery{
		SymbolPrefix: q.Get("prefix"),
		Cursor:       q.Get("cursor"),
		PrimaryOnly:  q.Get("primary_only") == "true",
	}
	var err error
	if query.From, err = parseInt64(q.Get("from")); err != nil {
		httpError(w, http.StatusBadRequest, "from must be an integer")
		return
	}
	if query.To, err = parseInt64(q.Get("to")); err != nil {
		httpError(w, http.StatusBadRequest, "to must be an integer")
		return
	}
	if raw := q.Get("limit"); raw != "" {
		if query.Limit, err = strconv.Atoi(raw); err != nil {
			httpError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
	}
	ctx, cancel := requestContext(r)
	defer cancel()

	page, err := a.router.Scan(ctx, query)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, transport.ScanResponse{
		Records:    page.Records,
		NextCursor: page.NextCursor,
	})
}

func (a *API) handleListShards(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.router.ListShards())
}

func (a *API) handleListNodes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.router.ListNodes())
}

func (a *API) handleSplit(w http.ResponseWriter, r *http.Request) {
	shardID, err := strconv.ParseUint(mux.Vars(r)["shard"], 10, 64)
	if err != nil {
		httpError(w, http.StatusBadRequest, "shard must be an integer")
		return
	}
	if err := a.router.SplitShard(r.Context(), shardID); err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a.router.ListShards())
}

type assignPrimaryBody struct {
	NodeID string `json:"node_id"`
	Epoch  uint64 `json:"epoch"`
}

func (a *API) handleAssignPrimary(w http.ResponseWriter, r *http.Request) {
	shardID, err := strconv.ParseUint(mux.Vars(r)["shard"], 10, 64)
	if err != nil {
		httpError(w, http.StatusBadRequest, "shard must be an integer")
		return
	}
	var body assignPrimaryBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.NodeID == "" {
		httpError(w, http.StatusBadRequest, "node_id and epoch are required")
		return
	}
	if err := a.router.AssignPrimary(shardID, body.NodeID, body.Epoch); err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a.router.ListShards())
}

// requestContext applies an optional per-request deadline from the
// deadline_ms query parameter.
func requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	if raw := r.URL.Query().Get("deadline_ms"); raw != "" {
		if ms, err := strconv.ParseInt(raw, 10, 64); err == nil && ms > 0 {
			return context.WithTimeout(r.Context(), time.Duration(ms)*time.Millisecond)
		}
	}
	return r.Context(), func() {}
}

func (a *API) writeDomainError(w http.ResponseWriter, err error) {
	code := record.CodeOf(err)
	writeJSON(w, statusOf(code, err), transport.ErrorBody{Code: code, Error: err.Error()})
}

func statusOf(code string, err error) int {
	switch code {
	case record.CodeNotFound:
		return http.StatusNotFound
	case record.CodeDeadlineExceeded:
		return http.StatusGatewayTimeout
	case record.CodeStaleEpoch:
		return http.StatusConflict
	case record.CodeNoPrimaryAvailable, record.CodeUnavailable, record.CodePoolExhausted:
		return http.StatusServiceUnavailable
	case record.CodeCapacityExceeded:
		return http.StatusInsufficientStorage
	default:
		if errors.Is(err, record.ErrUnavailable) {
			return http.StatusServiceUnavailable
		}
		return http.StatusInternalServerError
	}
}

func parseInt64(raw string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

func httpError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, transport.ErrorBody{Code: "bad_request", Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// HTTP implementation of the Conn contract, speaking the node server's
// JSON API. Error responses carry a stable code that maps straight back
// into the record error taxonomy, so a remote failure looks identical to an
// in-process one.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/tickvault/tickvault/internal/record"
)

// ErrorBody is the JSON shape of node error responses.
type ErrorBody struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

// HTTPConn talks to one storage node over HTTP. Safe for reuse across
// requests but not for concurrent use; the pool enforces single ownership.
type HTTPConn struct {
	nodeID string
	base   string // e.g. "http://127.0.0.1:7101"
	client *http.Client
}

// NewHTTPConn builds a conn for the node at addr. The client's transport
// timeouts bound individual calls; per-request deadlines come from the
// context.
func NewHTTPConn(nodeID, addr string, client *http.Client) *HTTPConn {
	base := addr
	if len(base) < 7 || (base[:7] != "http://" && (len(base) < 8 || base[:8] != "https://")) {
		base = "http://" + base
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPConn{nodeID: nodeID, base: base, client: client}
}

// HTTPDialer returns a Dialer producing HTTPConns sharing one client.
func HTTPDialer(client *http.Client) Dialer {
	return func(ctx context.Context, nodeID, addr string) (Conn, error) {
		return NewHTTPConn(nodeID, addr, client), nil
	}
}

func (c *HTTPConn) Write(ctx context.Context, req WriteRequest) (*WriteResponse, error) {
	var resp WriteResponse
	path := fmt.Sprintf("/v1/shards/%d/records", req.Shard)
	if err := c.postJSON(ctx, path, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *HTTPConn) Read(ctx context.Context, req ReadRequest) (*record.Record, error) {
	q := url.Values{}
	q.Set("symbol", req.Symbol)
	if req.Timestamp != nil {
		q.Set("timestamp", strconv.FormatInt(*req.Timestamp, 10))
	}
	path := fmt.Sprintf("/v1/shards/%d/records?%s", req.Shard, q.Encode())
	var rec record.Record
	if err := c.getJSON(ctx, path, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (c *HTTPConn) Scan(ctx context.Context, req ScanRequest) (*ScanResponse, error) {
	q := url.Values{}
	q.Set("prefix", req.SymbolPrefix)
	q.Set("from", strconv.FormatInt(req.From, 10))
	q.Set("to", strconv.FormatInt(req.To, 10))
	if req.Cursor != "" {
		q.Set("cursor", req.Cursor)
	}
	if req.Limit > 0 {
		q.Set("limit", strconv.Itoa(req.Limit))
	}
	if req.AllVersions {
		q.Set("all_versions", "true")
	}
	path := fmt.Sprintf("/v1/shards/%d/records/scan?%s", req.Shard, q.Encode())
	var resp ScanResponse
	if err := c.getJSON(ctx, path, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *HTTPConn) SplitKey(ctx context.Context, shard uint64) (string, error) {
	var resp struct {
		SplitKey string `json:"split_key"`
	}
	if err := c.getJSON(ctx, fmt.Sprintf("/v1/shards/%d/splitkey", shard), &resp); err != nil {
		return "", err
	}
	return resp.SplitKey, nil
}

func (c *HTTPConn) CreateShard(ctx context.Context, shard uint64) error {
	return c.do(ctx, http.MethodPut, fmt.Sprintf("/v1/shards/%d", shard), nil, nil)
}

func (c *HTTPConn) DropShard(ctx context.Context, shard uint64) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/v1/shards/%d", shard), nil, nil)
}

func (c *HTTPConn) Migrate(ctx context.Context, shard uint64, records []record.Record) error {
	body := struct {
		Records []record.Record `json:"records"`
	}{Records: records}
	return c.postJSON(ctx, fmt.Sprintf("/v1/shards/%d/migrate", shard), body, nil)
}

func (c *HTTPConn) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

func (c *HTTPConn) Close() error {
	// Connections are owned by the shared http.Client; nothing to tear
	// down per conn.
	return nil
}

func (c *HTTPConn) postJSON(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPost, path, body, out)
}

func (c *HTTPConn) getJSON(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *HTTPConn) do(ctx context.Context, method, path string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var eb ErrorBody
		if decodeErr := json.NewDecoder(resp.Body).Decode(&eb); decodeErr != nil || eb.Code == "" {
			return fmt.Errorf("node %s: http %d on %s: %w", c.nodeID, resp.StatusCode, path, record.ErrUnavailable)
		}
		if eb.Error != "" {
			return fmt.Errorf("node %s: %s: %w", c.nodeID, eb.Error, record.FromCode(eb.Code))
		}
		return record.FromCode(eb.Code)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

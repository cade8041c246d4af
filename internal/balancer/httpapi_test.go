package balancer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tickvault/tickvault/internal/partition"
	"github.com/tickvault/tickvault/internal/record"
	"github.com/tickvault/tickvault/internal/transport"
)

func startAPI(t *testing.T) (*cluster, *httptest.Server) {
	t.Helper()
	c := startCluster(t, clusterConfig{nodes: []string{"n1", "n2"}, seeds: twoNodeSeeds()})
	srv := httptest.NewServer(NewAPI(c.router, zerolog.Nop()).Handler())
	t.Cleanup(srv.Close)
	return c, srv
}

func postJSON(t *testing.T, client *http.Client, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := client.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return resp
}

func TestAPIWriteReadRoundTrip(t *testing.T) {
	_, srv := startAPI(t)

	resp := postJSON(t, srv.Client(), srv.URL+"/v1/records", map[string]any{
		"symbol":    "AAPL",
		"timestamp": 1000,
		"payload":   []byte("quote"),
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var wr transport.WriteResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&wr))
	assert.Equal(t, uint64(1), wr.Version)

	resp, err := srv.Client().Get(srv.URL + "/v1/records?symbol=AAPL&timestamp=1000")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var rec record.Record
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rec))
	assert.Equal(t, []byte("quote"), rec.Payload)
	assert.Equal(t, uint64(1), rec.Version)
}

func TestAPIErrorMapping(t *testing.T) {
	_, srv := startAPI(t)

	// Missing record maps to 404 with a stable code.
	resp, err := srv.Client().Get(srv.URL + "/v1/records?symbol=GHOST&timestamp=1")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	var eb transport.ErrorBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&eb))
	assert.Equal(t, record.CodeNotFound, eb.Code)

	// Missing symbol is a 400 before any dispatch happens.
	resp, err = srv.Client().Get(srv.URL + "/v1/records")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPIScanPaging(t *testing.T) {
	_, srv := startAPI(t)

	for i := 0; i < 5; i++ {
		resp := postJSON(t, srv.Client(), srv.URL+"/v1/records", map[string]any{
			"symbol":    fmt.Sprintf("SYM%d", i),
			"timestamp": 100,
			"payload":   []byte("x"),
		})
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	var collected []record.Record
	cursor := ""
	for {
		endpoint := srv.URL + "/v1/records/scan?limit=2"
		if cursor != "" {
			endpoint += "&cursor=" + url.QueryEscape(cursor)
		}
		resp, err := srv.Client().Get(endpoint)
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var page transport.ScanResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&page))
		resp.Body.Close()
		collected = append(collected, page.Records...)
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	assert.Len(t, collected, 5)
}

func TestAPIAdminEndpoints(t *testing.T) {
	c, srv := startAPI(t)

	resp, err := srv.Client().Get(srv.URL + "/v1/admin/shards")
	require.NoError(t, err)
	var views []partition.ShardView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&views))
	resp.Body.Close()
	require.Len(t, views, 1)
	assert.Equal(t, "n1", views[0].Primary)

	resp, err = srv.Client().Get(srv.URL + "/v1/admin/nodes")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Promote the secondary under a fresh epoch.
	resp = postJSON(t, srv.Client(), srv.URL+"/v1/admin/shards/1/primary", map[string]any{
		"node_id": "n2",
		"epoch":   2,
	})
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	rs, ok := c.shards.Table().Replica(1)
	require.True(t, ok)
	assert.Equal(t, "n2", rs.Primary)

	// A stale epoch is a conflict.
	resp = postJSON(t, srv.Client(), srv.URL+"/v1/admin/shards/1/primary", map[string]any{
		"node_id": "n1",
		"epoch":   2,
	})
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

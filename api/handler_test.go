package api_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c-u-l8er/warp-engine/api"
	"github.com/c-u-l8er/warp-engine/config"
	"github.com/c-u-l8er/warp-engine/engine"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	cfg := config.Load()
	cfg.DataRoot = t.TempDir()
	cfg.ShardCount = 4

	eng, err := engine.Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close() })

	router := mux.NewRouter()
	api.NewHandler(eng).RegisterRoutes(router)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, method, url string, body []byte) (*http.Response, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func TestPutGetDeleteOverHTTP(t *testing.T) {
	srv := newTestServer(t)

	resp, body := doJSON(t, http.MethodPut, srv.URL+"/api/v1/keys/user:1", []byte("alice"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "shard_id")

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/api/v1/keys/user:1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	// []byte marshals as base64.
	assert.Equal(t, "YWxpY2U=", body["value"])

	resp, body = doJSON(t, http.MethodDelete, srv.URL+"/api/v1/keys/user:1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "outcomes")

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/api/v1/keys/user:1", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", body["kind"])
}

func TestCompanionRoutesOverHTTP(t *testing.T) {
	srv := newTestServer(t)

	for key, val := range map[string]string{"user:a": "u", "profile:a": "p"} {
		resp, _ := doJSON(t, http.MethodPut, srv.URL+"/api/v1/keys/"+key, []byte(val))
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	declare, err := json.Marshal(map[string]interface{}{
		"companions": []string{"profile:a"},
		"strength":   1.0,
	})
	require.NoError(t, err)
	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/v1/companions/user:a", declare)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/api/v1/keys/user:a/companions", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	present, ok := body["present_companions"].([]interface{})
	require.True(t, ok)
	require.Len(t, present, 1)

	resp, _ = doJSON(t, http.MethodDelete, srv.URL+"/api/v1/companions/user:a", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/api/v1/keys/user:a/companions", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Nil(t, body["present_companions"])
}

func TestRejectsUnknownOptionsOverHTTP(t *testing.T) {
	srv := newTestServer(t)

	resp, body := doJSON(t, http.MethodPut, srv.URL+"/api/v1/keys/k?cache=lukewarm", []byte("v"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_argument", body["kind"])

	resp, body = doJSON(t, http.MethodPut, srv.URL+"/api/v1/keys/k?durability=eventually", []byte("v"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_argument", body["kind"])

	declare, err := json.Marshal(map[string]interface{}{
		"companions": []string{"c"},
		"unknown":    true,
	})
	require.NoError(t, err)
	resp, body = doJSON(t, http.MethodPost, srv.URL+"/api/v1/companions/k", declare)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_argument", body["kind"])
}

func TestSelfCompanionRejectedOverHTTP(t *testing.T) {
	srv := newTestServer(t)

	declare, err := json.Marshal(map[string]interface{}{
		"companions": []string{"k"},
	})
	require.NoError(t, err)
	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/v1/companions/k", declare)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_argument", body["kind"])
}

func TestMetricsOverHTTP(t *testing.T) {
	srv := newTestServer(t)

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/api/v1/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	shards, ok := body["per_shard"].([]interface{})
	require.True(t, ok)
	assert.Len(t, shards, 4)
}

package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bertiespell/asset-canister/internal/admission"
	"github.com/bertiespell/asset-canister/internal/auth"
	"github.com/bertiespell/asset-canister/internal/clock"
	"github.com/bertiespell/asset-canister/internal/metrics"
	"github.com/bertiespell/asset-canister/internal/moderation"
	"github.com/bertiespell/asset-canister/internal/quota"
	"github.com/bertiespell/asset-canister/internal/ratelimit"
	"github.com/bertiespell/asset-canister/internal/store"
	"github.com/bertiespell/asset-canister/testutil"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	*httptest.Server
	tokens *auth.Tokens
}

func newTestServer(t *testing.T, mutate func(*Options)) *testServer {
	t.Helper()
	clk := clock.NewManual(uint64(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixNano()))
	st, err := store.Open(store.Options{
		Dir:       testutil.DataDir(t),
		PublicURL: "https://assets.example.com",
		Clock:     clk,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	superusers := auth.NewSuperusers([]string{"root"})
	svc, err := admission.New(admission.Options{
		Store:      st,
		Ledger:     quota.NewLedger(),
		Limiter:    ratelimit.New(ratelimit.DefaultConfig(), clk, superusers, nil),
		Registry:   moderation.NewRegistry(st),
		Superusers: superusers,
		Clock:      clk,
		Limits: admission.Limits{
			MaxChunkSize: 16,
			MaxChunks:    6,
			MaxFileSize:  96,
			Capacity:     1 << 30,
		},
	})
	require.NoError(t, err)

	tokens, err := auth.NewTokens([]byte("test-secret"), "assetstore")
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	opts := Options{
		Service:        svc,
		Tokens:         tokens,
		Metrics:        metrics.NewAssetMetrics(reg),
		MetricsHandler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}
	if mutate != nil {
		mutate(&opts)
	}

	ts := httptest.NewServer(NewServer(opts))
	t.Cleanup(ts.Close)
	return &testServer{Server: ts, tokens: tokens}
}

func (ts *testServer) do(t *testing.T, method, path string, caller auth.Identity, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, ts.URL+path, bytes.NewReader(body))
	require.NoError(t, err)
	if caller != "" {
		token, err := ts.tokens.Issue(caller, time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func errorCode(t *testing.T, resp *http.Response) string {
	t.Helper()
	return decode[ErrorResponse](t, resp).Code
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, nil)

	resp := ts.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(RequestIDHeader))
}

func TestRequestIDPropagated(t *testing.T) {
	ts := newTestServer(t, nil)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/healthz", nil)
	require.NoError(t, err)
	req.Header.Set(RequestIDHeader, "abc-123")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, "abc-123", resp.Header.Get(RequestIDHeader))
}

func TestFileLifecycle(t *testing.T) {
	ts := newTestServer(t, nil)

	resp := ts.do(t, http.MethodPost, "/api/files?name=cat.png&chunks=2&type=image/png", "alice", []byte("first"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	f := decode[store.File](t, resp)
	assert.Equal(t, auth.Identity("alice"), f.Owner)
	assert.Equal(t, "https://assets.example.com/image/0", f.URL)
	assert.Equal(t, store.PNG, f.Type)

	resp = ts.do(t, http.MethodPut, fmt.Sprintf("/api/files/%d/chunks?order=1", f.ID), "alice", []byte("second"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	f = decode[store.File](t, resp)
	assert.Len(t, f.ChunkIDs, 2)

	resp = ts.do(t, http.MethodGet, "/api/files/0", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, f.ChunkIDs, decode[store.File](t, resp).ChunkIDs)

	resp = ts.do(t, http.MethodGet, fmt.Sprintf("/api/chunks/%d", f.ChunkIDs[1]), "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	chunk := decode[ChunkResponse](t, resp)
	assert.Equal(t, []byte("second"), chunk.Data)
	assert.Equal(t, uint64(1), chunk.OrderID)

	resp = ts.do(t, http.MethodGet, "/api/counter", "", nil)
	assert.Equal(t, uint64(1), decode[CounterResponse](t, resp).CurrentFileID)

	resp = ts.do(t, http.MethodDelete, "/api/files/0", "alice", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = ts.do(t, http.MethodGet, "/api/files/0", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", errorCode(t, resp))
}

func TestErrorMapping(t *testing.T) {
	ts := newTestServer(t, nil)

	resp := ts.do(t, http.MethodPost, "/api/files?name=a&chunks=2&type=image/png", "alice", []byte("x"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	tests := []struct {
		name   string
		method string
		path   string
		caller auth.Identity
		body   []byte
		status int
		code   string
	}{
		{"anonymous", http.MethodPost, "/api/files?chunks=1&type=image/png", "", []byte("x"), http.StatusUnauthorized, "anonymous"},
		{"not owner", http.MethodDelete, "/api/files/0", "bob", nil, http.StatusForbidden, "not_owner"},
		{"too many chunks", http.MethodPost, "/api/files?chunks=7&type=image/png", "bob", []byte("x"), http.StatusConflict, "too_many_chunks"},
		{"oversized", http.MethodPut, "/api/files/0/chunks?order=1", "alice", bytes.Repeat([]byte("x"), 17), http.StatusRequestEntityTooLarge, "oversized_chunk"},
		{"unsupported type", http.MethodPost, "/api/files?chunks=1&type=text/plain", "carol", []byte("x"), http.StatusUnsupportedMediaType, "unsupported_type"},
		{"missing file", http.MethodPut, "/api/files/99/chunks?order=1", "alice", []byte("x"), http.StatusNotFound, "not_found"},
		{"missing chunks param", http.MethodPost, "/api/files?type=image/png", "alice", []byte("x"), http.StatusBadRequest, "bad_request"},
		{"bad id", http.MethodGet, "/api/files/abc", "", nil, http.StatusBadRequest, "bad_request"},
		{"not superuser", http.MethodGet, "/api/admin/blocked", "alice", nil, http.StatusForbidden, "not_superuser"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := ts.do(t, tt.method, tt.path, tt.caller, tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, tt.code, errorCode(t, resp))
		})
	}
}

func TestInvalidToken(t *testing.T) {
	ts := newTestServer(t, nil)

	for _, header := range []string{"Bearer garbage", "Basic abc", "Bearer"} {
		req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/files?chunks=1&type=image/png", strings.NewReader("x"))
		require.NoError(t, err)
		req.Header.Set("Authorization", header)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, header)
		assert.Equal(t, "invalid_token", errorCode(t, resp))
		_ = resp.Body.Close()
	}
}

func TestDailyLimitReturns429(t *testing.T) {
	ts := newTestServer(t, nil)

	for i := 0; i < 3; i++ {
		resp := ts.do(t, http.MethodPost, "/api/files?chunks=1&type=image/gif", "alice", []byte("x"))
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}
	resp := ts.do(t, http.MethodPost, "/api/files?chunks=1&type=image/gif", "alice", []byte("x"))
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "daily_limit_reached", errorCode(t, resp))
}

func TestStreaming(t *testing.T) {
	ts := newTestServer(t, nil)

	resp := ts.do(t, http.MethodPost, "/api/files?chunks=3&type=video/mp4", "alice", []byte("zero"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	for i, c := range []string{"one", "two"} {
		resp = ts.do(t, http.MethodPut, fmt.Sprintf("/api/files/0/chunks?order=%d", i+1), "alice", []byte(c))
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	resp = ts.do(t, http.MethodGet, "/video/0", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "video/mp4", resp.Header.Get("Content-Type"))
	assert.Equal(t, "public, max-age=100000000, immutable", resp.Header.Get("Cache-Control"))
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	body, _ := io.ReadAll(resp.Body)
	got := []string{string(body)}

	token := resp.Header.Get(StreamTokenHeader)
	for token != "" {
		resp = ts.do(t, http.MethodGet, "/stream?token="+token, "", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		body, _ := io.ReadAll(resp.Body)
		got = append(got, string(body))
		token = resp.Header.Get(StreamTokenHeader)
	}
	assert.Equal(t, []string{"zero", "one", "two"}, got)

	resp = ts.do(t, http.MethodGet, "/image/42", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = ts.do(t, http.MethodGet, "/stream?token=***", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStreamRouteNormalized(t *testing.T) {
	ts := newTestServer(t, nil)

	resp := ts.do(t, http.MethodPost, "/api/files?chunks=1&type=image/png", "alice", []byte("png"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	for _, path := range []string{"/image/0", "/IMAGE/0", "/image/0/", "/Video/0"} {
		t.Run(path, func(t *testing.T) {
			resp := ts.do(t, http.MethodGet, path, "", nil)
			require.Equal(t, http.StatusOK, resp.StatusCode)
			body, _ := io.ReadAll(resp.Body)
			assert.Equal(t, "png", string(body))
		})
	}

	for _, path := range []string{"/", "/audio/0", "/image/abc", "/image/9"} {
		t.Run(path, func(t *testing.T) {
			resp := ts.do(t, http.MethodGet, path, "", nil)
			assert.Equal(t, http.StatusNotFound, resp.StatusCode)
			assert.Equal(t, "not_found", errorCode(t, resp))
		})
	}
}

func TestWebSocketStream(t *testing.T) {
	ts := newTestServer(t, nil)

	resp := ts.do(t, http.MethodPost, "/api/files?chunks=2&type=image/webp", "alice", []byte("ab"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp = ts.do(t, http.MethodPut, "/api/files/0/chunks?order=1", "alice", []byte("cd"))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/image/0"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	var got []string
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error: %v", err)
			break
		}
		assert.Equal(t, websocket.BinaryMessage, mt)
		got = append(got, string(data))
	}
	assert.Equal(t, []string{"ab", "cd"}, got)

	_, resp, err = websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws/image/9", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAdminEndpoints(t *testing.T) {
	ts := newTestServer(t, nil)

	resp := ts.do(t, http.MethodPost, "/api/admin/files?owner=bob&name=b.gif&chunks=1&type=image/gif", "root", []byte("gif"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, auth.Identity("bob"), decode[store.File](t, resp).Owner)

	resp = ts.do(t, http.MethodPost, "/api/admin/files?name=b.gif&chunks=1&type=image/gif", "root", []byte("gif"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "bad_request", errorCode(t, resp))

	resp = ts.do(t, http.MethodPost, "/api/admin/blocked/carol?metadata=spam", "root", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = ts.do(t, http.MethodGet, "/api/admin/blocked", "root", nil)
	assert.Equal(t, []auth.Identity{"carol"}, decode[BlockedResponse](t, resp).Blocked)

	resp = ts.do(t, http.MethodPost, "/api/files?chunks=1&type=image/gif", "carol", []byte("x"))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "blocked", errorCode(t, resp))

	resp = ts.do(t, http.MethodDelete, "/api/admin/blocked/carol", "root", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = ts.do(t, http.MethodPost, "/api/admin/purge/bob", "root", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[PurgeResponse](t, resp).Deleted, 1)

	for i := 0; i < 4; i++ {
		ts.do(t, http.MethodPost, "/api/files?chunks=1&type=image/gif", "dave", []byte("x"))
	}
	resp = ts.do(t, http.MethodGet, "/api/admin/warnings", "root", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	warnings := decode[WarningsResponse](t, resp).Warnings
	require.Len(t, warnings, 1)
	assert.Equal(t, auth.Identity("dave"), warnings[0].Identity)
	assert.Equal(t, int64(1), warnings[0].Count)

	resp = ts.do(t, http.MethodGet, "/api/admin/capacity", "root", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Greater(t, decode[CapacityResponse](t, resp).PersistedBytes, uint64(0))
}

func TestThrottle(t *testing.T) {
	ts := newTestServer(t, func(o *Options) {
		o.RequestsPerSecond = 0.001
		o.Burst = 1
	})

	resp := ts.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp = ts.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("Retry-After"))
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)

	resp := ts.do(t, http.MethodGet, "/api/files/7", "", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = ts.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `route="GET /api/files/{id}"`)
}

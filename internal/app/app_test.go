package app

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"localrag/internal/config"
	"localrag/internal/license"
	gatemw "localrag/internal/middleware"
	"localrag/internal/shared/testutil"
	ws "localrag/internal/websocket"
)

type testApp struct {
	app      *Application
	server   *httptest.Server
	token    string
	upstream *httptest.Server
	hits     atomic.Int64
}

// newTestApp builds an application with fresh keys and a demo token, an
// upstream host that echoes the request path, and a running hub.
func newTestApp(t *testing.T, withKeys bool) *testApp {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	ta := &testApp{}
	ta.upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ta.hits.Add(1)
		if r.Header.Get(gatemw.HeaderLicenseToken) != "" {
			http.Error(w, "token leaked", http.StatusBadRequest)
			return
		}
		io.WriteString(w, "host:"+r.URL.Path)
	}))
	t.Cleanup(ta.upstream.Close)

	dir := t.TempDir()
	cfg := config.Default()
	cfg.Licensing.KeysDir = filepath.Join(dir, "keys")
	cfg.Security.RateLimit.Enabled = false
	cfg.Upstream.URL = ta.upstream.URL

	if withKeys {
		store := license.NewKeyStore(cfg.Licensing.PrivateKeyFile(), cfg.Licensing.PublicKeyFile())
		result, err := license.Setup(ctx, store, license.MinKeyBits, dir)
		require.NoError(t, err)
		ta.token, err = license.LoadTokenFile(result.DemoPath)
		require.NoError(t, err)
		cfg.Licensing.TokenFile = result.DemoPath
	}

	logger, _ := testutil.NewTestLogger(t)
	a, err := New(ctx, cfg, logger)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close(context.Background()) })
	ta.app = a

	go a.Hub.Run(ctx)

	ta.server = httptest.NewServer(a.Router)
	t.Cleanup(ta.server.Close)
	return ta
}

func (ta *testApp) get(t *testing.T, path, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, ta.server.URL+path, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set(gatemw.HeaderLicenseToken, token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

func TestGatedUpstream(t *testing.T) {
	ta := newTestApp(t, true)

	resp := ta.get(t, "/api/host/search", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Zero(t, ta.hits.Load())

	resp = ta.get(t, "/api/host/search", "not-a-token")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, string(license.ReasonMalformedToken), resp.Header.Get(gatemw.HeaderLicenseReason))

	resp = ta.get(t, "/api/host/search", ta.token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "host:/search", readBody(t, resp))
	assert.Equal(t, "50", resp.Header.Get(gatemw.HeaderLicenseRemaining))

	assert.Eventually(t, func() bool {
		report, err := ta.app.Validator.UsageReport(context.Background(), ta.token)
		return err == nil && report.DailyQueries == 1
	}, 2*time.Second, 20*time.Millisecond)
}

func TestLicenseAPI(t *testing.T) {
	ta := newTestApp(t, true)

	body := `{"token":"` + ta.token + `"}`
	resp, err := http.Post(ta.server.URL+"/api/license/validate", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result license.ValidationResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.True(t, result.Valid)
	require.NotNil(t, result.Data)
	assert.Equal(t, "demo", result.Data.Plan)

	resp = ta.get(t, "/api/license/restrictions", ta.token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, readBody(t, resp), "watermarked_output")

	resp = ta.get(t, "/api/license/features/basic_rag", ta.token)
	assert.Contains(t, readBody(t, resp), `"enabled":true`)
}

func TestHealthAndMetrics(t *testing.T) {
	ta := newTestApp(t, true)

	resp := ta.get(t, "/api/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, readBody(t, resp), `"status":"healthy"`)

	ta.get(t, "/api/host/x", ta.token)

	resp = ta.get(t, "/metrics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	metrics := readBody(t, resp)
	assert.Contains(t, metrics, "license_validation_attempts")
	assert.Contains(t, metrics, "http_requests")

	resp = ta.get(t, "/api/nope", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMissingKeys(t *testing.T) {
	ta := newTestApp(t, false)
	assert.Nil(t, ta.app.PublicKey)

	resp := ta.get(t, "/api/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	// any token, even a well formed one, fails without a verification key
	key := testutil.RSAKey(t)
	token, err := license.NewGenerator(key).IssueDemo(context.Background())
	require.NoError(t, err)

	result := ta.app.Validator.Validate(context.Background(), token)
	assert.False(t, result.Valid)
	assert.Equal(t, license.ReasonKeyMissing, result.Reason)
}

func TestUsageStream(t *testing.T) {
	ta := newTestApp(t, true)

	wsURL := "ws" + strings.TrimPrefix(ta.server.URL, "http") + "/ws/usage"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return ta.app.Hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	resp := ta.get(t, "/api/host/ask", ta.token)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var msg ws.Message
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Type != ws.TypeUsage {
			continue
		}
		raw, err := json.Marshal(msg.Data)
		require.NoError(t, err)
		assert.Contains(t, string(raw), `"plan":"demo"`)
		return
	}
}

func TestUpstreamDown(t *testing.T) {
	ta := newTestApp(t, true)
	ta.upstream.Close()

	resp := ta.get(t, "/api/host/x", ta.token)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

	// failed upstream calls are not billed
	report, err := ta.app.Validator.UsageReport(context.Background(), ta.token)
	require.NoError(t, err)
	assert.Zero(t, report.DailyQueries)
}

func TestServeShutsDownOnCancel(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Licensing.KeysDir = dir
	cfg.Licensing.LogRetentionDays = 30
	cfg.Server.ShutdownTimeout = 2 * time.Second

	logger, _ := testutil.NewTestLogger(t)
	a, err := New(context.Background(), cfg, logger)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/api/health/live")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	assert.Nil(t, a.Ledger)
}

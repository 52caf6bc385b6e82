package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hanogt/secbot/pkg/crypto"
	"github.com/hanogt/secbot/pkg/datastore"
	"github.com/hanogt/secbot/pkg/guard"
	"github.com/hanogt/secbot/pkg/model"
	"github.com/hanogt/secbot/pkg/runner"
)

type stubRunner struct {
	calls atomic.Int64
	err   error
}

func (r *stubRunner) Execute(_ context.Context, language, _ string) (*runner.Result, error) {
	r.calls.Add(1)
	if r.err != nil {
		return nil, r.err
	}
	return &runner.Result{Stdout: "hello\n", Output: "hello\n", Language: language, Version: "3.10.0"}, nil
}

type downStore struct {
	*datastore.MemoryStore
}

func (downStore) GetBan(context.Context, string) (*model.BanRecord, error) {
	return nil, errors.New("store unreachable")
}

func newTestServer(t *testing.T, cfg Config, st datastore.DataStore) (*Server, *stubRunner, *httptest.Server) {
	t.Helper()
	if st == nil {
		st = datastore.NewMemory()
	}
	r := &stubRunner{}
	srv, err := New(cfg, Dependencies{Store: st, Runner: r})
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, r, ts
}

func postJSON(t *testing.T, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func runBody(code string) guard.Submission {
	return guard.Submission{Identity: "bob@example.com", Language: "python", Source: code}
}

func TestRunClean(t *testing.T) {
	srv, r, ts := newTestServer(t, DefaultConfig(), nil)

	resp, out := postJSON(t, ts.URL+"/api/run", runBody("print('hello')"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "executed", out["outcome"])
	assert.Equal(t, "hello\n", out["stdout"])
	assert.EqualValues(t, 1, r.calls.Load())

	snap := srv.Metrics().Snapshot()
	assert.EqualValues(t, 1, snap.RunRequests)
	assert.EqualValues(t, 1, snap.Clean)
	assert.EqualValues(t, 1, snap.Executions)
}

func TestRunMaliciousBansIdentity(t *testing.T) {
	srv, r, ts := newTestServer(t, DefaultConfig(), nil)

	resp, out := postJSON(t, ts.URL+"/api/run", runBody("os.system('rm -rf /')"))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "banned", out["outcome"])
	assert.NotContains(t, out["message"], "rm -rf")
	assert.Zero(t, r.calls.Load())

	resp, out = postJSON(t, ts.URL+"/api/run", runBody("print('hello')"))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "banned", out["outcome"])
	assert.Zero(t, r.calls.Load())

	snap := srv.Metrics().Snapshot()
	assert.EqualValues(t, 1, snap.Blocks)
	assert.EqualValues(t, 1, snap.Bans)
	assert.EqualValues(t, 1, snap.BannedDenied)

	status, err := http.Get(ts.URL + "/api/bans/bob@example.com")
	require.NoError(t, err)
	defer status.Body.Close()
	var check map[string]any
	require.NoError(t, json.NewDecoder(status.Body).Decode(&check))
	assert.Equal(t, "banned", check["status"])
	assert.Equal(t, "systemCommands, fileAttacks", check["reason"])
}

func TestRunBlockedWithoutBan(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BanOnBlock = false
	_, _, ts := newTestServer(t, cfg, nil)

	resp, out := postJSON(t, ts.URL+"/api/run", runBody("os.system('rm -rf /')"))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "blocked", out["outcome"])
}

func TestRunLookupFailureDenies(t *testing.T) {
	srv, r, ts := newTestServer(t, DefaultConfig(), downStore{datastore.NewMemory()})

	resp, out := postJSON(t, ts.URL+"/api/run", runBody("print('hello')"))
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "unavailable", out["outcome"])
	assert.Zero(t, r.calls.Load())
	assert.EqualValues(t, 1, srv.Metrics().Snapshot().LookupFailures)
}

func TestRunLookupFailureAllows(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LookupFailure = "allow"
	_, r, ts := newTestServer(t, cfg, downStore{datastore.NewMemory()})

	resp, out := postJSON(t, ts.URL+"/api/run", runBody("print('hello')"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "executed", out["outcome"])
	assert.EqualValues(t, 1, r.calls.Load())
}

func TestRunRunnerFailure(t *testing.T) {
	st := datastore.NewMemory()
	r := &stubRunner{err: errors.New("upstream 500")}
	srv, err := New(DefaultConfig(), Dependencies{Store: st, Runner: r})
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, out := postJSON(t, ts.URL+"/api/run", runBody("print('hello')"))
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, "code execution failed", out["error"])
	assert.EqualValues(t, 1, srv.Metrics().Snapshot().RunnerErrors)
}

func TestRunBadRequests(t *testing.T) {
	_, r, ts := newTestServer(t, DefaultConfig(), nil)

	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"identity":`},
		{"wrong type", `{"identity":"a@b.c","language":"python","source":42}`},
		{"empty identity", `{"identity":"","language":"python","source":"x"}`},
		{"unsupported language", `{"identity":"a@b.c","language":"cobol","source":"x"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(ts.URL+"/api/run", "application/json", strings.NewReader(tt.body))
			require.NoError(t, err)
			_ = resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
	assert.Zero(t, r.calls.Load())
}

func TestScanIsDryRun(t *testing.T) {
	srv, _, ts := newTestServer(t, DefaultConfig(), nil)

	resp, out := postJSON(t, ts.URL+"/api/scan", map[string]string{"source": "xmrig --url stratum+tcp://pool"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "critical", out["severity"])
	assert.Equal(t, true, out["should_block"])
	assert.Equal(t, []any{"cryptoMining"}, out["threats"])

	events, err := srv.Ledger().Events(context.Background(), model.EventFilters{})
	require.NoError(t, err)
	assert.Empty(t, events)
	bans, err := srv.Ledger().Bans(context.Background())
	require.NoError(t, err)
	assert.Empty(t, bans)
}

func TestEventsEndpoint(t *testing.T) {
	_, _, ts := newTestServer(t, DefaultConfig(), nil)

	postJSON(t, ts.URL+"/api/run", runBody("result = eval(x)"))
	postJSON(t, ts.URL+"/api/run", guard.Submission{Identity: "eve@example.com", Language: "python", Source: "os.system('rm -rf /')"})

	get := func(query string) (int, []map[string]any) {
		resp, err := http.Get(ts.URL + "/api/events" + query)
		require.NoError(t, err)
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return resp.StatusCode, nil
		}
		var out []map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
		return resp.StatusCode, out
	}

	code, all := get("")
	assert.Equal(t, http.StatusOK, code)
	assert.Len(t, all, 3) // warning, block, ban

	_, bob := get("?identity=bob@example.com")
	require.Len(t, bob, 1)
	assert.Equal(t, "warning", bob[0]["event_type"])

	_, limited := get("?limit=1")
	assert.Len(t, limited, 1)

	_, bans := get("?kind=ban")
	require.Len(t, bans, 1)
	assert.Equal(t, "eve@example.com", bans[0]["identity"])

	code, _ = get("?limit=zero")
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = get("?kind=nope")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestBanStatusNotBanned(t *testing.T) {
	_, _, ts := newTestServer(t, DefaultConfig(), nil)

	resp, err := http.Get(ts.URL + "/api/bans/nobody@example.com")
	require.NoError(t, err)
	defer resp.Body.Close()
	var check map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&check))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "not_banned", check["status"])
}

func TestMetricsHandler(t *testing.T) {
	srv, _, ts := newTestServer(t, DefaultConfig(), nil)
	postJSON(t, ts.URL+"/api/run", runBody("print('hello')"))

	rec := httptest.NewRecorder()
	srv.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "# TYPE secbot_run_requests_total counter")
	assert.Contains(t, body, "secbot_run_requests_total 1\n")
	assert.Contains(t, body, "secbot_executions_total 1\n")
	assert.Contains(t, body, "secbot_event_log_failures_total 0\n")

	rec = httptest.NewRecorder()
	srv.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, "ok\n", rec.Body.String())
}

func TestOperatorTokenGuardsLedgerEndpoints(t *testing.T) {
	token, err := crypto.GenerateToken()
	require.NoError(t, err)
	cfg := DefaultConfig()
	cfg.OperatorTokenHash = crypto.HashToken(token)
	require.NoError(t, cfg.Validate())
	_, r, ts := newTestServer(t, cfg, nil)

	get := func(path, auth string) int {
		req, err := http.NewRequest(http.MethodGet, ts.URL+path, nil)
		require.NoError(t, err)
		if auth != "" {
			req.Header.Set("Authorization", auth)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		_ = resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusForbidden, get("/api/events", ""))
	assert.Equal(t, http.StatusForbidden, get("/api/events", "Bearer wrong"))
	assert.Equal(t, http.StatusForbidden, get("/api/bans/bob@example.com", token))
	assert.Equal(t, http.StatusOK, get("/api/events", "Bearer "+token))
	assert.Equal(t, http.StatusOK, get("/api/bans/bob@example.com", "Bearer "+token))

	// Submitting code needs no token.
	resp, _ := postJSON(t, ts.URL+"/api/run", runBody("print('hello')"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, r.calls.Load())
}

func TestNewRequiresStore(t *testing.T) {
	srv, err := New(DefaultConfig(), Dependencies{Runner: &stubRunner{}})
	require.ErrorIs(t, err, ErrMissingStore)
	assert.Nil(t, srv)
}

func TestScanCleanReturnsEmptyThreatList(t *testing.T) {
	_, _, ts := newTestServer(t, DefaultConfig(), nil)

	resp, out := postJSON(t, ts.URL+"/api/scan", map[string]string{"source": "print('hello')"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []any{}, out["threats"])
	assert.Equal(t, false, out["is_malicious"])
}

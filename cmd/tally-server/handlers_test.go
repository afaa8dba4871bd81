package main

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tally.lopezb.com/internal/tally/config"
	"tally.lopezb.com/internal/tally/ingest"
	"tally.lopezb.com/internal/tally/signature"
	"tally.lopezb.com/internal/tally/tracker"
)

var nonceSeq atomic.Int64

type testServer struct {
	app *application
	srv *httptest.Server
	now time.Time
}

func newTestServer(t *testing.T, mode string) *testServer {
	t.Helper()

	path := filepath.Join(t.TempDir(), "tally.yaml")
	yaml := fmt.Sprintf(`
identity:
  mode: %s
  secret: test-secret
store:
  backend: memory
stats:
  cache_ttl: 0s
`, mode)
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	app, err := newApplication(context.Background(), cfg, logger)
	require.NoError(t, err)

	ts := &testServer{
		app: app,
		now: time.Date(2026, 10, 18, 9, 30, 0, 0, time.UTC),
	}
	app.now = func() time.Time { return ts.now }

	ts.srv = httptest.NewServer(app.routes())
	t.Cleanup(func() {
		ts.srv.Close()
		app.close()
	})

	return ts
}

type client struct {
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

func newClient(t *testing.T) client {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	return client{pub: pub, priv: priv}
}

func (c client) ping(ts int64) ingest.Request {
	nonce := fmt.Sprintf("nonce-%016d", nonceSeq.Add(1))

	return ingest.Request{
		PublicKey: hex.EncodeToString(c.pub),
		Timestamp: ts,
		Nonce:     nonce,
		Signature: hex.EncodeToString(signature.Sign(c.priv, ts, nonce)),
	}
}

func (s *testServer) post(t *testing.T, body any) (*http.Response, map[string]any) {
	t.Helper()

	var buf bytes.Buffer
	switch b := body.(type) {
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}

	resp, err := http.Post(s.srv.URL+"/ping", "application/json", &buf)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))

	return resp, out
}

func (s *testServer) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()

	resp, err := http.Get(s.srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp, data
}

func TestPing_TwoUsersAcrossDays(t *testing.T) {
	s := newTestServer(t, "hash")
	k1, k2 := newClient(t), newClient(t)

	resp, out := s.post(t, k1.ping(s.now.UnixMilli()))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, out["success"])
	assert.Equal(t, "2026-10-18", out["day"])
	assert.Equal(t, true, out["newUser"])
	assert.InDelta(t, 1, out["dau"], 0)

	resp, out = s.post(t, k2.ping(s.now.UnixMilli()))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, out["newUser"])
	assert.InDelta(t, 2, out["dau"], 0)

	s.now = s.now.Add(24 * time.Hour)

	resp, out = s.post(t, k1.ping(s.now.UnixMilli()))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "2026-10-19", out["day"])
	assert.Equal(t, false, out["newUser"])
	assert.InDelta(t, 1, out["dau"], 0)

	resp, data := s.get(t, "/stats?days=2")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var stats tracker.Stats
	require.NoError(t, json.Unmarshal(data, &stats))
	assert.Equal(t, uint64(2), stats.AllTime)
	assert.Equal(t, uint64(2), stats.WAU)
	assert.Equal(t, uint64(2), stats.MAU)
	require.Len(t, stats.RecentDays, 2)
	assert.Equal(t, "2026-10-18", stats.RecentDays[0].Date)
	assert.Equal(t, uint64(2), stats.RecentDays[0].NewUsers)
	assert.Equal(t, "2026-10-19", stats.RecentDays[1].Date)
	assert.Equal(t, uint64(0), stats.RecentDays[1].NewUsers)
	require.NotNil(t, stats.Retention.D1)
	assert.Nil(t, stats.Retention.D7)
	assert.Nil(t, stats.Retention.D30)
}

func TestPing_Rejections(t *testing.T) {
	s := newTestServer(t, "hash")
	k := newClient(t)

	t.Run("malformed json", func(t *testing.T) {
		resp, out := s.post(t, "{not json")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, "malformed JSON body", out["error"])
	})

	t.Run("body too large", func(t *testing.T) {
		resp, _ := s.post(t, `{"nonce":"`+strings.Repeat("a", 8192)+`"}`)
		assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	})

	t.Run("missing field", func(t *testing.T) {
		req := k.ping(s.now.UnixMilli())
		req.PublicKey = ""

		resp, out := s.post(t, req)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.NotEmpty(t, out["error"])
	})

	t.Run("stale timestamp", func(t *testing.T) {
		resp, _ := s.post(t, k.ping(s.now.Add(-time.Hour).UnixMilli()))
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("replayed nonce", func(t *testing.T) {
		req := k.ping(s.now.UnixMilli())

		resp, _ := s.post(t, req)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		resp, _ = s.post(t, req)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("bad signature", func(t *testing.T) {
		req := k.ping(s.now.UnixMilli())
		req.Signature = hex.EncodeToString(make([]byte, ed25519.SignatureSize))

		resp, out := s.post(t, req)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, "unauthorized", out["error"])
	})
}

func TestStats_BadDays(t *testing.T) {
	s := newTestServer(t, "hash")

	for _, q := range []string{"zero", "0", "-3"} {
		resp, _ := s.get(t, "/stats?days="+q)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, q)
	}

	resp, data := s.get(t, "/stats")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var stats tracker.Stats
	require.NoError(t, json.Unmarshal(data, &stats))
	assert.Len(t, stats.RecentDays, tracker.DefaultRecentDays)
}

func TestBucketAndRaw(t *testing.T) {
	s := newTestServer(t, "hash")

	resp, _ := s.post(t, newClient(t).ping(s.now.UnixMilli()))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, data := s.get(t, "/stats/buckets/day:2026-10-18")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"key":"day:2026-10-18","users":1,"newUsers":1}`, string(data))

	resp, _ = s.get(t, "/stats/buckets/day:2026-10-17")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = s.get(t, "/stats/buckets/year:2026")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Nothing is persisted before the first flush.
	resp, _ = s.get(t, "/raw/global:hll")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	require.NoError(t, s.app.tracker.Flush(context.Background()))
	require.NoError(t, s.app.tracker.Aggregate(context.Background()))

	resp, data = s.get(t, "/raw/day:2026-10-18")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/octet-stream", resp.Header.Get("Content-Type"))

	bucket, err := tracker.DecodeBucket(data)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), bucket.All.Count())

	resp, _ = s.get(t, "/raw/global:filter")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, data = s.get(t, "/stats/buckets/week:2026-W42")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"key":"week:2026-W42","users":1,"newUsers":1}`, string(data))

	resp, _ = s.get(t, "/raw/meta:identity-mode")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRaw_HiddenInKeyedMode(t *testing.T) {
	s := newTestServer(t, "hmac")

	resp, _ := s.post(t, newClient(t).ping(s.now.UnixMilli()))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, s.app.tracker.Flush(context.Background()))

	resp, _ = s.get(t, "/raw/global:hll")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestOperationalEndpoints(t *testing.T) {
	s := newTestServer(t, "hash")

	resp, data := s.get(t, "/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(data))

	resp, _ = s.get(t, "/readyz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = s.post(t, newClient(t).ping(s.now.UnixMilli()))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, data = s.get(t, "/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(data), `tally_pings_total{result="new"} 1`)
	assert.Contains(t, string(data), `tally_http_requests_total{code="200",route="/ping"} 1`)
}

func TestNewApplication_IdentityModeMismatch(t *testing.T) {
	dir := t.TempDir()
	journal := filepath.Join(dir, "tally.aof")

	open := func(mode string) error {
		path := filepath.Join(dir, mode+".yaml")
		yaml := fmt.Sprintf(`
identity:
  mode: %s
  secret: test-secret
store:
  backend: file
  file:
    path: %s
`, mode, journal)
		require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

		cfg, err := config.LoadConfig(path)
		require.NoError(t, err)

		app, err := newApplication(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
		if err != nil {
			return err
		}
		app.close()
		return nil
	}

	require.NoError(t, open("hmac"))

	err := open("hash")
	require.Error(t, err)
	assert.ErrorIs(t, err, tracker.ErrIdentityModeMismatch)

	// The failed start released the journal, so the original mode reopens.
	require.NoError(t, open("hmac"))
}

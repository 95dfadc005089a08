package main

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/mt5prov/internal/auth"
	"github.com/loykin/mt5prov/internal/cache"
	"github.com/loykin/mt5prov/internal/history"
	"github.com/loykin/mt5prov/internal/history/sqlite"
	"github.com/loykin/mt5prov/internal/integrity"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := buildRoot()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func requireUnix(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like environment")
	}
}

// isolate points every path setting at a temp dir.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("WINEPREFIX", filepath.Join(dir, ".wine"))
	t.Setenv("STATE_DIR", filepath.Join(dir, "state"))
	t.Setenv("CACHE_DIR", filepath.Join(dir, "cache"))
	t.Setenv("HISTORY_DSN", "")
	t.Setenv("CHECKSUMS_MANIFEST", "")
	t.Setenv("STATUS_SECRET", "")
	t.Setenv("LOG_LEVEL", "error")
	return dir
}

func writeFile(t *testing.T, path string, data []byte) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func digestOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func TestHelpAndVersion(t *testing.T) {
	out, err := execute(t, "--help")
	require.NoError(t, err)
	assert.Contains(t, out, "mt5prov")

	out, err = execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "mt5prov dev\n", out)
}

func TestVerify(t *testing.T) {
	dir := isolate(t)
	data := []byte("terminal installer")
	f := writeFile(t, filepath.Join(dir, "mt5setup.exe"), data)

	out, err := execute(t, "verify", f, "--sha256", digestOf(data))
	require.NoError(t, err)
	assert.Contains(t, out, digestOf(data))
	assert.Contains(t, out, "OK")

	_, err = execute(t, "verify", f, "--sha256", digestOf([]byte("other")))
	assert.ErrorIs(t, err, integrity.ErrMismatch)
	_, statErr := os.Stat(f)
	assert.NoError(t, statErr, "verify never deletes the file")

	out, err = execute(t, "verify", f)
	require.NoError(t, err)
	assert.Contains(t, out, "no known checksum")
}

func TestChecksumsManifestFeedsVerify(t *testing.T) {
	dir := isolate(t)
	data := []byte("mono msi")
	f := writeFile(t, filepath.Join(dir, "wine-mono.msi"), data)
	manifest := filepath.Join(dir, "checksums.yaml")

	out, err := execute(t, "checksums", manifest, f)
	require.NoError(t, err)
	assert.Contains(t, out, digestOf(data)+"  wine-mono.msi")

	t.Setenv("CHECKSUMS_MANIFEST", manifest)
	out, err = execute(t, "verify", f)
	require.NoError(t, err)
	assert.Contains(t, out, "OK")
}

func TestCacheList(t *testing.T) {
	dir := isolate(t)
	store, err := cache.Open(filepath.Join(dir, "cache"), time.Hour)
	require.NoError(t, err)
	data := []byte("python installer")
	src := writeFile(t, filepath.Join(dir, "python-3.9.0.exe"), data)
	_, err = store.Record("https://www.python.org/ftp/python/3.9.0/python-3.9.0.exe", src, digestOf(data))
	require.NoError(t, err)

	out, err := execute(t, "cache", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "python-3.9.0.exe")
	assert.Contains(t, out, "valid")
}

func TestCachePrune(t *testing.T) {
	dir := isolate(t)
	store, err := cache.Open(filepath.Join(dir, "cache"), time.Hour)
	require.NoError(t, err)
	data := []byte("mono")
	src := writeFile(t, filepath.Join(dir, "wine-mono.msi"), data)
	_, err = store.Record("https://dl.winehq.org/wine/wine-mono/8.0.0/wine-mono.msi", src, digestOf(data))
	require.NoError(t, err)
	writeFile(t, filepath.Join(dir, "cache", "stale.meta"), []byte("{"))

	out, err := execute(t, "cache", "prune")
	require.NoError(t, err)
	assert.Contains(t, out, "pruned 1 entries")

	out, err = execute(t, "cache", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "wine-mono.msi")
	assert.NotContains(t, out, "unreadable")
}

func TestToken(t *testing.T) {
	isolate(t)
	_, err := execute(t, "token")
	assert.ErrorIs(t, err, auth.ErrNoSecret)

	t.Setenv("STATUS_SECRET", "s3cret")
	out, err := execute(t, "token", "--subject", "ops", "--ttl", "5m")
	require.NoError(t, err)
	claims, err := auth.Verify([]byte("s3cret"), strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "ops", claims.Subject)
}

func TestHistory(t *testing.T) {
	dir := isolate(t)
	dsn := filepath.Join(dir, "history.db")
	sink, err := sqlite.New(dsn)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, sink.Send(ctx, history.Event{RunID: "0123456789abcdef", Step: "mono", Outcome: "applied", Duration: time.Second, OccurredAt: time.Now()}))
	require.NoError(t, sink.Send(ctx, history.Event{RunID: "0123456789abcdef", Step: "terminal", Outcome: "failed", Error: "boom", OccurredAt: time.Now()}))
	require.NoError(t, sink.Close())

	out, err := execute(t, "history", "--dsn", dsn, "--limit", "10")
	require.NoError(t, err)
	assert.Contains(t, out, "01234567")
	assert.Contains(t, out, "terminal")
	assert.Contains(t, out, "boom")

	_, err = execute(t, "history")
	assert.Error(t, err, "no dsn configured")
}

func httpPort(t *testing.T, srv *httptest.Server) string {
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	return u.Port()
}

func TestValidate(t *testing.T) {
	vnc := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))
	defer vnc.Close()
	var up websocket.Upgrader
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			_, _ = w.Write([]byte(`{"status":"healthy","mt5_connected":true}`))
		case "/ws/ticks/GBPUSD":
			c, err := up.Upgrade(w, r, nil)
			if err != nil {
				return
			}
			defer func() { _ = c.Close() }()
			_ = c.WriteJSON(map[string]any{"symbol": "GBPUSD", "bid": 1.27})
			_, _, _ = c.ReadMessage()
		}
	}))
	defer api.Close()
	vp, ap := httpPort(t, vnc), httpPort(t, api)

	out, err := execute(t, "validate", "--host", "127.0.0.1", "--api-port", ap, "--vnc-port", vp,
		"--ports", vp+","+ap, "--timeout", "2s", "--symbol", "GBPUSD")
	require.NoError(t, err, out)
	assert.Contains(t, out, "errors=0 warnings=0")
	assert.Contains(t, out, "receiving GBPUSD ticks")

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	closed := strconv.Itoa(ln.Addr().(*net.TCPAddr).Port)
	require.NoError(t, ln.Close())
	_, err = execute(t, "validate", "--host", "127.0.0.1", "--api-port", closed, "--vnc-port", closed,
		"--ports", closed, "--timeout", "1s")
	assert.Error(t, err)
}

func TestPS(t *testing.T) {
	requireUnix(t)
	dir := isolate(t)
	run := filepath.Join(dir, "state", "run")
	writeFile(t, filepath.Join(run, "terminal.pid"),
		[]byte(fmt.Sprintf("%d\n{\"name\":\"terminal\",\"command\":\"wine\",\"args\":[\"terminal64.exe\"]}\n", os.Getpid())))
	writeFile(t, filepath.Join(run, "bridge.pid"), []byte("999999\n"))

	out, err := execute(t, "ps")
	require.NoError(t, err)
	assert.Regexp(t, `terminal\s+\d+\s+running\s+wine terminal64.exe`, out)
	assert.Regexp(t, `bridge\s+999999\s+stale`, out)
}

func TestRunNoWait(t *testing.T) {
	requireUnix(t)
	dir := isolate(t)
	prefix := filepath.Join(dir, ".wine")
	require.NoError(t, os.MkdirAll(filepath.Join(prefix, "drive_c", "windows", "mono"), 0o750))
	writeFile(t, filepath.Join(prefix, "drive_c", "Program Files", "MetaTrader 5", "terminal64.exe"), []byte("exe"))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := strconv.Itoa(ln.Addr().(*net.TCPAddr).Port)
	require.NoError(t, ln.Close())

	t.Setenv("WINE_BINARY", "true")
	t.Setenv("HOST_PYTHON", "true")
	t.Setenv("HOST_PIP", "true")
	t.Setenv("BRIDGE_SETTLE", "0")
	t.Setenv("MT5_PORT", port)
	t.Setenv("HISTORY_DSN", filepath.Join(dir, "history.db"))

	out, err := execute(t, "run", "--no-wait")
	require.NoError(t, err)
	assert.Contains(t, out, "applied=4 satisfied=3 failed=0 cancelled=0")

	out, err = execute(t, "history")
	require.NoError(t, err)
	assert.Contains(t, out, "launch-terminal")
}

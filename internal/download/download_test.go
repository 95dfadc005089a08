package download

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/mt5prov/internal/cache"
	"github.com/loykin/mt5prov/internal/integrity"
)

func sha(b []byte) string {
	s := sha256.Sum256(b)
	return hex.EncodeToString(s[:])
}

type artifactServer struct {
	*httptest.Server
	hits    atomic.Int32
	payload atomic.Value // []byte
}

func newArtifactServer(t *testing.T, payload []byte) *artifactServer {
	t.Helper()
	s := &artifactServer{}
	s.payload.Store(payload)
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.hits.Add(1)
		_, _ = w.Write(s.payload.Load().([]byte))
	}))
	t.Cleanup(s.Close)
	return s
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newManager(t *testing.T, store *cache.Store) *Manager {
	t.Helper()
	return New(Options{
		Cache: store,
		Retry: RetryPolicy{MaxRetries: 3, InitialInterval: 5 * time.Millisecond, MaxInterval: 20 * time.Millisecond},
	})
}

func TestFetch_DownloadVerifyAndCache(t *testing.T) {
	payload := []byte("wine mono msi contents")
	srv := newArtifactServer(t, payload)
	store, err := cache.Open(t.TempDir(), time.Hour)
	require.NoError(t, err)
	m := newManager(t, store)

	loc := srv.URL + "/wine/wine-mono-8.0.0-x86.msi"
	dest := filepath.Join(t.TempDir(), "mono.msi")
	require.NoError(t, m.Fetch(context.Background(), Source{Locator: loc, ExpectedHash: sha(payload)}, dest))

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	e, ok := store.Lookup(loc)
	require.True(t, ok)
	assert.Equal(t, sha(payload), e.Hash)
}

func TestFetch_TamperedArtifactNotCachedOrPromoted(t *testing.T) {
	genuine := []byte("0123456789abcdef")
	tampered := []byte("0123456789abcdeX")
	srv := newArtifactServer(t, tampered)
	store, err := cache.Open(t.TempDir(), time.Hour)
	require.NoError(t, err)
	m := newManager(t, store)

	loc := srv.URL + "/mt5setup.exe"
	dest := filepath.Join(t.TempDir(), "mt5setup.exe")
	err = m.Fetch(context.Background(), Source{Locator: loc, ExpectedHash: sha(genuine)}, dest)
	require.Error(t, err)
	assert.True(t, errors.Is(err, integrity.ErrMismatch))

	_, statErr := os.Stat(dest)
	assert.True(t, os.IsNotExist(statErr), "tampered file must not be left at dest")
	_, ok := store.Lookup(loc)
	assert.False(t, ok, "tampered file must not be cached")
}

func TestFetch_KnownChecksumTableByArtifactName(t *testing.T) {
	srv := newArtifactServer(t, []byte("not the real python installer"))
	m := newManager(t, nil)
	dest := filepath.Join(t.TempDir(), "python-installer.exe")
	err := m.Fetch(context.Background(), Source{Locator: srv.URL + "/ftp/python/3.9.0/python-3.9.0.exe"}, dest)
	assert.True(t, errors.Is(err, integrity.ErrMismatch), "got %v", err)
}

func TestFetch_FreshCacheSkipsNetwork(t *testing.T) {
	payload := []byte("terminal installer")
	srv := newArtifactServer(t, payload)
	clk := &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	store, err := cache.Open(t.TempDir(), cache.DefaultTTL, cache.WithClock(clk.now))
	require.NoError(t, err)
	m := newManager(t, store)
	loc := srv.URL + "/mt5setup.exe"

	require.NoError(t, m.Fetch(context.Background(), Source{Locator: loc}, filepath.Join(t.TempDir(), "a.exe")))
	require.EqualValues(t, 1, srv.hits.Load())

	clk.t = clk.t.Add(cache.DefaultTTL - time.Second)
	dest := filepath.Join(t.TempDir(), "b.exe")
	require.NoError(t, m.Fetch(context.Background(), Source{Locator: loc}, dest))
	assert.EqualValues(t, 1, srv.hits.Load(), "fresh cache entry must not hit the network")
	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestFetch_ExpiredCacheRefetchesAndOverwrites(t *testing.T) {
	srv := newArtifactServer(t, []byte("v1"))
	clk := &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	store, err := cache.Open(t.TempDir(), cache.DefaultTTL, cache.WithClock(clk.now))
	require.NoError(t, err)
	m := newManager(t, store)
	loc := srv.URL + "/mt5setup.exe"

	require.NoError(t, m.Fetch(context.Background(), Source{Locator: loc}, filepath.Join(t.TempDir(), "a.exe")))
	first, ok := store.Lookup(loc)
	require.True(t, ok)

	srv.payload.Store([]byte("v2"))
	clk.t = clk.t.Add(cache.DefaultTTL + time.Hour)
	require.NoError(t, m.Fetch(context.Background(), Source{Locator: loc}, filepath.Join(t.TempDir(), "b.exe")))
	assert.EqualValues(t, 2, srv.hits.Load())

	second, ok := store.Lookup(loc)
	require.True(t, ok)
	assert.True(t, second.FetchedAt.After(first.FetchedAt))
	assert.Equal(t, sha([]byte("v2")), second.Hash)
	cached, err := os.ReadFile(second.Path)
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), cached)
}

func TestFetch_CancelledBeforeStart(t *testing.T) {
	srv := newArtifactServer(t, []byte("x"))
	cacheDir := filepath.Join(t.TempDir(), "cache")
	store, err := cache.Open(cacheDir, time.Hour)
	require.NoError(t, err)
	m := newManager(t, store)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	destDir := filepath.Join(t.TempDir(), "out")
	err = m.Fetch(ctx, Source{Locator: srv.URL + "/a.exe"}, filepath.Join(destDir, "a.exe"))
	assert.ErrorIs(t, err, ErrCancelled)
	assert.EqualValues(t, 0, srv.hits.Load())
	_, statErr := os.Stat(destDir)
	assert.True(t, os.IsNotExist(statErr), "no filesystem side effects expected")
	des, _ := os.ReadDir(cacheDir)
	assert.Empty(t, des)
}

func TestFetch_CancelledMidStream(t *testing.T) {
	chunk := bytes.Repeat([]byte("z"), 4096)
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1048576")
		_, _ = w.Write(chunk)
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	m := New(Options{ChunkSize: 1024, Retry: RetryPolicy{MaxRetries: 0, InitialInterval: time.Millisecond}})
	dest := filepath.Join(t.TempDir(), "big.bin")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		for ctx.Err() == nil {
			if fi, err := os.Stat(dest); err == nil && fi.Size() >= int64(len(chunk)) {
				cancel()
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	done := make(chan error, 1)
	go func() { done <- m.Fetch(ctx, Source{Locator: srv.URL + "/big.bin"}, dest) }()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrCancelled)
	case <-time.After(5 * time.Second):
		t.Fatal("fetch did not stop after cancellation")
	}
	_, err := os.Stat(dest)
	assert.True(t, os.IsNotExist(err), "partial file must be removed")
}

func TestFetch_RetriesTransientStatus(t *testing.T) {
	var hits atomic.Int32
	payload := []byte("ok after retries")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	m := newManager(t, nil)
	dest := filepath.Join(t.TempDir(), "r.bin")
	require.NoError(t, m.Fetch(context.Background(), Source{Locator: srv.URL + "/r.bin"}, dest))
	assert.EqualValues(t, 3, hits.Load())
}

func TestFetch_RetryBudgetExhausted(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	m := newManager(t, nil)
	err := m.Fetch(context.Background(), Source{Locator: srv.URL + "/r.bin"}, filepath.Join(t.TempDir(), "r.bin"))
	require.Error(t, err)
	assert.EqualValues(t, 4, hits.Load(), "one attempt plus three retries")
}

func TestFetch_NotFoundIsNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	m := newManager(t, nil)
	err := m.Fetch(context.Background(), Source{Locator: srv.URL + "/missing.exe"}, filepath.Join(t.TempDir(), "m.exe"))
	var se *StatusError
	require.True(t, errors.As(err, &se), "got %v", err)
	assert.Equal(t, http.StatusNotFound, se.Code)
	assert.EqualValues(t, 1, hits.Load())
}

// First fetch downloads and caches, second is served from cache, a corrupted
// sidecar forces the third to download again.
func TestFetch_EndToEndSidecarCorruption(t *testing.T) {
	payload := []byte("L-artifact")
	h1 := sha(payload)
	srv := newArtifactServer(t, payload)
	store, err := cache.Open(t.TempDir(), cache.DefaultTTL)
	require.NoError(t, err)
	m := newManager(t, store)
	src := Source{Locator: srv.URL + "/L.bin", ExpectedHash: h1}

	require.NoError(t, m.Fetch(context.Background(), src, filepath.Join(t.TempDir(), "1.bin")))
	require.EqualValues(t, 1, srv.hits.Load())

	require.NoError(t, m.Fetch(context.Background(), src, filepath.Join(t.TempDir(), "2.bin")))
	require.EqualValues(t, 1, srv.hits.Load())

	meta := filepath.Join(store.Dir(), cache.Key(src.Locator)+".meta")
	require.NoError(t, os.WriteFile(meta, []byte("timestamp: [unterminated"), 0o600))
	require.NoError(t, m.Fetch(context.Background(), src, filepath.Join(t.TempDir(), "3.bin")))
	assert.EqualValues(t, 2, srv.hits.Load())
}

package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/loykin/mt5prov/internal/cache"
	"github.com/loykin/mt5prov/internal/integrity"
	"github.com/loykin/mt5prov/internal/metrics"
)

const (
	DefaultChunkSize = 8192
	DefaultTimeout   = 300 * time.Second

	mib = 1 << 20
)

// ErrCancelled is returned when the context ends before or during a fetch.
var ErrCancelled = errors.New("download cancelled")

// StatusError reports a non-success HTTP status after retries.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: unexpected status %d %s", e.URL, e.Code, http.StatusText(e.Code))
}

// Source identifies a remote artifact. ExpectedHash may be empty.
type Source struct {
	Locator      string
	ExpectedHash string
}

// Options configures a Manager. Zero values select defaults.
type Options struct {
	Timeout   time.Duration
	Retry     RetryPolicy
	ChunkSize int
	Cache     *cache.Store // nil disables caching
	Verifier  *integrity.Verifier
	Transport http.RoundTripper // base transport, wrapped with retries
	Logger    *slog.Logger
}

// Manager fetches artifacts through the cache, verifying them on arrival.
type Manager struct {
	client    *http.Client
	cache     *cache.Store
	verifier  *integrity.Verifier
	chunkSize int
	logger    *slog.Logger
}

func New(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "download")
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	base := opts.Transport
	if base == nil {
		base = NewBaseTransport(timeout)
	}
	policy := opts.Retry
	if policy == (RetryPolicy{}) {
		policy = DefaultRetryPolicy()
	}
	verifier := opts.Verifier
	if verifier == nil {
		verifier = integrity.NewVerifier(logger)
	}
	chunk := opts.ChunkSize
	if chunk <= 0 {
		chunk = DefaultChunkSize
	}
	return &Manager{
		client:    &http.Client{Transport: NewRetryTransport(base, policy, logger)},
		cache:     opts.Cache,
		verifier:  verifier,
		chunkSize: chunk,
		logger:    logger,
	}
}

// Fetch places the artifact at dest, preferring a valid cache entry.
// Errors wrap ErrCancelled, integrity.ErrMismatch or *StatusError where applicable.
func (m *Manager) Fetch(ctx context.Context, src Source, dest string) error {
	name := cache.ArtifactName(src.Locator)
	if ctx.Err() != nil {
		m.logger.Info("Download skipped, shutdown requested", "url", src.Locator)
		metrics.IncDownload(name, "cancelled")
		return ErrCancelled
	}
	log := m.logger.With("url", src.Locator, "dest", dest)

	if m.cache != nil {
		e, ok := m.cache.Lookup(src.Locator)
		metrics.IncCacheLookup(ok)
		if ok {
			err := m.cache.Retrieve(e, dest)
			if err == nil {
				metrics.IncDownload(name, "cached")
				return nil
			}
			log.Warn("Cached copy unusable, downloading", "error", err)
		}
	}

	n, err := m.stream(ctx, src.Locator, dest, log)
	if err != nil {
		if errors.Is(err, ErrCancelled) {
			metrics.IncDownload(name, "cancelled")
		} else {
			metrics.IncDownload(name, "failed")
		}
		return err
	}
	metrics.AddDownloadBytes(name, n)

	expected := src.ExpectedHash
	if expected == "" {
		expected = m.verifier.Expected(name)
	}
	if expected == "" {
		expected = m.verifier.Expected(filepath.Base(dest))
	}
	digest, err := m.verifier.Verify(dest, expected)
	if err != nil {
		metrics.IncDownload(name, "corrupt")
		return fmt.Errorf("verify %s: %w", name, err)
	}

	if m.cache != nil {
		if _, err := m.cache.Record(src.Locator, dest, digest); err != nil {
			log.Warn("Failed to cache artifact", "error", err)
		}
	}
	metrics.IncDownload(name, "downloaded")
	log.Info("Download completed", "bytes", n)
	return nil
}

// stream copies the response body to dest chunk by chunk, checking ctx between
// chunks. Any failure removes the partial file.
func (m *Manager) stream(ctx context.Context, locator, dest string, log *slog.Logger) (written int64, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, locator, nil)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	log.Info("Downloading")
	resp, err := m.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ErrCancelled
		}
		log.Error("Download failed", "error", err)
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		log.Error("Download failed", "status", resp.StatusCode)
		return 0, &StatusError{URL: locator, Code: resp.StatusCode}
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
		return 0, err
	}
	// dest may be a hard link into the cache from an earlier run; never write through it.
	if err := os.Remove(dest); err != nil && !os.IsNotExist(err) {
		return 0, err
	}
	f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640) // #nosec G304
	if err != nil {
		return 0, err
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = cerr
		}
		if err != nil {
			_ = os.Remove(dest)
		}
	}()

	total := resp.ContentLength
	buf := make([]byte, m.chunkSize)
	nextReport := int64(mib)
	for {
		if ctx.Err() != nil {
			log.Warn("Download cancelled", "bytes", written, "total", total)
			return written, ErrCancelled
		}
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				return written, fmt.Errorf("write %s: %w", dest, werr)
			}
			written += int64(n)
			if written >= nextReport {
				if total > 0 {
					log.Info("Download progress", "bytes", written, "total", total, "percent", fmt.Sprintf("%.1f", float64(written)*100/float64(total)))
				} else {
					log.Info("Download progress", "bytes", written)
				}
				nextReport = (written/mib + 1) * mib
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			if ctx.Err() != nil {
				return written, ErrCancelled
			}
			log.Error("Download interrupted", "bytes", written, "error", rerr)
			return written, fmt.Errorf("read body: %w", rerr)
		}
	}
	if total > 0 && written != total {
		return written, fmt.Errorf("short body: got %d of %d bytes", written, total)
	}
	return written, nil
}

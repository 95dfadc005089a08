package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// BlockSize is the read size used when hashing artifacts.
const BlockSize = 8192

// ErrMismatch is returned when an artifact's digest differs from the expected one.
var ErrMismatch = errors.New("checksum mismatch")

// KnownChecksums is the built-in table of SHA-256 digests keyed by artifact filename.
var KnownChecksums = map[string]string{
	"wine-mono-8.0.0-x86.msi": "3f7b1cd6b7842c09142082e50ece97abe848a033a0838f029c35ce973926c275",
	"python-3.9.0.exe":        "fd2e4c52fb5a0f6c0d7f8c31131a21c57b0728d9e8b3ed7c207ceea8f1078918",
}

// FileDigest returns the lowercase hex SHA-256 of the file at path.
func FileDigest(path string) (string, error) {
	f, err := os.Open(path) // #nosec G304 -- artifact paths come from configuration
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	buf := make([]byte, BlockSize)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Verifier checks downloaded artifacts against a table of known digests.
// It is safe for concurrent use.
type Verifier struct {
	mu     sync.RWMutex
	known  map[string]string
	logger *slog.Logger
}

// NewVerifier returns a Verifier seeded with KnownChecksums.
func NewVerifier(logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	known := make(map[string]string, len(KnownChecksums))
	for k, v := range KnownChecksums {
		known[k] = strings.ToLower(v)
	}
	return &Verifier{known: known, logger: logger.With("component", "integrity")}
}

// Add registers or overrides the expected digest for an artifact filename.
func (v *Verifier) Add(name, digest string) {
	v.mu.Lock()
	v.known[name] = strings.ToLower(strings.TrimSpace(digest))
	v.mu.Unlock()
}

// Merge applies every entry of a manifest.
func (v *Verifier) Merge(m *Manifest) {
	if m == nil {
		return
	}
	for name, digest := range m.Hashes {
		v.Add(name, digest)
	}
}

// Expected returns the known digest for an artifact filename, or "".
func (v *Verifier) Expected(name string) string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.known[filepath.Base(name)]
}

// Verify hashes the file at path and compares it with expected.
// An empty expected digest passes with a warning. On mismatch the file is
// removed and the returned error wraps ErrMismatch. The computed digest is
// returned whenever hashing succeeded.
func (v *Verifier) Verify(path, expected string) (string, error) {
	digest, err := FileDigest(path)
	if err != nil {
		return "", err
	}
	expected = strings.ToLower(strings.TrimSpace(expected))
	if expected == "" {
		v.logger.Warn("No known checksum, skipping verification", "file", path, "sha256", digest)
		return digest, nil
	}
	if digest != expected {
		v.logger.Error("Checksum verification failed", "file", path, "expected", expected, "actual", digest)
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			v.logger.Warn("Failed to remove corrupt artifact", "file", path, "error", rmErr)
		}
		return digest, fmt.Errorf("%s: expected %s, got %s: %w", filepath.Base(path), expected, digest, ErrMismatch)
	}
	v.logger.Info("Checksum verified", "file", path)
	return digest, nil
}

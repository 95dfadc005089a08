package cache

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"

	"github.com/loykin/mt5prov/internal/integrity"
)

// DefaultTTL is the maximum age of a usable cache entry.
const DefaultTTL = 7 * 24 * time.Hour

const metaSuffix = ".meta"

// ErrCorrupt is returned by Retrieve when the cached file no longer matches its sidecar.
var ErrCorrupt = errors.New("cached artifact corrupt")

// Entry is a verified artifact held in the cache directory.
type Entry struct {
	Locator   string
	Path      string
	FetchedAt time.Time
	Hash      string
	Size      int64
}

// metadata is the on-disk sidecar of an Entry.
type metadata struct {
	Locator   string    `yaml:"locator"`
	File      string    `yaml:"file"`
	Timestamp time.Time `yaml:"timestamp"`
	SHA256    string    `yaml:"sha256"`
	Size      int64     `yaml:"size"`
}

// Store maps artifact locators to cached files plus YAML sidecars.
type Store struct {
	dir     string
	ttl     time.Duration
	consume bool
	now     func() time.Time
	logger  *slog.Logger
}

type Option func(*Store)

// WithClock overrides the time source used for TTL checks and timestamps.
func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

// WithConsumeOnRead makes Retrieve move the cached file instead of copying it.
// The entry is then gone until the next Record.
func WithConsumeOnRead(v bool) Option { return func(s *Store) { s.consume = v } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Store) { s.logger = l } }

// Open prepares a cache rooted at dir. A non-positive ttl selects DefaultTTL.
func Open(dir string, ttl time.Duration, opts ...Option) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("cache dir is empty")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s := &Store{dir: dir, ttl: ttl, now: time.Now, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	s.logger = s.logger.With("component", "cache")
	return s, nil
}

func (s *Store) Dir() string        { return s.dir }
func (s *Store) TTL() time.Duration { return s.ttl }

// Key returns the hex blake3 digest of a locator; it names the sidecar file.
func Key(locator string) string {
	sum := blake3.Sum256([]byte(locator))
	return hex.EncodeToString(sum[:])
}

// ArtifactName derives the original filename from a locator.
func ArtifactName(locator string) string {
	p := locator
	if u, err := url.Parse(locator); err == nil && u.Path != "" {
		p = u.Path
	}
	name := path.Base(p)
	if name == "." || name == "/" || name == "" {
		return Key(locator)[:16]
	}
	return sanitizeName(name)
}

// sanitizeName keeps cache filenames inside the cache directory.
func sanitizeName(name string) string {
	name = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', 0:
			return '_'
		}
		return r
	}, name)
	if name == ".." {
		return "__"
	}
	return name
}

func (s *Store) metaPath(locator string) string {
	return filepath.Join(s.dir, Key(locator)+metaSuffix)
}

func (s *Store) readMeta(p string) (metadata, error) {
	var m metadata
	b, err := os.ReadFile(p) // #nosec G304
	if err != nil {
		return m, err
	}
	if err := yaml.Unmarshal(b, &m); err != nil {
		return m, fmt.Errorf("parse %s: %w", filepath.Base(p), err)
	}
	if m.Timestamp.IsZero() || m.File == "" {
		return m, fmt.Errorf("parse %s: incomplete metadata", filepath.Base(p))
	}
	return m, nil
}

// Lookup returns the entry for locator when its sidecar parses, it is younger
// than the TTL and the cached file exists. Expired or broken entries are left on disk.
func (s *Store) Lookup(locator string) (Entry, bool) {
	m, err := s.readMeta(s.metaPath(locator))
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("Ignoring unreadable cache metadata", "url", locator, "error", err)
		}
		return Entry{}, false
	}
	if age, expired := s.expired(m.Timestamp); expired {
		s.logger.Info("Cache entry expired", "url", locator, "age", age.Round(time.Second).String())
		return Entry{}, false
	}
	p := filepath.Join(s.dir, sanitizeName(m.File))
	if _, err := os.Stat(p); err != nil {
		s.logger.Info("Cached file missing", "url", locator, "path", p)
		return Entry{}, false
	}
	return Entry{Locator: locator, Path: p, FetchedAt: m.Timestamp, Hash: m.SHA256, Size: m.Size}, true
}

// expired reports whether an entry fetched at ts is past the TTL. A
// timestamp in the future cannot be trusted and counts as expired.
func (s *Store) expired(ts time.Time) (time.Duration, bool) {
	age := s.now().Sub(ts)
	return age, age < 0 || age >= s.ttl
}

// Retrieve places the cached file at dest. The file is re-hashed against the
// sidecar first; a mismatch yields ErrCorrupt and dest is left untouched.
func (s *Store) Retrieve(e Entry, dest string) error {
	if e.Hash != "" {
		got, err := integrity.FileDigest(e.Path)
		if err != nil {
			return err
		}
		if !strings.EqualFold(got, e.Hash) {
			return fmt.Errorf("%s: %w", e.Path, ErrCorrupt)
		}
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
		return err
	}
	// dest may still be a hard link to the cached file from an earlier fetch.
	if err := os.Remove(dest); err != nil && !os.IsNotExist(err) {
		return err
	}
	if s.consume {
		if err := os.Rename(e.Path, dest); err == nil {
			s.logger.Info("Using cached file", "url", e.Locator, "dest", dest, "mode", "move")
			return nil
		}
		if err := copyFile(e.Path, dest); err != nil {
			return err
		}
		_ = os.Remove(e.Path)
		s.logger.Info("Using cached file", "url", e.Locator, "dest", dest, "mode", "move")
		return nil
	}
	if err := copyFile(e.Path, dest); err != nil {
		return err
	}
	s.logger.Info("Using cached file", "url", e.Locator, "dest", dest, "mode", "copy")
	return nil
}

// Record links src into the cache under the locator's artifact name and
// writes a fresh sidecar, replacing any previous entry.
func (s *Store) Record(locator, src, hash string) (Entry, error) {
	name := ArtifactName(locator)
	target := filepath.Join(s.dir, name)
	if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
		return Entry{}, fmt.Errorf("replace cached file: %w", err)
	}
	if err := os.Link(src, target); err != nil {
		if err := copyFile(src, target); err != nil {
			return Entry{}, fmt.Errorf("cache %s: %w", name, err)
		}
	}
	fi, err := os.Stat(target)
	if err != nil {
		return Entry{}, err
	}
	m := metadata{
		Locator:   locator,
		File:      name,
		Timestamp: s.now().UTC(),
		SHA256:    strings.ToLower(hash),
		Size:      fi.Size(),
	}
	if err := s.writeMeta(s.metaPath(locator), m); err != nil {
		return Entry{}, err
	}
	s.logger.Debug("Cached artifact", "url", locator, "path", target, "bytes", m.Size)
	return Entry{Locator: locator, Path: target, FetchedAt: m.Timestamp, Hash: m.SHA256, Size: m.Size}, nil
}

func (s *Store) writeMeta(p string, m metadata) error {
	b, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal cache metadata: %w", err)
	}
	tmp, err := os.CreateTemp(s.dir, ".meta-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), p)
}

// Listing describes one sidecar for inspection.
type Listing struct {
	Entry
	MetaFile string
	Expired  bool
	Missing  bool
	Err      error
}

// Entries lists every sidecar in the cache directory, valid or not.
func (s *Store) Entries() ([]Listing, error) {
	des, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var out []Listing
	for _, de := range des {
		if de.IsDir() || !strings.HasSuffix(de.Name(), metaSuffix) {
			continue
		}
		p := filepath.Join(s.dir, de.Name())
		l := Listing{MetaFile: p}
		m, err := s.readMeta(p)
		if err != nil {
			l.Err = err
			out = append(out, l)
			continue
		}
		l.Entry = Entry{Locator: m.Locator, Path: filepath.Join(s.dir, sanitizeName(m.File)), FetchedAt: m.Timestamp, Hash: m.SHA256, Size: m.Size}
		_, l.Expired = s.expired(m.Timestamp)
		if _, err := os.Stat(l.Path); err != nil {
			l.Missing = true
		}
		out = append(out, l)
	}
	return out, nil
}

// Prune removes expired, orphaned and unreadable sidecars together with
// their files. A file still referenced by a live sidecar is kept.
func (s *Store) Prune() (int, error) {
	entries, err := s.Entries()
	if err != nil {
		return 0, err
	}
	live := map[string]bool{}
	for _, e := range entries {
		if e.Err == nil && !e.Expired && !e.Missing {
			live[e.Path] = true
		}
	}
	removed := 0
	for _, e := range entries {
		if e.Err == nil && !e.Expired && !e.Missing {
			continue
		}
		if err := os.Remove(e.MetaFile); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("Failed to remove cache metadata", "path", e.MetaFile, "error", err)
			continue
		}
		if e.Path != "" && !e.Missing && !live[e.Path] {
			if err := os.Remove(e.Path); err != nil && !os.IsNotExist(err) {
				s.logger.Warn("Failed to remove cached file", "path", e.Path, "error", err)
			}
		}
		removed++
	}
	if removed > 0 {
		s.logger.Info("Pruned cache", "removed", removed, "kept", len(live))
	}
	return removed, nil
}

func copyFile(src, dst string) (err error) {
	in, err := os.Open(src) // #nosec G304
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640) // #nosec G304
	if err != nil {
		return err
	}
	defer func() {
		if cerr := out.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			_ = os.Remove(dst)
		}
	}()
	_, err = io.Copy(out, in)
	return err
}

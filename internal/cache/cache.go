// Package cache stores rendered tool results on disk for servers that opt in
// with cache_ttl.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/lydakis/toolgate/internal/config"
	"github.com/lydakis/toolgate/internal/paths"
)

// Entry is one cached tool result.
type Entry struct {
	Content string    `json:"content"`
	Created time.Time `json:"created"`
	Expires time.Time `json:"expires"`
}

// Age returns how long ago the entry was stored.
func (e Entry) Age() time.Duration {
	if age := time.Since(e.Created); age > 0 {
		return age
	}
	return 0
}

// Store is a directory of cache entries keyed by server, tool and arguments.
type Store struct {
	dir string
}

// New returns a store rooted at dir.
func New(dir string) *Store {
	return &Store{dir: dir}
}

// Default returns the store under the user cache directory.
func Default() *Store {
	return New(filepath.Join(paths.CacheDir(), "results"))
}

// TTLFor reports whether results of tool on srv are cacheable and for how long.
func TTLFor(srv config.ServerConfig, tool string) (time.Duration, bool) {
	ttl := srv.CacheTTLDuration()
	if ttl <= 0 {
		return 0, false
	}
	for _, pattern := range srv.NoCacheTools {
		if matched, err := path.Match(pattern, tool); err == nil && matched {
			return 0, false
		}
	}
	return ttl, true
}

// Get looks up a cached result. Expired or corrupt entries are removed.
func (s *Store) Get(server, tool string, args map[string]any) (Entry, bool) {
	p, err := s.entryPath(server, tool, args)
	if err != nil {
		return Entry{}, false
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return Entry{}, false
	}

	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		_ = os.Remove(p)
		return Entry{}, false
	}
	if time.Now().After(e.Expires) {
		_ = os.Remove(p)
		return Entry{}, false
	}
	return e, true
}

// Put stores content for ttl.
func (s *Store) Put(server, tool string, args map[string]any, content string, ttl time.Duration) error {
	p, err := s.entryPath(server, tool, args)
	if err != nil {
		return err
	}
	if err := paths.EnsureDir(s.dir); err != nil {
		return err
	}

	now := time.Now()
	data, err := json.Marshal(Entry{
		Content: content,
		Created: now,
		Expires: now.Add(ttl),
	})
	if err != nil {
		return err
	}
	return writeAtomic(p, data)
}

// writeAtomic replaces p by renaming a fully written sibling into place, so a
// concurrent Get sees either the old entry or the new one.
func writeAtomic(p string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(p), ".entry.tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp cache file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("writing temp cache file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp cache file: %w", err)
	}
	if err := os.Rename(tmpPath, p); err != nil {
		return fmt.Errorf("replacing cache entry: %w", err)
	}
	cleanup = false
	return nil
}

// entryPath hashes the canonical JSON of args; encoding/json sorts map keys,
// so equal argument maps always share an entry.
func (s *Store) entryPath(server, tool string, args map[string]any) (string, error) {
	if args == nil {
		args = map[string]any{}
	}
	canonical, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("encoding cache key: %w", err)
	}
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s", server, tool, canonical)
	key := hex.EncodeToString(h.Sum(nil))[:32]
	return filepath.Join(s.dir, key+".json"), nil
}

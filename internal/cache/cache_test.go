package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/lydakis/toolgate/internal/config"
)

func TestPutGetRoundTrip(t *testing.T) {
	store := New(filepath.Join(t.TempDir(), "results"))

	args := map[string]any{"query": "mcp", "page": int64(2)}
	if err := store.Put("github", "search_repositories", args, "cached", 30*time.Second); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	entry, ok := store.Get("github", "search_repositories", map[string]any{"page": int64(2), "query": "mcp"})
	if !ok {
		t.Fatal("Get() cache miss, want hit")
	}
	if entry.Content != "cached" {
		t.Fatalf("Get() content = %q, want %q", entry.Content, "cached")
	}

	p, err := store.entryPath("github", "search_repositories", args)
	if err != nil {
		t.Fatalf("entryPath() error = %v", err)
	}
	info, err := os.Stat(p)
	if err != nil {
		t.Fatalf("stat cache file: %v", err)
	}
	if got := info.Mode().Perm(); got != 0o600 {
		t.Fatalf("cache file mode = %o, want 600", got)
	}
}

func TestConcurrentPutNeverExposesPartialEntry(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "results")
	store := New(dir)
	args := map[string]any{"query": "mcp"}
	if err := store.Put("github", "search", args, "seed", time.Minute); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range 50 {
				if err := store.Put("github", "search", args, fmt.Sprintf("result %d-%d", i, j), time.Minute); err != nil {
					t.Errorf("Put() error = %v", err)
					return
				}
			}
		}()
	}
	for range 200 {
		if _, ok := store.Get("github", "search", args); !ok {
			t.Fatal("Get() miss while writers replace the entry")
		}
	}
	wg.Wait()

	files, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("cache dir holds %d files, want 1 entry and no temp files", len(files))
	}
}

func TestGetMissesOnDifferentArgsOrServer(t *testing.T) {
	store := New(t.TempDir())
	if err := store.Put("a", "tool", map[string]any{"x": 1}, "one", time.Minute); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	if _, ok := store.Get("a", "tool", map[string]any{"x": 2}); ok {
		t.Fatal("Get() hit for different args")
	}
	if _, ok := store.Get("b", "tool", map[string]any{"x": 1}); ok {
		t.Fatal("Get() hit for different server")
	}
}

func TestGetExpiredEntryRemovesFile(t *testing.T) {
	store := New(t.TempDir())

	args := map[string]any{"query": "mcp"}
	if err := store.Put("github", "search", args, "stale", -time.Second); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	p, _ := store.entryPath("github", "search", args)

	if _, ok := store.Get("github", "search", args); ok {
		t.Fatal("Get() hit = true, want false for expired entry")
	}
	if _, err := os.Stat(p); !os.IsNotExist(err) {
		t.Fatalf("expected expired cache file to be removed, stat error = %v", err)
	}
}

func TestGetCorruptEntryRemovesFile(t *testing.T) {
	dir := t.TempDir()
	store := New(dir)

	args := map[string]any{"query": "mcp"}
	p, _ := store.entryPath("github", "search", args)
	if err := os.WriteFile(p, []byte("{not-json"), 0o600); err != nil {
		t.Fatalf("write corrupt cache file: %v", err)
	}

	if _, ok := store.Get("github", "search", args); ok {
		t.Fatal("Get() hit = true, want false for corrupt entry")
	}
	if _, err := os.Stat(p); !os.IsNotExist(err) {
		t.Fatalf("expected corrupt cache file to be removed, stat error = %v", err)
	}
}

func TestTTLFor(t *testing.T) {
	srv := config.ServerConfig{Name: "s", CacheTTL: "30s", NoCacheTools: []string{"create_*"}}

	if ttl, ok := TTLFor(srv, "search"); !ok || ttl != 30*time.Second {
		t.Fatalf("TTLFor(search) = %v, %v; want 30s, true", ttl, ok)
	}
	if _, ok := TTLFor(srv, "create_issue"); ok {
		t.Fatal("TTLFor(create_issue) = true, want excluded by no_cache_tools")
	}
	if _, ok := TTLFor(config.ServerConfig{Name: "s"}, "search"); ok {
		t.Fatal("TTLFor() = true without cache_ttl, want false")
	}
}

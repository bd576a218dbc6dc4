package syncstore

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func collectKeys(t *testing.T, dir string) (<-chan string, *CacheWatcher) {
	t.Helper()
	keys := make(chan string, 16)
	watcher, err := WatchCacheDir(dir, quietLogger(), func(key string) {
		keys <- key
	})
	if err != nil {
		t.Fatalf("WatchCacheDir: %v", err)
	}
	t.Cleanup(func() { _ = watcher.Close() })
	return keys, watcher
}

func waitForKey(t *testing.T, keys <-chan string, want string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case key := <-keys:
			if key == want {
				return
			}
		case <-deadline:
			t.Fatalf("no change reported for %q", want)
		}
	}
}

func TestCacheWatcherReportsRewrittenKey(t *testing.T) {
	dir := t.TempDir()
	cache, err := NewDirCacheBackend(dir)
	if err != nil {
		t.Fatalf("NewDirCacheBackend: %v", err)
	}
	keys, _ := collectKeys(t, dir)

	// Another process rewriting a cache file surfaces as that key.
	if err := cache.Save(TasksCacheKey("2026-03-02"), []byte("[]")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	waitForKey(t, keys, TasksCacheKey("2026-03-02"))
}

func TestCacheWatcherIgnoresForeignFiles(t *testing.T) {
	dir := t.TempDir()
	keys, _ := collectKeys(t, dir)

	if err := os.WriteFile(filepath.Join(dir, "debug.log"), []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, DocumentsCacheKey+".json"), []byte("[]"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case key := <-keys:
			if key == "debug.log" || key == "debug" {
				t.Fatalf("non-cache file reported: %q", key)
			}
			if key == DocumentsCacheKey {
				return
			}
		case <-deadline:
			t.Fatal("cache file write never reported")
		}
	}
}

func TestCacheWatcherCloseIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	_, watcher := collectKeys(t, dir)
	if err := watcher.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := watcher.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestWatchCacheDirValidatesArguments(t *testing.T) {
	if _, err := WatchCacheDir("", quietLogger(), func(string) {}); err == nil {
		t.Fatal("empty dir accepted")
	}
	if _, err := WatchCacheDir(t.TempDir(), quietLogger(), nil); err == nil {
		t.Fatal("nil callback accepted")
	}
}

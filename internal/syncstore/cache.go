package syncstore

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const cacheFileSuffix = ".json"

// Shared cache key namespaces. The daily collections append the board
// date to the prefix.
const (
	DocumentsCacheKey   = "expense_documents"
	UsersCacheKey       = "expense_users"
	TasksCachePrefix    = "daily_tasks_shared_"
	CommentsCachePrefix = "daily_comment_shared_"
)

func TasksCacheKey(date string) string    { return TasksCachePrefix + date }
func CommentsCacheKey(date string) string { return CommentsCachePrefix + date }

// DirCacheBackend stores one <key>.json file per cache key under Dir.
// Writes go through a temp file and rename so a crashed writer never
// leaves a truncated blob behind.
type DirCacheBackend struct {
	dir string
}

func NewDirCacheBackend(dir string) (*DirCacheBackend, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, ErrInvalidInput
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &DirCacheBackend{dir: dir}, nil
}

func (b *DirCacheBackend) Dir() string {
	if b == nil {
		return ""
	}
	return b.dir
}

func (b *DirCacheBackend) Load(key string) ([]byte, error) {
	if b == nil {
		return nil, nil
	}
	path, err := b.keyPath(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (b *DirCacheBackend) Save(key string, data []byte) error {
	if b == nil {
		return nil
	}
	path, err := b.keyPath(key)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(b.dir, ".cache-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

func (b *DirCacheBackend) Keys() ([]string, error) {
	if b == nil {
		return nil, nil
	}
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, cacheFileSuffix) {
			continue
		}
		keys = append(keys, strings.TrimSuffix(name, cacheFileSuffix))
	}
	return keys, nil
}

func (b *DirCacheBackend) keyPath(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" || strings.ContainsAny(key, `/\`) {
		return "", ErrInvalidInput
	}
	return filepath.Join(b.dir, key+cacheFileSuffix), nil
}

// MemoryCacheBackend is the ephemeral backend used in tests and when no
// cache directory is configured.
type MemoryCacheBackend struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func NewMemoryCacheBackend() *MemoryCacheBackend {
	return &MemoryCacheBackend{blobs: make(map[string][]byte)}
}

func (b *MemoryCacheBackend) Load(key string) ([]byte, error) {
	if b == nil {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.blobs[key]
	if !ok {
		return nil, nil
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (b *MemoryCacheBackend) Save(key string, data []byte) error {
	if b == nil {
		return nil
	}
	clone := make([]byte, len(data))
	copy(clone, data)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.blobs[key] = clone
	return nil
}

func (b *MemoryCacheBackend) Keys() ([]string, error) {
	if b == nil {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	keys := make([]string, 0, len(b.blobs))
	for key := range b.blobs {
		keys = append(keys, key)
	}
	return keys, nil
}

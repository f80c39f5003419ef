package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/taskex/taskex/log"
)

// FileStore is a file-backed Adapter. It keeps the full key set in an
// in-memory cache, tracks dirty keys, and flushes them to disk on a
// configurable interval and on Close. One value is stored per file; keys
// are encoded to reversible, path-safe file names.
type FileStore struct {
	dir      string
	interval time.Duration
	logger   *log.Logger

	mu     sync.Mutex
	cache  map[string][]byte
	closed bool

	// dirty maps each unflushed key to the generation of its latest
	// mutation; gen advances on every mark. Flush clears a key only when
	// its generation still matches the flushed snapshot, so a write that
	// lands mid-flush stays dirty for the next pass.
	dirty map[string]uint64
	gen   uint64

	stop chan struct{}
	done chan struct{}
}

// FileStoreConfig configures a FileStore.
type FileStoreConfig struct {
	// Dir is the directory holding one file per key.
	Dir string
	// FlushInterval is the write-behind flush period. Zero selects the
	// 5s default.
	FlushInterval time.Duration
	// Logger receives flush failures. Nil selects the package default.
	Logger *log.Logger
}

// NewFileStore opens (or creates) the store directory and loads all
// existing entries into the cache.
func NewFileStore(cfg FileStoreConfig) (*FileStore, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("storage: file store dir is empty")
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create dir: %w", err)
	}

	fs := &FileStore{
		dir:      cfg.Dir,
		interval: cfg.FlushInterval,
		logger:   cfg.Logger.Module("storage"),
		cache:    make(map[string][]byte),
		dirty:    make(map[string]uint64),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	if err := fs.load(); err != nil {
		return nil, err
	}
	go fs.flushLoop()
	return fs, nil
}

// load reads every entry file in the directory into the cache.
func (fs *FileStore) load() error {
	entries, err := os.ReadDir(fs.dir)
	if err != nil {
		return fmt.Errorf("storage: read dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), ".tmp") {
			continue
		}
		key, ok := DecodeKey(e.Name())
		if !ok {
			continue
		}
		data, err := os.ReadFile(filepath.Join(fs.dir, e.Name()))
		if err != nil {
			return fmt.Errorf("storage: read %s: %w", e.Name(), err)
		}
		fs.cache[key] = data
	}
	return nil
}

func (fs *FileStore) flushLoop() {
	defer close(fs.done)
	ticker := time.NewTicker(fs.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := fs.Flush(); err != nil {
				fs.logger.Error("periodic flush failed", "err", err)
			}
		case <-fs.stop:
			return
		}
	}
}

// pendingEntry is one key captured by a flush snapshot: the value as of the
// snapshot and the generation it was marked dirty at.
type pendingEntry struct {
	value   []byte
	deleted bool
	gen     uint64
}

// Flush writes all dirty keys to disk. Partial failures leave the failed
// keys dirty for the next pass, as do keys rewritten while the flush ran.
func (fs *FileStore) Flush() error {
	return fs.flush(fs.snapshotDirty())
}

func (fs *FileStore) snapshotDirty() map[string]pendingEntry {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	pending := make(map[string]pendingEntry, len(fs.dirty))
	for key, gen := range fs.dirty {
		v, ok := fs.cache[key]
		pending[key] = pendingEntry{value: v, deleted: !ok, gen: gen}
	}
	return pending
}

func (fs *FileStore) flush(pending map[string]pendingEntry) error {
	var firstErr error
	for key, entry := range pending {
		path := filepath.Join(fs.dir, EncodeKey(key))
		var err error
		if entry.deleted {
			err = os.Remove(path)
			if os.IsNotExist(err) {
				err = nil
			}
		} else {
			err = writeFileAtomic(path, entry.value)
		}
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		fs.mu.Lock()
		if fs.dirty[key] == entry.gen {
			delete(fs.dirty, key)
		}
		fs.mu.Unlock()
	}
	return firstErr
}

// writeFileAtomic writes data via a temp file and rename so readers never
// observe a torn value.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Get returns the cached value for key, or ErrNotFound.
func (fs *FileStore) Get(key string) ([]byte, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.closed {
		return nil, ErrClosed
	}
	v, ok := fs.cache[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

// Set stores value under key and marks it dirty for the next flush.
func (fs *FileStore) Set(key string, value []byte) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.closed {
		return ErrClosed
	}
	fs.cache[key] = append([]byte(nil), value...)
	fs.gen++
	fs.dirty[key] = fs.gen
	return nil
}

// Delete removes key from the cache and schedules removal of its file.
func (fs *FileStore) Delete(key string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.closed {
		return ErrClosed
	}
	delete(fs.cache, key)
	fs.gen++
	fs.dirty[key] = fs.gen
	return nil
}

// Has reports whether key exists in the cache.
func (fs *FileStore) Has(key string) (bool, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.closed {
		return false, ErrClosed
	}
	_, ok := fs.cache[key]
	return ok, nil
}

// List returns all cached keys with the given prefix, sorted.
func (fs *FileStore) List(prefix string) ([]string, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.closed {
		return nil, ErrClosed
	}
	keys := make([]string, 0, len(fs.cache))
	for k := range fs.cache {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Clear removes every key and schedules removal of all files.
func (fs *FileStore) Clear() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.closed {
		return ErrClosed
	}
	for k := range fs.cache {
		fs.gen++
		fs.dirty[k] = fs.gen
	}
	fs.cache = make(map[string][]byte)
	return nil
}

// Close stops the flush loop, performs a final flush, and marks the store
// closed.
func (fs *FileStore) Close() error {
	fs.mu.Lock()
	if fs.closed {
		fs.mu.Unlock()
		return nil
	}
	fs.closed = true
	fs.mu.Unlock()

	close(fs.stop)
	<-fs.done
	return fs.Flush()
}

// Package artifact persists the products of instrumentation between
// runs. Rewritten source is cached by content hash so unchanged files
// skip the rewrite pass entirely, and recorded boundary outputs can be
// replayed instead of hitting the real backend.
package artifact

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	_ "modernc.org/sqlite"
)

// Cache is a SQLite-backed store of rewritten source artifacts.
type Cache struct {
	db      *sql.DB
	group   singleflight.Group
	logger  *zap.Logger
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// Open initializes the cache database at path, creating the directory
// and schema as needed. logger may be nil.
func Open(path string, logger *zap.Logger) (*Cache, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	c := &Cache{db: db, logger: logger, done: make(chan struct{})}
	if err := c.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

// initialize creates the required tables.
func (c *Cache) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS artifacts (
		key TEXT PRIMARY KEY,
		filename TEXT NOT NULL,
		rewritten BLOB NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_artifacts_filename ON artifacts(filename);

	CREATE TABLE IF NOT EXISTS replays (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		entry TEXT NOT NULL,
		model TEXT NOT NULL,
		input_hash TEXT NOT NULL,
		origins TEXT NOT NULL,
		output TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(entry, model, input_hash, origins)
	);
	`
	if _, err := c.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Key derives the artifact cache key for one source file. The rewrite
// pass version participates so a pass change invalidates every entry.
func Key(src []byte, version string) string {
	h := sha256.New()
	h.Write(src)
	h.Write([]byte{0})
	h.Write([]byte(version))
	return hex.EncodeToString(h.Sum(nil))
}

// Rewritten returns the cached artifact for key, or produces it with fn
// and stores it. Concurrent misses on the same key run fn once.
func (c *Cache) Rewritten(key, filename string, fn func() ([]byte, error)) ([]byte, error) {
	var cached []byte
	err := c.db.QueryRow(`SELECT rewritten FROM artifacts WHERE key = ?`, key).Scan(&cached)
	if err == nil {
		c.logger.Debug("artifact cache hit", zap.String("file", filename))
		return cached, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to query artifact: %w", err)
	}

	out, err, _ := c.group.Do(key, func() (any, error) {
		rewritten, err := fn()
		if err != nil {
			return nil, err
		}
		if _, err := c.db.Exec(
			`INSERT OR REPLACE INTO artifacts (key, filename, rewritten) VALUES (?, ?, ?)`,
			key, filename, rewritten,
		); err != nil {
			return nil, fmt.Errorf("failed to store artifact: %w", err)
		}
		c.logger.Debug("artifact cached", zap.String("file", filename))
		return rewritten, nil
	})
	if err != nil {
		return nil, err
	}
	return out.([]byte), nil
}

// Invalidate drops all cached artifacts recorded for a source filename.
func (c *Cache) Invalidate(filename string) error {
	if _, err := c.db.Exec(`DELETE FROM artifacts WHERE filename = ?`, filename); err != nil {
		return fmt.Errorf("failed to invalidate artifact: %w", err)
	}
	return nil
}

// Watch invalidates artifacts for Go files under dir as they change.
// Content hashing already makes stale entries unreachable; watching
// keeps the table from accumulating rows for files being edited.
func (c *Cache) Watch(dir string) error {
	if c.watcher != nil {
		return fmt.Errorf("already watching")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	c.watcher = watcher

	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !strings.HasSuffix(ev.Name, ".go") {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				if err := c.Invalidate(filepath.Base(ev.Name)); err != nil {
					c.logger.Warn("artifact invalidation failed",
						zap.String("file", ev.Name), zap.Error(err))
					continue
				}
				c.logger.Debug("artifact invalidated", zap.String("file", ev.Name))
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				c.logger.Warn("watcher error", zap.Error(err))
			case <-c.done:
				return
			}
		}
	}()
	return nil
}

// Close stops the watcher and closes the database.
func (c *Cache) Close() error {
	close(c.done)
	if c.watcher != nil {
		c.watcher.Close()
	}
	return c.db.Close()
}

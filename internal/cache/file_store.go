package cache

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/zeebo/blake3"
)

// FileStore keeps one file per record.
// Structure: {dir}/{hash[0:2]}/{hash}.rec
type FileStore struct {
	mu       sync.RWMutex
	dir      string
	compress bool
}

func NewFileStore(dir string, compress bool) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	return &FileStore{dir: dir, compress: compress}, nil
}

var _ Store = (*FileStore)(nil)

func (c *FileStore) buildFilePath(key string) string {
	sum := blake3.Sum256([]byte(key))
	name := hex.EncodeToString(sum[:])
	return filepath.Join(c.dir, name[:2], name+".rec")
}

func (c *FileStore) Get(_ context.Context, key string) (Record, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	data, err := os.ReadFile(c.buildFilePath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("failed to read cache file: %w", err)
	}

	stored, rec, err := decodeRecord(data)
	if err != nil {
		return Record{}, false, err
	}
	if stored != key {
		return Record{}, false, nil
	}
	return rec, true, nil
}

func (c *FileStore) Set(_ context.Context, key string, rec Record) error {
	data, err := encodeRecord(key, rec, c.compress)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	filePath := c.buildFilePath(key)
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	// Write atomically
	tmpPath := filePath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write cache file: %w", err)
	}
	if err := os.Rename(tmpPath, filePath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write cache file: %w", err)
	}
	return nil
}

func (c *FileStore) Clear(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.RemoveAll(c.dir); err != nil {
		return err
	}
	return os.MkdirAll(c.dir, 0755)
}

func (c *FileStore) Close() error { return nil }

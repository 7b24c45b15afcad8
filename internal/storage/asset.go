package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// AssetFetcher reads asset:// resources from a directory on disk.
type AssetFetcher struct {
	root string
}

func NewAssetFetcher(root string) *AssetFetcher {
	return &AssetFetcher{root: root}
}

// Read returns the contents of path below the asset root.
func (a *AssetFetcher) Read(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if a == nil || a.root == "" {
		return nil, fmt.Errorf("no asset root configured: %w", ErrNotFound)
	}
	if !filepath.IsLocal(filepath.FromSlash(path)) {
		return nil, fmt.Errorf("asset path %q escapes the asset root: %w", path, ErrNotFound)
	}

	data, err := os.ReadFile(filepath.Join(a.root, filepath.FromSlash(path)))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("asset %q: %w", path, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read asset %q: %w", path, err)
	}
	return data, nil
}

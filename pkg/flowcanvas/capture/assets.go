package capture

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// AssetStore keeps capture artifacts such as screenshots.
type AssetStore interface {
	// Put stores the content under key and returns the URL it is served at.
	Put(ctx context.Context, key, contentType string, r io.Reader) (string, error)
}

// LocalAssetStore writes assets under a directory served at baseURL.
type LocalAssetStore struct {
	root    string
	baseURL string
}

// NewLocalAssetStore creates a store rooted at dir whose files are served
// under baseURL, e.g. "/assets".
func NewLocalAssetStore(dir, baseURL string) *LocalAssetStore {
	return &LocalAssetStore{root: dir, baseURL: strings.TrimSuffix(baseURL, "/")}
}

// Root returns the directory assets are written to.
func (s *LocalAssetStore) Root() string { return s.root }

// Put implements AssetStore. The file is written to a temp file in the
// target directory and renamed into place, so readers never see a partial
// asset.
func (s *LocalAssetStore) Put(ctx context.Context, key, _ string, r io.Reader) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	clean := path.Clean("/" + key)[1:]
	if clean == "" || clean == "." {
		return "", fmt.Errorf("invalid asset key %q", key)
	}

	fullPath := filepath.Join(s.root, filepath.FromSlash(clean))
	dir := filepath.Dir(fullPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "temp-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	defer tmp.Close()

	if _, err := io.Copy(tmp, r); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to write asset: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to sync asset: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to close asset: %w", err)
	}
	if err := os.Rename(tmp.Name(), fullPath); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to rename asset to %s: %w", fullPath, err)
	}

	return s.baseURL + "/" + clean, nil
}

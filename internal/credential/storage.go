package credential

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileStorage writes credential images below a directory served at BaseURL.
type FileStorage struct {
	Dir     string
	BaseURL string
}

// NewFileStorage constructs a FileStorage.
func NewFileStorage(dir, baseURL string) *FileStorage {
	return &FileStorage{Dir: dir, BaseURL: strings.TrimRight(baseURL, "/")}
}

// Put writes data atomically (temp file then rename) and returns its URL.
func (s *FileStorage) Put(ctx context.Context, key string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if strings.Contains(key, "..") {
		return "", fmt.Errorf("invalid storage key %q", key)
	}

	path := filepath.Join(s.Dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create credential dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".credential-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write credential: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close credential: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("publish credential: %w", err)
	}
	return s.BaseURL + "/" + key, nil
}

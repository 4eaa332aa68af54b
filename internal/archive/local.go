package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LocalProvider archives summaries under a base directory.
type LocalProvider struct {
	baseDir string
}

// NewLocalProvider validates the directory exists and is writable.
func NewLocalProvider(baseDir string) (*LocalProvider, error) {
	if strings.TrimSpace(baseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	info, err := os.Stat(baseDir)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("stat base directory: %w", err)
		}
		if mkErr := os.MkdirAll(baseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("create base directory: %w", mkErr)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("base directory path is not a directory")
	}
	return &LocalProvider{baseDir: baseDir}, nil
}

// Put writes the summary to a file and returns a file:// URI.
func (p *LocalProvider) Put(_ context.Context, key string, data []byte) (string, error) {
	if key == "" {
		return "", fmt.Errorf("key is required")
	}
	path := filepath.Join(p.baseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return "", fmt.Errorf("create key directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("write summary: %w", err)
	}
	return "file://" + path, nil
}

package archive

import (
	"context"
	"sync"
)

// MemoryProvider keeps summaries in a map; used in tests and development.
type MemoryProvider struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryProvider constructs an empty MemoryProvider.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{blobs: make(map[string][]byte)}
}

// Put stores a copy of the summary and returns a mem:// URI.
func (p *MemoryProvider) Put(_ context.Context, key string, data []byte) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.blobs[key] = append([]byte(nil), data...)
	return "mem://" + key, nil
}

// Get returns a stored summary, if present.
func (p *MemoryProvider) Get(key string) ([]byte, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	data, ok := p.blobs[key]
	return data, ok
}

// Len reports the number of stored summaries.
func (p *MemoryProvider) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.blobs)
}

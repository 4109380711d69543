package cache

import (
	"context"
	"sync"
	"time"

	"github.com/partnerdesk/progression-engine/internal/contracts"
)

type memoryEntry struct {
	snapshot  contracts.ProgressSnapshot
	expiresAt time.Time
}

// MemoryProgressCache backs local development and tests where no redis
// endpoint is configured.
type MemoryProgressCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

func NewMemoryProgressCache() *MemoryProgressCache {
	return &MemoryProgressCache{entries: map[string]memoryEntry{}}
}

func (c *MemoryProgressCache) Get(_ context.Context, partnerID string) (*contracts.ProgressSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[partnerID]
	if !ok {
		return nil, nil
	}
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		delete(c.entries, partnerID)
		return nil, nil
	}
	cp := entry.snapshot
	return &cp, nil
}

func (c *MemoryProgressCache) Put(_ context.Context, partnerID string, snapshot contracts.ProgressSnapshot, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry := memoryEntry{snapshot: snapshot}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}
	c.entries[partnerID] = entry
	return nil
}

func (c *MemoryProgressCache) Invalidate(_ context.Context, partnerID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, partnerID)
	return nil
}

package repository

import (
	"context"
	"sync"
	"time"

	"github.com/trickyagency/tiktok-to-tube-sub003/internal/models"
)

type memoryEntry struct {
	snapshot models.HealthSnapshot
	expires  time.Time
}

// MemorySnapshotRepository is the in-process fallback cache used when redis
// is unavailable.
type MemorySnapshotRepository struct {
	mu      sync.RWMutex
	entries map[int64]memoryEntry
	ttl     time.Duration
}

func NewMemorySnapshotRepository(ttl time.Duration) *MemorySnapshotRepository {
	return &MemorySnapshotRepository{
		entries: make(map[int64]memoryEntry),
		ttl:     ttl,
	}
}

func (m *MemorySnapshotRepository) Get(ctx context.Context, channelID int64) (*models.HealthSnapshot, error) {
	m.mu.RLock()
	entry, ok := m.entries[channelID]
	m.mu.RUnlock()

	if !ok {
		return nil, nil
	}
	if time.Now().After(entry.expires) {
		m.mu.Lock()
		delete(m.entries, channelID)
		m.mu.Unlock()
		return nil, nil
	}
	snapshot := entry.snapshot
	return &snapshot, nil
}

func (m *MemorySnapshotRepository) Set(ctx context.Context, snapshot *models.HealthSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[snapshot.ChannelID] = memoryEntry{
		snapshot: *snapshot,
		expires:  time.Now().Add(m.ttl),
	}
	return nil
}

func (m *MemorySnapshotRepository) Delete(ctx context.Context, channelID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, channelID)
	return nil
}

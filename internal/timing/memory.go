package timing

import (
	"context"
	"sync"
	"time"

	"github.com/cc-executor/cc-executor/internal/common/config"
)

// memoryBackend keeps duration history in process memory with the same TTL
// and cap semantics as the Redis backend. History is lost on restart.
type memoryBackend struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	ttl     time.Duration
	cap     int
	now     func() time.Time
}

type memoryEntry struct {
	samples   []float64 // newest first
	expiresAt time.Time
}

func newMemoryBackend(cfg config.TimingConfig) *memoryBackend {
	return &memoryBackend{
		entries: make(map[string]*memoryEntry),
		ttl:     cfg.HistoryTTL(),
		cap:     cfg.SamplesCap,
		now:     time.Now,
	}
}

func (m *memoryBackend) samples(ctx context.Context, fingerprint string) ([]float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[fingerprint]
	if !ok {
		return nil, nil
	}
	if m.now().After(entry.expiresAt) {
		delete(m.entries, fingerprint)
		return nil, nil
	}
	out := make([]float64, len(entry.samples))
	copy(out, entry.samples)
	return out, nil
}

func (m *memoryBackend) append(ctx context.Context, fingerprint string, durationS float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[fingerprint]
	if !ok || m.now().After(entry.expiresAt) {
		entry = &memoryEntry{}
		m.entries[fingerprint] = entry
	}
	entry.samples = append([]float64{durationS}, entry.samples...)
	if len(entry.samples) > m.cap {
		entry.samples = entry.samples[:m.cap]
	}
	entry.expiresAt = m.now().Add(m.ttl)
	return nil
}

func (m *memoryBackend) close() error {
	return nil
}

package storage

import (
	"context"
	"sync"
	"time"
)

const memoryAuditCap = 500

type memoryStore struct {
	mu       sync.Mutex
	settings Settings
	audit    []AuditEntry
}

// NewMemory returns a process-local store. Used when no driver is configured and in tests.
func NewMemory() Store {
	return &memoryStore{}
}

func (m *memoryStore) GetSettings(ctx context.Context) (Settings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settings.Apply(SettingsPatch{}), nil
}

func (m *memoryStore) UpdateSettings(ctx context.Context, p SettingsPatch) (Settings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings = m.settings.Apply(p)
	return m.settings.Apply(SettingsPatch{}), nil
}

func (m *memoryStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, e)
	if over := len(m.audit) - memoryAuditCap; over > 0 {
		m.audit = append([]AuditEntry(nil), m.audit[over:]...)
	}
	return nil
}

func (m *memoryStore) RecentAudit(ctx context.Context, limit int) ([]AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return tail(m.audit, limit), nil
}

func (m *memoryStore) Close() error { return nil }

// tail returns the last n entries, newest first.
func tail(all []AuditEntry, n int) []AuditEntry {
	if n <= 0 || n > len(all) {
		n = len(all)
	}
	out := make([]AuditEntry, 0, n)
	for i := len(all) - 1; i >= len(all)-n; i-- {
		out = append(out, all[i])
	}
	return out
}

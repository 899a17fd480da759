package persist

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a Store backed by process memory. It serves tests and
// embedded single-process deployments; nothing survives a restart.
type MemoryStore struct {
	mu        sync.RWMutex
	keys      map[string][]byte
	salt      []byte
	sets      map[string]map[string]struct{}
	schedules map[string]map[string]time.Time
	audit     [][]byte
	backups   map[string]*Backup
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		keys:      make(map[string][]byte),
		sets:      make(map[string]map[string]struct{}),
		schedules: make(map[string]map[string]time.Time),
		backups:   make(map[string]*Backup),
	}
}

func (m *MemoryStore) SaveKey(_ context.Context, keyID string, record []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(record))
	copy(cp, record)
	m.keys[keyID] = cp
	return nil
}

func (m *MemoryStore) LoadKey(_ context.Context, keyID string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	record, ok := m.keys[keyID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := make([]byte, len(record))
	copy(cp, record)
	return cp, nil
}

func (m *MemoryStore) DeleteKey(_ context.Context, keyID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, keyID)
	return nil
}

func (m *MemoryStore) ListKeys(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.keys))
	for id := range m.keys {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *MemoryStore) SaveSalt(_ context.Context, salt []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(salt))
	copy(cp, salt)
	m.salt = cp
	return nil
}

func (m *MemoryStore) LoadSalt(_ context.Context) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.salt == nil {
		return nil, ErrNotFound
	}
	cp := make([]byte, len(m.salt))
	copy(cp, m.salt)
	return cp, nil
}

func (m *MemoryStore) AddToSet(_ context.Context, set, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sets[set]
	if !ok {
		s = make(map[string]struct{})
		m.sets[set] = s
	}
	s[member] = struct{}{}
	return nil
}

func (m *MemoryStore) RemoveFromSet(_ context.Context, set, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sets[set]; ok {
		delete(s, member)
	}
	return nil
}

func (m *MemoryStore) SetMembers(_ context.Context, set string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.sets[set]
	members := make([]string, 0, len(s))
	for member := range s {
		members = append(members, member)
	}
	sort.Strings(members)
	return members, nil
}

func (m *MemoryStore) AddToSchedule(_ context.Context, schedule, keyID string, due time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[schedule]
	if !ok {
		s = make(map[string]time.Time)
		m.schedules[schedule] = s
	}
	s[keyID] = due
	return nil
}

func (m *MemoryStore) RemoveFromSchedule(_ context.Context, schedule, keyID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.schedules[schedule]; ok {
		delete(s, keyID)
	}
	return nil
}

func (m *MemoryStore) DueBefore(_ context.Context, schedule string, cutoff time.Time) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	type entry struct {
		id  string
		due time.Time
	}
	var due []entry
	for id, when := range m.schedules[schedule] {
		if !when.After(cutoff) {
			due = append(due, entry{id, when})
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].due.Before(due[j].due) })
	ids := make([]string, len(due))
	for i, e := range due {
		ids[i] = e.id
	}
	return ids, nil
}

func (m *MemoryStore) AppendAudit(_ context.Context, entry []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(entry))
	copy(cp, entry)
	m.audit = append(m.audit, cp)
	return nil
}

func (m *MemoryStore) AuditEntries(_ context.Context, offset, limit int64) ([][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if offset >= int64(len(m.audit)) {
		return nil, nil
	}
	end := int64(len(m.audit))
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	page := make([][]byte, 0, end-offset)
	for _, entry := range m.audit[offset:end] {
		cp := make([]byte, len(entry))
		copy(cp, entry)
		page = append(page, cp)
	}
	return page, nil
}

func (m *MemoryStore) SaveBackup(_ context.Context, backup *Backup) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *backup
	cp.Data = make([]byte, len(backup.Data))
	copy(cp.Data, backup.Data)
	m.backups[backup.ID] = &cp
	return nil
}

func (m *MemoryStore) LoadBackup(_ context.Context, backupID string) (*Backup, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	backup, ok := m.backups[backupID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *backup
	cp.Data = make([]byte, len(backup.Data))
	copy(cp.Data, backup.Data)
	return &cp, nil
}

func (m *MemoryStore) ListBackups(_ context.Context) ([]BackupInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	infos := make([]BackupInfo, 0, len(m.backups))
	for _, backup := range m.backups {
		infos = append(infos, backup.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].CreatedAt.Before(infos[j].CreatedAt) })
	return infos, nil
}

func (m *MemoryStore) DeleteBackup(_ context.Context, backupID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.backups, backupID)
	return nil
}

func (m *MemoryStore) Close() error { return nil }

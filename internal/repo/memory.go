package repo

import (
	"context"
	"sort"
	"sync"

	"github.com/shaiso/batchflow/internal/domain"
)

// MemoryStore — memo store в памяти процесса.
//
// Используется по умолчанию: повторный Submit того же workflow в рамках
// процесса пропускает уже успешные экземпляры.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[memoKey]domain.MemoEntry
}

type memoKey struct {
	workflow string
	key      string
}

// NewMemoryStore создаёт пустой MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[memoKey]domain.MemoEntry)}
}

// Lookup возвращает копию записи по (workflow, key).
func (s *MemoryStore) Lookup(_ context.Context, workflow, key string) (*domain.MemoEntry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[memoKey{workflow, key}]
	if !ok {
		return nil, false, nil
	}
	return cloneEntry(entry), true, nil
}

// Save создаёт или заменяет запись.
func (s *MemoryStore) Save(_ context.Context, entry *domain.MemoEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[memoKey{entry.Workflow, entry.Key}] = *cloneEntry(*entry)
	return nil
}

// ListByWorkflow возвращает записи workflow в порядке ключей.
func (s *MemoryStore) ListByWorkflow(_ context.Context, workflow string) ([]domain.MemoEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var entries []domain.MemoEntry
	for k, e := range s.entries {
		if k.workflow == workflow {
			entries = append(entries, *cloneEntry(e))
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries, nil
}

// Forget удаляет записи workflow.
func (s *MemoryStore) Forget(_ context.Context, workflow string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for k := range s.entries {
		if k.workflow == workflow {
			delete(s.entries, k)
			n++
		}
	}
	return n, nil
}

// Len возвращает количество записей.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func cloneEntry(e domain.MemoEntry) *domain.MemoEntry {
	outputs := make(map[string][]string, len(e.Outputs))
	for name, paths := range e.Outputs {
		outputs[name] = append([]string(nil), paths...)
	}
	e.Outputs = outputs
	return &e
}

package storage

import (
	"context"
	"errors"
	"strings"
	"sync"
)

var errClosed = errors.New("storage is closed")

// MemoryStorage keeps every table in process memory. Records are copied on
// the way in and out so callers cannot mutate stored state.
type MemoryStorage struct {
	mu     sync.RWMutex
	tables map[string]map[Key]Record
	closed bool
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		tables: make(map[string]map[Key]Record),
	}
}

func (s *MemoryStorage) Get(ctx context.Context, t Table, key Key) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.check(ctx, "memory.get"); err != nil {
		return nil, err
	}
	if rec, exists := s.tables[t.Name][key]; exists {
		return rec.clone(), nil
	}
	return nil, nil
}

func (s *MemoryStorage) Put(ctx context.Context, t Table, rec Record) error {
	key, err := KeyOf(t, rec)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(ctx, "memory.put"); err != nil {
		return err
	}
	rows, exists := s.tables[t.Name]
	if !exists {
		rows = make(map[Key]Record)
		s.tables[t.Name] = rows
	}
	rows[key] = rec.clone()
	return nil
}

func (s *MemoryStorage) Query(ctx context.Context, t Table, cond KeyCondition) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.check(ctx, "memory.query"); err != nil {
		return nil, err
	}
	var out []Record
	for key, rec := range s.tables[t.Name] {
		if key.Partition != cond.Partition || !strings.HasPrefix(key.Sort, cond.SortPrefix) {
			continue
		}
		out = append(out, rec.clone())
	}
	sortRecords(t, out)
	return out, nil
}

func (s *MemoryStorage) Scan(ctx context.Context, t Table, filter Filter) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.check(ctx, "memory.scan"); err != nil {
		return nil, err
	}
	var out []Record
	for _, rec := range s.tables[t.Name] {
		if filter.Match(rec) {
			out = append(out, rec.clone())
		}
	}
	return out, nil
}

func (s *MemoryStorage) Delete(ctx context.Context, t Table, key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(ctx, "memory.delete"); err != nil {
		return err
	}
	delete(s.tables[t.Name], key)
	return nil
}

func (s *MemoryStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *MemoryStorage) check(ctx context.Context, op string) error {
	if s.closed {
		return unavailable(op, errClosed)
	}
	if err := ctx.Err(); err != nil {
		return unavailable(op, err)
	}
	return nil
}

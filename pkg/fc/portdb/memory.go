package portdb

import (
	"context"
	"sync"

	"github.com/marmos91/dittofc/pkg/fc/frame"
)

type memoryKey struct {
	port string
	wwpn frame.WWN
}

// MemoryStore keeps records in a map. Stored and returned records are
// copies.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[memoryKey]*Record
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[memoryKey]*Record)}
}

func (s *MemoryStore) Put(ctx context.Context, rec *Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[memoryKey{rec.Port, rec.WWPN}] = rec.clone()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, port string, wwpn frame.WWN) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[memoryKey{port, wwpn}]
	if !ok {
		return nil, nil
	}
	return rec.clone(), nil
}

func (s *MemoryStore) Delete(ctx context.Context, port string, wwpn frame.WWN) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, memoryKey{port, wwpn})
	return nil
}

func (s *MemoryStore) List(ctx context.Context) ([]*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]*Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec.clone())
	}
	s.mu.RUnlock()
	sortRecords(out)
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }

package artifact

import (
	"context"
	"fmt"
	"sync"
)

// MemStore keeps payloads in memory. Test double for the filesystem store.
type MemStore struct {
	mu       sync.Mutex
	seq      int
	objects  map[string][]byte
	Deleted  []string
	FailSave bool
}

func NewMemStore() *MemStore {
	return &MemStore{objects: make(map[string][]byte)}
}

func (s *MemStore) Save(_ context.Context, payload []byte, _ string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailSave {
		return "", fmt.Errorf("save artifact: store unavailable")
	}
	s.seq++
	ref := fmt.Sprintf("mem/%d", s.seq)
	s.objects[ref] = append([]byte(nil), payload...)
	return ref, nil
}

func (s *MemStore) Delete(_ context.Context, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[ref]; !ok {
		return fmt.Errorf("delete %q: %w", ref, ErrNotFound)
	}
	delete(s.objects, ref)
	s.Deleted = append(s.Deleted, ref)
	return nil
}

// Len reports how many payloads the store currently holds.
func (s *MemStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}

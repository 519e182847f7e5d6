package secretstore

import (
	"context"
	"sort"
	"sync"
)

// InmemStore is a map backed Store for single node deployments and
// tests.
type InmemStore struct {
	mu      sync.RWMutex
	folders map[string]map[string]string
}

// NewInmemStore constructs an empty in-memory secret store.
func NewInmemStore() *InmemStore {
	return &InmemStore{
		folders: make(map[string]map[string]string),
	}
}

func (s *InmemStore) Upsert(ctx context.Context, folderID string, secrets []Secret) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	folder, ok := s.folders[folderID]
	if !ok {
		folder = make(map[string]string)
		s.folders[folderID] = folder
	}
	for _, sec := range secrets {
		folder[sec.Key] = sec.Value
	}
	return nil
}

func (s *InmemStore) Delete(ctx context.Context, folderID string, keys []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	folder, ok := s.folders[folderID]
	if !ok {
		return nil
	}
	for _, key := range keys {
		delete(folder, key)
	}
	if len(folder) == 0 {
		delete(s.folders, folderID)
	}
	return nil
}

func (s *InmemStore) List(ctx context.Context, folderID string) ([]Secret, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	folder := s.folders[folderID]
	out := make([]Secret, 0, len(folder))
	for key, value := range folder {
		out = append(out, Secret{Key: key, Value: value})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

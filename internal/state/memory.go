package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/user/towdyouso/internal/types"
)

// MemoryStore keeps user memories in a single JSON file.
type MemoryStore struct {
	path string
	mu   sync.Mutex
}

func NewMemoryStore(path string) *MemoryStore {
	return &MemoryStore{path: path}
}

func (s *MemoryStore) load() ([]*types.Memory, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read memories: %w", err)
	}
	var memories []*types.Memory
	if err := json.Unmarshal(data, &memories); err != nil {
		return nil, fmt.Errorf("unmarshal memories: %w", err)
	}
	return memories, nil
}

func (s *MemoryStore) save(memories []*types.Memory) error {
	data, err := json.MarshalIndent(memories, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal memories: %w", err)
	}
	return writeFileAtomic(s.path, data)
}

func (s *MemoryStore) Create(_ context.Context, content string) (*types.Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	memories, err := s.load()
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	m := &types.Memory{ID: types.NewMemoryID(), Content: content, CreatedAt: now, UpdatedAt: now}
	if err := s.save(append(memories, m)); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *MemoryStore) Update(_ context.Context, id types.MemoryID, content string) (*types.Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	memories, err := s.load()
	if err != nil {
		return nil, err
	}
	for _, m := range memories {
		if m.ID == id {
			m.Content = content
			m.UpdatedAt = time.Now().UTC()
			if err := s.save(memories); err != nil {
				return nil, err
			}
			return m, nil
		}
	}
	return nil, fmt.Errorf("memory %s: %w", id, types.ErrNotFound)
}

func (s *MemoryStore) Delete(_ context.Context, id types.MemoryID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	memories, err := s.load()
	if err != nil {
		return err
	}
	for i, m := range memories {
		if m.ID == id {
			return s.save(append(memories[:i], memories[i+1:]...))
		}
	}
	return fmt.Errorf("memory %s: %w", id, types.ErrNotFound)
}

// List returns memories oldest first.
func (s *MemoryStore) List(_ context.Context) ([]*types.Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	memories, err := s.load()
	if err != nil {
		return nil, err
	}
	sort.SliceStable(memories, func(i, j int) bool {
		return memories[i].CreatedAt.Before(memories[j].CreatedAt)
	})
	if memories == nil {
		memories = []*types.Memory{}
	}
	return memories, nil
}

package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/user/towdyouso/internal/types"
)

// SignStore keeps saved parking sign locations in a single JSON file.
type SignStore struct {
	path string
	mu   sync.Mutex
}

func NewSignStore(path string) *SignStore {
	return &SignStore{path: path}
}

func (s *SignStore) load() ([]*types.SignLocation, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read sign locations: %w", err)
	}
	var locs []*types.SignLocation
	if err := json.Unmarshal(data, &locs); err != nil {
		return nil, fmt.Errorf("unmarshal sign locations: %w", err)
	}
	return locs, nil
}

// Save assigns an ID and creation time and persists the location.
func (s *SignStore) Save(_ context.Context, loc *types.SignLocation) (*types.SignLocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	locs, err := s.load()
	if err != nil {
		return nil, err
	}
	saved := *loc
	saved.ID = types.NewSignID()
	saved.CreatedAt = time.Now().UTC()

	data, err := json.MarshalIndent(append(locs, &saved), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal sign locations: %w", err)
	}
	if err := writeFileAtomic(s.path, data); err != nil {
		return nil, err
	}
	return &saved, nil
}

func (s *SignStore) List(_ context.Context) ([]*types.SignLocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	locs, err := s.load()
	if err != nil {
		return nil, err
	}
	if locs == nil {
		locs = []*types.SignLocation{}
	}
	return locs, nil
}

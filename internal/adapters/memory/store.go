package memory

import (
	"sort"
	"sync"

	"github.com/melih/lighthouse-builder/internal/core/domain"
)

// BuildStore implements ports.BuildStore in process memory.
type BuildStore struct {
	mu     sync.RWMutex
	builds map[string]*domain.Build
}

func NewBuildStore() *BuildStore {
	return &BuildStore{builds: make(map[string]*domain.Build)}
}

// Save stores a copy of build, replacing any previous version.
func (s *BuildStore) Save(build *domain.Build) error {
	cp := *build
	s.mu.Lock()
	s.builds[build.ID] = &cp
	s.mu.Unlock()
	return nil
}

func (s *BuildStore) Get(id string) (*domain.Build, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.builds[id]
	if !ok {
		return nil, domain.ErrBuildNotFound
	}
	cp := *b
	return &cp, nil
}

// List returns all builds, newest first.
func (s *BuildStore) List() ([]*domain.Build, error) {
	s.mu.RLock()
	out := make([]*domain.Build, 0, len(s.builds))
	for _, b := range s.builds {
		cp := *b
		out = append(out, &cp)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

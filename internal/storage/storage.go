package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/slurp-tools/slurp/internal/models"
)

// HistoryStore records the version chain of each image and its undo cursor.
// Blob keys are opaque to it.
type HistoryStore interface {
	// Create starts a chain whose only version is key
	Create(ctx context.Context, id, key string, at time.Time) (models.ImageVersion, error)
	// Append drops every version after the cursor, adds key and moves the
	// cursor onto it. The keys of dropped versions are returned.
	Append(ctx context.Context, id, key string, at time.Time) (models.ImageVersion, []string, error)
	// Move shifts the cursor by delta
	Move(ctx context.Context, id string, delta int, at time.Time) (models.ImageVersion, error)
	Get(ctx context.Context, id string) (models.History, error)
	// Delete forgets the image and returns the keys of all its versions
	Delete(ctx context.Context, id string) ([]string, error)
	// Expired lists images last touched before the given time
	Expired(ctx context.Context, before time.Time) ([]string, error)
	Close() error
}

type chain struct {
	current   int
	keys      []string
	updatedAt time.Time
}

func (c *chain) version(id string) models.ImageVersion {
	return models.ImageVersion{UUID: id, Version: c.current, FilePath: c.keys[c.current]}
}

// MemoryHistory keeps version chains in a map. Nothing survives a restart.
type MemoryHistory struct {
	chains map[string]*chain
	mu     sync.RWMutex
}

func NewMemoryHistory() *MemoryHistory {
	return &MemoryHistory{
		chains: make(map[string]*chain),
	}
}

func (s *MemoryHistory) Create(ctx context.Context, id, key string, at time.Time) (models.ImageVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.chains[id]; exists {
		return models.ImageVersion{}, fmt.Errorf("image %s already exists", id)
	}
	c := &chain{keys: []string{key}, updatedAt: at}
	s.chains[id] = c
	return c.version(id), nil
}

func (s *MemoryHistory) Append(ctx context.Context, id, key string, at time.Time) (models.ImageVersion, []string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, exists := s.chains[id]
	if !exists {
		return models.ImageVersion{}, nil, fmt.Errorf("image %s: %w", id, ErrNotFound)
	}

	dropped := append([]string(nil), c.keys[c.current+1:]...)
	c.keys = append(c.keys[:c.current+1], key)
	c.current = len(c.keys) - 1
	c.updatedAt = at
	return c.version(id), dropped, nil
}

func (s *MemoryHistory) Move(ctx context.Context, id string, delta int, at time.Time) (models.ImageVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, exists := s.chains[id]
	if !exists {
		return models.ImageVersion{}, fmt.Errorf("image %s: %w", id, ErrNotFound)
	}

	next, err := moveCursor(c.current, len(c.keys), delta)
	if err != nil {
		return models.ImageVersion{}, err
	}
	c.current = next
	c.updatedAt = at
	return c.version(id), nil
}

func (s *MemoryHistory) Get(ctx context.Context, id string) (models.History, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, exists := s.chains[id]
	if !exists {
		return models.History{}, fmt.Errorf("image %s: %w", id, ErrNotFound)
	}

	h := models.History{
		UUID:      id,
		Current:   c.current,
		Versions:  make([]models.ImageVersion, len(c.keys)),
		UpdatedAt: c.updatedAt,
	}
	for i, key := range c.keys {
		h.Versions[i] = models.ImageVersion{UUID: id, Version: i, FilePath: key}
	}
	return h, nil
}

func (s *MemoryHistory) Delete(ctx context.Context, id string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, exists := s.chains[id]
	if !exists {
		return nil, fmt.Errorf("image %s: %w", id, ErrNotFound)
	}
	delete(s.chains, id)
	return c.keys, nil
}

func (s *MemoryHistory) Expired(ctx context.Context, before time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for id, c := range s.chains {
		if c.updatedAt.Before(before) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *MemoryHistory) Close() error {
	return nil
}

// moveCursor validates a cursor shift over a chain of n versions
func moveCursor(current, n, delta int) (int, error) {
	next := current + delta
	switch {
	case delta < 0 && next < 0:
		return current, ErrNothingToUndo
	case delta > 0 && next > n-1:
		return current, ErrNothingToRedo
	}
	return next, nil
}

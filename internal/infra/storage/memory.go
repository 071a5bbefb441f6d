package storage

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/arklim/social-platform-verification/internal/core/port"
)

// MemoryArtifactStorage keeps artifacts in process memory. It backs development runs without MinIO.
type MemoryArtifactStorage struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemoryArtifactStorage constructs an empty in-memory store.
func NewMemoryArtifactStorage() *MemoryArtifactStorage {
	return &MemoryArtifactStorage{objects: make(map[string][]byte)}
}

// Put stores the object body under its key.
func (s *MemoryArtifactStorage) Put(_ context.Context, object port.ArtifactObject) error {
	body, err := io.ReadAll(object.Body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	s.mu.Lock()
	s.objects[object.Key] = body
	s.mu.Unlock()
	return nil
}

// Delete removes the object if present.
func (s *MemoryArtifactStorage) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.objects, key)
	s.mu.Unlock()
	return nil
}

// Has reports whether an object is stored under key.
func (s *MemoryArtifactStorage) Has(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.objects[key]
	return ok
}

// Len returns the number of stored objects.
func (s *MemoryArtifactStorage) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}

var _ port.ArtifactStorage = (*MemoryArtifactStorage)(nil)

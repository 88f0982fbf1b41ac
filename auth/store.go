package auth

import "sync"

// Store persists authorization artifacts keyed by CacheKey digests.
// Implementations may be in-memory only; losing the cache across restarts
// costs one extra owner prompt, nothing more.
type Store interface {
	Load(key []byte) (Artifact, bool, error)
	Save(key []byte, artifact Artifact) error
	Delete(key []byte) error
}

// MemoryStore keeps artifacts in process memory.
type MemoryStore struct {
	mu        sync.RWMutex
	artifacts map[string]Artifact
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{artifacts: make(map[string]Artifact)}
}

func (s *MemoryStore) Load(key []byte) (Artifact, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	artifact, ok := s.artifacts[string(key)]
	return artifact, ok, nil
}

func (s *MemoryStore) Save(key []byte, artifact Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.artifacts[string(key)] = artifact
	return nil
}

func (s *MemoryStore) Delete(key []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.artifacts, string(key))
	return nil
}

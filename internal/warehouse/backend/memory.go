package backend

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore is an in-memory BlobStore. It backs the remote object
// store and deep archival vault in tests, and supports failure
// injection so retry and degraded-persist paths can be exercised
// deterministically.
type MemoryStore struct {
	mu    sync.Mutex
	blobs map[string][]byte

	failPuts int
	failGets int
	failErr  error
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

// FailPuts makes the next n Put calls fail with err.
func (s *MemoryStore) FailPuts(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failPuts = n
	s.failErr = err
}

// FailGets makes the next n Get calls fail with err.
func (s *MemoryStore) FailGets(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failGets = n
	s.failErr = err
}

// Put stores a copy of data under key.
func (s *MemoryStore) Put(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failPuts > 0 {
		s.failPuts--
		return s.failErr
	}

	buf := make([]byte, len(data))
	copy(buf, data)
	s.blobs[key] = buf
	return nil
}

// Get returns a copy of the blob under key, or ErrKeyNotFound.
func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failGets > 0 {
		s.failGets--
		return nil, s.failErr
	}

	data, ok := s.blobs[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	}

	buf := make([]byte, len(data))
	copy(buf, data)
	return buf, nil
}

// Delete removes the blob under key. Absent keys are a no-op.
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, key)
	return nil
}

// Has reports whether a blob exists under key.
func (s *MemoryStore) Has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.blobs[key]
	return ok
}

// Len returns the number of stored blobs.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.blobs)
}

// Corrupt flips a byte in the stored blob under key. Test helper for
// integrity verification.
func (s *MemoryStore) Corrupt(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.blobs[key]
	if !ok || len(data) == 0 {
		return false
	}
	data[len(data)-1] ^= 0xFF
	return true
}

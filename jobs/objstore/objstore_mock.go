package objstore

import (
	"bytes"
	"context"
	"io"
	"sync"
)

// ObjectStoreMock is a mock implementation of the ObjectStore interface.
type ObjectStoreMock struct {
	PutFunc    func(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error
	GetFunc    func(ctx context.Context, key string) (io.ReadCloser, error)
	DeleteFunc func(ctx context.Context, key string) error
	ExistsFunc func(ctx context.Context, key string) (bool, error)
}

// Put is a mock implementation of the Put method.
func (m *ObjectStoreMock) Put(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error {
	return m.PutFunc(ctx, key, reader, size, contentType)
}

// Get is a mock implementation of the Get method.
func (m *ObjectStoreMock) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	return m.GetFunc(ctx, key)
}

// Delete is a mock implementation of the Delete method.
func (m *ObjectStoreMock) Delete(ctx context.Context, key string) error {
	return m.DeleteFunc(ctx, key)
}

// Exists is a mock implementation of the Exists method.
func (m *ObjectStoreMock) Exists(ctx context.Context, key string) (bool, error) {
	return m.ExistsFunc(ctx, key)
}

// GenerateObjectStoreMock generates a new mock instance of the ObjectStore interface.
func GenerateObjectStoreMock() *ObjectStoreMock {
	return &ObjectStoreMock{
		PutFunc: func(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error {
			return nil
		},
		GetFunc: func(ctx context.Context, key string) (io.ReadCloser, error) {
			return nil, ErrObjectNotFound
		},
		DeleteFunc: func(ctx context.Context, key string) error { return nil },
		ExistsFunc: func(ctx context.Context, key string) (bool, error) { return false, nil },
	}
}

// MemObjStore is an in-memory ObjectStore for tests that need real
// round-trips rather than call stubs.
type MemObjStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

// NewMemObjStore creates an empty in-memory store.
func NewMemObjStore() *MemObjStore {
	return &MemObjStore{objects: make(map[string][]byte)}
}

func (s *MemObjStore) Put(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error {
	data, err := io.ReadAll(reader)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = data
	return nil
}

func (s *MemObjStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *MemObjStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	return nil
}

func (s *MemObjStore) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[key]
	return ok, nil
}

// Keys returns all stored keys, for test assertions.
func (s *MemObjStore) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.objects))
	for k := range s.objects {
		keys = append(keys, k)
	}
	return keys
}

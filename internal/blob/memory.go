package blob

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Memory is an in-memory Store for tests. Object mod-times default to the
// write time and can be pinned with SetModTime for window-resolution tests.
type Memory struct {
	mu      sync.Mutex
	objects map[string]memObject

	// FailPut, when set, is returned by Put for matching key prefixes.
	// Used to exercise best-effort error-artifact persistence.
	FailPut func(key string) error
}

type memObject struct {
	data    []byte
	modTime time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{objects: make(map[string]memObject)}
}

// List returns objects under prefix.
func (s *Memory) List(_ context.Context, prefix string) ([]ObjectInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var objects []ObjectInfo
	for key, obj := range s.objects {
		if strings.HasPrefix(key, prefix) {
			objects = append(objects, ObjectInfo{
				Key:     key,
				Size:    int64(len(obj.data)),
				ModTime: obj.modTime,
			})
		}
	}
	return objects, nil
}

// Get returns a copy of the object body, or ErrNotFound.
func (s *Memory) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[key]
	if !ok {
		return nil, fmt.Errorf("get %q: %w", key, ErrNotFound)
	}
	data := make([]byte, len(obj.data))
	copy(data, obj.data)
	return data, nil
}

// Put stores a copy of the object body.
func (s *Memory) Put(_ context.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailPut != nil {
		if err := s.FailPut(key); err != nil {
			return err
		}
	}
	stored := make([]byte, len(data))
	copy(stored, data)
	s.objects[key] = memObject{data: stored, modTime: time.Now().UTC()}
	return nil
}

// SetModTime pins an object's mod-time. The object must exist.
func (s *Memory) SetModTime(key string, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[key]
	if !ok {
		return fmt.Errorf("set modtime %q: %w", key, ErrNotFound)
	}
	obj.modTime = t
	s.objects[key] = obj
	return nil
}

// Keys returns all stored keys, for test assertions.
func (s *Memory) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.objects))
	for key := range s.objects {
		keys = append(keys, key)
	}
	return keys
}

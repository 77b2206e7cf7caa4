package storage

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"
)

// Memory keeps objects in process memory. Used by tests and the
// in-memory backend mode.
type Memory struct {
	mu      sync.RWMutex
	objects map[string]object
}

type object struct {
	data        []byte
	contentType string
}

func NewMemory() *Memory {
	return &Memory{objects: make(map[string]object)}
}

func (m *Memory) UploadFile(_ context.Context, key string, data []byte, contentType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = object{data: slices.Clone(data), contentType: contentType}
	return nil
}

func (m *Memory) UploadJSON(ctx context.Context, key string, v any) error {
	data, err := marshalJSON(key, v)
	if err != nil {
		return err
	}
	return m.UploadFile(ctx, key, data, "application/json")
}

func (m *Memory) GetBytes(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, ErrNotFound
	}
	return slices.Clone(obj.data), nil
}

func (m *Memory) PresignGet(_ context.Context, key string, _ time.Duration) (string, error) {
	return "memory://" + key, nil
}

func (m *Memory) PresignPut(_ context.Context, key, _ string, _ time.Duration) (string, error) {
	return "memory://" + key, nil
}

// Keys lists stored keys with the given prefix, sorted.
func (m *Memory) Keys(prefix string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// ContentTypeOf returns the content type recorded for key.
func (m *Memory) ContentTypeOf(key string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.objects[key].contentType
}

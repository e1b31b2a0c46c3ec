// Package storage stages attachment content in object storage so queued
// jobs carry a storage key instead of megabytes of payload through
// Postgres.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
)

// AttachmentStore stages and retrieves attachment content by key.
type AttachmentStore interface {
	Put(ctx context.Context, userID, filename, contentType string, body io.Reader) (key string, err error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

// attachmentKey namespaces objects per user so keys never collide and a
// user wipe is a prefix delete.
func attachmentKey(userID, filename string) string {
	return fmt.Sprintf("attachments/%s/%s/%s", userID, uuid.New().String(), filename)
}

// MemoryStore is an in-memory AttachmentStore for tests and local
// development without AWS credentials.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

func (m *MemoryStore) Put(_ context.Context, userID, filename, _ string, body io.Reader) (string, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return "", fmt.Errorf("read attachment body: %w", err)
	}
	key := attachmentKey(userID, filename)

	m.mu.Lock()
	m.objects[key] = data
	m.mu.Unlock()
	return key, nil
}

func (m *MemoryStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	m.mu.RLock()
	data, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("attachment %s: %w", key, ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.objects, key)
	m.mu.Unlock()
	return nil
}

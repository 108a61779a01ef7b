package objectstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/memory-mesh/memory-mesh/pkg/faults"
)

// MemoryStore is an in-memory Store used by tests and single-node runs
// without an S3 endpoint. Listing order is lexicographic, matching S3.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]memObject

	// Hook, when set, runs before every operation and may return an
	// error to inject faults. op is one of list/get/put/delete/head.
	Hook func(op, key string) error
}

type memObject struct {
	data     []byte
	etag     string
	modified time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]memObject)}
}

func (m *MemoryStore) hook(op, key string) error {
	if m.Hook != nil {
		return m.Hook(op, key)
	}
	return nil
}

// List walks keys with the prefix in sorted order.
func (m *MemoryStore) List(ctx context.Context, prefix string, fn func(Object) error) error {
	if err := m.hook("list", prefix); err != nil {
		return err
	}

	m.mu.RLock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	snapshot := make([]Object, 0, len(keys))
	for _, k := range keys {
		o := m.objects[k]
		snapshot = append(snapshot, Object{Key: k, Size: int64(len(o.data)), ETag: o.etag, LastModified: o.modified})
	}
	m.mu.RUnlock()

	for _, obj := range snapshot {
		select {
		case <-ctx.Done():
			return faults.Wrap(faults.KindRetryableTransport, "memory list", ctx.Err())
		default:
		}
		if err := fn(obj); err != nil {
			if err == ErrStopWalk {
				return nil
			}
			return err
		}
	}
	return nil
}

// Get returns a copy of the stored bytes.
func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := m.hook("get", key); err != nil {
		return nil, err
	}

	m.mu.RLock()
	obj, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return nil, faults.Wrap(faults.KindTerminalTransport, "memory get", fmt.Errorf("%w: %s", ErrNotFound, key))
	}

	cp := make([]byte, len(obj.data))
	copy(cp, obj.data)
	return cp, nil
}

// Put stores a copy of data under key.
func (m *MemoryStore) Put(ctx context.Context, key string, data []byte) error {
	if err := m.hook("put", key); err != nil {
		return err
	}
	if key == "" {
		return faults.New(faults.KindValidation, "object key cannot be empty")
	}

	cp := make([]byte, len(data))
	copy(cp, data)
	sum := sha256.Sum256(data)

	m.mu.Lock()
	m.objects[key] = memObject{
		data:     cp,
		etag:     hex.EncodeToString(sum[:8]),
		modified: time.Now().UTC(),
	}
	m.mu.Unlock()
	return nil
}

// Delete removes key; deleting a missing key succeeds.
func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := m.hook("delete", key); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.objects, key)
	m.mu.Unlock()
	return nil
}

// Head returns metadata for key.
func (m *MemoryStore) Head(ctx context.Context, key string) (Object, error) {
	if err := m.hook("head", key); err != nil {
		return Object{}, err
	}

	m.mu.RLock()
	obj, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return Object{}, faults.Wrap(faults.KindTerminalTransport, "memory head", fmt.Errorf("%w: %s", ErrNotFound, key))
	}
	return Object{Key: key, Size: int64(len(obj.data)), ETag: obj.etag, LastModified: obj.modified}, nil
}

// Len reports the number of stored objects.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}

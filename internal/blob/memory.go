package blob

import (
	"context"
	"sort"
	"sync"
)

// MemoryBucket keeps objects in process memory. The local runner uses it for
// dry runs so nothing durable is touched.
type MemoryBucket struct {
	name    string
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
}

func NewMemoryBucket(name string) *MemoryBucket {
	return &MemoryBucket{
		name:    name,
		objects: make(map[string][]byte),
		types:   make(map[string]string),
	}
}

func (b *MemoryBucket) Name() string { return b.name }

func (b *MemoryBucket) Put(ctx context.Context, key string, body []byte, contentType string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cp := make([]byte, len(body))
	copy(cp, body)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[key] = cp
	b.types[key] = contentType
	return nil
}

func (b *MemoryBucket) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[key]
	if !ok {
		return nil, ErrObjectNotFound
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

// Keys lists stored object keys in lexical order.
func (b *MemoryBucket) Keys() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	keys := make([]string, 0, len(b.objects))
	for k := range b.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ContentType returns the content type recorded for key.
func (b *MemoryBucket) ContentType(key string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.types[key]
}

package cache

import (
	"context"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultMemEntries bounds each in-memory bucket when no size is given.
const DefaultMemEntries = 1024

// MemProvider keeps buckets in process memory.
// Each bucket is an LRU bounded to a fixed number of entries.
// Pinned entries are kept outside the LRU and do not count against the bound.
type MemProvider struct {
	mutex   sync.RWMutex
	size    int
	buckets map[string]*lru.Cache[string, []byte]

	pinMutex sync.Mutex
	pinned   map[string]map[string][]byte
}

func NewMemProvider(entriesPerBucket int) *MemProvider {
	if entriesPerBucket <= 0 {
		entriesPerBucket = DefaultMemEntries
	}
	return &MemProvider{
		size:    entriesPerBucket,
		buckets: make(map[string]*lru.Cache[string, []byte]),
		pinned:  make(map[string]map[string][]byte),
	}
}

// bucket returns the named bucket, creating it when asked to.
func (m *MemProvider) bucket(name string, create bool) (*lru.Cache[string, []byte], error) {
	m.mutex.RLock()
	b, ok := m.buckets[name]
	m.mutex.RUnlock()
	if ok || !create {
		return b, nil
	}
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if b, ok := m.buckets[name]; ok {
		return b, nil
	}
	b, err := lru.New[string, []byte](m.size)
	if err != nil {
		return nil, err
	}
	m.buckets[name] = b
	return b, nil
}

func (m *MemProvider) Buckets(ctx context.Context) ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	names := make([]string, 0, len(m.buckets))
	for name := range m.buckets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m *MemProvider) Create(ctx context.Context, bucket string) error {
	_, err := m.bucket(bucket, true)
	return err
}

func (m *MemProvider) Get(ctx context.Context, bucket, key string) ([]byte, bool, error) {
	b, _ := m.bucket(bucket, false)
	if b == nil {
		return nil, false, nil
	}
	if bytes, ok := m.pinnedValue(bucket, key); ok {
		return bytes, true, nil
	}
	bytes, ok := b.Get(key)
	return bytes, ok, nil
}

func (m *MemProvider) pinnedValue(bucket, key string) ([]byte, bool) {
	m.pinMutex.Lock()
	defer m.pinMutex.Unlock()
	bytes, ok := m.pinned[bucket][key]
	return bytes, ok
}

// Pin moves the entry out of the LRU so it is never evicted for size.
func (m *MemProvider) Pin(ctx context.Context, bucket, key string) error {
	b, err := m.bucket(bucket, true)
	if err != nil {
		return err
	}
	m.pinMutex.Lock()
	defer m.pinMutex.Unlock()
	bytes, ok := b.Peek(key)
	if !ok {
		return nil
	}
	if m.pinned[bucket] == nil {
		m.pinned[bucket] = make(map[string][]byte)
	}
	m.pinned[bucket][key] = bytes
	b.Remove(key)
	return nil
}

func (m *MemProvider) Put(ctx context.Context, bucket, key string, bytes []byte) error {
	b, err := m.bucket(bucket, true)
	if err != nil {
		return err
	}
	value := append([]byte(nil), bytes...)
	m.pinMutex.Lock()
	defer m.pinMutex.Unlock()
	if p, ok := m.pinned[bucket]; ok {
		if _, ok := p[key]; ok {
			p[key] = value
			return nil
		}
	}
	b.Add(key, value)
	return nil
}

func (m *MemProvider) Delete(ctx context.Context, bucket, key string) error {
	if b, _ := m.bucket(bucket, false); b != nil {
		b.Remove(key)
	}
	m.pinMutex.Lock()
	delete(m.pinned[bucket], key)
	m.pinMutex.Unlock()
	return nil
}

func (m *MemProvider) Keys(ctx context.Context, bucket string) ([]string, error) {
	b, _ := m.bucket(bucket, false)
	if b == nil {
		return []string{}, nil
	}
	keys := b.Keys()
	m.pinMutex.Lock()
	for key := range m.pinned[bucket] {
		keys = append(keys, key)
	}
	m.pinMutex.Unlock()
	sort.Strings(keys)
	return keys, nil
}

func (m *MemProvider) Drop(ctx context.Context, bucket string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.buckets, bucket)
	m.pinMutex.Lock()
	delete(m.pinned, bucket)
	m.pinMutex.Unlock()
	return nil
}

func (m *MemProvider) Close() error {
	return nil
}

package cart

import (
	"context"
	"errors"
	"sync"
)

// ErrNoCart is returned by Store.Load when nothing is stored under a key.
var ErrNoCart = errors.New("cart: no stored cart")

const anonymousKey = "anonymous-cart"

// StorageKey is the persisted key for an identity's cart.
func StorageKey(identity string) string {
	if identity == "" {
		return anonymousKey
	}
	return "cart-" + identity
}

// Store is durable storage for serialized carts. Writes are last writer
// wins; there is no merging between concurrent writers.
type Store interface {
	Load(ctx context.Context, key string) ([]byte, error)
	Save(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
}

type MemoryStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

func (s *MemoryStore) Load(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.data[key]
	if !ok {
		return nil, ErrNoCart
	}
	return append([]byte(nil), data...), nil
}

func (s *MemoryStore) Save(ctx context.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = append([]byte(nil), data...)
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

type prefixed struct {
	Store
	prefix string
}

// WithPrefix namespaces every key of store, e.g. per client session.
func WithPrefix(store Store, prefix string) Store {
	return prefixed{Store: store, prefix: prefix}
}

func (p prefixed) Load(ctx context.Context, key string) ([]byte, error) {
	return p.Store.Load(ctx, p.prefix+key)
}

func (p prefixed) Save(ctx context.Context, key string, data []byte) error {
	return p.Store.Save(ctx, p.prefix+key, data)
}

func (p prefixed) Delete(ctx context.Context, key string) error {
	return p.Store.Delete(ctx, p.prefix+key)
}

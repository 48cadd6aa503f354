package kv

import (
	"context"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// memBucket is an in-memory Bucket with real revision semantics, standing in
// for a JetStream KV bucket in unit tests.
type memBucket struct {
	mu   sync.Mutex
	data map[string]memEntry
	rev  uint64
}

type memEntry struct {
	value []byte
	rev   uint64
}

func newMemBucket() *memBucket {
	return &memBucket{data: map[string]memEntry{}}
}

func (b *memBucket) Get(ctx context.Context, key string) (jetstream.KeyValueEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.data[key]
	if !ok {
		return nil, jetstream.ErrKeyNotFound
	}
	return memKVEntry{key: key, value: append([]byte(nil), e.value...), rev: e.rev}, nil
}

func (b *memBucket) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rev++
	b.data[key] = memEntry{value: append([]byte(nil), value...), rev: b.rev}
	return b.rev, nil
}

func (b *memBucket) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.data[key]; ok {
		return 0, jetstream.ErrKeyExists
	}
	b.rev++
	b.data[key] = memEntry{value: append([]byte(nil), value...), rev: b.rev}
	return b.rev, nil
}

func (b *memBucket) Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.data[key]
	if !ok || e.rev != revision {
		return 0, jetstream.ErrKeyExists
	}
	b.rev++
	b.data[key] = memEntry{value: append([]byte(nil), value...), rev: b.rev}
	return b.rev, nil
}

func (b *memBucket) Delete(ctx context.Context, key string, opts ...jetstream.KVDeleteOpt) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.data[key]; !ok {
		return jetstream.ErrKeyNotFound
	}
	delete(b.data, key)
	return nil
}

func (b *memBucket) Keys(ctx context.Context, opts ...jetstream.WatchOpt) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.data) == 0 {
		return nil, jetstream.ErrNoKeysFound
	}
	keys := make([]string, 0, len(b.data))
	for k := range b.data {
		keys = append(keys, k)
	}
	return keys, nil
}

type memKVEntry struct {
	key   string
	value []byte
	rev   uint64
}

func (e memKVEntry) Bucket() string                  { return "mem" }
func (e memKVEntry) Key() string                     { return e.key }
func (e memKVEntry) Value() []byte                   { return e.value }
func (e memKVEntry) Revision() uint64                { return e.rev }
func (e memKVEntry) Created() time.Time              { return time.Time{} }
func (e memKVEntry) Delta() uint64                   { return 0 }
func (e memKVEntry) Operation() jetstream.KeyValueOp { return jetstream.KeyValuePut }

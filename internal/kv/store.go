// Package kv provides typed access to the ephemeral keyed store backing
// concurrency slots, heartbeats, and dispatcher watermarks. The store is a
// set of NATS JetStream KV buckets; everything here is an admission-control
// hint, never the record of truth.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"
)

// Bucket is the subset of jetstream.KeyValue the store uses. Narrowed so
// unit tests can substitute an in-memory implementation.
type Bucket interface {
	Get(ctx context.Context, key string) (jetstream.KeyValueEntry, error)
	Put(ctx context.Context, key string, value []byte) (uint64, error)
	Create(ctx context.Context, key string, value []byte) (uint64, error)
	Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error)
	Delete(ctx context.Context, key string, opts ...jetstream.KVDeleteOpt) error
	Keys(ctx context.Context, opts ...jetstream.WatchOpt) ([]string, error)
}

// casAttempts bounds optimistic-concurrency retries on contended keys.
const casAttempts = 5

// ErrCASExhausted is returned when a compare-and-swap update keeps losing
// races past the retry budget.
var ErrCASExhausted = errors.New("kv: compare-and-swap retries exhausted")

func isKeyNotFound(err error) bool {
	return errors.Is(err, jetstream.ErrKeyNotFound)
}

// Store provides typed access to a KV bucket.
type Store struct {
	kv Bucket
}

// NewStore wraps a KV bucket.
func NewStore(kv Bucket) *Store {
	return &Store{kv: kv}
}

// Get retrieves a value by key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, uint64, error) {
	entry, err := s.kv.Get(ctx, key)
	if err != nil {
		return nil, 0, err
	}
	return entry.Value(), entry.Revision(), nil
}

// Put stores a value at key.
func (s *Store) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	return s.kv.Put(ctx, key, value)
}

// Create stores a value at key only if the key does not already exist.
func (s *Store) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	return s.kv.Create(ctx, key, value)
}

// Update stores a value at key only if the revision matches.
func (s *Store) Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error) {
	return s.kv.Update(ctx, key, value, revision)
}

// Delete removes a key. Deleting an absent key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	err := s.kv.Delete(ctx, key)
	if err != nil && errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil
	}
	return err
}

// Keys returns all keys in the bucket.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	keys, err := s.kv.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, err
	}
	return keys, nil
}

// Exists checks whether a key exists.
func (s *Store) Exists(ctx context.Context, key string) bool {
	_, err := s.kv.Get(ctx, key)
	return err == nil
}

// GetJSON retrieves and unmarshals a JSON value.
func (s *Store) GetJSON(ctx context.Context, key string, v any) (uint64, error) {
	data, rev, err := s.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return 0, fmt.Errorf("unmarshal key %s: %w", key, err)
	}
	return rev, nil
}

// PutJSON marshals and stores a JSON value.
func (s *Store) PutJSON(ctx context.Context, key string, v any) (uint64, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("marshal key %s: %w", key, err)
	}
	return s.Put(ctx, key, data)
}

// UpdateJSON performs a compare-and-swap update on a JSON value. load must
// return a fresh zero value each attempt; mutate inspects the loaded value
// and returns the value to store, or ok=false to leave the key untouched.
//
// Unlike a blind Put, the revision check makes read-modify-write atomic: a
// concurrent writer forces a reload, so no update is ever based on a stale
// read. This is the KV analog of the scripted transactions the slot set
// needs for admission control.
func UpdateJSON[T any](ctx context.Context, s *Store, key string, mutate func(current T, exists bool) (T, bool)) error {
	for i := 0; i < casAttempts; i++ {
		var current T
		rev, err := s.GetJSON(ctx, key, &current)
		if err != nil {
			if !errors.Is(err, jetstream.ErrKeyNotFound) {
				return err
			}
			next, ok := mutate(current, false)
			if !ok {
				return nil
			}
			data, mErr := json.Marshal(next)
			if mErr != nil {
				return fmt.Errorf("marshal key %s: %w", key, mErr)
			}
			if _, cErr := s.Create(ctx, key, data); cErr == nil {
				return nil
			} else if !errors.Is(cErr, jetstream.ErrKeyExists) {
				return cErr
			}
			// Created concurrently, reload and retry.
			continue
		}

		next, ok := mutate(current, true)
		if !ok {
			return nil
		}
		data, mErr := json.Marshal(next)
		if mErr != nil {
			return fmt.Errorf("marshal key %s: %w", key, mErr)
		}
		if _, uErr := s.Update(ctx, key, data, rev); uErr == nil {
			return nil
		}
		// Revision conflict, retry.
	}
	return ErrCASExhausted
}

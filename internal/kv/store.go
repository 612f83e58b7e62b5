// Package kv is the settings store shared by sibling runtime instances.
//
// Every instance (a "tab") reads and writes the same key space with
// last-writer-wins semantics. Writes made by one instance are delivered to
// the others as Events, mirroring browser storage events: the writer never
// receives its own events.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("kv: store closed")

// Event describes a change made by another instance.
type Event struct {
	Key     string
	Value   []byte
	Deleted bool
	// Source is the tab id of the writer.
	Source string
}

// Store is the persistence port. Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the value for key and whether it exists.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// Keys lists keys with the given prefix in lexical order.
	Keys(ctx context.Context, prefix string) ([]string, error)
	// Subscribe registers fn for changes made by other instances and returns
	// a function that removes the subscription.
	Subscribe(fn func(Event)) (unsubscribe func())
	// TabID identifies this instance.
	TabID() string
}

// GetJSON decodes the JSON value stored under key into a T.
// Missing keys return the zero value with ok=false.
func GetJSON[T any](ctx context.Context, s Store, key string) (T, bool, error) {
	var out T
	raw, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return out, false, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, false, fmt.Errorf("kv: decode %s: %w", key, err)
	}
	return out, true, nil
}

// SetJSON encodes v and stores it under key.
func SetJSON(ctx context.Context, s Store, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("kv: encode %s: %w", key, err)
	}
	return s.Set(ctx, key, raw)
}

// GetString returns the value as a string, or def when missing.
func GetString(ctx context.Context, s Store, key, def string) string {
	raw, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return def
	}
	return string(raw)
}

type subscribers struct {
	next int
	fns  map[int]func(Event)
}

func (s *subscribers) add(fn func(Event)) int {
	if s.fns == nil {
		s.fns = make(map[int]func(Event))
	}
	s.next++
	s.fns[s.next] = fn
	return s.next
}

func (s *subscribers) snapshot() []func(Event) {
	out := make([]func(Event), 0, len(s.fns))
	for _, fn := range s.fns {
		out = append(out, fn)
	}
	return out
}

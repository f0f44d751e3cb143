package hostfunc

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

const (
	DefaultMaxEntries   = 500
	DefaultMaxKeySize   = 256
	DefaultMaxValueSize = 1 << 20 // 1MB encoded
)

// State is a bounded mailbox of named values shared by the host and the
// child runtime. It never evicts: inserting a new key into a full store
// fails with ErrCapacityExceeded and leaves the store unchanged.
type State struct {
	mu           sync.Mutex
	data         map[string]any
	maxEntries   int
	maxKeySize   int
	maxValueSize int
}

type StateOption func(*State)

// WithMaxEntries sets the number of keys the store can hold.
func WithMaxEntries(n int) StateOption {
	return func(s *State) {
		if n > 0 {
			s.maxEntries = n
		}
	}
}

func WithMaxKeySize(n int) StateOption {
	return func(s *State) {
		if n > 0 {
			s.maxKeySize = n
		}
	}
}

// WithMaxValueSize bounds the JSON-encoded size of a stored value.
func WithMaxValueSize(n int) StateOption {
	return func(s *State) {
		if n > 0 {
			s.maxValueSize = n
		}
	}
}

func NewState(opts ...StateOption) *State {
	s := &State{
		data:         make(map[string]any),
		maxEntries:   DefaultMaxEntries,
		maxKeySize:   DefaultMaxKeySize,
		maxValueSize: DefaultMaxValueSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Put stores value under key. Overwriting an existing key never counts
// against capacity.
func (s *State) Put(key string, value any) error {
	if key == "" {
		return fmt.Errorf("%w: key required", ErrInvalidArgs)
	}
	if len(key) > s.maxKeySize {
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrKeyTooLarge, len(key), s.maxKeySize)
	}
	if err := s.checkValue(value); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[key]; !exists && len(s.data) >= s.maxEntries {
		return &CapacityError{Key: key, Capacity: s.maxEntries}
	}
	s.data[key] = value
	return nil
}

func (s *State) checkValue(value any) error {
	if str, ok := value.(string); ok {
		if len(str) > s.maxValueSize {
			return fmt.Errorf("%w: %d bytes exceeds %d", ErrValueTooLarge, len(str), s.maxValueSize)
		}
		return nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("%w: value not encodable: %v", ErrInvalidArgs, err)
	}
	if len(data) > s.maxValueSize {
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrValueTooLarge, len(data), s.maxValueSize)
	}
	return nil
}

func (s *State) Get(key string) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	val, ok := s.data[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return val, nil
}

// Delete removes key and reports whether it was present.
func (s *State) Delete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.data[key]
	delete(s.data, key)
	return ok
}

// Keys returns the stored keys in sorted order.
func (s *State) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s *State) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}

// Cap returns the configured maximum number of entries.
func (s *State) Cap() int {
	return s.maxEntries
}

// Clear drops every entry.
func (s *State) Clear() {
	s.mu.Lock()
	s.data = make(map[string]any)
	s.mu.Unlock()
}

// Side-channel handlers.

func (s *State) GetFunc(ctx context.Context, req StateGetRequest) (any, error) {
	val, err := s.Get(req.Key)
	if err != nil {
		if req.Default != nil {
			return req.Default, nil
		}
		return nil, err
	}
	return val, nil
}

func (s *State) PutFunc(ctx context.Context, req StatePutRequest) (any, error) {
	if err := s.Put(req.Key, req.Value); err != nil {
		return nil, err
	}
	return "ok", nil
}

func (s *State) DeleteFunc(ctx context.Context, req StateDeleteRequest) (any, error) {
	return s.Delete(req.Key), nil
}

func (s *State) KeysFunc(ctx context.Context, _ map[string]any) (any, error) {
	return s.Keys(), nil
}

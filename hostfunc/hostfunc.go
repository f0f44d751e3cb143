package hostfunc

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Func is a host-exposed operation the child runtime can invoke by name.
type Func func(ctx context.Context, args map[string]any) (any, error)

// Registry maps operation names to handlers.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]Func)}
}

// Register binds name to fn, replacing any earlier binding.
func (r *Registry) Register(name string, fn Func) {
	r.mu.Lock()
	r.funcs[name] = fn
	r.mu.Unlock()
}

func (r *Registry) Get(name string) (Func, bool) {
	r.mu.RLock()
	fn, ok := r.funcs[name]
	r.mu.RUnlock()
	return fn, ok
}

func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// List returns the registered names in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Call looks up name and invokes it.
func (r *Registry) Call(ctx context.Context, name string, args map[string]any) (any, error) {
	fn, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFunction, name)
	}
	if args == nil {
		args = map[string]any{}
	}
	return fn(ctx, args)
}

// Typed adapts a handler over a request struct into a Func. The argument
// map is decoded into T with JSON field names.
func Typed[T any](fn func(ctx context.Context, req T) (any, error)) Func {
	return func(ctx context.Context, args map[string]any) (any, error) {
		var req T
		if err := decodeArgs(args, &req); err != nil {
			return nil, err
		}
		return fn(ctx, req)
	}
}

func decodeArgs(args map[string]any, dst any) error {
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgs, err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgs, err)
	}
	return nil
}

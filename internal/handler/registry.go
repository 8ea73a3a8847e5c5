// Package handler is the process-wide Handler Registry (spec.md §4.5,
// §4.6, §9): a name -> factory mapping populated by handler packages at
// init time, generalizing the original Python source's @handler(name)
// decorator (worker/base.py) into explicit Go registration.
package handler

import (
	"context"
	"fmt"
	"sync"

	"github.com/chronopool/scheduler/internal/model"
	"github.com/chronopool/scheduler/internal/schederr"
)

// Handler is the single operation every handler variant implements:
// execute(params) -> result, over opaque JSON values.
type Handler interface {
	Execute(ctx context.Context, params model.JSONMap) (model.JSONMap, error)
}

// Factory yields a fresh Handler value per invocation, so handlers may
// hold per-call mutable state without workers racing on a shared
// instance.
type Factory func() Handler

// HandlerFunc adapts a plain function to the Handler interface, the way
// most sample handlers are written.
type HandlerFunc func(ctx context.Context, params model.JSONMap) (model.JSONMap, error)

func (f HandlerFunc) Execute(ctx context.Context, params model.JSONMap) (model.JSONMap, error) {
	return f(ctx, params)
}

var (
	mu       sync.RWMutex
	registry = make(map[string]Factory)
)

// Register binds name to factory. Called from each handler package's
// init(). A duplicate name is a fatal startup error (spec.md's
// DuplicateHandlerName), not a runtime condition: it panics immediately
// so the process never starts with an ambiguous registry.
func Register(name string, factory Factory) {
	mu.Lock()
	defer mu.Unlock()
	if _, exists := registry[name]; exists {
		panic(fmt.Errorf("handler: %w: %q", schederr.ErrDuplicateHandlerName, name))
	}
	registry[name] = factory
}

// RegisterFunc is Register for the common case of a bare function
// handler.
func RegisterFunc(name string, fn HandlerFunc) {
	Register(name, func() Handler { return fn })
}

// Lookup reports a missing name through its bool result, not an error
// value, since "not found" here is a registry-shape fact, not a failed
// operation.
//
// Lookup resolves name to a fresh Handler instance. ok is false when no
// factory was ever registered under name.
func Lookup(name string) (h Handler, ok bool) {
	mu.RLock()
	factory, exists := registry[name]
	mu.RUnlock()
	if !exists {
		return nil, false
	}
	return factory(), true
}

// Names lists every registered handler name, for the admin surface and
// for startup diagnostics.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	return names
}

// reset clears the registry; test-only, so package tests can register
// fixtures without leaking across test functions.
func reset() {
	mu.Lock()
	defer mu.Unlock()
	registry = make(map[string]Factory)
}

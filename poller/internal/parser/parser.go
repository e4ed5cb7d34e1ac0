// Package parser defines the per-kind parsing capability and the built-in
// parsers. A capability prepares its destination table once at startup and
// turns each successful response body into a batch of rows for it.
package parser

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// ErrUnknownKind is returned by Lookup for a kind with no capability.
var ErrUnknownKind = errors.New("parser: unknown kind")

// ParseError reports a body the capability could not make sense of.
type ParseError struct {
	Kind string
	Err  error
}

func (e *ParseError) Error() string { return fmt.Sprintf("parser %s: %v", e.Kind, e.Err) }

func (e *ParseError) Unwrap() error { return e.Err }

// Executor runs DDL against storage. The store passes itself, so the
// statement goes through its gate.
type Executor interface {
	Exec(ctx context.Context, query string, args ...any) error
}

// Batch is a set of rows for one destination table. Every row has one value
// per column.
type Batch struct {
	Columns []string
	Rows    [][]any
}

// Len returns the number of rows.
func (b *Batch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Rows)
}

// Capability is the contract every parser kind implements.
type Capability interface {
	// EnsureDestination creates target if it does not exist. It must be
	// idempotent.
	EnsureDestination(ctx context.Context, exec Executor, target string) error
	// Parse turns a response body into rows for target. outcomeID links
	// each row to the request that produced it.
	Parse(body []byte, outcomeID int64, target string) (*Batch, error)
}

// Registry maps kind names to capabilities. It is filled at startup and
// read-only afterwards.
type Registry struct {
	caps map[string]Capability
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{caps: make(map[string]Capability)}
}

// Builtins returns a registry with forecast, page and raw registered.
func Builtins() *Registry {
	r := NewRegistry()
	r.Register(KindForecast, NewForecast(nil))
	r.Register(KindPage, NewPage())
	r.Register(KindRaw, Raw{})
	return r
}

// Register binds kind to c, replacing any previous binding.
func (r *Registry) Register(kind string, c Capability) {
	r.caps[kind] = c
}

// Lookup returns the capability for kind.
func (r *Registry) Lookup(kind string) (Capability, error) {
	c, ok := r.caps[kind]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownKind, kind)
	}
	return c, nil
}

// Kinds returns the registered kind names, sorted.
func (r *Registry) Kinds() []string {
	kinds := make([]string, 0, len(r.caps))
	for k := range r.caps {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Package mapping resolves the transformation rules configured for a
// remote endpoint. The rules themselves are authored elsewhere; this core
// only reads them, and every sync start is gated on their existence.
package mapping

import (
	"context"
	"errors"
	"sync"
)

var ErrMappingMissing = errors.New("no transformation rules configured for endpoint")

// FieldRule maps one remote field to one mirror field.
type FieldRule struct {
	RemoteField string
	LocalField  string
	Kind        string // "string", "number", "bool" or "timestamp"
}

// Mapping is the full rule set for one remote endpoint.
type Mapping struct {
	EndpointID string
	EntityType string
	Rules      []FieldRule
}

// Store is the read-only lookup backing the resolver.
type Store interface {
	GetMapping(ctx context.Context, endpointID string) (*Mapping, error)
}

// Resolver caches mapping lookups per endpoint. Rule edits happen through
// a separate configuration surface, so the cache is invalidated explicitly
// rather than expired.
type Resolver struct {
	store Store

	mu    sync.RWMutex
	cache map[string]*Mapping
}

// NewResolver creates a Resolver over the given store.
func NewResolver(store Store) *Resolver {
	return &Resolver{
		store: store,
		cache: make(map[string]*Mapping),
	}
}

// Lookup returns the mapping for an endpoint, or ErrMappingMissing when no
// rules are configured.
func (r *Resolver) Lookup(ctx context.Context, endpointID string) (*Mapping, error) {
	r.mu.RLock()
	m, ok := r.cache[endpointID]
	r.mu.RUnlock()
	if ok {
		return m, nil
	}

	m, err := r.store.GetMapping(ctx, endpointID)
	if err != nil {
		return nil, err
	}
	if m == nil || len(m.Rules) == 0 {
		return nil, ErrMappingMissing
	}

	r.mu.Lock()
	r.cache[endpointID] = m
	r.mu.Unlock()

	return m, nil
}

// HasMapping reports whether rules exist for an endpoint, along with the
// entity type they target and the rule count.
func (r *Resolver) HasMapping(ctx context.Context, endpointID string) (bool, string, int, error) {
	m, err := r.Lookup(ctx, endpointID)
	if err != nil {
		if errors.Is(err, ErrMappingMissing) {
			return false, "", 0, nil
		}
		return false, "", 0, err
	}
	return true, m.EntityType, len(m.Rules), nil
}

// Invalidate drops the cached mapping for an endpoint.
func (r *Resolver) Invalidate(endpointID string) {
	r.mu.Lock()
	delete(r.cache, endpointID)
	r.mu.Unlock()
}

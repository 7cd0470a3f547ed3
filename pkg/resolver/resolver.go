// Package resolver turns value references such as "env:ALARM_CODE" into
// plaintext before the secret registry is built.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

var (
	// ErrUnknownScheme is returned for a reference whose scheme has no resolver.
	ErrUnknownScheme = errors.New("unknown reference scheme")
	// ErrNotFound is returned when a reference points at nothing.
	ErrNotFound = errors.New("reference not found")
)

// Resolver looks up the plaintext behind a reference (scheme already removed).
type Resolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, ref string) (string, error)

func (f ResolverFunc) Resolve(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// Chain dispatches "scheme:ref" references to the resolver registered for
// the scheme.
type Chain struct {
	mu        sync.RWMutex
	resolvers map[string]Resolver
}

// NewChain returns an empty chain.
func NewChain() *Chain {
	return &Chain{resolvers: map[string]Resolver{}}
}

// Register binds scheme (without the colon) to r.
func (c *Chain) Register(scheme string, r Resolver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resolvers[strings.ToLower(scheme)] = r
}

// Schemes returns the registered schemes.
func (c *Chain) Schemes() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.resolvers))
	for k := range c.resolvers {
		out = append(out, k)
	}
	return out
}

// Resolve resolves a full "scheme:ref" reference.
func (c *Chain) Resolve(ctx context.Context, reference string) (string, error) {
	scheme, ref, ok := strings.Cut(strings.TrimSpace(reference), ":")
	if !ok || scheme == "" || ref == "" {
		return "", fmt.Errorf("reference %q: expected scheme:name", reference)
	}
	c.mu.RLock()
	r, ok := c.resolvers[strings.ToLower(scheme)]
	c.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("reference %q: %w", reference, ErrUnknownScheme)
	}
	v, err := r.Resolve(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("reference %q: %w", reference, err)
	}
	return v, nil
}

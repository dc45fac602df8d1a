// Package secrets resolves secret references of the form scheme://rest to
// plaintext values. Config fields that hold credentials accept either a
// literal value or a reference; ResolveValue tells the two apart.
package secrets

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Resolver resolves a secret reference to its plaintext value.
type Resolver interface {
	// Scheme returns the URI scheme this resolver handles (e.g., "env", "sm").
	Scheme() string

	// Resolve fetches the secret value for the given reference.
	// The reference is the full URI (e.g., "sm://prod/github-token").
	Resolve(ctx context.Context, reference string) (string, error)
}

var (
	resolvers = make(map[string]Resolver)
	mu        sync.RWMutex
)

// Register adds a resolver to the registry.
func Register(r Resolver) {
	mu.Lock()
	defer mu.Unlock()
	resolvers[r.Scheme()] = r
}

// Resolve dispatches to the appropriate resolver based on URI scheme.
func Resolve(ctx context.Context, reference string) (string, error) {
	scheme := ParseScheme(reference)
	if scheme == "" {
		return "", &InvalidReferenceError{Reference: reference, Reason: "missing scheme"}
	}

	mu.RLock()
	r, ok := resolvers[scheme]
	mu.RUnlock()

	if !ok {
		return "", &UnsupportedSchemeError{Scheme: scheme}
	}

	return r.Resolve(ctx, reference)
}

// ResolveAll resolves a map of name -> reference pairs. Literal values (no
// scheme) pass through unchanged. The first failure aborts the batch with
// the offending name in the error.
func ResolveAll(ctx context.Context, refs map[string]string) (map[string]string, error) {
	resolved := make(map[string]string, len(refs))
	for name, ref := range refs {
		v, err := ResolveValue(ctx, ref)
		if err != nil {
			return nil, fmt.Errorf("resolving %s: %w", name, err)
		}
		resolved[name] = v
	}
	return resolved, nil
}

// ResolveValue resolves v when it looks like a secret reference and returns
// it unchanged otherwise.
func ResolveValue(ctx context.Context, v string) (string, error) {
	if !strings.Contains(v, "://") {
		return v, nil
	}
	return Resolve(ctx, v)
}

// ParseScheme extracts the scheme from a URI (e.g., "env" from "env://NAME").
// Returns "" when the value has no scheme.
func ParseScheme(ref string) string {
	idx := strings.Index(ref, "://")
	if idx < 1 {
		return ""
	}
	return ref[:idx]
}

// withTestRegistry runs fn against a fresh empty registry, restoring the
// real resolvers afterward. For testing only.
func withTestRegistry(fn func()) {
	mu.Lock()
	saved := resolvers
	resolvers = make(map[string]Resolver)
	mu.Unlock()

	defer func() {
		mu.Lock()
		resolvers = saved
		mu.Unlock()
	}()

	fn()
}

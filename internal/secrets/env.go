package secrets

import (
	"context"
	"os"
	"strings"
)

// EnvResolver resolves env://NAME references from the process environment.
type EnvResolver struct{}

// Scheme returns "env".
func (r *EnvResolver) Scheme() string {
	return "env"
}

// Resolve looks up the named environment variable. Unset or empty variables
// are treated as missing so a forgotten export fails loudly at startup
// instead of producing an empty token.
func (r *EnvResolver) Resolve(ctx context.Context, reference string) (string, error) {
	name := strings.TrimPrefix(reference, "env://")
	if name == "" || name == reference {
		return "", &InvalidReferenceError{Reference: reference, Reason: "expected env://NAME"}
	}

	v := os.Getenv(name)
	if v == "" {
		return "", &NotFoundError{Reference: reference, Backend: "environment"}
	}
	return v, nil
}

func init() {
	Register(&EnvResolver{})
}

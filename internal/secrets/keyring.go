package secrets

import (
	"context"
	"errors"
	"strings"

	"github.com/zalando/go-keyring"
)

// KeyringResolver resolves keyring://service/account references from the OS
// credential store (Keychain on macOS, Secret Service on Linux, Credential
// Manager on Windows).
type KeyringResolver struct{}

// Scheme returns "keyring".
func (r *KeyringResolver) Scheme() string {
	return "keyring"
}

// Resolve looks up the secret stored under service/account.
func (r *KeyringResolver) Resolve(ctx context.Context, reference string) (string, error) {
	rest := strings.TrimPrefix(reference, "keyring://")
	if rest == reference {
		return "", &InvalidReferenceError{Reference: reference, Reason: "expected keyring://service/account"}
	}
	service, account, ok := strings.Cut(rest, "/")
	if !ok || service == "" || account == "" {
		return "", &InvalidReferenceError{Reference: reference, Reason: "expected keyring://service/account"}
	}

	v, err := keyring.Get(service, account)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", &NotFoundError{Reference: reference, Backend: "keyring"}
		}
		return "", &BackendError{
			Backend:   "keyring",
			Reference: reference,
			Reason:    err.Error(),
			Fix:       "Check that a credential store is available (on headless Linux, install gnome-keyring or pass the secret via env:// instead)",
		}
	}
	return v, nil
}

func init() {
	Register(&KeyringResolver{})
}

// Package auth resolves who is calling. Browser-facing sockets and pages
// authenticate with a signed cookie; the task API authenticates with
// bearer keys. Cookie parsing lives here and nowhere else.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/falleco/open-commander/internal/store"
)

// ErrUnauthorized is returned whenever a caller cannot be resolved to a
// user. Callers map it to 401 or close code 1008; the detail stays in logs.
var ErrUnauthorized = errors.New("unauthorized")

// CookieName carries the signed browser credential.
const CookieName = "oc_auth"

// Resolver turns a Cookie header into a user id.
type Resolver interface {
	ResolveUser(ctx context.Context, cookieHeader string) (string, error)
}

// CookieResolver verifies oc_auth cookies of the form
// "<userID>.<base64url hmac-sha256>" against the signing secret and the
// user table.
type CookieResolver struct {
	Store  *store.Store
	Secret []byte
}

// ResolveUser implements Resolver.
func (r *CookieResolver) ResolveUser(ctx context.Context, cookieHeader string) (string, error) {
	value, err := cookieValue(cookieHeader, CookieName)
	if err != nil {
		return "", err
	}

	userID, sig, ok := strings.Cut(value, ".")
	if !ok || userID == "" {
		return "", fmt.Errorf("%w: malformed cookie", ErrUnauthorized)
	}

	want := sign(r.Secret, userID)
	got, err := base64.RawURLEncoding.DecodeString(sig)
	if err != nil || !hmac.Equal(got, want) {
		return "", fmt.Errorf("%w: bad signature", ErrUnauthorized)
	}

	if _, err := r.Store.UserByID(userID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", fmt.Errorf("%w: unknown user", ErrUnauthorized)
		}
		return "", err
	}
	return userID, nil
}

// MintCookie produces a cookie value ResolveUser will accept for userID.
// The login surface and the CLI use it; nothing else should.
func (r *CookieResolver) MintCookie(userID string) string {
	return userID + "." + base64.RawURLEncoding.EncodeToString(sign(r.Secret, userID))
}

// DisabledResolver maps every caller to the first admin user. Single
// operator installs opt into this with auth.disabled.
type DisabledResolver struct {
	Store *store.Store
}

// ResolveUser implements Resolver.
func (r *DisabledResolver) ResolveUser(ctx context.Context, cookieHeader string) (string, error) {
	admin, err := r.Store.FirstAdmin()
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", fmt.Errorf("%w: no admin user", ErrUnauthorized)
		}
		return "", err
	}
	return admin.ID, nil
}

func sign(secret []byte, userID string) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(userID))
	return mac.Sum(nil)
}

func cookieValue(header, name string) (string, error) {
	if header == "" {
		return "", fmt.Errorf("%w: no cookies", ErrUnauthorized)
	}
	cookies, err := http.ParseCookie(header)
	if err != nil {
		return "", fmt.Errorf("%w: unparseable cookies", ErrUnauthorized)
	}
	for _, c := range cookies {
		if c.Name == name {
			return c.Value, nil
		}
	}
	return "", fmt.Errorf("%w: no %s cookie", ErrUnauthorized, name)
}

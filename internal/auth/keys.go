package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/falleco/open-commander/internal/log"
	"github.com/falleco/open-commander/internal/store"
)

// API keys look like "ock_<id>_<secret>". The id is stored in the clear so
// lookup is a single indexed read; only the secret hash is persisted.
const keyPrefix = "ock"

// GenerateKey mints a fresh API key. The plaintext is shown to the caller
// exactly once; the store only ever sees id and hash.
func GenerateKey() (plaintext, id, hash string, err error) {
	id = randomHex(4)
	secret := randomHex(16)

	h, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", "", "", fmt.Errorf("hashing key: %w", err)
	}
	return keyPrefix + "_" + id + "_" + secret, id, string(h), nil
}

// KeyVerifier checks presented bearer keys against the store.
type KeyVerifier struct {
	Store *store.Store
}

// VerifyKey resolves a presented key to its owner's user id. Any failure,
// malformed key included, comes back as ErrUnauthorized.
func (v *KeyVerifier) VerifyKey(ctx context.Context, presented string) (string, error) {
	id, secret, err := splitKey(presented)
	if err != nil {
		return "", err
	}

	key, err := v.Store.APIKeyByID(id)
	if err != nil {
		// Unknown ids read the same as bad secrets to the caller.
		return "", fmt.Errorf("%w: unknown key", ErrUnauthorized)
	}

	if bcrypt.CompareHashAndPassword([]byte(key.SecretHash), []byte(secret)) != nil {
		return "", fmt.Errorf("%w: bad key", ErrUnauthorized)
	}

	if err := v.Store.TouchAPIKey(id); err != nil {
		log.Debug("touching api key failed", "id", id, "error", err)
	}
	return key.UserID, nil
}

func splitKey(presented string) (id, secret string, err error) {
	parts := strings.Split(presented, "_")
	if len(parts) != 3 || parts[0] != keyPrefix || parts[1] == "" || parts[2] == "" {
		return "", "", fmt.Errorf("%w: malformed key", ErrUnauthorized)
	}
	return parts[1], parts[2], nil
}

func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}

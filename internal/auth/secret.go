package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/zalando/go-keyring"

	"github.com/falleco/open-commander/internal/log"
)

const (
	// keyringService identifies this application in the OS keychain.
	// OC_KEYRING_SERVICE overrides it for test isolation.
	keyringService = "open-commander"
	secretAccount  = "cookie-signing-key"
	secretSize     = 32
)

// LoadSigningSecret returns the cookie-signing secret, creating one on
// first use. The OS keychain is tried first; headless installs fall back
// to <stateRoot>/cookie.key with 0600 permissions.
func LoadSigningSecret(stateRoot string) ([]byte, error) {
	service := serviceName()

	if encoded, err := keyring.Get(service, secretAccount); err == nil {
		return decodeSecret(encoded)
	} else if !errors.Is(err, keyring.ErrNotFound) {
		log.Debug("keychain unavailable, using file secret", "error", err)
		return fileSecret(filepath.Join(stateRoot, "cookie.key"))
	}

	secret := newSecret()
	if err := keyring.Set(service, secretAccount, base64.StdEncoding.EncodeToString(secret)); err != nil {
		log.Debug("keychain unavailable, using file secret", "error", err)
		return fileSecret(filepath.Join(stateRoot, "cookie.key"))
	}

	// Another broker may have won the race between Get and Set; re-read so
	// every process agrees on one secret.
	encoded, err := keyring.Get(service, secretAccount)
	if err != nil {
		return nil, fmt.Errorf("reading back signing secret: %w", err)
	}
	return decodeSecret(encoded)
}

// fileSecret loads or creates the file-backed signing secret. Creation uses
// O_EXCL so two racing brokers settle on whichever file landed first.
func fileSecret(path string) ([]byte, error) {
	for attempt := 0; attempt < 2; attempt++ {
		data, err := os.ReadFile(path)
		if err == nil {
			info, err := os.Stat(path)
			if err != nil {
				return nil, err
			}
			if perm := info.Mode().Perm(); perm&0o077 != 0 {
				return nil, fmt.Errorf("secret file %s has permissions %04o, want 0600", path, perm)
			}
			return decodeSecret(string(data))
		}
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading secret file: %w", err)
		}

		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, err
		}
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
		if err != nil {
			if os.IsExist(err) {
				continue // lost the race, re-read
			}
			return nil, fmt.Errorf("creating secret file: %w", err)
		}
		_, werr := f.WriteString(base64.StdEncoding.EncodeToString(newSecret()))
		cerr := f.Close()
		if werr != nil || cerr != nil {
			os.Remove(path)
			return nil, fmt.Errorf("writing secret file: %w", errors.Join(werr, cerr))
		}
	}
	return nil, fmt.Errorf("could not settle on a secret at %s", path)
}

func serviceName() string {
	if s := os.Getenv("OC_KEYRING_SERVICE"); s != "" {
		return s
	}
	return keyringService
}

func newSecret() []byte {
	b := make([]byte, secretSize)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return b
}

func decodeSecret(encoded string) ([]byte, error) {
	secret, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid signing secret encoding: %w", err)
	}
	if len(secret) != secretSize {
		return nil, fmt.Errorf("signing secret is %d bytes, want %d", len(secret), secretSize)
	}
	return secret, nil
}

package auth

import (
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"

	"github.com/falleco/open-commander/internal/log"
	"github.com/falleco/open-commander/internal/store"
)

const bootstrapKeyAccount = "bootstrap-api-key"

// Bootstrap makes sure the broker is usable on first run: an admin user
// exists and that user holds at least one API key. A freshly minted key's
// plaintext is returned (and stashed in the OS keychain so `commander keys
// show-bootstrap` can print it later); on later runs plaintext is empty.
func Bootstrap(st *store.Store) (*store.User, string, error) {
	admin, err := st.FirstAdmin()
	if errors.Is(err, store.ErrNotFound) {
		admin, err = st.CreateUser("admin", "Administrator", true)
		if err != nil {
			return nil, "", fmt.Errorf("creating admin user: %w", err)
		}
		log.Info("created admin user", "id", admin.ID)
	} else if err != nil {
		return nil, "", err
	}

	keys, err := st.APIKeysForUser(admin.ID)
	if err != nil {
		return nil, "", err
	}
	if len(keys) > 0 {
		return admin, "", nil
	}

	plaintext, id, hash, err := GenerateKey()
	if err != nil {
		return nil, "", err
	}
	if _, err := st.CreateAPIKey(id, admin.ID, "bootstrap", hash); err != nil {
		return nil, "", fmt.Errorf("storing bootstrap key: %w", err)
	}

	if err := keyring.Set(serviceName(), bootstrapKeyAccount, plaintext); err != nil {
		log.Debug("stashing bootstrap key in keychain failed", "error", err)
	}
	log.Info("created bootstrap api key", "id", id)
	return admin, plaintext, nil
}

// BootstrapKey retrieves the stashed bootstrap key plaintext, if the
// keychain still has it.
func BootstrapKey() (string, error) {
	key, err := keyring.Get(serviceName(), bootstrapKeyAccount)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", fmt.Errorf("no bootstrap key stashed: %w", err)
		}
		return "", err
	}
	return key, nil
}

// Package ingress is the seam for the per-session ingress helper, the
// sidecar container that publishes a session's dev-server ports. The
// helper itself is managed out of process; commander only tears it down
// when the session stops.
package ingress

import (
	"context"
	"errors"

	"github.com/falleco/open-commander/internal/docker"
	"github.com/falleco/open-commander/internal/store"
)

// Cleaner tears down whatever ingress state a session accumulated.
type Cleaner interface {
	Cleanup(ctx context.Context, sessionID string) error
}

// HelperName returns the container name of a session's ingress helper.
func HelperName(sessionID string) string {
	return "oc-ingress-" + sessionID
}

// DriverCleaner removes the helper container and the session's persisted
// port mappings. Both steps run even when one fails; the combined error
// reports everything that went wrong.
type DriverCleaner struct {
	Driver docker.Driver
	Store  *store.Store
}

func (c *DriverCleaner) Cleanup(ctx context.Context, sessionID string) error {
	var errs []error
	if err := c.Driver.SafeRemove(ctx, HelperName(sessionID)); err != nil {
		errs = append(errs, err)
	}
	if err := c.Store.DeletePortMappings(sessionID); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// NopCleaner ignores cleanup requests. Useful in tests and in deployments
// that run without an ingress helper.
type NopCleaner struct{}

func (NopCleaner) Cleanup(context.Context, string) error { return nil }

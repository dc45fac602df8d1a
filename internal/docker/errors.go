package docker

import (
	"errors"
	"fmt"
	"strings"

	"github.com/containerd/errdefs"
)

// Kind classifies driver failures that callers branch on. The session
// service's create loop retries LayerLocked and recovers from NameConflict;
// everything else aborts the attempt.
type Kind int

const (
	KindOther Kind = iota
	KindNameConflict
	KindLayerLocked
	KindImageMissing
)

// String returns the kind name for logs.
func (k Kind) String() string {
	switch k {
	case KindNameConflict:
		return "name_conflict"
	case KindLayerLocked:
		return "layer_locked"
	case KindImageMissing:
		return "image_missing"
	default:
		return "other"
	}
}

// Error wraps an engine failure with the operation, the container or image
// name it concerned, and a classification kind.
type Error struct {
	Kind Kind
	Op   string
	Name string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("docker %s %s: %v", e.Op, e.Name, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// classify wraps err in an *Error with the kind inferred from the engine's
// response. The engine does not expose layer-lock contention as a typed
// error, so that case falls back to message matching.
func classify(op, name string, err error) error {
	if err == nil {
		return nil
	}

	e := &Error{Kind: KindOther, Op: op, Name: name, Err: err}
	msg := strings.ToLower(err.Error())

	switch {
	case errdefs.IsConflict(err), strings.Contains(msg, "already in use"):
		e.Kind = KindNameConflict
	case strings.Contains(msg, "layer") && strings.Contains(msg, "lock"):
		e.Kind = KindLayerLocked
	case strings.Contains(msg, "no such image"),
		strings.Contains(msg, "manifest unknown"),
		strings.Contains(msg, "repository does not exist"):
		e.Kind = KindImageMissing
	case op == "pull" && errdefs.IsNotFound(err):
		e.Kind = KindImageMissing
	}

	return e
}

// KindOf extracts the classification kind, KindOther when err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindOther
}

// IsNameConflict reports whether err is a container-name collision.
func IsNameConflict(err error) bool {
	return KindOf(err) == KindNameConflict
}

// IsLayerLocked reports whether err is image-layer contention from a
// concurrent pull or extract.
func IsLayerLocked(err error) bool {
	return KindOf(err) == KindLayerLocked
}

// IsImageMissing reports whether err means the image is absent locally and
// from the registry.
func IsImageMissing(err error) bool {
	return KindOf(err) == KindImageMissing
}

// IsNotFound reports whether err means the named container (or network)
// does not exist. Works through wrapping.
func IsNotFound(err error) bool {
	return errdefs.IsNotFound(err)
}

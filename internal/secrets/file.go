package secrets

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"
)

// FileResolver resolves file:///path references by reading the file.
type FileResolver struct{}

// Scheme returns "file".
func (r *FileResolver) Scheme() string {
	return "file"
}

// Resolve reads the referenced file and returns its contents with trailing
// whitespace trimmed. Files readable by group or world are rejected: a
// token file that loose was possibly copied around and should be rotated.
func (r *FileResolver) Resolve(ctx context.Context, reference string) (string, error) {
	path := strings.TrimPrefix(reference, "file://")
	if path == "" || path == reference || !strings.HasPrefix(path, "/") {
		return "", &InvalidReferenceError{Reference: reference, Reason: "expected file:///absolute/path"}
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", &NotFoundError{Reference: reference, Backend: "file"}
		}
		return "", &BackendError{Backend: "file", Reference: reference, Reason: err.Error()}
	}

	// Windows has no usable permission bits.
	if runtime.GOOS != "windows" {
		if perm := info.Mode().Perm(); perm&0o077 != 0 {
			return "", &BackendError{
				Backend:   "file",
				Reference: reference,
				Reason:    fmt.Sprintf("permissions %04o are too open", perm),
				Fix:       "Run: chmod 600 " + path,
			}
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", &BackendError{Backend: "file", Reference: reference, Reason: err.Error()}
	}

	v := strings.TrimRight(string(data), "\r\n")
	if v == "" {
		return "", &NotFoundError{Reference: reference, Backend: "file"}
	}
	return v, nil
}

func init() {
	Register(&FileResolver{})
}

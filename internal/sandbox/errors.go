package sandbox

import (
	"errors"
	"strings"

	"github.com/docker/docker/errdefs"
)

// Driver failure classes. Callers branch on these instead of runtime-specific
// error types.
var (
	ErrNotFound   = errors.New("sandbox not found")
	ErrConflict   = errors.New("sandbox name in use")
	ErrTransient  = errors.New("container runtime unreachable")
	ErrPermission = errors.New("permission denied by container runtime")
	ErrResource   = errors.New("container runtime out of resources")
)

// Classify maps a runtime error onto one of the driver failure classes,
// returning nil for nil and the original error when no class applies.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrConflict),
		errors.Is(err, ErrTransient), errors.Is(err, ErrPermission),
		errors.Is(err, ErrResource):
		return err
	case errdefs.IsNotFound(err):
		return ErrNotFound
	case errdefs.IsConflict(err):
		return ErrConflict
	case errdefs.IsUnauthorized(err), errdefs.IsForbidden(err):
		return ErrPermission
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "no such container"):
		return ErrNotFound
	case strings.Contains(msg, "is already in use"):
		return ErrConflict
	case strings.Contains(msg, "no space left on device"),
		strings.Contains(msg, "cannot allocate memory"):
		return ErrResource
	case strings.Contains(msg, "cannot connect to the docker daemon"),
		strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "i/o timeout"):
		return ErrTransient
	case strings.Contains(msg, "permission denied"):
		return ErrPermission
	}
	return err
}

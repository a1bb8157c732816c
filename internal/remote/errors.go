package remote

import "errors"

// Error taxonomy of the remote store, mirrored from the backend SDK's
// status codes. Implementations wrap these sentinels so callers can
// classify with errors.Is.
var (
	ErrNotFound         = errors.New("remote: not found")
	ErrPermissionDenied = errors.New("remote: permission denied")
	ErrUnavailable      = errors.New("remote: unavailable")
	ErrDeadlineExceeded = errors.New("remote: deadline exceeded")
)

// IsTransient reports whether err is worth retrying: the store was
// unreachable or slow, not wrong.
func IsTransient(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, ErrDeadlineExceeded)
}

// IsPermission reports whether err is a permission failure. Permission
// failures are treated as "no data" rather than propagated, so guest
// identities never crash the app.
func IsPermission(err error) bool {
	return errors.Is(err, ErrPermissionDenied)
}

// IsNotFound reports whether err means the record does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

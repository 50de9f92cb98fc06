package pollcache

import "github.com/jmgilman/go/errors"

var errClosed = errors.New(errors.CodeUnavailable, "cache is closed")

// IsCallerError reports whether err was caused by invalid arguments or
// configuration rather than by the store.
func IsCallerError(err error) bool {
	switch errors.GetCode(err) {
	case errors.CodeInvalidInput, errors.CodeInvalidConfig,
		errors.CodeCUEValidationFailed, errors.CodeCUEBuildFailed:
		return true
	default:
		return false
	}
}

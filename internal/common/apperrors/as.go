package apperrors

import "errors"

// As is errors.As, re-exported so callers importing apperrors don't need both.
func As(err error, target any) bool {
	return errors.As(err, target)
}

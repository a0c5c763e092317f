// Package apperrors provides chainable application errors. Every error
// derived from a sentinel with New, Msg, MsgErr or Err still matches the
// sentinel (and all of its ancestors) under errors.Is.
package apperrors

type Error interface {
	Error() string
	// ErrorAll renders the message followed by every wrapped cause.
	ErrorAll() string
	// New derives a child sentinel that inherits the status code.
	New(msg string) Error
	// Msg returns a copy of the error carrying a different message.
	Msg(msg string) Error
	// MsgErr returns a copy with a different message and extra causes.
	MsgErr(msg string, err ...error) Error
	// Err returns a copy that also wraps the given causes.
	Err(err ...error) Error
	Unwrap() []error
	Is(target error) bool
	SetStatusCode(code int) Error
	StatusCode() int
}

package apperrors

import "strings"

type appError struct {
	msg        string
	base       *appError
	causes     []error
	statuscode int
}

func (e *appError) Error() string {
	return e.msg
}

func (e *appError) ErrorAll() string {
	if len(e.causes) == 0 {
		return e.msg
	}
	parts := make([]string, 0, len(e.causes))
	for _, c := range e.causes {
		if c == nil {
			continue
		}
		parts = append(parts, c.Error())
	}
	if len(parts) == 0 {
		return e.msg
	}
	return e.msg + ": " + strings.Join(parts, "; ")
}

func (e *appError) Unwrap() []error {
	return e.causes
}

func (e *appError) New(msg string) Error {
	return &appError{
		msg:        msg,
		base:       e,
		statuscode: e.statuscode,
	}
}

// derive makes a sibling of e that shares its ancestry, so sentinels are
// never mutated by callers attaching context.
func (e *appError) derive() *appError {
	base := e
	c := &appError{
		msg:        e.msg,
		base:       base,
		statuscode: e.statuscode,
	}
	c.causes = append(c.causes, e.causes...)
	return c
}

func (e *appError) Msg(msg string) Error {
	c := e.derive()
	c.msg = msg
	return c
}

func (e *appError) MsgErr(msg string, err ...error) Error {
	c := e.derive()
	c.msg = msg
	c.causes = append(c.causes, err...)
	return c
}

func (e *appError) Err(err ...error) Error {
	c := e.derive()
	c.causes = append(c.causes, err...)
	return c
}

func (e *appError) Is(target error) bool {
	for cur := e; cur != nil; cur = cur.base {
		if cur == target {
			return true
		}
	}
	return false
}

// SetStatusCode mutates the receiver and is meant for building sentinels.
func (e *appError) SetStatusCode(code int) Error {
	e.statuscode = code
	return e
}

func (e *appError) StatusCode() int {
	return e.statuscode
}

func New(msg string) Error {
	return &appError{msg: msg}
}

// StatusCode returns the status code of the first apperrors.Error found in
// err's chain, or fallback when there is none.
func StatusCode(err error, fallback int) int {
	var ae Error
	if As(err, &ae) && ae.StatusCode() != 0 {
		return ae.StatusCode()
	}
	return fallback
}

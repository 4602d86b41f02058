package executor

import (
	"net/http"
	"time"
)

// statusErr carries an upstream HTTP status through the error chain so
// handlers can mirror it to the client. cause, when set, lets callers match
// the failure class with errors.Is.
type statusErr struct {
	code       int
	msg        string
	cause      error
	retryAfter *time.Duration
}

func (e statusErr) Error() string {
	if e.msg != "" {
		return e.msg
	}
	return http.StatusText(e.code)
}

func (e statusErr) Unwrap() error { return e.cause }

func (e statusErr) StatusCode() int { return e.code }

func (e statusErr) RetryAfter() (time.Duration, bool) {
	if e.retryAfter == nil {
		return 0, false
	}
	return *e.retryAfter, true
}

// StatusCode extracts an HTTP status from an error produced by this package.
func StatusCode(err error) (int, bool) {
	type coder interface{ StatusCode() int }
	if sc, ok := err.(coder); ok {
		return sc.StatusCode(), true
	}
	return 0, false
}

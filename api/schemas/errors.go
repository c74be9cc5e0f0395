// File: api/schemas/errors.go
package schemas

import (
	"errors"
	"fmt"
)

// NavReason is the sub-classification of a navigation failure.
type NavReason string

const (
	NavTimeout NavReason = "timeout"
	NavNetwork NavReason = "network"
	NavHTTP4xx NavReason = "http-4xx"
	NavHTTP5xx NavReason = "http-5xx"
)

// NavigationError terminates a run immediately; no further steps execute.
type NavigationError struct {
	Reason NavReason
	URL    string
	Err    error
}

func (e *NavigationError) Error() string {
	return fmt.Sprintf("navigation failed (%s) for %s: %v", e.Reason, e.URL, e.Err)
}

func (e *NavigationError) Unwrap() error { return e.Err }

var (
	// ErrDisplayUnavailable means no display slot was free and none was
	// inherited; callers degrade to headless mode instead of failing the run.
	ErrDisplayUnavailable = errors.New("no virtual display slot available")

	// ErrCaptchaUnsolved is terminal for a run whose policy requires a
	// solved challenge.
	ErrCaptchaUnsolved = errors.New("captcha unsolved")

	// ErrSubmitAmbiguous marks post-submit pages matching neither a success
	// phrase nor a recognized error banner.
	ErrSubmitAmbiguous = errors.New("submit verification ambiguous: no success or error phrase matched")

	// ErrNoForm means the page exposed no fillable form at all.
	ErrNoForm = errors.New("no candidate form found on page")
)

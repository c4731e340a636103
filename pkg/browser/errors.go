package browser

import (
	"errors"
	"fmt"
)

var (
	ErrUnavailable     = errors.New("browser runtime unavailable")
	ErrNotImplemented  = errors.New("browser operation not implemented")
	ErrSessionClosed   = errors.New("browser session closed")
	ErrSessionNotFound = errors.New("browser session not found")
	ErrNotAttachable   = errors.New("browser session cannot be attached from another process")
)

// LaunchError wraps a failed session launch with the browser it was for.
type LaunchError struct {
	BrowserID string
	Err       error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch %s: %v", e.BrowserID, e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

// IsSessionGone reports whether err means the session no longer exists.
func IsSessionGone(err error) bool {
	return errors.Is(err, ErrSessionClosed) || errors.Is(err, ErrSessionNotFound)
}

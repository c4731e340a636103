package pool

import (
	"errors"
	"fmt"

	gerrors "github.com/odvcencio/gridrunner/pkg/errors"
)

// ErrCancelled matches every CancelledError through errors.Is.
var ErrCancelled = errors.New("browser pool cancelled")

// ErrPoolTerminated is returned by a cancelled BrowserPool.
var ErrPoolTerminated error = &CancelledError{Reason: "browser pool terminated"}

// CancelledError reports a request the pool refused or dropped because it
// was cancelled.
type CancelledError struct {
	BrowserID string
	Reason    string
}

func (e *CancelledError) Error() string {
	if e.BrowserID == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.BrowserID)
}

// Is makes errors.Is(err, ErrCancelled) hold.
func (e *CancelledError) Is(target error) bool {
	return target == ErrCancelled
}

func cancelled(browserID string) error {
	return &CancelledError{BrowserID: browserID, Reason: "browser request was cancelled"}
}

func acquisitionError(err error, browserID, msg string) error {
	if errors.Is(err, ErrCancelled) {
		return err
	}
	if err == nil {
		return gerrors.New(gerrors.ErrCodeAcquisition, msg).WithContext("browser", browserID)
	}
	return gerrors.Wrap(err, gerrors.ErrCodeAcquisition, msg).WithContext("browser", browserID)
}

func releaseError(err error, b string, sessionID string) error {
	if err == nil {
		return nil
	}
	return gerrors.Wrap(err, gerrors.ErrCodeRelease, "failed to release session").
		WithContext("browser", b).
		WithContext("session", sessionID)
}

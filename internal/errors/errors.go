package errors

import (
	"context"
	"errors"
)

// Failure taxonomy of the moderation core. Detectors and gates never
// return an error for "no trigger"; only these conditions propagate.
var (
	ErrInvalidEvent   = errors.New("invalid event data")
	ErrRetryExhausted = errors.New("retries exhausted")
	ErrSuperseded     = errors.New("action superseded")
	ErrNoPrivileges   = errors.New("no privileges")
)

func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

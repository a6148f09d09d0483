// SPDX-License-Identifier: MIT
//
// Copyright © 2020 Kent Gibson <warthog618@gmail.com>.

package adcbuf

import (
	"github.com/pkg/errors"
)

var (
	// ErrAlreadyOpen indicates Open was called on an engine that is not closed.
	ErrAlreadyOpen = errors.New("already open")

	// ErrInvalidArgument indicates a parameter or conversion request is invalid.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrBusy indicates the engine is not idle.
	ErrBusy = errors.New("busy")

	// ErrTimeout indicates a blocking conversion did not complete within the
	// configured timeout. Partial data is discarded.
	ErrTimeout = errors.New("timeout")

	// ErrCancelled indicates the campaign was aborted before completion.
	ErrCancelled = errors.New("cancelled")

	// ErrHardwareFault indicates the transfer engine failed mid campaign.
	ErrHardwareFault = errors.New("hardware fault")

	// ErrNotRunning indicates there is no campaign to cancel or continue.
	ErrNotRunning = errors.New("not running")

	// ErrResourceBusy indicates the buffer is still being filled.
	ErrResourceBusy = errors.New("resource busy")
)

// faultError carries the transfer error that ended a campaign.
//
// It matches ErrHardwareFault with errors.Is and unwraps to the cause.
type faultError struct {
	cause error
}

func (e faultError) Error() string {
	return ErrHardwareFault.Error() + ": " + e.cause.Error()
}

func (e faultError) Is(target error) bool {
	return target == ErrHardwareFault
}

func (e faultError) Unwrap() error {
	return e.cause
}

func invalidArgument(format string, args ...interface{}) error {
	return errors.Wrapf(ErrInvalidArgument, format, args...)
}

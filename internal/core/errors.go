// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package core

// Error is our own defined error type so that engine components can pass
// status around as a plain integer and the boundary can still hand a real
// 'error' to callers.
type Error int

const (
	// NoError means no error.
	NoError = Error(iota)

	//------ Request-level errors ------//

	// ErrWouldBlock is returned when a nowait request could not proceed
	// without suspending, e.g. at the barrier or behind a blocked device.
	ErrWouldBlock

	// ErrNoMedia is returned when no viable copy exists to serve a read.
	ErrNoMedia

	// ErrBadBlock is returned when an access overlaps a recorded bad region
	// and cannot be narrowed around it.
	ErrBadBlock

	// ErrAtomicity is returned when an atomic write range crosses a known
	// bad block; narrowing is not atomic so we refuse up front.
	ErrAtomicity

	// ErrReshapeConflict is returned when a nowait request overlaps the
	// in-progress reshape window.
	ErrReshapeConflict

	// ErrDiscardTooSmall is returned for a discard shorter than two stripes;
	// such a discard cannot be stripe-aligned and is not attempted.
	ErrDiscardTooSmall

	//------ Device-level errors ------//

	// ErrDeviceFault is a hardware I/O failure reported by a device.
	ErrDeviceFault

	// ErrIO is an OS-level I/O error from a backing file or device.
	ErrIO

	// ErrShortIO is returned when a device transfers less data than asked
	// for, in a context where that is unexpected.
	ErrShortIO

	// ErrDeviceBlocked is returned when a device stayed blocked past the
	// configured deadline.
	ErrDeviceBlocked

	//------ Array-level errors ------//

	// ErrArrayBroken means losing a device left some block with zero copies.
	ErrArrayBroken

	// ErrUnrecoverable means no readable source exists for a region being
	// recovered.
	ErrUnrecoverable

	// ErrAllocation is returned when a split or clone could not be allocated.
	ErrAllocation

	// ErrStopped is returned for operations on an array after Stop.
	ErrStopped

	// ErrInvalidArgument is returned if an argument is bad or confusing
	// (eg negative size, unaligned resize).
	ErrInvalidArgument

	// ErrNotYetImplemented is returned if the method or feature isn't
	// implemented yet.
	ErrNotYetImplemented

	// ErrCorruptData is returned when persisted metadata fails its magic,
	// version or checksum validation.
	ErrCorruptData
)

var description = map[Error]string{
	NoError: "no error",

	// Request level.
	ErrWouldBlock:      "request would block",
	ErrNoMedia:         "no viable copy to serve request",
	ErrBadBlock:        "range overlaps a recorded bad block",
	ErrAtomicity:       "atomic write crosses a bad block",
	ErrReshapeConflict: "range overlaps in-progress reshape window",
	ErrDiscardTooSmall: "discard smaller than two stripes",

	// Device level.
	ErrDeviceFault:   "device I/O failure",
	ErrIO:            "I/O level error",
	ErrShortIO:       "short transfer in unexpected context",
	ErrDeviceBlocked: "device blocked past deadline",

	// Array level.
	ErrArrayBroken:       "array has a block with zero copies",
	ErrUnrecoverable:     "no readable source for recovery",
	ErrAllocation:        "failed to allocate split/clone",
	ErrStopped:           "operation on array after it has been stopped",
	ErrInvalidArgument:   "invalid argument",
	ErrNotYetImplemented: "not yet implemented",
	ErrCorruptData:       "persisted metadata failed validation",
}

// String returns a human readable error message.
func (e Error) String() string {
	if s, ok := description[e]; ok {
		return s
	}
	return "NO DESCRIPTION FOR ERROR FIX THIS"
}

// Error returns a golang error object with an error message corresponding to
// this core.Error.
func (e Error) Error() error {
	if e == NoError {
		return nil
	}
	return goError(e)
}

// Is checks whether the generic Go error 'g' is actually the receiver error
// underneath.
func (e Error) Is(g error) bool {
	b, ok := g.(goError)
	return ok && (Error)(b) == e
}

// goError is a wrapper type to make our Error act like Go's 'error'.
type goError Error

// Error implements the 'error' interface.
func (g goError) Error() string {
	return (Error)(g).String()
}

// RaidError gets the underlying core.Error from an error.
func RaidError(err error) (Error, bool) {
	e, ok := err.(goError)
	return Error(e), ok
}

// IsRetriableError checks if the caller should retry on a given returned
// error. We consider errors that might be transient to be retriable.
func IsRetriableError(err Error) bool {
	switch err {
	case
		// The barrier or a blocked device will clear.
		ErrWouldBlock,
		// Reshape will move past the window.
		ErrReshapeConflict,
		// Pool pressure is transient.
		ErrAllocation:
		return true
	}
	return false
}

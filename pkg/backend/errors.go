package backend

import (
	"errors"
	"fmt"

	"github.com/fxnlabs/hash-backend/internal/algo"
	"github.com/fxnlabs/hash-backend/internal/allocator"
	"github.com/fxnlabs/hash-backend/internal/gpu"
	"github.com/fxnlabs/hash-backend/internal/registry"
	"github.com/fxnlabs/hash-backend/internal/runner"
)

// Code is a boundary result code. Values are stable: new codes are only
// ever appended.
type Code int32

const (
	CodeOK Code = iota
	CodeDeviceQueryFailed
	CodeInvalidDevice
	CodeAllocationFailed
	CodeUnsupportedAlgorithm
	CodeLaunchFailure
	CodeDeviceLost
	CodeBusy
	CodeInvalidHandle
	CodeInvalidArgument
	CodeNoJob
	CodeVersionMismatch
	CodeInternal
)

var codeNames = [...]string{
	CodeOK:                   "OK",
	CodeDeviceQueryFailed:    "DeviceQueryFailed",
	CodeInvalidDevice:        "InvalidDevice",
	CodeAllocationFailed:     "AllocationFailed",
	CodeUnsupportedAlgorithm: "UnsupportedAlgorithm",
	CodeLaunchFailure:        "LaunchFailure",
	CodeDeviceLost:           "DeviceLost",
	CodeBusy:                 "Busy",
	CodeInvalidHandle:        "InvalidHandle",
	CodeInvalidArgument:      "InvalidArgument",
	CodeNoJob:                "NoJob",
	CodeVersionMismatch:      "VersionMismatch",
	CodeInternal:             "Internal",
}

func (c Code) String() string {
	if c >= 0 && int(c) < len(codeNames) {
		return codeNames[c]
	}
	return fmt.Sprintf("Code(%d)", int32(c))
}

// Error is the only error type returned across the boundary.
type Error struct {
	Code    Code
	Message string

	// Set for CodeAllocationFailed.
	Requested int64
	Available int64
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code.String()
	}
	return e.Code.String() + ": " + e.Message
}

// Is matches boundary errors by code.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Code == e.Code
	}
	return false
}

var (
	ErrInvalidHandle   = &Error{Code: CodeInvalidHandle, Message: "unknown context handle"}
	ErrVersionMismatch = &Error{Code: CodeVersionMismatch}
	ErrReleased        = &Error{Code: CodeInvalidHandle, Message: "backend released"}
)

// CodeOf classifies err. Context loss is checked before its cause so a lost
// context always reports DeviceLost.
func CodeOf(err error) Code {
	var be *Error
	var allocErr *allocator.AllocationError
	switch {
	case err == nil:
		return CodeOK
	case errors.As(err, &be):
		return be.Code
	case errors.Is(err, gpu.ErrDeviceQueryFailed):
		return CodeDeviceQueryFailed
	case errors.Is(err, gpu.ErrDeviceNotFound):
		return CodeInvalidDevice
	case errors.As(err, &allocErr), errors.Is(err, gpu.ErrOutOfMemory):
		return CodeAllocationFailed
	case errors.Is(err, registry.ErrUnsupportedAlgorithm):
		return CodeUnsupportedAlgorithm
	case errors.Is(err, allocator.ErrContextLost):
		return CodeDeviceLost
	case errors.Is(err, gpu.ErrLaunchFailed):
		return CodeLaunchFailure
	case errors.Is(err, gpu.ErrDeviceLost):
		return CodeDeviceLost
	case errors.Is(err, runner.ErrBusy):
		return CodeBusy
	case errors.Is(err, allocator.ErrContextClosed):
		return CodeInvalidHandle
	case errors.Is(err, runner.ErrNoJob):
		return CodeNoJob
	case errors.Is(err, runner.ErrInvalidJob),
		errors.Is(err, runner.ErrAlgorithmMismatch),
		errors.Is(err, allocator.ErrInvalidGridSize),
		errors.Is(err, algo.ErrBlobTooShort),
		errors.Is(err, algo.ErrBlobTooLong):
		return CodeInvalidArgument
	default:
		return CodeInternal
	}
}

// toError converts an internal error into its boundary form.
func toError(err error) *Error {
	if err == nil {
		return nil
	}
	var be *Error
	if errors.As(err, &be) {
		return be
	}
	e := &Error{Code: CodeOf(err), Message: err.Error()}
	var allocErr *allocator.AllocationError
	if errors.As(err, &allocErr) {
		e.Requested = allocErr.Requested
		e.Available = allocErr.Available
	}
	return e
}

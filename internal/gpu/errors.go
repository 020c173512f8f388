package gpu

import "errors"

var (
	ErrDeviceQueryFailed = errors.New("device query failed")
	ErrDeviceNotFound    = errors.New("device not found")
	ErrOutOfMemory       = errors.New("out of device memory")
	ErrLaunchFailed      = errors.New("kernel launch failed")
	ErrDeviceLost        = errors.New("device lost")
	ErrStreamClosed      = errors.New("stream closed")
	ErrForeignBuffer     = errors.New("buffer belongs to another device")
	ErrUnknownDriver     = errors.New("unknown driver")
)

// IsDeviceFailure reports whether err means the device or its stream can no
// longer be trusted.
func IsDeviceFailure(err error) bool {
	return errors.Is(err, ErrLaunchFailed) || errors.Is(err, ErrDeviceLost)
}

package gpu

import (
	"context"
	"fmt"
)

// DeviceInfo describes one physical device. It is captured once at enumeration
// time and never mutated afterwards.
type DeviceInfo struct {
	Index            int    `json:"index"`
	Name             string `json:"name"`
	Tier             int    `json:"tier"`            // compute capability, major*10+minor
	TotalMemory      int64  `json:"totalMemory"`     // in bytes
	AvailableMemory  int64  `json:"availableMemory"` // in bytes, at enumeration
	Multiprocessors  int    `json:"multiprocessors"`
	ClockMHz         int    `json:"clockMHz"`
	MemoryClockMHz   int    `json:"memoryClockMHz"`
	AllocGranularity int64  `json:"allocGranularity"` // in bytes
	PCIBus           int    `json:"pciBus"`
	PCIDevice        int    `json:"pciDevice"`
	PCIDomain        int    `json:"pciDomain"`
	Driver           string `json:"driver"`
}

// ComputeCapability renders the tier the way vendor tools print it, e.g. "8.6".
func (d DeviceInfo) ComputeCapability() string {
	return fmt.Sprintf("%d.%d", d.Tier/10, d.Tier%10)
}

// Driver is the platform GPU runtime the backend runs on top of.
//
// Implementation notes:
//   - Probe is called exactly once per process by Enumerate
//   - Devices returned by Open are owned by the caller and must be closed
//   - Drivers must be safe for concurrent use across devices
type Driver interface {
	// Name is the registry name of the driver, e.g. "emu" or "cuda".
	Name() string

	// Version returns the runtime and kernel driver versions encoded as
	// major*1000+minor*10, matching what CUDA reports.
	Version() (runtime, driver int)

	// Probe queries the platform for its devices.
	Probe() ([]DeviceInfo, error)

	// Open returns a handle to the device at index. Each call returns an
	// independent handle; memory accounting is shared per physical device.
	Open(index int) (Device, error)
}

// Device is an opened physical device.
type Device interface {
	Info() DeviceInfo

	// MemInfo returns the free and total device memory in bytes.
	MemInfo() (free, total int64)

	// Alloc reserves size bytes of device memory. It fails with ErrOutOfMemory
	// and never returns a smaller allocation.
	Alloc(size int64) (Buffer, error)

	// AllocHost reserves page-locked host memory usable as an async copy
	// source or destination.
	AllocHost(size int64) ([]byte, error)

	// NewStream creates an in-order execution queue on the device.
	NewStream() (Stream, error)

	Close() error
}

// Buffer is a region of device memory.
type Buffer interface {
	Size() int64

	// Free releases the region. Freeing twice is a no-op.
	Free() error
}

// Stream is an in-order command queue. All enqueue methods return as soon as
// the command is queued; failures during execution are sticky and surface
// through the next Event.
type Stream interface {
	CopyToDevice(dst Buffer, offset int64, src []byte) error
	CopyToHost(dst []byte, src Buffer, offset int64) error
	Launch(k *Kernel, cfg LaunchConfig, bufs []Buffer, args []uint64) error

	// Record enqueues a marker that completes once all previously enqueued
	// commands have finished.
	Record() (Event, error)

	// Synchronize blocks until the stream drains or ctx is done.
	Synchronize(ctx context.Context) error

	Close() error
}

// Event signals completion of the commands enqueued before it.
type Event interface {
	Done() <-chan struct{}

	// Err is valid once Done is closed.
	Err() error
}

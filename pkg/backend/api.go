// Package backend is the versioned boundary between a mining host and the
// device execution engine. The host binds the API function table, checks
// its Version before anything else, and refers to device contexts only
// through opaque handles.
package backend

import (
	"github.com/fxnlabs/hash-backend/internal/algo"
	"github.com/fxnlabs/hash-backend/internal/version"
)

// Version is the ABI number of this build.
const Version uint32 = version.ABI

// Handle identifies an open device context. Zero is never a valid handle.
type Handle uint64

// DeviceInfo is the boundary view of a device descriptor.
type DeviceInfo struct {
	Index           int    `json:"index"`
	Name            string `json:"name"`
	Tier            int    `json:"tier"`
	TotalMemory     int64  `json:"totalMemory"`
	AvailableMemory int64  `json:"availableMemory"`
	Multiprocessors int    `json:"multiprocessors"`
	ClockMHz        int    `json:"clockMHz"`
	MemoryClockMHz  int    `json:"memoryClockMHz"`
	PCIBus          int    `json:"pciBus"`
	PCIDevice       int    `json:"pciDevice"`
	PCIDomain       int    `json:"pciDomain"`
}

// Job asks for Count hashes of Blob starting at StartNonce. A zero Count
// covers the whole grid. Algorithm and Variant are optional and checked
// against the context when set.
type Job struct {
	Algorithm  string
	Variant    string
	Blob       []byte
	StartNonce uint32
	Count      int
	Target     uint64
}

// JobResult carries one hash per nonce and the nonces meeting the target.
type JobResult struct {
	StartNonce    uint32
	Hashes        [][algo.HashSize]byte
	Valid         []bool
	Nonces        []uint32
	ElapsedMicros int64
}

// PollStatus is the state reported by Poll and Wait.
type PollStatus int32

const (
	PollPending PollStatus = iota
	PollReady
	PollFailed
)

func (s PollStatus) String() string {
	switch s {
	case PollPending:
		return "Pending"
	case PollReady:
		return "Ready"
	default:
		return "Failed"
	}
}

// PollResult is Pending, Ready with a Result, or Failed with Err.
type PollResult struct {
	Status PollStatus
	Result *JobResult
	Err    *Error
}

// API is the function table handed to the host. Version is the first field
// and the only one a host may read before checking it. Functions are never
// removed or reordered; new ones are appended.
type API struct {
	Version uint32

	PluginVersion   func() string
	DriverVersion   func() (runtime, driver int)
	DeviceCount     func() int
	DeviceInfo      func(index int) (DeviceInfo, error)
	SuggestGridSize func(index int, algorithm, variant string) (int, error)
	ContextOpen     func(index int, algorithm, variant string, grid int) (Handle, error)
	ContextResize   func(h Handle, grid int) error
	ContextClose    func(h Handle) error
	Submit          func(h Handle, job Job) error
	Poll            func(h Handle) PollResult
	// Wait blocks up to timeoutMillis. Zero polls, a negative timeout waits
	// until the job leaves the device.
	Wait      func(h Handle, timeoutMillis int64) PollResult
	LastError func(h Handle) string
	Release   func() error
}

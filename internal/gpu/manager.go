package gpu

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// DriverFactory builds a driver instance.
type DriverFactory func(logger *zap.Logger) (Driver, error)

var (
	driversMu sync.RWMutex
	drivers   = map[string]DriverFactory{
		DriverEmu: func(logger *zap.Logger) (Driver, error) {
			return NewEmuDriver(DefaultEmuDevices(), logger), nil
		},
	}
)

// RegisterDriver makes a driver available under name. Native drivers live in
// cgo packages that call this from init.
func RegisterDriver(name string, factory DriverFactory) {
	driversMu.Lock()
	defer driversMu.Unlock()
	drivers[name] = factory
}

// Drivers lists the registered driver names.
func Drivers() []string {
	driversMu.RLock()
	defer driversMu.RUnlock()
	names := make([]string, 0, len(drivers))
	for name := range drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultDriverName returns the driver used when none is configured: the
// build's native driver once it has registered, otherwise the emulator.
func DefaultDriverName() string {
	driversMu.RLock()
	defer driversMu.RUnlock()
	if _, ok := drivers[defaultDriver]; ok {
		return defaultDriver
	}
	return DriverEmu
}

// NewDriver creates the driver registered as name. An empty name selects the
// build's default driver.
func NewDriver(name string, logger *zap.Logger) (Driver, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if name == "" {
		name = DefaultDriverName()
		if name != defaultDriver {
			logger.Warn("Native driver not linked, using the emulator", zap.String("driver", defaultDriver))
		}
	}
	driversMu.RLock()
	factory, ok := drivers[name]
	driversMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, name)
	}
	return factory(logger)
}

// DeviceTable is the immutable snapshot of the devices found at startup.
type DeviceTable struct {
	driver  Driver
	devices []DeviceInfo
	logger  *zap.Logger
}

// Enumerate probes driver once and records its devices. A failed probe is
// fatal for the backend and reported as ErrDeviceQueryFailed.
func Enumerate(driver Driver, logger *zap.Logger) (*DeviceTable, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if driver == nil {
		return nil, fmt.Errorf("%w: no driver", ErrDeviceQueryFailed)
	}
	infos, err := driver.Probe()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDeviceQueryFailed, driver.Name(), err)
	}

	t := &DeviceTable{
		driver:  driver,
		devices: append([]DeviceInfo(nil), infos...),
		logger:  logger.Named("devices"),
	}
	for i := range t.devices {
		t.devices[i].Index = i
		t.devices[i].Driver = driver.Name()
		d := t.devices[i]
		t.logger.Info("GPU device found",
			zap.Int("index", d.Index),
			zap.String("name", d.Name),
			zap.String("compute_capability", d.ComputeCapability()),
			zap.Int("multiprocessors", d.Multiprocessors),
			zap.Int64("total_memory_mb", d.TotalMemory/(1024*1024)))
	}
	return t, nil
}

// Driver returns the driver the table was probed from.
func (t *DeviceTable) Driver() Driver {
	return t.driver
}

// Count returns the number of devices.
func (t *DeviceTable) Count() int {
	return len(t.devices)
}

// Devices returns a copy of all descriptors.
func (t *DeviceTable) Devices() []DeviceInfo {
	return append([]DeviceInfo(nil), t.devices...)
}

// Describe returns the descriptor of the device at index.
func (t *DeviceTable) Describe(index int) (DeviceInfo, error) {
	if index < 0 || index >= len(t.devices) {
		return DeviceInfo{}, fmt.Errorf("%w: index %d of %d", ErrDeviceNotFound, index, len(t.devices))
	}
	return t.devices[index], nil
}

// IsEmulated reports whether the table runs on the CPU emulator.
func (t *DeviceTable) IsEmulated() bool {
	_, ok := t.driver.(*EmuDriver)
	return ok
}

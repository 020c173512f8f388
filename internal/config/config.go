package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/fxnlabs/hash-backend/internal/gpu"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

var ErrInvalidConfig = errors.New("invalid config")

// Device describes one emulated device.
type Device struct {
	Name                string `yaml:"name"`
	Tier                int    `yaml:"tier"`
	MemoryMiB           int64  `yaml:"memoryMiB"`
	Multiprocessors     int    `yaml:"multiprocessors"`
	ClockMHz            int    `yaml:"clockMHz"`
	MemoryClockMHz      int    `yaml:"memoryClockMHz"`
	AllocGranularityKiB int64  `yaml:"allocGranularityKiB"`
	PCIBus              int    `yaml:"pciBus"`
}

type Config struct {
	Logger struct {
		Verbosity string `yaml:"verbosity"`
	} `yaml:"logger"`
	Driver     string        `yaml:"driver"`
	Devices    []Device      `yaml:"devices"`
	CloseGrace time.Duration `yaml:"closeGrace"`
	Bfactor    int           `yaml:"bfactor"`
	Bench      struct {
		Algorithm string        `yaml:"algorithm"`
		Duration  time.Duration `yaml:"duration"`
		Devices   []int         `yaml:"devices"`
	} `yaml:"bench"`
	Profiles map[string]Profile `yaml:"profiles"`
	Metrics  struct {
		ListenAddress string `yaml:"listenAddress"`
	} `yaml:"metrics"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	config := Default()
	config.Devices = nil
	err = yaml.Unmarshal(data, config)
	if err != nil {
		return nil, err
	}
	if len(config.Devices) == 0 {
		config.Devices = Default().Devices
	}

	return config, nil
}

// Default returns the built-in setup: the emulated driver with a GTX 1080
// and an RTX 3060.
func Default() *Config {
	c := &Config{
		Driver:     gpu.DriverEmu,
		CloseGrace: 2 * time.Second,
	}
	c.Logger.Verbosity = "info"
	c.Bench.Algorithm = "cn/1"
	c.Bench.Duration = 30 * time.Second
	c.Metrics.ListenAddress = "127.0.0.1:9100"
	for _, s := range gpu.DefaultEmuDevices() {
		c.Devices = append(c.Devices, Device{
			Name:                s.Name,
			Tier:                s.Tier,
			MemoryMiB:           s.Memory >> 20,
			Multiprocessors:     s.Multiprocessors,
			ClockMHz:            s.ClockMHz,
			MemoryClockMHz:      s.MemoryClockMHz,
			AllocGranularityKiB: s.AllocGranularity >> 10,
			PCIBus:              s.PCIBus,
		})
	}
	return c
}

// Validate reports the first problem of c.
func (c *Config) Validate() error {
	if _, err := zap.ParseAtomicLevel(c.Logger.Verbosity); err != nil {
		return fmt.Errorf("%w: logger verbosity: %v", ErrInvalidConfig, err)
	}
	if c.Driver != "" && !slices.Contains(gpu.Drivers(), c.Driver) {
		return fmt.Errorf("%w: unknown driver %q", ErrInvalidConfig, c.Driver)
	}
	if c.Driver == gpu.DriverEmu && len(c.Devices) == 0 {
		return fmt.Errorf("%w: the emulated driver needs at least one device", ErrInvalidConfig)
	}
	for i, d := range c.Devices {
		if d.Tier <= 0 || d.MemoryMiB <= 0 || d.Multiprocessors <= 0 {
			return fmt.Errorf("%w: device %d needs a tier, memory and multiprocessors", ErrInvalidConfig, i)
		}
	}
	if c.CloseGrace < 0 {
		return fmt.Errorf("%w: negative close grace", ErrInvalidConfig)
	}
	if c.Bfactor < 0 || c.Bfactor > 12 {
		return fmt.Errorf("%w: bfactor %d out of range 0-12", ErrInvalidConfig, c.Bfactor)
	}
	for id, p := range c.Profiles {
		if err := p.validate(); err != nil {
			return fmt.Errorf("%w: profile %s: %v", ErrInvalidConfig, id, err)
		}
	}
	for _, index := range c.Bench.Devices {
		if index < 0 {
			return fmt.Errorf("%w: negative bench device index", ErrInvalidConfig)
		}
	}
	return nil
}

// EmuDevices converts the device list for the emulated driver.
func (c *Config) EmuDevices() []gpu.EmuDeviceSpec {
	specs := make([]gpu.EmuDeviceSpec, 0, len(c.Devices))
	for _, d := range c.Devices {
		specs = append(specs, gpu.EmuDeviceSpec{
			Name:             d.Name,
			Tier:             d.Tier,
			Memory:           d.MemoryMiB << 20,
			Multiprocessors:  d.Multiprocessors,
			ClockMHz:         d.ClockMHz,
			MemoryClockMHz:   d.MemoryClockMHz,
			AllocGranularity: d.AllocGranularityKiB << 10,
			PCIBus:           d.PCIBus,
		})
	}
	return specs
}

// NewDriver creates the configured driver. The emulated driver gets the
// configured device list.
func (c *Config) NewDriver(logger *zap.Logger) (gpu.Driver, error) {
	if c.Driver == "" || c.Driver == gpu.DriverEmu {
		if c.Driver == "" && gpu.DefaultDriverName() != gpu.DriverEmu {
			return gpu.NewDriver("", logger)
		}
		return gpu.NewEmuDriver(c.EmuDevices(), logger), nil
	}
	return gpu.NewDriver(c.Driver, logger)
}

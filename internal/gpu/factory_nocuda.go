//go:build !cuda

package gpu

// Without GPU support the emulator is the only driver.
var defaultDriver = DriverEmu

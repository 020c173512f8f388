package gpu

// Dim is a launch extent. Hash kernels only use X.
type Dim struct {
	X, Y, Z uint32
}

// Count returns the number of elements covered by d.
func (d Dim) Count() int {
	y, z := d.Y, d.Z
	if y == 0 {
		y = 1
	}
	if z == 0 {
		z = 1
	}
	return int(d.X) * int(y) * int(z)
}

// LaunchConfig is the launch shape of one kernel invocation.
type LaunchConfig struct {
	Grid      Dim
	Block     Dim
	SharedMem int
}

// Threads returns grid*block.
func (c LaunchConfig) Threads() int {
	return c.Grid.Count() * c.Block.Count()
}

// KernelFunc is the body of one device thread. mem holds the device views of
// the launch buffers in argument order; args are the scalar parameters.
// Kernels are expected to bound-check tid against their own thread count.
type KernelFunc func(tid int, mem [][]byte, args []uint64) error

// Kernel is a compiled entry point. Native drivers look the kernel up by Name
// in their loaded module; the emulated driver runs Func.
type Kernel struct {
	Name string
	Func KernelFunc
}

// GridFor returns the grid needed to cover threads with the given block size.
func GridFor(threads int, block uint32) Dim {
	if block == 0 {
		block = 1
	}
	return Dim{X: uint32((threads + int(block) - 1) / int(block)), Y: 1, Z: 1}
}

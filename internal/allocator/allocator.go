// Package allocator owns the device memory and streams of open device
// contexts.
package allocator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/fxnlabs/hash-backend/internal/gpu"
	"github.com/fxnlabs/hash-backend/internal/metrics"
	"github.com/fxnlabs/hash-backend/internal/registry"
	"go.uber.org/zap"
)

// DefaultCloseGrace bounds how long Close waits for a busy stream.
const DefaultCloseGrace = 2 * time.Second

// MaxGridSize caps the threads of one context.
const MaxGridSize = 1 << 20

var (
	ErrContextClosed   = errors.New("context closed")
	ErrContextLost     = errors.New("context lost")
	ErrInvalidGridSize = errors.New("invalid grid size")
)

// AllocationError reports device memory that could not be reserved.
// Requested is always larger than Available.
type AllocationError struct {
	Device    int
	Requested int64
	Available int64
}

func (e *AllocationError) Error() string {
	return fmt.Sprintf("allocation failed on device %d: requested %d bytes, %d available",
		e.Device, e.Requested, e.Available)
}

func (e *AllocationError) Unwrap() error { return gpu.ErrOutOfMemory }

// Options tune an allocator.
type Options struct {
	CloseGrace time.Duration
}

// Allocator opens device contexts on the devices of a table.
type Allocator struct {
	table  *gpu.DeviceTable
	opts   Options
	logger *zap.Logger

	mu        sync.Mutex
	devices   map[int]gpu.Device
	allocated map[int]int64
}

// New creates an allocator over table.
func New(table *gpu.DeviceTable, opts Options, logger *zap.Logger) *Allocator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.CloseGrace <= 0 {
		opts.CloseGrace = DefaultCloseGrace
	}
	return &Allocator{
		table:     table,
		opts:      opts,
		logger:    logger.Named("allocator"),
		devices:   make(map[int]gpu.Device),
		allocated: make(map[int]int64),
	}
}

// Table returns the device table the allocator serves.
func (a *Allocator) Table() *gpu.DeviceTable { return a.table }

// device returns the shared handle of the device at index.
func (a *Allocator) device(index int) (gpu.Device, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if d, ok := a.devices[index]; ok {
		return d, nil
	}
	d, err := a.table.Driver().Open(index)
	if err != nil {
		return nil, err
	}
	a.devices[index] = d
	return d, nil
}

func (a *Allocator) account(index int, delta int64) {
	a.mu.Lock()
	a.allocated[index] += delta
	total := a.allocated[index]
	a.mu.Unlock()
	metrics.GPUMemoryAllocatedBytes.WithLabelValues(strconv.Itoa(index)).Set(float64(total))
}

// Allocated returns the device memory held by open contexts on index.
func (a *Allocator) Allocated(index int) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocated[index]
}

func roundUp(n, granularity int64) int64 {
	if granularity <= 1 {
		return n
	}
	return (n + granularity - 1) / granularity * granularity
}

// layout is the device memory of one grid size.
type layout struct {
	input  int64
	state  int64
	output int64
}

func (l layout) total() int64 { return l.input + l.state + l.output }

func planLayout(plan *registry.KernelPlan, grid int, granularity int64) layout {
	return layout{
		input:  roundUp(registry.InputSize, granularity),
		state:  roundUp(plan.ThreadStride()*int64(grid), granularity),
		output: roundUp(int64(grid)*registry.ResultStride, granularity),
	}
}

func checkGrid(grid int) error {
	if grid <= 0 || grid > MaxGridSize {
		return fmt.Errorf("%w: %d", ErrInvalidGridSize, grid)
	}
	return nil
}

// allocAll reserves sizes in order. On failure the buffers already reserved
// are released again.
func (a *Allocator) allocAll(index int, dev gpu.Device, sizes ...int64) ([]gpu.Buffer, error) {
	var requested int64
	for _, s := range sizes {
		requested += s
	}
	free, _ := dev.MemInfo()
	if requested > free {
		return nil, &AllocationError{Device: index, Requested: requested, Available: free}
	}

	bufs := make([]gpu.Buffer, 0, len(sizes))
	for _, s := range sizes {
		b, err := dev.Alloc(s)
		if err != nil {
			for _, prev := range bufs {
				_ = prev.Free()
			}
			if errors.Is(err, gpu.ErrOutOfMemory) {
				free, _ := dev.MemInfo()
				return nil, &AllocationError{Device: index, Requested: requested, Available: free}
			}
			return nil, err
		}
		bufs = append(bufs, b)
	}
	return bufs, nil
}

// Open reserves the memory plan needs for grid threads on the device at
// index and creates its stream. The grid is never shrunk to fit.
func (a *Allocator) Open(index int, plan *registry.KernelPlan, grid int) (*Context, error) {
	if plan == nil {
		panic("allocator: nil kernel plan")
	}
	if err := checkGrid(grid); err != nil {
		return nil, err
	}
	info, err := a.table.Describe(index)
	if err != nil {
		return nil, err
	}
	dev, err := a.device(index)
	if err != nil {
		return nil, err
	}

	l := planLayout(plan, grid, info.AllocGranularity)
	bufs, err := a.allocAll(index, dev, l.input, l.state, l.output)
	if err != nil {
		a.logger.Warn("Failed to allocate device context",
			zap.Int("device", index),
			zap.String("algorithm", plan.ID()),
			zap.Int("grid", grid),
			zap.Error(err))
		return nil, err
	}
	staging, err := dev.AllocHost(max(registry.InputSize, int64(grid)*registry.ResultStride))
	if err != nil {
		freeAll(bufs)
		return nil, err
	}
	stream, err := dev.NewStream()
	if err != nil {
		freeAll(bufs)
		return nil, err
	}

	c := &Context{
		alloc:   a,
		index:   index,
		info:    info,
		stream:  stream,
		plan:    plan,
		grid:    grid,
		input:   bufs[0],
		state:   bufs[1],
		output:  bufs[2],
		staging: staging,
		bytes:   l.total(),
		logger:  a.logger.With(zap.Int("device", index)),
	}
	a.account(index, c.bytes)
	metrics.ContextsOpen.Inc()
	c.logger.Info("Device context opened",
		zap.String("algorithm", plan.ID()),
		zap.Int("grid", grid),
		zap.Int64("state_bytes", l.state),
		zap.Int64("total_bytes", c.bytes))
	return c, nil
}

// SuggestGridSize returns the largest grid, in whole blocks, whose memory
// fits what the device currently has free. It is advisory; Open does not
// apply it.
func (a *Allocator) SuggestGridSize(index int, plan *registry.KernelPlan) (int, error) {
	info, err := a.table.Describe(index)
	if err != nil {
		return 0, err
	}
	dev, err := a.device(index)
	if err != nil {
		return 0, err
	}
	free, _ := dev.MemInfo()

	block := int64(max(plan.Block, 1))
	perThread := plan.ThreadStride() + registry.ResultStride
	fixed := roundUp(registry.InputSize, info.AllocGranularity) + 2*info.AllocGranularity
	if free <= fixed {
		return 0, &AllocationError{Device: index, Requested: fixed + block*perThread, Available: free}
	}
	grid := (free - fixed) / perThread / block * block
	if grid == 0 {
		return 0, &AllocationError{Device: index, Requested: fixed + block*perThread, Available: free}
	}
	// Four resident blocks per multiprocessor saturate the device.
	limit := int64(info.Multiprocessors) * block * 4
	return int(min(grid, limit, MaxGridSize)), nil
}

// Close releases every device handle. Contexts must be closed first.
func (a *Allocator) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var errs []error
	for index, d := range a.devices {
		if err := d.Close(); err != nil {
			errs = append(errs, fmt.Errorf("device %d: %w", index, err))
		}
		delete(a.devices, index)
	}
	return errors.Join(errs...)
}

func freeAll(bufs []gpu.Buffer) {
	for _, b := range bufs {
		_ = b.Free()
	}
}

// Context is the memory and stream of one device in use. It is owned by a
// single caller; the mutex only guards against Close racing the owner.
type Context struct {
	alloc  *Allocator
	index  int
	info   gpu.DeviceInfo
	stream gpu.Stream
	plan   *registry.KernelPlan
	logger *zap.Logger

	mu      sync.Mutex
	grid    int
	input   gpu.Buffer
	state   gpu.Buffer
	output  gpu.Buffer
	staging []byte
	bytes   int64
	lost    error
	closed  bool
}

func (c *Context) Device() int { return c.index }

func (c *Context) Info() gpu.DeviceInfo { return c.info }

func (c *Context) Plan() *registry.KernelPlan { return c.plan }

func (c *Context) Stream() gpu.Stream { return c.stream }

// Grid returns the current grid size.
func (c *Context) Grid() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.grid
}

// Bytes returns the device memory the context holds.
func (c *Context) Bytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytes
}

// Buffers returns the launch buffers in kernel argument order.
func (c *Context) Buffers() []gpu.Buffer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return []gpu.Buffer{registry.BufInput: c.input, registry.BufState: c.state, registry.BufOutput: c.output}
}

// Input returns the device input buffer.
func (c *Context) Input() gpu.Buffer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.input
}

// Output returns the device output buffer.
func (c *Context) Output() gpu.Buffer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.output
}

// Staging returns the host staging area. Close releases it, so it fails with
// ErrContextClosed from the moment Close starts.
func (c *Context) Staging() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrContextClosed
	}
	return c.staging, nil
}

// Usable reports why the context cannot take work, or nil.
func (c *Context) Usable() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usableLocked()
}

func (c *Context) usableLocked() error {
	if c.closed {
		return ErrContextClosed
	}
	if c.lost != nil {
		return fmt.Errorf("%w: %w", ErrContextLost, c.lost)
	}
	return nil
}

// MarkLost makes the context permanently unusable. Only Close is accepted
// afterwards. The first cause is kept.
func (c *Context) MarkLost(cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lost != nil || c.closed {
		return
	}
	if cause == nil {
		cause = gpu.ErrDeviceLost
	}
	c.lost = cause
	c.logger.Error("Device context lost", zap.Error(cause))
}

// Resize replaces the per-thread buffers for a new grid size. The new
// buffers are reserved before the old ones are released, so a failed resize
// leaves the context as it was.
func (c *Context) Resize(grid int) error {
	if err := checkGrid(grid); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.usableLocked(); err != nil {
		return err
	}
	if grid == c.grid {
		return nil
	}

	dev, err := c.alloc.device(c.index)
	if err != nil {
		return err
	}
	l := planLayout(c.plan, grid, c.info.AllocGranularity)
	bufs, err := c.alloc.allocAll(c.index, dev, l.state, l.output)
	if err != nil {
		c.logger.Warn("Failed to resize device context", zap.Int("grid", grid), zap.Error(err))
		return err
	}
	staging, err := dev.AllocHost(max(registry.InputSize, int64(grid)*registry.ResultStride))
	if err != nil {
		freeAll(bufs)
		return err
	}

	freeAll([]gpu.Buffer{c.state, c.output})
	old := c.bytes
	c.state, c.output = bufs[0], bufs[1]
	c.staging = staging
	c.bytes = l.total()
	c.alloc.account(c.index, c.bytes-old)
	c.logger.Info("Device context resized",
		zap.Int("from_grid", c.grid),
		zap.Int("to_grid", grid),
		zap.Int64("total_bytes", c.bytes))
	c.grid = grid
	return nil
}

// Close waits up to the close grace for the stream to drain, then releases
// the stream and all device memory. A stream that does not drain in time
// leaves the context lost. Closing twice is a no-op.
func (c *Context) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.alloc.opts.CloseGrace)
	defer cancel()
	if err := c.stream.Synchronize(ctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			c.logger.Warn("Device did not reach a safe point, forcing context release",
				zap.Duration("grace", c.alloc.opts.CloseGrace))
			c.mu.Lock()
			if c.lost == nil {
				c.lost = gpu.ErrDeviceLost
			}
			c.mu.Unlock()
		} else {
			c.logger.Debug("Stream failed before close", zap.Error(err))
		}
	}
	_ = c.stream.Close()

	c.mu.Lock()
	freeAll([]gpu.Buffer{c.input, c.state, c.output})
	released := c.bytes
	c.bytes = 0
	c.staging = nil
	c.mu.Unlock()

	c.alloc.account(c.index, -released)
	metrics.ContextsOpen.Dec()
	c.logger.Info("Device context closed", zap.Int64("released_bytes", released))
	return nil
}

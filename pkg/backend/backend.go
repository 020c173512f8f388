package backend

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fxnlabs/hash-backend/internal/allocator"
	"github.com/fxnlabs/hash-backend/internal/gpu"
	"github.com/fxnlabs/hash-backend/internal/registry"
	"github.com/fxnlabs/hash-backend/internal/runner"
	"github.com/fxnlabs/hash-backend/internal/version"
	"go.uber.org/zap"
)

// Options configure a backend instance.
type Options struct {
	// Driver selects a registered driver by name; empty picks the build
	// default. Ignored when DriverInstance is set.
	Driver         string
	DriverInstance gpu.Driver
	CloseGrace     time.Duration
	Bfactor        int
	Logger         *zap.Logger
}

type entry struct {
	mu      sync.Mutex
	dc      *allocator.Context
	runner  *runner.Runner
	lastErr string
}

// Backend serves the API of one process. Device contexts live in an arena
// keyed by handle; no internal pointer is ever handed to the host.
type Backend struct {
	table    *gpu.DeviceTable
	registry *registry.Registry
	alloc    *allocator.Allocator
	opts     Options
	logger   *zap.Logger

	mu       sync.Mutex
	next     Handle
	handles  map[Handle]*entry
	lastErr  string
	released bool
}

// New enumerates the devices of the configured driver. A failed device query
// is fatal and reported as CodeDeviceQueryFailed.
func New(opts Options) (*Backend, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("backend")

	driver := opts.DriverInstance
	if driver == nil {
		var err error
		driver, err = gpu.NewDriver(opts.Driver, logger)
		if err != nil {
			return nil, &Error{Code: CodeDeviceQueryFailed, Message: err.Error()}
		}
	}
	table, err := gpu.Enumerate(driver, logger)
	if err != nil {
		logger.Error("Device query failed", zap.Error(err))
		return nil, toError(err)
	}

	b := &Backend{
		table:    table,
		registry: registry.New(logger),
		alloc:    allocator.New(table, allocator.Options{CloseGrace: opts.CloseGrace}, logger),
		opts:     opts,
		logger:   logger,
		handles:  make(map[Handle]*entry),
	}
	runtime, drv := driver.Version()
	logger.Info("Hash backend ready",
		zap.String("version", version.String()),
		zap.Uint32("abi", Version),
		zap.String("driver", driver.Name()),
		zap.Int("runtime_version", runtime),
		zap.Int("driver_version", drv),
		zap.Int("devices", table.Count()))
	return b, nil
}

// Load creates a backend and returns its function table.
func Load(opts Options) (*API, error) {
	b, err := New(opts)
	if err != nil {
		return nil, err
	}
	return b.API(), nil
}

// API returns the function table bound to b.
func (b *Backend) API() *API {
	return &API{
		Version:         Version,
		PluginVersion:   version.String,
		DriverVersion:   b.DriverVersion,
		DeviceCount:     b.DeviceCount,
		DeviceInfo:      b.DeviceInfo,
		SuggestGridSize: b.SuggestGridSize,
		ContextOpen:     b.ContextOpen,
		ContextResize:   b.ContextResize,
		ContextClose:    b.ContextClose,
		Submit:          b.Submit,
		Poll:            b.Poll,
		Wait:            b.Wait,
		LastError:       b.LastError,
		Release:         b.Release,
	}
}

// Table returns the device table.
func (b *Backend) Table() *gpu.DeviceTable { return b.table }

// Registry returns the kernel registry shared by every context.
func (b *Backend) Registry() *registry.Registry { return b.registry }

func (b *Backend) DriverVersion() (int, int) {
	return b.table.Driver().Version()
}

func (b *Backend) DeviceCount() int {
	return b.table.Count()
}

func (b *Backend) DeviceInfo(index int) (DeviceInfo, error) {
	d, err := b.table.Describe(index)
	if err != nil {
		return DeviceInfo{}, b.record(nil, err)
	}
	return DeviceInfo{
		Index:           d.Index,
		Name:            d.Name,
		Tier:            d.Tier,
		TotalMemory:     d.TotalMemory,
		AvailableMemory: d.AvailableMemory,
		Multiprocessors: d.Multiprocessors,
		ClockMHz:        d.ClockMHz,
		MemoryClockMHz:  d.MemoryClockMHz,
		PCIBus:          d.PCIBus,
		PCIDevice:       d.PCIDevice,
		PCIDomain:       d.PCIDomain,
	}, nil
}

func (b *Backend) resolve(index int, algorithm, variant string) (*registry.KernelPlan, error) {
	info, err := b.table.Describe(index)
	if err != nil {
		return nil, err
	}
	return b.registry.Resolve(algorithm, variant, info.Tier)
}

// SuggestGridSize returns the largest grid the device can currently hold
// for algorithm/variant.
func (b *Backend) SuggestGridSize(index int, algorithm, variant string) (int, error) {
	plan, err := b.resolve(index, algorithm, variant)
	if err != nil {
		return 0, b.record(nil, err)
	}
	grid, err := b.alloc.SuggestGridSize(index, plan)
	if err != nil {
		return 0, b.record(nil, err)
	}
	return grid, nil
}

// ContextOpen resolves the kernel plan for the device and reserves a
// context of grid threads. Nothing is allocated when the algorithm is
// unsupported on the device.
func (b *Backend) ContextOpen(index int, algorithm, variant string, grid int) (Handle, error) {
	if b.isReleased() {
		return 0, ErrReleased
	}
	plan, err := b.resolve(index, algorithm, variant)
	if err != nil {
		return 0, b.record(nil, err)
	}
	dc, err := b.alloc.Open(index, plan, grid)
	if err != nil {
		return 0, b.record(nil, err)
	}
	e := &entry{
		dc:     dc,
		runner: runner.New(dc, runner.Options{Bfactor: b.opts.Bfactor}, b.logger),
	}

	b.mu.Lock()
	b.next++
	h := b.next
	b.handles[h] = e
	b.mu.Unlock()

	b.logger.Debug("Context handle issued", zap.Uint64("handle", uint64(h)), zap.Int("device", index))
	return h, nil
}

func (b *Backend) lookup(h Handle) (*entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.released {
		return nil, ErrReleased
	}
	e, ok := b.handles[h]
	if !ok {
		return nil, &Error{Code: CodeInvalidHandle, Message: fmt.Sprintf("unknown context handle %d", h)}
	}
	return e, nil
}

func (b *Backend) isReleased() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.released
}

// record stores the message of err as the last error of e, or of the
// backend when e is nil, and returns its boundary form.
func (b *Backend) record(e *entry, err error) error {
	be := toError(err)
	if be == nil {
		return nil
	}
	if e != nil {
		e.lastErr = be.Error()
	} else {
		b.mu.Lock()
		b.lastErr = be.Error()
		b.mu.Unlock()
	}
	return be
}

// ContextResize changes the grid of an idle context. A failed resize leaves
// the context untouched.
func (b *Backend) ContextResize(h Handle, grid int) error {
	e, err := b.lookup(h)
	if err != nil {
		return b.record(nil, err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if s := e.runner.State(); s != runner.StateIdle && s != runner.StateError {
		return b.record(e, fmt.Errorf("%w: %s", runner.ErrBusy, s))
	}
	return b.record(e, e.dc.Resize(grid))
}

// ContextClose removes h from the arena and releases its context, waiting
// up to the close grace for the device.
func (b *Backend) ContextClose(h Handle) error {
	b.mu.Lock()
	e, ok := b.handles[h]
	delete(b.handles, h)
	b.mu.Unlock()
	if !ok {
		return b.record(nil, &Error{Code: CodeInvalidHandle, Message: fmt.Sprintf("unknown context handle %d", h)})
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return b.record(nil, e.dc.Close())
}

// Submit enqueues job on the context and returns without waiting.
func (b *Backend) Submit(h Handle, job Job) error {
	e, err := b.lookup(h)
	if err != nil {
		return b.record(nil, err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return b.record(e, e.runner.Submit(runner.Job{
		Algorithm:  job.Algorithm,
		Variant:    job.Variant,
		Blob:       job.Blob,
		StartNonce: job.StartNonce,
		Count:      job.Count,
		Target:     job.Target,
	}))
}

// Poll reports the job of h without blocking.
func (b *Backend) Poll(h Handle) PollResult {
	e, err := b.lookup(h)
	if err != nil {
		return PollResult{Status: PollFailed, Err: toError(b.record(nil, err))}
	}
	status, res, err := e.runner.Poll()
	return b.pollResult(e, status, res, err)
}

// Wait blocks up to timeoutMillis for the job of h.
func (b *Backend) Wait(h Handle, timeoutMillis int64) PollResult {
	e, err := b.lookup(h)
	if err != nil {
		return PollResult{Status: PollFailed, Err: toError(b.record(nil, err))}
	}
	var (
		status runner.Status
		res    *runner.Result
	)
	if timeoutMillis == 0 {
		status, res, err = e.runner.Poll()
	} else {
		status, res, err = e.runner.Wait(context.Background(), time.Duration(timeoutMillis)*time.Millisecond)
	}
	return b.pollResult(e, status, res, err)
}

func (b *Backend) pollResult(e *entry, status runner.Status, res *runner.Result, err error) PollResult {
	switch status {
	case runner.StatusReady:
		return PollResult{
			Status: PollReady,
			Result: &JobResult{
				StartNonce:    res.StartNonce,
				Hashes:        res.Hashes,
				Valid:         res.Valid,
				Nonces:        res.Nonces(),
				ElapsedMicros: res.Elapsed.Microseconds(),
			},
		}
	case runner.StatusPending:
		return PollResult{Status: PollPending}
	default:
		e.mu.Lock()
		defer e.mu.Unlock()
		return PollResult{Status: PollFailed, Err: toError(b.record(e, err))}
	}
}

// LastError returns the message of the latest failure on h. Handle zero
// reports failures that happened outside any context, such as a failed
// ContextOpen.
func (b *Backend) LastError(h Handle) string {
	if h == 0 {
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.lastErr
	}
	e, err := b.lookup(h)
	if err != nil {
		return ""
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

// Release closes every open context and the devices. The API is unusable
// afterwards.
func (b *Backend) Release() error {
	b.mu.Lock()
	if b.released {
		b.mu.Unlock()
		return nil
	}
	b.released = true
	entries := b.handles
	b.handles = make(map[Handle]*entry)
	b.mu.Unlock()

	for h, e := range entries {
		if err := e.dc.Close(); err != nil {
			b.logger.Warn("Failed to close context on release", zap.Uint64("handle", uint64(h)), zap.Error(err))
		}
	}
	if err := b.alloc.Close(); err != nil {
		return toError(err)
	}
	b.logger.Info("Hash backend released", zap.Int("closed_contexts", len(entries)))
	return nil
}

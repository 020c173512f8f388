package gpu

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DriverEmu is the registry name of the emulated driver.
const DriverEmu = "emu"

const emuVersion = 12040 // reports itself as CUDA 12.4

// EmuDeviceSpec configures one emulated device.
type EmuDeviceSpec struct {
	Name             string
	Tier             int
	Memory           int64
	Multiprocessors  int
	ClockMHz         int
	MemoryClockMHz   int
	AllocGranularity int64
	PCIBus           int
}

// DefaultEmuDevices is the device set used when no configuration is given.
func DefaultEmuDevices() []EmuDeviceSpec {
	return []EmuDeviceSpec{
		{
			Name:             "Emulated GeForce GTX 1080",
			Tier:             61,
			Memory:           8 << 30,
			Multiprocessors:  20,
			ClockMHz:         1733,
			MemoryClockMHz:   5005,
			AllocGranularity: 2 << 20,
			PCIBus:           1,
		},
		{
			Name:             "Emulated GeForce RTX 3060",
			Tier:             86,
			Memory:           12 << 30,
			Multiprocessors:  28,
			ClockMHz:         1777,
			MemoryClockMHz:   7501,
			AllocGranularity: 2 << 20,
			PCIBus:           2,
		},
	}
}

// Fault is an injectable failure of an emulated device.
type Fault int

const (
	FaultNone Fault = iota
	// FaultLaunch makes the next kernel launch fail.
	FaultLaunch
	// FaultDeviceLost makes every following command fail.
	FaultDeviceLost
	// FaultHang stalls every stream of the device until ClearFaults.
	FaultHang
)

// EmuDriver executes kernels on the host CPU. Device memory is ordinary Go
// memory with exact accounting against the configured device size.
type EmuDriver struct {
	logger  *zap.Logger
	devices []*emuPhysical
}

// emuPhysical is the shared state of one emulated device across handles.
type emuPhysical struct {
	info DeviceInfo

	mu          sync.Mutex
	used        int64
	lost        bool
	launchFault bool
	gate        chan struct{} // closed unless the device hangs
}

// NewEmuDriver creates an emulated driver exposing specs.
func NewEmuDriver(specs []EmuDeviceSpec, logger *zap.Logger) *EmuDriver {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &EmuDriver{logger: logger.Named("emu")}
	for i, s := range specs {
		gate := make(chan struct{})
		close(gate)
		granularity := s.AllocGranularity
		if granularity <= 0 {
			granularity = 1
		}
		sms := s.Multiprocessors
		if sms <= 0 {
			sms = 1
		}
		d.devices = append(d.devices, &emuPhysical{
			info: DeviceInfo{
				Index:            i,
				Name:             s.Name,
				Tier:             s.Tier,
				TotalMemory:      s.Memory,
				AvailableMemory:  s.Memory,
				Multiprocessors:  sms,
				ClockMHz:         s.ClockMHz,
				MemoryClockMHz:   s.MemoryClockMHz,
				AllocGranularity: granularity,
				PCIBus:           s.PCIBus,
				Driver:           DriverEmu,
			},
			gate: gate,
		})
	}
	return d
}

func (d *EmuDriver) Name() string { return DriverEmu }

func (d *EmuDriver) Version() (int, int) { return emuVersion, emuVersion }

// Probe returns the configured devices.
func (d *EmuDriver) Probe() ([]DeviceInfo, error) {
	infos := make([]DeviceInfo, 0, len(d.devices))
	for _, p := range d.devices {
		info := p.info
		free, _ := p.memInfo()
		info.AvailableMemory = free
		infos = append(infos, info)
	}
	d.logger.Debug("Probed emulated devices", zap.Int("count", len(infos)))
	return infos, nil
}

// Open returns a new handle on the device at index.
func (d *EmuDriver) Open(index int) (Device, error) {
	if index < 0 || index >= len(d.devices) {
		return nil, fmt.Errorf("%w: index %d", ErrDeviceNotFound, index)
	}
	return &emuDevice{phys: d.devices[index], logger: d.logger}, nil
}

// InjectFault arms a failure on the device at index.
func (d *EmuDriver) InjectFault(index int, f Fault) {
	p := d.devices[index]
	p.mu.Lock()
	defer p.mu.Unlock()
	switch f {
	case FaultLaunch:
		p.launchFault = true
	case FaultDeviceLost:
		p.lost = true
	case FaultHang:
		select {
		case <-p.gate:
			p.gate = make(chan struct{})
		default:
		}
	}
}

// ClearFaults resets the device at index to a healthy state, as a driver
// reset would.
func (d *EmuDriver) ClearFaults(index int) {
	d.devices[index].clear()
}

// Allocated returns the device memory currently reserved on index.
func (d *EmuDriver) Allocated(index int) int64 {
	p := d.devices[index]
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.used
}

func (p *emuPhysical) clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lost = false
	p.launchFault = false
	select {
	case <-p.gate:
	default:
		close(p.gate)
	}
}

func (p *emuPhysical) memInfo() (int64, int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.info.TotalMemory - p.used, p.info.TotalMemory
}

// health blocks while the device hangs, then reports a lost device.
func (p *emuPhysical) health() error {
	p.mu.Lock()
	gate := p.gate
	p.mu.Unlock()
	<-gate

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lost {
		return ErrDeviceLost
	}
	return nil
}

func (p *emuPhysical) takeLaunchFault() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	f := p.launchFault
	p.launchFault = false
	return f
}

type emuDevice struct {
	phys   *emuPhysical
	logger *zap.Logger

	mu      sync.Mutex
	streams []*emuStream
	closed  bool
}

func (d *emuDevice) Info() DeviceInfo { return d.phys.info }

func (d *emuDevice) MemInfo() (int64, int64) { return d.phys.memInfo() }

func (d *emuDevice) Alloc(size int64) (Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid allocation size %d", size)
	}
	p := d.phys
	p.mu.Lock()
	if p.lost {
		p.mu.Unlock()
		return nil, ErrDeviceLost
	}
	free := p.info.TotalMemory - p.used
	if size > free {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: requested %d bytes, %d free", ErrOutOfMemory, size, free)
	}
	p.used += size
	p.mu.Unlock()

	// Untouched pages of a large make are never faulted in, so reserving a
	// multi-gigabyte scratchpad only costs what the kernels write.
	return &emuBuffer{phys: p, data: make([]byte, size)}, nil
}

func (d *emuDevice) AllocHost(size int64) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid host allocation size %d", size)
	}
	return make([]byte, size), nil
}

func (d *emuDevice) NewStream() (Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrStreamClosed
	}
	s := newEmuStream(d.phys, d.logger)
	d.streams = append(d.streams, s)
	return s, nil
}

func (d *emuDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	for _, s := range d.streams {
		_ = s.Close()
	}
	d.streams = nil
	return nil
}

type emuBuffer struct {
	phys *emuPhysical

	mu   sync.Mutex
	data []byte
}

func (b *emuBuffer) Size() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.data))
}

func (b *emuBuffer) Free() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.data == nil {
		return nil
	}
	b.phys.mu.Lock()
	b.phys.used -= int64(len(b.data))
	b.phys.mu.Unlock()
	b.data = nil
	return nil
}

func (b *emuBuffer) bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.data
}

// Bytes exposes the device view of an emulated buffer. It returns nil for
// buffers of other drivers.
func Bytes(b Buffer) []byte {
	if eb, ok := b.(*emuBuffer); ok {
		return eb.bytes()
	}
	return nil
}

type emuEvent struct {
	done chan struct{}
	err  error
}

func (e *emuEvent) Done() <-chan struct{} { return e.done }

func (e *emuEvent) Err() error {
	<-e.done
	return e.err
}

type streamOp struct {
	run   func() error
	event *emuEvent
}

type emuStream struct {
	phys   *emuPhysical
	logger *zap.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []streamOp
	err    error // sticky execution error
	closed bool
}

func newEmuStream(p *emuPhysical, logger *zap.Logger) *emuStream {
	s := &emuStream{phys: p, logger: logger}
	s.cond = sync.NewCond(&s.mu)
	go s.run()
	return s
}

func (s *emuStream) run() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		op := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		err := s.phys.health()

		s.mu.Lock()
		if s.err == nil && err != nil {
			s.err = err
		}
		sticky := s.err
		s.mu.Unlock()

		if op.event != nil {
			op.event.err = sticky
			close(op.event.done)
			continue
		}
		if sticky != nil {
			continue
		}
		if err := op.run(); err != nil {
			s.logger.Debug("Stream command failed", zap.Error(err))
			s.mu.Lock()
			if s.err == nil {
				s.err = err
			}
			s.mu.Unlock()
		}
	}
}

func (s *emuStream) enqueue(op streamOp) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStreamClosed
	}
	s.queue = append(s.queue, op)
	s.cond.Signal()
	return nil
}

func (s *emuStream) buffer(b Buffer) (*emuBuffer, error) {
	eb, ok := b.(*emuBuffer)
	if !ok || eb.phys != s.phys {
		return nil, ErrForeignBuffer
	}
	return eb, nil
}

func (s *emuStream) CopyToDevice(dst Buffer, offset int64, src []byte) error {
	eb, err := s.buffer(dst)
	if err != nil {
		return err
	}
	if offset < 0 || offset+int64(len(src)) > eb.Size() {
		return fmt.Errorf("copy of %d bytes at offset %d overflows %d byte buffer", len(src), offset, eb.Size())
	}
	return s.enqueue(streamOp{run: func() error {
		data := eb.bytes()
		if data == nil {
			return fmt.Errorf("copy to freed buffer")
		}
		copy(data[offset:], src)
		return nil
	}})
}

func (s *emuStream) CopyToHost(dst []byte, src Buffer, offset int64) error {
	eb, err := s.buffer(src)
	if err != nil {
		return err
	}
	if offset < 0 || offset+int64(len(dst)) > eb.Size() {
		return fmt.Errorf("copy of %d bytes at offset %d overflows %d byte buffer", len(dst), offset, eb.Size())
	}
	return s.enqueue(streamOp{run: func() error {
		data := eb.bytes()
		if data == nil {
			return fmt.Errorf("copy from freed buffer")
		}
		copy(dst, data[offset:offset+int64(len(dst))])
		return nil
	}})
}

func (s *emuStream) Launch(k *Kernel, cfg LaunchConfig, bufs []Buffer, args []uint64) error {
	if k == nil || k.Func == nil {
		return fmt.Errorf("%w: kernel has no emulated body", ErrLaunchFailed)
	}
	ebs := make([]*emuBuffer, len(bufs))
	for i, b := range bufs {
		eb, err := s.buffer(b)
		if err != nil {
			return err
		}
		ebs[i] = eb
	}
	return s.enqueue(streamOp{run: func() error {
		if s.phys.takeLaunchFault() {
			return fmt.Errorf("%w: %s", ErrLaunchFailed, k.Name)
		}
		mem := make([][]byte, len(ebs))
		for i, eb := range ebs {
			if mem[i] = eb.bytes(); mem[i] == nil {
				return fmt.Errorf("%w: %s uses a freed buffer", ErrLaunchFailed, k.Name)
			}
		}
		return s.execute(k, cfg, mem, args)
	}})
}

// execute runs the grid one block at a time per multiprocessor, the way the
// hardware scheduler hands blocks to SMs.
func (s *emuStream) execute(k *Kernel, cfg LaunchConfig, mem [][]byte, args []uint64) error {
	block := cfg.Block.Count()
	blocks := cfg.Grid.Count()
	var g errgroup.Group
	g.SetLimit(min(s.phys.info.Multiprocessors, runtime.GOMAXPROCS(0)))
	for b := 0; b < blocks; b++ {
		first := b * block
		g.Go(func() error {
			for tid := first; tid < first+block; tid++ {
				if err := k.Func(tid, mem, args); err != nil {
					return fmt.Errorf("%w: %s thread %d: %v", ErrLaunchFailed, k.Name, tid, err)
				}
			}
			return nil
		})
	}
	return g.Wait()
}

func (s *emuStream) Record() (Event, error) {
	ev := &emuEvent{done: make(chan struct{})}
	if err := s.enqueue(streamOp{event: ev}); err != nil {
		return nil, err
	}
	return ev, nil
}

func (s *emuStream) Synchronize(ctx context.Context) error {
	ev, err := s.Record()
	if err != nil {
		return err
	}
	select {
	case <-ev.Done():
		return ev.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting commands. Commands already queued still run, so a
// hung stream finishes once the device recovers.
func (s *emuStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.cond.Broadcast()
	return nil
}

// Package runner drives hash jobs through a device context: upload, kernel
// launches, download and result decoding.
package runner

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/fxnlabs/hash-backend/internal/algo"
	"github.com/fxnlabs/hash-backend/internal/allocator"
	"github.com/fxnlabs/hash-backend/internal/gpu"
	"github.com/fxnlabs/hash-backend/internal/metrics"
	"github.com/fxnlabs/hash-backend/internal/registry"
	"go.uber.org/zap"
)

// MaxBfactor bounds how finely split launches are partitioned.
const MaxBfactor = 12

var (
	ErrBusy              = errors.New("job already in flight")
	ErrNoJob             = errors.New("no job submitted")
	ErrAlgorithmMismatch = errors.New("job algorithm does not match context")
	ErrInvalidJob        = errors.New("invalid job")
)

// State is the job state of a runner.
type State int

const (
	StateIdle State = iota
	StateUploading
	StateExecuting
	StateDownloading
	StateReady
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateUploading:
		return "uploading"
	case StateExecuting:
		return "executing"
	case StateDownloading:
		return "downloading"
	case StateReady:
		return "ready"
	case StateError:
		return "error"
	default:
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
}

// Status is the outcome of a Poll or Wait.
type Status int

const (
	StatusPending Status = iota
	StatusReady
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusReady:
		return "ready"
	default:
		return "failed"
	}
}

// Job is one unit of work: Count nonces starting at StartNonce.
type Job struct {
	Algorithm  string // optional, must match the context when set
	Variant    string
	Blob       []byte
	StartNonce uint32
	Count      int // zero means the grid size
	Target     uint64
}

// Result holds one hash per nonce of a job.
type Result struct {
	Algorithm  string
	StartNonce uint32
	Hashes     [][algo.HashSize]byte
	Valid      []bool
	Elapsed    time.Duration
}

// Nonces returns the nonces whose hash met the target.
func (r *Result) Nonces() []uint32 {
	var out []uint32
	for i, ok := range r.Valid {
		if ok {
			out = append(out, r.StartNonce+uint32(i))
		}
	}
	return out
}

// Options tune a runner.
type Options struct {
	// Bfactor splits the main loop into 2^Bfactor launches to keep single
	// launches short on display GPUs.
	Bfactor int
}

type inflight struct {
	job       Job
	count     int
	submitted time.Time
	executed  gpu.Event
	done      gpu.Event
}

// Runner is the job state machine of one device context. It spawns no
// goroutines; progress is observed by Poll, Wait and State.
type Runner struct {
	dc     *allocator.Context
	opts   Options
	device string
	logger *zap.Logger

	mu     sync.Mutex
	state  State
	job    *inflight
	result *Result
	err    error
}

// New creates a runner over dc.
func New(dc *allocator.Context, opts Options, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts.Bfactor = min(max(opts.Bfactor, 0), MaxBfactor)
	return &Runner{
		dc:     dc,
		opts:   opts,
		device: strconv.Itoa(dc.Device()),
		logger: logger.Named("runner").With(zap.Int("device", dc.Device())),
	}
}

// Context returns the device context the runner drives.
func (r *Runner) Context() *allocator.Context { return r.dc }

func (r *Runner) validate(job Job) (int, error) {
	plan := r.dc.Plan()
	if job.Algorithm != "" && (job.Algorithm != plan.Params.Algorithm || job.Variant != plan.Params.Variant) {
		return 0, fmt.Errorf("%w: job is %s/%s, context is %s",
			ErrAlgorithmMismatch, job.Algorithm, job.Variant, plan.ID())
	}
	if err := plan.Params.CheckBlob(job.Blob); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidJob, err)
	}
	grid := r.dc.Grid()
	count := job.Count
	if count == 0 {
		count = grid
	}
	if count < 0 || count > grid {
		return 0, fmt.Errorf("%w: %d nonces on a grid of %d", ErrInvalidJob, job.Count, grid)
	}
	if uint64(job.StartNonce)+uint64(count)-1 > math.MaxUint32 {
		return 0, fmt.Errorf("%w: nonce range starting at %d overflows", ErrInvalidJob, job.StartNonce)
	}
	return count, nil
}

// Submit enqueues job and returns without waiting for the device. It fails
// with ErrBusy, and leaves the job in flight untouched, unless the runner is
// idle.
func (r *Runner) Submit(job Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.state {
	case StateIdle:
	case StateError:
		return fmt.Errorf("%w: %w", allocator.ErrContextLost, r.err)
	default:
		return fmt.Errorf("%w: %s", ErrBusy, r.state)
	}
	if err := r.dc.Usable(); err != nil {
		return err
	}
	count, err := r.validate(job)
	if err != nil {
		return err
	}

	plan := r.dc.Plan()
	r.job = &inflight{job: job, count: count, submitted: time.Now()}
	r.result = nil
	metrics.JobsSubmitted.WithLabelValues(r.device, plan.ID()).Inc()

	r.state = StateUploading
	if err := r.enqueue(plan); err != nil {
		r.fail(err)
		return r.err
	}
	r.logger.Debug("Job submitted",
		zap.String("algorithm", plan.ID()),
		zap.Uint32("start_nonce", job.StartNonce),
		zap.Int("count", count))
	return nil
}

// enqueue issues the whole job on the stream: upload, every launch of the
// plan in order, and the download. It moves the state to Executing once the
// launches are queued.
func (r *Runner) enqueue(plan *registry.KernelPlan) error {
	job := r.job
	stream := r.dc.Stream()
	staging, err := r.dc.Staging()
	if err != nil {
		return err
	}

	n := registry.InputHeaderSize + len(job.job.Blob)
	if err := registry.EncodeInput(staging[:n], job.job.Blob, job.job.StartNonce, job.job.Target); err != nil {
		return err
	}
	if err := stream.CopyToDevice(r.dc.Input(), 0, staging[:n]); err != nil {
		return err
	}

	r.state = StateExecuting
	bufs := r.dc.Buffers()
	for _, l := range plan.Launches {
		parts := 1
		if l.Split {
			parts = 1 << r.opts.Bfactor
		}
		cfg := l.Config(job.count)
		for part := 0; part < parts; part++ {
			args := []uint64{registry.ArgThreads: uint64(job.count), registry.ArgPart: uint64(part), registry.ArgParts: uint64(parts)}
			if err := stream.Launch(l.Kernel, cfg, bufs, args); err != nil {
				return err
			}
		}
		metrics.KernelLaunches.WithLabelValues(l.Stage).Add(float64(parts))
	}
	executed, err := stream.Record()
	if err != nil {
		return err
	}
	job.executed = executed

	if err := stream.CopyToHost(staging[:job.count*registry.ResultStride], r.dc.Output(), 0); err != nil {
		return err
	}
	done, err := stream.Record()
	if err != nil {
		return err
	}
	job.done = done
	return nil
}

func eventDone(ev gpu.Event) bool {
	if ev == nil {
		return false
	}
	select {
	case <-ev.Done():
		return true
	default:
		return false
	}
}

// advance moves the state forward from what the stream reports. Callers
// hold r.mu.
func (r *Runner) advance() {
	switch r.state {
	case StateUploading, StateExecuting, StateDownloading:
	default:
		return
	}
	if err := r.dc.Usable(); err != nil {
		r.fail(err)
		return
	}
	if r.state == StateExecuting && eventDone(r.job.executed) {
		if err := r.job.executed.Err(); err != nil {
			r.fail(err)
			return
		}
		r.state = StateDownloading
	}
	if r.state == StateDownloading && eventDone(r.job.done) {
		if err := r.job.done.Err(); err != nil {
			r.fail(err)
			return
		}
		r.complete()
	}
}

func (r *Runner) complete() {
	job := r.job
	plan := r.dc.Plan()
	staging, err := r.dc.Staging()
	if err != nil {
		r.fail(err)
		return
	}
	res := &Result{
		Algorithm:  plan.ID(),
		StartNonce: job.job.StartNonce,
		Hashes:     make([][algo.HashSize]byte, job.count),
		Valid:      make([]bool, job.count),
		Elapsed:    time.Since(job.submitted),
	}
	for i := 0; i < job.count; i++ {
		res.Hashes[i], res.Valid[i] = registry.DecodeResult(staging, i)
	}
	r.result = res
	r.job = nil
	r.state = StateReady

	metrics.JobsCompleted.WithLabelValues(r.device, plan.ID()).Inc()
	metrics.HashesTotal.WithLabelValues(r.device, plan.ID()).Add(float64(job.count))
	metrics.JobDuration.Observe(float64(res.Elapsed.Milliseconds()))
}

// fail moves the runner into the terminal error state and marks the context
// lost. Callers hold r.mu.
func (r *Runner) fail(err error) {
	r.state = StateError
	r.err = fmt.Errorf("job on device %s failed: %w", r.device, err)
	r.job = nil
	r.dc.MarkLost(err)
	metrics.JobsFailed.WithLabelValues(r.device, failureReason(err)).Inc()
	r.logger.Error("Job failed", zap.Error(err))
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, gpu.ErrLaunchFailed):
		return "launch_failure"
	case errors.Is(err, gpu.ErrDeviceLost):
		return "device_lost"
	case errors.Is(err, allocator.ErrContextClosed):
		return "context_closed"
	default:
		return "internal"
	}
}

// State returns the current state.
func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.advance()
	return r.state
}

// Err returns the error that moved the runner into the error state.
func (r *Runner) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Poll reports the job without blocking. A ready result is handed over once
// and the runner returns to idle.
func (r *Runner) Poll() (Status, *Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.advance()

	switch r.state {
	case StateIdle:
		return StatusFailed, nil, ErrNoJob
	case StateReady:
		res := r.result
		r.result = nil
		r.state = StateIdle
		return StatusReady, res, nil
	case StateError:
		return StatusFailed, nil, r.err
	default:
		return StatusPending, nil, nil
	}
}

// Wait blocks until the job leaves the device, timeout elapses or ctx is
// done, then reports like Poll. A timeout is not an error: the job is still
// pending. A non-positive timeout waits for ctx only.
func (r *Runner) Wait(ctx context.Context, timeout time.Duration) (Status, *Result, error) {
	r.mu.Lock()
	var done gpu.Event
	if r.job != nil {
		done = r.job.done
	}
	r.mu.Unlock()

	if done != nil {
		var expired <-chan time.Time
		if timeout > 0 {
			t := time.NewTimer(timeout)
			defer t.Stop()
			expired = t.C
		}
		select {
		case <-done.Done():
		case <-expired:
		case <-ctx.Done():
			return StatusPending, nil, ctx.Err()
		}
	}
	return r.Poll()
}

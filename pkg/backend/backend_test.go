package backend

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/fxnlabs/hash-backend/fixtures"
	"github.com/fxnlabs/hash-backend/internal/algo"
	"github.com/fxnlabs/hash-backend/internal/allocator"
	"github.com/fxnlabs/hash-backend/internal/gpu"
	"github.com/fxnlabs/hash-backend/internal/registry"
	"github.com/fxnlabs/hash-backend/internal/runner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testDevices() []gpu.EmuDeviceSpec {
	return []gpu.EmuDeviceSpec{
		{Name: "test-86", Tier: 86, Memory: 512 << 20, Multiprocessors: 8, AllocGranularity: 64 << 10},
		{Name: "test-35", Tier: 35, Memory: 256 << 20, Multiprocessors: 2, AllocGranularity: 64 << 10},
	}
}

func newTestBackend(t *testing.T) (*Backend, *gpu.EmuDriver, *Client) {
	t.Helper()
	drv := gpu.NewEmuDriver(testDevices(), zap.NewNop())
	b, err := New(Options{DriverInstance: drv, CloseGrace: 200 * time.Millisecond, Logger: zap.NewNop()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Release() })

	client, err := Bind(b.API(), Version)
	require.NoError(t, err)
	return b, drv, client
}

func TestBind_VersionMismatch(t *testing.T) {
	// Only Version is set: Bind must not call anything else.
	fixture := &API{Version: Version - 1}
	client, err := Bind(fixture, Version)
	assert.Nil(t, client)
	assert.Equal(t, CodeVersionMismatch, CodeOf(err))
	assert.ErrorIs(t, err, ErrVersionMismatch)

	_, err = Bind(&API{Version: Version + 1}, Version)
	assert.Equal(t, CodeVersionMismatch, CodeOf(err))

	_, err = Bind(nil, Version)
	assert.Equal(t, CodeInvalidArgument, CodeOf(err))
}

func TestAPI_Versions(t *testing.T) {
	b, _, client := newTestBackend(t)

	api := client.API()
	assert.Equal(t, uint32(4), api.Version)
	assert.Equal(t, "6.22.1", api.PluginVersion())
	runtime, driver := api.DriverVersion()
	assert.Positive(t, runtime)
	assert.Positive(t, driver)
	assert.Equal(t, 2, api.DeviceCount())
	assert.Equal(t, 2, b.Table().Count())
}

func TestAPI_DeviceInfo(t *testing.T) {
	_, _, client := newTestBackend(t)

	devices, err := client.Devices()
	require.NoError(t, err)
	require.Len(t, devices, 2)
	assert.Equal(t, "test-86", devices[0].Name)
	assert.Equal(t, 86, devices[0].Tier)
	assert.Equal(t, int64(512<<20), devices[0].TotalMemory)
	assert.Equal(t, int64(512<<20), devices[0].AvailableMemory)
	assert.Equal(t, 8, devices[0].Multiprocessors)

	_, err = client.API().DeviceInfo(2)
	assert.Equal(t, CodeInvalidDevice, CodeOf(err))
	assert.Contains(t, client.API().LastError(0), "InvalidDevice")
}

// Scenario A: a grid of 1024 over a fixed block, every hash checked against
// the CPU reference.
func TestScenario_FullGridMatchesReference(t *testing.T) {
	_, _, client := newTestBackend(t)
	api := client.API()

	const grid = 1024
	h, err := api.ContextOpen(0, "argon2", "wrkz", grid)
	require.NoError(t, err)
	defer api.ContextClose(h)

	blob := fixtures.Block()
	res, err := client.Hash(h, Job{Algorithm: "argon2", Variant: "wrkz", Blob: blob, StartNonce: 0, Target: algo.TargetFromDifficulty(1000)}, 5*time.Minute)
	require.NoError(t, err)
	require.NotNil(t, res)
	require.Len(t, res.Hashes, grid)

	params, err := algo.Lookup("argon2", "wrkz")
	require.NoError(t, err)
	want, err := algo.HashRange(params, blob, 0, grid)
	require.NoError(t, err)
	for i := range want {
		require.Equal(t, want[i], res.Hashes[i], "nonce %d", i)
		assert.Equal(t, algo.Meets(want[i][:], algo.TargetFromDifficulty(1000)), res.Valid[i], "nonce %d", i)
	}
	for _, nonce := range res.Nonces {
		assert.True(t, res.Valid[nonce])
	}
}

func TestScenario_CryptoNightMatchesReference(t *testing.T) {
	grid := 256
	if testing.Short() {
		grid = 32
	}
	_, _, client := newTestBackend(t)
	api := client.API()

	h, err := api.ContextOpen(0, "cn-femto", "1", grid)
	require.NoError(t, err)
	defer api.ContextClose(h)

	blob := fixtures.Block()
	res, err := client.Hash(h, Job{Blob: blob, StartNonce: 1 << 20}, 5*time.Minute)
	require.NoError(t, err)

	params, err := algo.Lookup("cn-femto", "1")
	require.NoError(t, err)
	want, err := algo.HashRange(params, blob, 1<<20, grid)
	require.NoError(t, err)
	assert.Equal(t, want, res.Hashes)
	assert.Empty(t, res.Nonces)
}

// Scenario B: no kernel for the device tier, and nothing is allocated.
func TestScenario_UnsupportedCreatesNoContext(t *testing.T) {
	b, drv, client := newTestBackend(t)
	api := client.API()

	h, err := api.ContextOpen(1, "argon2", "chukwa", 64)
	assert.Zero(t, h)
	assert.Equal(t, CodeUnsupportedAlgorithm, CodeOf(err))
	assert.ErrorIs(t, err, &Error{Code: CodeUnsupportedAlgorithm})
	assert.Zero(t, drv.Allocated(1))
	assert.Empty(t, b.handles)
	assert.Contains(t, api.LastError(0), "argon2/chukwa")

	_, err = api.ContextOpen(0, "rx", "0", 64)
	assert.Equal(t, CodeUnsupportedAlgorithm, CodeOf(err))

	_, err = api.SuggestGridSize(1, "cn-test-heavy", "0")
	assert.Equal(t, CodeUnsupportedAlgorithm, CodeOf(err))
}

// Scenario C: a grid that cannot fit the available memory.
func TestScenario_AllocationFailure(t *testing.T) {
	_, drv, client := newTestBackend(t)
	api := client.API()

	info, err := api.DeviceInfo(0)
	require.NoError(t, err)

	h, err := api.ContextOpen(0, "cn", "1", 1024)
	assert.Zero(t, h)
	assert.Equal(t, CodeAllocationFailed, CodeOf(err))

	var be *Error
	require.ErrorAs(t, err, &be)
	assert.Greater(t, be.Requested, be.Available)
	assert.Equal(t, info.AvailableMemory, be.Available)
	assert.Zero(t, drv.Allocated(0))
}

func TestContextLifecycle(t *testing.T) {
	_, drv, client := newTestBackend(t)
	api := client.API()

	grid, err := api.SuggestGridSize(0, "cn-femto", "1")
	require.NoError(t, err)
	assert.Positive(t, grid)

	h, err := api.ContextOpen(0, "cn-femto", "1", 16)
	require.NoError(t, err)
	assert.NotZero(t, h)
	assert.Positive(t, drv.Allocated(0))

	t.Run("ResizeAtomicOnFailure", func(t *testing.T) {
		before := drv.Allocated(0)
		err := api.ContextResize(h, 8192)
		assert.Equal(t, CodeAllocationFailed, CodeOf(err))
		assert.Equal(t, before, drv.Allocated(0))

		require.NoError(t, api.ContextResize(h, 32))
		res, err := client.Hash(h, Job{Blob: fixtures.Block()}, time.Minute)
		require.NoError(t, err)
		assert.Len(t, res.Hashes, 32)
	})

	t.Run("InvalidGrid", func(t *testing.T) {
		assert.Equal(t, CodeInvalidArgument, CodeOf(api.ContextResize(h, 0)))
	})

	t.Run("NoJob", func(t *testing.T) {
		res := api.Poll(h)
		assert.Equal(t, PollFailed, res.Status)
		assert.Equal(t, CodeNoJob, res.Err.Code)
	})

	require.NoError(t, api.ContextClose(h))
	assert.Zero(t, drv.Allocated(0))

	assert.Equal(t, CodeInvalidHandle, CodeOf(api.ContextClose(h)))
	assert.Equal(t, CodeInvalidHandle, CodeOf(api.Submit(h, Job{Blob: fixtures.Block()})))
	assert.Equal(t, CodeInvalidHandle, api.Poll(h).Err.Code)
	assert.Equal(t, CodeInvalidHandle, api.Wait(h, 10).Err.Code)
	assert.Empty(t, api.LastError(h))
}

func TestSubmit_BusyAndFailure(t *testing.T) {
	_, drv, client := newTestBackend(t)
	api := client.API()

	h, err := api.ContextOpen(0, "cn-femto", "1", 8)
	require.NoError(t, err)
	defer api.ContextClose(h)

	drv.InjectFault(0, gpu.FaultHang)
	require.NoError(t, api.Submit(h, Job{Blob: fixtures.Block()}))

	err = api.Submit(h, Job{Blob: fixtures.Block()})
	assert.Equal(t, CodeBusy, CodeOf(err))
	assert.Contains(t, api.LastError(h), "Busy")
	assert.Equal(t, CodeBusy, CodeOf(api.ContextResize(h, 16)))

	res := api.Wait(h, 20)
	assert.Equal(t, PollPending, res.Status)
	assert.Equal(t, PollPending, api.Poll(h).Status)

	drv.ClearFaults(0)
	res = api.Wait(h, -1)
	require.Equal(t, PollReady, res.Status)
	assert.Len(t, res.Result.Hashes, 8)

	// A launch failure is terminal for the context.
	drv.InjectFault(0, gpu.FaultLaunch)
	require.NoError(t, api.Submit(h, Job{Blob: fixtures.Block()}))
	res = api.Wait(h, -1)
	assert.Equal(t, PollFailed, res.Status)
	assert.Equal(t, CodeLaunchFailure, res.Err.Code)
	assert.Contains(t, api.LastError(h), "LaunchFailure")

	assert.Equal(t, CodeDeviceLost, CodeOf(api.Submit(h, Job{Blob: fixtures.Block()})))
	assert.Equal(t, CodeDeviceLost, CodeOf(api.ContextResize(h, 16)))

	// Close and reopen recovers.
	require.NoError(t, api.ContextClose(h))
	h, err = api.ContextOpen(0, "cn-femto", "1", 8)
	require.NoError(t, err)
	_, err = client.Hash(h, Job{Blob: fixtures.Block()}, time.Minute)
	assert.NoError(t, err)
}

func TestSubmit_InvalidArguments(t *testing.T) {
	_, _, client := newTestBackend(t)
	api := client.API()

	h, err := api.ContextOpen(0, "cn-femto", "1", 8)
	require.NoError(t, err)
	defer api.ContextClose(h)

	assert.Equal(t, CodeInvalidArgument, CodeOf(api.Submit(h, Job{Blob: []byte{1, 2, 3}})))
	assert.Equal(t, CodeInvalidArgument, CodeOf(api.Submit(h, Job{Algorithm: "cn", Variant: "0", Blob: fixtures.Block()})))
	assert.Equal(t, CodeInvalidArgument, CodeOf(api.Submit(h, Job{Blob: fixtures.Block(), Count: 9})))
}

func TestNew_DeviceQueryFailed(t *testing.T) {
	_, err := New(Options{DriverInstance: brokenDriver{}})
	assert.Equal(t, CodeDeviceQueryFailed, CodeOf(err))

	_, err = Load(Options{Driver: "no-such-driver"})
	assert.Equal(t, CodeDeviceQueryFailed, CodeOf(err))

	api, err := Load(Options{})
	require.NoError(t, err)
	assert.Equal(t, Version, api.Version)
	require.NoError(t, api.Release())
}

type brokenDriver struct{ gpu.Driver }

func (brokenDriver) Name() string { return "broken" }

func (brokenDriver) Probe() ([]gpu.DeviceInfo, error) {
	return nil, errors.New("no driver library")
}

func TestRelease(t *testing.T) {
	b, drv, client := newTestBackend(t)
	api := client.API()

	for i := 0; i < 3; i++ {
		_, err := api.ContextOpen(0, "cn-femto", "1", 8)
		require.NoError(t, err)
	}
	assert.Positive(t, drv.Allocated(0))

	require.NoError(t, api.Release())
	assert.Zero(t, drv.Allocated(0))
	assert.True(t, b.isReleased())

	_, err := api.ContextOpen(0, "cn-femto", "1", 8)
	assert.Equal(t, CodeInvalidHandle, CodeOf(err))
	require.NoError(t, api.Release())
}

func TestCodeOf(t *testing.T) {
	testCases := []struct {
		err  error
		want Code
	}{
		{nil, CodeOK},
		{gpu.ErrDeviceQueryFailed, CodeDeviceQueryFailed},
		{gpu.ErrDeviceNotFound, CodeInvalidDevice},
		{&allocator.AllocationError{Requested: 2, Available: 1}, CodeAllocationFailed},
		{&registry.UnsupportedError{Algorithm: "rx"}, CodeUnsupportedAlgorithm},
		{fmt.Errorf("wrapped: %w", gpu.ErrLaunchFailed), CodeLaunchFailure},
		{gpu.ErrDeviceLost, CodeDeviceLost},
		{fmt.Errorf("%w: %w", allocator.ErrContextLost, gpu.ErrLaunchFailed), CodeDeviceLost},
		{runner.ErrBusy, CodeBusy},
		{allocator.ErrContextClosed, CodeInvalidHandle},
		{runner.ErrNoJob, CodeNoJob},
		{allocator.ErrInvalidGridSize, CodeInvalidArgument},
		{&Error{Code: CodeVersionMismatch}, CodeVersionMismatch},
		{errors.New("surprise"), CodeInternal},
	}
	for _, tc := range testCases {
		t.Run(tc.want.String(), func(t *testing.T) {
			assert.Equal(t, tc.want, CodeOf(tc.err))
		})
	}

	// Codes are part of the ABI and never renumbered.
	assert.Equal(t, Code(0), CodeOK)
	assert.Equal(t, Code(3), CodeAllocationFailed)
	assert.Equal(t, Code(6), CodeDeviceLost)
	assert.Equal(t, Code(12), CodeInternal)
	assert.Equal(t, "Code(99)", Code(99).String())
}

func TestToError_CarriesAllocationSizes(t *testing.T) {
	be := toError(fmt.Errorf("open: %w", &allocator.AllocationError{Device: 1, Requested: 10, Available: 4}))
	require.NotNil(t, be)
	assert.Equal(t, CodeAllocationFailed, be.Code)
	assert.Equal(t, int64(10), be.Requested)
	assert.Equal(t, int64(4), be.Available)
	assert.Nil(t, toError(nil))
}

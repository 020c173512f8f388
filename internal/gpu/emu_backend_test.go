package gpu

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testSpecs() []EmuDeviceSpec {
	return []EmuDeviceSpec{
		{Name: "test-0", Tier: 61, Memory: 64 << 20, Multiprocessors: 4, AllocGranularity: 1 << 20},
		{Name: "test-1", Tier: 86, Memory: 32 << 20, Multiprocessors: 2, AllocGranularity: 1 << 20},
	}
}

// squareKernel writes tid*tid into the first buffer as uint32 little endian.
var squareKernel = &Kernel{
	Name: "square",
	Func: func(tid int, mem [][]byte, args []uint64) error {
		if tid >= int(args[0]) {
			return nil
		}
		binary.LittleEndian.PutUint32(mem[0][tid*4:], uint32(tid*tid))
		return nil
	},
}

func openTestDevice(t *testing.T, drv *EmuDriver, index int) Device {
	t.Helper()
	dev, err := drv.Open(index)
	require.NoError(t, err)
	t.Cleanup(func() { _ = dev.Close() })
	return dev
}

func TestEmuDriver_Probe(t *testing.T) {
	drv := NewEmuDriver(testSpecs(), zap.NewNop())

	infos, err := drv.Probe()
	require.NoError(t, err)
	require.Len(t, infos, 2)

	assert.Equal(t, "test-0", infos[0].Name)
	assert.Equal(t, 61, infos[0].Tier)
	assert.Equal(t, "6.1", infos[0].ComputeCapability())
	assert.Equal(t, int64(64<<20), infos[0].AvailableMemory)
	assert.Equal(t, DriverEmu, infos[1].Driver)

	_, err = drv.Open(5)
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestEmuDevice_AllocAccounting(t *testing.T) {
	drv := NewEmuDriver(testSpecs(), zap.NewNop())
	dev := openTestDevice(t, drv, 1)

	buf, err := dev.Alloc(16 << 20)
	require.NoError(t, err)
	assert.Equal(t, int64(16<<20), drv.Allocated(1))

	free, total := dev.MemInfo()
	assert.Equal(t, int64(16<<20), free)
	assert.Equal(t, int64(32<<20), total)

	_, err = dev.Alloc(17 << 20)
	assert.ErrorIs(t, err, ErrOutOfMemory)
	assert.Equal(t, int64(16<<20), drv.Allocated(1), "failed allocation must not reserve memory")

	require.NoError(t, buf.Free())
	require.NoError(t, buf.Free())
	assert.Equal(t, int64(0), drv.Allocated(1))
}

func TestEmuStream_InOrderExecution(t *testing.T) {
	drv := NewEmuDriver(testSpecs(), zap.NewNop())
	dev := openTestDevice(t, drv, 0)

	const threads = 100
	buf, err := dev.Alloc(threads * 4)
	require.NoError(t, err)
	defer buf.Free()

	stream, err := dev.NewStream()
	require.NoError(t, err)
	defer stream.Close()

	host, err := dev.AllocHost(threads * 4)
	require.NoError(t, err)
	for i := range host {
		host[i] = 0xff
	}

	cfg := LaunchConfig{Grid: GridFor(threads, 32), Block: Dim{X: 32, Y: 1, Z: 1}}
	require.NoError(t, stream.CopyToDevice(buf, 0, host))
	require.NoError(t, stream.Launch(squareKernel, cfg, []Buffer{buf}, []uint64{threads}))
	out := make([]byte, threads*4)
	require.NoError(t, stream.CopyToHost(out, buf, 0))

	ev, err := stream.Record()
	require.NoError(t, err)
	select {
	case <-ev.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not complete")
	}
	require.NoError(t, ev.Err())

	for i := 0; i < threads; i++ {
		assert.Equal(t, uint32(i*i), binary.LittleEndian.Uint32(out[i*4:]), "thread %d", i)
	}
}

func TestEmuStream_Faults(t *testing.T) {
	cfg := LaunchConfig{Grid: Dim{X: 1, Y: 1, Z: 1}, Block: Dim{X: 4, Y: 1, Z: 1}}

	t.Run("launch failure is sticky", func(t *testing.T) {
		drv := NewEmuDriver(testSpecs(), zap.NewNop())
		dev := openTestDevice(t, drv, 0)
		buf, err := dev.Alloc(16)
		require.NoError(t, err)
		stream, err := dev.NewStream()
		require.NoError(t, err)

		drv.InjectFault(0, FaultLaunch)
		require.NoError(t, stream.Launch(squareKernel, cfg, []Buffer{buf}, []uint64{4}))
		require.NoError(t, stream.Launch(squareKernel, cfg, []Buffer{buf}, []uint64{4}))
		err = stream.Synchronize(context.Background())
		assert.ErrorIs(t, err, ErrLaunchFailed)
		assert.True(t, IsDeviceFailure(err))
	})

	t.Run("device lost", func(t *testing.T) {
		drv := NewEmuDriver(testSpecs(), zap.NewNop())
		dev := openTestDevice(t, drv, 0)
		buf, err := dev.Alloc(16)
		require.NoError(t, err)
		stream, err := dev.NewStream()
		require.NoError(t, err)

		drv.InjectFault(0, FaultDeviceLost)
		require.NoError(t, stream.Launch(squareKernel, cfg, []Buffer{buf}, []uint64{4}))
		assert.ErrorIs(t, stream.Synchronize(context.Background()), ErrDeviceLost)

		_, err = dev.Alloc(16)
		assert.ErrorIs(t, err, ErrDeviceLost)
	})

	t.Run("hang until cleared", func(t *testing.T) {
		drv := NewEmuDriver(testSpecs(), zap.NewNop())
		dev := openTestDevice(t, drv, 0)
		stream, err := dev.NewStream()
		require.NoError(t, err)

		drv.InjectFault(0, FaultHang)
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		assert.True(t, errors.Is(stream.Synchronize(ctx), context.DeadlineExceeded))

		drv.ClearFaults(0)
		assert.NoError(t, stream.Synchronize(context.Background()))
	})
}

func TestEmuStream_RejectsForeignBuffer(t *testing.T) {
	drv := NewEmuDriver(testSpecs(), zap.NewNop())
	dev0 := openTestDevice(t, drv, 0)
	dev1 := openTestDevice(t, drv, 1)

	buf, err := dev1.Alloc(16)
	require.NoError(t, err)
	defer buf.Free()

	stream, err := dev0.NewStream()
	require.NoError(t, err)
	defer stream.Close()

	assert.ErrorIs(t, stream.CopyToDevice(buf, 0, []byte{1}), ErrForeignBuffer)
	assert.Error(t, stream.CopyToDevice(nil, 0, []byte{1}))
}

func TestEmuStream_Closed(t *testing.T) {
	drv := NewEmuDriver(testSpecs(), zap.NewNop())
	dev := openTestDevice(t, drv, 0)
	stream, err := dev.NewStream()
	require.NoError(t, err)

	require.NoError(t, stream.Close())
	require.NoError(t, stream.Close())
	_, err = stream.Record()
	assert.ErrorIs(t, err, ErrStreamClosed)
}

package registry

import (
	"context"
	"sync"
	"testing"

	"github.com/fxnlabs/hash-backend/internal/algo"
	"github.com/fxnlabs/hash-backend/internal/gpu"
	"github.com/fxnlabs/hash-backend/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestResolve_Deterministic(t *testing.T) {
	r := New(zap.NewNop())

	for _, p := range algo.All() {
		t.Run(p.ID(), func(t *testing.T) {
			first, err := r.Resolve(p.Algorithm, p.Variant, 86)
			require.NoError(t, err)
			second, err := r.Resolve(p.Algorithm, p.Variant, 86)
			require.NoError(t, err)

			assert.Same(t, first, second)
			assert.Equal(t, p, first.Params)
			assert.NotEmpty(t, first.Launches)
			for _, l := range first.Launches {
				assert.Equal(t, p.PerThreadStateSize(), l.ScratchStride)
				assert.NotNil(t, l.Kernel.Func)
			}
		})
	}
}

func TestResolve_ConcurrentFirstResolution(t *testing.T) {
	r := New(zap.NewNop())

	const workers = 16
	plans := make([]*KernelPlan, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := r.Resolve("cn", "1", 75)
			assert.NoError(t, err)
			plans[i] = p
		}(i)
	}
	wg.Wait()

	for _, p := range plans {
		assert.Same(t, plans[0], p)
	}
	assert.Equal(t, 1, r.Cached())
}

func TestResolve_TierSelection(t *testing.T) {
	r := New(zap.NewNop())

	testCases := []struct {
		name      string
		algorithm string
		variant   string
		tier      int
		wantBuild int
		wantBlock uint32
	}{
		{"exact match", "cn", "1", 86, 86, 32},
		{"fallback to highest lower tier", "cn", "1", 61, 60, 16},
		{"fallback across generations", "cn-lite", "0", 89, 86, 32},
		{"oldest supported", "cn", "0", 35, 30, 8},
		{"heavy exact", "cn-test-heavy", "0", 70, 70, 32},
		{"argon2 fallback", "argon2", "chukwa", 61, 60, 32},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			plan, err := r.Resolve(tc.algorithm, tc.variant, tc.tier)
			require.NoError(t, err)
			assert.Equal(t, tc.wantBuild, plan.BuildTier)
			assert.Equal(t, tc.tier, plan.DeviceTier)
			assert.Equal(t, tc.wantBuild == tc.tier, plan.Exact())
			assert.Equal(t, tc.wantBlock, plan.Block)
		})
	}
}

func TestResolve_ExactBeatsLowerTier(t *testing.T) {
	r := NewWithBuilds([]Build{
		{Algorithm: "cn", Variant: "1", Tier: 60, Block: 16},
		{Algorithm: "cn", Tier: 61, Block: 8},
		{Algorithm: "cn", Variant: "1", Tier: 50, Block: 4},
	}, zap.NewNop())

	plan, err := r.Resolve("cn", "1", 61)
	require.NoError(t, err)
	assert.Equal(t, 61, plan.BuildTier)
	assert.Equal(t, uint32(8), plan.Block)

	plan, err = r.Resolve("cn", "1", 70)
	require.NoError(t, err)
	assert.Equal(t, 61, plan.BuildTier)
}

func TestResolve_Unsupported(t *testing.T) {
	r := New(zap.NewNop())

	testCases := []struct {
		name      string
		algorithm string
		variant   string
		tier      int
		minTier   int
	}{
		{"argon2 below its lowest build", "argon2", "chukwa", 35, 50},
		{"heavy on old device", "cn-test-heavy", "0", 52, 60},
		{"unknown family", "rx", "0", 86, 0},
		{"unknown variant", "cn", "7", 86, 0},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			before := testutil.ToFloat64(metrics.PlanResolutions.WithLabelValues("unsupported"))

			plan, err := r.Resolve(tc.algorithm, tc.variant, tc.tier)
			assert.Nil(t, plan)
			assert.ErrorIs(t, err, ErrUnsupportedAlgorithm)

			var unsupported *UnsupportedError
			require.ErrorAs(t, err, &unsupported)
			assert.Equal(t, tc.tier, unsupported.Tier)
			assert.Equal(t, tc.minTier, unsupported.MinTier)

			assert.Equal(t, before+1, testutil.ToFloat64(metrics.PlanResolutions.WithLabelValues("unsupported")))
		})
	}
	assert.Equal(t, 0, r.Cached())
}

func TestPurge(t *testing.T) {
	r := New(zap.NewNop())

	old, err := r.Resolve("cn", "0", 61)
	require.NoError(t, err)
	_, err = r.Resolve("cn", "0", 86)
	require.NoError(t, err)
	_, err = r.Resolve("cn", "1", 86)
	require.NoError(t, err)

	assert.Equal(t, 2, r.Purge("cn", "0"))
	assert.Equal(t, 1, r.Cached())

	fresh, err := r.Resolve("cn", "0", 61)
	require.NoError(t, err)
	assert.NotSame(t, old, fresh)
	assert.Equal(t, old.BuildTier, fresh.BuildTier)
	assert.Len(t, old.Launches, len(fresh.Launches))
}

func TestSupported(t *testing.T) {
	r := New(zap.NewNop())

	assert.NotContains(t, r.Supported(35), "argon2/chukwa")
	assert.NotContains(t, r.Supported(35), "cn-test-heavy/0")
	assert.Contains(t, r.Supported(35), "cn/1")
	assert.Len(t, r.Supported(86), len(algo.All()))
	assert.Empty(t, r.Supported(20))
}

func TestLaunchConfig(t *testing.T) {
	l := Launch{Block: 32, SharedMem: aesSharedMem}
	cfg := l.Config(1000)
	assert.Equal(t, uint32(32), cfg.Grid.X)
	assert.Equal(t, uint32(32), cfg.Block.X)
	assert.Equal(t, 1024, cfg.Threads())
	assert.Equal(t, aesSharedMem, cfg.SharedMem)
}

func TestParseTier(t *testing.T) {
	testCases := []struct {
		in   string
		want int
		ok   bool
	}{
		{"8.6", 86, true},
		{"86", 86, true},
		{"sm_61", 61, true},
		{" 7.5 ", 75, true},
		{"abc", 0, false},
		{"0", 0, false},
	}
	for _, tc := range testCases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseTier(tc.in)
			if !tc.ok {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

// runPlan executes plan on a fresh emulated device and returns the output
// buffer.
func runPlan(t *testing.T, plan *KernelPlan, blob []byte, start uint32, threads int, target uint64, parts int) []byte {
	t.Helper()
	drv := gpu.NewEmuDriver([]gpu.EmuDeviceSpec{{Name: "test", Tier: plan.DeviceTier, Memory: 256 << 20, Multiprocessors: 4}}, zap.NewNop())
	dev, err := drv.Open(0)
	require.NoError(t, err)
	defer dev.Close()

	input, err := dev.Alloc(InputSize)
	require.NoError(t, err)
	state, err := dev.Alloc(plan.ThreadStride() * int64(threads))
	require.NoError(t, err)
	output, err := dev.Alloc(int64(threads) * ResultStride)
	require.NoError(t, err)

	stream, err := dev.NewStream()
	require.NoError(t, err)
	defer stream.Close()

	host := make([]byte, InputSize)
	require.NoError(t, EncodeInput(host, blob, start, target))
	require.NoError(t, stream.CopyToDevice(input, 0, host))

	bufs := []gpu.Buffer{input, state, output}
	for _, l := range plan.Launches {
		n := 1
		if l.Split {
			n = parts
		}
		for part := 0; part < n; part++ {
			args := []uint64{uint64(threads), uint64(part), uint64(n)}
			require.NoError(t, stream.Launch(l.Kernel, l.Config(threads), bufs, args))
		}
	}
	out := make([]byte, int64(threads)*ResultStride)
	require.NoError(t, stream.CopyToHost(out, output, 0))
	require.NoError(t, stream.Synchronize(context.Background()))
	return out
}

func testBlob() []byte {
	blob := make([]byte, 76)
	for i := range blob {
		blob[i] = byte(255 - i)
	}
	return blob
}

func TestKernels_MatchReference(t *testing.T) {
	r := New(zap.NewNop())
	testCases := []struct {
		algorithm string
		variant   string
		threads   int
		parts     int
	}{
		{"cn-femto", "1", 5, 1},
		{"cn-femto", "1", 3, 4},
		{"argon2", "wrkz", 6, 1},
	}
	for _, tc := range testCases {
		t.Run(tc.algorithm+"/"+tc.variant, func(t *testing.T) {
			plan, err := r.Resolve(tc.algorithm, tc.variant, 86)
			require.NoError(t, err)

			blob := testBlob()
			const start = 1000
			want, err := algo.HashRange(plan.Params, blob, start, tc.threads)
			require.NoError(t, err)

			out := runPlan(t, plan, blob, start, tc.threads, algo.TargetFromDifficulty(1), tc.parts)
			for i := 0; i < tc.threads; i++ {
				hash, valid := DecodeResult(out, i)
				assert.Equal(t, want[i], hash, "thread %d", i)
				assert.True(t, valid, "thread %d", i)
			}
		})
	}
}

func TestCheckTarget(t *testing.T) {
	out := make([]byte, 2*ResultStride)
	out[31] = 0x01             // LE64 of hash[24:32] = 1<<56
	out[ResultStride+31] = 0xff // far above the target
	in := make([]byte, InputSize)
	require.NoError(t, EncodeInput(in, testBlob(), 0, 1<<57))

	mem := [][]byte{in, nil, out}
	args := []uint64{2, 0, 1}
	require.NoError(t, checkTarget(0, mem, args))
	require.NoError(t, checkTarget(1, mem, args))
	require.NoError(t, checkTarget(2, mem, args)) // beyond the active threads

	_, valid := DecodeResult(out, 0)
	assert.True(t, valid)
	_, valid = DecodeResult(out, 1)
	assert.False(t, valid)
}

func TestEncodeInput_Errors(t *testing.T) {
	assert.ErrorIs(t, EncodeInput(make([]byte, InputSize), make([]byte, algo.MaxBlobSize+1), 0, 0), algo.ErrBlobTooLong)
	assert.Error(t, EncodeInput(make([]byte, 8), testBlob(), 0, 0))
}

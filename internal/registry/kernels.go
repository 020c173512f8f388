package registry

import (
	"encoding/binary"
	"fmt"

	"github.com/fxnlabs/hash-backend/internal/algo"
	"github.com/fxnlabs/hash-backend/internal/algo/cn"
	"github.com/fxnlabs/hash-backend/internal/gpu"
)

// Buffer slots passed to every kernel, in launch argument order.
const (
	BufInput = iota
	BufState
	BufOutput
	NumBuffers
)

// Scalar argument slots.
const (
	ArgThreads = iota // active threads, kernels return early beyond it
	ArgPart           // index of this partition of a split launch
	ArgParts          // number of partitions of a split launch
	NumArgs
)

// Input buffer layout: blob length, start nonce and target followed by the
// blob itself.
const (
	InputHeaderSize = 16
	InputSize       = InputHeaderSize + algo.MaxBlobSize
)

// ResultStride is the per-thread output record: the hash followed by a
// little endian 32-bit valid flag.
const ResultStride = 40

const aesSharedMem = 4 * 256 * 4 // four T-tables

// EncodeInput writes the input record of a job into dst.
func EncodeInput(dst, blob []byte, startNonce uint32, target uint64) error {
	if len(blob) > algo.MaxBlobSize {
		return fmt.Errorf("%w: %d bytes", algo.ErrBlobTooLong, len(blob))
	}
	if len(dst) < InputHeaderSize+len(blob) {
		return fmt.Errorf("input buffer of %d bytes is too small", len(dst))
	}
	binary.LittleEndian.PutUint32(dst[0:], uint32(len(blob)))
	binary.LittleEndian.PutUint32(dst[4:], startNonce)
	binary.LittleEndian.PutUint64(dst[8:], target)
	copy(dst[InputHeaderSize:], blob)
	return nil
}

// DecodeResult reads the record of thread tid from an output buffer.
func DecodeResult(out []byte, tid int) (hash [algo.HashSize]byte, valid bool) {
	rec := out[tid*ResultStride : (tid+1)*ResultStride]
	copy(hash[:], rec)
	return hash, binary.LittleEndian.Uint32(rec[algo.HashSize:]) == 1
}

// threadBlob copies the job blob into buf with the nonce of thread tid set.
func threadBlob(in []byte, tid int, buf *[algo.MaxBlobSize]byte) []byte {
	n := binary.LittleEndian.Uint32(in[0:])
	start := binary.LittleEndian.Uint32(in[4:])
	blob := buf[:n]
	copy(blob, in[InputHeaderSize:InputHeaderSize+int(n)])
	algo.SetNonce(blob, start+uint32(tid))
	return blob
}

type stateLayout struct {
	stride  int64
	context int64
}

func (l stateLayout) split(state []byte, tid int) (ctx, scratch []byte) {
	base := int64(tid) * l.stride
	return state[base : base+l.context], state[base+l.context : base+l.stride]
}

func active(tid int, args []uint64) bool {
	return uint64(tid) < args[ArgThreads]
}

func kernelName(stage string, p algo.Params, tier int) string {
	return fmt.Sprintf("%s<%s>@sm_%d", stage, p.ID(), tier)
}

// cnLaunches builds the five phase CryptoNight pipeline followed by the
// target check.
func cnLaunches(p algo.Params, b Build, layout stateLayout) []Launch {
	params := p.CN
	prepare := func(tid int, mem [][]byte, args []uint64) error {
		if !active(tid, args) {
			return nil
		}
		var buf [algo.MaxBlobSize]byte
		blob := threadBlob(mem[BufInput], tid, &buf)
		ctx, _ := layout.split(mem[BufState], tid)
		cn.Prepare(ctx, blob, params)
		return nil
	}
	explode := func(tid int, mem [][]byte, args []uint64) error {
		if !active(tid, args) {
			return nil
		}
		ctx, scratch := layout.split(mem[BufState], tid)
		cn.Explode(ctx, scratch, params)
		return nil
	}
	shuffle := func(tid int, mem [][]byte, args []uint64) error {
		if !active(tid, args) {
			return nil
		}
		parts := int(args[ArgParts])
		if parts < 1 {
			parts = 1
		}
		part := int(args[ArgPart])
		from := params.Iterations * part / parts
		to := params.Iterations * (part + 1) / parts
		ctx, scratch := layout.split(mem[BufState], tid)
		cn.Shuffle(ctx, scratch, params, from, to)
		return nil
	}
	implode := func(tid int, mem [][]byte, args []uint64) error {
		if !active(tid, args) {
			return nil
		}
		ctx, scratch := layout.split(mem[BufState], tid)
		cn.Implode(ctx, scratch, params)
		return nil
	}
	finalize := func(tid int, mem [][]byte, args []uint64) error {
		if !active(tid, args) {
			return nil
		}
		ctx, _ := layout.split(mem[BufState], tid)
		cn.Finalize(ctx, mem[BufOutput][tid*ResultStride:])
		return nil
	}

	return []Launch{
		b.launch("cn_prepare", p, prepare, 0, layout, false),
		b.launch("cn_explode", p, explode, aesSharedMem, layout, false),
		b.launch("cn_shuffle", p, shuffle, 0, layout, true),
		b.launch("cn_implode", p, implode, aesSharedMem, layout, false),
		b.launch("cn_finalize", p, finalize, 0, layout, false),
		b.launch("check_target", p, checkTarget, 0, layout, false),
	}
}

func argon2Launches(p algo.Params, b Build, layout stateLayout) []Launch {
	params := p.Argon2
	hash := func(tid int, mem [][]byte, args []uint64) error {
		if !active(tid, args) {
			return nil
		}
		var buf [algo.MaxBlobSize]byte
		blob := threadBlob(mem[BufInput], tid, &buf)
		if len(blob) < params.SaltSize {
			return fmt.Errorf("%w: %d bytes", algo.ErrBlobTooShort, len(blob))
		}
		// BufState is sized for the per-thread memory cost but left untouched:
		// IDKey allocates its own blocks on the host.
		sum := algo.Argon2Hash(blob, params)
		copy(mem[BufOutput][tid*ResultStride:], sum[:])
		return nil
	}
	return []Launch{
		b.launch("argon2id_hash", p, hash, 0, layout, false),
		b.launch("check_target", p, checkTarget, 0, layout, false),
	}
}

// checkTarget flags the hashes below the job target.
func checkTarget(tid int, mem [][]byte, args []uint64) error {
	if !active(tid, args) {
		return nil
	}
	target := binary.LittleEndian.Uint64(mem[BufInput][8:])
	rec := mem[BufOutput][tid*ResultStride : (tid+1)*ResultStride]
	var flag uint32
	if algo.Meets(rec[:algo.HashSize], target) {
		flag = 1
	}
	binary.LittleEndian.PutUint32(rec[algo.HashSize:], flag)
	return nil
}

func (b Build) launch(stage string, p algo.Params, fn gpu.KernelFunc, shared int, layout stateLayout, split bool) Launch {
	return Launch{
		Kernel:        &gpu.Kernel{Name: kernelName(stage, p, b.Tier), Func: fn},
		Stage:         stage,
		Block:         b.Block,
		SharedMem:     shared,
		ScratchStride: layout.stride,
		Split:         split,
	}
}

// Package cn implements the CryptoNight-style memory-hard hash as a set of
// per-thread phases. The phases are shared by the device kernels and the CPU
// reference so both produce identical hashes.
//
// A thread owns a context of ContextSize bytes (Keccak state followed by the
// main loop registers) and a scratchpad of Params.Memory bytes.
package cn

import (
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"math/bits"

	"github.com/aead/skein"
	"github.com/dchest/blake256"
)

const (
	// StateSize is the size of the Keccak sponge state.
	StateSize = 200
	// ContextSize is the per-thread context stride: state, a, b, tweak, padded.
	ContextSize = 256
	// HashSize is the size of the final hash.
	HashSize = 32

	regsOffset  = StateSize
	tweakOffset = StateSize + 32
	textSize    = 128
	blockSize   = 16
)

// Mix selects the main loop mixing function.
type Mix int

const (
	MixV0 Mix = iota
	// MixV1 adds the tweak on both scratchpad writes. Requires 43 byte blobs.
	MixV1
)

// MinBlobSize returns the shortest input the mixing function accepts.
func (m Mix) MinBlobSize() int {
	if m == MixV1 {
		return 43
	}
	return 0
}

// Params are the per-variant parameters.
type Params struct {
	Memory     int // scratchpad bytes, a power of two
	Iterations int
	Mix        Mix
}

func (p Params) mask() uint64 {
	return uint64(p.Memory - blockSize)
}

var ErrInvalidParams = errors.New("cn: invalid parameters")

// Validate checks that the scratchpad is a power of two holding at least one
// text block and that the loop runs.
func (p Params) Validate() error {
	if p.Memory < textSize || p.Memory&(p.Memory-1) != 0 || p.Iterations <= 0 {
		return ErrInvalidParams
	}
	return nil
}

// Prepare absorbs blob into the context state and initialises the main loop
// registers.
func Prepare(ctx, blob []byte, p Params) {
	state := ctx[:StateSize]
	keccak1600(blob, state)

	regs := ctx[regsOffset : regsOffset+32]
	subtle.XORBytes(regs[0:16], state[0:16], state[32:48])
	subtle.XORBytes(regs[16:32], state[16:32], state[48:64])

	var tweak uint64
	if p.Mix == MixV1 {
		tweak = binary.LittleEndian.Uint64(blob[35:]) ^ binary.LittleEndian.Uint64(state[192:])
	}
	binary.LittleEndian.PutUint64(ctx[tweakOffset:], tweak)
}

// Explode fills the scratchpad from the state with AES rounds keyed by the
// first 32 bytes of the state.
func Explode(ctx, scratch []byte, p Params) {
	keys := expandKey(ctx[0:32])
	var text [textSize / blockSize][16]byte
	for k := range text {
		copy(text[k][:], ctx[64+k*blockSize:])
	}
	for i := 0; i < p.Memory; i += textSize {
		for k := range text {
			for r := 0; r < 10; r++ {
				aesRound(&text[k], &keys[r])
			}
			copy(scratch[i+k*blockSize:], text[k][:])
		}
	}
}

// Shuffle runs main loop iterations [from, to). The registers are kept in
// ctx so the loop can be split over several launches.
func Shuffle(ctx, scratch []byte, p Params, from, to int) {
	var a, b [16]byte
	copy(a[:], ctx[regsOffset:])
	copy(b[:], ctx[regsOffset+16:])
	tweak := binary.LittleEndian.Uint64(ctx[tweakOffset:])
	mask := p.mask()

	for i := from; i < to; i++ {
		j := binary.LittleEndian.Uint64(a[0:]) & mask
		blk := (*[16]byte)(scratch[j : j+blockSize])

		c := *blk
		aesRound(&c, &a)
		subtle.XORBytes(blk[:], b[:], c[:])
		if p.Mix == MixV1 {
			tweakByte(blk)
		}

		j = binary.LittleEndian.Uint64(c[0:]) & mask
		blk = (*[16]byte)(scratch[j : j+blockSize])
		d := *blk

		hi, lo := bits.Mul64(binary.LittleEndian.Uint64(c[0:]), binary.LittleEndian.Uint64(d[0:]))
		a0 := binary.LittleEndian.Uint64(a[0:]) + hi
		a1 := binary.LittleEndian.Uint64(a[8:]) + lo

		binary.LittleEndian.PutUint64(blk[0:], a0)
		binary.LittleEndian.PutUint64(blk[8:], a1^tweak)

		binary.LittleEndian.PutUint64(a[0:], a0^binary.LittleEndian.Uint64(d[0:]))
		binary.LittleEndian.PutUint64(a[8:], a1^binary.LittleEndian.Uint64(d[8:]))
		b = c
	}

	copy(ctx[regsOffset:], a[:])
	copy(ctx[regsOffset+16:], b[:])
}

func tweakByte(blk *[16]byte) {
	const table uint32 = 0x75310
	tmp := blk[11]
	index := (((tmp >> 3) & 6) | (tmp & 1)) << 1
	blk[11] = tmp ^ byte((table>>index)&0x30)
}

// Implode folds the scratchpad back into the state and permutes it.
func Implode(ctx, scratch []byte, p Params) {
	keys := expandKey(ctx[32:64])
	var text [textSize / blockSize][16]byte
	for k := range text {
		copy(text[k][:], ctx[64+k*blockSize:])
	}
	for i := 0; i < p.Memory; i += textSize {
		for k := range text {
			subtle.XORBytes(text[k][:], text[k][:], scratch[i+k*blockSize:i+(k+1)*blockSize])
			for r := 0; r < 10; r++ {
				aesRound(&text[k], &keys[r])
			}
		}
	}
	for k := range text {
		copy(ctx[64+k*blockSize:], text[k][:])
	}
	permute(ctx[:StateSize])
}

// Finalize writes the final hash of the state to out. The low two bits of the
// first state byte select BLAKE-256, Groestl-256, JH-256 or Skein-512-256.
func Finalize(ctx, out []byte) {
	state := ctx[:StateSize]
	var sum [HashSize]byte
	switch state[0] & 3 {
	case 0:
		h := blake256.New()
		h.Write(state)
		h.Sum(sum[:0])
	case 1:
		sum = groestl256(state)
	case 2:
		sum = jh256(state)
	default:
		h := skein.New256(nil)
		h.Write(state)
		h.Sum(sum[:0])
	}
	copy(out, sum[:])
}

// Hash computes the hash of blob on the CPU.
func Hash(blob []byte, p Params) ([HashSize]byte, error) {
	var out [HashSize]byte
	if err := p.Validate(); err != nil {
		return out, err
	}
	ctx := make([]byte, ContextSize)
	scratch := make([]byte, p.Memory)
	Prepare(ctx, blob, p)
	Explode(ctx, scratch, p)
	Shuffle(ctx, scratch, p, 0, p.Iterations)
	Implode(ctx, scratch, p)
	Finalize(ctx, out[:])
	return out, nil
}

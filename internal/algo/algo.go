// Package algo holds the supported hash algorithm families, their per-variant
// parameters and the CPU reference used to verify device results.
package algo

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/fxnlabs/hash-backend/internal/algo/cn"
)

const (
	// NonceOffset is where the 32-bit little endian nonce sits in a blob.
	NonceOffset = 39
	// MaxBlobSize is the largest job blob accepted.
	MaxBlobSize = 408
	// HashSize is the size of every result hash.
	HashSize = 32
)

var (
	ErrUnknownAlgorithm = errors.New("unknown algorithm")
	ErrBlobTooShort     = errors.New("blob too short")
	ErrBlobTooLong      = errors.New("blob too long")
)

// Kind is the implementation family shared by several named algorithms.
type Kind int

const (
	KindCryptoNight Kind = iota
	KindArgon2
)

func (k Kind) String() string {
	switch k {
	case KindCryptoNight:
		return "cryptonight"
	case KindArgon2:
		return "argon2"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Argon2Params configure an Argon2id variant.
type Argon2Params struct {
	Time      uint32
	MemoryKiB uint32
	Lanes     uint8
	SaltSize  int
}

// Params fully describe one algorithm variant.
type Params struct {
	Algorithm string
	Variant   string
	Kind      Kind
	CN        cn.Params
	Argon2    Argon2Params
}

// ID returns the "algorithm/variant" name.
func (p Params) ID() string {
	return p.Algorithm + "/" + p.Variant
}

// ContextSize is the per-thread register/state area kept beside the
// scratchpad.
func (p Params) ContextSize() int64 {
	if p.Kind == KindCryptoNight {
		return cn.ContextSize
	}
	return 0
}

// ScratchpadSize is the per-thread scratchpad.
func (p Params) ScratchpadSize() int64 {
	switch p.Kind {
	case KindCryptoNight:
		return int64(p.CN.Memory)
	case KindArgon2:
		return int64(p.Argon2.MemoryKiB) * 1024
	}
	return 0
}

// PerThreadStateSize is the device memory one thread of the grid needs.
func (p Params) PerThreadStateSize() int64 {
	return p.ScratchpadSize() + p.ContextSize()
}

// MinBlobSize returns the shortest blob the variant accepts.
func (p Params) MinBlobSize() int {
	n := NonceOffset + 4
	if p.Kind == KindCryptoNight && p.CN.Mix.MinBlobSize() > n {
		n = p.CN.Mix.MinBlobSize()
	}
	if p.Kind == KindArgon2 && p.Argon2.SaltSize > n {
		n = p.Argon2.SaltSize
	}
	return n
}

// CheckBlob validates a job blob for this variant.
func (p Params) CheckBlob(blob []byte) error {
	if len(blob) < p.MinBlobSize() {
		return fmt.Errorf("%w: %d bytes, %s needs %d", ErrBlobTooShort, len(blob), p.ID(), p.MinBlobSize())
	}
	if len(blob) > MaxBlobSize {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrBlobTooLong, len(blob), MaxBlobSize)
	}
	return nil
}

// Variant parameters. cn, cn-lite and argon2 follow the network definitions.
// cn-test-heavy, cn-test-pico and cn-femto only vary the scratchpad size and
// iteration count of the base loop; they hash nothing a network accepts.
var variants = []Params{
	{Algorithm: "cn", Variant: "0", Kind: KindCryptoNight, CN: cn.Params{Memory: 2 << 20, Iterations: 0x80000, Mix: cn.MixV0}},
	{Algorithm: "cn", Variant: "1", Kind: KindCryptoNight, CN: cn.Params{Memory: 2 << 20, Iterations: 0x80000, Mix: cn.MixV1}},
	{Algorithm: "cn-lite", Variant: "0", Kind: KindCryptoNight, CN: cn.Params{Memory: 1 << 20, Iterations: 0x40000, Mix: cn.MixV0}},
	{Algorithm: "cn-lite", Variant: "1", Kind: KindCryptoNight, CN: cn.Params{Memory: 1 << 20, Iterations: 0x40000, Mix: cn.MixV1}},
	{Algorithm: "cn-test-heavy", Variant: "0", Kind: KindCryptoNight, CN: cn.Params{Memory: 4 << 20, Iterations: 0x40000, Mix: cn.MixV0}},
	{Algorithm: "cn-test-pico", Variant: "0", Kind: KindCryptoNight, CN: cn.Params{Memory: 256 << 10, Iterations: 0x40000, Mix: cn.MixV0}},
	{Algorithm: "cn-femto", Variant: "1", Kind: KindCryptoNight, CN: cn.Params{Memory: 128 << 10, Iterations: 0x4000, Mix: cn.MixV1}},
	{Algorithm: "argon2", Variant: "chukwa", Kind: KindArgon2, Argon2: Argon2Params{Time: 3, MemoryKiB: 512, Lanes: 1, SaltSize: 16}},
	{Algorithm: "argon2", Variant: "chukwav2", Kind: KindArgon2, Argon2: Argon2Params{Time: 4, MemoryKiB: 1024, Lanes: 1, SaltSize: 16}},
	{Algorithm: "argon2", Variant: "wrkz", Kind: KindArgon2, Argon2: Argon2Params{Time: 4, MemoryKiB: 256, Lanes: 1, SaltSize: 16}},
}

// Lookup returns the parameters of algorithm/variant.
func Lookup(algorithm, variant string) (Params, error) {
	for _, p := range variants {
		if p.Algorithm == algorithm && p.Variant == variant {
			return p, nil
		}
	}
	return Params{}, fmt.Errorf("%w: %s/%s", ErrUnknownAlgorithm, algorithm, variant)
}

// Parse splits an "algorithm/variant" identifier. The variant is empty when
// id has no slash.
func Parse(id string) (algorithm, variant string) {
	algorithm, variant, _ = strings.Cut(strings.ToLower(strings.TrimSpace(id)), "/")
	return algorithm, variant
}

// All returns every known variant sorted by identifier.
func All() []Params {
	out := append([]Params(nil), variants...)
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// SetNonce writes nonce into blob at NonceOffset.
func SetNonce(blob []byte, nonce uint32) {
	binary.LittleEndian.PutUint32(blob[NonceOffset:], nonce)
}

// Meets reports whether hash satisfies target: the last eight bytes read as a
// little endian integer must be below it.
func Meets(hash []byte, target uint64) bool {
	return binary.LittleEndian.Uint64(hash[24:32]) < target
}

// TargetFromDifficulty converts a share difficulty into a 64-bit target.
func TargetFromDifficulty(difficulty uint64) uint64 {
	if difficulty <= 1 {
		return math.MaxUint64
	}
	return math.MaxUint64 / difficulty
}

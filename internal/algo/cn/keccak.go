package cn

import (
	"encoding/binary"
	"math/bits"
)

// keccakRate is the sponge rate used by CryptoNight (the Keccak-256 rate).
const keccakRate = 136

var keccakRoundConstants = [24]uint64{
	0x0000000000000001, 0x0000000000008082, 0x800000000000808A, 0x8000000080008000,
	0x000000000000808B, 0x0000000080000001, 0x8000000080008081, 0x8000000000008009,
	0x000000000000008A, 0x0000000000000088, 0x0000000080008009, 0x000000008000000A,
	0x000000008000808B, 0x800000000000008B, 0x8000000000008089, 0x8000000000008003,
	0x8000000000008002, 0x8000000000000080, 0x000000000000800A, 0x800000008000000A,
	0x8000000080008081, 0x8000000000008080, 0x0000000080000001, 0x8000000080008008,
}

var keccakRotations = [24]int{
	1, 3, 6, 10, 15, 21, 28, 36, 45, 55, 2, 14,
	27, 41, 56, 8, 25, 43, 62, 18, 39, 61, 20, 44,
}

var keccakLanes = [24]int{
	10, 7, 11, 17, 18, 3, 5, 16, 8, 21, 24, 4,
	15, 23, 19, 13, 12, 2, 20, 14, 22, 9, 6, 1,
}

// keccakF1600 applies the 24-round Keccak permutation to st.
func keccakF1600(st *[25]uint64) {
	var bc [5]uint64
	for round := 0; round < 24; round++ {
		// theta
		for i := 0; i < 5; i++ {
			bc[i] = st[i] ^ st[i+5] ^ st[i+10] ^ st[i+15] ^ st[i+20]
		}
		for i := 0; i < 5; i++ {
			t := bc[(i+4)%5] ^ bits.RotateLeft64(bc[(i+1)%5], 1)
			for j := 0; j < 25; j += 5 {
				st[j+i] ^= t
			}
		}

		// rho and pi
		t := st[1]
		for i := 0; i < 24; i++ {
			j := keccakLanes[i]
			next := st[j]
			st[j] = bits.RotateLeft64(t, keccakRotations[i])
			t = next
		}

		// chi
		for j := 0; j < 25; j += 5 {
			for i := 0; i < 5; i++ {
				bc[i] = st[j+i]
			}
			for i := 0; i < 5; i++ {
				st[j+i] ^= ^bc[(i+1)%5] & bc[(i+2)%5]
			}
		}

		// iota
		st[0] ^= keccakRoundConstants[round]
	}
}

func loadState(b []byte) *[25]uint64 {
	var st [25]uint64
	for i := range st {
		st[i] = binary.LittleEndian.Uint64(b[i*8:])
	}
	return &st
}

func storeState(b []byte, st *[25]uint64) {
	for i, v := range st {
		binary.LittleEndian.PutUint64(b[i*8:], v)
	}
}

// permute runs keccakF1600 over a 200 byte state in place.
func permute(state []byte) {
	st := loadState(state)
	keccakF1600(st)
	storeState(state, st)
}

// keccak1600 absorbs in with the original Keccak padding and writes the full
// 200 byte sponge state to out.
func keccak1600(in []byte, out []byte) {
	var st [25]uint64
	for len(in) >= keccakRate {
		for i := 0; i < keccakRate/8; i++ {
			st[i] ^= binary.LittleEndian.Uint64(in[i*8:])
		}
		keccakF1600(&st)
		in = in[keccakRate:]
	}

	var last [keccakRate]byte
	copy(last[:], in)
	last[len(in)] = 0x01
	last[keccakRate-1] |= 0x80
	for i := 0; i < keccakRate/8; i++ {
		st[i] ^= binary.LittleEndian.Uint64(last[i*8:])
	}
	keccakF1600(&st)
	storeState(out, &st)
}

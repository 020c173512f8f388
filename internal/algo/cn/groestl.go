package cn

import "encoding/binary"

const (
	groestlBlockSize = 64
	groestlRounds    = 10
)

// Groestl state bytes are stored column major: byte i is row i%8 of column i/8.
var (
	groestlShiftP = [8]int{0, 1, 2, 3, 4, 5, 6, 7}
	groestlShiftQ = [8]int{1, 3, 5, 7, 0, 2, 4, 6}
	groestlMix    = [8]byte{2, 2, 3, 4, 5, 3, 5, 7}
)

func gfMul(a, n byte) byte {
	var r byte
	for ; n != 0; n >>= 1 {
		if n&1 != 0 {
			r ^= a
		}
		a = xtime(a)
	}
	return r
}

// groestlPermute applies P, or Q when q is set, to s.
func groestlPermute(s *[groestlBlockSize]byte, q bool) {
	shift := &groestlShiftP
	if q {
		shift = &groestlShiftQ
	}
	var t [groestlBlockSize]byte
	for r := 0; r < groestlRounds; r++ {
		if q {
			for i := range s {
				s[i] ^= 0xff
			}
			for col := 0; col < 8; col++ {
				s[col*8+7] ^= byte(col<<4) ^ byte(r)
			}
		} else {
			for col := 0; col < 8; col++ {
				s[col*8] ^= byte(col<<4) ^ byte(r)
			}
		}

		for col := 0; col < 8; col++ {
			for row := 0; row < 8; row++ {
				t[col*8+row] = sbox[s[((col+shift[row])%8)*8+row]]
			}
		}

		for col := 0; col < 8; col++ {
			c := t[col*8 : col*8+8]
			for row := 0; row < 8; row++ {
				var v byte
				for k := 0; k < 8; k++ {
					v ^= gfMul(c[k], groestlMix[(k-row+8)%8])
				}
				s[col*8+row] = v
			}
		}
	}
}

func groestlCompress(h *[groestlBlockSize]byte, m []byte) {
	var p, q [groestlBlockSize]byte
	for i := range p {
		p[i] = h[i] ^ m[i]
	}
	copy(q[:], m)
	groestlPermute(&p, false)
	groestlPermute(&q, true)
	for i := range h {
		h[i] ^= p[i] ^ q[i]
	}
}

// groestl256 returns the Groestl-256 digest of msg.
func groestl256(msg []byte) [HashSize]byte {
	var h [groestlBlockSize]byte
	binary.BigEndian.PutUint64(h[56:], 256)

	blocks := (len(msg) + 9 + groestlBlockSize - 1) / groestlBlockSize
	padded := make([]byte, blocks*groestlBlockSize)
	copy(padded, msg)
	padded[len(msg)] = 0x80
	binary.BigEndian.PutUint64(padded[len(padded)-8:], uint64(blocks))

	for i := 0; i < len(padded); i += groestlBlockSize {
		groestlCompress(&h, padded[i:i+groestlBlockSize])
	}

	x := h
	groestlPermute(&x, false)
	var out [HashSize]byte
	for i := range out {
		out[i] = x[32+i] ^ h[32+i]
	}
	return out
}

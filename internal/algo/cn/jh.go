package cn

import "encoding/binary"

const (
	jhBlockSize = 64
	jhRounds    = 42
)

var jhSbox = [2][16]byte{
	{9, 0, 4, 11, 13, 12, 3, 15, 1, 10, 2, 6, 7, 5, 8, 14},
	{3, 12, 6, 13, 5, 7, 1, 9, 15, 2, 0, 4, 11, 10, 14, 8},
}

// jhConstants holds the 42 round constants of E8 as 4-bit elements. The
// first is the fractional part of sqrt(2); each next one is R6 of the
// previous with an all-zero round constant.
var jhConstants [jhRounds][64]byte

func init() {
	c0 := [32]byte{
		0x6a, 0x09, 0xe6, 0x67, 0xf3, 0xbc, 0xc9, 0x08, 0xb2, 0xfb, 0x13, 0x66, 0xea, 0x95, 0x7d, 0x3e,
		0x3a, 0xde, 0xc1, 0x75, 0x12, 0x77, 0x50, 0x99, 0xda, 0x2f, 0x59, 0x0b, 0x06, 0x67, 0x32, 0x2a,
	}
	for i, b := range c0 {
		jhConstants[0][2*i] = b >> 4
		jhConstants[0][2*i+1] = b & 0xf
	}
	for r := 1; r < jhRounds; r++ {
		var sel [64]byte
		jhConstants[r] = jhConstants[r-1]
		jhRound(jhConstants[r][:], sel[:])
	}
}

// jhMDS is the linear transform L on a pair of 4-bit elements.
func jhMDS(a, b *byte) {
	*b ^= (*a<<1 ^ *a>>3 ^ (*a>>2)&2) & 0xf
	*a ^= (*b<<1 ^ *b>>3 ^ (*b>>2)&2) & 0xf
}

// jhRound is one round of the bitsliced permutation on len(a) 4-bit
// elements. sel holds one constant bit per element choosing its S-box.
func jhRound(a, sel []byte) {
	n := len(a)
	t := make([]byte, n)
	for i := range t {
		t[i] = jhSbox[sel[i]][a[i]]
	}
	for i := 0; i < n; i += 2 {
		jhMDS(&t[i], &t[i+1])
	}
	for i := 0; i < n; i += 4 {
		t[i+2], t[i+3] = t[i+3], t[i+2]
	}
	for i := 0; i < n/2; i++ {
		a[i] = t[2*i]
		a[i+n/2] = t[2*i+1]
	}
	for i := n / 2; i < n; i += 2 {
		a[i], a[i+1] = a[i+1], a[i]
	}
}

func jhBit(b []byte, i int) byte {
	return b[i>>3] >> (7 - i&7) & 1
}

// jhE8 groups the 1024-bit h into 256 4-bit elements, runs the rounds and
// degroups the result back into h.
func jhE8(h *[128]byte) {
	var tmp, a [256]byte
	for i := 0; i < 256; i++ {
		tmp[i] = jhBit(h[:], i)<<3 | jhBit(h[:], i+256)<<2 | jhBit(h[:], i+512)<<1 | jhBit(h[:], i+768)
	}
	for i := 0; i < 128; i++ {
		a[2*i] = tmp[i]
		a[2*i+1] = tmp[i+128]
	}

	var sel [256]byte
	for r := 0; r < jhRounds; r++ {
		for i := range sel {
			sel[i] = jhConstants[r][i>>2] >> (3 - i&3) & 1
		}
		jhRound(a[:], sel[:])
	}

	for i := 0; i < 128; i++ {
		tmp[i] = a[2*i]
		tmp[i+128] = a[2*i+1]
	}
	*h = [128]byte{}
	for i := 0; i < 256; i++ {
		shift := 7 - i&7
		h[i>>3] |= (tmp[i] >> 3 & 1) << shift
		h[(i+256)>>3] |= (tmp[i] >> 2 & 1) << shift
		h[(i+512)>>3] |= (tmp[i] >> 1 & 1) << shift
		h[(i+768)>>3] |= (tmp[i] & 1) << shift
	}
}

func jhCompress(h *[128]byte, m []byte) {
	for i := 0; i < jhBlockSize; i++ {
		h[i] ^= m[i]
	}
	jhE8(h)
	for i := 0; i < jhBlockSize; i++ {
		h[64+i] ^= m[i]
	}
}

// jh256 returns the JH-256 digest of msg.
func jh256(msg []byte) [HashSize]byte {
	var h [128]byte
	binary.BigEndian.PutUint16(h[0:], 256)
	jhCompress(&h, make([]byte, jhBlockSize))

	// At least one full block of padding: a 1 bit, zeros and the 128-bit
	// message length in bits.
	full := len(msg) / jhBlockSize * jhBlockSize
	for i := 0; i < full; i += jhBlockSize {
		jhCompress(&h, msg[i:i+jhBlockSize])
	}
	tail := make([]byte, jhBlockSize)
	n := copy(tail, msg[full:])
	tail[n] = 0x80
	if n != 0 {
		jhCompress(&h, tail)
		tail = make([]byte, jhBlockSize)
	}
	binary.BigEndian.PutUint64(tail[56:], uint64(len(msg))*8)
	jhCompress(&h, tail)

	var out [HashSize]byte
	copy(out[:], h[128-HashSize:])
	return out
}

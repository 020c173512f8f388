package cn

var sbox [256]byte

func init() {
	// Walk the multiplicative group with generator 3, pairing each p with its
	// inverse q, then apply the affine transform.
	p, q := byte(1), byte(1)
	for {
		hi := p & 0x80
		p ^= p << 1
		if hi != 0 {
			p ^= 0x1b
		}

		q ^= q << 1
		q ^= q << 2
		q ^= q << 4
		if q&0x80 != 0 {
			q ^= 0x09
		}

		x := q ^ rotl8(q, 1) ^ rotl8(q, 2) ^ rotl8(q, 3) ^ rotl8(q, 4)
		sbox[p] = x ^ 0x63
		if p == 1 {
			break
		}
	}
	sbox[0] = 0x63
}

func rotl8(x byte, n uint) byte {
	return x<<n | x>>(8-n)
}

func xtime(a byte) byte {
	if a&0x80 != 0 {
		return a<<1 ^ 0x1b
	}
	return a << 1
}

// subShift applies SubBytes and ShiftRows. Byte i of the block is row i%4 of
// column i/4.
func subShift(s *[16]byte) [16]byte {
	var t [16]byte
	for c := 0; c < 4; c++ {
		for r := 0; r < 4; r++ {
			t[r+4*c] = sbox[s[r+4*((c+r)%4)]]
		}
	}
	return t
}

// aesRound is one full AES encryption round (aesenc): SubBytes, ShiftRows,
// MixColumns, AddRoundKey.
func aesRound(s *[16]byte, key *[16]byte) {
	t := subShift(s)
	for c := 0; c < 16; c += 4 {
		a0, a1, a2, a3 := t[c], t[c+1], t[c+2], t[c+3]
		all := a0 ^ a1 ^ a2 ^ a3
		s[c] = a0 ^ all ^ xtime(a0^a1) ^ key[c]
		s[c+1] = a1 ^ all ^ xtime(a1^a2) ^ key[c+1]
		s[c+2] = a2 ^ all ^ xtime(a2^a3) ^ key[c+2]
		s[c+3] = a3 ^ all ^ xtime(a3^a0) ^ key[c+3]
	}
}

// aesLastRound is the final AES round (aesenclast), without MixColumns.
func aesLastRound(s *[16]byte, key *[16]byte) {
	t := subShift(s)
	for i := range s {
		s[i] = t[i] ^ key[i]
	}
}

// expandKey derives the AES-256 key schedule of key. CryptoNight only uses
// the first ten round keys.
func expandKey(key []byte) [15][16]byte {
	var w [60][4]byte
	for i := 0; i < 8; i++ {
		copy(w[i][:], key[i*4:])
	}
	rcon := byte(1)
	for i := 8; i < 60; i++ {
		t := w[i-1]
		switch i % 8 {
		case 0:
			t = [4]byte{sbox[t[1]] ^ rcon, sbox[t[2]], sbox[t[3]], sbox[t[0]]}
			rcon = xtime(rcon)
		case 4:
			t = [4]byte{sbox[t[0]], sbox[t[1]], sbox[t[2]], sbox[t[3]]}
		}
		for j := 0; j < 4; j++ {
			w[i][j] = w[i-8][j] ^ t[j]
		}
	}

	var keys [15][16]byte
	for r := range keys {
		for j := 0; j < 4; j++ {
			copy(keys[r][j*4:], w[r*4+j][:])
		}
	}
	return keys
}

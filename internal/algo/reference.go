package algo

import (
	"fmt"

	"github.com/fxnlabs/hash-backend/internal/algo/cn"
	"golang.org/x/crypto/argon2"
)

// Argon2Hash runs Argon2id over blob, salted with its leading bytes.
func Argon2Hash(blob []byte, p Argon2Params) [HashSize]byte {
	var out [HashSize]byte
	copy(out[:], argon2.IDKey(blob, blob[:p.SaltSize], p.Time, p.MemoryKiB, p.Lanes, HashSize))
	return out
}

// Hash computes the hash of blob on the CPU. It is the reference the device
// results are checked against, not a mining path.
func Hash(p Params, blob []byte) ([HashSize]byte, error) {
	if err := p.CheckBlob(blob); err != nil {
		return [HashSize]byte{}, err
	}
	switch p.Kind {
	case KindCryptoNight:
		return cn.Hash(blob, p.CN)
	case KindArgon2:
		return Argon2Hash(blob, p.Argon2), nil
	default:
		return [HashSize]byte{}, fmt.Errorf("%w: kind %s", ErrUnknownAlgorithm, p.Kind)
	}
}

// HashRange hashes count consecutive nonces starting at start, returning one
// hash per nonce. blob is not modified.
func HashRange(p Params, blob []byte, start uint32, count int) ([][HashSize]byte, error) {
	if err := p.CheckBlob(blob); err != nil {
		return nil, err
	}
	work := append([]byte(nil), blob...)
	out := make([][HashSize]byte, count)
	for i := range out {
		SetNonce(work, start+uint32(i))
		h, err := Hash(p, work)
		if err != nil {
			return nil, err
		}
		out[i] = h
	}
	return out, nil
}

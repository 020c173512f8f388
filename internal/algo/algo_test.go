package algo

import (
	"encoding/hex"
	"math"
	"testing"

	"github.com/fxnlabs/hash-backend/internal/algo/cn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/argon2"
)

func testBlob(n int) []byte {
	blob := make([]byte, n)
	for i := range blob {
		blob[i] = byte(255 - i)
	}
	return blob
}

func TestLookup(t *testing.T) {
	p, err := Lookup("cn", "1")
	require.NoError(t, err)
	assert.Equal(t, "cn/1", p.ID())
	assert.Equal(t, KindCryptoNight, p.Kind)
	assert.Equal(t, int64(2<<20), p.ScratchpadSize())
	assert.Equal(t, int64(2<<20+cn.ContextSize), p.PerThreadStateSize())

	p, err = Lookup("argon2", "chukwa")
	require.NoError(t, err)
	assert.Equal(t, int64(512*1024), p.PerThreadStateSize())

	_, err = Lookup("rx", "0")
	assert.ErrorIs(t, err, ErrUnknownAlgorithm)
	_, err = Lookup("cn", "7")
	assert.ErrorIs(t, err, ErrUnknownAlgorithm)

	// Network names whose mixing is not implemented are not resolvable.
	for _, name := range []string{"cn-heavy", "cn-pico"} {
		_, err = Lookup(name, "0")
		assert.ErrorIs(t, err, ErrUnknownAlgorithm, name)
	}
	p, err = Lookup("cn-test-heavy", "0")
	require.NoError(t, err)
	assert.Equal(t, int64(4<<20), p.ScratchpadSize())
}

func TestAll_ValidParameters(t *testing.T) {
	all := All()
	require.NotEmpty(t, all)
	for i, p := range all {
		if i > 0 {
			assert.Less(t, all[i-1].ID(), p.ID())
		}
		if p.Kind == KindCryptoNight {
			assert.NoError(t, p.CN.Validate(), p.ID())
		}
		assert.Positive(t, p.PerThreadStateSize(), p.ID())
	}
}

func TestParse(t *testing.T) {
	testCases := []struct {
		in, algorithm, variant string
	}{
		{"cn/1", "cn", "1"},
		{"  CN-Lite/0 ", "cn-lite", "0"},
		{"argon2/chukwa", "argon2", "chukwa"},
		{"cn", "cn", ""},
	}
	for _, tc := range testCases {
		a, v := Parse(tc.in)
		assert.Equal(t, tc.algorithm, a, tc.in)
		assert.Equal(t, tc.variant, v, tc.in)
	}
}

func TestCheckBlob(t *testing.T) {
	p, err := Lookup("cn", "1")
	require.NoError(t, err)

	assert.ErrorIs(t, p.CheckBlob(testBlob(42)), ErrBlobTooShort)
	assert.NoError(t, p.CheckBlob(testBlob(43)))
	assert.NoError(t, p.CheckBlob(testBlob(MaxBlobSize)))
	assert.ErrorIs(t, p.CheckBlob(testBlob(MaxBlobSize+1)), ErrBlobTooLong)
}

func TestMeets(t *testing.T) {
	hash := make([]byte, HashSize)
	hash[31] = 0x10 // 0x1000000000000000 little endian

	assert.True(t, Meets(hash, math.MaxUint64))
	assert.False(t, Meets(hash, 0x1000000000000000))
	assert.True(t, Meets(hash, 0x1000000000000001))
	assert.False(t, Meets(hash, 0))
}

func TestTargetFromDifficulty(t *testing.T) {
	assert.Equal(t, uint64(math.MaxUint64), TargetFromDifficulty(0))
	assert.Equal(t, uint64(math.MaxUint64), TargetFromDifficulty(1))
	assert.Equal(t, uint64(math.MaxUint64/1000), TargetFromDifficulty(1000))
}

func TestArgon2Hash_MatchesLibrary(t *testing.T) {
	p, err := Lookup("argon2", "wrkz")
	require.NoError(t, err)
	blob := testBlob(76)

	got, err := Hash(p, blob)
	require.NoError(t, err)
	want := argon2.IDKey(blob, blob[:16], 4, 256, 1, 32)
	assert.Equal(t, want, got[:])
}

func TestHash_KnownAnswers(t *testing.T) {
	const chukwaBlob = "0100fb8e8ac805899323371bb790db19218afd8db8e3755d8b90f39b3d5506a9" +
		"abce4fa912244500000000ee8146d49fa93ee724deb57d12cbc6c6f3b924d946127c7a97418f9348828f0f02"

	testCases := []struct {
		name    string
		algo    string
		variant string
		blob    string
		want    string
		slow    bool
	}{
		{"argon2 chukwa", "argon2", "chukwa", chukwaBlob, "c0dad0eeb9c52e92a1c3aa5b76a3cb90bd7376c28dce191ceeb1096e3a390d2e", false},
		{"cn 1", "cn", "1", hex.EncodeToString(make([]byte, 43)), "b5a7f63abb94d07d1a6445c36c07c7e8327fe61b1647e391b4c7edae5de57a3d", true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.slow && testing.Short() {
				t.Skip("full size scratchpad")
			}
			p, err := Lookup(tc.algo, tc.variant)
			require.NoError(t, err)
			blob, err := hex.DecodeString(tc.blob)
			require.NoError(t, err)

			got, err := Hash(p, blob)
			require.NoError(t, err)
			assert.Equal(t, tc.want, hex.EncodeToString(got[:]))
		})
	}
}

func TestHashRange(t *testing.T) {
	p := Params{Algorithm: "cn", Variant: "test", Kind: KindCryptoNight,
		CN: cn.Params{Memory: 4 << 10, Iterations: 256, Mix: cn.MixV1}}
	blob := testBlob(76)
	orig := append([]byte(nil), blob...)

	hashes, err := HashRange(p, blob, 10, 4)
	require.NoError(t, err)
	require.Len(t, hashes, 4)
	assert.Equal(t, orig, blob, "input blob must not be modified")

	work := append([]byte(nil), blob...)
	SetNonce(work, 12)
	want, err := Hash(p, work)
	require.NoError(t, err)
	assert.Equal(t, want, hashes[2])
	assert.NotEqual(t, hashes[0], hashes[1])
}

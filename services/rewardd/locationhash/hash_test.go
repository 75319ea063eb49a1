package locationhash

import (
	"math/big"
	"testing"

	gethmath "github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

func TestTruncateTowardZero(t *testing.T) {
	cases := []struct {
		in   float64
		want int64
	}{
		{31.2304, 3123040},
		{121.4737, 12147370},
		{31.230409999, 3123040},
		{-33.868849, -3386884},
		{0.3, 30000},
		{-0.000009, 0},
		{180, 18000000},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, Truncate(tc.in), "Truncate(%v)", tc.in)
	}
}

func TestComputeMatchesPackedLayout(t *testing.T) {
	lat := new(big.Int).SetInt64(-3386884)
	lng := new(big.Int).SetInt64(15120930)
	packed := append(gethmath.U256Bytes(lat), gethmath.U256Bytes(lng)...)
	packed = append(packed, "toilet"...)
	want := crypto.Keccak256Hash(packed)

	got := Compute(-33.868849, 151.2093, "toilet")
	require.Equal(t, want.Hex(), got.Hex())

	// The negative latitude word is two's complement.
	require.Equal(t, byte(0xff), packed[0])
}

func TestComputeDeterminism(t *testing.T) {
	base := Compute(31.2304, 121.4737, "ramp")
	require.Equal(t, base, Compute(31.2304, 121.4737, "ramp"))
	// Below the truncation unit.
	require.Equal(t, base, Compute(31.230404, 121.473709, "ramp"))
	// Crossing the truncation unit.
	require.NotEqual(t, base, Compute(31.23041, 121.4737, "ramp"))
	require.NotEqual(t, base, Compute(31.2304, 121.4737, "toilet"))
	require.False(t, base.IsZero())
}

func TestRound(t *testing.T) {
	h := Compute(31.2304, 121.4737, "ramp")
	require.Equal(t, h, h.Round(0))
	r1 := h.Round(1)
	require.NotEqual(t, h, r1)
	require.Equal(t, r1, h.Round(1))
	require.NotEqual(t, r1, h.Round(2))

	word := gethmath.U256Bytes(big.NewInt(1))
	want := crypto.Keccak256Hash(append(h[:], word...))
	require.Equal(t, want.Hex(), r1.Hex())
}

func TestParse(t *testing.T) {
	h := Compute(1.5, 2.5, "elevator")
	parsed, err := Parse(h.Hex())
	require.NoError(t, err)
	require.Equal(t, h, parsed)

	_, err = Parse("1234")
	require.Error(t, err)
	_, err = Parse("0x1234")
	require.Error(t, err)
}

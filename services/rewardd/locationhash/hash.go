// Package locationhash derives the canonical identity of a physical facility.
// The same bytes are hashed by the reward contract, so the layout must stay
// bit-identical to abi.encodePacked(int256 lat, int256 lng, string category).
package locationhash

import (
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	gethmath "github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	// Scale is the fixed-point factor applied before truncation (5 decimals, ~1.1 m).
	Scale = 100000
	// normalizeDigits absorbs float representation noise before truncation.
	normalizeDigits = 9
)

// Hash is the 32 byte keccak256 identity of a (location, category) pair.
type Hash common.Hash

// Compute returns the identity hash of the coordinate and category.
func Compute(lat, lng float64, category string) Hash {
	latE5 := Truncate(lat)
	lngE5 := Truncate(lng)
	buf := make([]byte, 0, 64+len(category))
	buf = append(buf, word(latE5)...)
	buf = append(buf, word(lngE5)...)
	buf = append(buf, category...)
	return Hash(crypto.Keccak256Hash(buf))
}

// Truncate converts a coordinate into its scaled integer form, truncating
// toward zero after normalising to nine decimal places.
func Truncate(coord float64) int64 {
	normalized, err := strconv.ParseFloat(strconv.FormatFloat(coord, 'f', normalizeDigits, 64), 64)
	if err != nil {
		normalized = coord
	}
	// Round the scaled value at nine digits first so 0.3*1e5 style products
	// land on their decimal value before truncation.
	scaled := normalized * Scale
	rounded := math.Round(scaled*1e4) / 1e4
	return int64(math.Trunc(rounded))
}

func word(v int64) []byte {
	return gethmath.U256Bytes(big.NewInt(v))
}

// Round derives the reward key for the n-th verification of the same
// facility. Round zero is the identity itself.
func (h Hash) Round(n uint64) Hash {
	if n == 0 {
		return h
	}
	buf := make([]byte, 0, 64)
	buf = append(buf, h[:]...)
	buf = append(buf, gethmath.U256Bytes(new(big.Int).SetUint64(n))...)
	return Hash(crypto.Keccak256Hash(buf))
}

// Bytes32 returns the hash as the fixed-size array expected by ABI encoders.
func (h Hash) Bytes32() [32]byte { return h }

// Hex returns the 0x-prefixed hex encoding.
func (h Hash) Hex() string { return common.Hash(h).Hex() }

func (h Hash) String() string { return h.Hex() }

// IsZero reports whether the hash is unset.
func (h Hash) IsZero() bool { return h == Hash{} }

// Parse decodes a 0x-prefixed 32 byte hex string.
func Parse(value string) (Hash, error) {
	trimmed := strings.TrimSpace(value)
	if !strings.HasPrefix(trimmed, "0x") && !strings.HasPrefix(trimmed, "0X") {
		return Hash{}, fmt.Errorf("locationhash: missing 0x prefix")
	}
	if len(trimmed) != 66 {
		return Hash{}, fmt.Errorf("locationhash: expected 32 bytes, got %d hex chars", len(trimmed)-2)
	}
	raw := common.FromHex(trimmed)
	if len(raw) != 32 {
		return Hash{}, fmt.Errorf("locationhash: invalid hex %q", value)
	}
	return Hash(common.BytesToHash(raw)), nil
}

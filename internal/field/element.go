// element.go - BN254 scalar field elements shared by commitments, nullifiers and tree nodes.

package field

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
)

// Element is a scalar of the proof system's field. Elements are comparable and usable as map keys.
type Element = fr.Element

// Bytes is the fixed wire width of an element.
const Bytes = fr.Bytes

var (
	ErrNotCanonical = errors.New("field: value is not a canonical field element")
	ErrBadHex       = errors.New("field: malformed hex element")
)

// Modulus returns the field order p.
func Modulus() *big.Int {
	return fr.Modulus()
}

// FromBig reduces v modulo p. Negative values fold to p - |v|.
func FromBig(v *big.Int) Element {
	var e Element
	e.SetBigInt(v)
	return e
}

// FromUint64 returns v as an element.
func FromUint64(v uint64) Element {
	var e Element
	e.SetUint64(v)
	return e
}

// ToBig returns the canonical integer value of e.
func ToBig(e Element) *big.Int {
	return e.BigInt(new(big.Int))
}

// ToBytes returns the 32-byte big-endian encoding of e.
func ToBytes(e Element) [Bytes]byte {
	return e.Bytes()
}

// FromBytes decodes a 32-byte big-endian element, rejecting values >= p.
func FromBytes(b [Bytes]byte) (Element, error) {
	var e Element
	if err := e.SetBytesCanonical(b[:]); err != nil {
		return Element{}, fmt.Errorf("%w: %v", ErrNotCanonical, err)
	}
	return e, nil
}

// ToHex formats e as 0x-prefixed, zero-padded 64 hex characters.
func ToHex(e Element) string {
	b := e.Bytes()
	return "0x" + hex.EncodeToString(b[:])
}

// FromHex parses a 0x-prefixed (or bare) hex element of at most 32 bytes.
func FromHex(s string) (Element, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(s) == 0 || len(s) > 2*Bytes {
		return Element{}, fmt.Errorf("%w: %q", ErrBadHex, s)
	}
	if len(s)%2 == 1 {
		s = "0" + s
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return Element{}, fmt.Errorf("%w: %v", ErrBadHex, err)
	}
	var b [Bytes]byte
	copy(b[Bytes-len(raw):], raw)
	return FromBytes(b)
}

// RandomBytes returns n bytes from crypto/rand.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("field: reading randomness: %w", err)
	}
	return b, nil
}

// Random returns a uniformly random element of nbytes bytes of entropy.
// nbytes <= 31 always yields a value below p without reduction.
func Random(nbytes int) (Element, error) {
	if nbytes <= 0 || nbytes > Bytes {
		return Element{}, fmt.Errorf("field: invalid random width %d", nbytes)
	}
	b, err := RandomBytes(nbytes)
	if err != nil {
		return Element{}, err
	}
	var e Element
	e.SetBytes(b)
	return e, nil
}

// Equal reports whether a and b are the same element.
func Equal(a, b Element) bool {
	return a.Equal(&b)
}

// Package address defines the two 20-byte address tags used throughout the
// CSAL engine: an externally-owned account address and a contract address.
// They share a representation but are distinct semantic types: one is an
// EOA lock's args, the other a contract's type-id output.
package address

import (
	"encoding/hex"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/crypto/blake2b"
)

// Length is the byte length of every address in this package.
const Length = 20

// EoaAddress is the secp256k1_blake160 lock args of an externally-owned
// account. It equals blake2b(pubkey)[0:20].
type EoaAddress [Length]byte

// ContractAddress is the type-id derived tag of a contract account:
//
//	blake2b(first_cell_input_bytes || output_index_le)[0:20]
type ContractAddress [Length]byte

// String implements fmt.Stringer.
func (a EoaAddress) String() string { return "0x" + hex.EncodeToString(a[:]) }

// String implements fmt.Stringer.
func (a ContractAddress) String() string { return "0x" + hex.EncodeToString(a[:]) }

// IsZero reports whether the address is the all-zero value.
func (a EoaAddress) IsZero() bool { return a == EoaAddress{} }

// IsZero reports whether the address is the all-zero value.
func (a ContractAddress) IsZero() bool { return a == ContractAddress{} }

// Bytes returns a copy of the address bytes.
func (a EoaAddress) Bytes() []byte { return append([]byte(nil), a[:]...) }

// Bytes returns a copy of the address bytes.
func (a ContractAddress) Bytes() []byte { return append([]byte(nil), a[:]...) }

// ParseEoaAddress parses a hex string (with or without 0x prefix) into an
// EoaAddress.
func ParseEoaAddress(s string) (EoaAddress, error) {
	var a EoaAddress
	b, err := parseHexAddress(s)
	if err != nil {
		return a, err
	}
	copy(a[:], b)
	return a, nil
}

// ParseContractAddress parses a hex string into a ContractAddress.
func ParseContractAddress(s string) (ContractAddress, error) {
	var a ContractAddress
	b, err := parseHexAddress(s)
	if err != nil {
		return a, err
	}
	copy(a[:], b)
	return a, nil
}

func parseHexAddress(s string) ([]byte, error) {
	switch len(s) {
	case Length * 2:
	case Length*2 + 2:
		if !strings.EqualFold(s[:2], "0x") {
			return nil, errors.New("address: invalid prefix")
		}
		s = s[2:]
	default:
		return nil, errors.Errorf("address: invalid length %d", len(s))
	}
	out := make([]byte, Length)
	if _, err := hex.Decode(out, []byte(s)); err != nil {
		return nil, errors.Wrap(err, "address: decode hex")
	}
	return out, nil
}

// BytesToEoaAddress keeps the last 20 bytes of b (left-padding a shorter
// b with zeros) as an EoaAddress, matching go-ethereum's
// common.BytesToAddress convention.
func BytesToEoaAddress(b []byte) EoaAddress {
	var a EoaAddress
	if len(b) > Length {
		b = b[len(b)-Length:]
	}
	copy(a[Length-len(b):], b)
	return a
}

// BytesToContractAddress keeps the last 20 bytes of b (left-padding a
// shorter b with zeros) as a ContractAddress.
func BytesToContractAddress(b []byte) ContractAddress {
	var a ContractAddress
	if len(b) > Length {
		b = b[len(b)-Length:]
	}
	copy(a[Length-len(b):], b)
	return a
}

// DeriveContractAddress computes a contract's type-id address:
// blake2b(firstInput || le(outputIndex))[0:20].
func DeriveContractAddress(firstInput []byte, outputIndex uint64) (ContractAddress, error) {
	h, err := blake2b.New256(nil)
	if err != nil {
		return ContractAddress{}, errors.Wrap(err, "address: new blake2b hasher")
	}
	h.Write(firstInput)
	var idx [8]byte
	for i := 0; i < 8; i++ {
		idx[i] = byte(outputIndex >> (8 * uint(i)))
	}
	h.Write(idx[:])
	sum := h.Sum(nil)
	var a ContractAddress
	copy(a[:], sum[:Length])
	return a, nil
}

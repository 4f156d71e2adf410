package address

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/mr-tron/base58"
)

// Size is the byte width of an account address on the certificate chain.
const Size = 32

// Address is the raw binary form of a base58 account address. It is the exact
// value hashed into a merkle leaf.
type Address [Size]byte

// Parse decodes a base58 address and requires it to be exactly Size bytes.
func Parse(s string) (Address, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Address{}, fmt.Errorf("address is empty")
	}
	raw, err := base58.Decode(s)
	if err != nil {
		return Address{}, fmt.Errorf("invalid base58 address %q: %w", s, err)
	}
	return FromBytes(raw)
}

// ParseHex decodes a 0x-prefixed 64 hex character address.
func ParseHex(s string) (Address, error) {
	raw, err := hexutil.Decode(strings.TrimSpace(s))
	if err != nil {
		return Address{}, fmt.Errorf("invalid hex address %q: %w", s, err)
	}
	return FromBytes(raw)
}

// FromBytes copies raw into an Address.
func FromBytes(raw []byte) (Address, error) {
	var a Address
	if len(raw) != Size {
		return a, fmt.Errorf("address must be %d bytes, got %d", Size, len(raw))
	}
	copy(a[:], raw)
	return a, nil
}

// MustParse is Parse for constants and tests. It panics on error.
func MustParse(s string) Address {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// ParseList parses every entry, keeping order. Blank lines are not skipped; the
// caller decides what a list looks like.
func ParseList(values []string) ([]Address, error) {
	out := make([]Address, len(values))
	for i, v := range values {
		a, err := Parse(v)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		out[i] = a
	}
	return out, nil
}

// LeafInputs returns the raw byte slices fed to the merkle tree builder.
func LeafInputs(addrs []Address) [][]byte {
	inputs := make([][]byte, len(addrs))
	for i := range addrs {
		inputs[i] = addrs[i].Bytes()
	}
	return inputs
}

// Strings encodes every address as base58.
func Strings(addrs []Address) []string {
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = a.String()
	}
	return out
}

func (a Address) String() string {
	return base58.Encode(a[:])
}

func (a Address) Hex() string {
	return hexutil.Encode(a[:])
}

// Bytes returns a copy of the address bytes.
func (a Address) Bytes() []byte {
	b := make([]byte, Size)
	copy(b, a[:])
	return b
}

func (a Address) IsZero() bool {
	return a == Address{}
}

func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Package feed handles oracle price-feed identifiers: parsing, validation
// and their canonical text form.
//
// A feed identifier is an opaque 32-byte key naming one real-world price
// series (for example the BTC/USD stream of a publisher network). It is
// written as 64 hex characters with an optional 0x prefix.
package feed

import (
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Size is the length of a feed identifier in bytes.
const Size = 32

// idRegex matches: [0x]{64 hex chars}
// Example: 0xe62df6c8b4a85fe1a67db44dc12de5db330f7ac66b72dc658afedf0f4a415b43
var idRegex = regexp.MustCompile(`^(?:0x|0X)?([0-9a-fA-F]{64})$`)

var ErrInvalidID = errors.New("feed: invalid feed identifier")

// ID is a price-feed identifier.
type ID [Size]byte

// Parse parses and validates a feed identifier string.
func Parse(s string) (ID, error) {
	var id ID
	matches := idRegex.FindStringSubmatch(strings.TrimSpace(s))
	if matches == nil {
		return id, fmt.Errorf("%w: %q (expected 64 hex characters, optional 0x prefix)", ErrInvalidID, s)
	}
	if _, err := hex.Decode(id[:], []byte(matches[1])); err != nil {
		return id, fmt.Errorf("%w: %v", ErrInvalidID, err)
	}
	return id, nil
}

// MustParse is Parse for constants and tests. It panics on invalid input.
func MustParse(s string) ID {
	id, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return id
}

// FromBytes copies b into an ID. b must be exactly Size bytes long.
func FromBytes(b []byte) (ID, error) {
	var id ID
	if len(b) != Size {
		return id, fmt.Errorf("%w: got %d bytes", ErrInvalidID, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// String returns the lowercase 0x-prefixed hex form.
func (id ID) String() string {
	return "0x" + hex.EncodeToString(id[:])
}

// IsZero reports whether the identifier is unset.
func (id ID) IsZero() bool {
	return id == ID{}
}

func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *ID) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Package identity defines the 32-byte public identifier used for
// attestation subjects and authors, with hex and NIP-19 encodings.
package identity

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
)

// Size is the byte length of an identity.
const Size = 32

var (
	// ErrEmpty is returned when parsing an empty string.
	ErrEmpty = errors.New("empty identity")

	// ErrInvalid is returned for strings that are neither hex, npub nor nprofile.
	ErrInvalid = errors.New("invalid identity")
)

// ID is a public identity (an x-only secp256k1 public key on the wire).
type ID [Size]byte

// Zero is the unset identity.
var Zero ID

// Parse accepts a 64-char hex key, an npub or an nprofile.
func Parse(s string) (ID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Zero, ErrEmpty
	}

	switch {
	case strings.HasPrefix(s, "npub1"):
		prefix, value, err := nip19.Decode(s)
		if err != nil || prefix != "npub" {
			return Zero, fmt.Errorf("%w: bad npub", ErrInvalid)
		}

		hexKey, ok := value.(string)
		if !ok {
			return Zero, fmt.Errorf("%w: bad npub payload", ErrInvalid)
		}

		return FromHex(hexKey)

	case strings.HasPrefix(s, "nprofile1"):
		prefix, value, err := nip19.Decode(s)
		if err != nil || prefix != "nprofile" {
			return Zero, fmt.Errorf("%w: bad nprofile", ErrInvalid)
		}

		pointer, ok := value.(nostr.ProfilePointer)
		if !ok {
			return Zero, fmt.Errorf("%w: bad nprofile payload", ErrInvalid)
		}

		return FromHex(pointer.PublicKey)
	}

	return FromHex(s)
}

// FromHex decodes a 64-char hex identity (case-insensitive).
func FromHex(s string) (ID, error) {
	if len(s) != 2*Size {
		return Zero, fmt.Errorf("%w: want %d hex chars, got %d", ErrInvalid, 2*Size, len(s))
	}

	var id ID
	if _, err := hex.Decode(id[:], []byte(strings.ToLower(s))); err != nil {
		return Zero, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	return id, nil
}

// MustParse is Parse for constants and tests.
func MustParse(s string) ID {
	id, err := Parse(s)
	if err != nil {
		panic(err)
	}

	return id
}

// String returns the lowercase hex form.
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// Npub returns the NIP-19 bech32 form.
func (id ID) Npub() string {
	npub, err := nip19.EncodePublicKey(id.String())
	if err != nil {
		return ""
	}

	return npub
}

// IsZero reports whether the identity is unset.
func (id ID) IsZero() bool {
	return id == Zero
}

// MarshalText encodes the identity as hex.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText accepts any form Parse accepts.
func (id *ID) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}

	*id = parsed

	return nil
}

// Set is an unordered collection of identities.
type Set map[ID]struct{}

// NewSet builds a set from the given identities.
func NewSet(ids ...ID) Set {
	s := make(Set, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}

	return s
}

// Add inserts id.
func (s Set) Add(id ID) {
	s[id] = struct{}{}
}

// Has reports membership.
func (s Set) Has(id ID) bool {
	_, ok := s[id]
	return ok
}

// Sorted returns the members in ascending byte order.
func (s Set) Sorted() []ID {
	out := make([]ID, 0, len(s))
	for id := range s {
		out = append(out, id)
	}

	sort.Slice(out, func(i, j int) bool {
		return strings.Compare(string(out[i][:]), string(out[j][:])) < 0
	})

	return out
}

// Strings returns the sorted hex forms, the shape store filters take.
func (s Set) Strings() []string {
	ids := s.Sorted()
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}

	return out
}

// Package attestation decodes raw attestation records into typed
// attestations and builds new records for publishing.
package attestation

import (
	"fmt"
	"time"

	"TrustLinks/internal/group"
	"TrustLinks/internal/identity"
	"TrustLinks/internal/proof"
)

// Record kinds at the wire boundary.
const (
	KindPublic    = 4101
	KindAnonymous = 4102
)

// Tag names at the wire boundary.
const (
	TagSubject  = "p"
	TagRating   = "rating"
	TagCategory = "t"
	TagContext  = "context"
	TagProof    = "proof"
	TagRoot     = "merkle_root"
)

// Kinds lists every recognized record kind.
var Kinds = []int{KindPublic, KindAnonymous}

// Mode tells whether the author of an attestation is disclosed.
type Mode uint8

const (
	Public Mode = iota
	Anonymous
)

// String returns "public" or "anonymous".
func (m Mode) String() string {
	if m == Anonymous {
		return "anonymous"
	}

	return "public"
}

// MarshalText encodes the mode name.
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText decodes a mode name.
func (m *Mode) UnmarshalText(b []byte) error {
	switch string(b) {
	case "public":
		*m = Public
	case "anonymous":
		*m = Anonymous
	default:
		return fmt.Errorf("unknown mode %q", b)
	}

	return nil
}

// Verdict is the outcome of a public attestation.
type Verdict uint8

const (
	NotReal Verdict = 0
	Real    Verdict = 1
)

// ParseVerdict accepts the closed wire vocabulary "0" and "1".
func ParseVerdict(s string) (Verdict, error) {
	switch s {
	case "1":
		return Real, nil
	case "0":
		return NotReal, nil
	default:
		return NotReal, fmt.Errorf("verdict %q not in {0,1}", s)
	}
}

// Tag returns the wire form.
func (v Verdict) Tag() string {
	if v == Real {
		return "1"
	}

	return "0"
}

// String returns "real" or "not-real".
func (v Verdict) String() string {
	if v == Real {
		return "real"
	}

	return "not-real"
}

// MarshalText encodes the verdict name.
func (v Verdict) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// UnmarshalText decodes a verdict name.
func (v *Verdict) UnmarshalText(b []byte) error {
	switch string(b) {
	case "real":
		*v = Real
	case "not-real":
		*v = NotReal
	default:
		return fmt.Errorf("unknown verdict %q", b)
	}

	return nil
}

// Valid reports whether v is in the closed set.
func (v Verdict) Valid() bool {
	return v == Real || v == NotReal
}

// Meta holds the descriptive, non-authoritative fields.
type Meta struct {
	Category string `json:"category,omitempty"` // Category is the "t" tag (e.g. conference)
	Context  string `json:"context,omitempty"`  // Context names the event where people met
	Comment  string `json:"comment,omitempty"`  // Comment is the free-text body
}

// Attestation is a validated record. It is a tagged union on Mode:
// Verdict is meaningful only for Public, Proof and Root only for Anonymous.
type Attestation struct {
	ID        string      // ID is the record identifier
	Subject   identity.ID // Subject is who is attested about
	Author    identity.ID // Author is the record signer
	Mode      Mode
	Verdict   Verdict
	Meta      Meta
	Proof     *proof.Proof // Proof is the membership proof (Anonymous)
	Root      group.Root   // Root is the group root the proof claims (Anonymous)
	CreatedAt time.Time
}

// IsPublic reports whether the attestation discloses a verdict.
func (a *Attestation) IsPublic() bool {
	return a.Mode == Public
}

// Vouches reports whether a is a public Real attestation, the only kind
// that creates a trust edge.
func (a *Attestation) Vouches() bool {
	return a.Mode == Public && a.Verdict == Real
}

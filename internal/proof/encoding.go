package proof

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/consensys/gnark-crypto/ecc/bn254/fp"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr"

	"TrustLinks/internal/group"
)

// NumPoints is the number of coordinates of a serialized Groth16 proof:
// A (x, y), B (x.a0, x.a1, y.a0, y.a1), C (x, y).
const NumPoints = 8

// ErrMalformed is returned when a serialized proof fails structural checks.
var ErrMalformed = errors.New("malformed proof")

// Proof is an anonymous membership proof in its wire form (the JSON
// carried by the "proof" tag). Field elements are decimal strings.
type Proof struct {
	Depth     int      `json:"merkleTreeDepth"`
	Root      string   `json:"merkleTreeRoot"`
	Nullifier string   `json:"nullifier"`
	Message   string   `json:"message"`
	Points    []string `json:"points"`
}

// Encode serializes the proof as compact JSON.
func (p *Proof) Encode() (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode proof:\n%w", err)
	}

	return string(data), nil
}

// Decode parses and structurally checks a serialized proof.
// It does not run any cryptographic verification.
func Decode(s string) (*Proof, error) {
	var p Proof
	if err := json.Unmarshal([]byte(s), &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	if err := p.CheckStructure(); err != nil {
		return nil, err
	}

	return &p, nil
}

// CheckStructure validates shapes and ranges of every field.
func (p *Proof) CheckStructure() error {
	if p.Depth < group.MinDepth || p.Depth > group.MaxDepth {
		return fmt.Errorf("%w: depth %d", ErrMalformed, p.Depth)
	}

	if _, err := group.ParseRoot(p.Root); err != nil {
		return fmt.Errorf("%w: root: %v", ErrMalformed, err)
	}

	if _, err := parseScalar(p.Nullifier); err != nil {
		return fmt.Errorf("%w: nullifier: %v", ErrMalformed, err)
	}

	if p.Message == "" {
		return fmt.Errorf("%w: empty message", ErrMalformed)
	}

	if len(p.Points) != NumPoints {
		return fmt.Errorf("%w: %d points, want %d", ErrMalformed, len(p.Points), NumPoints)
	}

	for i, pt := range p.Points {
		if _, err := parseCoordinate(pt); err != nil {
			return fmt.Errorf("%w: point %d: %v", ErrMalformed, i, err)
		}
	}

	return nil
}

// RootValue parses the proof root.
func (p *Proof) RootValue() (group.Root, error) {
	return group.ParseRoot(p.Root)
}

// NullifierValue parses the nullifier.
func (p *Proof) NullifierValue() (*big.Int, error) {
	return parseScalar(p.Nullifier)
}

// parseScalar parses a decimal element of the BN254 scalar field.
func parseScalar(s string) (*big.Int, error) {
	return parseBounded(s, fr.Modulus())
}

// parseCoordinate parses a decimal element of the BN254 base field.
func parseCoordinate(s string) (*big.Int, error) {
	return parseBounded(s, fp.Modulus())
}

// parseBounded parses a non-negative decimal below modulus.
func parseBounded(s string, modulus *big.Int) (*big.Int, error) {
	b, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("not a decimal: %q", s)
	}

	if b.Sign() < 0 || b.Cmp(modulus) >= 0 {
		return nil, fmt.Errorf("out of range: %q", s)
	}

	return b, nil
}

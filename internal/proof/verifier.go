package proof

import (
	"errors"
	"fmt"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/frontend"

	"TrustLinks/internal/group"
	"TrustLinks/internal/identity"
)

var (
	// ErrRootMismatch is returned when the proof root is not the expected group root.
	ErrRootMismatch = errors.New("proof root does not match group")

	// ErrMessageMismatch is returned when the bound message is not the target.
	ErrMessageMismatch = errors.New("proof message does not match target")

	// ErrDepthMismatch is returned when the proof depth is not the configured depth.
	ErrDepthMismatch = errors.New("proof depth does not match group")

	// ErrInvalidProof is returned when the cryptographic check fails.
	ErrInvalidProof = errors.New("invalid proof")
)

// Verifier checks membership proofs against expected groups.
type Verifier struct {
	pool *Pool
	cfg  group.Config
}

// NewVerifier creates a verifier for groups built with cfg.
func NewVerifier(pool *Pool, cfg group.Config) *Verifier {
	return &Verifier{pool: pool, cfg: cfg}
}

// Config returns the group configuration.
func (v *Verifier) Config() group.Config {
	return v.cfg
}

// Verify checks p for target against the group of expected members.
// The root is recomputed first, so a stale or foreign group is rejected
// with ErrRootMismatch before any pairing work.
func (v *Verifier) Verify(p *Proof, target identity.ID, members []identity.ID) error {
	root, err := group.RootOf(v.cfg, members)
	if err != nil {
		return fmt.Errorf("build group:\n%w", err)
	}

	return v.VerifyRoot(p, target, root)
}

// VerifyRoot checks p for target against an expected root.
func (v *Verifier) VerifyRoot(p *Proof, target identity.ID, expected group.Root) error {
	if err := p.CheckStructure(); err != nil {
		return err
	}

	if p.Depth != v.cfg.Depth {
		return fmt.Errorf("%w: %d, want %d", ErrDepthMismatch, p.Depth, v.cfg.Depth)
	}

	root, err := p.RootValue()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	if !root.Equal(expected) {
		return ErrRootMismatch
	}

	if p.Message != target.String() {
		return ErrMessageMismatch
	}

	return v.check(p, root, target)
}

// check runs the pairing verification.
func (v *Verifier) check(p *Proof, root group.Root, target identity.ID) error {
	b, err := v.pool.get(v.cfg.Depth)
	if err != nil {
		return err
	}

	prf, err := decodePoints(p.Points)
	if err != nil {
		return err
	}

	nullifier, err := p.NullifierValue()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	assignment := newCircuit(v.cfg.Depth)
	assignment.Root = root.Big()
	assignment.Nullifier = nullifier
	assignment.Message = group.MessageField(target)
	assignment.Scope = v.cfg.ScopeField()
	assignment.Secret = 0

	for i := range assignment.Siblings {
		assignment.Siblings[i] = 0
		assignment.Indices[i] = 0
	}

	pub, err := frontend.NewWitness(assignment, ecc.BN254.ScalarField(), frontend.PublicOnly())
	if err != nil {
		return fmt.Errorf("build public witness:\n%w", err)
	}

	if err := groth16.Verify(prf, b.vk, pub); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidProof, err)
	}

	return nil
}

package proof

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/backend/groth16"
	groth16_bn254 "github.com/consensys/gnark/backend/groth16/bn254"
	"github.com/consensys/gnark/frontend"

	"TrustLinks/internal/group"
	"TrustLinks/internal/identity"
	"TrustLinks/internal/logger"
)

// ErrNotAGroupMember is returned when the prover's commitment is not a leaf.
var ErrNotAGroupMember = errors.New("prover is not a group member")

// Prover generates membership proofs with the circuits of a Pool.
type Prover struct {
	pool *Pool
	cfg  group.Config
}

// NewProver creates a prover for groups built with cfg.
func NewProver(pool *Pool, cfg group.Config) *Prover {
	return &Prover{pool: pool, cfg: cfg}
}

// Config returns the group configuration.
func (pr *Prover) Config() group.Config {
	return pr.cfg
}

// Ready returns ErrBackendUnavailable when no backend is loaded for the
// configured tree depth.
func (pr *Prover) Ready() error {
	_, err := pr.pool.get(pr.cfg.Depth)
	return err
}

// Generate proves that seed's commitment belongs to the group of members,
// binding target as the message. It fails fast with ErrNotAGroupMember,
// including for an empty group.
func (pr *Prover) Generate(ctx context.Context, seed []byte, target identity.ID, members []identity.ID) (*Proof, error) {
	g, err := group.Build(pr.cfg, members)
	if err != nil {
		return nil, fmt.Errorf("build group:\n%w", err)
	}

	return pr.GenerateInGroup(ctx, seed, target, g)
}

// GenerateInGroup is Generate over an already built group.
func (pr *Prover) GenerateInGroup(ctx context.Context, seed []byte, target identity.ID, g *group.Group) (*Proof, error) {
	cfg := g.Config()

	secret, err := cfg.SecretFromSeed(seed)
	if err != nil {
		return nil, err
	}

	commitment := group.CommitmentOfSecret(secret)
	if !g.Contains(commitment) {
		return nil, ErrNotAGroupMember
	}

	b, err := pr.pool.get(cfg.Depth)
	if err != nil {
		return nil, err
	}

	path, err := g.Path(commitment)
	if err != nil {
		return nil, err
	}

	root := g.Root()
	nullifier := cfg.Nullifier(secret)

	assignment := newCircuit(cfg.Depth)
	assignment.Root = root.Big()
	assignment.Nullifier = nullifier
	assignment.Message = group.MessageField(target)
	assignment.Scope = cfg.ScopeField()
	assignment.Secret = secret.Big()

	for i := range path.Siblings {
		assignment.Siblings[i] = path.Siblings[i]
		assignment.Indices[i] = int(path.Indices[i])
	}

	w, err := frontend.NewWitness(assignment, ecc.BN254.ScalarField())
	if err != nil {
		return nil, fmt.Errorf("build witness:\n%w", err)
	}

	release, err := pr.pool.acquire(ctx)
	if err != nil {
		return nil, err
	}

	start := time.Now()

	type result struct {
		proof groth16.Proof
		err   error
	}

	// Proving cannot be interrupted; the slot is held until it returns.
	out := make(chan result, 1)
	go func() {
		defer release()

		prf, err := groth16.Prove(b.ccs, b.pk, w)
		out <- result{proof: prf, err: err}
	}()

	var res result
	select {
	case res = <-out:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if res.err != nil {
		return nil, fmt.Errorf("groth16 prove:\n%w", res.err)
	}

	points, err := encodePoints(res.proof)
	if err != nil {
		return nil, err
	}

	logger.Debug("proof generated",
		"target", logger.Short(target.String()),
		"members", g.Size(),
		logger.Timed(start),
	)

	return &Proof{
		Depth:     cfg.Depth,
		Root:      root.String(),
		Nullifier: nullifier.String(),
		Message:   target.String(),
		Points:    points,
	}, nil
}

// encodePoints flattens a BN254 Groth16 proof into decimal coordinates.
func encodePoints(prf groth16.Proof) ([]string, error) {
	p, ok := prf.(*groth16_bn254.Proof)
	if !ok {
		return nil, fmt.Errorf("unexpected proof type %T", prf)
	}

	coords := [NumPoints]*big.Int{
		p.Ar.X.BigInt(new(big.Int)),
		p.Ar.Y.BigInt(new(big.Int)),
		p.Bs.X.A0.BigInt(new(big.Int)),
		p.Bs.X.A1.BigInt(new(big.Int)),
		p.Bs.Y.A0.BigInt(new(big.Int)),
		p.Bs.Y.A1.BigInt(new(big.Int)),
		p.Krs.X.BigInt(new(big.Int)),
		p.Krs.Y.BigInt(new(big.Int)),
	}

	out := make([]string, NumPoints)
	for i, c := range coords {
		out[i] = c.String()
	}

	return out, nil
}

// decodePoints rebuilds a BN254 Groth16 proof and checks its points lie in
// the right subgroups.
func decodePoints(points []string) (*groth16_bn254.Proof, error) {
	if len(points) != NumPoints {
		return nil, fmt.Errorf("%w: %d points", ErrMalformed, len(points))
	}

	coords := make([]*big.Int, NumPoints)
	for i, s := range points {
		c, err := parseCoordinate(s)
		if err != nil {
			return nil, fmt.Errorf("%w: point %d: %v", ErrMalformed, i, err)
		}

		coords[i] = c
	}

	var p groth16_bn254.Proof
	p.Ar.X.SetBigInt(coords[0])
	p.Ar.Y.SetBigInt(coords[1])
	p.Bs.X.A0.SetBigInt(coords[2])
	p.Bs.X.A1.SetBigInt(coords[3])
	p.Bs.Y.A0.SetBigInt(coords[4])
	p.Bs.Y.A1.SetBigInt(coords[5])
	p.Krs.X.SetBigInt(coords[6])
	p.Krs.Y.SetBigInt(coords[7])

	if !p.Ar.IsInSubGroup() || !p.Krs.IsInSubGroup() || !p.Bs.IsInSubGroup() {
		return nil, fmt.Errorf("%w: point not in subgroup", ErrMalformed)
	}

	return &p, nil
}

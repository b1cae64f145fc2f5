// Package proof produces and checks anonymous membership proofs: Groth16
// proofs over BN254 that the prover holds the secret behind one leaf of a
// trust group, bound to a target and a nullifier scope.
package proof

import (
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/std/hash/mimc"
)

// Circuit proves knowledge of a secret whose commitment is a leaf under Root,
// and that Nullifier is derived from that secret and Scope.
type Circuit struct {
	Root      frontend.Variable `gnark:",public"`
	Nullifier frontend.Variable `gnark:",public"`
	Message   frontend.Variable `gnark:",public"`
	Scope     frontend.Variable `gnark:",public"`

	Secret   frontend.Variable
	Siblings []frontend.Variable
	Indices  []frontend.Variable
}

// newCircuit allocates the circuit shape for a tree depth.
func newCircuit(depth int) *Circuit {
	return &Circuit{
		Siblings: make([]frontend.Variable, depth),
		Indices:  make([]frontend.Variable, depth),
	}
}

// Define declares the constraints.
func (c *Circuit) Define(api frontend.API) error {
	h, err := mimc.NewMiMC(api)
	if err != nil {
		return err
	}

	h.Write(c.Secret)
	node := h.Sum()
	h.Reset()

	for i := range c.Siblings {
		api.AssertIsBoolean(c.Indices[i])

		left := api.Select(c.Indices[i], c.Siblings[i], node)
		right := api.Select(c.Indices[i], node, c.Siblings[i])

		h.Write(left, right)
		node = h.Sum()
		h.Reset()
	}

	api.AssertIsEqual(node, c.Root)

	h.Write(c.Scope, c.Secret)
	api.AssertIsEqual(h.Sum(), c.Nullifier)

	// Message takes part in no relation; squaring it keeps it in the system.
	_ = api.Mul(c.Message, c.Message)

	return nil
}

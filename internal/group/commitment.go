package group

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"io"
	"math/big"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr/mimc"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/hkdf"

	"TrustLinks/internal/identity"
)

// secretInfo is the HKDF info string for identity secrets.
var secretInfo = []byte("trustlinks identity secret")

// Secret is a prover's private field element.
type Secret struct {
	v fr.Element
}

// Big returns the secret as a big integer (circuit witness form).
func (s Secret) Big() *big.Int {
	return s.v.BigInt(new(big.Int))
}

// Commitment is the public image of a Secret, encoded as a canonical
// big-endian field element so it can be sorted and used as a map key.
type Commitment [fr.Bytes]byte

// Big returns the commitment as a big integer.
func (c Commitment) Big() *big.Int {
	return new(big.Int).SetBytes(c[:])
}

// String returns the decimal form.
func (c Commitment) String() string {
	return c.Big().String()
}

// Less orders commitments by their encoding.
func (c Commitment) Less(o Commitment) bool {
	return bytes.Compare(c[:], o[:]) < 0
}

// SeedOf returns the deterministic proving seed of a public identity.
// The seed is the identity's hex form, so anyone can derive any member's
// commitment and rebuild the same group without coordination.
func SeedOf(id identity.ID) []byte {
	return []byte(id.String())
}

// SecretFromSeed derives the prover secret for seed under this config.
// The same seed and group id always yield the same secret.
func (c Config) SecretFromSeed(seed []byte) (Secret, error) {
	kdf := hkdf.New(sha256.New, seed, []byte(c.GroupID), secretInfo)

	// 48 bytes keep the modular reduction bias negligible.
	var okm [48]byte
	if _, err := io.ReadFull(kdf, okm[:]); err != nil {
		return Secret{}, fmt.Errorf("derive secret:\n%w", err)
	}

	var s Secret
	s.v.SetBytes(okm[:])

	return s, nil
}

// CommitmentOfSecret computes MiMC(secret).
func CommitmentOfSecret(s Secret) Commitment {
	return fromElement(hashElements(s.v))
}

// CommitmentOfSeed derives the commitment a seed proves membership with.
func (c Config) CommitmentOfSeed(seed []byte) (Commitment, error) {
	s, err := c.SecretFromSeed(seed)
	if err != nil {
		return Commitment{}, err
	}

	return CommitmentOfSecret(s), nil
}

// CommitmentOf derives the commitment of a public identity.
func (c Config) CommitmentOf(id identity.ID) (Commitment, error) {
	return c.CommitmentOfSeed(SeedOf(id))
}

// Nullifier computes MiMC(scope, secret). It is constant per prover for a
// given scope: it scopes replay tracking, not per-target uniqueness.
func (c Config) Nullifier(s Secret) *big.Int {
	scope := HashToField([]byte(c.Scope))
	n := hashElements(scope, s.v)

	return n.BigInt(new(big.Int))
}

// ScopeField is the field element the nullifier scope hashes to.
func (c Config) ScopeField() *big.Int {
	scope := HashToField([]byte(c.Scope))
	return scope.BigInt(new(big.Int))
}

// MessageField maps a target identity to the bound proof message.
func MessageField(target identity.ID) *big.Int {
	m := HashToField(target[:])
	return m.BigInt(new(big.Int))
}

// HashToField maps arbitrary bytes to a field element by hashing with
// blake3 and keeping 31 bytes, which always fits below the modulus.
func HashToField(data []byte) fr.Element {
	sum := blake3.Sum256(data)

	var e fr.Element
	e.SetBytes(sum[:31])

	return e
}

// hashElements runs native MiMC over the given elements.
func hashElements(elems ...fr.Element) fr.Element {
	h := mimc.NewMiMC()

	for i := range elems {
		b := elems[i].Bytes()
		// Canonical encodings are below the modulus, Write cannot fail.
		_, _ = h.Write(b[:])
	}

	var out fr.Element
	out.SetBytes(h.Sum(nil))

	return out
}

// fromElement encodes a field element as a Commitment.
func fromElement(e fr.Element) Commitment {
	return Commitment(e.Bytes())
}

// toElement decodes a Commitment.
func toElement(c Commitment) fr.Element {
	var e fr.Element
	e.SetBytes(c[:])

	return e
}

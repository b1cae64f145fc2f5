// Package group builds trust groups: deterministic identity commitments
// accumulated into a fixed-depth MiMC merkle tree over BN254.
//
// Members are sorted by commitment before insertion, so the root is a pure
// function of the member set and any party can re-derive it.
package group

import (
	"errors"
	"fmt"
	"math/big"
	"sort"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"

	"TrustLinks/internal/identity"
)

var (
	// ErrGroupFull is returned when the member set exceeds the tree capacity.
	ErrGroupFull = errors.New("group exceeds tree capacity")

	// ErrNotMember is returned when a path is requested for a foreign commitment.
	ErrNotMember = errors.New("commitment is not a group member")

	// ErrBadRoot is returned when parsing an invalid root encoding.
	ErrBadRoot = errors.New("invalid group root")
)

// Root is the accumulator digest of a group.
type Root struct {
	v fr.Element
}

// ParseRoot decodes the decimal form produced by Root.String.
func ParseRoot(s string) (Root, error) {
	b, ok := new(big.Int).SetString(s, 10)
	if !ok || b.Sign() < 0 || b.Cmp(fr.Modulus()) >= 0 {
		return Root{}, fmt.Errorf("%w: %q", ErrBadRoot, s)
	}

	var r Root
	r.v.SetBigInt(b)

	return r, nil
}

// String returns the decimal form used in the merkle_root tag.
func (r Root) String() string {
	return r.Big().String()
}

// Big returns the root as a big integer.
func (r Root) Big() *big.Int {
	return r.v.BigInt(new(big.Int))
}

// Equal compares two roots.
func (r Root) Equal(o Root) bool {
	return r.v.Equal(&o.v)
}

// Path is a merkle authentication path from a leaf to the root.
type Path struct {
	Siblings []*big.Int // Siblings are the neighbour nodes, leaf level first
	Indices  []uint8    // Indices is 1 where the path node is a right child
}

// Group is an immutable trust group.
type Group struct {
	cfg     Config
	members []identity.ID      // members sorted by commitment
	leaves  []Commitment       // leaves sorted ascending
	index   map[Commitment]int // index maps commitment to leaf position
	levels  [][]fr.Element     // levels[0] are the leaves, last is the root
	root    fr.Element
}

// Build derives member commitments and assembles the tree.
// Duplicate identities are collapsed; the empty set yields the empty root.
func Build(cfg Config, ids []identity.ID) (*Group, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	set := identity.NewSet(ids...)
	if len(set) > cfg.Capacity() {
		return nil, fmt.Errorf("%w: %d members, capacity %d", ErrGroupFull, len(set), cfg.Capacity())
	}

	type entry struct {
		id identity.ID
		c  Commitment
	}

	entries := make([]entry, 0, len(set))
	for id := range set {
		c, err := cfg.CommitmentOf(id)
		if err != nil {
			return nil, fmt.Errorf("commitment of %s:\n%w", id, err)
		}

		entries = append(entries, entry{id: id, c: c})
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].c.Less(entries[j].c)
	})

	g := &Group{
		cfg:     cfg,
		members: make([]identity.ID, len(entries)),
		leaves:  make([]Commitment, len(entries)),
		index:   make(map[Commitment]int, len(entries)),
	}

	for i, e := range entries {
		g.members[i] = e.id
		g.leaves[i] = e.c
		g.index[e.c] = i
	}

	g.buildLevels()

	return g, nil
}

// RootOf is Build(cfg, ids).Root().
func RootOf(cfg Config, ids []identity.ID) (Root, error) {
	g, err := Build(cfg, ids)
	if err != nil {
		return Root{}, err
	}

	return g.Root(), nil
}

// EmptyRoot is the root of a group with no members.
func EmptyRoot(cfg Config) Root {
	return Root{v: zeroHashes(cfg.Depth)[cfg.Depth]}
}

// buildLevels hashes the sparse tree bottom-up. Only populated nodes are
// stored; absent right children use the precomputed empty subtree hash.
func (g *Group) buildLevels() {
	zeros := zeroHashes(g.cfg.Depth)

	level := make([]fr.Element, len(g.leaves))
	for i, c := range g.leaves {
		level[i] = toElement(c)
	}

	g.levels = [][]fr.Element{level}

	for d := 0; d < g.cfg.Depth; d++ {
		next := make([]fr.Element, (len(level)+1)/2)

		for i := range next {
			left := level[2*i]
			right := zeros[d]

			if 2*i+1 < len(level) {
				right = level[2*i+1]
			}

			next[i] = hashElements(left, right)
		}

		g.levels = append(g.levels, next)
		level = next
	}

	if len(level) == 0 {
		g.root = zeros[g.cfg.Depth]
		return
	}

	g.root = level[0]
}

// Root returns the accumulator digest.
func (g *Group) Root() Root {
	return Root{v: g.root}
}

// Config returns the configuration the group was built with.
func (g *Group) Config() Config {
	return g.cfg
}

// Size returns the number of members.
func (g *Group) Size() int {
	return len(g.members)
}

// Members returns the identities in leaf order.
func (g *Group) Members() []identity.ID {
	out := make([]identity.ID, len(g.members))
	copy(out, g.members)

	return out
}

// Contains reports whether the commitment is a leaf.
func (g *Group) Contains(c Commitment) bool {
	_, ok := g.index[c]
	return ok
}

// Path returns the authentication path of a member commitment.
func (g *Group) Path(c Commitment) (Path, error) {
	pos, ok := g.index[c]
	if !ok {
		return Path{}, ErrNotMember
	}

	zeros := zeroHashes(g.cfg.Depth)

	p := Path{
		Siblings: make([]*big.Int, g.cfg.Depth),
		Indices:  make([]uint8, g.cfg.Depth),
	}

	for d := 0; d < g.cfg.Depth; d++ {
		level := g.levels[d]
		sibling := zeros[d]

		if pos%2 == 0 {
			if pos+1 < len(level) {
				sibling = level[pos+1]
			}
		} else {
			sibling = level[pos-1]
			p.Indices[d] = 1
		}

		p.Siblings[d] = sibling.BigInt(new(big.Int))
		pos /= 2
	}

	return p, nil
}

// VerifyPath recomputes the root from a leaf and its path.
func VerifyPath(leaf Commitment, p Path, root Root) bool {
	if len(p.Siblings) != len(p.Indices) {
		return false
	}

	node := toElement(leaf)

	for d := range p.Siblings {
		var sibling fr.Element
		sibling.SetBigInt(p.Siblings[d])

		if p.Indices[d] == 1 {
			node = hashElements(sibling, node)
		} else {
			node = hashElements(node, sibling)
		}
	}

	return node.Equal(&root.v)
}

// zeroHashes returns the empty subtree hash for every level up to depth.
func zeroHashes(depth int) []fr.Element {
	zeros := make([]fr.Element, depth+1)

	for d := 1; d <= depth; d++ {
		zeros[d] = hashElements(zeros[d-1], zeros[d-1])
	}

	return zeros
}

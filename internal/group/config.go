package group

import (
	"errors"
	"fmt"
)

const (
	// DefaultGroupID names the verification network a group belongs to.
	DefaultGroupID = "trustlinks-verification-network"

	// DefaultScope is the protocol-level nullifier constant.
	DefaultScope = "trustlinks-verify-v1"

	// DefaultDepth supports groups of up to 2^16 members.
	DefaultDepth = 16

	// MinDepth and MaxDepth bound the merkle tree height.
	MinDepth = 1
	MaxDepth = 32
)

var (
	// ErrBadConfig is returned by Config.Validate.
	ErrBadConfig = errors.New("invalid group config")
)

// Config scopes commitments, roots and nullifiers to one trust network.
// Two parties agree on a root only if they share the same Config.
type Config struct {
	// GroupID salts identity secret derivation.
	GroupID string `yaml:"group_id" json:"groupId"`

	// Scope is hashed into every nullifier.
	Scope string `yaml:"scope" json:"scope"`

	// Depth is the merkle tree height.
	Depth int `yaml:"depth" json:"depth"`
}

// DefaultConfig returns the configuration of the public verification network.
func DefaultConfig() Config {
	return Config{
		GroupID: DefaultGroupID,
		Scope:   DefaultScope,
		Depth:   DefaultDepth,
	}
}

// Validate checks that the config can build groups.
func (c Config) Validate() error {
	if c.GroupID == "" {
		return fmt.Errorf("%w: empty group id", ErrBadConfig)
	}

	if c.Scope == "" {
		return fmt.Errorf("%w: empty scope", ErrBadConfig)
	}

	if c.Depth < MinDepth || c.Depth > MaxDepth {
		return fmt.Errorf("%w: depth %d outside [%d, %d]", ErrBadConfig, c.Depth, MinDepth, MaxDepth)
	}

	return nil
}

// Capacity is the maximum number of members a group can hold.
func (c Config) Capacity() int {
	return 1 << c.Depth
}

package proof

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/constraint"
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/frontend/cs/r1cs"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"TrustLinks/internal/group"
	"TrustLinks/internal/logger"
)

var (
	// ErrBackendUnavailable is returned when no circuit is loaded for a depth.
	ErrBackendUnavailable = errors.New("proving backend unavailable")

	// ErrPoolClosed is returned by a pool after Close.
	ErrPoolClosed = errors.New("proof pool closed")
)

// DefaultWorkers bounds concurrent proof generation.
const DefaultWorkers = 2

// KeyID identifies a verifying key by the blake3 hash of its encoding.
type KeyID [32]byte

// String returns the short hex form.
func (k KeyID) String() string {
	return fmt.Sprintf("%x", k[:8])
}

// PoolOptions configures a Pool.
type PoolOptions struct {
	KeyDir  string // KeyDir caches zstd compressed keys; empty keeps them in memory only
	Workers int    // Workers bounds concurrent proving
}

// backend is a compiled circuit with its key pair.
type backend struct {
	ccs constraint.ConstraintSystem
	pk  groth16.ProvingKey
	vk  groth16.VerifyingKey
	id  KeyID
}

// Pool manages compiled circuits and their keys, one per tree depth.
// Circuits are compiled once and kept hot for proving and verifying.
type Pool struct {
	opts     PoolOptions
	backends map[int]*backend // backends maps tree depth to its circuit and keys
	mu       sync.RWMutex     // mu protects backends and closed
	slots    chan struct{}    // slots bounds concurrent proving
	closed   bool
}

// NewPool creates an empty pool.
func NewPool(opts PoolOptions) *Pool {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}

	return &Pool{
		opts:     opts,
		backends: make(map[int]*backend),
		slots:    make(chan struct{}, opts.Workers),
	}
}

// Load compiles the circuit for depth and loads or generates its keys.
// Loading an already loaded depth is a no-op. Returns the verifying key ID.
func (p *Pool) Load(depth int) (KeyID, error) {
	if depth < group.MinDepth || depth > group.MaxDepth {
		return KeyID{}, fmt.Errorf("depth %d out of range [%d, %d]", depth, group.MinDepth, group.MaxDepth)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return KeyID{}, ErrPoolClosed
	}

	if b, exists := p.backends[depth]; exists {
		return b.id, nil
	}

	start := time.Now()

	ccs, err := frontend.Compile(ecc.BN254.ScalarField(), r1cs.NewBuilder, newCircuit(depth))
	if err != nil {
		return KeyID{}, fmt.Errorf("compile circuit:\n%w", err)
	}

	logger.Debug("compiled circuit", "depth", depth, "constraints", ccs.GetNbConstraints(), logger.Timed(start))

	b := &backend{ccs: ccs}

	if err := p.loadKeys(depth, b); err != nil {
		return KeyID{}, err
	}

	p.backends[depth] = b

	logger.Info("proving backend ready", "depth", depth, "key", b.id.String())

	return b.id, nil
}

// loadKeys reads cached keys or runs setup and caches the result.
func (p *Pool) loadKeys(depth int, b *backend) error {
	if p.opts.KeyDir != "" {
		ok, err := p.readKeys(depth, b)
		if err != nil {
			return err
		}

		if ok {
			return p.fingerprint(b)
		}
	}

	start := time.Now()

	pk, vk, err := groth16.Setup(b.ccs)
	if err != nil {
		return fmt.Errorf("groth16 setup:\n%w", err)
	}

	logger.Info("groth16 setup done", "depth", depth, logger.Timed(start))

	b.pk, b.vk = pk, vk

	if err := p.fingerprint(b); err != nil {
		return err
	}

	if p.opts.KeyDir != "" {
		if err := p.writeKeys(depth, b); err != nil {
			return err
		}
	}

	return nil
}

// keyPaths returns the cache file paths of a depth.
func (p *Pool) keyPaths(depth int) (string, string) {
	base := filepath.Join(p.opts.KeyDir, fmt.Sprintf("groth16-bn254-d%d", depth))
	return base + ".pk.zst", base + ".vk.zst"
}

// readKeys loads cached keys. Returns false when the cache is absent.
func (p *Pool) readKeys(depth int, b *backend) (bool, error) {
	pkPath, vkPath := p.keyPaths(depth)

	pkData, err := readCompressed(pkPath)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	vkData, err := readCompressed(vkPath)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	b.pk = groth16.NewProvingKey(ecc.BN254)
	if _, err := b.pk.ReadFrom(bytes.NewReader(pkData)); err != nil {
		return false, fmt.Errorf("read proving key %s:\n%w", pkPath, err)
	}

	b.vk = groth16.NewVerifyingKey(ecc.BN254)
	if _, err := b.vk.ReadFrom(bytes.NewReader(vkData)); err != nil {
		return false, fmt.Errorf("read verifying key %s:\n%w", vkPath, err)
	}

	logger.Debug("loaded cached keys", "depth", depth, "dir", p.opts.KeyDir)

	return true, nil
}

// writeKeys caches both keys under KeyDir.
func (p *Pool) writeKeys(depth int, b *backend) error {
	if err := os.MkdirAll(p.opts.KeyDir, 0o755); err != nil {
		return fmt.Errorf("create key dir:\n%w", err)
	}

	pkPath, vkPath := p.keyPaths(depth)

	var pkBuf bytes.Buffer
	if _, err := b.pk.WriteTo(&pkBuf); err != nil {
		return fmt.Errorf("encode proving key:\n%w", err)
	}

	if err := writeCompressed(pkPath, pkBuf.Bytes()); err != nil {
		return err
	}

	var vkBuf bytes.Buffer
	if _, err := b.vk.WriteTo(&vkBuf); err != nil {
		return fmt.Errorf("encode verifying key:\n%w", err)
	}

	return writeCompressed(vkPath, vkBuf.Bytes())
}

// fingerprint sets the key ID from the verifying key encoding.
func (p *Pool) fingerprint(b *backend) error {
	var buf bytes.Buffer
	if _, err := b.vk.WriteTo(&buf); err != nil {
		return fmt.Errorf("encode verifying key:\n%w", err)
	}

	b.id = blake3.Sum256(buf.Bytes())

	return nil
}

// get returns the backend of a depth.
func (p *Pool) get(depth int) (*backend, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return nil, ErrPoolClosed
	}

	b, exists := p.backends[depth]
	if !exists {
		return nil, fmt.Errorf("%w: depth %d", ErrBackendUnavailable, depth)
	}

	return b, nil
}

// acquire takes a proving slot, waiting until one frees up or ctx ends.
func (p *Pool) acquire(ctx context.Context) (func(), error) {
	select {
	case p.slots <- struct{}{}:
		return func() { <-p.slots }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close releases every backend. Later calls fail with ErrPoolClosed.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for d := range p.backends {
		delete(p.backends, d)
	}

	p.closed = true

	return nil
}

// writeCompressed zstd compresses data into path.
func writeCompressed(path string, data []byte) error {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return fmt.Errorf("create encoder:\n%w", err)
	}
	defer encoder.Close()

	if err := os.WriteFile(path, encoder.EncodeAll(data, nil), 0o644); err != nil {
		return fmt.Errorf("write %s:\n%w", path, err)
	}

	return nil
}

// readCompressed reads and decompresses a file written by writeCompressed.
func readCompressed(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create decoder:\n%w", err)
	}
	defer decoder.Close()

	data, err := decoder.DecodeAll(raw, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress %s:\n%w", path, err)
	}

	return data, nil
}

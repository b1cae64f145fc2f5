package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"TrustLinks/internal/api"
	"TrustLinks/internal/logger"
	"TrustLinks/internal/proof"
	"TrustLinks/internal/storage"
	"TrustLinks/internal/store"
	"TrustLinks/internal/trust"
)

// Node represents a running trust node.
type Node struct {
	cfg      *Config
	storage  *storage.Storage // storage backs the local store and the replay registry
	store    store.Store
	pool     *proof.Pool     // pool is nil when proofs are disabled
	verifier *proof.Verifier // verifier is nil when proofs are disabled
	registry *proof.Registry
	trust    *trust.Aggregator
	api      *api.Server
}

// NewNode creates and initializes a new node.
func NewNode(cfg *Config) (*Node, error) {
	n := &Node{cfg: cfg}

	steps := []func() error{
		n.initStorage,
		n.initStore,
		n.initProofs,
		n.initTrust,
	}

	for _, step := range steps {
		if err := step(); err != nil {
			n.Close()
			return nil, err
		}
	}

	return n, nil
}

// initStorage initializes the Pebble storage.
func (n *Node) initStorage() error {
	dbPath := filepath.Join(n.cfg.DataPath, "db")

	if err := os.MkdirAll(n.cfg.DataPath, 0755); err != nil {
		return fmt.Errorf("create data directory:\n%w", err)
	}

	db, err := storage.Open(dbPath, n.cfg.storageOptions())
	if err != nil {
		return fmt.Errorf("init storage:\n%w", err)
	}

	n.storage = db

	return nil
}

// initStore opens the configured attestation store.
func (n *Node) initStore() error {
	switch n.cfg.Store.Backend {
	case BackendPostgres:
		s, err := store.NewPostgresStore(&n.cfg.Store.Postgres)
		if err != nil {
			return fmt.Errorf("init postgres store:\n%w", err)
		}

		n.store = s

	case BackendRelay:
		n.store = store.NewRelayStore(n.cfg.Store.Relays)

	default:
		n.store = store.NewLocalStore(n.storage)
	}

	return nil
}

// initProofs compiles the circuit for the configured tree depth and loads
// or generates its keys.
func (n *Node) initProofs() error {
	if !n.cfg.Proof.Enabled {
		return nil
	}

	keyDir := n.cfg.Proof.KeyDir
	if keyDir == "" {
		keyDir = filepath.Join(n.cfg.DataPath, "keys")
	}

	if err := os.MkdirAll(keyDir, 0755); err != nil {
		return fmt.Errorf("create key directory:\n%w", err)
	}

	n.pool = proof.NewPool(proof.PoolOptions{KeyDir: keyDir, Workers: n.cfg.Proof.Workers})

	if _, err := n.pool.Load(n.cfg.Group.Depth); err != nil {
		return fmt.Errorf("load proving backend:\n%w", err)
	}

	n.verifier = proof.NewVerifier(n.pool, n.cfg.Group)

	if n.cfg.Proof.Replay {
		n.registry = proof.NewRegistry(n.storage)
	}

	return nil
}

// initTrust creates the aggregator, checking anonymous proofs at read time
// when configured.
func (n *Node) initTrust() error {
	opts := n.cfg.trustOptions()

	if n.cfg.Trust.VerifyOnRead && n.verifier != nil {
		// Trust groups only read public records, so the unchecked aggregator
		// can resolve them for the checker.
		groups := trust.New(n.store, opts)
		opts.Checker = trust.NewGroupChecker(groups, n.verifier)
	}

	n.trust = trust.New(n.store, opts)

	return nil
}

// Run starts the HTTP API and blocks until shutdown signal.
func (n *Node) Run() error {
	n.api = api.New(n.cfg.HTTPAddress, n.trust, n.store, api.Options{
		Group:           n.cfg.Group,
		Verifier:        n.verifier,
		Registry:        n.registry,
		VerifyAnonymous: n.cfg.Proof.VerifyOnPublish,
	})

	if err := n.api.Start(); err != nil {
		return fmt.Errorf("start api:\n%w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	return n.Close()
}

// Close shuts down all node components gracefully.
func (n *Node) Close() error {
	if n.api != nil {
		n.api.Stop()
	}

	if c, ok := n.store.(io.Closer); ok {
		c.Close()
	}

	if n.pool != nil {
		n.pool.Close()
	}

	if n.storage != nil {
		n.storage.Close()
	}

	return nil
}

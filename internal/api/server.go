package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/nbd-wtf/go-nostr"

	"TrustLinks/internal/attestation"
	"TrustLinks/internal/group"
	"TrustLinks/internal/identity"
	"TrustLinks/internal/logger"
	"TrustLinks/internal/proof"
	"TrustLinks/internal/trust"
)

const (
	// maxBodySize is the maximum request body size in bytes.
	maxBodySize = 256 << 10

	// maxMembers bounds member lists submitted for root or proof checks.
	maxMembers = 1 << 16
)

// Trust answers reputation and trust-graph queries.
type Trust interface {
	Aggregate(ctx context.Context, q trust.Query) (*trust.Report, error)
	Given(ctx context.Context, author identity.ID) ([]attestation.Attestation, error)
	Received(ctx context.Context, subject identity.ID) ([]attestation.Attestation, error)
	TrustGroup(ctx context.Context, id identity.ID) ([]identity.ID, error)
}

// Publisher stores signed records.
type Publisher interface {
	Publish(ctx context.Context, ev *nostr.Event) error
}

// Options enables the proof-related endpoints and checks.
type Options struct {
	Group           group.Config    // Group scopes roots and proofs
	Verifier        *proof.Verifier // Verifier is nil when no verifying key is loaded
	Registry        *proof.Registry // Registry refuses replayed nullifiers when set
	VerifyAnonymous bool            // VerifyAnonymous checks anonymous records on publish
}

// Server is the HTTP API server.
type Server struct {
	addr   string       // addr is the HTTP listen address
	trust  Trust        // trust serves the read endpoints
	pub    Publisher    // pub accepts published records
	opts   Options      // opts holds the proof settings
	server *http.Server // server is the underlying HTTP server
}

// New creates a new HTTP API server.
func New(addr string, t Trust, pub Publisher, opts Options) *Server {
	return &Server{
		addr:  addr,
		trust: t,
		pub:   pub,
		opts:  opts,
	}
}

// Handler returns the router serving every endpoint.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", s.handleHealth)
	r.Get("/reputation/{target}", s.handleReputation)
	r.Get("/given/{author}", s.handleGiven)
	r.Get("/received/{subject}", s.handleReceived)
	r.Get("/trust/{identity}", s.handleTrust)
	r.Post("/events", s.handlePublish)
	r.Post("/verify", s.handleVerify)
	r.Post("/group/root", s.handleGroupRoot)

	return r
}

// Start starts the HTTP server in a goroutine.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 40 * time.Second,
	}

	go func() {
		logger.Info("http api started", "addr", s.addr)

		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

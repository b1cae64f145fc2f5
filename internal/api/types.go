package api

import (
	"time"

	"TrustLinks/internal/attestation"
	"TrustLinks/internal/identity"
	"TrustLinks/internal/proof"
)

// Record is the JSON view of a validated attestation.
type Record struct {
	ID         string               `json:"id"`
	Subject    identity.ID          `json:"subject"`
	Author     identity.ID          `json:"author"`
	Mode       attestation.Mode     `json:"mode"`
	Verdict    *attestation.Verdict `json:"verdict,omitempty"`
	Category   string               `json:"category,omitempty"`
	Context    string               `json:"context,omitempty"`
	Comment    string               `json:"comment,omitempty"`
	MerkleRoot string               `json:"merkleRoot,omitempty"`
	CreatedAt  time.Time            `json:"createdAt"`
}

// NewRecord converts an attestation for the API.
func NewRecord(a attestation.Attestation) Record {
	r := Record{
		ID:        a.ID,
		Subject:   a.Subject,
		Author:    a.Author,
		Mode:      a.Mode,
		Category:  a.Meta.Category,
		Context:   a.Meta.Context,
		Comment:   a.Meta.Comment,
		CreatedAt: a.CreatedAt,
	}

	if a.Mode == attestation.Public {
		v := a.Verdict
		r.Verdict = &v
	} else {
		r.MerkleRoot = a.Root.String()
	}

	return r
}

// TrustResponse is the body of GET /trust/{identity}.
type TrustResponse struct {
	Identity identity.ID   `json:"identity"`
	Trusted  []identity.ID `json:"trusted"` // Trusted excludes Identity itself
	Root     string        `json:"root"`    // Root of the group Identity proves against
	Size     int           `json:"size"`
}

// PublishResponse is the body of POST /events.
type PublishResponse struct {
	ID string `json:"id"`
}

// VerifyRequest is the body of POST /verify.
type VerifyRequest struct {
	Proof   proof.Proof `json:"proof"`
	Target  string      `json:"target"`
	Members []string    `json:"members"`
}

// VerifyResponse is the body returned by POST /verify.
type VerifyResponse struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

// RootRequest is the body of POST /group/root.
type RootRequest struct {
	Members []string `json:"members"`
}

// RootResponse is the body returned by POST /group/root.
type RootResponse struct {
	Root  string `json:"root"`
	Size  int    `json:"size"`
	Depth int    `json:"depth"`
}

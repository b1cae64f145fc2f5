// Package issue creates, signs and publishes attestations on behalf of a
// local identity.
package issue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"TrustLinks/internal/attestation"
	"TrustLinks/internal/group"
	"TrustLinks/internal/identity"
	"TrustLinks/internal/logger"
	"TrustLinks/internal/proof"
	"TrustLinks/internal/trust"
)

// publishTimeout bounds a single publish call.
const publishTimeout = 10 * time.Second

var (
	// ErrNoTrustedMembers is returned when the issuer vouches for nobody,
	// leaving an anonymity set of one.
	ErrNoTrustedMembers = errors.New("no trusted members to hide among")

	// ErrSelfAttestation is returned when issuer and subject are the same.
	ErrSelfAttestation = errors.New("cannot attest to yourself")

	// ErrNoProver is returned for anonymous issuing without a prover.
	ErrNoProver = errors.New("anonymous issuing is not configured")
)

// Publisher accepts signed records.
type Publisher interface {
	Publish(ctx context.Context, ev *nostr.Event) error
}

// Issuer issues attestations signed with one secret key.
type Issuer struct {
	secretKey string
	id        identity.ID
	pub       Publisher
	groups    trust.GroupSource
	prover    *proof.Prover // prover is nil when anonymous issuing is disabled
}

// New creates an issuer for the hex secret key. groups and prover may be nil
// when only public attestations are issued.
func New(secretKey string, pub Publisher, groups trust.GroupSource, prover *proof.Prover) (*Issuer, error) {
	pk, err := nostr.GetPublicKey(secretKey)
	if err != nil {
		return nil, fmt.Errorf("derive public key:\n%w", err)
	}

	id, err := identity.FromHex(pk)
	if err != nil {
		return nil, err
	}

	return &Issuer{
		secretKey: secretKey,
		id:        id,
		pub:       pub,
		groups:    groups,
		prover:    prover,
	}, nil
}

// ID returns the issuer identity.
func (i *Issuer) ID() identity.ID {
	return i.id
}

// Public signs and publishes a public attestation about subject.
func (i *Issuer) Public(ctx context.Context, subject identity.ID, v attestation.Verdict, meta attestation.Meta) (*nostr.Event, error) {
	if subject == i.id {
		return nil, ErrSelfAttestation
	}

	ev, err := attestation.NewPublic(subject, v, meta)
	if err != nil {
		return nil, err
	}

	if err := i.publish(ctx, ev); err != nil {
		return nil, err
	}

	logger.Info("public attestation issued",
		"id", logger.Short(ev.ID),
		"subject", logger.Short(subject.String()),
		"verdict", v,
	)

	return ev, nil
}

// Anonymous resolves the issuer's trust group and starts proving membership
// for subject. The returned job publishes the record once the proof is ready.
func (i *Issuer) Anonymous(ctx context.Context, subject identity.ID, meta attestation.Meta) (*Job, error) {
	if i.prover == nil || i.groups == nil {
		return nil, ErrNoProver
	}

	if subject == i.id {
		return nil, ErrSelfAttestation
	}

	if err := i.prover.Ready(); err != nil {
		return nil, err
	}

	members, err := i.groups.TrustGroup(ctx, i.id)
	if err != nil {
		return nil, fmt.Errorf("resolve trust group:\n%w", err)
	}

	if len(members) < 2 {
		return nil, ErrNoTrustedMembers
	}

	g, err := group.Build(i.prover.Config(), members)
	if err != nil {
		return nil, fmt.Errorf("build group:\n%w", err)
	}

	logger.Info("anonymous attestation started",
		"subject", logger.Short(subject.String()),
		"members", g.Size(),
		"root", logger.Short(g.Root().String()),
	)

	j := newJob(i.prover.Start(group.SeedOf(i.id), subject, g))

	go j.run(func(p *proof.Proof) (*nostr.Event, error) {
		ev, err := attestation.NewAnonymous(subject, p, meta)
		if err != nil {
			return nil, err
		}

		if err := i.publish(context.Background(), ev); err != nil {
			return nil, err
		}

		return ev, nil
	})

	return j, nil
}

// publish signs ev and hands it to the publisher.
func (i *Issuer) publish(ctx context.Context, ev *nostr.Event) error {
	if err := attestation.Sign(ev, i.secretKey); err != nil {
		return err
	}

	pctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	if err := i.pub.Publish(pctx, ev); err != nil {
		return fmt.Errorf("publish record:\n%w", err)
	}

	return nil
}

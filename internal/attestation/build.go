package attestation

import (
	"fmt"

	"github.com/nbd-wtf/go-nostr"

	"TrustLinks/internal/identity"
	"TrustLinks/internal/proof"
)

// NewPublic builds an unsigned public attestation record.
func NewPublic(subject identity.ID, v Verdict, meta Meta) (*nostr.Event, error) {
	if !v.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrMalformedVerdict, v)
	}

	tags := nostr.Tags{
		{TagSubject, subject.String()},
		{TagRating, v.Tag()},
	}

	return &nostr.Event{
		Kind:      KindPublic,
		CreatedAt: nostr.Now(),
		Tags:      appendMeta(tags, meta),
		Content:   meta.Comment,
	}, nil
}

// NewAnonymous builds an unsigned anonymous attestation record carrying p.
func NewAnonymous(subject identity.ID, p *proof.Proof, meta Meta) (*nostr.Event, error) {
	if p.Message != subject.String() {
		return nil, fmt.Errorf("%w: proof is bound to %s", ErrMalformedProof, p.Message)
	}

	encoded, err := p.Encode()
	if err != nil {
		return nil, err
	}

	tags := nostr.Tags{
		{TagSubject, subject.String()},
		{TagProof, encoded},
		{TagRoot, p.Root},
	}

	return &nostr.Event{
		Kind:      KindAnonymous,
		CreatedAt: nostr.Now(),
		Tags:      appendMeta(tags, meta),
		Content:   meta.Comment,
	}, nil
}

// appendMeta adds the optional descriptive tags.
func appendMeta(tags nostr.Tags, meta Meta) nostr.Tags {
	if meta.Category != "" {
		tags = append(tags, nostr.Tag{TagCategory, meta.Category})
	}

	if meta.Context != "" {
		tags = append(tags, nostr.Tag{TagContext, meta.Context})
	}

	return tags
}

// Sign signs ev with a hex secret key, setting its author and ID.
func Sign(ev *nostr.Event, secretKey string) error {
	if err := ev.Sign(secretKey); err != nil {
		return fmt.Errorf("sign record:\n%w", err)
	}

	return nil
}

// CheckSignature verifies the record ID and signature.
func CheckSignature(ev *nostr.Event) error {
	if ev.GetID() != ev.ID {
		return fmt.Errorf("record id %s does not match content", ev.ID)
	}

	ok, err := ev.CheckSignature()
	if err != nil {
		return fmt.Errorf("check signature:\n%w", err)
	}

	if !ok {
		return fmt.Errorf("bad signature on %s", ev.ID)
	}

	return nil
}

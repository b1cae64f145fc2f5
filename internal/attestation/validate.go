package attestation

import (
	"errors"
	"fmt"

	"github.com/nbd-wtf/go-nostr"

	"TrustLinks/internal/group"
	"TrustLinks/internal/identity"
	"TrustLinks/internal/proof"
)

// Rejection reasons. Match them with errors.Is on the error Validate returns.
var (
	// ErrWrongKind is returned for kinds other than public and anonymous.
	ErrWrongKind = errors.New("wrong kind")

	// ErrMissingSubject is returned when the subject tag is absent or invalid.
	ErrMissingSubject = errors.New("missing subject")

	// ErrMalformedAuthor is returned when the record author is not an identity.
	ErrMalformedAuthor = errors.New("malformed author")

	// ErrMalformedVerdict is returned for public records without a {0,1} rating.
	ErrMalformedVerdict = errors.New("malformed verdict")

	// ErrMissingProof is returned for anonymous records without a proof tag.
	ErrMissingProof = errors.New("missing proof")

	// ErrMalformedProof is returned for anonymous records whose proof does not parse.
	ErrMalformedProof = errors.New("malformed proof")
)

// RejectError describes why a record was not admitted.
type RejectError struct {
	ID     string // ID is the rejected record identifier
	Reason error  // Reason is one of the Err* sentinels
	Detail string // Detail is a human readable explanation
}

// Error implements error.
func (e *RejectError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("reject %s: %v", e.ID, e.Reason)
	}

	return fmt.Sprintf("reject %s: %v: %s", e.ID, e.Reason, e.Detail)
}

// Unwrap exposes the reason sentinel.
func (e *RejectError) Unwrap() error {
	return e.Reason
}

// reject builds a RejectError for ev.
func reject(ev *nostr.Event, reason error, detail string) error {
	return &RejectError{ID: ev.ID, Reason: reason, Detail: detail}
}

// Validate decodes a raw record. It is pure: it never contacts the store and
// never checks proofs cryptographically.
func Validate(ev *nostr.Event) (Attestation, error) {
	if ev.Kind != KindPublic && ev.Kind != KindAnonymous {
		return Attestation{}, reject(ev, ErrWrongKind, fmt.Sprintf("kind %d", ev.Kind))
	}

	author, err := identity.FromHex(ev.PubKey)
	if err != nil {
		return Attestation{}, reject(ev, ErrMalformedAuthor, err.Error())
	}

	subjectTag, ok := tagValue(ev.Tags, TagSubject)
	if !ok {
		return Attestation{}, reject(ev, ErrMissingSubject, "")
	}

	subject, err := identity.FromHex(subjectTag)
	if err != nil {
		return Attestation{}, reject(ev, ErrMissingSubject, err.Error())
	}

	a := Attestation{
		ID:        ev.ID,
		Subject:   subject,
		Author:    author,
		Meta:      metaOf(ev),
		CreatedAt: ev.CreatedAt.Time(),
	}

	if ev.Kind == KindPublic {
		return decodePublic(ev, a)
	}

	return decodeAnonymous(ev, a)
}

// decodePublic fills the verdict of a public record.
func decodePublic(ev *nostr.Event, a Attestation) (Attestation, error) {
	rating, ok := tagValue(ev.Tags, TagRating)
	if !ok {
		return Attestation{}, reject(ev, ErrMalformedVerdict, "no rating tag")
	}

	v, err := ParseVerdict(rating)
	if err != nil {
		return Attestation{}, reject(ev, ErrMalformedVerdict, err.Error())
	}

	a.Mode = Public
	a.Verdict = v

	return a, nil
}

// decodeAnonymous parses the proof payload of an anonymous record.
func decodeAnonymous(ev *nostr.Event, a Attestation) (Attestation, error) {
	raw, ok := tagValue(ev.Tags, TagProof)
	if !ok {
		return Attestation{}, reject(ev, ErrMissingProof, "")
	}

	p, err := proof.Decode(raw)
	if err != nil {
		return Attestation{}, reject(ev, ErrMalformedProof, err.Error())
	}

	if p.Message != a.Subject.String() {
		return Attestation{}, reject(ev, ErrMalformedProof, "proof message is not the subject")
	}

	root, err := p.RootValue()
	if err != nil {
		return Attestation{}, reject(ev, ErrMalformedProof, err.Error())
	}

	// The merkle_root tag is optional but must agree with the proof.
	if tagRoot, ok := tagValue(ev.Tags, TagRoot); ok {
		declared, err := group.ParseRoot(tagRoot)
		if err != nil || !declared.Equal(root) {
			return Attestation{}, reject(ev, ErrMalformedProof, "merkle_root tag disagrees with proof")
		}
	}

	a.Mode = Anonymous
	a.Proof = p
	a.Root = root

	return a, nil
}

// metaOf extracts the descriptive fields.
func metaOf(ev *nostr.Event) Meta {
	category, _ := tagValue(ev.Tags, TagCategory)
	context, _ := tagValue(ev.Tags, TagContext)

	return Meta{
		Category: category,
		Context:  context,
		Comment:  ev.Content,
	}
}

// tagValue returns the value of the first tag named exactly name. Later tags
// with the same name are ignored, so an empty first value reads as absent.
func tagValue(tags nostr.Tags, name string) (string, bool) {
	for _, tag := range tags {
		if len(tag) == 0 || tag[0] != name {
			continue
		}

		if len(tag) < 2 || tag[1] == "" {
			return "", false
		}

		return tag[1], true
	}

	return "", false
}

// ValidateAll keeps the admitted records and drops the rest.
// Records sharing an ID are admitted once.
func ValidateAll(events []*nostr.Event) []Attestation {
	out := make([]Attestation, 0, len(events))
	seen := make(map[string]struct{}, len(events))

	for _, ev := range events {
		if ev == nil {
			continue
		}

		if ev.ID != "" {
			if _, dup := seen[ev.ID]; dup {
				continue
			}
			seen[ev.ID] = struct{}{}
		}

		a, err := Validate(ev)
		if err != nil {
			continue
		}

		out = append(out, a)
	}

	return out
}

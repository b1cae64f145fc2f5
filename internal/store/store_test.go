package store

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/require"

	"TrustLinks/internal/attestation"
	"TrustLinks/internal/identity"
	"TrustLinks/internal/storage"
)

// signer is a test identity with its secret key.
type signer struct {
	sk string
	id identity.ID
}

func newSigner(t *testing.T) signer {
	t.Helper()

	sk := nostr.GeneratePrivateKey()
	pk, err := nostr.GetPublicKey(sk)
	require.NoError(t, err)

	return signer{sk: sk, id: identity.MustParse(pk)}
}

// attest signs a public attestation about subject at ts.
func (s signer) attest(t *testing.T, subject identity.ID, v attestation.Verdict, ts int64) *nostr.Event {
	t.Helper()

	ev, err := attestation.NewPublic(subject, v, attestation.Meta{Comment: fmt.Sprintf("at %d", ts)})
	require.NoError(t, err)

	ev.CreatedAt = nostr.Timestamp(ts)
	require.NoError(t, attestation.Sign(ev, s.sk))

	return ev
}

func newTestLocal(t *testing.T) *LocalStore {
	t.Helper()

	db, err := storage.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return NewLocalStore(db)
}

func ids(events []*nostr.Event) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.ID
	}

	return out
}

func TestCodecRoundTrip(t *testing.T) {
	a, b := newSigner(t), newSigner(t)
	ev := a.attest(t, b.id, attestation.Real, 1700000000)
	ev.Tags = append(ev.Tags, nostr.Tag{"context", "Nostrica", "extra"}, nostr.Tag{})

	back, err := decodeEvent(encodeEvent(ev))
	require.NoError(t, err)
	require.Equal(t, ev.ID, back.ID)
	require.Equal(t, ev.PubKey, back.PubKey)
	require.Equal(t, ev.CreatedAt, back.CreatedAt)
	require.Equal(t, ev.Kind, back.Kind)
	require.Equal(t, ev.Content, back.Content)
	require.Equal(t, ev.Sig, back.Sig)
	require.Len(t, back.Tags, len(ev.Tags))

	for i := range ev.Tags {
		require.Equal(t, []string(ev.Tags[i]), []string(back.Tags[i]))
	}
}

func TestDecodeCorrupt(t *testing.T) {
	_, err := decodeEvent([]byte{1, 2})
	require.Error(t, err)
}

func TestLocalQueryBySubject(t *testing.T) {
	ctx := context.Background()
	s := newTestLocal(t)
	a, b, target, other := newSigner(t), newSigner(t), newSigner(t), newSigner(t)

	old := a.attest(t, target.id, attestation.Real, 100)
	mid := b.attest(t, target.id, attestation.NotReal, 200)
	recent := a.attest(t, target.id, attestation.NotReal, 300)
	unrelated := a.attest(t, other.id, attestation.Real, 400)

	for _, ev := range []*nostr.Event{old, unrelated, recent, mid} {
		require.NoError(t, s.Publish(ctx, ev))
	}

	got, err := s.Query(ctx, Filter{Subjects: []identity.ID{target.id}})
	require.NoError(t, err)
	require.Equal(t, []string{recent.ID, mid.ID, old.ID}, ids(got))

	got, err = s.Query(ctx, Filter{Subjects: []identity.ID{target.id}, Authors: []identity.ID{b.id}})
	require.NoError(t, err)
	require.Equal(t, []string{mid.ID}, ids(got))

	got, err = s.Query(ctx, Filter{Subjects: []identity.ID{target.id}, Limit: 2})
	require.NoError(t, err)
	require.Equal(t, []string{recent.ID, mid.ID}, ids(got))

	got, err = s.Query(ctx, Filter{Subjects: []identity.ID{target.id, other.id}, Limit: 2})
	require.NoError(t, err)
	require.Equal(t, []string{unrelated.ID, recent.ID}, ids(got))
}

func TestLocalQueryByAuthorAndKind(t *testing.T) {
	ctx := context.Background()
	s := newTestLocal(t)
	a, b, x := newSigner(t), newSigner(t), newSigner(t)

	e1 := a.attest(t, x.id, attestation.Real, 10)
	e2 := a.attest(t, b.id, attestation.Real, 20)
	e3 := b.attest(t, x.id, attestation.Real, 30)

	for _, ev := range []*nostr.Event{e1, e2, e3} {
		require.NoError(t, s.Publish(ctx, ev))
	}

	got, err := s.Query(ctx, Filter{Authors: []identity.ID{a.id}})
	require.NoError(t, err)
	require.Equal(t, []string{e2.ID, e1.ID}, ids(got))

	got, err = s.Query(ctx, Filter{Kinds: []int{attestation.KindAnonymous}})
	require.NoError(t, err)
	require.Empty(t, got)

	got, err = s.Query(ctx, Filter{Kinds: []int{attestation.KindPublic}})
	require.NoError(t, err)
	require.Equal(t, []string{e3.ID, e2.ID, e1.ID}, ids(got))

	stored, err := s.Get(e3.ID)
	require.NoError(t, err)
	require.Equal(t, e3.Content, stored.Content)
}

func TestLocalPublishRejectsAndDedups(t *testing.T) {
	ctx := context.Background()
	s := newTestLocal(t)
	a, x := newSigner(t), newSigner(t)

	ev := a.attest(t, x.id, attestation.Real, 10)
	require.NoError(t, s.Publish(ctx, ev))
	require.NoError(t, s.Publish(ctx, ev))

	got, err := s.Query(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, got, 1)

	forged := *ev
	forged.Content = "edited"
	require.ErrorIs(t, s.Publish(ctx, &forged), ErrBadRecord)
}

func TestLocalQueryCancelled(t *testing.T) {
	s := newTestLocal(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Query(ctx, Filter{})
	require.ErrorIs(t, err, context.Canceled)
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	a, x := newSigner(t), newSigner(t)

	e1 := a.attest(t, x.id, attestation.Real, 10)
	e2 := a.attest(t, x.id, attestation.NotReal, 20)

	require.NoError(t, s.Publish(ctx, e1))
	require.NoError(t, s.Publish(ctx, e2))
	require.NoError(t, s.Publish(ctx, e1))
	require.Equal(t, 2, s.Len())

	got, err := s.Query(ctx, Filter{Subjects: []identity.ID{x.id}, Limit: 1})
	require.NoError(t, err)
	require.Equal(t, []string{e2.ID}, ids(got))
}

func TestFilterMatchesExactTagName(t *testing.T) {
	x := identity.MustParse(fmt.Sprintf("%064x", 5))

	ev := &nostr.Event{
		Kind: attestation.KindAnonymous,
		Tags: nostr.Tags{{"proof", x.String()}},
	}

	require.False(t, Filter{Subjects: []identity.ID{x}}.Matches(ev))

	ev.Tags = append(ev.Tags, nostr.Tag{"p", x.String()})
	require.True(t, Filter{Subjects: []identity.ID{x}}.Matches(ev))
}

func TestFinalize(t *testing.T) {
	a := &nostr.Event{ID: "a", CreatedAt: 5}
	b := &nostr.Event{ID: "b", CreatedAt: 5}
	c := &nostr.Event{ID: "c", CreatedAt: 9}

	got := Finalize([]*nostr.Event{b, a, c, a, nil}, 0)
	require.Equal(t, []string{"c", "a", "b"}, ids(got))

	got = Finalize([]*nostr.Event{b, a, c}, 1)
	require.Equal(t, []string{"c"}, ids(got))
}

func TestBuildQuery(t *testing.T) {
	x := identity.MustParse(fmt.Sprintf("%064x", 5))

	q, args := buildQuery(Filter{})
	require.Equal(t, "SELECT raw FROM attestation_records ORDER BY created_at DESC, id ASC", q)
	require.Empty(t, args)

	q, args = buildQuery(Filter{
		Subjects: []identity.ID{x},
		Kinds:    []int{attestation.KindPublic},
		Limit:    200,
	})
	require.Equal(t,
		"SELECT raw FROM attestation_records WHERE subject = ANY($1) AND kind = ANY($2) ORDER BY created_at DESC, id ASC LIMIT $3",
		q)
	require.Len(t, args, 3)
	require.Equal(t, 200, args[2])
}

func TestRelayStoreWithoutRelays(t *testing.T) {
	s := NewRelayStore(nil)

	_, err := s.Query(context.Background(), Filter{})
	require.ErrorIs(t, err, ErrUnavailable)

	require.ErrorIs(t, s.Publish(context.Background(), &nostr.Event{}), ErrUnavailable)
}

func TestNostrFilter(t *testing.T) {
	x := identity.MustParse(fmt.Sprintf("%064x", 5))
	y := identity.MustParse(fmt.Sprintf("%064x", 6))

	nf := Filter{
		Subjects: []identity.ID{x, x},
		Authors:  []identity.ID{y},
		Kinds:    attestation.Kinds,
		Limit:    10,
	}.nostrFilter()

	require.Equal(t, []string{x.String()}, nf.Tags["p"])
	require.Equal(t, []string{y.String()}, nf.Authors)
	require.Equal(t, attestation.Kinds, nf.Kinds)
	require.Equal(t, 10, nf.Limit)
}

func TestRelayConcurrentDialShared(t *testing.T) {
	const url = "wss://relay.example"

	s := NewRelayStore([]string{url})

	var (
		mu      sync.Mutex
		dialed  []*nostr.Relay
		arrived sync.WaitGroup
	)

	release := make(chan struct{})
	arrived.Add(2)

	s.dial = func(_ context.Context, url string) (*nostr.Relay, error) {
		r := nostr.NewRelay(context.Background(), url)

		mu.Lock()
		dialed = append(dialed, r)
		mu.Unlock()

		arrived.Done()
		<-release

		return r, nil
	}

	got := make([]*nostr.Relay, 2)
	errs := make([]error, 2)

	var wg sync.WaitGroup
	for i := range got {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got[i], errs[i] = s.connect(context.Background(), url)
		}()
	}

	// Both callers miss the cache before either dial finishes.
	arrived.Wait()
	close(release)
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	require.Same(t, got[0], got[1])
	require.Len(t, dialed, 2)

	open := 0
	for _, r := range dialed {
		if r.IsConnected() {
			open++
		}
	}
	require.Equal(t, 1, open)

	require.NoError(t, s.Close())
	require.False(t, got[0].IsConnected())
}

func TestRelayStaleConnectionClosed(t *testing.T) {
	const url = "wss://relay.example"

	s := NewRelayStore([]string{url})
	s.dial = func(_ context.Context, url string) (*nostr.Relay, error) {
		return nostr.NewRelay(context.Background(), url), nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	stale := nostr.NewRelay(ctx, url)
	s.relays[url] = stale
	cancel()

	r, err := s.connect(context.Background(), url)
	require.NoError(t, err)
	require.NotSame(t, stale, r)
	require.True(t, r.IsConnected())

	// The stale connection was closed before being replaced.
	require.EqualError(t, stale.Close(), "relay already closed")
}

package trust

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/require"

	"TrustLinks/internal/attestation"
	"TrustLinks/internal/identity"
	"TrustLinks/internal/proof"
	"TrustLinks/internal/store"
)

// net is a test network of named identities over a memory store.
type net struct {
	t     *testing.T
	store *store.MemoryStore
	keys  map[string]string
	ids   map[string]identity.ID
	clock int64
}

func newNet(t *testing.T, names ...string) *net {
	n := &net{
		t:     t,
		store: store.NewMemoryStore(),
		keys:  make(map[string]string),
		ids:   make(map[string]identity.ID),
		clock: 1_700_000_000,
	}

	for _, name := range names {
		sk := nostr.GeneratePrivateKey()
		pk, err := nostr.GetPublicKey(sk)
		require.NoError(t, err)

		n.keys[name] = sk
		n.ids[name] = identity.MustParse(pk)
	}

	return n
}

func (n *net) id(name string) identity.ID {
	id, ok := n.ids[name]
	require.True(n.t, ok, "unknown identity %s", name)

	return id
}

// publish signs ev as author with the next timestamp.
func (n *net) publish(author string, ev *nostr.Event) *nostr.Event {
	n.clock++
	ev.CreatedAt = nostr.Timestamp(n.clock)

	require.NoError(n.t, attestation.Sign(ev, n.keys[author]))
	require.NoError(n.t, n.store.Publish(context.Background(), ev))

	return ev
}

// vouch publishes a public attestation.
func (n *net) vouch(author, subject string, v attestation.Verdict) *nostr.Event {
	ev, err := attestation.NewPublic(n.id(subject), v, attestation.Meta{})
	require.NoError(n.t, err)

	return n.publish(author, ev)
}

// anon publishes an anonymous attestation with a structurally valid proof.
func (n *net) anon(author, subject, nullifier string) *nostr.Event {
	p := &proof.Proof{
		Depth:     16,
		Root:      "5",
		Nullifier: nullifier,
		Message:   n.id(subject).String(),
		Points:    []string{"1", "2", "3", "4", "5", "6", "7", "8"},
	}

	ev, err := attestation.NewAnonymous(n.id(subject), p, attestation.Meta{})
	require.NoError(n.t, err)

	return n.publish(author, ev)
}

// raw publishes an arbitrary record.
func (n *net) raw(author string, kind int, tags nostr.Tags) *nostr.Event {
	return n.publish(author, &nostr.Event{Kind: kind, Tags: tags})
}

func (n *net) aggregate(agg *Aggregator, target, viewer string) *Report {
	q := Query{Target: n.id(target)}
	if viewer != "" {
		q.Viewer = n.id(viewer)
	}

	r, err := agg.Aggregate(context.Background(), q)
	require.NoError(n.t, err)

	return r
}

func (n *net) members(names ...string) []identity.ID {
	ids := make([]identity.ID, len(names))
	for i, name := range names {
		ids[i] = n.id(name)
	}

	return identity.NewSet(ids...).Sorted()
}

func TestChainLevels(t *testing.T) {
	n := newNet(t, "V", "A", "B", "C")
	n.vouch("V", "A", attestation.Real)
	n.vouch("A", "B", attestation.Real)
	n.vouch("B", "C", attestation.Real)

	agg := New(n.store, DefaultOptions())

	// A vouches for B directly, one hop from V.
	r := n.aggregate(agg, "B", "V")
	require.Equal(t, Counts{Real: 1}, r.Totals)
	require.Nil(t, r.Mine)
	require.Equal(t, n.members("A"), r.Level(1).Members)
	require.Equal(t, Counts{Real: 1}, r.Level(1).Counts)
	require.Equal(t, n.members("B"), r.Level(2).Members)
	require.Equal(t, n.members("C"), r.Level(3).Members)
	require.Len(t, r.Levels, HardMaxDepth)

	// C is reached through A then B: level 1 says nothing, level 2 has B's vouch.
	r = n.aggregate(agg, "C", "V")
	require.Equal(t, Counts{}, r.Level(1).Counts)
	require.Equal(t, Counts{Real: 1}, r.Level(2).Counts)
	require.Equal(t, Counts{Real: 1}, r.Network)
	require.False(t, r.Degraded)
}

func TestLevelsDisjointWithoutViewer(t *testing.T) {
	names := []string{"V", "A", "B", "C", "D", "E", "F", "G", "H", "T"}
	n := newNet(t, names...)
	rng := rand.New(rand.NewSource(7))

	// Dense random graph with cycles and edges back to the viewer.
	for i := 0; i < 40; i++ {
		from := names[rng.Intn(len(names))]
		to := names[rng.Intn(len(names))]
		if from == to {
			continue
		}

		n.vouch(from, to, attestation.Real)
	}
	n.vouch("V", "A", attestation.Real)
	n.vouch("A", "V", attestation.Real)

	r := n.aggregate(New(n.store, DefaultOptions()), "T", "V")

	seen := identity.NewSet()
	for _, level := range r.Levels {
		for _, id := range level.Members {
			require.NotEqual(t, n.id("V"), id, "viewer at depth %d", level.Depth)
			require.False(t, seen.Has(id), "identity repeated at depth %d", level.Depth)
			seen.Add(id)
		}
	}
}

func TestAggregateIdempotent(t *testing.T) {
	n := newNet(t, "V", "A", "B", "C", "T")
	n.vouch("V", "A", attestation.Real)
	n.vouch("A", "B", attestation.Real)
	n.vouch("B", "C", attestation.Real)
	n.vouch("A", "T", attestation.NotReal)
	n.vouch("C", "T", attestation.Real)
	n.anon("B", "T", "11")

	agg := New(n.store, DefaultOptions())

	first := n.aggregate(agg, "T", "V")
	second := n.aggregate(agg, "T", "V")
	require.Equal(t, first, second)
}

func TestOnlyPublicRealExtends(t *testing.T) {
	n := newNet(t, "V", "A", "B", "C", "T")
	n.vouch("V", "A", attestation.NotReal)
	n.anon("V", "B", "21")
	n.vouch("V", "C", attestation.Real)
	n.vouch("A", "T", attestation.Real)
	n.vouch("B", "T", attestation.Real)
	n.vouch("C", "T", attestation.NotReal)

	r := n.aggregate(New(n.store, DefaultOptions()), "T", "V")
	require.Equal(t, n.members("C"), r.Level(1).Members)
	require.Equal(t, Counts{NotReal: 1}, r.Level(1).Counts)
	require.Equal(t, Counts{Real: 2, NotReal: 1}, r.Totals)
}

func TestAnonymousCounted(t *testing.T) {
	n := newNet(t, "V", "A", "T")
	n.vouch("V", "A", attestation.Real)
	n.anon("A", "T", "31")
	n.anon("A", "T", "31") // same nullifier and target: one vouch
	n.anon("V", "T", "32")

	r := n.aggregate(New(n.store, DefaultOptions()), "T", "V")
	require.Equal(t, Counts{Anonymous: 2}, r.Totals)
	require.Equal(t, Counts{Anonymous: 1}, r.Level(1).Counts)

	require.NotNil(t, r.Mine)
	require.Equal(t, attestation.Anonymous, r.Mine.Mode)
	require.Nil(t, r.Mine.Verdict)
}

func TestOutOfVocabularyVerdictExcluded(t *testing.T) {
	n := newNet(t, "V", "A", "T")
	n.vouch("V", "A", attestation.Real)
	n.raw("A", attestation.KindPublic, nostr.Tags{{"p", n.id("T").String()}, {"rating", "2"}})
	n.raw("V", attestation.KindPublic, nostr.Tags{{"p", n.id("T").String()}, {"rating", "2"}})
	n.raw("A", 1, nostr.Tags{{"p", n.id("T").String()}, {"rating", "1"}})

	r := n.aggregate(New(n.store, DefaultOptions()), "T", "V")
	require.Equal(t, Counts{}, r.Totals)
	require.Equal(t, Counts{}, r.Level(1).Counts)
	require.Nil(t, r.Mine)
}

func TestLatestVerdictWins(t *testing.T) {
	n := newNet(t, "V", "A", "T")
	n.vouch("V", "A", attestation.Real)
	n.vouch("V", "A", attestation.NotReal)
	n.vouch("A", "T", attestation.Real)
	n.vouch("V", "T", attestation.Real)
	latest := n.vouch("V", "T", attestation.NotReal)

	r := n.aggregate(New(n.store, DefaultOptions()), "T", "V")
	require.Empty(t, r.Level(1).Members)
	require.Equal(t, Counts{Real: 1, NotReal: 1}, r.Totals)

	require.NotNil(t, r.Mine)
	require.Equal(t, latest.ID, r.Mine.ID)
	require.Equal(t, attestation.NotReal, *r.Mine.Verdict)
}

func TestNoViewerTotalsOnly(t *testing.T) {
	n := newNet(t, "A", "T")
	n.vouch("A", "T", attestation.Real)

	r := n.aggregate(New(n.store, DefaultOptions()), "T", "")
	require.Equal(t, Counts{Real: 1}, r.Totals)
	require.Empty(t, r.Levels)
	require.Nil(t, r.Viewer)

	_, err := New(n.store, DefaultOptions()).Aggregate(context.Background(), Query{})
	require.ErrorIs(t, err, ErrNoTarget)
}

func TestMaxDepth(t *testing.T) {
	n := newNet(t, "V", "A", "B", "T")
	n.vouch("V", "A", attestation.Real)
	n.vouch("A", "B", attestation.Real)
	n.vouch("B", "T", attestation.Real)

	agg := New(n.store, Options{MaxDepth: 2})

	r, err := agg.Aggregate(context.Background(), Query{Target: n.id("T"), Viewer: n.id("V"), MaxDepth: 1})
	require.NoError(t, err)
	require.Len(t, r.Levels, 1)
	require.Equal(t, Counts{}, r.Network)

	r = n.aggregate(agg, "T", "V")
	require.Len(t, r.Levels, 2)
	require.Equal(t, Counts{Real: 1}, r.Level(2).Counts)
}

func TestAuthorChunks(t *testing.T) {
	names := []string{"V", "T", "A1", "A2", "A3", "A4", "A5"}
	n := newNet(t, names...)

	for _, name := range names[2:] {
		n.vouch("V", name, attestation.Real)
		n.vouch(name, "T", attestation.Real)
	}

	r := n.aggregate(New(n.store, Options{AuthorChunk: 2}), "T", "V")
	require.Len(t, r.Level(1).Members, 5)
	require.Equal(t, Counts{Real: 5}, r.Level(1).Counts)
}

// flakyStore fails every query naming one of the given authors.
type flakyStore struct {
	store.Store
	fail  identity.Set
	calls atomic.Int32
}

func (s *flakyStore) Query(ctx context.Context, f store.Filter) ([]*nostr.Event, error) {
	s.calls.Add(1)

	for _, a := range f.Authors {
		if s.fail.Has(a) {
			return nil, errors.New("relay unreachable")
		}
	}

	return s.Store.Query(ctx, f)
}

func TestFetchFailureDegrades(t *testing.T) {
	n := newNet(t, "V", "A", "B", "T")
	n.vouch("V", "A", attestation.Real)
	n.vouch("A", "B", attestation.Real)
	n.vouch("A", "T", attestation.Real)
	n.vouch("B", "T", attestation.NotReal)

	s := &flakyStore{Store: n.store, fail: identity.NewSet(n.id("A"))}
	r := n.aggregate(New(s, DefaultOptions()), "T", "V")

	require.Equal(t, Counts{Real: 1, NotReal: 1}, r.Totals)
	require.True(t, r.Degraded)
	require.True(t, r.Level(1).Degraded)
	require.Equal(t, Counts{}, r.Level(1).Counts)
	require.Empty(t, r.Level(2).Members)
}

// blockingStore never answers author queries until the context ends.
type blockingStore struct {
	store.Store
}

func (s *blockingStore) Query(ctx context.Context, f store.Filter) ([]*nostr.Event, error) {
	if len(f.Authors) > 0 {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	return s.Store.Query(ctx, f)
}

func TestFetchTimeout(t *testing.T) {
	n := newNet(t, "V", "A", "T")
	n.vouch("V", "A", attestation.Real)
	n.vouch("A", "T", attestation.Real)

	agg := New(&blockingStore{Store: n.store}, Options{
		SingleTimeout: 20 * time.Millisecond,
		LevelTimeout:  20 * time.Millisecond,
		BulkTimeout:   20 * time.Millisecond,
	})

	start := time.Now()
	r := n.aggregate(agg, "T", "V")

	require.Less(t, time.Since(start), 2*time.Second)
	require.Equal(t, Counts{Real: 1}, r.Totals)
	require.True(t, r.Degraded)
	require.Empty(t, r.Level(1).Members)
}

func TestListings(t *testing.T) {
	n := newNet(t, "V", "A", "B", "T")
	first := n.vouch("V", "A", attestation.Real)
	second := n.vouch("V", "B", attestation.NotReal)
	third := n.anon("V", "T", "41")
	n.vouch("A", "T", attestation.Real)

	agg := New(n.store, DefaultOptions())
	ctx := context.Background()

	given, err := agg.Given(ctx, n.id("V"))
	require.NoError(t, err)
	require.Len(t, given, 3)
	require.Equal(t, []string{third.ID, second.ID, first.ID}, []string{given[0].ID, given[1].ID, given[2].ID})

	received, err := agg.Received(ctx, n.id("T"))
	require.NoError(t, err)
	require.Len(t, received, 2)

	set, err := agg.TrustSet(ctx, n.id("V"))
	require.NoError(t, err)
	require.Equal(t, n.members("A"), set.Sorted())

	group, err := agg.TrustGroup(ctx, n.id("V"))
	require.NoError(t, err)
	require.Equal(t, n.members("V", "A"), group)

	flaky := New(&flakyStore{Store: n.store, fail: identity.NewSet(n.id("V"))}, DefaultOptions())
	_, err = flaky.TrustGroup(ctx, n.id("V"))
	require.ErrorIs(t, err, ErrFetch)
}

// rejectAll fails every anonymous attestation and records batch sizes.
type rejectAll struct {
	mu      sync.Mutex
	batches []int
}

func (c *rejectAll) Check(_ context.Context, _ identity.ID, atts []*attestation.Attestation) ([]bool, error) {
	c.mu.Lock()
	c.batches = append(c.batches, len(atts))
	c.mu.Unlock()

	return make([]bool, len(atts)), nil
}

func TestProofCheckerDropsAnonymous(t *testing.T) {
	n := newNet(t, "V", "A", "T")
	n.vouch("V", "A", attestation.Real)
	n.anon("A", "T", "51")
	n.anon("A", "T", "52")
	n.vouch("A", "T", attestation.Real)

	checker := &rejectAll{}
	r := n.aggregate(New(n.store, Options{Checker: checker}), "T", "V")

	require.Equal(t, Counts{Real: 1}, r.Totals)
	require.Equal(t, Counts{Real: 1}, r.Level(1).Counts)
	require.False(t, r.Degraded)

	// One batch per fetch holding both of A's records.
	require.NotEmpty(t, checker.batches)
	for _, size := range checker.batches {
		require.Equal(t, 2, size)
	}
}

func TestUnresolvedGroupDegrades(t *testing.T) {
	n := newNet(t, "V", "A", "T")
	n.vouch("V", "A", attestation.Real)
	n.anon("A", "T", "61")
	n.vouch("A", "T", attestation.Real)

	// Groups come from a store that fails every query naming A as author.
	groups := New(&flakyStore{Store: n.store, fail: identity.NewSet(n.id("A"))}, DefaultOptions())
	agg := New(n.store, Options{Checker: NewGroupChecker(groups, nil)})

	r := n.aggregate(agg, "T", "V")

	require.Equal(t, Counts{Real: 1}, r.Totals)
	require.Equal(t, Counts{Real: 1}, r.Level(1).Counts)
	require.True(t, r.Degraded)
	require.True(t, r.Level(1).Degraded)

	_, err := agg.Received(context.Background(), n.id("T"))
	require.ErrorIs(t, err, ErrFetch)
}

func TestChunk(t *testing.T) {
	ids := make([]identity.ID, 5)
	for i := range ids {
		ids[i] = identity.MustParse(fmt.Sprintf("%064x", i+1))
	}

	require.Len(t, chunk(ids, 2), 3)
	require.Len(t, chunk(ids, 5), 1)
	require.Empty(t, chunk(nil, 5))
}

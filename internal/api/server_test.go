package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/require"

	"TrustLinks/internal/attestation"
	"TrustLinks/internal/group"
	"TrustLinks/internal/identity"
	"TrustLinks/internal/proof"
	"TrustLinks/internal/storage"
	"TrustLinks/internal/store"
	"TrustLinks/internal/trust"
)

const testDepth = 4

var (
	poolOnce sync.Once
	pool     *proof.Pool
	poolErr  error
)

func testPool(t *testing.T) *proof.Pool {
	t.Helper()

	poolOnce.Do(func() {
		pool = proof.NewPool(proof.PoolOptions{})
		_, poolErr = pool.Load(testDepth)
	})

	require.NoError(t, poolErr)

	return pool
}

func testConfig() group.Config {
	cfg := group.DefaultConfig()
	cfg.Depth = testDepth

	return cfg
}

// key is a test identity.
type key struct {
	sk string
	id identity.ID
}

func newKey(t *testing.T) key {
	t.Helper()

	sk := nostr.GeneratePrivateKey()
	pk, err := nostr.GetPublicKey(sk)
	require.NoError(t, err)

	return key{sk: sk, id: identity.MustParse(pk)}
}

// env is a server over a memory store.
type env struct {
	t     *testing.T
	store *store.MemoryStore
	srv   *httptest.Server
}

func newEnv(t *testing.T, opts Options) *env {
	t.Helper()

	s := store.NewMemoryStore()
	agg := trust.New(s, trust.DefaultOptions())

	if opts.Group == (group.Config{}) {
		opts.Group = testConfig()
	}

	srv := httptest.NewServer(New("", agg, s, opts).Handler())
	t.Cleanup(srv.Close)

	return &env{t: t, store: s, srv: srv}
}

// vouch stores a signed public attestation directly.
func (e *env) vouch(author key, subject identity.ID, v attestation.Verdict) *nostr.Event {
	ev, err := attestation.NewPublic(subject, v, attestation.Meta{})
	require.NoError(e.t, err)
	require.NoError(e.t, attestation.Sign(ev, author.sk))
	require.NoError(e.t, e.store.Publish(context.Background(), ev))

	return ev
}

func (e *env) get(path string, out any) int {
	resp, err := http.Get(e.srv.URL + path)
	require.NoError(e.t, err)
	defer resp.Body.Close()

	if out != nil && resp.StatusCode == http.StatusOK {
		require.NoError(e.t, json.NewDecoder(resp.Body).Decode(out))
	}

	return resp.StatusCode
}

func (e *env) post(path string, body any, out any) int {
	data, err := json.Marshal(body)
	require.NoError(e.t, err)

	resp, err := http.Post(e.srv.URL+path, "application/json", bytes.NewReader(data))
	require.NoError(e.t, err)
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < 300 {
		require.NoError(e.t, json.NewDecoder(resp.Body).Decode(out))
	}

	return resp.StatusCode
}

func TestHealth(t *testing.T) {
	e := newEnv(t, Options{})

	var body map[string]string
	require.Equal(t, http.StatusOK, e.get("/health", &body))
	require.Equal(t, "ok", body["status"])
}

func TestReputation(t *testing.T) {
	e := newEnv(t, Options{})
	v, a, target := newKey(t), newKey(t), newKey(t)

	e.vouch(v, a.id, attestation.Real)
	e.vouch(a, target.id, attestation.Real)
	mine := e.vouch(v, target.id, attestation.NotReal)

	var r trust.Report
	require.Equal(t, http.StatusOK, e.get("/reputation/"+target.id.Npub()+"?viewer="+v.id.String(), &r))

	require.Equal(t, target.id, r.Target)
	require.Equal(t, trust.Counts{Real: 1, NotReal: 1}, r.Totals)
	require.Equal(t, trust.Counts{Real: 1}, r.Level(1).Counts)
	require.Len(t, r.Levels, trust.HardMaxDepth)
	require.NotNil(t, r.Mine)
	require.Equal(t, mine.ID, r.Mine.ID)
	require.Equal(t, attestation.NotReal, *r.Mine.Verdict)

	require.Equal(t, http.StatusOK, e.get("/reputation/"+target.id.String()+"?viewer="+v.id.String()+"&depth=1", &r))
	require.Len(t, r.Levels, 1)
}

func TestReputationBadRequests(t *testing.T) {
	e := newEnv(t, Options{})
	target := newKey(t)

	require.Equal(t, http.StatusBadRequest, e.get("/reputation/nothex", nil))
	require.Equal(t, http.StatusBadRequest, e.get("/reputation/"+target.id.String()+"?viewer=zz", nil))
	require.Equal(t, http.StatusBadRequest, e.get("/reputation/"+target.id.String()+"?depth=9", nil))
	require.Equal(t, http.StatusBadRequest, e.get("/reputation/"+target.id.String()+"?depth=0", nil))
}

func TestListings(t *testing.T) {
	e := newEnv(t, Options{})
	v, a, b := newKey(t), newKey(t), newKey(t)

	e.vouch(v, a.id, attestation.Real)
	e.vouch(v, b.id, attestation.NotReal)
	e.vouch(a, b.id, attestation.Real)

	var given []Record
	require.Equal(t, http.StatusOK, e.get("/given/"+v.id.String(), &given))
	require.Len(t, given, 2)

	for _, r := range given {
		require.Equal(t, v.id, r.Author)
		require.Equal(t, attestation.Public, r.Mode)
		require.NotNil(t, r.Verdict)
	}

	var received []Record
	require.Equal(t, http.StatusOK, e.get("/received/"+b.id.String(), &received))
	require.Len(t, received, 2)

	var tr TrustResponse
	require.Equal(t, http.StatusOK, e.get("/trust/"+v.id.String(), &tr))
	require.Equal(t, []identity.ID{a.id}, tr.Trusted)
	require.Equal(t, 2, tr.Size)

	root, err := group.RootOf(testConfig(), []identity.ID{v.id, a.id})
	require.NoError(t, err)
	require.Equal(t, root.String(), tr.Root)
}

func TestPublishPublic(t *testing.T) {
	e := newEnv(t, Options{})
	author, subject := newKey(t), newKey(t)

	ev, err := attestation.NewPublic(subject.id, attestation.Real, attestation.Meta{Category: "conference"})
	require.NoError(t, err)
	require.NoError(t, attestation.Sign(ev, author.sk))

	var resp PublishResponse
	require.Equal(t, http.StatusAccepted, e.post("/events", ev, &resp))
	require.Equal(t, ev.ID, resp.ID)
	require.Equal(t, 1, e.store.Len())

	// Re-publishing is idempotent.
	require.Equal(t, http.StatusAccepted, e.post("/events", ev, nil))
	require.Equal(t, 1, e.store.Len())
}

func TestPublishRejects(t *testing.T) {
	e := newEnv(t, Options{})
	author, subject := newKey(t), newKey(t)

	tampered, err := attestation.NewPublic(subject.id, attestation.Real, attestation.Meta{})
	require.NoError(t, err)
	require.NoError(t, attestation.Sign(tampered, author.sk))
	tampered.Tags = nostr.Tags{{"p", subject.id.String()}, {"rating", "0"}}

	badRating := &nostr.Event{
		Kind:      attestation.KindPublic,
		CreatedAt: nostr.Now(),
		Tags:      nostr.Tags{{"p", subject.id.String()}, {"rating", "2"}},
	}
	require.NoError(t, attestation.Sign(badRating, author.sk))

	otherKind := &nostr.Event{
		Kind:      1,
		CreatedAt: nostr.Now(),
		Tags:      nostr.Tags{{"p", subject.id.String()}, {"rating", "1"}},
	}
	require.NoError(t, attestation.Sign(otherKind, author.sk))

	for name, ev := range map[string]*nostr.Event{
		"tampered":   tampered,
		"bad rating": badRating,
		"other kind": otherKind,
	} {
		t.Run(name, func(t *testing.T) {
			require.Equal(t, http.StatusBadRequest, e.post("/events", ev, nil))
		})
	}

	require.Zero(t, e.store.Len())
}

func TestGroupRoot(t *testing.T) {
	e := newEnv(t, Options{})
	a, b := newKey(t), newKey(t)

	var resp RootResponse
	require.Equal(t, http.StatusOK, e.post("/group/root", RootRequest{Members: []string{b.id.Npub(), a.id.String(), a.id.String()}}, &resp))

	root, err := group.RootOf(testConfig(), []identity.ID{a.id, b.id})
	require.NoError(t, err)
	require.Equal(t, root.String(), resp.Root)
	require.Equal(t, 2, resp.Size)
	require.Equal(t, testDepth, resp.Depth)

	require.Equal(t, http.StatusBadRequest, e.post("/group/root", RootRequest{Members: []string{"xyz"}}, nil))
}

func TestVerifyUnavailable(t *testing.T) {
	e := newEnv(t, Options{})
	require.Equal(t, http.StatusServiceUnavailable, e.post("/verify", VerifyRequest{}, nil))
}

func TestAnonymousFlow(t *testing.T) {
	p := testPool(t)
	cfg := testConfig()
	ctx := context.Background()

	db, err := storage.New(filepath.Join(t.TempDir(), "db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	e := newEnv(t, Options{
		Group:           cfg,
		Verifier:        proof.NewVerifier(p, cfg),
		Registry:        proof.NewRegistry(db),
		VerifyAnonymous: true,
	})

	v, a, target := newKey(t), newKey(t), newKey(t)
	e.vouch(v, a.id, attestation.Real)

	members := []identity.ID{v.id, a.id}
	prf, err := proof.NewProver(p, cfg).Generate(ctx, group.SeedOf(v.id), target.id, members)
	require.NoError(t, err)

	t.Run("verify endpoint", func(t *testing.T) {
		var resp VerifyResponse
		require.Equal(t, http.StatusOK, e.post("/verify", VerifyRequest{
			Proof:   *prf,
			Target:  target.id.String(),
			Members: []string{a.id.String(), v.id.String()},
		}, &resp))
		require.True(t, resp.Valid)

		require.Equal(t, http.StatusOK, e.post("/verify", VerifyRequest{
			Proof:   *prf,
			Target:  target.id.String(),
			Members: []string{a.id.String()},
		}, &resp))
		require.False(t, resp.Valid)
		require.NotEmpty(t, resp.Error)
	})

	ev, err := attestation.NewAnonymous(target.id, prf, attestation.Meta{})
	require.NoError(t, err)
	require.NoError(t, attestation.Sign(ev, v.sk))

	t.Run("wrong group", func(t *testing.T) {
		// Signed by an identity whose trust group does not match the proof.
		other := newKey(t)
		forged, err := attestation.NewAnonymous(target.id, prf, attestation.Meta{})
		require.NoError(t, err)
		require.NoError(t, attestation.Sign(forged, other.sk))

		require.Equal(t, http.StatusUnprocessableEntity, e.post("/events", forged, nil))
	})

	require.Equal(t, http.StatusAccepted, e.post("/events", ev, nil))

	var r trust.Report
	require.Equal(t, http.StatusOK, e.get("/reputation/"+target.id.String(), &r))
	require.Equal(t, trust.Counts{Anonymous: 1}, r.Totals)

	t.Run("replay", func(t *testing.T) {
		again, err := attestation.NewAnonymous(target.id, prf, attestation.Meta{Comment: "again"})
		require.NoError(t, err)
		require.NoError(t, attestation.Sign(again, v.sk))

		require.Equal(t, http.StatusConflict, e.post("/events", again, nil))
	})
}

func TestNullifierScopedToAuthor(t *testing.T) {
	p := testPool(t)
	cfg := testConfig()
	ctx := context.Background()

	db, err := storage.New(filepath.Join(t.TempDir(), "db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	e := newEnv(t, Options{
		Group:           cfg,
		Verifier:        proof.NewVerifier(p, cfg),
		Registry:        proof.NewRegistry(db),
		VerifyAnonymous: true,
	})

	attacker, victim, friend, target := newKey(t), newKey(t), newKey(t), newKey(t)
	e.vouch(attacker, victim.id, attestation.Real)
	e.vouch(victim, friend.id, attestation.Real)

	prover := proof.NewProver(p, cfg)

	// The attacker proves with the victim's seed inside its own group.
	squat, err := prover.Generate(ctx, group.SeedOf(victim.id), target.id, []identity.ID{attacker.id, victim.id})
	require.NoError(t, err)

	sev, err := attestation.NewAnonymous(target.id, squat, attestation.Meta{})
	require.NoError(t, err)
	require.NoError(t, attestation.Sign(sev, attacker.sk))
	require.Equal(t, http.StatusAccepted, e.post("/events", sev, nil))

	genuine, err := prover.Generate(ctx, group.SeedOf(victim.id), target.id, []identity.ID{victim.id, friend.id})
	require.NoError(t, err)
	require.Equal(t, squat.Nullifier, genuine.Nullifier)

	gev, err := attestation.NewAnonymous(target.id, genuine, attestation.Meta{})
	require.NoError(t, err)
	require.NoError(t, attestation.Sign(gev, victim.sk))
	require.Equal(t, http.StatusAccepted, e.post("/events", gev, nil))

	again, err := attestation.NewAnonymous(target.id, genuine, attestation.Meta{Comment: "again"})
	require.NoError(t, err)
	require.NoError(t, attestation.Sign(again, victim.sk))
	require.Equal(t, http.StatusConflict, e.post("/events", again, nil))
}

// Package trust aggregates attestations about a target along the viewer's
// trust graph.
//
// The graph edge "A vouches for B" is a public Real attestation by A about
// B. Starting from the viewer, a bounded breadth-first search materializes
// one identity set per degree. Each identity is counted at the shallowest
// degree where it appears, and the viewer is never part of its own network.
package trust

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"TrustLinks/internal/attestation"
	"TrustLinks/internal/identity"
	"TrustLinks/internal/logger"
	"TrustLinks/internal/store"
)

// HardMaxDepth is the deepest degree the aggregator expands to.
const HardMaxDepth = 4

// ErrNoTarget is returned when aggregating without a target.
var ErrNoTarget = errors.New("no target")

// ExtendsTrust decides whether a public attestation creates a graph edge.
type ExtendsTrust func(a *attestation.Attestation) bool

// expansionKinds are the kinds fetched to grow the graph. Anonymous records
// have no disclosed verdict and never extend it.
var expansionKinds = []int{attestation.KindPublic}

// ProofChecker verifies anonymous attestations at read time. Check receives
// the records of one author and reports which of them are valid. An error
// means the records could not be checked at all.
type ProofChecker interface {
	Check(ctx context.Context, author identity.ID, atts []*attestation.Attestation) ([]bool, error)
}

// checkWorkers bounds the authors whose records are checked concurrently.
const checkWorkers = 8

// Options tunes an Aggregator.
type Options struct {
	MaxDepth int          // MaxDepth bounds the expansion, at most HardMaxDepth
	Extends  ExtendsTrust // Extends defaults to public Real attestations

	SingleTimeout time.Duration // SingleTimeout bounds single-record lookups
	LevelTimeout  time.Duration // LevelTimeout bounds per-level queries
	BulkTimeout   time.Duration // BulkTimeout bounds multi-author expansion queries

	SubjectLimit int // SubjectLimit caps depth-0 records about the target
	LevelLimit   int // LevelLimit caps per-level records
	BulkLimit    int // BulkLimit caps expansion records per query
	GivenLimit   int // GivenLimit caps records listed by author
	AuthorChunk  int // AuthorChunk is the number of authors per sub-query

	Checker ProofChecker // Checker drops anonymous attestations that fail it
}

// DefaultOptions returns the standard limits and timeouts.
func DefaultOptions() Options {
	return Options{
		MaxDepth:      HardMaxDepth,
		Extends:       (*attestation.Attestation).Vouches,
		SingleTimeout: 2 * time.Second,
		LevelTimeout:  3 * time.Second,
		BulkTimeout:   5 * time.Second,
		SubjectLimit:  200,
		LevelLimit:    100,
		BulkLimit:     500,
		GivenLimit:    100,
		AuthorChunk:   100,
	}
}

// withDefaults fills zero fields.
func (o Options) withDefaults() Options {
	d := DefaultOptions()

	if o.MaxDepth <= 0 || o.MaxDepth > HardMaxDepth {
		o.MaxDepth = d.MaxDepth
	}
	if o.Extends == nil {
		o.Extends = d.Extends
	}
	if o.SingleTimeout <= 0 {
		o.SingleTimeout = d.SingleTimeout
	}
	if o.LevelTimeout <= 0 {
		o.LevelTimeout = d.LevelTimeout
	}
	if o.BulkTimeout <= 0 {
		o.BulkTimeout = d.BulkTimeout
	}
	if o.SubjectLimit <= 0 {
		o.SubjectLimit = d.SubjectLimit
	}
	if o.LevelLimit <= 0 {
		o.LevelLimit = d.LevelLimit
	}
	if o.BulkLimit <= 0 {
		o.BulkLimit = d.BulkLimit
	}
	if o.GivenLimit <= 0 {
		o.GivenLimit = d.GivenLimit
	}
	if o.AuthorChunk <= 0 {
		o.AuthorChunk = d.AuthorChunk
	}

	return o
}

// Aggregator computes layered statistics. It holds no state between calls.
type Aggregator struct {
	store store.Store
	opts  Options
}

// New creates an aggregator over s.
func New(s store.Store, opts Options) *Aggregator {
	return &Aggregator{store: s, opts: opts.withDefaults()}
}

// Options returns the effective options.
func (a *Aggregator) Options() Options {
	return a.opts
}

// Query selects what to aggregate.
type Query struct {
	Target   identity.ID
	Viewer   identity.ID // Viewer is optional; zero yields depth-0 totals only
	MaxDepth int         // MaxDepth lowers the configured depth when positive
}

// Aggregate computes the report for q. Fetch failures degrade the report
// instead of failing it.
func (a *Aggregator) Aggregate(ctx context.Context, q Query) (*Report, error) {
	if q.Target.IsZero() {
		return nil, ErrNoTarget
	}

	depth := a.opts.MaxDepth
	if q.MaxDepth > 0 && q.MaxDepth < depth {
		depth = q.MaxDepth
	}

	hasViewer := !q.Viewer.IsZero()
	if !hasViewer {
		depth = 0
	}

	start := time.Now()
	report := &Report{Target: q.Target, Levels: []Level{}}

	if hasViewer {
		viewer := q.Viewer
		report.Viewer = &viewer
	}

	// Depth 0, the viewer's own rating and the viewer's vouches are independent.
	var (
		about, authored     []attestation.Attestation
		aboutOK, authoredOK bool
		mine                *attestation.Attestation
		mineOK              = true
	)

	var g errgroup.Group

	g.Go(func() error {
		about, aboutOK = a.fetch(ctx, store.Filter{
			Subjects: []identity.ID{q.Target},
			Kinds:    attestation.Kinds,
			Limit:    a.opts.SubjectLimit,
		}, a.opts.LevelTimeout)
		return nil
	})

	if hasViewer {
		g.Go(func() error {
			mine, mineOK = a.mine(ctx, q.Viewer, q.Target)
			return nil
		})
	}

	if depth > 0 {
		g.Go(func() error {
			authored, authoredOK = a.fetch(ctx, store.Filter{
				Authors: []identity.ID{q.Viewer},
				Kinds:   expansionKinds,
				Limit:   a.opts.LevelLimit,
			}, a.opts.LevelTimeout)
			return nil
		})
	}

	_ = g.Wait()

	report.Totals = tally(reduce(about), q.Target, nil)
	report.Degraded = !aboutOK || !mineOK

	if mine != nil {
		report.Mine = myRating(mine)
	}

	if depth > 0 {
		if !authoredOK {
			report.Degraded = true
		}

		a.expandLevels(ctx, q, depth, authored, report)
	}

	logger.Debug("aggregated",
		"target", logger.Short(q.Target.String()),
		"depth", depth,
		"total", report.Totals.Total(),
		"network", report.Network.Total(),
		"degraded", report.Degraded,
		logger.Timed(start),
	)

	return report, nil
}

// expandLevels runs the bounded breadth-first search from the viewer's own
// attestations and fills report.Levels.
func (a *Aggregator) expandLevels(ctx context.Context, q Query, depth int, authored []attestation.Attestation, report *Report) {
	excluded := identity.NewSet(q.Viewer)
	current := a.nextSet(authored, excluded)

	for d := 1; d <= depth; d++ {
		level := Level{Depth: d, Members: current.Sorted()}

		if len(current) == 0 {
			report.Levels = append(report.Levels, level)
			continue
		}

		for id := range current {
			excluded.Add(id)
		}

		var (
			stats, next     []attestation.Attestation
			statsOK, nextOK = false, true
		)

		var g errgroup.Group

		g.Go(func() error {
			stats, statsOK = a.fetchAuthors(ctx, []identity.ID{q.Target}, attestation.Kinds, current, a.opts.LevelLimit, a.opts.LevelTimeout)
			return nil
		})

		if d < depth {
			g.Go(func() error {
				next, nextOK = a.fetchAuthors(ctx, nil, expansionKinds, current, a.opts.BulkLimit, a.opts.BulkTimeout)
				return nil
			})
		}

		_ = g.Wait()

		level.Counts = tally(reduce(stats), q.Target, current)
		level.Degraded = !statsOK || !nextOK

		if level.Degraded {
			report.Degraded = true
		}

		report.Levels = append(report.Levels, level)
		report.Network = report.Network.Add(level.Counts)

		logger.Debug("trust level",
			"depth", d,
			"members", len(current),
			"counted", level.Counts.Total(),
		)

		current = a.nextSet(next, excluded)
	}
}

// nextSet extracts the subjects of trust-extending attestations, minus the
// excluded identities.
func (a *Aggregator) nextSet(atts []attestation.Attestation, excluded identity.Set) identity.Set {
	out := identity.NewSet()

	for _, at := range reduce(atts) {
		if at.Mode != attestation.Public || !a.opts.Extends(&at) {
			continue
		}

		if excluded.Has(at.Subject) {
			continue
		}

		out.Add(at.Subject)
	}

	return out
}

// mine returns the viewer's most recent valid attestation about target.
func (a *Aggregator) mine(ctx context.Context, viewer, target identity.ID) (*attestation.Attestation, bool) {
	atts, ok := a.fetch(ctx, store.Filter{
		Subjects: []identity.ID{target},
		Authors:  []identity.ID{viewer},
		Kinds:    attestation.Kinds,
		Limit:    10,
	}, a.opts.SingleTimeout)

	if len(atts) == 0 {
		return nil, ok
	}

	sortNewest(atts)

	return &atts[0], ok
}

// fetchAuthors queries attestations by authors, split into parallel chunks.
// The result is ok only when every chunk succeeded.
func (a *Aggregator) fetchAuthors(ctx context.Context, subjects []identity.ID, kinds []int, authors identity.Set, limit int, timeout time.Duration) ([]attestation.Attestation, bool) {
	chunks := chunk(authors.Sorted(), a.opts.AuthorChunk)
	results := make([][]attestation.Attestation, len(chunks))
	oks := make([]bool, len(chunks))

	var g errgroup.Group

	for i, c := range chunks {
		g.Go(func() error {
			results[i], oks[i] = a.fetch(ctx, store.Filter{
				Subjects: subjects,
				Authors:  c,
				Kinds:    kinds,
				Limit:    limit,
			}, timeout)
			return nil
		})
	}

	_ = g.Wait()

	var out []attestation.Attestation
	ok := true

	for i := range chunks {
		out = append(out, results[i]...)
		ok = ok && oks[i]
	}

	return out, ok
}

// fetch runs one time-bounded query and keeps the admitted attestations.
// A failed fetch yields no attestations and false. When some proofs could not
// be checked, the rest is returned with false.
func (a *Aggregator) fetch(ctx context.Context, f store.Filter, timeout time.Duration) ([]attestation.Attestation, bool) {
	fctx, cancel := context.WithTimeout(ctx, timeout)
	atts, ok := a.query(fctx, f)
	cancel()

	if !ok {
		return nil, false
	}

	return a.admit(ctx, atts)
}

// query runs f and keeps the valid attestations, without proof checks.
func (a *Aggregator) query(ctx context.Context, f store.Filter) ([]attestation.Attestation, bool) {
	events, err := a.store.Query(ctx, f)
	if err != nil {
		logger.Warn("fetch failed",
			"subjects", len(f.Subjects),
			"authors", len(f.Authors),
			"error", err,
		)
		return nil, false
	}

	return attestation.ValidateAll(events), true
}

// admit drops anonymous attestations failing the proof checker. Records are
// checked per author, each author's group resolved once. Records whose author
// group could not be resolved are dropped and the result is not ok.
func (a *Aggregator) admit(ctx context.Context, atts []attestation.Attestation) ([]attestation.Attestation, bool) {
	if a.opts.Checker == nil {
		return atts, true
	}

	byAuthor := make(map[identity.ID][]int)
	for i := range atts {
		if atts[i].Mode == attestation.Anonymous {
			byAuthor[atts[i].Author] = append(byAuthor[atts[i].Author], i)
		}
	}

	if len(byAuthor) == 0 {
		return atts, true
	}

	keep := make([]bool, len(atts))
	for i := range atts {
		keep[i] = atts[i].Mode != attestation.Anonymous
	}

	var (
		mu sync.Mutex
		ok = true
		g  errgroup.Group
	)

	g.SetLimit(checkWorkers)

	for author, idx := range byAuthor {
		g.Go(func() error {
			batch := make([]*attestation.Attestation, len(idx))
			for k, i := range idx {
				batch[k] = &atts[i]
			}

			valid, err := a.opts.Checker.Check(ctx, author, batch)

			mu.Lock()
			defer mu.Unlock()

			if err != nil {
				logger.Warn("proof check failed",
					"author", logger.Short(author.String()),
					"records", len(idx),
					"error", err,
				)
				ok = false
				return nil
			}

			for k, i := range idx {
				keep[i] = k < len(valid) && valid[k]
			}

			return nil
		})
	}

	_ = g.Wait()

	out := make([]attestation.Attestation, 0, len(atts))
	for i := range atts {
		if keep[i] {
			out = append(out, atts[i])
		}
	}

	return out, ok
}

// chunk splits ids into groups of at most size.
func chunk(ids []identity.ID, size int) [][]identity.ID {
	var out [][]identity.ID

	for len(ids) > size {
		out = append(out, ids[:size])
		ids = ids[size:]
	}

	if len(ids) > 0 {
		out = append(out, ids)
	}

	return out
}

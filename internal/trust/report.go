package trust

import (
	"sort"
	"time"

	"TrustLinks/internal/attestation"
	"TrustLinks/internal/identity"
)

// Counts is the (Real, NotReal, Anonymous) triple surfaced per level.
// Verdicts are counted, never averaged.
type Counts struct {
	Real      int `json:"real"`
	NotReal   int `json:"notReal"`
	Anonymous int `json:"anonymous"`
}

// Total returns the number of attestations counted.
func (c Counts) Total() int {
	return c.Real + c.NotReal + c.Anonymous
}

// Add returns the component-wise sum.
func (c Counts) Add(o Counts) Counts {
	return Counts{
		Real:      c.Real + o.Real,
		NotReal:   c.NotReal + o.NotReal,
		Anonymous: c.Anonymous + o.Anonymous,
	}
}

// count adds one attestation.
func (c *Counts) count(a *attestation.Attestation) {
	switch {
	case a.Mode == attestation.Anonymous:
		c.Anonymous++
	case a.Verdict == attestation.Real:
		c.Real++
	default:
		c.NotReal++
	}
}

// Level is the statistic of one trust degree.
type Level struct {
	Depth    int           `json:"depth"`
	Members  []identity.ID `json:"members"`  // Members is the level identity set
	Counts   Counts        `json:"counts"`   // Counts covers attestations about the target by Members
	Degraded bool          `json:"degraded"` // Degraded is set when a fetch for this level failed
}

// MyRating is the viewer's own most recent attestation about the target.
type MyRating struct {
	ID        string               `json:"id"`
	Mode      attestation.Mode     `json:"mode"`
	Verdict   *attestation.Verdict `json:"verdict,omitempty"` // Verdict is nil for anonymous attestations
	CreatedAt time.Time            `json:"createdAt"`
}

// Report is the layered result of one aggregation.
type Report struct {
	Target   identity.ID  `json:"target"`
	Viewer   *identity.ID `json:"viewer,omitempty"`
	Totals   Counts       `json:"totals"` // Totals covers every attestation about the target
	Mine     *MyRating    `json:"mine,omitempty"`
	Levels   []Level      `json:"levels"`  // Levels holds depth 1 to MaxDepth
	Network  Counts       `json:"network"` // Network sums every level
	Degraded bool         `json:"degraded"`
}

// Level returns the statistic of depth d, or an empty level.
func (r *Report) Level(d int) Level {
	for _, l := range r.Levels {
		if l.Depth == d {
			return l
		}
	}

	return Level{Depth: d}
}

// myRating converts an attestation for the report.
func myRating(a *attestation.Attestation) *MyRating {
	m := &MyRating{ID: a.ID, Mode: a.Mode, CreatedAt: a.CreatedAt}

	if a.Mode == attestation.Public {
		v := a.Verdict
		m.Verdict = &v
	}

	return m
}

// reduce collapses attestations to one per logical vouch: public ones keep
// the newest per (author, subject), anonymous ones one per (nullifier,
// subject). The result is ordered newest first.
func reduce(atts []attestation.Attestation) []attestation.Attestation {
	type pair struct {
		author  identity.ID
		subject identity.ID
	}

	public := make(map[pair]attestation.Attestation)
	anonymous := make(map[string]attestation.Attestation)

	for _, a := range atts {
		if a.Mode == attestation.Public {
			k := pair{author: a.Author, subject: a.Subject}
			if prev, ok := public[k]; !ok || newer(a, prev) {
				public[k] = a
			}

			continue
		}

		k := a.Proof.Nullifier + ":" + a.Subject.String()
		if prev, ok := anonymous[k]; !ok || newer(a, prev) {
			anonymous[k] = a
		}
	}

	out := make([]attestation.Attestation, 0, len(public)+len(anonymous))
	for _, a := range public {
		out = append(out, a)
	}

	for _, a := range anonymous {
		out = append(out, a)
	}

	sortNewest(out)

	return out
}

// newer orders by creation time, then by ID for a stable choice.
func newer(a, b attestation.Attestation) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}

	return a.ID < b.ID
}

// sortNewest sorts attestations newest first.
func sortNewest(atts []attestation.Attestation) {
	sort.Slice(atts, func(i, j int) bool {
		return newer(atts[i], atts[j])
	})
}

// tally counts attestations about target, restricted to authors when set.
func tally(atts []attestation.Attestation, target identity.ID, authors identity.Set) Counts {
	var c Counts

	for i := range atts {
		a := &atts[i]

		if a.Subject != target {
			continue
		}

		if authors != nil && !authors.Has(a.Author) {
			continue
		}

		c.count(a)
	}

	return c
}

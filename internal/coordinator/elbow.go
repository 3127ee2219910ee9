package coordinator

import (
	"fmt"
	"strings"

	"golang.org/x/exp/slices"
)

// ResultRecord is the SSD a worker reported for one K.
type ResultRecord struct {
	K   int
	SSD float64
}

// Segment is the straight line between two adjacent results, ordered by K.
type Segment struct {
	From  ResultRecord
	To    ResultRecord
	Slope float64
}

// ElbowCandidate is the pair of adjacent segments with the largest positive
// decrease in steepness. The elbow K is the point both segments share.
type ElbowCandidate struct {
	Before   Segment
	After    Segment
	Decrease float64
}

// K returns the K value at the joint of the two segments.
func (c ElbowCandidate) K() int {
	return c.Before.To.K
}

// Bounds returns the outer K values of the candidate, both inclusive.
func (c ElbowCandidate) Bounds() (lo, hi int) {
	return c.Before.From.K, c.After.To.K
}

// Segments sorts results by K and returns the slope of every adjacent pair.
// Records that repeat an earlier K are ignored, first one wins.
func Segments(results []ResultRecord) []Segment {
	ordered := slices.Clone(results)
	slices.SortStableFunc(ordered, func(a, b ResultRecord) int { return a.K - b.K })

	uniq := ordered[:0]
	for i, r := range ordered {
		if i > 0 && r.K == uniq[len(uniq)-1].K {
			continue
		}
		uniq = append(uniq, r)
	}

	if len(uniq) < 2 {
		return nil
	}
	segs := make([]Segment, 0, len(uniq)-1)
	for i := 0; i+1 < len(uniq); i++ {
		a, b := uniq[i], uniq[i+1]
		segs = append(segs, Segment{
			From:  a,
			To:    b,
			Slope: (b.SSD - a.SSD) / float64(b.K-a.K),
		})
	}
	return segs
}

// ComputeElbow finds the adjacent segment pair where the SSD curve flattens
// the most, measured as slope[i+1] - slope[i]. For slopes -40, -10, -2 the
// decreases in steepness are 30 and 8. A later pair replaces the current
// candidate only when its decrease is strictly larger, so ties keep the
// first. It reports false when no adjacent pair has a positive decrease.
func ComputeElbow(results []ResultRecord) (ElbowCandidate, bool) {
	segs := Segments(results)

	var best ElbowCandidate
	found := false
	for i := 0; i+1 < len(segs); i++ {
		d := segs[i+1].Slope - segs[i].Slope
		if d > best.Decrease {
			best = ElbowCandidate{Before: segs[i], After: segs[i+1], Decrease: d}
			found = true
		}
	}
	return best, found
}

// FormatReport renders the results table and the elbow verdict.
func FormatReport(results []ResultRecord) string {
	var b strings.Builder
	segs := Segments(results)
	if len(segs) == 0 {
		for _, r := range results {
			fmt.Fprintf(&b, "k=%d ssd=%g\n", r.K, r.SSD)
		}
	}
	for _, s := range segs {
		fmt.Fprintf(&b, "k %d..%d  ssd %g -> %g  slope %g\n", s.From.K, s.To.K, s.From.SSD, s.To.SSD, s.Slope)
	}

	c, ok := ComputeElbow(results)
	if !ok {
		b.WriteString("no elbow: the curve never flattens\n")
		return b.String()
	}
	fmt.Fprintf(&b, "elbow at k=%d: slope %g over k %d..%d, then %g over k %d..%d (decrease %g)\n",
		c.K(),
		c.Before.Slope, c.Before.From.K, c.Before.To.K,
		c.After.Slope, c.After.From.K, c.After.To.K,
		c.Decrease)
	return b.String()
}

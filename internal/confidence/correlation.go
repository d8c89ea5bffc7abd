// Package confidence scores how much a run's output may claim, from the
// completeness, correlation and recency of its two input series.
package confidence

import (
	"math"
	"sort"
	"time"

	"github.com/sells-group/muse-gate/internal/model"
)

// DefaultMinPairs is the fewest aligned day buckets a correlation needs.
const DefaultMinPairs = 3

// Pair is one day where both series have a value.
type Pair struct {
	Day  time.Time
	X, Y float64
}

// Align joins two bucket series on their UTC day, oldest first. Days present
// in only one series are dropped.
func Align(a, b []model.Bucket) []Pair {
	byDay := make(map[time.Time]float64, len(a))
	for _, bk := range a {
		byDay[dayOf(bk.Day)] = bk.Value
	}
	var pairs []Pair
	for _, bk := range b {
		d := dayOf(bk.Day)
		if x, ok := byDay[d]; ok {
			pairs = append(pairs, Pair{Day: d, X: x, Y: bk.Value})
		}
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].Day.Before(pairs[j].Day) })
	return pairs
}

// Pearson returns the Pearson correlation coefficient of the pairs. It
// returns 0 when there are fewer than minPairs pairs, when either series has
// zero variance, or when the result is not finite.
func Pearson(pairs []Pair, minPairs int) float64 {
	if minPairs <= 0 {
		minPairs = DefaultMinPairs
	}
	n := len(pairs)
	if n < minPairs {
		return 0
	}

	var sumX, sumY float64
	for _, p := range pairs {
		sumX += p.X
		sumY += p.Y
	}
	meanX, meanY := sumX/float64(n), sumY/float64(n)

	var cov, varX, varY float64
	for _, p := range pairs {
		dx, dy := p.X-meanX, p.Y-meanY
		cov += dx * dy
		varX += dx * dx
		varY += dy * dy
	}
	if varX == 0 || varY == 0 {
		return 0
	}
	r := cov / math.Sqrt(varX*varY)
	if math.IsNaN(r) || math.IsInf(r, 0) {
		return 0
	}
	return math.Max(-1, math.Min(1, r))
}

// Strength is |r| clamped to [0, 1].
func Strength(r float64) float64 {
	return clamp01(math.Abs(r))
}

func dayOf(t time.Time) time.Time {
	return t.UTC().Truncate(24 * time.Hour)
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

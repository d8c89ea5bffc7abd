package confidence

import (
	"fmt"
	"math"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/sells-group/muse-gate/internal/model"
)

// Params are the tunables of the engine.
type Params struct {
	WindowDays            int
	ExpectedRowsPerDay    int
	MinPairs              int
	PublishThreshold      float64
	ChimeraMinConfidence  float64
	ChimeraMinCorrelation float64
}

// DefaultParams returns a 7 day window, 10 expected rows per day, a 0.6
// publish threshold and the chimera cutoffs 0.7 and 0.6.
func DefaultParams() Params {
	return Params{
		WindowDays:            7,
		ExpectedRowsPerDay:    10,
		MinPairs:              DefaultMinPairs,
		PublishThreshold:      0.6,
		ChimeraMinConfidence:  0.7,
		ChimeraMinCorrelation: 0.6,
	}
}

func (p Params) withDefaults() Params {
	d := DefaultParams()
	if p.WindowDays <= 0 {
		p.WindowDays = d.WindowDays
	}
	if p.ExpectedRowsPerDay <= 0 {
		p.ExpectedRowsPerDay = d.ExpectedRowsPerDay
	}
	if p.MinPairs <= 0 {
		p.MinPairs = d.MinPairs
	}
	if p.PublishThreshold <= 0 {
		p.PublishThreshold = d.PublishThreshold
	}
	if p.ChimeraMinConfidence <= 0 {
		p.ChimeraMinConfidence = d.ChimeraMinConfidence
	}
	if p.ChimeraMinCorrelation <= 0 {
		p.ChimeraMinCorrelation = d.ChimeraMinCorrelation
	}
	return p
}

// ExpectedRows is the row baseline for the whole window.
func (p Params) ExpectedRows() int64 {
	p = p.withDefaults()
	return int64(p.WindowDays * p.ExpectedRowsPerDay)
}

// Completeness is (rowsA + rowsB) / expected, clamped to [0, 1]. A source
// that contributed nothing makes the run incomplete regardless of the other.
func Completeness(rowsA, rowsB, expected int64) float64 {
	if rowsA <= 0 || rowsB <= 0 || expected <= 0 {
		return 0
	}
	return clamp01(float64(rowsA+rowsB) / float64(expected))
}

// Recency discounts old data. It is 1 while the newest datapoint is under a
// day old, falls linearly to 0.5 at seven days and stays at 0.5 after that.
func Recency(newest, now time.Time) float64 {
	age := now.Sub(newest)
	if age < 24*time.Hour {
		return 1
	}
	const span = 6 * 24 * time.Hour
	r := 1 - 0.5*float64(age-24*time.Hour)/float64(span)
	return math.Max(0.5, r)
}

// Combine builds the score from its three dimensions. Final is their minimum.
func Combine(completeness, strength, recency float64) model.ConfidenceScore {
	s := model.ConfidenceScore{
		Completeness:        clamp01(completeness),
		CorrelationStrength: clamp01(strength),
		RecencyFactor:       clamp01(recency),
	}
	s.Final = math.Min(s.Completeness, math.Min(s.CorrelationStrength, s.RecencyFactor))
	return s
}

// Input is everything Score needs for one run. Newest is the most recent
// raw datapoint across both sources; when nil it is taken as the end of the
// newest non-empty bucket.
type Input struct {
	A, B   []model.Bucket
	Newest *time.Time
	Now    time.Time
}

// Score computes the confidence score of two aligned bucket series.
func Score(in Input, p Params) model.ConfidenceScore {
	p = p.withDefaults()

	var rowsA, rowsB int64
	var newest time.Time
	for _, b := range in.A {
		rowsA += b.Rows
		if b.Rows > 0 && b.Day.After(newest) {
			newest = b.Day
		}
	}
	for _, b := range in.B {
		rowsB += b.Rows
		if b.Rows > 0 && b.Day.After(newest) {
			newest = b.Day
		}
	}

	if !newest.IsZero() {
		newest = newest.Add(24 * time.Hour)
		if newest.After(in.Now) {
			newest = in.Now
		}
	}
	if in.Newest != nil {
		newest = *in.Newest
	}
	recency := 0.5
	if !newest.IsZero() {
		recency = Recency(newest, in.Now)
	}
	r := Pearson(Align(in.A, in.B), p.MinPairs)
	return Combine(Completeness(rowsA, rowsB, p.ExpectedRows()), Strength(r), recency)
}

// Decide maps a final score to an episode status. Scores at or above the
// threshold are ready; anything below is a draft that must carry a caveat.
func Decide(final, threshold float64) model.EpisodeStatus {
	if final >= threshold {
		return model.EpisodeReady
	}
	return model.EpisodeDraft
}

// SeriesFor picks the series: chimera for high confidence backed by a strong
// correlation, banterpacks otherwise.
func SeriesFor(s model.ConfidenceScore, p Params) model.Series {
	p = p.withDefaults()
	if s.Final >= p.ChimeraMinConfidence && s.CorrelationStrength >= p.ChimeraMinCorrelation {
		return model.SeriesChimera
	}
	return model.SeriesBanterpacks
}

// Title names an episode by series, number and confidence tier.
func Title(series model.Series, number int, final float64) string {
	var tier string
	switch {
	case final >= 0.8:
		tier = "High-Confidence Performance Insights"
	case final >= 0.6:
		tier = "Moderate-Confidence Analysis"
	default:
		tier = "Preliminary Data Review"
	}
	return fmt.Sprintf("%s Episode %03d: %s", cases.Title(language.English).String(string(series)), number, tier)
}

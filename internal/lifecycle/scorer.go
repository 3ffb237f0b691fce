// Package lifecycle scores packages for retention and evicts the least
// valuable ones when the store grows past its configured capacity.
package lifecycle

import (
	"math"
	"time"

	"github.com/rcliao/hamstore/internal/model"
)

// Weights blend the three score components. They need not sum to one.
type Weights struct {
	Recency   float64 `mapstructure:"recency"`
	Frequency float64 `mapstructure:"frequency"`
	Hint      float64 `mapstructure:"hint"`
}

// DefaultWeights favours recency, then the caller's hint, then access count.
func DefaultWeights() Weights {
	return Weights{Recency: 0.4, Frequency: 0.2, Hint: 0.4}
}

// ScorerOptions configures a Scorer.
type ScorerOptions struct {
	Weights      Weights
	HalfLife     time.Duration // recency halves every HalfLife since last access
	FrequencyCap int           // access count at which frequency saturates
	Now          func() time.Time
}

// Scorer computes a retention priority. Higher means keep longer.
type Scorer struct {
	w        Weights
	halfLife time.Duration
	logCap   float64
	now      func() time.Time
}

// NewScorer returns a Scorer. Zero options fall back to defaults.
func NewScorer(opts ScorerOptions) *Scorer {
	if opts.Weights == (Weights{}) {
		opts.Weights = DefaultWeights()
	}
	if opts.HalfLife <= 0 {
		opts.HalfLife = 7 * 24 * time.Hour
	}
	if opts.FrequencyCap <= 0 {
		opts.FrequencyCap = 100
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Scorer{
		w:        opts.Weights,
		halfLife: opts.HalfLife,
		logCap:   math.Log1p(float64(opts.FrequencyCap)),
		now:      opts.Now,
	}
}

// Score combines recency, access frequency and the retention hint.
func (s *Scorer) Score(m model.PackageMeta) float64 {
	return s.w.Recency*s.Recency(m) + s.w.Frequency*s.Frequency(m) + s.w.Hint*clamp01(m.RetentionHint)
}

// Recency decays exponentially with the time since last access.
func (s *Scorer) Recency(m model.PackageMeta) float64 {
	last := m.LastAccess
	if last.IsZero() {
		last = m.CreatedAt
	}
	age := s.now().Sub(last)
	if age <= 0 {
		return 1
	}
	return math.Exp2(-float64(age) / float64(s.halfLife))
}

// Frequency grows logarithmically with access count and saturates at the cap.
func (s *Scorer) Frequency(m model.PackageMeta) float64 {
	if m.AccessCount <= 0 {
		return 0
	}
	return clamp01(math.Log1p(float64(m.AccessCount)) / s.logCap)
}

// Now returns the scorer's clock reading.
func (s *Scorer) Now() time.Time { return s.now() }

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

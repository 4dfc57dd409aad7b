package priority

import (
	"errors"
	"math"

	"github.com/dennisdiepolder/docqueue/backend/internal/types"
)

// ErrMissingStatistics is returned by a refinement when the snapshot lacks
// the statistics it depends on
var ErrMissingStatistics = errors.New("missing statistics for refinement")

// Refinement adjusts a base score using system state. At most one is active.
type Refinement interface {
	Name() string
	Refine(base float64, in Input, snap types.SystemSnapshot) (float64, error)
}

// NewRefinement returns the refinement selected in cfg, or nil for none
func NewRefinement(cfg Config) Refinement {
	switch cfg.Refinement {
	case RefinementAdaptive:
		return &LoadAdaptive{PeakMultiplier: cfg.PeakMultiplier, LoadMultiplier: cfg.LoadMultiplier}
	case RefinementFairness:
		return &FairnessWeighted{MaxBoost: cfg.FairnessMaxBoost}
	default:
		return nil
	}
}

// LoadAdaptive scales scores up during peak hours and under load
type LoadAdaptive struct {
	PeakMultiplier float64
	LoadMultiplier float64
}

// Name returns the refinement name
func (l *LoadAdaptive) Name() string { return RefinementAdaptive }

// Refine multiplies the base score by the peak and load factors
func (l *LoadAdaptive) Refine(base float64, _ Input, snap types.SystemSnapshot) (float64, error) {
	if snap.TakenAt.IsZero() {
		return 0, ErrMissingStatistics
	}

	factor := 1.0
	if snap.PeakHours {
		factor *= l.PeakMultiplier
	}
	factor *= 1 + l.LoadMultiplier*snap.Load()
	return base * factor, nil
}

// FairnessWeighted boosts tickets that have waited longer than the
// historical average for their tier
type FairnessWeighted struct {
	MaxBoost float64
}

// Name returns the refinement name
func (f *FairnessWeighted) Name() string { return RefinementFairness }

// Refine applies a boost proportional to the excess wait, capped at MaxBoost
func (f *FairnessWeighted) Refine(base float64, in Input, snap types.SystemSnapshot) (float64, error) {
	avg, ok := snap.TierAverageWait[in.Tier]
	if !ok || avg <= 0 {
		return 0, ErrMissingStatistics
	}

	excess := (in.WaitMinutes - avg) / avg
	if excess <= 0 {
		return base, nil
	}
	return base * (1 + math.Min(excess, 1)*f.MaxBoost), nil
}

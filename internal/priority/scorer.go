package priority

import (
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/dennisdiepolder/docqueue/backend/internal/types"
	"github.com/rs/zerolog"
)

// Input is everything the base formula needs about one ticket
type Input struct {
	Tier        string
	WaitMinutes float64
	Factors     types.SpecialFactors
}

// Scorer computes ticket priority scores
type Scorer struct {
	cfg        Config
	catalog    *types.Catalog
	refinement Refinement
	logger     zerolog.Logger
	fallbacks  atomic.Int64
}

// NewScorer creates a new Scorer. refinement may be nil.
func NewScorer(cfg Config, catalog *types.Catalog, refinement Refinement, logger zerolog.Logger) *Scorer {
	return &Scorer{
		cfg:        cfg,
		catalog:    catalog,
		refinement: refinement,
		logger:     logger.With().Str("component", "priority_scorer").Logger(),
	}
}

// Base computes the base formula: tier weight + capped wait bonus + flag bonuses
func (s *Scorer) Base(in Input) float64 {
	weight, ok := s.cfg.TierWeights[in.Tier]
	if !ok {
		weight = s.cfg.DefaultWeight
	}

	wait := in.WaitMinutes
	if wait < 0 || math.IsNaN(wait) {
		wait = 0
	}
	waitBonus := math.Min(wait*s.cfg.WaitRate, s.cfg.WaitCap)

	return weight + waitBonus + s.flagBonus(in.Factors)
}

func (s *Scorer) flagBonus(f types.SpecialFactors) float64 {
	var bonus float64
	if f.Elderly {
		bonus += s.cfg.ElderlyBonus
	}
	if f.Disability {
		bonus += s.cfg.DisabilityBonus
	}
	if f.Pregnant {
		bonus += s.cfg.PregnancyBonus
	}
	if f.Appointment {
		bonus += s.cfg.AppointmentBonus
	}
	return bonus
}

// Score computes the base score and applies the configured refinement.
// Any refinement failure falls back to the base score.
func (s *Scorer) Score(in Input, snap types.SystemSnapshot) float64 {
	base := s.Base(in)
	if s.refinement == nil {
		return base
	}

	refined, err := s.refine(base, in, snap)
	if err == nil && (math.IsNaN(refined) || math.IsInf(refined, 0)) {
		err = fmt.Errorf("non-finite score %v", refined)
	}
	if err == nil && refined < base {
		err = fmt.Errorf("refined score %.2f below base %.2f", refined, base)
	}
	if err != nil {
		s.fallbacks.Add(1)
		s.logger.Warn().
			Err(err).
			Str("refinement", s.refinement.Name()).
			Str("tier", in.Tier).
			Msg("refinement failed, using base score")
		return base
	}
	return refined
}

func (s *Scorer) refine(base float64, in Input, snap types.SystemSnapshot) (score float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("refinement panicked: %v", r)
		}
	}()
	return s.refinement.Refine(base, in, snap)
}

// ScoreTicket derives the scoring input from a ticket and scores it at now
func (s *Scorer) ScoreTicket(t types.Ticket, now time.Time, snap types.SystemSnapshot) float64 {
	return s.Score(s.InputFor(t, now), snap)
}

// InputFor builds the scoring input for a ticket
func (s *Scorer) InputFor(t types.Ticket, now time.Time) Input {
	service, _ := s.catalog.Lookup(t.ServiceType)
	return Input{
		Tier:        service.Tier,
		WaitMinutes: t.WaitMinutes(now),
		Factors:     t.Factors,
	}
}

// Fallbacks returns how many times a refinement failure fell back to the base score
func (s *Scorer) Fallbacks() int64 {
	return s.fallbacks.Load()
}

// RefinementName returns the active refinement, or "none"
func (s *Scorer) RefinementName() string {
	if s.refinement == nil {
		return RefinementNone
	}
	return s.refinement.Name()
}

package priority

import "github.com/dennisdiepolder/docqueue/backend/internal/types"

// Refinement names accepted by Config.Refinement
const (
	RefinementNone     = "none"
	RefinementAdaptive = "adaptive"
	RefinementFairness = "fairness"
)

// Config holds the scoring weights
type Config struct {
	// Base weight per service tier
	TierWeights map[string]float64 `validate:"required,dive,gte=0"`

	// Weight used for tiers missing from TierWeights
	DefaultWeight float64 `validate:"gte=0"`

	// Points per minute waited, and the cap on the wait contribution
	WaitRate float64 `validate:"gte=0"`
	WaitCap  float64 `validate:"gte=0"`

	// Demographic flag bonuses, summed when several apply
	ElderlyBonus     float64 `validate:"gt=0"`
	DisabilityBonus  float64 `validate:"gt=0"`
	PregnancyBonus   float64 `validate:"gt=0"`
	AppointmentBonus float64 `validate:"gt=0"`

	// Optional refinement: none, adaptive or fairness
	Refinement string `validate:"oneof=none adaptive fairness"`

	// Adaptive refinement multipliers
	PeakMultiplier float64 `validate:"gte=1"`
	LoadMultiplier float64 `validate:"gte=0"`

	// Fairness refinement maximum boost, as a fraction of the base score
	FairnessMaxBoost float64 `validate:"gte=0,lte=1"`
}

// DefaultConfig returns the standard weight table
func DefaultConfig() Config {
	return Config{
		TierWeights: map[string]float64{
			types.TierEmergency:      1000,
			types.TierAppointment:    800,
			types.TierCollection:     600,
			types.TierRenewal:        400,
			types.TierNewApplication: 200,
			types.TierCorrection:     100,
		},
		DefaultWeight:    100,
		WaitRate:         2,
		WaitCap:          200,
		ElderlyBonus:     100,
		DisabilityBonus:  150,
		PregnancyBonus:   120,
		AppointmentBonus: 300,
		Refinement:       RefinementNone,
		PeakMultiplier:   1.1,
		LoadMultiplier:   0.2,
		FairnessMaxBoost: 0.2,
	}
}

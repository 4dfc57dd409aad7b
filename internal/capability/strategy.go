package capability

// Strategy names a weighting of the capability sub-scores
type Strategy string

const (
	SpecializationFirst Strategy = "specialization_first"
	LoadBalanced        Strategy = "load_balanced"
	PerformanceBased    Strategy = "performance_based"
	Hybrid              Strategy = "hybrid"
)

// Weights blends the four sub-scores into a total
type Weights struct {
	Specialization float64
	Performance    float64
	Load           float64
	Availability   float64
}

var strategyWeights = map[Strategy]Weights{
	SpecializationFirst: {Specialization: 0.6, Performance: 0.3, Load: 0.1},
	LoadBalanced:        {Specialization: 0.3, Performance: 0.2, Load: 0.5},
	PerformanceBased:    {Specialization: 0.3, Performance: 0.5, Load: 0.2},
	Hybrid:              {Specialization: 0.35, Performance: 0.35, Load: 0.2, Availability: 0.1},
}

// WeightsFor returns the weight vector for s. Unknown strategies use Hybrid.
func WeightsFor(s Strategy) Weights {
	if w, ok := strategyWeights[s]; ok {
		return w
	}
	return strategyWeights[Hybrid]
}

// ParseStrategy returns the named strategy, or Hybrid when unknown
func ParseStrategy(name string) Strategy {
	s := Strategy(name)
	if _, ok := strategyWeights[s]; ok {
		return s
	}
	return Hybrid
}

// Blend combines sub-scores with the strategy's weights
func (w Weights) Blend(c Capability) float64 {
	return w.Specialization*c.SpecializationMatch +
		w.Performance*c.Performance +
		w.Load*(1-c.Workload) +
		w.Availability*c.Availability
}

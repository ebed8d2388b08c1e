package reputation

import "github.com/Garl-Protocol/garl/internal/core"

// ============================================================================
// SCORING CONFIGURATION - read-only after start
// ============================================================================

// Benchmark is the expected duration and cost for a category. Meeting the
// benchmark scores 50 on that dimension; twice as fast (or cheap) scores 100.
type Benchmark struct {
	SpeedMs int
	CostUSD float64
}

// Config carries every tunable of the scoring engine. All fields are
// immutable once the engine is constructed.
type Config struct {
	Alpha          float64 // EMA smoothing factor
	DampingTraces  int     // below this trace count, alpha is halved
	WindowSize     int     // reliability observations kept for consistency
	StatusWindow   int     // trace statuses kept for failure detection
	MaxStreakBonus float64
	Baseline       float64 // neutral score all dimensions start at

	WeightReliability    float64
	WeightSecurity       float64
	WeightSpeed          float64
	WeightCostEfficiency float64
	WeightConsistency    float64

	Benchmarks map[core.Category]Benchmark

	AnomalyMinTraces    int     // detectors stay silent below this
	DurationSpikeFactor float64 // duration > factor * avg
	CostSpikeFactor     float64 // cost > factor * avg
	FailureSuccessRate  float64 // unexpected_failure threshold
	CleanTracesToClear  int     // warnings archive after this many clean traces
	MaxArchivedFlags    int
	MaxFlags            int

	DecayRatePerDay float64 // fraction pulled toward baseline per day
	DecayAfterHours float64

	EndorsementCap    float64
	EndorserMinScore  float64
	EndorserMinTraces int
	TierMultipliers   map[core.Tier]float64

	Milestones []int
}

// DefaultConfig returns the production scoring parameters.
func DefaultConfig() Config {
	return Config{
		Alpha:          0.3,
		DampingTraces:  5,
		WindowSize:     20,
		StatusWindow:   50,
		MaxStreakBonus: 10,
		Baseline:       50.0,

		WeightReliability:    0.30,
		WeightSecurity:       0.20,
		WeightSpeed:          0.15,
		WeightCostEfficiency: 0.10,
		WeightConsistency:    0.25,

		Benchmarks: map[core.Category]Benchmark{
			core.CategoryCoding:     {SpeedMs: 10000, CostUSD: 0.05},
			core.CategoryResearch:   {SpeedMs: 15000, CostUSD: 0.08},
			core.CategorySales:      {SpeedMs: 5000, CostUSD: 0.03},
			core.CategoryData:       {SpeedMs: 12000, CostUSD: 0.06},
			core.CategoryAutomation: {SpeedMs: 8000, CostUSD: 0.04},
			core.CategoryOther:      {SpeedMs: 10000, CostUSD: 0.05},
		},

		AnomalyMinTraces:    10,
		DurationSpikeFactor: 5,
		CostSpikeFactor:     10,
		FailureSuccessRate:  0.9,
		CleanTracesToClear:  50,
		MaxArchivedFlags:    5,
		MaxFlags:            10,

		DecayRatePerDay: 0.001,
		DecayAfterHours: 24,

		EndorsementCap:    2.0,
		EndorserMinScore:  60,
		EndorserMinTraces: 10,
		TierMultipliers: map[core.Tier]float64{
			core.TierBronze:     0.5,
			core.TierSilver:     1.0,
			core.TierGold:       1.5,
			core.TierEnterprise: 2.0,
		},

		Milestones: []int{10, 50, 100, 500, 1000, 5000},
	}
}

// BenchmarkFor returns the benchmark for a category, falling back to "other".
func (c Config) BenchmarkFor(cat core.Category) Benchmark {
	if b, ok := c.Benchmarks[cat]; ok {
		return b
	}
	return c.Benchmarks[core.CategoryOther]
}

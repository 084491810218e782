// Package convergence tracks how a scope's goal score approaches
// finality: Lyapunov distance, convergence rate, monotonicity, plateau
// detection, trajectory quality, and per-dimension pressure. The store
// is two DB calls (record, load); the analysis is a pure function.
package convergence

import (
	"math"
	"sort"
	"time"
)

// Dimension keys, in canonical order.
const (
	DimConfidence     = "confidence"
	DimContradictions = "contradictions"
	DimGoals          = "goals"
	DimRisk           = "risk"
)

// DimensionOrder is the canonical iteration order for the four keys.
var DimensionOrder = []string{DimConfidence, DimContradictions, DimGoals, DimRisk}

// Scores holds one value per dimension, each in [0,1].
type Scores map[string]float64

// Weights are the per-dimension weights; they must sum to 1.
type Weights map[string]float64

// DefaultWeights match the default goal gradient 0.30/0.30/0.25/0.15.
func DefaultWeights() Weights {
	return Weights{
		DimConfidence:     0.30,
		DimContradictions: 0.30,
		DimGoals:          0.25,
		DimRisk:           0.15,
	}
}

// DefaultTargets are 1.0 across every dimension.
func DefaultTargets() Scores {
	return Scores{DimConfidence: 1, DimContradictions: 1, DimGoals: 1, DimRisk: 1}
}

// Point is one persisted convergence observation.
type Point struct {
	ScopeID   string    `json:"scope_id"`
	Epoch     int64     `json:"epoch"`
	GoalScore float64   `json:"goal_score"`
	LyapunovV float64   `json:"lyapunov_v"`
	Scores    Scores    `json:"dimension_scores"`
	Pressure  Scores    `json:"pressure"`
	CreatedAt time.Time `json:"created_at"`
}

// Config tunes the analytics. Zero values fall back to defaults.
type Config struct {
	Beta             int     `yaml:"beta"`              // monotonicity window
	Tau              int     `yaml:"tau"`               // plateau rounds
	EmaAlpha         float64 `yaml:"ema_alpha"`         // progress-ratio EMA
	PlateauThreshold float64 `yaml:"plateau_threshold"` // EMA floor
	HistoryDepth     int     `yaml:"history_depth"`
	DivergenceRate   float64 `yaml:"divergence_rate"`
	Epsilon          float64 `yaml:"epsilon"`   // finality distance
	Tolerance        float64 `yaml:"tolerance"` // score-delta noise floor
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		Beta:             3,
		Tau:              3,
		EmaAlpha:         0.3,
		PlateauThreshold: 0.01,
		HistoryDepth:     50,
		DivergenceRate:   0.0,
		Epsilon:          0.005,
		Tolerance:        0.001,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Beta <= 0 {
		c.Beta = d.Beta
	}
	if c.Tau <= 0 {
		c.Tau = d.Tau
	}
	if c.EmaAlpha <= 0 {
		c.EmaAlpha = d.EmaAlpha
	}
	if c.PlateauThreshold <= 0 {
		c.PlateauThreshold = d.PlateauThreshold
	}
	if c.HistoryDepth <= 0 {
		c.HistoryDepth = d.HistoryDepth
	}
	if c.Epsilon <= 0 {
		c.Epsilon = d.Epsilon
	}
	if c.Tolerance <= 0 {
		c.Tolerance = d.Tolerance
	}
	return c
}

const vFloor = 1e-10

// ComputeLyapunovV returns Σ w_d × (target_d − actual_d)². Always ≥ 0;
// zero iff every dimension sits exactly on its target.
func ComputeLyapunovV(actual Scores, weights Weights, targets Scores) float64 {
	v := 0.0
	for _, d := range DimensionOrder {
		diff := targets[d] - actual[d]
		v += weights[d] * diff * diff
	}
	return v
}

// ComputePressure returns w_d × max(0, 1 − actual_d) per dimension;
// the largest value names the bottleneck.
func ComputePressure(actual Scores, weights Weights) Scores {
	p := make(Scores, len(DimensionOrder))
	for _, d := range DimensionOrder {
		gap := 1 - actual[d]
		if gap < 0 {
			gap = 0
		}
		p[d] = weights[d] * gap
	}
	return p
}

// Bottleneck returns the dimension with the largest pressure, breaking
// ties by canonical order.
func Bottleneck(pressure Scores) string {
	best, bestVal := "", math.Inf(-1)
	for _, d := range DimensionOrder {
		if pressure[d] > bestVal {
			best, bestVal = d, pressure[d]
		}
	}
	return best
}

// Analysis is the full convergence read-out over a history.
type Analysis struct {
	HistoryLen        int      `json:"history_len"`
	CurrentV          float64  `json:"current_v"`
	ConvergenceRate   float64  `json:"convergence_rate"`
	Diverging         bool     `json:"diverging"`
	EstimatedRounds   *int     `json:"estimated_rounds,omitempty"`
	Monotonic         bool     `json:"is_monotonic"`
	DirectionChanges  int      `json:"direction_changes"`
	TrajectoryQuality float64  `json:"trajectory_quality"`
	Oscillating       bool     `json:"oscillating"`
	Plateau           bool     `json:"plateau"`
	PlateauRounds     int      `json:"plateau_rounds"`
	Pressure          Scores   `json:"pressure"`
	BottleneckDim     string   `json:"bottleneck"`
	IdleCycles        int      `json:"idle_cycles"`
	ProgressEMA       float64  `json:"progress_ema"`
}

// Analyze computes the full read-out from a history ordered oldest
// first. Pure: no clocks, no I/O.
func Analyze(points []Point, cfg Config) Analysis {
	cfg = cfg.withDefaults()
	a := Analysis{HistoryLen: len(points), Monotonic: true, TrajectoryQuality: 1}
	if len(points) == 0 {
		return a
	}
	last := points[len(points)-1]
	a.CurrentV = last.LyapunovV
	a.Pressure = last.Pressure
	a.BottleneckDim = Bottleneck(last.Pressure)

	a.ConvergenceRate = convergenceRate(points)
	a.Diverging = len(points) >= 3 && a.ConvergenceRate < cfg.DivergenceRate

	a.EstimatedRounds = estimateRounds(a.CurrentV, a.ConvergenceRate, cfg, a.Diverging, len(points))

	a.Monotonic = isMonotonic(points, cfg.Beta, cfg.Tolerance)
	a.DirectionChanges, a.TrajectoryQuality = trajectory(points, cfg.Tolerance)
	a.Oscillating = a.DirectionChanges >= 2
	a.Plateau, a.PlateauRounds, a.ProgressEMA = plateau(points, cfg)
	a.IdleCycles = idleCycles(points, cfg.Tolerance)
	return a
}

// convergenceRate is the mean of −ln(V_i / V_{i−1}) over the last
// min(5, n−1) pairs, with V floored to avoid log(0).
func convergenceRate(points []Point) float64 {
	n := len(points)
	if n < 2 {
		return 0
	}
	pairs := n - 1
	if pairs > 5 {
		pairs = 5
	}
	sum := 0.0
	for i := n - pairs; i < n; i++ {
		prev := math.Max(points[i-1].LyapunovV, vFloor)
		cur := math.Max(points[i].LyapunovV, vFloor)
		sum += -math.Log(cur / prev)
	}
	return sum / float64(pairs)
}

// estimateRounds returns ⌈−ln(ε/V)/α⌉ capped at 1000; 0 when already
// within ε; nil when diverging or with too few points.
func estimateRounds(v, alpha float64, cfg Config, diverging bool, historyLen int) *int {
	if v <= cfg.Epsilon {
		zero := 0
		return &zero
	}
	if diverging || historyLen < 2 || alpha <= 1e-3 {
		return nil
	}
	rounds := int(math.Ceil(-math.Log(cfg.Epsilon/v) / alpha))
	if rounds < 0 {
		rounds = 0
	}
	if rounds > 1000 {
		rounds = 1000
	}
	return &rounds
}

// isMonotonic checks the goal score is non-decreasing over the last
// beta points, within tolerance.
func isMonotonic(points []Point, beta int, tolerance float64) bool {
	n := len(points)
	if n < 2 {
		return true
	}
	start := n - beta
	if start < 1 {
		start = 1
	}
	for i := start; i < n; i++ {
		if points[i].GoalScore < points[i-1].GoalScore-tolerance {
			return false
		}
	}
	return true
}

// trajectory counts direction changes across the whole history and
// derives quality = 1 − 0.5 × changes / maxPossible.
func trajectory(points []Point, tolerance float64) (changes int, quality float64) {
	quality = 1
	if len(points) < 3 {
		return 0, quality
	}
	var deltas []float64
	for i := 1; i < len(points); i++ {
		d := points[i].GoalScore - points[i-1].GoalScore
		if math.Abs(d) > tolerance {
			deltas = append(deltas, d)
		}
	}
	for i := 1; i < len(deltas); i++ {
		if (deltas[i] > 0) != (deltas[i-1] > 0) {
			changes++
		}
	}
	maxPossible := len(points) - 2
	if maxPossible < 1 {
		return changes, quality
	}
	quality = 1 - 0.5*float64(changes)/float64(maxPossible)
	if quality < 0 {
		quality = 0
	}
	return changes, quality
}

// plateau runs the MACI detector: an EMA of the progress ratio
// Δscore / remaining_gap; consecutive rounds below the threshold
// count toward the plateau declaration at τ rounds.
func plateau(points []Point, cfg Config) (bool, int, float64) {
	if len(points) < 2 {
		return false, 0, 0
	}
	ema := 0.0
	initialized := false
	below := 0
	for i := 1; i < len(points); i++ {
		gap := 1 - points[i-1].GoalScore
		var ratio float64
		if gap > 1e-9 {
			ratio = (points[i].GoalScore - points[i-1].GoalScore) / gap
		} else {
			ratio = 1 // already at the ceiling: not a plateau signal
		}
		if !initialized {
			ema = ratio
			initialized = true
		} else {
			ema = cfg.EmaAlpha*ratio + (1-cfg.EmaAlpha)*ema
		}
		if ema < cfg.PlateauThreshold {
			below++
		} else {
			below = 0
		}
	}
	return below >= cfg.Tau, below, ema
}

// idleCycles counts trailing rounds whose score delta stayed inside
// the noise floor.
func idleCycles(points []Point, tolerance float64) int {
	idle := 0
	for i := len(points) - 1; i >= 1; i-- {
		if math.Abs(points[i].GoalScore-points[i-1].GoalScore) <= tolerance {
			idle++
		} else {
			break
		}
	}
	return idle
}

// SortPoints orders a history oldest first by (epoch, created_at).
func SortPoints(points []Point) {
	sort.SliceStable(points, func(i, j int) bool {
		if points[i].Epoch != points[j].Epoch {
			return points[i].Epoch < points[j].Epoch
		}
		return points[i].CreatedAt.Before(points[j].CreatedAt)
	})
}

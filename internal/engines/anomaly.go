package engines

import (
	"fmt"
	"math"
	"time"

	"github.com/autopilot-io/signal-factory/internal/evidence"
)

// #region strategies

// AnomalyStrategy scores a closed window against the asset's history.
// A score above 1.0 is treated as anomalous.
type AnomalyStrategy interface {
	Score(history []float64, current float64) float64
}

// anomalyStrategies is the closed lookup table of known strategies.
// Strategies are selected by name from configuration; unknown names
// are a startup error, not a silent fallback.
var anomalyStrategies = map[string]AnomalyStrategy{
	"zscore": zscoreStrategy{threshold: 3.0},
	"iqr":    iqrStrategy{multiplier: 1.5},
}

// StrategyFor resolves a configured strategy name.
func StrategyFor(name string) (AnomalyStrategy, error) {
	if name == "" {
		name = "zscore"
	}
	strat, ok := anomalyStrategies[name]
	if !ok {
		return nil, fmt.Errorf("unknown anomaly strategy %q", name)
	}
	return strat, nil
}

type zscoreStrategy struct {
	threshold float64
}

func (s zscoreStrategy) Score(history []float64, current float64) float64 {
	if len(history) < 3 {
		return 0
	}
	var sum float64
	for _, v := range history {
		sum += v
	}
	mean := sum / float64(len(history))
	var variance float64
	for _, v := range history {
		variance += (v - mean) * (v - mean)
	}
	stddev := math.Sqrt(variance / float64(len(history)))
	if stddev == 0 {
		if current == mean {
			return 0
		}
		return 2.0
	}
	return math.Abs(current-mean) / stddev / s.threshold
}

type iqrStrategy struct {
	multiplier float64
}

func (s iqrStrategy) Score(history []float64, current float64) float64 {
	if len(history) < 4 {
		return 0
	}
	sorted := append([]float64(nil), history...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j] < sorted[j-1]; j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}
	q1 := sorted[len(sorted)/4]
	q3 := sorted[(3*len(sorted))/4]
	iqr := q3 - q1
	if iqr == 0 {
		if current >= q1 && current <= q3 {
			return 0
		}
		return 2.0
	}
	fence := s.multiplier * iqr
	if current >= q1-fence && current <= q3+fence {
		return 0
	}
	var dist float64
	if current < q1 {
		dist = q1 - current
	} else {
		dist = current - q3
	}
	return dist / fence
}

// #endregion strategies

// #region state

type anomalyState struct {
	Counts    map[string]int       `cbor:"counts"`
	Refs      map[string][]string  `cbor:"refs"`
	History   map[string][]float64 `cbor:"history"`
	Open      map[string]bool      `cbor:"open"`
	LastClose time.Time            `cbor:"last_close"`
}

// #endregion state

// #region engine

// Anomaly scores per-asset evidence rates with a pluggable statistical
// strategy. Unlike Volume it has no policy thresholds; the strategy
// alone decides what looks unusual, so every signal it emits is
// advisory (WARNING at most).
type Anomaly struct {
	strategy   AnomalyStrategy
	minSamples int
	state      anomalyState
}

// NewAnomaly creates the engine with the given strategy.
func NewAnomaly(strategy AnomalyStrategy) *Anomaly {
	return &Anomaly{
		strategy:   strategy,
		minSamples: 6,
		state: anomalyState{
			Counts:  make(map[string]int),
			Refs:    make(map[string][]string),
			History: make(map[string][]float64),
			Open:    make(map[string]bool),
		},
	}
}

// Name implements Engine.
func (a *Anomaly) Name() string { return "anomaly" }

// Consume implements Engine.
func (a *Anomaly) Consume(ev evidence.Evidence) {
	a.state.Counts[ev.DatasetURN]++
	if refs := a.state.Refs[ev.DatasetURN]; len(refs) < 10 {
		a.state.Refs[ev.DatasetURN] = append(refs, ev.EvidenceID)
	}
}

// CloseWindow implements Engine.
func (a *Anomaly) CloseWindow(now time.Time, policies PolicyView) []evidence.Signal {
	var signals []evidence.Signal
	windowStart := a.state.LastClose
	if windowStart.IsZero() {
		windowStart = now
	}

	for _, policy := range policies.Policies() {
		current := float64(a.state.Counts[policy.URN])
		history := a.state.History[policy.URN]

		var score float64
		if len(history) >= a.minSamples {
			score = a.strategy.Score(history, current)
		}
		breached := score > 1.0

		if breached || a.state.Open[policy.URN] {
			severity := evidence.SeverityWarning
			if !breached {
				severity = evidence.SeverityInfo
			}
			signals = append(signals, evidence.Signal{
				SignalType:   evidence.SignalAnomaly,
				AssetURN:     policy.URN,
				WindowStart:  windowStart,
				WindowEnd:    now,
				Severity:     severity,
				EvidenceRefs: capRefs(a.state.Refs[policy.URN], 10),
				DetectedAt:   now,
				Breached:     breached,
				Value:        score,
			})
			if breached {
				a.state.Open[policy.URN] = true
			} else {
				delete(a.state.Open, policy.URN)
			}
		}

		// Anomalous windows do not enter the baseline.
		if !breached {
			history = append(history, current)
			if len(history) > 48 {
				history = history[len(history)-48:]
			}
			a.state.History[policy.URN] = history
		}
	}

	a.state.Counts = make(map[string]int)
	a.state.Refs = make(map[string][]string)
	a.state.LastClose = now
	return signals
}

// SnapshotState implements Engine.
func (a *Anomaly) SnapshotState() any { return &a.state }

// RestoreState implements Engine.
func (a *Anomaly) RestoreState(decode func(into any) error) error {
	var st anomalyState
	if err := decode(&st); err != nil {
		return err
	}
	if st.Counts == nil {
		st.Counts = make(map[string]int)
	}
	if st.Refs == nil {
		st.Refs = make(map[string][]string)
	}
	if st.History == nil {
		st.History = make(map[string][]float64)
	}
	if st.Open == nil {
		st.Open = make(map[string]bool)
	}
	a.state = st
	return nil
}

// #endregion engine

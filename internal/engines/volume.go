package engines

import (
	"math"
	"time"

	"github.com/autopilot-io/signal-factory/internal/evidence"
)

// #region state

const volumeBaselineWindows = 48

type volumeState struct {
	// Counts holds the current open window's evidence count per asset.
	Counts map[string]int `cbor:"counts"`
	// Refs holds a bounded sample of contributing evidence ids.
	Refs map[string][]string `cbor:"refs"`
	// History is the rolling baseline of closed-window counts.
	History map[string][]float64 `cbor:"history"`
	Open    map[string]bool      `cbor:"open"`
	// LastClose anchors the next window's start.
	LastClose time.Time `cbor:"last_close"`
}

// #endregion state

// #region engine

// Volume maintains a rolling mean/variance baseline of evidence
// throughput per asset and fires when the closing window's count
// deviates beyond the policy's sigma threshold, or falls under the
// configured floor.
type Volume struct {
	minSamples int
	state      volumeState
}

// NewVolume creates the engine. The baseline needs minSamples closed
// windows before sigma deviation fires; the floor check is immediate.
func NewVolume(minSamples int) *Volume {
	if minSamples <= 0 {
		minSamples = 3
	}
	return &Volume{
		minSamples: minSamples,
		state: volumeState{
			Counts:  make(map[string]int),
			Refs:    make(map[string][]string),
			History: make(map[string][]float64),
			Open:    make(map[string]bool),
		},
	}
}

// Name implements Engine.
func (v *Volume) Name() string { return "volume" }

// Consume implements Engine.
func (v *Volume) Consume(ev evidence.Evidence) {
	v.state.Counts[ev.DatasetURN]++
	if refs := v.state.Refs[ev.DatasetURN]; len(refs) < 10 {
		v.state.Refs[ev.DatasetURN] = append(refs, ev.EvidenceID)
	}
}

// CloseWindow implements Engine.
func (v *Volume) CloseWindow(now time.Time, policies PolicyView) []evidence.Signal {
	var signals []evidence.Signal
	windowStart := v.state.LastClose
	if windowStart.IsZero() {
		windowStart = now
	}
	for _, policy := range policies.Policies() {
		count := v.state.Counts[policy.URN]
		history := v.state.History[policy.URN]

		breached := false
		var deviation float64
		if policy.Volume.MinPerWindow > 0 && count < policy.Volume.MinPerWindow {
			breached = true
			deviation = float64(count)
		} else if len(history) >= v.minSamples && policy.Volume.SigmaThreshold > 0 {
			mean, stddev := meanStddev(history)
			if stddev > 0 {
				deviation = math.Abs(float64(count)-mean) / stddev
				breached = deviation > policy.Volume.SigmaThreshold
			}
		}

		if breached || v.state.Open[policy.URN] {
			severity := severityForTier(policy.Tier)
			if !breached {
				severity = evidence.SeverityInfo
			}
			signals = append(signals, evidence.Signal{
				SignalType:   evidence.SignalVolumeAnomaly,
				AssetURN:     policy.URN,
				WindowStart:  windowStart,
				WindowEnd:    now,
				Severity:     severity,
				EvidenceRefs: capRefs(v.state.Refs[policy.URN], 10),
				DetectedAt:   now,
				Breached:     breached,
				Value:        deviation,
			})
			if breached {
				v.state.Open[policy.URN] = true
			} else {
				delete(v.state.Open, policy.URN)
			}
		}

		// The baseline only learns from non-breached windows, so a
		// sustained outage does not quietly become the new normal.
		if !breached {
			history = append(history, float64(count))
			if len(history) > volumeBaselineWindows {
				history = history[len(history)-volumeBaselineWindows:]
			}
			v.state.History[policy.URN] = history
		}
	}

	v.state.Counts = make(map[string]int)
	v.state.Refs = make(map[string][]string)
	v.state.LastClose = now
	return signals
}

// SnapshotState implements Engine.
func (v *Volume) SnapshotState() any { return &v.state }

// RestoreState implements Engine.
func (v *Volume) RestoreState(decode func(into any) error) error {
	var st volumeState
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
	v.state = st
	return nil
}

// #endregion engine

// #region stats

func meanStddev(values []float64) (mean, stddev float64) {
	if len(values) == 0 {
		return 0, 0
	}
	var sum float64
	for _, x := range values {
		sum += x
	}
	mean = sum / float64(len(values))
	var variance float64
	for _, x := range values {
		d := x - mean
		variance += d * d
	}
	variance /= float64(len(values))
	return mean, math.Sqrt(variance)
}

// #endregion stats

package engines

import (
	"strings"
	"time"

	"github.com/autopilot-io/signal-factory/internal/evidence"
)

// DQ tag convention: external quality-rule results arrive attached to
// evidence as tags named "dq.<rule>", value 1 for pass, 0 for fail.
const dqTagPrefix = "dq."

// #region state

type dqState struct {
	Checks    map[string]int      `cbor:"checks"`
	Failures  map[string]int      `cbor:"failures"`
	Refs      map[string][]string `cbor:"refs"`
	Open      map[string]bool     `cbor:"open"`
	LastClose time.Time           `cbor:"last_close"`
}

// #endregion state

// #region engine

// DQ aggregates externally supplied quality-rule results attached to
// evidence. The engine does not run rules itself; it only turns the
// per-record verdicts into a windowed breach-rate signal.
type DQ struct {
	state dqState
}

// NewDQ creates the engine.
func NewDQ() *DQ {
	return &DQ{state: dqState{
		Checks:   make(map[string]int),
		Failures: make(map[string]int),
		Refs:     make(map[string][]string),
		Open:     make(map[string]bool),
	}}
}

// Name implements Engine.
func (d *DQ) Name() string { return "dq" }

// Consume implements Engine.
func (d *DQ) Consume(ev evidence.Evidence) {
	for tag, value := range ev.Tags {
		if !strings.HasPrefix(tag, dqTagPrefix) {
			continue
		}
		d.state.Checks[ev.DatasetURN]++
		if value < 1 {
			d.state.Failures[ev.DatasetURN]++
			if refs := d.state.Refs[ev.DatasetURN]; len(refs) < 10 {
				d.state.Refs[ev.DatasetURN] = append(refs, ev.EvidenceID)
			}
		}
	}
}

// CloseWindow implements Engine.
func (d *DQ) CloseWindow(now time.Time, policies PolicyView) []evidence.Signal {
	var signals []evidence.Signal
	windowStart := d.state.LastClose
	if windowStart.IsZero() {
		windowStart = now
	}

	for _, policy := range policies.Policies() {
		checks := d.state.Checks[policy.URN]
		failures := d.state.Failures[policy.URN]
		if checks == 0 && !d.state.Open[policy.URN] {
			continue
		}

		var ratio float64
		if checks > 0 {
			ratio = float64(failures) / float64(checks)
		}
		breached := checks > 0 && ratio > policy.Quality.MaxBreachRate

		if breached || d.state.Open[policy.URN] {
			severity := severityForTier(policy.Tier)
			if !breached {
				severity = evidence.SeverityInfo
			}
			signals = append(signals, evidence.Signal{
				SignalType:   evidence.SignalQualityBreach,
				AssetURN:     policy.URN,
				WindowStart:  windowStart,
				WindowEnd:    now,
				Severity:     severity,
				EvidenceRefs: capRefs(d.state.Refs[policy.URN], 10),
				DetectedAt:   now,
				Breached:     breached,
				Value:        ratio,
			})
			if breached {
				d.state.Open[policy.URN] = true
			} else {
				delete(d.state.Open, policy.URN)
			}
		}
	}

	d.state.Checks = make(map[string]int)
	d.state.Failures = make(map[string]int)
	d.state.Refs = make(map[string][]string)
	d.state.LastClose = now
	return signals
}

// SnapshotState implements Engine.
func (d *DQ) SnapshotState() any { return &d.state }

// RestoreState implements Engine.
func (d *DQ) RestoreState(decode func(into any) error) error {
	var st dqState
	if err := decode(&st); err != nil {
		return err
	}
	if st.Checks == nil {
		st.Checks = make(map[string]int)
	}
	if st.Failures == nil {
		st.Failures = make(map[string]int)
	}
	if st.Refs == nil {
		st.Refs = make(map[string][]string)
	}
	if st.Open == nil {
		st.Open = make(map[string]bool)
	}
	d.state = st
	return nil
}

// #endregion engine

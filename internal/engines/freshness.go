package engines

import (
	"time"

	"github.com/autopilot-io/signal-factory/internal/evidence"
)

// PipelineAssetURN is the asset the factory reports its own health
// under. An evidence gap caused by the factory being down is alerted
// here, never as a freshness breach on the data.
const PipelineAssetURN = "urn:autopilot:component:signal-factory"

// #region probe

// IngestProbe reports enforcer ingest health. The freshness engine
// uses raw-ingest lag to distinguish "asset is stale because nothing
// was published" from "the pipeline itself is backed up": lag grows
// only while raw records arrive faster than the enforcer drains them,
// while a quiet source leaves it flat.
type IngestProbe interface {
	MaxIngestLag() time.Duration
}

// #endregion probe

// #region state

type freshnessState struct {
	LastPass     map[string]time.Time `cbor:"last_pass"`
	Open         map[string]bool      `cbor:"open"`
	PipelineDown bool                 `cbor:"pipeline_down"`
	Started      time.Time            `cbor:"started"`
}

// #endregion state

// #region engine

// Freshness tracks time since the last PASS evidence per asset and
// fires when it exceeds the asset's freshness SLO. Breach signals are
// edge-triggered: one on open, one healthy signal on close, no
// duplicates in between.
type Freshness struct {
	probe      IngestProbe
	stallAfter time.Duration
	state      freshnessState
}

// NewFreshness creates the engine. probe may be nil (pipeline-down
// detection disabled). stallAfter bounds how far behind ingest may
// run before the evidence gap is blamed on the pipeline.
func NewFreshness(probe IngestProbe, stallAfter time.Duration) *Freshness {
	return &Freshness{
		probe:      probe,
		stallAfter: stallAfter,
		state: freshnessState{
			LastPass: make(map[string]time.Time),
			Open:     make(map[string]bool),
			Started:  time.Now().UTC(),
		},
	}
}

// Name implements Engine.
func (f *Freshness) Name() string { return "freshness" }

// Consume records PASS timestamps; failing evidence does not refresh
// an asset, stale-but-failing is still stale.
func (f *Freshness) Consume(ev evidence.Evidence) {
	if ev.Validation.Result != evidence.Pass {
		return
	}
	if ev.Timestamp.After(f.state.LastPass[ev.DatasetURN]) {
		f.state.LastPass[ev.DatasetURN] = ev.Timestamp
	}
}

// CloseWindow implements Engine.
func (f *Freshness) CloseWindow(now time.Time, policies PolicyView) []evidence.Signal {
	var signals []evidence.Signal

	// Pipeline-down check first: while evidence sits queued behind a
	// backed-up enforcer, per-asset elapsed times are meaningless and
	// would misfire. A quiet source keeps lag flat, so genuinely idle
	// assets still get their SLO checks below.
	if f.probe != nil {
		lag := f.probe.MaxIngestLag()
		stalled := lag > f.stallAfter
		if stalled && !f.state.PipelineDown {
			f.state.PipelineDown = true
			signals = append(signals, evidence.Signal{
				SignalType:  evidence.SignalPipelineDown,
				AssetURN:    PipelineAssetURN,
				WindowStart: now.Add(-lag),
				WindowEnd:   now,
				Severity:    evidence.SeverityCritical,
				DetectedAt:  now,
				Breached:    true,
				Value:       lag.Minutes(),
			})
		} else if !stalled && f.state.PipelineDown {
			f.state.PipelineDown = false
			signals = append(signals, evidence.Signal{
				SignalType:  evidence.SignalPipelineDown,
				AssetURN:    PipelineAssetURN,
				WindowStart: now.Add(-lag),
				WindowEnd:   now,
				Severity:    evidence.SeverityInfo,
				DetectedAt:  now,
				Breached:    false,
			})
		}
		if f.state.PipelineDown {
			return signals
		}
	}

	for _, policy := range policies.Policies() {
		slo := policy.FreshnessSLO.Std()
		if slo <= 0 {
			continue
		}
		last, seen := f.state.LastPass[policy.URN]
		if !seen {
			// Never passed: age from engine start, not from zero.
			last = f.state.Started
		}
		elapsed := now.Sub(last)
		breached := elapsed > slo

		if breached && !f.state.Open[policy.URN] {
			f.state.Open[policy.URN] = true
			signals = append(signals, evidence.Signal{
				SignalType:  evidence.SignalFreshnessBreach,
				AssetURN:    policy.URN,
				WindowStart: last,
				WindowEnd:   now,
				Severity:    severityForTier(policy.Tier),
				DetectedAt:  now,
				Breached:    true,
				Value:       elapsed.Minutes(),
			})
		} else if !breached && f.state.Open[policy.URN] {
			delete(f.state.Open, policy.URN)
			signals = append(signals, evidence.Signal{
				SignalType:  evidence.SignalFreshnessBreach,
				AssetURN:    policy.URN,
				WindowStart: last,
				WindowEnd:   now,
				Severity:    evidence.SeverityInfo,
				DetectedAt:  now,
				Breached:    false,
				Value:       elapsed.Minutes(),
			})
		}
	}
	return signals
}

// SnapshotState implements Engine.
func (f *Freshness) SnapshotState() any { return &f.state }

// RestoreState implements Engine.
func (f *Freshness) RestoreState(decode func(into any) error) error {
	var st freshnessState
	if err := decode(&st); err != nil {
		return err
	}
	if st.LastPass == nil {
		st.LastPass = make(map[string]time.Time)
	}
	if st.Open == nil {
		st.Open = make(map[string]bool)
	}
	if st.Started.IsZero() {
		st.Started = time.Now().UTC()
	}
	f.state = st
	return nil
}

// #endregion engine

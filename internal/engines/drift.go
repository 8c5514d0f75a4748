package engines

import (
	"time"

	"github.com/autopilot-io/signal-factory/internal/evidence"
)

// #region state

type driftChange struct {
	From     string   `cbor:"from"`
	To       string   `cbor:"to"`
	Breaking bool     `cbor:"breaking"`
	Refs     []string `cbor:"refs"`
}

type driftState struct {
	// LastVersion is the most recent schema version seen per asset.
	LastVersion map[string]string `cbor:"last_version"`
	// Pending holds version changes observed in the open window.
	Pending   map[string]*driftChange `cbor:"pending"`
	LastClose time.Time               `cbor:"last_close"`
}

// #endregion state

// #region engine

// Drift compares the schema version across consecutive evidence for
// an asset. A version change is a drift signal; a change whose
// records also fail the schema gate is flagged breaking.
type Drift struct {
	state driftState
}

// NewDrift creates the engine.
func NewDrift() *Drift {
	return &Drift{state: driftState{
		LastVersion: make(map[string]string),
		Pending:     make(map[string]*driftChange),
	}}
}

// Name implements Engine.
func (d *Drift) Name() string { return "drift" }

// Consume implements Engine.
func (d *Drift) Consume(ev evidence.Evidence) {
	if ev.SchemaVersion == "" {
		return
	}
	prev, seen := d.state.LastVersion[ev.DatasetURN]
	if seen && prev != ev.SchemaVersion {
		change := d.state.Pending[ev.DatasetURN]
		if change == nil {
			change = &driftChange{From: prev, To: ev.SchemaVersion}
			d.state.Pending[ev.DatasetURN] = change
		}
		change.To = ev.SchemaVersion
		if len(change.Refs) < 10 {
			change.Refs = append(change.Refs, ev.EvidenceID)
		}
		if failedGate(ev, evidence.GateSchema) {
			change.Breaking = true
		}
	}
	d.state.LastVersion[ev.DatasetURN] = ev.SchemaVersion
}

// CloseWindow implements Engine.
func (d *Drift) CloseWindow(now time.Time, policies PolicyView) []evidence.Signal {
	var signals []evidence.Signal
	windowStart := d.state.LastClose
	if windowStart.IsZero() {
		windowStart = now
	}

	for urn, change := range d.state.Pending {
		severity := evidence.SeverityWarning
		if change.Breaking {
			severity = evidence.SeverityCritical
			if policy, known := policies.PolicyFor(urn); known {
				severity = severityForTier(policy.Tier)
			}
		}
		signals = append(signals, evidence.Signal{
			SignalType:   evidence.SignalSchemaDrift,
			AssetURN:     urn,
			WindowStart:  windowStart,
			WindowEnd:    now,
			Severity:     severity,
			EvidenceRefs: change.Refs,
			DetectedAt:   now,
			Breached:     true,
			Value:        boolValue(change.Breaking),
		})
	}

	d.state.Pending = make(map[string]*driftChange)
	d.state.LastClose = now
	return signals
}

// SnapshotState implements Engine.
func (d *Drift) SnapshotState() any { return &d.state }

// RestoreState implements Engine.
func (d *Drift) RestoreState(decode func(into any) error) error {
	var st driftState
	if err := decode(&st); err != nil {
		return err
	}
	if st.LastVersion == nil {
		st.LastVersion = make(map[string]string)
	}
	if st.Pending == nil {
		st.Pending = make(map[string]*driftChange)
	}
	d.state = st
	return nil
}

// #endregion engine

// #region helpers

func failedGate(ev evidence.Evidence, gate evidence.GateName) bool {
	for _, g := range ev.Validation.FailedGates {
		if g == gate {
			return true
		}
	}
	return false
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// #endregion helpers

package engines

import (
	"time"

	"github.com/autopilot-io/signal-factory/internal/evidence"
	"github.com/autopilot-io/signal-factory/internal/registry"
)

// #region policy-view

// PolicyView is the slice of the registry snapshot engines read.
// Satisfied by *registry.Snapshot; engines never hold one across
// windows, the runner passes the current view at each close.
type PolicyView interface {
	PolicyFor(urn string) (registry.DatasetPolicy, bool)
	Policies() []registry.DatasetPolicy
}

// #endregion policy-view

// #region engine

// Engine is one windowed aggregator over a filtered evidence stream
// for a single concern. Engines are single-goroutine state machines:
// the runner serializes Consume and CloseWindow, so implementations
// need no locking. Consume must be cheap and never block; all
// decisions happen at window close.
type Engine interface {
	// Name is the stable engine identifier, used for consumer groups
	// and checkpoint files.
	Name() string

	// Consume folds one evidence record into the open window.
	Consume(ev evidence.Evidence)

	// CloseWindow ends the open window at now and returns zero or
	// more signal upserts. A healthy window still yields a signal
	// with Breached=false for keys that previously breached, so the
	// state store converges back to healthy.
	CloseWindow(now time.Time, policies PolicyView) []evidence.Signal

	// SnapshotState returns the engine's checkpointable state, or
	// nil when there is none worth keeping across restarts.
	SnapshotState() any

	// RestoreState loads a previous checkpoint; decode unmarshals
	// into the engine's state struct.
	RestoreState(decode func(into any) error) error
}

// #endregion engine

// #region helpers

// severityForTier maps dataset criticality to breach severity:
// Tier-1 breaches page, the rest warn.
func severityForTier(t registry.Tier) evidence.Severity {
	if t == registry.Tier1 {
		return evidence.SeverityCritical
	}
	return evidence.SeverityWarning
}

// capRefs bounds an evidence-ref list so signals stay small.
func capRefs(refs []string, max int) []string {
	if len(refs) <= max {
		return refs
	}
	return refs[:max]
}

// #endregion helpers

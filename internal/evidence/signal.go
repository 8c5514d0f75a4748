package evidence

import "time"

// #region signal-type

// SignalType identifies which engine concern produced a signal.
type SignalType string

const (
	SignalFreshnessBreach SignalType = "FreshnessBreachDetected"
	SignalVolumeAnomaly   SignalType = "VolumeAnomalyDetected"
	SignalContractBreach  SignalType = "ContractBreachDetected"
	SignalSchemaDrift     SignalType = "SchemaDriftDetected"
	SignalQualityBreach   SignalType = "QualityBreachDetected"
	SignalAnomaly         SignalType = "AnomalyDetected"
	SignalCostBreach      SignalType = "CostBreachDetected"
	SignalPipelineDown    SignalType = "ObservabilityPipelineDown"
)

// Severity grades a signal. Ordering matters: incidents carry the
// max severity of their members.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// SeverityRank returns the ordinal of a severity for comparisons.
func SeverityRank(s Severity) int {
	switch s {
	case SeverityInfo:
		return 0
	case SeverityWarning:
		return 1
	case SeverityCritical:
		return 2
	}
	return -1
}

// #endregion signal-type

// #region signal

// Signal is an aggregated health assertion produced by one engine
// over one window for one asset. Signals are upserted, not appended:
// a newer window for the same (asset, type) supersedes the old row.
type Signal struct {
	SignalType   SignalType `json:"signal_type"`
	AssetURN     string     `json:"asset_urn"`
	WindowStart  time.Time  `json:"window_start"`
	WindowEnd    time.Time  `json:"window_end"`
	Severity     Severity   `json:"severity"`
	EvidenceRefs []string   `json:"evidence_refs"`
	DetectedAt   time.Time  `json:"detected_at"`

	// Breached is false for a healthy window's computation, which
	// still supersedes the previous breach row in the state store.
	Breached bool `json:"breached"`

	// Value is the measured quantity behind the assertion (elapsed
	// minutes, sigma deviation, fail ratio), for operators.
	Value float64 `json:"value"`
}

// Key returns the state-store identity of the signal.
func (s Signal) Key() (assetURN string, signalType SignalType) {
	return s.AssetURN, s.SignalType
}

// GraphKey returns the idempotent graph-node identity for the signal,
// stable across replays of the same window.
func (s Signal) GraphKey() string {
	return s.AssetURN + "|" + string(s.SignalType) + "|" + s.WindowStart.UTC().Format(time.RFC3339)
}

// #endregion signal

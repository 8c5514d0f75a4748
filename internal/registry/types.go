package registry

import (
	"fmt"
	"time"
)

// #region tier

// Tier classifies dataset criticality. Tier 1 is the strictest.
type Tier int

const (
	Tier1 Tier = 1
	Tier2 Tier = 2
	Tier3 Tier = 3
)

// Valid reports whether t is one of the three known tiers.
func (t Tier) Valid() bool {
	return t >= Tier1 && t <= Tier3
}

// #endregion tier

// #region gate-stage

// GateStage is an enforcement rollout stage for a dataset.
type GateStage string

const (
	StageVisibility GateStage = "G0"
	StageWarn       GateStage = "G1"
	StageSoftFail   GateStage = "G2"
	StageHardFail   GateStage = "G3"
)

// Rank returns the ordinal of a stage for monotonic comparisons.
func (s GateStage) Rank() int {
	switch s {
	case StageVisibility:
		return 0
	case StageWarn:
		return 1
	case StageSoftFail:
		return 2
	case StageHardFail:
		return 3
	}
	return -1
}

// MaxStage returns the highest stage reachable for a tier.
// G3 is Tier-1 only; Tier-3 caps at G1.
func MaxStage(t Tier) GateStage {
	switch t {
	case Tier1:
		return StageHardFail
	case Tier2:
		return StageSoftFail
	default:
		return StageWarn
	}
}

// #endregion gate-stage

// #region duration

// Duration wraps time.Duration for YAML parsing ("15m", "1h").
type Duration time.Duration

// UnmarshalYAML parses a Go duration string.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// #endregion duration

// #region slos

// VolumeSLO bounds expected evidence throughput per window.
type VolumeSLO struct {
	MinPerWindow   int     `yaml:"min_per_window"`
	SigmaThreshold float64 `yaml:"sigma_threshold"`
}

// QualitySLO bounds the tolerated contract breach rate.
type QualitySLO struct {
	MaxBreachRate float64 `yaml:"max_breach_rate"`
}

// CostSLO bounds aggregated resource usage per cost window.
type CostSLO struct {
	MaxUnitsPerWindow float64 `yaml:"max_units_per_window"`
}

// #endregion slos

// #region dataset-policy

// DatasetPolicy is the per-dataset enforcement configuration.
// Owned by the registry; read-only everywhere else.
type DatasetPolicy struct {
	URN          string     `yaml:"urn"`
	Topic        string     `yaml:"topic"`
	Tier         Tier       `yaml:"tier"`
	Owner        string     `yaml:"owner"`
	GateStage    GateStage  `yaml:"gate_stage"`
	Producer     string     `yaml:"producer"`
	FreshnessSLO Duration   `yaml:"freshness_slo"`
	Volume       VolumeSLO  `yaml:"volume"`
	Quality      QualitySLO `yaml:"quality"`
	Cost         CostSLO    `yaml:"cost"`
}

// #endregion dataset-policy

// #region schema-binding

// SchemaBinding pairs a dataset with a registered JSON Schema version.
type SchemaBinding struct {
	Version string `yaml:"version"`
	JSON    string `yaml:"json"`
}

// #endregion schema-binding

// #region contract

// ConstraintKind is the closed set of supported field constraints.
type ConstraintKind string

const (
	ConstraintNonEmpty    ConstraintKind = "non_empty"
	ConstraintNonNegative ConstraintKind = "non_negative"
	ConstraintOneOf       ConstraintKind = "one_of"
)

// FieldConstraint is a single checkable constraint on a payload field.
type FieldConstraint struct {
	Field  string         `yaml:"field"`
	Kind   ConstraintKind `yaml:"kind"`
	Values []string       `yaml:"values,omitempty"` // one_of only
}

// ContractDef lists required fields and constraints for a dataset.
type ContractDef struct {
	RequiredFields []string          `yaml:"required_fields"`
	Constraints    []FieldConstraint `yaml:"constraints,omitempty"`
}

// #endregion contract

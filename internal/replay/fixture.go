package replay

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/autopilot-io/signal-factory/internal/evidence"
	"github.com/autopilot-io/signal-factory/internal/registry"
)

// #region fixture-types

// Fixture is the top-level JSON structure for a replay fixture:
// recorded evidence plus the policies in force when it was captured.
type Fixture struct {
	Description string              `json:"description"`
	WindowEvery Duration            `json:"window_every"`
	Policies    []FixturePolicy     `json:"policies"`
	Events      []evidence.Evidence `json:"events"`
	Expected    *ExpectedSummary    `json:"expected,omitempty"`
}

// FixturePolicy mirrors registry.DatasetPolicy with JSON tags.
type FixturePolicy struct {
	URN           string   `json:"urn"`
	Topic         string   `json:"topic"`
	Tier          int      `json:"tier"`
	Producer      string   `json:"producer"`
	FreshnessSLO  Duration `json:"freshness_slo"`
	MinPerWindow  int      `json:"min_per_window"`
	SigmaLimit    float64  `json:"sigma_limit"`
	MaxBreachRate float64  `json:"max_breach_rate"`
}

// ExpectedSummary captures the expected outcome of a fixture run.
type ExpectedSummary struct {
	Signals  map[string]int `json:"signals"`
	Breaches int            `json:"breaches"`
}

// Duration is a JSON wrapper parsing Go duration strings.
type Duration time.Duration

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// #endregion fixture-types

// #region fixture-loader

// LoadFixture reads and parses a JSON fixture file.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture %s: %w", path, err)
	}
	var f Fixture
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse fixture %s: %w", path, err)
	}
	if len(f.Events) == 0 {
		return nil, fmt.Errorf("fixture %s has no events", path)
	}
	return &f, nil
}

// ToPolicy converts a fixture policy to its domain form.
func (p FixturePolicy) ToPolicy() registry.DatasetPolicy {
	return registry.DatasetPolicy{
		URN:          p.URN,
		Topic:        p.Topic,
		Tier:         registry.Tier(p.Tier),
		Producer:     p.Producer,
		FreshnessSLO: registry.Duration(p.FreshnessSLO.Std()),
		Volume: registry.VolumeSLO{
			MinPerWindow:   p.MinPerWindow,
			SigmaThreshold: p.SigmaLimit,
		},
		Quality: registry.QualitySLO{MaxBreachRate: p.MaxBreachRate},
	}
}

// PolicyView returns the fixture's policies as the view engines read.
func (f *Fixture) PolicyView() PolicyList {
	out := make(PolicyList, 0, len(f.Policies))
	for _, p := range f.Policies {
		out = append(out, p.ToPolicy())
	}
	return out
}

// PolicyList is a static policy set satisfying engines.PolicyView.
type PolicyList []registry.DatasetPolicy

// PolicyFor returns the policy for a dataset URN.
func (l PolicyList) PolicyFor(urn string) (registry.DatasetPolicy, bool) {
	for _, p := range l {
		if p.URN == urn {
			return p, true
		}
	}
	return registry.DatasetPolicy{}, false
}

// Policies returns all policies.
func (l PolicyList) Policies() []registry.DatasetPolicy { return l }

// #endregion fixture-loader

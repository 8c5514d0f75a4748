package engines

import (
	"time"

	"github.com/autopilot-io/signal-factory/internal/evidence"
)

// Cost tag convention: pipelines report consumption on evidence as the
// "cost.units" tag. Cost windows are long (hours to a day), so the
// engine accumulates across many short engine ticks and only settles
// when its own window elapses.
const costTag = "cost.units"

// #region state

type costState struct {
	Units       map[string]float64  `cbor:"units"`
	Refs        map[string][]string `cbor:"refs"`
	Open        map[string]bool     `cbor:"open"`
	WindowStart time.Time           `cbor:"window_start"`
}

// #endregion state

// #region engine

// Cost tracks accumulated consumption units per asset against the
// policy budget.
type Cost struct {
	window time.Duration
	state  costState
}

// NewCost creates the engine with the given accumulation window.
func NewCost(window time.Duration) *Cost {
	return &Cost{
		window: window,
		state: costState{
			Units: make(map[string]float64),
			Refs:  make(map[string][]string),
			Open:  make(map[string]bool),
		},
	}
}

// Name implements Engine.
func (c *Cost) Name() string { return "cost" }

// Consume implements Engine.
func (c *Cost) Consume(ev evidence.Evidence) {
	units, ok := ev.Tags[costTag]
	if !ok {
		return
	}
	c.state.Units[ev.DatasetURN] += units
	if refs := c.state.Refs[ev.DatasetURN]; len(refs) < 10 {
		c.state.Refs[ev.DatasetURN] = append(refs, ev.EvidenceID)
	}
}

// CloseWindow implements Engine. Intermediate ticks flag budgets that
// are already blown; the running totals reset only when the cost
// window itself elapses.
func (c *Cost) CloseWindow(now time.Time, policies PolicyView) []evidence.Signal {
	if c.state.WindowStart.IsZero() {
		c.state.WindowStart = now
		return nil
	}

	settled := now.Sub(c.state.WindowStart) >= c.window
	var signals []evidence.Signal

	for _, policy := range policies.Policies() {
		if policy.Cost.MaxUnitsPerWindow <= 0 {
			continue
		}
		units := c.state.Units[policy.URN]
		breached := units > policy.Cost.MaxUnitsPerWindow

		if breached && !c.state.Open[policy.URN] {
			signals = append(signals, evidence.Signal{
				SignalType:   evidence.SignalCostBreach,
				AssetURN:     policy.URN,
				WindowStart:  c.state.WindowStart,
				WindowEnd:    now,
				Severity:     severityForTier(policy.Tier),
				EvidenceRefs: capRefs(c.state.Refs[policy.URN], 10),
				DetectedAt:   now,
				Breached:     true,
				Value:        units,
			})
			c.state.Open[policy.URN] = true
		}

		if settled && !breached && c.state.Open[policy.URN] {
			signals = append(signals, evidence.Signal{
				SignalType:  evidence.SignalCostBreach,
				AssetURN:    policy.URN,
				WindowStart: c.state.WindowStart,
				WindowEnd:   now,
				Severity:    evidence.SeverityInfo,
				DetectedAt:  now,
				Breached:    false,
				Value:       units,
			})
			delete(c.state.Open, policy.URN)
		}
	}

	if settled {
		c.state.Units = make(map[string]float64)
		c.state.Refs = make(map[string][]string)
		c.state.WindowStart = now
	}
	return signals
}

// SnapshotState implements Engine.
func (c *Cost) SnapshotState() any { return &c.state }

// RestoreState implements Engine.
func (c *Cost) RestoreState(decode func(into any) error) error {
	var st costState
	if err := decode(&st); err != nil {
		return err
	}
	if st.Units == nil {
		st.Units = make(map[string]float64)
	}
	if st.Refs == nil {
		st.Refs = make(map[string][]string)
	}
	if st.Open == nil {
		st.Open = make(map[string]bool)
	}
	c.state = st
	return nil
}

// #endregion engine

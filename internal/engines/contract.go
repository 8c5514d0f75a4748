package engines

import (
	"time"

	"github.com/autopilot-io/signal-factory/internal/evidence"
)

// #region state

type contractState struct {
	Pass map[string]int `cbor:"pass"`
	Fail map[string]int `cbor:"fail"`
	// Signatures collects the distinct failure causes seen in the
	// open window; they become the signal's evidence refs and the
	// graph's FailureSignature nodes.
	Signatures map[string][]string `cbor:"signatures"`
	Open       map[string]bool     `cbor:"open"`
	LastClose  time.Time           `cbor:"last_close"`
}

// #endregion state

// #region engine

// Contract computes the FAIL/(PASS+FAIL) ratio per asset over the
// window and fires when it exceeds the asset's allowed breach rate.
type Contract struct {
	state contractState
}

// NewContract creates the engine.
func NewContract() *Contract {
	return &Contract{state: contractState{
		Pass:       make(map[string]int),
		Fail:       make(map[string]int),
		Signatures: make(map[string][]string),
		Open:       make(map[string]bool),
	}}
}

// Name implements Engine.
func (c *Contract) Name() string { return "contract" }

// Consume implements Engine.
func (c *Contract) Consume(ev evidence.Evidence) {
	if ev.Failed() {
		c.state.Fail[ev.DatasetURN]++
		if sig := evidence.SignatureOf(ev); sig != "" {
			c.state.Signatures[ev.DatasetURN] = appendUnique(c.state.Signatures[ev.DatasetURN], sig, 20)
		}
		return
	}
	c.state.Pass[ev.DatasetURN]++
}

// CloseWindow implements Engine.
func (c *Contract) CloseWindow(now time.Time, policies PolicyView) []evidence.Signal {
	var signals []evidence.Signal
	windowStart := c.state.LastClose
	if windowStart.IsZero() {
		windowStart = now
	}

	for _, policy := range policies.Policies() {
		pass := c.state.Pass[policy.URN]
		fail := c.state.Fail[policy.URN]
		total := pass + fail
		if total == 0 && !c.state.Open[policy.URN] {
			continue
		}

		var ratio float64
		if total > 0 {
			ratio = float64(fail) / float64(total)
		}
		breached := total > 0 && ratio > policy.Quality.MaxBreachRate

		if breached || c.state.Open[policy.URN] {
			severity := severityForTier(policy.Tier)
			if !breached {
				severity = evidence.SeverityInfo
			}
			signals = append(signals, evidence.Signal{
				SignalType:   evidence.SignalContractBreach,
				AssetURN:     policy.URN,
				WindowStart:  windowStart,
				WindowEnd:    now,
				Severity:     severity,
				EvidenceRefs: capRefs(c.state.Signatures[policy.URN], 20),
				DetectedAt:   now,
				Breached:     breached,
				Value:        ratio,
			})
			if breached {
				c.state.Open[policy.URN] = true
			} else {
				delete(c.state.Open, policy.URN)
			}
		}
	}

	c.state.Pass = make(map[string]int)
	c.state.Fail = make(map[string]int)
	c.state.Signatures = make(map[string][]string)
	c.state.LastClose = now
	return signals
}

// SnapshotState implements Engine.
func (c *Contract) SnapshotState() any { return &c.state }

// RestoreState implements Engine.
func (c *Contract) RestoreState(decode func(into any) error) error {
	var st contractState
	if err := decode(&st); err != nil {
		return err
	}
	if st.Pass == nil {
		st.Pass = make(map[string]int)
	}
	if st.Fail == nil {
		st.Fail = make(map[string]int)
	}
	if st.Signatures == nil {
		st.Signatures = make(map[string][]string)
	}
	if st.Open == nil {
		st.Open = make(map[string]bool)
	}
	c.state = st
	return nil
}

// #endregion engine

// #region helpers

func appendUnique(list []string, s string, max int) []string {
	for _, existing := range list {
		if existing == s {
			return list
		}
	}
	if len(list) >= max {
		return list
	}
	return append(list, s)
}

// #endregion helpers

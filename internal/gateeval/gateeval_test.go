package gateeval

import (
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/autopilot-io/signal-factory/internal/evidence"
	"github.com/autopilot-io/signal-factory/internal/registry"
)

// #region fixtures

type fakeStats struct {
	pass, fail int
	err        error
}

func (f fakeStats) WindowStats(string, time.Time) (int, int, error) {
	return f.pass, f.fail, f.err
}

type fakeBreaches struct {
	signals []evidence.Signal
	err     error
}

func (f fakeBreaches) ListByAsset(string) ([]evidence.Signal, error) {
	return f.signals, f.err
}

func tempEvaluator(t *testing.T, stats EvidenceStats, breaches BreachReader) *Evaluator {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "gate.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	e, err := Open(db, stats, breaches, time.Hour)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return e
}

func tierPolicy(urn string, tier registry.Tier) registry.DatasetPolicy {
	return registry.DatasetPolicy{
		URN:       urn,
		Tier:      tier,
		GateStage: registry.MaxStage(tier),
	}
}

// advance runs enough clean evaluations to reach the tier cap.
func advance(t *testing.T, e *Evaluator, policy registry.DatasetPolicy, now time.Time) registry.GateStage {
	t.Helper()
	var dec Decision
	var err error
	for i := 0; i < 4; i++ {
		dec, err = e.Evaluate(policy, now.Add(time.Duration(i)*time.Hour))
		if err != nil {
			t.Fatal(err)
		}
	}
	return dec.Stage
}

// #endregion fixtures

// #region tests

func TestStageAdvancesOnCleanWindows(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e := tempEvaluator(t, fakeStats{pass: 100}, fakeBreaches{})
	policy := tierPolicy("urn:autopilot:dataset:orders", registry.Tier1)

	dec, err := e.Evaluate(policy, now)
	if err != nil {
		t.Fatal(err)
	}
	if dec.Stage != registry.StageWarn {
		t.Fatalf("first clean evaluation stage = %s", dec.Stage)
	}
	if dec.Action != ActionReport {
		t.Fatalf("healthy dataset action = %s", dec.Action)
	}

	if got := advance(t, e, policy, now); got != registry.StageHardFail {
		t.Fatalf("tier-1 dataset capped at %s, want G3", got)
	}
}

func TestTierCapsEnforcementStage(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	e2 := tempEvaluator(t, fakeStats{pass: 100}, fakeBreaches{})
	if got := advance(t, e2, tierPolicy("urn:d2", registry.Tier2), now); got != registry.StageSoftFail {
		t.Fatalf("tier-2 cap = %s, want G2", got)
	}

	e3 := tempEvaluator(t, fakeStats{pass: 100}, fakeBreaches{})
	if got := advance(t, e3, tierPolicy("urn:d3", registry.Tier3), now); got != registry.StageWarn {
		t.Fatalf("tier-3 cap = %s, want G1", got)
	}
}

// Identical FAIL-dominant windows: the tier-1 dataset at G3 blocks,
// the tier-2 dataset at its G2 cap only rejects staging.
func TestSameWindowDifferentTiersDifferentActions(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	run := func(tier registry.Tier) Decision {
		clean := tempEvaluator(t, fakeStats{pass: 100}, fakeBreaches{})
		policy := tierPolicy("urn:autopilot:dataset:x", tier)
		advance(t, clean, policy, now)

		clean.stats = fakeStats{pass: 10, fail: 90}
		dec, err := clean.Evaluate(policy, now.Add(6*time.Hour))
		if err != nil {
			t.Fatal(err)
		}
		return dec
	}

	t1 := run(registry.Tier1)
	if t1.Action != ActionRejectProd {
		t.Fatalf("tier-1 at G3 with failing window: action = %s", t1.Action)
	}
	t2 := run(registry.Tier2)
	if t2.Action != ActionRejectStaging {
		t.Fatalf("tier-2 at G2 with failing window: action = %s", t2.Action)
	}
}

func TestStageNeverRegresses(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e := tempEvaluator(t, fakeStats{pass: 100}, fakeBreaches{})
	policy := tierPolicy("urn:autopilot:dataset:orders", registry.Tier1)
	advance(t, e, policy, now)

	e.stats = fakeStats{pass: 0, fail: 50}
	dec, err := e.Evaluate(policy, now.Add(6*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if dec.Stage != registry.StageHardFail {
		t.Fatalf("failing window regressed stage to %s", dec.Stage)
	}
	if !dec.Violating || dec.Action != ActionRejectProd {
		t.Fatalf("decision = %+v", dec)
	}
}

func TestOpenBreachCountsAsViolation(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	breach := evidence.Signal{
		SignalType: evidence.SignalFreshnessBreach,
		AssetURN:   "urn:autopilot:dataset:orders",
		Breached:   true,
	}
	e := tempEvaluator(t, fakeStats{pass: 100}, fakeBreaches{signals: []evidence.Signal{breach}})
	policy := tierPolicy("urn:autopilot:dataset:orders", registry.Tier3)

	dec, err := e.Evaluate(policy, now)
	if err != nil {
		t.Fatal(err)
	}
	if !dec.Violating {
		t.Fatal("open breach signal must count as a violation")
	}
	// Violation blocks advancement: still at G0, so report only.
	if dec.Stage != registry.StageVisibility || dec.Action != ActionReport {
		t.Fatalf("decision = %+v", dec)
	}
}

func TestKnowledgePlaneFailureFailsOpen(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e := tempEvaluator(t, fakeStats{pass: 100}, fakeBreaches{})
	policy := tierPolicy("urn:autopilot:dataset:orders", registry.Tier1)
	advance(t, e, policy, now)

	e.breaches = fakeBreaches{err: errors.New("state store down")}
	dec, err := e.Evaluate(policy, now.Add(6*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if !dec.Degraded {
		t.Fatal("knowledge plane failure must flag the decision degraded")
	}
	if dec.Stage != registry.StageHardFail {
		t.Fatalf("degraded decision lost prior stage: %s", dec.Stage)
	}
	if dec.Action != ActionReport {
		t.Fatalf("degraded decision must not enforce, got %s", dec.Action)
	}
}

func TestDecisionsAppendToEnforcementLog(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e := tempEvaluator(t, fakeStats{pass: 100}, fakeBreaches{})
	policy := tierPolicy("urn:autopilot:dataset:orders", registry.Tier2)

	for i := 0; i < 3; i++ {
		if _, err := e.Evaluate(policy, now.Add(time.Duration(i)*time.Hour)); err != nil {
			t.Fatal(err)
		}
	}

	history, err := e.History(policy.URN, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 3 {
		t.Fatalf("enforcement log rows = %d", len(history))
	}
	// Newest first: the last evaluation reached G2.
	if history[0].Stage != registry.StageSoftFail {
		t.Fatalf("latest logged stage = %s", history[0].Stage)
	}
}

// #endregion tests

package replay

import (
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/autopilot-io/signal-factory/internal/engines"
	"github.com/autopilot-io/signal-factory/internal/evidence"
	"github.com/autopilot-io/signal-factory/internal/graph"
	"github.com/autopilot-io/signal-factory/internal/incident"
	"github.com/autopilot-io/signal-factory/internal/statestore"
)

const ordersURN = "urn:autopilot:dataset:orders"

// #region fixtures

func tempDeps(t *testing.T) Deps {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "replay.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store, err := statestore.Open(db)
	if err != nil {
		t.Fatalf("statestore.Open: %v", err)
	}
	g, err := graph.Open(db)
	if err != nil {
		t.Fatalf("graph.Open: %v", err)
	}
	corr, err := incident.Open(db, g, 30*time.Minute)
	if err != nil {
		t.Fatalf("incident.Open: %v", err)
	}
	return Deps{
		Store:      store,
		Graph:      g,
		Writer:     engines.NewGraphWriter(g),
		Correlator: corr,
	}
}

// contractFixture yields a window where 3 of 5 records fail the same
// contract gate, far over the 10% allowed rate.
func contractFixture() *Fixture {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f := &Fixture{
		Description: "contract breach on orders",
		WindowEvery: Duration(5 * time.Minute),
		Policies: []FixturePolicy{{
			URN:           ordersURN,
			Topic:         "orders.v1",
			Tier:          1,
			Producer:      "checkout-service",
			MaxBreachRate: 0.1,
		}},
	}
	for i := 0; i < 5; i++ {
		ev := evidence.Evidence{
			EvidenceID: fixtureID(i),
			Timestamp:  base.Add(time.Duration(i) * time.Second),
			DatasetURN: ordersURN,
			Producer:   evidence.Producer{ID: "checkout-service", Confidence: evidence.ConfidenceHigh},
			Validation: evidence.Validation{Result: evidence.Pass},
		}
		if i < 3 {
			ev.Validation = evidence.Validation{
				Result:      evidence.Fail,
				FailedGates: []evidence.GateName{evidence.GateContract},
				ReasonCodes: []string{"MISSING_FIELD:customer_id"},
			}
		}
		f.Events = append(f.Events, ev)
	}
	return f
}

func fixtureID(i int) string {
	return "replay-" + string(rune('a'+i))
}

// #endregion fixtures

// #region tests

func TestReplayProducesExpectedSignals(t *testing.T) {
	fixture := contractFixture()
	fixture.Expected = &ExpectedSummary{
		Signals:  map[string]int{string(evidence.SignalContractBreach): 1},
		Breaches: 1,
	}
	deps := tempDeps(t)

	summary, err := Replay(fixture, []engines.Engine{engines.NewContract()}, deps)
	if err != nil {
		t.Fatal(err)
	}
	if summary.Events != 5 {
		t.Fatalf("events = %d", summary.Events)
	}
	if mismatches := Verify(fixture, summary); len(mismatches) != 0 {
		t.Fatalf("verify: %+v", mismatches)
	}

	// The breach landed in the state store and the causal graph.
	sig, err := deps.Store.Get(ordersURN, evidence.SignalContractBreach)
	if err != nil {
		t.Fatal(err)
	}
	if !sig.Breached {
		t.Fatalf("state row = %+v", sig)
	}
	sigs, err := deps.Graph.CountNodes(graph.NodeFailureSignature)
	if err != nil {
		t.Fatal(err)
	}
	// Three identical failures share one signature node.
	if sigs != 1 {
		t.Fatalf("failure signature nodes = %d", sigs)
	}
}

func TestReplayIsIdempotent(t *testing.T) {
	fixture := contractFixture()
	deps := tempDeps(t)

	first, err := Replay(fixture, []engines.Engine{engines.NewContract()}, deps)
	if err != nil {
		t.Fatal(err)
	}
	if first.GraphNodes == 0 || first.GraphEdges == 0 {
		t.Fatalf("first run wrote no graph rows: %+v", first)
	}

	mismatches, err := VerifyIdempotent(fixture, []engines.Engine{engines.NewContract()}, deps, first)
	if err != nil {
		t.Fatal(err)
	}
	if len(mismatches) != 0 {
		t.Fatalf("second replay diverged: %+v", mismatches)
	}

	open, err := deps.Correlator.OpenIncidents()
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 1 {
		t.Fatalf("replay duplicated incidents: %d", len(open))
	}
}

func TestReplayDeterministic(t *testing.T) {
	fixture := contractFixture()

	a, err := Replay(fixture, []engines.Engine{engines.NewContract(), engines.NewVolume(3)}, Deps{})
	if err != nil {
		t.Fatal(err)
	}
	b, err := Replay(fixture, []engines.Engine{engines.NewContract(), engines.NewVolume(3)}, Deps{})
	if err != nil {
		t.Fatal(err)
	}
	if a.Events != b.Events || a.Windows != b.Windows || a.Breaches != b.Breaches {
		t.Fatalf("runs diverged: %+v vs %+v", a, b)
	}
	for st, n := range a.Signals {
		if b.Signals[st] != n {
			t.Fatalf("signal counts diverged for %s: %d vs %d", st, n, b.Signals[st])
		}
	}
}

func TestLoadFixtureRejectsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.json")
	if err := os.WriteFile(path, []byte(`{"description":"empty","events":[]}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFixture(path); err == nil {
		t.Fatal("fixture with no events must be rejected")
	}
}

// #endregion tests

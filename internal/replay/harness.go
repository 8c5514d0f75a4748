package replay

import (
	"fmt"
	"sort"
	"time"

	"github.com/autopilot-io/signal-factory/internal/engines"
	"github.com/autopilot-io/signal-factory/internal/evidence"
	"github.com/autopilot-io/signal-factory/internal/graph"
	"github.com/autopilot-io/signal-factory/internal/incident"
	"github.com/autopilot-io/signal-factory/internal/statestore"
)

// #region types

// Deps are the knowledge plane surfaces a replay writes through. Any
// of them may be nil to replay engines in isolation.
type Deps struct {
	Store      *statestore.Store
	Graph      *graph.Store
	Writer     *engines.GraphWriter
	Correlator *incident.Correlator
}

// Summary aggregates one replay run.
type Summary struct {
	Events      int
	Windows     int
	Signals     map[evidence.SignalType]int
	Breaches    int
	GraphNodes  int
	GraphEdges  int
	StateUpsert int
}

// #endregion types

// #region harness

// Replay feeds recorded evidence through the given engines in
// timestamp order, closing windows at the fixture's cadence, and
// writes the resulting signals through the knowledge plane. The run
// is fully deterministic: same fixture, same engines, same summary.
func Replay(fixture *Fixture, engineSet []engines.Engine, deps Deps) (Summary, error) {
	summary := Summary{Signals: make(map[evidence.SignalType]int)}
	policies := fixture.PolicyView()

	events := append([]evidence.Evidence(nil), fixture.Events...)
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})

	windowEvery := fixture.WindowEvery.Std()
	if windowEvery <= 0 {
		windowEvery = 5 * time.Minute
	}
	cursor := events[0].Timestamp.Truncate(windowEvery).Add(windowEvery)

	apply := func(now time.Time) error {
		summary.Windows++
		for _, eng := range engineSet {
			for _, sig := range eng.CloseWindow(now, policies) {
				summary.Signals[sig.SignalType]++
				if sig.Breached {
					summary.Breaches++
				}
				if err := writeThrough(sig, policies, deps, now); err != nil {
					return err
				}
				summary.StateUpsert++
			}
		}
		return nil
	}

	for _, ev := range events {
		for !ev.Timestamp.Before(cursor) {
			if err := apply(cursor); err != nil {
				return summary, err
			}
			cursor = cursor.Add(windowEvery)
		}
		for _, eng := range engineSet {
			eng.Consume(ev)
		}
		summary.Events++
	}
	// Close the final open window past the last event.
	if err := apply(cursor); err != nil {
		return summary, err
	}

	if deps.Graph != nil {
		if err := countGraph(deps.Graph, &summary); err != nil {
			return summary, err
		}
	}
	return summary, nil
}

func writeThrough(sig evidence.Signal, policies PolicyList, deps Deps, now time.Time) error {
	if deps.Store != nil {
		if err := deps.Store.Upsert(sig); err != nil {
			return fmt.Errorf("replay state upsert: %w", err)
		}
	}
	if deps.Writer != nil {
		if err := deps.Writer.Record(sig, policies); err != nil {
			return fmt.Errorf("replay graph write: %w", err)
		}
	}
	if deps.Correlator != nil {
		if err := deps.Correlator.Observe(sig, now); err != nil {
			return fmt.Errorf("replay incident observe: %w", err)
		}
	}
	return nil
}

func countGraph(g *graph.Store, summary *Summary) error {
	for _, kind := range []graph.NodeKind{
		graph.NodeProducer, graph.NodeDeployment, graph.NodeFailureSignature,
		graph.NodeSignal, graph.NodeIncident, graph.NodeDataset,
	} {
		n, err := g.CountNodes(kind)
		if err != nil {
			return fmt.Errorf("replay node count: %w", err)
		}
		summary.GraphNodes += n
	}
	for _, et := range []graph.EdgeType{
		graph.EdgeIntroduced, graph.EdgeCaused, graph.EdgeTriggered, graph.EdgeOwns,
	} {
		n, err := g.CountEdges(et)
		if err != nil {
			return fmt.Errorf("replay edge count: %w", err)
		}
		summary.GraphEdges += n
	}
	return nil
}

// #endregion harness

// #region verify

// Mismatch describes one divergence between a run and the fixture's
// expected outcome.
type Mismatch struct {
	Field string
	Want  int
	Got   int
}

// Verify compares a summary against the fixture's expectations.
func Verify(fixture *Fixture, summary Summary) []Mismatch {
	if fixture.Expected == nil {
		return nil
	}
	var out []Mismatch
	for name, want := range fixture.Expected.Signals {
		got := summary.Signals[evidence.SignalType(name)]
		if got != want {
			out = append(out, Mismatch{Field: "signals." + name, Want: want, Got: got})
		}
	}
	if fixture.Expected.Breaches != summary.Breaches {
		out = append(out, Mismatch{Field: "breaches", Want: fixture.Expected.Breaches, Got: summary.Breaches})
	}
	return out
}

// VerifyIdempotent replays the fixture a second time against the same
// knowledge plane and reports graph rows that appeared only on the
// second pass. Fresh engine instances must be supplied: replay is
// at-least-once delivery, and the plane has to absorb it.
func VerifyIdempotent(fixture *Fixture, engineSet []engines.Engine, deps Deps, first Summary) ([]Mismatch, error) {
	second, err := Replay(fixture, engineSet, deps)
	if err != nil {
		return nil, err
	}
	var out []Mismatch
	if second.GraphNodes != first.GraphNodes {
		out = append(out, Mismatch{Field: "graph_nodes", Want: first.GraphNodes, Got: second.GraphNodes})
	}
	if second.GraphEdges != first.GraphEdges {
		out = append(out, Mismatch{Field: "graph_edges", Want: first.GraphEdges, Got: second.GraphEdges})
	}
	return out, nil
}

// #endregion verify

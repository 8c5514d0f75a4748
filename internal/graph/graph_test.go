package graph

import (
	"database/sql"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

func tempGraph(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "graph.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	g, err := Open(db)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return g
}

func TestUpsertNodeIdempotent(t *testing.T) {
	g := tempGraph(t)
	for i := 0; i < 3; i++ {
		if err := g.UpsertNode(NodeFailureSignature, "sig:abc", `{"gates":["CONTRACT"]}`); err != nil {
			t.Fatal(err)
		}
	}
	n, err := g.CountNodes(NodeFailureSignature)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("replayed node upsert created %d rows", n)
	}
}

func TestUpsertEdgeBumpsSeenCount(t *testing.T) {
	g := tempGraph(t)
	if err := g.UpsertNode(NodeFailureSignature, "sig:abc", ""); err != nil {
		t.Fatal(err)
	}
	if err := g.UpsertNode(NodeSignal, "urn:x|ContractBreachDetected|2026-03-01T12:00:00Z", ""); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		err := g.UpsertEdge("sig:abc", "urn:x|ContractBreachDetected|2026-03-01T12:00:00Z", EdgeCaused)
		if err != nil {
			t.Fatal(err)
		}
	}

	n, err := g.CountEdges(EdgeCaused)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("re-asserted edge duplicated: %d rows", n)
	}
	edges, err := g.Neighbors("sig:abc")
	if err != nil {
		t.Fatal(err)
	}
	if len(edges) != 1 || edges[0].SeenCount != 3 {
		t.Fatalf("edges = %+v", edges)
	}
}

func TestWalkTraversesCausalChain(t *testing.T) {
	g := tempGraph(t)

	// deployment -> signature -> signal -> incident, producer -> dataset
	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
	}
	must(g.UpsertNode(NodeDeployment, "urn:autopilot:deployment:d1", ""))
	must(g.UpsertNode(NodeFailureSignature, "sig:abc", ""))
	must(g.UpsertNode(NodeSignal, "urn:ds|ContractBreachDetected|2026-03-01T12:00:00Z", ""))
	must(g.UpsertNode(NodeIncident, "urn:autopilot:incident:i1", ""))
	must(g.UpsertEdge("urn:autopilot:deployment:d1", "sig:abc", EdgeIntroduced))
	must(g.UpsertEdge("sig:abc", "urn:ds|ContractBreachDetected|2026-03-01T12:00:00Z", EdgeCaused))
	must(g.UpsertEdge("urn:ds|ContractBreachDetected|2026-03-01T12:00:00Z", "urn:autopilot:incident:i1", EdgeTriggered))

	result, err := g.Walk("urn:autopilot:incident:i1", 4, 50)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Keys) != 4 {
		t.Fatalf("walk keys = %v", result.Keys)
	}
	if result.Keys[0] != "urn:autopilot:incident:i1" || result.Depth[0] != 0 {
		t.Fatalf("walk must start at entry: %v", result.Keys)
	}
	// The deployment sits three hops back from the incident.
	last := len(result.Keys) - 1
	if result.Keys[last] != "urn:autopilot:deployment:d1" || result.Depth[last] != 3 {
		t.Fatalf("walk end = %s at depth %d", result.Keys[last], result.Depth[last])
	}
}

func TestWalkHonorsBounds(t *testing.T) {
	g := tempGraph(t)
	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
	}
	must(g.UpsertNode(NodeSignal, "a", ""))
	must(g.UpsertNode(NodeSignal, "b", ""))
	must(g.UpsertNode(NodeSignal, "c", ""))
	must(g.UpsertEdge("a", "b", EdgeCaused))
	must(g.UpsertEdge("b", "c", EdgeCaused))

	result, err := g.Walk("a", 1, 50)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Keys) != 2 {
		t.Fatalf("depth-1 walk reached %v", result.Keys)
	}

	result, err = g.Walk("a", 4, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Keys) != 1 {
		t.Fatalf("node-bounded walk reached %v", result.Keys)
	}
}

func TestGetNodeRoundTrip(t *testing.T) {
	g := tempGraph(t)
	if err := g.UpsertNode(NodeProducer, "urn:autopilot:producer:checkout", `{"team":"payments"}`); err != nil {
		t.Fatal(err)
	}
	n, err := g.GetNode("urn:autopilot:producer:checkout")
	if err != nil {
		t.Fatal(err)
	}
	if n.Kind != NodeProducer || n.PropsJSON != `{"team":"payments"}` {
		t.Fatalf("node = %+v", n)
	}
}

package main

import (
	"database/sql"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/spf13/pflag"
	_ "modernc.org/sqlite"

	"github.com/autopilot-io/signal-factory/internal/engines"
	"github.com/autopilot-io/signal-factory/internal/evidence"
	"github.com/autopilot-io/signal-factory/internal/graph"
	"github.com/autopilot-io/signal-factory/internal/incident"
	"github.com/autopilot-io/signal-factory/internal/replay"
	"github.com/autopilot-io/signal-factory/internal/statestore"
)

// #region main

func main() {
	fixturePath := pflag.String("fixture", "", "path to fixture JSON")
	dbPath := pflag.String("db", "", "replay into a persistent knowledge plane (default: in-memory)")
	checkIdempotent := pflag.Bool("check-idempotent", false, "replay twice and verify the knowledge plane absorbed the duplicate")
	horizon := pflag.Duration("join-horizon", 30*time.Minute, "incident correlation join horizon")
	pflag.Parse()

	if *fixturePath == "" {
		fmt.Fprintln(os.Stderr, "usage: replay --fixture path/to/fixture.json [--db path] [--check-idempotent]")
		os.Exit(2)
	}

	fixture, err := replay.LoadFixture(*fixturePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load fixture: %v\n", err)
		os.Exit(2)
	}

	deps, cleanup, err := openDeps(*dbPath, *horizon)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open knowledge plane: %v\n", err)
		os.Exit(2)
	}
	defer cleanup()

	summary, err := replay.Replay(fixture, engineSet(), deps)
	if err != nil {
		fmt.Fprintf(os.Stderr, "replay: %v\n", err)
		os.Exit(2)
	}

	printSummary(fixture.Description, summary)

	exitCode := 0
	if mismatches := replay.Verify(fixture, summary); len(mismatches) > 0 {
		printMismatches("expected outcome", mismatches)
		exitCode = 1
	}

	if *checkIdempotent {
		mismatches, err := replay.VerifyIdempotent(fixture, engineSet(), deps, summary)
		if err != nil {
			fmt.Fprintf(os.Stderr, "idempotence replay: %v\n", err)
			os.Exit(2)
		}
		if len(mismatches) > 0 {
			printMismatches("idempotence", mismatches)
			exitCode = 1
		} else {
			fmt.Println("\nIdempotence: OK (second replay wrote no new graph rows)")
		}
	}
	os.Exit(exitCode)
}

// #endregion main

// #region wiring

// engineSet returns fresh engine instances. Each replay pass needs
// its own: engine window state is not part of the knowledge plane.
func engineSet() []engines.Engine {
	return []engines.Engine{
		engines.NewFreshness(nil, 0),
		engines.NewVolume(3),
		engines.NewContract(),
		engines.NewDrift(),
		engines.NewDQ(),
	}
}

func openDeps(dbPath string, horizon time.Duration) (replay.Deps, func(), error) {
	if dbPath == "" {
		dbPath = ":memory:"
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return replay.Deps{}, nil, fmt.Errorf("open db: %w", err)
	}
	store, err := statestore.Open(db)
	if err != nil {
		db.Close()
		return replay.Deps{}, nil, err
	}
	g, err := graph.Open(db)
	if err != nil {
		db.Close()
		return replay.Deps{}, nil, err
	}
	corr, err := incident.Open(db, g, horizon)
	if err != nil {
		db.Close()
		return replay.Deps{}, nil, err
	}
	deps := replay.Deps{
		Store:      store,
		Graph:      g,
		Writer:     engines.NewGraphWriter(g),
		Correlator: corr,
	}
	return deps, func() { db.Close() }, nil
}

// #endregion wiring

// #region output

func printSummary(description string, summary replay.Summary) {
	if description != "" {
		fmt.Printf("Fixture: %s\n\n", description)
	}
	fmt.Printf("Events:   %d\n", summary.Events)
	fmt.Printf("Windows:  %d\n", summary.Windows)
	fmt.Printf("Breaches: %d\n", summary.Breaches)
	fmt.Printf("Graph:    %d nodes, %d edges\n", summary.GraphNodes, summary.GraphEdges)

	if len(summary.Signals) > 0 {
		fmt.Println("\nSignals:")
		types := make([]string, 0, len(summary.Signals))
		for st := range summary.Signals {
			types = append(types, string(st))
		}
		sort.Strings(types)
		for _, st := range types {
			fmt.Printf("  %-28s %d\n", st, summary.Signals[evidence.SignalType(st)])
		}
	}
}

func printMismatches(what string, mismatches []replay.Mismatch) {
	fmt.Printf("\nDivergence from %s:\n", what)
	for _, m := range mismatches {
		fmt.Printf("  %-28s want=%d got=%d\n", m.Field, m.Want, m.Got)
	}
}

// #endregion output

package main

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
	_ "modernc.org/sqlite"

	"github.com/autopilot-io/signal-factory/internal/evidence"
	"github.com/autopilot-io/signal-factory/internal/graph"
	"github.com/autopilot-io/signal-factory/internal/incident"
	"github.com/autopilot-io/signal-factory/internal/statestore"
)

// #region main

func main() {
	dbPath := pflag.String("db", "", "path to signal_factory.db")
	asset := pflag.String("asset", "", "show current signal rows for one asset")
	breaches := pflag.Bool("breaches", false, "show all open breaches")
	incidents := pflag.Bool("incidents", false, "show open incidents")
	walk := pflag.String("walk", "", "traverse the causal graph from a node key")
	depth := pflag.Int("depth", 4, "max traversal depth for --walk")
	jsonOut := pflag.Bool("json", false, "output as JSON instead of table")
	pflag.Parse()

	if *dbPath == "" {
		fmt.Fprintln(os.Stderr, "usage: inspect --db path/to/signal_factory.db [--asset urn | --breaches | --incidents | --walk key]")
		os.Exit(2)
	}

	db, err := sql.Open("sqlite", *dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open db: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	switch {
	case *asset != "":
		err = showAsset(db, *asset, *jsonOut)
	case *breaches:
		err = showBreaches(db, *jsonOut)
	case *incidents:
		err = showIncidents(db, *jsonOut)
	case *walk != "":
		err = showWalk(db, *walk, *depth, *jsonOut)
	default:
		err = showBreaches(db, *jsonOut)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// #endregion main

// #region state-views

func showAsset(db *sql.DB, urn string, jsonOut bool) error {
	store, err := statestore.Open(db)
	if err != nil {
		return err
	}
	signals, err := store.ListByAsset(urn)
	if err != nil {
		return err
	}
	if len(signals) == 0 {
		fmt.Fprintln(os.Stderr, "no signal rows for asset")
		return nil
	}
	if jsonOut {
		return printJSON(signals)
	}
	printSignalTable(signals)
	return nil
}

func showBreaches(db *sql.DB, jsonOut bool) error {
	store, err := statestore.Open(db)
	if err != nil {
		return err
	}
	signals, err := store.OpenBreaches()
	if err != nil {
		return err
	}
	if len(signals) == 0 {
		fmt.Println("no open breaches")
		return nil
	}
	if jsonOut {
		return printJSON(signals)
	}
	printSignalTable(signals)
	return nil
}

func printSignalTable(signals []evidence.Signal) {
	fmt.Printf("%-40s  %-28s  %-8s  %-8s  %10s  %s\n",
		"Asset", "Signal", "Severity", "Breached", "Value", "Window End")
	for _, sig := range signals {
		fmt.Printf("%-40s  %-28s  %-8s  %-8t  %10.3f  %s\n",
			sig.AssetURN, sig.SignalType, sig.Severity, sig.Breached, sig.Value,
			sig.WindowEnd.Format(time.RFC3339))
	}
}

// #endregion state-views

// #region incident-view

func showIncidents(db *sql.DB, jsonOut bool) error {
	corr, err := incident.Open(db, nil, 0)
	if err != nil {
		return err
	}
	open, err := corr.OpenIncidents()
	if err != nil {
		return err
	}
	if len(open) == 0 {
		fmt.Println("no open incidents")
		return nil
	}
	if jsonOut {
		return printJSON(open)
	}
	fmt.Printf("%-36s  %-40s  %-8s  %s\n", "Incident", "Asset", "Severity", "Opened")
	for _, inc := range open {
		fmt.Printf("%-36s  %-40s  %-8s  %s\n",
			inc.IncidentID, inc.AssetURN, inc.Severity, inc.OpenedAt.Format(time.RFC3339))
	}
	return nil
}

// #endregion incident-view

// #region graph-view

func showWalk(db *sql.DB, entry string, depth int, jsonOut bool) error {
	g, err := graph.Open(db)
	if err != nil {
		return err
	}
	result, err := g.Walk(entry, depth, 50)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(result)
	}
	for i, key := range result.Keys {
		node, err := g.GetNode(key)
		kind := "?"
		if err == nil {
			kind = string(node.Kind)
		}
		fmt.Printf("%*s%s (%s)\n", result.Depth[i]*2, "", key, kind)
	}
	return nil
}

// #endregion graph-view

// #region output

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

// #endregion output

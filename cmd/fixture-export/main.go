package main

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/pflag"
	_ "modernc.org/sqlite"

	"github.com/autopilot-io/signal-factory/internal/bus"
	"github.com/autopilot-io/signal-factory/internal/registry"
	"github.com/autopilot-io/signal-factory/internal/replay"
)

// fixture-export captures live evidence from a factory database into
// a replay fixture, so a production incident can be replayed and
// bisected offline.

// #region main

func main() {
	dbPath := pflag.String("db", "", "path to signal_factory.db")
	registryPath := pflag.String("registry", "", "registry file to embed policies from")
	partitions := pflag.Int("partitions", 4, "partition count of the source bus")
	limit := pflag.Int("limit", 1000, "max records per partition")
	window := pflag.Duration("window", 5*time.Minute, "window cadence to embed in the fixture")
	description := pflag.String("description", "", "fixture description")
	out := pflag.String("out", "", "output path (default: stdout)")
	pflag.Parse()

	if *dbPath == "" {
		fmt.Fprintln(os.Stderr, "usage: fixture-export --db path [--registry path] [--out fixture.json]")
		os.Exit(2)
	}

	db, err := sql.Open("sqlite", *dbPath)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	evidenceBus, err := bus.Open(db, *partitions)
	if err != nil {
		log.Fatalf("open bus: %v", err)
	}

	fixture := replay.Fixture{
		Description: *description,
		WindowEvery: replay.Duration(*window),
	}

	if *registryPath != "" {
		reg, err := registry.Load(*registryPath)
		if err != nil {
			log.Fatalf("load registry: %v", err)
		}
		for _, policy := range reg.Current().Policies() {
			fixture.Policies = append(fixture.Policies, toFixturePolicy(policy))
		}
	}

	for p := 0; p < *partitions; p++ {
		records, err := evidenceBus.ReadFrom(p, 0, *limit)
		if err != nil {
			log.Fatalf("read partition %d: %v", p, err)
		}
		for _, rec := range records {
			fixture.Events = append(fixture.Events, rec.Evidence)
		}
	}
	if len(fixture.Events) == 0 {
		log.Fatal("no evidence in the hot log; nothing to export")
	}

	data, err := json.MarshalIndent(&fixture, "", "  ")
	if err != nil {
		log.Fatalf("marshal fixture: %v", err)
	}
	if *out == "" {
		fmt.Println(string(data))
		return
	}
	if err := os.WriteFile(*out, data, 0o644); err != nil {
		log.Fatalf("write %s: %v", *out, err)
	}
	fmt.Printf("exported %d events to %s\n", len(fixture.Events), *out)
}

// #endregion main

// #region convert

func toFixturePolicy(p registry.DatasetPolicy) replay.FixturePolicy {
	return replay.FixturePolicy{
		URN:           p.URN,
		Topic:         p.Topic,
		Tier:          int(p.Tier),
		Producer:      p.Producer,
		FreshnessSLO:  replay.Duration(p.FreshnessSLO.Std()),
		MinPerWindow:  p.Volume.MinPerWindow,
		SigmaLimit:    p.Volume.SigmaThreshold,
		MaxBreachRate: p.Quality.MaxBreachRate,
	}
}

// #endregion convert

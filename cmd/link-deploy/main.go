package main

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/spf13/pflag"
	_ "modernc.org/sqlite"

	"github.com/autopilot-io/signal-factory/internal/engines"
	"github.com/autopilot-io/signal-factory/internal/graph"
)

// link-deploy records deployment provenance in the causal graph:
// which deployment introduced which failure signatures. Deployment
// events arrive from CI out of band, so this is a standalone write
// tool rather than part of the factory daemon.

// #region main

func main() {
	dbPath := pflag.String("db", "", "path to signal_factory.db")
	deployID := pflag.String("deploy", "", "deployment identifier")
	signatures := pflag.StringSlice("signature", nil, "failure signature hash (repeatable)")
	service := pflag.String("service", "", "deployed service name")
	commit := pflag.String("commit", "", "deployed commit hash")
	pflag.Parse()

	if *dbPath == "" || *deployID == "" || len(*signatures) == 0 {
		fmt.Fprintln(os.Stderr, "usage: link-deploy --db path --deploy id --signature hash [--signature hash ...] [--service name] [--commit sha]")
		os.Exit(2)
	}

	db, err := sql.Open("sqlite", *dbPath)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	g, err := graph.Open(db)
	if err != nil {
		log.Fatalf("open graph: %v", err)
	}
	writer := engines.NewGraphWriter(g)

	props := ""
	if *service != "" || *commit != "" {
		raw, err := json.Marshal(map[string]string{"service": *service, "commit": *commit})
		if err != nil {
			log.Fatalf("marshal props: %v", err)
		}
		props = string(raw)
	}

	for _, sig := range *signatures {
		if err := writer.LinkDeployment(*deployID, sig, props); err != nil {
			log.Fatalf("link %s: %v", sig, err)
		}
		fmt.Printf("linked deployment %s -> signature %s\n", *deployID, sig)
	}
}

// #endregion main

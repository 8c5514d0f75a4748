package main

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"hash/fnv"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	_ "modernc.org/sqlite"

	"github.com/autopilot-io/signal-factory/internal/bus"
	"github.com/autopilot-io/signal-factory/internal/enforcer"
	"github.com/autopilot-io/signal-factory/internal/engines"
	"github.com/autopilot-io/signal-factory/internal/evidence"
	"github.com/autopilot-io/signal-factory/internal/gateeval"
	"github.com/autopilot-io/signal-factory/internal/graph"
	"github.com/autopilot-io/signal-factory/internal/incident"
	"github.com/autopilot-io/signal-factory/internal/registry"
	"github.com/autopilot-io/signal-factory/internal/statestore"
)

// rawInput is the JSON-lines shape of raw events on stdin.
type rawInput struct {
	Topic     string            `json:"topic"`
	Offset    int64             `json:"offset"`
	Timestamp time.Time         `json:"timestamp"`
	Headers   map[string]string `json:"headers"`
	Payload   json.RawMessage   `json:"payload"`
}

// #region main

func main() {
	configPath := pflag.String("config", "factory.yaml", "factory configuration file")
	registryPath := pflag.String("registry", "registry.yaml", "dataset policy registry file")
	pflag.Parse()

	cfg, err := registry.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	reg, err := registry.Load(*registryPath)
	if err != nil {
		log.Fatalf("load registry: %v", err)
	}
	handle := registry.NewHandle(reg, registry.DefaultHandleConfig())

	db, err := sql.Open("sqlite", cfg.DBPath)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	evidenceBus, err := bus.Open(db, cfg.Partitions)
	if err != nil {
		log.Fatalf("open bus: %v", err)
	}
	store, err := statestore.Open(db)
	if err != nil {
		log.Fatalf("open state store: %v", err)
	}
	causal, err := graph.Open(db)
	if err != nil {
		log.Fatalf("open graph: %v", err)
	}
	correlator, err := incident.Open(db, causal, cfg.JoinHorizon.Std())
	if err != nil {
		log.Fatalf("open correlator: %v", err)
	}
	checkpoints, err := engines.NewCheckpointStore(cfg.CheckpointDir)
	if err != nil {
		log.Fatalf("open checkpoints: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Enforcer fleet: one worker per partition, fed from stdin.
	pipeline := enforcer.NewPipeline(handle)
	inputs := make([]chan evidence.RawEvent, cfg.Partitions)
	workers := make([]*enforcer.Worker, cfg.Partitions)
	for p := 0; p < cfg.Partitions; p++ {
		inputs[p] = make(chan evidence.RawEvent, 256)
		workers[p] = enforcer.NewWorker(p, pipeline, evidenceBus)
		go workers[p].Run(ctx, inputs[p])
	}
	fleet := enforcer.NewFleet(workers)

	// Signal engines.
	strategy, err := engines.StrategyFor(cfg.AnomalyStrategy)
	if err != nil {
		log.Fatalf("anomaly strategy: %v", err)
	}
	engineSet := []engines.Engine{
		engines.NewFreshness(fleet, 2*cfg.EngineWindow.Std()),
		engines.NewVolume(3),
		engines.NewContract(),
		engines.NewDrift(),
		engines.NewDQ(),
		engines.NewAnomaly(strategy),
		engines.NewCost(cfg.CostWindow.Std()),
	}
	writer := engines.NewGraphWriter(causal)
	for _, eng := range engineSet {
		runner := engines.NewRunner(
			eng,
			evidenceBus.Subscribe("engine-"+eng.Name(), 512),
			evidenceBus,
			handle,
			store,
			writer,
			checkpoints,
			cfg.EngineWindow.Std(),
		)
		runner.SetObserver(correlator)
		if err := runner.Restore(); err != nil {
			log.Fatalf("restore %s: %v", eng.Name(), err)
		}
		go runner.Run(ctx)
	}

	// Evidence archival off the hot log.
	archiver := bus.NewArchiver(evidenceBus, cfg.ArchiveDir, cfg.HotRetention.Std())
	go archiver.Run(ctx.Done(), cfg.HotRetention.Std()/2)

	// Gate evaluation sweep.
	evaluator, err := gateeval.Open(db, evidenceBus, store, cfg.EvaluationWindow.Std())
	if err != nil {
		log.Fatalf("open evaluator: %v", err)
	}
	go evaluateLoop(ctx, evaluator, handle, cfg.EvaluationWindow.Std())

	log.Printf("[FACTORY] ready: db=%s partitions=%d window=%s", cfg.DBPath, cfg.Partitions, cfg.EngineWindow.Std())
	ingest(ctx, inputs)
	log.Println("[FACTORY] input closed, shutting down")
	cancel()
}

// #endregion main

// #region ingest

// ingest reads raw events as JSON lines from stdin and routes each to
// its topic's partition worker.
func ingest(ctx context.Context, inputs []chan evidence.RawEvent) {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var in rawInput
		if err := json.Unmarshal(line, &in); err != nil {
			log.Printf("[FACTORY] bad input line: %v", err)
			continue
		}
		if in.Timestamp.IsZero() {
			in.Timestamp = time.Now().UTC()
		}
		partition := partitionFor(in.Topic, len(inputs))
		raw := evidence.RawEvent{
			Topic:     in.Topic,
			Partition: partition,
			Offset:    in.Offset,
			Timestamp: in.Timestamp,
			Headers:   in.Headers,
			Payload:   in.Payload,
		}
		select {
		case inputs[partition] <- raw:
		case <-ctx.Done():
			return
		}
	}
	if err := scanner.Err(); err != nil {
		log.Printf("[FACTORY] stdin: %v", err)
	}
}

func partitionFor(topic string, partitions int) int {
	h := fnv.New32a()
	h.Write([]byte(topic))
	return int(h.Sum32()) % partitions
}

// #endregion ingest

// #region evaluate

func evaluateLoop(ctx context.Context, evaluator *gateeval.Evaluator, handle *registry.Handle, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			snap, degraded := handle.Snapshot(ctx)
			if snap == nil {
				log.Println("[GATE] registry unavailable, skipping sweep")
				continue
			}
			if degraded {
				log.Printf("[GATE] sweeping on stale registry v%d", snap.Version)
			}
			decisions, err := evaluator.EvaluateAll(snap.Policies(), now)
			if err != nil {
				log.Printf("[GATE] sweep: %v", err)
				continue
			}
			for _, dec := range decisions {
				if dec.Action != gateeval.ActionReport || dec.Degraded {
					log.Printf("[GATE] %s stage=%s action=%s degraded=%t reason=%s",
						dec.DatasetURN, dec.Stage, dec.Action, dec.Degraded, dec.Reason)
				}
			}
		}
	}
}

// #endregion evaluate

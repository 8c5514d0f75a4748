package engines

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/autopilot-io/signal-factory/internal/bus"
	"github.com/autopilot-io/signal-factory/internal/evidence"
	"github.com/autopilot-io/signal-factory/internal/graph"
	"github.com/autopilot-io/signal-factory/internal/registry"
	"github.com/autopilot-io/signal-factory/internal/statestore"
)

// #region graph-writer

// GraphWriter projects breached signals into the causal graph. Node
// keys are identity-stable (URNs, signature hashes, window keys), so
// the same signal replayed writes the same rows.
type GraphWriter struct {
	graph *graph.Store
}

// NewGraphWriter creates a writer over the graph store.
func NewGraphWriter(g *graph.Store) *GraphWriter {
	return &GraphWriter{graph: g}
}

// Record writes the graph projection of one signal: the Signal node,
// its Dataset, the owning Producer, and for contract breaches the
// FailureSignature nodes with CAUSED edges.
func (w *GraphWriter) Record(sig evidence.Signal, policies PolicyView) error {
	if !sig.Breached {
		return nil
	}

	props, err := json.Marshal(map[string]any{
		"signal_type": sig.SignalType,
		"severity":    sig.Severity,
		"value":       sig.Value,
	})
	if err != nil {
		return fmt.Errorf("marshal signal props: %w", err)
	}
	if err := w.graph.UpsertNode(graph.NodeSignal, sig.GraphKey(), string(props)); err != nil {
		return err
	}
	if err := w.graph.UpsertNode(graph.NodeDataset, sig.AssetURN, ""); err != nil {
		return err
	}

	if policy, ok := policies.PolicyFor(sig.AssetURN); ok && policy.Producer != "" {
		producerKey := "urn:autopilot:producer:" + policy.Producer
		if err := w.graph.UpsertNode(graph.NodeProducer, producerKey, ""); err != nil {
			return err
		}
		if err := w.graph.UpsertEdge(producerKey, sig.AssetURN, graph.EdgeOwns); err != nil {
			return err
		}
	}

	// Contract breach refs are failure signatures, not evidence ids.
	if sig.SignalType == evidence.SignalContractBreach {
		for _, signature := range sig.EvidenceRefs {
			sigKey := "sig:" + signature
			if err := w.graph.UpsertNode(graph.NodeFailureSignature, sigKey, ""); err != nil {
				return err
			}
			if err := w.graph.UpsertEdge(sigKey, sig.GraphKey(), graph.EdgeCaused); err != nil {
				return err
			}
		}
	}
	return nil
}

// LinkDeployment asserts that a deployment introduced a failure
// signature. Deployment events arrive out of band (CI webhooks, change
// feeds), so this is a standalone write surface rather than part of
// the signal projection.
func (w *GraphWriter) LinkDeployment(deploymentID, signature, propsJSON string) error {
	deployKey := "urn:autopilot:deployment:" + deploymentID
	if err := w.graph.UpsertNode(graph.NodeDeployment, deployKey, propsJSON); err != nil {
		return err
	}
	sigKey := "sig:" + signature
	if err := w.graph.UpsertNode(graph.NodeFailureSignature, sigKey, ""); err != nil {
		return err
	}
	return w.graph.UpsertEdge(deployKey, sigKey, graph.EdgeIntroduced)
}

// #endregion graph-writer

// #region runner

// SignalObserver receives every signal a runner emits, after the
// knowledge plane writes. The incident correlator hangs off this.
type SignalObserver interface {
	Observe(sig evidence.Signal, now time.Time) error
}

// Runner drives one engine: evidence in from a bus subscription,
// window closes on a ticker, signals out to the state store and graph.
// Offsets and the engine checkpoint commit together at the window
// boundary, so after a crash the engine replays exactly the records of
// the open window against state from the last closed one.
type Runner struct {
	engine      Engine
	sub         *bus.Subscription
	bus         *bus.Bus
	handle      *registry.Handle
	store       *statestore.Store
	writer      *GraphWriter
	checkpoints *CheckpointStore
	interval    time.Duration
	observer    SignalObserver

	pending map[int]int64 // partition -> highest contiguously consumed offset, -1 when none
}

// NewRunner wires an engine into the factory.
func NewRunner(engine Engine, sub *bus.Subscription, b *bus.Bus, handle *registry.Handle, store *statestore.Store, writer *GraphWriter, checkpoints *CheckpointStore, interval time.Duration) *Runner {
	pending := make(map[int]int64, b.Partitions())
	for p := 0; p < b.Partitions(); p++ {
		pending[p] = -1
	}
	return &Runner{
		engine:      engine,
		sub:         sub,
		bus:         b,
		handle:      handle,
		store:       store,
		writer:      writer,
		checkpoints: checkpoints,
		interval:    interval,
		pending:     pending,
	}
}

// SetObserver attaches a signal observer. Must be called before Run.
func (r *Runner) SetObserver(obs SignalObserver) {
	r.observer = obs
}

// Restore loads the engine's checkpoint and replays evidence appended
// after it from the bus, rebuilding the open window.
func (r *Runner) Restore() error {
	err := r.engine.RestoreState(func(into any) error {
		return r.checkpoints.Load(r.engine.Name(), into)
	})
	if err == ErrNoCheckpoint {
		log.Printf("[ENGINE] %s: no checkpoint, starting cold", r.engine.Name())
	} else if err != nil {
		return fmt.Errorf("restore %s: %w", r.engine.Name(), err)
	}

	group := r.groupName()
	for partition := 0; partition < r.bus.Partitions(); partition++ {
		committed, err := r.bus.Committed(group, partition)
		if err != nil {
			return fmt.Errorf("restore %s offsets: %w", r.engine.Name(), err)
		}
		r.pending[partition] = committed
		for {
			records, err := r.bus.ReadFrom(partition, committed+1, 256)
			if err != nil {
				return fmt.Errorf("restore %s replay: %w", r.engine.Name(), err)
			}
			if len(records) == 0 {
				break
			}
			for _, rec := range records {
				r.engine.Consume(rec.Evidence)
				r.pending[rec.Partition] = rec.Offset
				committed = rec.Offset
			}
		}
	}
	return nil
}

// Run consumes evidence and closes windows until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-r.sub.C:
			if !ok {
				return
			}
			r.consume(rec)
		case now := <-ticker.C:
			r.closeWindow(ctx, now)
		}
	}
}

// consume applies one live record in strict offset order. Fan-out may
// have dropped earlier offsets on a full buffer; those records are
// still durable, so any gap is backfilled from the log before this
// record is applied. Offsets at or below the consumed position were
// already seen, either live or during restore replay, and are skipped
// so redelivery never double-counts a window.
func (r *Runner) consume(rec bus.Record) {
	last := r.pending[rec.Partition]
	if rec.Offset <= last {
		return
	}
	for rec.Offset > last+1 {
		missed, err := r.bus.ReadFrom(rec.Partition, last+1, 256)
		if err != nil {
			// Leave the position behind the gap: the next delivery or
			// restart re-reads everything from last+1.
			log.Printf("[ENGINE] %s: backfill p%d from %d: %v", r.engine.Name(), rec.Partition, last+1, err)
			return
		}
		if len(missed) == 0 || missed[0].Offset >= rec.Offset {
			break
		}
		for _, m := range missed {
			if m.Offset >= rec.Offset {
				break
			}
			r.engine.Consume(m.Evidence)
			last = m.Offset
		}
		r.pending[rec.Partition] = last
	}
	r.engine.Consume(rec.Evidence)
	r.pending[rec.Partition] = rec.Offset
}

func (r *Runner) closeWindow(ctx context.Context, now time.Time) {
	snap, degraded := r.handle.Snapshot(ctx)
	if snap == nil {
		log.Printf("[ENGINE] %s: registry unavailable with no cached snapshot, skipping window close", r.engine.Name())
		return
	}
	if degraded {
		log.Printf("[ENGINE] %s: registry degraded, closing window on stale snapshot v%d", r.engine.Name(), snap.Version)
	}

	signals := r.engine.CloseWindow(now, snap)
	for _, sig := range signals {
		if err := r.store.Upsert(sig); err != nil {
			log.Printf("[ENGINE] %s: state upsert %s/%s: %v", r.engine.Name(), sig.AssetURN, sig.SignalType, err)
			continue
		}
		if r.writer != nil {
			if err := r.writer.Record(sig, snap); err != nil {
				log.Printf("[ENGINE] %s: graph write %s: %v", r.engine.Name(), sig.GraphKey(), err)
			}
		}
		if r.observer != nil {
			if err := r.observer.Observe(sig, now); err != nil {
				log.Printf("[ENGINE] %s: observe %s: %v", r.engine.Name(), sig.GraphKey(), err)
			}
		}
	}

	group := r.groupName()
	for partition, offset := range r.pending {
		if offset < 0 {
			continue
		}
		if err := r.bus.Commit(group, partition, offset); err != nil {
			log.Printf("[ENGINE] %s: commit p%d@%d: %v", r.engine.Name(), partition, offset, err)
		}
	}
	if err := r.checkpoints.Save(r.engine.Name(), r.engine.SnapshotState()); err != nil {
		log.Printf("[ENGINE] %s: checkpoint: %v", r.engine.Name(), err)
	}
}

func (r *Runner) groupName() string {
	return "engine-" + r.engine.Name()
}

// #endregion runner

package enforcer

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"github.com/autopilot-io/signal-factory/internal/evidence"
)

// #region appender

// Appender abstracts the Evidence Bus write side so workers can be
// tested without a real bus.
type Appender interface {
	Append(ev evidence.Evidence) error
}

// #endregion appender

// #region worker

// Worker consumes one input partition and emits exactly one Evidence
// record per raw record. Workers are stateless and restartable
// without coordination; ordering is scoped to the partition.
type Worker struct {
	partition int
	pipeline  *Pipeline
	sink      Appender

	lagNanos      atomic.Int64
	lastProcessed atomic.Int64 // unix nanos
}

// NewWorker creates a worker for one partition.
func NewWorker(partition int, pipeline *Pipeline, sink Appender) *Worker {
	return &Worker{partition: partition, pipeline: pipeline, sink: sink}
}

// Run processes records until the input closes or the context is
// cancelled. Per-record problems are recorded in the evidence itself;
// an append failure is logged and the loop continues. Nothing a
// single record does can halt the consumer.
func (w *Worker) Run(ctx context.Context, in <-chan evidence.RawEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-in:
			if !ok {
				return
			}
			ev := w.pipeline.Process(ctx, raw)
			if err := w.sink.Append(ev); err != nil {
				log.Printf("[ENFORCER] partition %d: append %s: %v", w.partition, ev.EvidenceID, err)
			}
			now := time.Now()
			if !raw.Timestamp.IsZero() {
				w.lagNanos.Store(int64(now.Sub(raw.Timestamp)))
			}
			w.lastProcessed.Store(now.UnixNano())
		}
	}
}

// IngestLag returns the raw-ingest lag of the most recent record.
func (w *Worker) IngestLag() time.Duration {
	return time.Duration(w.lagNanos.Load())
}

// LastProcessed returns when the worker last emitted evidence.
// Zero time if it never has.
func (w *Worker) LastProcessed() time.Time {
	n := w.lastProcessed.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// #endregion worker

// #region fleet

// Fleet aggregates per-partition workers. The freshness engine reads
// its worst ingest lag to tell "no traffic" apart from "the factory
// itself is backed up".
type Fleet struct {
	workers []*Worker
}

// NewFleet groups the given workers.
func NewFleet(workers []*Worker) *Fleet {
	return &Fleet{workers: workers}
}

// MaxIngestLag returns the worst current raw-ingest lag.
func (f *Fleet) MaxIngestLag() time.Duration {
	var max time.Duration
	for _, w := range f.workers {
		if lag := w.IngestLag(); lag > max {
			max = lag
		}
	}
	return max
}

// #endregion fleet

package engines

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/autopilot-io/signal-factory/internal/bus"
	"github.com/autopilot-io/signal-factory/internal/evidence"
)

// #region fixtures

// recordingEngine captures consumed evidence ids in arrival order.
type recordingEngine struct {
	seen []string
}

func (e *recordingEngine) Name() string { return "recorder" }

func (e *recordingEngine) Consume(ev evidence.Evidence) {
	e.seen = append(e.seen, ev.EvidenceID)
}

func (e *recordingEngine) CloseWindow(now time.Time, policies PolicyView) []evidence.Signal {
	return nil
}

func (e *recordingEngine) SnapshotState() any { return &struct{}{} }

func (e *recordingEngine) RestoreState(decode func(into any) error) error {
	return decode(&struct{}{})
}

func tempBus(t *testing.T) *bus.Bus {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "bus.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	b, err := bus.Open(db, 1)
	if err != nil {
		t.Fatalf("open bus: %v", err)
	}
	return b
}

func testRunner(t *testing.T, b *bus.Bus, sub *bus.Subscription) (*Runner, *recordingEngine) {
	t.Helper()
	eng := &recordingEngine{}
	checkpoints, err := NewCheckpointStore(t.TempDir())
	if err != nil {
		t.Fatalf("new checkpoint store: %v", err)
	}
	return NewRunner(eng, sub, b, nil, nil, nil, checkpoints, time.Minute), eng
}

// #endregion fixtures

// #region tests

func TestRunnerBackfillsOffsetsDroppedByFanout(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b := tempBus(t)

	// Buffer of one: a burst overflows the channel and only the first
	// record is delivered live. All three are durable.
	sub := b.Subscribe("engine-recorder", 1)
	for i, id := range []string{"e0", "e1", "e2"} {
		if err := b.Append(passEvidence(id, base.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatalf("append %s: %v", id, err)
		}
	}

	r, eng := testRunner(t, b, sub)
	r.consume(<-sub.C)
	if len(eng.seen) != 1 || eng.seen[0] != "e0" {
		t.Fatalf("first delivery: %v", eng.seen)
	}

	// The next live delivery arrives past the gap; the runner must
	// recover e1 from the log before applying e2.
	later := passEvidence("e3", base.Add(3*time.Second))
	if err := b.Append(later); err != nil {
		t.Fatalf("append e3: %v", err)
	}
	r.consume(bus.Record{Partition: 0, Offset: 3, Evidence: later})

	want := []string{"e0", "e1", "e2", "e3"}
	if len(eng.seen) != len(want) {
		t.Fatalf("consumed %v, want %v", eng.seen, want)
	}
	for i, id := range want {
		if eng.seen[i] != id {
			t.Fatalf("consumed %v, want %v", eng.seen, want)
		}
	}
	if r.pending[0] != 3 {
		t.Fatalf("position = %d, want 3", r.pending[0])
	}
}

func TestRunnerCommitNeverSkipsUnconsumedOffsets(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b := tempBus(t)
	sub := b.Subscribe("engine-recorder", 1)

	for i, id := range []string{"e0", "e1", "e2"} {
		if err := b.Append(passEvidence(id, base.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatalf("append %s: %v", id, err)
		}
	}

	r, eng := testRunner(t, b, sub)
	r.consume(<-sub.C)

	// Only offset 0 was consumed, so only offset 0 may be committed;
	// a restart must still replay e1 and e2.
	if err := b.Commit(r.groupName(), 0, r.pending[0]); err != nil {
		t.Fatalf("commit: %v", err)
	}
	committed, err := b.Committed(r.groupName(), 0)
	if err != nil {
		t.Fatalf("committed: %v", err)
	}
	if committed != 0 {
		t.Fatalf("committed = %d, want 0", committed)
	}

	sub2 := b.Subscribe("engine-recorder", 4)
	checkpoints2, err := NewCheckpointStore(t.TempDir())
	if err != nil {
		t.Fatalf("new checkpoint store: %v", err)
	}
	r2 := NewRunner(eng, sub2, b, nil, nil, nil, checkpoints2, time.Minute)
	if err := r2.Restore(); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if len(eng.seen) != 3 {
		t.Fatalf("restart replay consumed %v, want e0 e1 e2", eng.seen)
	}
}

func TestRunnerSkipsRecordsAlreadyReplayed(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b := tempBus(t)

	// Records appended between Subscribe and Restore arrive twice:
	// once from the durable replay, once from the live channel.
	sub := b.Subscribe("engine-recorder", 4)
	if err := b.Append(passEvidence("e0", base)); err != nil {
		t.Fatalf("append e0: %v", err)
	}
	if err := b.Append(passEvidence("e1", base.Add(time.Second))); err != nil {
		t.Fatalf("append e1: %v", err)
	}

	r, eng := testRunner(t, b, sub)
	if err := r.Restore(); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if len(eng.seen) != 2 {
		t.Fatalf("replay consumed %v", eng.seen)
	}

	r.consume(<-sub.C)
	r.consume(<-sub.C)
	if len(eng.seen) != 2 {
		t.Fatalf("live redelivery double-counted: %v", eng.seen)
	}

	// A genuinely new record still flows through.
	fresh := passEvidence("e2", base.Add(2*time.Second))
	if err := b.Append(fresh); err != nil {
		t.Fatalf("append e2: %v", err)
	}
	r.consume(<-sub.C)
	if len(eng.seen) != 3 || eng.seen[2] != "e2" {
		t.Fatalf("consumed %v, want e0 e1 e2", eng.seen)
	}
}

// #endregion tests

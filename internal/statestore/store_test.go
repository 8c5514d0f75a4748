package statestore

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/autopilot-io/signal-factory/internal/evidence"
)

func tempStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	s, err := Open(db)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func breachSignal(urn string, windowEnd time.Time) evidence.Signal {
	return evidence.Signal{
		SignalType:   evidence.SignalFreshnessBreach,
		AssetURN:     urn,
		WindowStart:  windowEnd.Add(-time.Hour),
		WindowEnd:    windowEnd,
		Severity:     evidence.SeverityCritical,
		EvidenceRefs: []string{"e1", "e2"},
		DetectedAt:   windowEnd,
		Breached:     true,
		Value:        22.5,
	}
}

func TestUpsertAndGet(t *testing.T) {
	s := tempStore(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sig := breachSignal("urn:autopilot:dataset:orders", now)

	if err := s.Upsert(sig); err != nil {
		t.Fatal(err)
	}
	got, err := s.Get(sig.AssetURN, sig.SignalType)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Breached || got.Value != 22.5 || !got.WindowEnd.Equal(now) {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if len(got.EvidenceRefs) != 2 {
		t.Fatalf("evidence refs = %v", got.EvidenceRefs)
	}
}

func TestGetMissingIsErrNotFound(t *testing.T) {
	s := tempStore(t)
	if _, err := s.Get("urn:autopilot:dataset:none", evidence.SignalFreshnessBreach); err != ErrNotFound {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestNewerWindowSupersedes(t *testing.T) {
	s := tempStore(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	urn := "urn:autopilot:dataset:orders"

	if err := s.Upsert(breachSignal(urn, now)); err != nil {
		t.Fatal(err)
	}

	healthy := breachSignal(urn, now.Add(time.Hour))
	healthy.Breached = false
	healthy.Severity = evidence.SeverityInfo
	healthy.Value = 3
	if err := s.Upsert(healthy); err != nil {
		t.Fatal(err)
	}

	got, err := s.Get(urn, evidence.SignalFreshnessBreach)
	if err != nil {
		t.Fatal(err)
	}
	if got.Breached {
		t.Fatal("newer healthy window did not supersede the breach row")
	}
}

func TestStaleWindowNeverOverwrites(t *testing.T) {
	s := tempStore(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	urn := "urn:autopilot:dataset:orders"

	current := breachSignal(urn, now)
	if err := s.Upsert(current); err != nil {
		t.Fatal(err)
	}

	// A replayed signal from an hour earlier must lose.
	stale := breachSignal(urn, now.Add(-time.Hour))
	stale.Breached = false
	stale.Value = 1
	if err := s.Upsert(stale); err != nil {
		t.Fatal(err)
	}

	got, err := s.Get(urn, evidence.SignalFreshnessBreach)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Breached || got.Value != 22.5 {
		t.Fatalf("stale window overwrote current row: %+v", got)
	}
}

func TestUpsertIdempotentOnReplay(t *testing.T) {
	s := tempStore(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sig := breachSignal("urn:autopilot:dataset:orders", now)

	for i := 0; i < 3; i++ {
		if err := s.Upsert(sig); err != nil {
			t.Fatal(err)
		}
	}

	rows, err := s.ListByAsset(sig.AssetURN)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("replay produced %d rows, want 1", len(rows))
	}
}

func TestOpenBreachesAndHealthy(t *testing.T) {
	s := tempStore(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	orders := "urn:autopilot:dataset:orders"
	users := "urn:autopilot:dataset:users"

	if err := s.Upsert(breachSignal(orders, now)); err != nil {
		t.Fatal(err)
	}
	ok := breachSignal(users, now)
	ok.Breached = false
	if err := s.Upsert(ok); err != nil {
		t.Fatal(err)
	}

	breaches, err := s.OpenBreaches()
	if err != nil {
		t.Fatal(err)
	}
	if len(breaches) != 1 || breaches[0].AssetURN != orders {
		t.Fatalf("open breaches = %+v", breaches)
	}

	healthy, err := s.Healthy(users)
	if err != nil {
		t.Fatal(err)
	}
	if !healthy {
		t.Fatal("users should be healthy")
	}
	healthy, err = s.Healthy(orders)
	if err != nil {
		t.Fatal(err)
	}
	if healthy {
		t.Fatal("orders has an open breach")
	}
}

func TestSubSecondWindowNeverInverts(t *testing.T) {
	s := tempStore(t)
	urn := "urn:autopilot:dataset:orders"
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	newer := breachSignal(urn, base.Add(500*time.Millisecond))
	if err := s.Upsert(newer); err != nil {
		t.Fatal(err)
	}

	// A replayed whole-second row sits half a second behind; the
	// window guard compares text, so the width must not decide it.
	stale := breachSignal(urn, base)
	stale.Breached = false
	if err := s.Upsert(stale); err != nil {
		t.Fatal(err)
	}

	got, err := s.Get(urn, evidence.SignalFreshnessBreach)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Breached || !got.WindowEnd.Equal(newer.WindowEnd) {
		t.Fatalf("stale whole-second row overwrote sub-second one: %+v", got)
	}

	fresher := breachSignal(urn, base.Add(750*time.Millisecond))
	fresher.Breached = false
	if err := s.Upsert(fresher); err != nil {
		t.Fatal(err)
	}
	got, err = s.Get(urn, evidence.SignalFreshnessBreach)
	if err != nil {
		t.Fatal(err)
	}
	if got.Breached || !got.WindowEnd.Equal(fresher.WindowEnd) {
		t.Fatalf("newer sub-second row did not supersede: %+v", got)
	}
}

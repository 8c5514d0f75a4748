package statestore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/autopilot-io/signal-factory/internal/evidence"
)

// ErrNotFound is returned for point lookups on absent keys.
var ErrNotFound = errors.New("statestore: row not found")

// #region schema

const schema = `
CREATE TABLE IF NOT EXISTS signal_state (
	asset_urn    TEXT NOT NULL,
	signal_type  TEXT NOT NULL,
	window_start TEXT NOT NULL,
	window_end   TEXT NOT NULL,
	severity     TEXT NOT NULL,
	breached     INTEGER NOT NULL,
	value        REAL NOT NULL,
	evidence_refs TEXT NOT NULL,
	detected_at  TEXT NOT NULL,
	PRIMARY KEY (asset_urn, signal_type)
);
`

// #endregion schema

// #region store

// Store is the fast point-lookup half of the knowledge plane: one row
// per (asset_urn, signal_type), always the latest window's value.
// Each engine owns its own key space, so upserts are unconditional
// last-writer-wins by window end and no cross-engine locking exists.
type Store struct {
	db *sql.DB
}

// Open creates the signal_state table on the given database.
func Open(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("statestore schema: %w", err)
	}
	return &Store{db: db}, nil
}

// #endregion store

// #region upsert

// Upsert writes the signal row for its (asset, type) key. A row from
// an older window never overwrites a newer one, which makes replayed
// signals converge instead of flapping.
func (s *Store) Upsert(sig evidence.Signal) error {
	refs, err := json.Marshal(sig.EvidenceRefs)
	if err != nil {
		return fmt.Errorf("marshal evidence refs: %w", err)
	}
	breached := 0
	if sig.Breached {
		breached = 1
	}
	_, err = s.db.Exec(
		`INSERT INTO signal_state (asset_urn, signal_type, window_start, window_end, severity, breached, value, evidence_refs, detected_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(asset_urn, signal_type) DO UPDATE SET
		   window_start = excluded.window_start,
		   window_end = excluded.window_end,
		   severity = excluded.severity,
		   breached = excluded.breached,
		   value = excluded.value,
		   evidence_refs = excluded.evidence_refs,
		   detected_at = excluded.detected_at
		 WHERE excluded.window_end >= signal_state.window_end`,
		sig.AssetURN, string(sig.SignalType),
		evidence.TimeKey(sig.WindowStart),
		evidence.TimeKey(sig.WindowEnd),
		string(sig.Severity), breached, sig.Value, string(refs),
		evidence.TimeKey(sig.DetectedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert signal state: %w", err)
	}
	return nil
}

// #endregion upsert

// #region lookups

// Get returns the current signal row for a key.
func (s *Store) Get(assetURN string, signalType evidence.SignalType) (evidence.Signal, error) {
	row := s.db.QueryRow(
		`SELECT asset_urn, signal_type, window_start, window_end, severity, breached, value, evidence_refs, detected_at
		 FROM signal_state WHERE asset_urn = ? AND signal_type = ?`,
		assetURN, string(signalType),
	)
	sig, err := scanSignal(row)
	if err == sql.ErrNoRows {
		return evidence.Signal{}, ErrNotFound
	}
	if err != nil {
		return evidence.Signal{}, fmt.Errorf("get %s/%s: %w", assetURN, signalType, err)
	}
	return sig, nil
}

// ListByAsset returns all current signal rows for one asset.
func (s *Store) ListByAsset(assetURN string) ([]evidence.Signal, error) {
	rows, err := s.db.Query(
		`SELECT asset_urn, signal_type, window_start, window_end, severity, breached, value, evidence_refs, detected_at
		 FROM signal_state WHERE asset_urn = ? ORDER BY signal_type`,
		assetURN,
	)
	if err != nil {
		return nil, fmt.Errorf("list by asset: %w", err)
	}
	defer rows.Close()

	var out []evidence.Signal
	for rows.Next() {
		sig, err := scanSignal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan signal: %w", err)
		}
		out = append(out, sig)
	}
	return out, rows.Err()
}

// OpenBreaches returns every currently breached row across assets.
func (s *Store) OpenBreaches() ([]evidence.Signal, error) {
	rows, err := s.db.Query(
		`SELECT asset_urn, signal_type, window_start, window_end, severity, breached, value, evidence_refs, detected_at
		 FROM signal_state WHERE breached = 1 ORDER BY asset_urn, signal_type`,
	)
	if err != nil {
		return nil, fmt.Errorf("open breaches: %w", err)
	}
	defer rows.Close()

	var out []evidence.Signal
	for rows.Next() {
		sig, err := scanSignal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan signal: %w", err)
		}
		out = append(out, sig)
	}
	return out, rows.Err()
}

// Healthy reports whether an asset has no breached rows.
func (s *Store) Healthy(assetURN string) (bool, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM signal_state WHERE asset_urn = ? AND breached = 1`, assetURN,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("healthy check: %w", err)
	}
	return n == 0, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSignal(row rowScanner) (evidence.Signal, error) {
	var sig evidence.Signal
	var signalType, severity, windowStart, windowEnd, refs, detectedAt string
	var breached int
	err := row.Scan(&sig.AssetURN, &signalType, &windowStart, &windowEnd, &severity, &breached, &sig.Value, &refs, &detectedAt)
	if err != nil {
		return evidence.Signal{}, err
	}
	sig.SignalType = evidence.SignalType(signalType)
	sig.Severity = evidence.Severity(severity)
	sig.Breached = breached == 1
	sig.WindowStart, _ = time.Parse(time.RFC3339Nano, windowStart)
	sig.WindowEnd, _ = time.Parse(time.RFC3339Nano, windowEnd)
	sig.DetectedAt, _ = time.Parse(time.RFC3339Nano, detectedAt)
	if err := json.Unmarshal([]byte(refs), &sig.EvidenceRefs); err != nil {
		return evidence.Signal{}, fmt.Errorf("unmarshal evidence refs: %w", err)
	}
	return sig, nil
}

// #endregion lookups

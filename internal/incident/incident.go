package incident

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/autopilot-io/signal-factory/internal/evidence"
	"github.com/autopilot-io/signal-factory/internal/graph"
)

// #region schema

const schema = `
CREATE TABLE IF NOT EXISTS incidents (
	incident_id  TEXT PRIMARY KEY,
	asset_urn    TEXT NOT NULL,
	status       TEXT NOT NULL,
	severity     TEXT NOT NULL,
	window_start TEXT NOT NULL,
	window_end   TEXT NOT NULL,
	opened_at    TEXT NOT NULL,
	resolved_at  TEXT
);
CREATE INDEX IF NOT EXISTS idx_incidents_open ON incidents(asset_urn, status);

CREATE TABLE IF NOT EXISTS incident_members (
	graph_key   TEXT PRIMARY KEY,
	incident_id TEXT NOT NULL,
	asset_urn   TEXT NOT NULL,
	signal_type TEXT NOT NULL,
	severity    TEXT NOT NULL,
	healed      INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_members_incident ON incident_members(incident_id);
`

// #endregion schema

// #region types

// Status is an incident lifecycle state.
type Status string

const (
	StatusOpen     Status = "open"
	StatusResolved Status = "resolved"
)

// Incident is a correlated group of breach signals for one asset.
type Incident struct {
	IncidentID  string
	AssetURN    string
	Status      Status
	Severity    evidence.Severity
	WindowStart time.Time
	WindowEnd   time.Time
	OpenedAt    time.Time
	ResolvedAt  time.Time
}

// GraphKey returns the incident's causal graph node identity.
func (i Incident) GraphKey() string {
	return "urn:autopilot:incident:" + i.IncidentID
}

// #endregion types

// #region correlator

// Correlator groups breach signals into incidents continuously as
// they arrive. Signals for the same asset whose windows fall within
// the join horizon of an open incident join it; anything else opens a
// new one. An incident auto-resolves when every member key has been
// superseded by a healthy window.
type Correlator struct {
	db      *sql.DB
	graph   *graph.Store
	horizon time.Duration
}

// Open creates the incident tables on the given database. g may be
// nil to skip graph projection.
func Open(db *sql.DB, g *graph.Store, horizon time.Duration) (*Correlator, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("incident schema: %w", err)
	}
	return &Correlator{db: db, graph: g, horizon: horizon}, nil
}

// Observe folds one signal into the incident set. Breached signals
// open or join incidents; healthy signals heal their (asset, type)
// members and resolve incidents whose members have all healed.
// Replaying a signal is a no-op: membership is keyed by the signal's
// window identity.
func (c *Correlator) Observe(sig evidence.Signal, now time.Time) error {
	if !sig.Breached {
		return c.heal(sig, now)
	}

	// Window identity already seen: replay, nothing to do.
	var existing string
	err := c.db.QueryRow(
		`SELECT incident_id FROM incident_members WHERE graph_key = ?`, sig.GraphKey(),
	).Scan(&existing)
	if err == nil {
		return nil
	}
	if err != sql.ErrNoRows {
		return fmt.Errorf("member lookup: %w", err)
	}

	// Incident row, membership, and envelope commit together: a
	// failure mid-sequence must not leave an empty open incident.
	tx, err := c.db.Begin()
	if err != nil {
		return fmt.Errorf("begin incident tx: %w", err)
	}
	defer tx.Rollback()

	inc, err := c.openIncidentFor(tx, sig, now)
	if err != nil {
		return err
	}

	_, err = tx.Exec(
		`INSERT OR IGNORE INTO incident_members (graph_key, incident_id, asset_urn, signal_type, severity, healed)
		 VALUES (?, ?, ?, ?, ?, 0)`,
		sig.GraphKey(), inc.IncidentID, sig.AssetURN, string(sig.SignalType), string(sig.Severity),
	)
	if err != nil {
		return fmt.Errorf("add incident member: %w", err)
	}

	// Extend the incident envelope and escalate severity if needed.
	severity := inc.Severity
	if evidence.SeverityRank(sig.Severity) > evidence.SeverityRank(severity) {
		severity = sig.Severity
	}
	windowEnd := inc.WindowEnd
	if sig.WindowEnd.After(windowEnd) {
		windowEnd = sig.WindowEnd
	}
	_, err = tx.Exec(
		`UPDATE incidents SET severity = ?, window_end = ? WHERE incident_id = ?`,
		string(severity), evidence.TimeKey(windowEnd), inc.IncidentID,
	)
	if err != nil {
		return fmt.Errorf("update incident: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit incident tx: %w", err)
	}

	if c.graph != nil {
		if err := c.graph.UpsertNode(graph.NodeIncident, inc.GraphKey(), ""); err != nil {
			return err
		}
		if err := c.graph.UpsertEdge(sig.GraphKey(), inc.GraphKey(), graph.EdgeTriggered); err != nil {
			return err
		}
	}
	return nil
}

// openIncidentFor returns the open incident the signal joins, creating
// one when no open incident's envelope reaches the signal's window.
// Runs inside the caller's transaction.
func (c *Correlator) openIncidentFor(tx *sql.Tx, sig evidence.Signal, now time.Time) (Incident, error) {
	rows, err := tx.Query(
		`SELECT incident_id, asset_urn, status, severity, window_start, window_end, opened_at
		 FROM incidents WHERE asset_urn = ? AND status = ?`,
		sig.AssetURN, string(StatusOpen),
	)
	if err != nil {
		return Incident{}, fmt.Errorf("open incident lookup: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return Incident{}, err
		}
		if sig.WindowStart.Before(inc.WindowEnd.Add(c.horizon)) && sig.WindowEnd.After(inc.WindowStart.Add(-c.horizon)) {
			return inc, nil
		}
	}
	if err := rows.Err(); err != nil {
		return Incident{}, fmt.Errorf("open incident scan: %w", err)
	}

	inc := Incident{
		IncidentID:  uuid.NewString(),
		AssetURN:    sig.AssetURN,
		Status:      StatusOpen,
		Severity:    sig.Severity,
		WindowStart: sig.WindowStart,
		WindowEnd:   sig.WindowEnd,
		OpenedAt:    now,
	}
	_, err = tx.Exec(
		`INSERT INTO incidents (incident_id, asset_urn, status, severity, window_start, window_end, opened_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		inc.IncidentID, inc.AssetURN, string(inc.Status), string(inc.Severity),
		evidence.TimeKey(inc.WindowStart),
		evidence.TimeKey(inc.WindowEnd),
		evidence.TimeKey(inc.OpenedAt),
	)
	if err != nil {
		return Incident{}, fmt.Errorf("create incident: %w", err)
	}
	return inc, nil
}

// heal marks members for the signal's (asset, type) superseded and
// resolves incidents left with no unhealed members.
func (c *Correlator) heal(sig evidence.Signal, now time.Time) error {
	rows, err := c.db.Query(
		`SELECT DISTINCT m.incident_id FROM incident_members m
		 JOIN incidents i ON i.incident_id = m.incident_id
		 WHERE m.asset_urn = ? AND m.signal_type = ? AND i.status = ?`,
		sig.AssetURN, string(sig.SignalType), string(StatusOpen),
	)
	if err != nil {
		return fmt.Errorf("heal lookup: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("heal scan: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("heal rows: %w", err)
	}

	for _, id := range ids {
		_, err := c.db.Exec(
			`UPDATE incident_members SET healed = 1
			 WHERE incident_id = ? AND asset_urn = ? AND signal_type = ?`,
			id, sig.AssetURN, string(sig.SignalType),
		)
		if err != nil {
			return fmt.Errorf("heal members: %w", err)
		}

		var remaining int
		err = c.db.QueryRow(
			`SELECT COUNT(*) FROM incident_members WHERE incident_id = ? AND healed = 0`, id,
		).Scan(&remaining)
		if err != nil {
			return fmt.Errorf("heal count: %w", err)
		}
		if remaining == 0 {
			_, err = c.db.Exec(
				`UPDATE incidents SET status = ?, resolved_at = ? WHERE incident_id = ?`,
				string(StatusResolved), evidence.TimeKey(now), id,
			)
			if err != nil {
				return fmt.Errorf("resolve incident: %w", err)
			}
		}
	}
	return nil
}

// #endregion correlator

// #region lookups

// OpenIncidents returns all currently open incidents.
func (c *Correlator) OpenIncidents() ([]Incident, error) {
	rows, err := c.db.Query(
		`SELECT incident_id, asset_urn, status, severity, window_start, window_end, opened_at
		 FROM incidents WHERE status = ? ORDER BY opened_at`,
		string(StatusOpen),
	)
	if err != nil {
		return nil, fmt.Errorf("open incidents: %w", err)
	}
	defer rows.Close()

	var out []Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inc)
	}
	return out, rows.Err()
}

// Get returns one incident with its resolution time when resolved.
func (c *Correlator) Get(incidentID string) (Incident, error) {
	row := c.db.QueryRow(
		`SELECT incident_id, asset_urn, status, severity, window_start, window_end, opened_at, COALESCE(resolved_at, '')
		 FROM incidents WHERE incident_id = ?`,
		incidentID,
	)
	var inc Incident
	var status, severity, windowStart, windowEnd, openedAt, resolvedAt string
	err := row.Scan(&inc.IncidentID, &inc.AssetURN, &status, &severity, &windowStart, &windowEnd, &openedAt, &resolvedAt)
	if err != nil {
		return Incident{}, fmt.Errorf("get incident %s: %w", incidentID, err)
	}
	inc.Status = Status(status)
	inc.Severity = evidence.Severity(severity)
	inc.WindowStart, _ = time.Parse(time.RFC3339Nano, windowStart)
	inc.WindowEnd, _ = time.Parse(time.RFC3339Nano, windowEnd)
	inc.OpenedAt, _ = time.Parse(time.RFC3339Nano, openedAt)
	if resolvedAt != "" {
		inc.ResolvedAt, _ = time.Parse(time.RFC3339Nano, resolvedAt)
	}
	return inc, nil
}

func scanIncident(rows *sql.Rows) (Incident, error) {
	var inc Incident
	var status, severity, windowStart, windowEnd, openedAt string
	err := rows.Scan(&inc.IncidentID, &inc.AssetURN, &status, &severity, &windowStart, &windowEnd, &openedAt)
	if err != nil {
		return Incident{}, fmt.Errorf("scan incident: %w", err)
	}
	inc.Status = Status(status)
	inc.Severity = evidence.Severity(severity)
	inc.WindowStart, _ = time.Parse(time.RFC3339Nano, windowStart)
	inc.WindowEnd, _ = time.Parse(time.RFC3339Nano, windowEnd)
	inc.OpenedAt, _ = time.Parse(time.RFC3339Nano, openedAt)
	return inc, nil
}

// #endregion lookups

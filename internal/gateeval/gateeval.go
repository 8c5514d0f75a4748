package gateeval

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/autopilot-io/signal-factory/internal/evidence"
	"github.com/autopilot-io/signal-factory/internal/registry"
)

// #region schema

const schema = `
CREATE TABLE IF NOT EXISTS gate_state (
	dataset_urn TEXT PRIMARY KEY,
	stage       TEXT NOT NULL,
	updated_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS enforcement_log (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	dataset_urn TEXT NOT NULL,
	stage       TEXT NOT NULL,
	action      TEXT NOT NULL,
	degraded    INTEGER NOT NULL,
	reason      TEXT,
	signals_json TEXT,
	created_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_enforcement_dataset ON enforcement_log(dataset_urn, id);
`

// #endregion schema

// #region types

// Action is what the evaluator tells callers to do about a dataset.
type Action string

const (
	ActionReport        Action = "report"
	ActionWarn          Action = "warn"
	ActionRejectStaging Action = "reject_staging"
	ActionRejectProd    Action = "reject_prod"
)

// Decision is the evaluator's verdict for one dataset at one point in
// time. Degraded decisions carry the least-strict prior stage and are
// never treated as a clean pass.
type Decision struct {
	DatasetURN  string
	Stage       registry.GateStage
	Action      Action
	Violating   bool
	Degraded    bool
	Reason      string
	EvaluatedAt time.Time
}

// WindowStats is the evidence summary the evaluator reads per window.
type WindowStats struct {
	Pass int
	Fail int
}

// EvidenceStats supplies pass/fail counts for a dataset over a window.
// Satisfied by the bus.
type EvidenceStats interface {
	WindowStats(datasetURN string, since time.Time) (pass, fail int, err error)
}

// BreachReader supplies current open breaches per asset. Satisfied by
// the state store.
type BreachReader interface {
	ListByAsset(assetURN string) ([]evidence.Signal, error)
}

// #endregion types

// #region evaluator

// Evaluator is the per-dataset gate state machine. Each dataset walks
// G0 Visibility through at most its tier's cap, one stage per clean
// evaluation, and never walks back: once a dataset has earned G2, a
// bad week demotes its health, not its enforcement stage.
type Evaluator struct {
	db       *sql.DB
	stats    EvidenceStats
	breaches BreachReader
	window   time.Duration
}

// Open creates the evaluator tables on the given database.
func Open(db *sql.DB, stats EvidenceStats, breaches BreachReader, window time.Duration) (*Evaluator, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("gateeval schema: %w", err)
	}
	return &Evaluator{db: db, stats: stats, breaches: breaches, window: window}, nil
}

// Evaluate runs the state machine for one dataset and appends the
// decision to the enforcement log. Knowledge-plane failures fail open:
// the prior stage is kept, the action downgrades to report, and the
// decision is flagged degraded rather than pretending compliance.
func (e *Evaluator) Evaluate(policy registry.DatasetPolicy, now time.Time) (Decision, error) {
	stage, err := e.currentStage(policy.URN)
	if err != nil {
		return Decision{}, err
	}

	pass, fail, statsErr := e.stats.WindowStats(policy.URN, now.Add(-e.window))
	signals, breachErr := e.breaches.ListByAsset(policy.URN)

	if statsErr != nil || breachErr != nil {
		dec := Decision{
			DatasetURN:  policy.URN,
			Stage:       stage,
			Action:      ActionReport,
			Degraded:    true,
			Reason:      degradedReason(statsErr, breachErr),
			EvaluatedAt: now,
		}
		if err := e.logDecision(dec, nil); err != nil {
			return Decision{}, err
		}
		return dec, nil
	}

	violating := violates(pass, fail, signals)

	// A clean window advances the stage toward the tier cap and the
	// policy's configured rollout target, whichever is lower.
	if !violating && pass > 0 {
		ceiling := stageCap(policy)
		if stage.Rank() < ceiling.Rank() {
			stage = nextStage(stage)
			if err := e.saveStage(policy.URN, stage, now); err != nil {
				return Decision{}, err
			}
		}
	}

	dec := Decision{
		DatasetURN:  policy.URN,
		Stage:       stage,
		Action:      actionFor(stage, violating),
		Violating:   violating,
		Reason:      verdictReason(pass, fail, signals),
		EvaluatedAt: now,
	}
	if err := e.logDecision(dec, signals); err != nil {
		return Decision{}, err
	}
	return dec, nil
}

// EvaluateAll runs Evaluate for every registered dataset.
func (e *Evaluator) EvaluateAll(policies []registry.DatasetPolicy, now time.Time) ([]Decision, error) {
	decisions := make([]Decision, 0, len(policies))
	for _, policy := range policies {
		dec, err := e.Evaluate(policy, now)
		if err != nil {
			return decisions, err
		}
		decisions = append(decisions, dec)
	}
	return decisions, nil
}

// #endregion evaluator

// #region state-machine

func (e *Evaluator) currentStage(urn string) (registry.GateStage, error) {
	var stage string
	err := e.db.QueryRow(`SELECT stage FROM gate_state WHERE dataset_urn = ?`, urn).Scan(&stage)
	if err == sql.ErrNoRows {
		return registry.StageVisibility, nil
	}
	if err != nil {
		return "", fmt.Errorf("load gate state %s: %w", urn, err)
	}
	return registry.GateStage(stage), nil
}

func (e *Evaluator) saveStage(urn string, stage registry.GateStage, now time.Time) error {
	_, err := e.db.Exec(
		`INSERT INTO gate_state (dataset_urn, stage, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(dataset_urn) DO UPDATE SET
		   stage = excluded.stage,
		   updated_at = excluded.updated_at`,
		urn, string(stage), now.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save gate state %s: %w", urn, err)
	}
	return nil
}

func stageCap(policy registry.DatasetPolicy) registry.GateStage {
	ceiling := registry.MaxStage(policy.Tier)
	if policy.GateStage != "" && policy.GateStage.Rank() < ceiling.Rank() {
		ceiling = policy.GateStage
	}
	return ceiling
}

func nextStage(s registry.GateStage) registry.GateStage {
	switch s {
	case registry.StageVisibility:
		return registry.StageWarn
	case registry.StageWarn:
		return registry.StageSoftFail
	default:
		return registry.StageHardFail
	}
}

// violates reports whether the window looks non-compliant: more
// failing than passing evidence, or any open breach signal.
func violates(pass, fail int, signals []evidence.Signal) bool {
	if fail > pass && fail > 0 {
		return true
	}
	for _, sig := range signals {
		if sig.Breached {
			return true
		}
	}
	return false
}

func actionFor(stage registry.GateStage, violating bool) Action {
	if !violating {
		return ActionReport
	}
	switch stage {
	case registry.StageVisibility:
		return ActionReport
	case registry.StageWarn:
		return ActionWarn
	case registry.StageSoftFail:
		return ActionRejectStaging
	default:
		return ActionRejectProd
	}
}

// #endregion state-machine

// #region provenance

func (e *Evaluator) logDecision(dec Decision, signals []evidence.Signal) error {
	degraded := 0
	if dec.Degraded {
		degraded = 1
	}
	var signalsJSON any
	if len(signals) > 0 {
		raw, err := json.Marshal(signals)
		if err != nil {
			return fmt.Errorf("marshal decision signals: %w", err)
		}
		signalsJSON = string(raw)
	}
	_, err := e.db.Exec(
		`INSERT INTO enforcement_log (dataset_urn, stage, action, degraded, reason, signals_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		dec.DatasetURN, string(dec.Stage), string(dec.Action), degraded,
		nullIfEmpty(dec.Reason), signalsJSON,
		dec.EvaluatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("log enforcement decision: %w", err)
	}
	return nil
}

// History returns the most recent enforcement decisions for a dataset,
// newest first.
func (e *Evaluator) History(urn string, limit int) ([]Decision, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := e.db.Query(
		`SELECT dataset_urn, stage, action, degraded, COALESCE(reason, ''), created_at
		 FROM enforcement_log WHERE dataset_urn = ? ORDER BY id DESC LIMIT ?`,
		urn, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("enforcement history: %w", err)
	}
	defer rows.Close()

	var out []Decision
	for rows.Next() {
		var dec Decision
		var stage, action, createdAt string
		var degraded int
		if err := rows.Scan(&dec.DatasetURN, &stage, &action, &degraded, &dec.Reason, &createdAt); err != nil {
			return nil, fmt.Errorf("scan enforcement row: %w", err)
		}
		dec.Stage = registry.GateStage(stage)
		dec.Action = Action(action)
		dec.Degraded = degraded == 1
		dec.EvaluatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, dec)
	}
	return out, rows.Err()
}

// #endregion provenance

// #region helpers

func degradedReason(statsErr, breachErr error) string {
	if statsErr != nil {
		return fmt.Sprintf("evidence stats unavailable: %v", statsErr)
	}
	return fmt.Sprintf("state store unavailable: %v", breachErr)
}

func verdictReason(pass, fail int, signals []evidence.Signal) string {
	open := 0
	for _, sig := range signals {
		if sig.Breached {
			open++
		}
	}
	return fmt.Sprintf("pass=%d fail=%d open_breaches=%d", pass, fail, open)
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// #endregion helpers

package bus

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/autopilot-io/signal-factory/internal/evidence"
)

// #region schema

const schema = `
CREATE TABLE IF NOT EXISTS evidence_log (
	partition    INTEGER NOT NULL,
	offset       INTEGER NOT NULL,
	evidence_id  TEXT NOT NULL UNIQUE,
	dataset_urn  TEXT NOT NULL,
	result       TEXT NOT NULL,
	timestamp    TEXT NOT NULL,
	payload      TEXT NOT NULL,
	PRIMARY KEY (partition, offset)
);
CREATE INDEX IF NOT EXISTS idx_evidence_urn_ts ON evidence_log(dataset_urn, timestamp);

CREATE TABLE IF NOT EXISTS consumer_offsets (
	group_name  TEXT NOT NULL,
	partition   INTEGER NOT NULL,
	committed   INTEGER NOT NULL,
	PRIMARY KEY (group_name, partition)
);
`

// #endregion schema

// #region types

// Record is one bus entry: an Evidence record at its durable position.
type Record struct {
	Partition int
	Offset    int64
	Evidence  evidence.Evidence
}

// Subscription is a live consumer feed. Delivery is at-least-once:
// on a full buffer records are not pushed, and the consumer recovers
// them from its committed offset via ReadFrom.
type Subscription struct {
	Name string
	C    chan Record
}

// Bus is the ordered, partitioned, append-only evidence log. It is
// the sole API boundary between the enforcer and everything
// downstream; nothing reads raw topics past this point.
type Bus struct {
	db         *sql.DB
	partitions int

	mu   sync.Mutex
	next []int64 // next offset per partition
	subs []*Subscription
}

// #endregion types

// #region constructor

// Open opens (or creates) the bus tables on the given database and
// restores per-partition offsets.
func Open(db *sql.DB, partitions int) (*Bus, error) {
	if partitions <= 0 {
		return nil, fmt.Errorf("bus: partitions must be positive, got %d", partitions)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("bus schema: %w", err)
	}
	b := &Bus{db: db, partitions: partitions, next: make([]int64, partitions)}
	for p := 0; p < partitions; p++ {
		var max sql.NullInt64
		err := db.QueryRow(`SELECT MAX(offset) FROM evidence_log WHERE partition = ?`, p).Scan(&max)
		if err != nil {
			return nil, fmt.Errorf("restore offsets: %w", err)
		}
		if max.Valid {
			b.next[p] = max.Int64 + 1
		}
	}
	return b, nil
}

// Partitions returns the partition count.
func (b *Bus) Partitions() int {
	return b.partitions
}

// #endregion constructor

// #region append

// PartitionFor maps a dataset URN to its partition. Same URN, same
// partition: per-asset ordering holds within a partition.
func (b *Bus) PartitionFor(datasetURN string) int {
	h := fnv.New32a()
	h.Write([]byte(datasetURN))
	return int(h.Sum32() % uint32(b.partitions))
}

// Append durably appends one Evidence record and fans it out to live
// subscribers. Re-appending the same evidence_id is a no-op, so
// enforcer restarts cannot duplicate records. Fan-out never blocks:
// a subscriber with a full buffer recovers from the durable log.
func (b *Bus) Append(ev evidence.Evidence) error {
	partition := b.PartitionFor(ev.DatasetURN)
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal evidence: %w", err)
	}

	b.mu.Lock()
	offset := b.next[partition]
	res, err := b.db.Exec(
		`INSERT OR IGNORE INTO evidence_log (partition, offset, evidence_id, dataset_urn, result, timestamp, payload)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		partition, offset, ev.EvidenceID, ev.DatasetURN, string(ev.Validation.Result),
		evidence.TimeKey(ev.Timestamp), string(payload),
	)
	if err != nil {
		b.mu.Unlock()
		return fmt.Errorf("append evidence: %w", err)
	}
	inserted, _ := res.RowsAffected()
	if inserted == 0 {
		// Duplicate evidence_id: already durable, nothing to deliver.
		b.mu.Unlock()
		return nil
	}
	b.next[partition] = offset + 1
	subs := append([]*Subscription(nil), b.subs...)
	b.mu.Unlock()

	rec := Record{Partition: partition, Offset: offset, Evidence: ev}
	for _, sub := range subs {
		select {
		case sub.C <- rec:
		default:
		}
	}
	return nil
}

// #endregion append

// #region subscribe

// Subscribe registers a live consumer with the given buffer size.
func (b *Bus) Subscribe(name string, buffer int) *Subscription {
	sub := &Subscription{Name: name, C: make(chan Record, buffer)}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return sub
}

// Commit durably records a consumer group's position in a partition.
func (b *Bus) Commit(group string, partition int, offset int64) error {
	_, err := b.db.Exec(
		`INSERT INTO consumer_offsets (group_name, partition, committed) VALUES (?, ?, ?)
		 ON CONFLICT(group_name, partition) DO UPDATE SET committed = excluded.committed`,
		group, partition, offset,
	)
	if err != nil {
		return fmt.Errorf("commit offset: %w", err)
	}
	return nil
}

// Committed returns the committed offset for a group and partition,
// -1 when the group never committed there.
func (b *Bus) Committed(group string, partition int) (int64, error) {
	var committed int64
	err := b.db.QueryRow(
		`SELECT committed FROM consumer_offsets WHERE group_name = ? AND partition = ?`,
		group, partition,
	).Scan(&committed)
	if err == sql.ErrNoRows {
		return -1, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read committed: %w", err)
	}
	return committed, nil
}

// #endregion subscribe

// #region read

// ReadFrom returns up to limit records from a partition starting at
// fromOffset, in offset order. Used for replay and catch-up.
func (b *Bus) ReadFrom(partition int, fromOffset int64, limit int) ([]Record, error) {
	rows, err := b.db.Query(
		`SELECT offset, payload FROM evidence_log
		 WHERE partition = ? AND offset >= ? ORDER BY offset LIMIT ?`,
		partition, fromOffset, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("read partition %d: %w", partition, err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var offset int64
		var payload string
		if err := rows.Scan(&offset, &payload); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		var ev evidence.Evidence
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			return nil, fmt.Errorf("unmarshal evidence at %d/%d: %w", partition, offset, err)
		}
		records = append(records, Record{Partition: partition, Offset: offset, Evidence: ev})
	}
	return records, rows.Err()
}

// WindowStats counts evidence outcomes for one dataset since a
// cutoff. The gate evaluator reads this as its evidence history.
func (b *Bus) WindowStats(datasetURN string, since time.Time) (pass, fail int, err error) {
	rows, err := b.db.Query(
		`SELECT result, COUNT(*) FROM evidence_log
		 WHERE dataset_urn = ? AND timestamp >= ? GROUP BY result`,
		datasetURN, evidence.TimeKey(since),
	)
	if err != nil {
		return 0, 0, fmt.Errorf("window stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var result string
		var count int
		if err := rows.Scan(&result, &count); err != nil {
			return 0, 0, fmt.Errorf("scan stats: %w", err)
		}
		switch evidence.Result(result) {
		case evidence.Pass:
			pass = count
		case evidence.Fail:
			fail = count
		}
	}
	return pass, fail, rows.Err()
}

// #endregion read

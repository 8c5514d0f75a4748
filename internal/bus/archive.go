package bus

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/autopilot-io/signal-factory/internal/evidence"
)

// #region archiver

// Archiver moves evidence past the hot retention window out of the
// durable log into zstd-compressed JSON-lines segment files. Evidence
// is JSON text, which is where zstd earns its keep. Archived offsets
// stay addressable for replay via OpenSegment.
type Archiver struct {
	bus       *Bus
	dir       string
	retention time.Duration
}

// NewArchiver creates an archiver writing segments under dir.
func NewArchiver(b *Bus, dir string, retention time.Duration) *Archiver {
	return &Archiver{bus: b, dir: dir, retention: retention}
}

// Run archives on the given interval until the stop channel closes.
func (a *Archiver) Run(stop <-chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			n, err := a.ArchiveOnce(time.Now())
			if err != nil {
				log.Printf("[BUS] archive: %v", err)
			} else if n > 0 {
				log.Printf("[BUS] archived %d evidence records", n)
			}
		}
	}
}

// ArchiveOnce writes all records older than the retention cutoff to
// one segment file per partition and removes them from the hot log.
// Returns the number of records archived.
func (a *Archiver) ArchiveOnce(now time.Time) (int, error) {
	cutoff := evidence.TimeKey(now.Add(-a.retention))
	if err := os.MkdirAll(a.dir, 0o755); err != nil {
		return 0, fmt.Errorf("archive dir: %w", err)
	}

	total := 0
	for p := 0; p < a.bus.partitions; p++ {
		records, maxOffset, err := a.coldRecords(p, cutoff)
		if err != nil {
			return total, err
		}
		if len(records) == 0 {
			continue
		}
		name := fmt.Sprintf("partition-%d-%d.jsonl.zst", p, now.UTC().UnixNano())
		if err := writeSegment(filepath.Join(a.dir, name), records); err != nil {
			return total, err
		}
		if _, err := a.bus.db.Exec(
			`DELETE FROM evidence_log WHERE partition = ? AND offset <= ? AND timestamp < ?`,
			p, maxOffset, cutoff,
		); err != nil {
			return total, fmt.Errorf("trim hot log: %w", err)
		}
		total += len(records)
	}
	return total, nil
}

func (a *Archiver) coldRecords(partition int, cutoff string) ([]Record, int64, error) {
	rows, err := a.bus.db.Query(
		`SELECT offset, payload FROM evidence_log
		 WHERE partition = ? AND timestamp < ? ORDER BY offset`,
		partition, cutoff,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("select cold records: %w", err)
	}
	defer rows.Close()

	var records []Record
	var maxOffset int64 = -1
	for rows.Next() {
		var offset int64
		var payload string
		if err := rows.Scan(&offset, &payload); err != nil {
			return nil, 0, fmt.Errorf("scan cold record: %w", err)
		}
		var ev evidence.Evidence
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			return nil, 0, fmt.Errorf("unmarshal cold record: %w", err)
		}
		records = append(records, Record{Partition: partition, Offset: offset, Evidence: ev})
		if offset > maxOffset {
			maxOffset = offset
		}
	}
	return records, maxOffset, rows.Err()
}

// #endregion archiver

// #region segments

// writeSegment writes records as zstd-compressed JSON lines.
func writeSegment(path string, records []Record) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create segment: %w", err)
	}
	defer f.Close()

	enc, err := zstd.NewWriter(f)
	if err != nil {
		return fmt.Errorf("zstd writer: %w", err)
	}
	w := bufio.NewWriter(enc)
	for _, rec := range records {
		line, err := json.Marshal(rec.Evidence)
		if err != nil {
			return fmt.Errorf("marshal segment record: %w", err)
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			return fmt.Errorf("write segment: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush segment: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close zstd: %w", err)
	}
	return nil
}

// OpenSegment streams an archived segment back as Evidence records,
// in their original per-partition order.
func OpenSegment(path string) ([]evidence.Evidence, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open segment: %w", err)
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("zstd reader: %w", err)
	}
	defer dec.Close()

	var out []evidence.Evidence
	scanner := bufio.NewScanner(dec)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var ev evidence.Evidence
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			return nil, fmt.Errorf("unmarshal segment line: %w", err)
		}
		out = append(out, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read segment: %w", err)
	}
	return out, nil
}

// #endregion segments

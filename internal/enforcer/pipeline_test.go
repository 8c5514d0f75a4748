package enforcer

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/autopilot-io/signal-factory/internal/evidence"
	"github.com/autopilot-io/signal-factory/internal/registry"
)

const testRegistryYAML = `
datasets:
  - urn: urn:autopilot:dataset:orders
    topic: orders.v1
    tier: 1
    owner: team-checkout
    gate_stage: G2
    producer: checkout-service
    freshness_slo: 15m
    volume:
      min_per_window: 1
      sigma_threshold: 3.0
    quality:
      max_breach_rate: 0.05
    schema:
      version: "3"
      json: |
        {"type":"object","properties":{"amount":{"type":"number"}}}
    contract:
      required_fields: [customer_id]
      constraints:
        - field: amount
          kind: non_negative
`

func testHandle(t *testing.T) *registry.Handle {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "registry.yaml")
	if err := os.WriteFile(path, []byte(testRegistryYAML), 0o644); err != nil {
		t.Fatalf("write registry: %v", err)
	}
	reg, err := registry.Load(path)
	if err != nil {
		t.Fatalf("load registry: %v", err)
	}
	return registry.NewHandle(reg, registry.DefaultHandleConfig())
}

func rawOrder(payload string) evidence.RawEvent {
	return evidence.RawEvent{
		Topic:     "orders.v1",
		Offset:    7,
		Timestamp: time.Now(),
		Payload:   []byte(payload),
	}
}

func TestProcessPass(t *testing.T) {
	p := NewPipeline(testHandle(t))
	ev := p.Process(context.Background(), rawOrder(`{"customer_id":"c1","amount":12.5}`))

	if ev.Validation.Result != evidence.Pass {
		t.Fatalf("expected PASS, got %s (%v)", ev.Validation.Result, ev.Validation.ReasonCodes)
	}
	if ev.DatasetURN != "urn:autopilot:dataset:orders" {
		t.Fatalf("urn: %s", ev.DatasetURN)
	}
	if ev.Producer.ID != "checkout-service" || ev.Producer.Confidence != evidence.ConfidenceMedium {
		t.Fatalf("producer: %+v", ev.Producer)
	}
	if ev.SchemaVersion != "3" {
		t.Fatalf("schema version: %q", ev.SchemaVersion)
	}
	if ev.EvidenceID == "" {
		t.Fatal("expected generated evidence id")
	}
	if ev.Otel != nil {
		t.Fatal("trace id must never be fabricated")
	}
}

func TestProcessMissingRequiredField(t *testing.T) {
	p := NewPipeline(testHandle(t))
	ev := p.Process(context.Background(), rawOrder(`{"amount":3}`))

	if ev.Validation.Result != evidence.Fail {
		t.Fatalf("expected FAIL, got %s", ev.Validation.Result)
	}
	if len(ev.Validation.FailedGates) != 1 || ev.Validation.FailedGates[0] != evidence.GateContract {
		t.Fatalf("failed gates: %v", ev.Validation.FailedGates)
	}
	if len(ev.Validation.ReasonCodes) != 1 || ev.Validation.ReasonCodes[0] != "MISSING_FIELD:customer_id" {
		t.Fatalf("reason codes: %v", ev.Validation.ReasonCodes)
	}
}

func TestProcessAllGatesRun(t *testing.T) {
	// Schema violation and contract violation on the same record:
	// the pipeline must not short-circuit, both end up in one record.
	p := NewPipeline(testHandle(t))
	ev := p.Process(context.Background(), rawOrder(`{"amount":"not-a-number"}`))

	gates := map[evidence.GateName]bool{}
	for _, g := range ev.Validation.FailedGates {
		gates[g] = true
	}
	if !gates[evidence.GateSchema] || !gates[evidence.GateContract] {
		t.Fatalf("expected SCHEMA and CONTRACT both failed, got %v", ev.Validation.FailedGates)
	}
}

func TestProcessConstraintViolation(t *testing.T) {
	p := NewPipeline(testHandle(t))
	ev := p.Process(context.Background(), rawOrder(`{"customer_id":"c1","amount":-4}`))

	if ev.Validation.Result != evidence.Fail {
		t.Fatal("expected FAIL")
	}
	found := false
	for _, r := range ev.Validation.ReasonCodes {
		if r == "CONSTRAINT:amount:non_negative" {
			found = true
		}
	}
	if !found {
		t.Fatalf("reason codes: %v", ev.Validation.ReasonCodes)
	}
}

func TestProcessUnmappedTopic(t *testing.T) {
	p := NewPipeline(testHandle(t))
	ev := p.Process(context.Background(), evidence.RawEvent{Topic: "mystery.v1", Payload: []byte(`{}`)})

	if ev.DatasetURN != evidence.UnknownDatasetURN {
		t.Fatalf("expected sentinel urn, got %s", ev.DatasetURN)
	}
	if ev.Validation.Result != evidence.Fail {
		t.Fatal("expected FAIL on resolution")
	}
	if ev.Validation.ReasonCodes[0] != evidence.ReasonResolutionFailed {
		t.Fatalf("reason codes: %v", ev.Validation.ReasonCodes)
	}
}

func TestProcessPIIDetectedNeverBlocks(t *testing.T) {
	p := NewPipeline(testHandle(t))
	ev := p.Process(context.Background(), rawOrder(`{"customer_id":"c1","amount":1,"email":"a@example.com"}`))

	if ev.Validation.Result != evidence.Pass {
		t.Fatalf("PII alone must not fail the record: %v", ev.Validation)
	}
	found := false
	for _, r := range ev.Validation.ReasonCodes {
		if r == evidence.ReasonPIIDetected {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected PII_DETECTED, got %v", ev.Validation.ReasonCodes)
	}
}

func TestProcessTraceCopiedVerbatim(t *testing.T) {
	p := NewPipeline(testHandle(t))
	raw := rawOrder(`{"customer_id":"c1","amount":1}`)
	raw.Headers = map[string]string{
		evidence.HeaderTraceID:    "trace-xyz",
		evidence.HeaderProducerID: "edge-proxy",
	}
	ev := p.Process(context.Background(), raw)

	if ev.Otel == nil || ev.Otel.TraceID != "trace-xyz" {
		t.Fatalf("otel: %+v", ev.Otel)
	}
	if ev.Producer.ID != "edge-proxy" || ev.Producer.Confidence != evidence.ConfidenceHigh {
		t.Fatalf("header identity must win: %+v", ev.Producer)
	}
}

// blockingSource never answers within the fetch timeout.
type blockingSource struct{}

func (blockingSource) Fetch(ctx context.Context) (*registry.Snapshot, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestProcessRegistryUnavailable(t *testing.T) {
	handle := registry.NewHandle(blockingSource{}, registry.HandleConfig{
		TTL:          time.Minute,
		FetchTimeout: 50 * time.Millisecond,
	})
	p := NewPipeline(handle)

	start := time.Now()
	ev := p.Process(context.Background(), rawOrder(`{"customer_id":"c1","amount":1}`))
	elapsed := time.Since(start)

	if elapsed > time.Second {
		t.Fatalf("registry outage must not block past the timeout, took %s", elapsed)
	}
	if ev.EvidenceID == "" {
		t.Fatal("evidence must still be emitted in degraded mode")
	}
	if ev.Validation.Result != evidence.Pass {
		t.Fatalf("degraded dependency is not a validation failure: %v", ev.Validation)
	}
	if len(ev.Validation.ReasonCodes) == 0 || ev.Validation.ReasonCodes[0] != evidence.ReasonRegistryUnavailable {
		t.Fatalf("reason codes: %v", ev.Validation.ReasonCodes)
	}
	if ev.DatasetURN != evidence.UnknownDatasetURN {
		t.Fatalf("urn: %s", ev.DatasetURN)
	}
}

// captureSink records appended evidence.
type captureSink struct {
	evidence []evidence.Evidence
}

func (c *captureSink) Append(ev evidence.Evidence) error {
	c.evidence = append(c.evidence, ev)
	return nil
}

func TestWorkerExactlyOneEvidencePerRecord(t *testing.T) {
	sink := &captureSink{}
	w := NewWorker(0, NewPipeline(testHandle(t)), sink)

	in := make(chan evidence.RawEvent, 3)
	in <- rawOrder(`{"customer_id":"a","amount":1}`)
	in <- rawOrder(`not json at all`)
	in <- rawOrder(`{"amount":2}`)
	close(in)

	w.Run(context.Background(), in)

	if len(sink.evidence) != 3 {
		t.Fatalf("expected 3 evidence records, got %d", len(sink.evidence))
	}
	seen := map[string]bool{}
	for _, ev := range sink.evidence {
		if seen[ev.EvidenceID] {
			t.Fatalf("duplicate evidence id %s", ev.EvidenceID)
		}
		seen[ev.EvidenceID] = true
	}
	if w.LastProcessed().IsZero() {
		t.Fatal("expected last-processed time to advance")
	}
}

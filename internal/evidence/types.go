package evidence

import "time"

// #region enums

// Result is the overall validation outcome of one record.
type Result string

const (
	Pass Result = "PASS"
	Fail Result = "FAIL"
)

// GateName is the closed set of enforcer gates, in pipeline order.
type GateName string

const (
	GateResolution GateName = "RESOLUTION"
	GateIdentity   GateName = "IDENTITY"
	GateSchema     GateName = "SCHEMA"
	GateContract   GateName = "CONTRACT"
	GatePII        GateName = "PII"
)

// Confidence grades how certain the producer identity inference is.
type Confidence string

const (
	ConfidenceHigh   Confidence = "HIGH"
	ConfidenceMedium Confidence = "MEDIUM"
	ConfidenceLow    Confidence = "LOW"
)

// Well-known reason codes emitted by the enforcer. Contract and
// schema violations carry parameterized codes ("MISSING_FIELD:<f>").
const (
	ReasonResolutionFailed    = "RESOLUTION_FAILED"
	ReasonRegistryUnavailable = "REGISTRY_UNAVAILABLE"
	ReasonSchemaMismatch      = "SCHEMA_MISMATCH"
	ReasonPayloadNotJSON      = "PAYLOAD_NOT_JSON"
	ReasonPIIDetected         = "PII_DETECTED"
)

// UnknownDatasetURN is the sentinel used when topic resolution fails.
// Evidence is still emitted so the gap itself is observable.
const UnknownDatasetURN = "urn:autopilot:dataset:unknown"

// #endregion enums

// #region evidence

// Producer identifies the inferred producing service of a record.
type Producer struct {
	ID         string     `json:"id"`
	Confidence Confidence `json:"confidence"`
}

// Validation is the gate pipeline outcome for one record.
type Validation struct {
	Result      Result     `json:"result"`
	FailedGates []GateName `json:"failed_gates"`
	ReasonCodes []string   `json:"reason_codes"`
}

// Source locates the raw record in its upstream stream.
type Source struct {
	Topic  string `json:"topic"`
	Offset int64  `json:"offset"`
}

// Otel carries propagated trace context. Never fabricated: the block
// is absent entirely when the raw event carried no trace id.
type Otel struct {
	TraceID string `json:"trace_id"`
}

// Evidence is the immutable record of one validation pass over one
// raw event. Field names and nesting are the bus wire contract;
// changing them breaks every downstream consumer.
type Evidence struct {
	EvidenceID string     `json:"evidence_id"`
	Timestamp  time.Time  `json:"timestamp"`
	DatasetURN string     `json:"dataset_urn"`
	Producer   Producer   `json:"producer"`
	Validation Validation `json:"validation"`
	Source     Source     `json:"source"`
	Otel       *Otel      `json:"otel,omitempty"`

	// SchemaVersion is the registered schema version the record was
	// checked against, empty when no binding existed.
	SchemaVersion string `json:"schema_version,omitempty"`

	// Tags carries externally supplied annotations (quality-rule
	// results, resource-usage units) aggregated by the DQ and cost
	// engines. Absent for plain records.
	Tags map[string]float64 `json:"tags,omitempty"`
}

// Failed reports whether the record failed validation.
func (e Evidence) Failed() bool {
	return e.Validation.Result == Fail
}

// #endregion evidence

// #region raw-event

// RawEvent is one record from the upstream immutable stream. The
// payload is opaque bytes; headers are collaborator-defined and
// optional.
type RawEvent struct {
	Topic     string
	Partition int
	Offset    int64
	Timestamp time.Time
	Headers   map[string]string
	Payload   []byte
}

// Header keys the enforcer understands when present.
const (
	HeaderTraceID    = "trace-id"
	HeaderProducerID = "producer-id"
)

// #endregion raw-event

// #region time-key

// TimeKey formats a timestamp for columns that sqlite compares as
// text. The width is fixed: RFC3339Nano drops trailing zeros, so
// "10:00:00Z" would sort after "10:00:00.5Z" and invert sub-second
// comparisons.
func TimeKey(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00")
}

// #endregion time-key

package enforcer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/autopilot-io/signal-factory/internal/evidence"
	"github.com/autopilot-io/signal-factory/internal/registry"
)

// #region pipeline

// Pipeline runs the fixed, ordered gate sequence over raw events.
// Process is a pure function of (event, registry snapshot): it has no
// side effects, never returns an error, and always emits exactly one
// Evidence record per input. All gates run even after a failure so a
// single record captures every violation at once.
type Pipeline struct {
	handle *registry.Handle
}

// NewPipeline creates a pipeline reading policy through the given
// registry handle.
func NewPipeline(handle *registry.Handle) *Pipeline {
	return &Pipeline{handle: handle}
}

// Process validates one raw event and returns its Evidence record.
func (p *Pipeline) Process(ctx context.Context, raw evidence.RawEvent) evidence.Evidence {
	snap, _ := p.handle.Snapshot(ctx)

	var failed []evidence.GateName
	var reasons []string
	fail := func(gate evidence.GateName, reason string) {
		failed = append(failed, gate)
		reasons = append(reasons, reason)
	}

	// Gate 1: resolution. A missing snapshot is a degraded dependency,
	// not a validation failure; a missing mapping is.
	urn := evidence.UnknownDatasetURN
	if snap == nil {
		reasons = append(reasons, evidence.ReasonRegistryUnavailable)
	} else if resolved, err := snap.ResolveTopic(raw.Topic); err != nil {
		fail(evidence.GateResolution, evidence.ReasonResolutionFailed)
	} else {
		urn = resolved
	}

	// Gate 2: identity.
	producer := inferProducer(raw, snap)

	// Payload parsed once, shared by the schema and contract gates.
	payload, payloadOK := parsePayload(raw.Payload)

	// Gate 3: schema.
	var schemaVersion string
	if snap != nil && urn != evidence.UnknownDatasetURN {
		if schema, version, bound := snap.SchemaFor(urn); bound {
			schemaVersion = version
			if !payloadOK {
				fail(evidence.GateSchema, evidence.ReasonPayloadNotJSON)
			} else if err := schema.Validate(payload); err != nil {
				fail(evidence.GateSchema, evidence.ReasonSchemaMismatch)
			}
		}
	}

	// Gate 4: contract.
	if snap != nil && urn != evidence.UnknownDatasetURN {
		if contract, bound := snap.ContractFor(urn); bound {
			for _, reason := range checkContract(contract, payload, payloadOK) {
				fail(evidence.GateContract, reason)
			}
		}
	}

	// Gate 5: PII. Detection only: sets a reason code, never fails
	// the record and never blocks.
	if scanPII(raw.Payload) {
		reasons = append(reasons, evidence.ReasonPIIDetected)
	}

	result := evidence.Pass
	if len(failed) > 0 {
		result = evidence.Fail
	}

	ev := evidence.Evidence{
		EvidenceID: uuid.New().String(),
		Timestamp:  time.Now().UTC(),
		DatasetURN: urn,
		Producer:   producer,
		Validation: evidence.Validation{
			Result:      result,
			FailedGates: failed,
			ReasonCodes: reasons,
		},
		Source:        evidence.Source{Topic: raw.Topic, Offset: raw.Offset},
		SchemaVersion: schemaVersion,
	}
	// Trace context is copied verbatim when present, never fabricated.
	if traceID, ok := raw.Headers[evidence.HeaderTraceID]; ok && traceID != "" {
		ev.Otel = &evidence.Otel{TraceID: traceID}
	}
	return ev
}

// #endregion pipeline

// #region identity

// inferProducer resolves the producing service: message headers win
// (HIGH), the registry's static topic map is the fallback (MEDIUM),
// otherwise unknown (LOW).
func inferProducer(raw evidence.RawEvent, snap *registry.Snapshot) evidence.Producer {
	if id, ok := raw.Headers[evidence.HeaderProducerID]; ok && id != "" {
		return evidence.Producer{ID: id, Confidence: evidence.ConfidenceHigh}
	}
	if snap != nil {
		if id, ok := snap.ProducerFor(raw.Topic); ok {
			return evidence.Producer{ID: id, Confidence: evidence.ConfidenceMedium}
		}
	}
	return evidence.Producer{ID: "unknown", Confidence: evidence.ConfidenceLow}
}

// #endregion identity

// #region contract

func parsePayload(raw []byte) (map[string]any, bool) {
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, false
	}
	return payload, true
}

// checkContract returns one reason code per violated requirement.
func checkContract(contract registry.ContractDef, payload map[string]any, payloadOK bool) []string {
	if !payloadOK {
		return []string{evidence.ReasonPayloadNotJSON}
	}
	var reasons []string
	for _, field := range contract.RequiredFields {
		if _, present := payload[field]; !present {
			reasons = append(reasons, "MISSING_FIELD:"+field)
		}
	}
	for _, c := range contract.Constraints {
		value, present := payload[c.Field]
		if !present {
			// Required-ness is the field list's job; constraints only
			// apply to values that are there.
			continue
		}
		if !constraintHolds(c, value) {
			reasons = append(reasons, fmt.Sprintf("CONSTRAINT:%s:%s", c.Field, c.Kind))
		}
	}
	return reasons
}

func constraintHolds(c registry.FieldConstraint, value any) bool {
	switch c.Kind {
	case registry.ConstraintNonEmpty:
		s, isString := value.(string)
		return !isString || s != ""
	case registry.ConstraintNonNegative:
		n, isNumber := value.(float64)
		return !isNumber || n >= 0
	case registry.ConstraintOneOf:
		s, isString := value.(string)
		if !isString {
			return false
		}
		for _, allowed := range c.Values {
			if s == allowed {
				return true
			}
		}
		return false
	}
	// Unknown kinds are rejected at registry load; treat as holding.
	return true
}

// #endregion contract

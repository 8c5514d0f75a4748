package evidence

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// #region envelope

// Envelope is the CloudEvents wrapper every collaborator agent uses
// around factory events. specversion is pinned; type and source
// follow the autopilot conventions ("autopilot.<component>.<event>",
// "urn:autopilot:<component>").
type Envelope struct {
	SpecVersion     string          `json:"specversion"`
	Type            string          `json:"type"`
	Source          string          `json:"source"`
	ID              string          `json:"id"`
	Time            time.Time       `json:"time"`
	DataContentType string          `json:"datacontenttype"`
	Data            json.RawMessage `json:"data"`
}

const specVersion = "1.0"

// Wrap builds a CloudEvents envelope for a factory event.
func Wrap(component, event string, data any) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal event data: %w", err)
	}
	return Envelope{
		SpecVersion:     specVersion,
		Type:            fmt.Sprintf("autopilot.%s.%s", component, event),
		Source:          "urn:autopilot:" + component,
		ID:              uuid.New().String(),
		Time:            time.Now().UTC(),
		DataContentType: "application/json",
		Data:            raw,
	}, nil
}

// WrapEvidence envelopes an Evidence record for external consumers.
func WrapEvidence(e Evidence) (Envelope, error) {
	return Wrap("enforcer", "evidence.emitted", e)
}

// WrapSignal envelopes a Signal for external consumers.
func WrapSignal(s Signal) (Envelope, error) {
	return Wrap("signal-engine", "signal.detected", s)
}

// #endregion envelope

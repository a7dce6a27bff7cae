// Package envelope defines the wire vocabulary of the pipeline: the stage
// enum, the envelope that carries a request's cumulative payload between
// stages, the closed set of payload variants and the orchestration events.
// Every other package speaks these types; none of them hold behavior beyond
// validation and encoding.
package envelope

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"time"
)

var requestIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidRequestID reports whether id is non-empty and uses only the URL-safe
// request ID alphabet.
func ValidRequestID(id string) bool {
	return id != "" && requestIDPattern.MatchString(id)
}

// ProvenanceEntry records one prior stage hop on an envelope. The list is
// append-only: workers add their own entry when publishing the successor.
type ProvenanceEntry struct {
	Stage      Stage     `json:"stage"`
	ProducedAt time.Time `json:"produced_at"`
	WorkerID   string    `json:"worker_id"`
}

// Correlation carries optional tracing context across stage boundaries.
type Correlation struct {
	TraceID string `json:"trace_id,omitempty"`
	SpanID  string `json:"span_id,omitempty"`
}

// Envelope is the immutable message carried between stages. Its Stage names
// the stage that will consume it, and its Payload is the output of the
// previous stage. Unknown top-level JSON keys are preserved across a decode
// and re-encode round trip in Extra.
type Envelope struct {
	RequestID   string
	Stage       Stage
	Attempt     int
	ProducedAt  time.Time
	Payload     Payload
	Provenance  []ProvenanceEntry
	Correlation *Correlation

	Extra map[string]json.RawMessage
}

// envelopeWire is the JSON shape of an Envelope with the payload left raw
// so it can be decoded against the stage-specific type.
type envelopeWire struct {
	RequestID   string            `json:"request_id"`
	Stage       Stage             `json:"stage"`
	Attempt     int               `json:"attempt"`
	ProducedAt  time.Time         `json:"produced_at"`
	Payload     json.RawMessage   `json:"payload"`
	Provenance  []ProvenanceEntry `json:"provenance"`
	Correlation *Correlation      `json:"correlation,omitempty"`
}

// New builds the initial envelope for a freshly ingested request. It enters
// the pipeline at the analysis stage with an empty provenance chain.
func New(requestID string, payload *SubmissionPayload, corr *Correlation) *Envelope {
	return &Envelope{
		RequestID:   requestID,
		Stage:       StageAnalysis,
		Attempt:     1,
		ProducedAt:  time.Now().UTC(),
		Payload:     payload,
		Provenance:  []ProvenanceEntry{},
		Correlation: corr,
	}
}

// Decode parses and typed-decodes an envelope from wire bytes. A non-nil
// error means the message is structurally unusable and belongs in the DLQ.
func Decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// UnmarshalJSON decodes the envelope header, then the payload against the
// type selected by the stage field. Unknown top-level keys land in Extra.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var w envelopeWire
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}
	if len(w.Payload) == 0 || string(w.Payload) == "null" {
		return NewValidationError("payload", "payload is required")
	}
	p, err := DecodePayload(w.Stage, w.Payload)
	if err != nil {
		return err
	}
	extra, err := extraFields(data, jsonKeys(envelopeWire{}))
	if err != nil {
		return err
	}
	e.RequestID = w.RequestID
	e.Stage = w.Stage
	e.Attempt = w.Attempt
	e.ProducedAt = w.ProducedAt
	e.Payload = p
	e.Provenance = w.Provenance
	e.Correlation = w.Correlation
	e.Extra = extra
	return nil
}

// MarshalJSON encodes the envelope for the wire, folding preserved unknown
// keys back into both the payload and the top-level object.
func (e Envelope) MarshalJSON() ([]byte, error) {
	if e.Payload == nil {
		return nil, NewValidationError("payload", "payload is required")
	}
	raw, err := EncodePayload(e.Payload)
	if err != nil {
		return nil, err
	}
	w := envelopeWire{
		RequestID:   e.RequestID,
		Stage:       e.Stage,
		Attempt:     e.Attempt,
		ProducedAt:  e.ProducedAt.UTC(),
		Payload:     raw,
		Provenance:  e.Provenance,
		Correlation: e.Correlation,
	}
	if w.Provenance == nil {
		w.Provenance = []ProvenanceEntry{}
	}
	base, err := json.Marshal(w)
	if err != nil {
		return nil, err
	}
	return mergeExtra(base, e.Extra)
}

// Validate checks the structural invariants a worker requires before
// processing a delivery. expect, when non-empty, pins the stage the caller
// consumes from; the orchestrator validates with the zero value since it
// sees every stage.
func (e *Envelope) Validate(expect Stage) error {
	if e.RequestID == "" {
		return NewValidationError("request_id", "request_id is required")
	}
	if !requestIDPattern.MatchString(e.RequestID) {
		return NewValidationError("request_id", "request_id %q contains invalid characters", e.RequestID)
	}
	if !e.Stage.Valid() {
		return NewValidationError("stage", "unknown stage %q", e.Stage)
	}
	if expect != "" && e.Stage != expect {
		return NewValidationError("stage", "stage %q does not match consumer stage %q", e.Stage, expect)
	}
	if e.Attempt < 1 {
		return NewValidationError("attempt", "attempt must be at least 1, got %d", e.Attempt)
	}
	if e.ProducedAt.IsZero() {
		return NewValidationError("produced_at", "produced_at is required")
	}
	if e.Payload == nil {
		return NewValidationError("payload", "payload is required")
	}
	if len(e.Provenance) != e.Stage.Index() {
		return NewValidationError("provenance", "stage %s requires %d provenance entries, got %d",
			e.Stage, e.Stage.Index(), len(e.Provenance))
	}
	for i, entry := range e.Provenance {
		if entry.Stage != stageOrder[i] {
			return NewValidationError("provenance", "entry %d is %q, want %q", i, entry.Stage, stageOrder[i])
		}
	}
	return e.Payload.Validate()
}

// Next derives the successor envelope carrying this stage's output. The
// attempt counter resets to 1, the current stage is appended to the
// provenance chain, and preserved unknown keys ride along.
func (e *Envelope) Next(payload Payload, workerID string) (*Envelope, error) {
	next, ok := e.Stage.Next()
	if !ok {
		return nil, NewValidationError("stage", "stage %s has no successor", e.Stage)
	}
	now := time.Now().UTC()
	prov := make([]ProvenanceEntry, len(e.Provenance), len(e.Provenance)+1)
	copy(prov, e.Provenance)
	prov = append(prov, ProvenanceEntry{Stage: e.Stage, ProducedAt: now, WorkerID: workerID})
	return &Envelope{
		RequestID:   e.RequestID,
		Stage:       next,
		Attempt:     1,
		ProducedAt:  now,
		Payload:     payload,
		Provenance:  prov,
		Correlation: e.Correlation,
		Extra:       e.Extra,
	}, nil
}

// Fingerprint hashes the envelope's identity and payload content. Delivery
// metadata (attempt, produced_at, provenance) is excluded, so a redelivery
// of identical content produces an identical fingerprint. Workers key their
// idempotency cache on it.
func (e *Envelope) Fingerprint() (string, error) {
	if e.Payload == nil {
		return "", NewValidationError("payload", "payload is required")
	}
	raw, err := EncodePayload(e.Payload)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write([]byte(e.RequestID))
	h.Write([]byte{0})
	h.Write([]byte(e.Stage))
	h.Write([]byte{0})
	h.Write(raw)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// DecodePayload decodes raw payload bytes against the type expected at the
// given stage, capturing unknown keys.
func DecodePayload(stage Stage, raw []byte) (Payload, error) {
	p, err := PayloadFor(stage)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", p.Kind(), err)
	}
	extra, err := extraFields(raw, jsonKeys(p))
	if err != nil {
		return nil, err
	}
	p.setExtra(extra)
	return p, nil
}

// EncodePayload marshals a payload with its preserved unknown keys folded
// back in. Map keys are emitted in sorted order, so equal payloads encode
// to equal bytes.
func EncodePayload(p Payload) ([]byte, error) {
	base, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", p.Kind(), err)
	}
	return mergeExtra(base, p.extra())
}

// jsonKeys reports the JSON object keys produced by v's struct fields.
func jsonKeys(v any) map[string]struct{} {
	t := reflect.TypeOf(v)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	keys := make(map[string]struct{}, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name := f.Name
		if tag := f.Tag.Get("json"); tag != "" {
			if comma := strings.Index(tag, ","); comma >= 0 {
				tag = tag[:comma]
			}
			if tag == "-" {
				continue
			}
			if tag != "" {
				name = tag
			}
		}
		keys[name] = struct{}{}
	}
	return keys
}

// extraFields returns the keys of data not claimed by a known struct field,
// or nil when there are none.
func extraFields(data []byte, known map[string]struct{}) (map[string]json.RawMessage, error) {
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, fmt.Errorf("scan unknown keys: %w", err)
	}
	for k := range known {
		delete(all, k)
	}
	if len(all) == 0 {
		return nil, nil
	}
	return all, nil
}

// mergeExtra folds preserved unknown keys into an encoded object. Known
// fields win on collision.
func mergeExtra(base []byte, extra map[string]json.RawMessage) ([]byte, error) {
	if len(extra) == 0 {
		return base, nil
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(base, &all); err != nil {
		return nil, fmt.Errorf("merge unknown keys: %w", err)
	}
	for k, v := range extra {
		if _, taken := all[k]; taken {
			continue
		}
		all[k] = v
	}
	return json.Marshal(all)
}

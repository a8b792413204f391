// Package envelope defines the MEW wire envelope shared by the gateway and
// every participant runtime.
//
// All traffic in a space is carried by envelopes: self-describing JSON
// objects with a protocol discriminator, a sender-assigned unique id, a
// slash-namespaced kind, optional addressing, and a kind-specific payload.
// The envelope layer enforces the wire invariants the rest of the system
// relies on:
// - `correlation_id` is always a list, never a scalar
// - `protocol`, `id` and `kind` are present on every accepted envelope
// - unknown payload shapes are preserved as raw bytes for forwarding
//
// Called by: gateway core, transports, client runtime
// Calls: Standard JSON marshaling, UUID generation
package envelope

import (
	"bytes"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Protocol is the wire-version discriminator stamped on every envelope
// emitted by this implementation. Envelopes carrying other versions are
// rejected at the codec boundary.
const Protocol = "mew/v0.4"

// Envelope kinds recognized by the gateway. Kinds use slash-separated
// namespaces; anything not listed here is forwarded opaquely.
const (
	KindJoin              = "system/join"
	KindWelcome           = "system/welcome"
	KindParticipantJoined = "system/participant-joined"
	KindParticipantLeft   = "system/participant-left"
	KindError             = "system/error"

	KindChat            = "chat"
	KindChatAcknowledge = "chat/acknowledge"
	KindChatCancel      = "chat/cancel"

	KindMCPRequest  = "mcp/request"
	KindMCPResponse = "mcp/response"
	KindMCPProposal = "mcp/proposal"

	KindReasoningStart      = "reasoning/start"
	KindReasoningThought    = "reasoning/thought"
	KindReasoningConclusion = "reasoning/conclusion"
	KindReasoningCancel     = "reasoning/cancel"

	KindStreamRequest = "stream/request"
	KindStreamOpen    = "stream/open"
	KindStreamClose   = "stream/close"

	KindGrant    = "capability/grant"
	KindRevoke   = "capability/revoke"
	KindGrantAck = "capability/grant-ack"

	KindPause         = "participant/pause"
	KindResume        = "participant/resume"
	KindClear         = "participant/clear"
	KindRestart       = "participant/restart"
	KindShutdown      = "participant/shutdown"
	KindCompact       = "participant/compact"
	KindCompactDone   = "participant/compact-done"
	KindRequestStatus = "participant/request-status"
	KindStatus        = "participant/status"
)

// ErrScalarCorrelation reports a `correlation_id` that arrived as a JSON
// scalar. The protocol requires a list; legacy scalar senders must be
// translated at an adapter layer, never tolerated here.
var ErrScalarCorrelation = errors.New("correlation_id must be a list")

// CorrelationID is the list of envelope ids a message correlates to.
// The first entry is the primary correlation target (the request a
// response answers, or the proposal a fulfillment executes).
//
// The custom unmarshaler is the enforcement point for the list-only
// invariant: a scalar on ingress is a decode error, not a value.
type CorrelationID []string

// UnmarshalJSON accepts only JSON arrays of strings (or null).
func (c *CorrelationID) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*c = nil
		return nil
	}
	if trimmed[0] != '[' {
		return ErrScalarCorrelation
	}
	var ids []string
	if err := json.Unmarshal(trimmed, &ids); err != nil {
		return err
	}
	*c = ids
	return nil
}

// Envelope is the canonical message transported end-to-end.
//
// Field semantics:
//   - Protocol: wire-version discriminator ("mew/v0.4")
//   - ID: globally unique envelope id, assigned by the sender
//   - TS: sender wall-clock, RFC3339
//   - From: sender participant id; overwritten authoritatively by the
//     gateway on ingress, so recipients can trust it
//   - To: ordered recipient list; empty means broadcast
//   - Kind: slash-namespaced kind tag selecting semantics and policy
//   - CorrelationID: ids of prior envelopes this one responds to
//   - Context: groups related envelopes (e.g. a reasoning session)
//   - Payload: kind-specific body, kept raw so unknown kinds forward
//     without loss
//
// Thread Safety: envelopes are treated as immutable once routed; the
// gateway clones before mutating addressing fields.
type Envelope struct {
	Protocol      string          `json:"protocol"`
	ID            string          `json:"id"`
	TS            time.Time       `json:"ts,omitzero"`
	From          string          `json:"from,omitempty"`
	To            []string        `json:"to,omitempty"`
	Kind          string          `json:"kind"`
	CorrelationID CorrelationID   `json:"correlation_id,omitempty"`
	Context       string          `json:"context,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// New creates an envelope of the given kind with a freshly assigned id,
// the current timestamp and a marshaled payload.
//
// Parameters:
//   - kind: envelope kind tag (e.g. "chat")
//   - payload: message body to be JSON-marshaled; nil leaves the payload
//     empty
//
// Returns:
//   - *Envelope: ready-to-address envelope
//   - error: JSON marshaling error if the payload is not serializable
//
// Called by: gateway when synthesizing system envelopes, client runtime
// for outbound messages
func New(kind string, payload interface{}) (*Envelope, error) {
	env := &Envelope{
		Protocol: Protocol,
		ID:       uuid.New().String(),
		TS:       time.Now().UTC(),
		Kind:     kind,
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		env.Payload = data
	}
	return env, nil
}

// NewReply creates an envelope correlated to a prior one and addressed
// back to its sender. The correlation list carries the original id as
// its single (primary) entry.
func NewReply(original *Envelope, kind string, payload interface{}) (*Envelope, error) {
	env, err := New(kind, payload)
	if err != nil {
		return nil, err
	}
	if original.From != "" {
		env.To = []string{original.From}
	}
	env.CorrelationID = CorrelationID{original.ID}
	env.Context = original.Context
	return env, nil
}

// Finalize stamps the egress-mandatory fields before transmission:
// protocol, id, ts and from. Existing id and ts values are preserved so
// senders keep control of their own identifiers.
//
// Called by: gateway on every egress path, client runtime in Send
func (e *Envelope) Finalize(from string) {
	if e.Protocol == "" {
		e.Protocol = Protocol
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.TS.IsZero() {
		e.TS = time.Now().UTC()
	}
	e.From = from
}

// IsBroadcast reports whether the envelope is addressed to the whole
// space rather than a recipient list.
func (e *Envelope) IsBroadcast() bool {
	return len(e.To) == 0
}

// Correlates reports whether the envelope's primary correlation entry
// references the given envelope id.
func (e *Envelope) Correlates(id string) bool {
	return len(e.CorrelationID) > 0 && e.CorrelationID[0] == id
}

// UnmarshalPayload decodes the raw payload into the provided struct.
func (e *Envelope) UnmarshalPayload(v interface{}) error {
	if len(e.Payload) == 0 {
		return errors.New("envelope has no payload")
	}
	return json.Unmarshal(e.Payload, v)
}

// Clone creates a deep copy of the envelope. The gateway clones before
// rewriting addressing fields so routing never mutates a sender's view.
func (e *Envelope) Clone() *Envelope {
	clone := *e
	if e.To != nil {
		clone.To = make([]string, len(e.To))
		copy(clone.To, e.To)
	}
	if e.CorrelationID != nil {
		clone.CorrelationID = make(CorrelationID, len(e.CorrelationID))
		copy(clone.CorrelationID, e.CorrelationID)
	}
	if e.Payload != nil {
		clone.Payload = make(json.RawMessage, len(e.Payload))
		copy(clone.Payload, e.Payload)
	}
	return &clone
}

// Validate checks the presence of the fields every accepted envelope
// must carry. Payloads are not inspected here; kind-specific shape
// checks live with their handlers.
func (e *Envelope) Validate() error {
	if e.Protocol == "" {
		return &ValidationError{Field: "protocol", Message: "protocol version is required"}
	}
	if e.ID == "" {
		return &ValidationError{Field: "id", Message: "envelope id is required"}
	}
	if e.Kind == "" {
		return &ValidationError{Field: "kind", Message: "envelope kind is required"}
	}
	return nil
}

// ValidationError represents an envelope validation failure.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// Typed payload views for the envelope kinds the gateway and the client
// runtime inspect. Everything else stays raw and is forwarded untouched.

package envelope

import (
	"encoding/json"

	"github.com/mew-protocol/mew/internal/capability"
)

// Stable error codes carried in system/error payloads. Senders branch on
// codes, not on message text.
const (
	CodeInvalidSpace       = "invalid_space"
	CodeAuthRequired       = "auth_required"
	CodeAuthFailed         = "auth_failed"
	CodeCapabilityDenied   = "capability_denied"
	CodeUnknownRecipient   = "unknown_recipient"
	CodeDecodeError        = "decode_error"
	CodeReservedKind       = "reserved_kind"
	CodeDuplicateID        = "duplicate_id"
	CodeStreamUnknown      = "stream_unknown"
	CodeStreamUnauthorized = "stream_unauthorized"
)

// JoinPayload is the body of the system/join envelope, the mandatory
// first frame on every connection.
type JoinPayload struct {
	Space         string `json:"space"`
	Token         string `json:"token"`
	ParticipantID string `json:"participantId"`
}

// ErrorPayload is the body of system/error envelopes.
type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// ParticipantInfo describes one participant in welcome and roster
// payloads.
type ParticipantInfo struct {
	ID           string                  `json:"id"`
	DisplayName  string                  `json:"display_name,omitempty"`
	Status       string                  `json:"status,omitempty"`
	Capabilities []capability.Capability `json:"capabilities,omitempty"`
}

// WelcomePayload is delivered to a participant after a successful join:
// its own effective capabilities plus the current roster.
type WelcomePayload struct {
	You          ParticipantInfo   `json:"you"`
	Participants []ParticipantInfo `json:"participants"`
}

// PresencePayload is the body of system/participant-joined and
// system/participant-left broadcasts.
type PresencePayload struct {
	ID           string                  `json:"id"`
	DisplayName  string                  `json:"display_name,omitempty"`
	Capabilities []capability.Capability `json:"capabilities,omitempty"`
}

// GrantPayload is the body of capability/grant. GrantID is stamped by
// the gateway when it forwards the grant to the recipient; senders leave
// it empty.
type GrantPayload struct {
	Recipient    string                  `json:"recipient"`
	Capabilities []capability.Capability `json:"capabilities"`
	GrantID      string                  `json:"grant_id,omitempty"`
	Reason       string                  `json:"reason,omitempty"`
}

// RevokePayload is the body of capability/revoke, naming grants to
// remove from the recipient.
type RevokePayload struct {
	Recipient string   `json:"recipient"`
	GrantIDs  []string `json:"grant_ids"`
}

// GrantAckPayload is emitted by grant recipients, never by the gateway.
type GrantAckPayload struct {
	GrantID string `json:"grant_id"`
	Status  string `json:"status"` // "accepted" or "rejected"
}

// StreamRequestPayload is the body of stream/request. The requested
// peers are the envelope's `to` list; the payload only describes the
// stream.
type StreamRequestPayload struct {
	Description string `json:"description,omitempty"`
	Direction   string `json:"direction,omitempty"` // "upload", "download", "bidirectional"
}

// StreamOpenPayload carries the gateway-assigned stream id.
type StreamOpenPayload struct {
	StreamID    string `json:"stream_id"`
	Description string `json:"description,omitempty"`
}

// StreamClosePayload closes a stream from either side.
type StreamClosePayload struct {
	StreamID string `json:"stream_id"`
	Reason   string `json:"reason,omitempty"`
}

// MCPPayload is the JSON-RPC-shaped body of mcp/request, mcp/proposal
// and mcp/response envelopes. The gateway inspects only Method and
// Params.Name; Arguments and Result stay raw.
type MCPPayload struct {
	Method string          `json:"method,omitempty"`
	Params *MCPParams      `json:"params,omitempty"`
	ID     interface{}     `json:"id,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *MCPError       `json:"error,omitempty"`
}

// MCPParams are the parameters of a tools/call invocation.
type MCPParams struct {
	Name      string          `json:"name,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// MCPError is the JSON-RPC error body used when a tool handler fails.
type MCPError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// ChatPayload is the body of chat envelopes.
type ChatPayload struct {
	Text   string `json:"text"`
	Format string `json:"format,omitempty"`
}

// PausePayload is the body of participant/pause. A non-zero
// TimeoutSeconds asks the target to resume itself after that long.
type PausePayload struct {
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// StatusPayload is the body of participant/status replies: the current
// lifecycle state plus advisory context counters.
type StatusPayload struct {
	Status   string `json:"status"`
	Messages int    `json:"messages"`
	Tokens   int    `json:"tokens,omitempty"`
}

// CompactDonePayload reports the outcome of a participant/compact
// request.
type CompactDonePayload struct {
	Status        string `json:"status"` // "compacted" or "skipped"
	FreedTokens   int    `json:"freed_tokens,omitempty"`
	FreedMessages int    `json:"freed_messages,omitempty"`
}

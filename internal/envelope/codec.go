// Envelope codec: the boundary between raw transport frames and validated
// envelopes. Everything crossing a transport goes through Decode on the
// way in and Encode on the way out, so this file is where frame-size
// limits and shape rejection live.

package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
)

// DecodeError describes why a frame was rejected at the codec boundary.
// Decode errors are recoverable: the gateway drops the frame, informs the
// sender, and keeps the connection open (up to a configured threshold).
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode: %s: %v", e.Reason, e.Err)
	}
	return "decode: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

// IsDecodeError reports whether err is a codec rejection.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

// Decode parses and validates a single raw frame into an envelope.
//
// Rejections (all *DecodeError):
//   - frame larger than maxBytes (maxBytes <= 0 disables the limit)
//   - malformed JSON
//   - scalar correlation_id (list-only invariant)
//   - missing protocol, id or kind
//   - protocol version other than the one this gateway speaks
//
// Unknown fields are ignored permissively for forward compatibility;
// unknown kinds decode fine and keep their payload raw.
//
// Called by: gateway ingestion, client runtime listener
func Decode(data []byte, maxBytes int) (*Envelope, error) {
	if maxBytes > 0 && len(data) > maxBytes {
		return nil, &DecodeError{Reason: fmt.Sprintf("frame of %d bytes exceeds limit of %d", len(data), maxBytes)}
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		if errors.Is(err, ErrScalarCorrelation) {
			return nil, &DecodeError{Reason: "correlation_id must be a list", Err: err}
		}
		return nil, &DecodeError{Reason: "malformed envelope", Err: err}
	}

	if err := env.Validate(); err != nil {
		return nil, &DecodeError{Reason: "invalid envelope", Err: err}
	}

	if env.Protocol != Protocol {
		return nil, &DecodeError{Reason: fmt.Sprintf("unsupported protocol %q", env.Protocol)}
	}

	return &env, nil
}

// DecodeBody parses an envelope submitted over the HTTP injection
// surface. Injected bodies may omit protocol, ts and from (the gateway
// stamps all three), but id and kind remain mandatory and the
// correlation list invariant still holds.
func DecodeBody(data []byte, maxBytes int) (*Envelope, error) {
	if maxBytes > 0 && len(data) > maxBytes {
		return nil, &DecodeError{Reason: fmt.Sprintf("body of %d bytes exceeds limit of %d", len(data), maxBytes)}
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		if errors.Is(err, ErrScalarCorrelation) {
			return nil, &DecodeError{Reason: "correlation_id must be a list", Err: err}
		}
		return nil, &DecodeError{Reason: "malformed envelope", Err: err}
	}

	if env.ID == "" {
		return nil, &DecodeError{Reason: "invalid envelope", Err: &ValidationError{Field: "id", Message: "envelope id is required"}}
	}
	if env.Kind == "" {
		return nil, &DecodeError{Reason: "invalid envelope", Err: &ValidationError{Field: "kind", Message: "envelope kind is required"}}
	}
	if env.Protocol != "" && env.Protocol != Protocol {
		return nil, &DecodeError{Reason: fmt.Sprintf("unsupported protocol %q", env.Protocol)}
	}

	return &env, nil
}

// Encode serializes an envelope for transmission. The envelope must have
// been finalized first; encoding an envelope missing mandatory fields is
// a programming error surfaced as a regular error.
func Encode(env *Envelope) ([]byte, error) {
	if err := env.Validate(); err != nil {
		return nil, fmt.Errorf("refusing to encode invalid envelope: %w", err)
	}
	return json.Marshal(env)
}

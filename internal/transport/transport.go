// Package transport provides the pluggable message carriers the gateway
// accepts participants over.
//
// Three adapters expose the same abstract Channel interface:
//   - bidirectional WebSocket connections (gorilla/websocket)
//   - request/reply HTTP injection (chi router, no persistent channel)
//   - spawn-and-pipe child processes speaking newline-delimited frames
//
// A frame is either a JSON envelope or an inline stream frame. Stream
// frames are opaque bytes multiplexed inside the same connection under a
// stream id, prefixed `#<stream-id>#` on the wire so the two can be told
// apart without parsing JSON.
//
// Called by: gateway core (channel consumption), cmd/gateway (wiring)
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
)

// ErrChannelClosed is returned by Send after the channel has closed.
var ErrChannelClosed = errors.New("channel closed")

// Frame is one unit received from or sent to a channel. StreamID is
// empty for JSON envelope frames and set for inline stream frames.
type Frame struct {
	StreamID string
	Data     []byte
}

// Channel is the abstract bidirectional carrier every transport adapter
// exposes. The gateway owns exactly one channel per connected
// participant.
//
// Receive's channel is closed when the peer disconnects or the channel
// is closed locally; after that Send returns ErrChannelClosed.
type Channel interface {
	// Send transmits one frame. It may block on transport backpressure
	// and honors ctx cancellation.
	Send(ctx context.Context, frame Frame) error

	// Receive returns the inbound frame stream. The same channel is
	// returned on every call.
	Receive() <-chan Frame

	// Close tears the channel down with a human-readable reason.
	// Idempotent.
	Close(reason string) error

	// Description identifies the remote end for logging.
	Description() string

	// BearerToken returns the token presented at the transport level
	// (e.g. an Authorization header), or "" if none was given. When
	// present it must match the join payload token.
	BearerToken() string
}

// streamFramePrefix marks inline stream frames on the wire. JSON
// envelopes always start with '{', so the prefix is unambiguous.
const streamFramePrefix = '#'

// EncodeFrame serializes a frame for the wire.
func EncodeFrame(frame Frame) []byte {
	if frame.StreamID == "" {
		return frame.Data
	}
	out := make([]byte, 0, len(frame.StreamID)+len(frame.Data)+2)
	out = append(out, streamFramePrefix)
	out = append(out, frame.StreamID...)
	out = append(out, streamFramePrefix)
	return append(out, frame.Data...)
}

// DecodeFrame splits a wire frame into its stream id (if any) and
// payload bytes.
func DecodeFrame(data []byte) (Frame, error) {
	if len(data) == 0 || data[0] != streamFramePrefix {
		return Frame{Data: data}, nil
	}
	end := bytes.IndexByte(data[1:], streamFramePrefix)
	if end < 1 {
		return Frame{}, fmt.Errorf("malformed stream frame header")
	}
	return Frame{
		StreamID: string(data[1 : 1+end]),
		Data:     data[2+end:],
	}, nil
}

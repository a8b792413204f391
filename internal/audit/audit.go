// Package audit provides the append-only structured trail of every
// routing and policy event the gateway produces.
//
// Two JSONL streams are kept under the configured logs directory,
// rotated by size:
//   - envelopes.jsonl: one record per routing event (received, delivered,
//     failed, rejected, dropped), keyed by envelope id and recipient
//   - decisions.jsonl: one record per capability check (allowed, denied)
//
// The streams are write-only from the gateway's point of view: operators
// and test harnesses tail them, the gateway never reads them back to make
// policy decisions.
//
// Called by: gateway core
// Calls: zerolog (record encoding), lumberjack (size rotation)
package audit

import (
	"io"
	"path/filepath"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/mew-protocol/mew/internal/capability"
)

// Routing events recorded in the envelope history stream.
const (
	EventReceived  = "received"  // envelope accepted on ingress
	EventDelivered = "delivered" // delivery attempt succeeded
	EventFailed    = "failed"    // delivery attempt failed
	EventRejected  = "rejected"  // envelope refused on ingress
	EventDropped   = "dropped"   // envelope shed by backpressure
)

// Logger writes the two audit streams.
//
// Thread Safety: zerolog serializes writes per logger; methods are safe
// for concurrent use.
type Logger struct {
	envelopes zerolog.Logger
	decisions zerolog.Logger
	closers   []io.Closer
}

// New creates an audit logger rooted at dir. Files rotate when they
// exceed maxSizeMB megabytes; rotated files keep lumberjack's default
// naming so harnesses can glob for history.
func New(dir string, maxSizeMB int) (*Logger, error) {
	if maxSizeMB <= 0 {
		maxSizeMB = 64
	}

	envWriter := &lumberjack.Logger{
		Filename:   filepath.Join(dir, "envelopes.jsonl"),
		MaxSize:    maxSizeMB,
		MaxBackups: 4,
	}
	decWriter := &lumberjack.Logger{
		Filename:   filepath.Join(dir, "decisions.jsonl"),
		MaxSize:    maxSizeMB,
		MaxBackups: 4,
	}

	return &Logger{
		envelopes: zerolog.New(envWriter).With().Timestamp().Logger(),
		decisions: zerolog.New(decWriter).With().Timestamp().Logger(),
		closers:   []io.Closer{envWriter, decWriter},
	}, nil
}

// NewNop returns a logger that discards everything. Used by tests and by
// gateways constructed without a logs directory.
func NewNop() *Logger {
	return &Logger{
		envelopes: zerolog.Nop(),
		decisions: zerolog.Nop(),
	}
}

// Close flushes and closes the underlying files.
func (l *Logger) Close() error {
	var firstErr error
	for _, c := range l.closers {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Received records an envelope accepted on ingress.
func (l *Logger) Received(envelopeID, from, kind string) {
	l.envelopes.Info().
		Str("event", EventReceived).
		Str("envelope_id", envelopeID).
		Str("from", from).
		Str("kind", kind).
		Send()
}

// Delivered records one successful delivery attempt.
func (l *Logger) Delivered(envelopeID, recipient string) {
	l.envelopes.Info().
		Str("event", EventDelivered).
		Str("envelope_id", envelopeID).
		Str("recipient", recipient).
		Send()
}

// DeliveryFailed records one failed delivery attempt with the underlying
// reason. Other recipients are unaffected.
func (l *Logger) DeliveryFailed(envelopeID, recipient, reason string) {
	l.envelopes.Warn().
		Str("event", EventFailed).
		Str("envelope_id", envelopeID).
		Str("recipient", recipient).
		Str("reason", reason).
		Send()
}

// Rejected records an envelope refused on ingress (reserved kind,
// duplicate id, decode failure attributable to a known sender).
func (l *Logger) Rejected(envelopeID, from, reason string) {
	l.envelopes.Warn().
		Str("event", EventRejected).
		Str("envelope_id", envelopeID).
		Str("from", from).
		Str("reason", reason).
		Send()
}

// Dropped records an envelope shed from a recipient's outbound queue
// under backpressure. Nothing is ever silently lost: every shed envelope
// produces exactly one of these.
func (l *Logger) Dropped(envelopeID, recipient string) {
	l.envelopes.Warn().
		Str("event", EventDropped).
		Str("envelope_id", envelopeID).
		Str("recipient", recipient).
		Send()
}

// Decision records one capability check. matched and source are empty
// for denials.
func (l *Logger) Decision(envelopeID, participant string, required capability.Capability, decision capability.Decision) {
	event := l.decisions.Info()
	result := "allowed"
	if !decision.Allowed {
		event = l.decisions.Warn()
		result = "denied"
	}
	event = event.
		Str("envelope_id", envelopeID).
		Str("participant", participant).
		Interface("required_capability", required).
		Str("result", result)
	if decision.Allowed && decision.Matched != nil {
		event = event.
			Interface("matched_capability", decision.Matched.Source()).
			Str("matched_source", string(decision.Source))
	}
	event.Send()
}

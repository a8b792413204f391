// Control envelopes the gateway handles itself: capability grants and
// revocations, stream lifecycle, and inline stream frame routing. All of
// this runs on the routing goroutine.

package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/mew-protocol/mew/internal/capability"
	"github.com/mew-protocol/mew/internal/envelope"
	"github.com/mew-protocol/mew/internal/registry"
	"github.com/mew-protocol/mew/internal/transport"
)

// stream is the routing state of one open sub-channel.
type stream struct {
	id         string
	opener     string
	recipients []string
	// writers may push frames: the opener and every listed recipient.
	writers map[string]bool
	// lastFrame feeds the idle sweep; opening counts as activity.
	lastFrame time.Time
}

// handleGrant applies a capability/grant. The generic policy check has
// already passed (the sender's meta-capability covers the grant's
// recipient via the payload template); what remains is compiling the
// granted patterns, recording the grant and forwarding the stamped
// envelope to the recipient only.
func (g *Gateway) handleGrant(sender string, env *envelope.Envelope, reply chan *transport.Rejection) {
	var payload envelope.GrantPayload
	if err := env.UnmarshalPayload(&payload); err != nil || payload.Recipient == "" || len(payload.Capabilities) == 0 {
		g.refuse(sender, env, reply, http.StatusBadRequest,
			envelope.CodeDecodeError, "grant payload requires recipient and capabilities")
		return
	}

	patterns := make([]*capability.Pattern, 0, len(payload.Capabilities))
	for i, cap := range payload.Capabilities {
		p, err := capability.Compile(cap)
		if err != nil {
			g.refuse(sender, env, reply, http.StatusBadRequest,
				envelope.CodeDecodeError, fmt.Sprintf("grant capability %d: %v", i, err))
			return
		}
		patterns = append(patterns, p)
	}

	grantID, err := g.registry.Grant(payload.Recipient, registry.Grant{
		Patterns:  patterns,
		GrantedBy: sender,
		Reason:    payload.Reason,
		Ephemeral: true,
	})
	if err != nil {
		g.refuse(sender, env, reply, http.StatusNotFound,
			envelope.CodeUnknownRecipient, fmt.Sprintf("grant recipient: %v", err))
		return
	}
	g.log.Info().Str("grant_id", grantID).Str("from", sender).
		Str("recipient", payload.Recipient).Msg("capability granted")

	// Forward to the recipient only, with the grant id stamped so the
	// recipient can acknowledge or later be revoked by id.
	forwarded := env.Clone()
	forwarded.To = []string{payload.Recipient}
	payload.GrantID = grantID
	if stamped, err := json.Marshal(payload); err == nil {
		forwarded.Payload = stamped
	}
	g.deliverToConnected(sender, forwarded, payload.Recipient)
	g.accept(reply)
}

// handleRevoke removes named grants from the recipient and forwards the
// revocation.
func (g *Gateway) handleRevoke(sender string, env *envelope.Envelope, reply chan *transport.Rejection) {
	var payload envelope.RevokePayload
	if err := env.UnmarshalPayload(&payload); err != nil || payload.Recipient == "" || len(payload.GrantIDs) == 0 {
		g.refuse(sender, env, reply, http.StatusBadRequest,
			envelope.CodeDecodeError, "revoke payload requires recipient and grant_ids")
		return
	}

	removed, err := g.registry.Revoke(payload.Recipient, payload.GrantIDs)
	if err != nil {
		g.refuse(sender, env, reply, http.StatusNotFound,
			envelope.CodeUnknownRecipient, fmt.Sprintf("revoke recipient: %v", err))
		return
	}
	g.log.Info().Str("from", sender).Str("recipient", payload.Recipient).
		Int("removed", removed).Msg("capabilities revoked")

	forwarded := env.Clone()
	forwarded.To = []string{payload.Recipient}
	g.deliverToConnected(sender, forwarded, payload.Recipient)
	g.accept(reply)
}

// handleStreamRequest allocates a stream id and answers with a
// correlated stream/open, forwarded both to the requester and to the
// listed peers.
func (g *Gateway) handleStreamRequest(sender string, env *envelope.Envelope, reply chan *transport.Rejection) {
	var payload envelope.StreamRequestPayload
	env.UnmarshalPayload(&payload) // description is optional; a missing payload is fine

	g.streamSeq++
	streamID := fmt.Sprintf("s-%d", g.streamSeq)

	writers := map[string]bool{sender: true}
	for _, peer := range env.To {
		writers[peer] = true
	}
	g.streams[streamID] = &stream{
		id:         streamID,
		opener:     sender,
		recipients: append([]string(nil), env.To...),
		writers:    writers,
		lastFrame:  time.Now(),
	}

	open, err := envelope.New(envelope.KindStreamOpen, envelope.StreamOpenPayload{
		StreamID:    streamID,
		Description: payload.Description,
	})
	if err != nil {
		return
	}
	open.CorrelationID = envelope.CorrelationID{env.ID}
	open.Finalize(SystemSender)

	targets := append([]string{sender}, env.To...)
	for _, target := range targets {
		addressed := open.Clone()
		addressed.To = []string{target}
		g.deliverToConnected(sender, addressed, target)
	}
	g.log.Debug().Str("stream_id", streamID).Str("opener", sender).Msg("stream opened")
	g.accept(reply)
}

// handleStreamClose reclaims the stream id; the envelope itself is still
// fanned out by the caller so both sides observe the close.
func (g *Gateway) handleStreamClose(sender string, env *envelope.Envelope) {
	var payload envelope.StreamClosePayload
	if err := env.UnmarshalPayload(&payload); err != nil || payload.StreamID == "" {
		return
	}
	st, ok := g.streams[payload.StreamID]
	if !ok || !st.writers[sender] {
		return
	}
	delete(g.streams, payload.StreamID)
	g.log.Debug().Str("stream_id", payload.StreamID).Str("by", sender).Msg("stream closed")
}

// routeStreamFrame forwards one inline frame. The gateway never looks at
// the bytes; it only checks that the stream exists and the sender is an
// authorized writer.
func (g *Gateway) routeStreamFrame(sender string, frame transport.Frame) {
	st, ok := g.streams[frame.StreamID]
	if !ok {
		g.sendError(sender, nil, envelope.CodeStreamUnknown,
			fmt.Sprintf("stream %q is not open", frame.StreamID))
		return
	}
	if !st.writers[sender] {
		g.audit.Rejected("", sender, "unauthorized stream writer on "+frame.StreamID)
		g.sendError(sender, nil, envelope.CodeStreamUnauthorized,
			fmt.Sprintf("not an authorized writer on stream %q", frame.StreamID))
		return
	}
	st.lastFrame = time.Now()

	targets := append([]string{st.opener}, st.recipients...)
	for _, target := range targets {
		if target == sender {
			continue
		}
		g.mu.Lock()
		s, connected := g.sessions[target]
		g.mu.Unlock()
		if !connected {
			continue
		}
		g.enqueueFrame(s, outItem{frame: frame})
	}
}

// reclaimStreams closes every stream a departing participant took part
// in, notifying the surviving parties.
func (g *Gateway) reclaimStreams(id, reason string) {
	for streamID, st := range g.streams {
		if !st.writers[id] {
			continue
		}
		delete(g.streams, streamID)
		g.notifyStreamClosed(st, id, reason)
	}
	delete(g.dedup, id)
}

// reapIdleStreams reclaims stream ids with no frame traffic inside the
// idle bound, notifying every party. idle <= 0 disables the sweep.
func (g *Gateway) reapIdleStreams(idle time.Duration) {
	if idle <= 0 {
		return
	}
	cutoff := time.Now().Add(-idle)
	for streamID, st := range g.streams {
		if st.lastFrame.After(cutoff) {
			continue
		}
		delete(g.streams, streamID)
		g.log.Debug().Str("stream_id", streamID).Msg("stream idle, reclaiming")
		g.notifyStreamClosed(st, "", "stream idle timeout")
	}
}

// notifyStreamClosed synthesizes stream/close to a stream's parties,
// skipping exclude (the departed participant; "" skips nobody).
func (g *Gateway) notifyStreamClosed(st *stream, exclude, reason string) {
	closeEnv, err := envelope.New(envelope.KindStreamClose, envelope.StreamClosePayload{
		StreamID: st.id,
		Reason:   reason,
	})
	if err != nil {
		return
	}
	closeEnv.Finalize(SystemSender)
	for _, target := range append([]string{st.opener}, st.recipients...) {
		if target == exclude {
			continue
		}
		addressed := closeEnv.Clone()
		addressed.To = []string{target}
		g.deliverToConnected(SystemSender, addressed, target)
	}
}

// deliverToConnected enqueues an envelope for one recipient, reporting
// unknown or absent recipients back to the originating sender.
func (g *Gateway) deliverToConnected(sender string, env *envelope.Envelope, recipient string) {
	if _, known := g.registry.Get(recipient); !known {
		g.audit.DeliveryFailed(env.ID, recipient, "unknown recipient")
		if sender != recipient && sender != SystemSender {
			g.sendError(sender, env, envelope.CodeUnknownRecipient,
				fmt.Sprintf("unknown recipient %q", recipient))
		}
		return
	}
	g.mu.Lock()
	s, connected := g.sessions[recipient]
	g.mu.Unlock()
	if !connected {
		g.audit.DeliveryFailed(env.ID, recipient, "not connected")
		return
	}
	g.enqueue(s, env)
}

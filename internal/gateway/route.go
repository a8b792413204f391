// Envelope ingestion and fan-out. Everything in this file runs on the
// single routing goroutine, which is what makes a grant applied by one
// envelope visible to the policy check of the next.

package gateway

import (
	"fmt"
	"net/http"
	"time"

	"github.com/mew-protocol/mew/internal/capability"
	"github.com/mew-protocol/mew/internal/envelope"
	"github.com/mew-protocol/mew/internal/transport"
)

// streamSweepInterval is how often the routing goroutine looks for idle
// streams to reclaim.
const streamSweepInterval = 500 * time.Millisecond

type taskKind int

const (
	taskEnvelope taskKind = iota
	taskStreamFrame
	taskDisconnect
	taskInject
)

// task is one unit of work for the routing goroutine.
type task struct {
	kind   taskKind
	sender string
	env    *envelope.Envelope
	frame  transport.Frame

	// reply carries the synchronous outcome for HTTP injection; nil for
	// connected-channel traffic, whose errors go back as system/error.
	reply chan *transport.Rejection
}

// routeLoop is the routing goroutine body.
func (g *Gateway) routeLoop() {
	defer g.wg.Done()
	idle := time.Duration(g.limits.StreamIdleSeconds) * time.Second
	sweep := time.NewTicker(streamSweepInterval)
	defer sweep.Stop()
	for {
		select {
		case <-g.ctx.Done():
			return
		case <-sweep.C:
			g.reapIdleStreams(idle)
		case t := <-g.routeCh:
			switch t.kind {
			case taskEnvelope:
				g.ingest(t.sender, t.env, t.reply)
			case taskStreamFrame:
				g.routeStreamFrame(t.sender, t.frame)
			case taskDisconnect:
				g.reclaimStreams(t.sender, "participant disconnected")
			case taskInject:
				g.ingest(t.sender, t.env, t.reply)
			}
		}
	}
}

// ingest runs the post-join pipeline for one envelope: authoritative
// sender stamping, dedup, reserved-kind rejection, policy check, then
// control handling or fan-out. reply is non-nil for HTTP injection.
func (g *Gateway) ingest(sender string, env *envelope.Envelope, reply chan *transport.Rejection) {
	// The sender's identity is established at join; whatever the
	// envelope claimed is overwritten here so recipients can trust it.
	env.Finalize(sender)

	if g.seenBefore(sender, env.ID) {
		g.audit.Rejected(env.ID, sender, "duplicate envelope id")
		g.refuse(sender, env, reply, http.StatusBadRequest,
			envelope.CodeDuplicateID, fmt.Sprintf("envelope id %q already seen", env.ID))
		return
	}

	if isReservedKind(env.Kind) {
		g.audit.Rejected(env.ID, sender, "reserved kind "+env.Kind)
		g.refuse(sender, env, reply, http.StatusBadRequest,
			envelope.CodeReservedKind, fmt.Sprintf("kind %q is reserved for the gateway", env.Kind))
		return
	}

	g.audit.Received(env.ID, sender, env.Kind)

	view, ok := g.registry.Get(sender)
	if !ok {
		// Session raced a removal; nothing to route.
		return
	}

	decision := g.matcher.Evaluate(capability.MessageView{
		ID:      env.ID,
		Kind:    env.Kind,
		To:      env.To,
		Payload: env.Payload,
	}, view.Configured, view.Granted)
	g.audit.Decision(env.ID, sender, requiredCapability(env), decision)

	if !decision.Allowed {
		g.refuse(sender, env, reply, http.StatusForbidden,
			envelope.CodeCapabilityDenied, fmt.Sprintf("capability denied for kind %q", env.Kind))
		return
	}

	switch env.Kind {
	case envelope.KindGrant:
		g.handleGrant(sender, env, reply)
		return
	case envelope.KindRevoke:
		g.handleRevoke(sender, env, reply)
		return
	case envelope.KindStreamRequest:
		g.handleStreamRequest(sender, env, reply)
		return
	case envelope.KindStreamClose:
		g.handleStreamClose(sender, env)
	}

	g.fanOut(sender, env)
	g.accept(reply)
}

// fanOut delivers an accepted envelope: to its listed recipients, or to
// everyone but the sender on broadcast. A listed recipient the registry
// has never heard of produces an unknown_recipient error back to the
// sender; a known but disconnected recipient is a delivery failure.
func (g *Gateway) fanOut(sender string, env *envelope.Envelope) {
	if env.IsBroadcast() {
		g.mu.Lock()
		defer g.mu.Unlock()
		for _, s := range g.sessions {
			if s.id == sender {
				continue
			}
			g.enqueue(s, env)
		}
		return
	}

	for _, recipient := range env.To {
		if _, known := g.registry.Get(recipient); !known {
			g.audit.DeliveryFailed(env.ID, recipient, "unknown recipient")
			g.sendError(sender, env, envelope.CodeUnknownRecipient,
				fmt.Sprintf("unknown recipient %q", recipient))
			continue
		}
		g.mu.Lock()
		s, connected := g.sessions[recipient]
		g.mu.Unlock()
		if !connected {
			g.audit.DeliveryFailed(env.ID, recipient, "not connected")
			continue
		}
		g.enqueue(s, env)
	}
}

// refuse reports a rejected envelope to its sender: a system/error for
// channel traffic, a synchronous rejection for HTTP injection.
func (g *Gateway) refuse(sender string, env *envelope.Envelope, reply chan *transport.Rejection, status int, code, message string) {
	if reply != nil {
		reply <- &transport.Rejection{Status: status, Code: code, Message: message}
		return
	}
	g.sendError(sender, env, code, message)
}

// accept resolves an HTTP injection as routed.
func (g *Gateway) accept(reply chan *transport.Rejection) {
	if reply != nil {
		reply <- nil
	}
}

// Inject routes a single envelope submitted over HTTP on behalf of a
// participant that need not hold an open channel. Implements
// transport.Handler.
func (g *Gateway) Inject(participantID, token string, body []byte) *transport.Rejection {
	resolved, ok := g.registry.ResolveToken(token)
	if !ok {
		return &transport.Rejection{Status: http.StatusUnauthorized,
			Code: envelope.CodeAuthFailed, Message: "authentication failed"}
	}
	if resolved != participantID {
		return &transport.Rejection{Status: http.StatusForbidden,
			Code: envelope.CodeAuthFailed, Message: "token does not belong to participant"}
	}
	if _, known := g.registry.Get(participantID); !known {
		return &transport.Rejection{Status: http.StatusNotFound,
			Code: envelope.CodeUnknownRecipient, Message: "unknown participant"}
	}

	env, err := envelope.DecodeBody(body, g.limits.MaxEnvelopeBytes)
	if err != nil {
		return &transport.Rejection{Status: http.StatusBadRequest,
			Code: envelope.CodeDecodeError, Message: err.Error()}
	}

	reply := make(chan *transport.Rejection, 1)
	select {
	case <-g.ctx.Done():
		return &transport.Rejection{Status: http.StatusServiceUnavailable,
			Code: envelope.CodeDecodeError, Message: "gateway shutting down"}
	case g.routeCh <- task{kind: taskInject, sender: participantID, env: env, reply: reply}:
	}

	select {
	case <-g.ctx.Done():
		return &transport.Rejection{Status: http.StatusServiceUnavailable,
			Code: envelope.CodeDecodeError, Message: "gateway shutting down"}
	case rejection := <-reply:
		return rejection
	}
}

// seenBefore checks and updates the sender's dedup window.
func (g *Gateway) seenBefore(sender, envelopeID string) bool {
	window, ok := g.dedup[sender]
	if !ok {
		window = newDedupWindow(g.limits.DedupWindow)
		g.dedup[sender] = window
	}
	return window.observe(envelopeID)
}

// isReservedKind reports whether participants are forbidden to send a
// kind. The whole system/* namespace originates at the gateway; a
// participant-sent system/join after the handshake is equally refused.
func isReservedKind(kind string) bool {
	return len(kind) >= len("system/") && kind[:len("system/")] == "system/"
}

// requiredCapability builds the descriptor recorded in the decision
// audit stream: the envelope's kind and addressing plus the documented
// payload fields the policy language may reference for that kind.
func requiredCapability(env *envelope.Envelope) capability.Capability {
	required := capability.Capability{Kind: env.Kind}
	if len(env.To) > 0 {
		to := make([]interface{}, len(env.To))
		for i, r := range env.To {
			to[i] = r
		}
		required.To = to
	}

	switch env.Kind {
	case envelope.KindMCPRequest, envelope.KindMCPProposal:
		var mcp envelope.MCPPayload
		if err := env.UnmarshalPayload(&mcp); err == nil && mcp.Method != "" {
			payload := map[string]interface{}{"method": mcp.Method}
			if mcp.Params != nil && mcp.Params.Name != "" {
				payload["params"] = map[string]interface{}{"name": mcp.Params.Name}
			}
			required.Payload = payload
		}
	case envelope.KindGrant, envelope.KindRevoke:
		var grant struct {
			Recipient string `json:"recipient"`
		}
		if err := env.UnmarshalPayload(&grant); err == nil && grant.Recipient != "" {
			required.Payload = map[string]interface{}{"recipient": grant.Recipient}
		}
	}
	return required
}

// dedupWindow remembers the last N envelope ids from one sender.
type dedupWindow struct {
	limit int
	seen  map[string]bool
	order []string
}

func newDedupWindow(limit int) *dedupWindow {
	if limit < 1 {
		limit = 1
	}
	return &dedupWindow{limit: limit, seen: make(map[string]bool, limit)}
}

// observe records an id, reporting whether it was already in the window.
func (w *dedupWindow) observe(id string) bool {
	if w.seen[id] {
		return true
	}
	w.seen[id] = true
	w.order = append(w.order, id)
	if len(w.order) > w.limit {
		delete(w.seen, w.order[0])
		w.order = w.order[1:]
	}
	return false
}

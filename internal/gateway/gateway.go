// Package gateway implements the routing and policy core of a MEW space.
//
// The gateway is the only component that touches transports, the
// registry and the capability matcher in the same request. Its job per
// envelope: establish who sent it, decide whether they may send it, and
// fan it out to the recipients allowed to see it, leaving an audit
// record at every step.
//
// Concurrency model:
//   - one reader goroutine per connected participant feeds a single
//     routing goroutine (serializes policy checks against grant
//     mutations and preserves per-sender FIFO ordering)
//   - one writer goroutine per participant drains a bounded outbound
//     queue; overflow sheds the oldest non-control envelope and records
//     the drop
//
// Called by: transport server (channel + HTTP injection), cmd/gateway
// Calls: registry, capability matcher, audit logger, envelope codec
package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mew-protocol/mew/internal/audit"
	"github.com/mew-protocol/mew/internal/capability"
	"github.com/mew-protocol/mew/internal/config"
	"github.com/mew-protocol/mew/internal/envelope"
	"github.com/mew-protocol/mew/internal/registry"
	"github.com/mew-protocol/mew/internal/transport"
)

// SystemSender is the `from` id on envelopes the gateway synthesizes
// (errors, welcomes, presence, stream control).
const SystemSender = "gateway"

// Gateway routes envelopes within one space.
type Gateway struct {
	space    string
	limits   config.GatewayConfig
	registry *registry.Registry
	matcher  *capability.Matcher
	audit    *audit.Logger
	log      zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// routeCh is the single routing goroutine's inbox. Everything that
	// needs policy or stream state goes through here.
	routeCh chan task

	mu        sync.Mutex
	sessions  map[string]*session
	streams   map[string]*stream
	streamSeq int

	// dedup tracks recently seen envelope ids per sender. Touched only
	// by the routing goroutine.
	dedup map[string]*dedupWindow
}

// New wires a gateway from its collaborators. Call Start before serving
// channels and Shutdown when done.
func New(cfg *config.Config, reg *registry.Registry, matcher *capability.Matcher, auditLog *audit.Logger, log zerolog.Logger) *Gateway {
	return &Gateway{
		space:    cfg.Space,
		limits:   cfg.Gateway,
		registry: reg,
		matcher:  matcher,
		audit:    auditLog,
		log:      log,
		routeCh:  make(chan task, 256),
		sessions: make(map[string]*session),
		streams:  make(map[string]*stream),
		dedup:    make(map[string]*dedupWindow),
	}
}

// Start launches the routing goroutine. The gateway serves channels
// until ctx is cancelled or Shutdown is called.
func (g *Gateway) Start(ctx context.Context) {
	g.ctx, g.cancel = context.WithCancel(ctx)
	g.wg.Add(1)
	go g.routeLoop()
}

// Shutdown closes every connected channel and stops the routing
// goroutine. Safe to call once, including on a gateway that was never
// started.
func (g *Gateway) Shutdown() {
	g.mu.Lock()
	for _, s := range g.sessions {
		s.channel.Close("gateway shutdown")
	}
	g.mu.Unlock()

	if g.cancel != nil {
		g.cancel()
	}
	g.wg.Wait()
}

// session is the gateway-side state of one connected participant.
type session struct {
	id      string
	channel transport.Channel
	queue   *outQueue
	done    chan struct{}

	decodeFailures int
}

// ServeChannel runs the full connection lifecycle for one channel: join
// handshake, session loop, teardown. Blocks until the channel closes.
//
// Called by: transport server (WebSocket upgrades), cmd/gateway (stdio
// spawned participants), tests (pipe channels)
func (g *Gateway) ServeChannel(ctx context.Context, ch transport.Channel) {
	id, ok := g.handshake(ctx, ch)
	if !ok {
		return
	}

	s := &session{
		id:      id,
		channel: ch,
		queue:   newOutQueue(g.limits.OutboundQueue),
		done:    make(chan struct{}),
	}

	g.mu.Lock()
	g.sessions[id] = s
	g.mu.Unlock()

	g.wg.Add(1)
	go g.writeLoop(s)

	g.sendWelcome(s)
	g.broadcastPresence(envelope.KindParticipantJoined, id)
	g.log.Info().Str("participant", id).Str("channel", ch.Description()).Msg("participant joined")

	g.readLoop(s)
	g.teardown(s)
}

// handshake enforces the join protocol: the first frame within the join
// timeout must be a system/join envelope whose token resolves to the
// claimed participant. Every failure path emits a system/error and
// closes the channel.
func (g *Gateway) handshake(ctx context.Context, ch transport.Channel) (string, bool) {
	timeout := time.Duration(g.limits.JoinTimeoutSeconds) * time.Second
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var frame transport.Frame
	var open bool
	select {
	case <-ctx.Done():
		ch.Close("context cancelled")
		return "", false
	case <-g.ctx.Done():
		ch.Close("gateway shutdown")
		return "", false
	case <-timer.C:
		g.rejectJoin(ch, envelope.CodeAuthRequired, "join timeout")
		return "", false
	case frame, open = <-ch.Receive():
		if !open {
			return "", false
		}
	}

	env, err := envelope.Decode(frame.Data, g.limits.MaxEnvelopeBytes)
	if err != nil {
		g.rejectJoin(ch, envelope.CodeDecodeError, "first frame is not a valid envelope")
		return "", false
	}
	if env.Kind != envelope.KindJoin {
		g.rejectJoin(ch, envelope.CodeAuthRequired, "first envelope must be system/join")
		return "", false
	}

	var join envelope.JoinPayload
	if err := env.UnmarshalPayload(&join); err != nil {
		g.rejectJoin(ch, envelope.CodeDecodeError, "malformed join payload")
		return "", false
	}

	if join.Space != g.space {
		g.rejectJoin(ch, envelope.CodeInvalidSpace, fmt.Sprintf("space %q is not served here", join.Space))
		return "", false
	}
	if join.Token == "" {
		g.rejectJoin(ch, envelope.CodeAuthRequired, "authentication required")
		return "", false
	}
	// A bearer token presented at the transport layer must agree with the
	// join token; a mismatch is treated as an authentication failure.
	if bearer := ch.BearerToken(); bearer != "" && bearer != join.Token {
		g.rejectJoin(ch, envelope.CodeAuthFailed, "authentication failed")
		return "", false
	}

	id, ok := g.registry.ResolveToken(join.Token)
	if !ok || (join.ParticipantID != "" && join.ParticipantID != id) {
		g.rejectJoin(ch, envelope.CodeAuthFailed, "authentication failed")
		return "", false
	}

	if err := g.registry.AttachChannel(id, ch); err != nil {
		g.rejectJoin(ch, envelope.CodeAuthFailed, "participant already connected")
		return "", false
	}
	return id, true
}

// rejectJoin emits a system/error directly on a channel that never
// completed the handshake, then closes it.
func (g *Gateway) rejectJoin(ch transport.Channel, code, message string) {
	env, err := envelope.New(envelope.KindError, envelope.ErrorPayload{Message: message, Code: code})
	if err == nil {
		env.Finalize(SystemSender)
		if data, err := envelope.Encode(env); err == nil {
			sendCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			ch.Send(sendCtx, transport.Frame{Data: data})
			cancel()
		}
	}
	ch.Close(message)
}

// sendWelcome delivers the joiner's own effective capabilities plus the
// current roster.
func (g *Gateway) sendWelcome(s *session) {
	view, ok := g.registry.Get(s.id)
	if !ok {
		return
	}
	welcome := envelope.WelcomePayload{
		You: participantInfo(view),
	}
	for _, peer := range g.registry.Connected() {
		if peer.ID == s.id {
			continue
		}
		welcome.Participants = append(welcome.Participants, participantInfo(peer))
	}

	env, err := envelope.New(envelope.KindWelcome, welcome)
	if err != nil {
		g.log.Error().Err(err).Msg("failed to build welcome")
		return
	}
	env.To = []string{s.id}
	env.Finalize(SystemSender)
	g.enqueue(s, env)
}

// broadcastPresence announces a join or leave to every other connected
// participant.
func (g *Gateway) broadcastPresence(kind, id string) {
	view, ok := g.registry.Get(id)
	if !ok {
		return
	}
	payload := envelope.PresencePayload{
		ID:          view.ID,
		DisplayName: view.DisplayName,
	}
	if kind == envelope.KindParticipantJoined {
		payload.Capabilities = view.EffectiveCapabilities
	}
	env, err := envelope.New(kind, payload)
	if err != nil {
		return
	}
	env.Finalize(SystemSender)

	g.mu.Lock()
	defer g.mu.Unlock()
	for _, peer := range g.sessions {
		if peer.id == id {
			continue
		}
		g.enqueue(peer, env)
	}
}

func participantInfo(v *registry.View) envelope.ParticipantInfo {
	return envelope.ParticipantInfo{
		ID:           v.ID,
		DisplayName:  v.DisplayName,
		Status:       string(v.Status),
		Capabilities: v.EffectiveCapabilities,
	}
}

// readLoop consumes inbound frames until the channel closes. Envelope
// decode happens here; everything that needs shared state is forwarded
// to the routing goroutine.
func (g *Gateway) readLoop(s *session) {
	for frame := range s.channel.Receive() {
		if frame.StreamID != "" {
			g.submit(task{kind: taskStreamFrame, sender: s.id, frame: frame})
			continue
		}

		env, err := envelope.Decode(frame.Data, g.limits.MaxEnvelopeBytes)
		if err != nil {
			s.decodeFailures++
			g.audit.Rejected("", s.id, err.Error())
			g.sendError(s.id, nil, envelope.CodeDecodeError, err.Error())
			if s.decodeFailures >= g.limits.DecodeFailureLimit {
				g.log.Warn().Str("participant", s.id).Int("failures", s.decodeFailures).
					Msg("decode failure threshold exceeded, closing")
				s.channel.Close("too many malformed frames")
				return
			}
			continue
		}

		g.submit(task{kind: taskEnvelope, sender: s.id, env: env})
	}
}

// submit hands a task to the routing goroutine, giving up on shutdown.
func (g *Gateway) submit(t task) {
	select {
	case <-g.ctx.Done():
	case g.routeCh <- t:
	}
}

// teardown detaches a departing participant: registry state, streams,
// presence broadcast, queue shutdown.
func (g *Gateway) teardown(s *session) {
	g.mu.Lock()
	delete(g.sessions, s.id)
	g.mu.Unlock()

	// Presence goes out before the registry forgets the channel so the
	// view still resolves; recipients only need id and display name.
	g.broadcastPresence(envelope.KindParticipantLeft, s.id)

	if err := g.registry.DetachChannel(s.id); err != nil {
		g.log.Warn().Err(err).Str("participant", s.id).Msg("detach failed")
	}
	g.submit(task{kind: taskDisconnect, sender: s.id})

	s.queue.close()
	close(s.done)
	s.channel.Close("session ended")
	g.log.Info().Str("participant", s.id).Msg("participant left")
}

// writeLoop drains the session's outbound queue onto its channel.
func (g *Gateway) writeLoop(s *session) {
	defer g.wg.Done()
	for {
		item, ok := s.queue.pop()
		if !ok {
			select {
			case <-s.queue.notify:
				continue
			case <-s.done:
				return
			case <-g.ctx.Done():
				return
			}
		}

		if err := s.channel.Send(g.ctx, item.frame); err != nil {
			if item.envID != "" {
				g.audit.DeliveryFailed(item.envID, s.id, err.Error())
			}
			s.channel.Close("write failure")
			return
		}
		if item.envID != "" {
			g.audit.Delivered(item.envID, s.id)
		}
	}
}

// enqueue encodes an envelope onto a session's outbound queue,
// recording any envelope shed by the overflow policy.
func (g *Gateway) enqueue(s *session, env *envelope.Envelope) {
	data, err := envelope.Encode(env)
	if err != nil {
		g.log.Error().Err(err).Str("kind", env.Kind).Msg("failed to encode outbound envelope")
		return
	}
	g.enqueueFrame(s, outItem{
		frame:   transport.Frame{Data: data},
		envID:   env.ID,
		control: isControlKind(env.Kind),
	})
}

func (g *Gateway) enqueueFrame(s *session, item outItem) {
	dropped, didDrop := s.queue.push(item)
	if didDrop && dropped.envID != "" {
		g.audit.Dropped(dropped.envID, s.id)
	}
}

// sendError emits a system/error to a connected participant. cause, when
// present, provides the correlation target.
func (g *Gateway) sendError(participantID string, cause *envelope.Envelope, code, message string) {
	env, err := envelope.New(envelope.KindError, envelope.ErrorPayload{Message: message, Code: code})
	if err != nil {
		return
	}
	env.To = []string{participantID}
	if cause != nil && cause.ID != "" {
		env.CorrelationID = envelope.CorrelationID{cause.ID}
	}
	env.Finalize(SystemSender)

	g.mu.Lock()
	s, ok := g.sessions[participantID]
	g.mu.Unlock()
	if ok {
		g.enqueue(s, env)
	}
}

// isControlKind reports whether a kind is exempt from backpressure
// shedding. Losing a data envelope under load is survivable and audited;
// losing a grant or a presence event would desynchronize policy state.
func isControlKind(kind string) bool {
	for _, prefix := range []string{"system/", "capability/", "stream/", "participant/"} {
		if len(kind) >= len(prefix) && kind[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}

// outItem is one queued delivery.
type outItem struct {
	frame   transport.Frame
	envID   string
	control bool
}

// outQueue is a bounded FIFO with a drop-oldest-non-control overflow
// policy. Control items are never shed; the queue may exceed its limit
// by queued control traffic.
type outQueue struct {
	mu     sync.Mutex
	items  []outItem
	limit  int
	notify chan struct{}
	closed bool
}

func newOutQueue(limit int) *outQueue {
	if limit < 1 {
		limit = 1
	}
	return &outQueue{limit: limit, notify: make(chan struct{}, 1)}
}

// push appends an item, shedding under overflow. Returns the shed item,
// if any.
func (q *outQueue) push(item outItem) (outItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return outItem{}, false
	}

	var dropped outItem
	didDrop := false
	if len(q.items) >= q.limit {
		idx := -1
		for i, queued := range q.items {
			if !queued.control {
				idx = i
				break
			}
		}
		switch {
		case idx >= 0:
			dropped = q.items[idx]
			didDrop = true
			q.items = append(q.items[:idx], q.items[idx+1:]...)
		case !item.control:
			// Queue is all control traffic; the incoming data item is
			// the one shed.
			return item, true
		}
	}

	q.items = append(q.items, item)
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return dropped, didDrop
}

// pop removes the head item; ok is false when the queue is empty or
// closed.
func (q *outQueue) pop() (outItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || len(q.items) == 0 {
		return outItem{}, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, true
}

func (q *outQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.items = nil
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Package participant layers agent behavior on top of the client
// runtime: a tool registry served over MCP-shaped envelopes, the
// proposal fallback for senders without direct capability, and the full
// set of lifecycle controls (pause, resume, clear, restart, shutdown,
// compact, status).
//
// A participant runs one event loop (Run) that consumes the client's
// inbound stream; tool handlers execute on their own goroutines so a
// slow tool never blocks lifecycle traffic.
//
// Called by: agent processes, tool servers, test drivers
// Calls: public/client, envelope payload views
package participant

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mew-protocol/mew/internal/envelope"
	"github.com/mew-protocol/mew/public/client"
)

// Lifecycle states reported in participant/status payloads.
const (
	StateActive       = "active"
	StatePaused       = "paused"
	StateCompacting   = "compacting"
	StateShuttingDown = "shutting_down"
)

// ChatHandler receives inbound chat envelopes while the participant is
// not paused.
type ChatHandler func(ctx context.Context, env *envelope.Envelope, chat envelope.ChatPayload)

// Compactor performs a best-effort context reduction on
// participant/compact. It reports what it freed; returning ok=false
// means compaction was skipped.
type Compactor func(ctx context.Context) (freedTokens, freedMessages int, ok bool)

// Options configures a participant runtime.
type Options struct {
	Logger zerolog.Logger

	// OnChat, when set, receives chat envelopes.
	OnChat ChatHandler

	// Compact, when set, backs participant/compact. Without it every
	// compact request reports "skipped".
	Compact Compactor

	// AutoAckGrants makes the runtime answer capability/grant with an
	// accepted capability/grant-ack. The gateway never forges acks, so
	// without this the granter hears nothing.
	AutoAckGrants bool
}

// Participant is an agent-side runtime bound to one client connection.
//
// Thread Safety: safe for concurrent use; the event loop and tool
// goroutines coordinate through the participant mutex.
type Participant struct {
	client *client.Client
	opts   Options
	log    zerolog.Logger

	mu        sync.Mutex
	tools     map[string]*Tool
	toolOrder []string

	state    string
	messages int
	tokens   int

	paused       bool
	resumeTimer  *time.Timer
	heldOutbound []*envelope.Envelope

	// proposals tracks our own outstanding mcp/proposal envelopes:
	// proposal id -> watcher resolving when the fulfillment's response
	// is observed. The watcher keeps the original target and payload so
	// a later grant can retry the call directly.
	proposals map[string]*proposalWatch

	openStreams map[string]bool

	wg   sync.WaitGroup
	done chan struct{}
	once sync.Once
}

type proposalWatch struct {
	target        string
	payload       envelope.MCPPayload
	fulfillmentID string
	slot          chan *envelope.Envelope
}

// New wraps a connected (and joined) client.
func New(c *client.Client, opts Options) *Participant {
	return &Participant{
		client:      c,
		opts:        opts,
		log:         opts.Logger,
		tools:       make(map[string]*Tool),
		state:       StateActive,
		proposals:   make(map[string]*proposalWatch),
		openStreams: make(map[string]bool),
		done:        make(chan struct{}),
	}
}

// Client exposes the underlying connection for direct envelope work.
func (p *Participant) Client() *client.Client { return p.client }

// Run consumes the inbound event stream until the connection closes,
// ctx is cancelled, or a participant/shutdown is honored.
func (p *Participant) Run(ctx context.Context) error {
	defer p.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.done:
			return nil
		case env, ok := <-p.client.Events():
			if !ok {
				return client.ErrClosed
			}
			p.handle(ctx, env)
		}
	}
}

// handle dispatches one inbound envelope.
func (p *Participant) handle(ctx context.Context, env *envelope.Envelope) {
	p.countInbound(env)

	// Proposal observation runs before kind dispatch: a fulfillment
	// request or its response may also be something we serve.
	p.observeProposalTraffic(env)

	switch env.Kind {
	case envelope.KindMCPRequest:
		p.handleMCPRequest(ctx, env)
	case envelope.KindChat:
		p.handleChat(ctx, env)
	case envelope.KindGrant:
		p.handleGrant(ctx, env)
	case envelope.KindPause:
		p.handlePause(ctx, env)
	case envelope.KindResume:
		p.handleResume(ctx, env)
	case envelope.KindClear:
		p.handleClear(ctx, env)
	case envelope.KindRestart:
		p.handleRestart(ctx, env)
	case envelope.KindShutdown:
		p.handleShutdown(ctx, env)
	case envelope.KindCompact:
		p.handleCompact(ctx, env)
	case envelope.KindRequestStatus:
		p.replyStatus(ctx, env)
	}
}

// Send transmits an envelope, holding it back while paused. Held
// envelopes flush in order on resume.
func (p *Participant) Send(ctx context.Context, env *envelope.Envelope) error {
	p.mu.Lock()
	if p.paused {
		p.heldOutbound = append(p.heldOutbound, env)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()
	p.countOutbound(env)
	return p.client.Send(ctx, env)
}

// Chat sends a chat envelope, broadcast when to is empty.
func (p *Participant) Chat(ctx context.Context, to []string, text string) error {
	env, err := envelope.New(envelope.KindChat, envelope.ChatPayload{Text: text, Format: "plain"})
	if err != nil {
		return err
	}
	env.To = to
	return p.Send(ctx, env)
}

// OpenStream opens a stream through the client and tracks it so restart
// can reclaim it.
func (p *Participant) OpenStream(ctx context.Context, to []string, description string) (string, error) {
	id, err := p.client.OpenStream(ctx, to, description)
	if err != nil {
		return "", err
	}
	p.mu.Lock()
	p.openStreams[id] = true
	p.mu.Unlock()
	return id, nil
}

// CloseStream closes a tracked stream.
func (p *Participant) CloseStream(ctx context.Context, streamID, reason string) error {
	p.mu.Lock()
	delete(p.openStreams, streamID)
	p.mu.Unlock()
	return p.client.CloseStream(ctx, streamID, reason)
}

// handleChat feeds the chat handler unless paused; a paused participant
// stops consuming new chat work.
func (p *Participant) handleChat(ctx context.Context, env *envelope.Envelope) {
	p.mu.Lock()
	paused := p.paused
	handler := p.opts.OnChat
	p.mu.Unlock()
	if paused || handler == nil {
		return
	}
	var chat envelope.ChatPayload
	if err := env.UnmarshalPayload(&chat); err != nil {
		return
	}
	handler(ctx, env, chat)
}

// handleGrant reacts to an inbound capability grant: an optional ack,
// then a retry of any outstanding proposals the grant may have unblocked.
func (p *Participant) handleGrant(ctx context.Context, env *envelope.Envelope) {
	var grant envelope.GrantPayload
	if err := env.UnmarshalPayload(&grant); err != nil {
		return
	}
	if p.opts.AutoAckGrants && grant.GrantID != "" {
		p.AcknowledgeGrant(ctx, env, grant.GrantID, "accepted")
	}
	p.retryProposals(ctx)
}

// AcknowledgeGrant emits capability/grant-ack back to the granter.
func (p *Participant) AcknowledgeGrant(ctx context.Context, grant *envelope.Envelope, grantID, status string) error {
	ack, err := envelope.NewReply(grant, envelope.KindGrantAck, envelope.GrantAckPayload{
		GrantID: grantID,
		Status:  status,
	})
	if err != nil {
		return err
	}
	return p.Send(ctx, ack)
}

// handlePause stops chat/reasoning consumption and outbound emission,
// arming an auto-resume timer when the payload carries timeout_seconds.
func (p *Participant) handlePause(ctx context.Context, env *envelope.Envelope) {
	var pause envelope.PausePayload
	env.UnmarshalPayload(&pause)

	p.mu.Lock()
	p.paused = true
	p.state = StatePaused
	if p.resumeTimer != nil {
		p.resumeTimer.Stop()
		p.resumeTimer = nil
	}
	if pause.TimeoutSeconds > 0 {
		p.resumeTimer = time.AfterFunc(time.Duration(pause.TimeoutSeconds)*time.Second, func() {
			p.autoResume(context.Background(), env.ID)
		})
	}
	p.mu.Unlock()

	p.replyStatus(ctx, env)
}

func (p *Participant) handleResume(ctx context.Context, env *envelope.Envelope) {
	p.resume(ctx)
	p.replyStatus(ctx, env)
}

// resume flushes held outbound envelopes in their original order.
func (p *Participant) resume(ctx context.Context) {
	p.mu.Lock()
	if !p.paused {
		p.mu.Unlock()
		return
	}
	p.paused = false
	p.state = StateActive
	if p.resumeTimer != nil {
		p.resumeTimer.Stop()
		p.resumeTimer = nil
	}
	held := p.heldOutbound
	p.heldOutbound = nil
	p.mu.Unlock()

	for _, env := range held {
		p.countOutbound(env)
		if err := p.client.Send(ctx, env); err != nil {
			p.log.Warn().Err(err).Str("kind", env.Kind).Msg("failed to flush held envelope")
		}
	}
}

// autoResume fires when a pause timeout elapses. Lifting the pause is
// not enough: the transition is announced unprompted with a
// participant/resume correlated to the pause, followed by the new
// status.
func (p *Participant) autoResume(ctx context.Context, pauseID string) {
	p.mu.Lock()
	paused := p.paused
	p.mu.Unlock()
	if !paused {
		return
	}
	p.resume(ctx)

	resumed, err := envelope.New(envelope.KindResume, nil)
	if err != nil {
		return
	}
	resumed.CorrelationID = envelope.CorrelationID{pauseID}
	p.countOutbound(resumed)
	if err := p.client.Send(ctx, resumed); err != nil {
		p.log.Warn().Err(err).Msg("failed to announce auto-resume")
		return
	}
	p.announceStatus(ctx)
}

// announceStatus broadcasts an unsolicited participant/status.
func (p *Participant) announceStatus(ctx context.Context) {
	p.mu.Lock()
	status := envelope.StatusPayload{
		Status:   p.state,
		Messages: p.messages,
		Tokens:   p.tokens,
	}
	p.mu.Unlock()

	env, err := envelope.New(envelope.KindStatus, status)
	if err != nil {
		return
	}
	p.countOutbound(env)
	if err := p.client.Send(ctx, env); err != nil {
		p.log.Warn().Err(err).Msg("failed to announce status")
	}
}

func (p *Participant) handleClear(ctx context.Context, env *envelope.Envelope) {
	p.mu.Lock()
	p.messages = 0
	p.tokens = 0
	p.mu.Unlock()
	p.replyStatus(ctx, env)
}

// handleRestart closes active streams and resets counters, then reports
// status.
func (p *Participant) handleRestart(ctx context.Context, env *envelope.Envelope) {
	p.mu.Lock()
	streams := make([]string, 0, len(p.openStreams))
	for id := range p.openStreams {
		streams = append(streams, id)
	}
	p.openStreams = make(map[string]bool)
	p.messages = 0
	p.tokens = 0
	p.paused = false
	p.state = StateActive
	p.mu.Unlock()

	for _, id := range streams {
		p.client.CloseStream(ctx, id, "restart")
	}
	p.replyStatus(ctx, env)
}

// handleShutdown reports a final status and tears the connection down.
func (p *Participant) handleShutdown(ctx context.Context, env *envelope.Envelope) {
	p.mu.Lock()
	p.state = StateShuttingDown
	p.mu.Unlock()
	p.replyStatus(ctx, env)

	p.once.Do(func() { close(p.done) })
	p.client.Close()
}

// handleCompact reports "compacting", runs the compaction hook, and
// replies with participant/compact-done.
func (p *Participant) handleCompact(ctx context.Context, env *envelope.Envelope) {
	p.mu.Lock()
	p.state = StateCompacting
	p.mu.Unlock()
	p.replyStatus(ctx, env)

	result := envelope.CompactDonePayload{Status: "skipped"}
	if p.opts.Compact != nil {
		if freedTokens, freedMessages, ok := p.opts.Compact(ctx); ok {
			result = envelope.CompactDonePayload{
				Status:        "compacted",
				FreedTokens:   freedTokens,
				FreedMessages: freedMessages,
			}
			p.mu.Lock()
			p.tokens -= freedTokens
			if p.tokens < 0 {
				p.tokens = 0
			}
			p.messages -= freedMessages
			if p.messages < 0 {
				p.messages = 0
			}
			p.mu.Unlock()
		}
	}

	p.mu.Lock()
	p.state = StateActive
	p.mu.Unlock()

	doneEnv, err := envelope.NewReply(env, envelope.KindCompactDone, result)
	if err != nil {
		return
	}
	p.Send(ctx, doneEnv)
}

// replyStatus answers a control envelope with the current state and
// counters.
func (p *Participant) replyStatus(ctx context.Context, cause *envelope.Envelope) {
	p.mu.Lock()
	status := envelope.StatusPayload{
		Status:   p.state,
		Messages: p.messages,
		Tokens:   p.tokens,
	}
	p.mu.Unlock()

	reply, err := envelope.NewReply(cause, envelope.KindStatus, status)
	if err != nil {
		return
	}
	// Status replies bypass the pause queue; a paused participant must
	// still answer controls.
	p.countOutbound(reply)
	if err := p.client.Send(ctx, reply); err != nil {
		p.log.Warn().Err(err).Msg("failed to send status reply")
	}
}

// countInbound and countOutbound maintain the advisory context counters
// reported in participant/status. Token counts are a rough
// bytes-per-token estimate, good enough for compaction heuristics.
func (p *Participant) countInbound(env *envelope.Envelope) {
	p.count(env)
}

func (p *Participant) countOutbound(env *envelope.Envelope) {
	p.count(env)
}

func (p *Participant) count(env *envelope.Envelope) {
	p.mu.Lock()
	p.messages++
	p.tokens += len(env.Payload) / 4
	p.mu.Unlock()
}

// marshalRaw is a small helper for building raw payload fragments.
func marshalRaw(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}

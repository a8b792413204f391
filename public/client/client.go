// Package client is the participant-side runtime for a MEW space: it
// owns the connection, performs the join handshake, stamps outbound
// envelopes, correlates responses to requests, and exposes everything
// else as an event stream.
//
// One listener goroutine reads the channel; callers interact through
// Send/Request and the Events channel. Request correlation resolves on
// the first entry of an inbound envelope's correlation_id matching a
// pending request id.
//
// Called by: participant runtimes, tools, test drivers
// Calls: transport channels, envelope codec
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/mew-protocol/mew/internal/envelope"
	"github.com/mew-protocol/mew/internal/transport"
)

// Defaults for the cooperative timeouts. Both are overridable per
// client; the request timeout also per call via context deadline.
const (
	DefaultRequestTimeout = 30 * time.Second
	DefaultJoinTimeout    = 15 * time.Second
)

// Sentinel errors callers branch on.
var (
	ErrNotJoined = errors.New("client has not joined a space")
	ErrTimeout   = errors.New("request timed out")
	ErrClosed    = errors.New("client is closed")
	ErrCancelled = errors.New("request cancelled")
)

// Options configures a client.
type Options struct {
	// URL is the gateway WebSocket endpoint (ws://host:port/ws). Ignored
	// when Channel is set.
	URL string

	// Channel supplies a pre-established transport, used by embedded
	// participants and tests.
	Channel transport.Channel

	Space         string
	Token         string
	ParticipantID string

	Logger         zerolog.Logger
	RequestTimeout time.Duration
	JoinTimeout    time.Duration

	// MaxEnvelopeBytes bounds inbound frames; zero disables the bound.
	MaxEnvelopeBytes int
}

// Client is one participant's connection to a gateway.
//
// Thread Safety: safe for concurrent use after Connect.
type Client struct {
	opts Options
	ch   transport.Channel
	log  zerolog.Logger

	mu      sync.Mutex
	joined  bool
	welcome *envelope.WelcomePayload
	pending map[string]chan *envelope.Envelope

	events    chan *envelope.Envelope
	frames    chan transport.Frame
	welcomeCh chan *envelope.Envelope

	done      chan struct{}
	closeOnce sync.Once
}

// Connect establishes the transport and starts the listener. Join must
// be called before the gateway will route anything.
func Connect(ctx context.Context, opts Options) (*Client, error) {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.JoinTimeout <= 0 {
		opts.JoinTimeout = DefaultJoinTimeout
	}

	ch := opts.Channel
	if ch == nil {
		if opts.URL == "" {
			return nil, fmt.Errorf("either URL or Channel is required")
		}
		header := http.Header{}
		if opts.Token != "" {
			header.Set("Authorization", "Bearer "+opts.Token)
		}
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, opts.URL, header)
		if err != nil {
			return nil, fmt.Errorf("failed to dial gateway: %w", err)
		}
		ch = transport.NewWebSocketChannel(conn, opts.Token)
	}

	c := &Client{
		opts:      opts,
		ch:        ch,
		log:       opts.Logger,
		pending:   make(map[string]chan *envelope.Envelope),
		events:    make(chan *envelope.Envelope, 256),
		frames:    make(chan transport.Frame, 256),
		welcomeCh: make(chan *envelope.Envelope, 1),
		done:      make(chan struct{}),
	}
	go c.listen()
	return c, nil
}

// Join performs the handshake: send system/join, await system/welcome.
// Returns the welcome payload (own capabilities plus roster).
func (c *Client) Join(ctx context.Context) (*envelope.WelcomePayload, error) {
	join, err := envelope.New(envelope.KindJoin, envelope.JoinPayload{
		Space:         c.opts.Space,
		Token:         c.opts.Token,
		ParticipantID: c.opts.ParticipantID,
	})
	if err != nil {
		return nil, err
	}
	if err := c.transmit(ctx, join); err != nil {
		return nil, err
	}

	timer := time.NewTimer(c.opts.JoinTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClosed
	case <-timer.C:
		return nil, fmt.Errorf("join: %w", ErrTimeout)
	case env := <-c.welcomeCh:
		if env.Kind == envelope.KindError {
			var ep envelope.ErrorPayload
			env.UnmarshalPayload(&ep)
			return nil, fmt.Errorf("join rejected: %s (%s)", ep.Message, ep.Code)
		}
		var welcome envelope.WelcomePayload
		if err := env.UnmarshalPayload(&welcome); err != nil {
			return nil, fmt.Errorf("malformed welcome: %w", err)
		}
		c.mu.Lock()
		c.joined = true
		c.welcome = &welcome
		c.mu.Unlock()
		return &welcome, nil
	}
}

// ID returns the joined participant id.
func (c *Client) ID() string { return c.opts.ParticipantID }

// Welcome returns the payload received at join time, nil before Join.
func (c *Client) Welcome() *envelope.WelcomePayload {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.welcome
}

// Send stamps and transmits an envelope without waiting for anything to
// come back.
func (c *Client) Send(ctx context.Context, env *envelope.Envelope) error {
	c.mu.Lock()
	joined := c.joined
	c.mu.Unlock()
	if !joined {
		return ErrNotJoined
	}
	return c.transmit(ctx, env)
}

// Request sends an envelope and waits for the envelope that correlates
// back to it. The deadline is the earlier of ctx and the configured
// request timeout; expiry abandons the correlation slot, never any
// in-flight handler.
func (c *Client) Request(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
	env.Finalize(c.opts.ParticipantID)

	slot := make(chan *envelope.Envelope, 1)
	c.mu.Lock()
	if !c.joined {
		c.mu.Unlock()
		return nil, ErrNotJoined
	}
	c.pending[env.ID] = slot
	c.mu.Unlock()
	defer c.dropSlot(env.ID)

	if err := c.transmit(ctx, env); err != nil {
		return nil, err
	}

	timer := time.NewTimer(c.opts.RequestTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClosed
	case <-timer.C:
		return nil, fmt.Errorf("request %s: %w", env.ID, ErrTimeout)
	case response := <-slot:
		return response, nil
	}
}

// Cancel abandons a pending request and, when cancelKind is non-empty,
// tells the responder by sending a correlated cancel envelope of that
// kind (e.g. "reasoning/cancel", "chat/cancel").
func (c *Client) Cancel(ctx context.Context, requestID, cancelKind string) error {
	c.dropSlot(requestID)
	if cancelKind == "" {
		return nil
	}
	cancel, err := envelope.New(cancelKind, nil)
	if err != nil {
		return err
	}
	cancel.CorrelationID = envelope.CorrelationID{requestID}
	return c.Send(ctx, cancel)
}

// Events is the stream of inbound envelopes not claimed by a pending
// request. The channel closes when the connection ends.
func (c *Client) Events() <-chan *envelope.Envelope { return c.events }

// StreamFrames is the stream of inbound raw stream frames, keyed by
// stream id. The channel closes when the connection ends.
func (c *Client) StreamFrames() <-chan transport.Frame { return c.frames }

// OpenStream requests a stream to the given peers and returns the
// gateway-assigned stream id from the correlated stream/open.
func (c *Client) OpenStream(ctx context.Context, to []string, description string) (string, error) {
	req, err := envelope.New(envelope.KindStreamRequest, envelope.StreamRequestPayload{
		Description: description,
	})
	if err != nil {
		return "", err
	}
	req.To = to

	response, err := c.Request(ctx, req)
	if err != nil {
		return "", err
	}
	if response.Kind == envelope.KindError {
		var ep envelope.ErrorPayload
		response.UnmarshalPayload(&ep)
		return "", fmt.Errorf("stream request rejected: %s (%s)", ep.Message, ep.Code)
	}
	var open envelope.StreamOpenPayload
	if err := response.UnmarshalPayload(&open); err != nil {
		return "", fmt.Errorf("malformed stream/open: %w", err)
	}
	return open.StreamID, nil
}

// WriteStream pushes one raw frame onto an open stream.
func (c *Client) WriteStream(ctx context.Context, streamID string, data []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	return c.ch.Send(ctx, transport.Frame{StreamID: streamID, Data: data})
}

// CloseStream closes a stream from this side.
func (c *Client) CloseStream(ctx context.Context, streamID, reason string) error {
	closeEnv, err := envelope.New(envelope.KindStreamClose, envelope.StreamClosePayload{
		StreamID: streamID,
		Reason:   reason,
	})
	if err != nil {
		return err
	}
	return c.Send(ctx, closeEnv)
}

// Close tears the connection down. Pending requests fail with ErrClosed.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.ch.Close("client closed")
	})
	return nil
}

// transmit finalizes and writes one envelope to the channel.
func (c *Client) transmit(ctx context.Context, env *envelope.Envelope) error {
	env.Finalize(c.opts.ParticipantID)
	data, err := envelope.Encode(env)
	if err != nil {
		return err
	}
	if err := c.ch.Send(ctx, transport.Frame{Data: data}); err != nil {
		if errors.Is(err, transport.ErrChannelClosed) {
			return ErrClosed
		}
		return err
	}
	return nil
}

// listen is the single reader goroutine: it splits inbound traffic into
// correlated responses, stream frames, the welcome slot, and the general
// event stream.
func (c *Client) listen() {
	defer close(c.events)
	defer close(c.frames)
	defer c.Close()

	for frame := range c.ch.Receive() {
		if frame.StreamID != "" {
			select {
			case c.frames <- frame:
			case <-c.done:
				return
			}
			continue
		}

		env, err := envelope.Decode(frame.Data, c.opts.MaxEnvelopeBytes)
		if err != nil {
			c.log.Warn().Err(err).Msg("dropping malformed inbound frame")
			continue
		}

		if c.dispatch(env) {
			continue
		}

		select {
		case c.events <- env:
		case <-c.done:
			return
		default:
			// A stalled consumer must not wedge the listener; envelope
			// loss here is local to this participant.
			c.log.Warn().Str("kind", env.Kind).Str("id", env.ID).
				Msg("event buffer full, dropping envelope")
		}
	}
}

// dispatch claims an envelope for the join handshake or a pending
// request. Reports whether the envelope was consumed.
func (c *Client) dispatch(env *envelope.Envelope) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.joined && (env.Kind == envelope.KindWelcome || env.Kind == envelope.KindError) {
		select {
		case c.welcomeCh <- env:
			return true
		default:
		}
	}

	if len(env.CorrelationID) > 0 {
		if slot, ok := c.pending[env.CorrelationID[0]]; ok {
			delete(c.pending, env.CorrelationID[0])
			slot <- env
			return true
		}
	}
	return false
}

// dropSlot removes a pending correlation slot if still present.
func (c *Client) dropSlot(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

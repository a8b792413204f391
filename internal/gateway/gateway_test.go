package gateway

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/mew-protocol/mew/internal/audit"
	"github.com/mew-protocol/mew/internal/capability"
	"github.com/mew-protocol/mew/internal/config"
	"github.com/mew-protocol/mew/internal/envelope"
	"github.com/mew-protocol/mew/internal/registry"
	"github.com/mew-protocol/mew/internal/transport"
)

const testSpace = "test-space"

// testSeeds is the fixed cast for the integration tests: an admin that
// may grant and revoke, a driver that may chat and open streams, and a
// worker that may only answer.
var testSeeds = []registry.Seed{
	{
		ID:     "admin",
		Tokens: []string{"admin-token"},
		Capabilities: []capability.Capability{
			{Kind: "capability/*"},
			{Kind: "chat"},
		},
	},
	{
		ID:     "driver",
		Tokens: []string{"driver-token"},
		Capabilities: []capability.Capability{
			{Kind: "chat"},
			{Kind: "stream/**"},
		},
	},
	{
		ID:     "worker",
		Tokens: []string{"worker-token"},
		Capabilities: []capability.Capability{
			{Kind: "chat"},
			{Kind: "mcp/response"},
		},
	},
}

func newTestGateway(t *testing.T) *Gateway {
	t.Helper()
	return newTestGatewayWith(t, config.Default(), audit.NewNop())
}

// newTestGatewayWith wires a gateway around custom limits or a real
// audit trail.
func newTestGatewayWith(t *testing.T, cfg *config.Config, auditLog *audit.Logger) *Gateway {
	t.Helper()
	cfg.Space = testSpace

	reg := registry.New()
	for _, seed := range testSeeds {
		if err := reg.Register(seed); err != nil {
			t.Fatalf("failed to seed registry: %v", err)
		}
	}

	gw := New(cfg, reg, capability.NewMatcher(0), auditLog, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	gw.Start(ctx)
	t.Cleanup(func() {
		gw.Shutdown()
		cancel()
	})
	return gw
}

// testPeer is the participant side of a pipe connected to the gateway.
type testPeer struct {
	id string
	ch transport.Channel
}

func (p *testPeer) send(t *testing.T, env *envelope.Envelope) {
	t.Helper()
	env.Finalize(p.id)
	data, err := envelope.Encode(env)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := p.ch.Send(ctx, transport.Frame{Data: data}); err != nil {
		t.Fatalf("send failed: %v", err)
	}
}

// recvKind reads frames until an envelope of the wanted kind arrives,
// skipping unrelated traffic (presence broadcasts and the like).
func (p *testPeer) recvKind(t *testing.T, kind string) *envelope.Envelope {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatalf("%s: timed out waiting for %s", p.id, kind)
		case frame, ok := <-p.ch.Receive():
			if !ok {
				t.Fatalf("%s: channel closed while waiting for %s", p.id, kind)
			}
			if frame.StreamID != "" {
				continue
			}
			env, err := envelope.Decode(frame.Data, 0)
			if err != nil {
				t.Fatalf("%s: malformed inbound frame: %v", p.id, err)
			}
			if env.Kind == kind {
				return env
			}
		}
	}
}

// recvStreamFrame reads until a stream frame with the given id arrives.
func (p *testPeer) recvStreamFrame(t *testing.T, streamID string) transport.Frame {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatalf("%s: timed out waiting for stream frame on %s", p.id, streamID)
		case frame, ok := <-p.ch.Receive():
			if !ok {
				t.Fatalf("%s: channel closed while waiting for stream frame", p.id)
			}
			if frame.StreamID == streamID {
				return frame
			}
		}
	}
}

// expectNoKind asserts that no envelope of the given kind arrives within
// a short window.
func (p *testPeer) expectNoKind(t *testing.T, kind string) {
	t.Helper()
	deadline := time.After(200 * time.Millisecond)
	for {
		select {
		case <-deadline:
			return
		case frame, ok := <-p.ch.Receive():
			if !ok {
				return
			}
			if frame.StreamID != "" {
				continue
			}
			env, err := envelope.Decode(frame.Data, 0)
			if err != nil {
				continue
			}
			if env.Kind == kind {
				t.Fatalf("%s: unexpectedly received %s: %s", p.id, kind, env.Payload)
			}
		}
	}
}

func errorCode(t *testing.T, env *envelope.Envelope) string {
	t.Helper()
	var ep envelope.ErrorPayload
	if err := env.UnmarshalPayload(&ep); err != nil {
		t.Fatalf("malformed error payload: %v", err)
	}
	return ep.Code
}

// connect opens a pipe, serves the gateway side, and performs the join
// handshake.
func connect(t *testing.T, gw *Gateway, id, token string) *testPeer {
	t.Helper()
	gwSide, clientSide := transport.NewPipe(id)
	go gw.ServeChannel(context.Background(), gwSide)

	peer := &testPeer{id: id, ch: clientSide}
	join, err := envelope.New(envelope.KindJoin, envelope.JoinPayload{
		Space:         testSpace,
		Token:         token,
		ParticipantID: id,
	})
	if err != nil {
		t.Fatalf("failed to build join: %v", err)
	}
	peer.send(t, join)
	welcome := peer.recvKind(t, envelope.KindWelcome)

	var payload envelope.WelcomePayload
	if err := welcome.UnmarshalPayload(&payload); err != nil {
		t.Fatalf("malformed welcome: %v", err)
	}
	if payload.You.ID != id {
		t.Fatalf("welcome addressed to %q, joined as %q", payload.You.ID, id)
	}
	return peer
}

func TestJoinHandshakeAndPresence(t *testing.T) {
	gw := newTestGateway(t)

	driver := connect(t, gw, "driver", "driver-token")

	worker := connect(t, gw, "worker", "worker-token")
	joined := driver.recvKind(t, envelope.KindParticipantJoined)
	var presence envelope.PresencePayload
	if err := joined.UnmarshalPayload(&presence); err != nil {
		t.Fatalf("malformed presence payload: %v", err)
	}
	if presence.ID != "worker" {
		t.Errorf("presence for %q, want worker", presence.ID)
	}

	worker.ch.Close("test disconnect")
	left := driver.recvKind(t, envelope.KindParticipantLeft)
	left.UnmarshalPayload(&presence)
	if presence.ID != "worker" {
		t.Errorf("departure for %q, want worker", presence.ID)
	}
}

func TestJoinRejections(t *testing.T) {
	tests := []struct {
		name     string
		space    string
		token    string
		claimed  string
		wantCode string
	}{
		{"wrong space", "other-space", "driver-token", "driver", envelope.CodeInvalidSpace},
		{"missing token", testSpace, "", "driver", envelope.CodeAuthRequired},
		{"unknown token", testSpace, "not-a-token", "driver", envelope.CodeAuthFailed},
		{"mismatched id", testSpace, "driver-token", "worker", envelope.CodeAuthFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := newTestGateway(t)
			gwSide, clientSide := transport.NewPipe("join-test")
			go gw.ServeChannel(context.Background(), gwSide)

			peer := &testPeer{id: tt.claimed, ch: clientSide}
			join, _ := envelope.New(envelope.KindJoin, envelope.JoinPayload{
				Space: tt.space, Token: tt.token, ParticipantID: tt.claimed,
			})
			peer.send(t, join)

			errEnv := peer.recvKind(t, envelope.KindError)
			if code := errorCode(t, errEnv); code != tt.wantCode {
				t.Errorf("error code %q, want %q", code, tt.wantCode)
			}
		})
	}
}

func TestJoinRequiresJoinFirst(t *testing.T) {
	gw := newTestGateway(t)
	gwSide, clientSide := transport.NewPipe("eager")
	go gw.ServeChannel(context.Background(), gwSide)

	peer := &testPeer{id: "driver", ch: clientSide}
	chat, _ := envelope.New(envelope.KindChat, envelope.ChatPayload{Text: "hi"})
	peer.send(t, chat)

	errEnv := peer.recvKind(t, envelope.KindError)
	if code := errorCode(t, errEnv); code != envelope.CodeAuthRequired {
		t.Errorf("error code %q, want %q", code, envelope.CodeAuthRequired)
	}
}

func TestAddressedRoutingStampsSender(t *testing.T) {
	gw := newTestGateway(t)
	driver := connect(t, gw, "driver", "driver-token")
	worker := connect(t, gw, "worker", "worker-token")

	chat, _ := envelope.New(envelope.KindChat, envelope.ChatPayload{Text: "do the thing"})
	chat.To = []string{"worker"}
	chat.From = "imposter" // must be overwritten on ingress
	driver.send(t, chat)

	received := worker.recvKind(t, envelope.KindChat)
	if received.From != "driver" {
		t.Errorf("from = %q, want driver", received.From)
	}
	var payload envelope.ChatPayload
	received.UnmarshalPayload(&payload)
	if payload.Text != "do the thing" {
		t.Errorf("payload text = %q", payload.Text)
	}
}

func TestBroadcastExcludesSender(t *testing.T) {
	gw := newTestGateway(t)
	driver := connect(t, gw, "driver", "driver-token")
	worker := connect(t, gw, "worker", "worker-token")
	admin := connect(t, gw, "admin", "admin-token")

	chat, _ := envelope.New(envelope.KindChat, envelope.ChatPayload{Text: "hello all"})
	driver.send(t, chat)

	worker.recvKind(t, envelope.KindChat)
	admin.recvKind(t, envelope.KindChat)
	driver.expectNoKind(t, envelope.KindChat)
}

func TestCapabilityDenialStaysWithSender(t *testing.T) {
	gw := newTestGateway(t)
	driver := connect(t, gw, "driver", "driver-token")
	worker := connect(t, gw, "worker", "worker-token")

	req, _ := envelope.New(envelope.KindMCPRequest, envelope.MCPPayload{
		Method: "tools/call",
		Params: &envelope.MCPParams{Name: "read_file"},
	})
	req.To = []string{"worker"}
	driver.send(t, req)

	errEnv := driver.recvKind(t, envelope.KindError)
	if code := errorCode(t, errEnv); code != envelope.CodeCapabilityDenied {
		t.Errorf("error code %q, want %q", code, envelope.CodeCapabilityDenied)
	}
	if !errEnv.Correlates(req.ID) {
		t.Errorf("denial not correlated to the refused envelope: %v", errEnv.CorrelationID)
	}
	worker.expectNoKind(t, envelope.KindMCPRequest)
}

func TestGrantEnablesThenRevokeDisables(t *testing.T) {
	gw := newTestGateway(t)
	admin := connect(t, gw, "admin", "admin-token")
	driver := connect(t, gw, "driver", "driver-token")
	worker := connect(t, gw, "worker", "worker-token")

	grant, _ := envelope.New(envelope.KindGrant, envelope.GrantPayload{
		Recipient:    "driver",
		Capabilities: []capability.Capability{{Kind: "mcp/request"}},
		Reason:       "test escalation",
	})
	grant.To = []string{"driver"}
	admin.send(t, grant)

	// The recipient sees the forwarded grant with the gateway-stamped id.
	forwarded := driver.recvKind(t, envelope.KindGrant)
	var gp envelope.GrantPayload
	if err := forwarded.UnmarshalPayload(&gp); err != nil {
		t.Fatalf("malformed forwarded grant: %v", err)
	}
	if gp.GrantID == "" {
		t.Fatal("forwarded grant is missing grant_id")
	}
	worker.expectNoKind(t, envelope.KindGrant)

	req, _ := envelope.New(envelope.KindMCPRequest, envelope.MCPPayload{Method: "tools/list"})
	req.To = []string{"worker"}
	driver.send(t, req)
	worker.recvKind(t, envelope.KindMCPRequest)

	revoke, _ := envelope.New(envelope.KindRevoke, envelope.RevokePayload{
		Recipient: "driver",
		GrantIDs:  []string{gp.GrantID},
	})
	admin.send(t, revoke)
	driver.recvKind(t, envelope.KindRevoke)

	retry, _ := envelope.New(envelope.KindMCPRequest, envelope.MCPPayload{Method: "tools/list"})
	retry.To = []string{"worker"}
	driver.send(t, retry)

	errEnv := driver.recvKind(t, envelope.KindError)
	if code := errorCode(t, errEnv); code != envelope.CodeCapabilityDenied {
		t.Errorf("post-revoke error code %q, want %q", code, envelope.CodeCapabilityDenied)
	}
}

func TestDuplicateEnvelopeIDRejected(t *testing.T) {
	gw := newTestGateway(t)
	driver := connect(t, gw, "driver", "driver-token")
	worker := connect(t, gw, "worker", "worker-token")

	chat, _ := envelope.New(envelope.KindChat, envelope.ChatPayload{Text: "once"})
	chat.To = []string{"worker"}
	driver.send(t, chat)
	worker.recvKind(t, envelope.KindChat)

	driver.send(t, chat.Clone())
	errEnv := driver.recvKind(t, envelope.KindError)
	if code := errorCode(t, errEnv); code != envelope.CodeDuplicateID {
		t.Errorf("error code %q, want %q", code, envelope.CodeDuplicateID)
	}
}

func TestReservedKindRejected(t *testing.T) {
	gw := newTestGateway(t)
	driver := connect(t, gw, "driver", "driver-token")
	worker := connect(t, gw, "worker", "worker-token")

	forged, _ := envelope.New(envelope.KindParticipantJoined, envelope.PresencePayload{ID: "ghost"})
	driver.send(t, forged)

	errEnv := driver.recvKind(t, envelope.KindError)
	if code := errorCode(t, errEnv); code != envelope.CodeReservedKind {
		t.Errorf("error code %q, want %q", code, envelope.CodeReservedKind)
	}
	worker.expectNoKind(t, envelope.KindParticipantJoined)
}

func TestUnknownRecipient(t *testing.T) {
	gw := newTestGateway(t)
	driver := connect(t, gw, "driver", "driver-token")

	chat, _ := envelope.New(envelope.KindChat, envelope.ChatPayload{Text: "anyone there"})
	chat.To = []string{"ghost"}
	driver.send(t, chat)

	errEnv := driver.recvKind(t, envelope.KindError)
	if code := errorCode(t, errEnv); code != envelope.CodeUnknownRecipient {
		t.Errorf("error code %q, want %q", code, envelope.CodeUnknownRecipient)
	}
}

func TestStreamLifecycle(t *testing.T) {
	gw := newTestGateway(t)
	driver := connect(t, gw, "driver", "driver-token")
	worker := connect(t, gw, "worker", "worker-token")

	req, _ := envelope.New(envelope.KindStreamRequest, envelope.StreamRequestPayload{
		Description: "file upload",
	})
	req.To = []string{"worker"}
	driver.send(t, req)

	open := driver.recvKind(t, envelope.KindStreamOpen)
	if !open.Correlates(req.ID) {
		t.Fatalf("stream/open not correlated to the request: %v", open.CorrelationID)
	}
	var openPayload envelope.StreamOpenPayload
	if err := open.UnmarshalPayload(&openPayload); err != nil {
		t.Fatalf("malformed stream/open: %v", err)
	}
	if openPayload.StreamID == "" {
		t.Fatal("stream/open carries no stream id")
	}
	worker.recvKind(t, envelope.KindStreamOpen)

	// Inline frames flow from writer to the other parties untouched.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := driver.ch.Send(ctx, transport.Frame{StreamID: openPayload.StreamID, Data: []byte("chunk-1")}); err != nil {
		t.Fatalf("stream write failed: %v", err)
	}
	frame := worker.recvStreamFrame(t, openPayload.StreamID)
	if string(frame.Data) != "chunk-1" {
		t.Errorf("stream frame data = %q", frame.Data)
	}

	closeEnv, _ := envelope.New(envelope.KindStreamClose, envelope.StreamClosePayload{
		StreamID: openPayload.StreamID, Reason: "complete",
	})
	closeEnv.To = []string{"worker"}
	driver.send(t, closeEnv)
	worker.recvKind(t, envelope.KindStreamClose)

	// The id is reclaimed; further writes are refused.
	if err := driver.ch.Send(ctx, transport.Frame{StreamID: openPayload.StreamID, Data: []byte("chunk-2")}); err != nil {
		t.Fatalf("post-close write failed at transport level: %v", err)
	}
	errEnv := driver.recvKind(t, envelope.KindError)
	if code := errorCode(t, errEnv); code != envelope.CodeStreamUnknown {
		t.Errorf("error code %q, want %q", code, envelope.CodeStreamUnknown)
	}
}

func TestStreamWriterAuthorization(t *testing.T) {
	gw := newTestGateway(t)
	driver := connect(t, gw, "driver", "driver-token")
	worker := connect(t, gw, "worker", "worker-token")
	admin := connect(t, gw, "admin", "admin-token")

	req, _ := envelope.New(envelope.KindStreamRequest, nil)
	req.To = []string{"worker"}
	driver.send(t, req)
	open := driver.recvKind(t, envelope.KindStreamOpen)
	var openPayload envelope.StreamOpenPayload
	open.UnmarshalPayload(&openPayload)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := admin.ch.Send(ctx, transport.Frame{StreamID: openPayload.StreamID, Data: []byte("intruder")}); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	errEnv := admin.recvKind(t, envelope.KindError)
	if code := errorCode(t, errEnv); code != envelope.CodeStreamUnauthorized {
		t.Errorf("error code %q, want %q", code, envelope.CodeStreamUnauthorized)
	}
	worker.expectNoKind(t, envelope.KindChat) // and no stream frame either
}

func TestStreamIdleReclaimed(t *testing.T) {
	cfg := config.Default()
	cfg.Gateway.StreamIdleSeconds = 1
	gw := newTestGatewayWith(t, cfg, audit.NewNop())
	driver := connect(t, gw, "driver", "driver-token")
	worker := connect(t, gw, "worker", "worker-token")

	req, _ := envelope.New(envelope.KindStreamRequest, nil)
	req.To = []string{"worker"}
	driver.send(t, req)
	open := driver.recvKind(t, envelope.KindStreamOpen)
	var openPayload envelope.StreamOpenPayload
	open.UnmarshalPayload(&openPayload)
	worker.recvKind(t, envelope.KindStreamOpen)

	// No frames flow; both parties are told when the id is reclaimed.
	closed := driver.recvKind(t, envelope.KindStreamClose)
	var closePayload envelope.StreamClosePayload
	if err := closed.UnmarshalPayload(&closePayload); err != nil {
		t.Fatalf("malformed stream/close: %v", err)
	}
	if closePayload.StreamID != openPayload.StreamID {
		t.Errorf("close for %q, want %q", closePayload.StreamID, openPayload.StreamID)
	}
	worker.recvKind(t, envelope.KindStreamClose)

	// The reclaimed id refuses further writes.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := driver.ch.Send(ctx, transport.Frame{StreamID: openPayload.StreamID, Data: []byte("late")}); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	errEnv := driver.recvKind(t, envelope.KindError)
	if code := errorCode(t, errEnv); code != envelope.CodeStreamUnknown {
		t.Errorf("error code %q, want %q", code, envelope.CodeStreamUnknown)
	}
}

func TestOrderingPreservedPerSender(t *testing.T) {
	gw := newTestGateway(t)
	driver := connect(t, gw, "driver", "driver-token")
	worker := connect(t, gw, "worker", "worker-token")

	const n = 20
	for i := 0; i < n; i++ {
		chat, _ := envelope.New(envelope.KindChat, envelope.ChatPayload{Text: string(rune('a' + i))})
		chat.To = []string{"worker"}
		driver.send(t, chat)
	}
	for i := 0; i < n; i++ {
		env := worker.recvKind(t, envelope.KindChat)
		var payload envelope.ChatPayload
		env.UnmarshalPayload(&payload)
		if payload.Text != string(rune('a'+i)) {
			t.Fatalf("envelope %d out of order: got %q", i, payload.Text)
		}
	}
}

func TestInject(t *testing.T) {
	gw := newTestGateway(t)
	worker := connect(t, gw, "worker", "worker-token")

	chat, _ := envelope.New(envelope.KindChat, envelope.ChatPayload{Text: "injected"})
	chat.To = []string{"worker"}
	body, _ := envelope.Encode(chat)

	if rejection := gw.Inject("driver", "driver-token", body); rejection != nil {
		t.Fatalf("valid injection rejected: %+v", rejection)
	}
	received := worker.recvKind(t, envelope.KindChat)
	if received.From != "driver" {
		t.Errorf("injected envelope from %q, want driver", received.From)
	}

	if rejection := gw.Inject("driver", "wrong-token", body); rejection == nil || rejection.Status != 401 {
		t.Errorf("bad token rejection = %+v, want 401", rejection)
	}
	if rejection := gw.Inject("worker", "driver-token", body); rejection == nil || rejection.Status != 403 {
		t.Errorf("mismatched token rejection = %+v, want 403", rejection)
	}

	denied, _ := envelope.New(envelope.KindMCPRequest, envelope.MCPPayload{Method: "tools/list"})
	denied.To = []string{"worker"}
	deniedBody, _ := envelope.Encode(denied)
	if rejection := gw.Inject("driver", "driver-token", deniedBody); rejection == nil || rejection.Status != 403 {
		t.Errorf("capability rejection = %+v, want 403", rejection)
	}
}

func TestBackpressureShedsOldestDataAndAudits(t *testing.T) {
	dir := t.TempDir()
	auditLog, err := audit.New(dir, 1)
	if err != nil {
		t.Fatalf("failed to open audit streams: %v", err)
	}
	t.Cleanup(func() { auditLog.Close() })

	cfg := config.Default()
	cfg.Gateway.OutboundQueue = 4
	gw := newTestGatewayWith(t, cfg, auditLog)

	driver := connect(t, gw, "driver", "driver-token")
	worker := connect(t, gw, "worker", "worker-token")
	admin := connect(t, gw, "admin", "admin-token")

	// The worker never reads: its pipe buffers and outbound queue fill,
	// then the overflow policy starts shedding the oldest data envelope.
	for i := 0; i < 300; i++ {
		chat, _ := envelope.New(envelope.KindChat, envelope.ChatPayload{Text: fmt.Sprintf("flood-%d", i)})
		chat.To = []string{"worker"}
		driver.send(t, chat)
	}

	// A sentinel through the router proves the flood is fully processed
	// before the audit stream is inspected.
	sentinel, _ := envelope.New(envelope.KindChat, envelope.ChatPayload{Text: "sentinel"})
	sentinel.To = []string{"admin"}
	driver.send(t, sentinel)
	admin.recvKind(t, envelope.KindChat)

	data, err := os.ReadFile(filepath.Join(dir, "envelopes.jsonl"))
	if err != nil {
		t.Fatalf("failed to read envelope history: %v", err)
	}
	if !bytes.Contains(data, []byte(`"event":"dropped"`)) {
		t.Fatal("overflow shed no envelope into the dropped audit record")
	}

	// Control traffic pushed over the full queue is never shed: the
	// departure broadcast must survive the backlog.
	admin.ch.Close("test departure")
	worker.recvKind(t, envelope.KindParticipantLeft)
}

func TestDecodeFailureThresholdCloses(t *testing.T) {
	gw := newTestGateway(t)
	driver := connect(t, gw, "driver", "driver-token")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for i := 0; i < config.Default().Gateway.DecodeFailureLimit; i++ {
		if err := driver.ch.Send(ctx, transport.Frame{Data: []byte("not an envelope")}); err != nil {
			t.Fatalf("send %d failed: %v", i, err)
		}
	}

	// Every failure is answered with decode_error; at the threshold the
	// gateway hangs up.
	sawError := false
	deadline := time.After(2 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatal("channel never closed after repeated decode failures")
		case frame, ok := <-driver.ch.Receive():
			if !ok {
				if !sawError {
					t.Error("closed without a decode_error report")
				}
				return
			}
			if frame.StreamID != "" {
				continue
			}
			env, err := envelope.Decode(frame.Data, 0)
			if err != nil {
				continue
			}
			if env.Kind == envelope.KindError && errorCode(t, env) == envelope.CodeDecodeError {
				sawError = true
			}
		}
	}
}

func TestShutdownWithoutStart(t *testing.T) {
	cfg := config.Default()
	cfg.Space = testSpace
	gw := New(cfg, registry.New(), capability.NewMatcher(0), audit.NewNop(), zerolog.Nop())
	gw.Shutdown()
}

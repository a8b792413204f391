package envelope

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	original := &Envelope{
		Protocol:      Protocol,
		ID:            "env-1",
		TS:            time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC),
		From:          "driver",
		To:            []string{"control-agent", "worker"},
		Kind:          KindChat,
		CorrelationID: CorrelationID{"env-0"},
		Context:       "session-7",
		Payload:       []byte(`{"text":"hello","format":"plain"}`),
	}

	data, err := Encode(original)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	decoded, err := Decode(data, 0)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if diff := cmp.Diff(original, decoded); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeRejectsScalarCorrelation(t *testing.T) {
	for _, scalar := range []string{`"env-0"`, `42`} {
		data := []byte(`{"protocol":"mew/v0.4","id":"e1","kind":"chat","correlation_id":` + scalar + `}`)
		_, err := Decode(data, 0)
		if err == nil {
			t.Fatalf("scalar correlation_id %s was accepted", scalar)
		}
		if scalar == `"env-0"` && !errors.Is(err, ErrScalarCorrelation) {
			t.Errorf("expected ErrScalarCorrelation, got %v", err)
		}
		if !IsDecodeError(err) {
			t.Errorf("expected a decode error, got %T", err)
		}
	}
}

func TestDecodeAcceptsCorrelationList(t *testing.T) {
	data := []byte(`{"protocol":"mew/v0.4","id":"e1","kind":"chat","correlation_id":["a","b"]}`)
	env, err := Decode(data, 0)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if diff := cmp.Diff(CorrelationID{"a", "b"}, env.CorrelationID); diff != "" {
		t.Errorf("correlation mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeRejectsOversizedFrame(t *testing.T) {
	big := `{"protocol":"mew/v0.4","id":"e1","kind":"chat","payload":{"text":"` +
		strings.Repeat("x", 1024) + `"}}`
	if _, err := Decode([]byte(big), 64); err == nil {
		t.Fatal("oversized frame was accepted")
	}
	if _, err := Decode([]byte(big), 0); err != nil {
		t.Fatalf("size limit 0 should disable the bound: %v", err)
	}
}

func TestDecodeRejectsMissingFields(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"missing protocol", `{"id":"e1","kind":"chat"}`},
		{"missing id", `{"protocol":"mew/v0.4","kind":"chat"}`},
		{"missing kind", `{"protocol":"mew/v0.4","id":"e1"}`},
		{"wrong protocol", `{"protocol":"mew/v9.9","id":"e1","kind":"chat"}`},
		{"not json", `hello`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode([]byte(tt.data), 0); err == nil {
				t.Errorf("accepted invalid frame: %s", tt.data)
			}
		})
	}
}

func TestDecodeBodyToleratesMissingStampedFields(t *testing.T) {
	env, err := DecodeBody([]byte(`{"id":"e1","kind":"chat","to":["worker"]}`), 0)
	if err != nil {
		t.Fatalf("DecodeBody failed: %v", err)
	}
	if env.ID != "e1" || env.Kind != KindChat {
		t.Errorf("decoded %+v", env)
	}

	for _, body := range []string{
		`{"kind":"chat"}`,                                   // missing id
		`{"id":"e1"}`,                                       // missing kind
		`{"id":"e1","kind":"chat","protocol":"mew/v9.9"}`,   // wrong protocol
		`{"id":"e1","kind":"chat","correlation_id":"e0"}`,   // scalar correlation
	} {
		if _, err := DecodeBody([]byte(body), 0); err == nil {
			t.Errorf("DecodeBody accepted %s", body)
		}
	}
}

func TestNewReply(t *testing.T) {
	original := &Envelope{
		Protocol: Protocol,
		ID:       "req-1",
		From:     "driver",
		Kind:     KindMCPRequest,
		Context:  "session-7",
	}
	reply, err := NewReply(original, KindMCPResponse, MCPPayload{ID: 1})
	if err != nil {
		t.Fatalf("NewReply failed: %v", err)
	}
	if diff := cmp.Diff([]string{"driver"}, reply.To); diff != "" {
		t.Errorf("reply addressing (-want +got):\n%s", diff)
	}
	if !reply.Correlates("req-1") {
		t.Errorf("reply does not correlate to the original: %v", reply.CorrelationID)
	}
	if reply.Context != "session-7" {
		t.Errorf("context not carried over: %q", reply.Context)
	}
}

func TestFinalizePreservesSenderFields(t *testing.T) {
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	env := &Envelope{ID: "keep-me", TS: fixed, Kind: KindChat, From: "imposter"}
	env.Finalize("real-sender")

	if env.ID != "keep-me" {
		t.Errorf("Finalize replaced a supplied id: %q", env.ID)
	}
	if !env.TS.Equal(fixed) {
		t.Errorf("Finalize replaced a supplied ts: %v", env.TS)
	}
	if env.From != "real-sender" {
		t.Errorf("Finalize must overwrite from: %q", env.From)
	}
	if env.Protocol != Protocol {
		t.Errorf("Finalize did not stamp protocol: %q", env.Protocol)
	}

	blank := &Envelope{Kind: KindChat}
	blank.Finalize("sender")
	if blank.ID == "" || blank.TS.IsZero() {
		t.Error("Finalize did not stamp id/ts on a blank envelope")
	}
}

func TestCloneIsIndependent(t *testing.T) {
	env := &Envelope{
		Protocol:      Protocol,
		ID:            "e1",
		Kind:          KindChat,
		To:            []string{"a"},
		CorrelationID: CorrelationID{"c"},
		Payload:       []byte(`{"text":"hi"}`),
	}
	clone := env.Clone()
	clone.To[0] = "b"
	clone.CorrelationID[0] = "x"
	clone.Payload[0] = ' '

	if env.To[0] != "a" || env.CorrelationID[0] != "c" || env.Payload[0] != '{' {
		t.Error("mutating a clone leaked into the original")
	}
}

func TestIsBroadcast(t *testing.T) {
	if !(&Envelope{}).IsBroadcast() {
		t.Error("empty to should be broadcast")
	}
	if (&Envelope{To: []string{"a"}}).IsBroadcast() {
		t.Error("addressed envelope reported as broadcast")
	}
}

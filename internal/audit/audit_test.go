package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/mew-protocol/mew/internal/capability"
)

func readRecords(t *testing.T, path string) []map[string]interface{} {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("failed to open %s: %v", path, err)
	}
	defer f.Close()

	var records []map[string]interface{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var record map[string]interface{}
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			t.Fatalf("malformed JSONL line in %s: %v", path, err)
		}
		records = append(records, record)
	}
	return records
}

func TestEnvelopeStream(t *testing.T) {
	dir := t.TempDir()
	logger, err := New(dir, 1)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	logger.Received("env-1", "driver", "chat")
	logger.Delivered("env-1", "worker")
	logger.DeliveryFailed("env-1", "ghost", "not connected")
	logger.Rejected("env-2", "driver", "duplicate envelope id")
	logger.Dropped("env-3", "worker")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	records := readRecords(t, filepath.Join(dir, "envelopes.jsonl"))
	if len(records) != 5 {
		t.Fatalf("expected 5 records, got %d", len(records))
	}

	wantEvents := []string{EventReceived, EventDelivered, EventFailed, EventRejected, EventDropped}
	for i, want := range wantEvents {
		if got := records[i]["event"]; got != want {
			t.Errorf("record %d event = %v, want %s", i, got, want)
		}
		if records[i]["time"] == nil {
			t.Errorf("record %d has no timestamp", i)
		}
	}
	if records[0]["kind"] != "chat" || records[0]["from"] != "driver" {
		t.Errorf("received record missing fields: %v", records[0])
	}
	if records[2]["reason"] != "not connected" {
		t.Errorf("failed record missing reason: %v", records[2])
	}
}

func TestDecisionStream(t *testing.T) {
	dir := t.TempDir()
	logger, err := New(dir, 1)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	required := capability.Capability{Kind: "mcp/request"}
	matched := capability.MustCompile(capability.Capability{Kind: "mcp/*"})
	logger.Decision("env-1", "driver", required, capability.Decision{
		Allowed: true, Matched: matched, Source: capability.SourceGranted,
	})
	logger.Decision("env-2", "driver", required, capability.Decision{})
	logger.Close()

	records := readRecords(t, filepath.Join(dir, "decisions.jsonl"))
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0]["result"] != "allowed" || records[0]["matched_source"] != "granted" {
		t.Errorf("allowed record: %v", records[0])
	}
	if records[1]["result"] != "denied" {
		t.Errorf("denied record: %v", records[1])
	}
	if _, hasMatched := records[1]["matched_capability"]; hasMatched {
		t.Errorf("denied record must not carry a matched capability: %v", records[1])
	}
}

func TestNopLoggerIsSafe(t *testing.T) {
	logger := NewNop()
	logger.Received("e", "f", "k")
	logger.Decision("e", "p", capability.Capability{Kind: "chat"}, capability.Decision{})
	if err := logger.Close(); err != nil {
		t.Errorf("Close on nop logger: %v", err)
	}
}

package workspace

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/fractalmind-ai/chorus/internal/agent"
	"github.com/fractalmind-ai/chorus/pkg/protocol"
)

func TestSnapshotRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), SnapshotFile)

	msg := protocol.NewMessage("a", "b", "queued")
	msg.Timestamp = 7
	snap := &Snapshot{
		Messages: []protocol.Message{msg},
		States: map[string]json.RawMessage{
			"a": json.RawMessage(`{"count":3}`),
			"b": json.RawMessage(`"idle"`),
		},
	}
	if err := snap.Write(path); err != nil {
		t.Fatalf("Write: %v", err)
	}

	loaded, err := LoadSnapshot(path)
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if len(loaded.Messages) != 1 || loaded.Messages[0].Content != "queued" || loaded.Messages[0].Timestamp != 7 {
		t.Fatalf("messages = %+v", loaded.Messages)
	}
	if string(loaded.States["a"]) != `{"count":3}` || string(loaded.States["b"]) != `"idle"` {
		t.Fatalf("states = %v", loaded.States)
	}
}

func TestControllerSnapshotAndRestore(t *testing.T) {
	path := filepath.Join(t.TempDir(), SnapshotFile)

	ws := &Workspace{
		Agents:         []AgentEntry{{Agent: &agent.EchoAgent{AgentName: "bot"}}},
		StopConditions: []StopCondition{&NoActivity{Window: 150 * time.Millisecond}},
	}
	c, err := NewController(ws, Options{})
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := c.Send(protocol.NewMessage(protocol.Human, "bot", "hi")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	<-c.Done()

	if err := c.Snapshot(path); err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	snap, err := LoadSnapshot(path)
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	var state map[string]any
	if err := json.Unmarshal(snap.States["bot"], &state); err != nil {
		t.Fatalf("decode bot state: %v", err)
	}
	if state["responded"] != float64(1) {
		t.Fatalf("bot state = %v, want responded=1", state)
	}

	// Restore into a fresh workspace: the seeded state must carry over.
	ws2 := &Workspace{
		Agents: []AgentEntry{{Agent: &agent.EchoAgent{AgentName: "bot"}}},
	}
	c2, err := NewController(ws2, Options{Restore: snap})
	if err != nil {
		t.Fatalf("NewController restore: %v", err)
	}
	if err := c2.Start(context.Background()); err != nil {
		t.Fatalf("Start restore: %v", err)
	}
	t.Cleanup(c2.Stop)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s, ok := c2.runtimes["bot"].State().(map[string]any); ok && s["responded"] == float64(1) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("restored state = %#v", c2.runtimes["bot"].State())
}

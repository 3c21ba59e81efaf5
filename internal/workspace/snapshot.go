package workspace

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/fractalmind-ai/chorus/internal/agent"
	"github.com/fractalmind-ai/chorus/pkg/protocol"
)

// SnapshotFile is the conventional snapshot filename.
const SnapshotFile = "snapshot.ndjson"

// Snapshot holds the serializable remainder of a workspace: messages still
// queued in inboxes and each agent's committed state. States round-trip
// through JSON, so restored states use generic JSON values.
type Snapshot struct {
	Messages []protocol.Message
	States   map[string]json.RawMessage
}

type stateRecord struct {
	Kind  string          `json:"kind"`
	Agent string          `json:"agent"`
	State json.RawMessage `json:"state"`
}

// Write emits the snapshot as newline-delimited JSON: message objects first,
// then a state record per agent.
func (s *Snapshot) Write(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, msg := range s.Messages {
		if err := enc.Encode(msg); err != nil {
			return fmt.Errorf("encode snapshot message: %w", err)
		}
	}
	agents := make([]string, 0, len(s.States))
	for name := range s.States {
		agents = append(agents, name)
	}
	sort.Strings(agents)
	for _, name := range agents {
		if err := enc.Encode(stateRecord{Kind: "state", Agent: name, State: s.States[name]}); err != nil {
			return fmt.Errorf("encode snapshot state: %w", err)
		}
	}
	return w.Flush()
}

// LoadSnapshot reads a snapshot file written by Write, reconstructing
// records in order.
func LoadSnapshot(path string) (*Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	defer f.Close()

	snap := &Snapshot{States: make(map[string]json.RawMessage)}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var probe struct {
			Kind string `json:"kind"`
		}
		if err := json.Unmarshal(raw, &probe); err != nil {
			return nil, fmt.Errorf("snapshot line %d: %w", line, err)
		}
		if probe.Kind == "state" {
			var rec stateRecord
			if err := json.Unmarshal(raw, &rec); err != nil {
				return nil, fmt.Errorf("snapshot line %d: %w", line, err)
			}
			snap.States[rec.Agent] = rec.State
			continue
		}
		var msg protocol.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("snapshot line %d: %w", line, err)
		}
		snap.Messages = append(snap.Messages, msg)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	return snap, nil
}

// decodeStates converts raw state records into generic values suitable for
// seeding runtimes.
func (s *Snapshot) decodeStates() map[string]agent.State {
	out := make(map[string]agent.State, len(s.States))
	for name, raw := range s.States {
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			continue
		}
		out[name] = v
	}
	return out
}

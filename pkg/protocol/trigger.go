package protocol

import "errors"

// Trigger matches routed messages against a set of criteria. A zero trigger
// matches nothing; at least one criterion must be set.
type Trigger struct {
	EventType   EventType `json:"event_type,omitempty" yaml:"event_type,omitempty"`
	Source      string    `json:"source,omitempty" yaml:"source,omitempty"`
	Destination string    `json:"destination,omitempty" yaml:"destination,omitempty"`
	Channel     string    `json:"channel,omitempty" yaml:"channel,omitempty"`
	// Metadata entries that must all be present with equal values.
	Metadata map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Validate rejects triggers with no criteria at all.
func (t Trigger) Validate() error {
	if t.EventType == "" && t.Source == "" && t.Destination == "" && t.Channel == "" && len(t.Metadata) == 0 {
		return errors.New("trigger requires at least one condition")
	}
	return nil
}

// Matches reports whether msg satisfies every set criterion.
func (t Trigger) Matches(msg Message) bool {
	if t.Validate() != nil {
		return false
	}
	if t.EventType != "" && msg.Type != t.EventType {
		return false
	}
	if t.Source != "" && msg.Source != t.Source {
		return false
	}
	if t.Destination != "" && msg.Destination != t.Destination {
		return false
	}
	if t.Channel != "" && msg.Channel != t.Channel {
		return false
	}
	for k, v := range t.Metadata {
		if msg.Metadata[k] != v {
			return false
		}
	}
	return true
}

package router

import (
	"fmt"
	"sort"
	"sync"
)

// ChannelInfo describes a multicast channel.
type ChannelInfo struct {
	Name     string            `json:"name"`
	Members  []string          `json:"members"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// channelTable tracks channel membership. Fan-out uses the member set at
// publication time; membership changes take effect for the next publication.
type channelTable struct {
	mu       sync.RWMutex
	channels map[string]*channelEntry
}

type channelEntry struct {
	name     string
	members  map[string]struct{}
	metadata map[string]string
}

func newChannelTable() *channelTable {
	return &channelTable{channels: make(map[string]*channelEntry)}
}

func (t *channelTable) create(name string, members []string, metadata map[string]string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.channels[name]; exists {
		return fmt.Errorf("channel %q already exists", name)
	}
	entry := &channelEntry{
		name:     name,
		members:  make(map[string]struct{}, len(members)),
		metadata: metadata,
	}
	for _, m := range members {
		entry.members[m] = struct{}{}
	}
	t.channels[name] = entry
	return nil
}

func (t *channelTable) addMember(channel, member string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.channels[channel]
	if !ok {
		return fmt.Errorf("channel %q does not exist", channel)
	}
	entry.members[member] = struct{}{}
	return nil
}

func (t *channelTable) removeMember(channel, member string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if entry, ok := t.channels[channel]; ok {
		delete(entry.members, member)
	}
}

// membersExcept snapshots the member set minus the excluded principal.
func (t *channelTable) membersExcept(channel, excluded string) ([]string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	entry, ok := t.channels[channel]
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(entry.members))
	for m := range entry.members {
		if m != excluded {
			out = append(out, m)
		}
	}
	sort.Strings(out)
	return out, true
}

func (t *channelTable) info(entry *channelEntry) ChannelInfo {
	members := make([]string, 0, len(entry.members))
	for m := range entry.members {
		members = append(members, m)
	}
	sort.Strings(members)
	return ChannelInfo{Name: entry.name, Members: members, Metadata: entry.metadata}
}

func (t *channelTable) list() []ChannelInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]ChannelInfo, 0, len(t.channels))
	for _, entry := range t.channels {
		out = append(out, t.info(entry))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (t *channelTable) listFor(member string) []ChannelInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]ChannelInfo, 0, len(t.channels))
	for _, entry := range t.channels {
		if _, ok := entry.members[member]; ok {
			out = append(out, t.info(entry))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

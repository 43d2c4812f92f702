package drshare

import (
	"sort"
	"time"
)

// PendingCommand is a dispatched command that has not yet been answered
type PendingCommand struct {
	CommandID string
	DeviceID  string
	Action    string
	IssuedAt  time.Time
}

// PendingCommands correlates dispatched commands with later responses. Entries are
// evicted when a response with a matching commandId arrives, or by Expire once older
// than the TTL. It never affects replies and never retries.
//
// Only used from the Hub loop, so it is not locked.
type PendingCommands struct {
	ttl     time.Duration
	entries map[string]*PendingCommand
}

// NewPendingCommands creates an empty tracker with the given TTL
func NewPendingCommands(ttl time.Duration) *PendingCommands {
	return &PendingCommands{
		ttl:     ttl,
		entries: make(map[string]*PendingCommand),
	}
}

// TTL returns the maximum age of a pending command
func (p *PendingCommands) TTL() time.Duration {
	return p.ttl
}

// Add records a newly sent command
func (p *PendingCommands) Add(cmd *PendingCommand) {
	p.entries[cmd.CommandID] = cmd
}

// Complete removes and returns the pending command with the given id, or nil if there
// is none
func (p *PendingCommands) Complete(commandID string) *PendingCommand {
	cmd, ok := p.entries[commandID]
	if !ok {
		return nil
	}
	delete(p.entries, commandID)
	return cmd
}

// Expire removes and returns every command issued more than TTL before now, oldest first
func (p *PendingCommands) Expire(now time.Time) []*PendingCommand {
	var expired []*PendingCommand
	for id, cmd := range p.entries {
		if now.Sub(cmd.IssuedAt) > p.ttl {
			expired = append(expired, cmd)
			delete(p.entries, id)
		}
	}
	sort.Slice(expired, func(i, j int) bool {
		return expired[i].IssuedAt.Before(expired[j].IssuedAt)
	})
	return expired
}

// Len returns the number of outstanding commands
func (p *PendingCommands) Len() int {
	return len(p.entries)
}

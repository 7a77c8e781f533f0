// Package event carries the typed lifecycle event stream of a swarm.
// Subscribers get their own buffered queue; a slow subscriber drops
// events instead of blocking publishers.
package event

import (
	"log/slog"
	"sync"
	"time"
)

// Type identifies what happened.
type Type string

const (
	TypeAgentJoined       Type = "agent_joined"
	TypeAgentLeft         Type = "agent_left"
	TypeAgentUnhealthy    Type = "agent_unhealthy"
	TypeTaskSubmitted     Type = "task_submitted"
	TypeTaskAssigned      Type = "task_assigned"
	TypeTaskCompleted     Type = "task_completed"
	TypeTaskFailed        Type = "task_failed"
	TypeTaskReassigned    Type = "task_reassigned"
	TypeProposalOpened    Type = "proposal_opened"
	TypeProposalDecided   Type = "proposal_decided"
	TypeProposalTimedOut  Type = "proposal_timed_out"
	TypeProposalAborted   Type = "proposal_aborted"
	TypeSwarmStateChanged Type = "swarm_state_changed"
	TypeMessageExpired    Type = "message_expired"
)

// Event is a single entry on the stream.
type Event struct {
	Type    Type           `json:"type"`
	SwarmID string         `json:"swarm_id"`
	At      time.Time      `json:"at"`
	Data    map[string]any `json:"data,omitempty"`
}

type subscriber struct {
	ch chan Event
}

// Stream fans events out to any number of subscribers.
type Stream struct {
	mu     sync.Mutex
	subs   map[int]*subscriber
	nextID int
	closed bool
}

func NewStream() *Stream {
	return &Stream{subs: make(map[int]*subscriber)}
}

// Subscribe returns a channel of events and a cancel function. The channel
// is closed when cancel is called or the stream shuts down.
func (s *Stream) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}

	id := s.nextID
	s.nextID++
	sub := &subscriber{ch: make(chan Event, buffer)}
	s.subs[id] = sub

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if cur, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(cur.ch)
		}
	}
	return sub.ch, cancel
}

// Publish delivers ev to every current subscriber. Full queues drop.
func (s *Stream) Publish(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	for _, sub := range s.subs {
		select {
		case sub.ch <- ev:
		default:
			slog.Warn("event subscriber queue full, dropping event", "type", ev.Type, "swarm", ev.SwarmID)
		}
	}
}

// Close shuts the stream down and closes every subscriber channel.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	for id, sub := range s.subs {
		delete(s.subs, id)
		close(sub.ch)
	}
}

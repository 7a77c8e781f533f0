// Package bus provides the swarm-scoped message bus: point-to-point and
// group delivery with priority ordering, TTL expiry and request/response
// correlation.
package bus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/swarmdlabs/swarmd/internal/clock"
)

var (
	ErrRequestTimeout = errors.New("request timed out")
	ErrBusClosed      = errors.New("bus closed")
	ErrNoRecipients   = errors.New("message has no recipients")
)

type Kind string

const (
	KindUnicast   Kind = "unicast"
	KindBroadcast Kind = "broadcast"
	KindMulticast Kind = "multicast"
	KindRequest   Kind = "request"
	KindResponse  Kind = "response"
	KindAck       Kind = "ack"
)

type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

const laneCount = 4

// lane maps a priority to its delivery lane; higher lanes drain first.
func (p Priority) lane() int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityLow:
		return 0
	default:
		return 1
	}
}

// Message is an envelope. The payload is opaque to the bus.
type Message struct {
	ID            string        `json:"id"`
	From          string        `json:"from"`
	To            []string      `json:"to,omitempty"` // empty for broadcast
	Channel       string        `json:"channel,omitempty"`
	Kind          Kind          `json:"kind"`
	Priority      Priority      `json:"priority"`
	TTL           time.Duration `json:"ttl"`
	CorrelationID string        `json:"correlation_id,omitempty"`
	Payload       []byte        `json:"payload,omitempty"`
	SentAt        time.Time     `json:"sent_at"`
}

func (m Message) expiredAt(now time.Time) bool {
	return m.TTL <= 0 || !now.Before(m.SentAt.Add(m.TTL))
}

// DeliveryStatus is the per-recipient acknowledgment returned by Send.
type DeliveryStatus string

const (
	StatusQueued           DeliveryStatus = "queued"
	StatusUnknownRecipient DeliveryStatus = "unknown-recipient"
	StatusQueueFull        DeliveryStatus = "queue-full"
	StatusExpired          DeliveryStatus = "expired"
)

type inbox struct {
	mu     sync.Mutex
	lanes  [laneCount][]Message
	size   int
	notify chan struct{}
}

func newInbox() *inbox {
	return &inbox{notify: make(chan struct{}, 1)}
}

func (ib *inbox) push(msg Message, maxQueue int) bool {
	ib.mu.Lock()
	defer ib.mu.Unlock()

	if maxQueue > 0 && ib.size >= maxQueue {
		return false
	}
	lane := msg.Priority.lane()
	ib.lanes[lane] = append(ib.lanes[lane], msg)
	ib.size++

	select {
	case ib.notify <- struct{}{}:
	default:
	}
	return true
}

// pop returns the next live message, highest priority first, FIFO within a
// priority. Expired entries are discarded on the way.
func (ib *inbox) pop(now time.Time) (Message, int, bool) {
	ib.mu.Lock()
	defer ib.mu.Unlock()

	dropped := 0
	for lane := laneCount - 1; lane >= 0; lane-- {
		for len(ib.lanes[lane]) > 0 {
			msg := ib.lanes[lane][0]
			ib.lanes[lane] = ib.lanes[lane][1:]
			ib.size--
			if msg.expiredAt(now) {
				dropped++
				continue
			}
			return msg, dropped, true
		}
	}
	return Message{}, dropped, false
}

func (ib *inbox) dropExpired(now time.Time) int {
	ib.mu.Lock()
	defer ib.mu.Unlock()

	dropped := 0
	for lane := range ib.lanes {
		kept := ib.lanes[lane][:0]
		for _, msg := range ib.lanes[lane] {
			if msg.expiredAt(now) {
				dropped++
				continue
			}
			kept = append(kept, msg)
		}
		ib.lanes[lane] = kept
	}
	ib.size -= dropped
	return dropped
}

// Bus is scoped to one swarm and never shared across swarms.
type Bus struct {
	clk      clock.Clock
	maxQueue int

	mu       sync.RWMutex
	inboxes  map[string]*inbox
	channels map[string]map[string]struct{}
	closed   bool
	done     chan struct{}

	pendingMu sync.Mutex
	pending   map[string]chan Message
}

func New(clk clock.Clock, maxQueue int) *Bus {
	return &Bus{
		clk:      clk,
		maxQueue: maxQueue,
		inboxes:  make(map[string]*inbox),
		channels: make(map[string]map[string]struct{}),
		pending:  make(map[string]chan Message),
		done:     make(chan struct{}),
	}
}

// Register creates an inbox for a recipient. Idempotent.
func (b *Bus) Register(agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	if _, exists := b.inboxes[agentID]; !exists {
		b.inboxes[agentID] = newInbox()
	}
}

// Unregister drops the recipient's inbox and channel memberships. Undelivered
// messages are discarded.
func (b *Bus) Unregister(agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.inboxes, agentID)
	for name, members := range b.channels {
		delete(members, agentID)
		if len(members) == 0 {
			delete(b.channels, name)
		}
	}
}

func (b *Bus) stamp(msg *Message) {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Priority == "" {
		msg.Priority = PriorityNormal
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = b.clk.Now()
	}
}

// Send delivers to each addressed recipient and reports a per-recipient
// status. Unknown recipients are logged, never raised: messaging must not
// block on bad addressing.
func (b *Bus) Send(msg Message) (map[string]DeliveryStatus, error) {
	b.stamp(&msg)
	if len(msg.To) == 0 {
		return nil, ErrNoRecipients
	}

	// A response with a parked requester is consumed by the requester and
	// not queued.
	if msg.Kind == KindResponse && msg.CorrelationID != "" && b.resolvePending(msg) {
		acks := make(map[string]DeliveryStatus, len(msg.To))
		for _, to := range msg.To {
			acks[to] = StatusQueued
		}
		return acks, nil
	}

	acks := make(map[string]DeliveryStatus, len(msg.To))
	for _, to := range msg.To {
		acks[to] = b.enqueue(to, msg)
	}
	return acks, nil
}

// Broadcast delivers to every recipient registered at send time except the
// sender. Later registrations receive nothing.
func (b *Bus) Broadcast(msg Message) map[string]DeliveryStatus {
	b.stamp(&msg)
	msg.Kind = KindBroadcast

	b.mu.RLock()
	targets := make([]string, 0, len(b.inboxes))
	for id := range b.inboxes {
		if id != msg.From {
			targets = append(targets, id)
		}
	}
	b.mu.RUnlock()

	acks := make(map[string]DeliveryStatus, len(targets))
	for _, to := range targets {
		acks[to] = b.enqueue(to, msg)
	}
	return acks
}

// Subscribe adds the agent to a named channel.
func (b *Bus) Subscribe(agentID, channel string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.inboxes[agentID]; !exists {
		slog.Warn("channel subscribe for unregistered recipient", "agent", agentID, "channel", channel)
		return
	}
	members, exists := b.channels[channel]
	if !exists {
		members = make(map[string]struct{})
		b.channels[channel] = members
	}
	members[agentID] = struct{}{}
}

func (b *Bus) Unsubscribe(agentID, channel string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if members, exists := b.channels[channel]; exists {
		delete(members, agentID)
		if len(members) == 0 {
			delete(b.channels, channel)
		}
	}
}

// PublishChannel delivers to the channel's current subscribers, excluding
// the sender.
func (b *Bus) PublishChannel(channel string, msg Message) map[string]DeliveryStatus {
	b.stamp(&msg)
	msg.Channel = channel

	b.mu.RLock()
	targets := make([]string, 0, len(b.channels[channel]))
	for id := range b.channels[channel] {
		if id != msg.From {
			targets = append(targets, id)
		}
	}
	b.mu.RUnlock()

	acks := make(map[string]DeliveryStatus, len(targets))
	for _, to := range targets {
		acks[to] = b.enqueue(to, msg)
	}
	return acks
}

func (b *Bus) enqueue(to string, msg Message) DeliveryStatus {
	if msg.expiredAt(b.clk.Now()) {
		slog.Debug("message expired before enqueue", "id", msg.ID, "to", to)
		return StatusExpired
	}

	b.mu.RLock()
	ib, exists := b.inboxes[to]
	b.mu.RUnlock()

	if !exists {
		slog.Warn("message to unknown recipient dropped", "id", msg.ID, "from", msg.From, "to", to)
		return StatusUnknownRecipient
	}
	if !ib.push(msg, b.maxQueue) {
		slog.Warn("recipient queue full, message dropped", "id", msg.ID, "to", to)
		return StatusQueueFull
	}
	return StatusQueued
}

// Receive blocks until the next live message for the recipient is available
// or the context is done. Expired messages are discarded, never returned.
func (b *Bus) Receive(ctx context.Context, agentID string) (Message, error) {
	b.mu.RLock()
	ib, exists := b.inboxes[agentID]
	closed := b.closed
	b.mu.RUnlock()

	if closed {
		return Message{}, ErrBusClosed
	}
	if !exists {
		return Message{}, ErrNoRecipients
	}

	for {
		msg, dropped, ok := ib.pop(b.clk.Now())
		if dropped > 0 {
			slog.Debug("expired messages dropped on dequeue", "agent", agentID, "count", dropped)
		}
		if ok {
			return msg, nil
		}

		select {
		case <-ib.notify:
		case <-b.done:
			return Message{}, ErrBusClosed
		case <-ctx.Done():
			return Message{}, ctx.Err()
		}
	}
}

// Request sends a request and parks the caller until a response with the
// same correlation id arrives or the timeout elapses. The pending entry is
// removed on every exit path.
func (b *Bus) Request(ctx context.Context, msg Message, timeout time.Duration) (Message, error) {
	b.stamp(&msg)
	msg.Kind = KindRequest
	if msg.CorrelationID == "" {
		msg.CorrelationID = uuid.New().String()
	}

	replyCh := make(chan Message, 1)
	b.pendingMu.Lock()
	if b.isClosed() {
		b.pendingMu.Unlock()
		return Message{}, ErrBusClosed
	}
	b.pending[msg.CorrelationID] = replyCh
	b.pendingMu.Unlock()

	defer func() {
		b.pendingMu.Lock()
		delete(b.pending, msg.CorrelationID)
		b.pendingMu.Unlock()
	}()

	if _, err := b.Send(msg); err != nil {
		return Message{}, err
	}

	select {
	case reply := <-replyCh:
		return reply, nil
	case <-b.clk.After(timeout):
		return Message{}, ErrRequestTimeout
	case <-b.done:
		return Message{}, ErrBusClosed
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// resolvePending hands a response to a parked requester. Reports whether a
// waiter consumed it.
func (b *Bus) resolvePending(msg Message) bool {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()

	replyCh, exists := b.pending[msg.CorrelationID]
	if !exists {
		return false
	}
	delete(b.pending, msg.CorrelationID)
	replyCh <- msg
	return true
}

// Sweep drops expired messages from all inboxes and returns the count.
func (b *Bus) Sweep(now time.Time) int {
	b.mu.RLock()
	boxes := make([]*inbox, 0, len(b.inboxes))
	for _, ib := range b.inboxes {
		boxes = append(boxes, ib)
	}
	b.mu.RUnlock()

	dropped := 0
	for _, ib := range boxes {
		dropped += ib.dropExpired(now)
	}
	if dropped > 0 {
		slog.Debug("ttl sweep dropped messages", "count", dropped)
	}
	return dropped
}

// Depth returns the total number of queued messages.
func (b *Bus) Depth() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	total := 0
	for _, ib := range b.inboxes {
		ib.mu.Lock()
		total += ib.size
		ib.mu.Unlock()
	}
	return total
}

func (b *Bus) isClosed() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

// Close releases all blocked receivers and pending requesters and drops all
// queued messages. Safe to call more than once.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.inboxes = make(map[string]*inbox)
	b.channels = make(map[string]map[string]struct{})
	b.mu.Unlock()

	close(b.done)

	b.pendingMu.Lock()
	b.pending = make(map[string]chan Message)
	b.pendingMu.Unlock()
}

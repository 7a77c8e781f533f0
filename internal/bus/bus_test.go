package bus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/swarmdlabs/swarmd/internal/clock"
)

func newTestBus(t *testing.T) (*Bus, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	b := New(clk, 16)
	t.Cleanup(b.Close)
	return b, clk
}

func receiveOne(t *testing.T, b *Bus, agentID string) Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, err := b.Receive(ctx, agentID)
	if err != nil {
		t.Fatalf("receive for %s: %v", agentID, err)
	}
	return msg
}

func TestSendUnicast(t *testing.T) {
	b, _ := newTestBus(t)
	b.Register("a1")

	acks, err := b.Send(Message{From: "a0", To: []string{"a1"}, Kind: KindUnicast, TTL: time.Minute, Payload: []byte("hello")})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if acks["a1"] != StatusQueued {
		t.Fatalf("expected queued, got %s", acks["a1"])
	}

	msg := receiveOne(t, b, "a1")
	if string(msg.Payload) != "hello" {
		t.Errorf("unexpected payload %q", msg.Payload)
	}
}

func TestSendUnknownRecipientIsSilent(t *testing.T) {
	b, _ := newTestBus(t)
	b.Register("a1")

	acks, err := b.Send(Message{From: "a1", To: []string{"ghost"}, TTL: time.Minute})
	if err != nil {
		t.Fatalf("send should not fail on bad addressing: %v", err)
	}
	if acks["ghost"] != StatusUnknownRecipient {
		t.Errorf("expected unknown-recipient, got %s", acks["ghost"])
	}
}

func TestPriorityOrdering(t *testing.T) {
	b, _ := newTestBus(t)
	b.Register("a1")

	send := func(p Priority, body string) {
		if _, err := b.Send(Message{From: "a0", To: []string{"a1"}, Priority: p, TTL: time.Minute, Payload: []byte(body)}); err != nil {
			t.Fatalf("send %s: %v", body, err)
		}
	}

	send(PriorityLow, "low-1")
	send(PriorityNormal, "normal-1")
	send(PriorityCritical, "critical-1")
	send(PriorityHigh, "high-1")
	send(PriorityCritical, "critical-2")

	want := []string{"critical-1", "critical-2", "high-1", "normal-1", "low-1"}
	for _, expected := range want {
		msg := receiveOne(t, b, "a1")
		if string(msg.Payload) != expected {
			t.Fatalf("expected %s, got %s", expected, msg.Payload)
		}
	}
}

func TestZeroTTLNeverDelivered(t *testing.T) {
	b, _ := newTestBus(t)
	b.Register("a1")

	acks, err := b.Send(Message{From: "a0", To: []string{"a1"}, TTL: 0})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if acks["a1"] != StatusExpired {
		t.Errorf("expected expired, got %s", acks["a1"])
	}
	if b.Depth() != 0 {
		t.Errorf("expected empty queue, got depth %d", b.Depth())
	}
}

func TestExpiredDroppedOnDequeue(t *testing.T) {
	b, clk := newTestBus(t)
	b.Register("a1")

	_, _ = b.Send(Message{From: "a0", To: []string{"a1"}, TTL: time.Second, Payload: []byte("stale")})
	_, _ = b.Send(Message{From: "a0", To: []string{"a1"}, TTL: time.Hour, Payload: []byte("fresh")})

	clk.Advance(2 * time.Second)

	msg := receiveOne(t, b, "a1")
	if string(msg.Payload) != "fresh" {
		t.Errorf("expected stale message skipped, got %q", msg.Payload)
	}
}

func TestSweepDropsExpired(t *testing.T) {
	b, clk := newTestBus(t)
	b.Register("a1")
	b.Register("a2")

	_, _ = b.Send(Message{From: "a0", To: []string{"a1", "a2"}, Kind: KindMulticast, TTL: time.Second})
	clk.Advance(2 * time.Second)

	if dropped := b.Sweep(clk.Now()); dropped != 2 {
		t.Errorf("expected 2 dropped, got %d", dropped)
	}
	if b.Depth() != 0 {
		t.Errorf("expected depth 0, got %d", b.Depth())
	}
}

func TestBroadcastSnapshotsMembership(t *testing.T) {
	b, _ := newTestBus(t)
	b.Register("a1")
	b.Register("a2")

	acks := b.Broadcast(Message{From: "a1", TTL: time.Minute, Payload: []byte("hi")})
	if len(acks) != 1 {
		t.Fatalf("expected delivery to a2 only, got %v", acks)
	}

	// An agent registered after the broadcast receives nothing.
	b.Register("a3")
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := b.Receive(ctx, "a3"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected no retroactive delivery, got %v", err)
	}
}

func TestChannelSubscription(t *testing.T) {
	b, _ := newTestBus(t)
	b.Register("a1")
	b.Register("a2")
	b.Register("a3")

	b.Subscribe("a1", "planners")
	b.Subscribe("a2", "planners")

	acks := b.PublishChannel("planners", Message{From: "a1", TTL: time.Minute, Payload: []byte("plan")})
	if len(acks) != 1 || acks["a2"] != StatusQueued {
		t.Fatalf("expected delivery to a2 only, got %v", acks)
	}

	msg := receiveOne(t, b, "a2")
	if msg.Channel != "planners" {
		t.Errorf("expected channel planners, got %q", msg.Channel)
	}

	b.Unsubscribe("a2", "planners")
	acks = b.PublishChannel("planners", Message{From: "a3", TTL: time.Minute})
	if _, delivered := acks["a2"]; delivered {
		t.Errorf("a2 should no longer receive channel messages, got %v", acks)
	}
}

func TestRequestResponse(t *testing.T) {
	b, _ := newTestBus(t)
	b.Register("caller")
	b.Register("worker")

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		req, err := b.Receive(ctx, "worker")
		if err != nil {
			return
		}
		_, _ = b.Send(Message{
			From:          "worker",
			To:            []string{req.From},
			Kind:          KindResponse,
			CorrelationID: req.CorrelationID,
			TTL:           time.Minute,
			Payload:       []byte("pong"),
		})
	}()

	reply, err := b.Request(context.Background(), Message{
		From:    "caller",
		To:      []string{"worker"},
		TTL:     time.Minute,
		Payload: []byte("ping"),
	}, time.Minute)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if string(reply.Payload) != "pong" {
		t.Errorf("unexpected reply %q", reply.Payload)
	}
}

func TestRequestTimeout(t *testing.T) {
	b, clk := newTestBus(t)
	b.Register("caller")
	b.Register("worker")

	errCh := make(chan error, 1)
	go func() {
		_, err := b.Request(context.Background(), Message{
			From: "caller",
			To:   []string{"worker"},
			TTL:  time.Hour,
		}, 5*time.Second)
		errCh <- err
	}()

	// Let the requester park before firing the timeout.
	time.Sleep(20 * time.Millisecond)
	clk.Advance(5 * time.Second)

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrRequestTimeout) {
			t.Errorf("expected ErrRequestTimeout, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("request did not resolve")
	}
}

func TestRequestCancellationCleansPending(t *testing.T) {
	b, _ := newTestBus(t)
	b.Register("caller")
	b.Register("worker")

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := b.Request(ctx, Message{From: "caller", To: []string{"worker"}, TTL: time.Hour, CorrelationID: "corr-1"}, time.Hour)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("request did not resolve")
	}

	b.pendingMu.Lock()
	_, leaked := b.pending["corr-1"]
	b.pendingMu.Unlock()
	if leaked {
		t.Error("cancelled request leaked its correlation entry")
	}
}

func TestCloseReleasesRequesters(t *testing.T) {
	b, _ := newTestBus(t)
	b.Register("caller")
	b.Register("worker")

	errCh := make(chan error, 1)
	go func() {
		_, err := b.Request(context.Background(), Message{From: "caller", To: []string{"worker"}, TTL: time.Hour}, time.Hour)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	b.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrBusClosed) {
			t.Errorf("expected ErrBusClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("request did not resolve after close")
	}
}

func TestQueueFull(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	b := New(clk, 2)
	defer b.Close()
	b.Register("a1")

	for i := 0; i < 2; i++ {
		acks, _ := b.Send(Message{From: "a0", To: []string{"a1"}, TTL: time.Minute})
		if acks["a1"] != StatusQueued {
			t.Fatalf("expected queued, got %s", acks["a1"])
		}
	}

	acks, _ := b.Send(Message{From: "a0", To: []string{"a1"}, TTL: time.Minute})
	if acks["a1"] != StatusQueueFull {
		t.Errorf("expected queue-full, got %s", acks["a1"])
	}
}

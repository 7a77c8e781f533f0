package natsbus

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/swarmdlabs/swarmd/internal/config"
	"github.com/swarmdlabs/swarmd/internal/event"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	bus, err := New(config.NATSConfig{
		Port:    0, // Random port
		DataDir: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("failed to create bus: %v", err)
	}
	t.Cleanup(bus.Close)
	return bus
}

func TestBusStartStop(t *testing.T) {
	bus := newTestBus(t)
	if bus.ClientURL() == "" {
		t.Fatal("expected non-empty client URL")
	}
}

func TestPubSub(t *testing.T) {
	bus := newTestBus(t)

	client, err := NewClient(bus)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	defer client.Close()

	received := make(chan string, 1)
	_, err = client.Subscribe(TopicBridge("sw-1"), func(msg *nats.Msg) {
		received <- string(msg.Data)
	})
	if err != nil {
		t.Fatalf("subscribe error: %v", err)
	}

	if err := client.Publish(TopicBridge("sw-1"), []byte("hello")); err != nil {
		t.Fatalf("publish error: %v", err)
	}
	client.Flush()

	select {
	case data := <-received:
		if data != "hello" {
			t.Errorf("expected 'hello', got '%s'", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func TestRelayMirrorsEvents(t *testing.T) {
	bus := newTestBus(t)

	client, err := NewClient(bus)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	defer client.Close()

	received := make(chan event.Event, 1)
	_, err = client.Subscribe(TopicSwarmEvents("sw-1"), func(msg *nats.Msg) {
		var ev event.Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			t.Errorf("unmarshal relayed event: %v", err)
			return
		}
		received <- ev
	})
	if err != nil {
		t.Fatalf("subscribe error: %v", err)
	}
	client.Flush()

	stream := event.NewStream()
	defer stream.Close()
	relay := NewRelay(client, "sw-1", stream, nil)
	defer relay.Close()

	stream.Publish(event.Event{Type: event.TypeTaskAssigned, SwarmID: "sw-1"})

	select {
	case ev := <-received:
		if ev.Type != event.TypeTaskAssigned || ev.SwarmID != "sw-1" {
			t.Errorf("unexpected relayed event %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for relayed event")
	}
}

func TestRelayPublishesStats(t *testing.T) {
	bus := newTestBus(t)

	client, err := NewClient(bus)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	defer client.Close()

	received := make(chan map[string]any, 1)
	_, err = client.Subscribe(TopicSwarmStats("sw-1"), func(msg *nats.Msg) {
		var snap map[string]any
		if err := json.Unmarshal(msg.Data, &snap); err != nil {
			t.Errorf("unmarshal stats snapshot: %v", err)
			return
		}
		received <- snap
	})
	if err != nil {
		t.Fatalf("subscribe error: %v", err)
	}
	client.Flush()

	stream := event.NewStream()
	defer stream.Close()
	relay := NewRelay(client, "sw-1", stream, func() any {
		return map[string]any{"agents": 3}
	})
	defer relay.Close()

	stream.Publish(event.Event{Type: event.TypeAgentJoined, SwarmID: "sw-1"})

	select {
	case snap := <-received:
		if snap["agents"] != float64(3) {
			t.Errorf("unexpected stats snapshot %+v", snap)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for stats snapshot")
	}
}

func TestTopicNames(t *testing.T) {
	if got := TopicSwarmEvents("sw-1"); got != "swarm.sw-1.events" {
		t.Errorf("expected swarm.sw-1.events, got %s", got)
	}
	if got := TopicBridge("sw-1"); got != "swarm.sw-1.bridge" {
		t.Errorf("expected swarm.sw-1.bridge, got %s", got)
	}
	if got := TopicSwarmStats("sw-1"); got != "swarm.sw-1.stats" {
		t.Errorf("expected swarm.sw-1.stats, got %s", got)
	}
}

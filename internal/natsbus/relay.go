package natsbus

import (
	"log/slog"
	"sync"

	"github.com/swarmdlabs/swarmd/internal/event"
)

// Relay mirrors a swarm's event stream onto its NATS events subject so
// external observers can follow the swarm without holding an in-process
// subscription. When a stats function is supplied, a fresh snapshot is
// published on the stats subject after each relayed event, giving observers
// a feed keyed to state transitions.
type Relay struct {
	client *Client
	cancel func()
	wg     sync.WaitGroup
}

func NewRelay(client *Client, swarmID string, stream *event.Stream, stats func() any) *Relay {
	ch, cancel := stream.Subscribe(256)
	r := &Relay{client: client, cancel: cancel}

	eventsTopic := TopicSwarmEvents(swarmID)
	statsTopic := TopicSwarmStats(swarmID)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for ev := range ch {
			if err := client.PublishJSON(eventsTopic, ev); err != nil {
				slog.Warn("event relay publish failed", "topic", eventsTopic, "error", err)
			}
			if stats == nil {
				continue
			}
			if err := client.PublishJSON(statsTopic, stats()); err != nil {
				slog.Warn("stats relay publish failed", "topic", statsTopic, "error", err)
			}
		}
	}()
	return r
}

// Close detaches from the stream and waits for the pump to drain.
func (r *Relay) Close() {
	r.cancel()
	r.wg.Wait()
}

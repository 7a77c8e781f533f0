package natsbus

import "fmt"

// Subject layout: one namespace per swarm under "swarm.<id>.". Coordination
// state never travels here; the subjects mirror in-process streams for
// external consumers and carry explicit cross-swarm forwards.

// TopicSwarmEvents carries a swarm's lifecycle event stream.
func TopicSwarmEvents(swarmID string) string {
	return fmt.Sprintf("swarm.%s.events", swarmID)
}

// TopicSwarmStats carries a stats snapshot published alongside each relayed
// event.
func TopicSwarmStats(swarmID string) string {
	return fmt.Sprintf("swarm.%s.stats", swarmID)
}

// TopicBridge is the inbound mailbox for cross-swarm forwarding; it is the
// only sanctioned path between swarms.
func TopicBridge(swarmID string) string {
	return fmt.Sprintf("swarm.%s.bridge", swarmID)
}

// TopicEventsAll matches every swarm's event subject; the web event feed
// subscribes here.
const TopicEventsAll = "swarm.*.events"

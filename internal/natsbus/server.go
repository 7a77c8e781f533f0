// Package natsbus embeds the NATS server that carries each swarm's event
// relay, its stats feed and the cross-swarm bridge subjects.
package natsbus

import (
	"fmt"
	"os"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"

	"github.com/swarmdlabs/swarmd/internal/config"
)

// readyTimeout bounds the wait for the embedded server to accept
// connections.
const readyTimeout = 5 * time.Second

// Bus is the embedded NATS server.
type Bus struct {
	server *natsserver.Server
}

func New(cfg config.NATSConfig) (*Bus, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create nats data dir: %w", err)
	}

	opts := &natsserver.Options{
		ServerName: "swarmd",
		Port:       cfg.Port,
		NoLog:      true,
		NoSigs:     true,
		JetStream:  true,
		StoreDir:   cfg.DataDir,
	}

	ns, err := natsserver.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create nats server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(readyTimeout) {
		return nil, fmt.Errorf("embedded nats not ready after %s", readyTimeout)
	}

	return &Bus{server: ns}, nil
}

func (b *Bus) ClientURL() string {
	return b.server.ClientURL()
}

// Close shuts the server down and blocks until it has fully stopped.
func (b *Bus) Close() {
	b.server.Shutdown()
	b.server.WaitForShutdown()
}

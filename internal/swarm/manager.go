package swarm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/swarmdlabs/swarmd/internal/bus"
	"github.com/swarmdlabs/swarmd/internal/clock"
	"github.com/swarmdlabs/swarmd/internal/config"
	"github.com/swarmdlabs/swarmd/internal/event"
	"github.com/swarmdlabs/swarmd/internal/natsbus"
	"github.com/swarmdlabs/swarmd/internal/schedule"
	"github.com/swarmdlabs/swarmd/internal/store"
)

// Manager runs multiple isolated swarms. Swarms never share registries,
// buses or consensus state; the only cross-swarm path is an explicit bridge
// message forwarded over NATS.
type Manager struct {
	cfg  *config.Config
	clk  clock.Clock
	st   *store.Store
	nats *natsbus.Client

	mu     sync.Mutex
	swarms map[string]*managed

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type managed struct {
	coord     *Coordinator
	createdAt time.Time
	relay     *natsbus.Relay
	bridge    *nats.Subscription
	unjournal func()
}

// NewManager wires the journal store and NATS client; either may be nil to
// run without that surface (tests, embedded use).
func NewManager(cfg *config.Config, clk clock.Clock, st *store.Store, nc *natsbus.Client) *Manager {
	return &Manager{
		cfg:    cfg,
		clk:    clk,
		st:     st,
		nats:   nc,
		swarms: make(map[string]*managed),
		stop:   make(chan struct{}),
	}
}

// Start launches manager-level maintenance (the journal purge loop).
func (m *Manager) Start(ctx context.Context) {
	if m.st == nil || m.cfg.Purge.Schedule == "" {
		return
	}
	raw, err := schedule.Normalize(m.cfg.Purge.Schedule)
	if err != nil {
		slog.Warn("invalid purge schedule, journal purging disabled", "schedule", m.cfg.Purge.Schedule, "error", err)
		return
	}

	m.wg.Add(1)
	go m.purgeLoop(ctx, raw)
}

func (m *Manager) purgeLoop(ctx context.Context, raw string) {
	defer m.wg.Done()
	for {
		now := m.clk.Now()
		next := schedule.NextRun(raw, now)
		if next == nil {
			return
		}

		select {
		case <-m.clk.After(next.Sub(now)):
		case <-m.stop:
			return
		case <-ctx.Done():
			return
		}

		cutoff := m.clk.Now().Add(-m.cfg.Purge.Retain)
		purged, err := m.st.PurgeTerminal(cutoff)
		if err != nil {
			slog.Warn("journal purge failed", "error", err)
			continue
		}
		if purged > 0 {
			slog.Info("journal purged", "rows", purged, "cutoff", cutoff)
		}
	}
}

// CreateSwarm creates, journals and starts an isolated swarm. maxAgents
// zero falls back to the configured default. The swarm's sweep loops run
// until DestroySwarm or Shutdown, independent of the creating caller.
func (m *Manager) CreateSwarm(topology string, maxAgents int) (*Coordinator, error) {
	scfg := m.cfg.Swarm
	if maxAgents > 0 {
		scfg.MaxAgents = maxAgents
	}

	coord := New("", topology, scfg, m.clk)
	entry := &managed{coord: coord, createdAt: m.clk.Now()}

	// Journal and relay subscribe before Start so they observe the
	// created-to-running transition.
	if m.st != nil {
		ch, cancel := coord.Events().Subscribe(256)
		entry.unjournal = cancel
		m.wg.Add(1)
		go m.journal(coord, entry.createdAt, ch)
	}
	if m.nats != nil {
		entry.relay = natsbus.NewRelay(m.nats, coord.ID(), coord.Events(), func() any { return coord.Stats() })

		sub, err := m.nats.Subscribe(natsbus.TopicBridge(coord.ID()), func(msg *nats.Msg) {
			m.deliverBridge(coord, msg.Data)
		})
		if err != nil {
			entry.relay.Close()
			return nil, fmt.Errorf("subscribe bridge for %s: %w", coord.ID(), err)
		}
		entry.bridge = sub
	}

	if err := coord.Start(); err != nil {
		m.teardown(entry)
		return nil, err
	}

	m.mu.Lock()
	m.swarms[coord.ID()] = entry
	m.mu.Unlock()

	slog.Info("swarm created", "id", coord.ID(), "topology", topology, "max_agents", scfg.MaxAgents)
	return coord, nil
}

func (m *Manager) GetSwarm(id string) (*Coordinator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.swarms[id]
	if !exists {
		return nil, fmt.Errorf("swarm %s: %w", id, ErrUnknownSwarm)
	}
	return entry.coord, nil
}

func (m *Manager) ListSwarms() []Stats {
	m.mu.Lock()
	coords := make([]*Coordinator, 0, len(m.swarms))
	for _, entry := range m.swarms {
		coords = append(coords, entry.coord)
	}
	m.mu.Unlock()

	out := make([]Stats, 0, len(coords))
	for _, c := range coords {
		out = append(out, c.Stats())
	}
	return out
}

// DestroySwarm drains the swarm and detaches its relay, bridge and journal.
func (m *Manager) DestroySwarm(ctx context.Context, id string) error {
	m.mu.Lock()
	entry, exists := m.swarms[id]
	if exists {
		delete(m.swarms, id)
	}
	m.mu.Unlock()

	if !exists {
		return fmt.Errorf("destroy swarm %s: %w", id, ErrUnknownSwarm)
	}

	err := entry.coord.Destroy(ctx)
	m.teardown(entry)
	return err
}

func (m *Manager) teardown(entry *managed) {
	if entry.bridge != nil {
		_ = entry.bridge.Unsubscribe()
	}
	if entry.relay != nil {
		entry.relay.Close()
	}
	if entry.unjournal != nil {
		entry.unjournal()
	}
}

// Shutdown destroys all swarms and stops maintenance loops.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	entries := make([]*managed, 0, len(m.swarms))
	for id, entry := range m.swarms {
		entries = append(entries, entry)
		delete(m.swarms, id)
	}
	m.mu.Unlock()

	for _, entry := range entries {
		if err := entry.coord.Destroy(ctx); err != nil {
			slog.Warn("swarm destroy during shutdown failed", "id", entry.coord.ID(), "error", err)
		}
		m.teardown(entry)
	}

	m.stopOnce.Do(func() { close(m.stop) })
	m.wg.Wait()
}

// Forward carries a message into another swarm through its bridge subject.
// This is the only sanctioned cross-swarm path; swarms never share a bus.
func (m *Manager) Forward(toSwarmID string, msg bus.Message) error {
	if m.nats != nil {
		if err := m.nats.PublishJSON(natsbus.TopicBridge(toSwarmID), msg); err != nil {
			return fmt.Errorf("forward to %s: %w", toSwarmID, err)
		}
		return nil
	}

	// No NATS: deliver directly when the target swarm is local.
	coord, err := m.GetSwarm(toSwarmID)
	if err != nil {
		return err
	}
	_, err = coord.Send(msg)
	return err
}

func (m *Manager) deliverBridge(coord *Coordinator, data []byte) {
	var msg bus.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.Warn("malformed bridge message dropped", "swarm", coord.ID(), "error", err)
		return
	}
	if _, err := coord.Send(msg); err != nil {
		slog.Warn("bridge delivery refused", "swarm", coord.ID(), "error", err)
	}
}

// --- journal pump ---

func (m *Manager) journal(coord *Coordinator, createdAt time.Time, ch <-chan event.Event) {
	defer m.wg.Done()
	for ev := range ch {
		switch ev.Type {
		case event.TypeSwarmStateChanged:
			m.journalSwarm(coord, createdAt, ev)
		case event.TypeTaskSubmitted, event.TypeTaskAssigned, event.TypeTaskReassigned,
			event.TypeTaskCompleted, event.TypeTaskFailed:
			m.journalTask(coord, ev)
		case event.TypeProposalOpened, event.TypeProposalDecided,
			event.TypeProposalTimedOut, event.TypeProposalAborted:
			m.journalProposal(coord, ev)
		}
	}
}

func (m *Manager) journalSwarm(coord *Coordinator, createdAt time.Time, ev event.Event) {
	state := dataString(ev, "state")
	rec := &store.SwarmRecord{
		ID:        coord.ID(),
		Topology:  coord.Topology(),
		MaxAgents: coord.cfg.MaxAgents,
		Status:    state,
		CreatedAt: createdAt,
	}
	if state == string(StateDestroyed) {
		at := ev.At
		rec.DestroyedAt = &at
	}
	if err := m.st.SaveSwarm(rec); err != nil {
		slog.Warn("journal swarm failed", "swarm", coord.ID(), "error", err)
	}
}

func (m *Manager) journalTask(coord *Coordinator, ev event.Event) {
	t, ok := coord.GetTask(dataString(ev, "task_id"))
	if !ok {
		return
	}
	caps, _ := json.Marshal(t.Required)
	rec := &store.TaskRecord{
		ID:            t.ID,
		SwarmID:       coord.ID(),
		Capabilities:  caps,
		Priority:      t.Priority,
		Status:        string(t.Status),
		AssignedAgent: t.AssignedAgent,
		Attempts:      t.Attempts,
		Reason:        t.Reason,
		CreatedAt:     t.CreatedAt,
		UpdatedAt:     t.UpdatedAt,
	}
	if err := m.st.SaveTask(rec); err != nil {
		slog.Warn("journal task failed", "task", t.ID, "error", err)
	}
}

func (m *Manager) journalProposal(coord *Coordinator, ev event.Event) {
	rec := &store.ProposalRecord{
		ID:        dataString(ev, "proposal_id"),
		SwarmID:   coord.ID(),
		Algorithm: dataString(ev, "algorithm"),
		Status:    "open",
		OpenedAt:  ev.At,
	}
	if ev.Type != event.TypeProposalOpened {
		rec.Status = dataString(ev, "status")
		rec.Decision = dataString(ev, "option")
		rec.Confidence = dataFloat(ev, "confidence")
		at := ev.At
		rec.ClosedAt = &at
	}
	if err := m.st.SaveProposal(rec); err != nil {
		slog.Warn("journal proposal failed", "proposal", rec.ID, "error", err)
	}
}

func dataString(ev event.Event, key string) string {
	if v, ok := ev.Data[key].(string); ok {
		return v
	}
	return ""
}

func dataFloat(ev event.Event, key string) float64 {
	if v, ok := ev.Data[key].(float64); ok {
		return v
	}
	return 0
}

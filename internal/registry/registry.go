// Package registry tracks agent identity, capabilities, health and load for
// a single swarm.
package registry

import (
	"errors"
	"fmt"
	"iter"
	"slices"
	"sync"
	"time"

	"github.com/swarmdlabs/swarmd/internal/clock"
)

var (
	ErrDuplicateAgent   = errors.New("agent id already registered")
	ErrCapacityExceeded = errors.New("swarm is at max agents")
	ErrUnknownAgent     = errors.New("unknown agent")
)

type Status string

const (
	StatusIdle      Status = "idle"
	StatusBusy      Status = "busy"
	StatusUnhealthy Status = "unhealthy"
	StatusRemoved   Status = "removed"
)

// Agent is a registered worker participant. Values handed out by the
// registry are snapshots; all mutation goes through registry methods so each
// agent's load and status have a single serialization point.
type Agent struct {
	ID            string    `json:"id"`
	Capabilities  []string  `json:"capabilities"`
	Status        Status    `json:"status"`
	Load          int       `json:"load"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	RegisteredAt  time.Time `json:"registered_at"`

	seq int
}

func (a Agent) HasCapability(capability string) bool {
	return slices.Contains(a.Capabilities, capability)
}

// Assignable reports whether the agent may receive new work.
func (a Agent) Assignable() bool {
	return a.Status == StatusIdle || a.Status == StatusBusy
}

// Descriptor is the caller-supplied part of an agent registration.
type Descriptor struct {
	ID           string   `json:"id"`
	Capabilities []string `json:"capabilities"`
}

type Registry struct {
	mu            sync.RWMutex
	clk           clock.Clock
	maxAgents     int
	healthTimeout time.Duration
	agents        map[string]*Agent
	nextSeq       int
}

func New(clk clock.Clock, maxAgents int, healthTimeout time.Duration) *Registry {
	return &Registry{
		clk:           clk,
		maxAgents:     maxAgents,
		healthTimeout: healthTimeout,
		agents:        make(map[string]*Agent),
	}
}

// Register adds an agent. New agents start idle with zero load.
func (r *Registry) Register(d Descriptor) (Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[d.ID]; exists {
		return Agent{}, fmt.Errorf("register %s: %w", d.ID, ErrDuplicateAgent)
	}
	if r.maxAgents > 0 && len(r.agents) >= r.maxAgents {
		return Agent{}, fmt.Errorf("register %s: %w", d.ID, ErrCapacityExceeded)
	}

	now := r.clk.Now()
	a := &Agent{
		ID:            d.ID,
		Capabilities:  slices.Clone(d.Capabilities),
		Status:        StatusIdle,
		LastHeartbeat: now,
		RegisteredAt:  now,
		seq:           r.nextSeq,
	}
	r.nextSeq++
	r.agents[d.ID] = a

	return *a, nil
}

// Deregister removes an agent. Idempotent: removing an absent agent is a
// no-op and reports false.
func (r *Registry) Deregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[id]; !exists {
		return false
	}
	delete(r.agents, id)
	return true
}

func (r *Registry) UpdateHeartbeat(id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, exists := r.agents[id]
	if !exists {
		return fmt.Errorf("heartbeat %s: %w", id, ErrUnknownAgent)
	}
	a.LastHeartbeat = at
	if a.Status == StatusUnhealthy {
		// A fresh heartbeat recovers an unhealthy agent.
		if a.Load > 0 {
			a.Status = StatusBusy
		} else {
			a.Status = StatusIdle
		}
	}
	return nil
}

// ListByCapability returns a lazy, restartable sequence of assignable agents
// holding the capability, ordered by ascending load then registration order.
// Each range over the sequence observes a fresh snapshot.
func (r *Registry) ListByCapability(capability string) iter.Seq[Agent] {
	return func(yield func(Agent) bool) {
		for _, a := range r.snapshotSorted() {
			if !a.Assignable() || !a.HasCapability(capability) {
				continue
			}
			if !yield(a) {
				return
			}
		}
	}
}

// Assignable returns a lazy, restartable sequence of all assignable agents
// in load-then-registration order.
func (r *Registry) Assignable() iter.Seq[Agent] {
	return func(yield func(Agent) bool) {
		for _, a := range r.snapshotSorted() {
			if !a.Assignable() {
				continue
			}
			if !yield(a) {
				return
			}
		}
	}
}

func (r *Registry) snapshotSorted() []Agent {
	r.mu.RLock()
	out := make([]Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, *a)
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(x, y Agent) int {
		if x.Load != y.Load {
			return x.Load - y.Load
		}
		return x.seq - y.seq
	})
	return out
}

// SweepHealth marks agents whose heartbeat is older than the health timeout
// as unhealthy and returns their ids. Unhealthy agents are excluded from new
// assignment but not removed.
func (r *Registry) SweepHealth(now time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var flagged []string
	for _, a := range r.agents {
		if a.Status == StatusUnhealthy {
			continue
		}
		if now.Sub(a.LastHeartbeat) > r.healthTimeout {
			a.Status = StatusUnhealthy
			flagged = append(flagged, a.ID)
		}
	}
	slices.Sort(flagged)
	return flagged
}

// Assign increments the agent's load for a new task.
func (r *Registry) Assign(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, exists := r.agents[id]
	if !exists {
		return fmt.Errorf("assign to %s: %w", id, ErrUnknownAgent)
	}
	a.Load++
	if a.Status == StatusIdle {
		a.Status = StatusBusy
	}
	return nil
}

// Release decrements the agent's load after a terminal task report. Load
// never goes below zero.
func (r *Registry) Release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, exists := r.agents[id]
	if !exists {
		return
	}
	if a.Load > 0 {
		a.Load--
	}
	if a.Load == 0 && a.Status == StatusBusy {
		a.Status = StatusIdle
	}
}

func (r *Registry) Get(id string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, exists := r.agents[id]
	if !exists {
		return Agent{}, false
	}
	return *a, true
}

// List returns snapshots of all agents in registration order.
func (r *Registry) List() []Agent {
	r.mu.RLock()
	out := make([]Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, *a)
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(x, y Agent) int { return x.seq - y.seq })
	return out
}

// Members returns the ids of agents eligible to participate in consensus
// (idle or busy, not unhealthy), in registration order.
func (r *Registry) Members() []string {
	var ids []string
	for _, a := range r.List() {
		if a.Assignable() {
			ids = append(ids, a.ID)
		}
	}
	return ids
}

func (r *Registry) CountByStatus() map[Status]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[Status]int)
	for _, a := range r.agents {
		counts[a.Status]++
	}
	return counts
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

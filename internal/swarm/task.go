package swarm

import (
	"time"

	"github.com/swarmdlabs/swarmd/internal/registry"
)

type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskAssigned  TaskStatus = "assigned"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// Task is a unit of work routed to one agent at a time.
type Task struct {
	ID            string     `json:"id"`
	Required      []string   `json:"required,omitempty"`
	Priority      string     `json:"priority"`
	Status        TaskStatus `json:"status"`
	AssignedAgent string     `json:"assigned_agent,omitempty"`
	Attempts      int        `json:"attempts"`
	Reason        string     `json:"reason,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Failure reasons recorded on terminal tasks.
const (
	ReasonNoEligibleAgent  = "no-eligible-agent"
	ReasonAgentRemoved     = "agent-removed"
	ReasonAgentUnhealthy   = "agent-unhealthy"
	ReasonRetriesExhausted = "retries-exhausted"
	ReasonSwarmDestroyed   = "swarm-destroyed"
)

// Load balancing policies.
const (
	PolicyRoundRobin      = "round-robin"
	PolicyLeastLoaded     = "least-loaded"
	PolicyCapabilityBased = "capability-based"
)

func hasAll(a registry.Agent, required []string) bool {
	for _, cap := range required {
		if !a.HasCapability(cap) {
			return false
		}
	}
	return true
}

// selectAgent picks the assignee for a task under the configured policy.
// Eligibility always means assignable and holding every required capability;
// the policy only decides the order candidates are considered in. The caller
// holds c.mu, which also serializes the round-robin cursor.
func (c *Coordinator) selectAgent(required []string) (string, bool) {
	switch c.cfg.LoadBalancing {
	case PolicyRoundRobin:
		// Registration order, rotating cursor.
		var eligible []string
		for _, a := range c.registry.List() {
			if a.Assignable() && hasAll(a, required) {
				eligible = append(eligible, a.ID)
			}
		}
		if len(eligible) == 0 {
			return "", false
		}
		id := eligible[c.rrCursor%len(eligible)]
		c.rrCursor++
		return id, true

	default:
		// least-loaded and capability-based: ascending load, registration
		// order breaking ties.
		for a := range c.registry.Assignable() {
			if hasAll(a, required) {
				return a.ID, true
			}
		}
		return "", false
	}
}

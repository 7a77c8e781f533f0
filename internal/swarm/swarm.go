// Package swarm implements the coordinator that ties a swarm's registry,
// message bus and consensus manager into one lifecycle, plus the manager
// that runs multiple isolated swarms side by side.
package swarm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/swarmdlabs/swarmd/internal/bus"
	"github.com/swarmdlabs/swarmd/internal/clock"
	"github.com/swarmdlabs/swarmd/internal/config"
	"github.com/swarmdlabs/swarmd/internal/consensus"
	"github.com/swarmdlabs/swarmd/internal/event"
	"github.com/swarmdlabs/swarmd/internal/registry"
)

var (
	ErrNoEligibleAgent = errors.New("no eligible agent for task")
	ErrSwarmNotRunning = errors.New("swarm is not running")
	ErrUnknownTask     = errors.New("unknown task")
	ErrUnknownSwarm    = errors.New("unknown swarm")
)

type State string

const (
	StateCreated   State = "created"
	StateRunning   State = "running"
	StateDraining  State = "draining"
	StateDestroyed State = "destroyed"
)

// drainPoll is how often Destroy re-checks in-flight work while draining.
const drainPoll = 50 * time.Millisecond

// Coordinator owns one swarm. All cross-entity transitions (task assignment,
// reassignment, drain) are serialized on c.mu; the registry, bus and
// consensus manager each guard their own state.
type Coordinator struct {
	id       string
	topology string
	cfg      config.SwarmConfig
	clk      clock.Clock

	registry  *registry.Registry
	bus       *bus.Bus
	consensus *consensus.Manager
	events    *event.Stream

	mu       sync.Mutex
	state    State
	tasks    map[string]*Task
	rrCursor int

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(id, topology string, cfg config.SwarmConfig, clk clock.Clock) *Coordinator {
	if id == "" {
		id = uuid.New().String()
	}
	c := &Coordinator{
		id:        id,
		topology:  topology,
		cfg:       cfg,
		clk:       clk,
		registry:  registry.New(clk, cfg.MaxAgents, cfg.HealthTimeout),
		bus:       bus.New(clk, cfg.MaxQueue),
		consensus: consensus.NewManager(clk),
		events:    event.NewStream(),
		state:     StateCreated,
		tasks:     make(map[string]*Task),
		stop:      make(chan struct{}),
	}
	c.consensus.SetOnFinalized(c.onProposalFinalized)
	return c
}

func (c *Coordinator) ID() string       { return c.id }
func (c *Coordinator) Topology() string { return c.topology }

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Events exposes the swarm's lifecycle event stream.
func (c *Coordinator) Events() *event.Stream { return c.events }

func (c *Coordinator) publish(t event.Type, data map[string]any) {
	c.events.Publish(event.Event{Type: t, SwarmID: c.id, At: c.clk.Now(), Data: data})
}

// Start moves the swarm from created to running and launches the health and
// TTL sweep loops. The loops live until Destroy; they are deliberately not
// tied to any caller context, which may end long before the swarm does.
func (c *Coordinator) Start() error {
	c.mu.Lock()
	if c.state != StateCreated {
		c.mu.Unlock()
		return fmt.Errorf("start %s in state %s: %w", c.id, c.state, ErrSwarmNotRunning)
	}
	c.state = StateRunning
	c.mu.Unlock()

	c.publish(event.TypeSwarmStateChanged, map[string]any{"state": string(StateRunning)})
	slog.Info("swarm started", "id", c.id, "topology", c.topology, "max_agents", c.cfg.MaxAgents)

	c.wg.Add(2)
	healthTick := c.clk.After(c.cfg.HealthSweepInterval)
	ttlTick := c.clk.After(c.cfg.TTLSweepInterval)
	go c.healthLoop(healthTick)
	go c.ttlLoop(ttlTick)
	return nil
}

func (c *Coordinator) healthLoop(tick <-chan time.Time) {
	defer c.wg.Done()
	for {
		select {
		case <-tick:
		case <-c.stop:
			return
		}
		tick = c.clk.After(c.cfg.HealthSweepInterval)

		for _, id := range c.registry.SweepHealth(c.clk.Now()) {
			slog.Warn("agent missed heartbeats, marked unhealthy", "swarm", c.id, "agent", id)
			c.publish(event.TypeAgentUnhealthy, map[string]any{"agent_id": id})
			c.consensus.MemberDown(id)

			c.mu.Lock()
			c.reassignAgentTasksLocked(id, ReasonAgentUnhealthy)
			c.mu.Unlock()
		}
	}
}

func (c *Coordinator) ttlLoop(tick <-chan time.Time) {
	defer c.wg.Done()
	for {
		select {
		case <-tick:
		case <-c.stop:
			return
		}
		tick = c.clk.After(c.cfg.TTLSweepInterval)

		if dropped := c.bus.Sweep(c.clk.Now()); dropped > 0 {
			c.publish(event.TypeMessageExpired, map[string]any{"count": dropped})
		}
	}
}

// --- agents ---

// AddAgent registers an agent and gives it a bus inbox. The first successful
// registration starts a created swarm; explicit Start works the same way.
func (c *Coordinator) AddAgent(d registry.Descriptor) (registry.Agent, error) {
	c.mu.Lock()
	if c.state != StateCreated && c.state != StateRunning {
		c.mu.Unlock()
		return registry.Agent{}, fmt.Errorf("add agent to %s: %w", c.id, ErrSwarmNotRunning)
	}
	c.mu.Unlock()

	a, err := c.registry.Register(d)
	if err != nil {
		return registry.Agent{}, err
	}
	c.bus.Register(a.ID)
	if c.State() == StateCreated {
		_ = c.Start()
	}
	c.publish(event.TypeAgentJoined, map[string]any{"agent_id": a.ID})
	slog.Info("agent joined", "swarm", c.id, "agent", a.ID, "capabilities", a.Capabilities)
	return a, nil
}

// RemoveAgent deregisters an agent, drops its inbox, excludes it from open
// proposals and reassigns its in-flight tasks. Idempotent.
func (c *Coordinator) RemoveAgent(id string) bool {
	removed := c.registry.Deregister(id)
	if !removed {
		return false
	}
	c.bus.Unregister(id)
	c.consensus.MemberDown(id)

	c.mu.Lock()
	c.reassignAgentTasksLocked(id, ReasonAgentRemoved)
	c.mu.Unlock()

	c.publish(event.TypeAgentLeft, map[string]any{"agent_id": id})
	slog.Info("agent left", "swarm", c.id, "agent", id)
	return true
}

func (c *Coordinator) Heartbeat(agentID string) error {
	return c.registry.UpdateHeartbeat(agentID, c.clk.Now())
}

func (c *Coordinator) Agents() []registry.Agent {
	return c.registry.List()
}

// ListByCapability yields assignable agents holding the capability, least
// loaded first.
func (c *Coordinator) ListByCapability(capability string) iter.Seq[registry.Agent] {
	return c.registry.ListByCapability(capability)
}

func (c *Coordinator) Agent(id string) (registry.Agent, bool) {
	return c.registry.Get(id)
}

// --- tasks ---

// SubmitTask records a task and assigns it under the configured policy. When
// no registered, healthy agent holds every required capability the task is
// failed and ErrNoEligibleAgent returned.
func (c *Coordinator) SubmitTask(required []string, priority string) (Task, error) {
	if priority == "" {
		priority = string(bus.PriorityNormal)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateRunning {
		return Task{}, fmt.Errorf("submit task to %s: %w", c.id, ErrSwarmNotRunning)
	}

	now := c.clk.Now()
	t := &Task{
		ID:        uuid.New().String(),
		Required:  required,
		Priority:  priority,
		Status:    TaskPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	c.tasks[t.ID] = t
	c.publish(event.TypeTaskSubmitted, map[string]any{"task_id": t.ID})

	if !c.assignLocked(t) {
		c.failLocked(t, ReasonNoEligibleAgent)
		return *t, fmt.Errorf("task %s requires %v: %w", t.ID, required, ErrNoEligibleAgent)
	}
	return *t, nil
}

// assignLocked picks an assignee and notifies it over the bus. Caller holds
// c.mu.
func (c *Coordinator) assignLocked(t *Task) bool {
	agentID, ok := c.selectAgent(t.Required)
	if !ok {
		return false
	}
	if err := c.registry.Assign(agentID); err != nil {
		return false
	}

	t.AssignedAgent = agentID
	t.Status = TaskAssigned
	t.Attempts++
	t.UpdatedAt = c.clk.Now()

	payload, _ := json.Marshal(map[string]any{"task_id": t.ID, "required": t.Required})
	c.bus.Send(bus.Message{
		From:     c.id,
		To:       []string{agentID},
		Kind:     bus.KindUnicast,
		Priority: bus.Priority(t.Priority),
		TTL:      c.cfg.RequestTimeout,
		Payload:  payload,
	})

	c.publish(event.TypeTaskAssigned, map[string]any{"task_id": t.ID, "agent_id": agentID, "attempt": t.Attempts})
	return true
}

func (c *Coordinator) failLocked(t *Task, reason string) {
	t.Status = TaskFailed
	t.Reason = reason
	t.AssignedAgent = ""
	t.UpdatedAt = c.clk.Now()
	c.publish(event.TypeTaskFailed, map[string]any{"task_id": t.ID, "reason": reason})
	slog.Warn("task failed", "swarm", c.id, "task", t.ID, "reason", reason)
}

// reassignLocked moves a task off its current assignee. Retries stop once
// the attempt budget is spent; cause is recorded when no candidate remains.
func (c *Coordinator) reassignLocked(t *Task, cause string) {
	prev := t.AssignedAgent
	t.AssignedAgent = ""
	t.Status = TaskPending

	if t.Attempts > c.cfg.RetryLimit {
		c.failLocked(t, ReasonRetriesExhausted)
		return
	}
	if !c.assignLocked(t) {
		c.failLocked(t, cause)
		return
	}
	c.publish(event.TypeTaskReassigned, map[string]any{
		"task_id": t.ID, "from": prev, "to": t.AssignedAgent, "attempt": t.Attempts,
	})
}

// reassignAgentTasksLocked reroutes every in-flight task held by the agent.
// Caller holds c.mu.
func (c *Coordinator) reassignAgentTasksLocked(agentID, cause string) {
	for _, t := range c.tasks {
		if t.AssignedAgent != agentID || t.Status.Terminal() {
			continue
		}
		// No-op when the agent was already deregistered.
		c.registry.Release(agentID)
		c.reassignLocked(t, cause)
	}
}

// StartTask records that the assignee picked the task up.
func (c *Coordinator) StartTask(taskID, agentID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, exists := c.tasks[taskID]
	if !exists {
		return fmt.Errorf("start task %s: %w", taskID, ErrUnknownTask)
	}
	if t.Status != TaskAssigned || t.AssignedAgent != agentID {
		return fmt.Errorf("start task %s: not assigned to %s", taskID, agentID)
	}
	t.Status = TaskRunning
	t.UpdatedAt = c.clk.Now()
	return nil
}

// ReportCompletion finishes a task. Terminal states are never overwritten:
// a completion racing a reassignment sweep wins only if it arrives first.
func (c *Coordinator) ReportCompletion(taskID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, exists := c.tasks[taskID]
	if !exists {
		return fmt.Errorf("complete task %s: %w", taskID, ErrUnknownTask)
	}
	if t.Status.Terminal() {
		slog.Debug("completion report for terminal task ignored", "task", taskID, "status", t.Status)
		return nil
	}

	if t.AssignedAgent != "" {
		c.registry.Release(t.AssignedAgent)
	}
	t.Status = TaskCompleted
	t.UpdatedAt = c.clk.Now()
	c.publish(event.TypeTaskCompleted, map[string]any{"task_id": t.ID, "agent_id": t.AssignedAgent})
	return nil
}

// ReportFailure releases the assignee and retries the task while attempts
// remain, then fails it for good.
func (c *Coordinator) ReportFailure(taskID, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, exists := c.tasks[taskID]
	if !exists {
		return fmt.Errorf("fail task %s: %w", taskID, ErrUnknownTask)
	}
	if t.Status.Terminal() {
		return nil
	}

	if t.AssignedAgent != "" {
		c.registry.Release(t.AssignedAgent)
	}
	if reason == "" {
		reason = "agent-reported-failure"
	}
	c.reassignLocked(t, reason)
	return nil
}

func (c *Coordinator) GetTask(taskID string) (Task, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, exists := c.tasks[taskID]
	if !exists {
		return Task{}, false
	}
	return *t, true
}

func (c *Coordinator) Tasks() []Task {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Task, 0, len(c.tasks))
	for _, t := range c.tasks {
		out = append(out, *t)
	}
	return out
}

func (c *Coordinator) inFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, t := range c.tasks {
		if t.Status == TaskAssigned || t.Status == TaskRunning {
			n++
		}
	}
	return n
}

// --- messaging ---

func (c *Coordinator) gateRunning(op string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateRunning {
		return fmt.Errorf("%s on %s: %w", op, c.id, ErrSwarmNotRunning)
	}
	return nil
}

func (c *Coordinator) Send(msg bus.Message) (map[string]bus.DeliveryStatus, error) {
	if err := c.gateRunning("send"); err != nil {
		return nil, err
	}
	return c.bus.Send(msg)
}

func (c *Coordinator) Broadcast(msg bus.Message) (map[string]bus.DeliveryStatus, error) {
	if err := c.gateRunning("broadcast"); err != nil {
		return nil, err
	}
	return c.bus.Broadcast(msg), nil
}

func (c *Coordinator) PublishChannel(channel string, msg bus.Message) (map[string]bus.DeliveryStatus, error) {
	if err := c.gateRunning("publish"); err != nil {
		return nil, err
	}
	return c.bus.PublishChannel(channel, msg), nil
}

func (c *Coordinator) SubscribeChannel(agentID, channel string)   { c.bus.Subscribe(agentID, channel) }
func (c *Coordinator) UnsubscribeChannel(agentID, channel string) { c.bus.Unsubscribe(agentID, channel) }

func (c *Coordinator) Receive(ctx context.Context, agentID string) (bus.Message, error) {
	return c.bus.Receive(ctx, agentID)
}

// Request sends a request message and blocks for the correlated response.
// A zero timeout uses the configured default.
func (c *Coordinator) Request(ctx context.Context, msg bus.Message, timeout time.Duration) (bus.Message, error) {
	if err := c.gateRunning("request"); err != nil {
		return bus.Message{}, err
	}
	if timeout <= 0 {
		timeout = c.cfg.RequestTimeout
	}
	return c.bus.Request(ctx, msg, timeout)
}

// --- consensus ---

// Decide opens a proposal over the swarm's current consensus-eligible
// membership.
func (c *Coordinator) Decide(spec consensus.Spec) (string, error) {
	if err := c.gateRunning("decide"); err != nil {
		return "", err
	}
	spec.SwarmID = c.id

	id, err := c.consensus.Propose(spec, c.registry.Members())
	if err != nil {
		return "", err
	}
	c.publish(event.TypeProposalOpened, map[string]any{
		"proposal_id": id, "algorithm": string(spec.Algorithm),
	})
	return id, nil
}

func (c *Coordinator) Vote(proposalID, agentID, option string, confidence float64) error {
	return c.consensus.Vote(proposalID, agentID, option, confidence)
}

func (c *Coordinator) ProposalResult(ctx context.Context, proposalID string) (consensus.Result, error) {
	return c.consensus.Result(ctx, proposalID)
}

func (c *Coordinator) ProposalStatus(proposalID string) (consensus.Result, bool, error) {
	return c.consensus.Get(proposalID)
}

func (c *Coordinator) onProposalFinalized(r consensus.Result) {
	var t event.Type
	switch r.Status {
	case consensus.StatusDecided:
		t = event.TypeProposalDecided
	case consensus.StatusTimedOut:
		t = event.TypeProposalTimedOut
	default:
		t = event.TypeProposalAborted
	}
	c.publish(t, map[string]any{
		"proposal_id": r.ProposalID,
		"algorithm":   string(r.Algorithm),
		"status":      string(r.Status),
		"option":      r.Option,
		"confidence":  r.Confidence,
		"reason":      r.Reason,
	})
}

// --- stats / lifecycle ---

type Stats struct {
	SwarmID       string                  `json:"swarm_id"`
	Topology      string                  `json:"topology"`
	State         State                   `json:"state"`
	Agents        map[registry.Status]int `json:"agents"`
	Tasks         map[TaskStatus]int      `json:"tasks"`
	QueueDepth    int                     `json:"queue_depth"`
	OpenProposals int                     `json:"open_proposals"`
}

func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	state := c.state
	taskCounts := make(map[TaskStatus]int)
	for _, t := range c.tasks {
		taskCounts[t.Status]++
	}
	c.mu.Unlock()

	return Stats{
		SwarmID:       c.id,
		Topology:      c.topology,
		State:         state,
		Agents:        c.registry.CountByStatus(),
		Tasks:         taskCounts,
		QueueDepth:    c.bus.Depth(),
		OpenProposals: c.consensus.OpenCount(),
	}
}

// Destroy drains and tears the swarm down: new work is refused, open
// proposals abort, in-flight tasks get the drain timeout to finish, then the
// bus closes and agents are deregistered. Safe to call more than once.
func (c *Coordinator) Destroy(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateDestroyed {
		c.mu.Unlock()
		return nil
	}
	alreadyDraining := c.state == StateDraining
	c.state = StateDraining
	c.mu.Unlock()

	if alreadyDraining {
		return fmt.Errorf("destroy %s: drain already in progress", c.id)
	}

	c.publish(event.TypeSwarmStateChanged, map[string]any{"state": string(StateDraining)})
	slog.Info("swarm draining", "id", c.id)

	c.consensus.AbortAll("swarm destroyed")

	deadline := c.clk.Now().Add(c.cfg.DrainTimeout)
	for c.inFlight() > 0 && c.clk.Now().Before(deadline) {
		select {
		case <-c.clk.After(drainPoll):
		case <-ctx.Done():
			break
		}
		if ctx.Err() != nil {
			break
		}
	}

	c.mu.Lock()
	for _, t := range c.tasks {
		if t.Status.Terminal() {
			continue
		}
		if t.AssignedAgent != "" {
			c.registry.Release(t.AssignedAgent)
		}
		c.failLocked(t, ReasonSwarmDestroyed)
	}
	c.mu.Unlock()

	c.bus.Close()

	c.stopOnce.Do(func() { close(c.stop) })
	c.wg.Wait()

	for _, a := range c.registry.List() {
		c.registry.Deregister(a.ID)
		c.publish(event.TypeAgentLeft, map[string]any{"agent_id": a.ID})
	}

	c.mu.Lock()
	c.state = StateDestroyed
	c.mu.Unlock()

	c.publish(event.TypeSwarmStateChanged, map[string]any{"state": string(StateDestroyed)})
	slog.Info("swarm destroyed", "id", c.id)

	c.events.Close()
	return nil
}

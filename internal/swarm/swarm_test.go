package swarm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/swarmdlabs/swarmd/internal/bus"
	"github.com/swarmdlabs/swarmd/internal/clock"
	"github.com/swarmdlabs/swarmd/internal/config"
	"github.com/swarmdlabs/swarmd/internal/consensus"
	"github.com/swarmdlabs/swarmd/internal/event"
	"github.com/swarmdlabs/swarmd/internal/registry"
)

func testSwarmConfig() config.SwarmConfig {
	return config.SwarmConfig{
		MaxAgents:           8,
		HealthTimeout:       time.Second,
		HealthSweepInterval: 5 * time.Second,
		TTLSweepInterval:    time.Second,
		LoadBalancing:       PolicyLeastLoaded,
		RetryLimit:          3,
		MaxQueue:            64,
		RequestTimeout:      30 * time.Second,
		DrainTimeout:        time.Second,
	}
}

func newTestSwarm(t *testing.T, cfg config.SwarmConfig) (*Coordinator, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	c := New("sw-test", "mesh", cfg, clk)
	if err := c.Start(); err != nil {
		t.Fatalf("start swarm: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithCancel(context.Background())
		cancel() // skip drain wait under the fake clock
		_ = c.Destroy(ctx)
	})
	return c, clk
}

func addAgent(t *testing.T, c *Coordinator, id string, caps ...string) {
	t.Helper()
	if _, err := c.AddAgent(registry.Descriptor{ID: id, Capabilities: caps}); err != nil {
		t.Fatalf("add agent %s: %v", id, err)
	}
}

// waitEvent drains the subscription until an event of the wanted type shows
// up or the deadline hits.
func waitEvent(t *testing.T, ch <-chan event.Event, want event.Type) event.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, open := <-ch:
			if !open {
				t.Fatalf("event stream closed while waiting for %s", want)
			}
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event %s", want)
		}
	}
}

func TestSubmitRequiresRunningState(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	c := New("sw-test", "mesh", testSwarmConfig(), clk)

	if _, err := c.SubmitTask(nil, ""); !errors.Is(err, ErrSwarmNotRunning) {
		t.Errorf("expected ErrSwarmNotRunning before start, got %v", err)
	}
}

func TestFirstRegistrationStartsSwarm(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	c := New("sw-test", "mesh", testSwarmConfig(), clk)
	t.Cleanup(func() {
		ctx, cancel := context.WithCancel(context.Background())
		cancel() // skip drain wait under the fake clock
		_ = c.Destroy(ctx)
	})

	addAgent(t, c, "a1")

	if c.State() != StateRunning {
		t.Fatalf("expected running after first registration, got %s", c.State())
	}
	if _, err := c.SubmitTask(nil, ""); err != nil {
		t.Errorf("submit after implicit start: %v", err)
	}
}

func TestSubmitNoEligibleAgent(t *testing.T) {
	c, _ := newTestSwarm(t, testSwarmConfig())
	addAgent(t, c, "a1", "build", "test")

	task, err := c.SubmitTask([]string{"gpu"}, "")
	if !errors.Is(err, ErrNoEligibleAgent) {
		t.Fatalf("expected ErrNoEligibleAgent, got %v", err)
	}
	if task.Status != TaskFailed || task.Reason != ReasonNoEligibleAgent {
		t.Errorf("expected failed/no-eligible-agent, got %s/%s", task.Status, task.Reason)
	}
}

func TestLeastLoadedAssignment(t *testing.T) {
	c, _ := newTestSwarm(t, testSwarmConfig())
	addAgent(t, c, "a1", "build")
	addAgent(t, c, "a2", "build")

	assigned := make(map[string]int)
	for i := 0; i < 4; i++ {
		task, err := c.SubmitTask([]string{"build"}, "")
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		assigned[task.AssignedAgent]++
	}
	if assigned["a1"] != 2 || assigned["a2"] != 2 {
		t.Errorf("expected even spread, got %v", assigned)
	}
}

func TestRoundRobinAssignment(t *testing.T) {
	cfg := testSwarmConfig()
	cfg.LoadBalancing = PolicyRoundRobin
	c, _ := newTestSwarm(t, cfg)
	addAgent(t, c, "a1")
	addAgent(t, c, "a2")
	addAgent(t, c, "a3")

	want := []string{"a1", "a2", "a3", "a1"}
	for i, expected := range want {
		task, err := c.SubmitTask(nil, "")
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		if task.AssignedAgent != expected {
			t.Errorf("submit %d: expected %s, got %s", i, expected, task.AssignedAgent)
		}
	}
}

func TestAssignmentNotifiesAgentOverBus(t *testing.T) {
	c, _ := newTestSwarm(t, testSwarmConfig())
	addAgent(t, c, "a1", "build")

	task, err := c.SubmitTask([]string{"build"}, string(bus.PriorityHigh))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, err := c.Receive(ctx, "a1")
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if msg.Priority != bus.PriorityHigh {
		t.Errorf("expected high priority notification, got %s", msg.Priority)
	}
	if string(msg.Payload) == "" || task.ID == "" {
		t.Error("expected task payload in notification")
	}
}

func TestRemoveAgentReassignsTasks(t *testing.T) {
	c, _ := newTestSwarm(t, testSwarmConfig())
	addAgent(t, c, "a1", "build")
	addAgent(t, c, "a2", "build")

	// a1 registered first, both idle: least-loaded picks a1.
	task, err := c.SubmitTask([]string{"build"}, "")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if task.AssignedAgent != "a1" {
		t.Fatalf("expected a1, got %s", task.AssignedAgent)
	}

	if !c.RemoveAgent("a1") {
		t.Fatal("expected removal to report true")
	}

	got, _ := c.GetTask(task.ID)
	if got.AssignedAgent != "a2" || got.Status != TaskAssigned {
		t.Errorf("expected reassignment to a2, got %s/%s", got.AssignedAgent, got.Status)
	}
	if got.Attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", got.Attempts)
	}

	// Idempotent removal.
	if c.RemoveAgent("a1") {
		t.Error("second removal should report false")
	}
}

func TestRemoveLastAgentFailsTask(t *testing.T) {
	c, _ := newTestSwarm(t, testSwarmConfig())
	addAgent(t, c, "a1", "build")

	task, _ := c.SubmitTask([]string{"build"}, "")
	c.RemoveAgent("a1")

	got, _ := c.GetTask(task.ID)
	if got.Status != TaskFailed || got.Reason != ReasonAgentRemoved {
		t.Errorf("expected failed/agent-removed, got %s/%s", got.Status, got.Reason)
	}
}

func TestRetriesExhausted(t *testing.T) {
	cfg := testSwarmConfig()
	cfg.RetryLimit = 1
	c, _ := newTestSwarm(t, cfg)
	addAgent(t, c, "a1")
	addAgent(t, c, "a2")

	task, _ := c.SubmitTask(nil, "")

	// First failure consumes the single retry, second exhausts the budget.
	if err := c.ReportFailure(task.ID, "crash"); err != nil {
		t.Fatalf("report failure: %v", err)
	}
	got, _ := c.GetTask(task.ID)
	if got.Status != TaskAssigned || got.Attempts != 2 {
		t.Fatalf("expected retried assignment, got %s attempts=%d", got.Status, got.Attempts)
	}

	_ = c.ReportFailure(task.ID, "crash")
	got, _ = c.GetTask(task.ID)
	if got.Status != TaskFailed || got.Reason != ReasonRetriesExhausted {
		t.Errorf("expected failed/retries-exhausted, got %s/%s", got.Status, got.Reason)
	}
}

func TestCompletionReleasesLoadAndIsTerminal(t *testing.T) {
	c, _ := newTestSwarm(t, testSwarmConfig())
	addAgent(t, c, "a1")

	task, _ := c.SubmitTask(nil, "")
	if err := c.StartTask(task.ID, "a1"); err != nil {
		t.Fatalf("start task: %v", err)
	}
	if err := c.ReportCompletion(task.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}

	a, _ := c.Agent("a1")
	if a.Load != 0 || a.Status != registry.StatusIdle {
		t.Errorf("expected released idle agent, got load=%d status=%s", a.Load, a.Status)
	}

	// Terminal states never flip back.
	_ = c.ReportFailure(task.ID, "late failure")
	got, _ := c.GetTask(task.ID)
	if got.Status != TaskCompleted {
		t.Errorf("completed task overwritten to %s", got.Status)
	}
}

func TestHealthSweepReassignsAndNotifiesConsensus(t *testing.T) {
	c, clk := newTestSwarm(t, testSwarmConfig())
	addAgent(t, c, "a1", "build")

	task, _ := c.SubmitTask([]string{"build"}, "")

	ch, cancel := c.Events().Subscribe(32)
	defer cancel()

	// No heartbeats for well past the health timeout; the sweep ticker
	// fires on advance.
	clk.Advance(10 * time.Second)

	waitEvent(t, ch, event.TypeAgentUnhealthy)
	waitEvent(t, ch, event.TypeTaskFailed)

	a, _ := c.Agent("a1")
	if a.Status != registry.StatusUnhealthy {
		t.Errorf("expected unhealthy agent, got %s", a.Status)
	}
	got, _ := c.GetTask(task.ID)
	if got.Status != TaskFailed || got.Reason != ReasonAgentUnhealthy {
		t.Errorf("expected failed/agent-unhealthy, got %s/%s", got.Status, got.Reason)
	}
}

func TestDecideVoteResult(t *testing.T) {
	c, _ := newTestSwarm(t, testSwarmConfig())
	addAgent(t, c, "a1")
	addAgent(t, c, "a2")
	addAgent(t, c, "a3")

	id, err := c.Decide(consensus.Spec{
		Algorithm: consensus.AlgorithmMajority,
		Options:   []string{"plan-a", "plan-b"},
		Timeout:   time.Minute,
	})
	if err != nil {
		t.Fatalf("decide: %v", err)
	}

	for _, agent := range []string{"a1", "a2"} {
		if err := c.Vote(id, agent, "plan-a", 1.0); err != nil {
			t.Fatalf("vote %s: %v", agent, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := c.ProposalResult(ctx, id)
	if err != nil {
		t.Fatalf("result: %v", err)
	}
	if res.Status != consensus.StatusDecided || res.Option != "plan-a" {
		t.Errorf("expected plan-a decided, got %+v", res)
	}
}

func TestDestroyAbortsProposalsAndFailsTasks(t *testing.T) {
	c, clk := newTestSwarm(t, testSwarmConfig())
	addAgent(t, c, "a1")
	addAgent(t, c, "a2")

	task, _ := c.SubmitTask(nil, "")
	propID, err := c.Decide(consensus.Spec{
		Algorithm: consensus.AlgorithmUnanimous,
		Options:   []string{"go"},
		Timeout:   time.Hour,
	})
	if err != nil {
		t.Fatalf("decide: %v", err)
	}

	done := make(chan struct{})
	go func() {
		_ = c.Destroy(context.Background())
		close(done)
	}()

	// Drive the drain deadline under the fake clock.
	deadline := time.After(5 * time.Second)
	for {
		select {
		case <-done:
		case <-deadline:
			t.Fatal("destroy did not finish")
		default:
			clk.Advance(200 * time.Millisecond)
			time.Sleep(2 * time.Millisecond)
			continue
		}
		break
	}

	if c.State() != StateDestroyed {
		t.Fatalf("expected destroyed, got %s", c.State())
	}

	res, _, err := c.ProposalStatus(propID)
	if err != nil {
		t.Fatalf("proposal status: %v", err)
	}
	if res.Status != consensus.StatusAborted || res.Reason != "swarm destroyed" {
		t.Errorf("expected aborted proposal, got %+v", res)
	}

	got, _ := c.GetTask(task.ID)
	if got.Status != TaskFailed || got.Reason != ReasonSwarmDestroyed {
		t.Errorf("expected failed/swarm-destroyed, got %s/%s", got.Status, got.Reason)
	}

	if _, err := c.SubmitTask(nil, ""); !errors.Is(err, ErrSwarmNotRunning) {
		t.Errorf("expected ErrSwarmNotRunning after destroy, got %v", err)
	}

	// Destroy is idempotent.
	if err := c.Destroy(context.Background()); err != nil {
		t.Errorf("second destroy: %v", err)
	}
}

func TestStats(t *testing.T) {
	c, _ := newTestSwarm(t, testSwarmConfig())
	addAgent(t, c, "a1", "build")
	addAgent(t, c, "a2")

	task, _ := c.SubmitTask([]string{"build"}, "")
	_, _ = c.SubmitTask(nil, "")
	_ = c.ReportCompletion(task.ID)

	stats := c.Stats()
	if stats.State != StateRunning {
		t.Errorf("expected running, got %s", stats.State)
	}
	if stats.Agents[registry.StatusIdle]+stats.Agents[registry.StatusBusy] != 2 {
		t.Errorf("expected 2 live agents, got %v", stats.Agents)
	}
	if stats.Tasks[TaskCompleted] != 1 || stats.Tasks[TaskAssigned] != 1 {
		t.Errorf("unexpected task counts %v", stats.Tasks)
	}
	if stats.OpenProposals != 0 {
		t.Errorf("expected no open proposals, got %d", stats.OpenProposals)
	}
}

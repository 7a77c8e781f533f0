package swarm

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/swarmdlabs/swarmd/internal/bus"
	"github.com/swarmdlabs/swarmd/internal/clock"
	"github.com/swarmdlabs/swarmd/internal/config"
	"github.com/swarmdlabs/swarmd/internal/registry"
	"github.com/swarmdlabs/swarmd/internal/store"
)

func newTestManager(t *testing.T, st *store.Store) (*Manager, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	cfg := &config.Config{Swarm: testSwarmConfig()}
	m := NewManager(cfg, clk, st, nil)
	t.Cleanup(func() { m.Shutdown(context.Background()) })
	return m, clk
}

func TestManagerSwarmIsolation(t *testing.T) {
	m, _ := newTestManager(t, nil)

	s1, err := m.CreateSwarm("mesh", 4)
	if err != nil {
		t.Fatalf("create s1: %v", err)
	}
	s2, err := m.CreateSwarm("star", 4)
	if err != nil {
		t.Fatalf("create s2: %v", err)
	}

	addAgent(t, s1, "a1", "build")
	addAgent(t, s2, "a1", "build") // same id, different swarm

	// A message sent inside s1 never reaches s2's agent.
	if _, err := s1.Send(bus.Message{From: "ctrl", To: []string{"a1"}, TTL: time.Minute, Payload: []byte("s1")}); err != nil {
		t.Fatalf("send: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := s2.Receive(ctx, "a1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected no cross-swarm delivery, got %v", err)
	}
}

func TestManagerForwardWithoutNATS(t *testing.T) {
	m, _ := newTestManager(t, nil)

	src, _ := m.CreateSwarm("mesh", 4)
	dst, _ := m.CreateSwarm("mesh", 4)
	addAgent(t, dst, "worker")

	err := m.Forward(dst.ID(), bus.Message{
		From:    "bridge:" + src.ID(),
		To:      []string{"worker"},
		TTL:     time.Minute,
		Payload: []byte("cross-swarm"),
	})
	if err != nil {
		t.Fatalf("forward: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, err := dst.Receive(ctx, "worker")
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if string(msg.Payload) != "cross-swarm" {
		t.Errorf("unexpected payload %q", msg.Payload)
	}

	if err := m.Forward("nonexistent", bus.Message{To: []string{"x"}, TTL: time.Minute}); !errors.Is(err, ErrUnknownSwarm) {
		t.Errorf("expected ErrUnknownSwarm, got %v", err)
	}
}

func TestManagerDestroyRemovesSwarm(t *testing.T) {
	m, _ := newTestManager(t, nil)

	c, _ := m.CreateSwarm("mesh", 4)
	id := c.ID()

	if err := m.DestroySwarm(context.Background(), id); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if _, err := m.GetSwarm(id); !errors.Is(err, ErrUnknownSwarm) {
		t.Errorf("expected ErrUnknownSwarm after destroy, got %v", err)
	}
	if err := m.DestroySwarm(context.Background(), id); !errors.Is(err, ErrUnknownSwarm) {
		t.Errorf("expected ErrUnknownSwarm on double destroy, got %v", err)
	}
}

func TestManagerJournalsLifecycle(t *testing.T) {
	st, err := store.New(config.StoreConfig{Path: filepath.Join(t.TempDir(), "journal.db")})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	defer st.Close()

	m, _ := newTestManager(t, st)

	c, err := m.CreateSwarm("mesh", 4)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	id := c.ID()
	addAgent(t, c, "a1", "build")

	task, err := c.SubmitTask([]string{"build"}, "")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := c.ReportCompletion(task.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}

	// Shutdown destroys the swarm and waits for the journal pump to drain.
	m.Shutdown(context.Background())

	rec, err := st.GetSwarm(id)
	if err != nil {
		t.Fatalf("get swarm record: %v", err)
	}
	if rec == nil {
		t.Fatal("expected journaled swarm record")
	}
	if rec.Status != string(StateDestroyed) || rec.DestroyedAt == nil {
		t.Errorf("expected destroyed record, got %+v", rec)
	}
	if rec.Topology != "mesh" || rec.MaxAgents != 4 {
		t.Errorf("unexpected identity fields %+v", rec)
	}

	trec, err := st.GetTask(task.ID)
	if err != nil {
		t.Fatalf("get task record: %v", err)
	}
	if trec == nil {
		t.Fatal("expected journaled task record")
	}
	if trec.Status != string(TaskCompleted) || trec.SwarmID != id {
		t.Errorf("unexpected task record %+v", trec)
	}
	var caps []string
	if err := json.Unmarshal(trec.Capabilities, &caps); err != nil || len(caps) != 1 || caps[0] != "build" {
		t.Errorf("unexpected capabilities %s (%v)", trec.Capabilities, err)
	}
}

func TestManagerAppliesDefaultMaxAgents(t *testing.T) {
	m, _ := newTestManager(t, nil)

	c, _ := m.CreateSwarm("mesh", 0)
	for i := 0; i < testSwarmConfig().MaxAgents; i++ {
		addAgent(t, c, string(rune('a'+i)))
	}
	if _, err := c.AddAgent(registry.Descriptor{ID: "overflow"}); !errors.Is(err, registry.ErrCapacityExceeded) {
		t.Errorf("expected capacity error at default limit, got %v", err)
	}
}
